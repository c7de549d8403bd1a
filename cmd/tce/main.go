// Command tce runs one engine node: Gatekeeper, Sampler, Double-Echo,
// Storage Engine and API Runtime wired together behind a relt-backed
// Network Adapter.
package main

import (
	"context"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"syscall"

	"github.com/spf13/cobra"
	"github.com/spf13/pflag"

	"github.com/topos-network/tce-core/doubleecho"
	"github.com/topos-network/tce-core/engine"
	"github.com/topos-network/tce-core/gatekeeper"
	"github.com/topos-network/tce-core/internal/config"
	"github.com/topos-network/tce-core/internal/logging"
	"github.com/topos-network/tce-core/internal/telemetry"
	"github.com/topos-network/tce-core/network"
	"github.com/topos-network/tce-core/sampler"
	"github.com/topos-network/tce-core/sequencer"
	"github.com/topos-network/tce-core/storage"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

func main() {
	if err := newRootCmd().Execute(); err != nil {
		fmt.Fprintln(os.Stderr, err)
		os.Exit(1)
	}
}

func newRootCmd() *cobra.Command {
	var configPath string
	var peerName string

	cmd := &cobra.Command{
		Use:   "tce",
		Short: "Run a transmission control engine node",
		RunE: func(cmd *cobra.Command, args []string) error {
			return run(cmd, configPath, peerName)
		},
	}

	flags := pflag.NewFlagSet("tce", pflag.ContinueOnError)
	flags.StringVar(&configPath, "config", "", "path to a config file")
	flags.String("api_addr", "", "address the API runtime listens on")
	flags.String("storage_path", "", "path to the bbolt data file")
	flags.String("log_level", "", "logrus level")
	flags.StringVar(&peerName, "peer_name", "node-1", "this node's gossip peer identity")
	cmd.Flags().AddFlagSet(flags)

	return cmd
}

func run(cmd *cobra.Command, configPath, peerName string) error {
	cfg, err := config.Load(configPath, cmd.Flags())
	if err != nil {
		return err
	}

	log := logging.New(logging.Options{Level: cfg.LogLevel})
	log.WithField("peer", peerName).Info("starting engine")

	reg := prometheus.NewRegistry()
	metrics := telemetry.New(reg)

	st, err := storage.OpenBolt(cfg.StoragePath)
	if err != nil {
		return fmt.Errorf("open storage: %w", err)
	}
	defer st.Close()

	net, err := network.NewReltAdapter(log, peerName, "tce-gossip")
	if err != nil {
		return fmt.Errorf("open network adapter: %w", err)
	}
	defer net.Close()

	metricsServer := &http.Server{
		Addr:    cfg.APIAddr,
		Handler: promhttp.HandlerFor(reg, promhttp.HandlerOpts{}),
	}
	go func() {
		if err := metricsServer.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			log.WithError(err).Error("metrics server stopped")
		}
	}()
	defer metricsServer.Close()

	seq := sequencer.NewMemory(64)

	engCfg := engine.Config{
		Sampler: sampler.Config{
			EchoSampleSize:     cfg.EchoSampleSize,
			ReadySampleSize:    cfg.ReadySampleSize,
			DeliverySampleSize: cfg.DeliverySampleSize,
		},
		DoubleEcho: doubleecho.Config{
			Thresholds: doubleecho.Thresholds{
				Echo:     cfg.EchoThreshold,
				Ready:    cfg.ReadyThreshold,
				Delivery: cfg.DeliveryThreshold,
			},
			BroadcastDeadline: cfg.BroadcastDeadline,
			GracePeriod:       cfg.BroadcastDeadline,
		},
	}

	eng := engine.New(log, gatekeeper.PeerID(peerName), engCfg, st, net, seq, metrics)

	for _, boot := range cfg.BootPeers {
		eng.Gatekeeper().AddPeer(gatekeeper.Peer{ID: gatekeeper.PeerID(boot)})
	}

	ctx, cancel := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer cancel()

	eng.Run(ctx)
	return nil
}
