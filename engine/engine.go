// Package engine wires the Gatekeeper, Sampler, Double-Echo, Storage
// Engine, API Runtime, Network Adapter and Sequencer together, and runs
// the central event loop that connects them. It is grounded on the
// original implementation's AppContext
// (original_source/crates/topos-tce/src/app_context.rs), which plays
// the same "application logic glue" role: one struct holding every
// collaborator, one run loop selecting across their event streams.
package engine

import (
	"context"

	"github.com/sirupsen/logrus"

	"github.com/topos-network/tce-core/api"
	"github.com/topos-network/tce-core/doubleecho"
	"github.com/topos-network/tce-core/gatekeeper"
	"github.com/topos-network/tce-core/internal/telemetry"
	"github.com/topos-network/tce-core/network"
	"github.com/topos-network/tce-core/sampler"
	"github.com/topos-network/tce-core/sequencer"
	"github.com/topos-network/tce-core/storage"
)

// Config bundles the tunables every owned component needs.
type Config struct {
	Sampler    sampler.Config
	DoubleEcho doubleecho.Config
}

// Engine owns one instance of every component and is the only thing
// that knows how they are wired together.
type Engine struct {
	log *logrus.Entry

	selfID gatekeeper.PeerID

	gatekeeper *gatekeeper.Gatekeeper
	sampler    *sampler.Sampler
	doubleEcho *doubleecho.DoubleEcho
	storage    storage.Engine
	runtime    *api.Runtime
	network    network.Adapter
	sequencer  sequencer.Source
	metrics    *telemetry.Metrics
}

// New constructs an Engine from its collaborators. storage and network
// are injected so tests can substitute storage.NewMemory() and a fake
// Adapter without touching disk or the network. metrics may be nil, in
// which case telemetry is skipped.
func New(log *logrus.Entry, selfID gatekeeper.PeerID, cfg Config, st storage.Engine, net network.Adapter, seq sequencer.Source, metrics *telemetry.Metrics) *Engine {
	entry := log.WithField("component", "engine")

	gk := gatekeeper.New(entry)
	smp := sampler.New(entry, cfg.Sampler)
	de := doubleecho.New(entry, cfg.DoubleEcho, smp)
	runtime := api.NewRuntime(entry, st, de, metrics)

	return &Engine{
		log:        entry,
		selfID:     selfID,
		gatekeeper: gk,
		sampler:    smp,
		doubleEcho: de,
		storage:    st,
		runtime:    runtime,
		network:    net,
		sequencer:  seq,
		metrics:    metrics,
	}
}

// Gatekeeper, Sampler, DoubleEcho, Runtime expose the owned components
// for wiring transports (gRPC handlers, CLI) on top of the engine.
func (e *Engine) Gatekeeper() *gatekeeper.Gatekeeper { return e.gatekeeper }
func (e *Engine) Sampler() *sampler.Sampler          { return e.sampler }
func (e *Engine) DoubleEcho() *doubleecho.DoubleEcho { return e.doubleEcho }
func (e *Engine) Runtime() *api.Runtime              { return e.runtime }

// Run starts every owned task and the central glue loop that bridges
// Gatekeeper directory events into the Sampler, Sampler subscribe
// requests and Double-Echo gossip/echo/ready events into the Network
// Adapter, inbound network frames into the Sampler/Double-Echo, and
// Sequencer certificates into submission. It blocks until ctx is
// cancelled.
func (e *Engine) Run(ctx context.Context) {
	directoryEvents := make(chan gatekeeper.DirectoryChanged, 16)
	samplerEvents := make(chan sampler.Event, 16)

	go e.gatekeeper.Run(ctx)
	go e.forwardDirectoryEvents(ctx, directoryEvents)
	go e.sampler.Run(ctx, directoryEvents)
	go e.forwardSamplerEvents(ctx, samplerEvents)
	go e.doubleEcho.Run(ctx, samplerEvents)
	go e.runtime.Run(ctx)

	sequencerCerts := e.sequencer.Certificates()

	for {
		select {
		case <-ctx.Done():
			return

		case cert, ok := <-sequencerCerts:
			if !ok {
				// A nil channel is never selectable again, disabling this
				// case once the sequencer has no more work.
				sequencerCerts = nil
				continue
			}
			if err := e.runtime.SubmitCertificate(cert); err != nil {
				e.log.WithError(err).WithField("certificate", cert.ID.Hex()).Error("submission failed")
			}

		case req := <-e.sampler.Requests():
			e.dispatchSubscribeRequest(ctx, req)

		case evt := <-e.doubleEcho.GossipOut():
			e.gossip(ctx, evt.Peers, network.Frame{Kind: network.KindGossip, Certificate: &evt.Certificate})

		case evt := <-e.doubleEcho.EchoOut():
			if cert, ok := e.doubleEcho.CertificateOf(evt.CertificateID); ok {
				e.gossip(ctx, evt.Peers, network.Frame{Kind: network.KindEcho, From: e.selfID, Certificate: &cert})
			}

		case evt := <-e.doubleEcho.ReadyOut():
			if cert, ok := e.doubleEcho.CertificateOf(evt.CertificateID); ok {
				e.gossip(ctx, evt.Peers, network.Frame{Kind: network.KindReady, From: e.selfID, Certificate: &cert})
			}

		case inbound := <-e.network.Inbound():
			e.handleInbound(inbound)

		case evt := <-e.doubleEcho.Delivered():
			e.persistDelivered(evt)

		case evt := <-e.doubleEcho.Expired():
			if e.metrics != nil {
				e.metrics.CertificatesExpired.Inc()
			}
			e.log.WithField("certificate", evt.CertificateID.Hex()).Warn("certificate expired before delivery")
		}
	}
}

func (e *Engine) forwardDirectoryEvents(ctx context.Context, out chan<- gatekeeper.DirectoryChanged) {
	events := e.gatekeeper.Events()
	for {
		select {
		case <-ctx.Done():
			return
		case evt := <-events:
			if e.metrics != nil {
				e.metrics.ConnectedPeers.Set(float64(len(evt.Current)))
			}
			select {
			case out <- evt:
			case <-ctx.Done():
				return
			}
		}
	}
}

func (e *Engine) forwardSamplerEvents(ctx context.Context, out chan<- sampler.Event) {
	events := e.sampler.Events()
	for {
		select {
		case <-ctx.Done():
			return
		case evt := <-events:
			if e.metrics != nil && evt.StableSample {
				e.metrics.SampleStabilityFlips.Inc()
				e.metrics.SampleStable.Set(1)
			}
			select {
			case out <- evt:
			case <-ctx.Done():
				return
			}
		}
	}
}

func (e *Engine) dispatchSubscribeRequest(ctx context.Context, req sampler.SubscribeRequest) {
	var kind network.Kind
	switch req.Role {
	case gatekeeper.EchoSubscription:
		kind = network.KindEchoSubscribeReq
	case gatekeeper.ReadySubscription:
		kind = network.KindReadySubscribeReq
	default:
		return
	}
	frame := network.Frame{Kind: kind, From: e.selfID}
	if err := e.network.SendRequest(ctx, req.Peer.ID, frame); err != nil {
		e.log.WithError(err).WithField("peer", req.Peer.ID).Warn("subscribe request send failed")
	}
}

func (e *Engine) gossip(ctx context.Context, peers []gatekeeper.PeerID, frame network.Frame) {
	if frame.Certificate == nil {
		return
	}
	if err := e.network.Gossip(ctx, peers, frame); err != nil {
		e.log.WithError(err).Warn("gossip send failed")
	}
}

// persistDelivered hands a delivered certificate to the Storage Engine,
// assigning it a position and publishing it on storage.Deliveries() for
// the Runtime's fan-out. pendingID is non-nil only when this node was
// the original submitter; a relay-learned certificate has never gone
// through SubmitCertificate and so has no pending pool entry to clear.
func (e *Engine) persistDelivered(evt doubleecho.DeliveredEvent) {
	certLog := e.log.WithField("certificate", evt.Certificate.ID.Hex())

	var pending *storage.PendingID
	if id, ok := e.runtime.TakePendingID(evt.Certificate.ID); ok {
		pending = &id
	}

	record, err := e.storage.Persist(evt.Certificate, pending)
	if err != nil {
		certLog.WithError(err).Error("failed to persist delivered certificate")
		return
	}

	if e.metrics != nil {
		e.metrics.CertificatesDelivered.Inc()
	}
	certLog.WithField("position", record.Position).Info("certificate delivered")
}

func (e *Engine) handleInbound(in network.Inbound) {
	switch in.Frame.Kind {
	case network.KindGossip:
		if in.Frame.Certificate != nil {
			e.doubleEcho.IngestGossip(*in.Frame.Certificate)
		}
	case network.KindEcho:
		if in.Frame.Certificate != nil {
			e.doubleEcho.IngestEcho(*in.Frame.Certificate, in.From)
		}
	case network.KindReady:
		if in.Frame.Certificate != nil {
			e.doubleEcho.IngestReady(*in.Frame.Certificate, in.From)
		}
	case network.KindEchoSubscribeReq:
		if e.sampler.OnRemoteEchoSubscribeReq(gatekeeper.Peer{ID: in.From}) {
			e.ackSubscribe(in.From, network.KindEchoSubscribeOk)
		}
	case network.KindReadySubscribeReq:
		if e.sampler.OnRemoteReadySubscribeReq(gatekeeper.Peer{ID: in.From}) {
			e.ackSubscribe(in.From, network.KindReadySubscribeOk)
		}
	case network.KindEchoSubscribeOk:
		e.sampler.OnEchoSubscribeOk(in.From)
	case network.KindReadySubscribeOk:
		e.sampler.OnReadySubscribeOk(in.From)
	case network.KindDoubleEchoOk:
		// acknowledgement only, nothing to reconcile on this side.
	}
}

func (e *Engine) ackSubscribe(peer gatekeeper.PeerID, kind network.Kind) {
	if err := e.network.Respond(context.Background(), peer, network.Frame{Kind: kind, From: e.selfID}); err != nil {
		e.log.WithError(err).WithField("peer", peer).Warn("subscribe ack send failed")
	}
}
