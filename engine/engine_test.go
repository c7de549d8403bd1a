package engine

import (
	"context"
	"sync"
	"testing"
	"time"

	"github.com/sirupsen/logrus"
	"github.com/stretchr/testify/require"
	"go.uber.org/goleak"

	"github.com/topos-network/tce-core/certificate"
	"github.com/topos-network/tce-core/doubleecho"
	"github.com/topos-network/tce-core/gatekeeper"
	"github.com/topos-network/tce-core/network"
	"github.com/topos-network/tce-core/sampler"
	"github.com/topos-network/tce-core/sequencer"
	"github.com/topos-network/tce-core/storage"
)

func TestMain(m *testing.M) {
	goleak.VerifyTestMain(m)
}

// bus is an in-process loopback network connecting a fixed set of
// fakeAdapters by peer id, standing in for the relt-backed Adapter so
// this test exercises the engine's wiring without a real transport.
type bus struct {
	mu       sync.Mutex
	adapters map[gatekeeper.PeerID]*fakeAdapter
}

func newBus() *bus {
	return &bus{adapters: map[gatekeeper.PeerID]*fakeAdapter{}}
}

func (b *bus) register(id gatekeeper.PeerID) *fakeAdapter {
	a := &fakeAdapter{id: id, bus: b, inbound: make(chan network.Inbound, 64)}
	b.mu.Lock()
	b.adapters[id] = a
	b.mu.Unlock()
	return a
}

func (b *bus) deliver(to gatekeeper.PeerID, in network.Inbound) {
	b.mu.Lock()
	target, ok := b.adapters[to]
	b.mu.Unlock()
	if !ok {
		return
	}
	select {
	case target.inbound <- in:
	default:
	}
}

type fakeAdapter struct {
	id      gatekeeper.PeerID
	bus     *bus
	inbound chan network.Inbound
}

func (a *fakeAdapter) SendRequest(ctx context.Context, peer gatekeeper.PeerID, frame network.Frame) error {
	a.bus.deliver(peer, network.Inbound{From: a.id, Frame: frame})
	return nil
}

func (a *fakeAdapter) Respond(ctx context.Context, peer gatekeeper.PeerID, frame network.Frame) error {
	a.bus.deliver(peer, network.Inbound{From: a.id, Frame: frame})
	return nil
}

func (a *fakeAdapter) Gossip(ctx context.Context, peers []gatekeeper.PeerID, frame network.Frame) error {
	for _, peer := range peers {
		a.bus.deliver(peer, network.Inbound{From: a.id, Frame: frame})
	}
	return nil
}

func (a *fakeAdapter) Inbound() <-chan network.Inbound { return a.inbound }
func (a *fakeAdapter) Close() error                    { return nil }

func newTestEngine(t *testing.T, selfID gatekeeper.PeerID, net network.Adapter, seq sequencer.Source) (*Engine, storage.Engine) {
	t.Helper()
	log := logrus.NewEntry(logrus.New())
	st := storage.NewMemory()
	cfg := Config{
		Sampler:    sampler.Config{EchoSampleSize: 1, ReadySampleSize: 1, DeliverySampleSize: 1},
		DoubleEcho: doubleecho.Config{Thresholds: doubleecho.Thresholds{Echo: 1, Ready: 1, Delivery: 1}, BroadcastDeadline: 5 * time.Second},
	}
	return New(log, selfID, cfg, st, net, seq, nil), st
}

// TestTwoNodeGossipDeliversCertificate wires two engines through a
// shared loopback bus, each sampling the other as its sole peer, and
// verifies a certificate submitted on one node is delivered on both.
func TestTwoNodeGossipDeliversCertificate(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	b := newBus()
	netA := b.register("A")
	netB := b.register("B")

	seqA := sequencer.NewMemory(1)
	seqB := sequencer.NewMemory(0)

	engA, stA := newTestEngine(t, "A", netA, seqA)
	engB, stB := newTestEngine(t, "B", netB, seqB)

	go engA.Run(ctx)
	go engB.Run(ctx)

	engA.Gatekeeper().AddPeer(gatekeeper.Peer{ID: "B"})
	engB.Gatekeeper().AddPeer(gatekeeper.Peer{ID: "A"})

	require.Eventually(t, func() bool {
		return engA.Sampler().Current().Stable && engB.Sampler().Current().Stable
	}, 2*time.Second, 10*time.Millisecond)

	var certID certificate.CertificateID
	certID[0] = 0x7
	cert := certificate.Certificate{ID: certID, SourceSubnet: certificate.SubnetID{0x1}}
	seqA.Submit(cert)

	require.Eventually(t, func() bool {
		state, ok := engA.DoubleEcho().StateOf(certID)
		return ok && state == doubleecho.Active
	}, 2*time.Second, 10*time.Millisecond, "local broadcast should activate the entry on the originating node")

	// B only ever learns of the certificate through a real Gossip frame
	// carried over the bus, so this exercises the full engine -> network
	// -> engine path rather than a directly-injected event.
	require.Eventually(t, func() bool {
		state, ok := engB.DoubleEcho().StateOf(certID)
		return ok && state == doubleecho.Active
	}, 2*time.Second, 10*time.Millisecond, "gossiped certificate should activate the entry on the remote node")

	// With sample size 1 each node is its own sole Echo/Ready/Delivery
	// subscriber, so the single Echo/Ready frame relayed back over the
	// bus is enough to cross every threshold on both nodes.
	require.Eventually(t, func() bool {
		state, ok := engA.DoubleEcho().StateOf(certID)
		return ok && state == doubleecho.Delivered
	}, 2*time.Second, 10*time.Millisecond, "originating node should reach Delivered")

	require.Eventually(t, func() bool {
		state, ok := engB.DoubleEcho().StateOf(certID)
		return ok && state == doubleecho.Delivered
	}, 2*time.Second, 10*time.Millisecond, "remote node should reach Delivered")

	require.Eventually(t, func() bool {
		certs, err := stA.GetCertificates([]certificate.CertificateID{certID})
		return err == nil && len(certs) == 1
	}, 2*time.Second, 10*time.Millisecond, "delivered certificate should be persisted on the originating node")

	require.Eventually(t, func() bool {
		certs, err := stB.GetCertificates([]certificate.CertificateID{certID})
		return err == nil && len(certs) == 1
	}, 2*time.Second, 10*time.Millisecond, "delivered certificate should be persisted on the remote node")
}
