package sampler

import (
	"context"
	"testing"
	"time"

	"github.com/sirupsen/logrus"
	"github.com/stretchr/testify/require"
	"go.uber.org/goleak"

	"github.com/topos-network/tce-core/gatekeeper"
)

func TestMain(m *testing.M) {
	goleak.VerifyTestMain(m)
}

func newTestSampler(t *testing.T, cfg Config) (*Sampler, chan gatekeeper.DirectoryChanged, context.CancelFunc) {
	t.Helper()
	ctx, cancel := context.WithCancel(context.Background())
	s := New(logrus.NewEntry(logrus.New()), cfg)
	events := make(chan gatekeeper.DirectoryChanged, 8)
	go s.Run(ctx, events)
	return s, events, cancel
}

func pool(n int) []gatekeeper.Peer {
	out := make([]gatekeeper.Peer, n)
	for i := range out {
		out[i] = gatekeeper.Peer{ID: gatekeeper.PeerID(rune('a' + i)), ConnectedAt: time.Now()}
	}
	return out
}

func drainRequests(t *testing.T, s *Sampler) []SubscribeRequest {
	t.Helper()
	var out []SubscribeRequest
	for {
		select {
		case r := <-s.Requests():
			out = append(out, r)
		case <-time.After(50 * time.Millisecond):
			return out
		}
	}
}

func TestFillRoleDrawsCandidates(t *testing.T) {
	s, events, cancel := newTestSampler(t, Config{EchoSampleSize: 2, ReadySampleSize: 2, DeliverySampleSize: 2})
	defer cancel()

	events <- gatekeeper.DirectoryChanged{Current: pool(3)}
	reqs := drainRequests(t, s)
	require.Len(t, reqs, 4) // 2 echo + 2 ready; delivery piggybacks
}

func TestStableSampleFiresWhenAllRolesConfirmed(t *testing.T) {
	s, events, cancel := newTestSampler(t, Config{EchoSampleSize: 1, ReadySampleSize: 1, DeliverySampleSize: 1})
	defer cancel()

	p := pool(1)
	events <- gatekeeper.DirectoryChanged{Current: p}
	drainRequests(t, s)

	require.False(t, s.Current().Stable)

	s.OnEchoSubscribeOk(p[0].ID)
	require.False(t, s.Current().Stable)

	s.OnReadySubscribeOk(p[0].ID)

	select {
	case evt := <-s.Events():
		require.True(t, evt.StableSample)
	case <-time.After(time.Second):
		t.Fatal("expected StableSample event")
	}
	require.True(t, s.Current().Stable)
	require.True(t, s.Current().Has(gatekeeper.DeliverySubscription, p[0].ID))
}

func TestRejectEvictsAndRedraws(t *testing.T) {
	s, events, cancel := newTestSampler(t, Config{EchoSampleSize: 1, ReadySampleSize: 1, DeliverySampleSize: 1})
	defer cancel()

	p := pool(2)
	events <- gatekeeper.DirectoryChanged{Current: p[:1]}
	drainRequests(t, s)

	s.OnEchoSubscribeReject(p[0].ID, p)
	reqs := drainRequests(t, s)
	require.NotEmpty(t, reqs)
}

func TestSubscriberSetsHaveNoCap(t *testing.T) {
	s, _, cancel := newTestSampler(t, Config{EchoSampleSize: 1, ReadySampleSize: 1, DeliverySampleSize: 1})
	defer cancel()

	for i := 0; i < 50; i++ {
		peer := gatekeeper.Peer{ID: gatekeeper.PeerID(rune('A' + i))}
		require.True(t, s.OnRemoteEchoSubscribeReq(peer))
	}
	require.Len(t, s.Current().EchoSubscriber, 50)
}
