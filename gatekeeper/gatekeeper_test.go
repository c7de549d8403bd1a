package gatekeeper

import (
	"context"
	"testing"
	"time"

	"github.com/sirupsen/logrus"
	"github.com/stretchr/testify/require"
	"go.uber.org/goleak"
)

func newTestGatekeeper(t *testing.T) (*Gatekeeper, context.CancelFunc) {
	t.Helper()
	ctx, cancel := context.WithCancel(context.Background())
	g := New(logrus.NewEntry(logrus.New()))
	go g.Run(ctx)
	return g, cancel
}

func TestMain(m *testing.M) {
	goleak.VerifyTestMain(m)
}

func TestAddPeerEmitsDirectoryChanged(t *testing.T) {
	g, cancel := newTestGatekeeper(t)
	defer cancel()

	peer := Peer{ID: "peer-1", Address: "10.0.0.1:9000", Alive: true, ConnectedAt: time.Now()}
	require.NoError(t, g.AddPeer(peer))

	select {
	case evt := <-g.Events():
		require.Len(t, evt.Added, 1)
		require.Equal(t, peer.ID, evt.Added[0].ID)
	case <-time.After(time.Second):
		t.Fatal("expected a DirectoryChanged event")
	}
}

func TestAddPeerTwiceIsNoUpdate(t *testing.T) {
	g, cancel := newTestGatekeeper(t)
	defer cancel()

	peer := Peer{ID: "peer-1", Address: "10.0.0.1:9000", Alive: true}
	require.NoError(t, g.AddPeer(peer))
	<-g.Events()

	require.ErrorIs(t, g.AddPeer(peer), ErrNoUpdate)
}

func TestSampleInsufficientPeers(t *testing.T) {
	g, cancel := newTestGatekeeper(t)
	defer cancel()

	require.NoError(t, g.AddPeer(Peer{ID: "peer-1"}))
	<-g.Events()

	_, err := g.Sample(5, 1)
	require.ErrorIs(t, err, ErrInsufficientPeers)
}

func TestSampleIsDeterministicPerSeed(t *testing.T) {
	g, cancel := newTestGatekeeper(t)
	defer cancel()

	for i := 0; i < 10; i++ {
		require.NoError(t, g.AddPeer(Peer{ID: PeerID(rune('a' + i))}))
		<-g.Events()
	}

	first, err := g.Sample(4, 42)
	require.NoError(t, err)
	second, err := g.Sample(4, 42)
	require.NoError(t, err)
	require.Equal(t, first, second)
}

func TestPushPeerListComputesDiff(t *testing.T) {
	g, cancel := newTestGatekeeper(t)
	defer cancel()

	require.NoError(t, g.AddPeer(Peer{ID: "peer-1"}))
	<-g.Events()

	snapshot, err := g.PushPeerList([]Peer{{ID: "peer-2"}, {ID: "peer-3"}})
	require.NoError(t, err)
	require.Len(t, snapshot, 2)

	evt := <-g.Events()
	require.ElementsMatch(t, []PeerID{"peer-1"}, evt.Removed)
	require.Len(t, evt.Added, 2)
}

func TestPushPeerListNoUpdate(t *testing.T) {
	g, cancel := newTestGatekeeper(t)
	defer cancel()

	peers := []Peer{{ID: "peer-1"}, {ID: "peer-2"}}
	_, err := g.PushPeerList(peers)
	require.NoError(t, err)
	<-g.Events()

	_, err = g.PushPeerList(peers)
	require.ErrorIs(t, err, ErrNoUpdate)
}
