package api

import (
	"context"
	"testing"
	"time"

	"github.com/sirupsen/logrus"
	"github.com/stretchr/testify/require"

	"github.com/topos-network/tce-core/certificate"
	"github.com/topos-network/tce-core/doubleecho"
	"github.com/topos-network/tce-core/gatekeeper"
	"github.com/topos-network/tce-core/sampler"
	"github.com/topos-network/tce-core/storage"
)

func newTestRuntime(t *testing.T) (*Runtime, storage.Engine, context.CancelFunc) {
	t.Helper()
	ctx, cancel := context.WithCancel(context.Background())
	log := logrus.NewEntry(logrus.New())

	st := storage.NewMemory()
	s := sampler.New(log, sampler.Config{EchoSampleSize: 1, ReadySampleSize: 1, DeliverySampleSize: 1})
	de := doubleecho.New(log, doubleecho.Config{Thresholds: doubleecho.Thresholds{Echo: 1, Ready: 1, Delivery: 1}, BroadcastDeadline: 5 * time.Second}, s)

	dirEvents := make(chan gatekeeper.DirectoryChanged, 1)
	go s.Run(ctx, dirEvents)
	samplerEvents := make(chan sampler.Event, 4)
	go func() {
		for {
			select {
			case <-ctx.Done():
				return
			case evt := <-s.Events():
				select {
				case samplerEvents <- evt:
				case <-ctx.Done():
					return
				}
			}
		}
	}()
	go de.Run(ctx, samplerEvents)

	r := NewRuntime(log, st, de, nil)
	go r.Run(ctx)

	return r, st, cancel
}

func persistRange(t *testing.T, st storage.Engine, subnet certificate.SubnetID, from, to byte) {
	t.Helper()
	for i := from; i <= to; i++ {
		var id certificate.CertificateID
		id[0] = i
		_, err := st.Persist(certificate.Certificate{ID: id, SourceSubnet: subnet}, nil)
		require.NoError(t, err)
	}
}

func TestSubscriberSyncBackfillsFromCheckpoint(t *testing.T) {
	r, st, cancel := newTestRuntime(t)
	defer cancel()

	var subnet certificate.SubnetID
	subnet[0] = 0x01
	persistRange(t, st, subnet, 1, 11) // positions 0..10

	s := r.OpenStream()
	require.NoError(t, r.Handshake(context.Background(), s.id, TargetCheckpoint{subnet: 3}))

	var got []certificate.Position
	for len(got) < 7 {
		select {
		case push := <-s.Out():
			got = append(got, push.SourcePosition)
		case <-time.After(time.Second):
			t.Fatalf("timed out waiting for sync pushes, got %v", got)
		}
	}

	require.Equal(t, []certificate.Position{4, 5, 6, 7, 8, 9, 10}, got)
}

func TestReregistrationCancelsPriorSync(t *testing.T) {
	r, st, cancel := newTestRuntime(t)
	defer cancel()

	var subnet certificate.SubnetID
	subnet[0] = 0x02
	persistRange(t, st, subnet, 1, 21) // positions 0..20

	s := r.OpenStream()
	require.NoError(t, r.Handshake(context.Background(), s.id, TargetCheckpoint{subnet: 0}))

	// Drain at least one push from the first sync before re-registering.
	select {
	case <-s.Out():
	case <-time.After(time.Second):
		t.Fatal("expected at least one push from the first sync task")
	}

	require.NoError(t, r.Handshake(context.Background(), s.id, TargetCheckpoint{subnet: 5}))

	var got []certificate.Position
	deadline := time.After(2 * time.Second)
	for {
		select {
		case push := <-s.Out():
			got = append(got, push.SourcePosition)
			if push.SourcePosition == 20 {
				goto done
			}
		case <-deadline:
			t.Fatalf("timed out, got %v", got)
		}
	}
done:
	for _, pos := range got {
		require.GreaterOrEqual(t, int(pos), 6)
	}
}

func TestGetSourceHeadReturnsGenesisForUnknownSubnet(t *testing.T) {
	r, _, cancel := newTestRuntime(t)
	defer cancel()

	var subnet certificate.SubnetID
	subnet[0] = 0xFF

	head, err := r.GetSourceHead(subnet)
	require.NoError(t, err)
	require.True(t, head.ID.IsZero())
	require.Equal(t, subnet, head.SourceSubnet)
}
