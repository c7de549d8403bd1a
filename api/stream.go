package api

import (
	"context"
	"sync"

	"github.com/google/uuid"

	"github.com/topos-network/tce-core/certificate"
)

// StreamID is the freshly generated 128-bit identifier of a subscriber
// stream, spec.md §3.
type StreamID uuid.UUID

func newStreamID() StreamID {
	return StreamID(uuid.New())
}

func (id StreamID) String() string {
	return uuid.UUID(id).String()
}

// StreamState is the subscriber stream lifecycle, spec.md §3.
type StreamState int

const (
	StreamPending StreamState = iota
	StreamActive
	StreamClosed
)

func (s StreamState) String() string {
	switch s {
	case StreamPending:
		return "Pending"
	case StreamActive:
		return "Active"
	case StreamClosed:
		return "Closed"
	default:
		return "Unknown"
	}
}

// TargetCheckpoint is the client's first frame: for each subnet of
// interest, the last position it already has.
type TargetCheckpoint map[certificate.SubnetID]certificate.Position

// CertificatePush is the server-to-client frame, spec.md §6.
type CertificatePush struct {
	Certificate     certificate.Certificate
	SourceSubnet    certificate.SubnetID
	SourcePosition  certificate.Position
}

// stream is the server-side bookkeeping for one subscriber connection.
// The Runtime's owning goroutine and the stream's sync-task goroutines
// both update it, so state, checkpoint and syncCancel are guarded by mu.
type stream struct {
	id    StreamID
	state StreamState

	// checkpoint holds the last position this stream has been sent per
	// subscribed subnet; advanced both by sync tasks and live fan-out.
	checkpoint TargetCheckpoint

	out chan CertificatePush

	syncCancel map[certificate.SubnetID]context.CancelFunc

	mu sync.Mutex
}

func newStream() *stream {
	return &stream{
		id:         newStreamID(),
		state:      StreamPending,
		checkpoint: TargetCheckpoint{},
		out:        make(chan CertificatePush, 64),
		syncCancel: map[certificate.SubnetID]context.CancelFunc{},
	}
}

// Out is the channel the client-facing transport drains.
func (s *stream) Out() <-chan CertificatePush {
	return s.out
}

func (s *stream) send(push CertificatePush) bool {
	select {
	case s.out <- push:
		return true
	default:
		return false
	}
}

// cancelSync stops the previously running sync task for subnet, if any.
// Must be called with s.mu held.
func (s *stream) cancelSync(subnet certificate.SubnetID) {
	if cancel, ok := s.syncCancel[subnet]; ok {
		cancel()
		delete(s.syncCancel, subnet)
	}
}
