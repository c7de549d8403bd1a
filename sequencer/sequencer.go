// Package sequencer defines the contract through which locally produced
// certificates enter the engine (spec.md §2's "a certificate enters
// from a sequencer via the API Runtime"), plus an in-memory test double.
package sequencer

import "github.com/topos-network/tce-core/certificate"

// Source is the collaborator handing freshly produced certificates to
// the engine for local broadcast. The engine treats it as opaque: any
// implementation that can stream certificates qualifies.
type Source interface {
	// Certificates returns the channel of certificates to submit. The
	// channel is closed when the source has no more work and will
	// produce nothing further.
	Certificates() <-chan certificate.Certificate
}

// Memory is a Source backed by a buffered channel, useful for tests and
// for driving the engine from a fixed batch of certificates.
type Memory struct {
	out chan certificate.Certificate
}

// NewMemory creates a Memory source with the given buffer capacity.
func NewMemory(capacity int) *Memory {
	return &Memory{out: make(chan certificate.Certificate, capacity)}
}

// Submit enqueues cert. It panics if called after Close, matching the
// channel-send-on-closed-channel semantics it wraps.
func (m *Memory) Submit(cert certificate.Certificate) {
	m.out <- cert
}

func (m *Memory) Certificates() <-chan certificate.Certificate {
	return m.out
}

// Close signals that no further certificates will be submitted.
func (m *Memory) Close() {
	close(m.out)
}
