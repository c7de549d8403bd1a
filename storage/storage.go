// Package storage persists certificates and the per-subnet positions
// assigned to them at delivery time, per spec.md §4.4. It exposes the
// Storage interface the rest of the engine depends on, plus two
// backends: an embedded bbolt-backed engine for production and an
// in-memory backend with identical semantics for tests — the "Storage
// abstraction" split spec.md §9 calls for, grounded on the teacher's own
// pluggable types.Storage interface (go-mcast/pkg/mcast/types/storage.go).
package storage

import (
	"errors"
	"time"

	"github.com/topos-network/tce-core/certificate"
)

// ErrMaximumHeightReached mirrors certificate.ErrMaximumHeightReached,
// re-exported here as a typed storage error per spec.md §7.
var ErrMaximumHeightReached = certificate.ErrMaximumHeightReached

// ErrInvalidSubnetID is the storage-domain kind for a malformed subnet
// identifier. Neither backend returns it: SubnetID is a fixed-size
// array, so every value a caller can pass is well formed.
var ErrInvalidSubnetID = errors.New("storage: invalid subnet id")

// ErrMissingHeadForSubnet is the storage-domain kind for a subnet with
// no tip yet. Neither backend returns it: GetTip leaves such a subnet
// out of its result, and GetSourceHead in the API layer answers that
// case with a fabricated genesis certificate (spec.md §7, §9).
var ErrMissingHeadForSubnet = errors.New("storage: missing head for subnet")

// ErrInternalStorage wraps unexpected backend failures, which indicate a
// bug or on-disk corruption. Callers log it and abandon the operation at
// hand; none retries it, and none terminates the process.
var ErrInternalStorage = errors.New("storage: internal error")

// ErrUnknownPendingID is returned by RemovePending for a pending id that
// was never added or was already removed.
var ErrUnknownPendingID = errors.New("storage: unknown pending id")

// PendingID is the local 64-bit identifier assigned to a certificate
// added to the pending pool, before it is durably delivered.
type PendingID uint64

// TargetStreamPosition is, for one target subnet of a delivered
// certificate, the certificate's source subnet and its position within
// that source subnet's stream. No separate per-target sequence is kept,
// and the API Runtime's live fan-out does not read it.
type TargetStreamPosition struct {
	TargetSubnet certificate.SubnetID
	SourceSubnet certificate.SubnetID
	Position     certificate.Position
}

// DeliveredRecord is published on the delivery broadcast channel after a
// successful persist: the certificate plus its per-target positions.
type DeliveredRecord struct {
	Certificate certificate.Certificate
	// Position is the position assigned to Certificate within its own
	// source subnet's stream.
	Position    certificate.Position
	Targets     map[certificate.SubnetID]TargetStreamPosition
	DeliveredAt time.Time
}

// Engine is the full Storage contract from spec.md §4.4, plus a
// delivery broadcast source per spec.md §9's "storage abstraction" note.
type Engine interface {
	// AddPending assigns a local pending id to certificate, idempotent
	// per certificate identifier.
	AddPending(cert certificate.Certificate) (PendingID, error)

	// Persist writes the certificate, assigns it the next position for
	// its source subnet, updates the subnet's tip, removes any pending
	// pool entry (looked up by certificate id when pending is nil), and
	// publishes a DeliveredRecord. Position assignment happens inside one
	// atomic write batch.
	Persist(cert certificate.Certificate, pending *PendingID) (DeliveredRecord, error)

	GetTip(subnets []certificate.SubnetID) (map[certificate.SubnetID]certificate.Tip, error)
	GetCertificates(ids []certificate.CertificateID) ([]certificate.Certificate, error)
	GetCertificatesBySource(source certificate.SubnetID, from, to certificate.Position) ([]certificate.CertificateID, error)
	GetCertificatesByTarget(target certificate.SubnetID, from, to time.Time) ([]certificate.CertificateID, error)

	GetPendingCertificates() ([]PendingCertificate, error)
	RemovePending(id PendingID) error

	// Deliveries returns the delivery channel. It is a plain Go channel,
	// so each record reaches only one receiver. Its capacity is bounded;
	// when it is full Persist drops the record, so a slow consumer misses
	// events and must reconcile through a sync task (spec.md §4.4).
	Deliveries() <-chan DeliveredRecord

	Close() error
}

// PendingCertificate pairs a pending id with its certificate.
type PendingCertificate struct {
	ID          PendingID
	Certificate certificate.Certificate
}
