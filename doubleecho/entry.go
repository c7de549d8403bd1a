package doubleecho

import (
	"time"

	"github.com/topos-network/tce-core/certificate"
	"github.com/topos-network/tce-core/gatekeeper"
)

// State is the per-certificate reliable-broadcast lifecycle state,
// spec.md §4.3.
type State int

const (
	AwaitingSample State = iota
	Active
	Delivered
	Expired
)

func (s State) String() string {
	switch s {
	case AwaitingSample:
		return "AwaitingSample"
	case Active:
		return "Active"
	case Delivered:
		return "Delivered"
	case Expired:
		return "Expired"
	default:
		return "Unknown"
	}
}

// entry is the mutable per-certificate broadcast state. It is only ever
// touched from the Double-Echo task goroutine, so it needs no locking of
// its own.
type entry struct {
	id    certificate.CertificateID
	cert  *certificate.Certificate
	state State

	localBroadcast  bool
	readyBroadcast  bool
	echoSet         map[gatekeeper.PeerID]struct{}
	readySet        map[gatekeeper.PeerID]struct{}
	deliverySignals map[gatekeeper.PeerID]struct{}

	activeSince time.Time
	deadline    time.Time
	deliveredAt time.Time
}

func newEntry(id certificate.CertificateID) *entry {
	e := &entry{
		id:              id,
		state:           AwaitingSample,
		echoSet:         map[gatekeeper.PeerID]struct{}{},
		readySet:        map[gatekeeper.PeerID]struct{}{},
		deliverySignals: map[gatekeeper.PeerID]struct{}{},
	}
	return e
}

func (e *entry) activate(now time.Time, deadline time.Duration) {
	if e.state != AwaitingSample {
		return
	}
	e.state = Active
	e.activeSince = now
	e.deadline = now.Add(deadline)
}
