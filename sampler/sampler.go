// Package sampler converts gatekeeper directory events into the five
// live sample sets (spec.md §3, §4.2) and negotiates outbound membership
// with remote peers. It owns its state exclusively, the same
// single-task shape the teacher repo's Peer.poll uses, and publishes its
// current membership as an immutable value (Sample) so that readers
// (Double-Echo, API Runtime) never need to lock it — "peer sample as a
// value", per the re-architecture guidance in spec.md §9.
package sampler

import (
	"context"
	"sync/atomic"

	"github.com/sirupsen/logrus"

	"github.com/topos-network/tce-core/gatekeeper"
)

// CandidateState is the negotiation state of one outbound candidate.
type CandidateState int

const (
	Pending CandidateState = iota
	Confirmed
	Rejected
)

// Config carries the target sizes for the three outbound roles.
type Config struct {
	EchoSampleSize     int
	ReadySampleSize    int
	DeliverySampleSize int
}

// SubscribeRequest is a command the Sampler wants sent out through the
// Network Adapter.
type SubscribeRequest struct {
	Role gatekeeper.Role
	Peer gatekeeper.Peer
}

// Event is emitted by the Sampler to notify interested components.
type Event struct {
	StableSample bool
}

// Sample is an immutable snapshot of the current membership of all five
// roles. Consumers hold one and refresh on the next Events() signal
// instead of taking a lock.
type Sample struct {
	Stable bool

	EchoSubscription     map[gatekeeper.PeerID]struct{}
	ReadySubscription    map[gatekeeper.PeerID]struct{}
	DeliverySubscription map[gatekeeper.PeerID]struct{}
	EchoSubscriber       map[gatekeeper.PeerID]struct{}
	ReadySubscriber      map[gatekeeper.PeerID]struct{}
}

// Has reports whether peer occupies role in this snapshot.
func (s Sample) Has(role gatekeeper.Role, peer gatekeeper.PeerID) bool {
	var set map[gatekeeper.PeerID]struct{}
	switch role {
	case gatekeeper.EchoSubscription:
		set = s.EchoSubscription
	case gatekeeper.ReadySubscription:
		set = s.ReadySubscription
	case gatekeeper.DeliverySubscription:
		set = s.DeliverySubscription
	case gatekeeper.EchoSubscriber:
		set = s.EchoSubscriber
	case gatekeeper.ReadySubscriber:
		set = s.ReadySubscriber
	}
	_, ok := set[peer]
	return ok
}

type candidate struct {
	peer  gatekeeper.Peer
	state CandidateState
}

type outboundRole struct {
	role       gatekeeper.Role
	target     int
	candidates map[gatekeeper.PeerID]*candidate
}

func (o *outboundRole) confirmedCount() int {
	n := 0
	for _, c := range o.candidates {
		if c.state == Confirmed {
			n++
		}
	}
	return n
}

func (o *outboundRole) isFull() bool {
	return o.confirmedCount() >= o.target && len(o.candidates) == o.target
}

// Sampler is the negotiation task for the outbound/inbound sample
// roles.
type Sampler struct {
	log    *logrus.Entry
	config Config

	echo     outboundRole
	ready    outboundRole
	delivery outboundRole

	echoSubscriber  map[gatekeeper.PeerID]gatekeeper.Peer
	readySubscriber map[gatekeeper.PeerID]gatekeeper.Peer

	commands chan func()
	requests chan SubscribeRequest
	events   chan Event

	current atomic.Value // Sample
}

// New creates a Sampler. Run must be called to start its task loop.
func New(log *logrus.Entry, cfg Config) *Sampler {
	s := &Sampler{
		log:    log.WithField("component", "sampler"),
		config: cfg,

		echo:     outboundRole{role: gatekeeper.EchoSubscription, target: cfg.EchoSampleSize, candidates: map[gatekeeper.PeerID]*candidate{}},
		ready:    outboundRole{role: gatekeeper.ReadySubscription, target: cfg.ReadySampleSize, candidates: map[gatekeeper.PeerID]*candidate{}},
		delivery: outboundRole{role: gatekeeper.DeliverySubscription, target: cfg.DeliverySampleSize, candidates: map[gatekeeper.PeerID]*candidate{}},

		echoSubscriber:  map[gatekeeper.PeerID]gatekeeper.Peer{},
		readySubscriber: map[gatekeeper.PeerID]gatekeeper.Peer{},

		commands: make(chan func(), 128),
		requests: make(chan SubscribeRequest, 128),
		events:   make(chan Event, 8),
	}
	s.publish()
	return s
}

// Requests returns the channel of outbound subscribe commands the
// Network Adapter should send.
func (s *Sampler) Requests() <-chan SubscribeRequest {
	return s.requests
}

// Events returns the channel of sampler-level notifications
// (StableSample).
func (s *Sampler) Events() <-chan Event {
	return s.events
}

// Current returns the latest published Sample snapshot. Safe for
// concurrent use without synchronising with the Sampler task.
func (s *Sampler) Current() Sample {
	return s.current.Load().(Sample)
}

// Run is the task loop; it must be started exactly once.
func (s *Sampler) Run(ctx context.Context, directoryEvents <-chan gatekeeper.DirectoryChanged) {
	for {
		select {
		case <-ctx.Done():
			return
		case evt := <-directoryEvents:
			s.onPeerListChanged(evt.Current)
		case fn := <-s.commands:
			fn()
		}
	}
}

func (s *Sampler) do(fn func()) {
	done := make(chan struct{})
	s.commands <- func() {
		defer close(done)
		fn()
	}
	<-done
}

// OnEchoSubscribeOk transitions peer to Confirmed in EchoSubscription.
func (s *Sampler) OnEchoSubscribeOk(peer gatekeeper.PeerID) {
	s.do(func() {
		s.confirm(&s.echo, peer)
		s.recomputeStability()
	})
}

// OnReadySubscribeOk transitions peer to Confirmed in ReadySubscription
// and, jointly, in DeliverySubscription — spec.md §4.2 #3: ready
// confirmation implies delivery confirmation for the same peer.
func (s *Sampler) OnReadySubscribeOk(peer gatekeeper.PeerID) {
	s.do(func() {
		s.confirm(&s.ready, peer)
		s.confirm(&s.delivery, peer)
		s.recomputeStability()
	})
}

// OnEchoSubscribeReject evicts peer from EchoSubscription and schedules
// a redraw.
func (s *Sampler) OnEchoSubscribeReject(peer gatekeeper.PeerID, pool []gatekeeper.Peer) {
	s.do(func() {
		s.evictAndRedraw(&s.echo, peer, pool)
		s.recomputeStability()
	})
}

// OnReadySubscribeReject evicts peer from both ReadySubscription and
// DeliverySubscription and schedules a redraw.
func (s *Sampler) OnReadySubscribeReject(peer gatekeeper.PeerID, pool []gatekeeper.Peer) {
	s.do(func() {
		s.evictAndRedraw(&s.ready, peer, pool)
		s.evictAndRedraw(&s.delivery, peer, pool)
		s.recomputeStability()
	})
}

// OnRemoteEchoSubscribeReq adds the sender to the EchoSubscriber set
// (no size cap) and reports whether the caller should respond Ok.
func (s *Sampler) OnRemoteEchoSubscribeReq(peer gatekeeper.Peer) bool {
	s.do(func() {
		s.echoSubscriber[peer.ID] = peer
		s.publish()
	})
	return true
}

// OnRemoteReadySubscribeReq adds the sender to the ReadySubscriber set.
func (s *Sampler) OnRemoteReadySubscribeReq(peer gatekeeper.Peer) bool {
	s.do(func() {
		s.readySubscriber[peer.ID] = peer
		s.publish()
	})
	return true
}

func (s *Sampler) confirm(role *outboundRole, peer gatekeeper.PeerID) {
	c, ok := role.candidates[peer]
	if !ok {
		return
	}
	c.state = Confirmed
}

func (s *Sampler) evictAndRedraw(role *outboundRole, peer gatekeeper.PeerID, pool []gatekeeper.Peer) {
	delete(role.candidates, peer)
	rest := make([]gatekeeper.Peer, 0, len(pool))
	for _, p := range pool {
		if p.ID != peer {
			rest = append(rest, p)
		}
	}
	s.fillRole(role, rest)

	if role.role == gatekeeper.DeliverySubscription {
		return
	}
	for _, c := range role.candidates {
		if c.state != Pending {
			continue
		}
		select {
		case s.requests <- SubscribeRequest{Role: role.role, Peer: c.peer}:
		default:
			s.log.Warn("subscribe request dropped, channel full")
		}
	}
}

func (s *Sampler) onPeerListChanged(pool []gatekeeper.Peer) {
	s.fillRole(&s.echo, pool)
	s.fillRole(&s.ready, pool)
	s.fillRole(&s.delivery, pool)

	for _, req := range s.pendingRequests() {
		select {
		case s.requests <- req:
		default:
			s.log.Warn("subscribe request dropped, channel full")
		}
	}

	s.recomputeStability()
}

// fillRole draws fresh candidates to bring role up to its target size,
// leaving already-retained peers untouched (spec.md §4.2 #1).
func (s *Sampler) fillRole(role *outboundRole, pool []gatekeeper.Peer) {
	if len(role.candidates) >= role.target {
		return
	}

	taken := map[gatekeeper.PeerID]struct{}{}
	for id := range role.candidates {
		taken[id] = struct{}{}
	}

	for _, p := range pool {
		if len(role.candidates) >= role.target {
			break
		}
		if _, ok := taken[p.ID]; ok {
			continue
		}
		role.candidates[p.ID] = &candidate{peer: p, state: Pending}
	}
}

// pendingRequests returns a SubscribeRequest for every candidate still
// in state Pending across the three outbound roles.
func (s *Sampler) pendingRequests() []SubscribeRequest {
	var out []SubscribeRequest
	collect := func(role *outboundRole) {
		// DeliverySubscription piggybacks on ReadySubscription's
		// negotiation and never issues its own request.
		if role.role == gatekeeper.DeliverySubscription {
			return
		}
		for _, c := range role.candidates {
			if c.state == Pending {
				out = append(out, SubscribeRequest{Role: role.role, Peer: c.peer})
			}
		}
	}
	collect(&s.echo)
	collect(&s.ready)
	collect(&s.delivery)
	return out
}

func (s *Sampler) recomputeStability() {
	stable := s.echo.isFull() && s.ready.isFull() && s.delivery.isFull()
	was := s.current.Load().(Sample).Stable
	s.publish()
	if stable && !was {
		select {
		case s.events <- Event{StableSample: true}:
		default:
			s.log.Warn("stable sample event dropped, channel full")
		}
	}
}

func (s *Sampler) publish() {
	stable := s.echo.isFull() && s.ready.isFull() && s.delivery.isFull()
	sample := Sample{
		Stable:               stable,
		EchoSubscription:     confirmedSet(&s.echo),
		ReadySubscription:    confirmedSet(&s.ready),
		DeliverySubscription: confirmedSet(&s.delivery),
		EchoSubscriber:       copyPeerSet(s.echoSubscriber),
		ReadySubscriber:      copyPeerSet(s.readySubscriber),
	}
	s.current.Store(sample)
}

func confirmedSet(role *outboundRole) map[gatekeeper.PeerID]struct{} {
	out := make(map[gatekeeper.PeerID]struct{}, len(role.candidates))
	for id, c := range role.candidates {
		if c.state == Confirmed {
			out[id] = struct{}{}
		}
	}
	return out
}

func copyPeerSet(m map[gatekeeper.PeerID]gatekeeper.Peer) map[gatekeeper.PeerID]struct{} {
	out := make(map[gatekeeper.PeerID]struct{}, len(m))
	for id := range m {
		out[id] = struct{}{}
	}
	return out
}
