// Package doubleecho implements the per-certificate double-echo
// reliable-broadcast state machine described in spec.md §4.3: it is the
// heart of the system. One state machine exists per certificate
// identifier, created on first reference and torn down a bounded grace
// interval after delivery or on expiry.
//
// The task shape — a map owned exclusively by one goroutine, mutated
// only through a command channel, emitting results on further channels
// — follows the teacher's Peer.poll/process split
// (go-mcast/pkg/mcast/core/peer.go), generalized from single-partition
// generic-multicast delivery to sampled double-echo broadcast.
package doubleecho

import (
	"context"
	"errors"
	"time"

	"github.com/sirupsen/logrus"

	"github.com/topos-network/tce-core/certificate"
	"github.com/topos-network/tce-core/gatekeeper"
	"github.com/topos-network/tce-core/sampler"
)

// ErrSampleNotReady is returned by BroadcastLocal when the global sample
// is not yet stable; the certificate is queued in the pending pool
// regardless, so this is informational, not fatal.
var ErrSampleNotReady = errors.New("doubleecho: sample not ready, certificate queued")

// ErrBroadcastExpired is returned when an operation targets a
// certificate whose entry has already concluded (Delivered or Expired).
var ErrBroadcastExpired = errors.New("doubleecho: broadcast already concluded")

// Thresholds are the quantitative gates for Echo, Ready and Delivery,
// spec.md §4.3: D <= R <= |ReadySubscription| and E <= |EchoSubscription|.
type Thresholds struct {
	Echo     int
	Ready    int
	Delivery int
}

// Config bundles the thresholds with the broadcast deadline.
type Config struct {
	Thresholds
	BroadcastDeadline time.Duration
	// GracePeriod is how long a Delivered (or Expired) entry is kept
	// around before being purged from the map.
	GracePeriod time.Duration
}

// GossipEvent asks the Network Adapter to gossip a certificate to a set
// of peers — emitted on local broadcast, to the union of the three
// outbound sample roles.
type GossipEvent struct {
	Certificate certificate.Certificate
	Peers       []gatekeeper.PeerID
}

// EchoEvent asks the Network Adapter to send an Echo for certID to the
// given peers — emitted when this node first activates an entry it
// learned about via Gossip, addressed to its EchoSubscriber peers.
type EchoEvent struct {
	CertificateID certificate.CertificateID
	Peers         []gatekeeper.PeerID
}

// ReadyEvent asks the Network Adapter to send a Ready for certID to the
// given peers — emitted once the Echo and Ready thresholds are both met
// and this node has not yet Ready-broadcast the certificate.
type ReadyEvent struct {
	CertificateID certificate.CertificateID
	Peers         []gatekeeper.PeerID
}

// DeliveredEvent reports that certID reached the delivery threshold.
// The engine consumes this to hand the certificate to the Storage
// Engine.
type DeliveredEvent struct {
	Certificate certificate.Certificate
}

// ExpiredEvent reports that certID did not reach delivery within the
// broadcast deadline.
type ExpiredEvent struct {
	CertificateID certificate.CertificateID
}

type pendingOp struct {
	fn func()
}

// DoubleEcho is the collection of per-certificate broadcast state
// machines plus the pending pool buffering messages received before the
// sample is stable.
type DoubleEcho struct {
	log     *logrus.Entry
	config  Config
	sampler *sampler.Sampler

	entries map[certificate.CertificateID]*entry
	pending []pendingOp

	commands chan func()

	gossipOut   chan GossipEvent
	echoOut     chan EchoEvent
	readyOut    chan ReadyEvent
	delivered   chan DeliveredEvent
	expired     chan ExpiredEvent
}

// New creates a DoubleEcho. Run must be started before any method is
// used.
func New(log *logrus.Entry, cfg Config, s *sampler.Sampler) *DoubleEcho {
	return &DoubleEcho{
		log:       log.WithField("component", "doubleecho"),
		config:    cfg,
		sampler:   s,
		entries:   map[certificate.CertificateID]*entry{},
		commands:  make(chan func(), 256),
		gossipOut: make(chan GossipEvent, 256),
		echoOut:   make(chan EchoEvent, 256),
		readyOut:  make(chan ReadyEvent, 256),
		delivered: make(chan DeliveredEvent, 256),
		expired:   make(chan ExpiredEvent, 256),
	}
}

func (d *DoubleEcho) GossipOut() <-chan GossipEvent       { return d.gossipOut }
func (d *DoubleEcho) EchoOut() <-chan EchoEvent           { return d.echoOut }
func (d *DoubleEcho) ReadyOut() <-chan ReadyEvent         { return d.readyOut }
func (d *DoubleEcho) Delivered() <-chan DeliveredEvent    { return d.delivered }
func (d *DoubleEcho) Expired() <-chan ExpiredEvent        { return d.expired }

// Run is the task loop: it owns d.entries and d.pending exclusively.
func (d *DoubleEcho) Run(ctx context.Context, samplerEvents <-chan sampler.Event) {
	ticker := time.NewTicker(time.Second)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case cmd := <-d.commands:
			cmd()
		case evt := <-samplerEvents:
			if evt.StableSample {
				d.drainPending()
			}
		case now := <-ticker.C:
			d.sweep(now)
		}
	}
}

func (d *DoubleEcho) do(fn func()) {
	done := make(chan struct{})
	d.commands <- func() {
		defer close(done)
		fn()
	}
	<-done
}

// BroadcastLocal is called by the API layer when a new certificate is
// submitted. If the sample is stable it transitions the entry to
// Active, records the local-broadcast flag, and emits a Gossip event to
// the union of outbound sets. Otherwise the certificate is buffered in
// the pending pool and ErrSampleNotReady is returned.
func (d *DoubleEcho) BroadcastLocal(cert certificate.Certificate) error {
	var opErr error
	d.do(func() {
		opErr = d.broadcastLocal(cert)
	})
	return opErr
}

func (d *DoubleEcho) broadcastLocal(cert certificate.Certificate) error {
	sample := d.sampler.Current()

	e, exists := d.entries[cert.ID]
	if exists && (e.state == Delivered || e.state == Expired) {
		return ErrBroadcastExpired
	}

	if !sample.Stable {
		d.buffer(func() { d.broadcastLocal(cert) })
		return ErrSampleNotReady
	}

	if !exists {
		e = newEntry(cert.ID)
		d.entries[cert.ID] = e
	}
	e.cert = &cert
	e.localBroadcast = true
	e.activate(time.Now(), d.config.BroadcastDeadline)

	peers := unionPeers(sample.EchoSubscription, sample.ReadySubscription, sample.DeliverySubscription)
	d.emitGossip(GossipEvent{Certificate: cert, Peers: peers})
	return nil
}

// IngestGossip is invoked by the engine when a Gossip frame for a
// certificate not previously locally broadcast arrives from a peer. It
// activates the entry with the certificate payload and, once active,
// echoes back to this node's EchoSubscriber peers.
func (d *DoubleEcho) IngestGossip(cert certificate.Certificate) {
	d.do(func() {
		d.ingestGossip(cert)
	})
}

func (d *DoubleEcho) ingestGossip(cert certificate.Certificate) {
	sample := d.sampler.Current()
	e, exists := d.entries[cert.ID]
	if exists && (e.state == Delivered || e.state == Expired) {
		return
	}

	if !sample.Stable {
		d.buffer(func() { d.ingestGossip(cert) })
		return
	}

	if !exists {
		e = newEntry(cert.ID)
		d.entries[cert.ID] = e
	}
	wasActive := e.state != AwaitingSample
	e.cert = &cert
	e.activate(time.Now(), d.config.BroadcastDeadline)

	if !wasActive {
		peers := setToSlice(sample.EchoSubscriber)
		d.emitEcho(EchoEvent{CertificateID: cert.ID, Peers: peers})
	}
}

// IngestEcho adds peer to the Echo set of cert's entry, provided peer
// occupies this node's EchoSubscription role. A peer outside that role
// is silently dropped — the sole defence against injected signals from
// a role a peer does not occupy (spec.md §4.3). The Echo frame's
// certificate payload is recorded on the entry the same way a Gossip
// frame's would be, so a node that only ever learns of a certificate by
// relay still populates e.cert and can deliver it.
func (d *DoubleEcho) IngestEcho(cert certificate.Certificate, peer gatekeeper.PeerID) {
	d.do(func() {
		d.ingestSignal(cert, peer, roleEcho)
	})
}

// IngestReady adds peer to the Ready set (and, if peer is also in
// DeliverySubscription, to the delivery-signal set) of cert's entry.
func (d *DoubleEcho) IngestReady(cert certificate.Certificate, peer gatekeeper.PeerID) {
	d.do(func() {
		d.ingestSignal(cert, peer, roleReady)
	})
}

type signalRole int

const (
	roleEcho signalRole = iota
	roleReady
)

func (d *DoubleEcho) ingestSignal(cert certificate.Certificate, peer gatekeeper.PeerID, role signalRole) {
	sample := d.sampler.Current()

	if !sample.Stable {
		d.buffer(func() { d.ingestSignal(cert, peer, role) })
		return
	}

	e, exists := d.entries[cert.ID]
	if exists && (e.state == Delivered || e.state == Expired) {
		return
	}
	if !exists {
		e = newEntry(cert.ID)
		d.entries[cert.ID] = e
		e.activate(time.Now(), d.config.BroadcastDeadline)
	}
	if e.cert == nil {
		e.cert = &cert
	}

	switch role {
	case roleEcho:
		if !sample.Has(gatekeeper.EchoSubscription, peer) {
			return
		}
		e.echoSet[peer] = struct{}{}
	case roleReady:
		if !sample.Has(gatekeeper.ReadySubscription, peer) {
			return
		}
		e.readySet[peer] = struct{}{}
		if sample.Has(gatekeeper.DeliverySubscription, peer) {
			e.deliverySignals[peer] = struct{}{}
		}
	}

	d.recomputeThresholds(e, sample)
	d.testDelivery(e)
}

// recomputeThresholds checks the Echo and Ready thresholds and, the
// first time both are met, emits a Ready event to every ReadySubscriber
// peer.
func (d *DoubleEcho) recomputeThresholds(e *entry, sample sampler.Sample) {
	if e.readyBroadcast {
		return
	}
	if len(e.echoSet) >= d.config.Echo && len(e.readySet) >= d.config.Ready {
		e.readyBroadcast = true
		peers := setToSlice(sample.ReadySubscriber)
		d.emitReady(ReadyEvent{CertificateID: e.id, Peers: peers})
	}
}

// testDelivery fires delivery when the delivery-signal set reaches the
// delivery threshold.
func (d *DoubleEcho) testDelivery(e *entry) {
	if e.state == Delivered {
		return
	}
	if len(e.deliverySignals) < d.config.Delivery {
		return
	}
	e.state = Delivered
	e.deliveredAt = time.Now()
	if e.cert != nil {
		d.emitDelivered(DeliveredEvent{Certificate: *e.cert})
	}
}

func (d *DoubleEcho) buffer(fn func()) {
	d.pending = append(d.pending, pendingOp{fn: fn})
}

// drainPending replays the pending pool in arrival order once
// StableSample fires.
func (d *DoubleEcho) drainPending() {
	ops := d.pending
	d.pending = nil
	for _, op := range ops {
		op.fn()
	}
}

// sweep expires any Active entry past its deadline.
func (d *DoubleEcho) sweep(now time.Time) {
	for id, e := range d.entries {
		if e.state == Active && now.After(e.deadline) {
			e.state = Expired
			d.log.WithField("certificate", id.Hex()).Warn("broadcast expired before delivery")
			d.emitExpired(ExpiredEvent{CertificateID: id})
			continue
		}
		if (e.state == Delivered || e.state == Expired) && d.config.GracePeriod > 0 {
			purgeAt := e.deliveredAt.Add(d.config.GracePeriod)
			if e.state == Expired {
				purgeAt = e.deadline.Add(d.config.GracePeriod)
			}
			if now.After(purgeAt) {
				delete(d.entries, id)
			}
		}
	}
}

// StateOf exposes the current state of a certificate's entry, for tests
// and diagnostics.
func (d *DoubleEcho) StateOf(certID certificate.CertificateID) (State, bool) {
	var state State
	var ok bool
	d.do(func() {
		e, exists := d.entries[certID]
		if exists {
			state, ok = e.state, true
		}
	})
	return state, ok
}

// CertificateOf returns the certificate payload attached to certID's
// entry, if any has been recorded yet. The engine uses this to attach a
// payload to outbound Echo/Ready gossip frames.
func (d *DoubleEcho) CertificateOf(certID certificate.CertificateID) (certificate.Certificate, bool) {
	var cert certificate.Certificate
	var ok bool
	d.do(func() {
		e, exists := d.entries[certID]
		if exists && e.cert != nil {
			cert, ok = *e.cert, true
		}
	})
	return cert, ok
}

func (d *DoubleEcho) emitGossip(evt GossipEvent) {
	select {
	case d.gossipOut <- evt:
	default:
		d.log.Warn("gossip event dropped, channel full")
	}
}

func (d *DoubleEcho) emitEcho(evt EchoEvent) {
	select {
	case d.echoOut <- evt:
	default:
		d.log.Warn("echo event dropped, channel full")
	}
}

func (d *DoubleEcho) emitReady(evt ReadyEvent) {
	select {
	case d.readyOut <- evt:
	default:
		d.log.Warn("ready event dropped, channel full")
	}
}

func (d *DoubleEcho) emitDelivered(evt DeliveredEvent) {
	select {
	case d.delivered <- evt:
	default:
		d.log.Warn("delivered event dropped, channel full")
	}
}

func (d *DoubleEcho) emitExpired(evt ExpiredEvent) {
	select {
	case d.expired <- evt:
	default:
		d.log.Warn("expired event dropped, channel full")
	}
}

func unionPeers(sets ...map[gatekeeper.PeerID]struct{}) []gatekeeper.PeerID {
	seen := map[gatekeeper.PeerID]struct{}{}
	var out []gatekeeper.PeerID
	for _, set := range sets {
		for id := range set {
			if _, ok := seen[id]; ok {
				continue
			}
			seen[id] = struct{}{}
			out = append(out, id)
		}
	}
	return out
}

func setToSlice(set map[gatekeeper.PeerID]struct{}) []gatekeeper.PeerID {
	out := make([]gatekeeper.PeerID, 0, len(set))
	for id := range set {
		out = append(out, id)
	}
	return out
}
