package network

import (
	"context"
	"fmt"

	"github.com/jabolina/relt/pkg/relt"
	"github.com/sirupsen/logrus"

	"github.com/topos-network/tce-core/gatekeeper"
)

// Adapter is the contract the core depends on for peer communication,
// spec.md §4.6: send-request, respond, gossip, and a stream of inbound
// frames. It carries no peers-changed event stream; directory changes
// reach the core through the gatekeeper instead. Wire framing, transport, and peer identity are opaque beyond
// this contract; the only guarantees required are per-connection FIFO
// for request/response and at-least-once delivery for gossip.
type Adapter interface {
	SendRequest(ctx context.Context, peer gatekeeper.PeerID, frame Frame) error
	Respond(ctx context.Context, peer gatekeeper.PeerID, frame Frame) error
	Gossip(ctx context.Context, peers []gatekeeper.PeerID, frame Frame) error

	// Inbound is the stream of frames received from any peer, tagged
	// with the sending peer's identity.
	Inbound() <-chan Inbound

	Close() error
}

// Inbound pairs a received Frame with the peer it arrived from.
type Inbound struct {
	From  gatekeeper.PeerID
	Frame Frame
}

// ReltAdapter is an Adapter backed by relt's reliable group transport,
// grounded on the teacher's ReliableTransport (go-mcast/pkg/mcast/core/transport.go):
// one poll goroutine consumes the underlying transport and republishes
// parsed frames on a buffered channel, mirroring the original's
// poll/consume split.
type ReltAdapter struct {
	log *logrus.Entry

	relt *relt.Relt

	inbound chan Inbound

	ctx    context.Context
	cancel context.CancelFunc
}

// NewReltAdapter opens a relt session for exchange (the node's gossip
// group address) and starts the inbound poll loop.
func NewReltAdapter(log *logrus.Entry, selfName, exchange string) (*ReltAdapter, error) {
	conf := relt.DefaultReltConfiguration()
	conf.Name = selfName
	conf.Exchange = relt.GroupAddress(exchange)

	r, err := relt.NewRelt(*conf)
	if err != nil {
		return nil, fmt.Errorf("network: open relt session: %w", err)
	}

	ctx, cancel := context.WithCancel(context.Background())
	a := &ReltAdapter{
		log:     log,
		relt:    r,
		inbound: make(chan Inbound, 256),
		ctx:     ctx,
		cancel:  cancel,
	}
	go a.poll()
	return a, nil
}

func (a *ReltAdapter) send(peer gatekeeper.PeerID, frame Frame) error {
	encoded, err := frame.MarshalBinary()
	if err != nil {
		return err
	}
	return a.relt.Broadcast(a.ctx, relt.Send{
		Address: relt.GroupAddress(peer),
		Data:    encoded,
	})
}

func (a *ReltAdapter) SendRequest(ctx context.Context, peer gatekeeper.PeerID, frame Frame) error {
	return a.send(peer, frame)
}

func (a *ReltAdapter) Respond(ctx context.Context, peer gatekeeper.PeerID, frame Frame) error {
	return a.send(peer, frame)
}

// Gossip delivers frame to each peer independently; at-least-once per
// peer is all relt's group broadcast guarantees, matching spec.md §4.6.
// A failed send is logged and the remaining peers are still tried; the
// first error is returned.
func (a *ReltAdapter) Gossip(ctx context.Context, peers []gatekeeper.PeerID, frame Frame) error {
	var firstErr error
	for _, peer := range peers {
		if err := a.send(peer, frame); err != nil {
			a.log.WithError(err).WithField("peer", peer).Error("gossip send failed")
			if firstErr == nil {
				firstErr = err
			}
		}
	}
	return firstErr
}

func (a *ReltAdapter) Inbound() <-chan Inbound {
	return a.inbound
}

func (a *ReltAdapter) poll() {
	listener, err := a.relt.Consume()
	if err != nil {
		a.log.WithError(err).Error("relt consume failed, adapter is dead")
		return
	}
	for {
		select {
		case <-a.ctx.Done():
			return
		case recv, ok := <-listener:
			if !ok {
				return
			}
			if recv.Error != nil {
				a.log.WithError(recv.Error).WithField("origin", recv.Origin).Warn("dropping malformed inbound frame")
				continue
			}
			var frame Frame
			if err := frame.UnmarshalBinary(recv.Data); err != nil {
				a.log.WithError(err).WithField("origin", recv.Origin).Warn("dropping undecodable inbound frame")
				continue
			}
			select {
			case a.inbound <- Inbound{From: gatekeeper.PeerID(recv.Origin), Frame: frame}:
			case <-a.ctx.Done():
				return
			}
		}
	}
}

func (a *ReltAdapter) Close() error {
	a.cancel()
	return a.relt.Close()
}
