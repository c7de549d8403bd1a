// Package gatekeeper owns the canonical peer directory and produces
// uniform random samples from it on request, per spec.md §4.1. It is
// implemented as a single task that serialises every mutation over a
// command channel — no caller ever locks the directory directly — in
// the same single-owner-task shape the teacher repo uses for its Peer
// and ReliableTransport loops (go-mcast/pkg/mcast/core/peer.go poll()).
package gatekeeper

import (
	"context"
	"errors"
	"math/rand"
	"sort"

	"github.com/sirupsen/logrus"
)

// ErrNoUpdate is returned by a mutation that left the directory
// unchanged; callers must treat this as "no downstream work needed",
// not as a failure.
var ErrNoUpdate = errors.New("gatekeeper: no update")

// ErrInsufficientPeers is returned when the directory holds fewer
// peers than the requested sample size. Callers must retry on the next
// DirectoryChanged event.
var ErrInsufficientPeers = errors.New("gatekeeper: insufficient peers")

// DirectoryChanged is emitted whenever a mutation materially changes
// the directory (peer added, removed, or the wholesale list replaced).
type DirectoryChanged struct {
	Added   []Peer
	Removed []PeerID
	Current []Peer
}

type commandKind int

const (
	cmdAddPeer commandKind = iota
	cmdRemovePeer
	cmdPushPeerList
	cmdSample
	cmdSnapshot
)

type command struct {
	kind commandKind

	peer    Peer
	peerID  PeerID
	list    []Peer
	size    int
	seed    int64

	reply chan result
}

type result struct {
	peers []Peer
	err   error
}

// Gatekeeper is the single-writer owner of the peer directory.
type Gatekeeper struct {
	log      *logrus.Entry
	commands chan command
	events   chan DirectoryChanged

	directory map[PeerID]Peer
}

// New creates a Gatekeeper. Run must be called to start its task loop
// before any method is used.
func New(log *logrus.Entry) *Gatekeeper {
	return &Gatekeeper{
		log:       log.WithField("component", "gatekeeper"),
		commands:  make(chan command, 64),
		events:    make(chan DirectoryChanged, 16),
		directory: make(map[PeerID]Peer),
	}
}

// Events returns the channel of directory-changed notifications.
func (g *Gatekeeper) Events() <-chan DirectoryChanged {
	return g.events
}

// Run is the task loop: it owns g.directory exclusively and must be
// started exactly once, typically in its own goroutine.
func (g *Gatekeeper) Run(ctx context.Context) {
	for {
		select {
		case <-ctx.Done():
			return
		case cmd := <-g.commands:
			g.handle(cmd)
		}
	}
}

func (g *Gatekeeper) handle(cmd command) {
	switch cmd.kind {
	case cmdAddPeer:
		g.handleAddPeer(cmd)
	case cmdRemovePeer:
		g.handleRemovePeer(cmd)
	case cmdPushPeerList:
		g.handlePushPeerList(cmd)
	case cmdSample:
		g.handleSample(cmd)
	case cmdSnapshot:
		cmd.reply <- result{peers: g.snapshot()}
	}
}

func (g *Gatekeeper) handleAddPeer(cmd command) {
	existing, ok := g.directory[cmd.peer.ID]
	if ok && existing == cmd.peer {
		cmd.reply <- result{err: ErrNoUpdate}
		return
	}
	g.directory[cmd.peer.ID] = cmd.peer
	g.log.WithField("peer", cmd.peer.ID).Debug("peer added")
	g.emit(DirectoryChanged{Added: []Peer{cmd.peer}, Current: g.snapshot()})
	cmd.reply <- result{}
}

func (g *Gatekeeper) handleRemovePeer(cmd command) {
	if _, ok := g.directory[cmd.peerID]; !ok {
		cmd.reply <- result{err: ErrNoUpdate}
		return
	}
	delete(g.directory, cmd.peerID)
	g.log.WithField("peer", cmd.peerID).Debug("peer removed")
	g.emit(DirectoryChanged{Removed: []PeerID{cmd.peerID}, Current: g.snapshot()})
	cmd.reply <- result{}
}

func (g *Gatekeeper) handlePushPeerList(cmd command) {
	next := make(map[PeerID]Peer, len(cmd.list))
	for _, p := range cmd.list {
		next[p.ID] = p
	}

	var added []Peer
	var removed []PeerID
	for id, p := range next {
		if old, ok := g.directory[id]; !ok || old != p {
			added = append(added, p)
		}
	}
	for id := range g.directory {
		if _, ok := next[id]; !ok {
			removed = append(removed, id)
		}
	}

	if len(added) == 0 && len(removed) == 0 {
		cmd.reply <- result{err: ErrNoUpdate}
		return
	}

	g.directory = next
	g.log.WithField("added", len(added)).WithField("removed", len(removed)).Debug("peer list pushed")
	snapshot := g.snapshot()
	g.emit(DirectoryChanged{Added: added, Removed: removed, Current: snapshot})
	cmd.reply <- result{peers: snapshot}
}

func (g *Gatekeeper) handleSample(cmd command) {
	if len(g.directory) < cmd.size {
		cmd.reply <- result{err: ErrInsufficientPeers}
		return
	}

	all := g.snapshot()
	r := rand.New(rand.NewSource(cmd.seed))
	r.Shuffle(len(all), func(i, j int) { all[i], all[j] = all[j], all[i] })
	cmd.reply <- result{peers: all[:cmd.size]}
}

func (g *Gatekeeper) snapshot() []Peer {
	out := make([]Peer, 0, len(g.directory))
	for _, p := range g.directory {
		out = append(out, p)
	}
	sort.Sort(byTieBreak(out))
	return out
}

func (g *Gatekeeper) emit(event DirectoryChanged) {
	select {
	case g.events <- event:
	default:
		g.log.Warn("directory event dropped, subscriber too slow")
	}
}

func (g *Gatekeeper) call(cmd command) ([]Peer, error) {
	cmd.reply = make(chan result, 1)
	g.commands <- cmd
	res := <-cmd.reply
	return res.peers, res.err
}

// AddPeer inserts a peer. Returns ErrNoUpdate if the directory already
// held an identical entry.
func (g *Gatekeeper) AddPeer(p Peer) error {
	_, err := g.call(command{kind: cmdAddPeer, peer: p})
	return err
}

// RemovePeer deletes a peer by id. Returns ErrNoUpdate if it was absent.
func (g *Gatekeeper) RemovePeer(id PeerID) error {
	_, err := g.call(command{kind: cmdRemovePeer, peerID: id})
	return err
}

// PushPeerList replaces the directory wholesale and returns the
// resulting snapshot, or ErrNoUpdate if the new list matches the old
// one exactly.
func (g *Gatekeeper) PushPeerList(list []Peer) ([]Peer, error) {
	return g.call(command{kind: cmdPushPeerList, list: list})
}

// Sample draws n peers uniformly without replacement, using seed to
// derive a deterministic permutation — callers that need reproducible
// tests pass a fixed seed; production callers vary it per call.
func (g *Gatekeeper) Sample(n int, seed int64) ([]Peer, error) {
	return g.call(command{kind: cmdSample, size: n, seed: seed})
}

// Snapshot returns every peer currently in the directory.
func (g *Gatekeeper) Snapshot() []Peer {
	peers, _ := g.call(command{kind: cmdSnapshot})
	return peers
}
