package api

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/sirupsen/logrus"

	"github.com/topos-network/tce-core/certificate"
	"github.com/topos-network/tce-core/doubleecho"
	"github.com/topos-network/tce-core/internal/telemetry"
	"github.com/topos-network/tce-core/storage"
)

// Runtime terminates subscriber streams and serves submission requests,
// spec.md §4.5. Like the other components it is a single-owner task:
// the streams index and subnet_subscriptions index are mutated only
// from the Run goroutine, via the commands channel.
type Runtime struct {
	log        *logrus.Entry
	storage    storage.Engine
	doubleEcho *doubleecho.DoubleEcho
	metrics    *telemetry.Metrics

	commands chan func()

	streams             map[StreamID]*stream
	subnetSubscriptions map[certificate.SubnetID]map[StreamID]struct{}
	transient           map[StreamID]struct{}
	pendingIDs          map[certificate.CertificateID]storage.PendingID
}

// NewRuntime wires a Runtime against its storage and double-echo
// collaborators. metrics may be nil, in which case telemetry is skipped.
func NewRuntime(log *logrus.Entry, st storage.Engine, de *doubleecho.DoubleEcho, metrics *telemetry.Metrics) *Runtime {
	return &Runtime{
		log:                 log.WithField("component", "api"),
		storage:             st,
		doubleEcho:          de,
		metrics:             metrics,
		commands:            make(chan func(), 256),
		streams:             map[StreamID]*stream{},
		subnetSubscriptions: map[certificate.SubnetID]map[StreamID]struct{}{},
		transient:           map[StreamID]struct{}{},
		pendingIDs:          map[certificate.CertificateID]storage.PendingID{},
	}
}

// Run is the task loop: it owns the streams and subnetSubscriptions
// indices and performs the live fan-out from the storage delivery
// broadcast channel (spec.md §4.5 "live fan-out").
func (r *Runtime) Run(ctx context.Context) {
	for {
		select {
		case <-ctx.Done():
			r.shutdown()
			return
		case cmd := <-r.commands:
			cmd()
		case record, ok := <-r.storage.Deliveries():
			if !ok {
				return
			}
			r.fanOut(record)
		}
	}
}

func (r *Runtime) do(fn func()) {
	done := make(chan struct{})
	r.commands <- func() {
		defer close(done)
		fn()
	}
	<-done
}

func (r *Runtime) shutdown() {
	for _, s := range r.streams {
		s.mu.Lock()
		for subnet := range s.syncCancel {
			s.cancelSync(subnet)
		}
		s.state = StreamClosed
		s.mu.Unlock()
	}
}

// OpenStream creates a new subscriber stream in the Pending state.
func (r *Runtime) OpenStream() *stream {
	var s *stream
	r.do(func() {
		s = newStream()
		r.streams[s.id] = s
	})
	return s
}

// Handshake validates the client's first frame and, on success,
// transitions the stream to Active and starts one sync task per
// checkpointed subnet. Any sync tasks from a prior handshake on the
// same stream are cancelled first (spec.md §4.5 "re-registration
// cancels prior sync").
func (r *Runtime) Handshake(ctx context.Context, id StreamID, checkpoint TargetCheckpoint) error {
	var opErr error
	r.do(func() {
		s, ok := r.streams[id]
		if !ok {
			opErr = fmt.Errorf("%w: unknown stream", ErrHandshakeFailed)
			return
		}
		if checkpoint == nil {
			opErr = ErrMalformedTargetCheckpoint
			return
		}

		s.mu.Lock()
		for subnet := range s.syncCancel {
			s.cancelSync(subnet)
		}
		wasActive := s.state == StreamActive
		s.state = StreamActive
		s.checkpoint = checkpoint
		s.mu.Unlock()
		if !wasActive && r.metrics != nil {
			r.metrics.ActiveStreams.Inc()
		}

		if len(checkpoint) == 0 {
			r.transient[id] = struct{}{}
			return
		}

		for subnet, from := range checkpoint {
			r.subnetSubscriptions[subnet] = ensureSet(r.subnetSubscriptions[subnet])
			r.subnetSubscriptions[subnet][id] = struct{}{}

			syncCtx, cancel := context.WithCancel(ctx)
			s.mu.Lock()
			s.syncCancel[subnet] = cancel
			s.mu.Unlock()
			go r.runSyncTask(syncCtx, s, subnet, from)
		}
	})
	return opErr
}

func ensureSet(set map[StreamID]struct{}) map[StreamID]struct{} {
	if set == nil {
		return map[StreamID]struct{}{}
	}
	return set
}

// CloseStream removes id from every index and cancels its sync tasks.
// Every error kind documented in spec.md §4.5 is handled identically:
// logged and treated as stream cleanup.
func (r *Runtime) CloseStream(id StreamID, cause error) {
	if cause != nil {
		r.log.WithError(cause).WithField("stream", id).Error("stream closed")
	}
	r.do(func() {
		s, ok := r.streams[id]
		if !ok {
			return
		}
		s.mu.Lock()
		for subnet := range s.syncCancel {
			s.cancelSync(subnet)
		}
		wasActive := s.state == StreamActive
		s.state = StreamClosed
		close(s.out)
		s.mu.Unlock()
		if wasActive && r.metrics != nil {
			r.metrics.ActiveStreams.Dec()
		}

		for subnet := range r.subnetSubscriptions {
			delete(r.subnetSubscriptions[subnet], id)
		}
		delete(r.transient, id)
		delete(r.streams, id)
	})
}

// runSyncTask walks storage from checkpoint+1 to the current tip,
// pushing each certificate found. Cancellation is cooperative at
// storage-row boundaries, per spec.md §5.
func (r *Runtime) runSyncTask(ctx context.Context, s *stream, subnet certificate.SubnetID, from certificate.Position) {
	tips, err := r.storage.GetTip([]certificate.SubnetID{subnet})
	if err != nil {
		r.log.WithError(err).WithField("subnet", subnet.Hex()).Error("sync task failed reading tip")
		return
	}
	tip, ok := tips[subnet]
	if !ok {
		return
	}

	next, err := from.Increment()
	if err != nil {
		return
	}

	for pos := next; pos <= tip.Position; {
		select {
		case <-ctx.Done():
			return
		default:
		}

		ids, err := r.storage.GetCertificatesBySource(subnet, pos, pos)
		if err != nil {
			r.log.WithError(err).WithField("subnet", subnet.Hex()).Error("sync task failed reading source stream")
			return
		}
		if len(ids) == 1 {
			certs, err := r.storage.GetCertificates(ids)
			if err == nil && len(certs) == 1 {
				push := CertificatePush{Certificate: certs[0], SourceSubnet: subnet, SourcePosition: pos}
				if !s.send(push) {
					r.log.WithField("stream", s.id).Warn("sync push dropped, stream channel full")
				} else {
					s.mu.Lock()
					s.checkpoint[subnet] = pos
					s.mu.Unlock()
				}
			}
		}

		if pos == tip.Position {
			break
		}
		pos, err = pos.Increment()
		if err != nil {
			return
		}
	}
}

// fanOut forwards a freshly delivered certificate to every Active
// stream subscribed to its source subnet, plus every transient
// (observer) stream.
func (r *Runtime) fanOut(record storage.DeliveredRecord) {
	r.reportPendingPoolSize()

	subnet := record.Certificate.SourceSubnet
	push := CertificatePush{Certificate: record.Certificate, SourceSubnet: subnet, SourcePosition: record.Position}

	for id := range r.subnetSubscriptions[subnet] {
		s := r.streams[id]
		if !s.send(push) {
			r.log.WithField("stream", id).Warn("live dispatch dropped, stream channel full")
			continue
		}
		s.mu.Lock()
		s.checkpoint[subnet] = record.Position
		s.mu.Unlock()
	}

	for id := range r.transient {
		s := r.streams[id]
		// Transient dispatch is detached and may drop under overload,
		// spec.md §5 — intentional, not a suspension point.
		go func(s *stream) {
			select {
			case s.out <- push:
			case <-time.After(50 * time.Millisecond):
			}
		}(s)
	}
}

// SubmitCertificate enters cert into the pending pool and hands it to
// Double-Echo for local broadcast. ErrSampleNotReady is not an error
// from the caller's perspective: the certificate is queued and will be
// broadcast once the sample stabilizes.
func (r *Runtime) SubmitCertificate(cert certificate.Certificate) error {
	pendingID, err := r.storage.AddPending(cert)
	if err != nil {
		return fmt.Errorf("%w: %v", ErrStorageUnavailable, err)
	}
	r.do(func() {
		r.pendingIDs[cert.ID] = pendingID
	})
	r.reportPendingPoolSize()

	err = r.doubleEcho.BroadcastLocal(cert)
	if err == nil || errors.Is(err, doubleecho.ErrSampleNotReady) {
		return nil
	}
	return fmt.Errorf("%w: %v", ErrInvalidCertificate, err)
}

// TakePendingID returns and removes the pending pool id recorded for
// certID by SubmitCertificate, if this node was the one that locally
// submitted it. A relay-learned certificate (delivered without ever
// being locally submitted) has no entry, ok is false, and the caller
// should persist with a nil *storage.PendingID.
func (r *Runtime) TakePendingID(certID certificate.CertificateID) (storage.PendingID, bool) {
	var id storage.PendingID
	var ok bool
	r.do(func() {
		id, ok = r.pendingIDs[certID]
		delete(r.pendingIDs, certID)
	})
	return id, ok
}

func (r *Runtime) reportPendingPoolSize() {
	if r.metrics == nil {
		return
	}
	pending, err := r.storage.GetPendingCertificates()
	if err != nil {
		return
	}
	r.metrics.PendingPoolSize.Set(float64(len(pending)))
}

// GetSourceHead returns subnet's tip, or a sentinel genesis certificate
// if the subnet has no delivered history yet — the one documented
// exception to never fabricating data (spec.md §4.5, §7).
func (r *Runtime) GetSourceHead(subnet certificate.SubnetID) (certificate.Certificate, error) {
	tips, err := r.storage.GetTip([]certificate.SubnetID{subnet})
	if err != nil {
		return certificate.Certificate{}, fmt.Errorf("%w: %v", ErrUnableToGetSourceHead, err)
	}

	tip, ok := tips[subnet]
	if !ok {
		return certificate.Genesis(subnet), nil
	}

	certs, err := r.storage.GetCertificates([]certificate.CertificateID{tip.CertificateID})
	if err != nil || len(certs) != 1 {
		return certificate.Certificate{}, fmt.Errorf("%w: tip certificate missing", ErrUnableToGetSourceHead)
	}
	return certs[0], nil
}

// Status reports the console RPC's sample/peer summary, spec.md §6.
type Status struct {
	SampleStable   bool
	ConnectedPeers uint32
}
