package storage

import (
	"sort"
	"sync"
	"time"

	"github.com/topos-network/tce-core/certificate"
)

// Memory is an in-memory Engine with the same semantics as the bbolt
// backend, for use in tests (spec.md §9: "tests may use an in-memory
// backend with identical semantics").
type Memory struct {
	mu sync.Mutex

	certificates map[certificate.CertificateID]certificate.Certificate
	byPosition   map[certificate.SubnetID]map[certificate.Position]certificate.CertificateID
	tips         map[certificate.SubnetID]certificate.Tip

	pending      map[PendingID]certificate.Certificate
	pendingByID  map[certificate.CertificateID]PendingID
	nextPendingID PendingID

	deliveries chan DeliveredRecord

	targetIndex []targetIndexEntry
}

type targetIndexEntry struct {
	target    certificate.SubnetID
	timestamp time.Time
	certID    certificate.CertificateID
}

// NewMemory creates an empty in-memory storage engine.
func NewMemory() *Memory {
	return &Memory{
		certificates: map[certificate.CertificateID]certificate.Certificate{},
		byPosition:   map[certificate.SubnetID]map[certificate.Position]certificate.CertificateID{},
		tips:         map[certificate.SubnetID]certificate.Tip{},
		pending:      map[PendingID]certificate.Certificate{},
		pendingByID:  map[certificate.CertificateID]PendingID{},
		deliveries:   make(chan DeliveredRecord, 256),
	}
}

func (m *Memory) AddPending(cert certificate.Certificate) (PendingID, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	if id, ok := m.pendingByID[cert.ID]; ok {
		return id, nil
	}
	m.nextPendingID++
	id := m.nextPendingID
	m.pending[id] = cert
	m.pendingByID[cert.ID] = id
	return id, nil
}

func (m *Memory) Persist(cert certificate.Certificate, pending *PendingID) (DeliveredRecord, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	tip, hasTip := m.tips[cert.SourceSubnet]
	nextPosition := certificate.Position(0)
	if hasTip {
		next, err := tip.Position.Increment()
		if err != nil {
			return DeliveredRecord{}, err
		}
		nextPosition = next
	}

	m.certificates[cert.ID] = cert
	if m.byPosition[cert.SourceSubnet] == nil {
		m.byPosition[cert.SourceSubnet] = map[certificate.Position]certificate.CertificateID{}
	}
	m.byPosition[cert.SourceSubnet][nextPosition] = cert.ID

	now := time.Now()
	m.tips[cert.SourceSubnet] = certificate.Tip{
		SubnetID:      cert.SourceSubnet,
		CertificateID: cert.ID,
		Position:      nextPosition,
		Timestamp:     now,
	}

	if pending == nil {
		if id, ok := m.pendingByID[cert.ID]; ok {
			pending = &id
		}
	}
	if pending != nil {
		delete(m.pending, *pending)
	}
	delete(m.pendingByID, cert.ID)

	targets := make(map[certificate.SubnetID]TargetStreamPosition, len(cert.TargetSubnets))
	for _, target := range cert.TargetSubnets {
		targets[target] = TargetStreamPosition{
			TargetSubnet: target,
			SourceSubnet: cert.SourceSubnet,
			Position:     nextPosition,
		}
		m.targetIndex = append(m.targetIndex, targetIndexEntry{target: target, timestamp: now, certID: cert.ID})
	}

	record := DeliveredRecord{Certificate: cert, Position: nextPosition, Targets: targets, DeliveredAt: now}
	select {
	case m.deliveries <- record:
	default:
	}
	return record, nil
}

func (m *Memory) GetTip(subnets []certificate.SubnetID) (map[certificate.SubnetID]certificate.Tip, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	out := make(map[certificate.SubnetID]certificate.Tip, len(subnets))
	for _, s := range subnets {
		if tip, ok := m.tips[s]; ok {
			out[s] = tip
		}
	}
	return out, nil
}

func (m *Memory) GetCertificates(ids []certificate.CertificateID) ([]certificate.Certificate, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	out := make([]certificate.Certificate, 0, len(ids))
	for _, id := range ids {
		if c, ok := m.certificates[id]; ok {
			out = append(out, c)
		}
	}
	return out, nil
}

func (m *Memory) GetCertificatesBySource(source certificate.SubnetID, from, to certificate.Position) ([]certificate.CertificateID, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	stream := m.byPosition[source]
	var out []certificate.CertificateID
	for pos := from; pos <= to; pos++ {
		if id, ok := stream[pos]; ok {
			out = append(out, id)
		}
		if pos == to {
			break
		}
	}
	return out, nil
}

func (m *Memory) GetCertificatesByTarget(target certificate.SubnetID, from, to time.Time) ([]certificate.CertificateID, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	var matches []targetIndexEntry
	for _, e := range m.targetIndex {
		if e.target != target {
			continue
		}
		if e.timestamp.Before(from) || e.timestamp.After(to) {
			continue
		}
		matches = append(matches, e)
	}
	sort.Slice(matches, func(i, j int) bool { return matches[i].timestamp.Before(matches[j].timestamp) })

	out := make([]certificate.CertificateID, len(matches))
	for i, e := range matches {
		out[i] = e.certID
	}
	return out, nil
}

func (m *Memory) GetPendingCertificates() ([]PendingCertificate, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	out := make([]PendingCertificate, 0, len(m.pending))
	for id, cert := range m.pending {
		out = append(out, PendingCertificate{ID: id, Certificate: cert})
	}
	sort.Slice(out, func(i, j int) bool { return out[i].ID < out[j].ID })
	return out, nil
}

func (m *Memory) RemovePending(id PendingID) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	cert, ok := m.pending[id]
	if !ok {
		return ErrUnknownPendingID
	}
	delete(m.pending, id)
	delete(m.pendingByID, cert.ID)
	return nil
}

func (m *Memory) Deliveries() <-chan DeliveredRecord {
	return m.deliveries
}

func (m *Memory) Close() error {
	return nil
}
