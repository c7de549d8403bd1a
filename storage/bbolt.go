package storage

import (
	"encoding/binary"
	"fmt"
	"time"

	"go.etcd.io/bbolt"

	"github.com/topos-network/tce-core/certificate"
)

var (
	bucketCertificates  = []byte("certificates")
	bucketSourceStreams = []byte("source_streams")
	bucketTips          = []byte("tips")
	bucketPending       = []byte("pending")
	bucketPendingIndex  = []byte("pending_index")
	bucketTargetIndex   = []byte("target_index")
	bucketCounters      = []byte("counters")
)

var keyNextPendingID = []byte("next_pending_id")

// Bolt is the production Engine, backed by a single embedded bbolt
// database file. Certificates, the per-subnet position stream and the
// pending pool are the three logical columns called for in spec.md
// §4.4; tip and target-subnet lookups are derived indexes maintained
// transactionally alongside them.
type Bolt struct {
	db         *bbolt.DB
	deliveries chan DeliveredRecord
}

// OpenBolt opens (creating if necessary) the database file at path and
// ensures all buckets exist.
func OpenBolt(path string) (*Bolt, error) {
	db, err := bbolt.Open(path, 0600, &bbolt.Options{Timeout: 5 * time.Second})
	if err != nil {
		return nil, fmt.Errorf("storage: open bbolt: %w", err)
	}

	err = db.Update(func(tx *bbolt.Tx) error {
		for _, name := range [][]byte{
			bucketCertificates, bucketSourceStreams, bucketTips,
			bucketPending, bucketPendingIndex, bucketTargetIndex, bucketCounters,
		} {
			if _, err := tx.CreateBucketIfNotExists(name); err != nil {
				return err
			}
		}
		return nil
	})
	if err != nil {
		db.Close()
		return nil, fmt.Errorf("storage: init buckets: %w", err)
	}

	return &Bolt{db: db, deliveries: make(chan DeliveredRecord, 256)}, nil
}

func encodeUint64(v uint64) []byte {
	b := make([]byte, 8)
	binary.BigEndian.PutUint64(b, v)
	return b
}

func decodeUint64(b []byte) uint64 {
	return binary.BigEndian.Uint64(b)
}

func sourceStreamKey(subnet certificate.SubnetID, pos certificate.Position) []byte {
	key := make([]byte, 0, 40)
	key = append(key, subnet[:]...)
	key = append(key, encodeUint64(uint64(pos))...)
	return key
}

func targetIndexKey(target certificate.SubnetID, ts time.Time, certID certificate.CertificateID) []byte {
	key := make([]byte, 0, 72)
	key = append(key, target[:]...)
	key = append(key, encodeUint64(uint64(ts.UnixNano()))...)
	key = append(key, certID[:]...)
	return key
}

func (b *Bolt) AddPending(cert certificate.Certificate) (PendingID, error) {
	var id PendingID
	err := b.db.Update(func(tx *bbolt.Tx) error {
		idx := tx.Bucket(bucketPendingIndex)
		if existing := idx.Get(cert.ID[:]); existing != nil {
			id = PendingID(decodeUint64(existing))
			return nil
		}

		counters := tx.Bucket(bucketCounters)
		next := decodeUint64FromBucket(counters, keyNextPendingID) + 1
		if err := counters.Put(keyNextPendingID, encodeUint64(next)); err != nil {
			return err
		}

		encoded, err := cert.MarshalBinary()
		if err != nil {
			return err
		}

		pending := tx.Bucket(bucketPending)
		if err := pending.Put(encodeUint64(next), encoded); err != nil {
			return err
		}
		if err := idx.Put(cert.ID[:], encodeUint64(next)); err != nil {
			return err
		}

		id = PendingID(next)
		return nil
	})
	if err != nil {
		return 0, fmt.Errorf("%w: %v", ErrInternalStorage, err)
	}
	return id, nil
}

func decodeUint64FromBucket(bucket *bbolt.Bucket, key []byte) uint64 {
	v := bucket.Get(key)
	if v == nil {
		return 0
	}
	return decodeUint64(v)
}

// Persist assigns the next position for cert.SourceSubnet and writes the
// certificate, the position index entry, the tip and the target index
// inside a single bbolt write transaction, satisfying spec.md §3's "a
// position is assigned to a certificate identifier at most once, even
// under crash and restart" invariant.
func (b *Bolt) Persist(cert certificate.Certificate, pending *PendingID) (DeliveredRecord, error) {
	var record DeliveredRecord
	err := b.db.Update(func(tx *bbolt.Tx) error {
		tips := tx.Bucket(bucketTips)
		nextPosition := certificate.Position(0)
		if raw := tips.Get(cert.SourceSubnet[:]); raw != nil {
			current := decodeUint64(raw[32:40])
			next, err := certificate.Position(current).Increment()
			if err != nil {
				return err
			}
			nextPosition = next
		}

		encoded, err := cert.MarshalBinary()
		if err != nil {
			return err
		}
		if err := tx.Bucket(bucketCertificates).Put(cert.ID[:], encoded); err != nil {
			return err
		}
		if err := tx.Bucket(bucketSourceStreams).Put(sourceStreamKey(cert.SourceSubnet, nextPosition), cert.ID[:]); err != nil {
			return err
		}

		now := time.Now()
		tipValue := make([]byte, 0, 48)
		tipValue = append(tipValue, cert.ID[:]...)
		tipValue = append(tipValue, encodeUint64(uint64(nextPosition))...)
		tipValue = append(tipValue, encodeUint64(uint64(now.UnixNano()))...)
		if err := tips.Put(cert.SourceSubnet[:], tipValue); err != nil {
			return err
		}

		pendingBucket := tx.Bucket(bucketPending)
		idx := tx.Bucket(bucketPendingIndex)
		if pending == nil {
			if raw := idx.Get(cert.ID[:]); raw != nil {
				id := PendingID(decodeUint64(raw))
				pending = &id
			}
		}
		if pending != nil {
			if err := pendingBucket.Delete(encodeUint64(uint64(*pending))); err != nil {
				return err
			}
			if err := idx.Delete(cert.ID[:]); err != nil {
				return err
			}
		}

		targets := make(map[certificate.SubnetID]TargetStreamPosition, len(cert.TargetSubnets))
		targetIndex := tx.Bucket(bucketTargetIndex)
		for _, target := range cert.TargetSubnets {
			targets[target] = TargetStreamPosition{
				TargetSubnet: target,
				SourceSubnet: cert.SourceSubnet,
				Position:     nextPosition,
			}
			if err := targetIndex.Put(targetIndexKey(target, now, cert.ID), nil); err != nil {
				return err
			}
		}

		record = DeliveredRecord{Certificate: cert, Position: nextPosition, Targets: targets, DeliveredAt: now}
		return nil
	})
	if err != nil {
		return DeliveredRecord{}, fmt.Errorf("%w: %v", ErrInternalStorage, err)
	}

	select {
	case b.deliveries <- record:
	default:
	}
	return record, nil
}

func (b *Bolt) GetTip(subnets []certificate.SubnetID) (map[certificate.SubnetID]certificate.Tip, error) {
	out := make(map[certificate.SubnetID]certificate.Tip, len(subnets))
	err := b.db.View(func(tx *bbolt.Tx) error {
		tips := tx.Bucket(bucketTips)
		for _, s := range subnets {
			raw := tips.Get(s[:])
			if raw == nil {
				continue
			}
			var certID certificate.CertificateID
			copy(certID[:], raw[:32])
			out[s] = certificate.Tip{
				SubnetID:      s,
				CertificateID: certID,
				Position:      certificate.Position(decodeUint64(raw[32:40])),
				Timestamp:     time.Unix(0, int64(decodeUint64(raw[40:48]))),
			}
		}
		return nil
	})
	if err != nil {
		return nil, fmt.Errorf("%w: %v", ErrInternalStorage, err)
	}
	return out, nil
}

func (b *Bolt) GetCertificates(ids []certificate.CertificateID) ([]certificate.Certificate, error) {
	out := make([]certificate.Certificate, 0, len(ids))
	err := b.db.View(func(tx *bbolt.Tx) error {
		bucket := tx.Bucket(bucketCertificates)
		for _, id := range ids {
			raw := bucket.Get(id[:])
			if raw == nil {
				continue
			}
			var cert certificate.Certificate
			if err := cert.UnmarshalBinary(raw); err != nil {
				return err
			}
			out = append(out, cert)
		}
		return nil
	})
	if err != nil {
		return nil, fmt.Errorf("%w: %v", ErrInternalStorage, err)
	}
	return out, nil
}

func (b *Bolt) GetCertificatesBySource(source certificate.SubnetID, from, to certificate.Position) ([]certificate.CertificateID, error) {
	var out []certificate.CertificateID
	err := b.db.View(func(tx *bbolt.Tx) error {
		c := tx.Bucket(bucketSourceStreams).Cursor()
		lower := sourceStreamKey(source, from)
		upper := sourceStreamKey(source, to)
		for k, v := c.Seek(lower); k != nil && compareBytes(k, upper) <= 0; k, v = c.Next() {
			var id certificate.CertificateID
			copy(id[:], v)
			out = append(out, id)
		}
		return nil
	})
	if err != nil {
		return nil, fmt.Errorf("%w: %v", ErrInternalStorage, err)
	}
	return out, nil
}

func compareBytes(a, b []byte) int {
	for i := 0; i < len(a) && i < len(b); i++ {
		if a[i] != b[i] {
			if a[i] < b[i] {
				return -1
			}
			return 1
		}
	}
	return len(a) - len(b)
}

func (b *Bolt) GetCertificatesByTarget(target certificate.SubnetID, from, to time.Time) ([]certificate.CertificateID, error) {
	var out []certificate.CertificateID
	err := b.db.View(func(tx *bbolt.Tx) error {
		c := tx.Bucket(bucketTargetIndex).Cursor()
		lower := targetIndexKey(target, from, certificate.CertificateID{})
		prefix := target[:]
		for k, _ := c.Seek(lower); k != nil && compareBytes(k[:len(prefix)], prefix) == 0; k, _ = c.Next() {
			ts := time.Unix(0, int64(decodeUint64(k[32:40])))
			if ts.After(to) {
				break
			}
			var id certificate.CertificateID
			copy(id[:], k[40:72])
			out = append(out, id)
		}
		return nil
	})
	if err != nil {
		return nil, fmt.Errorf("%w: %v", ErrInternalStorage, err)
	}
	return out, nil
}

func (b *Bolt) GetPendingCertificates() ([]PendingCertificate, error) {
	var out []PendingCertificate
	err := b.db.View(func(tx *bbolt.Tx) error {
		return tx.Bucket(bucketPending).ForEach(func(k, v []byte) error {
			var cert certificate.Certificate
			if err := cert.UnmarshalBinary(v); err != nil {
				return err
			}
			out = append(out, PendingCertificate{ID: PendingID(decodeUint64(k)), Certificate: cert})
			return nil
		})
	})
	if err != nil {
		return nil, fmt.Errorf("%w: %v", ErrInternalStorage, err)
	}
	return out, nil
}

func (b *Bolt) RemovePending(id PendingID) error {
	err := b.db.Update(func(tx *bbolt.Tx) error {
		pending := tx.Bucket(bucketPending)
		key := encodeUint64(uint64(id))
		raw := pending.Get(key)
		if raw == nil {
			return ErrUnknownPendingID
		}
		var cert certificate.Certificate
		if err := cert.UnmarshalBinary(raw); err != nil {
			return err
		}
		if err := pending.Delete(key); err != nil {
			return err
		}
		return tx.Bucket(bucketPendingIndex).Delete(cert.ID[:])
	})
	if err == ErrUnknownPendingID {
		return err
	}
	if err != nil {
		return fmt.Errorf("%w: %v", ErrInternalStorage, err)
	}
	return nil
}

func (b *Bolt) Deliveries() <-chan DeliveredRecord {
	return b.deliveries
}

func (b *Bolt) Close() error {
	return b.db.Close()
}
