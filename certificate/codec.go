package certificate

import (
	"bytes"
	"encoding/binary"
	"errors"
	"io"
)

// ErrTruncatedCertificate is returned when a decode runs out of bytes
// before the encoding is complete.
var ErrTruncatedCertificate = errors.New("certificate: truncated encoding")

// MarshalBinary encodes c using a fixed, length-prefixed binary layout:
// every variable-length field is preceded by a uint32 byte count. This
// is a deterministic encoding — the same Certificate value always
// produces the same bytes — which is what the round-trip and
// stable-encoding properties in spec.md §8 require. A generic
// marshaling library was considered and rejected here; see DESIGN.md.
func (c Certificate) MarshalBinary() ([]byte, error) {
	var buf bytes.Buffer
	buf.Write(c.ID[:])
	buf.Write(c.PrevID[:])
	buf.Write(c.SourceSubnet[:])
	buf.Write(c.StateRoot[:])
	buf.Write(c.TxRoot[:])

	if err := binary.Write(&buf, binary.BigEndian, uint32(len(c.TargetSubnets))); err != nil {
		return nil, err
	}
	for _, t := range c.TargetSubnets {
		buf.Write(t[:])
	}

	if err := binary.Write(&buf, binary.BigEndian, c.VerifierVersion); err != nil {
		return nil, err
	}

	if err := writeLengthPrefixed(&buf, c.Proof); err != nil {
		return nil, err
	}
	if err := writeLengthPrefixed(&buf, c.Signature); err != nil {
		return nil, err
	}

	return buf.Bytes(), nil
}

// UnmarshalBinary decodes the format produced by MarshalBinary.
func (c *Certificate) UnmarshalBinary(data []byte) error {
	r := bytes.NewReader(data)

	if err := readFull(r, c.ID[:]); err != nil {
		return err
	}
	if err := readFull(r, c.PrevID[:]); err != nil {
		return err
	}
	if err := readFull(r, c.SourceSubnet[:]); err != nil {
		return err
	}
	if err := readFull(r, c.StateRoot[:]); err != nil {
		return err
	}
	if err := readFull(r, c.TxRoot[:]); err != nil {
		return err
	}

	var targetCount uint32
	if err := binary.Read(r, binary.BigEndian, &targetCount); err != nil {
		return ErrTruncatedCertificate
	}
	targets := make([]SubnetID, targetCount)
	for i := range targets {
		if err := readFull(r, targets[i][:]); err != nil {
			return err
		}
	}
	c.TargetSubnets = targets

	if err := binary.Read(r, binary.BigEndian, &c.VerifierVersion); err != nil {
		return ErrTruncatedCertificate
	}

	proof, err := readLengthPrefixed(r)
	if err != nil {
		return err
	}
	c.Proof = proof

	signature, err := readLengthPrefixed(r)
	if err != nil {
		return err
	}
	c.Signature = signature

	return nil
}

func writeLengthPrefixed(buf *bytes.Buffer, b []byte) error {
	if err := binary.Write(buf, binary.BigEndian, uint32(len(b))); err != nil {
		return err
	}
	buf.Write(b)
	return nil
}

func readLengthPrefixed(r *bytes.Reader) ([]byte, error) {
	var n uint32
	if err := binary.Read(r, binary.BigEndian, &n); err != nil {
		return nil, ErrTruncatedCertificate
	}
	b := make([]byte, n)
	if err := readFull(r, b); err != nil {
		return nil, err
	}
	return b, nil
}

func readFull(r *bytes.Reader, b []byte) error {
	if len(b) == 0 {
		return nil
	}
	_, err := io.ReadFull(r, b)
	if err != nil {
		return ErrTruncatedCertificate
	}
	return nil
}

// MarshalBinary encodes a Position as a fixed 8-byte big-endian value.
// Encoding is stable across runs: Position(0) and Position(1) always
// produce the same bytes, independent of process, platform byte order
// choice is fixed here rather than native.
func (p Position) MarshalBinary() ([]byte, error) {
	b := make([]byte, 8)
	binary.BigEndian.PutUint64(b, uint64(p))
	return b, nil
}

// UnmarshalBinary decodes the format produced by Position.MarshalBinary.
func (p *Position) UnmarshalBinary(data []byte) error {
	if len(data) != 8 {
		return ErrTruncatedCertificate
	}
	*p = Position(binary.BigEndian.Uint64(data))
	return nil
}
