// Package network defines the contract the core depends on for peer
// communication (spec.md §4.6) plus the closed-sum gossip frame and its
// fixed binary encoding (spec.md §6), and a relt-backed concrete
// adapter grounded on the teacher's ReliableTransport.
package network

import (
	"encoding/binary"
	"errors"
	"fmt"

	"github.com/topos-network/tce-core/certificate"
	"github.com/topos-network/tce-core/gatekeeper"
)

// Kind tags a Frame's variant. Frame is a closed sum, per spec.md §9 —
// no open-ended subtype hierarchy.
type Kind byte

const (
	KindGossip Kind = iota + 1
	KindEcho
	KindReady
	KindEchoSubscribeReq
	KindEchoSubscribeOk
	KindReadySubscribeReq
	KindReadySubscribeOk
	KindDoubleEchoOk
)

func (k Kind) String() string {
	switch k {
	case KindGossip:
		return "Gossip"
	case KindEcho:
		return "Echo"
	case KindReady:
		return "Ready"
	case KindEchoSubscribeReq:
		return "EchoSubscribeReq"
	case KindEchoSubscribeOk:
		return "EchoSubscribeOk"
	case KindReadySubscribeReq:
		return "ReadySubscribeReq"
	case KindReadySubscribeOk:
		return "ReadySubscribeOk"
	case KindDoubleEchoOk:
		return "DoubleEchoOk"
	default:
		return "Unknown"
	}
}

// ErrUnknownFrameKind is returned by UnmarshalBinary for an unrecognised
// tag byte.
var ErrUnknownFrameKind = errors.New("network: unknown frame kind")

// ErrTruncatedFrame is returned when input ends before a length-prefixed
// field can be fully read.
var ErrTruncatedFrame = errors.New("network: truncated frame")

// Frame is the wire representation of one gossip message. Which fields
// are meaningful depends on Kind: Gossip/Echo/Ready carry Certificate,
// Echo/Ready/*SubscribeReq/*SubscribeOk/DoubleEchoOk carry From.
type Frame struct {
	Kind        Kind
	From        gatekeeper.PeerID
	Certificate *certificate.Certificate
}

func hasFrom(k Kind) bool {
	return k != KindGossip
}

func hasCertificate(k Kind) bool {
	return k == KindGossip || k == KindEcho || k == KindReady
}

// MarshalBinary encodes f as: 1 tag byte, then an optional
// length-prefixed From, then an optional length-prefixed certificate
// encoding.
func (f Frame) MarshalBinary() ([]byte, error) {
	buf := []byte{byte(f.Kind)}

	if hasFrom(f.Kind) {
		from := []byte(f.From)
		buf = appendLengthPrefixed(buf, from)
	}

	if hasCertificate(f.Kind) {
		if f.Certificate == nil {
			return nil, fmt.Errorf("network: frame kind %s requires a certificate", f.Kind)
		}
		encoded, err := f.Certificate.MarshalBinary()
		if err != nil {
			return nil, err
		}
		buf = appendLengthPrefixed(buf, encoded)
	}

	return buf, nil
}

// UnmarshalBinary decodes a Frame produced by MarshalBinary.
func (f *Frame) UnmarshalBinary(data []byte) error {
	if len(data) < 1 {
		return ErrTruncatedFrame
	}
	kind := Kind(data[0])
	switch kind {
	case KindGossip, KindEcho, KindReady, KindEchoSubscribeReq, KindEchoSubscribeOk,
		KindReadySubscribeReq, KindReadySubscribeOk, KindDoubleEchoOk:
	default:
		return ErrUnknownFrameKind
	}

	rest := data[1:]
	var from []byte
	if hasFrom(kind) {
		var err error
		from, rest, err = readLengthPrefixed(rest)
		if err != nil {
			return err
		}
	}

	var cert *certificate.Certificate
	if hasCertificate(kind) {
		encoded, _, err := readLengthPrefixed(rest)
		if err != nil {
			return err
		}
		cert = &certificate.Certificate{}
		if err := cert.UnmarshalBinary(encoded); err != nil {
			return err
		}
	}

	f.Kind = kind
	f.From = gatekeeper.PeerID(from)
	f.Certificate = cert
	return nil
}

func appendLengthPrefixed(buf, field []byte) []byte {
	length := make([]byte, 4)
	binary.BigEndian.PutUint32(length, uint32(len(field)))
	buf = append(buf, length...)
	return append(buf, field...)
}

func readLengthPrefixed(data []byte) (field, rest []byte, err error) {
	if len(data) < 4 {
		return nil, nil, ErrTruncatedFrame
	}
	length := binary.BigEndian.Uint32(data[:4])
	data = data[4:]
	if uint32(len(data)) < length {
		return nil, nil, ErrTruncatedFrame
	}
	return data[:length], data[length:], nil
}
