package certificate

import (
	"testing"

	"github.com/stretchr/testify/require"
)

func sampleCertificate() Certificate {
	var id, prev CertificateID
	id[0] = 0xAA
	prev[0] = 0xBB
	src, _ := SubnetIDFromString("source-subnet-aaaaaaaaaaaaaaaaaaa")
	t1, _ := SubnetIDFromString("target-subnet-1-aaaaaaaaaaaaaaaaa")
	t2, _ := SubnetIDFromString("target-subnet-2-aaaaaaaaaaaaaaaaa")
	return Certificate{
		ID:              id,
		PrevID:          prev,
		SourceSubnet:    src,
		TargetSubnets:   []SubnetID{t1, t2},
		VerifierVersion: 3,
		Proof:           []byte("proof-bytes"),
		Signature:       []byte("signature-bytes"),
	}
}

func TestCertificateRoundTrip(t *testing.T) {
	c := sampleCertificate()
	data, err := c.MarshalBinary()
	require.NoError(t, err)

	var out Certificate
	require.NoError(t, out.UnmarshalBinary(data))
	require.Equal(t, c, out)
}

func TestCertificateRoundTripEmptyFields(t *testing.T) {
	c := Certificate{}
	data, err := c.MarshalBinary()
	require.NoError(t, err)

	var out Certificate
	require.NoError(t, out.UnmarshalBinary(data))
	require.Equal(t, c.ID, out.ID)
	require.Empty(t, out.TargetSubnets)
}

func TestPositionEncodingIsStableAcrossRuns(t *testing.T) {
	zero, err := Position(0).MarshalBinary()
	require.NoError(t, err)
	require.Equal(t, []byte{0, 0, 0, 0, 0, 0, 0, 0}, zero)

	one, err := Position(1).MarshalBinary()
	require.NoError(t, err)
	require.Equal(t, []byte{0, 0, 0, 0, 0, 0, 0, 1}, one)
}

func TestPositionIncrement(t *testing.T) {
	p := Position(0)
	next, err := p.Increment()
	require.NoError(t, err)
	require.Equal(t, Position(1), next)

	max := Position(^uint64(0))
	_, err = max.Increment()
	require.ErrorIs(t, err, ErrMaximumHeightReached)
}

func TestSubnetIDFromStringRawCopy(t *testing.T) {
	raw := "0123456789012345678901234567890A"[:SubnetIDLength]
	id, err := SubnetIDFromString(raw)
	require.NoError(t, err)
	require.Equal(t, raw, id.String())
}

func TestSubnetIDFromBytesRejectsWrongLength(t *testing.T) {
	_, err := SubnetIDFromBytes([]byte("too-short"))
	require.ErrorIs(t, err, ErrInvalidSubnetID)
}
