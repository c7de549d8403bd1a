package storage

import (
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"github.com/topos-network/tce-core/certificate"
)

func subnet(b byte) certificate.SubnetID {
	var s certificate.SubnetID
	s[0] = b
	return s
}

func cert(id byte, source certificate.SubnetID, targets ...certificate.SubnetID) certificate.Certificate {
	var cid certificate.CertificateID
	cid[0] = id
	return certificate.Certificate{ID: cid, SourceSubnet: source, TargetSubnets: targets}
}

func runEngineSuite(t *testing.T, newEngine func(t *testing.T) Engine) {
	t.Run("PendingPersistsAndReadsBack", func(t *testing.T) {
		eng := newEngine(t)
		c := cert(1, subnet(1))

		id, err := eng.AddPending(c)
		require.NoError(t, err)

		pending, err := eng.GetPendingCertificates()
		require.NoError(t, err)
		require.Len(t, pending, 1)
		require.Equal(t, id, pending[0].ID)
		require.Equal(t, c.ID, pending[0].Certificate.ID)

		// Idempotent per certificate identifier.
		again, err := eng.AddPending(c)
		require.NoError(t, err)
		require.Equal(t, id, again)
	})

	t.Run("PositionIncrementsAcrossPersists", func(t *testing.T) {
		eng := newEngine(t)
		src := subnet(2)

		first := cert(1, src)
		_, err := eng.Persist(first, nil)
		require.NoError(t, err)

		second := cert(2, src)
		_, err = eng.Persist(second, nil)
		require.NoError(t, err)

		tips, err := eng.GetTip([]certificate.SubnetID{src})
		require.NoError(t, err)
		require.Equal(t, certificate.Position(1), tips[src].Position)
		require.Equal(t, second.ID, tips[src].CertificateID)
	})

	t.Run("PrefixIterationBySourceSubnetIsPositionOrdered", func(t *testing.T) {
		eng := newEngine(t)
		src := subnet(3)

		var ids []certificate.CertificateID
		for i := byte(1); i <= 3; i++ {
			c := cert(i, src)
			ids = append(ids, c.ID)
			_, err := eng.Persist(c, nil)
			require.NoError(t, err)
		}

		got, err := eng.GetCertificatesBySource(src, 0, 2)
		require.NoError(t, err)
		require.Equal(t, ids, got)
	})

	t.Run("PersistRemovesPendingEntry", func(t *testing.T) {
		eng := newEngine(t)
		c := cert(1, subnet(4))

		id, err := eng.AddPending(c)
		require.NoError(t, err)

		_, err = eng.Persist(c, &id)
		require.NoError(t, err)

		err = eng.RemovePending(id)
		require.ErrorIs(t, err, ErrUnknownPendingID)
	})

	t.Run("GetCertificatesByTargetFiltersByWindow", func(t *testing.T) {
		eng := newEngine(t)
		target := subnet(5)
		src := subnet(6)

		c := cert(1, src, target)
		before := time.Now().Add(-time.Hour)
		_, err := eng.Persist(c, nil)
		require.NoError(t, err)
		after := time.Now().Add(time.Hour)

		got, err := eng.GetCertificatesByTarget(target, before, after)
		require.NoError(t, err)
		require.Equal(t, []certificate.CertificateID{c.ID}, got)

		got, err = eng.GetCertificatesByTarget(target, after, after.Add(time.Hour))
		require.NoError(t, err)
		require.Empty(t, got)
	})
}

func TestMemoryEngine(t *testing.T) {
	runEngineSuite(t, func(t *testing.T) Engine {
		return NewMemory()
	})
}

func TestBoltEngine(t *testing.T) {
	runEngineSuite(t, func(t *testing.T) Engine {
		path := filepath.Join(t.TempDir(), "tce.db")
		eng, err := OpenBolt(path)
		require.NoError(t, err)
		t.Cleanup(func() { eng.Close() })
		return eng
	})
}
