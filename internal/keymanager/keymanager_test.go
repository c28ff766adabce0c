package keymanager

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/radix-relay/bridge-core/internal/keys"
	"github.com/radix-relay/bridge-core/internal/storage/ephemeral"
)

func testConstants() Constants {
	c := DefaultConstants()
	c.BootstrapPreKeys = 10
	c.MinPreKeyCount = 5
	c.ReplenishCount = 8
	return c
}

func newTestManager(t *testing.T) (*Manager, *keys.IdentityKeyPair) {
	t.Helper()
	identity, err := keys.GenerateIdentityKeyPair()
	require.NoError(t, err)
	m := New(ephemeral.New(), testConstants())
	return m, identity
}

func TestBootstrapGeneratesInitialKeySupply(t *testing.T) {
	m, identity := newTestManager(t)
	require.NoError(t, m.Bootstrap(identity))

	count, err := m.store.PreKeyCount()
	require.NoError(t, err)
	assert.Equal(t, int(m.constants.BootstrapPreKeys), count)

	spkCount, err := m.store.SignedPreKeyCount()
	require.NoError(t, err)
	assert.Equal(t, 1, spkCount)

	pqCount, err := m.store.PQPreKeyCount()
	require.NoError(t, err)
	assert.Equal(t, 1, pqCount)
}

func TestBootstrapIsIdempotentOnceStocked(t *testing.T) {
	m, identity := newTestManager(t)
	require.NoError(t, m.Bootstrap(identity))
	require.NoError(t, m.Bootstrap(identity))

	count, err := m.store.PreKeyCount()
	require.NoError(t, err)
	assert.Equal(t, int(m.constants.BootstrapPreKeys), count)
}

func TestConsumePreKeyReplenishesBelowMinimum(t *testing.T) {
	m, identity := newTestManager(t)
	require.NoError(t, m.Bootstrap(identity))

	ids, err := m.store.AllPreKeyIDs()
	require.NoError(t, err)
	require.Len(t, ids, 10)

	for _, id := range ids[:6] {
		require.NoError(t, m.ConsumePreKey(id))
	}

	count, err := m.store.PreKeyCount()
	require.NoError(t, err)
	assert.GreaterOrEqual(t, count, int(m.constants.MinPreKeyCount))

	surviving := make(map[uint32]bool)
	for _, id := range ids[6:] {
		surviving[id] = true
	}
	newIDs, err := m.store.AllPreKeyIDs()
	require.NoError(t, err)
	for _, id := range newIDs {
		if surviving[id] {
			continue
		}
		assert.Greater(t, id, uint32(10), "replenished ids must continue past the bootstrap batch")
	}
}

func TestConsumePreKeyRejectsUnknownID(t *testing.T) {
	m, identity := newTestManager(t)
	require.NoError(t, m.Bootstrap(identity))
	err := m.ConsumePreKey(9999)
	require.Error(t, err)
}

func TestSignedPreKeyRotationAndCleanup(t *testing.T) {
	m, identity := newTestManager(t)
	require.NoError(t, m.Bootstrap(identity))

	needs, err := m.SignedPreKeyNeedsRotation()
	require.NoError(t, err)
	assert.False(t, needs, "freshly bootstrapped key should not need rotation")

	require.NoError(t, m.RotateSignedPreKey(identity))
	all, err := m.store.AllSignedPreKeys()
	require.NoError(t, err)
	require.Len(t, all, 2)
	assert.Equal(t, uint32(2), all[1].ID)

	require.NoError(t, m.CleanupExpiredSignedPreKeys())
	all, err = m.store.AllSignedPreKeys()
	require.NoError(t, err)
	assert.Len(t, all, 2, "nothing is old enough to expire yet")
}

func TestCleanupExpiredSignedPreKeysNeverDeletesLastRecord(t *testing.T) {
	m, identity := newTestManager(t)
	m.constants.RotationInterval = time.Millisecond
	m.constants.GracePeriod = time.Millisecond
	require.NoError(t, m.Bootstrap(identity))

	time.Sleep(5 * time.Millisecond)
	require.NoError(t, m.CleanupExpiredSignedPreKeys())

	count, err := m.store.SignedPreKeyCount()
	require.NoError(t, err)
	assert.Equal(t, 1, count)
}

func TestPQPreKeyRotationMirrorsSignedPreKeyRotation(t *testing.T) {
	m, identity := newTestManager(t)
	require.NoError(t, m.Bootstrap(identity))

	require.NoError(t, m.RotatePQPreKey(identity))
	all, err := m.store.AllPQPreKeys()
	require.NoError(t, err)
	require.Len(t, all, 2)
	assert.Equal(t, uint32(2), all[1].ID)
}

func TestLowestOneTimePreKeyIDPrefersOldestRemaining(t *testing.T) {
	m, identity := newTestManager(t)
	require.NoError(t, m.Bootstrap(identity))

	require.NoError(t, m.store.DeletePreKey(1))
	require.NoError(t, m.store.DeletePreKey(2))

	id, ok, err := m.LowestOneTimePreKeyID()
	require.NoError(t, err)
	require.True(t, ok)
	assert.Equal(t, uint32(3), id)
}

func TestLowestOneTimePreKeyIDReportsEmptyPool(t *testing.T) {
	m, _ := newTestManager(t)
	_, ok, err := m.LowestOneTimePreKeyID()
	require.NoError(t, err)
	assert.False(t, ok)
}
