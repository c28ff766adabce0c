package ephemeral

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/radix-relay/bridge-core/internal/storage"
)

func TestLocalIdentityRoundTrip(t *testing.T) {
	b := New()
	_, ok, err := b.LoadLocalIdentity()
	require.NoError(t, err)
	assert.False(t, ok)

	rec := &storage.LocalIdentityRecord{PrivateKey: []byte("seed"), PublicKey: []byte("pub"), RegistrationID: 7}
	require.NoError(t, b.SaveLocalIdentity(rec))

	loaded, ok, err := b.LoadLocalIdentity()
	require.NoError(t, err)
	require.True(t, ok)
	assert.Equal(t, rec.RegistrationID, loaded.RegistrationID)

	require.NoError(t, b.ClearLocalIdentity())
	_, ok, err = b.LoadLocalIdentity()
	require.NoError(t, err)
	assert.False(t, ok)
}

func TestSaveIdentityReportsReplacement(t *testing.T) {
	b := New()
	replaced, err := b.SaveIdentity("addr", 1, []byte("key-a"))
	require.NoError(t, err)
	assert.False(t, replaced)

	replaced, err = b.SaveIdentity("addr", 1, []byte("key-a"))
	require.NoError(t, err)
	assert.False(t, replaced)

	replaced, err = b.SaveIdentity("addr", 1, []byte("key-b"))
	require.NoError(t, err)
	assert.True(t, replaced)
}

func TestIsTrustedIdentity(t *testing.T) {
	b := New()
	trusted, err := b.IsTrustedIdentity("addr", 1, []byte("key-a"))
	require.NoError(t, err)
	assert.True(t, trusted, "no identity on file is trusted (first use)")

	_, err = b.SaveIdentity("addr", 1, []byte("key-a"))
	require.NoError(t, err)

	trusted, err = b.IsTrustedIdentity("addr", 1, []byte("key-a"))
	require.NoError(t, err)
	assert.True(t, trusted)

	trusted, err = b.IsTrustedIdentity("addr", 1, []byte("key-b"))
	require.NoError(t, err)
	assert.False(t, trusted)
}

func TestPreKeyLifecycle(t *testing.T) {
	b := New()
	for i := uint32(1); i <= 3; i++ {
		require.NoError(t, b.SavePreKey(i, []byte("record"), time.Now()))
	}
	count, err := b.PreKeyCount()
	require.NoError(t, err)
	assert.Equal(t, 3, count)

	ids, err := b.AllPreKeyIDs()
	require.NoError(t, err)
	assert.Equal(t, []uint32{1, 2, 3}, ids)

	require.NoError(t, b.DeletePreKey(2))
	count, err = b.PreKeyCount()
	require.NoError(t, err)
	assert.Equal(t, 2, count)

	require.NoError(t, b.ClearAllPreKeys())
	count, err = b.PreKeyCount()
	require.NoError(t, err)
	assert.Equal(t, 0, count)
}

func TestSignedAndPQPreKeyStoresAreIndependent(t *testing.T) {
	b := New()
	require.NoError(t, b.SaveSignedPreKey(&storage.StoredSignedPreKey{ID: 1, SerializedRecord: []byte("spk")}))
	require.NoError(t, b.SavePQPreKey(&storage.StoredSignedPreKey{ID: 1, SerializedRecord: []byte("pqpk")}))

	spkCount, err := b.SignedPreKeyCount()
	require.NoError(t, err)
	pqCount, err := b.PQPreKeyCount()
	require.NoError(t, err)
	assert.Equal(t, 1, spkCount)
	assert.Equal(t, 1, pqCount)

	spk, ok, err := b.LoadSignedPreKey(1)
	require.NoError(t, err)
	require.True(t, ok)
	assert.Equal(t, []byte("spk"), spk.SerializedRecord)

	pqpk, ok, err := b.LoadPQPreKey(1)
	require.NoError(t, err)
	require.True(t, ok)
	assert.Equal(t, []byte("pqpk"), pqpk.SerializedRecord)
}

func TestContactUpsertPreservesFirstSeenAndEnforcesAliasUniqueness(t *testing.T) {
	b := New()
	first := time.Now().Add(-time.Hour)
	require.NoError(t, b.UpsertContact(&storage.Contact{
		RDXFingerprint: "RDX:aaa", SecondaryPubkey: "sec-a", FirstSeen: first, LastUpdated: first,
	}))

	later := time.Now()
	require.NoError(t, b.UpsertContact(&storage.Contact{
		RDXFingerprint: "RDX:aaa", SecondaryPubkey: "sec-a", UserAlias: "bob", LastUpdated: later,
	}))

	c, ok, err := b.LookupContactByFingerprint("RDX:aaa")
	require.NoError(t, err)
	require.True(t, ok)
	assert.True(t, c.FirstSeen.Equal(first))
	assert.Equal(t, "bob", c.UserAlias)

	err = b.UpsertContact(&storage.Contact{RDXFingerprint: "RDX:bbb", SecondaryPubkey: "sec-b", UserAlias: "bob"})
	require.Error(t, err)
}

func TestListContactsOrderedByLastUpdatedDescending(t *testing.T) {
	b := New()
	older := time.Now().Add(-time.Hour)
	newer := time.Now()
	require.NoError(t, b.UpsertContact(&storage.Contact{RDXFingerprint: "RDX:old", LastUpdated: older}))
	require.NoError(t, b.UpsertContact(&storage.Contact{RDXFingerprint: "RDX:new", LastUpdated: newer}))

	contacts, err := b.ListContacts()
	require.NoError(t, err)
	require.Len(t, contacts, 2)
	assert.Equal(t, "RDX:new", contacts[0].RDXFingerprint)
}

func TestBundleMetadataRoundTrip(t *testing.T) {
	b := New()
	_, ok, err := b.LoadBundleMetadata()
	require.NoError(t, err)
	assert.False(t, ok)

	meta := &storage.BundleMetadata{PreKeyID: 1, SignedPreKeyID: 1, PQPreKeyID: 1, PublishedAt: time.Now()}
	require.NoError(t, b.SaveBundleMetadata(meta))

	loaded, ok, err := b.LoadBundleMetadata()
	require.NoError(t, err)
	require.True(t, ok)
	assert.Equal(t, meta.PreKeyID, loaded.PreKeyID)
}

func TestSettingsRoundTrip(t *testing.T) {
	b := New()
	_, ok, err := b.GetSetting("last_message_timestamp")
	require.NoError(t, err)
	assert.False(t, ok)

	require.NoError(t, b.SetSetting("last_message_timestamp", "1234"))
	v, ok, err := b.GetSetting("last_message_timestamp")
	require.NoError(t, err)
	require.True(t, ok)
	assert.Equal(t, "1234", v)
}

func TestCloseIsIdempotent(t *testing.T) {
	b := New()
	require.NoError(t, b.Close())
	require.NoError(t, b.Close())
}
