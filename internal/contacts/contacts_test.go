package contacts

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/radix-relay/bridge-core/internal/bundle"
	"github.com/radix-relay/bridge-core/internal/keys"
	"github.com/radix-relay/bridge-core/internal/storage/ephemeral"
)

func sampleBundle(t *testing.T) []byte {
	t.Helper()
	identity, err := keys.GenerateIdentityKeyPair()
	require.NoError(t, err)
	spk, err := keys.GenerateSignedPreKey(1, identity, time.Now())
	require.NoError(t, err)
	pqpk, err := keys.GeneratePQPreKey(1, identity, time.Now())
	require.NoError(t, err)

	ik := &bundle.IdentityKey{DHPublic: identity.SerializePublic(), SignPub: identity.SignPub}
	encodedIK, err := ik.Encode()
	require.NoError(t, err)

	pqPub := pqpk.KeyPair.PublicKey()
	b := &bundle.Bundle{
		RegistrationID:        1,
		DeviceID:              1,
		SignedPreKeyID:        spk.ID,
		SignedPreKeyPublic:    spk.KeyPair.SerializePublic(),
		SignedPreKeySignature: spk.Signature,
		IdentityKey:           encodedIK,
		PQPreKeyID:            pqpk.ID,
		PQPreKeyPublic:        pqPub[:],
		PQPreKeySignature:     pqpk.Signature,
	}
	encoded, err := b.Encode()
	require.NoError(t, err)
	return encoded
}

func TestAddContactFromBundleAssignsAutoAlias(t *testing.T) {
	m := New(ephemeral.New())
	fingerprint, err := m.AddContactFromBundle(sampleBundle(t), "")
	require.NoError(t, err)
	assert.Contains(t, fingerprint, "RDX:")

	info, err := m.LookupContact(fingerprint)
	require.NoError(t, err)
	assert.Contains(t, info.UserAlias, "Unknown-")
	assert.False(t, info.HasActiveSession)
}

func TestAddContactFromBundleHonorsExplicitAlias(t *testing.T) {
	m := New(ephemeral.New())
	fingerprint, err := m.AddContactFromBundle(sampleBundle(t), "alice")
	require.NoError(t, err)

	info, err := m.LookupContact(fingerprint)
	require.NoError(t, err)
	assert.Equal(t, "alice", info.UserAlias)
}

func TestAddContactFromBundlePreservesAliasOnReinsertion(t *testing.T) {
	m := New(ephemeral.New())
	raw := sampleBundle(t)

	fingerprint, err := m.AddContactFromBundle(raw, "alice")
	require.NoError(t, err)

	_, err = m.AddContactFromBundle(raw, "")
	require.NoError(t, err)

	info, err := m.LookupContact(fingerprint)
	require.NoError(t, err)
	assert.Equal(t, "alice", info.UserAlias)
}

func TestLookupContactAcceptsFingerprintAliasOrSecondaryPubkey(t *testing.T) {
	m := New(ephemeral.New())
	fingerprint, err := m.AddContactFromBundle(sampleBundle(t), "bob")
	require.NoError(t, err)

	byFingerprint, err := m.LookupContact(fingerprint)
	require.NoError(t, err)

	byAlias, err := m.LookupContact("bob")
	require.NoError(t, err)
	assert.Equal(t, byFingerprint.RDXFingerprint, byAlias.RDXFingerprint)

	bySecondary, err := m.LookupContact(byFingerprint.SecondaryPubkey)
	require.NoError(t, err)
	assert.Equal(t, byFingerprint.RDXFingerprint, bySecondary.RDXFingerprint)
}

func TestLookupContactFailsForUnknownIdentifier(t *testing.T) {
	m := New(ephemeral.New())
	_, err := m.LookupContact("nonexistent")
	require.Error(t, err)
}

func TestAssignContactAliasRejectsCollision(t *testing.T) {
	m := New(ephemeral.New())
	_, err := m.AddContactFromBundle(sampleBundle(t), "alice")
	require.NoError(t, err)
	fingerprint2, err := m.AddContactFromBundle(sampleBundle(t), "bob")
	require.NoError(t, err)

	err = m.AssignContactAlias(fingerprint2, "alice")
	require.Error(t, err)
}

func TestAssignContactAliasIsIdempotentForOwnAlias(t *testing.T) {
	m := New(ephemeral.New())
	fingerprint, err := m.AddContactFromBundle(sampleBundle(t), "alice")
	require.NoError(t, err)

	err = m.AssignContactAlias(fingerprint, "alice")
	require.NoError(t, err)
}

func TestListContactsOrderedByLastUpdatedDescending(t *testing.T) {
	m := New(ephemeral.New())
	firstFingerprint, err := m.AddContactFromBundle(sampleBundle(t), "first")
	require.NoError(t, err)
	_, err = m.AddContactFromBundle(sampleBundle(t), "second")
	require.NoError(t, err)

	list, err := m.ListContacts()
	require.NoError(t, err)
	require.Len(t, list, 2)
	assert.NotEqual(t, firstFingerprint, list[0].RDXFingerprint, "most recently upserted contact sorts first")
}
