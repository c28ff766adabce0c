package ratchet

import (
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"github.com/radix-relay/bridge-core/internal/bridgeerr"
	"github.com/radix-relay/bridge-core/internal/bundle"
	"github.com/radix-relay/bridge-core/internal/keys"
)

// responderMaterial bundles everything a responder needs to publish a
// bundle and later answer CompletePreKeyMessage lookups for it.
type responderMaterial struct {
	identity     *keys.IdentityKeyPair
	registration keys.RegistrationID
	deviceID     uint32

	oneTime      *keys.OneTimePreKey
	signedPreKey *keys.SignedPreKey
	pqPreKey     *keys.PQPreKey
}

func newResponderMaterial(t *testing.T, withOneTimePreKey bool) *responderMaterial {
	t.Helper()

	identity, err := keys.GenerateIdentityKeyPair()
	require.NoError(t, err)
	reg, err := keys.GenerateRegistrationID()
	require.NoError(t, err)
	spk, err := keys.GenerateSignedPreKey(1, identity, time.Now())
	require.NoError(t, err)
	pqpk, err := keys.GeneratePQPreKey(1, identity, time.Now())
	require.NoError(t, err)

	rm := &responderMaterial{
		identity:     identity,
		registration: reg,
		deviceID:     1,
		signedPreKey: spk,
		pqPreKey:     pqpk,
	}
	if withOneTimePreKey {
		otks, err := keys.GenerateOneTimePreKeys(1, 1)
		require.NoError(t, err)
		rm.oneTime = otks[0]
	}
	return rm
}

func (rm *responderMaterial) bundle(t *testing.T) *bundle.Bundle {
	t.Helper()

	ik := &bundle.IdentityKey{
		DHPublic: rm.identity.SerializePublic(),
		SignPub:  rm.identity.SignPub,
	}
	ikBytes, err := ik.Encode()
	require.NoError(t, err)

	pqPub := rm.pqPreKey.KeyPair.PublicKey()

	b := &bundle.Bundle{
		RegistrationID:        uint32(rm.registration),
		DeviceID:              rm.deviceID,
		SignedPreKeyID:        rm.signedPreKey.ID,
		SignedPreKeyPublic:    rm.signedPreKey.KeyPair.SerializePublic(),
		SignedPreKeySignature: rm.signedPreKey.Signature,
		IdentityKey:           ikBytes,
		PQPreKeyID:            rm.pqPreKey.ID,
		PQPreKeyPublic:        pqPub[:],
		PQPreKeySignature:     rm.pqPreKey.Signature,
	}
	if rm.oneTime != nil {
		b.HasOneTimePreKey = true
		b.PreKeyID = rm.oneTime.ID
		b.PreKeyPublic = rm.oneTime.KeyPair.SerializePublic()
	}
	return b
}

func (rm *responderMaterial) localIdentity() *LocalIdentity {
	return &LocalIdentity{
		Identity:       rm.identity,
		RegistrationID: rm.registration,
		DeviceID:       rm.deviceID,
	}
}

// fakeLookup implements PreKeyLookup over a single responderMaterial's
// pre-keys. It does not consume the one-time pre-key by itself; a test
// sets consumed to make it report that key as gone.
type fakeLookup struct {
	rm       *responderMaterial
	consumed bool
}

func (f *fakeLookup) SignedPreKeyByID(id uint32) (*keys.SignedPreKey, error) {
	if id != f.rm.signedPreKey.ID {
		return nil, bridgeerr.SessionNotFound("signed pre-key not found")
	}
	return f.rm.signedPreKey, nil
}

func (f *fakeLookup) PQPreKeyByID(id uint32) (*keys.PQPreKey, error) {
	if id != f.rm.pqPreKey.ID {
		return nil, bridgeerr.SessionNotFound("pq pre-key not found")
	}
	return f.rm.pqPreKey, nil
}

func (f *fakeLookup) OneTimePreKeyByID(id uint32) (*keys.OneTimePreKey, bool, error) {
	if f.rm.oneTime == nil || f.rm.oneTime.ID != id || f.consumed {
		return nil, false, nil
	}
	return f.rm.oneTime, true, nil
}

func newInitiatorSession(t *testing.T, rm *responderMaterial) *Session {
	t.Helper()
	initiatorIdentity, err := keys.GenerateIdentityKeyPair()
	require.NoError(t, err)
	reg, err := keys.GenerateRegistrationID()
	require.NoError(t, err)
	local := &LocalIdentity{Identity: initiatorIdentity, RegistrationID: reg, DeviceID: 1}

	session, err := EstablishSession(local, rm.bundle(t))
	require.NoError(t, err)
	return session
}
