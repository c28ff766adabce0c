package identity

import (
	"crypto/ed25519"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/radix-relay/bridge-core/internal/bundle"
)

func TestFingerprintIsDeterministicAndPrefixed(t *testing.T) {
	key := make([]byte, 33)
	for i := range key {
		key[i] = byte(i)
	}

	fp1 := Fingerprint(key)
	fp2 := Fingerprint(key)

	assert.Equal(t, fp1, fp2)
	assert.True(t, len(fp1) > len(fingerprintPrefix))
	assert.Equal(t, fingerprintPrefix, fp1[:len(fingerprintPrefix)])
}

func TestFingerprintDiffersByKey(t *testing.T) {
	a := Fingerprint([]byte{0x01, 0x02, 0x03})
	b := Fingerprint([]byte{0x01, 0x02, 0x04})
	assert.NotEqual(t, a, b)
}

func TestShortFingerprintStripsPrefix(t *testing.T) {
	fp := Fingerprint([]byte("some-identity-key"))
	short := ShortFingerprint(fp, 8)
	assert.Len(t, short, 8)
	assert.NotContains(t, short, fingerprintPrefix)
}

func TestDeriveSecondaryKeyPairDeterministic(t *testing.T) {
	key := []byte("a 32 byte identity public key!!!")

	kp1, err := DeriveSecondaryKeyPair(key)
	require.NoError(t, err)
	kp2, err := DeriveSecondaryKeyPair(key)
	require.NoError(t, err)

	assert.Equal(t, kp1.PrivateKey.Serialize(), kp2.PrivateKey.Serialize())
	assert.True(t, kp1.PublicKey.IsEqual(kp2.PublicKey))
}

func TestDeriveSecondaryKeyPairDiffersByIdentity(t *testing.T) {
	kp1, err := DeriveSecondaryKeyPair([]byte("identity-one"))
	require.NoError(t, err)
	kp2, err := DeriveSecondaryKeyPair([]byte("identity-two"))
	require.NoError(t, err)

	assert.NotEqual(t, kp1.PrivateKey.Serialize(), kp2.PrivateKey.Serialize())
}

func TestDeriveSecondaryPublicKeyMatchesFullPair(t *testing.T) {
	key := []byte("another identity public key")

	full, err := DeriveSecondaryKeyPair(key)
	require.NoError(t, err)
	pub, err := DeriveSecondaryPublicKey(key)
	require.NoError(t, err)

	assert.True(t, full.PublicKey.IsEqual(pub))
}

func TestDeriveSecondaryKeyPairRejectsEmptyInput(t *testing.T) {
	_, err := DeriveSecondaryKeyPair(nil)
	assert.Error(t, err)
}

func TestFingerprintFromBundleMatchesDirectComputation(t *testing.T) {
	dhPub := make([]byte, 33)
	dhPub[0] = 0x05
	for i := 1; i < len(dhPub); i++ {
		dhPub[i] = byte(i)
	}
	signPub, _, err := ed25519.GenerateKey(nil)
	require.NoError(t, err)

	ik := &bundle.IdentityKey{DHPublic: dhPub, SignPub: signPub}
	encodedIK, err := ik.Encode()
	require.NoError(t, err)

	signedPub := make([]byte, 33)
	signedPub[0] = 0x05
	b := &bundle.Bundle{
		RegistrationID:        1,
		DeviceID:              1,
		SignedPreKeyID:        1,
		SignedPreKeyPublic:    signedPub,
		SignedPreKeySignature: []byte{0x01},
		IdentityKey:           encodedIK,
		PQPreKeyID:            1,
		PQPreKeyPublic:        make([]byte, 32),
		PQPreKeySignature:     []byte{0x02},
	}
	encoded, err := b.Encode()
	require.NoError(t, err)

	fp, err := FingerprintFromBundle(encoded)
	require.NoError(t, err)
	assert.Equal(t, Fingerprint(dhPub), fp)
}

func TestFingerprintFromBundleRejectsGarbage(t *testing.T) {
	_, err := FingerprintFromBundle([]byte{0x00, 0x01, 0x02})
	assert.Error(t, err)
}
