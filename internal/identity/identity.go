// Package identity derives the fingerprint and secondary keypair that
// hang off a bridge identity key, independent of storage or the
// ratchet itself so they can be computed from a bundle alone.
package identity

import (
	"crypto/sha256"
	"encoding/hex"

	"github.com/decred/dcrd/dcrec/secp256k1/v4"
	"golang.org/x/crypto/hkdf"

	"github.com/radix-relay/bridge-core/internal/bridgeerr"
	"github.com/radix-relay/bridge-core/internal/bundle"
)

const (
	fingerprintDomain       = "radix-identity-fingerprint"
	fingerprintPrefix       = "RDX:"
	secondaryDerivationInfo = "radix_relay_nostr_derivation"
)

// Fingerprint derives the human-displayed fingerprint for an identity
// public key: RDX: followed by the lowercase hex SHA-256 digest of the
// key bytes concatenated with the fingerprint domain string.
func Fingerprint(identityPublicKey []byte) string {
	h := sha256.New()
	h.Write(identityPublicKey)
	h.Write([]byte(fingerprintDomain))
	return fingerprintPrefix + hex.EncodeToString(h.Sum(nil))
}

// FingerprintFromBundle deserializes just enough of a wire-form bundle
// to compute its owner's fingerprint, without establishing a session.
func FingerprintFromBundle(bundleBytes []byte) (string, error) {
	b, err := bundle.Decode(bundleBytes)
	if err != nil {
		return "", err
	}
	ik, err := bundle.DecodeIdentityKey(b.IdentityKey)
	if err != nil {
		return "", err
	}
	return Fingerprint(ik.DHPublic), nil
}

// ShortFingerprint returns the first n hex characters after the RDX:
// prefix, used to build the default contact alias Unknown-XXXXXXXX.
func ShortFingerprint(fingerprint string, n int) string {
	body := fingerprint
	if len(body) > len(fingerprintPrefix) && body[:len(fingerprintPrefix)] == fingerprintPrefix {
		body = body[len(fingerprintPrefix):]
	}
	if n > len(body) {
		n = len(body)
	}
	return body[:n]
}

// SecondaryKeyPair is the deterministic secp256k1 keypair derived from
// an identity key, used for event-publishing on relays that expect a
// secp256k1 identity rather than the bridge's X25519 one.
type SecondaryKeyPair struct {
	PrivateKey *secp256k1.PrivateKey
	PublicKey  *secp256k1.PublicKey
}

// DeriveSecondaryKeyPair expands the identity public key through
// HKDF-SHA256 with an empty salt and the fixed derivation info string,
// then interprets the 32-byte output as a secp256k1 scalar. The
// derivation is deterministic: the same identity key always yields the
// same secondary keypair.
func DeriveSecondaryKeyPair(identityPublicKey []byte) (*SecondaryKeyPair, error) {
	derived, err := deriveSecondarySeed(identityPublicKey)
	if err != nil {
		return nil, err
	}

	priv := secp256k1.PrivKeyFromBytes(derived)
	return &SecondaryKeyPair{
		PrivateKey: priv,
		PublicKey:  priv.PubKey(),
	}, nil
}

// DeriveSecondaryPublicKey computes just the public half, for callers
// that only need to advertise the secondary identity without holding
// the private scalar.
func DeriveSecondaryPublicKey(identityPublicKey []byte) (*secp256k1.PublicKey, error) {
	derived, err := deriveSecondarySeed(identityPublicKey)
	if err != nil {
		return nil, err
	}
	return secp256k1.PrivKeyFromBytes(derived).PubKey(), nil
}

func deriveSecondarySeed(identityPublicKey []byte) ([]byte, error) {
	if len(identityPublicKey) == 0 {
		return nil, bridgeerr.InvalidInput("identity public key must not be empty")
	}

	hk := hkdf.New(sha256.New, identityPublicKey, nil, []byte(secondaryDerivationInfo))
	derived := make([]byte, 32)
	if _, err := hk.Read(derived); err != nil {
		return nil, bridgeerr.KeyDerivation("failed to expand secondary keypair seed", err)
	}
	return derived, nil
}
