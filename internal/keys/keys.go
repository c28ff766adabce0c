// Package keys generates and serializes the key material the bridge
// core hands out: identity keys, signed and one-time pre-keys, and the
// post-quantum KEM pre-keys that augment the ratchet.
package keys

import (
	"crypto/ed25519"
	"crypto/rand"
	"crypto/sha256"
	"encoding/binary"
	"time"

	"golang.org/x/crypto/curve25519"
	"golang.org/x/crypto/hkdf"

	"github.com/radix-relay/bridge-core/internal/bridgeerr"
)

// DJBType is the Signal wire-format type byte for a Curve25519
// (Montgomery form) public key. A serialized identity or pre-key
// public key is this byte followed by the 32-byte point.
const DJBType = 0x05

const (
	x25519DerivationInfo  = "radix-bridge-identity-x25519"
	ed25519DerivationInfo = "radix-bridge-identity-ed25519"
)

// X25519KeyPair is a Curve25519 Diffie-Hellman keypair.
type X25519KeyPair struct {
	PrivateKey [32]byte
	PublicKey  [32]byte
}

// GenerateX25519KeyPair produces a fresh, randomly clamped Curve25519
// keypair, used for ephemeral and one-time pre-keys that have no need
// of a deterministic seed.
func GenerateX25519KeyPair() (*X25519KeyPair, error) {
	var priv [32]byte
	if _, err := rand.Read(priv[:]); err != nil {
		return nil, bridgeerr.KeyDerivation("failed to read random bytes for keypair", err)
	}
	return x25519FromClampedSeed(priv)
}

func x25519FromClampedSeed(seed [32]byte) (*X25519KeyPair, error) {
	clampX25519(&seed)
	pub, err := curve25519.X25519(seed[:], curve25519.Basepoint)
	if err != nil {
		return nil, bridgeerr.KeyDerivation("failed to compute curve25519 public key", err)
	}
	kp := &X25519KeyPair{PrivateKey: seed}
	copy(kp.PublicKey[:], pub)
	return kp, nil
}

// DeserializeX25519KeyPair rebuilds a keypair from a previously stored
// 32-byte private scalar, for pre-keys read back out of the Storage
// Kernel.
func DeserializeX25519KeyPair(priv []byte) (*X25519KeyPair, error) {
	if len(priv) != 32 {
		return nil, bridgeerr.InvalidInput("x25519 private key must be 32 bytes")
	}
	var seed [32]byte
	copy(seed[:], priv)
	return x25519FromClampedSeed(seed)
}

func clampX25519(k *[32]byte) {
	k[0] &= 248
	k[31] &= 127
	k[31] |= 64
}

// SharedSecret performs a Diffie-Hellman exchange with a peer's public
// key.
func (kp *X25519KeyPair) SharedSecret(peerPublic [32]byte) ([]byte, error) {
	secret, err := curve25519.X25519(kp.PrivateKey[:], peerPublic[:])
	if err != nil {
		return nil, bridgeerr.KeyDerivation("dh computation failed", err)
	}
	return secret, nil
}

// SerializePublic encodes the public key in Signal's type-prefixed
// wire format: a single DJBType byte followed by the 32-byte point.
func (kp *X25519KeyPair) SerializePublic() []byte {
	out := make([]byte, 33)
	out[0] = DJBType
	copy(out[1:], kp.PublicKey[:])
	return out
}

// DeserializePublicKey strips the DJBType prefix from a serialized
// public key and returns the raw 32-byte point.
func DeserializePublicKey(serialized []byte) ([32]byte, error) {
	var out [32]byte
	if len(serialized) != 33 {
		return out, bridgeerr.InvalidInput("serialized public key must be 33 bytes")
	}
	if serialized[0] != DJBType {
		return out, bridgeerr.InvalidInput("unsupported public key type byte")
	}
	copy(out[:], serialized[1:])
	return out, nil
}

// IdentityKeyPair is the long-term identity key for a bridge user. A
// single 32-byte seed deterministically derives both the X25519
// Diffie-Hellman keypair used in X3DH and the ratchet, and an
// independent Ed25519 signing keypair used to sign pre-keys. Reusing
// one seed for two unrelated curves the naive way (interpreting the
// same scalar on both curves) is unsound, so each is derived through
// HKDF with a distinct info string.
type IdentityKeyPair struct {
	Seed [32]byte

	DH      *X25519KeyPair
	SignPub ed25519.PublicKey
	signPriv ed25519.PrivateKey
}

// GenerateIdentityKeyPair creates a new identity with a fresh random
// seed.
func GenerateIdentityKeyPair() (*IdentityKeyPair, error) {
	var seed [32]byte
	if _, err := rand.Read(seed[:]); err != nil {
		return nil, bridgeerr.KeyDerivation("failed to read random seed", err)
	}
	return IdentityKeyPairFromSeed(seed)
}

// IdentityKeyPairFromSeed rebuilds an identity deterministically from
// a stored 32-byte seed, as done on every process restart once the
// seed has been persisted.
func IdentityKeyPairFromSeed(seed [32]byte) (*IdentityKeyPair, error) {
	dhSeed, err := hkdfExpand(seed[:], x25519DerivationInfo, 32)
	if err != nil {
		return nil, err
	}
	var dhSeedArr [32]byte
	copy(dhSeedArr[:], dhSeed)
	dh, err := x25519FromClampedSeed(dhSeedArr)
	if err != nil {
		return nil, err
	}

	edSeed, err := hkdfExpand(seed[:], ed25519DerivationInfo, ed25519.SeedSize)
	if err != nil {
		return nil, err
	}
	signPriv := ed25519.NewKeyFromSeed(edSeed)

	return &IdentityKeyPair{
		Seed:     seed,
		DH:       dh,
		SignPub:  signPriv.Public().(ed25519.PublicKey),
		signPriv: signPriv,
	}, nil
}

// Sign produces an Ed25519 signature over message using the identity's
// derived signing key.
func (ikp *IdentityKeyPair) Sign(message []byte) []byte {
	return ed25519.Sign(ikp.signPriv, message)
}

// VerifySignature checks an Ed25519 signature made by Sign. The
// signing public key cannot be derived from the DH public key alone -
// it is an independent HKDF expansion of the same seed - so pre-key
// bundles carry it explicitly and verification takes it as a
// parameter.
func VerifySignature(signPub ed25519.PublicKey, message, signature []byte) bool {
	return ed25519.Verify(signPub, message, signature)
}

// SerializePublic returns the 33-byte type-prefixed DH public key.
func (ikp *IdentityKeyPair) SerializePublic() []byte {
	return ikp.DH.SerializePublic()
}

// RegistrationID is a random per-identity value advertised alongside
// the identity key, used by peers to detect a reinstalled identity.
type RegistrationID uint32

// GenerateRegistrationID produces a random, non-zero registration ID.
func GenerateRegistrationID() (RegistrationID, error) {
	var buf [4]byte
	for {
		if _, err := rand.Read(buf[:]); err != nil {
			return 0, bridgeerr.KeyDerivation("failed to read random bytes for registration id", err)
		}
		id := binary.BigEndian.Uint32(buf[:])
		if id != 0 {
			return RegistrationID(id), nil
		}
	}
}

// OneTimePreKey is a single-use Curve25519 keypair consumed by exactly
// one incoming session establishment.
type OneTimePreKey struct {
	ID      uint32
	KeyPair *X25519KeyPair
}

// GenerateOneTimePreKeys produces count one-time pre-keys with
// sequential IDs starting at startID.
func GenerateOneTimePreKeys(startID uint32, count uint32) ([]*OneTimePreKey, error) {
	out := make([]*OneTimePreKey, 0, count)
	for i := uint32(0); i < count; i++ {
		kp, err := GenerateX25519KeyPair()
		if err != nil {
			return nil, err
		}
		out = append(out, &OneTimePreKey{ID: startID + i, KeyPair: kp})
	}
	return out, nil
}

// SignedPreKey is a medium-term Curve25519 keypair signed by the
// owning identity key, rotated periodically.
type SignedPreKey struct {
	ID        uint32
	KeyPair   *X25519KeyPair
	Signature []byte
	CreatedAt time.Time
}

// GenerateSignedPreKey creates a new signed pre-key and signs its
// public key with the given identity.
func GenerateSignedPreKey(id uint32, identity *IdentityKeyPair, createdAt time.Time) (*SignedPreKey, error) {
	kp, err := GenerateX25519KeyPair()
	if err != nil {
		return nil, err
	}
	sig := identity.Sign(kp.SerializePublic())
	return &SignedPreKey{ID: id, KeyPair: kp, Signature: sig, CreatedAt: createdAt}, nil
}

// IsExpired reports whether this signed pre-key is older than maxAge
// as of now.
func (spk *SignedPreKey) IsExpired(now time.Time, maxAge time.Duration) bool {
	return now.Sub(spk.CreatedAt) > maxAge
}

func hkdfExpand(ikm []byte, info string, length int) ([]byte, error) {
	hk := hkdf.New(sha256.New, ikm, nil, []byte(info))
	out := make([]byte, length)
	if _, err := hk.Read(out); err != nil {
		return nil, bridgeerr.KeyDerivation("hkdf expansion failed", err)
	}
	return out, nil
}
