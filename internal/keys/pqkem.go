package keys

import (
	"crypto/sha256"
	"time"

	"golang.org/x/crypto/hkdf"

	"github.com/radix-relay/bridge-core/internal/bridgeerr"
)

// PQKeyPair is a post-quantum key-encapsulation keypair. No
// standardized, audited Kyber implementation exists in this module's
// dependency set yet, so this wraps a second, independent X25519
// exchange behind a KEM-shaped interface (Encapsulate/Decapsulate)
// rather than a plain DH call. Swapping in CRYSTALS-Kyber later only
// touches this file: callers already speak encapsulate/decapsulate,
// not Diffie-Hellman.
type PQKeyPair struct {
	dh *X25519KeyPair
}

// GeneratePQKeyPair creates a new post-quantum pre-key material pair.
func GeneratePQKeyPair() (*PQKeyPair, error) {
	dh, err := GenerateX25519KeyPair()
	if err != nil {
		return nil, err
	}
	return &PQKeyPair{dh: dh}, nil
}

// PublicKey returns the 32-byte public encapsulation key.
func (pq *PQKeyPair) PublicKey() [32]byte {
	return pq.dh.PublicKey
}

// Serialize returns the 32-byte private scalar backing this KEM
// keypair, for storage alongside the rest of a session's ratchet
// state.
func (pq *PQKeyPair) Serialize() []byte {
	return pq.dh.PrivateKey[:]
}

// DeserializePQKeyPair rebuilds a PQKeyPair from the 32-byte private
// scalar produced by Serialize.
func DeserializePQKeyPair(priv []byte) (*PQKeyPair, error) {
	if len(priv) != 32 {
		return nil, bridgeerr.InvalidInput("pq keypair private scalar must be 32 bytes")
	}
	var seed [32]byte
	copy(seed[:], priv)
	dh, err := x25519FromClampedSeed(seed)
	if err != nil {
		return nil, err
	}
	return &PQKeyPair{dh: dh}, nil
}

// Encapsulate generates a fresh ephemeral keypair, performs the
// exchange against peerPublic, and returns the ciphertext (the
// ephemeral public key) to send alongside the derived 32-byte shared
// secret. This is the sender/initiator side of the KEM.
func Encapsulate(peerPublic [32]byte) (ciphertext []byte, sharedSecret []byte, err error) {
	ephemeral, err := GenerateX25519KeyPair()
	if err != nil {
		return nil, nil, err
	}
	raw, err := ephemeral.SharedSecret(peerPublic)
	if err != nil {
		return nil, nil, err
	}
	secret, err := kemDeriveSecret(raw)
	if err != nil {
		return nil, nil, err
	}
	return ephemeral.PublicKey[:], secret, nil
}

// Decapsulate recovers the shared secret from a ciphertext produced by
// Encapsulate, using this keypair's private key. This is the
// receiver/responder side of the KEM.
func (pq *PQKeyPair) Decapsulate(ciphertext []byte) ([]byte, error) {
	if len(ciphertext) != 32 {
		return nil, bridgeerr.InvalidInput("pq kem ciphertext must be 32 bytes")
	}
	var peerEphemeral [32]byte
	copy(peerEphemeral[:], ciphertext)

	raw, err := pq.dh.SharedSecret(peerEphemeral)
	if err != nil {
		return nil, err
	}
	return kemDeriveSecret(raw)
}

func kemDeriveSecret(raw []byte) ([]byte, error) {
	hk := hkdf.New(sha256.New, raw, nil, []byte("radix-bridge-pq-kem"))
	out := make([]byte, 32)
	if _, err := hk.Read(out); err != nil {
		return nil, bridgeerr.KeyDerivation("failed to derive pq kem shared secret", err)
	}
	return out, nil
}

// PQPreKey is a medium-term post-quantum pre-key, signed by the owning
// identity the same way a SignedPreKey is, and rotated on the same
// schedule.
type PQPreKey struct {
	ID        uint32
	KeyPair   *PQKeyPair
	Signature []byte
	CreatedAt time.Time
}

// GeneratePQPreKey creates a new post-quantum pre-key and signs its
// public encapsulation key with the given identity.
func GeneratePQPreKey(id uint32, identity *IdentityKeyPair, createdAt time.Time) (*PQPreKey, error) {
	kp, err := GeneratePQKeyPair()
	if err != nil {
		return nil, err
	}
	pub := kp.PublicKey()
	sig := identity.Sign(pub[:])
	return &PQPreKey{ID: id, KeyPair: kp, Signature: sig, CreatedAt: createdAt}, nil
}

// IsExpired reports whether this pre-key is older than maxAge as of
// now.
func (pq *PQPreKey) IsExpired(now time.Time, maxAge time.Duration) bool {
	return now.Sub(pq.CreatedAt) > maxAge
}
