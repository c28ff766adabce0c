// Package bundle encodes and decodes pre-key bundles: the binary
// record a peer publishes so others can start a session with them
// without either party being online at the same time.
package bundle

import (
	"bytes"
	"crypto/ed25519"
	"encoding/base64"
	"encoding/binary"
	"io"

	"github.com/radix-relay/bridge-core/internal/bridgeerr"
)

// identityKeyLen is the length of the IdentityKey field: a 33-byte
// type-prefixed X25519 public key followed by a 32-byte Ed25519
// signing public key. The wire format's identity_key field is
// declared as an opaque length-prefixed byte string; this module
// chooses to carry both public keys in it, since a pre-key bundle is
// the only place a peer ever learns the signing key that validates
// the very signatures the bundle carries.
const identityKeyLen = 33 + ed25519.PublicKeySize

// IdentityKey bundles an identity's Diffie-Hellman public key with its
// independent Ed25519 signing public key.
type IdentityKey struct {
	DHPublic []byte // 33-byte type-prefixed X25519 public key
	SignPub  ed25519.PublicKey
}

// Encode serializes the identity key as the 65-byte blob carried in a
// bundle's identity_key field.
func (ik *IdentityKey) Encode() ([]byte, error) {
	if len(ik.DHPublic) != 33 {
		return nil, bridgeerr.InvalidInput("identity DH public key must be 33 bytes")
	}
	if len(ik.SignPub) != ed25519.PublicKeySize {
		return nil, bridgeerr.InvalidInput("identity signing public key has the wrong length")
	}
	out := make([]byte, 0, identityKeyLen)
	out = append(out, ik.DHPublic...)
	out = append(out, ik.SignPub...)
	return out, nil
}

// DecodeIdentityKey parses the 65-byte identity_key blob back into its
// two public keys.
func DecodeIdentityKey(raw []byte) (*IdentityKey, error) {
	if len(raw) != identityKeyLen {
		return nil, bridgeerr.Serialization("identity key field has the wrong length", nil)
	}
	ik := &IdentityKey{
		DHPublic: append([]byte(nil), raw[:33]...),
		SignPub:  ed25519.PublicKey(append([]byte(nil), raw[33:]...)),
	}
	return ik, nil
}

// Bundle is the decoded form of a pre-key bundle, carrying everything
// needed to run X3DH against its owner.
type Bundle struct {
	RegistrationID uint32
	DeviceID       uint32

	HasOneTimePreKey bool
	PreKeyID         uint32
	PreKeyPublic     []byte // 33-byte type-prefixed X25519 public key

	SignedPreKeyID        uint32
	SignedPreKeyPublic    []byte // 33-byte type-prefixed X25519 public key
	SignedPreKeySignature []byte

	IdentityKey []byte // 65-byte blob, see IdentityKey

	PQPreKeyID        uint32
	PQPreKeyPublic    []byte // 32-byte raw KEM public key
	PQPreKeySignature []byte
}

// Encode produces the canonical deterministic byte encoding of a
// bundle: any two bundles with equal logical content encode to
// identical bytes.
func (b *Bundle) Encode() ([]byte, error) {
	var buf bytes.Buffer

	writeU32(&buf, b.RegistrationID)
	writeU32(&buf, b.DeviceID)

	if b.HasOneTimePreKey {
		buf.WriteByte(1)
		writeU32(&buf, b.PreKeyID)
		if err := writeBytes(&buf, b.PreKeyPublic); err != nil {
			return nil, err
		}
	} else {
		buf.WriteByte(0)
	}

	writeU32(&buf, b.SignedPreKeyID)
	if err := writeBytes(&buf, b.SignedPreKeyPublic); err != nil {
		return nil, err
	}
	if err := writeBytes(&buf, b.SignedPreKeySignature); err != nil {
		return nil, err
	}
	if err := writeBytes(&buf, b.IdentityKey); err != nil {
		return nil, err
	}

	writeU32(&buf, b.PQPreKeyID)
	if err := writeBytes(&buf, b.PQPreKeyPublic); err != nil {
		return nil, err
	}
	if err := writeBytes(&buf, b.PQPreKeySignature); err != nil {
		return nil, err
	}

	return buf.Bytes(), nil
}

// Decode parses a bundle from its canonical byte encoding.
func Decode(data []byte) (*Bundle, error) {
	r := bytes.NewReader(data)
	b := &Bundle{}

	var err error
	if b.RegistrationID, err = readU32(r); err != nil {
		return nil, bridgeerr.Serialization("failed to read registration id", err)
	}
	if b.DeviceID, err = readU32(r); err != nil {
		return nil, bridgeerr.Serialization("failed to read device id", err)
	}

	hasOTK, err := r.ReadByte()
	if err != nil {
		return nil, bridgeerr.Serialization("failed to read one-time prekey flag", err)
	}
	switch hasOTK {
	case 0:
		b.HasOneTimePreKey = false
	case 1:
		b.HasOneTimePreKey = true
		if b.PreKeyID, err = readU32(r); err != nil {
			return nil, bridgeerr.Serialization("failed to read pre_key_id", err)
		}
		if b.PreKeyPublic, err = readBytes(r); err != nil {
			return nil, bridgeerr.Serialization("failed to read pre_key_public", err)
		}
	default:
		return nil, bridgeerr.Serialization("invalid one-time prekey flag", nil)
	}

	if b.SignedPreKeyID, err = readU32(r); err != nil {
		return nil, bridgeerr.Serialization("failed to read signed_pre_key_id", err)
	}
	if b.SignedPreKeyPublic, err = readBytes(r); err != nil {
		return nil, bridgeerr.Serialization("failed to read signed_pre_key_public", err)
	}
	if b.SignedPreKeySignature, err = readBytes(r); err != nil {
		return nil, bridgeerr.Serialization("failed to read signed_pre_key_signature", err)
	}
	if b.IdentityKey, err = readBytes(r); err != nil {
		return nil, bridgeerr.Serialization("failed to read identity_key", err)
	}

	if b.PQPreKeyID, err = readU32(r); err != nil {
		return nil, bridgeerr.Serialization("failed to read pq_pre_key_id", err)
	}
	if b.PQPreKeyPublic, err = readBytes(r); err != nil {
		return nil, bridgeerr.Serialization("failed to read pq_pre_key_public", err)
	}
	if b.PQPreKeySignature, err = readBytes(r); err != nil {
		return nil, bridgeerr.Serialization("failed to read pq_pre_key_signature", err)
	}

	if r.Len() != 0 {
		return nil, bridgeerr.Serialization("trailing bytes after bundle", nil)
	}

	return b, nil
}

// EncodeBase64 encodes the bundle and base64-encodes the result for
// transport boundaries that prefer text.
func (b *Bundle) EncodeBase64() (string, error) {
	raw, err := b.Encode()
	if err != nil {
		return "", err
	}
	return base64.StdEncoding.EncodeToString(raw), nil
}

// DecodeBase64 reverses EncodeBase64.
func DecodeBase64(encoded string) (*Bundle, error) {
	raw, err := base64.StdEncoding.DecodeString(encoded)
	if err != nil {
		return nil, bridgeerr.Serialization("failed to base64-decode bundle", err)
	}
	return Decode(raw)
}

func writeU32(buf *bytes.Buffer, v uint32) {
	var tmp [4]byte
	binary.BigEndian.PutUint32(tmp[:], v)
	buf.Write(tmp[:])
}

func readU32(r *bytes.Reader) (uint32, error) {
	var tmp [4]byte
	if _, err := io.ReadFull(r, tmp[:]); err != nil {
		return 0, err
	}
	return binary.BigEndian.Uint32(tmp[:]), nil
}

func writeBytes(buf *bytes.Buffer, v []byte) error {
	writeU32(buf, uint32(len(v)))
	buf.Write(v)
	return nil
}

func readBytes(r *bytes.Reader) ([]byte, error) {
	length, err := readU32(r)
	if err != nil {
		return nil, err
	}
	out := make([]byte, length)
	if _, err := io.ReadFull(r, out); err != nil {
		return nil, err
	}
	return out, nil
}
