package ratchet

import (
	"crypto/sha256"

	"golang.org/x/crypto/hkdf"

	"github.com/radix-relay/bridge-core/internal/bridgeerr"
	"github.com/radix-relay/bridge-core/internal/bundle"
	"github.com/radix-relay/bridge-core/internal/keys"
)

const x3dhInfo = "X3DH"

// LocalIdentity bundles the caller's long-term keys needed to run
// either side of X3DH.
type LocalIdentity struct {
	Identity       *keys.IdentityKeyPair
	RegistrationID keys.RegistrationID
	DeviceID       uint32
}

// EstablishSession runs X3DH against a peer's pre-key bundle and
// returns a session ready to encrypt the first outgoing message. It
// validates the bundle's signed pre-key and PQ pre-key signatures
// against the identity key carried in the bundle before doing any key
// derivation.
func EstablishSession(local *LocalIdentity, peerBundle *bundle.Bundle) (*Session, error) {
	peerIK, err := bundle.DecodeIdentityKey(peerBundle.IdentityKey)
	if err != nil {
		return nil, err
	}

	if !keys.VerifySignature(peerIK.SignPub, peerBundle.SignedPreKeyPublic, peerBundle.SignedPreKeySignature) {
		return nil, bridgeerr.Protocol("signed pre-key signature verification failed")
	}
	if !keys.VerifySignature(peerIK.SignPub, peerBundle.PQPreKeyPublic, peerBundle.PQPreKeySignature) {
		return nil, bridgeerr.Protocol("pq pre-key signature verification failed")
	}

	peerIdentityDH, err := keys.DeserializePublicKey(peerIK.DHPublic)
	if err != nil {
		return nil, err
	}
	peerSignedPreKey, err := keys.DeserializePublicKey(peerBundle.SignedPreKeyPublic)
	if err != nil {
		return nil, err
	}

	var peerOneTimePreKey *[32]byte
	if peerBundle.HasOneTimePreKey {
		otk, err := keys.DeserializePublicKey(peerBundle.PreKeyPublic)
		if err != nil {
			return nil, err
		}
		peerOneTimePreKey = &otk
	}

	if len(peerBundle.PQPreKeyPublic) != 32 {
		return nil, bridgeerr.Serialization("pq pre-key public has the wrong length", nil)
	}
	var peerPQPublic [32]byte
	copy(peerPQPublic[:], peerBundle.PQPreKeyPublic)

	ephemeral, err := keys.GenerateX25519KeyPair()
	if err != nil {
		return nil, err
	}

	dh1, err := local.Identity.DH.SharedSecret(peerSignedPreKey)
	if err != nil {
		return nil, err
	}
	dh2, err := ephemeral.SharedSecret(peerIdentityDH)
	if err != nil {
		return nil, err
	}
	dh3, err := ephemeral.SharedSecret(peerSignedPreKey)
	if err != nil {
		return nil, err
	}

	ikm := make([]byte, 0, 32*4)
	ikm = append(ikm, dh1...)
	ikm = append(ikm, dh2...)
	ikm = append(ikm, dh3...)
	if peerOneTimePreKey != nil {
		dh4, err := ephemeral.SharedSecret(*peerOneTimePreKey)
		if err != nil {
			return nil, err
		}
		ikm = append(ikm, dh4...)
	}

	sk, err := x3dhDeriveSharedSecret(ikm)
	if err != nil {
		return nil, err
	}

	ownPQ, err := keys.GeneratePQKeyPair()
	if err != nil {
		return nil, err
	}

	localIdentityKey := &bundle.IdentityKey{
		DHPublic: local.Identity.SerializePublic(),
		SignPub:  local.Identity.SignPub,
	}
	localIdentityKeyBytes, err := localIdentityKey.Encode()
	if err != nil {
		return nil, err
	}

	handshake := handshakeMaterial{
		RegistrationID:   uint32(local.RegistrationID),
		DeviceID:         local.DeviceID,
		IdentityKey:      localIdentityKeyBytes,
		HasOneTimePreKey: peerOneTimePreKey != nil,
		SignedPreKeyID:   peerBundle.SignedPreKeyID,
		PQPreKeyID:       peerBundle.PQPreKeyID,
	}
	if peerOneTimePreKey != nil {
		handshake.OneTimePreKeyID = peerBundle.PreKeyID
	}

	return NewInitiatorSession(sk, ephemeral, ownPQ, peerSignedPreKey, peerPQPublic, handshake)
}

// PreKeyLookup resolves the local pre-keys a responder needs to
// complete a handshake referencing specific key ids.
type PreKeyLookup interface {
	SignedPreKeyByID(id uint32) (*keys.SignedPreKey, error)
	PQPreKeyByID(id uint32) (*keys.PQPreKey, error)
	OneTimePreKeyByID(id uint32) (*keys.OneTimePreKey, bool, error)
}

// CompleteResult reports the outcome of processing an incoming
// prekey-message.
type CompleteResult struct {
	Session          *Session
	Plaintext        []byte
	ConsumedPreKeyID *uint32
	PeerIdentityKey  []byte // 65-byte blob from the initiator's handshake material
}

// CompletePreKeyMessage builds a responder session from an incoming
// prekey-message and decrypts its first regular envelope in the same
// step, since the first ratchet turn and the first decrypt are one
// atomic operation.
func CompletePreKeyMessage(local *LocalIdentity, lookup PreKeyLookup, data []byte) (*CompleteResult, error) {
	isPreKey, pk, _, err := decodeTaggedMessage(data)
	if err != nil {
		return nil, err
	}
	if !isPreKey {
		return nil, bridgeerr.Protocol("expected a prekey-message envelope")
	}

	signedPreKey, err := lookup.SignedPreKeyByID(pk.SignedPreKeyID)
	if err != nil {
		return nil, err
	}
	pqPreKey, err := lookup.PQPreKeyByID(pk.PQPreKeyID)
	if err != nil {
		return nil, err
	}

	var consumedID *uint32
	if pk.HasOneTimePreKey {
		otk, found, err := lookup.OneTimePreKeyByID(pk.OneTimePreKeyID)
		if err != nil {
			return nil, err
		}
		if !found {
			return nil, bridgeerr.Protocol("referenced one-time pre-key not found; bundle already consumed")
		}
		id := pk.OneTimePreKeyID
		consumedID = &id
		_ = otk // the caller deletes the consumed key from storage after a successful decrypt
	}

	peerIK, err := bundle.DecodeIdentityKey(pk.IdentityKey)
	if err != nil {
		return nil, err
	}
	peerIdentityDH, err := keys.DeserializePublicKey(peerIK.DHPublic)
	if err != nil {
		return nil, err
	}
	peerEphemeral := pk.Inner.Header.DHPublic

	dh1, err := signedPreKey.KeyPair.SharedSecret(peerIdentityDH)
	if err != nil {
		return nil, err
	}
	dh2, err := local.Identity.DH.SharedSecret(peerEphemeral)
	if err != nil {
		return nil, err
	}
	dh3, err := signedPreKey.KeyPair.SharedSecret(peerEphemeral)
	if err != nil {
		return nil, err
	}

	ikm := make([]byte, 0, 32*4)
	ikm = append(ikm, dh1...)
	ikm = append(ikm, dh2...)
	ikm = append(ikm, dh3...)
	if pk.HasOneTimePreKey {
		otk, _, err := lookup.OneTimePreKeyByID(pk.OneTimePreKeyID)
		if err != nil {
			return nil, err
		}
		dh4, err := otk.KeyPair.SharedSecret(peerEphemeral)
		if err != nil {
			return nil, err
		}
		ikm = append(ikm, dh4...)
	}

	sk, err := x3dhDeriveSharedSecret(ikm)
	if err != nil {
		return nil, err
	}

	session, err := NewResponderSession(sk, signedPreKey.KeyPair, pqPreKey.KeyPair)
	if err != nil {
		return nil, err
	}

	plaintext, err := session.decryptEnvelope(&pk.Inner)
	if err != nil {
		return nil, err
	}

	return &CompleteResult{
		Session:          session,
		Plaintext:        plaintext,
		ConsumedPreKeyID: consumedID,
		PeerIdentityKey:  pk.IdentityKey,
	}, nil
}

func x3dhDeriveSharedSecret(ikm []byte) ([]byte, error) {
	r := hkdf.New(sha256.New, ikm, nil, []byte(x3dhInfo))
	sk := make([]byte, 32)
	if _, err := readFull(r, sk); err != nil {
		return nil, bridgeerr.KeyDerivation("x3dh shared secret derivation failed", err)
	}
	return sk, nil
}
