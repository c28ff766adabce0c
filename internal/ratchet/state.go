// Package ratchet runs the Double Ratchet session engine: the X3DH
// handshake that bootstraps a session from a peer's pre-key bundle,
// and the symmetric-key/DH ratchet (augmented with a post-quantum KEM
// layer on the root chain) that encrypts and decrypts messages within
// it.
//
// The ratchet mechanics are modeled closely on a from-scratch
// Double Ratchet implementation: a Ratchet/State/Store split, a
// skip() that queues out-of-order message keys, and a ratchet() that
// advances both the receiving and sending chains in one call. Every
// ratchet turn here additionally decapsulates and re-encapsulates a
// KEM shared secret alongside the Diffie-Hellman value, folding both
// into the root KDF.
package ratchet

import (
	"crypto/hmac"
	"crypto/sha256"

	"golang.org/x/crypto/chacha20poly1305"
	"golang.org/x/crypto/hkdf"

	"github.com/radix-relay/bridge-core/internal/bridgeerr"
	"github.com/radix-relay/bridge-core/internal/keys"
)

const (
	rootKDFInfo    = "radix-bridge-root-ratchet"
	messageKDFInfo = "radix-bridge-message-keys"
)

// RootKey, ChainKey and MessageKey are always 32 bytes, kept as slices
// rather than arrays so they can be wiped in place when a session is
// torn down.
type RootKey []byte
type ChainKey []byte
type MessageKey []byte

// Header travels alongside every ciphertext, carrying the ratchet
// public keys needed to advance the receiver's state.
type Header struct {
	DHPublic     [32]byte
	PQPublic     [32]byte
	PQCiphertext []byte // 32 bytes, the sender's KEM encapsulation to the receiver's previous PQ public key
	PN           uint32 // length of the previous sending chain
	N            uint32 // message number within the current sending chain
}

// State is the mutable ratchet state for one session, one direction
// pair.
type State struct {
	DHs *keys.X25519KeyPair // our current sending ratchet keypair
	DHr *[32]byte           // peer's current ratchet public key, nil until learned

	PQs *keys.PQKeyPair // our current sending PQ keypair
	PQr *[32]byte       // peer's current PQ public key, nil until learned

	RK  RootKey
	CKs ChainKey
	CKr ChainKey

	Ns, Nr, PN uint32

	// PQCiphertext is attached to every header sent on the current
	// sending chain; it is the encapsulation to the peer's PQ public
	// key computed the last time we ran the sending half of a ratchet
	// turn.
	PQCiphertext []byte
}

// Clone performs a deep copy of the state, used to stage a tentative
// ratchet advance that is only committed once decryption succeeds.
func (s *State) Clone() *State {
	clone := &State{
		RK:           append(RootKey(nil), s.RK...),
		CKs:          append(ChainKey(nil), s.CKs...),
		CKr:          append(ChainKey(nil), s.CKr...),
		Ns:           s.Ns,
		Nr:           s.Nr,
		PN:           s.PN,
		PQCiphertext: append([]byte(nil), s.PQCiphertext...),
	}
	if s.DHs != nil {
		dhs := *s.DHs
		clone.DHs = &dhs
	}
	if s.DHr != nil {
		dhr := *s.DHr
		clone.DHr = &dhr
	}
	clone.PQs = s.PQs
	if s.PQr != nil {
		pqr := *s.PQr
		clone.PQr = &pqr
	}
	return clone
}

func (s *State) wipe() {
	wipeBytes(s.RK)
	wipeBytes(s.CKs)
	wipeBytes(s.CKr)
	if s.DHs != nil {
		wipeArray(&s.DHs.PrivateKey)
	}
}

func wipeBytes(b []byte) {
	for i := range b {
		b[i] = 0
	}
}

func wipeArray(a *[32]byte) {
	for i := range a {
		a[i] = 0
	}
}

// kdfRootChain applies HKDF keyed by the current root key to a
// Diffie-Hellman value concatenated with a KEM shared secret, and
// returns the next (root key, chain key) pair.
func kdfRootChain(rk RootKey, dh []byte, pqShared []byte) (RootKey, ChainKey, error) {
	combined := make([]byte, 0, len(dh)+len(pqShared))
	combined = append(combined, dh...)
	combined = append(combined, pqShared...)

	r := hkdf.New(sha256.New, combined, rk, []byte(rootKDFInfo))
	buf := make([]byte, 64)
	if _, err := readFull(r, buf); err != nil {
		return nil, nil, bridgeerr.KeyDerivation("failed to derive root/chain key", err)
	}
	return buf[0:32:32], buf[32:64:64], nil
}

// kdfChain applies HMAC-SHA256 keyed by the chain key to two fixed
// constants, returning the next chain key and a message key.
func kdfChain(ck ChainKey) (ChainKey, MessageKey) {
	h := hmac.New(sha256.New, ck)

	const (
		chainConst   = 0x02
		messageConst = 0x01
	)

	h.Write([]byte{chainConst})
	nextCK := h.Sum(nil)

	h.Reset()
	h.Write([]byte{messageConst})
	mk := h.Sum(nil)

	return nextCK, mk
}

// deriveAEAD expands a message key into an XChaCha20-Poly1305 key and
// nonce.
func deriveAEAD(mk MessageKey) (key, nonce []byte, err error) {
	const (
		keyLen   = chacha20poly1305.KeySize
		nonceLen = chacha20poly1305.NonceSizeX
	)
	buf := make([]byte, keyLen+nonceLen)
	r := hkdf.New(sha256.New, mk, nil, []byte(messageKDFInfo))
	if _, err := readFull(r, buf); err != nil {
		return nil, nil, bridgeerr.KeyDerivation("failed to derive message aead key", err)
	}
	return buf[0:keyLen:keyLen], buf[keyLen : keyLen+nonceLen : keyLen+nonceLen], nil
}

func seal(mk MessageKey, plaintext, additionalData []byte) ([]byte, error) {
	key, nonce, err := deriveAEAD(mk)
	if err != nil {
		return nil, err
	}
	aead, err := chacha20poly1305.NewX(key)
	if err != nil {
		return nil, bridgeerr.Protocol("failed to construct aead cipher")
	}
	return aead.Seal(nil, nonce, plaintext, additionalData), nil
}

func open(mk MessageKey, ciphertext, additionalData []byte) ([]byte, error) {
	key, nonce, err := deriveAEAD(mk)
	if err != nil {
		return nil, err
	}
	aead, err := chacha20poly1305.NewX(key)
	if err != nil {
		return nil, bridgeerr.Protocol("failed to construct aead cipher")
	}
	plaintext, err := aead.Open(nil, nonce, ciphertext, additionalData)
	if err != nil {
		return nil, bridgeerr.Protocol("message authentication failed")
	}
	return plaintext, nil
}

// skip advances the receiving chain up to, but not including,
// message number until, stashing every skipped message key in store
// so an out-of-order message can still be decrypted later.
func (s *State) skip(store Store, peer [32]byte, until uint32) error {
	if s.CKr == nil {
		return nil
	}
	if until-s.Nr > maxSkippedMessages {
		return bridgeerr.Protocol("refusing to skip an implausibly large number of messages")
	}
	for s.Nr < until {
		var mk MessageKey
		s.CKr, mk = kdfChain(s.CKr)
		if err := store.StoreKey(s.Nr, peer, mk); err != nil {
			return bridgeerr.Storage("failed to store skipped message key", err)
		}
		s.Nr++
	}
	return nil
}

const maxSkippedMessages = 1000

// ratchetTurn advances both halves of the ratchet: it folds the
// incoming header's DH and KEM material into the receiving chain,
// then generates fresh DH and KEM keypairs for our own next sending
// chain.
func (s *State) ratchetTurn(h *Header) error {
	s.PN = s.Ns
	s.Ns = 0
	s.Nr = 0

	peerDH := h.DHPublic
	peerPQ := h.PQPublic
	s.DHr = &peerDH
	s.PQr = &peerPQ

	dh, err := s.DHs.SharedSecret(peerDH)
	if err != nil {
		return err
	}
	pqShared, err := s.PQs.Decapsulate(h.PQCiphertext)
	if err != nil {
		return bridgeerr.Protocol("failed to decapsulate peer's kem ciphertext")
	}
	s.RK, s.CKr, err = kdfRootChain(s.RK, dh, pqShared)
	if err != nil {
		return err
	}

	newDHs, err := keys.GenerateX25519KeyPair()
	if err != nil {
		return err
	}
	newPQs, err := keys.GeneratePQKeyPair()
	if err != nil {
		return err
	}
	s.DHs = newDHs
	s.PQs = newPQs

	dh2, err := s.DHs.SharedSecret(*s.DHr)
	if err != nil {
		return err
	}
	ciphertext2, pqShared2, err := keys.Encapsulate(*s.PQr)
	if err != nil {
		return err
	}
	s.RK, s.CKs, err = kdfRootChain(s.RK, dh2, pqShared2)
	if err != nil {
		return err
	}
	s.PQCiphertext = ciphertext2

	return nil
}

// deriveInitialSendingChain runs only the second half of ratchetTurn,
// used by the session initiator right after X3DH: the initiator's
// sending ratchet keypair and the peer's DH/PQ public keys are already
// known from the bundle, so there is nothing to decapsulate yet.
func (s *State) deriveInitialSendingChain() error {
	dh, err := s.DHs.SharedSecret(*s.DHr)
	if err != nil {
		return err
	}
	ciphertext, pqShared, err := keys.Encapsulate(*s.PQr)
	if err != nil {
		return err
	}
	s.RK, s.CKs, err = kdfRootChain(s.RK, dh, pqShared)
	if err != nil {
		return err
	}
	s.PQCiphertext = ciphertext
	return nil
}

// Serialize produces a deterministic byte encoding of the state, the
// form stored in the sessions table's serialized_blob column.
func (s *State) Serialize() []byte {
	var buf []byte
	buf = appendLP(buf, s.DHs.PrivateKey[:])
	buf = appendLP(buf, s.DHs.PublicKey[:])
	buf = appendOptional32(buf, s.DHr)

	pqPriv := s.PQs.Serialize()
	buf = appendLP(buf, pqPriv)
	buf = appendOptional32(buf, s.PQr)

	buf = appendLP(buf, s.RK)
	buf = appendLP(buf, s.CKs)
	buf = appendLP(buf, s.CKr)
	buf = appendU32(buf, s.Ns)
	buf = appendU32(buf, s.Nr)
	buf = appendU32(buf, s.PN)
	buf = appendLP(buf, s.PQCiphertext)
	return buf
}

// DeserializeState reverses Serialize.
func DeserializeState(data []byte) (*State, error) {
	r := &byteCursor{data: data}

	dhPriv, err := r.readLP()
	if err != nil {
		return nil, bridgeerr.Serialization("failed to read ratchet dh private key", err)
	}
	dhPub, err := r.readLP()
	if err != nil {
		return nil, bridgeerr.Serialization("failed to read ratchet dh public key", err)
	}
	if len(dhPriv) != 32 || len(dhPub) != 32 {
		return nil, bridgeerr.Serialization("ratchet dh keys have the wrong length", nil)
	}
	dhs := &keys.X25519KeyPair{}
	copy(dhs.PrivateKey[:], dhPriv)
	copy(dhs.PublicKey[:], dhPub)

	dhr, err := r.readOptional32()
	if err != nil {
		return nil, err
	}

	pqPriv, err := r.readLP()
	if err != nil {
		return nil, bridgeerr.Serialization("failed to read ratchet pq private key", err)
	}
	pqs, err := keys.DeserializePQKeyPair(pqPriv)
	if err != nil {
		return nil, err
	}

	pqr, err := r.readOptional32()
	if err != nil {
		return nil, err
	}

	rk, err := r.readLP()
	if err != nil {
		return nil, bridgeerr.Serialization("failed to read root key", err)
	}
	cks, err := r.readLP()
	if err != nil {
		return nil, bridgeerr.Serialization("failed to read sending chain key", err)
	}
	ckr, err := r.readLP()
	if err != nil {
		return nil, bridgeerr.Serialization("failed to read receiving chain key", err)
	}
	ns, err := r.readU32()
	if err != nil {
		return nil, bridgeerr.Serialization("failed to read Ns", err)
	}
	nr, err := r.readU32()
	if err != nil {
		return nil, bridgeerr.Serialization("failed to read Nr", err)
	}
	pn, err := r.readU32()
	if err != nil {
		return nil, bridgeerr.Serialization("failed to read PN", err)
	}
	pqCiphertext, err := r.readLP()
	if err != nil {
		return nil, bridgeerr.Serialization("failed to read pq ciphertext", err)
	}
	if !r.done() {
		return nil, bridgeerr.Serialization("trailing bytes after serialized ratchet state", nil)
	}

	return &State{
		DHs:          dhs,
		DHr:          dhr,
		PQs:          pqs,
		PQr:          pqr,
		RK:           rk,
		CKs:          cks,
		CKr:          ckr,
		Ns:           ns,
		Nr:           nr,
		PN:           pn,
		PQCiphertext: pqCiphertext,
	}, nil
}

func headersMatch(a [32]byte, b *[32]byte) bool {
	if b == nil {
		return false
	}
	return hmac.Equal(a[:], b[:])
}

type byteReader interface {
	Read([]byte) (int, error)
}

func readFull(r byteReader, buf []byte) (int, error) {
	total := 0
	for total < len(buf) {
		n, err := r.Read(buf[total:])
		total += n
		if err != nil {
			return total, err
		}
	}
	return total, nil
}
