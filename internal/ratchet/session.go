package ratchet

import (
	"github.com/radix-relay/bridge-core/internal/bridgeerr"
	"github.com/radix-relay/bridge-core/internal/keys"
)

// handshakeMaterial is the X3DH handshake data an initiator attaches
// to exactly its first outgoing message, so the responder can
// complete the handshake on their side.
type handshakeMaterial struct {
	RegistrationID   uint32
	DeviceID         uint32
	IdentityKey      []byte
	HasOneTimePreKey bool
	OneTimePreKeyID  uint32
	SignedPreKeyID   uint32
	PQPreKeyID       uint32
}

// Session runs the ratchet for one peer address. It is safe to
// serialize State separately from Session for storage; Session itself
// is the live, in-memory handle used during a single encrypt/decrypt
// call.
type Session struct {
	state            *State
	store            Store
	pendingHandshake *handshakeMaterial
}

// NewInitiatorSession builds the session state for the party that ran
// X3DH against a peer's bundle. sk is the classical X3DH shared
// secret; ownDHs/ownPQs are the keys the initiator will use for its
// first sending chain (ownDHs is the X3DH ephemeral keypair, ownPQs a
// freshly generated KEM keypair); peerDHPublic/peerPQPublic come from
// the peer's bundle (the signed pre-key and PQ pre-key respectively).
func NewInitiatorSession(sk []byte, ownDHs *keys.X25519KeyPair, ownPQs *keys.PQKeyPair, peerDHPublic, peerPQPublic [32]byte, handshake handshakeMaterial) (*Session, error) {
	state := &State{
		DHs: ownDHs,
		DHr: &peerDHPublic,
		PQs: ownPQs,
		PQr: &peerPQPublic,
		RK:  append(RootKey(nil), sk...),
	}
	if err := state.deriveInitialSendingChain(); err != nil {
		return nil, err
	}
	return &Session{
		state:            state,
		store:            newMemoryStore(),
		pendingHandshake: &handshake,
	}, nil
}

// NewResponderSession builds the session state for the party that
// received a prekey-message. sk is the same classical X3DH shared
// secret the initiator derived; ownDHs/ownPQs are the responder's own
// signed pre-key and PQ pre-key, reused as the initial ratchet
// keypairs exactly as the initiator's ephemeral keys were. The first
// decrypt on this session performs the first ratchet turn lazily,
// mirroring the initiator's deriveInitialSendingChain.
func NewResponderSession(sk []byte, ownDHs *keys.X25519KeyPair, ownPQs *keys.PQKeyPair) (*Session, error) {
	state := &State{
		DHs: ownDHs,
		PQs: ownPQs,
		RK:  append(RootKey(nil), sk...),
	}
	return &Session{
		state: state,
		store: newMemoryStore(),
	}, nil
}

// EncryptMessage advances the sending chain by one step and returns
// the wire-tagged ciphertext. The session's first call after
// NewInitiatorSession wraps the ciphertext in a prekey-message
// envelope carrying the handshake material; every subsequent call
// produces a regular-message envelope.
func (s *Session) EncryptMessage(plaintext []byte) ([]byte, error) {
	if s.state.CKs == nil {
		return nil, bridgeerr.Protocol("session has no sending chain established")
	}

	cks, mk := kdfChain(s.state.CKs)
	header := Header{
		DHPublic:     s.state.DHs.PublicKey,
		PQPublic:     s.state.PQs.PublicKey(),
		PQCiphertext: s.state.PQCiphertext,
		PN:           s.state.PN,
		N:            s.state.Ns,
	}
	aad := encodeHeaderForAAD(header)
	ciphertext, err := seal(mk, plaintext, aad)
	if err != nil {
		return nil, err
	}

	env := &regularEnvelope{Header: header, Ciphertext: ciphertext}
	s.state.CKs = cks
	s.state.Ns++

	if s.pendingHandshake != nil {
		h := s.pendingHandshake
		s.pendingHandshake = nil
		pk := &preKeyEnvelope{
			RegistrationID:   h.RegistrationID,
			DeviceID:         h.DeviceID,
			IdentityKey:      h.IdentityKey,
			HasOneTimePreKey: h.HasOneTimePreKey,
			OneTimePreKeyID:  h.OneTimePreKeyID,
			SignedPreKeyID:   h.SignedPreKeyID,
			PQPreKeyID:       h.PQPreKeyID,
			Inner:            *env,
		}
		return pk.encode(), nil
	}

	return encodeRegularMessage(env), nil
}

// DecryptMessage parses the wire tag and decrypts a regular-message
// envelope against this session. Callers must route prekey-message
// envelopes to CompletePreKeyMessage instead, since those bootstrap a
// brand new session rather than advancing an existing one.
func (s *Session) DecryptMessage(data []byte) ([]byte, error) {
	isPreKey, _, env, err := decodeTaggedMessage(data)
	if err != nil {
		return nil, err
	}
	if isPreKey {
		return nil, bridgeerr.Protocol("received a prekey-message on an established session")
	}
	return s.decryptEnvelope(env)
}

// decryptEnvelope implements the shared skip/ratchet/decrypt logic
// used both for a responder's first message (via CompletePreKeyMessage)
// and every later regular message.
func (s *Session) decryptEnvelope(env *regularEnvelope) ([]byte, error) {
	h := env.Header

	if mk, ok := s.store.LoadKey(h.N, h.DHPublic); ok {
		aad := encodeHeaderForAAD(h)
		plaintext, err := open(mk, env.Ciphertext, aad)
		if err != nil {
			return nil, err
		}
		s.store.DeleteKey(h.N, h.DHPublic)
		return plaintext, nil
	}

	tmp := s.state.Clone()

	if !headersMatch(h.DHPublic, tmp.DHr) {
		if tmp.DHr != nil {
			if err := tmp.skip(s.store, *tmp.DHr, h.PN); err != nil {
				return nil, err
			}
		}
		if err := tmp.ratchetTurn(&h); err != nil {
			return nil, err
		}
	}
	if err := tmp.skip(s.store, h.DHPublic, h.N); err != nil {
		return nil, err
	}

	var mk MessageKey
	tmp.CKr, mk = kdfChain(tmp.CKr)
	tmp.Nr++

	aad := encodeHeaderForAAD(h)
	plaintext, err := open(mk, env.Ciphertext, aad)
	if err != nil {
		return nil, err
	}

	s.state.wipe()
	s.state = tmp
	return plaintext, nil
}

// State returns the session's current ratchet state, for callers that
// need to persist it between process runs.
func (s *Session) State() *State {
	return s.state
}

// Resume rebuilds a session handle around previously persisted state,
// for the normal restart path once a session has already completed
// its handshake.
func Resume(state *State) *Session {
	return &Session{state: state, store: newMemoryStore()}
}

func encodeHeaderForAAD(h Header) []byte {
	out := make([]byte, 0, 32+32+len(h.PQCiphertext)+8)
	out = append(out, h.DHPublic[:]...)
	out = append(out, h.PQPublic[:]...)
	out = append(out, h.PQCiphertext...)
	return out
}
