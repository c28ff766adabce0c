package ratchet

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/radix-relay/bridge-core/internal/bridgeerr"
	"github.com/radix-relay/bridge-core/internal/keys"
)

func TestEstablishAndCompleteAgreeOnPlaintext(t *testing.T) {
	for _, withOTK := range []bool{true, false} {
		rm := newResponderMaterial(t, withOTK)
		initiator := newInitiatorSession(t, rm)

		first, err := initiator.EncryptMessage([]byte("hello responder"))
		require.NoError(t, err)

		lookup := &fakeLookup{rm: rm}
		result, err := CompletePreKeyMessage(rm.localIdentity(), lookup, first)
		require.NoError(t, err)
		assert.Equal(t, "hello responder", string(result.Plaintext))
		assert.Equal(t, withOTK, result.ConsumedPreKeyID != nil)
	}
}

func TestEstablishedSessionRoundTripsSubsequentMessages(t *testing.T) {
	rm := newResponderMaterial(t, false)
	initiator := newInitiatorSession(t, rm)

	first, err := initiator.EncryptMessage([]byte("msg-1"))
	require.NoError(t, err)
	lookup := &fakeLookup{rm: rm}
	result, err := CompletePreKeyMessage(rm.localIdentity(), lookup, first)
	require.NoError(t, err)
	assert.Equal(t, "msg-1", string(result.Plaintext))

	responder := result.Session

	reply, err := responder.EncryptMessage([]byte("msg-2 reply"))
	require.NoError(t, err)
	plaintext, err := initiator.DecryptMessage(reply)
	require.NoError(t, err)
	assert.Equal(t, "msg-2 reply", string(plaintext))

	second, err := initiator.EncryptMessage([]byte("msg-3"))
	require.NoError(t, err)
	plaintext, err = responder.DecryptMessage(second)
	require.NoError(t, err)
	assert.Equal(t, "msg-3", string(plaintext))
}

func TestRepeatedPlaintextProducesDistinctCiphertexts(t *testing.T) {
	rm := newResponderMaterial(t, false)
	initiator := newInitiatorSession(t, rm)

	first, err := initiator.EncryptMessage([]byte("same"))
	require.NoError(t, err)
	lookup := &fakeLookup{rm: rm}
	result, err := CompletePreKeyMessage(rm.localIdentity(), lookup, first)
	require.NoError(t, err)
	responder := result.Session

	a, err := responder.EncryptMessage([]byte("same"))
	require.NoError(t, err)
	b, err := responder.EncryptMessage([]byte("same"))
	require.NoError(t, err)
	assert.NotEqual(t, a, b)
}

func TestOutOfOrderMessagesStillDecrypt(t *testing.T) {
	rm := newResponderMaterial(t, false)
	initiator := newInitiatorSession(t, rm)

	first, err := initiator.EncryptMessage([]byte("msg-1"))
	require.NoError(t, err)
	lookup := &fakeLookup{rm: rm}
	result, err := CompletePreKeyMessage(rm.localIdentity(), lookup, first)
	require.NoError(t, err)
	responder := result.Session

	// Prime a receiving chain on the initiator first, so skip() has
	// something to advance past.
	primer, err := responder.EncryptMessage([]byte("primer"))
	require.NoError(t, err)
	_, err = initiator.DecryptMessage(primer)
	require.NoError(t, err)

	msgA, err := responder.EncryptMessage([]byte("a"))
	require.NoError(t, err)
	msgB, err := responder.EncryptMessage([]byte("b"))
	require.NoError(t, err)
	msgC, err := responder.EncryptMessage([]byte("c"))
	require.NoError(t, err)

	plaintextC, err := initiator.DecryptMessage(msgC)
	require.NoError(t, err)
	assert.Equal(t, "c", string(plaintextC))

	plaintextA, err := initiator.DecryptMessage(msgA)
	require.NoError(t, err)
	assert.Equal(t, "a", string(plaintextA))

	plaintextB, err := initiator.DecryptMessage(msgB)
	require.NoError(t, err)
	assert.Equal(t, "b", string(plaintextB))
}

func TestEstablishSessionRejectsBadSignedPreKeySignature(t *testing.T) {
	rm := newResponderMaterial(t, false)
	b := rm.bundle(t)
	b.SignedPreKeySignature[0] ^= 0xFF

	initiatorIdentity, err := keys.GenerateIdentityKeyPair()
	require.NoError(t, err)
	reg, err := keys.GenerateRegistrationID()
	require.NoError(t, err)
	local := &LocalIdentity{Identity: initiatorIdentity, RegistrationID: reg, DeviceID: 1}

	_, err = EstablishSession(local, b)
	require.Error(t, err)
	assert.True(t, bridgeerr.Is(err, bridgeerr.KindProtocol))
}

func TestEstablishSessionRejectsBadPQPreKeySignature(t *testing.T) {
	rm := newResponderMaterial(t, false)
	b := rm.bundle(t)
	b.PQPreKeySignature[0] ^= 0xFF

	initiatorIdentity, err := keys.GenerateIdentityKeyPair()
	require.NoError(t, err)
	reg, err := keys.GenerateRegistrationID()
	require.NoError(t, err)
	local := &LocalIdentity{Identity: initiatorIdentity, RegistrationID: reg, DeviceID: 1}

	_, err = EstablishSession(local, b)
	require.Error(t, err)
	assert.True(t, bridgeerr.Is(err, bridgeerr.KindProtocol))
}

func TestCompletePreKeyMessageRejectsConsumedOneTimePreKey(t *testing.T) {
	rm := newResponderMaterial(t, true)
	initiator := newInitiatorSession(t, rm)

	first, err := initiator.EncryptMessage([]byte("hello"))
	require.NoError(t, err)

	lookup := &fakeLookup{rm: rm}
	_, err = CompletePreKeyMessage(rm.localIdentity(), lookup, first)
	require.NoError(t, err)

	lookup.consumed = true

	second := newInitiatorSession(t, rm)
	replay, err := second.EncryptMessage([]byte("replay"))
	require.NoError(t, err)
	_, err = CompletePreKeyMessage(rm.localIdentity(), lookup, replay)
	require.Error(t, err)
	assert.True(t, bridgeerr.Is(err, bridgeerr.KindProtocol))
}

func TestDecryptMessageRejectsPreKeyEnvelope(t *testing.T) {
	rm := newResponderMaterial(t, false)
	initiator := newInitiatorSession(t, rm)

	first, err := initiator.EncryptMessage([]byte("hello"))
	require.NoError(t, err)
	lookup := &fakeLookup{rm: rm}
	result, err := CompletePreKeyMessage(rm.localIdentity(), lookup, first)
	require.NoError(t, err)

	_, err = result.Session.DecryptMessage(first)
	require.Error(t, err)
	assert.True(t, bridgeerr.Is(err, bridgeerr.KindProtocol))
}
