package bridge

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func newTestBridge(t *testing.T) *Bridge {
	t.Helper()
	b, err := New(":memory:")
	require.NoError(t, err)
	t.Cleanup(func() { _ = b.Close() })
	return b
}

// TestFreshBridgeHasFingerprintAndInventory covers invariant 1 and 3:
// a constant-shaped RDX fingerprint and the bootstrap key counts.
func TestFreshBridgeHasFingerprintAndInventory(t *testing.T) {
	b := newTestBridge(t)

	fp := b.Fingerprint()
	assert.Len(t, fp, 68)
	assert.Equal(t, "RDX:", fp[:4])

	oneTime, signed, pq := b.inventory()
	assert.Equal(t, 10, oneTime)
	assert.Equal(t, 1, signed)
	assert.Equal(t, 1, pq)
}

// TestS1HelloBobRoundTripsAndConsumesPreKey is scenario S1: Bob
// generates a bundle, Alice establishes a session from it and sends a
// message, Bob decrypts it with a republish signal set, and the
// consumed one-time pre-key is gone and the inventory replenished.
func TestS1HelloBobRoundTripsAndConsumesPreKey(t *testing.T) {
	alice := newTestBridge(t)
	bob := newTestBridge(t)

	bobBundle, err := bob.GeneratePreKeyBundle()
	require.NoError(t, err)

	changed, err := alice.EstablishSession(bob.Fingerprint(), bobBundle)
	require.NoError(t, err)
	assert.False(t, changed)

	ciphertext, err := alice.EncryptMessage(bob.Fingerprint(), []byte("Hello, Bob!"))
	require.NoError(t, err)

	result, err := bob.DecryptMessage(alice.Fingerprint(), ciphertext)
	require.NoError(t, err)
	assert.Equal(t, "Hello, Bob!", string(result.Plaintext))
	assert.True(t, result.ShouldRepublishBundle)

	// 10 bootstrap keys minus the consumed one leaves 9, below the
	// default MinPreKeyCount of 50, so ReplenishCount (100) more follow.
	oneTime, _, _ := bob.inventory()
	assert.Equal(t, 109, oneTime)
}

// TestS2SuccessiveEncryptsProduceDistinctCiphertexts is scenario S2:
// the ratchet advances on every send, and both ciphertexts still
// decrypt to the original plaintext (invariants 8 and 9).
func TestS2SuccessiveEncryptsProduceDistinctCiphertexts(t *testing.T) {
	alice := newTestBridge(t)
	bob := newTestBridge(t)

	bobBundle, err := bob.GeneratePreKeyBundle()
	require.NoError(t, err)
	_, err = alice.EstablishSession(bob.Fingerprint(), bobBundle)
	require.NoError(t, err)

	first, err := alice.EncryptMessage(bob.Fingerprint(), []byte("msg A"))
	require.NoError(t, err)
	firstResult, err := bob.DecryptMessage(alice.Fingerprint(), first)
	require.NoError(t, err)
	assert.Equal(t, "msg A", string(firstResult.Plaintext))

	second, err := alice.EncryptMessage(bob.Fingerprint(), []byte("msg A"))
	require.NoError(t, err)
	assert.NotEqual(t, first, second)

	secondResult, err := bob.DecryptMessage(alice.Fingerprint(), second)
	require.NoError(t, err)
	assert.Equal(t, "msg A", string(secondResult.Plaintext))
}

// TestS3EncryptWithoutSessionFails is scenario S3.
func TestS3EncryptWithoutSessionFails(t *testing.T) {
	alice := newTestBridge(t)

	_, err := alice.EncryptMessage("unknown_peer", []byte("x"))
	require.Error(t, err)
	assert.Contains(t, err.Error(), "session_not_found")
	assert.Contains(t, err.Error(), "unknown_peer")
}

// TestS4EstablishSessionWithMalformedBundleFails is scenario S4.
func TestS4EstablishSessionWithMalformedBundleFails(t *testing.T) {
	alice := newTestBridge(t)

	_, err := alice.EstablishSession("peer", []byte{0xFF, 0xFE, 0xFD, 0xFC})
	require.Error(t, err)
	assert.Contains(t, err.Error(), "serialization")
}

// TestS5BundleFromSelfIsRejected is scenario S5.
func TestS5BundleFromSelfIsRejected(t *testing.T) {
	alice := newTestBridge(t)

	ownBundle, err := alice.GeneratePreKeyBundle()
	require.NoError(t, err)

	_, err = alice.EstablishSession("self", ownBundle)
	require.Error(t, err)
	assert.Contains(t, err.Error(), "Ignoring bundle from self")

	_, lookupErr := alice.LookupContact("self")
	assert.Error(t, lookupErr)
}

// TestS6SecondAliasAssignmentFailsWithoutMutatingFirst is scenario S6.
func TestS6SecondAliasAssignmentFailsWithoutMutatingFirst(t *testing.T) {
	alice := newTestBridge(t)
	bob1 := newTestBridge(t)
	bob2 := newTestBridge(t)

	bob1Bundle, err := bob1.GeneratePreKeyBundle()
	require.NoError(t, err)
	_, err = alice.AddContact(bob1Bundle, "")
	require.NoError(t, err)

	bob2Bundle, err := bob2.GeneratePreKeyBundle()
	require.NoError(t, err)
	_, err = alice.AddContact(bob2Bundle, "")
	require.NoError(t, err)

	require.NoError(t, alice.AssignContactAlias(bob1.Fingerprint(), "bob"))

	err = alice.AssignContactAlias(bob2.Fingerprint(), "bob")
	require.Error(t, err)
	assert.Contains(t, err.Error(), "already assigned")

	info, err := alice.LookupContact("bob")
	require.NoError(t, err)
	assert.Equal(t, bob1.Fingerprint(), info.RDXFingerprint)
}

// TestEmptyPlaintextRoundTrips covers the empty-plaintext boundary
// behaviour.
func TestEmptyPlaintextRoundTrips(t *testing.T) {
	alice := newTestBridge(t)
	bob := newTestBridge(t)

	bobBundle, err := bob.GeneratePreKeyBundle()
	require.NoError(t, err)
	_, err = alice.EstablishSession(bob.Fingerprint(), bobBundle)
	require.NoError(t, err)

	ciphertext, err := alice.EncryptMessage(bob.Fingerprint(), []byte{})
	require.NoError(t, err)

	result, err := bob.DecryptMessage(alice.Fingerprint(), ciphertext)
	require.NoError(t, err)
	assert.Empty(t, result.Plaintext)
}

// TestClearPeerSessionRemovesSessionAndIdentity exercises
// ClearPeerSession and the session-implies-identity invariant.
func TestClearPeerSessionRemovesSessionAndIdentity(t *testing.T) {
	alice := newTestBridge(t)
	bob := newTestBridge(t)

	bobBundle, err := bob.GeneratePreKeyBundle()
	require.NoError(t, err)
	_, err = alice.EstablishSession(bob.Fingerprint(), bobBundle)
	require.NoError(t, err)

	require.NoError(t, alice.ClearPeerSession(bob.Fingerprint()))

	_, err = alice.EncryptMessage(bob.Fingerprint(), []byte("x"))
	require.Error(t, err)
	assert.Contains(t, err.Error(), "session_not_found")
}

// TestResetIdentityRotatesFingerprintAndReboostraps exercises
// ResetIdentity.
func TestResetIdentityRotatesFingerprintAndReboostraps(t *testing.T) {
	alice := newTestBridge(t)
	original := alice.Fingerprint()

	require.NoError(t, alice.ResetIdentity())

	assert.NotEqual(t, original, alice.Fingerprint())
	oneTime, signed, pq := alice.inventory()
	assert.Equal(t, 10, oneTime)
	assert.Equal(t, 1, signed)
	assert.Equal(t, 1, pq)

	contactsList, err := alice.ListContacts()
	require.NoError(t, err)
	assert.Empty(t, contactsList)
}

// TestBundleWithoutOneTimePreKeyStillEstablishes covers the boundary
// case where a peer has exhausted its one-time pre-keys.
func TestBundleWithoutOneTimePreKeyStillEstablishes(t *testing.T) {
	alice := newTestBridge(t)
	bob := newTestBridge(t)

	require.NoError(t, bob.store.ClearAllPreKeys())
	bobBundle, err := bob.GeneratePreKeyBundle()
	require.NoError(t, err)

	_, err = alice.EstablishSession(bob.Fingerprint(), bobBundle)
	require.NoError(t, err)
	ciphertext, err := alice.EncryptMessage(bob.Fingerprint(), []byte("no otk here"))
	require.NoError(t, err)

	oneTimeBefore, _, _ := bob.inventory()
	result, err := bob.DecryptMessage(alice.Fingerprint(), ciphertext)
	require.NoError(t, err)
	assert.Equal(t, "no otk here", string(result.Plaintext))
	assert.False(t, result.ShouldRepublishBundle)

	oneTimeAfter, _, _ := bob.inventory()
	assert.Equal(t, oneTimeBefore, oneTimeAfter)
}

// TestEstablishSessionReportsPeerIdentityChange exercises the TOFU
// change signal at the facade boundary. The fingerprint address a
// session is filed under is itself derived from the identity key, so
// a genuinely rotated key always lands at a new address; what this
// guards against is a fingerprint slot whose identity row was seeded
// by something other than the bundle now arriving for it - the
// EstablishSession call must still report the mismatch rather than
// silently overwrite it.
func TestEstablishSessionReportsPeerIdentityChange(t *testing.T) {
	alice := newTestBridge(t)
	bob := newTestBridge(t)

	bobBundle, err := bob.GeneratePreKeyBundle()
	require.NoError(t, err)

	stale := make([]byte, 32)
	_, err = alice.store.SaveIdentity(bob.Fingerprint(), localDeviceID, stale)
	require.NoError(t, err)

	changed, err := alice.EstablishSession(bob.Fingerprint(), bobBundle)
	require.NoError(t, err)
	assert.True(t, changed)

	carol := newTestBridge(t)
	carolBundle, err := carol.GeneratePreKeyBundle()
	require.NoError(t, err)

	changed, err = alice.EstablishSession(carol.Fingerprint(), carolBundle)
	require.NoError(t, err)
	assert.False(t, changed)
}

// TestDecryptPreKeyMessageReportsPeerIdentityChange covers the same
// TOFU signal via the responder path.
func TestDecryptPreKeyMessageReportsPeerIdentityChange(t *testing.T) {
	alice := newTestBridge(t)
	bob := newTestBridge(t)

	bobBundle, err := bob.GeneratePreKeyBundle()
	require.NoError(t, err)
	_, err = alice.EstablishSession(bob.Fingerprint(), bobBundle)
	require.NoError(t, err)

	stale := make([]byte, 32)
	_, err = bob.store.SaveIdentity(alice.Fingerprint(), localDeviceID, stale)
	require.NoError(t, err)

	ciphertext, err := alice.EncryptMessage(bob.Fingerprint(), []byte("hello after a stale identity row"))
	require.NoError(t, err)

	result, err := bob.DecryptMessage(alice.Fingerprint(), ciphertext)
	require.NoError(t, err)
	assert.Equal(t, "hello after a stale identity row", string(result.Plaintext))
	assert.True(t, result.PeerIdentityChanged)
}
