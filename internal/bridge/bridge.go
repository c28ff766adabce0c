// Package bridge is the single outward surface of the bridge core: it
// wires the storage kernel, key manager, contact manager, and session
// engine together - construct top-down, fail fast with a wrapped
// error, defer cleanup - and translates between identifiers/bundle
// blobs at its boundary and the fingerprint-addressed internals
// underneath.
package bridge

import (
	"fmt"
	"log"
	"os"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/radix-relay/bridge-core/internal/bridgeerr"
	"github.com/radix-relay/bridge-core/internal/bundle"
	"github.com/radix-relay/bridge-core/internal/config"
	"github.com/radix-relay/bridge-core/internal/contacts"
	"github.com/radix-relay/bridge-core/internal/identity"
	"github.com/radix-relay/bridge-core/internal/keymanager"
	"github.com/radix-relay/bridge-core/internal/keys"
	"github.com/radix-relay/bridge-core/internal/metrics"
	"github.com/radix-relay/bridge-core/internal/ratchet"
	"github.com/radix-relay/bridge-core/internal/storage"
	"github.com/radix-relay/bridge-core/internal/storage/durable"
	"github.com/radix-relay/bridge-core/internal/storage/ephemeral"
)

// localDeviceID is the only device id this build ever addresses.
// Multi-device fan-out is an explicit non-goal; every session and
// identity row is filed under device 1.
const localDeviceID = 1

// Bridge is the facade a caller (CLI, FFI boundary, relay client)
// drives instead of touching the storage kernel, key manager, or
// session engine directly.
type Bridge struct {
	mu sync.Mutex

	store     storage.Backend
	keyMgr    *keymanager.Manager
	contacts  *contacts.Manager
	scheduler *keymanager.Scheduler

	identity       *keys.IdentityKeyPair
	registrationID keys.RegistrationID

	logger *log.Logger
}

// DecryptResult is the outcome of a successful DecryptMessage call.
type DecryptResult struct {
	Plaintext             []byte
	ShouldRepublishBundle bool

	// PeerIdentityChanged is true when the prekey-message that opened
	// this session carried an identity key different from one already
	// on file for this peer. Enforcement is the caller's: the bridge
	// stores the new identity and trusts it (TOFU) regardless, per
	// §4.1's edge-case policy.
	PeerIdentityChanged bool
}

// New opens or creates the durable store at dbPath (":memory:" selects
// the ephemeral backend, per §6.3), bootstraps the identity and key
// supply if this is a fresh store, and logs the resulting inventory.
func New(dbPath string) (*Bridge, error) {
	cfg := config.Load()
	cfg.DBPath = dbPath
	return NewWithConfig(cfg)
}

// NewWithConfig is New with an explicit, already-loaded Config,
// for callers that assemble tunables and Vault credentials themselves
// instead of reading the environment.
func NewWithConfig(cfg *config.Config) (*Bridge, error) {
	store, err := openBackend(cfg)
	if err != nil {
		return nil, fmt.Errorf("opening bridge store: %w", err)
	}

	id, regID, err := loadOrCreateIdentity(store)
	if err != nil {
		_ = store.Close()
		return nil, fmt.Errorf("loading bridge identity: %w", err)
	}

	constants := keymanager.Constants{
		MinPreKeyCount:     cfg.MinPreKeyCount,
		ReplenishCount:     cfg.ReplenishCount,
		BootstrapPreKeys:   cfg.BootstrapPreKeys,
		RotationInterval:   cfg.RotationInterval,
		GracePeriod:        cfg.GracePeriod,
		SignedPreKeyExpiry: cfg.SignedPreKeyExpiry,
	}
	keyMgr := keymanager.New(store, constants)
	if err := keyMgr.Bootstrap(id); err != nil {
		_ = store.Close()
		return nil, fmt.Errorf("bootstrapping bridge keys: %w", err)
	}

	b := &Bridge{
		store:          store,
		keyMgr:         keyMgr,
		contacts:       contacts.New(store),
		identity:       id,
		registrationID: regID,
		logger:         log.New(os.Stdout, "[BRIDGE] ", log.Ldate|log.Ltime|log.LUTC),
	}
	b.logInventory()
	return b, nil
}

func openBackend(cfg *config.Config) (storage.Backend, error) {
	if cfg.DBPath == ":memory:" {
		return ephemeral.New(), nil
	}

	var vault *config.VaultKeyCustodian
	if cfg.VaultAddr != "" {
		v, err := config.NewVaultKeyCustodian(cfg)
		if err != nil {
			return nil, fmt.Errorf("connecting to vault key custodian: %w", err)
		}
		vault = v
	}
	return durable.Open(cfg.DBPath, vault, cfg.MinSchemaVersion)
}

func loadOrCreateIdentity(store storage.Backend) (*keys.IdentityKeyPair, keys.RegistrationID, error) {
	rec, found, err := store.LoadLocalIdentity()
	if err != nil {
		return nil, 0, err
	}
	if found {
		var seed [32]byte
		copy(seed[:], rec.PrivateKey)
		id, err := keys.IdentityKeyPairFromSeed(seed)
		if err != nil {
			return nil, 0, err
		}
		return id, keys.RegistrationID(rec.RegistrationID), nil
	}
	return generateAndSaveIdentity(store)
}

func generateAndSaveIdentity(store storage.Backend) (*keys.IdentityKeyPair, keys.RegistrationID, error) {
	id, err := keys.GenerateIdentityKeyPair()
	if err != nil {
		return nil, 0, err
	}
	regID, err := keys.GenerateRegistrationID()
	if err != nil {
		return nil, 0, err
	}
	now := time.Now()
	if err := store.SaveLocalIdentity(&storage.LocalIdentityRecord{
		PrivateKey:     append([]byte(nil), id.Seed[:]...),
		PublicKey:      id.SerializePublic(),
		RegistrationID: uint32(regID),
		CreatedAt:      now,
		UpdatedAt:      now,
	}); err != nil {
		return nil, 0, err
	}
	return id, regID, nil
}

func (b *Bridge) logInventory() {
	oneTime, _ := b.store.PreKeyCount()
	signed, _ := b.store.SignedPreKeyCount()
	pq, _ := b.store.PQPreKeyCount()
	metrics.RecordPreKeyCounts(oneTime, signed, pq)
	b.logger.Printf("identity %s ready: %d one-time pre-keys, %d signed pre-keys, %d pq pre-keys",
		b.Fingerprint(), oneTime, signed, pq)
}

// Fingerprint returns this bridge's own RDX: fingerprint.
func (b *Bridge) Fingerprint() string {
	return identity.Fingerprint(b.identity.SerializePublic())
}

// RegistrationID returns this bridge's own registration id.
func (b *Bridge) RegistrationID() uint32 {
	return uint32(b.registrationID)
}

// Close stops the rotation scheduler, if running, and releases the
// underlying store. Idempotent, per §5's RAII resource contract.
func (b *Bridge) Close() error {
	if b.scheduler != nil {
		b.scheduler.Stop()
	}
	return b.store.Close()
}

// StartKeyRotationScheduler builds and starts a key-rotation
// Scheduler over this bridge's key manager and identity, re-checking
// rotation eligibility every checkInterval. It is an opt-in
// convenience for long-running processes; a short-lived caller that
// drives rotation manually (or not at all) never needs to call this.
// Calling it twice replaces the previous scheduler after stopping it.
func (b *Bridge) StartKeyRotationScheduler(checkInterval time.Duration) {
	b.mu.Lock()
	defer b.mu.Unlock()

	if b.scheduler != nil {
		b.scheduler.Stop()
	}
	b.scheduler = keymanager.NewScheduler(b.keyMgr, b.identity, checkInterval)
	b.scheduler.Start()
}

// resolveFingerprint maps identifier to a fingerprint via the contact
// table, falling back to the literal identifier when no contact row
// matches - e.g. a caller that already has the fingerprint on hand.
func (b *Bridge) resolveFingerprint(identifier string) string {
	info, err := b.contacts.LookupContact(identifier)
	if err != nil {
		return identifier
	}
	return info.RDXFingerprint
}

// EncryptMessage resolves identifier to a session and advances its
// sending chain by one message.
func (b *Bridge) EncryptMessage(identifier string, plaintext []byte) ([]byte, error) {
	if identifier == "" {
		return nil, bridgeerr.InvalidInput("identifier must not be empty")
	}

	b.mu.Lock()
	defer b.mu.Unlock()

	fingerprint := b.resolveFingerprint(identifier)
	session, err := b.loadSession(fingerprint)
	if err != nil {
		return nil, err
	}
	if session == nil {
		return nil, bridgeerr.SessionNotFound("Establish a session with " + identifier + " before sending messages")
	}

	ciphertext, err := session.EncryptMessage(plaintext)
	if err != nil {
		return nil, err
	}
	if err := b.saveSession(fingerprint, session); err != nil {
		return nil, err
	}
	return ciphertext, nil
}

// DecryptMessage resolves identifier, parses the wire tag, and
// decrypts the ciphertext. A prekey-message bootstraps a brand new
// session and may consume a one-time pre-key; a regular message
// advances an existing one.
func (b *Bridge) DecryptMessage(identifier string, ciphertext []byte) (*DecryptResult, error) {
	if identifier == "" {
		return nil, bridgeerr.InvalidInput("identifier must not be empty")
	}
	if len(ciphertext) == 0 {
		return nil, bridgeerr.InvalidInput("ciphertext must not be empty")
	}

	b.mu.Lock()
	defer b.mu.Unlock()

	isPreKey, err := ratchet.IsPreKeyMessage(ciphertext)
	if err != nil {
		return nil, err
	}
	if isPreKey {
		return b.decryptPreKeyMessage(ciphertext)
	}

	fingerprint := b.resolveFingerprint(identifier)
	session, err := b.loadSession(fingerprint)
	if err != nil {
		return nil, err
	}
	if session == nil {
		return nil, bridgeerr.SessionNotFound("no session for " + identifier)
	}

	plaintext, err := session.DecryptMessage(ciphertext)
	if err != nil {
		return nil, err
	}
	if err := b.saveSession(fingerprint, session); err != nil {
		return nil, err
	}
	return &DecryptResult{Plaintext: plaintext}, nil
}

func (b *Bridge) decryptPreKeyMessage(ciphertext []byte) (*DecryptResult, error) {
	traceID := uuid.New().String()

	local := &ratchet.LocalIdentity{Identity: b.identity, RegistrationID: b.registrationID, DeviceID: localDeviceID}
	result, err := ratchet.CompletePreKeyMessage(local, &storeLookup{store: b.store}, ciphertext)
	if err != nil {
		return nil, err
	}

	peerIK, err := bundle.DecodeIdentityKey(result.PeerIdentityKey)
	if err != nil {
		return nil, err
	}
	peerFingerprint := identity.Fingerprint(peerIK.DHPublic)

	replaced, err := b.store.SaveIdentity(peerFingerprint, localDeviceID, peerIK.DHPublic)
	if err != nil {
		return nil, err
	}
	if err := b.saveSession(peerFingerprint, result.Session); err != nil {
		return nil, err
	}
	metrics.RecordSessionEstablished("responder")

	shouldRepublish := false
	if result.ConsumedPreKeyID != nil {
		consumedID := *result.ConsumedPreKeyID
		before, _ := b.store.PreKeyCount()
		if err := b.keyMgr.ConsumePreKey(consumedID); err != nil {
			b.logger.Printf("trace=%s failed to consume pre-key %d after decrypt: %v", traceID, consumedID, err)
		} else if after, _ := b.store.PreKeyCount(); after >= before {
			metrics.PreKeyReplenishTotal.Inc()
		}
		if meta, found, err := b.store.LoadBundleMetadata(); err == nil && found && meta.PreKeyID == consumedID {
			shouldRepublish = true
			metrics.RepublishSignalsTotal.Inc()
		}
	}

	oneTime, signed, pq := b.inventory()
	metrics.RecordPreKeyCounts(oneTime, signed, pq)

	return &DecryptResult{
		Plaintext:             result.Plaintext,
		ShouldRepublishBundle: shouldRepublish,
		PeerIdentityChanged:   replaced,
	}, nil
}

func (b *Bridge) inventory() (oneTime, signed, pq int) {
	oneTime, _ = b.store.PreKeyCount()
	signed, _ = b.store.SignedPreKeyCount()
	pq, _ = b.store.PQPreKeyCount()
	return
}

// loadSession resumes a persisted session for fingerprint, or returns
// (nil, nil) if none exists.
func (b *Bridge) loadSession(fingerprint string) (*ratchet.Session, error) {
	rec, found, err := b.store.LoadSession(fingerprint, localDeviceID)
	if err != nil {
		return nil, err
	}
	if !found {
		return nil, nil
	}
	state, err := ratchet.DeserializeState(rec.SerializedBlob)
	if err != nil {
		return nil, err
	}
	return ratchet.Resume(state), nil
}

func (b *Bridge) saveSession(fingerprint string, session *ratchet.Session) error {
	return b.store.SaveSession(fingerprint, localDeviceID, session.State().Serialize())
}

// EstablishSession runs X3DH against a peer's pre-key bundle (raw
// binary or base64-encoded, per §6.1) and persists the resulting
// session and contact row. identifier is used only for the
// self-bundle and error-reporting checks; the peer is addressed by
// its own fingerprint from here on. The returned bool is true when the
// bundle's identity key differs from one already on file for this
// peer; enforcement is the caller's, per §4.1's edge-case policy.
func (b *Bridge) EstablishSession(identifier string, bundleBytes []byte) (bool, error) {
	if identifier == "" {
		return false, bridgeerr.InvalidInput("identifier must not be empty")
	}
	if len(bundleBytes) == 0 {
		return false, bridgeerr.InvalidInput("bundle must not be empty")
	}

	peerBundle, err := decodeBundleFlexible(bundleBytes)
	if err != nil {
		return false, err
	}

	peerIK, err := bundle.DecodeIdentityKey(peerBundle.IdentityKey)
	if err != nil {
		return false, err
	}
	if bytesEqual(peerIK.DHPublic, b.identity.SerializePublic()) {
		return false, bridgeerr.InvalidInput("Ignoring bundle from self")
	}

	b.mu.Lock()
	defer b.mu.Unlock()

	canonical, err := peerBundle.Encode()
	if err != nil {
		return false, err
	}
	fingerprint, err := b.contacts.AddContactFromBundle(canonical, "")
	if err != nil {
		return false, err
	}

	local := &ratchet.LocalIdentity{Identity: b.identity, RegistrationID: b.registrationID, DeviceID: localDeviceID}
	session, err := ratchet.EstablishSession(local, peerBundle)
	if err != nil {
		return false, err
	}

	replaced, err := b.store.SaveIdentity(fingerprint, localDeviceID, peerIK.DHPublic)
	if err != nil {
		return false, err
	}
	if err := b.saveSession(fingerprint, session); err != nil {
		return false, err
	}
	metrics.RecordSessionEstablished("initiator")
	return replaced, nil
}

// GeneratePreKeyBundle packs the current advertised ids into the wire
// form, recording them in bundle_metadata so a later consumption can
// be matched back to this publication.
func (b *Bridge) GeneratePreKeyBundle() ([]byte, error) {
	b.mu.Lock()
	defer b.mu.Unlock()

	preKeyID, hasOTK, err := b.keyMgr.LowestOneTimePreKeyID()
	if err != nil {
		return nil, err
	}

	var preKeyPublic []byte
	if hasOTK {
		rec, found, err := b.store.LoadPreKey(preKeyID)
		if err != nil {
			return nil, err
		}
		if !found {
			return nil, bridgeerr.Storage("advertised one-time pre-key vanished between lookup and load", nil)
		}
		kp, err := keys.DeserializeX25519KeyPair(rec.SerializedRecord)
		if err != nil {
			return nil, err
		}
		preKeyPublic = kp.SerializePublic()
	}

	signedID, signedRec, err := currentSignedLike(b.store.AllSignedPreKeys)
	if err != nil {
		return nil, err
	}
	signedKP, err := keys.DeserializeX25519KeyPair(signedRec.SerializedRecord)
	if err != nil {
		return nil, err
	}

	pqID, pqRec, err := currentSignedLike(b.store.AllPQPreKeys)
	if err != nil {
		return nil, err
	}
	pqKP, err := keys.DeserializePQKeyPair(pqRec.SerializedRecord)
	if err != nil {
		return nil, err
	}
	pqPub := pqKP.PublicKey()

	localIK := &bundle.IdentityKey{DHPublic: b.identity.SerializePublic(), SignPub: b.identity.SignPub}
	ikBytes, err := localIK.Encode()
	if err != nil {
		return nil, err
	}

	out := &bundle.Bundle{
		RegistrationID:        uint32(b.registrationID),
		DeviceID:              localDeviceID,
		HasOneTimePreKey:      hasOTK,
		PreKeyID:              preKeyID,
		PreKeyPublic:          preKeyPublic,
		SignedPreKeyID:        signedID,
		SignedPreKeyPublic:    signedKP.SerializePublic(),
		SignedPreKeySignature: signedRec.Signature,
		IdentityKey:           ikBytes,
		PQPreKeyID:            pqID,
		PQPreKeyPublic:        pqPub[:],
		PQPreKeySignature:     pqRec.Signature,
	}

	encoded, err := out.Encode()
	if err != nil {
		return nil, err
	}

	if err := b.store.SaveBundleMetadata(&storage.BundleMetadata{
		PreKeyID:       preKeyID,
		SignedPreKeyID: signedID,
		PQPreKeyID:     pqID,
		PublishedAt:    time.Now(),
	}); err != nil {
		return nil, err
	}

	return encoded, nil
}

// currentSignedLike picks the youngest record out of a signed- or
// PQ-pre-key listing, the "currently advertised" one of that class.
func currentSignedLike(all func() ([]*storage.StoredSignedPreKey, error)) (uint32, *storage.StoredSignedPreKey, error) {
	records, err := all()
	if err != nil {
		return 0, nil, err
	}
	if len(records) == 0 {
		return 0, nil, bridgeerr.Storage("no pre-key of this class on file", nil)
	}
	youngest := records[0]
	for _, rec := range records[1:] {
		if rec.CreatedAt.After(youngest.CreatedAt) {
			youngest = rec
		}
	}
	return youngest.ID, youngest, nil
}

// ClearPeerSession destroys the session and peer identity for
// identifier, per §3's "session exists iff identity exists" invariant.
func (b *Bridge) ClearPeerSession(identifier string) error {
	if identifier == "" {
		return bridgeerr.InvalidInput("identifier must not be empty")
	}

	b.mu.Lock()
	defer b.mu.Unlock()

	fingerprint := b.resolveFingerprint(identifier)
	if err := b.store.DeleteSession(fingerprint, localDeviceID); err != nil {
		return err
	}
	return b.store.DeleteIdentity(fingerprint, localDeviceID)
}

// ClearAllSessions destroys every session and peer identity, leaving
// the contact table and local identity intact.
func (b *Bridge) ClearAllSessions() error {
	b.mu.Lock()
	defer b.mu.Unlock()

	if err := b.store.ClearAllSessions(); err != nil {
		return err
	}
	return b.store.ClearAllIdentities()
}

// ResetIdentity wipes the local identity and everything that hangs off
// it - sessions, peer identities, contacts, and all key material -
// then generates and bootstraps a fresh identity. Per §3, clearing the
// identity makes every peer identity unverifiable, so there is nothing
// left worth keeping.
func (b *Bridge) ResetIdentity() error {
	b.mu.Lock()
	defer b.mu.Unlock()

	for _, clear := range []func() error{
		b.store.ClearAllSessions,
		b.store.ClearAllIdentities,
		b.store.ClearAllContacts,
		b.store.ClearAllPreKeys,
		b.store.ClearAllSignedPreKeys,
		b.store.ClearAllPQPreKeys,
		b.store.ClearLocalIdentity,
	} {
		if err := clear(); err != nil {
			return err
		}
	}

	id, regID, err := generateAndSaveIdentity(b.store)
	if err != nil {
		return err
	}
	b.identity = id
	b.registrationID = regID

	if err := b.keyMgr.Bootstrap(b.identity); err != nil {
		return err
	}
	b.logger.Printf("identity reset; new fingerprint %s", b.Fingerprint())
	return nil
}

// AddContact derives a contact row from a peer's bundle without
// establishing a session, for callers that want to pre-populate an
// address book entry (e.g. from a QR-code scan) before the first
// message is ever sent.
func (b *Bridge) AddContact(bundleBytes []byte, alias string) (string, error) {
	if len(bundleBytes) == 0 {
		return "", bridgeerr.InvalidInput("bundle must not be empty")
	}
	peerBundle, err := decodeBundleFlexible(bundleBytes)
	if err != nil {
		return "", err
	}
	canonical, err := peerBundle.Encode()
	if err != nil {
		return "", err
	}

	b.mu.Lock()
	defer b.mu.Unlock()
	return b.contacts.AddContactFromBundle(canonical, alias)
}

// LookupContact delegates to the Contact Manager.
func (b *Bridge) LookupContact(identifier string) (*contacts.Info, error) {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.contacts.LookupContact(identifier)
}

// AssignContactAlias delegates to the Contact Manager.
func (b *Bridge) AssignContactAlias(identifier, newAlias string) error {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.contacts.AssignContactAlias(identifier, newAlias)
}

// ListContacts delegates to the Contact Manager.
func (b *Bridge) ListContacts() ([]*contacts.Info, error) {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.contacts.ListContacts()
}

// decodeBundleFlexible accepts either the canonical binary encoding or
// its base64 transport-safe form, per §6.1.
func decodeBundleFlexible(data []byte) (*bundle.Bundle, error) {
	b, err := bundle.Decode(data)
	if err == nil {
		return b, nil
	}
	if b2, err2 := bundle.DecodeBase64(string(data)); err2 == nil {
		return b2, nil
	}
	return nil, err
}

func bytesEqual(a, b []byte) bool {
	if len(a) != len(b) {
		return false
	}
	for i := range a {
		if a[i] != b[i] {
			return false
		}
	}
	return true
}

// storeLookup implements ratchet.PreKeyLookup against a storage.Backend.
type storeLookup struct {
	store storage.Backend
}

func (l *storeLookup) SignedPreKeyByID(id uint32) (*keys.SignedPreKey, error) {
	rec, found, err := l.store.LoadSignedPreKey(id)
	if err != nil {
		return nil, err
	}
	if !found {
		return nil, bridgeerr.Protocol("unknown signed pre-key id referenced by prekey-message")
	}
	kp, err := keys.DeserializeX25519KeyPair(rec.SerializedRecord)
	if err != nil {
		return nil, err
	}
	return &keys.SignedPreKey{ID: id, KeyPair: kp, Signature: rec.Signature, CreatedAt: rec.CreatedAt}, nil
}

func (l *storeLookup) PQPreKeyByID(id uint32) (*keys.PQPreKey, error) {
	rec, found, err := l.store.LoadPQPreKey(id)
	if err != nil {
		return nil, err
	}
	if !found {
		return nil, bridgeerr.Protocol("unknown pq pre-key id referenced by prekey-message")
	}
	kp, err := keys.DeserializePQKeyPair(rec.SerializedRecord)
	if err != nil {
		return nil, err
	}
	return &keys.PQPreKey{ID: id, KeyPair: kp, Signature: rec.Signature, CreatedAt: rec.CreatedAt}, nil
}

func (l *storeLookup) OneTimePreKeyByID(id uint32) (*keys.OneTimePreKey, bool, error) {
	rec, found, err := l.store.LoadPreKey(id)
	if err != nil {
		return nil, false, err
	}
	if !found {
		return nil, false, nil
	}
	kp, err := keys.DeserializeX25519KeyPair(rec.SerializedRecord)
	if err != nil {
		return nil, false, err
	}
	return &keys.OneTimePreKey{ID: id, KeyPair: kp}, true, nil
}
