// Package ephemeral implements storage.Backend entirely in process
// memory, mirroring the Rust original's memory_storage.rs shape: one
// map per table, the whole set guarded by a single writer mutex, since
// §5 calls for the contact table and session table to share a lock and
// nothing here is hot enough to need finer-grained locking.
package ephemeral

import (
	"sort"
	"sync"
	"time"

	"github.com/radix-relay/bridge-core/internal/bridgeerr"
	"github.com/radix-relay/bridge-core/internal/storage"
)

type identityKey struct {
	address  string
	deviceID uint32
}

// Backend is the in-process storage.Backend. Lost on process exit; used
// by tests and by the ":memory:" database path.
type Backend struct {
	mu sync.Mutex

	localIdentity *storage.LocalIdentityRecord
	identities    map[identityKey]*storage.StoredIdentity
	sessions      map[identityKey]*storage.StoredSession
	preKeys       map[uint32]*storage.StoredPreKey
	signedPreKeys map[uint32]*storage.StoredSignedPreKey
	pqPreKeys     map[uint32]*storage.StoredSignedPreKey
	contacts      map[string]*storage.Contact // keyed by fingerprint
	bundleMeta    *storage.BundleMetadata
	settings      map[string]string

	closed bool
}

// New creates an empty ephemeral backend.
func New() *Backend {
	return &Backend{
		identities:    make(map[identityKey]*storage.StoredIdentity),
		sessions:      make(map[identityKey]*storage.StoredSession),
		preKeys:       make(map[uint32]*storage.StoredPreKey),
		signedPreKeys: make(map[uint32]*storage.StoredSignedPreKey),
		pqPreKeys:     make(map[uint32]*storage.StoredSignedPreKey),
		contacts:      make(map[string]*storage.Contact),
		settings:      make(map[string]string),
	}
}

func (b *Backend) Close() error {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.closed = true
	return nil
}

// --- IdentityStore ---

func (b *Backend) SaveLocalIdentity(rec *storage.LocalIdentityRecord) error {
	b.mu.Lock()
	defer b.mu.Unlock()
	cp := *rec
	b.localIdentity = &cp
	return nil
}

func (b *Backend) LoadLocalIdentity() (*storage.LocalIdentityRecord, bool, error) {
	b.mu.Lock()
	defer b.mu.Unlock()
	if b.localIdentity == nil {
		return nil, false, nil
	}
	cp := *b.localIdentity
	return &cp, true, nil
}

func (b *Backend) ClearLocalIdentity() error {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.localIdentity = nil
	return nil
}

func (b *Backend) SaveIdentity(address string, deviceID uint32, publicKey []byte) (bool, error) {
	b.mu.Lock()
	defer b.mu.Unlock()
	key := identityKey{address, deviceID}
	now := time.Now()

	existing, ok := b.identities[key]
	replaced := false
	if ok {
		replaced = !bytesEqual(existing.PublicKey, publicKey)
		existing.PublicKey = publicKey
		existing.LastSeen = now
		return replaced, nil
	}

	b.identities[key] = &storage.StoredIdentity{
		Address:   address,
		DeviceID:  deviceID,
		PublicKey: publicKey,
		FirstSeen: now,
		LastSeen:  now,
	}
	return false, nil
}

func (b *Backend) IsTrustedIdentity(address string, deviceID uint32, publicKey []byte) (bool, error) {
	b.mu.Lock()
	defer b.mu.Unlock()
	existing, ok := b.identities[identityKey{address, deviceID}]
	if !ok {
		return true, nil
	}
	return bytesEqual(existing.PublicKey, publicKey), nil
}

func (b *Backend) LoadIdentity(address string, deviceID uint32) (*storage.StoredIdentity, bool, error) {
	b.mu.Lock()
	defer b.mu.Unlock()
	existing, ok := b.identities[identityKey{address, deviceID}]
	if !ok {
		return nil, false, nil
	}
	cp := *existing
	return &cp, true, nil
}

func (b *Backend) DeleteIdentity(address string, deviceID uint32) error {
	b.mu.Lock()
	defer b.mu.Unlock()
	delete(b.identities, identityKey{address, deviceID})
	return nil
}

func (b *Backend) IdentityCount() (int, error) {
	b.mu.Lock()
	defer b.mu.Unlock()
	return len(b.identities), nil
}

func (b *Backend) ClearAllIdentities() error {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.identities = make(map[identityKey]*storage.StoredIdentity)
	return nil
}

// --- SessionStore ---

func (b *Backend) SaveSession(address string, deviceID uint32, blob []byte) error {
	b.mu.Lock()
	defer b.mu.Unlock()
	key := identityKey{address, deviceID}
	now := time.Now()
	if existing, ok := b.sessions[key]; ok {
		existing.SerializedBlob = blob
		existing.UpdatedAt = now
		return nil
	}
	b.sessions[key] = &storage.StoredSession{
		Address:        address,
		DeviceID:       deviceID,
		SerializedBlob: blob,
		CreatedAt:      now,
		UpdatedAt:      now,
	}
	return nil
}

func (b *Backend) LoadSession(address string, deviceID uint32) (*storage.StoredSession, bool, error) {
	b.mu.Lock()
	defer b.mu.Unlock()
	existing, ok := b.sessions[identityKey{address, deviceID}]
	if !ok {
		return nil, false, nil
	}
	cp := *existing
	return &cp, true, nil
}

func (b *Backend) DeleteSession(address string, deviceID uint32) error {
	b.mu.Lock()
	defer b.mu.Unlock()
	delete(b.sessions, identityKey{address, deviceID})
	return nil
}

func (b *Backend) SessionCount() (int, error) {
	b.mu.Lock()
	defer b.mu.Unlock()
	return len(b.sessions), nil
}

func (b *Backend) ClearAllSessions() error {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.sessions = make(map[identityKey]*storage.StoredSession)
	return nil
}

// --- PreKeyStore ---

func (b *Backend) SavePreKey(id uint32, record []byte, createdAt time.Time) error {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.preKeys[id] = &storage.StoredPreKey{ID: id, SerializedRecord: record, CreatedAt: createdAt}
	return nil
}

func (b *Backend) LoadPreKey(id uint32) (*storage.StoredPreKey, bool, error) {
	b.mu.Lock()
	defer b.mu.Unlock()
	existing, ok := b.preKeys[id]
	if !ok {
		return nil, false, nil
	}
	cp := *existing
	return &cp, true, nil
}

func (b *Backend) DeletePreKey(id uint32) error {
	b.mu.Lock()
	defer b.mu.Unlock()
	delete(b.preKeys, id)
	return nil
}

func (b *Backend) AllPreKeyIDs() ([]uint32, error) {
	b.mu.Lock()
	defer b.mu.Unlock()
	ids := make([]uint32, 0, len(b.preKeys))
	for id := range b.preKeys {
		ids = append(ids, id)
	}
	sort.Slice(ids, func(i, j int) bool { return ids[i] < ids[j] })
	return ids, nil
}

func (b *Backend) PreKeyCount() (int, error) {
	b.mu.Lock()
	defer b.mu.Unlock()
	return len(b.preKeys), nil
}

func (b *Backend) ClearAllPreKeys() error {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.preKeys = make(map[uint32]*storage.StoredPreKey)
	return nil
}

// --- SignedPreKeyStore ---

func (b *Backend) SaveSignedPreKey(rec *storage.StoredSignedPreKey) error {
	b.mu.Lock()
	defer b.mu.Unlock()
	cp := *rec
	b.signedPreKeys[rec.ID] = &cp
	return nil
}

func (b *Backend) LoadSignedPreKey(id uint32) (*storage.StoredSignedPreKey, bool, error) {
	b.mu.Lock()
	defer b.mu.Unlock()
	existing, ok := b.signedPreKeys[id]
	if !ok {
		return nil, false, nil
	}
	cp := *existing
	return &cp, true, nil
}

func (b *Backend) DeleteSignedPreKey(id uint32) error {
	b.mu.Lock()
	defer b.mu.Unlock()
	delete(b.signedPreKeys, id)
	return nil
}

func (b *Backend) AllSignedPreKeys() ([]*storage.StoredSignedPreKey, error) {
	b.mu.Lock()
	defer b.mu.Unlock()
	return sortedSignedPreKeys(b.signedPreKeys), nil
}

func (b *Backend) SignedPreKeyCount() (int, error) {
	b.mu.Lock()
	defer b.mu.Unlock()
	return len(b.signedPreKeys), nil
}

func (b *Backend) ClearAllSignedPreKeys() error {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.signedPreKeys = make(map[uint32]*storage.StoredSignedPreKey)
	return nil
}

// --- PQPreKeyStore ---

func (b *Backend) SavePQPreKey(rec *storage.StoredSignedPreKey) error {
	b.mu.Lock()
	defer b.mu.Unlock()
	cp := *rec
	b.pqPreKeys[rec.ID] = &cp
	return nil
}

func (b *Backend) LoadPQPreKey(id uint32) (*storage.StoredSignedPreKey, bool, error) {
	b.mu.Lock()
	defer b.mu.Unlock()
	existing, ok := b.pqPreKeys[id]
	if !ok {
		return nil, false, nil
	}
	cp := *existing
	return &cp, true, nil
}

func (b *Backend) DeletePQPreKey(id uint32) error {
	b.mu.Lock()
	defer b.mu.Unlock()
	delete(b.pqPreKeys, id)
	return nil
}

func (b *Backend) AllPQPreKeys() ([]*storage.StoredSignedPreKey, error) {
	b.mu.Lock()
	defer b.mu.Unlock()
	return sortedSignedPreKeys(b.pqPreKeys), nil
}

func (b *Backend) PQPreKeyCount() (int, error) {
	b.mu.Lock()
	defer b.mu.Unlock()
	return len(b.pqPreKeys), nil
}

func (b *Backend) ClearAllPQPreKeys() error {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.pqPreKeys = make(map[uint32]*storage.StoredSignedPreKey)
	return nil
}

func sortedSignedPreKeys(m map[uint32]*storage.StoredSignedPreKey) []*storage.StoredSignedPreKey {
	out := make([]*storage.StoredSignedPreKey, 0, len(m))
	for _, v := range m {
		cp := *v
		out = append(out, &cp)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].ID < out[j].ID })
	return out
}

// --- ContactStore ---

func (b *Backend) UpsertContact(c *storage.Contact) error {
	b.mu.Lock()
	defer b.mu.Unlock()

	if c.UserAlias != "" {
		for fp, existing := range b.contacts {
			if fp != c.RDXFingerprint && existing.UserAlias == c.UserAlias {
				return bridgeerr.InvalidInput("alias already assigned to another contact")
			}
		}
	}

	if existing, ok := b.contacts[c.RDXFingerprint]; ok {
		c.FirstSeen = existing.FirstSeen
	} else if c.FirstSeen.IsZero() {
		c.FirstSeen = time.Now()
	}
	cp := *c
	b.contacts[c.RDXFingerprint] = &cp
	return nil
}

func (b *Backend) LookupContactByFingerprint(fingerprint string) (*storage.Contact, bool, error) {
	b.mu.Lock()
	defer b.mu.Unlock()
	existing, ok := b.contacts[fingerprint]
	if !ok {
		return nil, false, nil
	}
	cp := *existing
	return &cp, true, nil
}

func (b *Backend) LookupContactByAlias(alias string) (*storage.Contact, bool, error) {
	b.mu.Lock()
	defer b.mu.Unlock()
	for _, c := range b.contacts {
		if c.UserAlias == alias {
			cp := *c
			return &cp, true, nil
		}
	}
	return nil, false, nil
}

func (b *Backend) LookupContactBySecondaryPubkey(pubkey string) (*storage.Contact, bool, error) {
	b.mu.Lock()
	defer b.mu.Unlock()
	for _, c := range b.contacts {
		if c.SecondaryPubkey == pubkey {
			cp := *c
			return &cp, true, nil
		}
	}
	return nil, false, nil
}

func (b *Backend) ListContacts() ([]*storage.Contact, error) {
	b.mu.Lock()
	defer b.mu.Unlock()
	out := make([]*storage.Contact, 0, len(b.contacts))
	for _, c := range b.contacts {
		cp := *c
		out = append(out, &cp)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].LastUpdated.After(out[j].LastUpdated) })
	return out, nil
}

func (b *Backend) ClearAllContacts() error {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.contacts = make(map[string]*storage.Contact)
	return nil
}

// --- BundleMetadataStore ---

func (b *Backend) SaveBundleMetadata(m *storage.BundleMetadata) error {
	b.mu.Lock()
	defer b.mu.Unlock()
	cp := *m
	b.bundleMeta = &cp
	return nil
}

func (b *Backend) LoadBundleMetadata() (*storage.BundleMetadata, bool, error) {
	b.mu.Lock()
	defer b.mu.Unlock()
	if b.bundleMeta == nil {
		return nil, false, nil
	}
	cp := *b.bundleMeta
	return &cp, true, nil
}

// --- SettingsStore ---

func (b *Backend) SetSetting(key, value string) error {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.settings[key] = value
	return nil
}

func (b *Backend) GetSetting(key string) (string, bool, error) {
	b.mu.Lock()
	defer b.mu.Unlock()
	v, ok := b.settings[key]
	return v, ok, nil
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
