// Package storage defines the polymorphic backend contract the bridge
// core persists everything through: sessions, identities, the three
// pre-key classes, contacts, the last-published bundle, and a small
// settings table. Two backends implement it — internal/storage/ephemeral
// and internal/storage/durable — with identical semantics.
package storage

import "time"

// StoredIdentity is one (address, device) identity row.
type StoredIdentity struct {
	Address   string
	DeviceID  uint32
	PublicKey []byte
	FirstSeen time.Time
	LastSeen  time.Time
}

// LocalIdentityRecord is the singleton local identity row.
type LocalIdentityRecord struct {
	PrivateKey     []byte // 32-byte identity seed
	PublicKey      []byte
	RegistrationID uint32
	CreatedAt      time.Time
	UpdatedAt      time.Time
}

// StoredSession is one (address, device) ratchet session row.
type StoredSession struct {
	Address        string
	DeviceID       uint32
	SerializedBlob []byte
	CreatedAt      time.Time
	UpdatedAt      time.Time
}

// StoredPreKey is one one-time pre-key row.
type StoredPreKey struct {
	ID               uint32
	SerializedRecord []byte
	CreatedAt        time.Time
}

// StoredSignedPreKey is one signed or PQ pre-key row; the two classes
// share this shape (id, serialized keypair, signature, created/expiry
// timestamps).
type StoredSignedPreKey struct {
	ID               uint32
	SerializedRecord []byte
	Signature        []byte
	CreatedAt        time.Time
	ExpiresAt        time.Time
}

// Contact is one contact row, keyed by its RDX fingerprint.
type Contact struct {
	RDXFingerprint   string
	SecondaryPubkey  string
	UserAlias        string // empty when unset
	IdentityKeyBytes []byte
	FirstSeen        time.Time
	LastUpdated      time.Time
}

// BundleMetadata is the singleton row recording which key ids were
// published in the last outgoing bundle.
type BundleMetadata struct {
	PreKeyID       uint32
	SignedPreKeyID uint32
	PQPreKeyID     uint32
	PublishedAt    time.Time
}

// IdentityStore persists both the local singleton identity and the
// per-peer identity rows used for trust-on-first-use.
type IdentityStore interface {
	SaveLocalIdentity(rec *LocalIdentityRecord) error
	LoadLocalIdentity() (*LocalIdentityRecord, bool, error)
	ClearLocalIdentity() error

	// SaveIdentity upserts a peer identity row. replaced reports
	// whether a different public key was already on file for this
	// address/device, per the trust-on-first-use contract: the caller
	// decides whether to refuse or rekey, this just reports the fact.
	SaveIdentity(address string, deviceID uint32, publicKey []byte) (replaced bool, err error)
	IsTrustedIdentity(address string, deviceID uint32, publicKey []byte) (trusted bool, err error)
	LoadIdentity(address string, deviceID uint32) (*StoredIdentity, bool, error)
	DeleteIdentity(address string, deviceID uint32) error
	IdentityCount() (int, error)
	ClearAllIdentities() error
}

// SessionStore persists serialized ratchet state per peer device.
type SessionStore interface {
	SaveSession(address string, deviceID uint32, blob []byte) error
	LoadSession(address string, deviceID uint32) (*StoredSession, bool, error)
	DeleteSession(address string, deviceID uint32) error
	SessionCount() (int, error)
	ClearAllSessions() error
}

// PreKeyStore persists one-time pre-keys.
type PreKeyStore interface {
	SavePreKey(id uint32, record []byte, createdAt time.Time) error
	LoadPreKey(id uint32) (*StoredPreKey, bool, error)
	DeletePreKey(id uint32) error
	AllPreKeyIDs() ([]uint32, error)
	PreKeyCount() (int, error)
	ClearAllPreKeys() error
}

// SignedPreKeyStore persists medium-term signed pre-keys.
type SignedPreKeyStore interface {
	SaveSignedPreKey(rec *StoredSignedPreKey) error
	LoadSignedPreKey(id uint32) (*StoredSignedPreKey, bool, error)
	DeleteSignedPreKey(id uint32) error
	AllSignedPreKeys() ([]*StoredSignedPreKey, error)
	SignedPreKeyCount() (int, error)
	ClearAllSignedPreKeys() error
}

// PQPreKeyStore persists medium-term post-quantum pre-keys, the same
// shape as SignedPreKeyStore but a distinct table.
type PQPreKeyStore interface {
	SavePQPreKey(rec *StoredSignedPreKey) error
	LoadPQPreKey(id uint32) (*StoredSignedPreKey, bool, error)
	DeletePQPreKey(id uint32) error
	AllPQPreKeys() ([]*StoredSignedPreKey, error)
	PQPreKeyCount() (int, error)
	ClearAllPQPreKeys() error
}

// ContactStore persists the contact table.
type ContactStore interface {
	UpsertContact(c *Contact) error
	LookupContactByFingerprint(fingerprint string) (*Contact, bool, error)
	LookupContactByAlias(alias string) (*Contact, bool, error)
	LookupContactBySecondaryPubkey(pubkey string) (*Contact, bool, error)
	ListContacts() ([]*Contact, error)
	ClearAllContacts() error
}

// BundleMetadataStore persists the singleton last-published-bundle row.
type BundleMetadataStore interface {
	SaveBundleMetadata(m *BundleMetadata) error
	LoadBundleMetadata() (*BundleMetadata, bool, error)
}

// SettingsStore persists arbitrary string key/value settings, e.g. the
// receive watermark in §6.4.
type SettingsStore interface {
	SetSetting(key, value string) error
	GetSetting(key string) (string, bool, error)
}

// Backend composes every sub-store a bridge instance needs, plus the
// RAII-style release contract from §5: acquiring a Backend obliges the
// holder to Close it, and Close is idempotent.
type Backend interface {
	IdentityStore
	SessionStore
	PreKeyStore
	SignedPreKeyStore
	PQPreKeyStore
	ContactStore
	BundleMetadataStore
	SettingsStore
	Close() error
}
