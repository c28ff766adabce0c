// Package durable implements storage.Backend on top of a single
// SQLite file via database/sql and a registered driver. There is no
// SQLCipher-equivalent driver in this module's dependency set, so
// whole-file encryption is
// approximated with AES-256-GCM sealing of the sensitive columns
// (private_key, serialized_blob, serialized_record) under a 256-bit
// key read from a sibling <db_path>.key file, or from
// Vault when a config.VaultKeyCustodian is supplied.
package durable

import (
	"context"
	"crypto/aes"
	"crypto/cipher"
	"crypto/rand"
	"database/sql"
	"fmt"
	"log"
	"os"
	"path/filepath"
	"sync"
	"time"

	"github.com/google/uuid"
	_ "github.com/mattn/go-sqlite3"

	"github.com/radix-relay/bridge-core/internal/bridgeerr"
	"github.com/radix-relay/bridge-core/internal/config"
	"github.com/radix-relay/bridge-core/internal/storage"
)

var logger = log.New(os.Stdout, "[STORAGE] ", log.Ldate|log.Ltime|log.LUTC)

// schemaVersion is the only schema version this build knows how to
// read and write. A future bump plugs its migration in where
// checkSchemaVersion currently only rejects.
const schemaVersion = config.CurrentSchemaVersion

// Backend is the SQLite-backed storage.Backend. Writes are serialized
// through a single mutex over the one connection, per §5's "sole
// synchronisation primitive in the core".
type Backend struct {
	mu  sync.Mutex
	db  *sql.DB
	key [32]byte
}

// Open creates or opens the database at path, sealing sensitive
// columns with a key from the sibling <path>.key file, or from vault
// if non-nil. minSchemaVersion rejects a stored schema older than
// itself with bridgeerr.SchemaVersionTooOld.
func Open(path string, vault *config.VaultKeyCustodian, minSchemaVersion int) (*Backend, error) {
	traceID := uuid.New().String()
	logger.Printf("trace=%s opening durable store at %s", traceID, path)

	if dir := filepath.Dir(path); dir != "." {
		if err := os.MkdirAll(dir, 0o700); err != nil {
			return nil, bridgeerr.Storage("failed to create database directory", err)
		}
	}

	key, err := loadOrCreateKey(path, vault)
	if err != nil {
		return nil, err
	}

	db, err := sql.Open("sqlite3", path)
	if err != nil {
		return nil, bridgeerr.Storage("failed to open database", err)
	}
	db.SetMaxOpenConns(1)

	b := &Backend{db: db, key: key}
	if err := b.initSchema(); err != nil {
		_ = db.Close()
		return nil, err
	}
	if err := b.checkCanary(); err != nil {
		_ = db.Close()
		return nil, err
	}
	if err := b.checkSchemaVersion(minSchemaVersion); err != nil {
		_ = db.Close()
		return nil, err
	}
	logger.Printf("trace=%s durable store opened", traceID)
	return b, nil
}

func loadOrCreateKey(path string, vault *config.VaultKeyCustodian) ([32]byte, error) {
	var key [32]byte
	generate := func() ([]byte, error) {
		buf := make([]byte, 32)
		if _, err := rand.Read(buf); err != nil {
			return nil, err
		}
		return buf, nil
	}

	if vault != nil {
		raw, err := vault.GetOrCreateDatabaseKey(context.Background(), filepath.Base(path), generate)
		if err != nil {
			return key, bridgeerr.Storage("failed to retrieve database key from vault", err)
		}
		if len(raw) != 32 {
			return key, bridgeerr.Storage("vault returned a database key of the wrong length", nil)
		}
		copy(key[:], raw)
		return key, nil
	}

	keyPath := path + ".key"
	raw, err := os.ReadFile(keyPath)
	if err == nil {
		if len(raw) != 32 {
			return key, bridgeerr.Storage("key file has the wrong length", nil)
		}
		copy(key[:], raw)
		return key, nil
	}
	if !os.IsNotExist(err) {
		return key, bridgeerr.Storage("failed to read database key file", err)
	}

	raw, genErr := generate()
	if genErr != nil {
		return key, bridgeerr.Storage("failed to generate database key", genErr)
	}
	if err := os.WriteFile(keyPath, raw, 0o600); err != nil {
		return key, bridgeerr.Storage("failed to write database key file", err)
	}
	copy(key[:], raw)
	return key, nil
}

func (b *Backend) seal(plaintext []byte) ([]byte, error) {
	block, err := aes.NewCipher(b.key[:])
	if err != nil {
		return nil, bridgeerr.Storage("failed to construct cipher", err)
	}
	gcm, err := cipher.NewGCM(block)
	if err != nil {
		return nil, bridgeerr.Storage("failed to construct aead", err)
	}
	nonce := make([]byte, gcm.NonceSize())
	if _, err := rand.Read(nonce); err != nil {
		return nil, bridgeerr.Storage("failed to generate nonce", err)
	}
	return gcm.Seal(nonce, nonce, plaintext, nil), nil
}

func (b *Backend) unseal(sealed []byte) ([]byte, error) {
	block, err := aes.NewCipher(b.key[:])
	if err != nil {
		return nil, bridgeerr.Storage("failed to construct cipher", err)
	}
	gcm, err := cipher.NewGCM(block)
	if err != nil {
		return nil, bridgeerr.Storage("failed to construct aead", err)
	}
	if len(sealed) < gcm.NonceSize() {
		return nil, bridgeerr.Storage("sealed column is too short", nil)
	}
	nonce, ciphertext := sealed[:gcm.NonceSize()], sealed[gcm.NonceSize():]
	plaintext, err := gcm.Open(nil, nonce, ciphertext, nil)
	if err != nil {
		return nil, bridgeerr.Storage("failed to unseal column: wrong key or corrupted data", err)
	}
	return plaintext, nil
}

func (b *Backend) initSchema() error {
	stmts := []string{
		`CREATE TABLE IF NOT EXISTS schema_info (version INTEGER NOT NULL, updated_at INTEGER NOT NULL, key_canary BLOB)`,
		`CREATE TABLE IF NOT EXISTS local_identity (id INTEGER PRIMARY KEY CHECK (id = 1), private_key BLOB NOT NULL, public_key BLOB NOT NULL, registration_id INTEGER NOT NULL, created_at INTEGER NOT NULL, updated_at INTEGER NOT NULL)`,
		`CREATE TABLE IF NOT EXISTS identity_keys (address TEXT NOT NULL, device_id INTEGER NOT NULL, public_key BLOB NOT NULL, first_seen INTEGER NOT NULL, last_seen INTEGER NOT NULL, PRIMARY KEY (address, device_id))`,
		`CREATE TABLE IF NOT EXISTS sessions (address TEXT NOT NULL, device_id INTEGER NOT NULL, serialized_blob BLOB NOT NULL, created_at INTEGER NOT NULL, updated_at INTEGER NOT NULL, PRIMARY KEY (address, device_id))`,
		`CREATE TABLE IF NOT EXISTS pre_keys (id INTEGER PRIMARY KEY, serialized_record BLOB NOT NULL, created_at INTEGER NOT NULL)`,
		`CREATE TABLE IF NOT EXISTS signed_pre_keys (id INTEGER PRIMARY KEY, serialized_record BLOB NOT NULL, signature BLOB NOT NULL, created_at INTEGER NOT NULL, expires_at INTEGER NOT NULL)`,
		`CREATE TABLE IF NOT EXISTS pq_pre_keys (id INTEGER PRIMARY KEY, serialized_record BLOB NOT NULL, signature BLOB NOT NULL, created_at INTEGER NOT NULL, expires_at INTEGER NOT NULL)`,
		`CREATE TABLE IF NOT EXISTS contacts (rdx_fingerprint TEXT PRIMARY KEY, secondary_pubkey TEXT NOT NULL UNIQUE, user_alias TEXT UNIQUE, identity_key BLOB NOT NULL, first_seen INTEGER NOT NULL, last_updated INTEGER NOT NULL)`,
		`CREATE TABLE IF NOT EXISTS bundle_metadata (id INTEGER PRIMARY KEY CHECK (id = 1), pre_key_id INTEGER NOT NULL, signed_pre_key_id INTEGER NOT NULL, pq_pre_key_id INTEGER NOT NULL, published_at INTEGER NOT NULL)`,
		`CREATE TABLE IF NOT EXISTS settings (key TEXT PRIMARY KEY, value TEXT NOT NULL, updated_at INTEGER NOT NULL)`,
	}
	for _, stmt := range stmts {
		if _, err := b.db.Exec(stmt); err != nil {
			return bridgeerr.Storage("failed to initialize schema", err)
		}
	}

	var count int
	if err := b.db.QueryRow(`SELECT COUNT(*) FROM schema_info`).Scan(&count); err != nil {
		return bridgeerr.Storage("failed to read schema_info", err)
	}
	if count == 0 {
		canary, err := b.seal([]byte("radix-bridge-key-canary"))
		if err != nil {
			return err
		}
		if _, err := b.db.Exec(`INSERT INTO schema_info (version, updated_at, key_canary) VALUES (?, ?, ?)`,
			schemaVersion, time.Now().Unix(), canary); err != nil {
			return bridgeerr.Storage("failed to write schema_info", err)
		}
	}
	return nil
}

// checkCanary unseals the stored canary value, so opening with the
// wrong key fails immediately in Open rather than silently succeeding
// and surfacing garbage on the first real read.
func (b *Backend) checkCanary() error {
	var canary []byte
	if err := b.db.QueryRow(`SELECT key_canary FROM schema_info LIMIT 1`).Scan(&canary); err != nil {
		return bridgeerr.Storage("failed to read key canary", err)
	}
	plaintext, err := b.unseal(canary)
	if err != nil {
		return err
	}
	if string(plaintext) != "radix-bridge-key-canary" {
		return bridgeerr.Storage("key canary mismatch", nil)
	}
	return nil
}

func (b *Backend) checkSchemaVersion(minVersion int) error {
	var version int
	if err := b.db.QueryRow(`SELECT version FROM schema_info LIMIT 1`).Scan(&version); err != nil {
		return bridgeerr.Storage("failed to read schema version", err)
	}
	if version < minVersion {
		return bridgeerr.SchemaVersionTooOld(fmt.Sprintf("stored schema version %d is older than minimum supported %d", version, minVersion))
	}
	return nil
}

func (b *Backend) Close() error {
	b.mu.Lock()
	defer b.mu.Unlock()
	if b.db == nil {
		return nil
	}
	err := b.db.Close()
	b.db = nil
	if err != nil {
		return bridgeerr.Storage("failed to close database", err)
	}
	return nil
}

// --- IdentityStore ---

func (b *Backend) SaveLocalIdentity(rec *storage.LocalIdentityRecord) error {
	b.mu.Lock()
	defer b.mu.Unlock()

	sealedKey, err := b.seal(rec.PrivateKey)
	if err != nil {
		return err
	}
	now := time.Now()
	_, err = b.db.Exec(`INSERT INTO local_identity (id, private_key, public_key, registration_id, created_at, updated_at)
		VALUES (1, ?, ?, ?, ?, ?)
		ON CONFLICT(id) DO UPDATE SET private_key = excluded.private_key, public_key = excluded.public_key,
			registration_id = excluded.registration_id, updated_at = excluded.updated_at`,
		sealedKey, rec.PublicKey, rec.RegistrationID, now.Unix(), now.Unix())
	if err != nil {
		return bridgeerr.Storage("failed to save local identity", err)
	}
	return nil
}

func (b *Backend) LoadLocalIdentity() (*storage.LocalIdentityRecord, bool, error) {
	b.mu.Lock()
	defer b.mu.Unlock()

	var sealedKey, pub []byte
	var regID uint32
	var createdAt, updatedAt int64
	err := b.db.QueryRow(`SELECT private_key, public_key, registration_id, created_at, updated_at FROM local_identity WHERE id = 1`).
		Scan(&sealedKey, &pub, &regID, &createdAt, &updatedAt)
	if err == sql.ErrNoRows {
		return nil, false, nil
	}
	if err != nil {
		return nil, false, bridgeerr.Storage("failed to load local identity", err)
	}
	priv, err := b.unseal(sealedKey)
	if err != nil {
		return nil, false, err
	}
	return &storage.LocalIdentityRecord{
		PrivateKey:     priv,
		PublicKey:      pub,
		RegistrationID: regID,
		CreatedAt:      time.Unix(createdAt, 0).UTC(),
		UpdatedAt:      time.Unix(updatedAt, 0).UTC(),
	}, true, nil
}

func (b *Backend) ClearLocalIdentity() error {
	b.mu.Lock()
	defer b.mu.Unlock()
	if _, err := b.db.Exec(`DELETE FROM local_identity WHERE id = 1`); err != nil {
		return bridgeerr.Storage("failed to clear local identity", err)
	}
	return nil
}

func (b *Backend) SaveIdentity(address string, deviceID uint32, publicKey []byte) (bool, error) {
	b.mu.Lock()
	defer b.mu.Unlock()

	var existing []byte
	err := b.db.QueryRow(`SELECT public_key FROM identity_keys WHERE address = ? AND device_id = ?`, address, deviceID).Scan(&existing)
	now := time.Now().Unix()

	switch err {
	case sql.ErrNoRows:
		_, err := b.db.Exec(`INSERT INTO identity_keys (address, device_id, public_key, first_seen, last_seen) VALUES (?, ?, ?, ?, ?)`,
			address, deviceID, publicKey, now, now)
		if err != nil {
			return false, bridgeerr.Storage("failed to save identity", err)
		}
		return false, nil
	case nil:
		replaced := !bytesEqual(existing, publicKey)
		if _, err := b.db.Exec(`UPDATE identity_keys SET public_key = ?, last_seen = ? WHERE address = ? AND device_id = ?`,
			publicKey, now, address, deviceID); err != nil {
			return false, bridgeerr.Storage("failed to update identity", err)
		}
		return replaced, nil
	default:
		return false, bridgeerr.Storage("failed to check existing identity", err)
	}
}

func (b *Backend) IsTrustedIdentity(address string, deviceID uint32, publicKey []byte) (bool, error) {
	b.mu.Lock()
	defer b.mu.Unlock()
	var existing []byte
	err := b.db.QueryRow(`SELECT public_key FROM identity_keys WHERE address = ? AND device_id = ?`, address, deviceID).Scan(&existing)
	if err == sql.ErrNoRows {
		return true, nil
	}
	if err != nil {
		return false, bridgeerr.Storage("failed to check identity trust", err)
	}
	return bytesEqual(existing, publicKey), nil
}

func (b *Backend) LoadIdentity(address string, deviceID uint32) (*storage.StoredIdentity, bool, error) {
	b.mu.Lock()
	defer b.mu.Unlock()
	var pub []byte
	var firstSeen, lastSeen int64
	err := b.db.QueryRow(`SELECT public_key, first_seen, last_seen FROM identity_keys WHERE address = ? AND device_id = ?`, address, deviceID).
		Scan(&pub, &firstSeen, &lastSeen)
	if err == sql.ErrNoRows {
		return nil, false, nil
	}
	if err != nil {
		return nil, false, bridgeerr.Storage("failed to load identity", err)
	}
	return &storage.StoredIdentity{
		Address: address, DeviceID: deviceID, PublicKey: pub,
		FirstSeen: time.Unix(firstSeen, 0).UTC(), LastSeen: time.Unix(lastSeen, 0).UTC(),
	}, true, nil
}

func (b *Backend) DeleteIdentity(address string, deviceID uint32) error {
	b.mu.Lock()
	defer b.mu.Unlock()
	if _, err := b.db.Exec(`DELETE FROM identity_keys WHERE address = ? AND device_id = ?`, address, deviceID); err != nil {
		return bridgeerr.Storage("failed to delete identity", err)
	}
	return nil
}

func (b *Backend) IdentityCount() (int, error) {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.count("identity_keys")
}

func (b *Backend) ClearAllIdentities() error {
	b.mu.Lock()
	defer b.mu.Unlock()
	if _, err := b.db.Exec(`DELETE FROM identity_keys`); err != nil {
		return bridgeerr.Storage("failed to clear identities", err)
	}
	return nil
}

// --- SessionStore ---

func (b *Backend) SaveSession(address string, deviceID uint32, blob []byte) error {
	b.mu.Lock()
	defer b.mu.Unlock()
	sealed, err := b.seal(blob)
	if err != nil {
		return err
	}
	now := time.Now().Unix()
	_, err = b.db.Exec(`INSERT INTO sessions (address, device_id, serialized_blob, created_at, updated_at) VALUES (?, ?, ?, ?, ?)
		ON CONFLICT(address, device_id) DO UPDATE SET serialized_blob = excluded.serialized_blob, updated_at = excluded.updated_at`,
		address, deviceID, sealed, now, now)
	if err != nil {
		return bridgeerr.Storage("failed to save session", err)
	}
	return nil
}

func (b *Backend) LoadSession(address string, deviceID uint32) (*storage.StoredSession, bool, error) {
	b.mu.Lock()
	defer b.mu.Unlock()
	var sealed []byte
	var createdAt, updatedAt int64
	err := b.db.QueryRow(`SELECT serialized_blob, created_at, updated_at FROM sessions WHERE address = ? AND device_id = ?`, address, deviceID).
		Scan(&sealed, &createdAt, &updatedAt)
	if err == sql.ErrNoRows {
		return nil, false, nil
	}
	if err != nil {
		return nil, false, bridgeerr.Storage("failed to load session", err)
	}
	blob, err := b.unseal(sealed)
	if err != nil {
		return nil, false, err
	}
	return &storage.StoredSession{
		Address: address, DeviceID: deviceID, SerializedBlob: blob,
		CreatedAt: time.Unix(createdAt, 0).UTC(), UpdatedAt: time.Unix(updatedAt, 0).UTC(),
	}, true, nil
}

func (b *Backend) DeleteSession(address string, deviceID uint32) error {
	b.mu.Lock()
	defer b.mu.Unlock()
	if _, err := b.db.Exec(`DELETE FROM sessions WHERE address = ? AND device_id = ?`, address, deviceID); err != nil {
		return bridgeerr.Storage("failed to delete session", err)
	}
	return nil
}

func (b *Backend) SessionCount() (int, error) {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.count("sessions")
}

func (b *Backend) ClearAllSessions() error {
	b.mu.Lock()
	defer b.mu.Unlock()
	if _, err := b.db.Exec(`DELETE FROM sessions`); err != nil {
		return bridgeerr.Storage("failed to clear sessions", err)
	}
	return nil
}

// --- PreKeyStore ---

func (b *Backend) SavePreKey(id uint32, record []byte, createdAt time.Time) error {
	b.mu.Lock()
	defer b.mu.Unlock()
	sealed, err := b.seal(record)
	if err != nil {
		return err
	}
	_, err = b.db.Exec(`INSERT INTO pre_keys (id, serialized_record, created_at) VALUES (?, ?, ?)
		ON CONFLICT(id) DO UPDATE SET serialized_record = excluded.serialized_record`,
		id, sealed, createdAt.Unix())
	if err != nil {
		return bridgeerr.Storage("failed to save pre-key", err)
	}
	return nil
}

func (b *Backend) LoadPreKey(id uint32) (*storage.StoredPreKey, bool, error) {
	b.mu.Lock()
	defer b.mu.Unlock()
	var sealed []byte
	var createdAt int64
	err := b.db.QueryRow(`SELECT serialized_record, created_at FROM pre_keys WHERE id = ?`, id).Scan(&sealed, &createdAt)
	if err == sql.ErrNoRows {
		return nil, false, nil
	}
	if err != nil {
		return nil, false, bridgeerr.Storage("failed to load pre-key", err)
	}
	record, err := b.unseal(sealed)
	if err != nil {
		return nil, false, err
	}
	return &storage.StoredPreKey{ID: id, SerializedRecord: record, CreatedAt: time.Unix(createdAt, 0).UTC()}, true, nil
}

func (b *Backend) DeletePreKey(id uint32) error {
	b.mu.Lock()
	defer b.mu.Unlock()
	if _, err := b.db.Exec(`DELETE FROM pre_keys WHERE id = ?`, id); err != nil {
		return bridgeerr.Storage("failed to delete pre-key", err)
	}
	return nil
}

func (b *Backend) AllPreKeyIDs() ([]uint32, error) {
	b.mu.Lock()
	defer b.mu.Unlock()
	rows, err := b.db.Query(`SELECT id FROM pre_keys ORDER BY id ASC`)
	if err != nil {
		return nil, bridgeerr.Storage("failed to list pre-key ids", err)
	}
	defer rows.Close()
	var ids []uint32
	for rows.Next() {
		var id uint32
		if err := rows.Scan(&id); err != nil {
			return nil, bridgeerr.Storage("failed to scan pre-key id", err)
		}
		ids = append(ids, id)
	}
	return ids, nil
}

func (b *Backend) PreKeyCount() (int, error) {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.count("pre_keys")
}

func (b *Backend) ClearAllPreKeys() error {
	b.mu.Lock()
	defer b.mu.Unlock()
	if _, err := b.db.Exec(`DELETE FROM pre_keys`); err != nil {
		return bridgeerr.Storage("failed to clear pre-keys", err)
	}
	return nil
}

// --- SignedPreKeyStore / PQPreKeyStore share an implementation over a table name ---

func (b *Backend) saveSignedLikePreKey(table string, rec *storage.StoredSignedPreKey) error {
	b.mu.Lock()
	defer b.mu.Unlock()
	sealed, err := b.seal(rec.SerializedRecord)
	if err != nil {
		return err
	}
	query := fmt.Sprintf(`INSERT INTO %s (id, serialized_record, signature, created_at, expires_at) VALUES (?, ?, ?, ?, ?)
		ON CONFLICT(id) DO UPDATE SET serialized_record = excluded.serialized_record, signature = excluded.signature`, table)
	if _, err := b.db.Exec(query, rec.ID, sealed, rec.Signature, rec.CreatedAt.Unix(), rec.ExpiresAt.Unix()); err != nil {
		return bridgeerr.Storage("failed to save "+table+" row", err)
	}
	return nil
}

func (b *Backend) loadSignedLikePreKey(table string, id uint32) (*storage.StoredSignedPreKey, bool, error) {
	b.mu.Lock()
	defer b.mu.Unlock()
	var sealed, sig []byte
	var createdAt, expiresAt int64
	query := fmt.Sprintf(`SELECT serialized_record, signature, created_at, expires_at FROM %s WHERE id = ?`, table)
	err := b.db.QueryRow(query, id).Scan(&sealed, &sig, &createdAt, &expiresAt)
	if err == sql.ErrNoRows {
		return nil, false, nil
	}
	if err != nil {
		return nil, false, bridgeerr.Storage("failed to load "+table+" row", err)
	}
	record, err := b.unseal(sealed)
	if err != nil {
		return nil, false, err
	}
	return &storage.StoredSignedPreKey{
		ID: id, SerializedRecord: record, Signature: sig,
		CreatedAt: time.Unix(createdAt, 0).UTC(), ExpiresAt: time.Unix(expiresAt, 0).UTC(),
	}, true, nil
}

func (b *Backend) deleteSignedLikePreKey(table string, id uint32) error {
	b.mu.Lock()
	defer b.mu.Unlock()
	if _, err := b.db.Exec(fmt.Sprintf(`DELETE FROM %s WHERE id = ?`, table), id); err != nil {
		return bridgeerr.Storage("failed to delete "+table+" row", err)
	}
	return nil
}

func (b *Backend) allSignedLikePreKeys(table string) ([]*storage.StoredSignedPreKey, error) {
	b.mu.Lock()
	defer b.mu.Unlock()
	rows, err := b.db.Query(fmt.Sprintf(`SELECT id, serialized_record, signature, created_at, expires_at FROM %s ORDER BY id ASC`, table))
	if err != nil {
		return nil, bridgeerr.Storage("failed to list "+table, err)
	}
	defer rows.Close()
	var out []*storage.StoredSignedPreKey
	for rows.Next() {
		var id uint32
		var sealed, sig []byte
		var createdAt, expiresAt int64
		if err := rows.Scan(&id, &sealed, &sig, &createdAt, &expiresAt); err != nil {
			return nil, bridgeerr.Storage("failed to scan "+table+" row", err)
		}
		record, err := b.unseal(sealed)
		if err != nil {
			return nil, err
		}
		out = append(out, &storage.StoredSignedPreKey{
			ID: id, SerializedRecord: record, Signature: sig,
			CreatedAt: time.Unix(createdAt, 0).UTC(), ExpiresAt: time.Unix(expiresAt, 0).UTC(),
		})
	}
	return out, nil
}

func (b *Backend) SaveSignedPreKey(rec *storage.StoredSignedPreKey) error { return b.saveSignedLikePreKey("signed_pre_keys", rec) }
func (b *Backend) LoadSignedPreKey(id uint32) (*storage.StoredSignedPreKey, bool, error) {
	return b.loadSignedLikePreKey("signed_pre_keys", id)
}
func (b *Backend) DeleteSignedPreKey(id uint32) error { return b.deleteSignedLikePreKey("signed_pre_keys", id) }
func (b *Backend) AllSignedPreKeys() ([]*storage.StoredSignedPreKey, error) {
	return b.allSignedLikePreKeys("signed_pre_keys")
}
func (b *Backend) SignedPreKeyCount() (int, error) {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.count("signed_pre_keys")
}
func (b *Backend) ClearAllSignedPreKeys() error {
	b.mu.Lock()
	defer b.mu.Unlock()
	if _, err := b.db.Exec(`DELETE FROM signed_pre_keys`); err != nil {
		return bridgeerr.Storage("failed to clear signed pre-keys", err)
	}
	return nil
}

func (b *Backend) SavePQPreKey(rec *storage.StoredSignedPreKey) error { return b.saveSignedLikePreKey("pq_pre_keys", rec) }
func (b *Backend) LoadPQPreKey(id uint32) (*storage.StoredSignedPreKey, bool, error) {
	return b.loadSignedLikePreKey("pq_pre_keys", id)
}
func (b *Backend) DeletePQPreKey(id uint32) error { return b.deleteSignedLikePreKey("pq_pre_keys", id) }
func (b *Backend) AllPQPreKeys() ([]*storage.StoredSignedPreKey, error) {
	return b.allSignedLikePreKeys("pq_pre_keys")
}
func (b *Backend) PQPreKeyCount() (int, error) {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.count("pq_pre_keys")
}
func (b *Backend) ClearAllPQPreKeys() error {
	b.mu.Lock()
	defer b.mu.Unlock()
	if _, err := b.db.Exec(`DELETE FROM pq_pre_keys`); err != nil {
		return bridgeerr.Storage("failed to clear pq pre-keys", err)
	}
	return nil
}

// --- ContactStore ---

func (b *Backend) UpsertContact(c *storage.Contact) error {
	b.mu.Lock()
	defer b.mu.Unlock()

	if c.UserAlias != "" {
		var owner string
		err := b.db.QueryRow(`SELECT rdx_fingerprint FROM contacts WHERE user_alias = ?`, c.UserAlias).Scan(&owner)
		if err != nil && err != sql.ErrNoRows {
			return bridgeerr.Storage("failed to check alias uniqueness", err)
		}
		if err == nil && owner != c.RDXFingerprint {
			return bridgeerr.InvalidInput("alias already assigned to another contact")
		}
	}

	var firstSeen int64
	err := b.db.QueryRow(`SELECT first_seen FROM contacts WHERE rdx_fingerprint = ?`, c.RDXFingerprint).Scan(&firstSeen)
	switch err {
	case sql.ErrNoRows:
		if c.FirstSeen.IsZero() {
			c.FirstSeen = time.Now()
		}
	case nil:
		c.FirstSeen = time.Unix(firstSeen, 0).UTC()
	default:
		return bridgeerr.Storage("failed to check existing contact", err)
	}

	lastUpdated := c.LastUpdated
	if lastUpdated.IsZero() {
		lastUpdated = time.Now()
	}

	alias := sql.NullString{String: c.UserAlias, Valid: c.UserAlias != ""}
	_, err = b.db.Exec(`INSERT INTO contacts (rdx_fingerprint, secondary_pubkey, user_alias, identity_key, first_seen, last_updated)
		VALUES (?, ?, ?, ?, ?, ?)
		ON CONFLICT(rdx_fingerprint) DO UPDATE SET secondary_pubkey = excluded.secondary_pubkey, user_alias = excluded.user_alias,
			identity_key = excluded.identity_key, last_updated = excluded.last_updated`,
		c.RDXFingerprint, c.SecondaryPubkey, alias, c.IdentityKeyBytes, c.FirstSeen.Unix(), lastUpdated.Unix())
	if err != nil {
		return bridgeerr.Storage("failed to upsert contact", err)
	}
	return nil
}

func (b *Backend) scanContact(row *sql.Row) (*storage.Contact, bool, error) {
	var c storage.Contact
	var alias sql.NullString
	var firstSeen, lastUpdated int64
	err := row.Scan(&c.RDXFingerprint, &c.SecondaryPubkey, &alias, &c.IdentityKeyBytes, &firstSeen, &lastUpdated)
	if err == sql.ErrNoRows {
		return nil, false, nil
	}
	if err != nil {
		return nil, false, bridgeerr.Storage("failed to scan contact", err)
	}
	c.UserAlias = alias.String
	c.FirstSeen = time.Unix(firstSeen, 0).UTC()
	c.LastUpdated = time.Unix(lastUpdated, 0).UTC()
	return &c, true, nil
}

const contactColumns = `rdx_fingerprint, secondary_pubkey, user_alias, identity_key, first_seen, last_updated`

func (b *Backend) LookupContactByFingerprint(fingerprint string) (*storage.Contact, bool, error) {
	b.mu.Lock()
	defer b.mu.Unlock()
	row := b.db.QueryRow(`SELECT `+contactColumns+` FROM contacts WHERE rdx_fingerprint = ?`, fingerprint)
	return b.scanContact(row)
}

func (b *Backend) LookupContactByAlias(alias string) (*storage.Contact, bool, error) {
	b.mu.Lock()
	defer b.mu.Unlock()
	row := b.db.QueryRow(`SELECT `+contactColumns+` FROM contacts WHERE user_alias = ?`, alias)
	return b.scanContact(row)
}

func (b *Backend) LookupContactBySecondaryPubkey(pubkey string) (*storage.Contact, bool, error) {
	b.mu.Lock()
	defer b.mu.Unlock()
	row := b.db.QueryRow(`SELECT `+contactColumns+` FROM contacts WHERE secondary_pubkey = ?`, pubkey)
	return b.scanContact(row)
}

func (b *Backend) ListContacts() ([]*storage.Contact, error) {
	b.mu.Lock()
	defer b.mu.Unlock()
	rows, err := b.db.Query(`SELECT ` + contactColumns + ` FROM contacts ORDER BY last_updated DESC`)
	if err != nil {
		return nil, bridgeerr.Storage("failed to list contacts", err)
	}
	defer rows.Close()
	var out []*storage.Contact
	for rows.Next() {
		var c storage.Contact
		var alias sql.NullString
		var firstSeen, lastUpdated int64
		if err := rows.Scan(&c.RDXFingerprint, &c.SecondaryPubkey, &alias, &c.IdentityKeyBytes, &firstSeen, &lastUpdated); err != nil {
			return nil, bridgeerr.Storage("failed to scan contact row", err)
		}
		c.UserAlias = alias.String
		c.FirstSeen = time.Unix(firstSeen, 0).UTC()
		c.LastUpdated = time.Unix(lastUpdated, 0).UTC()
		out = append(out, &c)
	}
	return out, nil
}

func (b *Backend) ClearAllContacts() error {
	b.mu.Lock()
	defer b.mu.Unlock()
	if _, err := b.db.Exec(`DELETE FROM contacts`); err != nil {
		return bridgeerr.Storage("failed to clear contacts", err)
	}
	return nil
}

// --- BundleMetadataStore ---

func (b *Backend) SaveBundleMetadata(m *storage.BundleMetadata) error {
	b.mu.Lock()
	defer b.mu.Unlock()
	_, err := b.db.Exec(`INSERT INTO bundle_metadata (id, pre_key_id, signed_pre_key_id, pq_pre_key_id, published_at) VALUES (1, ?, ?, ?, ?)
		ON CONFLICT(id) DO UPDATE SET pre_key_id = excluded.pre_key_id, signed_pre_key_id = excluded.signed_pre_key_id,
			pq_pre_key_id = excluded.pq_pre_key_id, published_at = excluded.published_at`,
		m.PreKeyID, m.SignedPreKeyID, m.PQPreKeyID, m.PublishedAt.Unix())
	if err != nil {
		return bridgeerr.Storage("failed to save bundle metadata", err)
	}
	return nil
}

func (b *Backend) LoadBundleMetadata() (*storage.BundleMetadata, bool, error) {
	b.mu.Lock()
	defer b.mu.Unlock()
	var m storage.BundleMetadata
	var publishedAt int64
	err := b.db.QueryRow(`SELECT pre_key_id, signed_pre_key_id, pq_pre_key_id, published_at FROM bundle_metadata WHERE id = 1`).
		Scan(&m.PreKeyID, &m.SignedPreKeyID, &m.PQPreKeyID, &publishedAt)
	if err == sql.ErrNoRows {
		return nil, false, nil
	}
	if err != nil {
		return nil, false, bridgeerr.Storage("failed to load bundle metadata", err)
	}
	m.PublishedAt = time.Unix(publishedAt, 0).UTC()
	return &m, true, nil
}

// --- SettingsStore ---

func (b *Backend) SetSetting(key, value string) error {
	b.mu.Lock()
	defer b.mu.Unlock()
	_, err := b.db.Exec(`INSERT INTO settings (key, value, updated_at) VALUES (?, ?, ?)
		ON CONFLICT(key) DO UPDATE SET value = excluded.value, updated_at = excluded.updated_at`,
		key, value, time.Now().Unix())
	if err != nil {
		return bridgeerr.Storage("failed to save setting", err)
	}
	return nil
}

func (b *Backend) GetSetting(key string) (string, bool, error) {
	b.mu.Lock()
	defer b.mu.Unlock()
	var value string
	err := b.db.QueryRow(`SELECT value FROM settings WHERE key = ?`, key).Scan(&value)
	if err == sql.ErrNoRows {
		return "", false, nil
	}
	if err != nil {
		return "", false, bridgeerr.Storage("failed to load setting", err)
	}
	return value, true, nil
}

func (b *Backend) count(table string) (int, error) {
	var n int
	if err := b.db.QueryRow(fmt.Sprintf(`SELECT COUNT(*) FROM %s`, table)).Scan(&n); err != nil {
		return 0, bridgeerr.Storage("failed to count "+table, err)
	}
	return n, nil
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
