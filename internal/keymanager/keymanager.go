// Package keymanager owns the pre-key lifecycle: bootstrapping a fresh
// identity's initial key supply, consuming one-time pre-keys as
// sessions are established, and rotating the medium-term signed and
// post-quantum pre-keys on a schedule.
package keymanager

import (
	"sort"
	"time"

	"github.com/radix-relay/bridge-core/internal/bridgeerr"
	"github.com/radix-relay/bridge-core/internal/keys"
	"github.com/radix-relay/bridge-core/internal/storage"
)

// Constants governs the tunable lifecycle thresholds. The zero value
// is not usable; build one with DefaultConstants or from
// internal/config.
type Constants struct {
	MinPreKeyCount     uint32
	ReplenishCount     uint32
	BootstrapPreKeys   uint32
	RotationInterval   time.Duration
	GracePeriod        time.Duration
	SignedPreKeyExpiry time.Duration
}

// DefaultConstants returns the lifecycle thresholds from the Key
// Manager's default configuration.
func DefaultConstants() Constants {
	return Constants{
		MinPreKeyCount:     50,
		ReplenishCount:     100,
		BootstrapPreKeys:   10,
		RotationInterval:   7 * 24 * time.Hour,
		GracePeriod:        7 * 24 * time.Hour,
		SignedPreKeyExpiry: 30 * 24 * time.Hour,
	}
}

// Manager drives pre-key bootstrap, consumption, and rotation against
// a storage.Backend.
type Manager struct {
	store     storage.Backend
	constants Constants
}

// New builds a Manager over the given backend and lifecycle constants.
func New(store storage.Backend, constants Constants) *Manager {
	return &Manager{store: store, constants: constants}
}

// Bootstrap generates the initial key supply for a freshly created
// identity: BootstrapPreKeys one-time pre-keys (ids 1..=N), one signed
// pre-key (id 1), and one PQ pre-key (id 1). It is a no-op if any
// pre-key store is already non-empty, so it is safe to call on every
// startup.
func (m *Manager) Bootstrap(identity *keys.IdentityKeyPair) error {
	count, err := m.store.PreKeyCount()
	if err != nil {
		return err
	}
	spkCount, err := m.store.SignedPreKeyCount()
	if err != nil {
		return err
	}
	pqCount, err := m.store.PQPreKeyCount()
	if err != nil {
		return err
	}
	if count > 0 || spkCount > 0 || pqCount > 0 {
		return nil
	}

	oneTime, err := keys.GenerateOneTimePreKeys(1, m.constants.BootstrapPreKeys)
	if err != nil {
		return err
	}
	now := time.Now()
	for _, otk := range oneTime {
		if err := m.store.SavePreKey(otk.ID, serializeX25519Private(otk.KeyPair), now); err != nil {
			return err
		}
	}

	spk, err := keys.GenerateSignedPreKey(1, identity, now)
	if err != nil {
		return err
	}
	if err := m.saveSignedLike(spk.ID, serializeX25519Private(spk.KeyPair), spk.Signature, spk.CreatedAt, false); err != nil {
		return err
	}

	pqpk, err := keys.GeneratePQPreKey(1, identity, now)
	if err != nil {
		return err
	}
	if err := m.saveSignedLike(pqpk.ID, pqpk.KeyPair.Serialize(), pqpk.Signature, pqpk.CreatedAt, true); err != nil {
		return err
	}
	return nil
}

func (m *Manager) saveSignedLike(id uint32, record, signature []byte, createdAt time.Time, pq bool) error {
	rec := &storage.StoredSignedPreKey{
		ID: id, SerializedRecord: record, Signature: signature,
		CreatedAt: createdAt, ExpiresAt: createdAt.Add(m.constants.SignedPreKeyExpiry),
	}
	if pq {
		return m.store.SavePQPreKey(rec)
	}
	return m.store.SaveSignedPreKey(rec)
}

// ConsumePreKey deletes a one-time pre-key by id and replenishes the
// pool if this consumption drops the count below MinPreKeyCount. The
// new batch continues numbering from max_existing_id+1, per the
// monotonic id-allocation tie-break.
func (m *Manager) ConsumePreKey(id uint32) error {
	if _, ok, err := m.store.LoadPreKey(id); err != nil {
		return err
	} else if !ok {
		return bridgeerr.InvalidInput("one-time pre-key not found")
	}
	if err := m.store.DeletePreKey(id); err != nil {
		return err
	}

	count, err := m.store.PreKeyCount()
	if err != nil {
		return err
	}
	if uint32(count) >= m.constants.MinPreKeyCount {
		return nil
	}

	nextID, err := m.nextPreKeyID()
	if err != nil {
		return err
	}
	fresh, err := keys.GenerateOneTimePreKeys(nextID, m.constants.ReplenishCount)
	if err != nil {
		return err
	}
	now := time.Now()
	for _, otk := range fresh {
		if err := m.store.SavePreKey(otk.ID, serializeX25519Private(otk.KeyPair), now); err != nil {
			return err
		}
	}
	return nil
}

func (m *Manager) nextPreKeyID() (uint32, error) {
	ids, err := m.store.AllPreKeyIDs()
	if err != nil {
		return 0, err
	}
	var max uint32
	for _, id := range ids {
		if id > max {
			max = id
		}
	}
	return max + 1, nil
}

// RotateSignedPreKey generates a new signed pre-key with the next
// monotonic id. The previous one is left in place; cleanup happens in
// CleanupExpiredSignedPreKeys after the grace period.
func (m *Manager) RotateSignedPreKey(identity *keys.IdentityKeyPair) error {
	nextID, err := m.nextSignedPreKeyID()
	if err != nil {
		return err
	}
	spk, err := keys.GenerateSignedPreKey(nextID, identity, time.Now())
	if err != nil {
		return err
	}
	return m.saveSignedLike(spk.ID, serializeX25519Private(spk.KeyPair), spk.Signature, spk.CreatedAt, false)
}

func (m *Manager) nextSignedPreKeyID() (uint32, error) {
	all, err := m.store.AllSignedPreKeys()
	if err != nil {
		return 0, err
	}
	var max uint32
	for _, rec := range all {
		if rec.ID > max {
			max = rec.ID
		}
	}
	return max + 1, nil
}

// SignedPreKeyNeedsRotation reports whether the youngest signed
// pre-key is older than RotationInterval, or none exists.
func (m *Manager) SignedPreKeyNeedsRotation() (bool, error) {
	all, err := m.store.AllSignedPreKeys()
	if err != nil {
		return false, err
	}
	if len(all) == 0 {
		return true, nil
	}
	youngest := youngestOf(all)
	return time.Since(youngest.CreatedAt) > m.constants.RotationInterval, nil
}

// CleanupExpiredSignedPreKeys deletes signed pre-keys older than
// RotationInterval+GracePeriod, but never the last surviving record.
func (m *Manager) CleanupExpiredSignedPreKeys() error {
	all, err := m.store.AllSignedPreKeys()
	if err != nil {
		return err
	}
	return m.cleanupExpired(all, m.store.DeleteSignedPreKey)
}

// RotatePQPreKey is the PQ analogue of RotateSignedPreKey.
func (m *Manager) RotatePQPreKey(identity *keys.IdentityKeyPair) error {
	nextID, err := m.nextPQPreKeyID()
	if err != nil {
		return err
	}
	pqpk, err := keys.GeneratePQPreKey(nextID, identity, time.Now())
	if err != nil {
		return err
	}
	return m.saveSignedLike(pqpk.ID, pqpk.KeyPair.Serialize(), pqpk.Signature, pqpk.CreatedAt, true)
}

func (m *Manager) nextPQPreKeyID() (uint32, error) {
	all, err := m.store.AllPQPreKeys()
	if err != nil {
		return 0, err
	}
	var max uint32
	for _, rec := range all {
		if rec.ID > max {
			max = rec.ID
		}
	}
	return max + 1, nil
}

// PQPreKeyNeedsRotation is the PQ analogue of SignedPreKeyNeedsRotation.
func (m *Manager) PQPreKeyNeedsRotation() (bool, error) {
	all, err := m.store.AllPQPreKeys()
	if err != nil {
		return false, err
	}
	if len(all) == 0 {
		return true, nil
	}
	youngest := youngestOf(all)
	return time.Since(youngest.CreatedAt) > m.constants.RotationInterval, nil
}

// CleanupExpiredPQPreKeys is the PQ analogue of
// CleanupExpiredSignedPreKeys.
func (m *Manager) CleanupExpiredPQPreKeys() error {
	all, err := m.store.AllPQPreKeys()
	if err != nil {
		return err
	}
	return m.cleanupExpired(all, m.store.DeletePQPreKey)
}

func (m *Manager) cleanupExpired(all []*storage.StoredSignedPreKey, del func(uint32) error) error {
	if len(all) <= 1 {
		return nil
	}
	threshold := m.constants.RotationInterval + m.constants.GracePeriod
	youngest := youngestOf(all)
	for _, rec := range all {
		if rec.ID == youngest.ID {
			continue
		}
		if time.Since(rec.CreatedAt) > threshold {
			if err := del(rec.ID); err != nil {
				return err
			}
		}
	}
	return nil
}

func youngestOf(all []*storage.StoredSignedPreKey) *storage.StoredSignedPreKey {
	sorted := make([]*storage.StoredSignedPreKey, len(all))
	copy(sorted, all)
	sort.Slice(sorted, func(i, j int) bool { return sorted[i].CreatedAt.After(sorted[j].CreatedAt) })
	return sorted[0]
}

// LowestOneTimePreKeyID returns the smallest id among the remaining
// one-time pre-keys for advertising in an outgoing bundle, so the
// oldest-issued keys are consumed first instead of leaving gaps of
// orphaned high-numbered keys behind. Returns ok=false when the pool
// is empty.
func (m *Manager) LowestOneTimePreKeyID() (id uint32, ok bool, err error) {
	ids, err := m.store.AllPreKeyIDs()
	if err != nil {
		return 0, false, err
	}
	if len(ids) == 0 {
		return 0, false, nil
	}
	min := ids[0]
	for _, candidate := range ids[1:] {
		if candidate < min {
			min = candidate
		}
	}
	return min, true, nil
}

func serializeX25519Private(kp *keys.X25519KeyPair) []byte {
	out := make([]byte, 32)
	copy(out, kp.PrivateKey[:])
	return out
}
