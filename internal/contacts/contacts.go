// Package contacts manages the contact address book, kept separate
// from session/ratchet concerns the same way the original contact
// manager separates contact bookkeeping from Signal Protocol state.
package contacts

import (
	"encoding/hex"
	"time"

	"github.com/radix-relay/bridge-core/internal/bridgeerr"
	"github.com/radix-relay/bridge-core/internal/bundle"
	"github.com/radix-relay/bridge-core/internal/identity"
	"github.com/radix-relay/bridge-core/internal/storage"
)

// Info is a contact row enriched with a session-liveness flag.
type Info struct {
	RDXFingerprint   string
	SecondaryPubkey  string
	UserAlias        string
	IdentityKeyBytes []byte
	HasActiveSession bool
}

// Manager manages the contact address book over a storage.Backend. A
// contact's fingerprint doubles as the address under which its
// session, if any, is filed.
type Manager struct {
	store storage.Backend
}

// New builds a Manager over the given backend.
func New(store storage.Backend) *Manager {
	return &Manager{store: store}
}

// AddContactFromBundle derives the fingerprint and secondary pubkey
// from a peer's pre-key bundle and upserts the contact row, preserving
// first_seen across reinsertion. It does not establish a session. If
// alias is empty, an auto-generated Unknown-<8hex> alias is assigned
// on first insertion only; reinsertion never overwrites an existing
// alias with an empty one.
func (m *Manager) AddContactFromBundle(bundleBytes []byte, alias string) (string, error) {
	b, err := bundle.Decode(bundleBytes)
	if err != nil {
		return "", err
	}
	ik, err := bundle.DecodeIdentityKey(b.IdentityKey)
	if err != nil {
		return "", err
	}

	fingerprint := identity.Fingerprint(ik.DHPublic)
	secondaryPub, err := identity.DeriveSecondaryPublicKey(ik.DHPublic)
	if err != nil {
		return "", err
	}
	secondaryHex := hex.EncodeToString(secondaryPub.SerializeCompressed())

	existing, found, err := m.store.LookupContactByFingerprint(fingerprint)
	if err != nil {
		return "", err
	}

	resolvedAlias := alias
	if resolvedAlias == "" {
		if found && existing.UserAlias != "" {
			resolvedAlias = existing.UserAlias
		} else {
			resolvedAlias = "Unknown-" + identity.ShortFingerprint(fingerprint, 8)
		}
	}

	row := &storage.Contact{
		RDXFingerprint:   fingerprint,
		SecondaryPubkey:  secondaryHex,
		UserAlias:        resolvedAlias,
		IdentityKeyBytes: b.IdentityKey,
		LastUpdated:      time.Now(),
	}
	if found {
		row.FirstSeen = existing.FirstSeen
	}
	if err := m.store.UpsertContact(row); err != nil {
		return "", err
	}
	return fingerprint, nil
}

// LookupContact accepts any of {fingerprint, alias, secondary pubkey}
// and returns the contact row plus whether a live session exists for
// it.
func (m *Manager) LookupContact(identifier string) (*Info, error) {
	c, found, err := m.store.LookupContactByFingerprint(identifier)
	if err != nil {
		return nil, err
	}
	if !found {
		c, found, err = m.store.LookupContactByAlias(identifier)
		if err != nil {
			return nil, err
		}
	}
	if !found {
		c, found, err = m.store.LookupContactBySecondaryPubkey(identifier)
		if err != nil {
			return nil, err
		}
	}
	if !found {
		return nil, bridgeerr.InvalidInput("contact not found: " + identifier)
	}

	_, hasSession, err := m.store.LoadSession(c.RDXFingerprint, 1)
	if err != nil {
		return nil, err
	}

	return &Info{
		RDXFingerprint:   c.RDXFingerprint,
		SecondaryPubkey:  c.SecondaryPubkey,
		UserAlias:        c.UserAlias,
		IdentityKeyBytes: c.IdentityKeyBytes,
		HasActiveSession: hasSession,
	}, nil
}

// AssignContactAlias locates the contact by identifier and assigns it
// newAlias, provided newAlias is either unused or already owned by
// this same contact.
func (m *Manager) AssignContactAlias(identifier, newAlias string) error {
	info, err := m.LookupContact(identifier)
	if err != nil {
		return err
	}

	owner, found, err := m.store.LookupContactByAlias(newAlias)
	if err != nil {
		return err
	}
	if found && owner.RDXFingerprint != info.RDXFingerprint {
		return bridgeerr.InvalidInput("alias '" + newAlias + "' is already assigned to another contact")
	}

	return m.store.UpsertContact(&storage.Contact{
		RDXFingerprint:   info.RDXFingerprint,
		SecondaryPubkey:  info.SecondaryPubkey,
		UserAlias:        newAlias,
		IdentityKeyBytes: info.IdentityKeyBytes,
		LastUpdated:      time.Now(),
	})
}

// ListContacts returns every contact ordered by last_updated
// descending, each carrying a session-liveness flag.
func (m *Manager) ListContacts() ([]*Info, error) {
	rows, err := m.store.ListContacts()
	if err != nil {
		return nil, err
	}
	out := make([]*Info, 0, len(rows))
	for _, c := range rows {
		_, hasSession, err := m.store.LoadSession(c.RDXFingerprint, 1)
		if err != nil {
			return nil, err
		}
		out = append(out, &Info{
			RDXFingerprint:   c.RDXFingerprint,
			SecondaryPubkey:  c.SecondaryPubkey,
			UserAlias:        c.UserAlias,
			IdentityKeyBytes: c.IdentityKeyBytes,
			HasActiveSession: hasSession,
		})
	}
	return out, nil
}
