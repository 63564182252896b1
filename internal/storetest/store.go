// Package storetest provides an in-memory credential store and notification
// sender for tests. The store keeps the same semantics the postgres store
// enforces (uniqueness of keys, membership joins, message sequencing) and
// exposes error fields for behavior injection.
package storetest

import (
	"context"
	"errors"
	"sort"
	"sync"
	"time"

	"github.com/camarasama/instant-class-chat/internal/account"
	"github.com/camarasama/instant-class-chat/internal/model"
)

type MemStore struct {
	mu   sync.Mutex
	txMu sync.Mutex

	registry      []model.RegistryRecord
	identities    map[string]model.Identity
	verifications map[string]model.PendingVerification
	channels      map[string]model.Channel
	members       map[string][]string // join order preserved
	messages      map[string][]model.Message
	seq           int64

	CreateIdentityErr error
	CreateMessageErr  error
	PingErr           error
}

func NewMemStore() *MemStore {
	return &MemStore{
		identities:    make(map[string]model.Identity),
		verifications: make(map[string]model.PendingVerification),
		channels:      make(map[string]model.Channel),
		members:       make(map[string][]string),
		messages:      make(map[string][]model.Message),
	}
}

func (m *MemStore) AddRegistryRecord(record model.RegistryRecord) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.registry = append(m.registry, record)
}

// SeedIdentity inserts an identity directly, bypassing the lifecycle.
func (m *MemStore) SeedIdentity(identity model.Identity) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.identities[identity.ID] = identity
}

func (m *MemStore) SeedChannel(channel model.Channel, memberIDs ...string) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.channels[channel.ID] = channel
	m.members[channel.ID] = append([]string{}, memberIDs...)
}

func (m *MemStore) Identity(id string) (model.Identity, bool) {
	m.mu.Lock()
	defer m.mu.Unlock()
	identity, ok := m.identities[id]
	return identity, ok
}

func (m *MemStore) IdentityCount() int {
	m.mu.Lock()
	defer m.mu.Unlock()
	return len(m.identities)
}

func (m *MemStore) VerificationCount() int {
	m.mu.Lock()
	defer m.mu.Unlock()
	return len(m.verifications)
}

// ActiveCode returns the newest unused code for an email, for tests that need
// to complete the verification flow.
func (m *MemStore) ActiveCode(email string) string {
	m.mu.Lock()
	defer m.mu.Unlock()
	identity, ok := m.identityByEmailLocked(email)
	if !ok {
		return ""
	}
	verification, ok := m.activeVerificationLocked(identity.ID)
	if !ok {
		return ""
	}
	return verification.Code
}

// ExpireActiveCode backdates the active verification for an email.
func (m *MemStore) ExpireActiveCode(email string, expiresAt time.Time) {
	m.mu.Lock()
	defer m.mu.Unlock()
	identity, ok := m.identityByEmailLocked(email)
	if !ok {
		return
	}
	if verification, ok := m.activeVerificationLocked(identity.ID); ok {
		verification.ExpiresAt = expiresAt
		m.verifications[verification.ID] = verification
	}
}

func (m *MemStore) identityByEmailLocked(email string) (model.Identity, bool) {
	for _, identity := range m.identities {
		if identity.Email == email {
			return identity, true
		}
	}
	return model.Identity{}, false
}

func (m *MemStore) activeVerificationLocked(identityID string) (model.PendingVerification, bool) {
	var latest model.PendingVerification
	found := false
	for _, verification := range m.verifications {
		if verification.IdentityID != identityID || verification.Used {
			continue
		}
		if !found || verification.CreatedAt.After(latest.CreatedAt) {
			latest = verification
			found = true
		}
	}
	return latest, found
}

// --- account.Store ---

func (m *MemStore) LookupRegistry(_ context.Context, email, indexNumber string) (model.RegistryRecord, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	for _, record := range m.registry {
		if record.Email == email && record.IndexNumber == indexNumber && record.Active {
			return record, nil
		}
	}
	return model.RegistryRecord{}, model.ErrNotInRegistry
}

func (m *MemStore) FindVerifiedConflict(_ context.Context, email, indexNumber, phone string) (*model.Identity, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	for _, identity := range m.identities {
		if !identity.Verified {
			continue
		}
		if identity.Email == email || identity.IndexNumber == indexNumber {
			found := identity
			return &found, nil
		}
		if phone != "" && identity.PhoneNumber != nil && *identity.PhoneNumber == phone {
			found := identity
			return &found, nil
		}
	}
	return nil, nil
}

func (m *MemStore) DeleteUnverified(_ context.Context, email, indexNumber string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	for id, identity := range m.identities {
		if !identity.Verified && (identity.Email == email || identity.IndexNumber == indexNumber) {
			m.deleteIdentityLocked(id)
		}
	}
	return nil
}

func (m *MemStore) CreateIdentity(_ context.Context, identity model.Identity) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.CreateIdentityErr != nil {
		return m.CreateIdentityErr
	}
	for _, existing := range m.identities {
		if existing.Email == identity.Email || existing.IndexNumber == identity.IndexNumber {
			return errors.New("unique constraint violation")
		}
	}
	m.identities[identity.ID] = identity
	return nil
}

func (m *MemStore) DeleteIdentity(_ context.Context, id string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.deleteIdentityLocked(id)
	return nil
}

func (m *MemStore) deleteIdentityLocked(id string) {
	delete(m.identities, id)
	for verificationID, verification := range m.verifications {
		if verification.IdentityID == id {
			delete(m.verifications, verificationID)
		}
	}
	for channelID, members := range m.members {
		m.members[channelID] = removeString(members, id)
	}
}

func (m *MemStore) IdentityByEmail(_ context.Context, email string) (model.Identity, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if identity, ok := m.identityByEmailLocked(email); ok {
		return identity, nil
	}
	return model.Identity{}, model.ErrNotFound
}

func (m *MemStore) LockIdentityByEmail(ctx context.Context, email string) (model.Identity, error) {
	return m.IdentityByEmail(ctx, email)
}

func (m *MemStore) IdentityByLogin(_ context.Context, key string) (model.Identity, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	for _, identity := range m.identities {
		if identity.Email == key || identity.IndexNumber == key {
			return identity, nil
		}
	}
	return model.Identity{}, model.ErrNotFound
}

func (m *MemStore) IdentityByID(_ context.Context, id string) (model.Identity, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if identity, ok := m.identities[id]; ok {
		return identity, nil
	}
	return model.Identity{}, model.ErrNotFound
}

func (m *MemStore) CreateVerification(_ context.Context, verification model.PendingVerification) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.verifications[verification.ID] = verification
	return nil
}

func (m *MemStore) ActiveVerification(_ context.Context, identityID string) (model.PendingVerification, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if verification, ok := m.activeVerificationLocked(identityID); ok {
		return verification, nil
	}
	return model.PendingVerification{}, model.ErrNotFound
}

func (m *MemStore) SupersedeVerifications(_ context.Context, identityID string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	for id, verification := range m.verifications {
		if verification.IdentityID == identityID && !verification.Used {
			verification.Used = true
			m.verifications[id] = verification
		}
	}
	return nil
}

func (m *MemStore) MarkVerified(_ context.Context, identityID, verificationID string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	verification, ok := m.verifications[verificationID]
	if !ok || verification.Used {
		return model.ErrNotFound
	}
	verification.Used = true
	m.verifications[verificationID] = verification

	identity, ok := m.identities[identityID]
	if !ok {
		return model.ErrNotFound
	}
	identity.Verified = true
	m.identities[identityID] = identity
	return nil
}

func (m *MemStore) ExpiredUnverifiedIDs(_ context.Context, cutoff time.Time) ([]string, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	var ids []string
	for id, identity := range m.identities {
		if identity.Verified {
			continue
		}
		if verification, ok := m.activeVerificationLocked(id); ok && verification.ExpiresAt.Before(cutoff) {
			ids = append(ids, id)
		}
	}
	sort.Strings(ids)
	return ids, nil
}

func (m *MemStore) DeleteExpiredIdentity(_ context.Context, id string, cutoff time.Time) (bool, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	identity, ok := m.identities[id]
	if !ok || identity.Verified {
		return false, nil
	}
	verification, ok := m.activeVerificationLocked(id)
	if !ok || !verification.ExpiresAt.Before(cutoff) {
		return false, nil
	}
	m.deleteIdentityLocked(id)
	return true, nil
}

// InTx serializes transactions with a dedicated lock; the inner calls take
// the data lock themselves, which approximates the row locking the postgres
// store relies on.
func (m *MemStore) InTx(_ context.Context, fn func(account.Store) error) error {
	m.txMu.Lock()
	defer m.txMu.Unlock()
	return fn(m)
}

func removeString(values []string, target string) []string {
	out := values[:0]
	for _, value := range values {
		if value != target {
			out = append(out, value)
		}
	}
	return out
}
