package repository

import (
	"context"
	"errors"
	"time"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgconn"
	"github.com/jackc/pgx/v5/pgxpool"

	"github.com/camarasama/instant-class-chat/internal/account"
	"github.com/camarasama/instant-class-chat/internal/model"
)

// querier is satisfied by both *pgxpool.Pool and pgx.Tx so every query method
// works unchanged inside and outside a transaction.
type querier interface {
	Exec(ctx context.Context, sql string, args ...any) (pgconn.CommandTag, error)
	Query(ctx context.Context, sql string, args ...any) (pgx.Rows, error)
	QueryRow(ctx context.Context, sql string, args ...any) pgx.Row
}

// Store is the durable credential store over postgres. Tables: school_registry,
// identities, pending_verifications, channels, channel_members, messages.
type Store struct {
	pool *pgxpool.Pool
	db   querier
}

func NewStore(pool *pgxpool.Pool) *Store {
	return &Store{pool: pool, db: pool}
}

func (s *Store) Ping(ctx context.Context) error {
	if s.pool == nil {
		return errors.New("pool not configured")
	}
	return s.pool.Ping(ctx)
}

// InTx runs fn against a store bound to a single transaction. The row locks
// taken inside fn give the per-key critical section the verification
// lifecycle needs.
func (s *Store) InTx(ctx context.Context, fn func(account.Store) error) error {
	if s.pool == nil {
		return errors.New("pool not configured")
	}
	tx, err := s.pool.BeginTx(ctx, pgx.TxOptions{})
	if err != nil {
		return err
	}
	if err := fn(&Store{db: tx}); err != nil {
		_ = tx.Rollback(ctx)
		return err
	}
	return tx.Commit(ctx)
}

func (s *Store) LookupRegistry(ctx context.Context, email, indexNumber string) (model.RegistryRecord, error) {
	var record model.RegistryRecord
	row := s.db.QueryRow(ctx, `
		SELECT id, email, index_number, full_name, role, is_active
		FROM school_registry
		WHERE email = $1 AND index_number = $2 AND is_active = true
	`, email, indexNumber)
	err := row.Scan(
		&record.ID,
		&record.Email,
		&record.IndexNumber,
		&record.FullName,
		&record.Role,
		&record.Active,
	)
	if errors.Is(err, pgx.ErrNoRows) {
		return model.RegistryRecord{}, model.ErrNotInRegistry
	}
	return record, err
}

const identityColumns = `
	id, registry_id, email, index_number, phone_number, username, display_name,
	role, password_hash, is_verified, created_at, updated_at
`

func scanIdentity(row pgx.Row) (model.Identity, error) {
	var identity model.Identity
	err := row.Scan(
		&identity.ID,
		&identity.RegistryID,
		&identity.Email,
		&identity.IndexNumber,
		&identity.PhoneNumber,
		&identity.Username,
		&identity.DisplayName,
		&identity.Role,
		&identity.PasswordHash,
		&identity.Verified,
		&identity.CreatedAt,
		&identity.UpdatedAt,
	)
	if errors.Is(err, pgx.ErrNoRows) {
		return model.Identity{}, model.ErrNotFound
	}
	return identity, err
}

func (s *Store) IdentityByID(ctx context.Context, id string) (model.Identity, error) {
	return scanIdentity(s.db.QueryRow(ctx, `SELECT `+identityColumns+` FROM identities WHERE id = $1`, id))
}

func (s *Store) IdentityByEmail(ctx context.Context, email string) (model.Identity, error) {
	return scanIdentity(s.db.QueryRow(ctx, `SELECT `+identityColumns+` FROM identities WHERE email = $1`, email))
}

// LockIdentityByEmail takes a row lock so a concurrent verify and reclaim for
// the same key serialize. Only meaningful inside InTx.
func (s *Store) LockIdentityByEmail(ctx context.Context, email string) (model.Identity, error) {
	return scanIdentity(s.db.QueryRow(ctx, `SELECT `+identityColumns+` FROM identities WHERE email = $1 FOR UPDATE`, email))
}

func (s *Store) IdentityByLogin(ctx context.Context, key string) (model.Identity, error) {
	return scanIdentity(s.db.QueryRow(ctx, `
		SELECT `+identityColumns+`
		FROM identities
		WHERE email = $1 OR index_number = $2
	`, key, key))
}

// FindVerifiedConflict reports an existing verified identity that collides
// with any of the candidate keys. Phone may be empty.
func (s *Store) FindVerifiedConflict(ctx context.Context, email, indexNumber, phone string) (*model.Identity, error) {
	identity, err := scanIdentity(s.db.QueryRow(ctx, `
		SELECT `+identityColumns+`
		FROM identities
		WHERE is_verified = true
		  AND (email = $1 OR index_number = $2 OR ($3 <> '' AND phone_number = $3))
		LIMIT 1
	`, email, indexNumber, phone))
	if errors.Is(err, model.ErrNotFound) {
		return nil, nil
	}
	if err != nil {
		return nil, err
	}
	return &identity, nil
}

func (s *Store) DeleteUnverified(ctx context.Context, email, indexNumber string) error {
	_, err := s.db.Exec(ctx, `
		DELETE FROM identities
		WHERE is_verified = false AND (email = $1 OR index_number = $2)
	`, email, indexNumber)
	return err
}

func (s *Store) CreateIdentity(ctx context.Context, identity model.Identity) error {
	_, err := s.db.Exec(ctx, `
		INSERT INTO identities (id, registry_id, email, index_number, phone_number, username, display_name, role, password_hash, is_verified, created_at, updated_at)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $11, $12)
	`, identity.ID, identity.RegistryID, identity.Email, identity.IndexNumber, identity.PhoneNumber,
		identity.Username, identity.DisplayName, identity.Role, identity.PasswordHash, identity.Verified,
		identity.CreatedAt, identity.UpdatedAt)
	return err
}

func (s *Store) DeleteIdentity(ctx context.Context, id string) error {
	_, err := s.db.Exec(ctx, `DELETE FROM identities WHERE id = $1`, id)
	return err
}

func (s *Store) CreateVerification(ctx context.Context, verification model.PendingVerification) error {
	_, err := s.db.Exec(ctx, `
		INSERT INTO pending_verifications (id, identity_id, otp_code, expires_at, is_used, created_at)
		VALUES ($1, $2, $3, $4, $5, $6)
	`, verification.ID, verification.IdentityID, verification.Code, verification.ExpiresAt,
		verification.Used, verification.CreatedAt)
	return err
}

func (s *Store) ActiveVerification(ctx context.Context, identityID string) (model.PendingVerification, error) {
	var verification model.PendingVerification
	row := s.db.QueryRow(ctx, `
		SELECT id, identity_id, otp_code, expires_at, is_used, created_at
		FROM pending_verifications
		WHERE identity_id = $1 AND is_used = false
		ORDER BY created_at DESC
		LIMIT 1
	`, identityID)
	err := row.Scan(
		&verification.ID,
		&verification.IdentityID,
		&verification.Code,
		&verification.ExpiresAt,
		&verification.Used,
		&verification.CreatedAt,
	)
	if errors.Is(err, pgx.ErrNoRows) {
		return model.PendingVerification{}, model.ErrNotFound
	}
	return verification, err
}

// SupersedeVerifications retires every active code for an identity before a
// fresh one is issued.
func (s *Store) SupersedeVerifications(ctx context.Context, identityID string) error {
	_, err := s.db.Exec(ctx, `
		UPDATE pending_verifications SET is_used = true
		WHERE identity_id = $1 AND is_used = false
	`, identityID)
	return err
}

// MarkVerified flips the identity and consumes the code in one step. Callers
// run it inside InTx.
func (s *Store) MarkVerified(ctx context.Context, identityID, verificationID string) error {
	tag, err := s.db.Exec(ctx, `
		UPDATE pending_verifications SET is_used = true
		WHERE id = $1 AND is_used = false
	`, verificationID)
	if err != nil {
		return err
	}
	if tag.RowsAffected() == 0 {
		return model.ErrNotFound
	}
	_, err = s.db.Exec(ctx, `
		UPDATE identities SET is_verified = true, updated_at = now()
		WHERE id = $1
	`, identityID)
	return err
}

func (s *Store) ExpiredUnverifiedIDs(ctx context.Context, cutoff time.Time) ([]string, error) {
	rows, err := s.db.Query(ctx, `
		SELECT DISTINCT i.id
		FROM identities i
		JOIN pending_verifications v ON v.identity_id = i.id
		WHERE i.is_verified = false AND v.is_used = false AND v.expires_at < $1
	`, cutoff)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var ids []string
	for rows.Next() {
		var id string
		if err := rows.Scan(&id); err != nil {
			return nil, err
		}
		ids = append(ids, id)
	}
	return ids, rows.Err()
}

// DeleteExpiredIdentity removes an unverified identity only while its code is
// still expired and unconsumed, so a verify that commits first wins.
func (s *Store) DeleteExpiredIdentity(ctx context.Context, id string, cutoff time.Time) (bool, error) {
	tag, err := s.db.Exec(ctx, `
		DELETE FROM identities i
		WHERE i.id = $1
		  AND i.is_verified = false
		  AND EXISTS (
			SELECT 1 FROM pending_verifications v
			WHERE v.identity_id = i.id AND v.is_used = false AND v.expires_at < $2
		  )
	`, id, cutoff)
	if err != nil {
		return false, err
	}
	return tag.RowsAffected() > 0, nil
}
