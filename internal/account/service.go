// Package account owns the verification lifecycle: a roster-checked
// registration becomes a pending identity, a one-time code promotes it to
// verified, and abandoned attempts are reclaimed.
package account

import (
	"context"
	"errors"
	"log"
	"strings"
	"time"

	"github.com/google/uuid"

	"github.com/camarasama/instant-class-chat/internal/crypto"
	"github.com/camarasama/instant-class-chat/internal/mail"
	"github.com/camarasama/instant-class-chat/internal/model"
)

// Store is the slice of the credential store the lifecycle needs. Methods
// called inside InTx observe transaction isolation; LockIdentityByEmail
// additionally serializes verify and reclaim for the same key.
type Store interface {
	LookupRegistry(ctx context.Context, email, indexNumber string) (model.RegistryRecord, error)
	FindVerifiedConflict(ctx context.Context, email, indexNumber, phone string) (*model.Identity, error)
	DeleteUnverified(ctx context.Context, email, indexNumber string) error
	CreateIdentity(ctx context.Context, identity model.Identity) error
	DeleteIdentity(ctx context.Context, id string) error
	IdentityByEmail(ctx context.Context, email string) (model.Identity, error)
	LockIdentityByEmail(ctx context.Context, email string) (model.Identity, error)
	IdentityByLogin(ctx context.Context, key string) (model.Identity, error)
	CreateVerification(ctx context.Context, verification model.PendingVerification) error
	ActiveVerification(ctx context.Context, identityID string) (model.PendingVerification, error)
	SupersedeVerifications(ctx context.Context, identityID string) error
	MarkVerified(ctx context.Context, identityID, verificationID string) error
	ExpiredUnverifiedIDs(ctx context.Context, cutoff time.Time) ([]string, error)
	DeleteExpiredIdentity(ctx context.Context, id string, cutoff time.Time) (bool, error)
	InTx(ctx context.Context, fn func(Store) error) error
}

type Service struct {
	store  Store
	sender mail.Sender
	otpTTL time.Duration
	now    func() time.Time
}

func NewService(store Store, sender mail.Sender, otpTTL time.Duration) *Service {
	return &Service{
		store:  store,
		sender: sender,
		otpTTL: otpTTL,
		now:    func() time.Time { return time.Now().UTC() },
	}
}

type RegisterParams struct {
	Email       string
	IndexNumber string
	PhoneNumber string
	Password    string
	Username    string
}

type RegisterResult struct {
	Identity  model.Identity
	ExpiresAt time.Time
}

// Register validates the caller against the school roster, replaces any stale
// unverified attempt for the same keys, and creates a pending identity with a
// freshly issued code. The identity is removed again if code delivery fails,
// so a failed registration leaves nothing behind.
func (s *Service) Register(ctx context.Context, params RegisterParams) (RegisterResult, error) {
	email := strings.TrimSpace(strings.ToLower(params.Email))
	indexNumber := strings.TrimSpace(strings.ToUpper(params.IndexNumber))
	phone := strings.TrimSpace(params.PhoneNumber)
	username := strings.TrimSpace(params.Username)

	record, err := s.store.LookupRegistry(ctx, email, indexNumber)
	if err != nil {
		return RegisterResult{}, err
	}

	conflict, err := s.store.FindVerifiedConflict(ctx, email, indexNumber, phone)
	if err != nil {
		return RegisterResult{}, err
	}
	if conflict != nil {
		return RegisterResult{}, model.ErrConflict
	}

	hash, err := crypto.HashPassword(params.Password)
	if err != nil {
		return RegisterResult{}, err
	}
	code, err := crypto.NewOTP()
	if err != nil {
		return RegisterResult{}, err
	}

	now := s.now()
	identity := model.Identity{
		ID:           uuid.NewString(),
		RegistryID:   record.ID,
		Email:        email,
		IndexNumber:  indexNumber,
		Username:     username,
		DisplayName:  record.FullName,
		Role:         registryRole(record.Role),
		PasswordHash: hash,
		Verified:     false,
		CreatedAt:    now,
		UpdatedAt:    now,
	}
	if phone != "" {
		identity.PhoneNumber = &phone
	}
	verification := model.PendingVerification{
		ID:         uuid.NewString(),
		IdentityID: identity.ID,
		Code:       code,
		ExpiresAt:  now.Add(s.otpTTL),
		CreatedAt:  now,
	}

	err = s.store.InTx(ctx, func(tx Store) error {
		if err := tx.DeleteUnverified(ctx, email, indexNumber); err != nil {
			return err
		}
		if err := tx.CreateIdentity(ctx, identity); err != nil {
			return err
		}
		return tx.CreateVerification(ctx, verification)
	})
	if err != nil {
		return RegisterResult{}, err
	}

	// Delivery happens outside the transaction; a failure compensates by
	// deleting the identity so no ghost account survives. The mail greets
	// the chosen username when one was given, the roster name otherwise.
	greeting := identity.DisplayName
	if identity.Username != "" {
		greeting = identity.Username
	}
	if err := s.sender.SendOTP(ctx, email, greeting, code); err != nil {
		log.Printf("account: code delivery to %s failed: %v", email, err)
		if deleteErr := s.store.DeleteIdentity(ctx, identity.ID); deleteErr != nil {
			log.Printf("account: rollback of %s failed: %v", identity.ID, deleteErr)
		}
		return RegisterResult{}, model.ErrDeliveryFailed
	}

	return RegisterResult{Identity: identity, ExpiresAt: verification.ExpiresAt}, nil
}

// VerifyCode promotes a pending identity to verified. The whole
// read-then-write runs under a per-key row lock so it cannot race the reclaim
// sweep. Expiry wins over code correctness and reclaims the identity.
func (s *Service) VerifyCode(ctx context.Context, email, code string) (model.Identity, error) {
	email = strings.TrimSpace(strings.ToLower(email))
	var verified model.Identity

	err := s.store.InTx(ctx, func(tx Store) error {
		identity, err := tx.LockIdentityByEmail(ctx, email)
		if err != nil {
			return err
		}
		if identity.Verified {
			return model.ErrAlreadyVerified
		}
		verification, err := tx.ActiveVerification(ctx, identity.ID)
		if err != nil {
			if errors.Is(err, model.ErrNotFound) {
				// No live code means the attempt is dead either way.
				// Reclaim the identity so the caller can register again.
				if err := tx.DeleteIdentity(ctx, identity.ID); err != nil {
					return err
				}
				return model.ErrCodeExpired
			}
			return err
		}
		if s.now().After(verification.ExpiresAt) {
			if err := tx.DeleteIdentity(ctx, identity.ID); err != nil {
				return err
			}
			return model.ErrCodeExpired
		}
		if verification.Code != code {
			return model.ErrCodeMismatch
		}
		if err := tx.MarkVerified(ctx, identity.ID, verification.ID); err != nil {
			return err
		}
		identity.Verified = true
		verified = identity
		return nil
	})
	if err != nil {
		return model.Identity{}, err
	}
	return verified, nil
}

// ResendCode supersedes the active code with a fresh one and a renewed window.
func (s *Service) ResendCode(ctx context.Context, email string) (time.Time, error) {
	email = strings.TrimSpace(strings.ToLower(email))

	code, err := crypto.NewOTP()
	if err != nil {
		return time.Time{}, err
	}
	now := s.now()
	verification := model.PendingVerification{
		ID:        uuid.NewString(),
		Code:      code,
		ExpiresAt: now.Add(s.otpTTL),
		CreatedAt: now,
	}

	var identity model.Identity
	err = s.store.InTx(ctx, func(tx Store) error {
		identity, err = tx.LockIdentityByEmail(ctx, email)
		if err != nil {
			return err
		}
		if identity.Verified {
			return model.ErrAlreadyVerified
		}
		if err := tx.SupersedeVerifications(ctx, identity.ID); err != nil {
			return err
		}
		verification.IdentityID = identity.ID
		return tx.CreateVerification(ctx, verification)
	})
	if err != nil {
		return time.Time{}, err
	}

	if err := s.sender.SendOTP(ctx, email, identity.DisplayName, code); err != nil {
		log.Printf("account: code delivery to %s failed: %v", email, err)
		return time.Time{}, model.ErrDeliveryFailed
	}
	return verification.ExpiresAt, nil
}

// Login authenticates a verified identity by email or index number.
func (s *Service) Login(ctx context.Context, key, password string) (model.Identity, error) {
	key = strings.TrimSpace(key)
	identity, err := s.store.IdentityByLogin(ctx, normalizeLoginKey(key))
	if err != nil {
		if errors.Is(err, model.ErrNotFound) {
			return model.Identity{}, model.ErrInvalidCredentials
		}
		return model.Identity{}, err
	}
	if !identity.Verified {
		return model.Identity{}, model.ErrInvalidCredentials
	}
	if err := crypto.CheckPassword(identity.PasswordHash, password); err != nil {
		return model.Identity{}, model.ErrInvalidCredentials
	}
	return identity, nil
}

// ReclaimExpired deletes unverified identities whose code expired. Safe to run
// concurrently with itself and with VerifyCode: each delete re-checks the
// row's state, and a verify that commits first makes the delete a no-op.
func (s *Service) ReclaimExpired(ctx context.Context) (int, error) {
	cutoff := s.now()
	ids, err := s.store.ExpiredUnverifiedIDs(ctx, cutoff)
	if err != nil {
		return 0, err
	}

	reclaimed := 0
	for _, id := range ids {
		deleted, err := s.store.DeleteExpiredIdentity(ctx, id, cutoff)
		if err != nil {
			log.Printf("account: reclaim of %s failed: %v", id, err)
			continue
		}
		if deleted {
			reclaimed++
		}
	}
	return reclaimed, nil
}

func normalizeLoginKey(key string) string {
	if strings.Contains(key, "@") {
		return strings.ToLower(key)
	}
	return strings.ToUpper(key)
}

func registryRole(role string) string {
	switch strings.ToLower(strings.TrimSpace(role)) {
	case "lecturer", "facilitator":
		return model.RoleFacilitator
	case "class_rep":
		return model.RoleClassRep
	case "admin":
		return model.RoleAdmin
	default:
		return model.RoleLearner
	}
}
