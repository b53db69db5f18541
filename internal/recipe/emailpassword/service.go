package emailpassword

import (
	"context"
	"database/sql"
	"errors"
	"strings"
	"time"

	"github.com/google/uuid"
	"go.uber.org/zap"

	"auth-platform/storage/internal/db"
	"auth-platform/storage/internal/linking/domain"
	"auth-platform/storage/internal/linking/locker"
	"auth-platform/storage/internal/linking/repository"
	"auth-platform/storage/internal/linking/service"
	"auth-platform/storage/internal/security"
)

// RecipeID tags login methods created by this recipe.
const RecipeID = "emailpassword"

var (
	ErrInvalidEmail     = errors.New("invalid email address")
	ErrPasswordTooShort = errors.New("password must be at least 8 characters")
	ErrWrongCredentials = errors.New("wrong email or password")
)

// Service wires the credential table and the linking engine together. Each
// public method is one transaction.
type Service struct {
	db          *sql.DB
	hasher      *security.PasswordHasher
	lockTimeout time.Duration
	log         *zap.Logger
}

func NewService(sqlDB *sql.DB, hasher *security.PasswordHasher, lockTimeout time.Duration, log *zap.Logger) *Service {
	if log == nil {
		log = zap.NewNop()
	}
	return &Service{db: sqlDB, hasher: hasher, lockTimeout: lockTimeout, log: log}
}

func validateEmail(email string) error {
	at := strings.IndexByte(email, '@')
	if at < 1 || at == len(email)-1 || strings.ContainsAny(email, " \t\n") {
		return ErrInvalidEmail
	}
	return nil
}

func validatePassword(password string) error {
	if len(password) < 8 {
		return ErrPasswordTooShort
	}
	return nil
}

// SignUp creates a new recipe user with the given email in the given tenants
// and returns its id. Writes the credential and the login-method rows in one
// transaction, so a duplicate email rolls both back.
func (s *Service) SignUp(ctx context.Context, appID, email, password string, tenantIDs []string) (string, error) {
	email = strings.ToLower(strings.TrimSpace(email))
	if err := validateEmail(email); err != nil {
		return "", err
	}
	if err := validatePassword(password); err != nil {
		return "", err
	}

	hash, err := s.hasher.Hash(password)
	if err != nil {
		return "", err
	}
	userID := uuid.NewString()

	err = db.RunInTx(ctx, s.db, s.lockTimeout, func(tx *sql.Tx) error {
		creds := NewCredentialStore(tx)
		if err := creds.Insert(ctx, appID, &Credential{
			RecipeUserID: userID,
			PasswordHash: hash,
			CreatedAt:    time.Now().UTC(),
		}); err != nil {
			return err
		}
		ops := service.NewOps(repository.NewPostgresStore(tx), s.log)
		return ops.AddLoginMethod(ctx, appID, &domain.LoginMethod{
			RecipeUserID: userID,
			RecipeID:     RecipeID,
			Type:         domain.TypeEmail,
			Value:        email,
		}, tenantIDs)
	})
	if err != nil {
		return "", err
	}
	s.log.Info("email/password user signed up",
		zap.String("app_id", appID), zap.String("recipe_user_id", userID))
	return userID, nil
}

// SignIn resolves the email within tenantID and verifies the password.
// Returns the recipe user id, or ErrWrongCredentials on any mismatch; an
// unknown email and a bad password are indistinguishable to the caller.
func (s *Service) SignIn(ctx context.Context, appID, tenantID, email, password string) (string, error) {
	email = strings.ToLower(strings.TrimSpace(email))
	creds := NewCredentialStore(s.db)
	userID, err := creds.FindUserIDByEmail(ctx, appID, tenantID, email)
	if err != nil {
		return "", err
	}
	if userID == "" {
		return "", ErrWrongCredentials
	}
	c, err := creds.Get(ctx, appID, userID)
	if err != nil {
		return "", err
	}
	if c == nil {
		return "", ErrWrongCredentials
	}
	if err := s.hasher.Compare(c.PasswordHash, password); err != nil {
		return "", ErrWrongCredentials
	}
	return userID, nil
}

// UpdateEmail rewrites the user's email through the linking engine, under the
// user's row lock, honoring group reservation rules.
func (s *Service) UpdateEmail(ctx context.Context, appID, userID, newEmail string) error {
	newEmail = strings.ToLower(strings.TrimSpace(newEmail))
	if err := validateEmail(newEmail); err != nil {
		return err
	}
	return db.RunInTx(ctx, s.db, s.lockTimeout, func(tx *sql.Tx) error {
		store := repository.NewPostgresStore(tx)
		user, err := locker.New(store).LockUser(ctx, appID, userID)
		if err != nil {
			return err
		}
		return service.NewOps(store, s.log).UpdateAccountInfo(ctx, appID, user, domain.TypeEmail, &newEmail)
	})
}

// UpdatePassword replaces the stored hash after verifying the old password.
func (s *Service) UpdatePassword(ctx context.Context, appID, userID, oldPassword, newPassword string) error {
	if err := validatePassword(newPassword); err != nil {
		return err
	}
	creds := NewCredentialStore(s.db)
	c, err := creds.Get(ctx, appID, userID)
	if err != nil {
		return err
	}
	if c == nil {
		return domain.ErrUnknownUser
	}
	if err := s.hasher.Compare(c.PasswordHash, oldPassword); err != nil {
		return ErrWrongCredentials
	}
	hash, err := s.hasher.Hash(newPassword)
	if err != nil {
		return err
	}
	n, err := creds.UpdatePasswordHash(ctx, appID, userID, hash)
	if err != nil {
		return err
	}
	if n == 0 {
		return domain.ErrUnknownUser
	}
	return nil
}

// DeleteUser removes the credential and every linking-table trace of the user
// in one transaction.
func (s *Service) DeleteUser(ctx context.Context, appID, userID string) error {
	return db.RunInTx(ctx, s.db, s.lockTimeout, func(tx *sql.Tx) error {
		store := repository.NewPostgresStore(tx)
		user, err := locker.New(store).LockUser(ctx, appID, userID)
		if err != nil {
			return err
		}
		if err := service.NewOps(store, s.log).DeleteUser(ctx, appID, user); err != nil {
			return err
		}
		_, err = NewCredentialStore(tx).Delete(ctx, appID, userID)
		return err
	})
}
