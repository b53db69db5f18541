// Package emailpassword is the email/password recipe: a thin credential table
// next to the linking engine, composed with it in one transaction per signup
// or profile change.
package emailpassword

import (
	"context"
	"database/sql"
	"errors"
	"strings"
	"time"

	"auth-platform/storage/internal/db"
)

// Credential is the stored secret for one email/password recipe user.
type Credential struct {
	RecipeUserID string
	PasswordHash string
	CreatedAt    time.Time
}

// CredentialStore is keyed CRUD over emailpassword_credentials. Like the
// linking store it runs over any DBTX, so signup can share the engine's
// transaction.
type CredentialStore struct {
	db db.DBTX
}

func NewCredentialStore(dbtx db.DBTX) *CredentialStore {
	return &CredentialStore{db: dbtx}
}

func (s *CredentialStore) Insert(ctx context.Context, appID string, c *Credential) error {
	const q = `INSERT INTO emailpassword_credentials
			(app_id, recipe_user_id, password_hash, created_at)
		VALUES ($1, $2, $3, $4)`

	_, err := s.db.ExecContext(ctx, q, appID, c.RecipeUserID, c.PasswordHash, c.CreatedAt)
	return err
}

// Get returns the credential for userID, or nil if not found.
func (s *CredentialStore) Get(ctx context.Context, appID, userID string) (*Credential, error) {
	const q = `SELECT recipe_user_id, password_hash, created_at
		FROM emailpassword_credentials WHERE app_id = $1 AND recipe_user_id = $2`

	var c Credential
	err := s.db.QueryRowContext(ctx, q, appID, userID).Scan(&c.RecipeUserID, &c.PasswordHash, &c.CreatedAt)
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, nil
		}
		return nil, err
	}
	c.RecipeUserID = strings.TrimSpace(c.RecipeUserID)
	return &c, nil
}

func (s *CredentialStore) UpdatePasswordHash(ctx context.Context, appID, userID, hash string) (int64, error) {
	const q = `UPDATE emailpassword_credentials SET password_hash = $3
		WHERE app_id = $1 AND recipe_user_id = $2`

	res, err := s.db.ExecContext(ctx, q, appID, userID, hash)
	if err != nil {
		return 0, err
	}
	return res.RowsAffected()
}

func (s *CredentialStore) Delete(ctx context.Context, appID, userID string) (int64, error) {
	const q = `DELETE FROM emailpassword_credentials
		WHERE app_id = $1 AND recipe_user_id = $2`

	res, err := s.db.ExecContext(ctx, q, appID, userID)
	if err != nil {
		return 0, err
	}
	return res.RowsAffected()
}

// FindUserIDByEmail resolves the recipe user holding email in tenantID, or ""
// if none.
func (s *CredentialStore) FindUserIDByEmail(ctx context.Context, appID, tenantID, email string) (string, error) {
	const q = `SELECT recipe_user_id FROM tenant_memberships
		WHERE app_id = $1 AND tenant_id = $2 AND recipe_id = $3
		AND account_info_type = 'EMAIL' AND account_info_value = $4
		LIMIT 1`

	var id string
	err := s.db.QueryRowContext(ctx, q, appID, tenantID, RecipeID, email).Scan(&id)
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return "", nil
		}
		return "", err
	}
	return strings.TrimSpace(id), nil
}
