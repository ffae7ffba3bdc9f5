package jobstore

import (
	"context"
	"database/sql"
	"fmt"

	"github.com/lib/pq"
	"github.com/ternarybob/arbor"

	"github.com/ternarybob/recursion-orchestrator/internal/apperrors"
	"github.com/ternarybob/recursion-orchestrator/internal/models"
)

// AuthStore persists credentials and bearer tokens for C6 (spec §4.6).
type AuthStore struct {
	db     *DB
	logger arbor.ILogger
}

// NewAuthStore builds an AuthStore over an already-open connection pool.
func NewAuthStore(db *DB, logger arbor.ILogger) *AuthStore {
	return &AuthStore{db: db, logger: logger}
}

// CreateCredential inserts a new user identity with its bcrypt password hash.
func (s *AuthStore) CreateCredential(ctx context.Context, cred *models.Credential) error {
	_, err := s.db.sql.ExecContext(ctx, `
		INSERT INTO credentials (user_id, username, password_hash, created_at)
		VALUES ($1, $2, $3, $4)
	`, cred.UserID, cred.Username, cred.PasswordHash, cred.CreatedAt)
	return err
}

// GetCredentialByUsername looks up a credential by username, returning
// apperrors.NotFound when absent.
func (s *AuthStore) GetCredentialByUsername(ctx context.Context, username string) (*models.Credential, error) {
	row := s.db.sql.QueryRowContext(ctx, `
		SELECT user_id, username, password_hash, created_at FROM credentials WHERE username = $1
	`, username)

	var cred models.Credential
	err := row.Scan(&cred.UserID, &cred.Username, &cred.PasswordHash, &cred.CreatedAt)
	if err == sql.ErrNoRows {
		return nil, apperrors.NotFound("credential", username)
	}
	if err != nil {
		return nil, fmt.Errorf("failed to scan credential %s: %w", username, err)
	}
	return &cred, nil
}

// CreateToken inserts a freshly issued bearer token.
func (s *AuthStore) CreateToken(ctx context.Context, token *models.Token) error {
	_, err := s.db.sql.ExecContext(ctx, `
		INSERT INTO tokens (id, user_id, scopes, expires_at, created_at, revoked)
		VALUES ($1, $2, $3, $4, $5, $6)
	`, token.ID, token.UserID, pq.Array(token.Scopes), token.ExpiresAt, token.CreatedAt, token.Revoked)
	return err
}

// GetToken fetches a token by id, returning apperrors.NotFound when absent.
func (s *AuthStore) GetToken(ctx context.Context, id string) (*models.Token, error) {
	row := s.db.sql.QueryRowContext(ctx, `
		SELECT id, user_id, scopes, expires_at, created_at, revoked FROM tokens WHERE id = $1
	`, id)

	var token models.Token
	err := row.Scan(&token.ID, &token.UserID, pq.Array(&token.Scopes), &token.ExpiresAt, &token.CreatedAt, &token.Revoked)
	if err == sql.ErrNoRows {
		return nil, apperrors.NotFound("token", id)
	}
	if err != nil {
		return nil, fmt.Errorf("failed to scan token %s: %w", id, err)
	}
	return &token, nil
}

// RevokeToken marks a token as revoked, making every subsequent
// verification fail regardless of its expiry.
func (s *AuthStore) RevokeToken(ctx context.Context, id string) error {
	_, err := s.db.sql.ExecContext(ctx, `UPDATE tokens SET revoked = TRUE WHERE id = $1`, id)
	return err
}
