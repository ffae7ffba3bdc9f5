// Package auth implements bearer-token verification and scope checks for
// C6 (spec §4.6): tokens carry a user_id and a set of scopes, expire, and
// are rejected outright once revoked. Password hashing for credential-issued
// tokens uses bcrypt, a memory-hard KDF, per spec §4.6's "plain or fast-hash
// schemes are disallowed" rule.
package auth

import (
	"context"
	"errors"
	"time"

	"golang.org/x/crypto/bcrypt"

	"github.com/ternarybob/recursion-orchestrator/internal/common"
	"github.com/ternarybob/recursion-orchestrator/internal/jobstore"
	"github.com/ternarybob/recursion-orchestrator/internal/models"
)

// Authentication error types for granular error handling, mirrored on the
// correlator-io-correlator middleware's AuthError/Type idiom.
var (
	ErrMissingToken      = errors.New("missing bearer token")
	ErrInvalidToken      = errors.New("invalid bearer token")
	ErrTokenExpired      = errors.New("bearer token expired")
	ErrTokenRevoked      = errors.New("bearer token revoked")
	ErrInvalidCredential = errors.New("invalid username or password")
)

// Error wraps one of the sentinel Err* values with request-specific context,
// matching the Type/Message shape the teacher's secondary grounding
// (correlator-io-correlator) uses for its AuthError.
type Error struct {
	Type    error
	Message string
}

func (e *Error) Error() string {
	if e.Message != "" {
		return e.Type.Error() + ": " + e.Message
	}
	return e.Type.Error()
}

func (e *Error) Unwrap() error { return e.Type }

// Service verifies bearer tokens and issues new ones from credentials.
type Service struct {
	authStore  *jobstore.AuthStore
	bcryptCost int
	tokenTTL   time.Duration
}

// NewService builds a Service backed by authStore, hashing new passwords at
// bcryptCost and minting tokens with a tokenTTL lifetime.
func NewService(authStore *jobstore.AuthStore, bcryptCost int, tokenTTL time.Duration) *Service {
	return &Service{authStore: authStore, bcryptCost: bcryptCost, tokenTTL: tokenTTL}
}

// Authenticated is the verified identity attached to a request's context.
type Authenticated struct {
	UserID string
	Scopes []string
}

// HasScope reports whether the authenticated identity carries scope.
func (a Authenticated) HasScope(scope models.Scope) bool {
	for _, s := range a.Scopes {
		if s == string(scope) {
			return true
		}
	}
	return false
}

// Verify checks a bearer token id against the store: it must exist, not be
// revoked, and not have expired. Performs a dummy bcrypt comparison on every
// failure path so a timing side-channel cannot distinguish "token not found"
// from "token revoked" from "token expired".
func (s *Service) Verify(ctx context.Context, tokenID string) (*Authenticated, error) {
	if tokenID == "" {
		performDummyBcryptComparison()
		return nil, &Error{Type: ErrMissingToken}
	}

	token, err := s.authStore.GetToken(ctx, tokenID)
	if err != nil {
		performDummyBcryptComparison()
		return nil, &Error{Type: ErrInvalidToken, Message: "token not found"}
	}

	if token.Revoked {
		performDummyBcryptComparison()
		return nil, &Error{Type: ErrTokenRevoked}
	}
	if token.Expired(time.Now().UTC()) {
		performDummyBcryptComparison()
		return nil, &Error{Type: ErrTokenExpired}
	}

	return &Authenticated{UserID: token.UserID, Scopes: token.Scopes}, nil
}

// Register hashes password with bcrypt and stores a new credential.
func (s *Service) Register(ctx context.Context, username, password string) (*models.Credential, error) {
	hash, err := bcrypt.GenerateFromPassword([]byte(password), s.bcryptCost)
	if err != nil {
		return nil, err
	}

	cred := &models.Credential{
		UserID:       common.NewUserID(),
		Username:     username,
		PasswordHash: string(hash),
		CreatedAt:    time.Now().UTC(),
	}
	if err := s.authStore.CreateCredential(ctx, cred); err != nil {
		return nil, err
	}
	return cred, nil
}

// Login verifies username/password against the stored bcrypt hash and, on
// success, issues a fresh token carrying scopes.
func (s *Service) Login(ctx context.Context, username, password string, scopes []string) (*models.Token, error) {
	cred, err := s.authStore.GetCredentialByUsername(ctx, username)
	if err != nil {
		performDummyBcryptComparison()
		return nil, &Error{Type: ErrInvalidCredential}
	}

	if err := bcrypt.CompareHashAndPassword([]byte(cred.PasswordHash), []byte(password)); err != nil {
		return nil, &Error{Type: ErrInvalidCredential}
	}

	now := time.Now().UTC()
	token := &models.Token{
		ID:        common.NewTokenID(),
		UserID:    cred.UserID,
		Scopes:    scopes,
		ExpiresAt: now.Add(s.tokenTTL),
		CreatedAt: now,
	}
	if err := s.authStore.CreateToken(ctx, token); err != nil {
		return nil, err
	}
	return token, nil
}

// Revoke invalidates a previously issued token.
func (s *Service) Revoke(ctx context.Context, tokenID string) error {
	return s.authStore.RevokeToken(ctx, tokenID)
}

// performDummyBcryptComparison keeps the failure paths of Verify at roughly
// constant time regardless of which check actually failed. dummyHash is a
// well-formed bcrypt hash, so each comparison runs the full bcrypt cost.
var dummyHash, _ = bcrypt.GenerateFromPassword([]byte("dummy"), bcrypt.DefaultCost)

func performDummyBcryptComparison() {
	_ = bcrypt.CompareHashAndPassword(dummyHash, []byte("dummy"))
}
