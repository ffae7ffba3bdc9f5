package jobstore

import (
	"context"
	"database/sql"
	"testing"
	"time"

	"github.com/DATA-DOG/go-sqlmock"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/ternarybob/recursion-orchestrator/internal/apperrors"
	"github.com/ternarybob/recursion-orchestrator/internal/common"
	"github.com/ternarybob/recursion-orchestrator/internal/models"
)

func newMockAuthStore(t *testing.T) (*AuthStore, sqlmock.Sqlmock) {
	t.Helper()
	sqlDB, mock, err := sqlmock.New()
	require.NoError(t, err)
	t.Cleanup(func() { sqlDB.Close() })

	db := NewFromDB(sqlDB, common.GetLogger())
	return NewAuthStore(db, common.GetLogger()), mock
}

func TestGetCredentialByUsername_ReturnsNotFoundWhenAbsent(t *testing.T) {
	store, mock := newMockAuthStore(t)

	mock.ExpectQuery("SELECT (.+) FROM credentials WHERE username = \\$1").
		WithArgs("alice").
		WillReturnError(sql.ErrNoRows)

	_, err := store.GetCredentialByUsername(context.Background(), "alice")

	ae, ok := apperrors.As(err)
	require.True(t, ok)
	assert.Equal(t, apperrors.KindNotFound, ae.Kind)
}

func TestCreateToken_ExecutesInsertWithScopeArray(t *testing.T) {
	store, mock := newMockAuthStore(t)
	now := time.Now().UTC()
	token := &models.Token{
		ID:        "token_1",
		UserID:    "user_1",
		Scopes:    []string{"jobs:read", "jobs:write"},
		ExpiresAt: now.Add(24 * time.Hour),
		CreatedAt: now,
	}

	mock.ExpectExec("INSERT INTO tokens").
		WillReturnResult(sqlmock.NewResult(1, 1))

	err := store.CreateToken(context.Background(), token)

	require.NoError(t, err)
	assert.NoError(t, mock.ExpectationsWereMet())
}

func TestGetToken_ReturnsNotFoundWhenAbsent(t *testing.T) {
	store, mock := newMockAuthStore(t)

	mock.ExpectQuery("SELECT (.+) FROM tokens WHERE id = \\$1").
		WithArgs("missing").
		WillReturnError(sql.ErrNoRows)

	_, err := store.GetToken(context.Background(), "missing")

	ae, ok := apperrors.As(err)
	require.True(t, ok)
	assert.Equal(t, apperrors.KindNotFound, ae.Kind)
}

func TestRevokeToken_ExecutesUpdate(t *testing.T) {
	store, mock := newMockAuthStore(t)

	mock.ExpectExec("UPDATE tokens SET revoked = TRUE WHERE id = \\$1").
		WithArgs("token_1").
		WillReturnResult(sqlmock.NewResult(0, 1))

	err := store.RevokeToken(context.Background(), "token_1")

	require.NoError(t, err)
	assert.NoError(t, mock.ExpectationsWereMet())
}
