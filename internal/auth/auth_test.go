package auth

import (
	"context"
	"database/sql"
	"testing"
	"time"

	"github.com/DATA-DOG/go-sqlmock"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"golang.org/x/crypto/bcrypt"

	"github.com/ternarybob/recursion-orchestrator/internal/common"
	"github.com/ternarybob/recursion-orchestrator/internal/jobstore"
	"github.com/ternarybob/recursion-orchestrator/internal/models"
)

func newTestService(t *testing.T) (*Service, sqlmock.Sqlmock) {
	t.Helper()
	sqlDB, mock, err := sqlmock.New()
	require.NoError(t, err)
	t.Cleanup(func() { sqlDB.Close() })

	db := jobstore.NewFromDB(sqlDB, common.GetLogger())
	store := jobstore.NewAuthStore(db, common.GetLogger())
	return NewService(store, bcrypt.MinCost, time.Hour), mock
}

func TestVerify_RejectsEmptyToken(t *testing.T) {
	svc, _ := newTestService(t)

	_, err := svc.Verify(context.Background(), "")

	var authErr *Error
	require.ErrorAs(t, err, &authErr)
	assert.Equal(t, ErrMissingToken, authErr.Type)
}

func TestVerify_RejectsUnknownToken(t *testing.T) {
	svc, mock := newTestService(t)

	mock.ExpectQuery("SELECT (.+) FROM tokens WHERE id = \\$1").
		WithArgs("tok_missing").
		WillReturnError(sql.ErrNoRows)

	_, err := svc.Verify(context.Background(), "tok_missing")

	var authErr *Error
	require.ErrorAs(t, err, &authErr)
	assert.Equal(t, ErrInvalidToken, authErr.Type)
}

func TestVerify_RejectsRevokedToken(t *testing.T) {
	svc, mock := newTestService(t)
	now := time.Now().UTC()

	cols := []string{"id", "user_id", "scopes", "expires_at", "created_at", "revoked"}
	mock.ExpectQuery("SELECT (.+) FROM tokens WHERE id = \\$1").
		WithArgs("tok_1").
		WillReturnRows(sqlmock.NewRows(cols).AddRow("tok_1", "user_1", "{jobs:read}", now.Add(time.Hour), now, true))

	_, err := svc.Verify(context.Background(), "tok_1")

	var authErr *Error
	require.ErrorAs(t, err, &authErr)
	assert.Equal(t, ErrTokenRevoked, authErr.Type)
}

func TestVerify_RejectsExpiredToken(t *testing.T) {
	svc, mock := newTestService(t)
	now := time.Now().UTC()

	cols := []string{"id", "user_id", "scopes", "expires_at", "created_at", "revoked"}
	mock.ExpectQuery("SELECT (.+) FROM tokens WHERE id = \\$1").
		WithArgs("tok_1").
		WillReturnRows(sqlmock.NewRows(cols).AddRow("tok_1", "user_1", "{jobs:read}", now.Add(-time.Hour), now.Add(-2*time.Hour), false))

	_, err := svc.Verify(context.Background(), "tok_1")

	var authErr *Error
	require.ErrorAs(t, err, &authErr)
	assert.Equal(t, ErrTokenExpired, authErr.Type)
}

func TestVerify_AcceptsValidToken(t *testing.T) {
	svc, mock := newTestService(t)
	now := time.Now().UTC()

	cols := []string{"id", "user_id", "scopes", "expires_at", "created_at", "revoked"}
	mock.ExpectQuery("SELECT (.+) FROM tokens WHERE id = \\$1").
		WithArgs("tok_1").
		WillReturnRows(sqlmock.NewRows(cols).AddRow("tok_1", "user_1", "{jobs:read,jobs:write}", now.Add(time.Hour), now, false))

	authenticated, err := svc.Verify(context.Background(), "tok_1")

	require.NoError(t, err)
	assert.Equal(t, "user_1", authenticated.UserID)
	assert.True(t, authenticated.HasScope(models.ScopeJobsRead))
	assert.False(t, authenticated.HasScope(models.ScopeSupervisorWrite))
}

func TestLogin_RejectsWrongPassword(t *testing.T) {
	svc, mock := newTestService(t)
	now := time.Now().UTC()
	hash, err := bcrypt.GenerateFromPassword([]byte("correct-horse"), bcrypt.MinCost)
	require.NoError(t, err)

	cols := []string{"user_id", "username", "password_hash", "created_at"}
	mock.ExpectQuery("SELECT (.+) FROM credentials WHERE username = \\$1").
		WithArgs("alice").
		WillReturnRows(sqlmock.NewRows(cols).AddRow("user_1", "alice", string(hash), now))

	_, err = svc.Login(context.Background(), "alice", "wrong-password", []string{"jobs:read"})

	var authErr *Error
	require.ErrorAs(t, err, &authErr)
	assert.Equal(t, ErrInvalidCredential, authErr.Type)
}

func TestLogin_IssuesTokenOnCorrectPassword(t *testing.T) {
	svc, mock := newTestService(t)
	now := time.Now().UTC()
	hash, err := bcrypt.GenerateFromPassword([]byte("correct-horse"), bcrypt.MinCost)
	require.NoError(t, err)

	cols := []string{"user_id", "username", "password_hash", "created_at"}
	mock.ExpectQuery("SELECT (.+) FROM credentials WHERE username = \\$1").
		WithArgs("alice").
		WillReturnRows(sqlmock.NewRows(cols).AddRow("user_1", "alice", string(hash), now))
	mock.ExpectExec("INSERT INTO tokens").
		WillReturnResult(sqlmock.NewResult(1, 1))

	token, err := svc.Login(context.Background(), "alice", "correct-horse", []string{"jobs:read"})

	require.NoError(t, err)
	assert.Equal(t, "user_1", token.UserID)
	assert.Equal(t, []string{"jobs:read"}, token.Scopes)
}
