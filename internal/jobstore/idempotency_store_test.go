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
)

func newMockIdempotencyStore(t *testing.T) (*IdempotencyStore, sqlmock.Sqlmock) {
	t.Helper()
	sqlDB, mock, err := sqlmock.New()
	require.NoError(t, err)
	t.Cleanup(func() { sqlDB.Close() })

	db := NewFromDB(sqlDB, common.GetLogger())
	return NewIdempotencyStore(db, common.GetLogger()), mock
}

func TestClaimIdempotencyKey_FreshClaimInsertsRow(t *testing.T) {
	store, mock := newMockIdempotencyStore(t)
	now := time.Now().UTC()

	mock.ExpectBegin()
	mock.ExpectQuery("SELECT fingerprint, response_status, response_snapshot FROM idempotency_keys WHERE key = \\$1 FOR UPDATE").
		WithArgs("key_1").
		WillReturnError(sql.ErrNoRows)
	mock.ExpectExec("INSERT INTO idempotency_keys").
		WithArgs("key_1", "fp_1", now).
		WillReturnResult(sqlmock.NewResult(1, 1))
	mock.ExpectCommit()

	fresh, snapshot, status, err := store.ClaimIdempotencyKey(context.Background(), "key_1", "fp_1", now)

	require.NoError(t, err)
	assert.True(t, fresh)
	assert.Nil(t, snapshot)
	assert.Equal(t, 0, status)
	assert.NoError(t, mock.ExpectationsWereMet())
}

func TestClaimIdempotencyKey_ReplayWithMatchingFingerprintReturnsSnapshot(t *testing.T) {
	store, mock := newMockIdempotencyStore(t)
	now := time.Now().UTC()

	cols := []string{"fingerprint", "response_status", "response_snapshot"}
	mock.ExpectBegin()
	mock.ExpectQuery("SELECT fingerprint, response_status, response_snapshot FROM idempotency_keys WHERE key = \\$1 FOR UPDATE").
		WithArgs("key_1").
		WillReturnRows(sqlmock.NewRows(cols).AddRow("fp_1", 201, []byte(`{"id":"job_1"}`)))
	mock.ExpectCommit()

	fresh, snapshot, status, err := store.ClaimIdempotencyKey(context.Background(), "key_1", "fp_1", now)

	require.NoError(t, err)
	assert.False(t, fresh)
	assert.Equal(t, 201, status)
	assert.JSONEq(t, `{"id":"job_1"}`, string(snapshot))
}

func TestClaimIdempotencyKey_ReplayWithDifferentFingerprintConflicts(t *testing.T) {
	store, mock := newMockIdempotencyStore(t)
	now := time.Now().UTC()

	cols := []string{"fingerprint", "response_status", "response_snapshot"}
	mock.ExpectBegin()
	mock.ExpectQuery("SELECT fingerprint, response_status, response_snapshot FROM idempotency_keys WHERE key = \\$1 FOR UPDATE").
		WithArgs("key_1").
		WillReturnRows(sqlmock.NewRows(cols).AddRow("fp_other", 201, []byte(`{}`)))
	mock.ExpectRollback()

	_, _, _, err := store.ClaimIdempotencyKey(context.Background(), "key_1", "fp_1", now)

	ae, ok := apperrors.As(err)
	require.True(t, ok)
	assert.Equal(t, apperrors.KindIdempotencyConflict, ae.Kind)
}
