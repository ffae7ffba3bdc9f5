package jobstore

import (
	"context"
	"testing"
	"time"

	"github.com/DATA-DOG/go-sqlmock"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/ternarybob/recursion-orchestrator/internal/common"
	"github.com/ternarybob/recursion-orchestrator/internal/models"
)

func newMockTransitionStore(t *testing.T) (*TransitionStore, sqlmock.Sqlmock) {
	t.Helper()
	sqlDB, mock, err := sqlmock.New()
	require.NoError(t, err)
	t.Cleanup(func() { sqlDB.Close() })

	db := NewFromDB(sqlDB, common.GetLogger())
	return NewTransitionStore(db, common.GetLogger()), mock
}

func TestHistory_ReturnsNewestFirst(t *testing.T) {
	store, mock := newMockTransitionStore(t)
	now := time.Now().UTC()

	cols := []string{"id", "entity", "entity_id", "from_status", "to_status", "reason", "occurred_at"}
	rows := sqlmock.NewRows(cols).
		AddRow(2, "job", "job_1", "running", "completed", nil, now).
		AddRow(1, "job", "job_1", "pending", "running", nil, now.Add(-time.Minute))

	mock.ExpectQuery("SELECT (.+) FROM state_transitions").
		WithArgs("job_1", 100).
		WillReturnRows(rows)

	history, err := store.History(context.Background(), "job_1", 0)

	require.NoError(t, err)
	require.Len(t, history, 2)
	assert.Equal(t, models.EntityJob, history[0].Entity)
	assert.Equal(t, "completed", history[0].To)
}

func TestHistory_DefaultsLimitWhenZeroOrNegative(t *testing.T) {
	store, mock := newMockTransitionStore(t)

	cols := []string{"id", "entity", "entity_id", "from_status", "to_status", "reason", "occurred_at"}
	mock.ExpectQuery("SELECT (.+) FROM state_transitions").
		WithArgs("job_1", 100).
		WillReturnRows(sqlmock.NewRows(cols))

	_, err := store.History(context.Background(), "job_1", -5)

	require.NoError(t, err)
	assert.NoError(t, mock.ExpectationsWereMet())
}
