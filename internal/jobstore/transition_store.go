package jobstore

import (
	"context"
	"fmt"

	"github.com/ternarybob/arbor"

	"github.com/ternarybob/recursion-orchestrator/internal/models"
)

// TransitionStore reads the append-only audit trail written alongside job
// and worker state changes (spec §4.3's History API, §6.4).
type TransitionStore struct {
	db     *DB
	logger arbor.ILogger
}

// NewTransitionStore builds a TransitionStore over an already-open pool.
func NewTransitionStore(db *DB, logger arbor.ILogger) *TransitionStore {
	return &TransitionStore{db: db, logger: logger}
}

// History returns entityID's transitions newest-first, capped at limit rows.
func (s *TransitionStore) History(ctx context.Context, entityID string, limit int) ([]*models.StateTransition, error) {
	if limit <= 0 {
		limit = 100
	}

	rows, err := s.db.sql.QueryContext(ctx, `
		SELECT id, entity, entity_id, from_status, to_status, reason, occurred_at
		FROM state_transitions
		WHERE entity_id = $1
		ORDER BY occurred_at DESC
		LIMIT $2
	`, entityID, limit)
	if err != nil {
		return nil, fmt.Errorf("failed to fetch transition history for %s: %w", entityID, err)
	}
	defer rows.Close()

	var transitions []*models.StateTransition
	for rows.Next() {
		var t models.StateTransition
		var entity string
		if err := rows.Scan(&t.ID, &entity, &t.EntityID, &t.From, &t.To, &t.Reason, &t.At); err != nil {
			return nil, err
		}
		t.Entity = models.EntityKind(entity)
		transitions = append(transitions, &t)
	}
	return transitions, rows.Err()
}
