package jobstore

import (
	"context"
	"database/sql"
	"fmt"
	"time"

	"github.com/ternarybob/arbor"

	"github.com/ternarybob/recursion-orchestrator/internal/apperrors"
)

// IdempotencyStore backs the Idempotency-Key replay protection on mutating
// endpoints (spec §6.6).
type IdempotencyStore struct {
	db     *DB
	logger arbor.ILogger
}

// NewIdempotencyStore builds an IdempotencyStore over an already-open pool.
func NewIdempotencyStore(db *DB, logger arbor.ILogger) *IdempotencyStore {
	return &IdempotencyStore{db: db, logger: logger}
}

// ClaimIdempotencyKey atomically claims key for a request fingerprinted by
// fingerprint. fresh=true means the caller owns the key and must store the
// response via RecordResponse once it is known. fresh=false means key was
// already seen: if the fingerprint matches, snapshot holds the original
// response to replay verbatim; if it differs, err is
// apperrors.IdempotencyConflict.
func (s *IdempotencyStore) ClaimIdempotencyKey(ctx context.Context, key, fingerprint string, now time.Time) (fresh bool, snapshot []byte, responseStatus int, err error) {
	tx, err := s.db.sql.BeginTx(ctx, nil)
	if err != nil {
		return false, nil, 0, fmt.Errorf("failed to begin transaction: %w", err)
	}
	defer tx.Rollback()

	row := tx.QueryRowContext(ctx, `
		SELECT fingerprint, response_status, response_snapshot FROM idempotency_keys WHERE key = $1 FOR UPDATE
	`, key)

	var existingFingerprint string
	var existingStatus int
	var existingSnapshot []byte
	err = row.Scan(&existingFingerprint, &existingStatus, &existingSnapshot)

	switch err {
	case sql.ErrNoRows:
		if _, execErr := tx.ExecContext(ctx, `
			INSERT INTO idempotency_keys (key, fingerprint, first_seen_at, response_status, response_snapshot)
			VALUES ($1, $2, $3, 0, '{}')
		`, key, fingerprint, now); execErr != nil {
			return false, nil, 0, fmt.Errorf("failed to claim idempotency key %s: %w", key, execErr)
		}
		if commitErr := tx.Commit(); commitErr != nil {
			return false, nil, 0, fmt.Errorf("failed to commit idempotency claim: %w", commitErr)
		}
		return true, nil, 0, nil

	case nil:
		if existingFingerprint != fingerprint {
			return false, nil, 0, apperrors.IdempotencyConflict(key)
		}
		if commitErr := tx.Commit(); commitErr != nil {
			return false, nil, 0, fmt.Errorf("failed to commit idempotency lookup: %w", commitErr)
		}
		return false, existingSnapshot, existingStatus, nil

	default:
		return false, nil, 0, fmt.Errorf("failed to look up idempotency key %s: %w", key, err)
	}
}

// RecordResponse stores the response a freshly-claimed key produced, so
// future replays can return it verbatim.
func (s *IdempotencyStore) RecordResponse(ctx context.Context, key string, status int, snapshot []byte) error {
	_, err := s.db.sql.ExecContext(ctx, `
		UPDATE idempotency_keys SET response_status = $1, response_snapshot = $2 WHERE key = $3
	`, status, snapshot, key)
	return err
}
