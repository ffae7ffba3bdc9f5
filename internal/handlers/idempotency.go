package handlers

import (
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"net/http"
	"time"

	"github.com/ternarybob/recursion-orchestrator/internal/jobstore"
)

// idempotencyHeader is the header mutating endpoints read per spec §6.6.
const idempotencyHeader = "Idempotency-Key"

// fingerprint hashes a request body so a replayed key can be compared
// against the body that first claimed it, grounded on the correlator
// teacher's canonicalization hash (crypto/sha256 over canonical bytes).
func fingerprint(body []byte) string {
	sum := sha256.Sum256(body)
	return hex.EncodeToString(sum[:])
}

// produceFunc runs a mutating endpoint's real work and returns the status
// code and JSON-encodable body to send.
type produceFunc func() (int, interface{})

// HandleIdempotent runs produce directly when no Idempotency-Key header is
// present. When one is present, it claims the key against a fingerprint of
// body: a fresh claim runs produce and records the response for future
// replays; a replay with a matching fingerprint returns the original
// response verbatim; a replay with a different body is rejected with 409
// via ClaimIdempotencyKey's own apperrors.IdempotencyConflict.
func HandleIdempotent(w http.ResponseWriter, r *http.Request, idemStore *jobstore.IdempotencyStore, body []byte, produce produceFunc) {
	key := r.Header.Get(idempotencyHeader)
	if key == "" || idemStore == nil {
		status, respBody := produce()
		_ = WriteJSON(w, status, respBody)
		return
	}

	fresh, snapshot, status, err := idemStore.ClaimIdempotencyKey(r.Context(), key, fingerprint(body), time.Now().UTC())
	if err != nil {
		WriteError(w, err)
		return
	}

	if !fresh {
		w.Header().Set("Content-Type", "application/json")
		w.WriteHeader(status)
		_, _ = w.Write(snapshot)
		return
	}

	respStatus, respBody := produce()
	encoded, encErr := json.Marshal(respBody)
	if encErr == nil {
		_ = idemStore.RecordResponse(r.Context(), key, respStatus, encoded)
	}
	_ = WriteJSON(w, respStatus, respBody)
}
