package auth

import (
	"encoding/json"
	"net/http"

	"github.com/ternarybob/recursion-orchestrator/internal/models"
)

// errorBody is the wire shape every non-2xx response carries (spec §6.5):
// { error: string, detail?: object }. 401/403 never reveal more than
// "missing scope: X" or a generic auth failure message.
type errorBody struct {
	Error  string                 `json:"error"`
	Detail map[string]interface{} `json:"detail,omitempty"`
}

func writeAuthError(w http.ResponseWriter, err error) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(http.StatusUnauthorized)
	_ = json.NewEncoder(w).Encode(errorBody{Error: "authentication failed"})
}

func writeScopeError(w http.ResponseWriter, missing models.Scope) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(http.StatusForbidden)
	_ = json.NewEncoder(w).Encode(errorBody{
		Error:  "missing scope: " + string(missing),
		Detail: map[string]interface{}{"missing_scope": string(missing)},
	})
}
