package handlers

import (
	"encoding/json"
	"net/http"

	"github.com/ternarybob/recursion-orchestrator/internal/apperrors"
)

// WriteJSON writes a JSON response with the specified status code and data.
func WriteJSON(w http.ResponseWriter, statusCode int, data interface{}) error {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(statusCode)
	return json.NewEncoder(w).Encode(data)
}

// errorBody is the wire shape every non-2xx response carries (spec §6.5).
type errorBody struct {
	Error  string                 `json:"error"`
	Detail map[string]interface{} `json:"detail,omitempty"`
}

// WriteError maps err to the status code its apperrors.Kind implies and
// writes the §6.5 envelope. Errors that aren't an *apperrors.AppError are
// treated as internal (500) without leaking their message.
func WriteError(w http.ResponseWriter, err error) {
	status := apperrors.HTTPStatus(err)

	ae, ok := apperrors.As(err)
	message := "internal error"
	var detail map[string]interface{}
	if ok {
		message = ae.Message
		detail = ae.Detail
	}

	_ = WriteJSON(w, status, errorBody{Error: message, Detail: detail})
}

// RequireMethod validates that the HTTP request uses the specified method.
func RequireMethod(w http.ResponseWriter, r *http.Request, method string) bool {
	if r.Method != method {
		http.Error(w, "Method not allowed", http.StatusMethodNotAllowed)
		return false
	}
	return true
}
