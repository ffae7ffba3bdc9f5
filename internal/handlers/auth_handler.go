package handlers

import (
	"encoding/json"
	"errors"
	"io"
	"net/http"

	"github.com/go-playground/validator/v10"
	"github.com/ternarybob/arbor"

	"github.com/ternarybob/recursion-orchestrator/internal/apperrors"
	"github.com/ternarybob/recursion-orchestrator/internal/auth"
)

// AuthHandler issues and registers the bearer tokens C7's other handlers
// authenticate against.
type AuthHandler struct {
	auth     *auth.Service
	validate *validator.Validate
	logger   arbor.ILogger
}

// NewAuthHandler builds an AuthHandler over an auth.Service.
func NewAuthHandler(svc *auth.Service, logger arbor.ILogger) *AuthHandler {
	return &AuthHandler{auth: svc, validate: validator.New(), logger: logger}
}

// registerRequest is the body of POST /api/auth/register.
type registerRequest struct {
	Username string `json:"username" validate:"required,min=1,max=255"`
	Password string `json:"password" validate:"required,min=8"`
}

// Register handles POST /api/auth/register.
func (h *AuthHandler) Register(w http.ResponseWriter, r *http.Request) {
	var req registerRequest
	if err := decodeAuthBody(r, &req); err != nil {
		WriteError(w, err)
		return
	}
	if err := h.validate.Struct(req); err != nil {
		WriteError(w, apperrors.Validation(err.Error()))
		return
	}

	cred, err := h.auth.Register(r.Context(), req.Username, req.Password)
	if err != nil {
		WriteError(w, apperrors.Validation("username already registered"))
		return
	}

	_ = WriteJSON(w, http.StatusCreated, map[string]string{
		"user_id":  cred.UserID,
		"username": cred.Username,
	})
}

// loginRequest is the body of POST /api/auth/login.
type loginRequest struct {
	Username string   `json:"username" validate:"required"`
	Password string   `json:"password" validate:"required"`
	Scopes   []string `json:"scopes,omitempty"`
}

// Login handles POST /api/auth/login.
func (h *AuthHandler) Login(w http.ResponseWriter, r *http.Request) {
	var req loginRequest
	if err := decodeAuthBody(r, &req); err != nil {
		WriteError(w, err)
		return
	}
	if err := h.validate.Struct(req); err != nil {
		WriteError(w, apperrors.Validation(err.Error()))
		return
	}

	token, err := h.auth.Login(r.Context(), req.Username, req.Password, req.Scopes)
	if err != nil {
		var authErr *auth.Error
		if errors.As(err, &authErr) {
			WriteError(w, apperrors.Unauthorized(authErr.Error()))
			return
		}
		WriteError(w, apperrors.Internal(err))
		return
	}

	_ = WriteJSON(w, http.StatusOK, map[string]interface{}{
		"token":      token.ID,
		"scopes":     token.Scopes,
		"expires_at": token.ExpiresAt,
	})
}

func decodeAuthBody(r *http.Request, dst interface{}) error {
	body, err := io.ReadAll(r.Body)
	if err != nil {
		return apperrors.Validation("failed to read request body")
	}
	if err := json.Unmarshal(body, dst); err != nil {
		return apperrors.Validation("malformed request body")
	}
	return nil
}
