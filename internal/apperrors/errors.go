// Package apperrors defines the error taxonomy of spec §7 and maps each kind
// to the HTTP status code the API surface must return.
package apperrors

import (
	"errors"
	"fmt"
	"net/http"
)

// Kind identifies one of the §7 error categories.
type Kind string

const (
	KindValidation          Kind = "validation_error"
	KindAuth                Kind = "auth_error"
	KindScope               Kind = "scope_error"
	KindNotFound             Kind = "entity_not_found"
	KindStateTransition      Kind = "state_transition_error"
	KindAllocation           Kind = "allocation_error"
	KindIdempotencyConflict  Kind = "idempotency_conflict"
	KindTimeout              Kind = "timeout_error"
	KindLeafExecutor         Kind = "leaf_executor_error"
	KindInternal             Kind = "internal_error"
)

// AppError is the common error type surfaced by every core component.
// Handlers use Kind to pick an HTTP status; Detail carries structured context
// for the response body's "detail" field without leaking internals.
type AppError struct {
	Kind    Kind
	Message string
	Detail  map[string]interface{}
	cause   error
}

func (e *AppError) Error() string {
	if e.cause != nil {
		return fmt.Sprintf("%s: %s: %v", e.Kind, e.Message, e.cause)
	}
	return fmt.Sprintf("%s: %s", e.Kind, e.Message)
}

// Unwrap enables errors.Is / errors.As against the wrapped cause.
func (e *AppError) Unwrap() error {
	return e.cause
}

func newErr(kind Kind, msg string, detail map[string]interface{}) *AppError {
	return &AppError{Kind: kind, Message: msg, Detail: detail}
}

// Wrap builds a new AppError of kind with msg and an underlying cause; Detail
// is left nil.
func Wrap(kind Kind, msg string, cause error) *AppError {
	return &AppError{Kind: kind, Message: msg, cause: cause}
}

func Validation(msg string) *AppError       { return newErr(KindValidation, msg, nil) }
func Unauthorized(msg string) *AppError     { return newErr(KindAuth, msg, nil) }
func Forbidden(missingScope string) *AppError {
	return newErr(KindScope, "missing scope: "+missingScope, map[string]interface{}{"missing_scope": missingScope})
}
func NotFound(entity, id string) *AppError {
	return newErr(KindNotFound, fmt.Sprintf("%s %q not found", entity, id), map[string]interface{}{"id": id})
}

// StateTransitionError carries the offending (from, to, entity) triple per spec §4.3.
func StateTransitionError(entityID, from, to string) *AppError {
	return newErr(KindStateTransition,
		fmt.Sprintf("illegal transition for %s: %s -> %s", entityID, from, to),
		map[string]interface{}{"entity_id": entityID, "from": from, "to": to})
}

// AllocationError signals no remaining capacity at a depth (spec §4.2).
func AllocationError(depth int) *AppError {
	return newErr(KindAllocation, fmt.Sprintf("no capacity remaining at depth %d", depth),
		map[string]interface{}{"depth": depth})
}

func IdempotencyConflict(key string) *AppError {
	return newErr(KindIdempotencyConflict, "idempotency key replayed with a different request body",
		map[string]interface{}{"key": key})
}

func Timeout(jobID string) *AppError {
	return newErr(KindTimeout, "job wall-clock budget expired", map[string]interface{}{"job_id": jobID})
}

func LeafExecutor(cause error) *AppError {
	return Wrap(KindLeafExecutor, "leaf executor failed", cause)
}

func Internal(cause error) *AppError {
	return Wrap(KindInternal, "internal error", cause)
}

// HTTPStatus maps a Kind to the status code required by spec §6.5/§7.
func HTTPStatus(err error) int {
	var ae *AppError
	if !errors.As(err, &ae) {
		return http.StatusInternalServerError
	}
	switch ae.Kind {
	case KindValidation:
		return http.StatusBadRequest
	case KindAuth:
		return http.StatusUnauthorized
	case KindScope:
		return http.StatusForbidden
	case KindNotFound:
		return http.StatusNotFound
	case KindStateTransition:
		return http.StatusBadRequest
	case KindAllocation:
		return http.StatusConflict
	case KindIdempotencyConflict:
		return http.StatusConflict
	default:
		return http.StatusInternalServerError
	}
}

// As is a small convenience wrapper around errors.As for *AppError.
func As(err error) (*AppError, bool) {
	var ae *AppError
	ok := errors.As(err, &ae)
	return ae, ok
}
