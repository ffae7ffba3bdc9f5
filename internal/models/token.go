package models

import "time"

// Scope is a capability string required by specific routes (spec §4.6).
type Scope string

const (
	ScopeJobsRead       Scope = "jobs:read"
	ScopeJobsWrite      Scope = "jobs:write"
	ScopeResourcesRead  Scope = "resources:read"
	ScopeResourcesWrite Scope = "resources:write"
	ScopeSupervisorRead  Scope = "supervisor:read"
	ScopeSupervisorWrite Scope = "supervisor:write"
)

// Token is a bearer credential carrying a user identity and a set of scopes.
type Token struct {
	ID        string
	UserID    string
	Scopes    []string
	ExpiresAt time.Time
	CreatedAt time.Time
	Revoked   bool
}

// HasScope reports whether the token carries the given scope.
func (t *Token) HasScope(scope Scope) bool {
	for _, s := range t.Scopes {
		if s == string(scope) {
			return true
		}
	}
	return false
}

// Expired reports whether the token's TTL has elapsed.
func (t *Token) Expired(now time.Time) bool {
	return now.After(t.ExpiresAt)
}

// Credential is a stored user identity: username + bcrypt password hash.
type Credential struct {
	UserID       string
	Username     string
	PasswordHash string
	CreatedAt    time.Time
}
