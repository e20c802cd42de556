// Package session manages session records in a shared store.
//
// A session lives under its own key with a store TTL equal to its lifetime,
// and its id is added to a per-principal index set used to cap concurrent
// sessions and to revoke them in bulk. Expiry is evaluated lazily on read;
// no background sweep is required.
package session

import (
	"errors"
	"slices"
	"time"
)

var (
	// ErrInvalidPrincipal is returned when a principal id is empty.
	ErrInvalidPrincipal = errors.New("session: invalid principal")

	// ErrInvalidConfig is returned for a non-positive TTL or negative cap.
	ErrInvalidConfig = errors.New("session: invalid config")
)

// Validation reasons.
const (
	ReasonMissingID        = "missing_session_id"
	ReasonNotFound         = "session_not_found"
	ReasonExpired          = "session_expired"
	ReasonStoreUnavailable = "store_unavailable"
)

// Session is a stored session record.
type Session struct {
	ID             string         `json:"id"`
	PrincipalID    string         `json:"principalId"`
	Email          string         `json:"email,omitempty"`
	Roles          []string       `json:"roles"`
	Permissions    []string       `json:"permissions"`
	Metadata       map[string]any `json:"metadata,omitempty"`
	CreatedAt      time.Time      `json:"createdAt"`
	LastAccessedAt time.Time      `json:"lastAccessedAt"`
	ExpiresAt      time.Time      `json:"expiresAt"`
}

// IsExpired reports whether the session expired before now.
func (s *Session) IsExpired(now time.Time) bool {
	return s.ExpiresAt.Before(now)
}

// HasRole reports whether the session carries role.
func (s *Session) HasRole(role string) bool {
	return slices.Contains(s.Roles, role)
}

// HasAnyRole reports whether the session carries at least one of roles.
func (s *Session) HasAnyRole(roles ...string) bool {
	for _, r := range roles {
		if s.HasRole(r) {
			return true
		}
	}
	return false
}

// HasPermission reports whether the session carries permission.
func (s *Session) HasPermission(permission string) bool {
	return slices.Contains(s.Permissions, permission)
}

// CreateParams describes a new session.
type CreateParams struct {
	PrincipalID string
	Email       string
	Roles       []string
	Permissions []string
	Metadata    map[string]any
}

// Update is a partial session update. Nil fields are left unchanged;
// Metadata is merged key by key.
type Update struct {
	Email       *string
	Roles       []string
	Permissions []string
	Metadata    map[string]any
}

func (u Update) apply(s *Session) {
	if u.Email != nil {
		s.Email = *u.Email
	}
	if u.Roles != nil {
		s.Roles = slices.Clone(u.Roles)
	}
	if u.Permissions != nil {
		s.Permissions = slices.Clone(u.Permissions)
	}
	if len(u.Metadata) > 0 {
		if s.Metadata == nil {
			s.Metadata = make(map[string]any, len(u.Metadata))
		}
		for k, v := range u.Metadata {
			s.Metadata[k] = v
		}
	}
}

// ValidationResult is the outcome of Validate.
type ValidationResult struct {
	IsValid bool
	Session *Session
	Reason  string

	// Err is set when the store could not be consulted.
	Err error
}
