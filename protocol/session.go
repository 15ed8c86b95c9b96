package protocol

import (
	"slices"
	"strings"
	"time"

	"github.com/google/uuid"
)

// Session is the authentication state of one connection. A connection owns
// exactly one Session; handlers never mutate it in place but return a new
// value (Authenticated, Invalidated) on the Response to replace it.
type Session struct {
	ID             string   `json:"sessionId,omitempty"`
	UserID         string   `json:"userId"`
	UserName       string   `json:"userName"`
	Roles          []string `json:"roles"`
	CreateTime     int64    `json:"createTime"`
	LastAccessTime int64    `json:"lastAccessTime"`
	Active         bool     `json:"active"`
}

// NewSession returns the empty, inactive session a connection starts with.
func NewSession() *Session {
	now := time.Now().UnixMilli()
	return &Session{
		ID:             uuid.NewString(),
		Roles:          []string{},
		CreateTime:     now,
		LastAccessTime: now,
	}
}

// Authenticated returns a new active session for the given user. The
// session id and creation time of s are kept so log lines of one connection
// stay correlated across a login.
func (s *Session) Authenticated(userID, userName string, roles []string) *Session {
	base := s
	if base == nil {
		base = NewSession()
	}

	return &Session{
		ID:             base.ID,
		UserID:         userID,
		UserName:       userName,
		Roles:          slices.Clone(roles),
		CreateTime:     base.CreateTime,
		LastAccessTime: time.Now().UnixMilli(),
		Active:         true,
	}
}

// Invalidated returns an inactive copy of s without any user identity.
func (s *Session) Invalidated() *Session {
	base := s
	if base == nil {
		base = NewSession()
	}

	return &Session{
		ID:             base.ID,
		Roles:          []string{},
		CreateTime:     base.CreateTime,
		LastAccessTime: time.Now().UnixMilli(),
	}
}

// Touch records an access at t.
func (s *Session) Touch(t time.Time) {
	if s != nil {
		s.LastAccessTime = t.UnixMilli()
	}
}

// IsActive reports whether s is non-nil and active.
func (s *Session) IsActive() bool {
	return s != nil && s.Active
}

// HasRole reports whether s carries role, compared case-insensitively.
// Role aliasing is the router's business, not the session's.
func (s *Session) HasRole(role string) bool {
	if s == nil {
		return false
	}

	return slices.ContainsFunc(s.Roles, func(r string) bool {
		return strings.EqualFold(strings.TrimSpace(r), strings.TrimSpace(role))
	})
}

// Clone returns a deep copy of s; nil stays nil.
func (s *Session) Clone() *Session {
	if s == nil {
		return nil
	}

	c := *s
	c.Roles = slices.Clone(s.Roles)
	return &c
}
