package session

import (
	"errors"
	"sync"

	"trade-guard/internal/broker"

	"go.uber.org/zap"
)

// ErrUnknownUser is returned for operations on a user without a session.
var ErrUnknownUser = errors.New("no session for user")

// Factory builds a broker gateway bound to one user's access token.
type Factory func(accessToken string) broker.Gateway

// Registry holds the authenticated broker session of every user. A suspended
// session keeps its gateway but brokered polling for that user is skipped
// until it is resumed with a fresh token.
type Registry struct {
	factory Factory
	logger  *zap.Logger

	mu       sync.RWMutex
	sessions map[string]*entry
}

type entry struct {
	gateway   broker.Gateway
	suspended bool
	reason    string
}

// Status is a read-only view of one session.
type Status struct {
	UserID    string `json:"user_id"`
	Suspended bool   `json:"suspended"`
	Reason    string `json:"reason,omitempty"`
}

// NewRegistry creates an empty registry.
func NewRegistry(factory Factory, logger *zap.Logger) *Registry {
	return &Registry{
		factory:  factory,
		logger:   logger.Named("session"),
		sessions: make(map[string]*entry),
	}
}

// RestFactory builds gateways sharing one REST client's transport and rate limiter.
func RestFactory(base *broker.RestClient) Factory {
	return func(token string) broker.Gateway {
		return base.WithAccessToken(token)
	}
}

// Login installs or replaces the session for userID and clears any suspension.
func (r *Registry) Login(userID, accessToken string) {
	gw := r.factory(accessToken)
	r.mu.Lock()
	r.sessions[userID] = &entry{gateway: gw}
	r.mu.Unlock()
	r.logger.Info("Session established", zap.String("user_id", userID))
}

// Gateway returns the user's gateway. The second result is false when the
// user has no session or the session is suspended.
func (r *Registry) Gateway(userID string) (broker.Gateway, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	e, ok := r.sessions[userID]
	if !ok || e.suspended {
		return nil, false
	}
	return e.gateway, true
}

// Suspend marks a user's session unusable, typically after the broker
// reported the token expired.
func (r *Registry) Suspend(userID, reason string) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	e, ok := r.sessions[userID]
	if !ok {
		return ErrUnknownUser
	}
	if !e.suspended {
		r.logger.Warn("Session suspended", zap.String("user_id", userID), zap.String("reason", reason))
	}
	e.suspended = true
	e.reason = reason
	return nil
}

// Resume lifts a suspension without replacing the token.
func (r *Registry) Resume(userID string) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	e, ok := r.sessions[userID]
	if !ok {
		return ErrUnknownUser
	}
	e.suspended = false
	e.reason = ""
	return nil
}

// Logout drops the user's session.
func (r *Registry) Logout(userID string) {
	r.mu.Lock()
	delete(r.sessions, userID)
	r.mu.Unlock()
}

// IsSuspended reports whether userID's session exists and is suspended.
func (r *Registry) IsSuspended(userID string) bool {
	r.mu.RLock()
	defer r.mu.RUnlock()
	e, ok := r.sessions[userID]
	return ok && e.suspended
}

// Any returns a usable gateway from any active session, for market data
// requests that are not tied to a user.
func (r *Registry) Any() (broker.Gateway, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	for _, e := range r.sessions {
		if !e.suspended {
			return e.gateway, true
		}
	}
	return nil, false
}

// List returns every session's status.
func (r *Registry) List() []Status {
	r.mu.RLock()
	defer r.mu.RUnlock()
	out := make([]Status, 0, len(r.sessions))
	for id, e := range r.sessions {
		out = append(out, Status{UserID: id, Suspended: e.suspended, Reason: e.reason})
	}
	return out
}
