// Package auth owns the bearer token lifecycle: it is the single source of
// truth for the current token and coordinates refresh so that concurrent
// callers share one in-flight request and repeated auth failures cannot
// cause a refresh storm.
package auth

import (
	"context"
	"log/slog"
	"sync"
	"time"
)

const providerTimeout = 30 * time.Second

// TokenProvider is the host-application delegate that produces a fresh
// auth token, typically by calling the host's own backend.
type TokenProvider interface {
	AuthToken(ctx context.Context) (string, error)
}

// TokenStorage persists the current token across process restarts.
type TokenStorage interface {
	SaveToken(token string) error
	LoadToken() (string, error)
	ClearToken() error
}

// Manager coordinates token refresh. One logical refresh runs at a time;
// callers that request a refresh while one is in flight have their
// callbacks queued onto it.
type Manager struct {
	provider      TokenProvider
	storage       TokenStorage
	refreshWindow time.Duration

	mu                 sync.Mutex
	token              string
	email              string
	userID             string
	hasFailedPriorAuth bool
	inFlight           bool
	inFlightFailed     bool // the running refresh was triggered by an auth failure
	callbacks          []func(token string)
	timer              *time.Timer
	closed             bool
}

// NewManager creates a Manager, restoring a persisted token if one exists
// and arming the proactive refresh timer from its expiration claim.
// provider may be nil, in which case refresh requests are dropped.
func NewManager(provider TokenProvider, storage TokenStorage, refreshWindow time.Duration) *Manager {
	if refreshWindow <= 0 {
		refreshWindow = time.Minute
	}
	m := &Manager{
		provider:      provider,
		storage:       storage,
		refreshWindow: refreshWindow,
	}

	tok, err := storage.LoadToken()
	if err != nil {
		slog.Warn("loading persisted auth token", "error", err)
		return m
	}
	if tok != "" {
		m.mu.Lock()
		m.token = tok
		m.scheduleRefreshLocked(tok)
		m.mu.Unlock()
	}
	return m
}

// Token returns the current bearer token, empty when unauthenticated.
func (m *Manager) Token() string {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.token
}

// Identity returns the current email and userID.
func (m *Manager) Identity() (email, userID string) {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.email, m.userID
}

// RequestNewAuthToken asks the provider for a fresh token. hasFailedPriorAuth
// marks the request as triggered by an auth failure: once one such request
// has been recorded, further failure-triggered requests are dropped without
// consulting the provider until a non-failure refresh succeeds. onSuccess
// (optional) is invoked with the new token, or with an empty string when
// the refresh fails; when a refresh is already in flight the callback joins
// it instead of starting a second one.
func (m *Manager) RequestNewAuthToken(hasFailedPriorAuth bool, onSuccess func(token string)) {
	m.mu.Lock()
	if m.closed || m.provider == nil {
		m.mu.Unlock()
		if onSuccess != nil {
			onSuccess("")
		}
		return
	}
	if hasFailedPriorAuth && m.hasFailedPriorAuth {
		m.mu.Unlock()
		slog.Debug("auth refresh suppressed, prior failure not yet cleared")
		if onSuccess != nil {
			onSuccess("")
		}
		return
	}
	if hasFailedPriorAuth {
		m.hasFailedPriorAuth = true
	}
	if onSuccess != nil {
		m.callbacks = append(m.callbacks, onSuccess)
	}
	if m.inFlight {
		m.mu.Unlock()
		return
	}
	m.inFlight = true
	m.inFlightFailed = hasFailedPriorAuth
	m.mu.Unlock()

	go m.refresh()
}

func (m *Manager) refresh() {
	ctx, cancel := context.WithTimeout(context.Background(), providerTimeout)
	defer cancel()

	tok, err := m.provider.AuthToken(ctx)
	if err != nil {
		slog.Error("auth token refresh failed", "error", err)
		tok = ""
	}

	m.mu.Lock()
	m.inFlight = false
	callbacks := m.callbacks
	m.callbacks = nil
	wasFailed := m.inFlightFailed

	if tok != "" {
		m.token = tok
		// Only a refresh that was not itself triggered by an auth failure
		// clears the suppression flag.
		if !wasFailed {
			m.hasFailedPriorAuth = false
		}
		if err := m.storage.SaveToken(tok); err != nil {
			slog.Warn("persisting auth token", "error", err)
		}
		m.scheduleRefreshLocked(tok)
		slog.Info("auth token refreshed")
	}
	m.mu.Unlock()

	for _, cb := range callbacks {
		cb(tok)
	}
}

// scheduleRefreshLocked arms a timer to refresh the token refreshWindow
// before its expiration claim. Tokens without a parseable claim are left
// to reactive refresh on 401. Caller must hold m.mu.
func (m *Manager) scheduleRefreshLocked(tok string) {
	if m.timer != nil {
		m.timer.Stop()
		m.timer = nil
	}

	exp, err := tokenExpiration(tok)
	if err != nil {
		slog.Debug("token has no usable expiration claim", "error", err)
		return
	}

	delay := time.Until(exp) - m.refreshWindow
	if delay < 0 {
		delay = 0
	}
	m.timer = time.AfterFunc(delay, func() {
		m.RequestNewAuthToken(false, nil)
	})
	slog.Debug("proactive token refresh scheduled", "in", delay)
}

// SetEmail switches the current identity to an email. The existing token
// belongs to the old identity, so it is cleared and a refresh for the new
// identity starts immediately.
func (m *Manager) SetEmail(email string) {
	m.mu.Lock()
	if m.email == email && m.userID == "" {
		m.mu.Unlock()
		return
	}
	m.email = email
	m.userID = ""
	m.clearTokenLocked()
	m.mu.Unlock()

	m.RequestNewAuthToken(false, nil)
}

// SetUserID switches the current identity to a user id.
func (m *Manager) SetUserID(userID string) {
	m.mu.Lock()
	if m.userID == userID && m.email == "" {
		m.mu.Unlock()
		return
	}
	m.userID = userID
	m.email = ""
	m.clearTokenLocked()
	m.mu.Unlock()

	m.RequestNewAuthToken(false, nil)
}

// Logout clears the identity and token and cancels any scheduled refresh.
func (m *Manager) Logout() {
	m.mu.Lock()
	m.email = ""
	m.userID = ""
	m.hasFailedPriorAuth = false
	m.callbacks = nil
	m.clearTokenLocked()
	m.mu.Unlock()
}

// Close stops the proactive refresh timer and drops future requests.
func (m *Manager) Close() {
	m.mu.Lock()
	m.closed = true
	if m.timer != nil {
		m.timer.Stop()
		m.timer = nil
	}
	m.mu.Unlock()
}

// clearTokenLocked wipes the token from memory and storage and stops the
// refresh timer. Caller must hold m.mu.
func (m *Manager) clearTokenLocked() {
	m.token = ""
	if err := m.storage.ClearToken(); err != nil {
		slog.Warn("clearing persisted auth token", "error", err)
	}
	if m.timer != nil {
		m.timer.Stop()
		m.timer = nil
	}
}
