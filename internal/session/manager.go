// Package session implements the COREos authentication state machine.
//
// The Manager holds the signed-in user and token pair, enforces a sliding
// window login rate limit, coalesces token refreshes, and keeps an
// append-only security event log that is mirrored to registered sinks.
// A session is authenticated when it holds an access token and any required
// second factor has been verified.
package session

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"strconv"
	"sync"
	"time"

	"github.com/robfig/cron/v3"
	"golang.org/x/sync/singleflight"

	"github.com/coreos-dash/coreos-client/internal/model"
	"github.com/coreos-dash/coreos-client/internal/store"
)

// Option configures a Manager.
type Option func(*Manager)

// WithStore sets the durable token store. Defaults to an in-memory store.
func WithStore(kv store.KV) Option {
	return func(m *Manager) {
		m.kv = kv
	}
}

// WithProviders sets the OAuth provider registry.
func WithProviders(p *Providers) Option {
	return func(m *Manager) {
		m.providers = p
	}
}

// WithClock replaces time.Now.
func WithClock(now func() time.Time) Option {
	return func(m *Manager) {
		m.now = now
	}
}

// Manager owns the authentication state of one client.
type Manager struct {
	cfg       Config
	api       AuthAPI
	kv        store.KV
	providers *Providers
	logger    *slog.Logger
	now       func() time.Time

	mu          sync.RWMutex
	user        *model.User
	tokens      model.Tokens
	mfaRequired bool
	mfaVerified bool
	attempts    attemptWindow
	events      []model.SecurityEvent

	refreshGroup singleflight.Group

	sinkMu sync.RWMutex
	sinks  []EventSink

	cronMu sync.Mutex
	cron   *cron.Cron
}

// NewManager creates a signed-out session manager.
func NewManager(cfg Config, api AuthAPI, logger *slog.Logger, opts ...Option) *Manager {
	if logger == nil {
		logger = slog.Default()
	}
	def := DefaultConfig()
	if cfg.RateLimitWindow <= 0 {
		cfg.RateLimitWindow = def.RateLimitWindow
	}
	if cfg.MaxFailedAttempts <= 0 {
		cfg.MaxFailedAttempts = def.MaxFailedAttempts
	}
	if cfg.RefreshInterval <= 0 {
		cfg.RefreshInterval = def.RefreshInterval
	}
	if cfg.PruneInterval <= 0 {
		cfg.PruneInterval = def.PruneInterval
	}

	m := &Manager{
		cfg:    cfg,
		api:    api,
		logger: logger.With("component", "session"),
		now:    time.Now,
		attempts: attemptWindow{
			window: cfg.RateLimitWindow,
			max:    cfg.MaxFailedAttempts,
		},
	}
	for _, opt := range opts {
		opt(m)
	}
	if m.kv == nil {
		m.kv = store.NewMemory()
	}
	return m
}

// AddSink registers a security event sink.
func (m *Manager) AddSink(s EventSink) {
	m.sinkMu.Lock()
	defer m.sinkMu.Unlock()
	m.sinks = append(m.sinks, s)
}

// Login authenticates with email and password.
func (m *Manager) Login(ctx context.Context, creds model.Credentials) error {
	if err := m.checkRateLimit("password"); err != nil {
		return err
	}

	res, err := m.api.Login(ctx, creds)
	if err != nil {
		return m.loginFailed(ctx, "password", classify(err, CodeInvalidCredentials))
	}
	return m.loginSucceeded(ctx, "password", res)
}

// LoginWithOAuth authenticates with a token from the named identity
// provider.
func (m *Manager) LoginWithOAuth(ctx context.Context, provider string) error {
	method := "oauth:" + provider
	if err := m.checkRateLimit(method); err != nil {
		return err
	}

	providerToken, err := m.providers.Token(provider)
	if err != nil {
		return m.loginFailed(ctx, method, newError(CodeInvalidCredentials, "provider token unavailable", err))
	}

	res, err := m.api.LoginOAuth(ctx, provider, providerToken)
	if err != nil {
		return m.loginFailed(ctx, method, classify(err, CodeInvalidCredentials))
	}
	return m.loginSucceeded(ctx, method, res)
}

// VerifyMFA completes the second factor for a session that requires it.
func (m *Manager) VerifyMFA(ctx context.Context, code string) error {
	m.mu.RLock()
	hasUser := m.user != nil
	required := m.mfaRequired
	verified := m.mfaVerified
	token := m.tokens.AccessToken
	m.mu.RUnlock()

	if !hasUser || !required {
		return ErrNoActiveSession
	}
	if verified {
		return nil
	}

	res, err := m.api.VerifyMFA(ctx, token, code)
	if err != nil {
		err = classify(err, CodeInvalidMFACode)
		m.appendEvent(model.EventMFAFailure, map[string]string{"reason": reason(err)})
		return fmt.Errorf("verify mfa: %w", err)
	}

	m.mu.Lock()
	if m.user == nil || m.tokens.AccessToken != token {
		// Signed out or replaced while the request was in flight.
		m.mu.Unlock()
		return ErrNoActiveSession
	}
	m.mfaVerified = true
	if !res.Tokens.IsZero() {
		m.mergeTokensLocked(res.Tokens)
	}
	persisted := m.persistedLocked()
	m.mu.Unlock()

	m.persist(ctx, persisted)
	m.appendEvent(model.EventMFASuccess, nil)
	return nil
}

// RefreshToken exchanges the refresh token for a new token pair. It is a
// no-op when the session is not authenticated. Concurrent calls share one
// request.
func (m *Manager) RefreshToken(ctx context.Context) error {
	_, err := m.refresh(ctx, "")
	return err
}

// Logout signs out. The server is told on a best-effort basis; local state
// and durable tokens are always cleared. Security events are kept.
func (m *Manager) Logout(ctx context.Context) error {
	return m.logout(ctx, "user", true)
}

// Restore loads a persisted session and the failed login window from the
// durable store.
func (m *Manager) Restore(ctx context.Context) error {
	attempts, err := store.LoadLoginAttempts(ctx, m.kv)
	if err != nil {
		return fmt.Errorf("restore login attempts: %w", err)
	}
	m.mu.Lock()
	m.attempts.attempts = attempts
	m.attempts.prune(m.now())
	m.mu.Unlock()

	ps, err := store.LoadSession(ctx, m.kv)
	if err != nil {
		return fmt.Errorf("restore session: %w", err)
	}
	if ps.Tokens.IsZero() {
		return nil
	}

	m.mu.Lock()
	m.user = ps.User
	m.tokens = ps.Tokens
	m.mfaRequired = ps.MFARequired
	m.mfaVerified = ps.MFAVerified
	m.mu.Unlock()

	m.logger.Info("session restored", "authenticated", m.IsAuthenticated())
	m.appendEvent(model.EventSecurityUpdate, map[string]string{"action": "session_restored"})
	return nil
}

// ClearSecurityEvents empties the in-memory event log.
func (m *Manager) ClearSecurityEvents() {
	m.mu.Lock()
	m.events = nil
	m.mu.Unlock()
}

// SecurityEvents returns a copy of the event log, oldest first.
func (m *Manager) SecurityEvents() []model.SecurityEvent {
	m.mu.RLock()
	defer m.mu.RUnlock()
	out := make([]model.SecurityEvent, len(m.events))
	copy(out, m.events)
	return out
}

// AccessToken returns the access token of an authenticated session, or "".
func (m *Manager) AccessToken() string {
	m.mu.RLock()
	defer m.mu.RUnlock()
	if !m.authenticatedLocked() {
		return ""
	}
	return m.tokens.AccessToken
}

// IsAuthenticated reports whether the session holds a usable access token.
func (m *Manager) IsAuthenticated() bool {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return m.authenticatedLocked()
}

// PruneAttempts drops failed login attempts that left the window.
func (m *Manager) PruneAttempts() int {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.attempts.prune(m.now())
}

// Snapshot returns a copy of the session state.
func (m *Manager) Snapshot() Snapshot {
	m.mu.Lock()
	defer m.mu.Unlock()

	var user *model.User
	if m.user != nil {
		u := *m.user
		user = &u
	}
	return Snapshot{
		User:           user,
		Authenticated:  m.authenticatedLocked(),
		MFARequired:    m.mfaRequired,
		MFAVerified:    m.mfaVerified,
		ExpiresAt:      m.tokens.ExpiresAt,
		FailedAttempts: m.attempts.prune(m.now()),
		SecurityEvents: len(m.events),
	}
}

// checkRateLimit refuses the attempt, without contacting the server, when
// the failure window is full.
func (m *Manager) checkRateLimit(method string) error {
	m.mu.Lock()
	limited, retryAfter := m.attempts.limited(m.now())
	m.mu.Unlock()

	if !limited {
		return nil
	}

	m.logger.Warn("login rate limited", "method", method, "retry_after", retryAfter)
	m.appendEvent(model.EventLoginFailure, map[string]string{
		"method":      method,
		"reason":      "rate_limited",
		"retry_after": strconv.Itoa(int(retryAfter.Seconds())),
	})
	return newError(CodeRateLimited, fmt.Sprintf("retry after %s", retryAfter.Round(time.Second)), nil)
}

func (m *Manager) loginFailed(ctx context.Context, method string, err error) error {
	m.mu.Lock()
	m.attempts.prune(m.now())
	m.attempts.record(m.now())
	attempts := m.attempts.snapshot()
	m.mu.Unlock()

	m.persistAttempts(ctx, attempts)

	m.logger.Warn("login failed", "method", method, "reason", reason(err))
	m.appendEvent(model.EventLoginFailure, map[string]string{
		"method": method,
		"reason": reason(err),
	})
	return fmt.Errorf("login: %w", err)
}

func (m *Manager) loginSucceeded(ctx context.Context, method string, res model.AuthResult) error {
	if res.Tokens.IsZero() {
		return m.loginFailed(ctx, method, errors.New("server returned no access token"))
	}

	m.mu.Lock()
	m.user = res.User
	m.tokens = res.Tokens
	m.mfaRequired = res.MFARequired
	m.mfaVerified = false
	m.attempts.reset()
	persisted := m.persistedLocked()
	m.mu.Unlock()

	m.persist(ctx, persisted)
	m.persistAttempts(ctx, nil)

	details := map[string]string{
		"method":       method,
		"mfa_required": strconv.FormatBool(res.MFARequired),
	}
	if res.User != nil {
		details["user_id"] = res.User.ID
	}
	m.logger.Info("login succeeded", "method", method, "mfa_required", res.MFARequired)
	m.appendEvent(model.EventLoginSuccess, details)
	return nil
}

// logout clears local state first so the session fails closed even when the
// server cannot be reached.
func (m *Manager) logout(ctx context.Context, why string, notifyServer bool) error {
	m.mu.Lock()
	token := m.tokens.AccessToken
	m.user = nil
	m.tokens = model.Tokens{}
	m.mfaRequired = false
	m.mfaVerified = false
	m.mu.Unlock()

	if notifyServer && token != "" {
		if err := m.api.Logout(ctx, token); err != nil {
			m.logger.Warn("server logout failed", "error", err)
		}
	}

	var storeErr error
	if err := store.ClearSession(ctx, m.kv); err != nil {
		m.logger.Error("failed to clear persisted session", "error", err)
		storeErr = fmt.Errorf("logout: %w", err)
	}

	m.logger.Info("logged out", "reason", why)
	m.appendEvent(model.EventLogout, map[string]string{"reason": why})
	return storeErr
}

func (m *Manager) authenticatedLocked() bool {
	return m.tokens.AccessToken != "" && (!m.mfaRequired || m.mfaVerified)
}

// mergeTokensLocked replaces the token pair, keeping the previous refresh
// token when the server did not rotate it.
func (m *Manager) mergeTokensLocked(t model.Tokens) {
	if t.RefreshToken == "" {
		t.RefreshToken = m.tokens.RefreshToken
	}
	m.tokens = t
}

func (m *Manager) persistedLocked() store.PersistedSession {
	return store.PersistedSession{
		User:        m.user,
		Tokens:      m.tokens,
		MFARequired: m.mfaRequired,
		MFAVerified: m.mfaVerified,
	}
}

// persist writes the session to the durable store. Failures leave the
// in-memory session usable and are only logged.
func (m *Manager) persist(ctx context.Context, ps store.PersistedSession) {
	if err := store.SaveSession(ctx, m.kv, ps); err != nil {
		m.logger.Error("failed to persist session", "error", err)
	}
}

func (m *Manager) persistAttempts(ctx context.Context, attempts []time.Time) {
	if err := store.SaveLoginAttempts(ctx, m.kv, attempts); err != nil {
		m.logger.Error("failed to persist login attempts", "error", err)
	}
}

// appendEvent records a security event and forwards it to sinks.
func (m *Manager) appendEvent(typ model.EventType, details map[string]string) {
	ev := model.NewSecurityEvent(typ, m.now(), details)

	m.mu.Lock()
	m.events = append(m.events, ev)
	m.mu.Unlock()

	m.sinkMu.RLock()
	sinks := m.sinks
	m.sinkMu.RUnlock()
	for _, s := range sinks {
		s(ev)
	}
}

// reason renders an error as a short event detail.
func reason(err error) string {
	var se *Error
	if errors.As(err, &se) {
		return string(se.Code)
	}
	if code, _ := serverCode(err); code != "" {
		return code
	}
	return "error"
}
