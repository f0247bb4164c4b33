package session

import (
	"context"
	"errors"
	"fmt"
	"io"
	"net/http"

	"github.com/coreos-dash/coreos-client/internal/model"
)

// refresh returns a fresh access token. stale names the token the caller
// found rejected; when the session already moved past it no request is made.
// An empty stale means the current token. Callers with the same stale token
// share one request.
func (m *Manager) refresh(ctx context.Context, stale string) (string, error) {
	m.mu.RLock()
	authenticated := m.authenticatedLocked()
	current := m.tokens.AccessToken
	m.mu.RUnlock()

	if !authenticated {
		return "", nil
	}
	if stale == "" {
		stale = current
	}
	if current != stale {
		return current, nil
	}

	// One caller's cancellation must not fail the others sharing the flight.
	flightCtx := context.WithoutCancel(ctx)
	v, err, shared := m.refreshGroup.Do(stale, func() (any, error) {
		return m.doRefresh(flightCtx, stale)
	})
	if shared {
		m.logger.Debug("joined in-flight token refresh")
	}
	if err != nil {
		return "", err
	}
	return v.(string), nil
}

func (m *Manager) doRefresh(ctx context.Context, stale string) (string, error) {
	m.mu.RLock()
	current := m.tokens.AccessToken
	refreshToken := m.tokens.RefreshToken
	m.mu.RUnlock()

	if current != stale {
		return current, nil
	}
	if current == "" {
		return "", ErrNoActiveSession
	}

	if refreshToken == "" {
		err := newError(CodeTokenInvalid, "no refresh token", nil)
		m.logout(ctx, "token_invalid", false)
		return "", fmt.Errorf("refresh token: %w", err)
	}

	res, err := m.api.Refresh(ctx, refreshToken)
	if err != nil {
		// A 401 means the refresh token is dead whatever code the server sent.
		if _, status := serverCode(err); status == http.StatusUnauthorized {
			err = newError(CodeTokenInvalid, "rejected by server", err)
		} else {
			err = classify(err, CodeTokenInvalid)
		}
		if errors.Is(err, ErrTokenInvalid) {
			m.logger.Warn("refresh token rejected, signing out")
			m.logout(ctx, "token_invalid", false)
			return "", fmt.Errorf("refresh token: %w", err)
		}
		m.logger.Warn("token refresh failed", "error", err)
		m.appendEvent(model.EventSecurityUpdate, map[string]string{
			"action": "token_refresh_failed",
			"reason": reason(err),
		})
		return "", fmt.Errorf("refresh token: %w", err)
	}
	if res.Tokens.IsZero() {
		m.appendEvent(model.EventSecurityUpdate, map[string]string{
			"action": "token_refresh_failed",
			"reason": "empty_response",
		})
		return "", errors.New("refresh token: server returned no access token")
	}

	m.mu.Lock()
	if m.tokens.AccessToken != stale {
		// Signed out or signed in again meanwhile; drop the result.
		current := m.tokens.AccessToken
		m.mu.Unlock()
		return current, nil
	}
	m.mergeTokensLocked(res.Tokens)
	if res.User != nil {
		m.user = res.User
	}
	fresh := m.tokens.AccessToken
	persisted := m.persistedLocked()
	m.mu.Unlock()

	m.persist(ctx, persisted)
	m.logger.Info("token refreshed", "expires_at", res.Tokens.ExpiresAt)
	m.appendEvent(model.EventTokenRefresh, nil)
	return fresh, nil
}

// Transport returns an http.RoundTripper that authenticates requests with
// the session's access token. A 401 response triggers one coalesced refresh
// and a single retry with the new token.
func (m *Manager) Transport(base http.RoundTripper) http.RoundTripper {
	if base == nil {
		base = http.DefaultTransport
	}
	return &authTransport{base: base, session: m}
}

type authTransport struct {
	base    http.RoundTripper
	session *Manager
}

func (t *authTransport) RoundTrip(req *http.Request) (*http.Response, error) {
	token := t.session.AccessToken()
	if token == "" {
		return t.base.RoundTrip(req)
	}

	resp, err := t.base.RoundTrip(withBearer(req, token))
	if err != nil || resp.StatusCode != http.StatusUnauthorized {
		return resp, err
	}

	// The body was consumed by the first attempt.
	if req.Body != nil && req.GetBody == nil {
		return resp, nil
	}

	fresh, rerr := t.session.refresh(req.Context(), token)
	if rerr != nil || fresh == "" || fresh == token {
		return resp, nil
	}

	retry := withBearer(req, fresh)
	if req.GetBody != nil {
		body, berr := req.GetBody()
		if berr != nil {
			return resp, nil
		}
		retry.Body = body
	}
	io.Copy(io.Discard, resp.Body)
	resp.Body.Close()

	return t.base.RoundTrip(retry)
}

// withBearer clones req with an Authorization header. RoundTrippers must not
// modify the caller's request.
func withBearer(req *http.Request, token string) *http.Request {
	r := req.Clone(req.Context())
	r.Header.Set("Authorization", "Bearer "+token)
	return r
}
