package store

import (
	"context"
	"encoding/json"
	"fmt"
	"strconv"
	"time"

	"github.com/coreos-dash/coreos-client/internal/model"
)

// PersistedSession is the durable part of a session.
type PersistedSession struct {
	User        *model.User
	Tokens      model.Tokens
	MFARequired bool
	MFAVerified bool
}

// SaveSession writes the session under the auth.* keys.
func SaveSession(ctx context.Context, kv KV, s PersistedSession) error {
	values := map[string]string{
		KeyAccessToken:  s.Tokens.AccessToken,
		KeyRefreshToken: s.Tokens.RefreshToken,
		KeyMFARequired:  strconv.FormatBool(s.MFARequired),
		KeyMFAVerified:  strconv.FormatBool(s.MFAVerified),
	}
	if !s.Tokens.ExpiresAt.IsZero() {
		values[KeyExpiresAt] = s.Tokens.ExpiresAt.UTC().Format(time.RFC3339Nano)
	}
	if s.User != nil {
		data, err := json.Marshal(s.User)
		if err != nil {
			return fmt.Errorf("marshal user: %w", err)
		}
		values[KeyUser] = string(data)
	}

	for _, key := range []string{KeyAccessToken, KeyRefreshToken, KeyExpiresAt, KeyUser, KeyMFARequired, KeyMFAVerified} {
		v, ok := values[key]
		if !ok {
			if err := kv.Delete(ctx, key); err != nil {
				return fmt.Errorf("delete %s: %w", key, err)
			}
			continue
		}
		if err := kv.Set(ctx, key, v); err != nil {
			return fmt.Errorf("set %s: %w", key, err)
		}
	}
	return nil
}

// LoadSession reads the persisted session. A missing access token yields a
// zero PersistedSession and no error.
func LoadSession(ctx context.Context, kv KV) (PersistedSession, error) {
	var s PersistedSession

	access, ok, err := kv.Get(ctx, KeyAccessToken)
	if err != nil {
		return s, fmt.Errorf("get access token: %w", err)
	}
	if !ok || access == "" {
		return PersistedSession{}, nil
	}
	s.Tokens.AccessToken = access

	if s.Tokens.RefreshToken, _, err = kv.Get(ctx, KeyRefreshToken); err != nil {
		return PersistedSession{}, fmt.Errorf("get refresh token: %w", err)
	}

	if raw, ok, err := kv.Get(ctx, KeyExpiresAt); err != nil {
		return PersistedSession{}, fmt.Errorf("get expiry: %w", err)
	} else if ok {
		if t, perr := time.Parse(time.RFC3339Nano, raw); perr == nil {
			s.Tokens.ExpiresAt = t
		}
	}

	if raw, ok, err := kv.Get(ctx, KeyUser); err != nil {
		return PersistedSession{}, fmt.Errorf("get user: %w", err)
	} else if ok {
		var u model.User
		if err := json.Unmarshal([]byte(raw), &u); err != nil {
			return PersistedSession{}, fmt.Errorf("unmarshal user: %w", err)
		}
		s.User = &u
	}

	if s.MFARequired, err = getBool(ctx, kv, KeyMFARequired); err != nil {
		return PersistedSession{}, err
	}
	if s.MFAVerified, err = getBool(ctx, kv, KeyMFAVerified); err != nil {
		return PersistedSession{}, err
	}

	return s, nil
}

// ClearSession removes the persisted session and all session-scoped keys.
func ClearSession(ctx context.Context, kv KV) error {
	if _, err := kv.DeletePrefix(ctx, AuthPrefix); err != nil {
		return fmt.Errorf("clear auth keys: %w", err)
	}
	if _, err := kv.DeletePrefix(ctx, SessionPrefix); err != nil {
		return fmt.Errorf("clear session keys: %w", err)
	}
	return nil
}

// SaveLoginAttempts writes failed login timestamps. An empty slice deletes
// the key.
func SaveLoginAttempts(ctx context.Context, kv KV, attempts []time.Time) error {
	if len(attempts) == 0 {
		if err := kv.Delete(ctx, KeyLoginAttempts); err != nil {
			return fmt.Errorf("delete login attempts: %w", err)
		}
		return nil
	}
	data, err := json.Marshal(attempts)
	if err != nil {
		return fmt.Errorf("marshal login attempts: %w", err)
	}
	if err := kv.Set(ctx, KeyLoginAttempts, string(data)); err != nil {
		return fmt.Errorf("set login attempts: %w", err)
	}
	return nil
}

// LoadLoginAttempts reads failed login timestamps, oldest first.
func LoadLoginAttempts(ctx context.Context, kv KV) ([]time.Time, error) {
	raw, ok, err := kv.Get(ctx, KeyLoginAttempts)
	if err != nil {
		return nil, fmt.Errorf("get login attempts: %w", err)
	}
	if !ok || raw == "" {
		return nil, nil
	}
	var attempts []time.Time
	if err := json.Unmarshal([]byte(raw), &attempts); err != nil {
		return nil, fmt.Errorf("unmarshal login attempts: %w", err)
	}
	return attempts, nil
}

func getBool(ctx context.Context, kv KV, key string) (bool, error) {
	raw, ok, err := kv.Get(ctx, key)
	if err != nil {
		return false, fmt.Errorf("get %s: %w", key, err)
	}
	if !ok {
		return false, nil
	}
	b, _ := strconv.ParseBool(raw)
	return b, nil
}
