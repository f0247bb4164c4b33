// Package store provides durable key-value storage for session tokens and an
// archive for security events.
//
// Keys under the "auth." prefix hold the persisted token pair and user
// record; keys under "session." hold session-scoped transient data that is
// wiped on logout.
package store

import (
	"context"
	"errors"
	"fmt"

	"github.com/coreos-dash/coreos-client/internal/config"
	"github.com/coreos-dash/coreos-client/internal/database"
	"github.com/coreos-dash/coreos-client/internal/model"
)

// Key layout.
const (
	KeyAccessToken  = "auth.access_token"
	KeyRefreshToken = "auth.refresh_token"
	KeyExpiresAt    = "auth.expires_at"
	KeyUser         = "auth.user"
	KeyMFARequired  = "auth.mfa_required"
	KeyMFAVerified  = "auth.mfa_verified"

	// KeyLoginAttempts survives logout so the failure window spans processes.
	KeyLoginAttempts = "ratelimit.login_attempts"

	AuthPrefix    = "auth."
	SessionPrefix = "session."
)

// ErrUnknownDriver is returned by Open for an unsupported storage driver.
var ErrUnknownDriver = errors.New("unknown storage driver")

// KV is a string key-value store.
type KV interface {
	// Get returns the value for key and whether it exists.
	Get(ctx context.Context, key string) (string, bool, error)

	// Set stores value under key, replacing any previous value.
	Set(ctx context.Context, key, value string) error

	// Delete removes key. Deleting a missing key is not an error.
	Delete(ctx context.Context, key string) error

	// DeletePrefix removes every key starting with prefix and returns how
	// many were removed.
	DeletePrefix(ctx context.Context, prefix string) (int, error)
}

// EventArchive persists security events.
type EventArchive interface {
	// InsertEvents stores events, skipping IDs already present. It returns
	// the number of events actually inserted.
	InsertEvents(ctx context.Context, events []model.SecurityEvent) (int, error)

	// ListEvents returns up to limit events, newest first. limit <= 0 means all.
	ListEvents(ctx context.Context, limit int) ([]model.SecurityEvent, error)
}

// Store combines token storage and the event archive.
type Store interface {
	KV
	EventArchive

	// Close releases the underlying connection.
	Close() error
}

// Open creates the Store selected by cfg.Driver.
func Open(ctx context.Context, cfg config.StorageConfig) (Store, error) {
	switch cfg.Driver {
	case "memory":
		return NewMemory(), nil

	case "sqlite":
		db, err := database.OpenSQLite(ctx, cfg.SQLitePath)
		if err != nil {
			return nil, fmt.Errorf("open sqlite store: %w", err)
		}
		s, err := NewSQLite(ctx, db)
		if err != nil {
			db.Close()
			return nil, err
		}
		return s, nil

	case "postgres":
		pool, err := database.Connect(ctx, cfg.Postgres)
		if err != nil {
			return nil, fmt.Errorf("open postgres store: %w", err)
		}
		s, err := NewPostgres(ctx, pool)
		if err != nil {
			pool.Close()
			return nil, err
		}
		return s, nil

	default:
		return nil, fmt.Errorf("%w: %q", ErrUnknownDriver, cfg.Driver)
	}
}
