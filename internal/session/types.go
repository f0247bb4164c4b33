package session

import (
	"context"
	"time"

	"github.com/coreos-dash/coreos-client/internal/model"
)

// Config holds session manager settings.
type Config struct {
	RefreshInterval   time.Duration // scheduled refresh period
	PruneInterval     time.Duration // scheduled attempt-window pruning period
	RateLimitWindow   time.Duration // sliding window for failed logins
	MaxFailedAttempts int           // failures within the window before RATE_LIMITED
}

// DefaultConfig returns default configuration.
func DefaultConfig() Config {
	return Config{
		RefreshInterval:   5 * time.Minute,
		PruneInterval:     15 * time.Minute,
		RateLimitWindow:   15 * time.Minute,
		MaxFailedAttempts: 3,
	}
}

// AuthAPI is the remote authentication service.
type AuthAPI interface {
	Login(ctx context.Context, creds model.Credentials) (model.AuthResult, error)
	LoginOAuth(ctx context.Context, provider, providerToken string) (model.AuthResult, error)
	VerifyMFA(ctx context.Context, accessToken, code string) (model.AuthResult, error)
	Refresh(ctx context.Context, refreshToken string) (model.AuthResult, error)
	Logout(ctx context.Context, accessToken string) error
}

// EventSink receives every appended security event. Sinks must not block.
type EventSink func(model.SecurityEvent)

// Snapshot is a read-only copy of the session state. Tokens are never
// included.
type Snapshot struct {
	User           *model.User `json:"user,omitempty"`
	Authenticated  bool        `json:"authenticated"`
	MFARequired    bool        `json:"mfaRequired"`
	MFAVerified    bool        `json:"mfaVerified"`
	ExpiresAt      time.Time   `json:"expiresAt,omitzero"`
	FailedAttempts int         `json:"failedAttempts"`
	SecurityEvents int         `json:"securityEvents"`
}
