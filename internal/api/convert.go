package api

import (
	"strconv"
	"strings"
	"time"

	"github.com/coreos-dash/coreos-client/internal/model"
)

// ParseTimestamp parses an expiry timestamp. RFC 3339, a zone-less ISO 8601
// form and Unix seconds are accepted. Returns the zero time for empty or
// invalid input.
func ParseTimestamp(s string) time.Time {
	s = strings.TrimSpace(s)
	if s == "" {
		return time.Time{}
	}

	if t, err := time.Parse(time.RFC3339, s); err == nil {
		return t.UTC()
	}
	if t, err := time.Parse("2006-01-02T15:04:05", s); err == nil {
		return t.UTC()
	}
	if secs, err := strconv.ParseInt(s, 10, 64); err == nil && secs > 0 {
		return time.Unix(secs, 0).UTC()
	}
	return time.Time{}
}

// ToModel converts an APIUser to model.User.
func (u *APIUser) ToModel() model.User {
	var extra map[string]string
	if len(u.Preferences.Extra) > 0 {
		extra = make(map[string]string, len(u.Preferences.Extra))
		for k, v := range u.Preferences.Extra {
			extra[k] = v
		}
	}

	return model.User{
		ID:    u.ID,
		Name:  u.Name,
		Email: u.Email,
		Preferences: model.Preferences{
			Theme:         u.Preferences.Theme,
			Language:      u.Preferences.Language,
			Notifications: u.Preferences.Notifications,
			Extra:         extra,
		},
	}
}

// ToModel converts an AuthResponse to model.AuthResult.
func (r *AuthResponse) ToModel() model.AuthResult {
	result := model.AuthResult{
		Tokens: model.Tokens{
			AccessToken:  r.AccessToken,
			RefreshToken: r.RefreshToken,
			ExpiresAt:    ParseTimestamp(r.ExpiresAt),
		},
		MFARequired: r.MFARequired,
	}
	if r.User != nil {
		u := r.User.ToModel()
		result.User = &u
	}
	return result
}
