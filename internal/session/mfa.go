package session

import (
	"context"
	"fmt"
	"time"

	"github.com/pquerna/otp/totp"
)

// GenerateTOTP returns the current time-based code for a base32 shared
// secret.
func GenerateTOTP(secret string, t time.Time) (string, error) {
	code, err := totp.GenerateCode(secret, t)
	if err != nil {
		return "", fmt.Errorf("generate totp: %w", err)
	}
	return code, nil
}

// VerifyTOTP completes MFA with a code generated from secret.
func (m *Manager) VerifyTOTP(ctx context.Context, secret string) error {
	code, err := GenerateTOTP(secret, m.now())
	if err != nil {
		return err
	}
	return m.VerifyMFA(ctx, code)
}
