// Package api provides the HTTP client for the COREos auth endpoints.
//
// Endpoints:
//   - POST /auth/login
//   - POST /auth/oauth/{provider}
//   - POST /auth/mfa/verify
//   - POST /auth/token/refresh
//   - POST /auth/logout
//
// Success responses carry {user, accessToken, refreshToken, expiresAt,
// mfaRequired}; failures carry {code, message}.
package api
