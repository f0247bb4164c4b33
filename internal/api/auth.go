package api

import (
	"context"
	"fmt"
	"net/url"

	"github.com/coreos-dash/coreos-client/internal/model"
)

// Login exchanges credentials at POST /auth/login.
func (c *Client) Login(ctx context.Context, creds model.Credentials) (model.AuthResult, error) {
	var resp AuthResponse
	req := loginRequest{Email: creds.Email, Password: creds.Password}
	if err := c.post(ctx, "/auth/login", "", req, &resp); err != nil {
		return model.AuthResult{}, fmt.Errorf("login: %w", err)
	}
	return resp.ToModel(), nil
}

// LoginOAuth exchanges an identity provider token at POST /auth/oauth/{provider}.
func (c *Client) LoginOAuth(ctx context.Context, provider, providerToken string) (model.AuthResult, error) {
	var resp AuthResponse
	path := "/auth/oauth/" + url.PathEscape(provider)
	if err := c.post(ctx, path, "", oauthRequest{AccessToken: providerToken}, &resp); err != nil {
		return model.AuthResult{}, fmt.Errorf("oauth login %s: %w", provider, err)
	}
	return resp.ToModel(), nil
}

// VerifyMFA submits a second-factor code at POST /auth/mfa/verify. The
// server may rotate tokens; a result with an empty access token means the
// current tokens stay valid.
func (c *Client) VerifyMFA(ctx context.Context, accessToken, code string) (model.AuthResult, error) {
	var resp AuthResponse
	if err := c.post(ctx, "/auth/mfa/verify", accessToken, mfaRequest{Code: code}, &resp); err != nil {
		return model.AuthResult{}, fmt.Errorf("verify mfa: %w", err)
	}
	return resp.ToModel(), nil
}

// Refresh exchanges a refresh token at POST /auth/token/refresh.
func (c *Client) Refresh(ctx context.Context, refreshToken string) (model.AuthResult, error) {
	var resp AuthResponse
	if err := c.post(ctx, "/auth/token/refresh", "", refreshRequest{RefreshToken: refreshToken}, &resp); err != nil {
		return model.AuthResult{}, fmt.Errorf("refresh token: %w", err)
	}
	return resp.ToModel(), nil
}

// Logout revokes the session server-side at POST /auth/logout.
func (c *Client) Logout(ctx context.Context, accessToken string) error {
	if err := c.post(ctx, "/auth/logout", accessToken, nil, nil); err != nil {
		return fmt.Errorf("logout: %w", err)
	}
	return nil
}
