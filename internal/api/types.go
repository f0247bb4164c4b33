package api

// loginRequest is the body of POST /auth/login.
type loginRequest struct {
	Email    string `json:"email"`
	Password string `json:"password"`
}

// oauthRequest is the body of POST /auth/oauth/{provider}.
type oauthRequest struct {
	AccessToken string `json:"accessToken"`
}

// mfaRequest is the body of POST /auth/mfa/verify.
type mfaRequest struct {
	Code string `json:"code"`
}

// refreshRequest is the body of POST /auth/token/refresh.
type refreshRequest struct {
	RefreshToken string `json:"refreshToken"`
}

// AuthResponse is the success body of every token-issuing endpoint.
type AuthResponse struct {
	User         *APIUser `json:"user,omitempty"`
	AccessToken  string   `json:"accessToken"`
	RefreshToken string   `json:"refreshToken"`
	ExpiresAt    string   `json:"expiresAt,omitempty"` // RFC 3339
	MFARequired  bool     `json:"mfaRequired"`
}

// APIUser represents a user from the COREos API.
type APIUser struct {
	ID          string         `json:"id"`
	Name        string         `json:"name"`
	Email       string         `json:"email"`
	Preferences APIPreferences `json:"preferences"`
}

// APIPreferences represents user preferences from the COREos API.
type APIPreferences struct {
	Theme         string            `json:"theme,omitempty"`
	Language      string            `json:"language,omitempty"`
	Notifications bool              `json:"notifications"`
	Extra         map[string]string `json:"extra,omitempty"`
}

// errorResponse is the failure body.
type errorResponse struct {
	Code    string `json:"code"`
	Message string `json:"message"`
}
