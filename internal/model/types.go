package model

import (
	"errors"
	"time"

	"github.com/google/uuid"
)

// -----------------------------------------------------------------------------
// Identity Types
// -----------------------------------------------------------------------------

// User is the identity record returned by the auth endpoints.
type User struct {
	ID          string      `json:"id"`
	Name        string      `json:"name"`
	Email       string      `json:"email"`
	Preferences Preferences `json:"preferences"`
}

// Preferences holds per-user dashboard settings.
type Preferences struct {
	Theme         string            `json:"theme,omitempty"`
	Language      string            `json:"language,omitempty"`
	Notifications bool              `json:"notifications"`
	Extra         map[string]string `json:"extra,omitempty"`
}

// Credentials is a password login request.
type Credentials struct {
	Email    string
	Password string
}

// Tokens is the opaque token pair held by a session.
type Tokens struct {
	AccessToken  string
	RefreshToken string
	ExpiresAt    time.Time // Zero if the server did not say
}

// IsZero reports whether no access token is held.
func (t Tokens) IsZero() bool {
	return t.AccessToken == ""
}

// AuthResult is the outcome of a successful login, OAuth exchange or refresh.
type AuthResult struct {
	User        *User // nil on refresh responses that omit it
	Tokens      Tokens
	MFARequired bool
}

// -----------------------------------------------------------------------------
// Security Events
// -----------------------------------------------------------------------------

// EventType classifies a security event.
type EventType string

const (
	EventLoginSuccess   EventType = "LOGIN_SUCCESS"
	EventLoginFailure   EventType = "LOGIN_FAILURE"
	EventMFASuccess     EventType = "MFA_SUCCESS"
	EventMFAFailure     EventType = "MFA_FAILURE"
	EventTokenRefresh   EventType = "TOKEN_REFRESH"
	EventLogout         EventType = "LOGOUT"
	EventSecurityUpdate EventType = "SECURITY_UPDATE"
)

// SecurityEvent is one entry of the append-only audit log.
type SecurityEvent struct {
	ID        string            `json:"id"`
	Type      EventType         `json:"type"`
	Timestamp time.Time         `json:"timestamp"`
	Details   map[string]string `json:"details,omitempty"`
}

// NewSecurityEvent creates an event with a fresh ID. details is copied.
func NewSecurityEvent(typ EventType, at time.Time, details map[string]string) SecurityEvent {
	var d map[string]string
	if len(details) > 0 {
		d = make(map[string]string, len(details))
		for k, v := range details {
			d[k] = v
		}
	}
	return SecurityEvent{
		ID:        uuid.NewString(),
		Type:      typ,
		Timestamp: at.UTC(),
		Details:   d,
	}
}

// -----------------------------------------------------------------------------
// Chat Types
// -----------------------------------------------------------------------------

// MessageType identifies the author of a chat message.
type MessageType string

const (
	MessageUser      MessageType = "user"
	MessageAssistant MessageType = "assistant"
)

// MessageStatus is the delivery state of a chat message.
type MessageStatus string

const (
	StatusSending   MessageStatus = "sending"
	StatusDelivered MessageStatus = "delivered"
	StatusFailed    MessageStatus = "failed"
)

// ErrMessageImmutable is returned when a delivered message is transitioned.
var ErrMessageImmutable = errors.New("message already delivered")

// Attachment is a file reference carried with a chat message.
type Attachment struct {
	ID       string `json:"id"`
	Name     string `json:"name"`
	MimeType string `json:"mimeType,omitempty"`
	URL      string `json:"url,omitempty"`
	Size     int64  `json:"size,omitempty"`
}

// Message is a chat message exchanged with the assistant.
type Message struct {
	ID          string        `json:"id"`
	Type        MessageType   `json:"type"`
	Content     string        `json:"content"`
	Status      MessageStatus `json:"status"`
	Attachments []Attachment  `json:"attachments"`
	CreatedAt   time.Time     `json:"createdAt"`
	UpdatedAt   time.Time     `json:"updatedAt"`
	Version     int64         `json:"version"` // +1 per transition
}

// NewUserMessage creates a user-authored message in the sending state.
func NewUserMessage(content string, attachments []Attachment, now time.Time) Message {
	atts := make([]Attachment, len(attachments))
	copy(atts, attachments)
	return Message{
		ID:          uuid.NewString(),
		Type:        MessageUser,
		Content:     content,
		Status:      StatusSending,
		Attachments: atts,
		CreatedAt:   now.UTC(),
		UpdatedAt:   now.UTC(),
		Version:     1,
	}
}

// Transition moves the message to status. Delivered messages never change.
// Re-applying the current status is a no-op and does not bump Version.
func (m *Message) Transition(status MessageStatus, now time.Time) error {
	if m.Status == StatusDelivered {
		if status == StatusDelivered {
			return nil
		}
		return ErrMessageImmutable
	}
	if m.Status == status {
		return nil
	}
	m.Status = status
	m.UpdatedAt = now.UTC()
	m.Version++
	return nil
}

// Clone returns a deep copy safe to hand to readers.
func (m Message) Clone() Message {
	atts := make([]Attachment, len(m.Attachments))
	copy(atts, m.Attachments)
	m.Attachments = atts
	return m
}
