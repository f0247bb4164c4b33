package connection

import (
	"errors"
	"fmt"
	"time"
)

// Errors
var (
	ErrNotConnected    = errors.New("not connected")
	ErrStaleConnection = errors.New("connection stale (no ping)")
	ErrAlreadyClosed   = errors.New("already closed")
	ErrManagerClosed   = errors.New("connection manager closed")
)

// State is the lifecycle state of the managed connection.
type State string

const (
	StateDisconnected State = "DISCONNECTED"
	StateConnecting   State = "CONNECTING"
	StateConnected    State = "CONNECTED"
	StateReconnecting State = "RECONNECTING"
)

// ErrorCode classifies connection-domain failures.
type ErrorCode string

const (
	CodeConnectionFailed ErrorCode = "CONNECTION_FAILED"
	CodeWSError          ErrorCode = "WS_ERROR"
	CodeSendError        ErrorCode = "SEND_ERROR"
	CodeDisconnected     ErrorCode = "DISCONNECTED"
)

// Error is a connection-domain error reported to observers and kept as the
// manager's last error.
type Error struct {
	Code    ErrorCode
	Message string
	Err     error // underlying transport error, may be nil
}

func (e *Error) Error() string {
	if e.Err != nil {
		return fmt.Sprintf("%s: %s: %v", e.Code, e.Message, e.Err)
	}
	return fmt.Sprintf("%s: %s", e.Code, e.Message)
}

func (e *Error) Unwrap() error {
	return e.Err
}

// Is matches any *Error with the same code, so callers can write
// errors.Is(err, connection.ErrSendFailed).
func (e *Error) Is(target error) bool {
	t, ok := target.(*Error)
	if !ok {
		return false
	}
	return t.Code == e.Code
}

// Code sentinels for errors.Is.
var (
	ErrConnectionFailed = &Error{Code: CodeConnectionFailed, Message: "connection failed"}
	ErrWS               = &Error{Code: CodeWSError, Message: "websocket error"}
	ErrSendFailed       = &Error{Code: CodeSendError, Message: "send failed"}
	ErrDisconnected     = &Error{Code: CodeDisconnected, Message: "disconnected"}
)

func newError(code ErrorCode, msg string, err error) *Error {
	return &Error{Code: code, Message: msg, Err: err}
}

// TimestampedMessage wraps raw frame data with its receive timestamp.
type TimestampedMessage struct {
	Data       []byte    // Raw frame bytes from WebSocket
	ReceivedAt time.Time // Local timestamp when ReadMessage() returned
}

// MessageHandler observes inbound frames.
type MessageHandler func(TimestampedMessage)

// ErrorHandler observes connection errors.
type ErrorHandler func(*Error)

// StateHandler observes state transitions.
type StateHandler func(prev, next State)

// TokenSource returns the current bearer token for a (re)connect attempt.
// An empty result falls back to the token passed to Connect.
type TokenSource func() string

// Snapshot is a point-in-time copy of the manager state.
type Snapshot struct {
	State          State
	URL            string
	LastError      *Error // nil if none
	RetryCount     int
	GaveUp         bool // retry budget exhausted
	QueueLength    int
	FramesSent     int64
	FramesReceived int64
}

// ClientConfig configures a WebSocket client.
type ClientConfig struct {
	URL          string        // WebSocket URL (e.g., wss://api.coreos.app/ws)
	Token        string        // Bearer token sent in the Authorization header
	PingInterval time.Duration // Interval between keepalive pings
	PingTimeout  time.Duration // Max time without ping/pong before considering connection stale
	WriteTimeout time.Duration // Write deadline for sends
	BufferSize   int           // Inbound message channel buffer size
}

// DefaultClientConfig returns sensible defaults.
func DefaultClientConfig() ClientConfig {
	return ClientConfig{
		PingInterval: 30 * time.Second,
		PingTimeout:  60 * time.Second,
		WriteTimeout: 5 * time.Second,
		BufferSize:   1000,
	}
}

// ManagerConfig configures the Connection Manager.
type ManagerConfig struct {
	ConnectTimeout    time.Duration // Connection must open within this time
	ReconnectBaseWait time.Duration // Base wait time for reconnection
	ReconnectMaxWait  time.Duration // Max wait time for reconnection
	MaxRetries        int           // Consecutive failed attempts before giving up, 0 = unlimited
	Jitter            float64       // Fractional jitter applied to backoff (0.2 = ±20%)
	FlushRate         float64       // Max frames per second during flush, 0 = unpaced
	QueueSize         int           // Initial outbound queue capacity (grows as needed)
	Client            ClientConfig  // Template for each transport; URL and Token are filled per attempt
}

// DefaultManagerConfig returns sensible defaults.
func DefaultManagerConfig() ManagerConfig {
	return ManagerConfig{
		ConnectTimeout:    10 * time.Second,
		ReconnectBaseWait: 1 * time.Second,
		ReconnectMaxWait:  30 * time.Second,
		MaxRetries:        20,
		Jitter:            0.2,
		QueueSize:         64,
		Client:            DefaultClientConfig(),
	}
}
