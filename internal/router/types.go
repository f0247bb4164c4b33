// Package router decodes inbound realtime frames and dispatches them by
// their type discriminator, in arrival order.
package router

import (
	"encoding/json"
	"fmt"
	"time"

	"github.com/coreos-dash/coreos-client/internal/model"
)

// Frame types on the realtime wire.
const (
	FrameMessage = "message"
	FrameAck     = "ack"
	FrameError   = "error"
	FramePing    = "ping"
	FramePong    = "pong"
)

// RouterConfig holds configuration for the frame router.
type RouterConfig struct {
	InputBufferSize int // Default: 1000
}

// DefaultRouterConfig returns default configuration.
func DefaultRouterConfig() RouterConfig {
	return RouterConfig{
		InputBufferSize: 1000,
	}
}

// Inbound is one raw frame as read from the transport.
type Inbound struct {
	Data       []byte
	ReceivedAt time.Time
}

// Frame is the JSON envelope shared by every realtime frame.
type Frame struct {
	Type    string          `json:"type"`
	ID      string          `json:"id,omitempty"`
	Payload json.RawMessage `json:"payload,omitempty"`

	ReceivedAt time.Time `json:"-"`
}

// MessagePayload is the payload of a "message" frame.
type MessagePayload struct {
	ID          string             `json:"id"`
	Type        model.MessageType  `json:"type"`
	Content     string             `json:"content"`
	Attachments []model.Attachment `json:"attachments,omitempty"`
	CreatedAt   time.Time          `json:"createdAt"`
}

// AckPayload is the payload of an "ack" frame.
type AckPayload struct {
	ID string `json:"id"` // acknowledged message id
}

// ErrorPayload is the payload of an "error" frame.
type ErrorPayload struct {
	ID      string `json:"id,omitempty"` // message the error refers to, if any
	Code    string `json:"code"`
	Message string `json:"message"`
}

// Handler receives decoded frames of one type.
type Handler func(Frame)

// RouterStats contains runtime statistics.
type RouterStats struct {
	FramesReceived int64
	FramesRouted   int64
	ParseErrors    int64
	UnknownFrames  int64
}

// Encode builds an outbound frame with payload marshalled into the envelope.
func Encode(frameType, id string, payload any) ([]byte, error) {
	f := Frame{Type: frameType, ID: id}
	if payload != nil {
		raw, err := json.Marshal(payload)
		if err != nil {
			return nil, fmt.Errorf("marshal %s payload: %w", frameType, err)
		}
		f.Payload = raw
	}
	return json.Marshal(f)
}

// Decode unmarshals a frame's payload into v.
func (f Frame) Decode(v any) error {
	if len(f.Payload) == 0 {
		return fmt.Errorf("%s frame has no payload", f.Type)
	}
	if err := json.Unmarshal(f.Payload, v); err != nil {
		return fmt.Errorf("decode %s payload: %w", f.Type, err)
	}
	return nil
}
