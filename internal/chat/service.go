// Package chat tracks the delivery lifecycle of chat messages exchanged with
// the assistant over the realtime connection.
//
// A user message is created "sending", becomes "failed" when the transport
// rejects its frame, and becomes "delivered" when the server acknowledges it
// or echoes it back. Delivered messages never change again.
package chat

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/coreos-dash/coreos-client/internal/connection"
	"github.com/coreos-dash/coreos-client/internal/model"
	"github.com/coreos-dash/coreos-client/internal/router"
)

var (
	// ErrUnknownMessage is returned for an id the service never saw.
	ErrUnknownMessage = errors.New("unknown message")

	// ErrNotFailed is returned by Retry for a message that is not failed.
	ErrNotFailed = errors.New("message not in failed state")

	// ErrEmptyMessage is returned by Send for a message with no content.
	ErrEmptyMessage = errors.New("message has no content or attachments")
)

// Conn is the part of the connection manager the chat service uses.
type Conn interface {
	Send(ctx context.Context, data []byte) error
	OnMessage(h connection.MessageHandler)
	Pending() [][]byte
}

// UpdateHandler observes message creation and every status transition.
type UpdateHandler func(model.Message)

// ServerErrorHandler observes error frames from the server.
type ServerErrorHandler func(router.ErrorPayload)

// Service owns the ordered message history of one conversation.
type Service struct {
	conn   Conn
	logger *slog.Logger
	now    func() time.Time

	mu       sync.Mutex
	messages []model.Message
	index    map[string]int
	frames   map[string][]byte // encoded frame per user message, for Retry

	obsMu    sync.RWMutex
	onUpdate []UpdateHandler
	onError  []ServerErrorHandler
}

// NewService creates a chat service, registers its frame handlers on r and
// forwards every inbound frame from conn into r.
func NewService(conn Conn, r router.Router, logger *slog.Logger) *Service {
	if logger == nil {
		logger = slog.Default()
	}
	s := &Service{
		conn:   conn,
		logger: logger.With("component", "chat"),
		now:    time.Now,
		index:  make(map[string]int),
		frames: make(map[string][]byte),
	}

	r.Handle(router.FrameMessage, s.handleMessage)
	r.Handle(router.FrameAck, s.handleAck)
	r.Handle(router.FrameError, s.handleError)

	conn.OnMessage(func(msg connection.TimestampedMessage) {
		if err := r.Submit(router.Inbound{Data: msg.Data, ReceivedAt: msg.ReceivedAt}); err != nil {
			s.logger.Debug("inbound frame dropped", "error", err)
		}
	})

	return s
}

// OnUpdate registers a message observer.
func (s *Service) OnUpdate(h UpdateHandler) {
	s.obsMu.Lock()
	defer s.obsMu.Unlock()
	s.onUpdate = append(s.onUpdate, h)
}

// OnServerError registers an observer for server error frames.
func (s *Service) OnServerError(h ServerErrorHandler) {
	s.obsMu.Lock()
	defer s.obsMu.Unlock()
	s.onError = append(s.onError, h)
}

// Send creates a user message and hands its frame to the connection. The
// returned message is "failed" when the transport rejected the frame, in
// which case the transport error is returned too.
func (s *Service) Send(ctx context.Context, content string, attachments []model.Attachment) (model.Message, error) {
	if content == "" && len(attachments) == 0 {
		return model.Message{}, ErrEmptyMessage
	}

	msg := model.NewUserMessage(content, attachments, s.now())
	data, err := router.Encode(router.FrameMessage, msg.ID, router.MessagePayload{
		ID:          msg.ID,
		Type:        msg.Type,
		Content:     msg.Content,
		Attachments: msg.Attachments,
		CreatedAt:   msg.CreatedAt,
	})
	if err != nil {
		return model.Message{}, fmt.Errorf("encode message: %w", err)
	}

	s.mu.Lock()
	s.index[msg.ID] = len(s.messages)
	s.messages = append(s.messages, msg)
	s.frames[msg.ID] = data
	s.mu.Unlock()
	s.notifyUpdate(msg.Clone())

	if err := s.conn.Send(ctx, data); err != nil {
		updated, _ := s.transition(msg.ID, model.StatusFailed)
		return updated, fmt.Errorf("send message: %w", err)
	}

	return s.get(msg.ID), nil
}

// Retry moves a failed message back to "sending" and re-submits its frame
// unless the frame is still waiting in the connection's outbound queue.
func (s *Service) Retry(ctx context.Context, id string) (model.Message, error) {
	s.mu.Lock()
	i, ok := s.index[id]
	if !ok {
		s.mu.Unlock()
		return model.Message{}, ErrUnknownMessage
	}
	if s.messages[i].Status != model.StatusFailed {
		status := s.messages[i].Status
		s.mu.Unlock()
		return model.Message{}, fmt.Errorf("retry %s (%s): %w", id, status, ErrNotFailed)
	}
	data := s.frames[id]
	s.mu.Unlock()

	msg, err := s.transition(id, model.StatusSending)
	if err != nil {
		return msg, fmt.Errorf("retry %s: %w", id, err)
	}

	if s.queued(data) {
		s.logger.Debug("frame still queued, not resubmitting", "id", id)
		return msg, nil
	}

	if err := s.conn.Send(ctx, data); err != nil {
		updated, _ := s.transition(id, model.StatusFailed)
		return updated, fmt.Errorf("send message: %w", err)
	}
	return s.get(id), nil
}

// Messages returns a copy of the history in creation order.
func (s *Service) Messages() []model.Message {
	s.mu.Lock()
	defer s.mu.Unlock()

	out := make([]model.Message, len(s.messages))
	for i, m := range s.messages {
		out[i] = m.Clone()
	}
	return out
}

// Message returns a copy of one message.
func (s *Service) Message(id string) (model.Message, bool) {
	s.mu.Lock()
	defer s.mu.Unlock()

	i, ok := s.index[id]
	if !ok {
		return model.Message{}, false
	}
	return s.messages[i].Clone(), true
}

func (s *Service) get(id string) model.Message {
	m, _ := s.Message(id)
	return m
}

// queued reports whether data is still in the outbound queue.
func (s *Service) queued(data []byte) bool {
	for _, p := range s.conn.Pending() {
		if bytes.Equal(p, data) {
			return true
		}
	}
	return false
}

// transition applies a status change and notifies observers when it changed
// anything.
func (s *Service) transition(id string, status model.MessageStatus) (model.Message, error) {
	s.mu.Lock()
	i, ok := s.index[id]
	if !ok {
		s.mu.Unlock()
		return model.Message{}, ErrUnknownMessage
	}
	before := s.messages[i].Version
	err := s.messages[i].Transition(status, s.now())
	msg := s.messages[i].Clone()
	s.mu.Unlock()

	if err != nil {
		return msg, err
	}
	if msg.Version != before {
		s.notifyUpdate(msg)
	}
	return msg, nil
}

// handleAck marks the acknowledged message delivered.
func (s *Service) handleAck(f router.Frame) {
	var ack router.AckPayload
	if len(f.Payload) > 0 {
		if err := f.Decode(&ack); err != nil {
			s.logger.Warn("invalid ack frame", "error", err)
			return
		}
	}
	id := ack.ID
	if id == "" {
		id = f.ID
	}

	if _, err := s.transition(id, model.StatusDelivered); err != nil {
		s.logger.Debug("ack for unknown message", "id", id)
	}
}

// handleMessage records assistant messages and treats echoes of our own
// messages as delivery confirmation.
func (s *Service) handleMessage(f router.Frame) {
	var p router.MessagePayload
	if err := f.Decode(&p); err != nil {
		s.logger.Warn("invalid message frame", "error", err)
		return
	}
	if p.ID == "" {
		p.ID = f.ID
	}

	s.mu.Lock()
	_, known := s.index[p.ID]
	s.mu.Unlock()

	if known {
		if _, err := s.transition(p.ID, model.StatusDelivered); err != nil {
			s.logger.Debug("echo not applied", "id", p.ID, "error", err)
		}
		return
	}

	if p.ID == "" {
		s.logger.Warn("message frame without id")
		return
	}
	if p.Type == "" {
		p.Type = model.MessageAssistant
	}
	created := p.CreatedAt
	if created.IsZero() {
		created = f.ReceivedAt
	}

	msg := model.Message{
		ID:          p.ID,
		Type:        p.Type,
		Content:     p.Content,
		Status:      model.StatusDelivered,
		Attachments: append([]model.Attachment{}, p.Attachments...),
		CreatedAt:   created.UTC(),
		UpdatedAt:   f.ReceivedAt.UTC(),
		Version:     1,
	}

	s.mu.Lock()
	s.index[msg.ID] = len(s.messages)
	s.messages = append(s.messages, msg)
	s.mu.Unlock()
	s.notifyUpdate(msg.Clone())
}

// handleError fails the referenced message, if it is still in flight, and
// reports the error to observers.
func (s *Service) handleError(f router.Frame) {
	var p router.ErrorPayload
	if err := f.Decode(&p); err != nil {
		s.logger.Warn("invalid error frame", "error", err)
		return
	}

	s.logger.Warn("server error", "code", p.Code, "message", p.Message, "id", p.ID)

	if p.ID != "" {
		if m, ok := s.Message(p.ID); ok && m.Status == model.StatusSending {
			s.transition(p.ID, model.StatusFailed)
		}
	}

	s.obsMu.RLock()
	handlers := s.onError
	s.obsMu.RUnlock()
	for _, h := range handlers {
		h(p)
	}
}

func (s *Service) notifyUpdate(m model.Message) {
	s.obsMu.RLock()
	handlers := s.onUpdate
	s.obsMu.RUnlock()
	for _, h := range handlers {
		h(m.Clone())
	}
}
