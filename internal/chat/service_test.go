package chat

import (
	"context"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/coreos-dash/coreos-client/internal/connection"
	"github.com/coreos-dash/coreos-client/internal/model"
	"github.com/coreos-dash/coreos-client/internal/router"
)

// fakeConn records sends and lets tests inject inbound frames.
type fakeConn struct {
	mu      sync.Mutex
	sent    [][]byte
	pending [][]byte
	sendErr error
	handler connection.MessageHandler
}

func (c *fakeConn) Send(_ context.Context, data []byte) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.sendErr != nil {
		c.pending = append(c.pending, data)
		return c.sendErr
	}
	c.sent = append(c.sent, data)
	return nil
}

func (c *fakeConn) OnMessage(h connection.MessageHandler) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.handler = h
}

func (c *fakeConn) Pending() [][]byte {
	c.mu.Lock()
	defer c.mu.Unlock()
	return append([][]byte(nil), c.pending...)
}

func (c *fakeConn) setSendErr(err error) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.sendErr = err
}

func (c *fakeConn) flushPending() {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.sent = append(c.sent, c.pending...)
	c.pending = nil
}

func (c *fakeConn) sentCount() int {
	c.mu.Lock()
	defer c.mu.Unlock()
	return len(c.sent)
}

func (c *fakeConn) inject(t *testing.T, frameType, id string, payload any) {
	t.Helper()
	data, err := router.Encode(frameType, id, payload)
	require.NoError(t, err)
	c.mu.Lock()
	h := c.handler
	c.mu.Unlock()
	h(connection.TimestampedMessage{Data: data, ReceivedAt: time.Now()})
}

func newTestService(t *testing.T) (*Service, *fakeConn) {
	t.Helper()
	conn := &fakeConn{}
	r := router.NewRouter(router.DefaultRouterConfig(), nil)
	s := NewService(conn, r, nil)

	ctx := context.Background()
	require.NoError(t, r.Start(ctx))
	t.Cleanup(func() { r.Stop(ctx) })
	return s, conn
}

func waitStatus(t *testing.T, s *Service, id string, want model.MessageStatus) model.Message {
	t.Helper()
	require.Eventually(t, func() bool {
		m, ok := s.Message(id)
		return ok && m.Status == want
	}, time.Second, 5*time.Millisecond)
	m, _ := s.Message(id)
	return m
}

func TestService_SendThenAck(t *testing.T) {
	s, conn := newTestService(t)

	msg, err := s.Send(context.Background(), "hello", nil)
	require.NoError(t, err)
	assert.Equal(t, model.StatusSending, msg.Status)
	assert.Equal(t, model.MessageUser, msg.Type)
	assert.Equal(t, 1, conn.sentCount())

	conn.inject(t, router.FrameAck, "", router.AckPayload{ID: msg.ID})

	delivered := waitStatus(t, s, msg.ID, model.StatusDelivered)
	assert.Equal(t, int64(2), delivered.Version)
}

func TestService_EchoMarksDelivered(t *testing.T) {
	s, conn := newTestService(t)

	msg, err := s.Send(context.Background(), "echo me", nil)
	require.NoError(t, err)

	conn.inject(t, router.FrameMessage, msg.ID, router.MessagePayload{
		ID:      msg.ID,
		Type:    model.MessageUser,
		Content: "echo me",
	})

	waitStatus(t, s, msg.ID, model.StatusDelivered)
	assert.Len(t, s.Messages(), 1)
}

func TestService_SendErrorMarksFailed(t *testing.T) {
	s, conn := newTestService(t)
	conn.setSendErr(connection.ErrSendFailed)

	msg, err := s.Send(context.Background(), "lost", nil)
	require.ErrorIs(t, err, connection.ErrSendFailed)
	assert.Equal(t, model.StatusFailed, msg.Status)
	assert.Equal(t, int64(2), msg.Version)

	stored, ok := s.Message(msg.ID)
	require.True(t, ok)
	assert.Equal(t, model.StatusFailed, stored.Status)
}

func TestService_LateAckPromotesFailed(t *testing.T) {
	s, conn := newTestService(t)
	conn.setSendErr(connection.ErrSendFailed)

	msg, err := s.Send(context.Background(), "queued", nil)
	require.Error(t, err)

	// Frame stayed queued and went out after reconnect.
	conn.flushPending()
	conn.inject(t, router.FrameAck, msg.ID, nil)

	waitStatus(t, s, msg.ID, model.StatusDelivered)
}

func TestService_DeliveredIsImmutable(t *testing.T) {
	s, conn := newTestService(t)

	msg, err := s.Send(context.Background(), "hi", nil)
	require.NoError(t, err)
	conn.inject(t, router.FrameAck, "", router.AckPayload{ID: msg.ID})
	waitStatus(t, s, msg.ID, model.StatusDelivered)

	conn.inject(t, router.FrameError, "", router.ErrorPayload{ID: msg.ID, Code: "X", Message: "late"})
	conn.inject(t, router.FrameAck, "", router.AckPayload{ID: msg.ID})
	time.Sleep(30 * time.Millisecond)

	m, _ := s.Message(msg.ID)
	assert.Equal(t, model.StatusDelivered, m.Status)
	assert.Equal(t, int64(2), m.Version)

	_, err = s.Retry(context.Background(), msg.ID)
	assert.ErrorIs(t, err, ErrNotFailed)
}

func TestService_RetryQueuedFrameNotResent(t *testing.T) {
	s, conn := newTestService(t)
	conn.setSendErr(connection.ErrSendFailed)

	msg, err := s.Send(context.Background(), "retry me", nil)
	require.Error(t, err)

	conn.setSendErr(nil)
	retried, err := s.Retry(context.Background(), msg.ID)
	require.NoError(t, err)
	assert.Equal(t, model.StatusSending, retried.Status)
	assert.Equal(t, int64(3), retried.Version)

	// Still in the outbound queue, so nothing new was sent.
	assert.Equal(t, 0, conn.sentCount())
	assert.Len(t, conn.Pending(), 1)
}

func TestService_RetryResendsWhenNotQueued(t *testing.T) {
	s, conn := newTestService(t)

	msg, err := s.Send(context.Background(), "x", nil)
	require.NoError(t, err)

	conn.inject(t, router.FrameError, "", router.ErrorPayload{ID: msg.ID, Code: "REJECTED", Message: "try again"})
	waitStatus(t, s, msg.ID, model.StatusFailed)

	_, err = s.Retry(context.Background(), msg.ID)
	require.NoError(t, err)
	assert.Equal(t, 2, conn.sentCount())

	_, err = s.Retry(context.Background(), "missing")
	assert.ErrorIs(t, err, ErrUnknownMessage)
}

func TestService_AssistantMessagesRecordedInOrder(t *testing.T) {
	s, conn := newTestService(t)

	user, err := s.Send(context.Background(), "question", nil)
	require.NoError(t, err)

	conn.inject(t, router.FrameMessage, "a-1", router.MessagePayload{ID: "a-1", Type: model.MessageAssistant, Content: "first"})
	conn.inject(t, router.FrameMessage, "a-2", router.MessagePayload{ID: "a-2", Content: "second"})
	// Duplicate delivery of an assistant message is ignored.
	conn.inject(t, router.FrameMessage, "a-1", router.MessagePayload{ID: "a-1", Content: "first"})

	require.Eventually(t, func() bool { return len(s.Messages()) == 3 }, time.Second, 5*time.Millisecond)
	time.Sleep(20 * time.Millisecond)

	msgs := s.Messages()
	require.Len(t, msgs, 3)
	assert.Equal(t, user.ID, msgs[0].ID)
	assert.Equal(t, "first", msgs[1].Content)
	assert.Equal(t, model.MessageAssistant, msgs[2].Type)
	assert.Equal(t, model.StatusDelivered, msgs[2].Status)
}

func TestService_ObserversAndServerErrors(t *testing.T) {
	s, conn := newTestService(t)

	var mu sync.Mutex
	var statuses []model.MessageStatus
	var codes []string
	s.OnUpdate(func(m model.Message) {
		mu.Lock()
		statuses = append(statuses, m.Status)
		mu.Unlock()
	})
	s.OnServerError(func(p router.ErrorPayload) {
		mu.Lock()
		codes = append(codes, p.Code)
		mu.Unlock()
	})

	msg, err := s.Send(context.Background(), "observe", nil)
	require.NoError(t, err)
	conn.inject(t, router.FrameAck, "", router.AckPayload{ID: msg.ID})
	conn.inject(t, router.FrameError, "", router.ErrorPayload{Code: "RATE_LIMITED", Message: "slow down"})

	require.Eventually(t, func() bool {
		mu.Lock()
		defer mu.Unlock()
		return len(codes) == 1
	}, time.Second, 5*time.Millisecond)

	mu.Lock()
	defer mu.Unlock()
	assert.Equal(t, []model.MessageStatus{model.StatusSending, model.StatusDelivered}, statuses)
	assert.Equal(t, []string{"RATE_LIMITED"}, codes)
}

func TestService_SnapshotsAreCopies(t *testing.T) {
	s, _ := newTestService(t)

	msg, err := s.Send(context.Background(), "", []model.Attachment{{ID: "f1", Name: "a.txt"}})
	require.NoError(t, err)

	msgs := s.Messages()
	msgs[0].Attachments[0].Name = "mutated"
	msgs[0].Status = model.StatusFailed

	m, _ := s.Message(msg.ID)
	assert.Equal(t, "a.txt", m.Attachments[0].Name)
	assert.Equal(t, model.StatusSending, m.Status)

	_, err = s.Send(context.Background(), "", nil)
	assert.ErrorIs(t, err, ErrEmptyMessage)
}
