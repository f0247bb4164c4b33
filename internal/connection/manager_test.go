package connection

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"net/http/httptest"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/gorilla/websocket"
)

// mockWSServerMulti creates a test WebSocket server that handles multiple connections.
func mockWSServerMulti(t *testing.T, handler func(int, *websocket.Conn)) *httptest.Server {
	upgrader := websocket.Upgrader{
		CheckOrigin: func(r *http.Request) bool { return true },
	}

	var mu sync.Mutex
	connCount := 0

	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		conn, err := upgrader.Upgrade(w, r, nil)
		if err != nil {
			t.Logf("upgrade error: %v", err)
			return
		}
		defer conn.Close()

		mu.Lock()
		connCount++
		id := connCount
		mu.Unlock()

		handler(id, conn)
	}))

	return server
}

// frameRecorder collects frames received by a test server.
type frameRecorder struct {
	mu     sync.Mutex
	frames []string
}

func (r *frameRecorder) add(data []byte) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.frames = append(r.frames, string(data))
}

func (r *frameRecorder) get() []string {
	r.mu.Lock()
	defer r.mu.Unlock()
	return append([]string(nil), r.frames...)
}

// recordingHandler reads frames until the connection closes.
func (r *frameRecorder) recordingHandler(_ int, conn *websocket.Conn) {
	for {
		_, msg, err := conn.ReadMessage()
		if err != nil {
			return
		}
		r.add(msg)
	}
}

// stateRecorder collects state transitions.
type stateRecorder struct {
	mu     sync.Mutex
	states []State
}

func (r *stateRecorder) handle(_, next State) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.states = append(r.states, next)
}

func (r *stateRecorder) get() []State {
	r.mu.Lock()
	defer r.mu.Unlock()
	return append([]State(nil), r.states...)
}

// errorRecorder collects reported errors.
type errorRecorder struct {
	mu   sync.Mutex
	errs []*Error
}

func (r *errorRecorder) handle(e *Error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.errs = append(r.errs, e)
}

func (r *errorRecorder) codes() []ErrorCode {
	r.mu.Lock()
	defer r.mu.Unlock()
	codes := make([]ErrorCode, len(r.errs))
	for i, e := range r.errs {
		codes[i] = e.Code
	}
	return codes
}

func testManagerConfig() ManagerConfig {
	cfg := DefaultManagerConfig()
	cfg.ConnectTimeout = 2 * time.Second
	cfg.ReconnectBaseWait = 10 * time.Millisecond
	cfg.ReconnectMaxWait = 50 * time.Millisecond
	cfg.Jitter = 0
	cfg.Client.PingInterval = 0
	return cfg
}

func waitFor(t *testing.T, timeout time.Duration, what string, cond func() bool) {
	t.Helper()
	deadline := time.Now().Add(timeout)
	for time.Now().Before(deadline) {
		if cond() {
			return
		}
		time.Sleep(5 * time.Millisecond)
	}
	t.Fatalf("timeout waiting for %s", what)
}

func containsCode(codes []ErrorCode, code ErrorCode) bool {
	for _, c := range codes {
		if c == code {
			return true
		}
	}
	return false
}

func TestManager_ConnectAndClose(t *testing.T) {
	rec := &frameRecorder{}
	server := mockWSServerMulti(t, rec.recordingHandler)
	defer server.Close()

	mgr := NewManager(testManagerConfig(), nil)
	states := &stateRecorder{}
	mgr.OnStateChange(states.handle)

	mgr.Connect(wsURL(server), "token")
	waitFor(t, time.Second, "CONNECTED", func() bool {
		return mgr.Snapshot().State == StateConnected
	})

	snap := mgr.Snapshot()
	if snap.RetryCount != 0 {
		t.Errorf("RetryCount = %d, want 0", snap.RetryCount)
	}
	if snap.URL != wsURL(server) {
		t.Errorf("URL = %q, want %q", snap.URL, wsURL(server))
	}

	if err := mgr.Close(); err != nil {
		t.Fatalf("Close failed: %v", err)
	}
	if got := mgr.Snapshot().State; got != StateDisconnected {
		t.Errorf("state after Close = %s, want DISCONNECTED", got)
	}
	if err := mgr.Send(context.Background(), []byte("late")); err != ErrManagerClosed {
		t.Errorf("Send after Close = %v, want ErrManagerClosed", err)
	}

	got := states.get()
	want := []State{StateConnecting, StateConnected, StateDisconnected}
	if fmt.Sprint(got) != fmt.Sprint(want) {
		t.Errorf("states = %v, want %v", got, want)
	}
}

func TestManager_QueuedWhileDisconnectedFlushedInOrder(t *testing.T) {
	rec := &frameRecorder{}
	server := mockWSServerMulti(t, rec.recordingHandler)
	defer server.Close()

	mgr := NewManager(testManagerConfig(), nil)
	defer mgr.Close()

	var want []string
	for i := 0; i < 20; i++ {
		frame := fmt.Sprintf(`{"type":"message","id":"%d"}`, i)
		want = append(want, frame)
		if err := mgr.Send(context.Background(), []byte(frame)); err != nil {
			t.Fatalf("Send %d while disconnected returned %v", i, err)
		}
	}

	if n := len(mgr.Pending()); n != 20 {
		t.Fatalf("Pending = %d, want 20", n)
	}

	mgr.Connect(wsURL(server), "token")

	waitFor(t, 2*time.Second, "all frames at server", func() bool {
		return len(rec.get()) == len(want)
	})

	got := rec.get()
	for i := range want {
		if got[i] != want[i] {
			t.Errorf("frame %d = %s, want %s", i, got[i], want[i])
		}
	}

	waitFor(t, time.Second, "empty queue", func() bool {
		return mgr.Snapshot().QueueLength == 0
	})
	if snap := mgr.Snapshot(); snap.FramesSent != 20 {
		t.Errorf("FramesSent = %d, want 20", snap.FramesSent)
	}
}

func TestManager_SendWhileConnecting(t *testing.T) {
	release := make(chan struct{})
	rec := &frameRecorder{}

	upgrader := websocket.Upgrader{
		CheckOrigin: func(r *http.Request) bool { return true },
	}
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		// Hold the handshake open so the manager stays CONNECTING.
		<-release
		conn, err := upgrader.Upgrade(w, r, nil)
		if err != nil {
			return
		}
		defer conn.Close()
		rec.recordingHandler(1, conn)
	}))
	defer server.Close()

	mgr := NewManager(testManagerConfig(), nil)
	defer mgr.Close()

	mgr.Connect(wsURL(server), "token")
	if got := mgr.Snapshot().State; got != StateConnecting {
		t.Fatalf("state = %s, want CONNECTING", got)
	}

	frames := []string{`{"type":"message","id":"a"}`, `{"type":"message","id":"b"}`, `{"type":"message","id":"c"}`}
	for _, f := range frames {
		if err := mgr.Send(context.Background(), []byte(f)); err != nil {
			t.Fatalf("Send while connecting returned %v", err)
		}
	}

	if n := mgr.Snapshot().QueueLength; n != 3 {
		t.Fatalf("QueueLength while connecting = %d, want 3", n)
	}

	close(release)

	waitFor(t, 2*time.Second, "flush", func() bool {
		return len(rec.get()) == 3
	})

	got := rec.get()
	for i, want := range frames {
		if got[i] != want {
			t.Errorf("frame %d = %s, want %s", i, got[i], want)
		}
	}
	waitFor(t, time.Second, "empty queue", func() bool {
		return mgr.Snapshot().QueueLength == 0
	})
}

func TestManager_SendWhileConnected(t *testing.T) {
	rec := &frameRecorder{}
	server := mockWSServerMulti(t, rec.recordingHandler)
	defer server.Close()

	mgr := NewManager(testManagerConfig(), nil)
	defer mgr.Close()

	mgr.Connect(wsURL(server), "token")
	waitFor(t, time.Second, "CONNECTED", func() bool {
		return mgr.Snapshot().State == StateConnected
	})

	if err := mgr.SendJSON(context.Background(), map[string]string{"type": "message", "id": "x"}); err != nil {
		t.Fatalf("SendJSON failed: %v", err)
	}
	if n := len(mgr.Pending()); n != 0 {
		t.Errorf("Pending after accepted write = %d, want 0", n)
	}

	waitFor(t, time.Second, "frame at server", func() bool {
		return len(rec.get()) == 1
	})
	if got := rec.get()[0]; got != `{"id":"x","type":"message"}` {
		t.Errorf("frame = %s", got)
	}
}

func TestManager_ConnectIsIdempotent(t *testing.T) {
	var mu sync.Mutex
	conns := 0
	server := mockWSServerMulti(t, func(id int, conn *websocket.Conn) {
		mu.Lock()
		conns = id
		mu.Unlock()
		conn.ReadMessage()
	})
	defer server.Close()

	mgr := NewManager(testManagerConfig(), nil)
	defer mgr.Close()

	mgr.Connect(wsURL(server), "token")
	mgr.Connect(wsURL(server), "token")
	waitFor(t, time.Second, "CONNECTED", func() bool {
		return mgr.Snapshot().State == StateConnected
	})
	mgr.Connect(wsURL(server), "token")

	time.Sleep(50 * time.Millisecond)

	mu.Lock()
	defer mu.Unlock()
	if conns != 1 {
		t.Errorf("server saw %d connections, want 1", conns)
	}
}

func TestManager_ConnectTimeout(t *testing.T) {
	release := make(chan struct{})
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		select {
		case <-release:
		case <-r.Context().Done():
		}
	}))
	defer server.Close()
	defer close(release)

	cfg := testManagerConfig()
	cfg.ConnectTimeout = 100 * time.Millisecond
	cfg.ReconnectBaseWait = time.Minute
	cfg.ReconnectMaxWait = time.Minute

	mgr := NewManager(cfg, nil)
	defer mgr.Close()

	errs := &errorRecorder{}
	states := &stateRecorder{}
	mgr.OnError(errs.handle)
	mgr.OnStateChange(states.handle)

	mgr.Connect(wsURL(server), "token")

	waitFor(t, 2*time.Second, "RECONNECTING", func() bool {
		return mgr.Snapshot().State == StateReconnecting
	})

	snap := mgr.Snapshot()
	if snap.LastError == nil || snap.LastError.Code != CodeConnectionFailed {
		t.Fatalf("LastError = %v, want CONNECTION_FAILED", snap.LastError)
	}
	if snap.RetryCount != 1 {
		t.Errorf("RetryCount = %d, want 1", snap.RetryCount)
	}
	if codes := errs.codes(); !containsCode(codes, CodeConnectionFailed) {
		t.Errorf("reported codes = %v, want CONNECTION_FAILED", codes)
	}

	got := states.get()
	want := []State{StateConnecting, StateDisconnected, StateReconnecting}
	if fmt.Sprint(got) != fmt.Sprint(want) {
		t.Errorf("states = %v, want %v", got, want)
	}

	// ClearError leaves the state alone.
	mgr.ClearError()
	snap = mgr.Snapshot()
	if snap.LastError != nil {
		t.Errorf("LastError after ClearError = %v, want nil", snap.LastError)
	}
	if snap.State != StateReconnecting {
		t.Errorf("state after ClearError = %s, want RECONNECTING", snap.State)
	}
}

func TestManager_ReconnectAfterServerClose(t *testing.T) {
	rec := &frameRecorder{}
	server := mockWSServerMulti(t, func(id int, conn *websocket.Conn) {
		if id == 1 {
			conn.WriteMessage(websocket.CloseMessage,
				websocket.FormatCloseMessage(websocket.CloseGoingAway, "restart"))
			return
		}
		rec.recordingHandler(id, conn)
	})
	defer server.Close()

	mgr := NewManager(testManagerConfig(), nil)
	defer mgr.Close()

	errs := &errorRecorder{}
	states := &stateRecorder{}
	mgr.OnError(errs.handle)
	mgr.OnStateChange(states.handle)

	mgr.Connect(wsURL(server), "token")

	waitFor(t, 2*time.Second, "reconnect", func() bool {
		s := states.get()
		return len(s) >= 5 && mgr.Snapshot().State == StateConnected
	})

	got := states.get()
	want := []State{StateConnecting, StateConnected, StateReconnecting, StateConnecting, StateConnected}
	if fmt.Sprint(got[:5]) != fmt.Sprint(want) {
		t.Errorf("states = %v, want prefix %v", got, want)
	}

	codes := errs.codes()
	if !containsCode(codes, CodeDisconnected) {
		t.Errorf("reported codes = %v, want DISCONNECTED", codes)
	}
	if containsCode(codes, CodeWSError) {
		t.Errorf("clean close reported as WS_ERROR: %v", codes)
	}

	snap := mgr.Snapshot()
	if snap.RetryCount != 0 {
		t.Errorf("RetryCount after reconnect = %d, want 0", snap.RetryCount)
	}

	// Frames sent after the reconnect reach the new transport.
	if err := mgr.Send(context.Background(), []byte("after")); err != nil {
		t.Fatalf("Send failed: %v", err)
	}
	waitFor(t, time.Second, "frame on second connection", func() bool {
		return len(rec.get()) == 1
	})
}

func TestManager_DisconnectDoesNotRetry(t *testing.T) {
	var mu sync.Mutex
	conns := 0
	server := mockWSServerMulti(t, func(id int, conn *websocket.Conn) {
		mu.Lock()
		conns = id
		mu.Unlock()
		conn.ReadMessage()
	})
	defer server.Close()

	mgr := NewManager(testManagerConfig(), nil)
	defer mgr.Close()

	mgr.Connect(wsURL(server), "token")
	waitFor(t, time.Second, "CONNECTED", func() bool {
		return mgr.Snapshot().State == StateConnected
	})

	mgr.Disconnect()
	time.Sleep(150 * time.Millisecond)

	snap := mgr.Snapshot()
	if snap.State != StateDisconnected {
		t.Errorf("state = %s, want DISCONNECTED", snap.State)
	}
	if snap.LastError != nil {
		t.Errorf("LastError = %v, want nil", snap.LastError)
	}

	mu.Lock()
	defer mu.Unlock()
	if conns != 1 {
		t.Errorf("server saw %d connections, want 1", conns)
	}
}

func TestManager_DisconnectCancelsPendingRetry(t *testing.T) {
	server := httptest.NewServer(http.NotFoundHandler())
	url := wsURL(server)
	server.Close()

	var mu sync.Mutex
	dials := 0
	factory := func(cfg ClientConfig, logger *slog.Logger) Client {
		mu.Lock()
		dials++
		mu.Unlock()
		return NewClient(cfg, logger)
	}

	cfg := testManagerConfig()
	cfg.ReconnectBaseWait = 100 * time.Millisecond
	cfg.ReconnectMaxWait = 100 * time.Millisecond

	mgr := NewManager(cfg, nil, WithClientFactory(factory))
	defer mgr.Close()

	mgr.Connect(url, "token")
	waitFor(t, time.Second, "RECONNECTING", func() bool {
		return mgr.Snapshot().State == StateReconnecting
	})

	mgr.Disconnect()
	time.Sleep(250 * time.Millisecond)

	mu.Lock()
	defer mu.Unlock()
	if dials != 1 {
		t.Errorf("dials = %d, want 1", dials)
	}
	if got := mgr.Snapshot().State; got != StateDisconnected {
		t.Errorf("state = %s, want DISCONNECTED", got)
	}
}

func TestManager_RetryBudgetExhausted(t *testing.T) {
	server := httptest.NewServer(http.NotFoundHandler())
	url := wsURL(server)
	server.Close()

	var mu sync.Mutex
	dials := 0
	factory := func(cfg ClientConfig, logger *slog.Logger) Client {
		mu.Lock()
		dials++
		mu.Unlock()
		return NewClient(cfg, logger)
	}

	cfg := testManagerConfig()
	cfg.MaxRetries = 2

	mgr := NewManager(cfg, nil, WithClientFactory(factory))
	defer mgr.Close()

	mgr.Connect(url, "token")

	waitFor(t, 2*time.Second, "give up", func() bool {
		return mgr.Snapshot().GaveUp
	})

	snap := mgr.Snapshot()
	if snap.State != StateDisconnected {
		t.Errorf("state = %s, want DISCONNECTED", snap.State)
	}
	if snap.LastError == nil || snap.LastError.Code != CodeConnectionFailed {
		t.Fatalf("LastError = %v, want CONNECTION_FAILED", snap.LastError)
	}
	if !strings.Contains(snap.LastError.Message, "retry budget exhausted") {
		t.Errorf("LastError message = %q", snap.LastError.Message)
	}

	mu.Lock()
	if dials != 3 {
		t.Errorf("dials = %d, want 3 (initial + 2 retries)", dials)
	}
	mu.Unlock()

	// A fresh Connect resets the budget.
	mgr.Connect(url+"/again", "token")
	if mgr.Snapshot().GaveUp {
		t.Error("GaveUp still set after a fresh Connect")
	}
}

func TestManager_InboundArrivalOrder(t *testing.T) {
	const n = 100
	server := mockWSServerMulti(t, func(_ int, conn *websocket.Conn) {
		for i := 0; i < n; i++ {
			msg := fmt.Sprintf(`{"type":"message","id":"%d"}`, i)
			if err := conn.WriteMessage(websocket.TextMessage, []byte(msg)); err != nil {
				return
			}
		}
		conn.ReadMessage()
	})
	defer server.Close()

	mgr := NewManager(testManagerConfig(), nil)
	defer mgr.Close()

	var mu sync.Mutex
	var got []string
	mgr.OnMessage(func(msg TimestampedMessage) {
		mu.Lock()
		got = append(got, string(msg.Data))
		mu.Unlock()
	})

	mgr.Connect(wsURL(server), "token")

	waitFor(t, 2*time.Second, "inbound frames", func() bool {
		mu.Lock()
		defer mu.Unlock()
		return len(got) == n
	})

	mu.Lock()
	defer mu.Unlock()
	for i, frame := range got {
		want := fmt.Sprintf(`{"type":"message","id":"%d"}`, i)
		if frame != want {
			t.Fatalf("frame %d = %s, want %s", i, frame, want)
		}
	}
	if rcv := mgr.Snapshot().FramesReceived; rcv != n {
		t.Errorf("FramesReceived = %d, want %d", rcv, n)
	}
}

// fakeClient is a transport whose writes can be made to fail.
type fakeClient struct {
	mu       sync.Mutex
	sendErr  error
	sent     [][]byte
	messages chan TimestampedMessage
	errs     chan error
	done     chan struct{}
	closed   bool
}

func newFakeClient(sendErr error) *fakeClient {
	return &fakeClient{
		sendErr:  sendErr,
		messages: make(chan TimestampedMessage, 10),
		errs:     make(chan error, 1),
		done:     make(chan struct{}),
	}
}

func (c *fakeClient) Connect(ctx context.Context) error { return nil }

func (c *fakeClient) Close() error {
	c.mu.Lock()
	defer c.mu.Unlock()
	if !c.closed {
		c.closed = true
		close(c.done)
	}
	return nil
}

func (c *fakeClient) Send(data []byte) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.sendErr != nil {
		return c.sendErr
	}
	c.sent = append(c.sent, data)
	return nil
}

func (c *fakeClient) Messages() <-chan TimestampedMessage { return c.messages }
func (c *fakeClient) Errors() <-chan error                { return c.errs }
func (c *fakeClient) Done() <-chan struct{}               { return c.done }
func (c *fakeClient) IsConnected() bool                   { return true }

func TestManager_SendErrorKeepsFrameQueued(t *testing.T) {
	writeErr := errors.New("broken pipe")
	fake := newFakeClient(writeErr)

	cfg := testManagerConfig()
	cfg.ReconnectBaseWait = time.Minute
	cfg.ReconnectMaxWait = time.Minute

	mgr := NewManager(cfg, nil, WithClientFactory(func(ClientConfig, *slog.Logger) Client {
		return fake
	}))
	defer mgr.Close()

	errs := &errorRecorder{}
	mgr.OnError(errs.handle)

	mgr.Connect("ws://fake", "token")
	waitFor(t, time.Second, "CONNECTED", func() bool {
		return mgr.Snapshot().State == StateConnected
	})

	err := mgr.Send(context.Background(), []byte("hello"))
	if !errors.Is(err, ErrSendFailed) {
		t.Fatalf("Send = %v, want SEND_ERROR", err)
	}
	if !errors.Is(err, writeErr) {
		t.Errorf("Send error does not wrap the transport error: %v", err)
	}

	pending := mgr.Pending()
	if len(pending) != 1 || string(pending[0]) != "hello" {
		t.Errorf("Pending = %q, want [hello]", pending)
	}

	snap := mgr.Snapshot()
	if snap.State != StateReconnecting {
		t.Errorf("state = %s, want RECONNECTING", snap.State)
	}
	if snap.LastError == nil || snap.LastError.Code != CodeSendError {
		t.Errorf("LastError = %v, want SEND_ERROR", snap.LastError)
	}
	if codes := errs.codes(); fmt.Sprint(codes) != fmt.Sprint([]ErrorCode{CodeSendError}) {
		t.Errorf("reported codes = %v, want [SEND_ERROR]", codes)
	}
}

func TestManager_TokenSourceUsedPerAttempt(t *testing.T) {
	var mu sync.Mutex
	var tokens []string
	fake := newFakeClient(nil)

	mgr := NewManager(testManagerConfig(), nil,
		WithTokenSource(func() string { return "fresh-token" }),
		WithClientFactory(func(cfg ClientConfig, _ *slog.Logger) Client {
			mu.Lock()
			tokens = append(tokens, cfg.Token)
			mu.Unlock()
			return fake
		}),
	)
	defer mgr.Close()

	mgr.Connect("ws://fake", "stale-token")
	waitFor(t, time.Second, "CONNECTED", func() bool {
		return mgr.Snapshot().State == StateConnected
	})

	mu.Lock()
	defer mu.Unlock()
	if len(tokens) != 1 || tokens[0] != "fresh-token" {
		t.Errorf("dial tokens = %v, want [fresh-token]", tokens)
	}
}

func TestManager_FlushRatePaced(t *testing.T) {
	fake := newFakeClient(nil)

	cfg := testManagerConfig()
	cfg.FlushRate = 20

	mgr := NewManager(cfg, nil, WithClientFactory(func(ClientConfig, *slog.Logger) Client {
		return fake
	}))
	defer mgr.Close()

	for i := 0; i < 25; i++ {
		mgr.Send(context.Background(), []byte(fmt.Sprintf("%d", i)))
	}

	start := time.Now()
	mgr.Connect("ws://fake", "token")
	waitFor(t, 3*time.Second, "paced flush", func() bool {
		return mgr.Snapshot().QueueLength == 0
	})

	// Burst of 20, then 5 more at 20/s.
	if elapsed := time.Since(start); elapsed < 200*time.Millisecond {
		t.Errorf("flush took %v, expected pacing to slow it down", elapsed)
	}

	fake.mu.Lock()
	defer fake.mu.Unlock()
	for i, data := range fake.sent {
		if string(data) != fmt.Sprintf("%d", i) {
			t.Fatalf("frame %d = %s", i, data)
		}
	}
}
