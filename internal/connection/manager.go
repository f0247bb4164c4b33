package connection

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/gorilla/websocket"
	"golang.org/x/time/rate"

	"github.com/coreos-dash/coreos-client/internal/queue"
)

// Manager owns a single logical connection to the realtime endpoint.
type Manager interface {
	// Connect starts connecting to url with token. It is a no-op when already
	// connecting or connected with the same url and token.
	Connect(url, token string)

	// Send queues data and, when connected, flushes the queue. It returns a
	// SEND_ERROR if the transport failed before data was written; the frame
	// then stays queued. When not connected it returns nil immediately.
	Send(ctx context.Context, data []byte) error

	// SendJSON marshals v and sends it.
	SendJSON(ctx context.Context, v any) error

	// Disconnect closes the connection without scheduling a retry.
	Disconnect()

	// Close tears the manager down: timers, goroutines and the transport.
	Close() error

	// OnMessage registers an inbound frame observer.
	OnMessage(h MessageHandler)

	// OnError registers an error observer.
	OnError(h ErrorHandler)

	// OnStateChange registers a state transition observer.
	OnStateChange(h StateHandler)

	// ClearError resets the last error without touching the state.
	ClearError()

	// Snapshot returns a copy of the current state.
	Snapshot() Snapshot

	// Pending returns a copy of the queued frames in submission order.
	Pending() [][]byte
}

// Option configures a Manager.
type Option func(*manager)

// WithTokenSource makes every (re)connect attempt read a fresh token.
func WithTokenSource(ts TokenSource) Option {
	return func(m *manager) {
		m.tokenSource = ts
	}
}

// WithClientFactory replaces the transport constructor.
func WithClientFactory(f ClientFactory) Option {
	return func(m *manager) {
		m.newClient = f
	}
}

// outbound is one queued frame.
type outbound struct {
	seq  uint64
	data []byte
}

// manager implements the Manager interface.
type manager struct {
	cfg         ManagerConfig
	logger      *slog.Logger
	newClient   ClientFactory
	tokenSource TokenSource
	limiter     *rate.Limiter

	ctx    context.Context
	cancel context.CancelFunc
	wg     sync.WaitGroup

	mu         sync.Mutex
	state      State
	url        string
	token      string
	lastError  *Error
	retryCount int
	gaveUp     bool
	manual     bool
	closed     bool
	client     Client
	gen        uint64 // bumped by Connect/Disconnect/Close; stale goroutines compare against it
	retryTimer *time.Timer
	received   int64

	// Outbound queue. Only flush pops, under flushMu.
	flushMu sync.Mutex
	outbox  *queue.GrowableBuffer[outbound]
	nextSeq uint64
	sentSeq uint64

	obsMu     sync.RWMutex
	onMessage []MessageHandler
	onError   []ErrorHandler
	onState   []StateHandler
}

// NewManager creates a new Connection Manager in the DISCONNECTED state.
func NewManager(cfg ManagerConfig, logger *slog.Logger, opts ...Option) Manager {
	if logger == nil {
		logger = slog.Default()
	}
	if cfg.QueueSize < 1 {
		cfg.QueueSize = 64
	}

	ctx, cancel := context.WithCancel(context.Background())
	m := &manager{
		cfg:       cfg,
		logger:    logger,
		newClient: NewClient,
		ctx:       ctx,
		cancel:    cancel,
		state:     StateDisconnected,
		outbox:    queue.NewGrowableBuffer[outbound](cfg.QueueSize),
	}
	if cfg.FlushRate > 0 {
		burst := int(cfg.FlushRate)
		if burst < 1 {
			burst = 1
		}
		m.limiter = rate.NewLimiter(rate.Limit(cfg.FlushRate), burst)
	}
	for _, opt := range opts {
		opt(m)
	}
	return m
}

// Connect begins a connection cycle.
func (m *manager) Connect(url, token string) {
	m.mu.Lock()
	if m.closed {
		m.mu.Unlock()
		return
	}
	if (m.state == StateConnecting || m.state == StateConnected) && m.url == url && m.token == token {
		m.mu.Unlock()
		return
	}

	m.url, m.token = url, token
	m.manual = false
	m.retryCount = 0
	m.gaveUp = false
	m.stopRetryTimerLocked()
	old := m.client
	m.client = nil
	m.gen++
	gen := m.gen
	prev := m.transitionLocked(StateConnecting)
	m.wg.Add(1)
	m.mu.Unlock()

	if old != nil {
		old.Close()
	}
	m.notifyState(prev, StateConnecting)

	m.logger.Info("connecting", "url", url)
	go m.dial(gen)
}

// Send queues data and flushes when connected.
func (m *manager) Send(ctx context.Context, data []byte) error {
	m.mu.Lock()
	if m.closed {
		m.mu.Unlock()
		return ErrManagerClosed
	}
	m.nextSeq++
	seq := m.nextSeq
	m.outbox.Push(outbound{seq: seq, data: data})
	connected := m.state == StateConnected
	gen := m.gen
	m.mu.Unlock()

	if !connected {
		m.logger.Debug("queued frame while offline", "seq", seq, "queue_len", m.outbox.Len())
		return nil
	}

	err := m.flush(ctx, gen)

	m.mu.Lock()
	sent := m.sentSeq >= seq
	m.mu.Unlock()

	if sent {
		return nil
	}
	return err
}

// SendJSON marshals v and sends it.
func (m *manager) SendJSON(ctx context.Context, v any) error {
	data, err := json.Marshal(v)
	if err != nil {
		return fmt.Errorf("marshal frame: %w", err)
	}
	return m.Send(ctx, data)
}

// Disconnect is the user-initiated close. No retry follows.
func (m *manager) Disconnect() {
	m.mu.Lock()
	m.manual = true
	m.gen++
	m.stopRetryTimerLocked()
	client := m.client
	m.client = nil
	m.lastError = nil
	prev := m.transitionLocked(StateDisconnected)
	m.mu.Unlock()

	if client != nil {
		client.Close()
	}
	m.notifyState(prev, StateDisconnected)
	m.logger.Info("disconnected by user")
}

// Close tears the manager down. Queued frames are discarded.
func (m *manager) Close() error {
	m.mu.Lock()
	if m.closed {
		m.mu.Unlock()
		return nil
	}
	m.closed = true
	m.manual = true
	m.gen++
	m.stopRetryTimerLocked()
	client := m.client
	m.client = nil
	prev := m.transitionLocked(StateDisconnected)
	m.mu.Unlock()

	if client != nil {
		client.Close()
	}
	m.cancel()
	m.wg.Wait()

	m.flushMu.Lock()
	dropped := m.outbox.Clear()
	m.outbox.Close()
	m.flushMu.Unlock()

	m.notifyState(prev, StateDisconnected)
	m.logger.Info("connection manager closed", "dropped_frames", dropped)
	return nil
}

// OnMessage registers an inbound frame observer.
func (m *manager) OnMessage(h MessageHandler) {
	m.obsMu.Lock()
	defer m.obsMu.Unlock()
	m.onMessage = append(m.onMessage, h)
}

// OnError registers an error observer.
func (m *manager) OnError(h ErrorHandler) {
	m.obsMu.Lock()
	defer m.obsMu.Unlock()
	m.onError = append(m.onError, h)
}

// OnStateChange registers a state transition observer.
func (m *manager) OnStateChange(h StateHandler) {
	m.obsMu.Lock()
	defer m.obsMu.Unlock()
	m.onState = append(m.onState, h)
}

// ClearError resets the last error.
func (m *manager) ClearError() {
	m.mu.Lock()
	m.lastError = nil
	m.mu.Unlock()
}

// Snapshot returns a copy of the current state.
func (m *manager) Snapshot() Snapshot {
	m.mu.Lock()
	defer m.mu.Unlock()

	var lastErr *Error
	if m.lastError != nil {
		e := *m.lastError
		lastErr = &e
	}
	stats := m.outbox.Stats()
	return Snapshot{
		State:          m.state,
		URL:            m.url,
		LastError:      lastErr,
		RetryCount:     m.retryCount,
		GaveUp:         m.gaveUp,
		QueueLength:    stats.Count,
		FramesSent:     stats.TotalSent,
		FramesReceived: m.received,
	}
}

// Pending returns a copy of the queued frames.
func (m *manager) Pending() [][]byte {
	items := m.outbox.Snapshot()
	result := make([][]byte, len(items))
	for i, it := range items {
		result[i] = it.data
	}
	return result
}

// dial performs one connection attempt for cycle gen.
func (m *manager) dial(gen uint64) {
	defer m.wg.Done()

	m.mu.Lock()
	if gen != m.gen || m.closed {
		m.mu.Unlock()
		return
	}
	cfg := m.cfg.Client
	cfg.URL = m.url
	cfg.Token = m.token
	m.mu.Unlock()

	if m.tokenSource != nil {
		if t := m.tokenSource(); t != "" {
			cfg.Token = t
		}
	}

	client := m.newClient(cfg, m.logger.With("component", "ws_client"))

	ctx, cancel := context.WithTimeout(m.ctx, m.cfg.ConnectTimeout)
	err := client.Connect(ctx)
	cancel()

	m.mu.Lock()
	if gen != m.gen || m.closed {
		m.mu.Unlock()
		client.Close()
		return
	}

	if err != nil {
		e := newError(CodeConnectionFailed, "connection did not open", err)
		if errors.Is(err, context.DeadlineExceeded) {
			e.Message = fmt.Sprintf("connection did not open within %s", m.cfg.ConnectTimeout)
		}
		m.lastError = e
		prev := m.transitionLocked(StateDisconnected)
		m.mu.Unlock()

		client.Close()
		m.logger.Warn("connection attempt failed", "url", cfg.URL, "error", err)
		m.notifyState(prev, StateDisconnected)
		m.notifyError(e)
		m.scheduleRetry(gen)
		return
	}

	m.client = client
	m.retryCount = 0
	m.gaveUp = false
	prev := m.transitionLocked(StateConnected)
	m.wg.Add(1)
	m.mu.Unlock()

	m.logger.Info("connected", "url", cfg.URL, "queued", m.outbox.Len())
	m.notifyState(prev, StateConnected)

	go m.readLoop(gen, client)

	if err := m.flush(m.ctx, gen); err != nil {
		m.logger.Warn("flush on connect stopped", "error", err, "remaining", m.outbox.Len())
	}
}

// flush writes queued frames in FIFO order while the cycle is connected.
// An entry is removed only after the transport accepted its write.
func (m *manager) flush(ctx context.Context, gen uint64) error {
	m.flushMu.Lock()
	defer m.flushMu.Unlock()

	for {
		m.mu.Lock()
		if gen != m.gen || m.state != StateConnected || m.client == nil {
			m.mu.Unlock()
			return nil
		}
		client := m.client
		m.mu.Unlock()

		item, ok := m.outbox.Peek()
		if !ok {
			return nil
		}

		if m.limiter != nil {
			if err := m.limiter.Wait(ctx); err != nil {
				return err
			}
		}

		if err := client.Send(item.data); err != nil {
			e := newError(CodeSendError, "write failed", err)
			m.logger.Warn("send failed", "seq", item.seq, "error", err)
			m.notifyError(e)
			m.dropTransport(gen, client, e)
			return e
		}

		m.outbox.TryReceive()
		m.mu.Lock()
		m.sentSeq = item.seq
		m.mu.Unlock()
	}
}

// readLoop dispatches inbound frames for one transport until it fails or closes.
func (m *manager) readLoop(gen uint64, client Client) {
	defer m.wg.Done()

	for {
		select {
		case <-m.ctx.Done():
			return

		case <-client.Done():
			return

		case msg := <-client.Messages():
			m.dispatch(msg)

		case err := <-client.Errors():
			// Deliver frames read before the failure, in order.
			for drained := false; !drained; {
				select {
				case msg := <-client.Messages():
					m.dispatch(msg)
				default:
					drained = true
				}
			}
			m.handleTransportError(gen, client, err)
			return
		}
	}
}

func (m *manager) dispatch(msg TimestampedMessage) {
	m.mu.Lock()
	m.received++
	m.mu.Unlock()

	m.obsMu.RLock()
	handlers := m.onMessage
	m.obsMu.RUnlock()

	for _, h := range handlers {
		h(msg)
	}
}

// handleTransportError reports a read-side failure and starts reconnecting.
func (m *manager) handleTransportError(gen uint64, client Client, err error) {
	var closeErr *websocket.CloseError
	if !errors.As(err, &closeErr) {
		m.notifyError(newError(CodeWSError, "transport error", err))
	}

	m.logger.Warn("connection lost", "error", err)
	m.dropTransport(gen, client, newError(CodeDisconnected, "connection closed unexpectedly", err))
}

// dropTransport retires client after an unexpected failure, records cause
// and schedules a reconnect.
func (m *manager) dropTransport(gen uint64, client Client, cause *Error) {
	m.mu.Lock()
	if gen != m.gen || m.client != client || m.closed || m.manual {
		m.mu.Unlock()
		return
	}
	m.client = nil
	m.lastError = cause
	m.mu.Unlock()

	client.Close()
	if cause.Code != CodeSendError {
		m.notifyError(cause)
	}
	m.scheduleRetry(gen)
}

// scheduleRetry arms the reconnect timer or gives up when the budget is spent.
func (m *manager) scheduleRetry(gen uint64) {
	m.mu.Lock()
	if gen != m.gen || m.closed || m.manual {
		m.mu.Unlock()
		return
	}

	m.retryCount++
	if m.cfg.MaxRetries > 0 && m.retryCount > m.cfg.MaxRetries {
		m.gaveUp = true
		e := newError(CodeConnectionFailed, fmt.Sprintf("retry budget exhausted after %d attempts", m.cfg.MaxRetries), nil)
		m.lastError = e
		prev := m.transitionLocked(StateDisconnected)
		m.mu.Unlock()

		m.logger.Error("giving up reconnecting", "attempts", m.cfg.MaxRetries)
		m.notifyState(prev, StateDisconnected)
		m.notifyError(e)
		return
	}

	wait := withJitter(Backoff(m.retryCount, m.cfg.ReconnectBaseWait, m.cfg.ReconnectMaxWait), m.cfg.Jitter)
	attempt := m.retryCount
	prev := m.transitionLocked(StateReconnecting)
	m.stopRetryTimerLocked()
	m.retryTimer = time.AfterFunc(wait, func() { m.retry(gen) })
	m.mu.Unlock()

	m.logger.Info("scheduling reconnect", "attempt", attempt, "wait", wait)
	m.notifyState(prev, StateReconnecting)
}

// retry fires from the reconnect timer.
func (m *manager) retry(gen uint64) {
	m.mu.Lock()
	if gen != m.gen || m.closed || m.manual || m.state != StateReconnecting {
		m.mu.Unlock()
		return
	}
	m.retryTimer = nil
	prev := m.transitionLocked(StateConnecting)
	m.wg.Add(1)
	m.mu.Unlock()

	m.notifyState(prev, StateConnecting)
	go m.dial(gen)
}

// transitionLocked sets the state and returns the previous one. Must be
// called with m.mu held.
func (m *manager) transitionLocked(next State) State {
	prev := m.state
	m.state = next
	return prev
}

// stopRetryTimerLocked cancels a pending reconnect. Must be called with m.mu held.
func (m *manager) stopRetryTimerLocked() {
	if m.retryTimer != nil {
		m.retryTimer.Stop()
		m.retryTimer = nil
	}
}

func (m *manager) notifyState(prev, next State) {
	if prev == next {
		return
	}
	m.logger.Debug("state change", "from", prev, "to", next)

	m.obsMu.RLock()
	handlers := m.onState
	m.obsMu.RUnlock()

	for _, h := range handlers {
		h(prev, next)
	}
}

func (m *manager) notifyError(e *Error) {
	m.obsMu.RLock()
	handlers := m.onError
	m.obsMu.RUnlock()

	for _, h := range handlers {
		h(e)
	}
}
