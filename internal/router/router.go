package router

import (
	"context"
	"encoding/json"
	"errors"
	"log/slog"
	"sync"
	"time"
)

// ErrNotRunning is returned by Submit when the router is stopped.
var ErrNotRunning = errors.New("router not running")

// Router decodes raw realtime frames and dispatches them to handlers
// registered per frame type. Frames are handled one at a time, in the order
// they were submitted.
type Router interface {
	// Handle registers h for frames of frameType. Multiple handlers per type
	// run in registration order.
	Handle(frameType string, h Handler)

	// Start begins dispatching submitted frames.
	Start(ctx context.Context) error

	// Stop drains nothing further and shuts the dispatch goroutine down.
	Stop(ctx context.Context) error

	// Submit hands one raw frame to the router. It blocks while the input
	// buffer is full.
	Submit(in Inbound) error

	// Stats returns current router statistics.
	Stats() RouterStats
}

// router is the internal implementation.
type router struct {
	cfg    RouterConfig
	logger *slog.Logger

	input chan Inbound

	handlersMu sync.RWMutex
	handlers   map[string][]Handler

	// Lifecycle; ctx and cancel are guarded by mu.
	ctx    context.Context
	cancel context.CancelFunc
	wg     sync.WaitGroup

	mu            sync.RWMutex
	received      int64
	routed        int64
	parseErrors   int64
	unknownFrames int64
}

// NewRouter creates a new frame router.
func NewRouter(cfg RouterConfig, logger *slog.Logger) Router {
	if logger == nil {
		logger = slog.Default()
	}
	if cfg.InputBufferSize < 1 {
		cfg.InputBufferSize = 1
	}

	return &router{
		cfg:      cfg,
		logger:   logger,
		input:    make(chan Inbound, cfg.InputBufferSize),
		handlers: make(map[string][]Handler),
	}
}

// Handle registers a handler for a frame type.
func (r *router) Handle(frameType string, h Handler) {
	r.handlersMu.Lock()
	defer r.handlersMu.Unlock()
	r.handlers[frameType] = append(r.handlers[frameType], h)
}

// Start begins routing frames.
func (r *router) Start(ctx context.Context) error {
	runCtx, cancel := context.WithCancel(ctx)
	r.mu.Lock()
	r.ctx, r.cancel = runCtx, cancel
	r.mu.Unlock()

	r.wg.Add(1)
	go r.routeLoop(runCtx)

	r.logger.Info("frame router started", "input_buffer", r.cfg.InputBufferSize)

	return nil
}

// Stop gracefully shuts down the router.
func (r *router) Stop(ctx context.Context) error {
	r.logger.Info("stopping frame router")

	r.mu.RLock()
	cancel := r.cancel
	r.mu.RUnlock()
	if cancel != nil {
		cancel()
	}

	done := make(chan struct{})
	go func() {
		r.wg.Wait()
		close(done)
	}()

	select {
	case <-done:
		r.logger.Info("frame router stopped")
	case <-ctx.Done():
		r.logger.Warn("frame router stop timed out")
		return ctx.Err()
	}

	return nil
}

// Submit queues a raw frame for dispatch. Frames submitted before Start
// are refused with ErrNotRunning.
func (r *router) Submit(in Inbound) error {
	r.mu.RLock()
	ctx := r.ctx
	r.mu.RUnlock()
	if ctx == nil {
		return ErrNotRunning
	}
	select {
	case <-ctx.Done():
		return ErrNotRunning
	default:
	}

	select {
	case r.input <- in:
		return nil
	case <-ctx.Done():
		return ErrNotRunning
	}
}

// Stats returns current statistics.
func (r *router) Stats() RouterStats {
	r.mu.RLock()
	defer r.mu.RUnlock()

	return RouterStats{
		FramesReceived: r.received,
		FramesRouted:   r.routed,
		ParseErrors:    r.parseErrors,
		UnknownFrames:  r.unknownFrames,
	}
}

// routeLoop is the single dispatch goroutine.
func (r *router) routeLoop(ctx context.Context) {
	defer r.wg.Done()

	for {
		select {
		case <-ctx.Done():
			return
		case in := <-r.input:
			r.route(in)
		}
	}
}

// route decodes one frame and invokes its handlers.
func (r *router) route(in Inbound) {
	r.mu.Lock()
	r.received++
	r.mu.Unlock()

	var frame Frame
	if err := json.Unmarshal(in.Data, &frame); err != nil || frame.Type == "" {
		if err == nil {
			err = errors.New("missing type")
		}
		r.logger.Warn("failed to decode frame", "error", err, "size", len(in.Data))
		r.mu.Lock()
		r.parseErrors++
		r.mu.Unlock()
		return
	}
	frame.ReceivedAt = in.ReceivedAt
	if frame.ReceivedAt.IsZero() {
		frame.ReceivedAt = time.Now()
	}

	r.handlersMu.RLock()
	handlers := r.handlers[frame.Type]
	r.handlersMu.RUnlock()

	if len(handlers) == 0 {
		// Application keepalives need no handler.
		if frame.Type != FramePing && frame.Type != FramePong {
			r.logger.Debug("skipping frame type", "type", frame.Type)
			r.mu.Lock()
			r.unknownFrames++
			r.mu.Unlock()
		}
		return
	}

	for _, h := range handlers {
		h(frame)
	}

	r.mu.Lock()
	r.routed++
	r.mu.Unlock()
}
