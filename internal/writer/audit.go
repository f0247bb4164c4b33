package writer

import (
	"context"
	"log/slog"
	"sync"
	"time"

	"github.com/coreos-dash/coreos-client/internal/model"
	"github.com/coreos-dash/coreos-client/internal/queue"
	"github.com/coreos-dash/coreos-client/internal/store"
)

// AuditWriter drains security events from its input buffer into an archive.
type AuditWriter struct {
	cfg    WriterConfig
	logger *slog.Logger

	// Input from the session event sink
	input *queue.GrowableBuffer[model.SecurityEvent]

	archive store.EventArchive

	// Batching
	batch       []model.SecurityEvent
	batchMu     sync.Mutex
	flushMu     sync.Mutex
	flushTicker *time.Ticker

	// Lifecycle
	ctx    context.Context
	cancel context.CancelFunc
	wg     sync.WaitGroup

	metrics WriterMetrics
}

// NewAuditWriter creates a new AuditWriter.
func NewAuditWriter(cfg WriterConfig, archive store.EventArchive, logger *slog.Logger) *AuditWriter {
	if logger == nil {
		logger = slog.Default()
	}
	if cfg.BatchSize < 1 {
		cfg.BatchSize = 1
	}
	if cfg.FlushInterval <= 0 {
		cfg.FlushInterval = DefaultWriterConfig().FlushInterval
	}
	if cfg.MaxPending <= 0 {
		cfg.MaxPending = 10 * cfg.BatchSize
	}
	return &AuditWriter{
		cfg:     cfg,
		input:   queue.NewGrowableBuffer[model.SecurityEvent](cfg.BufferSize),
		archive: archive,
		logger:  logger,
		batch:   make([]model.SecurityEvent, 0, cfg.BatchSize),
	}
}

// Sink returns a function suitable as a session event sink. It never blocks.
func (w *AuditWriter) Sink() func(model.SecurityEvent) {
	return func(e model.SecurityEvent) {
		if !w.input.Push(e) {
			w.logger.Warn("audit writer closed, event not archived", "type", e.Type, "id", e.ID)
		}
	}
}

// Start begins consuming events and writing to the archive.
func (w *AuditWriter) Start(ctx context.Context) error {
	w.ctx, w.cancel = context.WithCancel(ctx)
	w.flushTicker = time.NewTicker(w.cfg.FlushInterval)

	// Consumer goroutine
	w.wg.Add(1)
	go w.consumeLoop()

	// Flush ticker goroutine
	w.wg.Add(1)
	go w.flushLoop()

	w.logger.Info("audit writer started",
		"batch_size", w.cfg.BatchSize,
		"flush_interval", w.cfg.FlushInterval,
	)
	return nil
}

// Stop gracefully shuts down the writer, archiving everything still buffered.
func (w *AuditWriter) Stop(ctx context.Context) error {
	w.logger.Info("stopping audit writer")

	if w.cancel != nil {
		w.cancel()
	}

	if w.flushTicker != nil {
		w.flushTicker.Stop()
	}

	done := make(chan struct{})
	go func() {
		w.wg.Wait()
		close(done)
	}()

	select {
	case <-done:
		w.logger.Info("audit writer stopped")
	case <-ctx.Done():
		w.logger.Warn("audit writer stop timed out")
	}

	// Final drain and flush
	w.input.Close()
	w.batchMu.Lock()
	w.batch = append(w.batch, w.input.DrainTo(0)...)
	w.batchMu.Unlock()
	w.flush(ctx)

	return nil
}

// Stats returns current metrics.
func (w *AuditWriter) Stats() WriterMetrics {
	w.batchMu.Lock()
	defer w.batchMu.Unlock()
	return w.metrics
}

// Pending returns the number of events not yet archived.
func (w *AuditWriter) Pending() int {
	w.batchMu.Lock()
	n := len(w.batch)
	w.batchMu.Unlock()
	return n + w.input.Len()
}

// consumeLoop reads from the input buffer and accumulates batches.
func (w *AuditWriter) consumeLoop() {
	defer w.wg.Done()

	for {
		select {
		case <-w.ctx.Done():
			return
		default:
			events := w.input.DrainTo(w.cfg.BatchSize)
			if len(events) == 0 {
				// Buffer empty, wait a bit before trying again
				select {
				case <-w.ctx.Done():
					return
				case <-time.After(10 * time.Millisecond):
					continue
				}
			}

			w.handleEvents(events)
		}
	}
}

// flushLoop periodically flushes the batch.
func (w *AuditWriter) flushLoop() {
	defer w.wg.Done()

	for {
		select {
		case <-w.ctx.Done():
			return
		case <-w.flushTicker.C:
			w.flush(w.ctx)
		}
	}
}

// handleEvents adds events to the batch, flushing when it is full.
func (w *AuditWriter) handleEvents(events []model.SecurityEvent) {
	w.batchMu.Lock()
	w.batch = append(w.batch, events...)
	shouldFlush := len(w.batch) >= w.cfg.BatchSize
	w.batchMu.Unlock()

	if shouldFlush {
		w.flush(w.ctx)
	}
}

// flush writes the current batch to the archive. On failure the events are
// kept for the next flush, up to MaxPending.
func (w *AuditWriter) flush(ctx context.Context) {
	w.flushMu.Lock()
	defer w.flushMu.Unlock()

	w.batchMu.Lock()
	if len(w.batch) == 0 {
		w.batchMu.Unlock()
		return
	}

	// Take ownership of current batch
	batch := w.batch
	w.batch = make([]model.SecurityEvent, 0, w.cfg.BatchSize)
	w.batchMu.Unlock()

	start := time.Now()

	inserted, err := w.archive.InsertEvents(ctx, batch)
	if err != nil {
		w.logger.Error("batch insert failed", "error", err, "count", len(batch))
		w.requeue(batch)
		return
	}

	conflicts := len(batch) - inserted

	w.batchMu.Lock()
	w.metrics.Inserts += int64(inserted)
	w.metrics.Conflicts += int64(conflicts)
	w.metrics.Flushes++
	w.batchMu.Unlock()

	w.logger.Debug("flushed security events",
		"count", len(batch),
		"conflicts", conflicts,
		"duration", time.Since(start),
	)
}

// requeue puts a failed batch back in front of newer events.
func (w *AuditWriter) requeue(failed []model.SecurityEvent) {
	w.batchMu.Lock()
	defer w.batchMu.Unlock()

	w.metrics.Errors++
	merged := append(failed, w.batch...)
	if over := len(merged) - w.cfg.MaxPending; over > 0 {
		w.metrics.Dropped += int64(over)
		w.logger.Warn("dropping unarchived security events", "count", over)
		merged = merged[over:]
	}
	w.batch = merged
}
