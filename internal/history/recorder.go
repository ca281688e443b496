package history

import (
	"context"
	"log/slog"
	"sync"
	"time"

	"github.com/rickgao/moltzer/internal/dispatcher"
	"github.com/rickgao/moltzer/internal/outbox"
	"github.com/rickgao/moltzer/internal/protocol"
)

// Config holds recorder settings.
type Config struct {
	BatchSize     int
	FlushInterval time.Duration
	BufferSize    int
}

// DefaultConfig returns default recorder settings.
func DefaultConfig() Config {
	return Config{
		BatchSize:     100,
		FlushInterval: time.Second,
		BufferSize:    10000,
	}
}

// Metrics contains recorder statistics.
type Metrics struct {
	Recorded  int64
	Inserts   int64
	Conflicts int64
	Errors    int64
	Flushes   int64
	Dropped   int64
}

// Recorder batches records from the outbox and dispatcher into a Store.
// Observe methods never block; records arriving while the buffer is full
// are dropped and counted.
type Recorder struct {
	cfg    Config
	logger *slog.Logger
	store  Store

	input *Buffer[Record]

	batch   []Record
	batchMu sync.Mutex

	ctx    context.Context
	cancel context.CancelFunc
	wg     sync.WaitGroup

	metrics Metrics
}

// NewRecorder creates a Recorder writing to store.
func NewRecorder(cfg Config, store Store, logger *slog.Logger) *Recorder {
	if logger == nil {
		logger = slog.Default()
	}
	def := DefaultConfig()
	if cfg.BatchSize <= 0 {
		cfg.BatchSize = def.BatchSize
	}
	if cfg.FlushInterval <= 0 {
		cfg.FlushInterval = def.FlushInterval
	}
	if cfg.BufferSize <= 0 {
		cfg.BufferSize = def.BufferSize
	}

	initial := cfg.BatchSize
	if initial > cfg.BufferSize {
		initial = cfg.BufferSize
	}
	return &Recorder{
		cfg:    cfg,
		logger: logger,
		store:  store,
		input:  NewBuffer[Record](initial, cfg.BufferSize),
		batch:  make([]Record, 0, cfg.BatchSize),
	}
}

// Start begins consuming records and writing them to the store.
func (r *Recorder) Start(ctx context.Context) error {
	r.ctx, r.cancel = context.WithCancel(ctx)

	r.wg.Add(1)
	go r.consumeLoop()

	r.wg.Add(1)
	go r.flushLoop()

	r.logger.Info("history recorder started",
		"batch_size", r.cfg.BatchSize,
		"flush_interval", r.cfg.FlushInterval,
	)
	return nil
}

// Stop drains buffered records, writes them and stops the loops.
func (r *Recorder) Stop(ctx context.Context) error {
	r.logger.Info("stopping history recorder")

	r.input.Close()

	done := make(chan struct{})
	go func() {
		r.wg.Wait()
		close(done)
	}()

	select {
	case <-done:
	case <-ctx.Done():
		r.logger.Warn("history recorder stop timed out")
	}

	if r.cancel != nil {
		r.cancel()
	}

	// Final flush runs on its own context; the loop context is gone.
	flushCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	r.flush(flushCtx)

	r.logger.Info("history recorder stopped")
	return nil
}

// Stats returns current metrics.
func (r *Recorder) Stats() Metrics {
	r.batchMu.Lock()
	defer r.batchMu.Unlock()
	m := r.metrics
	m.Dropped = r.input.Stats().Dropped
	return m
}

// Record queues rec for writing.
func (r *Recorder) Record(rec Record) bool {
	return r.input.Send(rec)
}

// ObserveMessage is an outbox.Observer.
func (r *Recorder) ObserveMessage(m *outbox.Message, status outbox.Status) {
	r.Record(MessageRecord(m, status, time.Now()))
}

// ObserveEvent is a dispatcher.Handler. Keepalive ticks are skipped.
func (r *Recorder) ObserveEvent(d dispatcher.Delivery) {
	if d.Event.Event == protocol.EventTick {
		return
	}
	r.Record(EventRecord(d))
}

// consumeLoop moves records from the buffer into the batch until the
// buffer is closed and empty.
func (r *Recorder) consumeLoop() {
	defer r.wg.Done()

	for {
		rec, ok := r.input.Receive()
		if !ok {
			return
		}

		r.batchMu.Lock()
		r.batch = append(r.batch, rec)
		r.metrics.Recorded++
		shouldFlush := len(r.batch) >= r.cfg.BatchSize
		r.batchMu.Unlock()

		if shouldFlush {
			r.flush(r.ctx)
		}
	}
}

// flushLoop periodically flushes the batch.
func (r *Recorder) flushLoop() {
	defer r.wg.Done()

	ticker := time.NewTicker(r.cfg.FlushInterval)
	defer ticker.Stop()

	for {
		select {
		case <-r.ctx.Done():
			return
		case <-ticker.C:
			r.flush(r.ctx)
		}
	}
}

// flush writes the current batch to the store.
func (r *Recorder) flush(ctx context.Context) {
	r.batchMu.Lock()
	if len(r.batch) == 0 {
		r.batchMu.Unlock()
		return
	}

	// Take ownership of current batch
	batch := r.batch
	r.batch = make([]Record, 0, r.cfg.BatchSize)
	r.batchMu.Unlock()

	start := time.Now()

	inserted, err := r.store.Insert(ctx, batch)
	if err != nil {
		r.logger.Error("history insert failed", "error", err, "count", len(batch))
		r.batchMu.Lock()
		r.metrics.Errors++
		r.batchMu.Unlock()
		return
	}

	r.batchMu.Lock()
	r.metrics.Inserts += int64(inserted)
	r.metrics.Conflicts += int64(len(batch) - inserted)
	r.metrics.Flushes++
	r.batchMu.Unlock()

	r.logger.Debug("flushed history",
		"count", len(batch),
		"conflicts", len(batch)-inserted,
		"duration", time.Since(start),
	)
}
