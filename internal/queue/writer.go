package queue

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/cespare/xxhash/v2"
	"github.com/manpreetbhatti/sketchroom/internal/errs"
	"go.uber.org/zap"
)

type Config struct {
	Shards    int
	QueueSize int
	// Timeout bounds each fire-and-forget task once it starts running.
	Timeout time.Duration
}

func DefaultConfig() Config {
	return Config{
		Shards:    8,
		QueueSize: 1024,
		Timeout:   5 * time.Second,
	}
}

type task struct {
	ctx     context.Context
	timeout time.Duration
	fn      func(ctx context.Context) error
	done    chan error
}

// Writer runs storage work off the broadcast path. Tasks that share a key
// always land on the same shard, so they execute in submission order.
type Writer struct {
	config Config
	logger *zap.Logger
	shards []chan task
	wg     sync.WaitGroup

	mu      sync.RWMutex
	stopped bool
}

func New(config Config, logger *zap.Logger) *Writer {
	if config.Shards <= 0 {
		config.Shards = 1
	}
	if config.QueueSize <= 0 {
		config.QueueSize = 1
	}
	shards := make([]chan task, config.Shards)
	for i := range shards {
		shards[i] = make(chan task, config.QueueSize)
	}
	return &Writer{
		config: config,
		logger: logger,
		shards: shards,
	}
}

func (w *Writer) Start() {
	for i, ch := range w.shards {
		w.wg.Add(1)
		go w.run(i, ch)
	}
	w.logger.Info("writer started",
		zap.Int("shards", w.config.Shards),
		zap.Int("queue_size", w.config.QueueSize))
}

// Stop rejects new work, drains what is queued and waits for the shards.
func (w *Writer) Stop() {
	w.mu.Lock()
	if w.stopped {
		w.mu.Unlock()
		return
	}
	w.stopped = true
	for _, ch := range w.shards {
		close(ch)
	}
	w.mu.Unlock()

	w.wg.Wait()
	w.logger.Info("writer stopped")
}

func (w *Writer) shard(key string) chan task {
	return w.shards[xxhash.Sum64String(key)%uint64(len(w.shards))]
}

func (w *Writer) run(id int, ch chan task) {
	defer w.wg.Done()

	for t := range ch {
		err := w.exec(t)
		if t.done != nil {
			t.done <- err
			continue
		}
		if err != nil {
			w.logger.Warn("background write failed", zap.Int("shard", id), zap.Error(err))
		}
	}
}

func (w *Writer) exec(t task) (err error) {
	defer func() {
		if r := recover(); r != nil {
			err = fmt.Errorf("writer task panicked: %v", r)
		}
	}()
	ctx := t.ctx
	if t.timeout > 0 {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, t.timeout)
		defer cancel()
	}
	if err := ctx.Err(); err != nil {
		return err
	}
	return t.fn(ctx)
}

// Submit queues fn behind earlier work for key and returns immediately. When
// the shard is full the task is dropped and an error is returned. Time spent
// waiting in the queue does not count against Timeout.
func (w *Writer) Submit(key string, fn func(ctx context.Context) error) error {
	w.mu.RLock()
	defer w.mu.RUnlock()
	if w.stopped {
		return errs.ErrWriterStopped
	}

	select {
	case w.shard(key) <- task{ctx: context.Background(), timeout: w.config.Timeout, fn: fn}:
		return nil
	default:
		return fmt.Errorf("%w: write queue full for %s", errs.ErrStorageUnavailable, key)
	}
}

// Enqueue queues fn behind earlier work for key without waiting for it. The
// returned channel receives fn's result. A full shard fails immediately.
func (w *Writer) Enqueue(ctx context.Context, key string, fn func(ctx context.Context) error) (<-chan error, error) {
	w.mu.RLock()
	defer w.mu.RUnlock()
	if w.stopped {
		return nil, errs.ErrWriterStopped
	}

	done := make(chan error, 1)
	select {
	case w.shard(key) <- task{ctx: ctx, fn: fn, done: done}:
		return done, nil
	default:
		return nil, fmt.Errorf("%w: write queue full for %s", errs.ErrStorageUnavailable, key)
	}
}

// Do runs fn after all earlier work for key and waits for its result.
func (w *Writer) Do(ctx context.Context, key string, fn func(ctx context.Context) error) error {
	done := make(chan error, 1)

	w.mu.RLock()
	if w.stopped {
		w.mu.RUnlock()
		return errs.ErrWriterStopped
	}
	select {
	case w.shard(key) <- task{ctx: ctx, fn: fn, done: done}:
		w.mu.RUnlock()
	case <-ctx.Done():
		w.mu.RUnlock()
		return ctx.Err()
	}

	select {
	case err := <-done:
		return err
	case <-ctx.Done():
		return ctx.Err()
	}
}
