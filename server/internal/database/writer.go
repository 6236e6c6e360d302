package database

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"go.uber.org/zap"
	"golang.org/x/time/rate"

	"github.com/zhaobenny/tokentracker/internal/model"
	"github.com/zhaobenny/tokentracker/server/internal/metrics"
)

// ErrRecordDropped wraps the storage error of a record that could not be
// persisted after its retry.
var ErrRecordDropped = errors.New("usage record dropped")

const (
	defaultRetryDelay   = 250 * time.Millisecond
	defaultWriteTimeout = 10 * time.Second
)

// Appender persists a single usage record.
type Appender interface {
	Append(ctx context.Context, rec *model.UsageRecord) (int64, error)
}

// Writer owns all record persistence. Submit enqueues without blocking and a
// single goroutine drains the queue in submission order.
type Writer struct {
	store        Appender
	logger       *zap.Logger
	metrics      *metrics.Metrics
	retryDelay   time.Duration
	writeTimeout time.Duration
	dropLog      rate.Sometimes

	mu     sync.Mutex
	queue  []*model.UsageRecord
	closed bool
	wake   chan struct{}
	done   chan struct{}
}

// WriterOption configures a Writer.
type WriterOption func(*Writer)

// WithRetryDelay sets the pause before the single retry of a failed append.
func WithRetryDelay(d time.Duration) WriterOption {
	return func(w *Writer) { w.retryDelay = d }
}

// WithWriteTimeout bounds each append attempt.
func WithWriteTimeout(d time.Duration) WriterOption {
	return func(w *Writer) { w.writeTimeout = d }
}

// NewWriter starts the writer goroutine. Call Close to drain and stop it.
func NewWriter(store Appender, logger *zap.Logger, m *metrics.Metrics, opts ...WriterOption) *Writer {
	w := &Writer{
		store:        store,
		logger:       logger,
		metrics:      m,
		retryDelay:   defaultRetryDelay,
		writeTimeout: defaultWriteTimeout,
		dropLog:      rate.Sometimes{First: 3, Interval: 30 * time.Second},
		wake:         make(chan struct{}, 1),
		done:         make(chan struct{}),
	}
	for _, opt := range opts {
		opt(w)
	}
	go w.run()
	return w
}

// Submit queues rec for persistence. It reports false once the writer is closed.
func (w *Writer) Submit(rec *model.UsageRecord) bool {
	w.mu.Lock()
	if w.closed {
		w.mu.Unlock()
		return false
	}
	w.queue = append(w.queue, rec)
	w.mu.Unlock()

	w.signal()
	return true
}

// Close stops accepting records and waits until every queued record has been
// written or dropped, or ctx is done.
func (w *Writer) Close(ctx context.Context) error {
	w.mu.Lock()
	w.closed = true
	w.mu.Unlock()
	w.signal()

	select {
	case <-w.done:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}

func (w *Writer) signal() {
	select {
	case w.wake <- struct{}{}:
	default:
	}
}

func (w *Writer) run() {
	defer close(w.done)

	for {
		w.mu.Lock()
		for len(w.queue) == 0 && !w.closed {
			w.mu.Unlock()
			<-w.wake
			w.mu.Lock()
		}
		batch := w.queue
		w.queue = nil
		closed := w.closed
		w.mu.Unlock()

		for _, rec := range batch {
			w.write(rec)
		}
		if closed && len(batch) == 0 {
			return
		}
	}
}

func (w *Writer) write(rec *model.UsageRecord) {
	id, err := w.append(rec)
	if err != nil {
		w.logger.Warn("Usage record write failed, retrying",
			zap.Duration("delay", w.retryDelay),
			zap.Error(err),
		)
		time.Sleep(w.retryDelay)
		id, err = w.append(rec)
	}

	if err != nil {
		w.metrics.RecordDropped()
		w.dropLog.Do(func() {
			w.logger.Error("Failed to persist usage record",
				zap.String("model", rec.Model),
				zap.String("endpoint", rec.Endpoint),
				zap.Error(fmt.Errorf("%w: %w", ErrRecordDropped, err)),
			)
		})
		return
	}

	w.metrics.RecordWritten()
	w.logger.Debug("Usage record written", zap.Int64("id", id))
}

func (w *Writer) append(rec *model.UsageRecord) (int64, error) {
	ctx, cancel := context.WithTimeout(context.Background(), w.writeTimeout)
	defer cancel()
	return w.store.Append(ctx, rec)
}
