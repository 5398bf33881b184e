package audit

import (
	"context"
	"sync"
	"time"

	"go.uber.org/zap"
)

const (
	defaultBufferSize   = 1024
	defaultDrainTimeout = 5 * time.Second
)

// AsyncOption configures an Async sink.
type AsyncOption func(*Async)

// WithBufferSize sets the channel capacity. Default: 1024.
func WithBufferSize(n int) AsyncOption {
	return func(a *Async) { a.bufSize = n }
}

// WithOnError sets the callback for failures of the wrapped sink.
func WithOnError(f func(error)) AsyncOption {
	return func(a *Async) { a.errFunc = f }
}

// Async hands entries to a background goroutine. Record never blocks: when
// the buffer is full the entry is dropped and logged.
type Async struct {
	inner     Sink
	ch        chan Entry
	done      chan struct{}
	errFunc   func(error)
	bufSize   int
	logger    *zap.Logger
	mu        sync.RWMutex
	closed    bool
	closeOnce sync.Once
}

// NewAsync wraps inner and starts draining immediately.
func NewAsync(inner Sink, logger *zap.Logger, opts ...AsyncOption) *Async {
	if logger == nil {
		logger = zap.NewNop()
	}
	a := &Async{
		inner:   inner,
		bufSize: defaultBufferSize,
		logger:  logger,
	}
	a.errFunc = func(err error) { a.logger.Warn("audit sink write failed", zap.Error(err)) }
	for _, opt := range opts {
		opt(a)
	}
	a.ch = make(chan Entry, a.bufSize)
	a.done = make(chan struct{})
	go a.drain()
	return a
}

// Record enqueues entry and returns immediately.
func (a *Async) Record(_ context.Context, entry Entry) error {
	a.mu.RLock()
	defer a.mu.RUnlock()
	if a.closed {
		return nil
	}
	select {
	case a.ch <- entry:
	default:
		a.logger.Warn("audit buffer full, dropping entry",
			zap.String("signature", entry.Signature), zap.String("event_type", entry.EventType))
	}
	return nil
}

// Close stops accepting entries, drains what is buffered (bounded by a
// timeout) and closes the wrapped sink.
func (a *Async) Close() error {
	var err error
	a.closeOnce.Do(func() {
		a.mu.Lock()
		a.closed = true
		close(a.ch)
		a.mu.Unlock()

		select {
		case <-a.done:
		case <-time.After(defaultDrainTimeout):
			a.logger.Warn("audit drain timed out")
		}
		err = a.inner.Close()
	})
	return err
}

func (a *Async) drain() {
	defer close(a.done)
	for entry := range a.ch {
		if err := a.inner.Record(context.Background(), entry); err != nil {
			a.errFunc(err)
		}
	}
}
