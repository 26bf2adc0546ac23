package events

import (
	"context"
	"errors"
	"log/slog"
	"sync"
	"sync/atomic"

	"camvault/internal/observability/logging"
)

// ErrBufferFull is returned by Async.Publish when the buffer has no room and
// the event was dropped.
var ErrBufferFull = errors.New("event buffer full")

var errAsyncClosed = errors.New("event publisher closed")

const defaultAsyncBuffer = 256

// Async hands events to a background goroutine that forwards them to next.
// Publish never blocks; events that do not fit in the buffer are dropped and
// counted.
type Async struct {
	next   Publisher
	logger *slog.Logger
	queue  chan Event

	mu      sync.RWMutex
	closed  bool
	dropped atomic.Uint64

	closeOnce sync.Once
	done      chan struct{}
	closeErr  error
}

// NewAsync starts the forwarding goroutine. buffer <= 0 uses a default size.
func NewAsync(next Publisher, buffer int, logger *slog.Logger) *Async {
	if buffer <= 0 {
		buffer = defaultAsyncBuffer
	}
	a := &Async{
		next:   next,
		logger: logging.WithComponent(logging.OrDefault(logger), "events"),
		queue:  make(chan Event, buffer),
		done:   make(chan struct{}),
	}
	go a.forward()
	return a
}

func (a *Async) forward() {
	defer close(a.done)
	for event := range a.queue {
		if err := a.next.Publish(context.Background(), event); err != nil {
			a.logger.Warn("forward outcome event", "type", event.Type, "error", err)
		}
	}
}

func (a *Async) Publish(_ context.Context, event Event) error {
	if err := validate(event); err != nil {
		return err
	}
	a.mu.RLock()
	defer a.mu.RUnlock()
	if a.closed {
		return errAsyncClosed
	}
	select {
	case a.queue <- event:
		return nil
	default:
		if n := a.dropped.Add(1); n == 1 || n%100 == 0 {
			a.logger.Warn("outcome event dropped, buffer full", "dropped_total", n)
		}
		return ErrBufferFull
	}
}

// Dropped is the number of events discarded because the buffer was full.
func (a *Async) Dropped() uint64 { return a.dropped.Load() }

// Close stops accepting events, forwards what is buffered and closes next.
func (a *Async) Close() error {
	a.closeOnce.Do(func() {
		a.mu.Lock()
		a.closed = true
		close(a.queue)
		a.mu.Unlock()
		<-a.done
		a.closeErr = a.next.Close()
	})
	return a.closeErr
}
