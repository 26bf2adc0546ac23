package events

import (
	"context"
	"errors"
	"log/slog"
	"sync"

	"camvault/internal/observability/logging"
)

// Publisher delivers outcome events. Implementations are safe for concurrent
// use by every session in the fleet.
type Publisher interface {
	Publish(ctx context.Context, event Event) error
	Close() error
}

var errMissingType = errors.New("event type is required")

func validate(event Event) error {
	if event.Type == "" {
		return errMissingType
	}
	return nil
}

// NewLogPublisher writes events as structured log records.
func NewLogPublisher(logger *slog.Logger) Publisher {
	return &logPublisher{logger: logging.WithComponent(logging.OrDefault(logger), "events")}
}

type logPublisher struct {
	logger *slog.Logger
}

func (p *logPublisher) Publish(ctx context.Context, event Event) error {
	if err := validate(event); err != nil {
		return err
	}
	switch {
	case event.Segment != nil:
		seg := event.Segment
		p.logger.InfoContext(ctx, "segment outcome",
			"stream_id", seg.StreamID,
			"run_id", seg.RunID,
			"sequence", seg.Sequence,
			"outcome", seg.Outcome,
			"key", seg.Key,
			"error", seg.Error,
		)
	case event.Session != nil:
		sess := event.Session
		p.logger.InfoContext(ctx, "session outcome",
			"stream_id", sess.StreamID,
			"run_id", sess.RunID,
			"state", sess.State,
			"uploaded", sess.Uploaded,
			"retained", sess.Retained,
			"skipped", sess.Skipped,
			"error", sess.Error,
		)
	}
	return nil
}

func (p *logPublisher) Close() error { return nil }

// MemoryPublisher keeps every event in memory. It backs tests and the status
// API's recent outcome view.
type MemoryPublisher struct {
	mu     sync.Mutex
	events []Event
	limit  int
}

// NewMemoryPublisher retains at most limit events; zero keeps everything.
func NewMemoryPublisher(limit int) *MemoryPublisher {
	return &MemoryPublisher{limit: limit}
}

func (p *MemoryPublisher) Publish(_ context.Context, event Event) error {
	if err := validate(event); err != nil {
		return err
	}
	p.mu.Lock()
	defer p.mu.Unlock()
	p.events = append(p.events, event)
	if p.limit > 0 && len(p.events) > p.limit {
		p.events = append([]Event(nil), p.events[len(p.events)-p.limit:]...)
	}
	return nil
}

// Events returns a copy of the retained events in publish order.
func (p *MemoryPublisher) Events() []Event {
	p.mu.Lock()
	defer p.mu.Unlock()
	return append([]Event(nil), p.events...)
}

func (p *MemoryPublisher) Close() error { return nil }

// Fanout publishes to every target and joins their errors.
type Fanout []Publisher

func (f Fanout) Publish(ctx context.Context, event Event) error {
	var errs []error
	for _, p := range f {
		if err := p.Publish(ctx, event); err != nil {
			errs = append(errs, err)
		}
	}
	return errors.Join(errs...)
}

func (f Fanout) Close() error {
	var errs []error
	for _, p := range f {
		if err := p.Close(); err != nil {
			errs = append(errs, err)
		}
	}
	return errors.Join(errs...)
}
