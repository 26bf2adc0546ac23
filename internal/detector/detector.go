// Package detector decides when a segment file written by the media pipeline
// is final and emits ready events for a stream in strict sequence order.
//
// A segment is complete once it exists with a non-zero size and either a
// later segment has appeared or its size has not changed for the grace
// period. A sequence that is missing or empty while a later segment exists
// is reported rather than waited on forever.
package detector

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"os"
	"sync"
	"time"

	"github.com/fsnotify/fsnotify"

	"camvault/internal/observability/logging"
	"camvault/internal/segment"
)

// Kind classifies a ready event.
type Kind string

const (
	KindComplete Kind = "complete"
	KindSkipped  Kind = "skipped"
	KindEmpty    Kind = "empty"
)

// Event reports that sequence is resolved. Only KindComplete events carry an
// uploadable file.
type Event struct {
	Sequence   uint64
	Kind       Kind
	Path       string
	Size       int64
	Reason     string
	DetectedAt time.Time
}

// Ticker drives the growth check. It matches *time.Ticker through
// TimeTicker and lets tests tick by hand.
type Ticker interface {
	C() <-chan time.Time
	Stop()
}

type TimeTicker struct {
	ticker *time.Ticker
}

func (t TimeTicker) C() <-chan time.Time { return t.ticker.C }
func (t TimeTicker) Stop()               { t.ticker.Stop() }

const (
	graceMargin          = 5 * time.Second
	defaultCheckInterval = time.Second
	minCheckInterval     = 10 * time.Millisecond
)

var ErrGraceTooShort = errors.New("grace period must exceed the rotation interval")

// Config describes one stream's detector.
type Config struct {
	Namer    segment.Namer
	Start    uint64
	Rotation time.Duration
	// Grace defaults to Rotation plus five seconds.
	Grace         time.Duration
	CheckInterval time.Duration
	Logger        *slog.Logger

	Now       func() time.Time
	NewTicker func(time.Duration) Ticker
	// DisableWatch skips fsnotify and relies on the ticker alone.
	DisableWatch bool
}

// Detector watches one stream directory. Events are delivered on Events()
// until Run returns, at which point the channel is closed.
type Detector struct {
	cfg     Config
	logger  *slog.Logger
	tracker *tracker
	events  chan Event

	finalizeOnce sync.Once
	finalize     chan struct{}
}

// New validates cfg and fills defaults.
func New(cfg Config) (*Detector, error) {
	if cfg.Namer.Dir == "" || cfg.Namer.StreamID == "" {
		return nil, fmt.Errorf("detector requires a stream directory and id")
	}
	if cfg.Rotation <= 0 {
		return nil, fmt.Errorf("rotation interval must be positive")
	}
	if cfg.Grace == 0 {
		cfg.Grace = cfg.Rotation + graceMargin
	}
	if cfg.Grace <= cfg.Rotation {
		return nil, fmt.Errorf("%w: grace %s, rotation %s", ErrGraceTooShort, cfg.Grace, cfg.Rotation)
	}
	if cfg.CheckInterval <= 0 {
		cfg.CheckInterval = defaultCheckInterval
		if quarter := cfg.Grace / 4; quarter < cfg.CheckInterval {
			cfg.CheckInterval = quarter
		}
	}
	if cfg.CheckInterval < minCheckInterval {
		cfg.CheckInterval = minCheckInterval
	}
	if cfg.Now == nil {
		cfg.Now = time.Now
	}
	if cfg.NewTicker == nil {
		cfg.NewTicker = func(d time.Duration) Ticker { return TimeTicker{ticker: time.NewTicker(d)} }
	}
	logger := logging.OrDefault(cfg.Logger).With("component", "detector", "stream_id", cfg.Namer.StreamID)
	return &Detector{
		cfg:      cfg,
		logger:   logger,
		tracker:  newTracker(cfg.Start, cfg.Grace),
		events:   make(chan Event),
		finalize: make(chan struct{}),
	}, nil
}

// Events returns the ready event stream.
func (d *Detector) Events() <-chan Event {
	return d.events
}

// Grace reports the effective grace period.
func (d *Detector) Grace() time.Duration {
	return d.cfg.Grace
}

// Finalize tells the detector the media pipeline has exited. The detector
// performs one last scan in which the open segment counts as complete if it
// has data, emits the remaining events and then closes Events().
func (d *Detector) Finalize() {
	d.finalizeOnce.Do(func() { close(d.finalize) })
}

// Run watches the directory until ctx is cancelled or Finalize is called.
func (d *Detector) Run(ctx context.Context) error {
	defer close(d.events)

	var (
		fsEvents <-chan fsnotify.Event
		fsErrors <-chan error
	)
	if !d.cfg.DisableWatch {
		// The watch goes in before the first scan so no creation is missed
		// between listing and watching.
		watcher, err := fsnotify.NewWatcher()
		if err != nil {
			d.logger.Warn("directory watch unavailable, polling only", "error", err)
		} else {
			defer watcher.Close()
			if err := watcher.Add(d.cfg.Namer.Dir); err != nil {
				d.logger.Warn("directory watch unavailable, polling only", "dir", d.cfg.Namer.Dir, "error", err)
			} else {
				fsEvents = watcher.Events
				fsErrors = watcher.Errors
			}
		}
	}

	ticker := d.cfg.NewTicker(d.cfg.CheckInterval)
	defer ticker.Stop()

	for {
		if err := d.scan(ctx, false); err != nil {
			return err
		}
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-d.finalize:
			return d.scan(ctx, true)
		case ev, ok := <-fsEvents:
			if !ok {
				fsEvents = nil
				continue
			}
			if _, match := d.cfg.Namer.ParseLocalName(ev.Name); !match {
				continue
			}
		case err, ok := <-fsErrors:
			if !ok {
				fsErrors = nil
				continue
			}
			d.logger.Warn("directory watch error", "error", err)
		case <-ticker.C():
		}
	}
}

func (d *Detector) scan(ctx context.Context, final bool) error {
	files, err := d.list()
	if err != nil {
		return err
	}
	now := d.cfg.Now()
	for _, ev := range d.tracker.observe(files, now, final) {
		ev.Path = d.cfg.Namer.LocalPath(ev.Sequence)
		ev.DetectedAt = now
		switch ev.Kind {
		case KindComplete:
			d.logger.Debug("segment complete", "sequence", ev.Sequence, "size", ev.Size, "reason", ev.Reason)
		default:
			d.logger.Warn("segment unusable, skipping", "sequence", ev.Sequence, "kind", ev.Kind, "reason", ev.Reason)
		}
		select {
		case d.events <- ev:
		case <-ctx.Done():
			return ctx.Err()
		}
	}
	return nil
}

// list returns sizes of this stream's segment files at or after the next
// expected sequence.
func (d *Detector) list() (map[uint64]int64, error) {
	return ListSegments(d.cfg.Namer, d.tracker.next)
}

// ListSegments reads the stream directory and returns the sizes of segment
// files whose sequence is at least from.
func ListSegments(namer segment.Namer, from uint64) (map[uint64]int64, error) {
	entries, err := os.ReadDir(namer.Dir)
	if err != nil {
		return nil, fmt.Errorf("list segment directory: %w", err)
	}
	files := make(map[uint64]int64)
	for _, entry := range entries {
		if entry.IsDir() {
			continue
		}
		seq, ok := namer.ParseLocalName(entry.Name())
		if !ok || seq < from {
			continue
		}
		info, err := entry.Info()
		if err != nil {
			if errors.Is(err, os.ErrNotExist) {
				continue
			}
			return nil, fmt.Errorf("stat segment %s: %w", entry.Name(), err)
		}
		files[seq] = info.Size()
	}
	return files, nil
}
