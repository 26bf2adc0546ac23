// Package session owns the end-to-end recording lifecycle of one stream: the
// media pipeline writing segments, the detector deciding when they are final
// and the upload pipeline moving them to object storage.
//
// A session moves Idle → Recording → Stopping → Stopped, or to Failed when the
// media pipeline ends on its own or a component breaks. Either way every
// segment that was already complete is drained through the upload pipeline
// before the session reports its terminal state.
package session

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"os"
	"sync"
	"time"

	"github.com/google/uuid"
	"golang.org/x/sync/semaphore"

	"camvault/internal/detector"
	"camvault/internal/events"
	"camvault/internal/ledger"
	"camvault/internal/media"
	"camvault/internal/objectstore"
	"camvault/internal/observability/logging"
	"camvault/internal/observability/metrics"
	"camvault/internal/segment"
	"camvault/internal/uploader"
)

// State is the lifecycle state of a session.
type State string

const (
	StateIdle      State = "idle"
	StateRecording State = "recording"
	StateStopping  State = "stopping"
	StateStopped   State = "stopped"
	StateFailed    State = "failed"
)

// Terminal reports whether no further transition is possible.
func (s State) Terminal() bool {
	return s == StateStopped || s == StateFailed
}

// ErrInvalidTransition is returned when an operation is not allowed in the
// session's current state.
var ErrInvalidTransition = errors.New("invalid session state transition")

// DetectorOptions tunes completion detection.
type DetectorOptions struct {
	Grace         time.Duration
	CheckInterval time.Duration
	NewTicker     func(time.Duration) detector.Ticker
	Now           func() time.Time
	DisableWatch  bool
}

// UploadOptions tunes the upload pipeline.
type UploadOptions struct {
	MaxAttempts    int
	InitialBackoff time.Duration
	MaxBackoff     time.Duration
	Jitter         float64
	AttemptTimeout time.Duration
	Limiter        *semaphore.Weighted
}

// Config describes one stream and the collaborators its session drives.
type Config struct {
	Namer           segment.Namer
	Port            int
	Input           string
	SegmentDuration time.Duration

	Media     media.Pipeline
	Client    objectstore.Client
	Ledger    ledger.Store
	Publisher events.Publisher

	Detector DetectorOptions
	Upload   UploadOptions

	Metrics *metrics.Recorder
	Logger  *slog.Logger
	Now     func() time.Time
}

// Session is the supervised worker for one stream. Construct a new Session to
// record the stream again after it has stopped.
type Session struct {
	cfg    Config
	runID  string
	base   *slog.Logger
	logger *slog.Logger
	rec    *metrics.Recorder

	// lifecycle serializes Start and Stop so a stop never races the launch.
	lifecycle sync.Mutex

	mu            sync.Mutex
	state         State
	err           error
	startSeq      uint64
	cursor        uint64
	uploaded      []uint64
	retained      []uint64
	lost          []uint64
	skipped       []uint64
	empty         []uint64
	retainedBytes int64
	startedAt     time.Time
	finishedAt    time.Time
	uploads       *uploader.Pipeline

	// pinSeq holds the durable cursor back at a segment that is neither
	// queued nor recorded in the ledger.
	pinned bool
	pinSeq uint64

	stopOnce sync.Once
	stopping chan struct{}
	done     chan struct{}
}

// New validates cfg. Nothing is started until Start.
func New(cfg Config) (*Session, error) {
	if err := segment.ValidateStreamID(cfg.Namer.StreamID); err != nil {
		return nil, err
	}
	if cfg.Namer.Dir == "" {
		return nil, fmt.Errorf("stream %s: segment directory required", cfg.Namer.StreamID)
	}
	if cfg.Media == nil {
		return nil, fmt.Errorf("stream %s: media pipeline required", cfg.Namer.StreamID)
	}
	if cfg.Client == nil {
		return nil, fmt.Errorf("stream %s: object storage client required", cfg.Namer.StreamID)
	}
	if cfg.SegmentDuration <= 0 {
		return nil, fmt.Errorf("stream %s: segment duration must be positive", cfg.Namer.StreamID)
	}
	if cfg.Ledger == nil {
		cfg.Ledger = ledger.NewMemory()
	}
	if cfg.Now == nil {
		cfg.Now = time.Now
	}
	rec := cfg.Metrics
	if rec == nil {
		rec = metrics.Default()
	}
	runID := uuid.NewString()
	base := logging.OrDefault(cfg.Logger).With("run_id", runID)
	return &Session{
		cfg:      cfg,
		runID:    runID,
		base:     base,
		logger:   logging.WithComponent(base, "session").With("stream_id", cfg.Namer.StreamID),
		rec:      rec,
		state:    StateIdle,
		stopping: make(chan struct{}),
		done:     make(chan struct{}),
	}, nil
}

func (s *Session) StreamID() string { return s.cfg.Namer.StreamID }

// RunID identifies this session instance in logs and published events.
func (s *Session) RunID() string { return s.runID }

func (s *Session) State() State {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.state
}

// Done is closed once the session reached Stopped or Failed and every
// upload task has resolved.
func (s *Session) Done() <-chan struct{} {
	return s.done
}

// Start moves the session from Idle to Recording. ctx governs the session's
// lifetime: cancelling it aborts in-flight transfers, so callers normally
// end a session with Stop and cancel ctx only to force shutdown.
func (s *Session) Start(ctx context.Context) error {
	s.lifecycle.Lock()
	defer s.lifecycle.Unlock()

	s.mu.Lock()
	if s.state != StateIdle {
		state := s.state
		s.mu.Unlock()
		return fmt.Errorf("%w: start from %s", ErrInvalidTransition, state)
	}
	s.state = StateRecording
	s.startedAt = s.cfg.Now().UTC()
	s.mu.Unlock()
	s.rec.SessionStarted()

	if err := s.launch(ctx); err != nil {
		s.logger.Error("session failed to start", "error", err)
		s.finish(err)
		return err
	}
	return nil
}

func (s *Session) launch(ctx context.Context) error {
	namer := s.cfg.Namer
	if err := os.MkdirAll(namer.Dir, 0o755); err != nil {
		return fmt.Errorf("create segment directory: %w", err)
	}
	snap, err := s.cfg.Ledger.Load(ctx, namer.StreamID)
	if err != nil {
		return fmt.Errorf("load ledger: %w", err)
	}
	onDisk, err := detector.ListSegments(namer, 0)
	if err != nil {
		return err
	}
	cursor, startSeq := plan(snap, onDisk)

	uploads, err := uploader.New(uploader.Config{
		Namer:          namer,
		Client:         s.cfg.Client,
		Ledger:         s.cfg.Ledger,
		MaxAttempts:    s.cfg.Upload.MaxAttempts,
		InitialBackoff: s.cfg.Upload.InitialBackoff,
		MaxBackoff:     s.cfg.Upload.MaxBackoff,
		Jitter:         s.cfg.Upload.Jitter,
		AttemptTimeout: s.cfg.Upload.AttemptTimeout,
		Limiter:        s.cfg.Upload.Limiter,
		Metrics:        s.rec,
		Logger:         s.base,
		Now:            s.cfg.Now,
		OnOutcome:      s.onOutcome,
	})
	if err != nil {
		return err
	}
	det, err := detector.New(detector.Config{
		Namer:         namer,
		Start:         cursor,
		Rotation:      s.cfg.SegmentDuration,
		Grace:         s.cfg.Detector.Grace,
		CheckInterval: s.cfg.Detector.CheckInterval,
		Logger:        s.base,
		Now:           s.cfg.Detector.Now,
		NewTicker:     s.cfg.Detector.NewTicker,
		DisableWatch:  s.cfg.Detector.DisableWatch,
	})
	if err != nil {
		return err
	}

	for _, rec := range snap.Tasks {
		task := uploader.TaskFromRecord(namer.StreamID, rec)
		s.logger.Info("resuming upload from earlier run", "sequence", task.Sequence, "state", rec.State, "attempts", rec.Attempts)
		if err := uploads.Resume(ctx, task); err != nil {
			return fmt.Errorf("resume task %d: %w", task.Sequence, err)
		}
	}
	if err := s.cfg.Ledger.SaveCursor(ctx, namer.StreamID, cursor); err != nil {
		return fmt.Errorf("save cursor: %w", err)
	}

	s.mu.Lock()
	s.cursor = cursor
	s.startSeq = startSeq
	s.uploads = uploads
	s.mu.Unlock()

	if err := s.cfg.Media.Start(ctx, startSeq); err != nil {
		return fmt.Errorf("start media pipeline: %w", err)
	}
	s.logger.Info("session recording", "cursor", cursor, "start_sequence", startSeq, "resumed_tasks", len(snap.Tasks), "bucket", uploads.Bucket())

	uploadDone := make(chan error, 1)
	go func() { uploadDone <- uploads.Run(ctx) }()
	detectDone := make(chan error, 1)
	go func() { detectDone <- det.Run(ctx) }()
	go s.watchMedia(ctx, det)
	go s.loop(ctx, det, uploads, detectDone, uploadDone)
	return nil
}

// plan picks the first sequence to inspect and the number the media pipeline
// starts at. Numbering resumes past every file on disk so a restarted encoder
// never overwrites a segment that has not been handled yet.
func plan(snap ledger.Snapshot, onDisk map[uint64]int64) (cursor, startSeq uint64) {
	switch {
	case snap.HasCursor:
		cursor = snap.NextSequence
	case len(onDisk) > 0:
		first := true
		for seq := range onDisk {
			if first || seq < cursor {
				cursor = seq
				first = false
			}
		}
	}
	for _, task := range snap.Tasks {
		if task.Sequence+1 > cursor {
			cursor = task.Sequence + 1
		}
	}
	startSeq = cursor
	for seq := range onDisk {
		if seq >= startSeq {
			startSeq = seq + 1
		}
	}
	return cursor, startSeq
}

// watchMedia turns the end of the media pipeline into the detector's final
// scan. An exit nobody asked for fails the session.
func (s *Session) watchMedia(ctx context.Context, det *detector.Detector) {
	select {
	case <-s.cfg.Media.Done():
	case <-ctx.Done():
		s.stopMedia()
		<-s.cfg.Media.Done()
	}
	if err := s.cfg.Media.Err(); err != nil {
		s.fail(err)
	}
	det.Finalize()
}

func (s *Session) stopMedia() {
	if err := s.cfg.Media.Stop(context.Background()); err != nil {
		s.logger.Warn("media pipeline stop", "error", err)
	}
}

func (s *Session) loop(ctx context.Context, det *detector.Detector, uploads *uploader.Pipeline, detectDone, uploadDone <-chan error) {
	for ev := range det.Events() {
		s.handle(ctx, uploads, ev)
	}
	if err := <-detectDone; err != nil && ctx.Err() == nil {
		s.fail(fmt.Errorf("completion detector: %w", err))
		s.stopMedia()
	}
	<-s.cfg.Media.Done()

	uploads.Close()
	if err := <-uploadDone; err != nil {
		s.logger.Warn("upload pipeline aborted", "error", err)
	}

	var cause error
	if err := ctx.Err(); err != nil && !s.stopRequested() {
		cause = fmt.Errorf("session cancelled: %w", err)
	}
	s.finish(cause)
}

func (s *Session) handle(ctx context.Context, uploads *uploader.Pipeline, ev detector.Event) {
	switch ev.Kind {
	case detector.KindComplete:
		seg := segment.Segment{
			StreamID:  s.cfg.Namer.StreamID,
			Sequence:  ev.Sequence,
			Path:      ev.Path,
			Size:      ev.Size,
			State:     segment.StateComplete,
			UpdatedAt: ev.DetectedAt,
		}
		if err := uploads.Submit(ctx, seg); err != nil {
			s.logger.Error("queue segment for upload", "sequence", ev.Sequence, "error", err)
			if err := uploads.Retain(ctx, seg, fmt.Errorf("queue for upload: %w", err)); err != nil {
				// Not in the ledger: keep the durable cursor at this
				// sequence so the next run detects it again.
				s.logger.Error("record retained segment", "sequence", ev.Sequence, "error", err)
				s.mu.Lock()
				if !s.pinned || ev.Sequence < s.pinSeq {
					s.pinned, s.pinSeq = true, ev.Sequence
				}
				s.mu.Unlock()
			}
		}
	case detector.KindSkipped:
		s.mu.Lock()
		s.skipped = append(s.skipped, ev.Sequence)
		s.mu.Unlock()
		s.rec.ObserveSegment(s.cfg.Namer.StreamID, events.OutcomeSkipped)
		s.publishSegment(events.SegmentEvent{Sequence: ev.Sequence, Outcome: events.OutcomeSkipped, Path: ev.Path, Error: ev.Reason})
	case detector.KindEmpty:
		s.mu.Lock()
		s.empty = append(s.empty, ev.Sequence)
		s.mu.Unlock()
		s.rec.ObserveSegment(s.cfg.Namer.StreamID, events.OutcomeEmpty)
		s.publishSegment(events.SegmentEvent{Sequence: ev.Sequence, Outcome: events.OutcomeEmpty, Path: ev.Path, Error: ev.Reason})
	}

	next := ev.Sequence + 1
	s.mu.Lock()
	s.cursor = next
	durable := next
	if s.pinned {
		durable = s.pinSeq
	}
	s.mu.Unlock()
	if err := s.cfg.Ledger.SaveCursor(context.WithoutCancel(ctx), s.cfg.Namer.StreamID, durable); err != nil {
		s.logger.Error("save cursor", "next_sequence", durable, "error", err)
	}
}

func (s *Session) onOutcome(o uploader.Outcome) {
	ev := events.SegmentEvent{
		Sequence: o.Task.Sequence,
		Bucket:   o.Task.Bucket,
		Key:      o.Task.Key,
		Path:     o.Task.Path,
		Size:     o.Task.Size,
		Attempts: o.Task.Attempts,
		Replayed: o.Replayed,
	}
	if o.Err != nil {
		ev.Error = o.Err.Error()
	}

	s.mu.Lock()
	switch {
	case o.Delivered():
		s.uploaded = append(s.uploaded, o.Task.Sequence)
		ev.Outcome = events.OutcomeUploaded
	case fileExists(o.Task.Path):
		s.retained = append(s.retained, o.Task.Sequence)
		s.retainedBytes += o.Task.Size
		ev.Outcome = events.OutcomeFailed
	default:
		s.lost = append(s.lost, o.Task.Sequence)
		ev.Outcome = events.OutcomeFailed
	}
	s.mu.Unlock()
	s.publishSegment(ev)
}

func fileExists(path string) bool {
	_, err := os.Stat(path)
	return err == nil
}

// Stop asks the media pipeline to finalize its open segment and waits until
// every remaining segment has been uploaded or retained. Transfers in flight
// are never interrupted by Stop; ctx only bounds how long the caller waits.
func (s *Session) Stop(ctx context.Context) error {
	s.lifecycle.Lock()
	s.mu.Lock()
	state := s.state
	if state == StateIdle {
		s.mu.Unlock()
		s.lifecycle.Unlock()
		return fmt.Errorf("%w: stop from %s", ErrInvalidTransition, state)
	}
	if state == StateRecording {
		s.state = StateStopping
	}
	s.mu.Unlock()
	s.lifecycle.Unlock()

	if state == StateRecording {
		s.stopOnce.Do(func() { close(s.stopping) })
		s.logger.Info("stopping session")
		if err := s.cfg.Media.Stop(ctx); err != nil {
			s.logger.Warn("media pipeline stop", "error", err)
		}
	}

	select {
	case <-s.done:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}

// Wait blocks until the session is terminal and returns its report.
func (s *Session) Wait(ctx context.Context) (Report, error) {
	select {
	case <-s.done:
		return s.Status(), nil
	case <-ctx.Done():
		return s.Status(), ctx.Err()
	}
}

func (s *Session) stopRequested() bool {
	select {
	case <-s.stopping:
		return true
	default:
		return false
	}
}

func (s *Session) fail(err error) {
	s.mu.Lock()
	if s.err == nil {
		s.err = err
	}
	prev := s.state
	if prev == StateRecording || prev == StateStopping {
		s.state = StateFailed
	}
	s.mu.Unlock()
	if prev != StateFailed {
		s.logger.Error("session failed, draining completed segments", "previous_state", prev, "error", err)
	}
}

func (s *Session) finish(cause error) {
	s.mu.Lock()
	if cause != nil && s.err == nil {
		s.err = cause
	}
	if s.err != nil {
		s.state = StateFailed
	} else {
		s.state = StateStopped
	}
	s.finishedAt = s.cfg.Now().UTC()
	report := s.statusLocked()
	s.mu.Unlock()

	if report.State == StateFailed {
		s.rec.SessionFailed()
		s.logger.Error("session failed", "uploaded", len(report.Uploaded), "retained", len(report.Retained), "lost", len(report.Lost), "skipped", len(report.Skipped), "error", report.Error)
	} else {
		s.rec.SessionStopped()
		s.logger.Info("session stopped", "uploaded", len(report.Uploaded), "retained", len(report.Retained), "lost", len(report.Lost), "skipped", len(report.Skipped))
	}
	s.publish(events.Event{
		Type: events.TypeSession,
		Session: &events.SessionEvent{
			StreamID:      report.StreamID,
			RunID:         s.runID,
			State:         string(report.State),
			Uploaded:      len(report.Uploaded),
			Retained:      len(report.Retained) + len(report.Lost),
			Skipped:       len(report.Skipped) + len(report.Empty),
			RetainedBytes: report.RetainedBytes,
			Error:         report.Error,
		},
	})
	close(s.done)
}

func (s *Session) publishSegment(ev events.SegmentEvent) {
	ev.StreamID = s.cfg.Namer.StreamID
	ev.RunID = s.runID
	s.publish(events.Event{Type: events.TypeSegment, Segment: &ev})
}

func (s *Session) publish(event events.Event) {
	if s.cfg.Publisher == nil {
		return
	}
	event.OccurredAt = s.cfg.Now().UTC()
	if err := s.cfg.Publisher.Publish(context.Background(), event); err != nil {
		s.logger.Warn("publish outcome", "type", event.Type, "error", err)
	}
}
