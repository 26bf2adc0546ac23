// Package uploader moves completed segments of one stream into object
// storage, one at a time and in sequence order. A local file is removed only
// after the stored object has been verified; files that cannot be delivered
// stay on disk and are reported.
package uploader

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"os"
	"sort"
	"sync"
	"time"

	"github.com/cenkalti/backoff/v4"
	"golang.org/x/sync/semaphore"

	"camvault/internal/ledger"
	"camvault/internal/objectstore"
	"camvault/internal/observability/logging"
	"camvault/internal/observability/metrics"
	"camvault/internal/segment"
)

const (
	defaultMaxAttempts    = 5
	defaultInitialBackoff = time.Second
	defaultMaxBackoff     = 30 * time.Second
	defaultJitter         = 0.2
)

// Config wires a pipeline for one stream.
type Config struct {
	Namer  segment.Namer
	Client objectstore.Client
	Ledger ledger.Store

	MaxAttempts    int
	InitialBackoff time.Duration
	MaxBackoff     time.Duration
	// Jitter is the backoff randomization factor in [0,1).
	Jitter float64
	// AttemptTimeout bounds a single put; zero leaves it unbounded.
	AttemptTimeout time.Duration

	// Limiter, when set, bounds concurrent transfers across all streams.
	Limiter *semaphore.Weighted
	Metrics *metrics.Recorder
	Logger  *slog.Logger
	Now     func() time.Time

	// OnOutcome is called once per task, from the worker goroutine or from
	// the caller of Retain.
	OnOutcome func(Outcome)
}

// Pipeline is a single-worker upload queue for one stream.
type Pipeline struct {
	cfg    Config
	bucket string
	logger *slog.Logger
	rec    *metrics.Recorder

	mu          sync.Mutex
	pending     []Task
	known       map[uint64]struct{}
	inFlight    *Task
	closed      bool
	wake        chan struct{}
	bucketReady bool
}

// New validates cfg and derives the stream's bucket.
func New(cfg Config) (*Pipeline, error) {
	if cfg.Client == nil {
		return nil, fmt.Errorf("object storage client required")
	}
	if cfg.Namer.StreamID == "" {
		return nil, fmt.Errorf("stream id required")
	}
	bucket, err := cfg.Namer.BucketName()
	if err != nil {
		return nil, err
	}
	if cfg.Ledger == nil {
		cfg.Ledger = ledger.NewMemory()
	}
	if cfg.MaxAttempts <= 0 {
		cfg.MaxAttempts = defaultMaxAttempts
	}
	if cfg.InitialBackoff <= 0 {
		cfg.InitialBackoff = defaultInitialBackoff
	}
	if cfg.MaxBackoff <= 0 {
		cfg.MaxBackoff = defaultMaxBackoff
	}
	if cfg.MaxBackoff < cfg.InitialBackoff {
		cfg.MaxBackoff = cfg.InitialBackoff
	}
	if cfg.Jitter < 0 || cfg.Jitter >= 1 {
		cfg.Jitter = defaultJitter
	}
	if cfg.Now == nil {
		cfg.Now = time.Now
	}
	rec := cfg.Metrics
	if rec == nil {
		rec = metrics.Default()
	}
	return &Pipeline{
		cfg:    cfg,
		bucket: bucket,
		logger: logging.OrDefault(cfg.Logger).With("component", "uploader", "stream_id", cfg.Namer.StreamID, "bucket", bucket),
		rec:    rec,
		known:  make(map[uint64]struct{}),
		wake:   make(chan struct{}, 1),
	}, nil
}

// Bucket returns the destination bucket for this stream.
func (p *Pipeline) Bucket() string {
	return p.bucket
}

// Submit creates and persists a task for a completed segment and queues it.
// A sequence that is already queued or in flight is ignored.
func (p *Pipeline) Submit(ctx context.Context, seg segment.Segment) error {
	return p.enqueue(ctx, p.newTask(seg), true)
}

// Retain records a completed segment that could not be queued as a failed
// task so a later run resumes it, and reports the outcome like any other
// failure. The error is non-nil only when the task could not be persisted.
func (p *Pipeline) Retain(ctx context.Context, seg segment.Segment, cause error) error {
	task := p.newTask(seg)
	task.State = segment.StateFailed
	task.LastError = cause.Error()
	err := p.cfg.Ledger.PutTask(context.WithoutCancel(ctx), task.StreamID, task.record())
	p.rec.ObserveSegment(task.StreamID, "failed")
	p.rec.AddRetainedBytes(task.StreamID, task.Size)
	p.logger.Error("segment not queued, local file retained", "sequence", task.Sequence, "path", task.Path, "error", cause)
	p.report(Outcome{Task: task, State: segment.StateFailed, Err: cause})
	if err != nil {
		return fmt.Errorf("persist retained task %d: %w", task.Sequence, err)
	}
	return nil
}

func (p *Pipeline) newTask(seg segment.Segment) Task {
	now := p.cfg.Now().UTC()
	task := Task{
		StreamID:  p.cfg.Namer.StreamID,
		Sequence:  seg.Sequence,
		Path:      seg.Path,
		Size:      seg.Size,
		Bucket:    p.bucket,
		Key:       p.cfg.Namer.ObjectKey(now, seg.Sequence),
		State:     segment.StateComplete,
		CreatedAt: now,
	}
	if task.Path == "" {
		task.Path = p.cfg.Namer.LocalPath(seg.Sequence)
	}
	return task
}

// Resume queues a task recovered from the ledger without changing its key.
func (p *Pipeline) Resume(ctx context.Context, task Task) error {
	task.StreamID = p.cfg.Namer.StreamID
	task.Resumed = true
	if task.Bucket == "" {
		task.Bucket = p.bucket
	}
	if task.Key == "" {
		task.Key = p.cfg.Namer.ObjectKey(p.cfg.Now(), task.Sequence)
	}
	task.State = segment.StateComplete
	return p.enqueue(ctx, task, true)
}

func (p *Pipeline) enqueue(ctx context.Context, task Task, persist bool) error {
	p.mu.Lock()
	if p.closed {
		p.mu.Unlock()
		return ErrClosed
	}
	if _, dup := p.known[task.Sequence]; dup {
		p.mu.Unlock()
		p.logger.Debug("segment already queued", "sequence", task.Sequence)
		return nil
	}
	p.known[task.Sequence] = struct{}{}
	p.mu.Unlock()

	if persist {
		if err := p.cfg.Ledger.PutTask(context.WithoutCancel(ctx), task.StreamID, task.record()); err != nil {
			p.mu.Lock()
			delete(p.known, task.Sequence)
			p.mu.Unlock()
			return fmt.Errorf("persist upload task %d: %w", task.Sequence, err)
		}
	}

	p.mu.Lock()
	p.pending = append(p.pending, task)
	sort.SliceStable(p.pending, func(i, j int) bool { return p.pending[i].Sequence < p.pending[j].Sequence })
	p.mu.Unlock()
	p.signal()
	return nil
}

func (p *Pipeline) signal() {
	select {
	case p.wake <- struct{}{}:
	default:
	}
}

// Close stops accepting tasks. Run returns once the queue is drained.
func (p *Pipeline) Close() {
	p.mu.Lock()
	p.closed = true
	p.mu.Unlock()
	p.signal()
}

// Pending returns the number of queued tasks, excluding the one in flight.
func (p *Pipeline) Pending() int {
	p.mu.Lock()
	defer p.mu.Unlock()
	return len(p.pending)
}

// InFlight returns the sequence currently being transferred.
func (p *Pipeline) InFlight() (uint64, bool) {
	p.mu.Lock()
	defer p.mu.Unlock()
	if p.inFlight == nil {
		return 0, false
	}
	return p.inFlight.Sequence, true
}

func (p *Pipeline) next(ctx context.Context) (Task, bool) {
	for {
		if ctx.Err() != nil {
			return Task{}, false
		}
		p.mu.Lock()
		if len(p.pending) > 0 {
			task := p.pending[0]
			p.pending = p.pending[1:]
			p.inFlight = &task
			p.mu.Unlock()
			return task, true
		}
		closed := p.closed
		p.mu.Unlock()
		if closed {
			return Task{}, false
		}
		select {
		case <-ctx.Done():
			return Task{}, false
		case <-p.wake:
		}
	}
}

func (p *Pipeline) done(seq uint64) {
	p.mu.Lock()
	p.inFlight = nil
	delete(p.known, seq)
	p.mu.Unlock()
}

// Run processes tasks until Close has been called and the queue is empty.
// Cancelling ctx aborts backoff waits and transfers; tasks still queued are
// then reported as retained.
func (p *Pipeline) Run(ctx context.Context) error {
	for {
		task, ok := p.next(ctx)
		if !ok {
			break
		}
		outcome := p.process(ctx, task)
		p.done(task.Sequence)
		p.report(outcome)
	}
	if err := ctx.Err(); err != nil {
		p.abandon(err)
		return err
	}
	return nil
}

// abandon reports every queued task as retained after a forced shutdown.
func (p *Pipeline) abandon(cause error) {
	p.mu.Lock()
	p.closed = true
	tasks := p.pending
	p.pending = nil
	p.mu.Unlock()
	for _, task := range tasks {
		task.State = segment.StateFailed
		task.LastError = cause.Error()
		p.persist(context.Background(), task)
		p.rec.ObserveSegment(task.StreamID, "failed")
		p.rec.AddRetainedBytes(task.StreamID, task.Size)
		p.done(task.Sequence)
		p.report(Outcome{Task: task, State: segment.StateFailed, Err: fmt.Errorf("upload abandoned: %w", cause)})
	}
}

func (p *Pipeline) report(o Outcome) {
	if p.cfg.OnOutcome != nil {
		p.cfg.OnOutcome(o)
	}
}

func (p *Pipeline) persist(ctx context.Context, task Task) {
	if err := p.cfg.Ledger.PutTask(context.WithoutCancel(ctx), task.StreamID, task.record()); err != nil {
		p.logger.Error("persist upload task", "sequence", task.Sequence, "error", err)
	}
}

func (p *Pipeline) process(ctx context.Context, task Task) Outcome {
	log := p.logger.With("sequence", task.Sequence, "key", task.Key)
	p.rec.UploadStarted()
	defer p.rec.UploadFinished()

	digest, size, err := fileDigest(task.Path)
	if err != nil {
		if errors.Is(err, os.ErrNotExist) {
			return p.missingLocal(ctx, task, log)
		}
		return p.fail(ctx, task, fmt.Errorf("%w: read segment: %w", ErrTerminal, err), log)
	}
	if task.Digest != "" && task.Digest != digest {
		log.Warn("segment changed since it was queued", "previous_digest", task.Digest, "digest", digest)
	}
	task.Digest = digest
	task.Size = size
	task.State = segment.StateUploading
	p.persist(ctx, task)

	replayed := false
	operation := func() error {
		if err := p.ensureBucket(ctx, task.Bucket); err != nil {
			return p.classify(err)
		}
		if task.Resumed || task.Attempts > 0 {
			ok, err := p.alreadyStored(ctx, task)
			if err != nil {
				return p.classify(err)
			}
			if ok {
				replayed = true
				return nil
			}
		}
		task.Attempts++
		p.rec.ObserveUploadAttempt(task.StreamID)
		if err := p.put(ctx, task); err != nil {
			return p.classify(err)
		}
		return p.verify(ctx, task)
	}
	notify := func(err error, wait time.Duration) {
		task.LastError = err.Error()
		p.rec.ObserveUploadFailure(task.StreamID)
		p.persist(ctx, task)
		log.Warn("upload attempt failed, retrying", "attempt", task.Attempts, "max_attempts", p.cfg.MaxAttempts, "backoff", wait, "error", err)
	}

	err = backoff.RetryNotify(operation, p.policy(ctx), notify)
	if err != nil {
		// The final failure never reaches notify.
		if ctx.Err() == nil {
			p.rec.ObserveUploadFailure(task.StreamID)
		}
		switch {
		case errors.Is(err, ErrTerminal):
		case ctx.Err() != nil:
			err = fmt.Errorf("upload abandoned: %w", err)
		default:
			err = fmt.Errorf("%w after %d attempts: %w", ErrRetriesExhausted, task.Attempts, err)
		}
		return p.fail(ctx, task, err, log)
	}

	task.State = segment.StateUploaded
	task.LastError = ""
	if replayed {
		log.Info("segment already in storage, skipping upload")
	}
	return p.release(ctx, task, replayed, log)
}

func (p *Pipeline) policy(ctx context.Context) backoff.BackOff {
	expo := backoff.NewExponentialBackOff()
	expo.InitialInterval = p.cfg.InitialBackoff
	expo.MaxInterval = p.cfg.MaxBackoff
	expo.Multiplier = 2
	expo.RandomizationFactor = p.cfg.Jitter
	expo.MaxElapsedTime = 0
	expo.Reset()
	return backoff.WithContext(backoff.WithMaxRetries(expo, uint64(p.cfg.MaxAttempts-1)), ctx)
}

func (p *Pipeline) classify(err error) error {
	if errors.Is(err, objectstore.ErrPermanent) {
		return backoff.Permanent(fmt.Errorf("%w: %w", ErrTerminal, err))
	}
	return err
}

func (p *Pipeline) ensureBucket(ctx context.Context, bucket string) error {
	p.mu.Lock()
	ready := p.bucketReady
	p.mu.Unlock()
	if ready {
		return nil
	}
	exists, err := p.cfg.Client.BucketExists(ctx, bucket)
	if err != nil {
		return fmt.Errorf("check bucket %s: %w", bucket, err)
	}
	if !exists {
		if err := p.cfg.Client.MakeBucket(ctx, bucket); err != nil {
			return fmt.Errorf("create bucket %s: %w", bucket, err)
		}
		p.logger.Info("created bucket")
	}
	p.mu.Lock()
	p.bucketReady = true
	p.mu.Unlock()
	return nil
}

func (p *Pipeline) put(ctx context.Context, task Task) error {
	if p.cfg.Limiter != nil {
		if err := p.cfg.Limiter.Acquire(ctx, 1); err != nil {
			return err
		}
		defer p.cfg.Limiter.Release(1)
	}
	putCtx := ctx
	if p.cfg.AttemptTimeout > 0 {
		var cancel context.CancelFunc
		putCtx, cancel = context.WithTimeout(ctx, p.cfg.AttemptTimeout)
		defer cancel()
	}
	_, err := p.cfg.Client.PutFile(putCtx, task.Bucket, task.Key, task.Path, objectstore.PutOptions{
		ContentType: contentType,
		Metadata:    task.metadata(),
	})
	if err != nil {
		return fmt.Errorf("put %s/%s: %w", task.Bucket, task.Key, err)
	}
	return nil
}

func (p *Pipeline) verify(ctx context.Context, task Task) error {
	info, err := p.cfg.Client.Stat(ctx, task.Bucket, task.Key)
	if err != nil {
		if errors.Is(err, objectstore.ErrNotFound) {
			return fmt.Errorf("%w: object missing after put", ErrVerifyMismatch)
		}
		return p.classify(fmt.Errorf("stat %s/%s: %w", task.Bucket, task.Key, err))
	}
	return matches(task, info)
}

func (p *Pipeline) alreadyStored(ctx context.Context, task Task) (bool, error) {
	info, err := p.cfg.Client.Stat(ctx, task.Bucket, task.Key)
	if err != nil {
		if errors.Is(err, objectstore.ErrNotFound) {
			return false, nil
		}
		return false, fmt.Errorf("stat %s/%s: %w", task.Bucket, task.Key, err)
	}
	return matches(task, info) == nil, nil
}

func matches(task Task, info objectstore.ObjectInfo) error {
	if info.Size != task.Size {
		return fmt.Errorf("%w: stored %d bytes, local %d", ErrVerifyMismatch, info.Size, task.Size)
	}
	if stored, ok := objectstore.MetadataValue(info.Metadata, metaDigest); ok && task.Digest != "" && stored != task.Digest {
		return fmt.Errorf("%w: digest %s, local %s", ErrVerifyMismatch, stored, task.Digest)
	}
	return nil
}

// release deletes the local file of a verified upload and clears the task.
func (p *Pipeline) release(ctx context.Context, task Task, replayed bool, log *slog.Logger) Outcome {
	outcome := Outcome{Task: task, State: segment.StateUploaded, Replayed: replayed}
	if err := os.Remove(task.Path); err != nil && !errors.Is(err, os.ErrNotExist) {
		outcome.Err = fmt.Errorf("delete local segment: %w", err)
		log.Error("uploaded segment could not be deleted", "path", task.Path, "error", err)
	} else {
		outcome.State = segment.StateDeleted
		outcome.Task.State = segment.StateDeleted
	}
	if err := p.cfg.Ledger.DeleteTask(context.WithoutCancel(ctx), task.StreamID, task.Sequence); err != nil {
		log.Error("clear upload task", "error", err)
	}
	p.rec.ObserveSegment(task.StreamID, "uploaded")
	log.Info("segment uploaded", "size", task.Size, "attempts", task.Attempts)
	return outcome
}

// fail keeps the local file and records the task as retained.
func (p *Pipeline) fail(ctx context.Context, task Task, err error, log *slog.Logger) Outcome {
	task.State = segment.StateFailed
	task.LastError = err.Error()
	p.persist(ctx, task)
	p.rec.ObserveSegment(task.StreamID, "failed")
	p.rec.AddRetainedBytes(task.StreamID, task.Size)
	log.Error("segment upload failed, local file retained", "path", task.Path, "attempts", task.Attempts, "error", err)
	return Outcome{Task: task, State: segment.StateFailed, Err: err}
}

// missingLocal handles a task whose file is gone. If storage already holds
// the object the task finished in an earlier run; otherwise there is nothing
// left to retry.
func (p *Pipeline) missingLocal(ctx context.Context, task Task, log *slog.Logger) Outcome {
	if task.Size > 0 {
		if ok, err := p.alreadyStored(ctx, task); err == nil && ok {
			_ = p.cfg.Ledger.DeleteTask(context.WithoutCancel(ctx), task.StreamID, task.Sequence)
			p.rec.ObserveSegment(task.StreamID, "uploaded")
			log.Info("segment already delivered by an earlier run")
			task.State = segment.StateDeleted
			return Outcome{Task: task, State: segment.StateDeleted, Replayed: true}
		}
	}
	err := fmt.Errorf("%w: local segment %s missing", ErrTerminal, task.Path)
	if delErr := p.cfg.Ledger.DeleteTask(context.WithoutCancel(ctx), task.StreamID, task.Sequence); delErr != nil {
		log.Error("clear upload task", "error", delErr)
	}
	p.rec.ObserveSegment(task.StreamID, "failed")
	log.Error("segment file vanished before upload", "path", task.Path)
	task.State = segment.StateFailed
	task.LastError = err.Error()
	return Outcome{Task: task, State: segment.StateFailed, Err: err}
}
