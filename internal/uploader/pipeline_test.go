package uploader

import (
	"context"
	"errors"
	"fmt"
	"os"
	"sync"
	"testing"
	"time"

	"camvault/internal/ledger"
	"camvault/internal/objectstore"
	"camvault/internal/observability/metrics"
	"camvault/internal/segment"
	"camvault/internal/testsupport/storestub"
)

var fixedNow = time.Date(2024, 1, 1, 12, 0, 0, 0, time.UTC)

type harness struct {
	namer    segment.Namer
	store    *storestub.Store
	ledger   *ledger.FileStore
	rec      *metrics.Recorder
	pipeline *Pipeline

	mu       sync.Mutex
	outcomes []Outcome
}

func newHarness(t *testing.T, store *storestub.Store, mutate func(*Config)) *harness {
	t.Helper()
	h := &harness{
		namer:  segment.Namer{Dir: t.TempDir(), StreamID: "cam1"},
		store:  store,
		ledger: ledger.NewMemory(),
		rec:    metrics.New(),
	}
	h.pipeline = h.build(t, mutate)
	return h
}

func (h *harness) build(t *testing.T, mutate func(*Config)) *Pipeline {
	t.Helper()
	cfg := Config{
		Namer:          h.namer,
		Client:         h.store,
		Ledger:         h.ledger,
		MaxAttempts:    3,
		InitialBackoff: time.Millisecond,
		MaxBackoff:     2 * time.Millisecond,
		Jitter:         0,
		Metrics:        h.rec,
		Now:            func() time.Time { return fixedNow },
		OnOutcome: func(o Outcome) {
			h.mu.Lock()
			h.outcomes = append(h.outcomes, o)
			h.mu.Unlock()
		},
	}
	if mutate != nil {
		mutate(&cfg)
	}
	p, err := New(cfg)
	if err != nil {
		t.Fatalf("New: %v", err)
	}
	return p
}

func (h *harness) writeSegment(t *testing.T, seq uint64, body string) segment.Segment {
	t.Helper()
	path := h.namer.LocalPath(seq)
	if err := os.WriteFile(path, []byte(body), 0o644); err != nil {
		t.Fatalf("write segment: %v", err)
	}
	return segment.Segment{StreamID: "cam1", Sequence: seq, Path: path, Size: int64(len(body)), State: segment.StateComplete}
}

func (h *harness) drain(t *testing.T, p *Pipeline) error {
	t.Helper()
	p.Close()
	errCh := make(chan error, 1)
	go func() { errCh <- p.Run(context.Background()) }()
	select {
	case err := <-errCh:
		return err
	case <-time.After(5 * time.Second):
		t.Fatalf("pipeline did not drain")
	}
	return nil
}

func (h *harness) results() []Outcome {
	h.mu.Lock()
	defer h.mu.Unlock()
	return append([]Outcome(nil), h.outcomes...)
}

func fileExists(path string) bool {
	_, err := os.Stat(path)
	return err == nil
}

func TestUploadDeletesLocalFileAndCreatesBucketOnce(t *testing.T) {
	store := storestub.New()
	h := newHarness(t, store, nil)
	h.namer.BucketPrefix = ""
	h.pipeline = h.build(t, nil)

	seg := h.writeSegment(t, 0, "segment-zero")
	if err := h.pipeline.Submit(context.Background(), seg); err != nil {
		t.Fatalf("Submit: %v", err)
	}
	if err := h.drain(t, h.pipeline); err != nil {
		t.Fatalf("Run: %v", err)
	}

	outcomes := h.results()
	if len(outcomes) != 1 || outcomes[0].State != segment.StateDeleted || outcomes[0].Err != nil {
		t.Fatalf("unexpected outcomes %+v", outcomes)
	}
	if outcomes[0].Task.Key != "20240101_120000_cam1_segment_0.mp4" {
		t.Fatalf("unexpected key %q", outcomes[0].Task.Key)
	}
	if data, ok := store.Object("cam1", "20240101_120000_cam1_segment_0.mp4"); !ok || string(data) != "segment-zero" {
		t.Fatalf("object not stored in bucket cam1: %q %v", data, ok)
	}
	if fileExists(h.namer.LocalPath(0)) {
		t.Fatalf("expected recording_cam1_0.mp4 to be deleted")
	}
	if calls := store.Calls(); calls.MakeBucket != 1 {
		t.Fatalf("expected one make_bucket call, got %+v", calls)
	}

	// A new pipeline for the same stream finds the bucket and does not create it again.
	next := h.build(t, nil)
	if err := next.Submit(context.Background(), h.writeSegment(t, 1, "segment-one")); err != nil {
		t.Fatalf("Submit: %v", err)
	}
	if err := h.drain(t, next); err != nil {
		t.Fatalf("Run: %v", err)
	}
	calls := store.Calls()
	if calls.BucketExists != 2 || calls.MakeBucket != 1 {
		t.Fatalf("expected bucket_exists=2 make_bucket=1, got %+v", calls)
	}

	snap, _ := h.ledger.Load(context.Background(), "cam1")
	if len(snap.Tasks) != 0 {
		t.Fatalf("expected ledger to be empty after delivery, got %+v", snap.Tasks)
	}
}

func TestUploadRetriesThenSucceeds(t *testing.T) {
	const failures = 3
	store := storestub.New()
	store.FailNextPuts(failures, nil)
	h := newHarness(t, store, func(cfg *Config) { cfg.MaxAttempts = failures + 1 })

	seg := h.writeSegment(t, 4, "payload")
	store.SetPutHook(func(ctx context.Context, bucket, key, path string) error {
		if !fileExists(path) {
			return fmt.Errorf("local file deleted before upload succeeded")
		}
		return nil
	})

	if err := h.pipeline.Submit(context.Background(), seg); err != nil {
		t.Fatalf("Submit: %v", err)
	}
	if err := h.drain(t, h.pipeline); err != nil {
		t.Fatalf("Run: %v", err)
	}

	outcomes := h.results()
	if len(outcomes) != 1 || outcomes[0].State != segment.StateDeleted {
		t.Fatalf("expected delivery, got %+v", outcomes)
	}
	if got := store.Calls().Put; got != failures+1 {
		t.Fatalf("expected %d put attempts, got %d", failures+1, got)
	}
	if outcomes[0].Task.Attempts != failures+1 {
		t.Fatalf("expected attempts %d, got %d", failures+1, outcomes[0].Task.Attempts)
	}
	if fileExists(seg.Path) {
		t.Fatalf("expected local file to be deleted after success")
	}
	attempts, failed := h.rec.UploadCounts()
	if attempts["cam1"] != failures+1 || failed["cam1"] != failures {
		t.Fatalf("unexpected upload counters attempts=%v failures=%v", attempts, failed)
	}
}

func TestUploadAlwaysFailingRetainsFile(t *testing.T) {
	store := storestub.New()
	store.FailAllPuts(nil)
	h := newHarness(t, store, nil)

	seg := h.writeSegment(t, 2, "keep-me")
	if err := h.pipeline.Submit(context.Background(), seg); err != nil {
		t.Fatalf("Submit: %v", err)
	}
	if err := h.drain(t, h.pipeline); err != nil {
		t.Fatalf("Run: %v", err)
	}

	outcomes := h.results()
	if len(outcomes) != 1 || outcomes[0].State != segment.StateFailed {
		t.Fatalf("expected failure, got %+v", outcomes)
	}
	if !errors.Is(outcomes[0].Err, ErrRetriesExhausted) || !errors.Is(outcomes[0].Err, storestub.ErrUnavailable) {
		t.Fatalf("expected retries exhausted wrapping the storage error, got %v", outcomes[0].Err)
	}
	if outcomes[0].Delivered() {
		t.Fatalf("failed outcome must not count as delivered")
	}
	if got := store.Calls().Put; got != 3 {
		t.Fatalf("expected 3 attempts, got %d", got)
	}
	if !fileExists(seg.Path) {
		t.Fatalf("local file must be retained after exhausting retries")
	}

	snap, _ := h.ledger.Load(context.Background(), "cam1")
	if len(snap.Tasks) != 1 || snap.Tasks[0].State != segment.StateFailed || snap.Tasks[0].Attempts != 3 {
		t.Fatalf("expected failed task in ledger, got %+v", snap.Tasks)
	}
	if got := h.rec.RetainedBytes("cam1"); got != int64(len("keep-me")) {
		t.Fatalf("expected retained bytes gauge to track file, got %d", got)
	}
}

func TestUploadTerminalErrorStopsRetrying(t *testing.T) {
	store := storestub.New()
	store.FailAllPuts(fmt.Errorf("%w: AccessDenied", objectstore.ErrPermanent))
	h := newHarness(t, store, func(cfg *Config) { cfg.MaxAttempts = 10 })

	seg := h.writeSegment(t, 0, "data")
	_ = h.pipeline.Submit(context.Background(), seg)
	if err := h.drain(t, h.pipeline); err != nil {
		t.Fatalf("Run: %v", err)
	}

	outcomes := h.results()
	if len(outcomes) != 1 || !errors.Is(outcomes[0].Err, ErrTerminal) {
		t.Fatalf("expected terminal failure, got %+v", outcomes)
	}
	if got := store.Calls().Put; got != 1 {
		t.Fatalf("expected a single attempt, got %d", got)
	}
	if !fileExists(seg.Path) {
		t.Fatalf("local file must be retained")
	}
}

func TestResumedTaskAlreadyStoredSkipsPut(t *testing.T) {
	store := storestub.New()
	h := newHarness(t, store, nil)
	seg := h.writeSegment(t, 7, "already-there")
	digest, _, err := fileDigest(seg.Path)
	if err != nil {
		t.Fatalf("fileDigest: %v", err)
	}
	key := h.namer.ObjectKey(fixedNow.Add(-time.Hour), 7)
	store.AddObject("camera-cam1", key, []byte("already-there"), map[string]string{"Digest": digest})

	task := Task{Sequence: 7, Path: seg.Path, Size: seg.Size, Key: key, Digest: digest, Attempts: 1}
	if err := h.pipeline.Resume(context.Background(), task); err != nil {
		t.Fatalf("Resume: %v", err)
	}
	if err := h.drain(t, h.pipeline); err != nil {
		t.Fatalf("Run: %v", err)
	}

	outcomes := h.results()
	if len(outcomes) != 1 || !outcomes[0].Replayed || outcomes[0].State != segment.StateDeleted {
		t.Fatalf("expected replayed delivery, got %+v", outcomes)
	}
	if outcomes[0].Task.Key != key {
		t.Fatalf("resumed task must keep its key, got %q", outcomes[0].Task.Key)
	}
	if got := store.Calls().Put; got != 0 {
		t.Fatalf("expected no put for an object already stored, got %d", got)
	}
	if fileExists(seg.Path) {
		t.Fatalf("expected local file to be released")
	}
}

func TestResumedTaskWithPartialObjectIsUploadedAgain(t *testing.T) {
	store := storestub.New()
	h := newHarness(t, store, nil)
	seg := h.writeSegment(t, 3, "full-content")
	key := h.namer.ObjectKey(fixedNow, 3)
	store.AddObject("camera-cam1", key, []byte("full"), nil)

	_ = h.pipeline.Resume(context.Background(), Task{Sequence: 3, Path: seg.Path, Key: key})
	if err := h.drain(t, h.pipeline); err != nil {
		t.Fatalf("Run: %v", err)
	}
	if got := store.Calls().Put; got != 1 {
		t.Fatalf("expected the object to be rewritten, got %d puts", got)
	}
	if data, _ := store.Object("camera-cam1", key); string(data) != "full-content" {
		t.Fatalf("unexpected stored data %q", data)
	}
}

func TestUploadsInSequenceOrder(t *testing.T) {
	store := storestub.New()
	h := newHarness(t, store, nil)

	for _, seq := range []uint64{2, 0, 1} {
		if err := h.pipeline.Submit(context.Background(), h.writeSegment(t, seq, fmt.Sprintf("s%d", seq))); err != nil {
			t.Fatalf("Submit: %v", err)
		}
	}
	// Duplicate submissions are ignored while the segment is queued.
	if err := h.pipeline.Submit(context.Background(), h.writeSegment(t, 1, "s1")); err != nil {
		t.Fatalf("duplicate Submit: %v", err)
	}
	if h.pipeline.Pending() != 3 {
		t.Fatalf("expected 3 pending tasks, got %d", h.pipeline.Pending())
	}
	if err := h.drain(t, h.pipeline); err != nil {
		t.Fatalf("Run: %v", err)
	}

	outcomes := h.results()
	if len(outcomes) != 3 {
		t.Fatalf("expected 3 outcomes, got %d", len(outcomes))
	}
	for i, o := range outcomes {
		if o.Task.Sequence != uint64(i) || o.State != segment.StateDeleted {
			t.Fatalf("outcome %d out of order: %+v", i, o)
		}
	}
}

func TestForcedCancelReportsQueuedTasksAsRetained(t *testing.T) {
	store := storestub.New()
	h := newHarness(t, store, nil)
	started := make(chan struct{})
	var once sync.Once
	store.SetPutHook(func(ctx context.Context, bucket, key, path string) error {
		once.Do(func() { close(started) })
		<-ctx.Done()
		return ctx.Err()
	})

	for seq := uint64(0); seq < 3; seq++ {
		_ = h.pipeline.Submit(context.Background(), h.writeSegment(t, seq, "x"))
	}
	ctx, cancel := context.WithCancel(context.Background())
	errCh := make(chan error, 1)
	go func() { errCh <- h.pipeline.Run(ctx) }()

	select {
	case <-started:
	case <-time.After(5 * time.Second):
		t.Fatalf("upload never started")
	}
	cancel()

	select {
	case err := <-errCh:
		if !errors.Is(err, context.Canceled) {
			t.Fatalf("expected context.Canceled, got %v", err)
		}
	case <-time.After(5 * time.Second):
		t.Fatalf("pipeline did not stop")
	}

	outcomes := h.results()
	if len(outcomes) != 3 {
		t.Fatalf("expected every task to be reported, got %d", len(outcomes))
	}
	for _, o := range outcomes {
		if o.State != segment.StateFailed {
			t.Fatalf("expected retained outcome, got %+v", o)
		}
		if !fileExists(o.Task.Path) {
			t.Fatalf("local file %s must be retained", o.Task.Path)
		}
	}
	if err := h.pipeline.Submit(context.Background(), h.writeSegment(t, 9, "late")); !errors.Is(err, ErrClosed) {
		t.Fatalf("expected ErrClosed after shutdown, got %v", err)
	}
}

func TestMissingLocalFileIsReported(t *testing.T) {
	store := storestub.New()
	h := newHarness(t, store, nil)
	_ = h.pipeline.Submit(context.Background(), segment.Segment{Sequence: 5, Path: h.namer.LocalPath(5), Size: 10})
	if err := h.drain(t, h.pipeline); err != nil {
		t.Fatalf("Run: %v", err)
	}
	outcomes := h.results()
	if len(outcomes) != 1 || outcomes[0].State != segment.StateFailed || !errors.Is(outcomes[0].Err, ErrTerminal) {
		t.Fatalf("expected terminal failure for missing file, got %+v", outcomes)
	}
	if got := store.Calls().Put; got != 0 {
		t.Fatalf("expected no put, got %d", got)
	}
}

func TestNewRejectsInvalidBucket(t *testing.T) {
	_, err := New(Config{Namer: segment.Namer{Dir: t.TempDir(), StreamID: "a"}, Client: storestub.New()})
	if !errors.Is(err, segment.ErrInvalidBucket) {
		t.Fatalf("expected invalid bucket error, got %v", err)
	}
}

type flakyLedger struct {
	ledger.Store
	mu   sync.Mutex
	fail error
}

func (l *flakyLedger) setFail(err error) {
	l.mu.Lock()
	l.fail = err
	l.mu.Unlock()
}

func (l *flakyLedger) PutTask(ctx context.Context, streamID string, task ledger.TaskRecord) error {
	l.mu.Lock()
	err := l.fail
	l.mu.Unlock()
	if err != nil {
		return err
	}
	return l.Store.PutTask(ctx, streamID, task)
}

func TestSubmitReportsLedgerFailure(t *testing.T) {
	diskFull := errors.New("no space left on device")
	flaky := &flakyLedger{Store: ledger.NewMemory(), fail: diskFull}
	h := newHarness(t, storestub.New(), func(cfg *Config) { cfg.Ledger = flaky })
	seg := h.writeSegment(t, 4, "payload")

	if err := h.pipeline.Submit(context.Background(), seg); !errors.Is(err, diskFull) {
		t.Fatalf("expected ledger error from Submit, got %v", err)
	}
	flaky.setFail(nil)
	if err := h.pipeline.Submit(context.Background(), seg); err != nil {
		t.Fatalf("resubmit after ledger recovered: %v", err)
	}
	if err := h.drain(t, h.pipeline); err != nil {
		t.Fatalf("drain: %v", err)
	}
	if got := h.results(); len(got) != 1 || !got[0].Delivered() {
		t.Fatalf("expected one delivered outcome, got %+v", got)
	}
}

func TestRetainPersistsFailedTask(t *testing.T) {
	h := newHarness(t, storestub.New(), nil)
	seg := h.writeSegment(t, 3, "late-segment")
	h.pipeline.Close()

	err := h.pipeline.Submit(context.Background(), seg)
	if !errors.Is(err, ErrClosed) {
		t.Fatalf("expected ErrClosed, got %v", err)
	}
	if err := h.pipeline.Retain(context.Background(), seg, err); err != nil {
		t.Fatalf("Retain: %v", err)
	}

	got := h.results()
	if len(got) != 1 || got[0].State != segment.StateFailed || got[0].Task.Sequence != 3 || !errors.Is(got[0].Err, ErrClosed) {
		t.Fatalf("expected failed outcome for segment 3, got %+v", got)
	}
	snap, err := h.ledger.Load(context.Background(), "cam1")
	if err != nil {
		t.Fatalf("Load: %v", err)
	}
	if len(snap.Tasks) != 1 || snap.Tasks[0].State != segment.StateFailed || snap.Tasks[0].Key == "" {
		t.Fatalf("expected failed task with key in ledger, got %+v", snap.Tasks)
	}
	if !fileExists(seg.Path) {
		t.Fatal("retained segment must stay on disk")
	}

	flaky := &flakyLedger{Store: ledger.NewMemory(), fail: errors.New("ledger offline")}
	h2 := newHarness(t, storestub.New(), func(cfg *Config) { cfg.Ledger = flaky })
	if err := h2.pipeline.Retain(context.Background(), h2.writeSegment(t, 5, "x"), ErrClosed); err == nil {
		t.Fatal("expected Retain to report a ledger failure")
	}
	if got := h2.results(); len(got) != 1 {
		t.Fatalf("expected outcome reported even when the ledger fails, got %d", len(got))
	}
}
