package session

import (
	"context"
	"errors"
	"os"
	"path/filepath"
	"reflect"
	"sort"
	"strings"
	"sync"
	"testing"
	"time"

	"camvault/internal/detector"
	"camvault/internal/events"
	"camvault/internal/ledger"
	"camvault/internal/media"
	"camvault/internal/observability/metrics"
	"camvault/internal/segment"
	"camvault/internal/testsupport/mediastub"
	"camvault/internal/testsupport/storestub"
	"camvault/internal/uploader"
)

var testNow = time.Date(2024, 1, 1, 12, 0, 0, 0, time.UTC)

type harness struct {
	session   *Session
	media     *mediastub.Pipeline
	store     *storestub.Store
	ledger    ledger.Store
	publisher *events.MemoryPublisher
	namer     segment.Namer
	rec       *metrics.Recorder
}

type harnessOptions struct {
	dir    string
	ledger ledger.Store
	store  *storestub.Store
}

func newHarness(t *testing.T, opts harnessOptions) *harness {
	t.Helper()
	if opts.dir == "" {
		opts.dir = filepath.Join(t.TempDir(), "cam1")
	}
	if opts.ledger == nil {
		opts.ledger = ledger.NewMemory()
	}
	if opts.store == nil {
		opts.store = storestub.New()
	}
	namer, err := segment.NewNamer(opts.dir, "cam1", "camera-")
	if err != nil {
		t.Fatalf("NewNamer: %v", err)
	}
	h := &harness{
		media:     mediastub.New(namer),
		store:     opts.store,
		ledger:    opts.ledger,
		publisher: events.NewMemoryPublisher(0),
		namer:     namer,
		rec:       metrics.New(),
	}
	h.session, err = New(Config{
		Namer:           namer,
		Port:            5000,
		Input:           "udp://0.0.0.0:5000",
		SegmentDuration: time.Minute,
		Media:           h.media,
		Client:          h.store,
		Ledger:          h.ledger,
		Publisher:       h.publisher,
		Detector: DetectorOptions{
			CheckInterval: 10 * time.Millisecond,
			DisableWatch:  true,
		},
		Upload: UploadOptions{
			MaxAttempts:    2,
			InitialBackoff: time.Millisecond,
			MaxBackoff:     2 * time.Millisecond,
		},
		Metrics: h.rec,
		Now:     func() time.Time { return testNow },
	})
	if err != nil {
		t.Fatalf("New: %v", err)
	}
	return h
}

func waitFor(t *testing.T, what string, cond func() bool) {
	t.Helper()
	deadline := time.Now().Add(5 * time.Second)
	for !cond() {
		if time.Now().After(deadline) {
			t.Fatalf("timed out waiting for %s", what)
		}
		time.Sleep(5 * time.Millisecond)
	}
}

func stopSession(t *testing.T, s *Session) Report {
	t.Helper()
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	if err := s.Stop(ctx); err != nil {
		t.Fatalf("Stop: %v", err)
	}
	return s.Status()
}

// placeSegment writes a segment file atomically so the detector never sees
// it half written.
func placeSegment(t *testing.T, namer segment.Namer, seq uint64, size int) {
	t.Helper()
	tmp := filepath.Join(filepath.Dir(namer.Dir), "staging")
	if err := os.WriteFile(tmp, make([]byte, size), 0o644); err != nil {
		t.Fatalf("write segment: %v", err)
	}
	if err := os.Rename(tmp, namer.LocalPath(seq)); err != nil {
		t.Fatalf("place segment: %v", err)
	}
}

func exists(path string) bool {
	_, err := os.Stat(path)
	return err == nil
}

func TestSessionUploadsCompletedSegmentsAndStops(t *testing.T) {
	h := newHarness(t, harnessOptions{})
	if err := h.session.Start(context.Background()); err != nil {
		t.Fatalf("Start: %v", err)
	}
	if got := h.session.State(); got != StateRecording {
		t.Fatalf("expected recording, got %s", got)
	}
	if err := h.media.Write(100); err != nil {
		t.Fatalf("write: %v", err)
	}
	if err := h.media.Rotate(50); err != nil {
		t.Fatalf("rotate: %v", err)
	}

	waitFor(t, "segment 0 upload", func() bool { return len(h.session.Status().Uploaded) == 1 })
	if exists(h.namer.LocalPath(0)) {
		t.Fatalf("expected segment 0 to be deleted after upload")
	}
	if !exists(h.namer.LocalPath(1)) {
		t.Fatalf("open segment must not be touched while recording")
	}

	h.media.FinalBytes = 25
	report := stopSession(t, h.session)
	if report.State != StateStopped || !report.Clean() {
		t.Fatalf("expected clean stop, got %+v", report)
	}
	if !reflect.DeepEqual(report.Uploaded, []uint64{0, 1}) {
		t.Fatalf("expected segments 0 and 1 uploaded, got %v", report.Uploaded)
	}
	if report.NextSequence != 2 {
		t.Fatalf("expected cursor 2, got %d", report.NextSequence)
	}

	keys := h.store.Keys("camera-cam1")
	sort.Strings(keys)
	want := []string{"20240101_120000_cam1_segment_0.mp4", "20240101_120000_cam1_segment_1.mp4"}
	if !reflect.DeepEqual(keys, want) {
		t.Fatalf("unexpected keys %v", keys)
	}
	data, _ := h.store.Object("camera-cam1", want[1])
	if len(data) != 75 {
		t.Fatalf("expected finalized segment of 75 bytes, got %d", len(data))
	}
	if calls := h.store.Calls(); calls.MakeBucket != 1 {
		t.Fatalf("expected one bucket creation, got %d", calls.MakeBucket)
	}

	snap, err := h.ledger.Load(context.Background(), "cam1")
	if err != nil {
		t.Fatalf("Load: %v", err)
	}
	if snap.NextSequence != 2 || len(snap.Tasks) != 0 {
		t.Fatalf("unexpected ledger snapshot %+v", snap)
	}

	published := h.publisher.Events()
	last := published[len(published)-1]
	if last.Type != events.TypeSession || last.Session.State != string(StateStopped) || last.Session.Uploaded != 2 {
		t.Fatalf("unexpected final event %+v", last)
	}
	if h.rec.ActiveSessions() != 0 {
		t.Fatalf("expected no active sessions, got %d", h.rec.ActiveSessions())
	}
}

func TestStopWaitsForInFlightUpload(t *testing.T) {
	h := newHarness(t, harnessOptions{})
	started := make(chan struct{})
	release := make(chan struct{})
	var once sync.Once
	h.store.SetPutHook(func(context.Context, string, string, string) error {
		once.Do(func() { close(started) })
		<-release
		return nil
	})
	if err := h.session.Start(context.Background()); err != nil {
		t.Fatalf("Start: %v", err)
	}
	if err := h.media.Write(10); err != nil {
		t.Fatalf("write: %v", err)
	}

	stopped := make(chan error, 1)
	go func() { stopped <- h.session.Stop(context.Background()) }()

	select {
	case <-started:
	case <-time.After(5 * time.Second):
		t.Fatalf("upload never started")
	}
	select {
	case err := <-stopped:
		t.Fatalf("stop returned before the upload resolved: %v", err)
	case <-time.After(100 * time.Millisecond):
	}
	if got := h.session.State(); got != StateStopping {
		t.Fatalf("expected stopping while upload in flight, got %s", got)
	}

	close(release)
	select {
	case err := <-stopped:
		if err != nil {
			t.Fatalf("Stop: %v", err)
		}
	case <-time.After(5 * time.Second):
		t.Fatalf("stop did not return after upload finished")
	}
	report := h.session.Status()
	if report.State != StateStopped || !reflect.DeepEqual(report.Uploaded, []uint64{0}) {
		t.Fatalf("unexpected report %+v", report)
	}
}

func TestPipelineCrashDrainsCompletedSegments(t *testing.T) {
	h := newHarness(t, harnessOptions{})
	if err := h.session.Start(context.Background()); err != nil {
		t.Fatalf("Start: %v", err)
	}
	if err := h.media.Write(10); err != nil {
		t.Fatalf("write: %v", err)
	}
	if err := h.media.Rotate(20); err != nil {
		t.Fatalf("rotate: %v", err)
	}
	h.media.Crash(nil)

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	report, err := h.session.Wait(ctx)
	if err != nil {
		t.Fatalf("Wait: %v", err)
	}
	if report.State != StateFailed {
		t.Fatalf("expected failed, got %s", report.State)
	}
	if !errors.Is(report.Err, media.ErrUnexpectedExit) {
		t.Fatalf("expected unexpected exit error, got %v", report.Err)
	}
	if !reflect.DeepEqual(report.Uploaded, []uint64{0, 1}) {
		t.Fatalf("expected completed segments drained, got %v", report.Uploaded)
	}
	if report.Clean() {
		t.Fatalf("failed session must not be clean")
	}
	if err := h.session.Stop(context.Background()); err != nil {
		t.Fatalf("stop after failure: %v", err)
	}
	if h.media.StopCalls() != 0 {
		t.Fatalf("crashed pipeline should not be stopped again")
	}
}

func TestStorageOutageRetainsAndNextRunDelivers(t *testing.T) {
	dir := filepath.Join(t.TempDir(), "cam1")
	store, err := ledger.NewFileStore(t.TempDir())
	if err != nil {
		t.Fatalf("NewFileStore: %v", err)
	}
	broken := storestub.New()
	broken.FailAllPuts(storestub.ErrUnavailable)

	first := newHarness(t, harnessOptions{dir: dir, ledger: store, store: broken})
	if err := first.session.Start(context.Background()); err != nil {
		t.Fatalf("Start: %v", err)
	}
	if err := first.media.Write(10); err != nil {
		t.Fatalf("write: %v", err)
	}
	report := stopSession(t, first.session)
	if report.State != StateStopped || report.Clean() {
		t.Fatalf("expected stopped with undelivered segments, got %+v", report)
	}
	if !reflect.DeepEqual(report.Retained, []uint64{0}) || report.RetainedBytes != 10 {
		t.Fatalf("expected segment 0 retained, got %+v", report)
	}
	if !exists(first.namer.LocalPath(0)) {
		t.Fatalf("retained segment must stay on disk")
	}
	snap, err := store.Load(context.Background(), "cam1")
	if err != nil {
		t.Fatalf("Load: %v", err)
	}
	if len(snap.Tasks) != 1 || snap.Tasks[0].State != segment.StateFailed {
		t.Fatalf("expected failed task in ledger, got %+v", snap.Tasks)
	}

	second := newHarness(t, harnessOptions{dir: dir, ledger: store})
	if err := second.session.Start(context.Background()); err != nil {
		t.Fatalf("restart: %v", err)
	}
	if got := second.media.StartSequence(); got != 1 {
		t.Fatalf("expected numbering to resume at 1, got %d", got)
	}
	waitFor(t, "retained segment upload", func() bool { return len(second.session.Status().Uploaded) == 1 })
	report = stopSession(t, second.session)
	if !report.Clean() || !reflect.DeepEqual(report.Uploaded, []uint64{0}) {
		t.Fatalf("expected retained segment delivered, got %+v", report)
	}
	if exists(second.namer.LocalPath(0)) {
		t.Fatalf("delivered segment should be deleted")
	}
	if _, ok := second.store.Object("camera-cam1", snap.Tasks[0].Key); !ok {
		t.Fatalf("expected object stored under the original key %s", snap.Tasks[0].Key)
	}
}

func TestRestartResumesPastFilesOnDisk(t *testing.T) {
	dir := filepath.Join(t.TempDir(), "cam1")
	if err := os.MkdirAll(dir, 0o755); err != nil {
		t.Fatalf("mkdir: %v", err)
	}
	h := newHarness(t, harnessOptions{dir: dir})
	placeSegment(t, h.namer, 3, 10)
	placeSegment(t, h.namer, 4, 5)

	if err := h.session.Start(context.Background()); err != nil {
		t.Fatalf("Start: %v", err)
	}
	if got := h.media.StartSequence(); got != 5 {
		t.Fatalf("expected media to start at 5, got %d", got)
	}
	waitFor(t, "segment 3 upload", func() bool { return len(h.session.Status().Uploaded) == 1 })
	report := stopSession(t, h.session)
	if !reflect.DeepEqual(report.Uploaded, []uint64{3, 4}) {
		t.Fatalf("expected leftover segments uploaded, got %v", report.Uploaded)
	}
	if report.StartSequence != 5 || report.NextSequence != 5 {
		t.Fatalf("unexpected sequence bookkeeping %+v", report)
	}
}

func TestGapsAndEmptySegmentsAreReported(t *testing.T) {
	h := newHarness(t, harnessOptions{})
	if err := h.session.Start(context.Background()); err != nil {
		t.Fatalf("Start: %v", err)
	}
	placeSegment(t, h.namer, 0, 0)
	placeSegment(t, h.namer, 2, 10)
	placeSegment(t, h.namer, 3, 10)

	waitFor(t, "segment 2 upload", func() bool { return len(h.session.Status().Uploaded) == 1 })
	report := stopSession(t, h.session)
	if !reflect.DeepEqual(report.Empty, []uint64{0}) || !reflect.DeepEqual(report.Skipped, []uint64{1}) {
		t.Fatalf("expected 0 empty and 1 skipped, got empty=%v skipped=%v", report.Empty, report.Skipped)
	}
	if !reflect.DeepEqual(report.Uploaded, []uint64{2, 3}) {
		t.Fatalf("expected 2 and 3 uploaded, got %v", report.Uploaded)
	}
	if !exists(h.namer.LocalPath(0)) {
		t.Fatalf("empty segment is left on disk")
	}
	if !report.Clean() {
		t.Fatalf("skips alone do not make a stop unclean: %+v", report)
	}

	outcomes := map[string]int{}
	for _, ev := range h.publisher.Events() {
		if ev.Segment != nil {
			outcomes[ev.Segment.Outcome]++
		}
	}
	if outcomes[events.OutcomeSkipped] != 1 || outcomes[events.OutcomeEmpty] != 1 || outcomes[events.OutcomeUploaded] != 2 {
		t.Fatalf("unexpected published outcomes %v", outcomes)
	}
}

func TestSessionTransitions(t *testing.T) {
	h := newHarness(t, harnessOptions{})
	if err := h.session.Stop(context.Background()); !errors.Is(err, ErrInvalidTransition) {
		t.Fatalf("expected invalid transition stopping an idle session, got %v", err)
	}
	if err := h.session.Start(context.Background()); err != nil {
		t.Fatalf("Start: %v", err)
	}
	if err := h.session.Start(context.Background()); !errors.Is(err, ErrInvalidTransition) {
		t.Fatalf("expected invalid transition on second start, got %v", err)
	}
	stopSession(t, h.session)
	if err := h.session.Start(context.Background()); !errors.Is(err, ErrInvalidTransition) {
		t.Fatalf("a stopped session must not restart, got %v", err)
	}
	if err := h.session.Stop(context.Background()); err != nil {
		t.Fatalf("second stop should be a no-op, got %v", err)
	}
	if h.media.StopCalls() != 1 {
		t.Fatalf("expected one media stop, got %d", h.media.StopCalls())
	}
}

func TestStartFailureMarksSessionFailed(t *testing.T) {
	h := newHarness(t, harnessOptions{})
	h.media.FailStart(errors.New("no input"))
	err := h.session.Start(context.Background())
	if err == nil || !strings.Contains(err.Error(), "no input") {
		t.Fatalf("expected start error, got %v", err)
	}
	select {
	case <-h.session.Done():
	default:
		t.Fatalf("failed start must close Done")
	}
	report := h.session.Status()
	if report.State != StateFailed || !strings.Contains(report.Error, "no input") {
		t.Fatalf("unexpected report %+v", report)
	}
}

func TestForcedCancelRetainsInFlightSegment(t *testing.T) {
	h := newHarness(t, harnessOptions{})
	started := make(chan struct{})
	var once sync.Once
	h.store.SetPutHook(func(ctx context.Context, _, _, _ string) error {
		once.Do(func() { close(started) })
		<-ctx.Done()
		return ctx.Err()
	})
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	if err := h.session.Start(ctx); err != nil {
		t.Fatalf("Start: %v", err)
	}
	if err := h.media.Write(10); err != nil {
		t.Fatalf("write: %v", err)
	}
	stopped := make(chan error, 1)
	go func() { stopped <- h.session.Stop(context.Background()) }()
	select {
	case <-started:
	case <-time.After(5 * time.Second):
		t.Fatalf("upload never started")
	}
	cancel()
	select {
	case err := <-stopped:
		if err != nil {
			t.Fatalf("Stop: %v", err)
		}
	case <-time.After(5 * time.Second):
		t.Fatalf("forced cancel did not end the session")
	}
	report := h.session.Status()
	if report.State != StateStopped || !reflect.DeepEqual(report.Retained, []uint64{0}) {
		t.Fatalf("expected stopped with segment 0 retained, got %+v", report)
	}
	if !exists(h.namer.LocalPath(0)) {
		t.Fatalf("abandoned segment must stay on disk")
	}
}

func TestPlan(t *testing.T) {
	tests := []struct {
		name     string
		snap     ledger.Snapshot
		onDisk   map[uint64]int64
		cursor   uint64
		startSeq uint64
	}{
		{name: "fresh", cursor: 0, startSeq: 0},
		{name: "ledger cursor", snap: ledger.Snapshot{HasCursor: true, NextSequence: 7}, cursor: 7, startSeq: 7},
		{name: "files past cursor", snap: ledger.Snapshot{HasCursor: true, NextSequence: 7}, onDisk: map[uint64]int64{7: 1, 8: 0}, cursor: 7, startSeq: 9},
		{name: "disk only", onDisk: map[uint64]int64{4: 1, 2: 1}, cursor: 2, startSeq: 5},
		{name: "task ahead of cursor", snap: ledger.Snapshot{HasCursor: true, NextSequence: 3, Tasks: []ledger.TaskRecord{{Sequence: 5}}}, cursor: 6, startSeq: 6},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			cursor, start := plan(tt.snap, tt.onDisk)
			if cursor != tt.cursor || start != tt.startSeq {
				t.Fatalf("plan = (%d, %d), want (%d, %d)", cursor, start, tt.cursor, tt.startSeq)
			}
		})
	}
}

type flakyLedger struct {
	ledger.Store
	mu      sync.Mutex
	putErr  error
	cursors []uint64
}

func (l *flakyLedger) PutTask(ctx context.Context, streamID string, task ledger.TaskRecord) error {
	l.mu.Lock()
	err := l.putErr
	l.mu.Unlock()
	if err != nil {
		return err
	}
	return l.Store.PutTask(ctx, streamID, task)
}

func (l *flakyLedger) SaveCursor(ctx context.Context, streamID string, next uint64) error {
	l.mu.Lock()
	l.cursors = append(l.cursors, next)
	l.mu.Unlock()
	return l.Store.SaveCursor(ctx, streamID, next)
}

// closedUploads returns an upload pipeline wired to h's session that no
// longer accepts tasks, as after a forced shutdown.
func closedUploads(t *testing.T, h *harness) *uploader.Pipeline {
	t.Helper()
	if err := os.MkdirAll(h.namer.Dir, 0o755); err != nil {
		t.Fatalf("mkdir: %v", err)
	}
	up, err := uploader.New(uploader.Config{
		Namer:     h.namer,
		Client:    h.store,
		Ledger:    h.ledger,
		Metrics:   h.rec,
		Now:       func() time.Time { return testNow },
		OnOutcome: h.session.onOutcome,
	})
	if err != nil {
		t.Fatalf("uploader.New: %v", err)
	}
	up.Close()
	return up
}

func TestCompletedSegmentRefusedByUploaderIsRetained(t *testing.T) {
	dir := filepath.Join(t.TempDir(), "cam1")
	store, err := ledger.NewFileStore(t.TempDir())
	if err != nil {
		t.Fatalf("NewFileStore: %v", err)
	}
	h := newHarness(t, harnessOptions{dir: dir, ledger: store})
	up := closedUploads(t, h)
	placeSegment(t, h.namer, 3, 12)

	h.session.handle(context.Background(), up, detector.Event{
		Sequence: 3, Kind: detector.KindComplete, Path: h.namer.LocalPath(3), Size: 12, DetectedAt: testNow,
	})

	report := h.session.Status()
	if !reflect.DeepEqual(report.Retained, []uint64{3}) || report.RetainedBytes != 12 {
		t.Fatalf("expected segment 3 retained, got %+v", report)
	}
	if !exists(h.namer.LocalPath(3)) {
		t.Fatal("retained segment must stay on disk")
	}
	var failed bool
	for _, ev := range h.publisher.Events() {
		if ev.Segment != nil && ev.Segment.Sequence == 3 && ev.Segment.Outcome == events.OutcomeFailed {
			failed = true
		}
	}
	if !failed {
		t.Fatalf("expected failed outcome event for segment 3, got %+v", h.publisher.Events())
	}
	snap, err := store.Load(context.Background(), "cam1")
	if err != nil {
		t.Fatalf("Load: %v", err)
	}
	if snap.NextSequence != 4 || len(snap.Tasks) != 1 || snap.Tasks[0].Sequence != 3 || snap.Tasks[0].State != segment.StateFailed {
		t.Fatalf("expected cursor 4 and failed task 3 in ledger, got %+v", snap)
	}

	next := newHarness(t, harnessOptions{dir: dir, ledger: store})
	if err := next.session.Start(context.Background()); err != nil {
		t.Fatalf("restart: %v", err)
	}
	waitFor(t, "retained segment upload", func() bool { return len(next.session.Status().Uploaded) == 1 })
	report = stopSession(t, next.session)
	if !report.Clean() || !reflect.DeepEqual(report.Uploaded, []uint64{3}) {
		t.Fatalf("expected segment 3 delivered by the next run, got %+v", report)
	}
}

func TestUnrecordedSegmentHoldsDurableCursor(t *testing.T) {
	flaky := &flakyLedger{Store: ledger.NewMemory(), putErr: errors.New("ledger offline")}
	h := newHarness(t, harnessOptions{ledger: flaky})
	up := closedUploads(t, h)
	placeSegment(t, h.namer, 3, 12)
	placeSegment(t, h.namer, 4, 12)

	for _, seq := range []uint64{3, 4} {
		h.session.handle(context.Background(), up, detector.Event{
			Sequence: seq, Kind: detector.KindComplete, Path: h.namer.LocalPath(seq), Size: 12, DetectedAt: testNow,
		})
	}

	if got := h.session.Status().Retained; !reflect.DeepEqual(got, []uint64{3, 4}) {
		t.Fatalf("expected both segments reported retained, got %v", got)
	}
	flaky.mu.Lock()
	cursors := append([]uint64(nil), flaky.cursors...)
	flaky.mu.Unlock()
	if !reflect.DeepEqual(cursors, []uint64{3, 3}) {
		t.Fatalf("expected durable cursor held at 3, got %v", cursors)
	}
	if next := h.session.Status().NextSequence; next != 5 {
		t.Fatalf("expected in-memory cursor 5, got %d", next)
	}
}
