package metrics

import (
	"fmt"
	"io"
	"net/http"
	"sort"
	"strings"
	"sync"
	"sync/atomic"
	"time"
)

type requestLabel struct {
	method string
	path   string
	status string
}

// SegmentLabel keys per-stream segment outcome counters.
type SegmentLabel struct {
	Stream  string
	Outcome string
}

// Recorder aggregates in-memory counters and gauges for the status API,
// session lifecycle, segment outcomes and upload activity. Writers are
// coordinated through a RWMutex; the active session gauge is atomic.
type Recorder struct {
	mu              sync.RWMutex
	requestCount    map[requestLabel]uint64
	requestDuration map[requestLabel]time.Duration
	sessionEvents   map[string]uint64
	segmentOutcomes map[SegmentLabel]uint64
	uploadAttempts  map[string]uint64
	uploadFailures  map[string]uint64
	retainedBytes   map[string]int64
	activeSessions  atomic.Int64
	activeUploads   atomic.Int64
}

var defaultRecorder = New()

// New constructs an empty Recorder ready for use.
func New() *Recorder {
	return &Recorder{
		requestCount:    make(map[requestLabel]uint64),
		requestDuration: make(map[requestLabel]time.Duration),
		sessionEvents:   make(map[string]uint64),
		segmentOutcomes: make(map[SegmentLabel]uint64),
		uploadAttempts:  make(map[string]uint64),
		uploadFailures:  make(map[string]uint64),
		retainedBytes:   make(map[string]int64),
	}
}

// Default returns the process-wide Recorder used by the helper functions.
func Default() *Recorder {
	return defaultRecorder
}

// ObserveRequest accumulates request count and duration by method, normalized
// path and status code.
func (r *Recorder) ObserveRequest(method, path string, status int, duration time.Duration) {
	label := requestLabel{
		method: strings.ToUpper(method),
		path:   normalizePath(path),
		status: fmt.Sprintf("%d", status),
	}
	r.mu.Lock()
	r.requestCount[label]++
	r.requestDuration[label] += duration
	r.mu.Unlock()
}

// SessionStarted records a session start and bumps the active gauge.
func (r *Recorder) SessionStarted() {
	r.incrementSessionEvent("start")
	r.activeSessions.Add(1)
}

// SessionStopped records a clean stop.
func (r *Recorder) SessionStopped() {
	r.incrementSessionEvent("stop")
	r.decrementGauge(&r.activeSessions)
}

// SessionFailed records a session that ended in the failed state.
func (r *Recorder) SessionFailed() {
	r.incrementSessionEvent("fail")
	r.decrementGauge(&r.activeSessions)
}

func (r *Recorder) incrementSessionEvent(event string) {
	normalized := normalizeName(event)
	r.mu.Lock()
	r.sessionEvents[normalized]++
	r.mu.Unlock()
}

// ObserveSegment counts a terminal segment outcome (uploaded, failed, skipped,
// empty) for a stream.
func (r *Recorder) ObserveSegment(stream, outcome string) {
	label := SegmentLabel{Stream: normalizeName(stream), Outcome: normalizeName(outcome)}
	r.mu.Lock()
	r.segmentOutcomes[label]++
	r.mu.Unlock()
}

// ObserveUploadAttempt records one transfer attempt for a stream.
func (r *Recorder) ObserveUploadAttempt(stream string) {
	key := normalizeName(stream)
	r.mu.Lock()
	r.uploadAttempts[key]++
	r.mu.Unlock()
}

// ObserveUploadFailure records a failed transfer attempt. Callers record the
// attempt separately.
func (r *Recorder) ObserveUploadFailure(stream string) {
	key := normalizeName(stream)
	r.mu.Lock()
	r.uploadFailures[key]++
	r.mu.Unlock()
}

// UploadStarted and UploadFinished track transfers currently in flight.
func (r *Recorder) UploadStarted() {
	r.activeUploads.Add(1)
}

func (r *Recorder) UploadFinished() {
	r.decrementGauge(&r.activeUploads)
}

// AddRetainedBytes adjusts the gauge of bytes kept on local disk after a
// failed upload. Negative deltas are clamped at zero.
func (r *Recorder) AddRetainedBytes(stream string, delta int64) {
	key := normalizeName(stream)
	r.mu.Lock()
	next := r.retainedBytes[key] + delta
	if next < 0 {
		next = 0
	}
	r.retainedBytes[key] = next
	r.mu.Unlock()
}

// ActiveSessions exposes the current number of recording sessions.
func (r *Recorder) ActiveSessions() int64 {
	return r.activeSessions.Load()
}

// ActiveUploads exposes the number of transfers in flight.
func (r *Recorder) ActiveUploads() int64 {
	return r.activeUploads.Load()
}

// SegmentCounts returns a copy of the segment outcome counters.
func (r *Recorder) SegmentCounts() map[SegmentLabel]uint64 {
	r.mu.RLock()
	defer r.mu.RUnlock()
	out := make(map[SegmentLabel]uint64, len(r.segmentOutcomes))
	for k, v := range r.segmentOutcomes {
		out[k] = v
	}
	return out
}

// UploadCounts returns copies of upload attempt and failure counters.
func (r *Recorder) UploadCounts() (attempts map[string]uint64, failures map[string]uint64) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	attempts = make(map[string]uint64, len(r.uploadAttempts))
	for k, v := range r.uploadAttempts {
		attempts[k] = v
	}
	failures = make(map[string]uint64, len(r.uploadFailures))
	for k, v := range r.uploadFailures {
		failures[k] = v
	}
	return attempts, failures
}

// RetainedBytes returns the retained byte gauge for a stream.
func (r *Recorder) RetainedBytes(stream string) int64 {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return r.retainedBytes[normalizeName(stream)]
}

// Reset clears all counters and gauges. Intended for tests.
func (r *Recorder) Reset() {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.requestCount = make(map[requestLabel]uint64)
	r.requestDuration = make(map[requestLabel]time.Duration)
	r.sessionEvents = make(map[string]uint64)
	r.segmentOutcomes = make(map[SegmentLabel]uint64)
	r.uploadAttempts = make(map[string]uint64)
	r.uploadFailures = make(map[string]uint64)
	r.retainedBytes = make(map[string]int64)
	r.activeSessions.Store(0)
	r.activeUploads.Store(0)
}

// Handler exposes the Recorder as Prometheus text exposition.
func (r *Recorder) Handler() http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, _ *http.Request) {
		w.Header().Set("Content-Type", "text/plain; version=0.0.4")
		r.Write(w)
	})
}

// Write renders the metrics in Prometheus text format with label sets sorted
// for stable output.
func (r *Recorder) Write(w io.Writer) {
	r.mu.RLock()
	defer r.mu.RUnlock()

	requestLabels := r.sortedRequestLabels()
	sessionEvents := sortedKeys(r.sessionEvents)
	segmentLabels := r.sortedSegmentLabels()
	uploadStreams := r.sortedUploadStreams()
	retainedStreams := sortedKeys(r.retainedBytes)

	fmt.Fprintln(w, "# HELP camvault_http_requests_total Total number of HTTP requests served by the status API")
	fmt.Fprintln(w, "# TYPE camvault_http_requests_total counter")
	for _, label := range requestLabels {
		fmt.Fprintf(w, "camvault_http_requests_total{method=\"%s\",path=\"%s\",status=\"%s\"} %d\n", label.method, label.path, label.status, r.requestCount[label])
	}

	fmt.Fprintln(w, "# HELP camvault_http_request_duration_seconds_sum Cumulative duration of HTTP requests in seconds")
	fmt.Fprintln(w, "# TYPE camvault_http_request_duration_seconds_sum counter")
	for _, label := range requestLabels {
		fmt.Fprintf(w, "camvault_http_request_duration_seconds_sum{method=\"%s\",path=\"%s\",status=\"%s\"} %f\n", label.method, label.path, label.status, r.requestDuration[label].Seconds())
	}

	fmt.Fprintln(w, "# HELP camvault_session_events_total Stream session lifecycle events by type")
	fmt.Fprintln(w, "# TYPE camvault_session_events_total counter")
	for _, event := range sessionEvents {
		fmt.Fprintf(w, "camvault_session_events_total{event=\"%s\"} %d\n", event, r.sessionEvents[event])
	}

	fmt.Fprintln(w, "# HELP camvault_active_sessions Current number of recording sessions")
	fmt.Fprintln(w, "# TYPE camvault_active_sessions gauge")
	fmt.Fprintf(w, "camvault_active_sessions %d\n", r.activeSessions.Load())

	fmt.Fprintln(w, "# HELP camvault_segments_total Segment outcomes by stream")
	fmt.Fprintln(w, "# TYPE camvault_segments_total counter")
	for _, label := range segmentLabels {
		fmt.Fprintf(w, "camvault_segments_total{stream=\"%s\",outcome=\"%s\"} %d\n", label.Stream, label.Outcome, r.segmentOutcomes[label])
	}

	fmt.Fprintln(w, "# HELP camvault_upload_attempts_total Upload attempts by stream")
	fmt.Fprintln(w, "# TYPE camvault_upload_attempts_total counter")
	for _, stream := range uploadStreams {
		fmt.Fprintf(w, "camvault_upload_attempts_total{stream=\"%s\"} %d\n", stream, r.uploadAttempts[stream])
	}

	fmt.Fprintln(w, "# HELP camvault_upload_failures_total Failed upload attempts by stream")
	fmt.Fprintln(w, "# TYPE camvault_upload_failures_total counter")
	for _, stream := range uploadStreams {
		fmt.Fprintf(w, "camvault_upload_failures_total{stream=\"%s\"} %d\n", stream, r.uploadFailures[stream])
	}

	fmt.Fprintln(w, "# HELP camvault_active_uploads Current number of transfers in flight")
	fmt.Fprintln(w, "# TYPE camvault_active_uploads gauge")
	fmt.Fprintf(w, "camvault_active_uploads %d\n", r.activeUploads.Load())

	fmt.Fprintln(w, "# HELP camvault_retained_bytes Bytes kept on local disk after failed uploads")
	fmt.Fprintln(w, "# TYPE camvault_retained_bytes gauge")
	for _, stream := range retainedStreams {
		fmt.Fprintf(w, "camvault_retained_bytes{stream=\"%s\"} %d\n", stream, r.retainedBytes[stream])
	}
}

func (r *Recorder) sortedRequestLabels() []requestLabel {
	labels := make([]requestLabel, 0, len(r.requestCount))
	for label := range r.requestCount {
		labels = append(labels, label)
	}
	sort.Slice(labels, func(i, j int) bool {
		if labels[i].method != labels[j].method {
			return labels[i].method < labels[j].method
		}
		if labels[i].path != labels[j].path {
			return labels[i].path < labels[j].path
		}
		return labels[i].status < labels[j].status
	})
	return labels
}

func (r *Recorder) sortedSegmentLabels() []SegmentLabel {
	labels := make([]SegmentLabel, 0, len(r.segmentOutcomes))
	for label := range r.segmentOutcomes {
		labels = append(labels, label)
	}
	sort.Slice(labels, func(i, j int) bool {
		if labels[i].Stream != labels[j].Stream {
			return labels[i].Stream < labels[j].Stream
		}
		return labels[i].Outcome < labels[j].Outcome
	})
	return labels
}

func (r *Recorder) sortedUploadStreams() []string {
	seen := make(map[string]struct{}, len(r.uploadAttempts)+len(r.uploadFailures))
	for stream := range r.uploadAttempts {
		seen[stream] = struct{}{}
	}
	for stream := range r.uploadFailures {
		seen[stream] = struct{}{}
	}
	return sortedKeys(seen)
}

func sortedKeys[V any](m map[string]V) []string {
	keys := make([]string, 0, len(m))
	for k := range m {
		keys = append(keys, k)
	}
	sort.Strings(keys)
	return keys
}

func normalizePath(path string) string {
	if path == "" || path == "/" {
		return "/"
	}
	normalized := path
	if !strings.HasPrefix(normalized, "/") {
		normalized = "/" + normalized
	}
	if strings.HasSuffix(normalized, "/") && len(normalized) > 1 {
		normalized = strings.TrimSuffix(normalized, "/")
	}
	// Per-stream routes collapse to one label set.
	if strings.HasPrefix(normalized, "/v1/streams/") {
		return "/v1/streams/:id"
	}
	return normalized
}

func (r *Recorder) decrementGauge(gauge *atomic.Int64) {
	for {
		current := gauge.Load()
		if current <= 0 {
			return
		}
		if gauge.CompareAndSwap(current, current-1) {
			return
		}
	}
}

func normalizeName(name string) string {
	normalized := strings.ToLower(strings.TrimSpace(name))
	if normalized == "" {
		return "unknown"
	}
	return normalized
}

// ObserveRequest is a helper on the default recorder.
func ObserveRequest(method, path string, status int, duration time.Duration) {
	defaultRecorder.ObserveRequest(method, path, status, duration)
}

// Handler exposes the default recorder as an HTTP handler.
func Handler() http.Handler {
	return defaultRecorder.Handler()
}
