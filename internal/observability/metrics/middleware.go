package metrics

import (
	"net/http"
	"time"
)

// StatusWriter captures the status code and body size written by a handler.
type StatusWriter struct {
	http.ResponseWriter
	status  int
	written int64
}

// WrapWriter returns w wrapped in a StatusWriter. A handler that never calls
// WriteHeader is reported as 200.
func WrapWriter(w http.ResponseWriter) *StatusWriter {
	if sw, ok := w.(*StatusWriter); ok {
		return sw
	}
	return &StatusWriter{ResponseWriter: w}
}

func (sw *StatusWriter) Status() int {
	if sw.status == 0 {
		return http.StatusOK
	}
	return sw.status
}

// BytesWritten is the number of body bytes passed to Write.
func (sw *StatusWriter) BytesWritten() int64 { return sw.written }

// WriteHeader keeps the first status; net/http ignores later calls too.
func (sw *StatusWriter) WriteHeader(status int) {
	if sw.status == 0 {
		sw.status = status
	}
	sw.ResponseWriter.WriteHeader(status)
}

func (sw *StatusWriter) Write(p []byte) (int, error) {
	if sw.status == 0 {
		sw.status = http.StatusOK
	}
	n, err := sw.ResponseWriter.Write(p)
	sw.written += int64(n)
	return n, err
}

// Unwrap lets http.ResponseController reach the underlying writer.
func (sw *StatusWriter) Unwrap() http.ResponseWriter { return sw.ResponseWriter }

// HTTPMiddleware counts and times every request served by next. A nil
// recorder means Default.
func HTTPMiddleware(recorder *Recorder, next http.Handler) http.Handler {
	if recorder == nil {
		recorder = Default()
	}
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		start := time.Now()
		sw := WrapWriter(w)
		next.ServeHTTP(sw, r)
		recorder.ObserveRequest(r.Method, r.URL.Path, sw.Status(), time.Since(start))
	})
}
