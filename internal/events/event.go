// Package events publishes segment and session outcomes to downstream
// consumers.
package events

import "time"

// Type enumerates the published event kinds.
type Type string

const (
	// TypeSegment reports the terminal outcome of one segment.
	TypeSegment Type = "segment"
	// TypeSession reports a session reaching Stopped or Failed.
	TypeSession Type = "session"
)

// Segment outcomes carried by SegmentEvent.Outcome.
const (
	OutcomeUploaded = "uploaded"
	OutcomeFailed   = "failed"
	OutcomeSkipped  = "skipped"
	OutcomeEmpty    = "empty"
)

// Event is the wire representation written to the outcome stream.
type Event struct {
	Type       Type          `json:"type"`
	Segment    *SegmentEvent `json:"segment,omitempty"`
	Session    *SessionEvent `json:"session,omitempty"`
	OccurredAt time.Time     `json:"occurredAt"`
}

// SegmentEvent describes what happened to one sequence number.
type SegmentEvent struct {
	StreamID string `json:"streamId"`
	RunID    string `json:"runId"`
	Sequence uint64 `json:"sequence"`
	Outcome  string `json:"outcome"`
	Bucket   string `json:"bucket,omitempty"`
	Key      string `json:"key,omitempty"`
	Path     string `json:"path,omitempty"`
	Size     int64  `json:"size,omitempty"`
	Attempts int    `json:"attempts,omitempty"`
	Replayed bool   `json:"replayed,omitempty"`
	Error    string `json:"error,omitempty"`
}

// SessionEvent summarises a finished session.
type SessionEvent struct {
	StreamID      string `json:"streamId"`
	RunID         string `json:"runId"`
	State         string `json:"state"`
	Uploaded      int    `json:"uploaded"`
	Retained      int    `json:"retained"`
	Skipped       int    `json:"skipped"`
	RetainedBytes int64  `json:"retainedBytes"`
	Error         string `json:"error,omitempty"`
}
