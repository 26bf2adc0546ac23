// Package segment describes recorded segment files and the deterministic
// naming that maps a stream's sequence numbers onto local files, remote
// object keys and per-stream buckets.
package segment

import (
	"time"
)

// State tracks where a segment is in its lifecycle.
type State string

const (
	StateWriting   State = "writing"
	StateComplete  State = "complete"
	StateUploading State = "uploading"
	StateUploaded  State = "uploaded"
	StateDeleted   State = "deleted"
	StateFailed    State = "failed"
	StateSkipped   State = "skipped"
)

// Terminal reports whether no further transitions are expected for the state.
func (s State) Terminal() bool {
	switch s {
	case StateDeleted, StateFailed, StateSkipped:
		return true
	default:
		return false
	}
}

// Segment is one bounded-duration file produced by the media pipeline.
type Segment struct {
	StreamID  string    `json:"streamId"`
	Sequence  uint64    `json:"sequence"`
	Path      string    `json:"path"`
	Size      int64     `json:"size"`
	State     State     `json:"state"`
	UpdatedAt time.Time `json:"updatedAt"`
}
