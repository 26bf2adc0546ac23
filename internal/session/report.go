package session

import (
	"sort"
	"time"
)

// Report is a point-in-time view of a session. Once the session is terminal
// it is the session's final summary.
type Report struct {
	StreamID      string    `json:"streamId"`
	RunID         string    `json:"runId"`
	Port          int       `json:"port,omitempty"`
	Input         string    `json:"input,omitempty"`
	State         State     `json:"state"`
	StartSequence uint64    `json:"startSequence"`
	NextSequence  uint64    `json:"nextSequence"`
	Uploaded      []uint64  `json:"uploaded"`
	Retained      []uint64  `json:"retained"`
	Lost          []uint64  `json:"lost,omitempty"`
	Skipped       []uint64  `json:"skipped"`
	Empty         []uint64  `json:"empty"`
	RetainedBytes int64     `json:"retainedBytes"`
	Pending       int       `json:"pending"`
	Uploading     bool      `json:"uploading"`
	InFlight      uint64    `json:"inFlight,omitempty"`
	Error         string    `json:"error,omitempty"`
	Err           error     `json:"-"`
	StartedAt     time.Time `json:"startedAt,omitempty"`
	FinishedAt    time.Time `json:"finishedAt,omitempty"`
}

// Undelivered counts segments whose data did not reach object storage.
func (r Report) Undelivered() int {
	return len(r.Retained) + len(r.Lost)
}

// Clean reports a session that stopped on request with every segment
// delivered.
func (r Report) Clean() bool {
	return r.State == StateStopped && r.Undelivered() == 0
}

// Status returns the session's current report.
func (s *Session) Status() Report {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.statusLocked()
}

func (s *Session) statusLocked() Report {
	r := Report{
		StreamID:      s.cfg.Namer.StreamID,
		RunID:         s.runID,
		Port:          s.cfg.Port,
		Input:         s.cfg.Input,
		State:         s.state,
		StartSequence: s.startSeq,
		NextSequence:  s.cursor,
		Uploaded:      sortedCopy(s.uploaded),
		Retained:      sortedCopy(s.retained),
		Lost:          sortedCopy(s.lost),
		Skipped:       sortedCopy(s.skipped),
		Empty:         sortedCopy(s.empty),
		RetainedBytes: s.retainedBytes,
		Err:           s.err,
		StartedAt:     s.startedAt,
		FinishedAt:    s.finishedAt,
	}
	if s.err != nil {
		r.Error = s.err.Error()
	}
	if s.uploads != nil {
		r.Pending = s.uploads.Pending()
		r.InFlight, r.Uploading = s.uploads.InFlight()
	}
	return r
}

func sortedCopy(in []uint64) []uint64 {
	out := make([]uint64, len(in))
	copy(out, in)
	sort.Slice(out, func(i, j int) bool { return out[i] < out[j] })
	return out
}
