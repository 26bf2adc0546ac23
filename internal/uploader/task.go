package uploader

import (
	"encoding/hex"
	"errors"
	"fmt"
	"io"
	"os"
	"strconv"
	"time"

	"golang.org/x/crypto/blake2b"

	"camvault/internal/ledger"
	"camvault/internal/segment"
)

var (
	// ErrTerminal wraps storage failures that retrying cannot fix.
	ErrTerminal = errors.New("terminal upload failure")
	// ErrRetriesExhausted is reported once the attempt budget is spent.
	ErrRetriesExhausted = errors.New("upload retries exhausted")
	// ErrVerifyMismatch means the stored object differs from the local file.
	ErrVerifyMismatch = errors.New("uploaded object does not match local file")
	ErrClosed         = errors.New("upload pipeline closed")
)

const (
	metaStream   = "stream"
	metaSequence = "sequence"
	metaDigest   = "digest"

	contentType = "video/mp4"
)

// Task is one segment's journey to object storage. Key is fixed when the task
// is created so retries and restarts write the same object.
type Task struct {
	StreamID  string
	Sequence  uint64
	Path      string
	Size      int64
	Bucket    string
	Key       string
	Digest    string
	State     segment.State
	Attempts  int
	LastError string
	CreatedAt time.Time
	// Resumed is set for tasks recovered from an earlier run, which may
	// already have reached storage.
	Resumed bool
}

// Outcome is the terminal result of a task. State is StateDeleted after a
// verified upload and local delete, StateUploaded when the local delete
// failed, and StateFailed when the file was retained.
type Outcome struct {
	Task     Task
	State    segment.State
	Err      error
	Replayed bool
}

// Delivered reports whether the object is safely in storage.
func (o Outcome) Delivered() bool {
	return o.State == segment.StateDeleted || o.State == segment.StateUploaded
}

func (t Task) record() ledger.TaskRecord {
	return ledger.TaskRecord{
		Sequence:  t.Sequence,
		Path:      t.Path,
		Size:      t.Size,
		Bucket:    t.Bucket,
		Key:       t.Key,
		Digest:    t.Digest,
		State:     t.State,
		Attempts:  t.Attempts,
		LastError: t.LastError,
		CreatedAt: t.CreatedAt,
	}
}

// TaskFromRecord rebuilds a task persisted by an earlier run.
func TaskFromRecord(streamID string, rec ledger.TaskRecord) Task {
	return Task{
		StreamID:  streamID,
		Sequence:  rec.Sequence,
		Path:      rec.Path,
		Size:      rec.Size,
		Bucket:    rec.Bucket,
		Key:       rec.Key,
		Digest:    rec.Digest,
		State:     rec.State,
		Attempts:  rec.Attempts,
		LastError: rec.LastError,
		CreatedAt: rec.CreatedAt,
		Resumed:   true,
	}
}

func (t Task) metadata() map[string]string {
	meta := map[string]string{
		metaStream:   t.StreamID,
		metaSequence: strconv.FormatUint(t.Sequence, 10),
	}
	if t.Digest != "" {
		meta[metaDigest] = t.Digest
	}
	return meta
}

// fileDigest returns the hex BLAKE2b-256 digest and size of path.
func fileDigest(path string) (string, int64, error) {
	f, err := os.Open(path)
	if err != nil {
		return "", 0, err
	}
	defer f.Close()
	h, err := blake2b.New256(nil)
	if err != nil {
		return "", 0, err
	}
	n, err := io.Copy(h, f)
	if err != nil {
		return "", 0, fmt.Errorf("hash %s: %w", path, err)
	}
	return hex.EncodeToString(h.Sum(nil)), n, nil
}
