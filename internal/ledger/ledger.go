// Package ledger persists each stream's detection cursor and its unresolved
// upload tasks so a restarted process neither re-emits nor loses segments.
package ledger

import (
	"context"
	"errors"
	"sort"
	"time"

	"camvault/internal/segment"
)

var ErrClosed = errors.New("ledger closed")

// TaskRecord is the durable form of an upload task.
type TaskRecord struct {
	Sequence  uint64        `json:"sequence"`
	Path      string        `json:"path"`
	Size      int64         `json:"size"`
	Bucket    string        `json:"bucket"`
	Key       string        `json:"key"`
	Digest    string        `json:"digest,omitempty"`
	State     segment.State `json:"state"`
	Attempts  int           `json:"attempts"`
	LastError string        `json:"lastError,omitempty"`
	CreatedAt time.Time     `json:"createdAt"`
	UpdatedAt time.Time     `json:"updatedAt"`
}

// Snapshot is everything the ledger knows about one stream.
type Snapshot struct {
	StreamID     string       `json:"streamId"`
	NextSequence uint64       `json:"nextSequence"`
	HasCursor    bool         `json:"hasCursor"`
	Tasks        []TaskRecord `json:"tasks"`
	UpdatedAt    time.Time    `json:"updatedAt"`
}

// Store is implemented by the file and Postgres drivers. All methods are safe
// for concurrent use across streams.
type Store interface {
	Load(ctx context.Context, streamID string) (Snapshot, error)
	SaveCursor(ctx context.Context, streamID string, next uint64) error
	PutTask(ctx context.Context, streamID string, task TaskRecord) error
	DeleteTask(ctx context.Context, streamID string, sequence uint64) error
	Close(ctx context.Context) error
}

func sortTasks(tasks []TaskRecord) {
	sort.Slice(tasks, func(i, j int) bool { return tasks[i].Sequence < tasks[j].Sequence })
}
