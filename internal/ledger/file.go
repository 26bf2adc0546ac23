package ledger

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"sync"
	"time"

	"camvault/internal/segment"
)

type streamState struct {
	next      uint64
	hasCursor bool
	tasks     map[uint64]TaskRecord
	updatedAt time.Time
}

// FileStore keeps one JSON document per stream under root and rewrites it
// atomically on every change. A FileStore with an empty root only keeps state
// in memory.
type FileStore struct {
	root string
	now  func() time.Time

	mu      sync.Mutex
	streams map[string]*streamState
	closed  bool
}

// NewFileStore creates root if needed.
func NewFileStore(root string) (*FileStore, error) {
	if strings.TrimSpace(root) == "" {
		return nil, fmt.Errorf("ledger directory is required")
	}
	absRoot, err := filepath.Abs(root)
	if err != nil {
		return nil, err
	}
	if err := os.MkdirAll(absRoot, 0o755); err != nil {
		return nil, fmt.Errorf("create ledger directory: %w", err)
	}
	return &FileStore{root: absRoot, now: time.Now, streams: make(map[string]*streamState)}, nil
}

// NewMemory returns a store that does not survive the process.
func NewMemory() *FileStore {
	return &FileStore{now: time.Now, streams: make(map[string]*streamState)}
}

func (s *FileStore) path(streamID string) string {
	return filepath.Join(s.root, streamID+".json")
}

// state returns the cached stream state, reading it from disk on first use.
// Callers hold s.mu.
func (s *FileStore) state(streamID string) (*streamState, error) {
	if s.closed {
		return nil, ErrClosed
	}
	if err := segment.ValidateStreamID(streamID); err != nil {
		return nil, err
	}
	if st, ok := s.streams[streamID]; ok {
		return st, nil
	}
	st := &streamState{tasks: make(map[uint64]TaskRecord)}
	if s.root != "" {
		data, err := os.ReadFile(s.path(streamID))
		switch {
		case errors.Is(err, os.ErrNotExist):
		case err != nil:
			return nil, fmt.Errorf("read ledger %s: %w", streamID, err)
		default:
			var snap Snapshot
			if err := json.Unmarshal(data, &snap); err != nil {
				return nil, fmt.Errorf("decode ledger %s: %w", streamID, err)
			}
			st.next = snap.NextSequence
			st.hasCursor = snap.HasCursor
			st.updatedAt = snap.UpdatedAt
			for _, task := range snap.Tasks {
				st.tasks[task.Sequence] = task
			}
		}
	}
	s.streams[streamID] = st
	return st, nil
}

func (s *FileStore) snapshot(streamID string, st *streamState) Snapshot {
	snap := Snapshot{
		StreamID:     streamID,
		NextSequence: st.next,
		HasCursor:    st.hasCursor,
		UpdatedAt:    st.updatedAt,
		Tasks:        make([]TaskRecord, 0, len(st.tasks)),
	}
	for _, task := range st.tasks {
		snap.Tasks = append(snap.Tasks, task)
	}
	sortTasks(snap.Tasks)
	return snap
}

func (s *FileStore) persist(streamID string, st *streamState) error {
	st.updatedAt = s.now().UTC()
	if s.root == "" {
		return nil
	}
	if err := writeJSONFile(s.path(streamID), s.snapshot(streamID, st)); err != nil {
		return fmt.Errorf("write ledger %s: %w", streamID, err)
	}
	return nil
}

func (s *FileStore) Load(_ context.Context, streamID string) (Snapshot, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	st, err := s.state(streamID)
	if err != nil {
		return Snapshot{}, err
	}
	return s.snapshot(streamID, st), nil
}

// SaveCursor records the next sequence to examine. The cursor never moves
// backwards.
func (s *FileStore) SaveCursor(_ context.Context, streamID string, next uint64) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	st, err := s.state(streamID)
	if err != nil {
		return err
	}
	if st.hasCursor && next <= st.next {
		return nil
	}
	st.next = next
	st.hasCursor = true
	return s.persist(streamID, st)
}

func (s *FileStore) PutTask(_ context.Context, streamID string, task TaskRecord) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	st, err := s.state(streamID)
	if err != nil {
		return err
	}
	if task.UpdatedAt.IsZero() {
		task.UpdatedAt = s.now().UTC()
	}
	st.tasks[task.Sequence] = task
	return s.persist(streamID, st)
}

func (s *FileStore) DeleteTask(_ context.Context, streamID string, sequence uint64) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	st, err := s.state(streamID)
	if err != nil {
		return err
	}
	if _, ok := st.tasks[sequence]; !ok {
		return nil
	}
	delete(st.tasks, sequence)
	return s.persist(streamID, st)
}

func (s *FileStore) Close(context.Context) error {
	s.mu.Lock()
	s.closed = true
	s.mu.Unlock()
	return nil
}

func writeJSONFile(path string, payload any) error {
	tmp, err := os.CreateTemp(filepath.Dir(path), "ledger-*.tmp")
	if err != nil {
		return err
	}
	encoder := json.NewEncoder(tmp)
	encoder.SetIndent("", "  ")
	if err := encoder.Encode(payload); err != nil {
		tmp.Close()
		os.Remove(tmp.Name())
		return err
	}
	if err := tmp.Sync(); err != nil {
		tmp.Close()
		os.Remove(tmp.Name())
		return err
	}
	if err := tmp.Close(); err != nil {
		os.Remove(tmp.Name())
		return err
	}
	return os.Rename(tmp.Name(), path)
}
