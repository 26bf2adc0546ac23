//go:build postgres

package ledger

import (
	"context"
	"os"
	"strings"
	"testing"
	"time"

	"camvault/internal/segment"
)

func openPostgresStoreForTest(t *testing.T) *PostgresStore {
	t.Helper()
	dsn := strings.TrimSpace(os.Getenv("CAMVAULT_TEST_POSTGRES_DSN"))
	if dsn == "" {
		t.Skip("CAMVAULT_TEST_POSTGRES_DSN not set")
	}
	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	store, err := NewPostgresStore(ctx, PostgresConfig{DSN: dsn, ApplicationName: "camvault-test"})
	if err != nil {
		t.Fatalf("open postgres ledger: %v", err)
	}
	t.Cleanup(func() {
		cleanupCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		_, _ = store.pool.Exec(cleanupCtx, `DELETE FROM camvault_tasks WHERE stream_id LIKE 'pgtest-%'`)
		_, _ = store.pool.Exec(cleanupCtx, `DELETE FROM camvault_cursors WHERE stream_id LIKE 'pgtest-%'`)
		_ = store.Close(cleanupCtx)
	})
	return store
}

func TestPostgresStoreCursorAndTasks(t *testing.T) {
	store := openPostgresStoreForTest(t)
	ctx := context.Background()
	stream := "pgtest-cam1"

	snap, err := store.Load(ctx, stream)
	if err != nil {
		t.Fatalf("Load: %v", err)
	}
	if snap.HasCursor {
		t.Fatalf("expected no cursor for a fresh stream")
	}

	if err := store.SaveCursor(ctx, stream, 5); err != nil {
		t.Fatalf("SaveCursor: %v", err)
	}
	if err := store.SaveCursor(ctx, stream, 2); err != nil {
		t.Fatalf("SaveCursor: %v", err)
	}
	task := TaskRecord{
		Sequence: 4,
		Path:     "/data/recording_pgtest-cam1_4.mp4",
		Size:     2048,
		Bucket:   "camera-pgtest-cam1",
		Key:      "20240101_120000_pgtest-cam1_segment_4.mp4",
		State:    segment.StateFailed,
		Attempts: 5,
	}
	if err := store.PutTask(ctx, stream, task); err != nil {
		t.Fatalf("PutTask: %v", err)
	}
	task.Attempts = 6
	if err := store.PutTask(ctx, stream, task); err != nil {
		t.Fatalf("PutTask update: %v", err)
	}

	snap, err = store.Load(ctx, stream)
	if err != nil {
		t.Fatalf("Load: %v", err)
	}
	if !snap.HasCursor || snap.NextSequence != 5 {
		t.Fatalf("expected cursor 5, got %+v", snap)
	}
	if len(snap.Tasks) != 1 || snap.Tasks[0].Attempts != 6 || snap.Tasks[0].Key != task.Key {
		t.Fatalf("unexpected tasks %+v", snap.Tasks)
	}

	if err := store.DeleteTask(ctx, stream, 4); err != nil {
		t.Fatalf("DeleteTask: %v", err)
	}
	snap, _ = store.Load(ctx, stream)
	if len(snap.Tasks) != 0 {
		t.Fatalf("expected task to be deleted, got %+v", snap.Tasks)
	}
}
