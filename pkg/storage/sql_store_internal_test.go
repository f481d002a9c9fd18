package storage

import (
	"context"
	"errors"
	"fmt"
	"path/filepath"
	"testing"

	"github.com/lib/pq"
)

func TestRebind(t *testing.T) {
	q := "SELECT a FROM t WHERE x = ? AND y IN (?, ?)"
	if got := dialectSQLite.rebind(q); got != q {
		t.Fatalf("sqlite rebind changed query: %s", got)
	}
	want := "SELECT a FROM t WHERE x = $1 AND y IN ($2, $3)"
	if got := dialectPostgres.rebind(q); got != want {
		t.Fatalf("postgres rebind = %s", got)
	}
}

func TestPrefixed(t *testing.T) {
	if got := prefixed("id, queue,\n\tpriority", "w."); got != "w.id, w.queue, w.priority" {
		t.Fatalf("prefixed = %q", got)
	}
}

func TestIsUniqueViolation(t *testing.T) {
	pgErr := fmt.Errorf("插入失败: %w", &pq.Error{Code: "23505", Message: "duplicate key value violates unique constraint"})
	if !isUniqueViolation(pgErr) {
		t.Fatalf("wrapped pq 23505 not detected")
	}
	if isUniqueViolation(&pq.Error{Code: "40001"}) {
		t.Fatalf("serialization failure reported as unique violation")
	}
	if isUniqueViolation(errors.New("UNIQUE constraint failed: work_items.id")) {
		t.Fatalf("plain error text must not count as unique violation")
	}
	if isUniqueViolation(nil) {
		t.Fatalf("nil reported as unique violation")
	}

	store, err := OpenSQLite(filepath.Join(t.TempDir(), "unique.db"))
	if err != nil {
		t.Fatalf("open sqlite: %v", err)
	}
	defer store.Close()
	ctx := context.Background()
	insert := "INSERT INTO work_items (id, queue, priority, available_at, attempts, created_at) VALUES (?, ?, 0, 0, 0, 0)"
	if _, err := store.exec(ctx, store.db, insert, "w-1", "audio_extraction"); err != nil {
		t.Fatalf("first insert: %v", err)
	}
	_, err = store.exec(ctx, store.db, insert, "w-1", "audio_extraction")
	if err == nil || !isUniqueViolation(err) {
		t.Fatalf("duplicate id: err=%v, want sqlite unique violation", err)
	}
	if _, err := store.exec(ctx, store.db, "SELECT * FROM no_such_table"); err == nil || isUniqueViolation(err) {
		t.Fatalf("missing table: err=%v, want non-unique error", err)
	}
}
