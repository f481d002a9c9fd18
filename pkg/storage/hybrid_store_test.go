package storage_test

import (
	"context"
	"errors"
	"os"
	"sync"
	"testing"
	"time"

	"github.com/redis/go-redis/v9"

	"github.com/z-wentao/courseflow/pkg/batch"
	"github.com/z-wentao/courseflow/pkg/config"
	"github.com/z-wentao/courseflow/pkg/download"
	"github.com/z-wentao/courseflow/pkg/download/downloadtest"
	"github.com/z-wentao/courseflow/pkg/logger"
	"github.com/z-wentao/courseflow/pkg/models"
	"github.com/z-wentao/courseflow/pkg/storage"
)

// fakeGate 内存版门闩
type fakeGate struct {
	mu     sync.Mutex
	owners map[string]string
	down   bool
}

func newFakeGate() *fakeGate {
	return &fakeGate{owners: make(map[string]string)}
}

func (g *fakeGate) Acquire(_ context.Context, mediaID, owner string) (bool, error) {
	g.mu.Lock()
	defer g.mu.Unlock()
	if g.down {
		return false, errors.New("connection refused")
	}
	if _, held := g.owners[mediaID]; held {
		return false, nil
	}
	g.owners[mediaID] = owner
	return true, nil
}

func (g *fakeGate) Takeover(_ context.Context, mediaID, owner string) error {
	g.mu.Lock()
	defer g.mu.Unlock()
	g.owners[mediaID] = owner
	return nil
}

func (g *fakeGate) Release(_ context.Context, mediaID string) error {
	g.mu.Lock()
	defer g.mu.Unlock()
	if g.down {
		return errors.New("connection refused")
	}
	delete(g.owners, mediaID)
	return nil
}

func (g *fakeGate) held(mediaID string) bool {
	g.mu.Lock()
	defer g.mu.Unlock()
	_, ok := g.owners[mediaID]
	return ok
}

func TestHybridDownloadStore(t *testing.T) {
	downloadtest.RunStoreTests(t, func(t *testing.T) download.Store {
		return storage.NewHybridDownloadStore(newFakeGate(), storage.NewMemoryStore(), logger.Discard())
	})
}

func TestHybridReleasesGateOnTerminalStatus(t *testing.T) {
	gate := newFakeGate()
	store := storage.NewHybridDownloadStore(gate, newSQLite(t), logger.Discard())
	ctl := download.NewController(store, nil, download.WithLogger(logger.Discard()))
	ctx := context.Background()

	if ok, err := ctl.TryAcquire(ctx, "media-1", "course-1"); err != nil || !ok {
		t.Fatalf("acquire: ok=%v err=%v", ok, err)
	}
	if !gate.held("media-1") {
		t.Fatal("gate should be held while the download is active")
	}
	if _, err := ctl.MarkStarted(ctx, "media-1"); err != nil {
		t.Fatalf("start: %v", err)
	}
	if _, err := ctl.MarkCompleted(ctx, "media-1"); err != nil {
		t.Fatalf("complete: %v", err)
	}
	if gate.held("media-1") {
		t.Fatal("gate should be released after completion")
	}
}

func TestHybridRecoversFromLeftoverGate(t *testing.T) {
	gate := newFakeGate()
	gate.owners["media-1"] = "crashed-request"
	store := storage.NewHybridDownloadStore(gate, storage.NewMemoryStore(), logger.Discard())
	ctl := download.NewController(store, nil, download.WithLogger(logger.Discard()))

	ctx := context.Background()
	ok, err := ctl.TryAcquire(ctx, "media-1", "course-1")
	if err != nil || !ok {
		t.Fatalf("acquire with leftover gate: ok=%v err=%v", ok, err)
	}
	rec, err := ctl.Get(ctx, "media-1")
	if err != nil {
		t.Fatalf("get: %v", err)
	}
	if gate.owners["media-1"] != rec.ID {
		t.Fatalf("gate owner = %s, want %s", gate.owners["media-1"], rec.ID)
	}
}

func TestHybridFallsBackWhenRedisIsDown(t *testing.T) {
	gate := newFakeGate()
	gate.down = true
	store := storage.NewHybridDownloadStore(gate, newSQLite(t), logger.Discard())
	ctl := download.NewController(store, nil, download.WithLogger(logger.Discard()))
	ctx := context.Background()

	if ok, err := ctl.TryAcquire(ctx, "media-1", "course-1"); err != nil || !ok {
		t.Fatalf("first acquire: ok=%v err=%v", ok, err)
	}
	if ok, err := ctl.TryAcquire(ctx, "media-1", "course-1"); err != nil || ok {
		t.Fatalf("duplicate acquire must still be rejected: ok=%v err=%v", ok, err)
	}
}

func TestRedisBackends(t *testing.T) {
	addr := os.Getenv("REDIS_ADDR")
	if addr == "" {
		t.Skip("REDIS_ADDR 未设置，跳过 Redis 集成测试")
	}

	cfg := config.Default()
	cfg.Redis.Enabled = true
	cfg.Redis.Addr = addr
	cfg.Redis.KeyPrefix = "courseflow-test-" + time.Now().Format("150405.000000")
	ctx := context.Background()

	backends, err := storage.Open(ctx, cfg, logger.Discard())
	if err != nil {
		t.Fatalf("open: %v", err)
	}
	defer backends.Close()

	if _, ok, err := backends.Progress.GetProgress(ctx, "batch-1"); err != nil || ok {
		t.Fatalf("empty cache: ok=%v err=%v", ok, err)
	}
	want := &batch.Progress{BatchID: "batch-1", CourseID: "course-1", Status: models.BatchProcessing, Total: 4, Completed: 1, Percent: 25}
	if err := backends.Progress.SetProgress(ctx, want); err != nil {
		t.Fatalf("set: %v", err)
	}
	got, ok, err := backends.Progress.GetProgress(ctx, "batch-1")
	if err != nil || !ok || got.Completed != 1 || got.Percent != 25 {
		t.Fatalf("get = %+v ok=%v err=%v", got, ok, err)
	}
	if err := backends.Progress.InvalidateProgress(ctx, "batch-1"); err != nil {
		t.Fatalf("invalidate: %v", err)
	}
	if _, ok, _ := backends.Progress.GetProgress(ctx, "batch-1"); ok {
		t.Fatal("progress should be gone after invalidation")
	}

	downloadtest.RunStoreTests(t, func(t *testing.T) download.Store {
		return storage.NewHybridDownloadStore(
			storage.NewRedisDownloadGate(mustRedis(t, cfg), cfg.Redis.KeyPrefix+"-"+t.Name(), time.Hour),
			storage.NewMemoryStore(), logger.Discard())
	})
}

func mustRedis(t *testing.T, cfg *config.Config) *redis.Client {
	t.Helper()
	client, err := storage.NewRedisClient(context.Background(), cfg.Redis)
	if err != nil {
		t.Fatalf("redis: %v", err)
	}
	t.Cleanup(func() { client.Close() })
	return client
}
