// Package downloadtest 提供 download.Store 实现通用的一致性测试
package downloadtest

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/z-wentao/courseflow/pkg/apperrors"
	"github.com/z-wentao/courseflow/pkg/download"
	"github.com/z-wentao/courseflow/pkg/logger"
	"github.com/z-wentao/courseflow/pkg/models"
)

type clock struct {
	mu  sync.Mutex
	now time.Time
}

func (c *clock) Now() time.Time {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.now
}

func (c *clock) Advance(d time.Duration) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.now = c.now.Add(d)
}

// RunStoreTests 对 newStore 返回的存储跑全部用例
func RunStoreTests(t *testing.T, newStore func(t *testing.T) download.Store) {
	t.Run("OneInFlightPerMedia", func(t *testing.T) { testOneInFlight(t, newStore(t)) })
	t.Run("ConcurrentTryAcquire", func(t *testing.T) { testConcurrentTryAcquire(t, newStore(t)) })
	t.Run("Lifecycle", func(t *testing.T) { testLifecycle(t, newStore(t)) })
	t.Run("SweepStaleFreesMedia", func(t *testing.T) { testSweepStale(t, newStore(t)) })
}

func newController(store download.Store) (*download.Controller, *clock) {
	c := &clock{now: time.Date(2026, 3, 1, 9, 0, 0, 0, time.UTC)}
	return download.NewController(store, nil, download.WithClock(c.Now), download.WithLogger(logger.Discard())), c
}

func testOneInFlight(t *testing.T, store download.Store) {
	ctl, _ := newController(store)
	ctx := context.Background()

	ok, err := ctl.TryAcquire(ctx, "media-1", "course-1")
	if err != nil || !ok {
		t.Fatalf("first acquire: ok=%v err=%v", ok, err)
	}
	ok, err = ctl.TryAcquire(ctx, "media-1", "course-1")
	if err != nil || ok {
		t.Fatalf("second acquire must be refused: ok=%v err=%v", ok, err)
	}
	ok, err = ctl.TryAcquire(ctx, "media-2", "course-1")
	if err != nil || !ok {
		t.Fatalf("other media must not be blocked: ok=%v err=%v", ok, err)
	}
}

func testConcurrentTryAcquire(t *testing.T, store download.Store) {
	ctl, _ := newController(store)
	ctx := context.Background()

	var (
		wg   sync.WaitGroup
		mu   sync.Mutex
		wins int
	)
	for i := 0; i < 16; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			ok, err := ctl.TryAcquire(ctx, "media-hot", "course-1")
			if err != nil {
				t.Errorf("acquire: %v", err)
				return
			}
			if ok {
				mu.Lock()
				wins++
				mu.Unlock()
			}
		}()
	}
	wg.Wait()
	if wins != 1 {
		t.Fatalf("%d concurrent acquires succeeded, want 1", wins)
	}
}

func testLifecycle(t *testing.T, store download.Store) {
	ctl, _ := newController(store)
	ctx := context.Background()

	if _, err := ctl.MarkStarted(ctx, "media-1"); !errors.Is(err, apperrors.ErrNotFound) {
		t.Fatalf("start without record: err=%v", err)
	}
	if ok, err := ctl.TryAcquire(ctx, "media-1", "course-1"); !ok || err != nil {
		t.Fatalf("acquire: ok=%v err=%v", ok, err)
	}
	if _, err := ctl.MarkCompleted(ctx, "media-1"); !errors.Is(err, apperrors.ErrInvalidTransition) {
		t.Fatalf("complete from queued: err=%v", err)
	}

	rec, err := ctl.MarkStarted(ctx, "media-1")
	if err != nil {
		t.Fatalf("start: %v", err)
	}
	if rec.Status != models.DownloadProcessing || rec.StartedAt == nil || rec.Attempts != 1 {
		t.Fatalf("started record = %+v", rec)
	}

	rec, err = ctl.MarkCompleted(ctx, "media-1")
	if err != nil {
		t.Fatalf("complete: %v", err)
	}
	if rec.Status != models.DownloadCompleted || rec.CompletedAt == nil {
		t.Fatalf("completed record = %+v", rec)
	}

	got, err := ctl.Get(ctx, "media-1")
	if err != nil || got.Status != models.DownloadCompleted {
		t.Fatalf("get after complete: %+v, %v", got, err)
	}

	// 完成后可以再次下载
	if ok, err := ctl.TryAcquire(ctx, "media-1", "course-1"); !ok || err != nil {
		t.Fatalf("acquire after completion: ok=%v err=%v", ok, err)
	}
	rec, err = ctl.MarkFailed(ctx, "media-1", "403 from origin")
	if err != nil || rec.Status != models.DownloadFailed || rec.ErrorMessage != "403 from origin" {
		t.Fatalf("mark failed: %+v, %v", rec, err)
	}
}

func testSweepStale(t *testing.T, store download.Store) {
	ctl, clk := newController(store)
	ctx := context.Background()

	if ok, err := ctl.TryAcquire(ctx, "media-stuck", "course-1"); !ok || err != nil {
		t.Fatalf("acquire: ok=%v err=%v", ok, err)
	}
	if _, err := ctl.MarkStarted(ctx, "media-stuck"); err != nil {
		t.Fatalf("start: %v", err)
	}
	if ok, err := ctl.TryAcquire(ctx, "media-fresh", "course-1"); !ok || err != nil {
		t.Fatalf("acquire: ok=%v err=%v", ok, err)
	}

	clk.Advance(150 * time.Minute)
	if _, err := ctl.MarkStarted(ctx, "media-fresh"); err != nil {
		t.Fatalf("start: %v", err)
	}
	clk.Advance(30 * time.Minute)

	// media-stuck 已 processing 180 分钟，media-fresh 30 分钟
	n, err := ctl.SweepStale(ctx, 120)
	if err != nil {
		t.Fatalf("sweep: %v", err)
	}
	if n != 1 {
		t.Fatalf("swept %d records, want 1", n)
	}

	rec, err := ctl.Get(ctx, "media-stuck")
	if err != nil || rec.Status != models.DownloadFailed || rec.ErrorMessage != download.StaleReason {
		t.Fatalf("stuck record after sweep: %+v, %v", rec, err)
	}
	if ok, err := ctl.TryAcquire(ctx, "media-stuck", "course-1"); !ok || err != nil {
		t.Fatalf("acquire after sweep must succeed: ok=%v err=%v", ok, err)
	}
	if ok, _ := ctl.TryAcquire(ctx, "media-fresh", "course-1"); ok {
		t.Fatalf("fresh download must not be swept")
	}
}
