// Package queuetest 提供 queue.Store 实现通用的一致性测试，
// 内存实现和 SQL 实现都跑同一组用例。
package queuetest

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/z-wentao/courseflow/pkg/apperrors"
	"github.com/z-wentao/courseflow/pkg/models"
	"github.com/z-wentao/courseflow/pkg/queue"
)

// Clock 可手动推进的时钟
type Clock struct {
	mu  sync.Mutex
	now time.Time
}

func NewClock() *Clock {
	return &Clock{now: time.Date(2026, 3, 1, 9, 0, 0, 0, time.UTC)}
}

func (c *Clock) Now() time.Time {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.now
}

func (c *Clock) Advance(d time.Duration) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.now = c.now.Add(d)
}

// RunStoreTests 对 newStore 返回的存储跑全部用例
func RunStoreTests(t *testing.T, newStore func(t *testing.T) queue.Store) {
	t.Run("PriorityThenFIFO", func(t *testing.T) { testPriorityThenFIFO(t, newStore(t)) })
	t.Run("VisibilityTimeoutRedelivery", func(t *testing.T) { testVisibilityTimeoutRedelivery(t, newStore(t)) })
	t.Run("ReleaseDelaysWithoutCountingAttempt", func(t *testing.T) { testRelease(t, newStore(t)) })
	t.Run("DelayedEnqueue", func(t *testing.T) { testDelayedEnqueue(t, newStore(t)) })
	t.Run("QueuesAreIsolated", func(t *testing.T) { testQueuesIsolated(t, newStore(t)) })
	t.Run("ConcurrentClaimsAreExclusive", func(t *testing.T) { testConcurrentClaims(t, newStore(t)) })
	t.Run("PurgeBatchKeepsClaimedItems", func(t *testing.T) { testPurgeBatch(t, newStore(t)) })
	t.Run("Stats", func(t *testing.T) { testStats(t, newStore(t)) })
	t.Run("DuplicateIDConflicts", func(t *testing.T) { testDuplicateID(t, newStore(t)) })
}

func newScheduler(store queue.Store, clock *Clock) *queue.Scheduler {
	return queue.NewScheduler(store,
		queue.WithClock(clock.Now),
		queue.WithVisibilityTimeouts(map[string]time.Duration{
			models.QueueAudioExtraction: 5 * time.Minute,
			models.QueueTranscription:   30 * time.Minute,
		}, 5*time.Minute),
	)
}

func mustEnqueue(t *testing.T, s *queue.Scheduler, q string, p queue.Payload, prio models.Priority, notBefore time.Time) *models.WorkItem {
	t.Helper()
	item, err := s.Enqueue(context.Background(), q, p, prio, notBefore)
	if err != nil {
		t.Fatalf("enqueue: %v", err)
	}
	return item
}

func mustDequeue(t *testing.T, s *queue.Scheduler, q string) *models.WorkItem {
	t.Helper()
	item, err := s.DequeueNext(context.Background(), q)
	if err != nil {
		t.Fatalf("dequeue %s: %v", q, err)
	}
	return item
}

func expectEmpty(t *testing.T, s *queue.Scheduler, q string) {
	t.Helper()
	if item, err := s.DequeueNext(context.Background(), q); !errors.Is(err, queue.ErrQueueEmpty) {
		t.Fatalf("expected empty queue, got item=%v err=%v", item, err)
	}
}

func testPriorityThenFIFO(t *testing.T, store queue.Store) {
	clock := NewClock()
	s := newScheduler(store, clock)
	q := models.QueueAudioExtraction

	prios := []models.Priority{models.PriorityLow, models.PriorityHigh, models.PriorityNormal, models.PriorityHigh}
	ids := make([]string, len(prios))
	for i, p := range prios {
		ids[i] = mustEnqueue(t, s, q, queue.Payload{SegmentID: string(rune('a' + i))}, p, time.Time{}).ID
	}

	want := []string{ids[1], ids[3], ids[2], ids[0]}
	for i, w := range want {
		got := mustDequeue(t, s, q)
		if got.ID != w {
			t.Fatalf("dequeue #%d = %s (priority %d), want %s", i, got.ID, got.Priority, w)
		}
	}
	expectEmpty(t, s, q)
}

func testVisibilityTimeoutRedelivery(t *testing.T, store queue.Store) {
	clock := NewClock()
	s := newScheduler(store, clock)
	q := models.QueueAudioExtraction

	mustEnqueue(t, s, q, queue.Payload{PipelineID: "p-1"}, models.PriorityNormal, time.Time{})
	first := mustDequeue(t, s, q)
	if first.Attempts != 1 || first.ReservationID == "" || first.ReservedAt == nil {
		t.Fatalf("unexpected first claim: %+v", first)
	}

	// 预留未过期时不可见
	clock.Advance(4 * time.Minute)
	expectEmpty(t, s, q)

	clock.Advance(2 * time.Minute)
	second := mustDequeue(t, s, q)
	if second.ID != first.ID {
		t.Fatalf("redelivered item = %s, want %s", second.ID, first.ID)
	}
	if second.Attempts != 2 {
		t.Fatalf("attempts after redelivery = %d, want 2", second.Attempts)
	}
	if second.ReservationID == first.ReservationID {
		t.Fatalf("redelivery must issue a new reservation token")
	}

	// 旧的领取者确认应失败
	if err := s.Ack(context.Background(), first); !errors.Is(err, apperrors.ErrStaleReservation) {
		t.Fatalf("ack with stale token: err=%v, want ErrStaleReservation", err)
	}
	if err := s.Ack(context.Background(), second); err != nil {
		t.Fatalf("ack: %v", err)
	}
	clock.Advance(time.Hour)
	expectEmpty(t, s, q)
}

func testRelease(t *testing.T, store queue.Store) {
	clock := NewClock()
	s := newScheduler(store, clock)
	q := models.QueueTranscription

	mustEnqueue(t, s, q, queue.Payload{PipelineID: "p-1"}, models.PriorityNormal, time.Time{})
	claimed := mustDequeue(t, s, q)
	if err := s.Release(context.Background(), claimed, 30*time.Second); err != nil {
		t.Fatalf("release: %v", err)
	}
	expectEmpty(t, s, q)

	clock.Advance(31 * time.Second)
	again := mustDequeue(t, s, q)
	if again.ID != claimed.ID {
		t.Fatalf("released item = %s, want %s", again.ID, claimed.ID)
	}
	if again.Attempts != 1 {
		t.Fatalf("attempts after release = %d, want 1", again.Attempts)
	}

	if err := s.Release(context.Background(), claimed, time.Second); !errors.Is(err, apperrors.ErrStaleReservation) {
		t.Fatalf("release with stale token: err=%v", err)
	}
}

func testDelayedEnqueue(t *testing.T, store queue.Store) {
	clock := NewClock()
	s := newScheduler(store, clock)
	q := models.QueueAudioExtraction

	mustEnqueue(t, s, q, queue.Payload{PipelineID: "later"}, models.PriorityHigh, clock.Now().Add(time.Minute))
	now := mustEnqueue(t, s, q, queue.Payload{PipelineID: "now"}, models.PriorityLow, time.Time{})

	// 延迟可见的高优先级不应抢在已可见的低优先级之前
	if got := mustDequeue(t, s, q); got.ID != now.ID {
		t.Fatalf("dequeued %s, want the immediately available item", got.PipelineID)
	}
	expectEmpty(t, s, q)
	clock.Advance(time.Minute)
	if got := mustDequeue(t, s, q); got.PipelineID != "later" {
		t.Fatalf("dequeued %s, want later", got.PipelineID)
	}
}

func testQueuesIsolated(t *testing.T, store queue.Store) {
	clock := NewClock()
	s := newScheduler(store, clock)

	mustEnqueue(t, s, models.QueueTranscription, queue.Payload{PipelineID: "p-1"}, models.PriorityHigh, time.Time{})
	expectEmpty(t, s, models.QueueAudioExtraction)
	if got := mustDequeue(t, s, models.QueueTranscription); got.PipelineID != "p-1" {
		t.Fatalf("unexpected item %+v", got)
	}
}

func testConcurrentClaims(t *testing.T, store queue.Store) {
	clock := NewClock()
	s := newScheduler(store, clock)
	q := models.QueueAudioExtraction

	const total = 40
	for i := 0; i < total; i++ {
		mustEnqueue(t, s, q, queue.Payload{SegmentID: "s"}, models.PriorityNormal, time.Time{})
	}

	var (
		mu   sync.Mutex
		seen = make(map[string]int)
		wg   sync.WaitGroup
		errs = make(chan error, 8)
	)
	for w := 0; w < 8; w++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			for {
				item, err := s.DequeueNext(context.Background(), q)
				if errors.Is(err, queue.ErrQueueEmpty) {
					return
				}
				if err != nil {
					errs <- err
					return
				}
				mu.Lock()
				seen[item.ID]++
				mu.Unlock()
			}
		}()
	}
	wg.Wait()
	close(errs)
	for err := range errs {
		t.Fatalf("concurrent dequeue: %v", err)
	}

	if len(seen) != total {
		t.Fatalf("claimed %d distinct items, want %d", len(seen), total)
	}
	for id, n := range seen {
		if n != 1 {
			t.Fatalf("item %s claimed %d times", id, n)
		}
	}
}

func testPurgeBatch(t *testing.T, store queue.Store) {
	clock := NewClock()
	s := newScheduler(store, clock)
	q := models.QueueAudioExtraction
	ctx := context.Background()

	mustEnqueue(t, s, q, queue.Payload{BatchID: "b-1", PipelineID: "p-1"}, models.PriorityHigh, time.Time{})
	mustEnqueue(t, s, q, queue.Payload{BatchID: "b-1", PipelineID: "p-2"}, models.PriorityNormal, time.Time{})
	mustEnqueue(t, s, q, queue.Payload{BatchID: "b-2", PipelineID: "p-3"}, models.PriorityLow, time.Time{})

	claimed := mustDequeue(t, s, q)
	if claimed.PipelineID != "p-1" {
		t.Fatalf("claimed %s, want p-1", claimed.PipelineID)
	}

	purged, err := s.PurgeBatch(ctx, "b-1")
	if err != nil {
		t.Fatalf("purge: %v", err)
	}
	if len(purged) != 1 || purged[0].PipelineID != "p-2" {
		t.Fatalf("purged = %+v, want only p-2", purged)
	}

	// 已领取的仍可正常确认
	if err := s.Ack(ctx, claimed); err != nil {
		t.Fatalf("ack claimed item after purge: %v", err)
	}
	if got := mustDequeue(t, s, q); got.PipelineID != "p-3" {
		t.Fatalf("other batch item should remain, got %s", got.PipelineID)
	}
}

func testStats(t *testing.T, store queue.Store) {
	clock := NewClock()
	s := newScheduler(store, clock)
	q := models.QueueTranscription
	ctx := context.Background()

	mustEnqueue(t, s, q, queue.Payload{PipelineID: "ready-1"}, models.PriorityNormal, time.Time{})
	mustEnqueue(t, s, q, queue.Payload{PipelineID: "ready-2"}, models.PriorityNormal, time.Time{})
	mustEnqueue(t, s, q, queue.Payload{PipelineID: "delayed"}, models.PriorityNormal, clock.Now().Add(time.Hour))
	mustDequeue(t, s, q)

	stats, err := s.Stats(ctx, q)
	if err != nil {
		t.Fatalf("stats: %v", err)
	}
	if stats.Ready != 1 || stats.Reserved != 1 || stats.Delayed != 1 {
		t.Fatalf("stats = %+v, want ready=1 reserved=1 delayed=1", stats)
	}
}

func testDuplicateID(t *testing.T, store queue.Store) {
	clock := NewClock()
	s := newScheduler(store, clock)
	ctx := context.Background()
	q := models.QueueTranscription

	p := queue.Payload{ID: "p-1:transcription", PipelineID: "p-1"}
	first := mustEnqueue(t, s, q, p, models.PriorityNormal, time.Time{})
	if first.ID != p.ID {
		t.Fatalf("item id = %s, want %s", first.ID, p.ID)
	}
	if _, err := s.Enqueue(ctx, q, p, models.PriorityHigh, time.Time{}); !errors.Is(err, apperrors.ErrConcurrencyConflict) {
		t.Fatalf("second enqueue: err=%v, want ErrConcurrencyConflict", err)
	}

	got := mustDequeue(t, s, q)
	if got.ID != p.ID || got.Priority != models.PriorityNormal.Weight() {
		t.Fatalf("unexpected item after duplicate enqueue: %+v", got)
	}
	expectEmpty(t, s, q)

	// 确认删除后同一 ID 可以再次入队
	if err := s.Ack(ctx, got); err != nil {
		t.Fatalf("ack: %v", err)
	}
	mustEnqueue(t, s, q, p, models.PriorityNormal, time.Time{})
}
