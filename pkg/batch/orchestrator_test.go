package batch_test

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/z-wentao/courseflow/pkg/apperrors"
	"github.com/z-wentao/courseflow/pkg/batch"
	"github.com/z-wentao/courseflow/pkg/logger"
	"github.com/z-wentao/courseflow/pkg/models"
	"github.com/z-wentao/courseflow/pkg/pipeline"
	"github.com/z-wentao/courseflow/pkg/queue"
	"github.com/z-wentao/courseflow/pkg/storage"
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

type fixture struct {
	store     *storage.MemoryStore
	scheduler *queue.Scheduler
	machine   *pipeline.Machine
	orch      *batch.Orchestrator
	clock     *clock
}

func newFixture(t *testing.T, opts ...batch.Option) *fixture {
	t.Helper()
	c := &clock{now: time.Date(2026, 3, 1, 9, 0, 0, 0, time.UTC)}
	log := logger.Discard()
	store := storage.NewMemoryStore()
	sched := queue.NewScheduler(store, queue.WithClock(c.Now), queue.WithLogger(log))
	machine := pipeline.NewMachine(store, pipeline.WithClock(c.Now), pipeline.WithLogger(log))
	opts = append([]batch.Option{batch.WithClock(c.Now), batch.WithLogger(log)}, opts...)
	return &fixture{
		store:     store,
		scheduler: sched,
		machine:   machine,
		orch:      batch.NewOrchestrator(store, sched, machine, opts...),
		clock:     c,
	}
}

func segments(n int) []string {
	ids := make([]string, n)
	for i := range ids {
		ids[i] = string(rune('a'+i)) + "-seg"
	}
	return ids
}

func (f *fixture) finish(t *testing.T, p *models.SegmentPipeline, ok bool) {
	t.Helper()
	ctx := context.Background()
	if !ok {
		if _, err := f.machine.MarkFailed(ctx, p.ID, "decoder error"); err != nil {
			t.Fatalf("mark failed: %v", err)
		}
		return
	}
	steps := []func() error{
		func() error { _, err := f.machine.StartExtraction(ctx, p.ID); return err },
		func() error {
			_, err := f.machine.CompleteExtraction(ctx, p.ID, pipeline.AudioArtifact{Path: p.SegmentID + ".mp3"})
			return err
		},
		func() error { _, err := f.machine.StartTranscription(ctx, p.ID); return err },
		func() error {
			_, err := f.machine.CompleteTranscription(ctx, p.ID, pipeline.TranscriptArtifact{Text: "text"})
			return err
		},
		func() error { _, err := f.machine.MarkCompleted(ctx, p.ID); return err },
	}
	for _, step := range steps {
		if err := step(); err != nil {
			t.Fatalf("advance %s: %v", p.ID, err)
		}
	}
}

func TestCreateBatchSnapshotsAndEnqueues(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()

	b, err := f.orch.CreateBatch(ctx, batch.CreateRequest{
		CourseID:    "course-1",
		SegmentIDs:  []string{"s1", "s2", "s1", "s3"},
		Priority:    models.PriorityHigh,
		Concurrency: 2,
	})
	if err != nil {
		t.Fatalf("create: %v", err)
	}
	if b.Total != 3 || len(b.SegmentIDs) != 3 || b.SegmentIDs[0] != "s1" || b.SegmentIDs[2] != "s3" {
		t.Fatalf("membership snapshot = %v (total %d)", b.SegmentIDs, b.Total)
	}
	if b.Status != models.BatchProcessing || b.StartedAt == nil {
		t.Fatalf("batch should be processing: %+v", b)
	}
	// ceil(3/2) * 180s
	if b.EstimatedDuration != 360*time.Second {
		t.Fatalf("initial estimate = %v", b.EstimatedDuration)
	}

	stats, err := f.scheduler.Stats(ctx, models.QueueAudioExtraction)
	if err != nil {
		t.Fatalf("stats: %v", err)
	}
	if stats.Ready != 3 {
		t.Fatalf("ready extraction items = %d, want 3", stats.Ready)
	}
	item, err := f.scheduler.DequeueNext(ctx, models.QueueAudioExtraction)
	if err != nil {
		t.Fatalf("dequeue: %v", err)
	}
	if item.Priority != models.PriorityHigh.Weight() || item.BatchID != b.ID || item.PipelineID == "" {
		t.Fatalf("unexpected work item: %+v", item)
	}

	members, err := f.orch.Members(ctx, b.ID)
	if err != nil || len(members) != 3 {
		t.Fatalf("members = %d, %v", len(members), err)
	}
}

func TestCreateBatchValidation(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	cases := map[string]batch.CreateRequest{
		"no course":     {SegmentIDs: []string{"s1"}},
		"no segments":   {CourseID: "c"},
		"empty segment": {CourseID: "c", SegmentIDs: []string{"s1", " "}},
		"negative conc": {CourseID: "c", SegmentIDs: []string{"s1"}, Concurrency: -1},
	}
	for name, req := range cases {
		if _, err := f.orch.CreateBatch(ctx, req); !errors.Is(err, apperrors.ErrInvalidInput) {
			t.Fatalf("%s: err=%v, want ErrInvalidInput", name, err)
		}
	}
}

func TestSevenSucceedThreeFail(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()

	b, err := f.orch.CreateBatch(ctx, batch.CreateRequest{CourseID: "course-1", SegmentIDs: segments(10), Concurrency: 2})
	if err != nil {
		t.Fatalf("create: %v", err)
	}
	members, err := f.orch.Members(ctx, b.ID)
	if err != nil {
		t.Fatalf("members: %v", err)
	}

	closedCount := 0
	for i, p := range members {
		f.clock.Advance(time.Minute)
		f.finish(t, p, i >= 3)

		progress, err := f.orch.RecomputeProgress(ctx, b.ID)
		if err != nil {
			t.Fatalf("recompute: %v", err)
		}
		if progress.Completed+progress.Failed > progress.Total {
			t.Fatalf("completed+failed exceeds total: %+v", progress)
		}
		if progress.Closed {
			closedCount++
		}
	}

	if closedCount != 1 {
		t.Fatalf("terminal transitions = %d, want 1", closedCount)
	}
	final, err := f.orch.Get(ctx, b.ID)
	if err != nil {
		t.Fatalf("get: %v", err)
	}
	if final.Status != models.BatchFailed || final.Completed != 7 || final.Failed != 3 {
		t.Fatalf("final batch = %s completed=%d failed=%d", final.Status, final.Completed, final.Failed)
	}
	if final.CompletedAt == nil || final.ActualDuration != 10*time.Minute {
		t.Fatalf("timing not recorded: completed_at=%v actual=%v", final.CompletedAt, final.ActualDuration)
	}

	// 终态后再次计数不改变任何东西
	again, err := f.orch.RecomputeProgress(ctx, b.ID)
	if err != nil || again.Closed || again.Status != models.BatchFailed {
		t.Fatalf("recompute after close: %+v, %v", again, err)
	}
}

func TestAllSucceededClosesCompleted(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	b, err := f.orch.CreateBatch(ctx, batch.CreateRequest{CourseID: "c", SegmentIDs: segments(3)})
	if err != nil {
		t.Fatalf("create: %v", err)
	}
	members, _ := f.orch.Members(ctx, b.ID)
	for _, p := range members {
		f.finish(t, p, true)
	}

	var (
		wg     sync.WaitGroup
		mu     sync.Mutex
		closed int
	)
	for i := 0; i < 8; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			p, err := f.orch.RecomputeProgress(ctx, b.ID)
			if err != nil {
				t.Errorf("recompute: %v", err)
				return
			}
			if p.Closed {
				mu.Lock()
				closed++
				mu.Unlock()
			}
		}()
	}
	wg.Wait()

	if closed != 1 {
		t.Fatalf("concurrent recomputes closed the batch %d times", closed)
	}
	progress, err := f.orch.Progress(ctx, b.ID)
	if err != nil {
		t.Fatalf("progress: %v", err)
	}
	if progress.Status != models.BatchCompleted || progress.Percent != 100 || progress.EstimatedSecondsRemaining != 0 {
		t.Fatalf("progress = %+v", progress)
	}
}

func TestRetriedSegmentCountsLatestAttempt(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	b, err := f.orch.CreateBatch(ctx, batch.CreateRequest{CourseID: "c", SegmentIDs: segments(2)})
	if err != nil {
		t.Fatalf("create: %v", err)
	}
	members, _ := f.orch.Members(ctx, b.ID)
	f.finish(t, members[0], false)

	retry, err := f.machine.Retry(ctx, members[0].ID)
	if err != nil {
		t.Fatalf("retry: %v", err)
	}
	progress, err := f.orch.RecomputeProgress(ctx, b.ID)
	if err != nil {
		t.Fatalf("recompute: %v", err)
	}
	if progress.Failed != 0 || progress.Total != 2 {
		t.Fatalf("retried segment should no longer count as failed: %+v", progress)
	}

	f.finish(t, retry, true)
	f.finish(t, members[1], true)
	progress, err = f.orch.RecomputeProgress(ctx, b.ID)
	if err != nil {
		t.Fatalf("recompute: %v", err)
	}
	if progress.Status != models.BatchCompleted || progress.Completed != 2 {
		t.Fatalf("progress = %+v", progress)
	}
}

func TestEstimateDuration(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	b, err := f.orch.CreateBatch(ctx, batch.CreateRequest{CourseID: "c", SegmentIDs: segments(10), Concurrency: 3})
	if err != nil {
		t.Fatalf("create: %v", err)
	}

	eta, err := f.orch.EstimateDuration(ctx, b.ID, 60)
	if err != nil {
		t.Fatalf("estimate: %v", err)
	}
	// ceil(10/3) * 60s
	if eta != 240*time.Second {
		t.Fatalf("estimate before progress = %v, want 4m", eta)
	}

	members, _ := f.orch.Members(ctx, b.ID)
	f.finish(t, members[0], true)
	f.finish(t, members[1], false)
	if _, err := f.orch.RecomputeProgress(ctx, b.ID); err != nil {
		t.Fatalf("recompute: %v", err)
	}
	f.clock.Advance(100 * time.Second)

	eta, err = f.orch.EstimateDuration(ctx, b.ID, 60)
	if err != nil {
		t.Fatalf("estimate: %v", err)
	}
	// 100s * 8 remaining / 2 processed
	if eta != 400*time.Second {
		t.Fatalf("estimate after progress = %v, want 400s", eta)
	}
	got, _ := f.orch.Get(ctx, b.ID)
	if got.EstimatedDuration != eta {
		t.Fatalf("estimate not persisted: %v", got.EstimatedDuration)
	}
}

func TestCancelPurgesUnclaimedWork(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	b, err := f.orch.CreateBatch(ctx, batch.CreateRequest{CourseID: "c", SegmentIDs: segments(3)})
	if err != nil {
		t.Fatalf("create: %v", err)
	}

	claimed, err := f.scheduler.DequeueNext(ctx, models.QueueAudioExtraction)
	if err != nil {
		t.Fatalf("dequeue: %v", err)
	}

	progress, err := f.orch.Cancel(ctx, b.ID)
	if err != nil {
		t.Fatalf("cancel: %v", err)
	}
	if progress.Status != models.BatchCancelled {
		t.Fatalf("status = %s", progress.Status)
	}

	if _, err := f.scheduler.DequeueNext(ctx, models.QueueAudioExtraction); !errors.Is(err, queue.ErrQueueEmpty) {
		t.Fatalf("unclaimed items should be purged, err=%v", err)
	}
	if err := f.scheduler.Ack(ctx, claimed); err != nil {
		t.Fatalf("claimed item must still be ackable: %v", err)
	}

	members, _ := f.orch.Members(ctx, b.ID)
	failed := 0
	for _, p := range members {
		if p.ID == claimed.PipelineID {
			if p.Status != models.StatusPending {
				t.Fatalf("claimed pipeline touched by cancel: %s", p.Status)
			}
			continue
		}
		if p.Status == models.StatusFailed && p.ErrorMessage == batch.CancelReason {
			failed++
		}
	}
	if failed != 2 {
		t.Fatalf("purged pipelines marked failed = %d, want 2", failed)
	}

	if _, err := f.orch.Cancel(ctx, b.ID); !errors.Is(err, apperrors.ErrInvalidTransition) {
		t.Fatalf("second cancel: err=%v", err)
	}
	after, err := f.orch.RecomputeProgress(ctx, b.ID)
	if err != nil || after.Status != models.BatchCancelled || after.Closed {
		t.Fatalf("cancelled batch must stay cancelled: %+v, %v", after, err)
	}
}

func TestCancelRecountsMembers(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	b, err := f.orch.CreateBatch(ctx, batch.CreateRequest{CourseID: "c", SegmentIDs: segments(4)})
	if err != nil {
		t.Fatalf("create: %v", err)
	}
	members, err := f.orch.Members(ctx, b.ID)
	if err != nil {
		t.Fatalf("members: %v", err)
	}
	f.finish(t, members[0], true)
	f.finish(t, members[1], false)
	// 不重新计数，让批次记录停留在旧值
	stale, err := f.orch.Get(ctx, b.ID)
	if err != nil || stale.Completed != 0 || stale.Failed != 0 {
		t.Fatalf("batch counted before recompute: %+v, %v", stale, err)
	}

	progress, err := f.orch.Cancel(ctx, b.ID)
	if err != nil {
		t.Fatalf("cancel: %v", err)
	}
	// members[2] 和 members[3] 的提取工作单元被删除并标记失败
	if progress.Completed != 1 || progress.Failed != 3 {
		t.Fatalf("cancel progress = completed %d failed %d, want 1 and 3", progress.Completed, progress.Failed)
	}
	got, err := f.orch.Get(ctx, b.ID)
	if err != nil {
		t.Fatalf("get: %v", err)
	}
	if got.Status != models.BatchCancelled || got.Completed != 1 || got.Failed != 3 {
		t.Fatalf("persisted batch = %s completed %d failed %d", got.Status, got.Completed, got.Failed)
	}
}

func TestAdmitLimitsMembersInFlight(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	b, err := f.orch.CreateBatch(ctx, batch.CreateRequest{CourseID: "c", SegmentIDs: segments(4), Concurrency: 2})
	if err != nil {
		t.Fatalf("create: %v", err)
	}
	members, err := f.orch.Members(ctx, b.ID)
	if err != nil {
		t.Fatalf("members: %v", err)
	}

	admit := func(p *models.SegmentPipeline) bool {
		t.Helper()
		ok, err := f.orch.Admit(ctx, b.ID, p.ID)
		if err != nil {
			t.Fatalf("admit %s: %v", p.SegmentID, err)
		}
		return ok
	}

	for _, p := range members[:2] {
		if !admit(p) {
			t.Fatalf("%s refused with free slots", p.SegmentID)
		}
		if _, err := f.machine.StartExtraction(ctx, p.ID); err != nil {
			t.Fatalf("start: %v", err)
		}
	}
	if admit(members[2]) {
		t.Fatalf("third member admitted with concurrency 2")
	}
	if !admit(members[0]) {
		t.Fatalf("member already in flight must be admitted")
	}

	// 一个成员结束后空出名额
	if _, err := f.machine.MarkFailed(ctx, members[0].ID, "decoder error"); err != nil {
		t.Fatalf("mark failed: %v", err)
	}
	if !admit(members[2]) {
		t.Fatalf("member refused after a slot freed up")
	}
}

type mapCache struct {
	mu    sync.Mutex
	items map[string]*batch.Progress
	hits  int
}

func (c *mapCache) GetProgress(ctx context.Context, id string) (*batch.Progress, bool, error) {
	c.mu.Lock()
	defer c.mu.Unlock()
	p, ok := c.items[id]
	if ok {
		c.hits++
	}
	return p, ok, nil
}

func (c *mapCache) SetProgress(ctx context.Context, p *batch.Progress) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.items[p.BatchID] = p
	return nil
}

func (c *mapCache) InvalidateProgress(ctx context.Context, id string) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	delete(c.items, id)
	return nil
}

func TestProgressReadsThroughCache(t *testing.T) {
	cache := &mapCache{items: make(map[string]*batch.Progress)}
	f := newFixture(t, batch.WithProgressCache(cache))
	ctx := context.Background()
	b, err := f.orch.CreateBatch(ctx, batch.CreateRequest{CourseID: "c", SegmentIDs: segments(2)})
	if err != nil {
		t.Fatalf("create: %v", err)
	}

	if _, err := f.orch.Progress(ctx, b.ID); err != nil {
		t.Fatalf("progress: %v", err)
	}
	if _, err := f.orch.Progress(ctx, b.ID); err != nil {
		t.Fatalf("progress: %v", err)
	}
	if cache.hits != 1 {
		t.Fatalf("cache hits = %d, want 1", cache.hits)
	}

	if _, err := f.orch.Cancel(ctx, b.ID); err != nil {
		t.Fatalf("cancel: %v", err)
	}
	p, err := f.orch.Progress(ctx, b.ID)
	if err != nil || p.Status != models.BatchCancelled {
		t.Fatalf("cancel must invalidate cached progress: %+v, %v", p, err)
	}
}
