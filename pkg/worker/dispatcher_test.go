package worker_test

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/z-wentao/courseflow/pkg/logger"
	"github.com/z-wentao/courseflow/pkg/models"
	"github.com/z-wentao/courseflow/pkg/worker"
)

type fakePublisher struct {
	mu    sync.Mutex
	tasks []*models.StageTask
	err   error
}

func (p *fakePublisher) PublishTask(_ context.Context, task *models.StageTask) error {
	p.mu.Lock()
	defer p.mu.Unlock()
	if p.err != nil {
		return p.err
	}
	p.tasks = append(p.tasks, task)
	return nil
}

func TestDispatchOncePublishesClaimedTask(t *testing.T) {
	f := newFixture(t)
	f.createBatch(t, "s1", "s2")
	pub := &fakePublisher{}
	d := worker.NewDispatcher(f.coord, pub, models.PipelineQueues(), time.Second, logger.Discard())
	ctx := context.Background()

	for i := 0; i < 2; i++ {
		ok, err := d.DispatchOnce(ctx, models.QueueAudioExtraction)
		if err != nil || !ok {
			t.Fatalf("dispatch #%d: ok=%v err=%v", i+1, ok, err)
		}
	}
	ok, err := d.DispatchOnce(ctx, models.QueueAudioExtraction)
	if err != nil || ok {
		t.Fatalf("empty queue: ok=%v err=%v", ok, err)
	}

	if len(pub.tasks) != 2 || pub.tasks[0].ReservationID == "" {
		t.Fatalf("published = %+v", pub.tasks)
	}
	if s := f.stats(t, models.QueueAudioExtraction); s.Reserved != 2 {
		t.Fatalf("published items should stay reserved until the callback: %+v", s)
	}
}

func TestDispatchReleasesOnPublishFailure(t *testing.T) {
	f := newFixture(t)
	f.createBatch(t, "s1")
	pub := &fakePublisher{err: errors.New("channel closed")}
	d := worker.NewDispatcher(f.coord, pub, models.PipelineQueues(), 10*time.Second, logger.Discard())

	if _, err := d.DispatchOnce(context.Background(), models.QueueAudioExtraction); err == nil {
		t.Fatal("expected publish error")
	}
	s := f.stats(t, models.QueueAudioExtraction)
	if s.Reserved != 0 || s.Delayed != 1 {
		t.Fatalf("item should be released with a delay: %+v", s)
	}
}

type fakeSource struct {
	callbacks []*models.StageCallback
	errs      []error
}

func (s *fakeSource) ConsumeCallbacks(ctx context.Context, handler func(context.Context, *models.StageCallback) error) error {
	for _, cb := range s.callbacks {
		s.errs = append(s.errs, handler(ctx, cb))
	}
	<-ctx.Done()
	return nil
}

func TestCallbackConsumerFeedsCoordinator(t *testing.T) {
	f := newFixture(t)
	f.createBatch(t, "s1")
	task := f.claim(t, models.QueueAudioExtraction)

	src := &fakeSource{callbacks: []*models.StageCallback{success(task), {Stage: "bogus"}}}
	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan struct{})
	go func() {
		worker.RunCallbackConsumer(ctx, src, f.coord, logger.Discard())
		close(done)
	}()

	deadline := time.After(2 * time.Second)
	for f.stats(t, models.QueueTranscription).Ready != 1 {
		select {
		case <-deadline:
			t.Fatal("callback was not applied")
		case <-time.After(5 * time.Millisecond):
		}
	}
	cancel()
	<-done

	if len(src.errs) != 2 || src.errs[0] != nil || src.errs[1] == nil {
		t.Fatalf("handler results = %v", src.errs)
	}
}
