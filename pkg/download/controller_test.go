package download_test

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/z-wentao/courseflow/pkg/apperrors"
	"github.com/z-wentao/courseflow/pkg/download"
	"github.com/z-wentao/courseflow/pkg/download/downloadtest"
	"github.com/z-wentao/courseflow/pkg/logger"
	"github.com/z-wentao/courseflow/pkg/models"
	"github.com/z-wentao/courseflow/pkg/queue"
	"github.com/z-wentao/courseflow/pkg/storage"
)

func TestMemoryStore(t *testing.T) {
	downloadtest.RunStoreTests(t, func(t *testing.T) download.Store {
		return storage.NewMemoryStore()
	})
}

func TestRequestEnqueuesOnce(t *testing.T) {
	store := storage.NewMemoryStore()
	sched := queue.NewScheduler(store, queue.WithLogger(logger.Discard()))
	ctl := download.NewController(store, sched, download.WithLogger(logger.Discard()))
	ctx := context.Background()

	rec, err := ctl.Request(ctx, "media-1", "course-1", models.PriorityHigh)
	if err != nil {
		t.Fatalf("request: %v", err)
	}
	if rec.Status != models.DownloadQueued {
		t.Fatalf("record status = %s", rec.Status)
	}
	if _, err := ctl.Request(ctx, "media-1", "course-1", models.PriorityHigh); !errors.Is(err, apperrors.ErrConcurrencyConflict) {
		t.Fatalf("duplicate request: err=%v", err)
	}

	item, err := sched.DequeueNext(ctx, models.QueueMediaDownload)
	if err != nil {
		t.Fatalf("dequeue: %v", err)
	}
	if item.MediaID != "media-1" || item.Priority != models.PriorityHigh.Weight() {
		t.Fatalf("work item = %+v", item)
	}
	if _, err := sched.DequeueNext(ctx, models.QueueMediaDownload); !errors.Is(err, queue.ErrQueueEmpty) {
		t.Fatalf("only one download item expected, err=%v", err)
	}
}

type failingEnqueuer struct{}

func (failingEnqueuer) Enqueue(context.Context, string, queue.Payload, models.Priority, time.Time) (*models.WorkItem, error) {
	return nil, errors.New("database is closed")
}

func TestRequestReleasesSlotWhenEnqueueFails(t *testing.T) {
	store := storage.NewMemoryStore()
	ctl := download.NewController(store, failingEnqueuer{}, download.WithLogger(logger.Discard()))
	ctx := context.Background()

	if _, err := ctl.Request(ctx, "media-1", "course-1", models.PriorityNormal); err == nil {
		t.Fatalf("expected enqueue error")
	}
	ok, err := ctl.TryAcquire(ctx, "media-1", "course-1")
	if err != nil || !ok {
		t.Fatalf("slot should be free after failed enqueue: ok=%v err=%v", ok, err)
	}
}

func TestSweepStaleRejectsBadThreshold(t *testing.T) {
	ctl := download.NewController(storage.NewMemoryStore(), nil, download.WithLogger(logger.Discard()))
	if _, err := ctl.SweepStale(context.Background(), 0); !errors.Is(err, apperrors.ErrInvalidInput) {
		t.Fatalf("err=%v", err)
	}
}
