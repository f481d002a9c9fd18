package pipeline_test

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/z-wentao/courseflow/pkg/apperrors"
	"github.com/z-wentao/courseflow/pkg/logger"
	"github.com/z-wentao/courseflow/pkg/models"
	"github.com/z-wentao/courseflow/pkg/pipeline"
	"github.com/z-wentao/courseflow/pkg/storage"
)

type fakeClock struct {
	mu  sync.Mutex
	now time.Time
}

func (c *fakeClock) Now() time.Time {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.now = c.now.Add(time.Second)
	return c.now
}

func newMachine(t *testing.T) (*pipeline.Machine, *storage.MemoryStore) {
	t.Helper()
	store := storage.NewMemoryStore()
	clock := &fakeClock{now: time.Date(2026, 3, 1, 9, 0, 0, 0, time.UTC)}
	m := pipeline.NewMachine(store, pipeline.WithClock(clock.Now), pipeline.WithLogger(logger.Discard()))
	return m, store
}

func create(t *testing.T, m *pipeline.Machine) *models.SegmentPipeline {
	t.Helper()
	p, err := m.Create(context.Background(), pipeline.NewPipeline{SegmentID: "seg-1", CourseID: "course-1"})
	if err != nil {
		t.Fatalf("create: %v", err)
	}
	return p
}

func TestHappyPathProgressNeverDecreases(t *testing.T) {
	m, _ := newMachine(t)
	ctx := context.Background()
	p := create(t, m)
	if p.Status != models.StatusPending || p.Attempt != 1 || p.Priority != models.PriorityNormal {
		t.Fatalf("unexpected new pipeline: %+v", p)
	}

	steps := []func() (*models.SegmentPipeline, error){
		func() (*models.SegmentPipeline, error) { return m.StartExtraction(ctx, p.ID) },
		func() (*models.SegmentPipeline, error) {
			return m.CompleteExtraction(ctx, p.ID, pipeline.AudioArtifact{Path: "audio/seg-1.mp3", Size: 1024, Duration: 61.5})
		},
		func() (*models.SegmentPipeline, error) { return m.StartTranscription(ctx, p.ID) },
		func() (*models.SegmentPipeline, error) {
			return m.CompleteTranscription(ctx, p.ID, pipeline.TranscriptArtifact{Path: "transcripts/seg-1.vtt", Text: "hello"})
		},
		func() (*models.SegmentPipeline, error) { return m.StartTerminology(ctx, p.ID) },
		func() (*models.SegmentPipeline, error) {
			return m.CompleteTerminology(ctx, p.ID, pipeline.TerminologyArtifact{Count: 3})
		},
	}

	last := p.Progress()
	var cur *models.SegmentPipeline
	for i, step := range steps {
		var err error
		cur, err = step()
		if err != nil {
			t.Fatalf("step %d: %v", i, err)
		}
		if cur.Progress() < last {
			t.Fatalf("step %d: progress went from %d to %d", i, last, cur.Progress())
		}
		last = cur.Progress()
	}

	if cur.Status != models.StatusCompleted || cur.Progress() != 100 {
		t.Fatalf("final state = %s (%d%%)", cur.Status, cur.Progress())
	}
	if cur.AudioPath != "audio/seg-1.mp3" || cur.TranscriptText != "hello" || cur.TermCount != 3 {
		t.Fatalf("artifacts not recorded: %+v", cur)
	}
	for name, ts := range map[string]*time.Time{
		"extraction_started":      cur.ExtractionStartedAt,
		"extraction_completed":    cur.ExtractionCompletedAt,
		"transcription_started":   cur.TranscriptionStartedAt,
		"transcription_completed": cur.TranscriptionCompletedAt,
		"terminology_started":     cur.TerminologyStartedAt,
		"terminology_completed":   cur.TerminologyCompletedAt,
	} {
		if ts == nil {
			t.Fatalf("%s timestamp not set", name)
		}
	}
}

func TestDuplicateStartIsRejectedAndKeepsTimestamp(t *testing.T) {
	m, _ := newMachine(t)
	ctx := context.Background()
	p := create(t, m)

	first, err := m.StartExtraction(ctx, p.ID)
	if err != nil {
		t.Fatalf("start: %v", err)
	}
	if _, err := m.StartExtraction(ctx, p.ID); !errors.Is(err, apperrors.ErrInvalidTransition) {
		t.Fatalf("duplicate start: err=%v, want ErrInvalidTransition", err)
	}

	got, err := m.Get(ctx, p.ID)
	if err != nil {
		t.Fatalf("get: %v", err)
	}
	if !got.ExtractionStartedAt.Equal(*first.ExtractionStartedAt) {
		t.Fatalf("start timestamp overwritten: %v -> %v", first.ExtractionStartedAt, got.ExtractionStartedAt)
	}
}

func TestOutOfOrderTransitionLeavesRowUnchanged(t *testing.T) {
	m, _ := newMachine(t)
	ctx := context.Background()
	p := create(t, m)

	_, err := m.CompleteTranscription(ctx, p.ID, pipeline.TranscriptArtifact{Text: "late"})
	if !errors.Is(err, apperrors.ErrInvalidTransition) {
		t.Fatalf("err=%v, want ErrInvalidTransition", err)
	}
	got, _ := m.Get(ctx, p.ID)
	if got.Status != models.StatusPending || got.TranscriptText != "" {
		t.Fatalf("row changed by rejected transition: %+v", got)
	}
}

func TestTerminalStatesAreImmutable(t *testing.T) {
	m, _ := newMachine(t)
	ctx := context.Background()

	failed := create(t, m)
	if _, err := m.StartExtraction(ctx, failed.ID); err != nil {
		t.Fatalf("start: %v", err)
	}
	got, err := m.MarkFailed(ctx, failed.ID, "ffmpeg: corrupt input")
	if err != nil {
		t.Fatalf("mark failed: %v", err)
	}
	if got.FailedFrom != models.StatusProcessing || got.Progress() != 25 {
		t.Fatalf("failed pipeline: from=%s progress=%d", got.FailedFrom, got.Progress())
	}
	if _, err := m.MarkFailed(ctx, failed.ID, "again"); !errors.Is(err, apperrors.ErrInvalidTransition) {
		t.Fatalf("mark failed twice: err=%v", err)
	}
	if _, err := m.CompleteExtraction(ctx, failed.ID, pipeline.AudioArtifact{Path: "a.mp3"}); !errors.Is(err, apperrors.ErrInvalidTransition) {
		t.Fatalf("late completion on failed pipeline: err=%v", err)
	}

	done := create(t, m)
	for _, step := range []func() error{
		func() error { _, err := m.StartExtraction(ctx, done.ID); return err },
		func() error {
			_, err := m.CompleteExtraction(ctx, done.ID, pipeline.AudioArtifact{Path: "a.mp3"})
			return err
		},
		func() error { _, err := m.StartTranscription(ctx, done.ID); return err },
		func() error {
			_, err := m.CompleteTranscription(ctx, done.ID, pipeline.TranscriptArtifact{Text: "t"})
			return err
		},
		func() error { _, err := m.MarkCompleted(ctx, done.ID); return err },
	} {
		if err := step(); err != nil {
			t.Fatalf("step: %v", err)
		}
	}
	if _, err := m.MarkFailed(ctx, done.ID, "too late"); !errors.Is(err, apperrors.ErrInvalidTransition) {
		t.Fatalf("fail after completed: err=%v", err)
	}
	got, _ = m.Get(ctx, done.ID)
	if got.Status != models.StatusCompleted || got.TerminologyStartedAt != nil {
		t.Fatalf("completed pipeline changed: %+v", got)
	}
}

func TestCompleteExtractionRequiresAudioPath(t *testing.T) {
	m, _ := newMachine(t)
	ctx := context.Background()
	p := create(t, m)
	if _, err := m.StartExtraction(ctx, p.ID); err != nil {
		t.Fatalf("start: %v", err)
	}
	if _, err := m.CompleteExtraction(ctx, p.ID, pipeline.AudioArtifact{}); !errors.Is(err, apperrors.ErrInvalidInput) {
		t.Fatalf("err=%v, want ErrInvalidInput", err)
	}
}

func TestRetryCreatesNewRow(t *testing.T) {
	m, _ := newMachine(t)
	ctx := context.Background()
	p := create(t, m)

	if _, err := m.Retry(ctx, p.ID); !errors.Is(err, apperrors.ErrInvalidTransition) {
		t.Fatalf("retry of pending pipeline: err=%v", err)
	}
	if _, err := m.MarkFailed(ctx, p.ID, "boom"); err != nil {
		t.Fatalf("mark failed: %v", err)
	}

	next, err := m.Retry(ctx, p.ID)
	if err != nil {
		t.Fatalf("retry: %v", err)
	}
	if next.ID == p.ID || next.Attempt != 2 || next.RetryOf != p.ID || next.Status != models.StatusPending {
		t.Fatalf("unexpected retry row: %+v", next)
	}
	if next.SegmentID != p.SegmentID || next.CourseID != p.CourseID {
		t.Fatalf("retry lost segment identity: %+v", next)
	}

	old, err := m.Get(ctx, p.ID)
	if err != nil || old.Status != models.StatusFailed {
		t.Fatalf("original row must be kept as history: %+v, %v", old, err)
	}

	if _, err := m.Retry(ctx, p.ID); !errors.Is(err, apperrors.ErrConcurrencyConflict) {
		t.Fatalf("second retry of same row: err=%v, want ErrConcurrencyConflict", err)
	}
}

func TestConcurrentStartOnlyOneWins(t *testing.T) {
	m, _ := newMachine(t)
	ctx := context.Background()
	p := create(t, m)

	var (
		wg   sync.WaitGroup
		mu   sync.Mutex
		wins int
	)
	for i := 0; i < 16; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			if _, err := m.StartExtraction(ctx, p.ID); err == nil {
				mu.Lock()
				wins++
				mu.Unlock()
			}
		}()
	}
	wg.Wait()
	if wins != 1 {
		t.Fatalf("%d concurrent starts succeeded, want 1", wins)
	}
}

func TestStartStageUnknown(t *testing.T) {
	m, _ := newMachine(t)
	p := create(t, m)
	if _, err := m.StartStage(context.Background(), p.ID, models.StageDownload); !errors.Is(err, apperrors.ErrInvalidInput) {
		t.Fatalf("err=%v", err)
	}
}
