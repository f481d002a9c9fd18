package models

import (
	"testing"
	"time"
)

func TestPriorityWeights(t *testing.T) {
	if PriorityHigh.Weight() != 10 || PriorityNormal.Weight() != 0 || PriorityLow.Weight() != -1 {
		t.Fatalf("unexpected weights: high=%d normal=%d low=%d",
			PriorityHigh.Weight(), PriorityNormal.Weight(), PriorityLow.Weight())
	}
	p, err := ParsePriority("")
	if err != nil || p != PriorityNormal {
		t.Fatalf("ParsePriority(\"\") = %q, %v", p, err)
	}
	if p, err := ParsePriority(" HIGH "); err != nil || p != PriorityHigh {
		t.Fatalf("ParsePriority(HIGH) = %q, %v", p, err)
	}
	if _, err := ParsePriority("urgent"); err == nil {
		t.Fatalf("expected error for unknown priority")
	}
}

func TestProgressMonotonicAlongHappyPath(t *testing.T) {
	path := []PipelineStatus{
		StatusPending,
		StatusProcessing,
		StatusAudioExtracted,
		StatusTranscribing,
		StatusTranscribed,
		StatusProcessingTerminology,
		StatusCompleted,
	}
	want := []int{0, 25, 40, 60, 75, 85, 100}
	for i, s := range path {
		if got := ProgressFor(s, ""); got != want[i] {
			t.Fatalf("ProgressFor(%s) = %d, want %d", s, got, want[i])
		}
	}
}

func TestProgressOfFailedKeepsStageReached(t *testing.T) {
	for _, from := range []PipelineStatus{StatusPending, StatusTranscribing, StatusProcessingTerminology} {
		before := ProgressFor(from, "")
		after := ProgressFor(StatusFailed, from)
		if after < before {
			t.Fatalf("progress dropped from %d to %d when failing from %s", before, after, from)
		}
	}
}

func TestStageChain(t *testing.T) {
	next, ok := StageExtraction.Next()
	if !ok || next != StageTranscription {
		t.Fatalf("extraction.Next() = %s, %v", next, ok)
	}
	if _, ok := StageTerminology.Next(); ok {
		t.Fatalf("terminology should be the last stage")
	}
	if s, ok := StageForQueue(QueueTranscription); !ok || s != StageTranscription {
		t.Fatalf("StageForQueue(transcription) = %s, %v", s, ok)
	}
}

func TestWorkItemVisible(t *testing.T) {
	now := time.Now()
	item := &WorkItem{AvailableAt: now.Add(-time.Second)}
	if !item.Visible(now, now.Add(-time.Minute)) {
		t.Fatalf("unreserved available item should be visible")
	}
	future := &WorkItem{AvailableAt: now.Add(time.Minute)}
	if future.Visible(now, now.Add(-time.Minute)) {
		t.Fatalf("delayed item should not be visible")
	}
	reservedAt := now.Add(-30 * time.Second)
	item.ReservedAt = &reservedAt
	if item.Visible(now, now.Add(-time.Minute)) {
		t.Fatalf("live reservation should hide the item")
	}
	if !item.Visible(now, now.Add(-10*time.Second)) {
		t.Fatalf("expired reservation should make the item visible again")
	}
}
