package queue_test

import (
	"testing"
	"time"

	"github.com/z-wentao/courseflow/pkg/queue"
	"github.com/z-wentao/courseflow/pkg/queue/queuetest"
)

func TestMemoryStore(t *testing.T) {
	queuetest.RunStoreTests(t, func(t *testing.T) queue.Store {
		return queue.NewMemoryStore()
	})
}

func TestVisibilityTimeoutFallback(t *testing.T) {
	s := queue.NewScheduler(queue.NewMemoryStore(),
		queue.WithVisibilityTimeouts(map[string]time.Duration{"transcription": 30 * time.Minute}, 2*time.Minute))
	if got := s.VisibilityTimeout("transcription"); got != 30*time.Minute {
		t.Fatalf("transcription timeout = %v", got)
	}
	if got := s.VisibilityTimeout("unknown"); got != 2*time.Minute {
		t.Fatalf("fallback timeout = %v", got)
	}
}
