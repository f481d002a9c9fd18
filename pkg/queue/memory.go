package queue

import (
	"context"
	"sync"
	"time"

	"github.com/z-wentao/courseflow/pkg/apperrors"
	"github.com/z-wentao/courseflow/pkg/models"
)

// MemoryStore 基于互斥锁的内存工作单元存储
// 领取在同一把锁内完成选择和预留，满足原子领取语义；适用于单进程部署和测试。
type MemoryStore struct {
	mu    sync.Mutex
	items map[string]*memoryItem
	seq   uint64
}

type memoryItem struct {
	item *models.WorkItem
	seq  uint64 // 插入顺序，AvailableAt 相同时保证先进先出
}

func NewMemoryStore() *MemoryStore {
	return &MemoryStore{items: make(map[string]*memoryItem)}
}

func (m *MemoryStore) InsertWorkItem(_ context.Context, item *models.WorkItem) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	if _, ok := m.items[item.ID]; ok {
		return apperrors.E("queue.Enqueue", apperrors.ErrConcurrencyConflict, "work item "+item.ID+" already exists", nil)
	}
	m.seq++
	m.items[item.ID] = &memoryItem{item: item.Clone(), seq: m.seq}
	return nil
}

func (m *MemoryStore) ClaimWorkItem(_ context.Context, queue string, now, staleBefore time.Time, reservationID string) (*models.WorkItem, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	var best *memoryItem
	for _, mi := range m.items {
		if mi.item.Queue != queue || !mi.item.Visible(now, staleBefore) {
			continue
		}
		if best == nil || before(mi, best) {
			best = mi
		}
	}
	if best == nil {
		return nil, nil
	}

	reservedAt := now
	best.item.ReservedAt = &reservedAt
	best.item.ReservationID = reservationID
	best.item.Attempts++
	return best.item.Clone(), nil
}

// before 优先级高者在前，其次 AvailableAt 早者在前，最后按插入顺序
func before(a, b *memoryItem) bool {
	if a.item.Priority != b.item.Priority {
		return a.item.Priority > b.item.Priority
	}
	if !a.item.AvailableAt.Equal(b.item.AvailableAt) {
		return a.item.AvailableAt.Before(b.item.AvailableAt)
	}
	return a.seq < b.seq
}

func (m *MemoryStore) DeleteWorkItem(_ context.Context, id, reservationID string) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	mi, ok := m.items[id]
	if !ok || mi.item.ReservationID != reservationID {
		return apperrors.E("queue.Ack", apperrors.ErrStaleReservation, "reservation no longer held", nil)
	}
	delete(m.items, id)
	return nil
}

func (m *MemoryStore) ReleaseWorkItem(_ context.Context, id, reservationID string, availableAt time.Time) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	mi, ok := m.items[id]
	if !ok || mi.item.ReservationID != reservationID || mi.item.ReservedAt == nil {
		return apperrors.E("queue.Release", apperrors.ErrStaleReservation, "reservation no longer held", nil)
	}
	mi.item.ReservedAt = nil
	mi.item.ReservationID = ""
	mi.item.AvailableAt = availableAt
	if mi.item.Attempts > 0 {
		mi.item.Attempts--
	}
	return nil
}

func (m *MemoryStore) PurgeBatchWorkItems(_ context.Context, batchID string, staleBefore func(queue string) time.Time) ([]*models.WorkItem, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	var purged []*models.WorkItem
	for id, mi := range m.items {
		if mi.item.BatchID != batchID {
			continue
		}
		if mi.item.ReservedAt != nil && mi.item.ReservedAt.After(staleBefore(mi.item.Queue)) {
			continue // 已领取，允许完成
		}
		purged = append(purged, mi.item.Clone())
		delete(m.items, id)
	}
	return purged, nil
}

func (m *MemoryStore) QueueStats(_ context.Context, queue string, now, staleBefore time.Time) (models.QueueStats, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	stats := models.QueueStats{Queue: queue}
	for _, mi := range m.items {
		if mi.item.Queue != queue {
			continue
		}
		switch {
		case mi.item.ReservedAt != nil && mi.item.ReservedAt.After(staleBefore):
			stats.Reserved++
		case mi.item.AvailableAt.After(now):
			stats.Delayed++
		default:
			stats.Ready++
		}
	}
	return stats, nil
}
