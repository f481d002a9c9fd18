package models

import "time"

// WorkItem 队列中的一个工作单元
type WorkItem struct {
	ID            string     `json:"id"`
	Queue         string     `json:"queue"`
	SegmentID     string     `json:"segment_id,omitempty"`
	PipelineID    string     `json:"pipeline_id,omitempty"`
	BatchID       string     `json:"batch_id,omitempty"`
	MediaID       string     `json:"media_id,omitempty"`
	CourseID      string     `json:"course_id,omitempty"`
	Priority      int        `json:"priority"`
	AvailableAt   time.Time  `json:"available_at"`
	ReservedAt    *time.Time `json:"reserved_at,omitempty"`
	ReservationID string     `json:"reservation_id,omitempty"`
	Attempts      int        `json:"attempts"`
	CreatedAt     time.Time  `json:"created_at"`
}

// Visible 在 now 时刻是否可被领取。staleBefore 之前的预留视为已过期。
func (w *WorkItem) Visible(now, staleBefore time.Time) bool {
	if w.AvailableAt.After(now) {
		return false
	}
	return w.ReservedAt == nil || !w.ReservedAt.After(staleBefore)
}

func (w *WorkItem) Clone() *WorkItem {
	c := *w
	c.ReservedAt = cloneTime(w.ReservedAt)
	return &c
}

// QueueStats 队列深度
type QueueStats struct {
	Queue    string `json:"queue"`
	Ready    int    `json:"ready"`    // 可立即领取
	Reserved int    `json:"reserved"` // 已被领取且预留未过期
	Delayed  int    `json:"delayed"`  // 尚未到可见时间
}
