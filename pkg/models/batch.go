package models

import "time"

type BatchStatus string

const (
	BatchPending    BatchStatus = "pending"
	BatchProcessing BatchStatus = "processing"
	BatchCompleted  BatchStatus = "completed"
	BatchFailed     BatchStatus = "failed"
	BatchCancelled  BatchStatus = "cancelled"
)

func (s BatchStatus) IsTerminal() bool {
	return s == BatchCompleted || s == BatchFailed || s == BatchCancelled
}

// ProcessingBatch 课程级批量处理请求
// SegmentIDs 在创建时快照，之后不再变化；Completed/Failed 只由重新计数写入。
type ProcessingBatch struct {
	ID                string        `json:"id"`
	CourseID          string        `json:"course_id"`
	RequestedBy       string        `json:"requested_by,omitempty"`
	SegmentIDs        []string      `json:"segment_ids"`
	Priority          Priority      `json:"priority"`
	Concurrency       int           `json:"concurrency"`
	Total             int           `json:"total"`
	Completed         int           `json:"completed"`
	Failed            int           `json:"failed"`
	Status            BatchStatus   `json:"status"`
	StartedAt         *time.Time    `json:"started_at,omitempty"`
	CompletedAt       *time.Time    `json:"completed_at,omitempty"`
	EstimatedDuration time.Duration `json:"estimated_duration"`
	ActualDuration    time.Duration `json:"actual_duration"`
	CreatedAt         time.Time     `json:"created_at"`
	UpdatedAt         time.Time     `json:"updated_at"`
}

func (b *ProcessingBatch) Clone() *ProcessingBatch {
	c := *b
	c.SegmentIDs = append([]string(nil), b.SegmentIDs...)
	c.StartedAt = cloneTime(b.StartedAt)
	c.CompletedAt = cloneTime(b.CompletedAt)
	return &c
}

// MemberCounts 批次成员按每个片段最新一次尝试统计的结果
type MemberCounts struct {
	Total     int
	Completed int
	Failed    int
}
