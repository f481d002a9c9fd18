package models

import "time"

type DownloadStatus string

const (
	DownloadQueued     DownloadStatus = "queued"
	DownloadProcessing DownloadStatus = "processing"
	DownloadCompleted  DownloadStatus = "completed"
	DownloadFailed     DownloadStatus = "failed"
)

// IsActive queued 或 processing 的记录占用该媒体的下载名额
func (s DownloadStatus) IsActive() bool {
	return s == DownloadQueued || s == DownloadProcessing
}

// DownloadRecord 外部媒体的一次下载记录（去重/并发控制）
type DownloadRecord struct {
	ID           string         `json:"id"`
	MediaID      string         `json:"media_id"`
	CourseID     string         `json:"course_id"`
	Status       DownloadStatus `json:"status"`
	QueuedAt     time.Time      `json:"queued_at"`
	StartedAt    *time.Time     `json:"started_at,omitempty"`
	CompletedAt  *time.Time     `json:"completed_at,omitempty"`
	ErrorMessage string         `json:"error_message,omitempty"`
	Attempts     int            `json:"attempts"`
}

func (d *DownloadRecord) Clone() *DownloadRecord {
	c := *d
	c.StartedAt = cloneTime(d.StartedAt)
	c.CompletedAt = cloneTime(d.CompletedAt)
	return &c
}
