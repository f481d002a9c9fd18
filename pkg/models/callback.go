package models

import (
	"encoding/json"
	"time"
)

// Outcome 阶段执行结果
type Outcome string

const (
	OutcomeSuccess Outcome = "success"
	OutcomeFailure Outcome = "failure" // 不可恢复，流水线标记为 failed
	OutcomeRetry   Outcome = "retry"   // 暂时性失败，延迟后重新投递
)

// StageTask 派发给外部 Worker 的阶段任务
type StageTask struct {
	WorkItemID    string    `json:"work_item_id"`
	ReservationID string    `json:"reservation_id"`
	Queue         string    `json:"queue"`
	Stage         Stage     `json:"stage"`
	PipelineID    string    `json:"pipeline_id,omitempty"`
	SegmentID     string    `json:"segment_id,omitempty"`
	CourseID      string    `json:"course_id,omitempty"`
	BatchID       string    `json:"batch_id,omitempty"`
	MediaID       string    `json:"media_id,omitempty"`
	Attempts      int       `json:"attempts"`
	ReservedUntil time.Time `json:"reserved_until"`

	// 上一阶段产物
	SourceURL      string `json:"source_url,omitempty"` // 已签名的源视频地址
	AudioPath      string `json:"audio_path,omitempty"`
	TranscriptPath string `json:"transcript_path,omitempty"`
	TranscriptText string `json:"transcript_text,omitempty"`
}

// StageCallback 外部 Worker 上报的阶段结果，HTTP 与 RabbitMQ 共用
type StageCallback struct {
	PipelineID    string  `json:"pipeline_id"`
	Stage         Stage   `json:"stage"`
	Outcome       Outcome `json:"outcome"`
	WorkItemID    string  `json:"work_item_id,omitempty"`
	ReservationID string  `json:"reservation_id,omitempty"`

	AudioPath     string  `json:"audio_path,omitempty"`
	AudioSize     int64   `json:"audio_size,omitempty"`
	AudioDuration float64 `json:"audio_duration,omitempty"`

	TranscriptPath string          `json:"transcript_path,omitempty"`
	TranscriptText string          `json:"transcript_text,omitempty"`
	TranscriptJSON json.RawMessage `json:"transcript_json,omitempty"`

	TerminologyPath     string          `json:"terminology_path,omitempty"`
	TerminologyJSON     json.RawMessage `json:"terminology_json,omitempty"`
	TermCount           int             `json:"term_count,omitempty"`
	TerminologyMetadata map[string]any  `json:"terminology_metadata,omitempty"`

	Error             string `json:"error,omitempty"`
	RetryAfterSeconds int    `json:"retry_after_seconds,omitempty"`
}
