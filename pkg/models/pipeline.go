package models

import (
	"encoding/json"
	"time"
)

type PipelineStatus string

const (
	StatusPending               PipelineStatus = "pending"
	StatusProcessing            PipelineStatus = "processing"
	StatusAudioExtracted        PipelineStatus = "audio_extracted"
	StatusTranscribing          PipelineStatus = "transcribing"
	StatusTranscribed           PipelineStatus = "transcribed"
	StatusProcessingTerminology PipelineStatus = "processing_terminology"
	StatusCompleted             PipelineStatus = "completed"
	StatusFailed                PipelineStatus = "failed"
)

// 状态到进度的固定映射，进度从不单独存储
var statusProgress = map[PipelineStatus]int{
	StatusPending:               0,
	StatusProcessing:            25,
	StatusAudioExtracted:        40,
	StatusTranscribing:          60,
	StatusTranscribed:           75,
	StatusProcessingTerminology: 85,
	StatusCompleted:             100,
}

// ProgressFor 由状态推导进度。failed 取失败时所处状态的进度，保证进度不回退。
func ProgressFor(status, failedFrom PipelineStatus) int {
	if status == StatusFailed {
		return statusProgress[failedFrom]
	}
	return statusProgress[status]
}

// IsTerminal completed 和 failed 为终态
func (s PipelineStatus) IsTerminal() bool {
	return s == StatusCompleted || s == StatusFailed
}

// InFlight 已开始且未结束
func (s PipelineStatus) InFlight() bool {
	return s != StatusPending && !s.IsTerminal()
}

// SegmentPipeline 单个片段的一次处理流水线
type SegmentPipeline struct {
	ID         string         `json:"id"`
	SegmentID  string         `json:"segment_id"`
	CourseID   string         `json:"course_id"`
	BatchID    string         `json:"batch_id,omitempty"`
	Status     PipelineStatus `json:"status"`
	FailedFrom PipelineStatus `json:"failed_from,omitempty"`
	Priority   Priority       `json:"priority"`
	Attempt    int            `json:"attempt"`
	RetryOf    string         `json:"retry_of,omitempty"`

	ExtractionStartedAt      *time.Time `json:"extraction_started_at,omitempty"`
	ExtractionCompletedAt    *time.Time `json:"extraction_completed_at,omitempty"`
	TranscriptionStartedAt   *time.Time `json:"transcription_started_at,omitempty"`
	TranscriptionCompletedAt *time.Time `json:"transcription_completed_at,omitempty"`
	TerminologyStartedAt     *time.Time `json:"terminology_started_at,omitempty"`
	TerminologyCompletedAt   *time.Time `json:"terminology_completed_at,omitempty"`

	AudioPath     string  `json:"audio_path,omitempty"`
	AudioSize     int64   `json:"audio_size,omitempty"`
	AudioDuration float64 `json:"audio_duration,omitempty"` // 秒

	TranscriptPath string          `json:"transcript_path,omitempty"`
	TranscriptText string          `json:"transcript_text,omitempty"`
	TranscriptJSON json.RawMessage `json:"transcript_json,omitempty"`

	TerminologyPath     string          `json:"terminology_path,omitempty"`
	TerminologyJSON     json.RawMessage `json:"terminology_json,omitempty"`
	TermCount           int             `json:"term_count"`
	TerminologyMetadata map[string]any  `json:"terminology_metadata,omitempty"`

	ErrorMessage string    `json:"error_message,omitempty"`
	CreatedAt    time.Time `json:"created_at"`
	UpdatedAt    time.Time `json:"updated_at"`
}

// Progress 当前进度百分比
func (p *SegmentPipeline) Progress() int {
	return ProgressFor(p.Status, p.FailedFrom)
}

// Clone 深拷贝，存储层返回副本避免共享可变状态
func (p *SegmentPipeline) Clone() *SegmentPipeline {
	c := *p
	c.ExtractionStartedAt = cloneTime(p.ExtractionStartedAt)
	c.ExtractionCompletedAt = cloneTime(p.ExtractionCompletedAt)
	c.TranscriptionStartedAt = cloneTime(p.TranscriptionStartedAt)
	c.TranscriptionCompletedAt = cloneTime(p.TranscriptionCompletedAt)
	c.TerminologyStartedAt = cloneTime(p.TerminologyStartedAt)
	c.TerminologyCompletedAt = cloneTime(p.TerminologyCompletedAt)
	if p.TranscriptJSON != nil {
		c.TranscriptJSON = append(json.RawMessage(nil), p.TranscriptJSON...)
	}
	if p.TerminologyJSON != nil {
		c.TerminologyJSON = append(json.RawMessage(nil), p.TerminologyJSON...)
	}
	if p.TerminologyMetadata != nil {
		c.TerminologyMetadata = make(map[string]any, len(p.TerminologyMetadata))
		for k, v := range p.TerminologyMetadata {
			c.TerminologyMetadata[k] = v
		}
	}
	return &c
}

func cloneTime(t *time.Time) *time.Time {
	if t == nil {
		return nil
	}
	v := *t
	return &v
}
