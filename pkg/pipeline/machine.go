// Package pipeline 单个片段的多阶段处理状态机
package pipeline

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/google/uuid"
	"github.com/sirupsen/logrus"

	"github.com/z-wentao/courseflow/pkg/apperrors"
	"github.com/z-wentao/courseflow/pkg/models"
)

// Op 状态机操作
type Op string

const (
	OpStartExtraction       Op = "start_extraction"
	OpCompleteExtraction    Op = "complete_extraction"
	OpStartTranscription    Op = "start_transcription"
	OpCompleteTranscription Op = "complete_transcription"
	OpStartTerminology      Op = "start_terminology"
	OpCompleteTerminology   Op = "complete_terminology"
	OpMarkCompleted         Op = "mark_completed"
	OpMarkFailed            Op = "mark_failed"
)

// rule 一条状态转移。from 为空表示任意非终态。
type rule struct {
	from  []models.PipelineStatus
	to    models.PipelineStatus
	stamp func(p *models.SegmentPipeline) **time.Time
}

func (r rule) allows(s models.PipelineStatus) bool {
	if len(r.from) == 0 {
		return !s.IsTerminal()
	}
	for _, f := range r.from {
		if f == s {
			return true
		}
	}
	return false
}

var transitions = map[Op]rule{
	OpStartExtraction: {
		from:  []models.PipelineStatus{models.StatusPending},
		to:    models.StatusProcessing,
		stamp: func(p *models.SegmentPipeline) **time.Time { return &p.ExtractionStartedAt },
	},
	OpCompleteExtraction: {
		from:  []models.PipelineStatus{models.StatusProcessing},
		to:    models.StatusAudioExtracted,
		stamp: func(p *models.SegmentPipeline) **time.Time { return &p.ExtractionCompletedAt },
	},
	OpStartTranscription: {
		from:  []models.PipelineStatus{models.StatusAudioExtracted},
		to:    models.StatusTranscribing,
		stamp: func(p *models.SegmentPipeline) **time.Time { return &p.TranscriptionStartedAt },
	},
	OpCompleteTranscription: {
		from:  []models.PipelineStatus{models.StatusTranscribing},
		to:    models.StatusTranscribed,
		stamp: func(p *models.SegmentPipeline) **time.Time { return &p.TranscriptionCompletedAt },
	},
	OpStartTerminology: {
		from:  []models.PipelineStatus{models.StatusTranscribed},
		to:    models.StatusProcessingTerminology,
		stamp: func(p *models.SegmentPipeline) **time.Time { return &p.TerminologyStartedAt },
	},
	OpCompleteTerminology: {
		from:  []models.PipelineStatus{models.StatusProcessingTerminology},
		to:    models.StatusCompleted,
		stamp: func(p *models.SegmentPipeline) **time.Time { return &p.TerminologyCompletedAt },
	},
	OpMarkCompleted: {
		from: []models.PipelineStatus{models.StatusTranscribed, models.StatusProcessingTerminology},
		to:   models.StatusCompleted,
	},
	OpMarkFailed: {
		to: models.StatusFailed,
	},
}

// startOps 每个阶段的开始操作
var startOps = map[models.Stage]Op{
	models.StageExtraction:    OpStartExtraction,
	models.StageTranscription: OpStartTranscription,
	models.StageTerminology:   OpStartTerminology,
}

// AudioArtifact 音频提取产物
type AudioArtifact struct {
	Path     string
	Size     int64
	Duration float64
}

// TranscriptArtifact 转录产物
type TranscriptArtifact struct {
	Path string
	Text string
	JSON json.RawMessage
}

// TerminologyArtifact 术语提取产物
type TerminologyArtifact struct {
	Path     string
	JSON     json.RawMessage
	Count    int
	Metadata map[string]any
}

// NewPipeline 创建流水线的参数
type NewPipeline struct {
	SegmentID string
	CourseID  string
	BatchID   string
	Priority  models.Priority
}

// Machine 流水线状态机
type Machine struct {
	store Store
	log   logrus.FieldLogger
	now   func() time.Time
}

type Option func(*Machine)

func WithLogger(log logrus.FieldLogger) Option {
	return func(m *Machine) { m.log = log }
}

func WithClock(now func() time.Time) Option {
	return func(m *Machine) { m.now = now }
}

// NewMachine 创建状态机
func NewMachine(store Store, opts ...Option) *Machine {
	m := &Machine{
		store: store,
		log:   logrus.StandardLogger(),
		now:   time.Now,
	}
	for _, opt := range opts {
		opt(m)
	}
	return m
}

// Build 构造一个 pending 状态的新流水线（不落库），批次创建时和批次一起原子写入
func Build(req NewPipeline, now time.Time) (*models.SegmentPipeline, error) {
	const op = "pipeline.Build"
	if strings.TrimSpace(req.SegmentID) == "" {
		return nil, apperrors.InvalidInput(op, "segment_id is required")
	}
	if strings.TrimSpace(req.CourseID) == "" {
		return nil, apperrors.InvalidInput(op, "course_id is required")
	}
	prio := req.Priority
	if prio == "" {
		prio = models.PriorityNormal
	}
	now = now.UTC()
	return &models.SegmentPipeline{
		ID:        uuid.New().String(),
		SegmentID: req.SegmentID,
		CourseID:  req.CourseID,
		BatchID:   req.BatchID,
		Status:    models.StatusPending,
		Priority:  prio,
		Attempt:   1,
		CreatedAt: now,
		UpdatedAt: now,
	}, nil
}

// Create 创建并保存流水线
func (m *Machine) Create(ctx context.Context, req NewPipeline) (*models.SegmentPipeline, error) {
	p, err := Build(req, m.now())
	if err != nil {
		return nil, err
	}
	if err := m.store.CreatePipeline(ctx, p); err != nil {
		return nil, fmt.Errorf("pipeline.Create: %w", err)
	}
	return p.Clone(), nil
}

// Get 查询流水线
func (m *Machine) Get(ctx context.Context, id string) (*models.SegmentPipeline, error) {
	return m.store.GetPipeline(ctx, id)
}

func (m *Machine) StartExtraction(ctx context.Context, id string) (*models.SegmentPipeline, error) {
	return m.apply(ctx, id, OpStartExtraction, nil)
}

func (m *Machine) CompleteExtraction(ctx context.Context, id string, a AudioArtifact) (*models.SegmentPipeline, error) {
	if strings.TrimSpace(a.Path) == "" {
		return nil, apperrors.InvalidInput("pipeline."+string(OpCompleteExtraction), "audio path is required")
	}
	return m.apply(ctx, id, OpCompleteExtraction, func(p *models.SegmentPipeline) {
		p.AudioPath = a.Path
		p.AudioSize = a.Size
		p.AudioDuration = a.Duration
	})
}

func (m *Machine) StartTranscription(ctx context.Context, id string) (*models.SegmentPipeline, error) {
	return m.apply(ctx, id, OpStartTranscription, nil)
}

func (m *Machine) CompleteTranscription(ctx context.Context, id string, a TranscriptArtifact) (*models.SegmentPipeline, error) {
	if strings.TrimSpace(a.Path) == "" && strings.TrimSpace(a.Text) == "" {
		return nil, apperrors.InvalidInput("pipeline."+string(OpCompleteTranscription), "transcript path or text is required")
	}
	return m.apply(ctx, id, OpCompleteTranscription, func(p *models.SegmentPipeline) {
		p.TranscriptPath = a.Path
		p.TranscriptText = a.Text
		p.TranscriptJSON = a.JSON
	})
}

func (m *Machine) StartTerminology(ctx context.Context, id string) (*models.SegmentPipeline, error) {
	return m.apply(ctx, id, OpStartTerminology, nil)
}

func (m *Machine) CompleteTerminology(ctx context.Context, id string, a TerminologyArtifact) (*models.SegmentPipeline, error) {
	return m.apply(ctx, id, OpCompleteTerminology, func(p *models.SegmentPipeline) {
		p.TerminologyPath = a.Path
		p.TerminologyJSON = a.JSON
		p.TermCount = a.Count
		p.TerminologyMetadata = a.Metadata
	})
}

// MarkCompleted 跳过术语提取直接完成
func (m *Machine) MarkCompleted(ctx context.Context, id string) (*models.SegmentPipeline, error) {
	return m.apply(ctx, id, OpMarkCompleted, nil)
}

// MarkFailed 从任意非终态进入 failed，不会自动重试
func (m *Machine) MarkFailed(ctx context.Context, id, reason string) (*models.SegmentPipeline, error) {
	return m.apply(ctx, id, OpMarkFailed, func(p *models.SegmentPipeline) {
		p.FailedFrom = p.Status
		p.ErrorMessage = reason
	})
}

// StartStage 按阶段调用对应的开始操作
func (m *Machine) StartStage(ctx context.Context, id string, stage models.Stage) (*models.SegmentPipeline, error) {
	op, ok := startOps[stage]
	if !ok {
		return nil, apperrors.InvalidInput("pipeline.StartStage", fmt.Sprintf("unknown stage %q", stage))
	}
	return m.apply(ctx, id, op, nil)
}

// Retry 基于 failed 的流水线新建一行，旧行保留作为历史
func (m *Machine) Retry(ctx context.Context, id string) (*models.SegmentPipeline, error) {
	const op = "pipeline.Retry"
	prev, err := m.store.GetPipeline(ctx, id)
	if err != nil {
		return nil, err
	}
	if prev.Status != models.StatusFailed {
		return nil, apperrors.E(op, apperrors.ErrInvalidTransition,
			fmt.Sprintf("only failed pipelines can be retried, got %s", prev.Status), nil)
	}

	next, err := Build(NewPipeline{
		SegmentID: prev.SegmentID,
		CourseID:  prev.CourseID,
		BatchID:   prev.BatchID,
		Priority:  prev.Priority,
	}, m.now())
	if err != nil {
		return nil, err
	}
	next.Attempt = prev.Attempt + 1
	next.RetryOf = prev.ID

	if err := m.store.CreatePipeline(ctx, next); err != nil {
		return nil, fmt.Errorf("%s: %w", op, err)
	}

	m.log.WithFields(logrus.Fields{
		"pipeline_id": next.ID,
		"retry_of":    prev.ID,
		"segment_id":  prev.SegmentID,
		"attempt":     next.Attempt,
	}).Info("流水线已重试")
	return next.Clone(), nil
}

func (m *Machine) apply(ctx context.Context, id string, op Op, mutate func(*models.SegmentPipeline)) (*models.SegmentPipeline, error) {
	r := transitions[op]
	var from models.PipelineStatus

	updated, err := m.store.UpdatePipeline(ctx, id, func(p *models.SegmentPipeline) error {
		if !r.allows(p.Status) {
			return apperrors.E("pipeline."+string(op), apperrors.ErrInvalidTransition,
				fmt.Sprintf("cannot %s from %s", op, p.Status), nil)
		}
		from = p.Status
		now := m.now().UTC()
		if r.stamp != nil {
			setOnce(r.stamp(p), now)
		}
		if mutate != nil {
			mutate(p)
		}
		p.Status = r.to
		p.UpdatedAt = now
		return nil
	})
	if err != nil {
		if errors.Is(err, apperrors.ErrInvalidTransition) {
			m.log.WithFields(logrus.Fields{"pipeline_id": id, "op": op}).Debug("忽略非法状态转移")
		}
		return nil, err
	}

	entry := m.log.WithFields(logrus.Fields{
		"pipeline_id": id,
		"from":        from,
		"to":          updated.Status,
		"progress":    updated.Progress(),
	})
	if updated.Status == models.StatusFailed {
		entry.WithField("reason", updated.ErrorMessage).Warn("流水线失败")
	} else {
		entry.Debug("流水线状态已更新")
	}
	return updated, nil
}

// setOnce 时间戳只写一次
func setOnce(field **time.Time, now time.Time) {
	if *field == nil {
		t := now
		*field = &t
	}
}
