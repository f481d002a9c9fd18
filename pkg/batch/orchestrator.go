// Package batch 课程级批量处理：创建、进度汇总、预估耗时与取消
package batch

import (
	"context"
	"errors"
	"fmt"
	"math"
	"strings"
	"time"

	"github.com/google/uuid"
	"github.com/sirupsen/logrus"

	"github.com/z-wentao/courseflow/pkg/apperrors"
	"github.com/z-wentao/courseflow/pkg/models"
	"github.com/z-wentao/courseflow/pkg/pipeline"
	"github.com/z-wentao/courseflow/pkg/queue"
)

// CancelReason 批次取消时未开始的流水线记录的失败原因
const CancelReason = "batch cancelled"

// recomputeRetries 重新计数遇到写回冲突时的最大尝试次数
const recomputeRetries = 5

// errUnchanged 让 UpdateBatch 放弃写回
var errUnchanged = errors.New("batch unchanged")

// Enqueuer 调度器中批次用到的部分
type Enqueuer interface {
	Enqueue(ctx context.Context, queueName string, p queue.Payload, priority models.Priority, notBefore time.Time) (*models.WorkItem, error)
	PurgeBatch(ctx context.Context, batchID string) ([]*models.WorkItem, error)
}

// PipelineFailer 取消批次时把未开始的流水线标记为失败
type PipelineFailer interface {
	MarkFailed(ctx context.Context, id, reason string) (*models.SegmentPipeline, error)
}

// CreateRequest 批量处理请求
type CreateRequest struct {
	CourseID    string
	SegmentIDs  []string
	Priority    models.Priority
	Concurrency int
	RequestedBy string
}

// Progress 批次进度读数
type Progress struct {
	BatchID                   string             `json:"batch_id"`
	CourseID                  string             `json:"course_id"`
	Status                    models.BatchStatus `json:"status"`
	Total                     int                `json:"total"`
	Completed                 int                `json:"completed"`
	Failed                    int                `json:"failed"`
	Percent                   float64            `json:"percent"`
	EstimatedSecondsRemaining int64              `json:"estimated_seconds_remaining"`
	StartedAt                 *time.Time         `json:"started_at,omitempty"`
	CompletedAt               *time.Time         `json:"completed_at,omitempty"`
	ActualSeconds             int64              `json:"actual_seconds,omitempty"`

	// Closed 本次重新计数是否把批次转入了终态
	Closed bool `json:"-"`
}

// Orchestrator 批次编排器
type Orchestrator struct {
	store     Store
	scheduler Enqueuer
	failer    PipelineFailer
	cache     ProgressCache
	avg       float64
	log       logrus.FieldLogger
	now       func() time.Time
}

type Option func(*Orchestrator)

func WithProgressCache(c ProgressCache) Option {
	return func(o *Orchestrator) { o.cache = c }
}

// WithAvgSecondsPerSegment 没有实际进度时估算用的单片段平均耗时
func WithAvgSecondsPerSegment(avg float64) Option {
	return func(o *Orchestrator) {
		if avg > 0 {
			o.avg = avg
		}
	}
}

func WithLogger(log logrus.FieldLogger) Option {
	return func(o *Orchestrator) { o.log = log }
}

func WithClock(now func() time.Time) Option {
	return func(o *Orchestrator) { o.now = now }
}

// NewOrchestrator 创建编排器
func NewOrchestrator(store Store, scheduler Enqueuer, failer PipelineFailer, opts ...Option) *Orchestrator {
	o := &Orchestrator{
		store:     store,
		scheduler: scheduler,
		failer:    failer,
		avg:       180,
		log:       logrus.StandardLogger(),
		now:       time.Now,
	}
	for _, opt := range opts {
		opt(o)
	}
	return o
}

// CreateBatch 原子地创建批次和成员流水线，然后为每个片段入队一个音频提取任务
func (o *Orchestrator) CreateBatch(ctx context.Context, req CreateRequest) (*models.ProcessingBatch, error) {
	const op = "batch.CreateBatch"

	if strings.TrimSpace(req.CourseID) == "" {
		return nil, apperrors.InvalidInput(op, "course_id is required")
	}
	segments, err := normalizeSegments(req.SegmentIDs)
	if err != nil {
		return nil, apperrors.InvalidInput(op, err.Error())
	}
	if req.Concurrency < 0 {
		return nil, apperrors.InvalidInput(op, "concurrency must not be negative")
	}
	concurrency := req.Concurrency
	if concurrency == 0 {
		concurrency = 1
	}
	prio := req.Priority
	if prio == "" {
		prio = models.PriorityNormal
	}

	now := o.now().UTC()
	b := &models.ProcessingBatch{
		ID:          uuid.New().String(),
		CourseID:    req.CourseID,
		RequestedBy: req.RequestedBy,
		SegmentIDs:  segments,
		Priority:    prio,
		Concurrency: concurrency,
		Total:       len(segments),
		Status:      models.BatchPending,
		CreatedAt:   now,
		UpdatedAt:   now,
	}

	pipelines := make([]*models.SegmentPipeline, 0, len(segments))
	for _, seg := range segments {
		p, err := pipeline.Build(pipeline.NewPipeline{
			SegmentID: seg,
			CourseID:  req.CourseID,
			BatchID:   b.ID,
			Priority:  prio,
		}, now)
		if err != nil {
			return nil, err
		}
		pipelines = append(pipelines, p)
	}

	if err := o.store.CreateBatch(ctx, b, pipelines); err != nil {
		return nil, fmt.Errorf("%s: %w", op, err)
	}

	// 先进入 processing 再入队，保证最后一个回调触发的重新计数一定能关闭批次
	initial := initialEstimate(b.Total, b.Concurrency, o.avg)
	b, err = o.store.UpdateBatch(ctx, b.ID, func(cur *models.ProcessingBatch) error {
		if cur.Status != models.BatchPending {
			return errUnchanged
		}
		started := now
		cur.Status = models.BatchProcessing
		cur.StartedAt = &started
		cur.EstimatedDuration = initial
		cur.UpdatedAt = now
		return nil
	})
	if err != nil {
		return nil, fmt.Errorf("%s: %w", op, err)
	}

	for _, p := range pipelines {
		_, err := o.scheduler.Enqueue(ctx, models.QueueAudioExtraction, queue.Payload{
			SegmentID:  p.SegmentID,
			PipelineID: p.ID,
			BatchID:    b.ID,
			CourseID:   b.CourseID,
		}, prio, time.Time{})
		if err != nil {
			o.log.WithError(err).WithField("batch_id", b.ID).Error("入队失败，取消批次")
			if _, cerr := o.Cancel(ctx, b.ID); cerr != nil {
				o.log.WithError(cerr).WithField("batch_id", b.ID).Error("取消批次失败")
			}
			return nil, fmt.Errorf("%s: 入队失败: %w", op, err)
		}
	}

	o.log.WithFields(logrus.Fields{
		"batch_id":    b.ID,
		"course_id":   b.CourseID,
		"total":       b.Total,
		"priority":    prio,
		"concurrency": concurrency,
	}).Info("批次已创建")
	return b, nil
}

// RecomputeProgress 从成员流水线重新计数，全部到达终态时把批次转入终态
// 可以被重复、并发调用：计数是幂等的，终态转移带状态条件只会成功一次
func (o *Orchestrator) RecomputeProgress(ctx context.Context, batchID string) (*Progress, error) {
	const op = "batch.RecomputeProgress"

	var (
		b      *models.ProcessingBatch
		err    error
		closed bool
	)
	// 写回冲突说明另一个调用方刚刚写入，它的计数可能早于本次成员变化，需要重新计数
	for attempt := 0; attempt < recomputeRetries; attempt++ {
		b, closed, err = o.recountOnce(ctx, batchID)
		if !errors.Is(err, apperrors.ErrConcurrencyConflict) {
			break
		}
	}

	switch {
	case errors.Is(err, errUnchanged), errors.Is(err, apperrors.ErrConcurrencyConflict):
		closed = false
		b, err = o.store.GetBatch(ctx, batchID)
		if err != nil {
			return nil, err
		}
	case err != nil:
		return nil, fmt.Errorf("%s: %w", op, err)
	}

	p := o.snapshot(b)
	p.Closed = closed
	if o.cache != nil {
		if err := o.cache.SetProgress(ctx, p); err != nil {
			o.log.WithError(err).WithField("batch_id", batchID).Warn("写入进度缓存失败")
		}
	}

	if closed {
		o.log.WithFields(logrus.Fields{
			"batch_id":  b.ID,
			"status":    b.Status,
			"completed": b.Completed,
			"failed":    b.Failed,
			"duration":  b.ActualDuration.String(),
		}).Info("批次已结束")
	}
	return p, nil
}

// recountOnce 计数一次并尝试写回，closed 表示本次写入把批次转入了终态
func (o *Orchestrator) recountOnce(ctx context.Context, batchID string) (*models.ProcessingBatch, bool, error) {
	const op = "batch.RecomputeProgress"

	counts, err := o.store.CountBatchMembers(ctx, batchID)
	if err != nil {
		return nil, false, err
	}

	closed := false
	b, err := o.store.UpdateBatch(ctx, batchID, func(cur *models.ProcessingBatch) error {
		if cur.Status.IsTerminal() {
			return errUnchanged
		}
		now := o.now().UTC()
		cur.Completed = counts.Completed
		cur.Failed = counts.Failed
		if cur.Completed+cur.Failed > cur.Total {
			// 成员数不会超过快照，出现说明数据被外部修改
			return apperrors.E(op, apperrors.ErrConcurrencyConflict,
				fmt.Sprintf("counted %d terminal members for %d segments", cur.Completed+cur.Failed, cur.Total), nil)
		}

		if cur.Status == models.BatchProcessing && cur.Completed+cur.Failed == cur.Total {
			if cur.Failed == 0 {
				cur.Status = models.BatchCompleted
			} else {
				cur.Status = models.BatchFailed
			}
			finished := now
			cur.CompletedAt = &finished
			if cur.StartedAt != nil {
				cur.ActualDuration = now.Sub(*cur.StartedAt)
			}
			cur.EstimatedDuration = 0
			closed = true
		} else {
			cur.EstimatedDuration = estimate(cur, now, o.avg)
		}
		cur.UpdatedAt = now
		return nil
	})
	if err != nil {
		return nil, false, err
	}
	return b, closed, nil
}

// EstimateDuration 预估批次（剩余）耗时并保存
// 尚无进度时为 ceil(total/concurrency)*avg，之后为 已用时间*剩余数/已处理数
func (o *Orchestrator) EstimateDuration(ctx context.Context, batchID string, avgSecondsPerSegment float64) (time.Duration, error) {
	const op = "batch.EstimateDuration"
	if avgSecondsPerSegment <= 0 {
		avgSecondsPerSegment = o.avg
	}

	var eta time.Duration
	b, err := o.store.UpdateBatch(ctx, batchID, func(cur *models.ProcessingBatch) error {
		if cur.Status.IsTerminal() {
			return errUnchanged
		}
		now := o.now().UTC()
		eta = estimate(cur, now, avgSecondsPerSegment)
		cur.EstimatedDuration = eta
		cur.UpdatedAt = now
		return nil
	})
	if errors.Is(err, errUnchanged) {
		return 0, nil
	}
	if err != nil {
		return 0, fmt.Errorf("%s: %w", op, err)
	}
	if o.cache != nil {
		if err := o.cache.InvalidateProgress(ctx, b.ID); err != nil {
			o.log.WithError(err).WithField("batch_id", b.ID).Warn("清除进度缓存失败")
		}
	}
	return eta, nil
}

// Cancel 取消批次：删除尚未被领取的工作单元，对应流水线标记为失败；已领取的允许完成。
// 写入终态前重新计数，取消后的 Completed/Failed 包含刚被标记失败的成员。
func (o *Orchestrator) Cancel(ctx context.Context, batchID string) (*Progress, error) {
	const op = "batch.Cancel"

	cur, err := o.store.GetBatch(ctx, batchID)
	if err != nil {
		return nil, err
	}
	if cur.Status.IsTerminal() {
		return nil, apperrors.E(op, apperrors.ErrInvalidTransition,
			fmt.Sprintf("batch is already %s", cur.Status), nil)
	}

	purged, err := o.scheduler.PurgeBatch(ctx, batchID)
	if err != nil {
		return nil, fmt.Errorf("%s: %w", op, err)
	}
	for _, item := range purged {
		if item.PipelineID == "" {
			continue
		}
		if _, err := o.failer.MarkFailed(ctx, item.PipelineID, CancelReason); err != nil && !errors.Is(err, apperrors.ErrInvalidTransition) {
			o.log.WithError(err).WithField("pipeline_id", item.PipelineID).Warn("标记取消的流水线失败")
		}
	}

	counts, err := o.store.CountBatchMembers(ctx, batchID)
	if err != nil {
		return nil, fmt.Errorf("%s: %w", op, err)
	}

	b, err := o.store.UpdateBatch(ctx, batchID, func(cur *models.ProcessingBatch) error {
		if cur.Status.IsTerminal() {
			return apperrors.E(op, apperrors.ErrInvalidTransition,
				fmt.Sprintf("batch is already %s", cur.Status), nil)
		}
		now := o.now().UTC()
		cur.Status = models.BatchCancelled
		cur.Completed = counts.Completed
		cur.Failed = counts.Failed
		finished := now
		cur.CompletedAt = &finished
		if cur.StartedAt != nil {
			cur.ActualDuration = now.Sub(*cur.StartedAt)
		}
		cur.EstimatedDuration = 0
		cur.UpdatedAt = now
		return nil
	})
	if err != nil {
		return nil, err
	}

	if o.cache != nil {
		if err := o.cache.InvalidateProgress(ctx, batchID); err != nil {
			o.log.WithError(err).WithField("batch_id", batchID).Warn("清除进度缓存失败")
		}
	}

	o.log.WithFields(logrus.Fields{
		"batch_id":  batchID,
		"purged":    len(purged),
		"completed": b.Completed,
		"failed":    b.Failed,
	}).Info("批次已取消")
	return o.snapshot(b), nil
}

// Admit 判断批次中的流水线 pipelineID 此刻能否开始处理：
// 已开始且未结束的成员数小于批次 Concurrency 时放行。
// 自身已在处理中（重新投递）时直接放行；已终止的批次不做限制。
func (o *Orchestrator) Admit(ctx context.Context, batchID, pipelineID string) (bool, error) {
	b, err := o.store.GetBatch(ctx, batchID)
	if err != nil {
		return false, err
	}
	if b.Concurrency <= 0 || b.Status.IsTerminal() {
		return true, nil
	}
	members, err := o.store.ListBatchPipelines(ctx, batchID)
	if err != nil {
		return false, err
	}
	inFlight := 0
	for _, m := range members {
		if !m.Status.InFlight() {
			continue
		}
		if m.ID == pipelineID {
			return true, nil
		}
		inFlight++
	}
	return inFlight < b.Concurrency, nil
}

// Progress 读取批次进度，配置了缓存时优先读缓存
func (o *Orchestrator) Progress(ctx context.Context, batchID string) (*Progress, error) {
	if o.cache != nil {
		p, ok, err := o.cache.GetProgress(ctx, batchID)
		if err != nil {
			o.log.WithError(err).WithField("batch_id", batchID).Warn("读取进度缓存失败")
		} else if ok {
			return p, nil
		}
	}

	b, err := o.store.GetBatch(ctx, batchID)
	if err != nil {
		return nil, err
	}
	p := o.snapshot(b)
	if o.cache != nil {
		if err := o.cache.SetProgress(ctx, p); err != nil {
			o.log.WithError(err).WithField("batch_id", batchID).Warn("写入进度缓存失败")
		}
	}
	return p, nil
}

// Get 读取批次记录
func (o *Orchestrator) Get(ctx context.Context, batchID string) (*models.ProcessingBatch, error) {
	return o.store.GetBatch(ctx, batchID)
}

// Members 批次成员流水线（每个片段最新一次尝试）
func (o *Orchestrator) Members(ctx context.Context, batchID string) ([]*models.SegmentPipeline, error) {
	return o.store.ListBatchPipelines(ctx, batchID)
}

func (o *Orchestrator) snapshot(b *models.ProcessingBatch) *Progress {
	p := &Progress{
		BatchID:     b.ID,
		CourseID:    b.CourseID,
		Status:      b.Status,
		Total:       b.Total,
		Completed:   b.Completed,
		Failed:      b.Failed,
		StartedAt:   b.StartedAt,
		CompletedAt: b.CompletedAt,
	}
	if b.Total > 0 {
		p.Percent = math.Round(float64(b.Completed+b.Failed)*1000/float64(b.Total)) / 10
	}
	if b.Status.IsTerminal() {
		p.ActualSeconds = int64(b.ActualDuration / time.Second)
	} else {
		p.EstimatedSecondsRemaining = int64(math.Ceil(b.EstimatedDuration.Seconds()))
	}
	return p
}

func estimate(b *models.ProcessingBatch, now time.Time, avg float64) time.Duration {
	processed := b.Completed + b.Failed
	if processed == 0 || b.StartedAt == nil {
		return initialEstimate(b.Total, b.Concurrency, avg)
	}
	elapsed := now.Sub(*b.StartedAt)
	if elapsed < 0 {
		elapsed = 0
	}
	remaining := b.Total - processed
	return time.Duration(float64(elapsed) * float64(remaining) / float64(processed))
}

func initialEstimate(total, concurrency int, avg float64) time.Duration {
	if concurrency <= 0 {
		concurrency = 1
	}
	rounds := math.Ceil(float64(total) / float64(concurrency))
	return time.Duration(rounds * avg * float64(time.Second))
}

// normalizeSegments 去掉重复，保持首次出现的顺序
func normalizeSegments(ids []string) ([]string, error) {
	if len(ids) == 0 {
		return nil, errors.New("segment_ids must not be empty")
	}
	seen := make(map[string]bool, len(ids))
	out := make([]string, 0, len(ids))
	for _, id := range ids {
		id = strings.TrimSpace(id)
		if id == "" {
			return nil, errors.New("segment_ids must not contain empty ids")
		}
		if seen[id] {
			continue
		}
		seen[id] = true
		out = append(out, id)
	}
	return out, nil
}
