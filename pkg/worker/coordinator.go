package worker

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"sync"
	"time"

	"github.com/sirupsen/logrus"

	"github.com/z-wentao/courseflow/pkg/apperrors"
	"github.com/z-wentao/courseflow/pkg/batch"
	"github.com/z-wentao/courseflow/pkg/download"
	"github.com/z-wentao/courseflow/pkg/models"
	"github.com/z-wentao/courseflow/pkg/pipeline"
	"github.com/z-wentao/courseflow/pkg/queue"
	"github.com/z-wentao/courseflow/pkg/signer"
)

// 阶段执行期间流水线所处的状态，重新投递时据此判断是否仍可继续
var stageRunning = map[models.Stage]models.PipelineStatus{
	models.StageExtraction:    models.StatusProcessing,
	models.StageTranscription: models.StatusTranscribing,
	models.StageTerminology:   models.StatusProcessingTerminology,
}

// 阶段完成后流水线所处的非终态状态，下一阶段由 advance 派发
var stageCompleted = map[models.Stage]models.PipelineStatus{
	models.StageExtraction:    models.StatusAudioExtracted,
	models.StageTranscription: models.StatusTranscribed,
}

// maxSkips 一次领取最多跳过的过期工作单元数
const maxSkips = 16

// batchBusyDelay 批次并发已满时提取工作单元的退避时长
const batchBusyDelay = 5 * time.Second

// Coordinator 把队列、状态机、批次和下载控制器串起来：
// Worker 领取工作单元时推进到阶段开始，上报结果时推进到阶段完成并派发下一阶段。
type Coordinator struct {
	scheduler *queue.Scheduler
	machine   *pipeline.Machine
	batches   *batch.Orchestrator
	downloads *download.Controller
	issuer    *signer.Issuer
	sourceKey func(p *models.SegmentPipeline) string
	log       logrus.FieldLogger

	// admitMu 让并发检查和开始提取在本进程内不交错
	admitMu sync.Mutex
}

type Option func(*Coordinator)

// WithDownloads 启用下载队列
func WithDownloads(c *download.Controller) Option {
	return func(co *Coordinator) { co.downloads = c }
}

// WithIssuer 领取提取任务时附带签名的源视频地址
func WithIssuer(issuer *signer.Issuer) Option {
	return func(co *Coordinator) { co.issuer = issuer }
}

// WithSourceKey 自定义源视频的对象键
func WithSourceKey(fn func(p *models.SegmentPipeline) string) Option {
	return func(co *Coordinator) { co.sourceKey = fn }
}

func WithLogger(log logrus.FieldLogger) Option {
	return func(co *Coordinator) { co.log = log }
}

// NewCoordinator 创建协调器
func NewCoordinator(scheduler *queue.Scheduler, machine *pipeline.Machine, batches *batch.Orchestrator, opts ...Option) *Coordinator {
	c := &Coordinator{
		scheduler: scheduler,
		machine:   machine,
		batches:   batches,
		sourceKey: defaultSourceKey,
		log:       logrus.StandardLogger(),
	}
	for _, opt := range opts {
		opt(c)
	}
	return c
}

func defaultSourceKey(p *models.SegmentPipeline) string {
	return fmt.Sprintf("courses/%s/segments/%s/source.mp4", p.CourseID, p.SegmentID)
}

// Claim 领取 queue 中的下一个任务。队列为空时返回 queue.ErrQueueEmpty。
// requesterIP 非空时源视频地址绑定该 IP。
func (c *Coordinator) Claim(ctx context.Context, queueName, requesterIP string) (*models.StageTask, error) {
	const op = "worker.Claim"
	stage, ok := models.StageForQueue(queueName)
	if !ok {
		return nil, apperrors.InvalidInput(op, fmt.Sprintf("unknown queue %q", queueName))
	}
	if stage == models.StageDownload && c.downloads == nil {
		return nil, apperrors.InvalidInput(op, "download queue is not enabled")
	}

	for i := 0; i < maxSkips; i++ {
		item, err := c.scheduler.DequeueNext(ctx, queueName)
		if err != nil {
			return nil, err
		}

		var task *models.StageTask
		if stage == models.StageDownload {
			task, err = c.startDownload(ctx, item)
		} else {
			task, err = c.startStage(ctx, stage, item, requesterIP)
		}
		if errors.Is(err, errSkip) {
			continue
		}
		if err != nil {
			return nil, err
		}
		return task, nil
	}
	return nil, queue.ErrQueueEmpty
}

// errSkip 工作单元已过期（流水线已前进或已终止），确认后继续领取下一个
var errSkip = errors.New("skip work item")

// errBatchBusy 批次已有 Concurrency 个成员在处理中
var errBatchBusy = errors.New("batch concurrency exhausted")

// begin 开始阶段。提取阶段是流水线的第一步，按批次并发数放行。
func (c *Coordinator) begin(ctx context.Context, stage models.Stage, item *models.WorkItem) (*models.SegmentPipeline, error) {
	if stage != models.StageExtraction || item.BatchID == "" {
		return c.machine.StartStage(ctx, item.PipelineID, stage)
	}

	c.admitMu.Lock()
	defer c.admitMu.Unlock()
	ok, err := c.batches.Admit(ctx, item.BatchID, item.PipelineID)
	if err != nil {
		return nil, err
	}
	if !ok {
		return nil, errBatchBusy
	}
	return c.machine.StartStage(ctx, item.PipelineID, stage)
}

func (c *Coordinator) startStage(ctx context.Context, stage models.Stage, item *models.WorkItem, requesterIP string) (*models.StageTask, error) {
	entry := c.log.WithFields(logrus.Fields{
		"queue":       item.Queue,
		"item_id":     item.ID,
		"pipeline_id": item.PipelineID,
	})

	p, err := c.begin(ctx, stage, item)
	switch {
	case err == nil:
	case errors.Is(err, errBatchBusy):
		entry.WithField("batch_id", item.BatchID).Debug("批次并发已满，推迟工作单元")
		c.release(ctx, item, batchBusyDelay)
		return nil, errSkip
	case errors.Is(err, apperrors.ErrInvalidTransition):
		current, getErr := c.machine.Get(ctx, item.PipelineID)
		if getErr != nil {
			return nil, getErr
		}
		if done, ok := stageCompleted[stage]; ok && current.Status == done {
			// 阶段已完成但下一阶段没有派发出去（例如完成后入队失败），补派发后丢弃
			if _, err := c.advance(ctx, current, stage); err != nil {
				entry.WithError(err).Warn("补派发下一阶段失败，释放工作单元")
				c.release(ctx, item, 0)
				return nil, err
			}
			entry.WithField("status", current.Status).Info("阶段已完成，补派发下一阶段")
			c.ack(ctx, item)
			return nil, errSkip
		}
		if current.Status != stageRunning[stage] {
			entry.WithField("status", current.Status).Info("流水线已不在该阶段，丢弃工作单元")
			c.ack(ctx, item)
			return nil, errSkip
		}
		// 上一个 Worker 预留超时，阶段已开始过，由本次领取接手
		p = current
	case errors.Is(err, apperrors.ErrNotFound):
		entry.Warn("流水线不存在，丢弃工作单元")
		c.ack(ctx, item)
		return nil, errSkip
	default:
		c.release(ctx, item, 0)
		return nil, err
	}

	task := c.newTask(stage, item)
	task.AudioPath = p.AudioPath
	task.TranscriptPath = p.TranscriptPath
	task.TranscriptText = p.TranscriptText

	if stage == models.StageExtraction && c.issuer != nil {
		signed, err := c.issuer.IssueURL(ctx, signer.IssueRequest{
			ObjectKey:             c.sourceKey(p),
			Category:              "video",
			TTL:                   c.scheduler.VisibilityTimeout(item.Queue),
			RestrictToRequesterIP: requesterIP != "",
			RequesterIP:           requesterIP,
		})
		if err != nil {
			entry.WithError(err).Warn("签发源视频地址失败，释放工作单元")
			c.release(ctx, item, 0)
			return nil, err
		}
		task.SourceURL = signed.URL
	}

	entry.WithField("attempts", item.Attempts).Debug("阶段任务已领取")
	return task, nil
}

func (c *Coordinator) startDownload(ctx context.Context, item *models.WorkItem) (*models.StageTask, error) {
	_, err := c.downloads.MarkStarted(ctx, item.MediaID)
	switch {
	case err == nil:
	case errors.Is(err, apperrors.ErrInvalidTransition):
		// 已经是 processing：上一个 Worker 预留超时，由本次领取接手
	case errors.Is(err, apperrors.ErrNotFound):
		c.log.WithField("media_id", item.MediaID).Info("下载已结束，丢弃工作单元")
		c.ack(ctx, item)
		return nil, errSkip
	default:
		c.release(ctx, item, 0)
		return nil, err
	}
	return c.newTask(models.StageDownload, item), nil
}

func (c *Coordinator) newTask(stage models.Stage, item *models.WorkItem) *models.StageTask {
	task := &models.StageTask{
		WorkItemID:    item.ID,
		ReservationID: item.ReservationID,
		Queue:         item.Queue,
		Stage:         stage,
		PipelineID:    item.PipelineID,
		SegmentID:     item.SegmentID,
		CourseID:      item.CourseID,
		BatchID:       item.BatchID,
		MediaID:       item.MediaID,
		Attempts:      item.Attempts,
	}
	if item.ReservedAt != nil {
		task.ReservedUntil = item.ReservedAt.Add(c.scheduler.VisibilityTimeout(item.Queue))
	}
	return task
}

// HandleCallback 处理 Worker 上报的阶段结果
//
//	success: 写入产物并推进状态，先派发下一阶段再确认工作单元
//	failure: 流水线标记为 failed，确认工作单元
//	retry:   释放工作单元，RetryAfterSeconds 之后重新投递，流水线不变
func (c *Coordinator) HandleCallback(ctx context.Context, cb *models.StageCallback) (*models.SegmentPipeline, error) {
	const op = "worker.HandleCallback"
	if cb == nil || strings.TrimSpace(cb.PipelineID) == "" {
		return nil, apperrors.InvalidInput(op, "pipeline_id is required")
	}
	if _, ok := stageRunning[cb.Stage]; !ok {
		return nil, apperrors.InvalidInput(op, fmt.Sprintf("unknown stage %q", cb.Stage))
	}

	item := c.itemRef(cb)
	entry := c.log.WithFields(logrus.Fields{
		"pipeline_id": cb.PipelineID,
		"stage":       cb.Stage,
		"outcome":     cb.Outcome,
	})

	switch cb.Outcome {
	case models.OutcomeRetry:
		if item == nil {
			return nil, apperrors.InvalidInput(op, "work_item_id and reservation_id are required for retry")
		}
		delay := time.Duration(cb.RetryAfterSeconds) * time.Second
		if err := c.scheduler.Release(ctx, item, delay); err != nil {
			return nil, err
		}
		entry.WithField("delay", delay.String()).Info("阶段暂时失败，稍后重新投递")
		return c.machine.Get(ctx, cb.PipelineID)

	case models.OutcomeFailure:
		reason := strings.TrimSpace(cb.Error)
		if reason == "" {
			reason = fmt.Sprintf("%s failed", cb.Stage)
		}
		p, err := c.machine.MarkFailed(ctx, cb.PipelineID, reason)
		if err != nil {
			return nil, err
		}
		c.ack(ctx, item)
		entry.WithField("error", reason).Warn("阶段失败")
		c.recompute(ctx, p)
		return p, nil

	case models.OutcomeSuccess:
		p, err := c.complete(ctx, cb)
		if errors.Is(err, apperrors.ErrInvalidTransition) {
			// 重复上报：阶段已完成时重新派发下一阶段，入队按工作单元 ID 去重
			current, getErr := c.machine.Get(ctx, cb.PipelineID)
			if getErr != nil {
				return nil, getErr
			}
			if done, ok := stageCompleted[cb.Stage]; !ok || current.Status != done {
				return nil, err
			}
			p, err = current, nil
		}
		if err != nil {
			return nil, err
		}
		p, err = c.advance(ctx, p, cb.Stage)
		if err != nil {
			return nil, err
		}
		c.ack(ctx, item)
		entry.WithField("status", p.Status).Info("阶段完成")
		return p, nil

	default:
		return nil, apperrors.InvalidInput(op, fmt.Sprintf("unknown outcome %q", cb.Outcome))
	}
}

func (c *Coordinator) complete(ctx context.Context, cb *models.StageCallback) (*models.SegmentPipeline, error) {
	switch cb.Stage {
	case models.StageExtraction:
		return c.machine.CompleteExtraction(ctx, cb.PipelineID, pipeline.AudioArtifact{
			Path:     cb.AudioPath,
			Size:     cb.AudioSize,
			Duration: cb.AudioDuration,
		})
	case models.StageTranscription:
		return c.machine.CompleteTranscription(ctx, cb.PipelineID, pipeline.TranscriptArtifact{
			Path: cb.TranscriptPath,
			Text: cb.TranscriptText,
			JSON: cb.TranscriptJSON,
		})
	default:
		return c.machine.CompleteTerminology(ctx, cb.PipelineID, pipeline.TerminologyArtifact{
			Path:     cb.TerminologyPath,
			JSON:     cb.TerminologyJSON,
			Count:    cb.TermCount,
			Metadata: cb.TerminologyMetadata,
		})
	}
}

// advance 派发下一阶段；批次已取消时不再派发，流水线直接标记失败
func (c *Coordinator) advance(ctx context.Context, p *models.SegmentPipeline, stage models.Stage) (*models.SegmentPipeline, error) {
	if p.Status.IsTerminal() {
		c.recompute(ctx, p)
		return p, nil
	}

	next, ok := stage.Next()
	if !ok {
		return p, nil
	}

	if p.BatchID != "" {
		b, err := c.batches.Get(ctx, p.BatchID)
		if err != nil {
			return nil, err
		}
		if b.Status == models.BatchCancelled {
			failed, err := c.machine.MarkFailed(ctx, p.ID, batch.CancelReason)
			if err != nil {
				return nil, err
			}
			c.recompute(ctx, failed)
			return failed, nil
		}
	}

	_, err := c.scheduler.Enqueue(ctx, next.Queue(), queue.Payload{
		ID:         stageItemID(p.ID, next),
		SegmentID:  p.SegmentID,
		PipelineID: p.ID,
		BatchID:    p.BatchID,
		CourseID:   p.CourseID,
	}, p.Priority, time.Time{})
	if errors.Is(err, apperrors.ErrConcurrencyConflict) {
		c.log.WithFields(logrus.Fields{"pipeline_id": p.ID, "stage": next}).Debug("下一阶段已在队列中")
		return p, nil
	}
	if err != nil {
		return nil, err
	}
	return p, nil
}

// stageItemID 流水线某一阶段的工作单元 ID，同一阶段重复派发时入队冲突
func stageItemID(pipelineID string, stage models.Stage) string {
	return pipelineID + ":" + string(stage)
}

// RetryPipeline 运维重试：为 failed 的流水线新建一行并重新派发提取阶段
func (c *Coordinator) RetryPipeline(ctx context.Context, pipelineID string) (*models.SegmentPipeline, error) {
	next, err := c.machine.Retry(ctx, pipelineID)
	if err != nil {
		return nil, err
	}
	_, err = c.scheduler.Enqueue(ctx, models.QueueAudioExtraction, queue.Payload{
		SegmentID:  next.SegmentID,
		PipelineID: next.ID,
		BatchID:    next.BatchID,
		CourseID:   next.CourseID,
	}, next.Priority, time.Time{})
	if err != nil {
		return nil, err
	}
	if next.BatchID != "" {
		if _, err := c.batches.RecomputeProgress(ctx, next.BatchID); err != nil {
			c.log.WithError(err).WithField("batch_id", next.BatchID).Warn("重新计数批次失败")
		}
	}
	return next, nil
}

// DownloadResult 下载 Worker 上报的结果
type DownloadResult struct {
	MediaID           string         `json:"media_id"`
	Outcome           models.Outcome `json:"outcome"`
	WorkItemID        string         `json:"work_item_id,omitempty"`
	ReservationID     string         `json:"reservation_id,omitempty"`
	Error             string         `json:"error,omitempty"`
	RetryAfterSeconds int            `json:"retry_after_seconds,omitempty"`
}

// HandleDownloadResult 更新下载记录并确认（或释放）对应的工作单元
func (c *Coordinator) HandleDownloadResult(ctx context.Context, res *DownloadResult) (*models.DownloadRecord, error) {
	const op = "worker.HandleDownloadResult"
	if c.downloads == nil {
		return nil, apperrors.InvalidInput(op, "download queue is not enabled")
	}
	if res == nil || strings.TrimSpace(res.MediaID) == "" {
		return nil, apperrors.InvalidInput(op, "media_id is required")
	}

	item := c.itemRef(&models.StageCallback{
		Stage:         models.StageDownload,
		WorkItemID:    res.WorkItemID,
		ReservationID: res.ReservationID,
	})

	switch res.Outcome {
	case models.OutcomeSuccess:
		rec, err := c.downloads.MarkCompleted(ctx, res.MediaID)
		if err != nil {
			return nil, err
		}
		c.ack(ctx, item)
		return rec, nil
	case models.OutcomeFailure:
		reason := strings.TrimSpace(res.Error)
		if reason == "" {
			reason = "download failed"
		}
		rec, err := c.downloads.MarkFailed(ctx, res.MediaID, reason)
		if err != nil {
			return nil, err
		}
		c.ack(ctx, item)
		return rec, nil
	case models.OutcomeRetry:
		if item == nil {
			return nil, apperrors.InvalidInput(op, "work_item_id and reservation_id are required for retry")
		}
		if err := c.scheduler.Release(ctx, item, time.Duration(res.RetryAfterSeconds)*time.Second); err != nil {
			return nil, err
		}
		return c.downloads.Get(ctx, res.MediaID)
	default:
		return nil, apperrors.InvalidInput(op, fmt.Sprintf("unknown outcome %q", res.Outcome))
	}
}

// itemRef 回调中携带的工作单元引用，没有时返回 nil
func (c *Coordinator) itemRef(cb *models.StageCallback) *models.WorkItem {
	if cb.WorkItemID == "" || cb.ReservationID == "" {
		return nil
	}
	return &models.WorkItem{ID: cb.WorkItemID, ReservationID: cb.ReservationID, Queue: cb.Stage.Queue()}
}

// ack 确认工作单元。预留已失效说明工作单元已被重新投递，新的领取者会发现阶段已完成并丢弃它。
func (c *Coordinator) ack(ctx context.Context, item *models.WorkItem) {
	if item == nil {
		return
	}
	if err := c.scheduler.Ack(ctx, item); err != nil && !errors.Is(err, apperrors.ErrStaleReservation) {
		c.log.WithError(err).WithField("item_id", item.ID).Warn("确认工作单元失败")
	}
}

func (c *Coordinator) release(ctx context.Context, item *models.WorkItem, delay time.Duration) {
	if err := c.scheduler.Release(ctx, item, delay); err != nil {
		c.log.WithError(err).WithField("item_id", item.ID).Warn("释放工作单元失败")
	}
}

func (c *Coordinator) recompute(ctx context.Context, p *models.SegmentPipeline) {
	if p.BatchID == "" {
		return
	}
	if _, err := c.batches.RecomputeProgress(ctx, p.BatchID); err != nil {
		c.log.WithError(err).WithField("batch_id", p.BatchID).Warn("重新计数批次失败")
	}
}
