package stages

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/sirupsen/logrus"
	"golang.org/x/time/rate"

	"github.com/z-wentao/courseflow/pkg/apperrors"
	"github.com/z-wentao/courseflow/pkg/models"
	"github.com/z-wentao/courseflow/pkg/transcriber"
)

// Runner 参考 Worker 主循环：领取、执行、上报
type Runner struct {
	api      *APIClient
	handlers map[string]Handler // 队列名 -> 处理器
	limiter  *rate.Limiter      // 为空时不限流
	poll     time.Duration
	// 暂时性失败达到该领取次数后按 failure 上报，0 表示不限
	maxAttempts int
	publisher   CallbackPublisher
	log         logrus.FieldLogger
}

// NewRunner 创建 Runner
func NewRunner(api *APIClient, handlers map[string]Handler, limiter *rate.Limiter, poll time.Duration, maxAttempts int, log logrus.FieldLogger) *Runner {
	if poll <= 0 {
		poll = 2 * time.Second
	}
	if log == nil {
		log = logrus.StandardLogger()
	}
	return &Runner{
		api:         api,
		handlers:    handlers,
		limiter:     limiter,
		poll:        poll,
		maxAttempts: maxAttempts,
		log:         log.WithField("component", "stage-runner"),
	}
}

// Run 每个队列一个 goroutine，直到 ctx 取消
func (r *Runner) Run(ctx context.Context) {
	var wg sync.WaitGroup
	for queue := range r.handlers {
		wg.Add(1)
		go func(queue string) {
			defer wg.Done()
			r.loop(ctx, queue)
		}(queue)
	}
	wg.Wait()
}

func (r *Runner) loop(ctx context.Context, queue string) {
	entry := r.log.WithField("queue", queue)
	entry.Info("开始领取任务")
	for {
		worked, err := r.RunOnce(ctx, queue)
		if err != nil && ctx.Err() == nil {
			entry.WithError(err).Warn("处理任务失败")
		}
		if worked && err == nil {
			continue
		}
		select {
		case <-ctx.Done():
			entry.Info("停止领取任务")
			return
		case <-time.After(r.poll):
		}
	}
}

// RunOnce 领取并处理一个任务，队列为空时返回 false
func (r *Runner) RunOnce(ctx context.Context, queue string) (bool, error) {
	if _, ok := r.handlers[queue]; !ok {
		return false, apperrors.InvalidInput("stages.RunOnce", "no handler for queue "+queue)
	}

	task, err := r.api.Claim(ctx, queue)
	if err != nil {
		return false, err
	}
	if task == nil {
		return false, nil
	}
	if task.Queue == "" {
		task.Queue = queue
	}
	return true, r.Process(ctx, task)
}

// Process 执行一个已领取的任务并上报结果。暂时性失败不上报，返回 nil。
func (r *Runner) Process(ctx context.Context, task *models.StageTask) error {
	handler, ok := r.handlers[task.Queue]
	if !ok {
		return apperrors.InvalidInput("stages.Process", "no handler for queue "+task.Queue)
	}
	entry := r.log.WithFields(logrus.Fields{
		"queue":       task.Queue,
		"item_id":     task.WorkItemID,
		"pipeline_id": task.PipelineID,
		"attempts":    task.Attempts,
	})

	if delay, limited := r.throttle(); limited {
		entry.WithField("delay", delay).Info("本地限流，归还任务")
		return r.api.Release(ctx, task, delay)
	}

	started := time.Now()
	cb, err := handler.Handle(ctx, task)
	if err != nil {
		exhausted := r.maxAttempts > 0 && task.Attempts >= r.maxAttempts
		if ctx.Err() != nil || (transient(err) && !exhausted) {
			// 不上报，预留到期后由调度器重新投递
			entry.WithError(err).Warn("暂时性失败，等待重新投递")
			return nil
		}
		entry.WithError(err).Error("阶段执行失败")
		return r.report(ctx, task, &models.StageCallback{Outcome: models.OutcomeFailure, Error: err.Error()})
	}

	if cb == nil {
		cb = &models.StageCallback{}
	}
	cb.Outcome = models.OutcomeSuccess
	entry.WithField("elapsed", time.Since(started).Round(time.Millisecond)).Info("阶段执行完成")
	return r.report(ctx, task, cb)
}

// TaskSource 推送模式下的任务来源
type TaskSource interface {
	ConsumeTasks(ctx context.Context, queue string, handler func(context.Context, *models.StageTask) error) error
}

// CallbackPublisher 推送模式下通过消息队列上报流水线回调
type CallbackPublisher interface {
	PublishCallback(ctx context.Context, cb *models.StageCallback) error
}

// UseCallbackPublisher 流水线回调改走消息队列，下载结果仍走 HTTP
func (r *Runner) UseCallbackPublisher(p CallbackPublisher) {
	r.publisher = p
}

// Consume 推送模式：每个队列一个消费者，直到 ctx 取消
func (r *Runner) Consume(ctx context.Context, source TaskSource) error {
	var (
		wg       sync.WaitGroup
		mu       sync.Mutex
		firstErr error
	)
	for queue := range r.handlers {
		wg.Add(1)
		go func(queue string) {
			defer wg.Done()
			if err := source.ConsumeTasks(ctx, queue, r.Process); err != nil {
				r.log.WithError(err).WithField("queue", queue).Error("消费任务失败")
				mu.Lock()
				if firstErr == nil {
					firstErr = err
				}
				mu.Unlock()
			}
		}(queue)
	}
	wg.Wait()
	return firstErr
}

// throttle 取一个令牌；令牌不足时返回需要等待的时长
func (r *Runner) throttle() (time.Duration, bool) {
	if r.limiter == nil {
		return 0, false
	}
	res := r.limiter.Reserve()
	if !res.OK() {
		return r.poll, true
	}
	if d := res.Delay(); d > 0 {
		res.Cancel()
		return d, true
	}
	return 0, false
}

func (r *Runner) report(ctx context.Context, task *models.StageTask, cb *models.StageCallback) error {
	if task.Stage == models.StageDownload {
		if err := r.api.FinishDownload(ctx, task, cb.Outcome, cb.Error); err != nil {
			return fmt.Errorf("上报下载结果失败: %w", err)
		}
		return nil
	}

	cb.PipelineID = task.PipelineID
	cb.Stage = task.Stage
	cb.WorkItemID = task.WorkItemID
	cb.ReservationID = task.ReservationID
	if r.publisher != nil {
		if err := r.publisher.PublishCallback(ctx, cb); err != nil {
			return fmt.Errorf("发布阶段结果失败: %w", err)
		}
		return nil
	}
	if err := r.api.Callback(ctx, cb); err != nil {
		return fmt.Errorf("上报阶段结果失败: %w", err)
	}
	return nil
}

func transient(err error) bool {
	if errors.Is(err, apperrors.ErrPermanentSegmentFailure) {
		return false
	}
	return errors.Is(err, apperrors.ErrTransientWorkerFailure) || transcriber.Retryable(err)
}
