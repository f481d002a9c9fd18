package worker

import (
	"context"
	"errors"
	"sync"
	"time"

	"github.com/sirupsen/logrus"

	"github.com/z-wentao/courseflow/pkg/models"
	"github.com/z-wentao/courseflow/pkg/queue"
)

// TaskPublisher 把领取到的任务推送给外部 Worker
type TaskPublisher interface {
	PublishTask(ctx context.Context, task *models.StageTask) error
}

// CallbackSource 外部 Worker 回调的来源
type CallbackSource interface {
	ConsumeCallbacks(ctx context.Context, handler func(context.Context, *models.StageCallback) error) error
}

// Dispatcher 推送模式：每个队列一个 goroutine，领取工作单元后发布到消息队列
// 调度器仍负责可见性超时，消息丢失时工作单元会被重新领取并再次发布。
type Dispatcher struct {
	coord        *Coordinator
	publisher    TaskPublisher
	queues       []string
	pollInterval time.Duration
	log          logrus.FieldLogger
}

// NewDispatcher 创建派发器
func NewDispatcher(coord *Coordinator, publisher TaskPublisher, queues []string, pollInterval time.Duration, log logrus.FieldLogger) *Dispatcher {
	if pollInterval <= 0 {
		pollInterval = time.Second
	}
	if log == nil {
		log = logrus.StandardLogger()
	}
	return &Dispatcher{
		coord:        coord,
		publisher:    publisher,
		queues:       queues,
		pollInterval: pollInterval,
		log:          log.WithField("component", "dispatcher"),
	}
}

// Run 启动全部队列的派发循环，阻塞到 ctx 取消
func (d *Dispatcher) Run(ctx context.Context) {
	var wg sync.WaitGroup
	for _, q := range d.queues {
		wg.Add(1)
		go func(queueName string) {
			defer wg.Done()
			d.loop(ctx, queueName)
		}(q)
	}
	d.log.WithField("queues", d.queues).Info("派发器已启动")
	wg.Wait()
	d.log.Info("派发器已停止")
}

func (d *Dispatcher) loop(ctx context.Context, queueName string) {
	log := d.log.WithField("queue", queueName)
	for {
		select {
		case <-ctx.Done():
			return
		default:
		}

		dispatched, err := d.DispatchOnce(ctx, queueName)
		if err != nil {
			log.WithError(err).Warn("派发失败")
		}
		if dispatched {
			continue
		}

		select {
		case <-ctx.Done():
			return
		case <-time.After(d.pollInterval):
		}
	}
}

// DispatchOnce 领取并发布一个任务，队列为空时返回 false
func (d *Dispatcher) DispatchOnce(ctx context.Context, queueName string) (bool, error) {
	task, err := d.coord.Claim(ctx, queueName, "")
	if errors.Is(err, queue.ErrQueueEmpty) {
		return false, nil
	}
	if err != nil {
		return false, err
	}

	if err := d.publisher.PublishTask(ctx, task); err != nil {
		// 发布失败时立即归还，避免等待整个可见性超时
		d.coord.release(ctx, &models.WorkItem{
			ID:            task.WorkItemID,
			ReservationID: task.ReservationID,
			Queue:         task.Queue,
		}, d.pollInterval)
		return false, err
	}
	return true, nil
}

// RunCallbackConsumer 消费回调直到 ctx 取消，连接断开时退避重连
func RunCallbackConsumer(ctx context.Context, source CallbackSource, coord *Coordinator, log logrus.FieldLogger) {
	if log == nil {
		log = logrus.StandardLogger()
	}
	backoff := time.Second
	for {
		err := source.ConsumeCallbacks(ctx, func(ctx context.Context, cb *models.StageCallback) error {
			_, err := coord.HandleCallback(ctx, cb)
			return err
		})
		if ctx.Err() != nil {
			return
		}
		if err != nil {
			log.WithError(err).WithField("backoff", backoff.String()).Warn("回调消费中断，稍后重连")
		}

		select {
		case <-ctx.Done():
			return
		case <-time.After(backoff):
		}
		if backoff < 30*time.Second {
			backoff *= 2
		}
	}
}
