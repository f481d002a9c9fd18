package queue

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/google/uuid"
	"github.com/sirupsen/logrus"

	"github.com/z-wentao/courseflow/pkg/apperrors"
	"github.com/z-wentao/courseflow/pkg/models"
)

// ErrQueueEmpty 队列中没有可领取的工作单元
var ErrQueueEmpty = errors.New("queue empty")

// Store 工作单元存储接口
// ClaimWorkItem 必须是单个原子操作：两个并发调用方绝不能领取到同一个工作单元。
type Store interface {
	// InsertWorkItem ID 已存在时返回 ErrConcurrencyConflict
	InsertWorkItem(ctx context.Context, item *models.WorkItem) error

	// ClaimWorkItem 在 queue 中选出可见的最高优先级工作单元（同优先级按 AvailableAt 先进先出），
	// 写入预留信息并把 Attempts 加一。没有可领取的返回 nil, nil。
	ClaimWorkItem(ctx context.Context, queue string, now, staleBefore time.Time, reservationID string) (*models.WorkItem, error)

	// DeleteWorkItem 确认：预留令牌不匹配时返回 ErrStaleReservation
	DeleteWorkItem(ctx context.Context, id, reservationID string) error

	// ReleaseWorkItem 主动退避：清除预留、推迟可见时间、回退本次领取的尝试计数
	ReleaseWorkItem(ctx context.Context, id, reservationID string, availableAt time.Time) error

	// PurgeBatchWorkItems 删除批次中尚未被领取（或预留已过期）的工作单元并返回
	PurgeBatchWorkItems(ctx context.Context, batchID string, staleBefore func(queue string) time.Time) ([]*models.WorkItem, error)

	QueueStats(ctx context.Context, queue string, now, staleBefore time.Time) (models.QueueStats, error)
}

// Payload 工作单元引用的业务数据
// ID 非空时作为工作单元 ID，同一 ID 重复入队返回 ErrConcurrencyConflict；为空时生成随机 ID。
type Payload struct {
	ID         string
	SegmentID  string
	PipelineID string
	BatchID    string
	MediaID    string
	CourseID   string
}

// Scheduler 优先级队列调度器
// 每个处理阶段一个逻辑队列，高/普通/低三种优先级共享同一个队列。
type Scheduler struct {
	store          Store
	timeouts       map[string]time.Duration
	defaultTimeout time.Duration
	log            logrus.FieldLogger
	now            func() time.Time
}

type Option func(*Scheduler)

// WithVisibilityTimeouts 设置每个队列的可见性超时
func WithVisibilityTimeouts(timeouts map[string]time.Duration, fallback time.Duration) Option {
	return func(s *Scheduler) {
		for name, d := range timeouts {
			s.timeouts[name] = d
		}
		if fallback > 0 {
			s.defaultTimeout = fallback
		}
	}
}

func WithLogger(log logrus.FieldLogger) Option {
	return func(s *Scheduler) { s.log = log }
}

func WithClock(now func() time.Time) Option {
	return func(s *Scheduler) { s.now = now }
}

// NewScheduler 创建调度器
func NewScheduler(store Store, opts ...Option) *Scheduler {
	s := &Scheduler{
		store:          store,
		timeouts:       make(map[string]time.Duration),
		defaultTimeout: 5 * time.Minute,
		log:            logrus.StandardLogger(),
		now:            time.Now,
	}
	for _, opt := range opts {
		opt(s)
	}
	return s
}

// VisibilityTimeout 队列的预留超时时长
func (s *Scheduler) VisibilityTimeout(queue string) time.Duration {
	if d, ok := s.timeouts[queue]; ok && d > 0 {
		return d
	}
	return s.defaultTimeout
}

func (s *Scheduler) staleBefore(queue string, now time.Time) time.Time {
	return now.Add(-s.VisibilityTimeout(queue))
}

// Enqueue 加入队列。notBefore 为零值时立即可见。
func (s *Scheduler) Enqueue(ctx context.Context, queue string, p Payload, priority models.Priority, notBefore time.Time) (*models.WorkItem, error) {
	const op = "queue.Enqueue"
	if strings.TrimSpace(queue) == "" {
		return nil, apperrors.InvalidInput(op, "queue name is required")
	}

	now := s.now().UTC()
	available := now
	if !notBefore.IsZero() && notBefore.After(now) {
		available = notBefore.UTC()
	}

	id := p.ID
	if id == "" {
		id = uuid.New().String()
	}
	item := &models.WorkItem{
		ID:          id,
		Queue:       queue,
		SegmentID:   p.SegmentID,
		PipelineID:  p.PipelineID,
		BatchID:     p.BatchID,
		MediaID:     p.MediaID,
		CourseID:    p.CourseID,
		Priority:    priority.Weight(),
		AvailableAt: available,
		CreatedAt:   now,
	}
	if err := s.store.InsertWorkItem(ctx, item); err != nil {
		return nil, fmt.Errorf("%s: %w", op, err)
	}

	s.log.WithFields(logrus.Fields{
		"queue":       queue,
		"item_id":     item.ID,
		"pipeline_id": p.PipelineID,
		"priority":    priority,
	}).Debug("工作单元已入队")
	return item, nil
}

// DequeueNext 原子地领取下一个工作单元，队列为空时返回 ErrQueueEmpty
func (s *Scheduler) DequeueNext(ctx context.Context, queue string) (*models.WorkItem, error) {
	now := s.now().UTC()
	item, err := s.store.ClaimWorkItem(ctx, queue, now, s.staleBefore(queue, now), uuid.New().String())
	if err != nil {
		return nil, fmt.Errorf("queue.DequeueNext: %w", err)
	}
	if item == nil {
		return nil, ErrQueueEmpty
	}
	if item.Attempts > 1 {
		s.log.WithFields(logrus.Fields{
			"queue":    queue,
			"item_id":  item.ID,
			"attempts": item.Attempts,
		}).Info("工作单元重新投递")
	}
	return item, nil
}

// Ack 确认处理完成并删除工作单元
func (s *Scheduler) Ack(ctx context.Context, item *models.WorkItem) error {
	if err := s.store.DeleteWorkItem(ctx, item.ID, item.ReservationID); err != nil {
		if errors.Is(err, apperrors.ErrStaleReservation) {
			s.log.WithFields(logrus.Fields{"queue": item.Queue, "item_id": item.ID}).Warn("确认时预留已失效")
		}
		return err
	}
	return nil
}

// Release 主动退避（例如外部限流），delay 之后重新可见，不计入重试次数
func (s *Scheduler) Release(ctx context.Context, item *models.WorkItem, delay time.Duration) error {
	if delay < 0 {
		delay = 0
	}
	availableAt := s.now().UTC().Add(delay)
	if err := s.store.ReleaseWorkItem(ctx, item.ID, item.ReservationID, availableAt); err != nil {
		if errors.Is(err, apperrors.ErrStaleReservation) {
			s.log.WithFields(logrus.Fields{"queue": item.Queue, "item_id": item.ID}).Warn("释放时预留已失效")
		}
		return err
	}
	return nil
}

// PurgeBatch 删除批次中尚未被领取的工作单元，已领取的允许继续完成
func (s *Scheduler) PurgeBatch(ctx context.Context, batchID string) ([]*models.WorkItem, error) {
	now := s.now().UTC()
	items, err := s.store.PurgeBatchWorkItems(ctx, batchID, func(queue string) time.Time {
		return s.staleBefore(queue, now)
	})
	if err != nil {
		return nil, fmt.Errorf("queue.PurgeBatch: %w", err)
	}
	return items, nil
}

// Stats 队列深度
func (s *Scheduler) Stats(ctx context.Context, queue string) (models.QueueStats, error) {
	now := s.now().UTC()
	return s.store.QueueStats(ctx, queue, now, s.staleBefore(queue, now))
}
