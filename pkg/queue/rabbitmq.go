package queue

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"sync"
	"time"

	amqp "github.com/rabbitmq/amqp091-go"
	"github.com/sirupsen/logrus"

	"github.com/z-wentao/courseflow/pkg/apperrors"
	"github.com/z-wentao/courseflow/pkg/models"
)

// RabbitMQTransport 通过 RabbitMQ 向外部 Worker 推送阶段任务并接收回调
// 1. 发布与消费使用独立连接
// 2. 通过 QoS prefetchCount 控制并发
// 3. 手动 Ack/Nack 保证消息可靠性
//
// 调度器仍是唯一的事实来源：消息只是已领取工作单元的投递通道，
// 消息丢失时工作单元会在可见性超时后重新被领取并再次发布。
type RabbitMQTransport struct {
	url      string
	prefix   string
	prefetch int
	log      logrus.FieldLogger

	closed chan struct{}
	ctx    context.Context
	cancel context.CancelFunc

	// 发布消息用的连接和通道
	publishConn    *amqp.Connection
	publishChannel *amqp.Channel
	publishMutex   sync.Mutex
	declared       map[string]bool

	// 消费消息用的连接和通道
	consumeConn    *amqp.Connection
	consumeChannel *amqp.Channel
	consumeMutex   sync.Mutex

	// RabbitMQ Channel 不是并发安全的，Ack/Nack 需要加锁
	ackMutex sync.Mutex
}

// NewRabbitMQTransport 创建 RabbitMQ 传输层
func NewRabbitMQTransport(url, prefix string, prefetch int, log logrus.FieldLogger) (*RabbitMQTransport, error) {
	if prefetch <= 0 {
		prefetch = 1
	}
	if log == nil {
		log = logrus.StandardLogger()
	}
	ctx, cancel := context.WithCancel(context.Background())

	t := &RabbitMQTransport{
		url:      url,
		prefix:   prefix,
		prefetch: prefetch,
		log:      log.WithField("component", "rabbitmq"),
		closed:   make(chan struct{}),
		ctx:      ctx,
		cancel:   cancel,
		declared: make(map[string]bool),
	}

	if err := t.setupPublisher(); err != nil {
		cancel()
		return nil, fmt.Errorf("初始化发布者失败: %w", err)
	}

	t.log.WithField("prefix", prefix).Info("RabbitMQ 传输层初始化成功")
	return t, nil
}

// TaskQueueName 阶段队列对应的 RabbitMQ 队列名
func (t *RabbitMQTransport) TaskQueueName(queue string) string {
	return t.prefix + "." + queue
}

// CallbackQueueName 回调队列名
func (t *RabbitMQTransport) CallbackQueueName() string {
	return t.prefix + ".callbacks"
}

func (t *RabbitMQTransport) setupPublisher() error {
	conn, err := amqp.Dial(t.url)
	if err != nil {
		return fmt.Errorf("连接失败: %w", err)
	}

	ch, err := conn.Channel()
	if err != nil {
		conn.Close()
		return fmt.Errorf("创建 RabbitMQ Channel 失败: %w", err)
	}

	t.publishConn = conn
	t.publishChannel = ch
	return nil
}

// setupConsumer 消费连接按需建立，只发布任务的进程不需要它
func (t *RabbitMQTransport) setupConsumer() (*amqp.Channel, error) {
	t.consumeMutex.Lock()
	defer t.consumeMutex.Unlock()

	if t.consumeChannel != nil {
		return t.consumeChannel, nil
	}

	conn, err := amqp.Dial(t.url)
	if err != nil {
		return nil, fmt.Errorf("连接失败: %w", err)
	}

	ch, err := conn.Channel()
	if err != nil {
		conn.Close()
		return nil, fmt.Errorf("创建 RabbitMQ Channel 失败: %w", err)
	}

	// 预取数量即并发处理数
	if err := ch.Qos(t.prefetch, 0, false); err != nil {
		ch.Close()
		conn.Close()
		return nil, fmt.Errorf("设置 QoS 失败: %w", err)
	}

	t.consumeConn = conn
	t.consumeChannel = ch
	t.log.WithField("prefetch", t.prefetch).Info("RabbitMQ 消费者连接已建立")
	return ch, nil
}

// declare 声明持久化队列（幂等操作），调用方需持有 publishMutex
func (t *RabbitMQTransport) declare(ch *amqp.Channel, name string) error {
	if t.declared[name] {
		return nil
	}
	_, err := ch.QueueDeclare(
		name,
		true,  // durable
		false, // autoDelete
		false, // exclusive
		false, // noWait
		nil,
	)
	if err != nil {
		return fmt.Errorf("声明队列 %s 失败: %w", name, err)
	}
	t.declared[name] = true
	return nil
}

// PublishTask 发布阶段任务到 <prefix>.<queue>
func (t *RabbitMQTransport) PublishTask(ctx context.Context, task *models.StageTask) error {
	return t.publish(ctx, t.TaskQueueName(task.Queue), task)
}

// PublishCallback 发布阶段回调到 <prefix>.callbacks
func (t *RabbitMQTransport) PublishCallback(ctx context.Context, cb *models.StageCallback) error {
	return t.publish(ctx, t.CallbackQueueName(), cb)
}

func (t *RabbitMQTransport) publish(ctx context.Context, queueName string, v any) error {
	body, err := json.Marshal(v)
	if err != nil {
		return fmt.Errorf("序列化消息失败: %w", err)
	}

	t.publishMutex.Lock()
	defer t.publishMutex.Unlock()

	if err := t.declare(t.publishChannel, queueName); err != nil {
		return err
	}

	ctx, cancel := context.WithTimeout(ctx, 5*time.Second)
	defer cancel()

	err = t.publishChannel.PublishWithContext(
		ctx,
		"",        // 默认 exchange
		queueName, // routing key
		false,     // mandatory
		false,     // immediate
		amqp.Publishing{
			DeliveryMode: amqp.Persistent,
			ContentType:  "application/json",
			Body:         body,
			Timestamp:    time.Now(),
		},
	)
	if err != nil {
		return fmt.Errorf("发布消息失败: %w", err)
	}
	return nil
}

// ConsumeCallbacks 消费回调队列直到 ctx 取消，handler 返回 nil 时确认消息
func (t *RabbitMQTransport) ConsumeCallbacks(ctx context.Context, handler func(context.Context, *models.StageCallback) error) error {
	return t.consume(ctx, t.CallbackQueueName(), func(ctx context.Context, body []byte) error {
		var cb models.StageCallback
		if err := json.Unmarshal(body, &cb); err != nil {
			return apperrors.E("rabbitmq.ConsumeCallbacks", apperrors.ErrInvalidInput, "反序列化回调失败", err)
		}
		return handler(ctx, &cb)
	})
}

// ConsumeTasks 消费某个阶段队列的任务（外部 Worker 使用）
func (t *RabbitMQTransport) ConsumeTasks(ctx context.Context, queue string, handler func(context.Context, *models.StageTask) error) error {
	return t.consume(ctx, t.TaskQueueName(queue), func(ctx context.Context, body []byte) error {
		var task models.StageTask
		if err := json.Unmarshal(body, &task); err != nil {
			return apperrors.E("rabbitmq.ConsumeTasks", apperrors.ErrInvalidInput, "反序列化任务失败", err)
		}
		return handler(ctx, &task)
	})
}

// consume prefetch 个 goroutine 共享同一个 deliveries channel，
// Go Channel 保证每条消息只会被一个 goroutine 读取
func (t *RabbitMQTransport) consume(ctx context.Context, queueName string, handle func(context.Context, []byte) error) error {
	ch, err := t.setupConsumer()
	if err != nil {
		return fmt.Errorf("初始化消费者失败: %w", err)
	}

	t.consumeMutex.Lock()
	_, err = ch.QueueDeclare(queueName, true, false, false, false, nil)
	if err != nil {
		t.consumeMutex.Unlock()
		return fmt.Errorf("声明队列 %s 失败: %w", queueName, err)
	}
	deliveries, err := ch.Consume(
		queueName,
		"",    // consumer tag 由服务端生成
		false, // autoAck: 手动确认
		false, // exclusive
		false, // noLocal
		false, // noWait
		nil,
	)
	t.consumeMutex.Unlock()
	if err != nil {
		return fmt.Errorf("启动消费失败: %w", err)
	}

	log := t.log.WithField("queue", queueName)
	log.Info("开始消费")

	var wg sync.WaitGroup
	for i := 0; i < t.prefetch; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			for {
				select {
				case <-ctx.Done():
					return
				case <-t.ctx.Done():
					return
				case d, ok := <-deliveries:
					if !ok {
						return
					}
					t.settle(log, d, handle(ctx, d.Body))
				}
			}
		}()
	}
	wg.Wait()

	select {
	case <-t.closed:
		return nil
	default:
	}
	if ctx.Err() != nil {
		return nil
	}
	return errors.New("消费通道已关闭")
}

// settle 根据处理结果确认或拒绝消息
func (t *RabbitMQTransport) settle(log logrus.FieldLogger, d amqp.Delivery, err error) {
	t.ackMutex.Lock()
	defer t.ackMutex.Unlock()

	if err == nil {
		if ackErr := d.Ack(false); ackErr != nil {
			log.WithError(ackErr).Warn("确认消息失败")
		}
		return
	}

	requeue := shouldRequeue(err)
	log.WithError(err).WithField("requeue", requeue).Warn("消息处理失败")
	if nackErr := d.Nack(false, requeue); nackErr != nil {
		log.WithError(nackErr).Warn("拒绝消息失败")
	}
}

// shouldRequeue 重复投递、迟到回调、格式错误的消息重新入队也不会成功，直接丢弃
func shouldRequeue(err error) bool {
	switch {
	case errors.Is(err, apperrors.ErrInvalidInput),
		errors.Is(err, apperrors.ErrInvalidTransition),
		errors.Is(err, apperrors.ErrStaleReservation),
		errors.Is(err, apperrors.ErrNotFound),
		errors.Is(err, apperrors.ErrPermanentSegmentFailure):
		return false
	default:
		return true
	}
}

// Close 关闭连接
func (t *RabbitMQTransport) Close() error {
	select {
	case <-t.closed:
		return nil
	default:
	}
	close(t.closed)
	t.cancel()

	t.consumeMutex.Lock()
	if t.consumeChannel != nil {
		t.consumeChannel.Close()
	}
	if t.consumeConn != nil {
		t.consumeConn.Close()
	}
	t.consumeMutex.Unlock()

	t.publishMutex.Lock()
	if t.publishChannel != nil {
		t.publishChannel.Close()
	}
	if t.publishConn != nil {
		t.publishConn.Close()
	}
	t.publishMutex.Unlock()

	t.log.Info("RabbitMQ 传输层已关闭")
	return nil
}
