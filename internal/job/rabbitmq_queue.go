package job

import (
	"context"
	stdErrors "errors"
	"fmt"
	"log/slog"
	"sync"

	amqp "github.com/rabbitmq/amqp091-go"

	"i-vis/internal/config"
	"i-vis/pkg/logger"
)

const upgradeMessageType = "ivis.upgrade.job"

// RabbitQueue 通过 RabbitMQ 分发作业 ID，消费使用手动确认。
type RabbitQueue struct {
	conn     *amqp.Connection
	ch       *amqp.Channel
	name     string
	prefetch int
	mu       sync.Mutex
}

// NewRabbitQueue 连接 RabbitMQ 并声明队列。
func NewRabbitQueue(cfg config.RabbitMQConfig) (*RabbitQueue, error) {
	if cfg.URL == "" {
		return nil, stdErrors.New("rabbitmq url is empty")
	}
	name := cfg.Queue
	if name == "" {
		name = "ivis.upgrades"
	}
	conn, err := amqp.Dial(cfg.URL)
	if err != nil {
		return nil, fmt.Errorf("dial rabbitmq: %w", err)
	}
	ch, err := conn.Channel()
	if err != nil {
		_ = conn.Close()
		return nil, fmt.Errorf("open channel: %w", err)
	}
	if _, err := ch.QueueDeclare(name, cfg.Durable, cfg.AutoDelete, false, false, nil); err != nil {
		_ = ch.Close()
		_ = conn.Close()
		return nil, fmt.Errorf("declare queue %s: %w", name, err)
	}
	return &RabbitQueue{conn: conn, ch: ch, name: name, prefetch: cfg.Prefetch}, nil
}

func (q *RabbitQueue) Publish(ctx context.Context, id string) error {
	// amqp.Channel 不支持并发发布。
	q.mu.Lock()
	defer q.mu.Unlock()
	return q.ch.PublishWithContext(ctx, "", q.name, false, false, amqp.Publishing{
		MessageId:    id,
		Type:         upgradeMessageType,
		ContentType:  "text/plain",
		DeliveryMode: amqp.Persistent,
		Body:         []byte(id),
	})
}

// Consume 的 prefetch 默认等于 workers，每个消费者同时只持有一条未确认消息。
func (q *RabbitQueue) Consume(ctx context.Context, workers int, handle HandleFunc) error {
	if workers <= 0 {
		workers = 1
	}
	prefetch := q.prefetch
	if prefetch <= 0 {
		prefetch = workers
	}
	if err := q.ch.Qos(prefetch, 0, false); err != nil {
		return fmt.Errorf("set qos: %w", err)
	}
	deliveries, err := q.ch.ConsumeWithContext(ctx, q.name, "", false, false, false, false, nil)
	if err != nil {
		return fmt.Errorf("consume %s: %w", q.name, err)
	}

	log := logger.Named("queue")
	var wg sync.WaitGroup
	for i := 0; i < workers; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			for d := range deliveries {
				id := d.MessageId
				if id == "" {
					id = string(d.Body)
				}
				if err := handle(ctx, id); err != nil {
					log.Warn("升级作业处理失败，消息重新入队", slog.String("job_id", id), slog.Any("error", err))
					_ = d.Nack(false, true)
					continue
				}
				_ = d.Ack(false)
			}
		}()
	}
	wg.Wait()
	return ctx.Err()
}

func (q *RabbitQueue) Close() error {
	if q == nil {
		return nil
	}
	if q.ch != nil {
		_ = q.ch.Close()
	}
	if q.conn != nil {
		return q.conn.Close()
	}
	return nil
}

var _ Queue = (*RabbitQueue)(nil)
