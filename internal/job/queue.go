package job

import (
	"context"
	"strings"
	"sync"

	"i-vis/internal/config"
	xerrors "i-vis/internal/errors"
)

// HandleFunc 处理一条作业 ID。返回错误表示消息应当重新投递。
type HandleFunc func(ctx context.Context, id string) error

// Queue 只传递作业 ID，作业内容保存在 Store 中。
type Queue interface {
	Publish(ctx context.Context, id string) error
	// Consume 以 workers 个并发消费者处理消息，阻塞到 ctx 结束或队列关闭。
	Consume(ctx context.Context, workers int, handle HandleFunc) error
	Close() error
}

// ErrQueueClosed 表示向已关闭的队列投递。
var ErrQueueClosed = xerrors.New(xerrors.CodeQueueFailure, "upgrade queue is closed")

// NewQueue 按 driver 创建队列：memory（默认）、redis 或 rabbitmq。
func NewQueue(ctx context.Context, cfg config.QueueConfig) (Queue, error) {
	switch driver := strings.ToLower(strings.TrimSpace(cfg.Driver)); driver {
	case "", "memory":
		return NewChanQueue(0), nil
	case "redis":
		q, err := NewRedisQueue(ctx, cfg.Redis)
		if err != nil {
			return nil, xerrors.Wrap(xerrors.CodeQueueFailure, err, "初始化 Redis 升级队列失败")
		}
		return q, nil
	case "rabbitmq", "amqp":
		q, err := NewRabbitQueue(cfg.RabbitMQ)
		if err != nil {
			return nil, xerrors.Wrap(xerrors.CodeQueueFailure, err, "初始化 RabbitMQ 升级队列失败")
		}
		return q, nil
	default:
		return nil, xerrors.Newf(xerrors.CodeInvalidArgument, "unsupported queue driver %q", cfg.Driver)
	}
}

// ChanQueue 是单进程内的缓冲队列，作业只在当前进程内执行。
type ChanQueue struct {
	ids       chan string
	done      chan struct{}
	closeOnce sync.Once
}

// NewChanQueue 创建容量为 size 的队列，size 不大于 0 时为 128。
func NewChanQueue(size int) *ChanQueue {
	if size <= 0 {
		size = 128
	}
	return &ChanQueue{ids: make(chan string, size), done: make(chan struct{})}
}

func (q *ChanQueue) Publish(ctx context.Context, id string) error {
	select {
	case <-q.done:
		return ErrQueueClosed
	default:
	}
	select {
	case q.ids <- id:
		return nil
	case <-q.done:
		return ErrQueueClosed
	case <-ctx.Done():
		return ctx.Err()
	}
}

func (q *ChanQueue) Consume(ctx context.Context, workers int, handle HandleFunc) error {
	if workers <= 0 {
		workers = 1
	}
	var wg sync.WaitGroup
	for i := 0; i < workers; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			for {
				select {
				case <-ctx.Done():
					return
				case <-q.done:
					return
				case id := <-q.ids:
					if err := handle(ctx, id); err != nil && ctx.Err() == nil {
						// 重投失败时消息丢失，作业保留在 Store 中可通过 jobs 命令查看。
						_ = q.Publish(ctx, id)
					}
				}
			}
		}()
	}
	wg.Wait()
	return ctx.Err()
}

// Close 停止消费者，之后的 Publish 返回 ErrQueueClosed。
func (q *ChanQueue) Close() error {
	q.closeOnce.Do(func() { close(q.done) })
	return nil
}

var _ Queue = (*ChanQueue)(nil)
