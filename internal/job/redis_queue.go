package job

import (
	"context"
	stdErrors "errors"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/redis/go-redis/v9"

	"i-vis/internal/config"
	"i-vis/pkg/logger"
)

// RedisQueue 用两个 list 实现至少一次投递：消费时 BLMOVE 到 processing list，
// 处理完成后再从 processing 中删除。进程崩溃遗留的 ID 在下次 Consume 时放回队列。
type RedisQueue struct {
	client     *redis.Client
	pending    string
	processing string
	wait       time.Duration
}

// NewRedisQueue 连接 Redis 并确认可用。
func NewRedisQueue(ctx context.Context, cfg config.RedisConfig) (*RedisQueue, error) {
	if cfg.Address == "" {
		return nil, stdErrors.New("redis address is empty")
	}
	key := cfg.Key
	if key == "" {
		key = "ivis:upgrades"
	}
	wait := time.Duration(cfg.BlockWaitSeconds) * time.Second
	if wait <= 0 {
		wait = 5 * time.Second
	}
	client := redis.NewClient(&redis.Options{Addr: cfg.Address, Password: cfg.Password, DB: cfg.DB})
	if err := client.Ping(ctx).Err(); err != nil {
		_ = client.Close()
		return nil, fmt.Errorf("ping redis %s: %w", cfg.Address, err)
	}
	return &RedisQueue{client: client, pending: key, processing: key + ":processing", wait: wait}, nil
}

func (q *RedisQueue) Publish(ctx context.Context, id string) error {
	if err := q.client.LPush(ctx, q.pending, id).Err(); err != nil {
		return fmt.Errorf("publish %s: %w", id, err)
	}
	return nil
}

// requeueStranded 把上次未确认的 ID 移回待处理队列。
func (q *RedisQueue) requeueStranded(ctx context.Context) (int, error) {
	n := 0
	for {
		err := q.client.LMove(ctx, q.processing, q.pending, "RIGHT", "RIGHT").Err()
		if err == redis.Nil {
			return n, nil
		}
		if err != nil {
			return n, err
		}
		n++
	}
}

func (q *RedisQueue) Consume(ctx context.Context, workers int, handle HandleFunc) error {
	if workers <= 0 {
		workers = 1
	}
	log := logger.Named("queue")
	if n, err := q.requeueStranded(ctx); err != nil {
		return fmt.Errorf("requeue stranded jobs: %w", err)
	} else if n > 0 {
		log.Warn("重新投递未确认的升级作业", slog.Int("count", n))
	}

	var (
		wg       sync.WaitGroup
		once     sync.Once
		firstErr error
	)
	ctx, cancel := context.WithCancel(ctx)
	defer cancel()
	for i := 0; i < workers; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			for ctx.Err() == nil {
				id, err := q.client.BLMove(ctx, q.pending, q.processing, "RIGHT", "LEFT", q.wait).Result()
				if err == redis.Nil {
					continue
				}
				if err != nil {
					if ctx.Err() == nil {
						once.Do(func() { firstErr = fmt.Errorf("consume: %w", err) })
						cancel()
					}
					return
				}
				if hErr := handle(ctx, id); hErr != nil {
					if ctx.Err() != nil {
						// 留在 processing 中，下次启动时重新投递。
						return
					}
					_ = q.client.LPush(ctx, q.pending, id).Err()
				}
				_ = q.client.LRem(context.WithoutCancel(ctx), q.processing, 1, id).Err()
			}
		}()
	}
	wg.Wait()
	if firstErr != nil {
		return firstErr
	}
	return ctx.Err()
}

func (q *RedisQueue) Close() error {
	if q == nil || q.client == nil {
		return nil
	}
	return q.client.Close()
}

var _ Queue = (*RedisQueue)(nil)
