package notify

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/redis/go-redis/v9"
)

// RedisStreamConfig 描述 Redis 事件流的连接参数。
type RedisStreamConfig struct {
	Address   string
	Password  string
	DB        int
	Queue     string
	BlockWait time.Duration
}

// RedisStream 使用 Redis list 承载市场事件流。
type RedisStream struct {
	client *redis.Client
	queue  string
	wait   time.Duration
}

// NewRedisStream 创建 Redis 事件流实例。
func NewRedisStream(cfg RedisStreamConfig) (*RedisStream, error) {
	if cfg.Address == "" {
		return nil, errors.New("Redis address 不能为空")
	}
	queue := cfg.Queue
	if queue == "" {
		queue = "agentmarket:events"
	}
	wait := cfg.BlockWait
	if wait <= 0 {
		wait = 5 * time.Second
	}
	client := redis.NewClient(&redis.Options{
		Addr:     cfg.Address,
		Password: cfg.Password,
		DB:       cfg.DB,
	})
	if err := client.Ping(context.Background()).Err(); err != nil {
		return nil, fmt.Errorf("连接 Redis 失败: %w", err)
	}
	return &RedisStream{client: client, queue: queue, wait: wait}, nil
}

// Publish 将事件以 JSON 形式投递到 Redis。
func (s *RedisStream) Publish(ctx context.Context, evt Event) error {
	payload, err := json.Marshal(evt)
	if err != nil {
		return fmt.Errorf("序列化事件失败: %w", err)
	}
	if err := s.client.LPush(ctx, s.queue, payload).Err(); err != nil {
		return fmt.Errorf("Redis 发布事件失败: %w", err)
	}
	return nil
}

// Consume 通过 BRPOP 从 Redis 获取事件。
func (s *RedisStream) Consume(ctx context.Context, workerCount int, handler Handler) error {
	if workerCount <= 0 {
		workerCount = 1
	}
	errCh := make(chan error, workerCount)
	for i := 0; i < workerCount; i++ {
		go func() {
			for {
				select {
				case <-ctx.Done():
					errCh <- ctx.Err()
					return
				default:
				}
				values, err := s.client.BRPop(ctx, s.wait, s.queue).Result()
				if err != nil {
					if errors.Is(err, context.Canceled) || errors.Is(err, redis.ErrClosed) {
						errCh <- err
						return
					}
					if err == redis.Nil {
						continue
					}
					errCh <- fmt.Errorf("Redis 取事件失败: %w", err)
					return
				}
				if len(values) != 2 {
					continue
				}
				var evt Event
				if err := json.Unmarshal([]byte(values[1]), &evt); err != nil {
					// 损坏的事件丢弃，不能阻塞整条流。
					continue
				}
				if handlerErr := handler(ctx, evt); handlerErr != nil {
					_ = s.client.RPush(ctx, s.queue, values[1]).Err()
				}
			}
		}()
	}
	select {
	case <-ctx.Done():
		return ctx.Err()
	case err := <-errCh:
		return err
	}
}

// Close 关闭 Redis 连接。
func (s *RedisStream) Close() error {
	if s == nil || s.client == nil {
		return nil
	}
	return s.client.Close()
}

var _ Stream = (*RedisStream)(nil)
