package apigateway

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/redis/go-redis/v9"
	"golang.org/x/time/rate"

	"github.com/agentflow/chatgateway/config"
)

// ============================================================================
// 限流
// ============================================================================

// Limiter 按 key 判断请求是否放行
type Limiter interface {
	Allow(ctx context.Context, key string) (bool, error)
	Close() error
}

// NewLimiter 根据配置创建限流器
func NewLimiter(cfg config.RateLimitConfig) (Limiter, error) {
	switch cfg.Backend {
	case "", "memory":
		return NewMemoryLimiter(cfg.RPS, cfg.Burst), nil
	case "redis":
		client := redis.NewClient(&redis.Options{
			Addr:     cfg.Redis.Addr,
			Password: cfg.Redis.Password,
			DB:       cfg.Redis.DB,
		})
		return NewRedisLimiter(client, cfg.RPS, cfg.Redis.Window), nil
	default:
		return nil, fmt.Errorf("未知的限流后端: %s", cfg.Backend)
	}
}

// MemoryLimiter 进程内按 key 的令牌桶
type MemoryLimiter struct {
	rps   rate.Limit
	burst int

	mu        sync.Mutex
	visitors  map[string]*visitor
	lastSweep time.Time
	now       func() time.Time
}

type visitor struct {
	limiter  *rate.Limiter
	lastSeen time.Time
}

const visitorTTL = 3 * time.Minute

// NewMemoryLimiter 创建进程内限流器
func NewMemoryLimiter(rps, burst int) *MemoryLimiter {
	if burst <= 0 {
		burst = rps
	}
	return &MemoryLimiter{
		rps:       rate.Limit(rps),
		burst:     burst,
		visitors:  make(map[string]*visitor),
		lastSweep: time.Now(),
		now:       time.Now,
	}
}

// Allow 实现 Limiter
func (l *MemoryLimiter) Allow(_ context.Context, key string) (bool, error) {
	now := l.now()

	l.mu.Lock()
	defer l.mu.Unlock()

	// 清理长时间不活跃的 key
	if now.Sub(l.lastSweep) > time.Minute {
		for k, v := range l.visitors {
			if now.Sub(v.lastSeen) > visitorTTL {
				delete(l.visitors, k)
			}
		}
		l.lastSweep = now
	}

	v, ok := l.visitors[key]
	if !ok {
		v = &visitor{limiter: rate.NewLimiter(l.rps, l.burst)}
		l.visitors[key] = v
	}
	v.lastSeen = now
	return v.limiter.AllowN(now, 1), nil
}

// Close 实现 Limiter
func (l *MemoryLimiter) Close() error {
	return nil
}

// RedisLimiter 基于 Redis 的固定窗口限流，多个网关实例共享计数
type RedisLimiter struct {
	client *redis.Client
	limit  int64
	window time.Duration
	prefix string
	now    func() time.Time
}

// NewRedisLimiter 创建 Redis 限流器，每个窗口最多放行 rps*window 个请求
func NewRedisLimiter(client *redis.Client, rps int, window time.Duration) *RedisLimiter {
	if window <= 0 {
		window = time.Second
	}
	limit := int64(float64(rps) * window.Seconds())
	if limit < 1 {
		limit = 1
	}
	return &RedisLimiter{
		client: client,
		limit:  limit,
		window: window,
		prefix: "chatgateway:ratelimit:",
		now:    time.Now,
	}
}

// Allow 实现 Limiter
func (l *RedisLimiter) Allow(ctx context.Context, key string) (bool, error) {
	slot := l.now().UnixNano() / int64(l.window)
	redisKey := fmt.Sprintf("%s%s:%d", l.prefix, key, slot)

	var incr *redis.IntCmd
	_, err := l.client.TxPipelined(ctx, func(pipe redis.Pipeliner) error {
		incr = pipe.Incr(ctx, redisKey)
		pipe.Expire(ctx, redisKey, 2*l.window)
		return nil
	})
	if err != nil {
		return false, fmt.Errorf("redis 限流失败: %w", err)
	}
	return incr.Val() <= l.limit, nil
}

// Close 实现 Limiter
func (l *RedisLimiter) Close() error {
	return l.client.Close()
}
