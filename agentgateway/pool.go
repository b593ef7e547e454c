package agentgateway

import (
	"context"
	"errors"
	"time"

	"golang.org/x/sync/semaphore"
)

// ============================================================================
// Agent 调用池
// ============================================================================

// ErrPoolExhausted 等待调用槽位超时
var ErrPoolExhausted = errors.New("agent: no free slot within wait time")

// Pool 限制同时进行的 Agent 调用数
type Pool struct {
	sem      *semaphore.Weighted
	size     int64
	waitTime time.Duration
}

// NewPool 创建调用池
func NewPool(size int, waitTime time.Duration) *Pool {
	if size <= 0 {
		size = 1
	}
	if waitTime <= 0 {
		waitTime = 30 * time.Second
	}
	return &Pool{
		sem:      semaphore.NewWeighted(int64(size)),
		size:     int64(size),
		waitTime: waitTime,
	}
}

// Acquire 获取调用槽位
func (p *Pool) Acquire(ctx context.Context) error {
	if p.sem.TryAcquire(1) {
		return nil
	}

	// 等待可用槽位
	waitCtx, cancel := context.WithTimeout(ctx, p.waitTime)
	defer cancel()

	if err := p.sem.Acquire(waitCtx, 1); err != nil {
		if ctx.Err() != nil {
			return ctx.Err()
		}
		return ErrPoolExhausted
	}
	return nil
}

// Release 释放调用槽位
func (p *Pool) Release() {
	p.sem.Release(1)
}

// Size 池容量
func (p *Pool) Size() int {
	return int(p.size)
}

type limitedAgent struct {
	next Agent
	pool *Pool
}

// Limit 用调用池包装 Agent
func Limit(agent Agent, pool *Pool) Agent {
	return &limitedAgent{next: agent, pool: pool}
}

func (a *limitedAgent) Respond(ctx context.Context, modelID string, messages []string, allowSearch bool, systemPrompt, provider string) (any, error) {
	if err := a.pool.Acquire(ctx); err != nil {
		return nil, err
	}
	defer a.pool.Release()

	return a.next.Respond(ctx, modelID, messages, allowSearch, systemPrompt, provider)
}
