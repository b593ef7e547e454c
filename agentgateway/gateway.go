/*
Package agentgateway - Agent 网关

负责：
- 把聊天请求转发给外部 Agent 服务
- Agent 调用并发控制
- Agent 调用监控与指标收集
*/
package agentgateway

import (
	"context"
	"fmt"

	"github.com/agentflow/chatgateway/config"
)

// Agent 外部 Agent 的调用契约，参数顺序与 Agent 服务的入口函数一致
type Agent interface {
	Respond(ctx context.Context, modelID string, messages []string, allowSearch bool, systemPrompt, provider string) (any, error)
}

// AgentFunc 函数适配器
type AgentFunc func(ctx context.Context, modelID string, messages []string, allowSearch bool, systemPrompt, provider string) (any, error)

// Respond 实现 Agent
func (f AgentFunc) Respond(ctx context.Context, modelID string, messages []string, allowSearch bool, systemPrompt, provider string) (any, error) {
	return f(ctx, modelID, messages, allowSearch, systemPrompt, provider)
}

// New 按配置组装 Agent：HTTP 客户端 -> 监控 -> 并发限制
func New(cfg config.AgentConfig, monitor *Monitor) (Agent, error) {
	opts := make([]Option, 0, len(cfg.Headers)+1)
	for k, v := range cfg.Headers {
		opts = append(opts, WithHeader(k, v))
	}
	if cfg.Timeout > 0 {
		opts = append(opts, WithTimeout(cfg.Timeout))
	}

	client, err := NewClient(cfg.Endpoint, opts...)
	if err != nil {
		return nil, fmt.Errorf("创建 Agent 客户端失败: %w", err)
	}

	// 监控只统计真正发往 Agent 服务的调用，等待槽位的时间和超时不计入
	var agent Agent = client
	if monitor != nil {
		agent = Instrument(agent, monitor)
	}
	if cfg.MaxInFlight > 0 {
		agent = Limit(agent, NewPool(cfg.MaxInFlight, cfg.WaitTime))
	}
	return agent, nil
}
