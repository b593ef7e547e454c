/*
Package apigateway - API 网关

负责处理业务层请求：
- POST /chat 聊天请求校验与分发
- WebSocket 聊天
- 健康检查 (HTTP / gRPC)
- 请求路由到 Agent
*/
package apigateway

import (
	"context"
	"errors"
	"fmt"
	"net"
	"net/http"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/rs/zerolog/log"
	"google.golang.org/grpc"
	"google.golang.org/grpc/health"
	healthpb "google.golang.org/grpc/health/grpc_health_v1"

	"github.com/agentflow/chatgateway/agentgateway"
	"github.com/agentflow/chatgateway/config"
)

// Gateway API 网关
type Gateway struct {
	cfg     config.APIGatewayConfig
	agent   agentgateway.Agent
	monitor *agentgateway.Monitor
	limiter Limiter
	engine  *gin.Engine

	metrics     config.MetricsConfig
	metricsPath string

	wsConns wsConnSet

	httpServer    *http.Server
	metricsServer *http.Server
	grpcServer    *grpc.Server
	health        *health.Server
}

// Option 网关选项
type Option func(*Gateway)

// WithMonitor 使用指定的监控器
func WithMonitor(m *agentgateway.Monitor) Option {
	return func(g *Gateway) {
		g.monitor = m
	}
}

// WithMetrics 暴露 Prometheus 指标。Addr 为空时挂载在主 HTTP 服务上
func WithMetrics(cfg config.MetricsConfig) Option {
	return func(g *Gateway) {
		g.metrics = cfg
	}
}

// WithLimiter 使用指定的限流器，优先于配置
func WithLimiter(l Limiter) Option {
	return func(g *Gateway) {
		g.limiter = l
	}
}

// New 创建 API 网关
func New(cfg config.APIGatewayConfig, agent agentgateway.Agent, opts ...Option) (*Gateway, error) {
	if agent == nil {
		return nil, errors.New("apigateway: agent must not be nil")
	}

	g := &Gateway{cfg: cfg, agent: agent}
	for _, opt := range opts {
		opt(g)
	}
	if g.monitor == nil {
		g.monitor = agentgateway.NewMonitor()
	}
	if g.limiter == nil && cfg.RateLimit.Enabled {
		limiter, err := NewLimiter(cfg.RateLimit)
		if err != nil {
			return nil, err
		}
		g.limiter = limiter
	}
	if g.metrics.Enabled && g.metrics.Addr == "" {
		g.metricsPath = g.metrics.Path
		if g.metricsPath == "" {
			g.metricsPath = "/metrics"
		}
	}

	g.engine = g.router()
	return g, nil
}

// Handler 返回 HTTP 处理器
func (g *Gateway) Handler() http.Handler {
	return g.engine
}

func (g *Gateway) router() *gin.Engine {
	gin.SetMode(gin.ReleaseMode)
	r := gin.New()
	r.Use(gin.Recovery())

	// 中间件
	r.Use(g.requestIDMiddleware())
	r.Use(g.loggerMiddleware())
	r.Use(g.corsMiddleware())
	if g.limiter != nil {
		r.Use(g.rateLimitMiddleware())
	}
	if g.cfg.Auth.Enabled {
		r.Use(g.authMiddleware())
	}

	// 路由
	r.POST("/chat", g.handleChat)
	r.GET("/ws", g.handleWebSocket)
	r.GET("/health", g.handleHealth)
	if g.metricsPath != "" {
		r.GET(g.metricsPath, gin.WrapH(g.monitor.Handler()))
	}

	return r
}

// Start 启动网关，阻塞直到 ctx 结束或服务出错
func (g *Gateway) Start(ctx context.Context) error {
	httpLis, err := net.Listen("tcp", g.cfg.HTTPAddr)
	if err != nil {
		return fmt.Errorf("HTTP 监听失败: %w", err)
	}

	var grpcLis net.Listener
	if g.cfg.GRPCAddr != "" {
		grpcLis, err = net.Listen("tcp", g.cfg.GRPCAddr)
		if err != nil {
			httpLis.Close()
			return fmt.Errorf("gRPC 监听失败: %w", err)
		}
	}

	var metricsLis net.Listener
	if g.metrics.Enabled && g.metrics.Addr != "" {
		metricsLis, err = net.Listen("tcp", g.metrics.Addr)
		if err != nil {
			httpLis.Close()
			if grpcLis != nil {
				grpcLis.Close()
			}
			return fmt.Errorf("指标服务监听失败: %w", err)
		}
	}

	return g.serve(ctx, httpLis, grpcLis, metricsLis)
}

// serve 在给定的 listener 上提供服务，grpcLis 与 metricsLis 可以为 nil
func (g *Gateway) serve(ctx context.Context, httpLis, grpcLis, metricsLis net.Listener) error {
	errCh := make(chan error, 3)

	g.httpServer = &http.Server{
		Handler:           g.engine,
		ReadHeaderTimeout: 10 * time.Second,
	}
	go func() {
		if err := g.httpServer.Serve(httpLis); err != nil && !errors.Is(err, http.ErrServerClosed) {
			errCh <- fmt.Errorf("HTTP 服务错误: %w", err)
		}
	}()

	if grpcLis != nil {
		g.startGRPC(grpcLis, errCh)
	}

	if metricsLis != nil {
		mux := http.NewServeMux()
		path := g.metrics.Path
		if path == "" {
			path = "/metrics"
		}
		mux.Handle(path, g.monitor.Handler())
		g.metricsServer = &http.Server{Handler: mux, ReadHeaderTimeout: 10 * time.Second}
		go func() {
			if err := g.metricsServer.Serve(metricsLis); err != nil && !errors.Is(err, http.ErrServerClosed) {
				errCh <- fmt.Errorf("指标服务错误: %w", err)
			}
		}()
		log.Info().Str("addr", metricsLis.Addr().String()).Msg("Prometheus 指标服务启动")
	}

	event := log.Info().Str("http", httpLis.Addr().String())
	if grpcLis != nil {
		event = event.Str("grpc", grpcLis.Addr().String())
	}
	event.Msg("API Gateway 已启动")

	var serveErr error
	select {
	case <-ctx.Done():
	case serveErr = <-errCh:
	}

	if err := g.shutdown(); err != nil && serveErr == nil {
		serveErr = err
	}
	return serveErr
}

// startGRPC 启动 gRPC 健康检查服务
func (g *Gateway) startGRPC(lis net.Listener, errCh chan<- error) {
	g.health = health.NewServer()
	g.health.SetServingStatus("", healthpb.HealthCheckResponse_SERVING)

	g.grpcServer = grpc.NewServer()
	healthpb.RegisterHealthServer(g.grpcServer, g.health)

	go func() {
		if err := g.grpcServer.Serve(lis); err != nil && !errors.Is(err, grpc.ErrServerStopped) {
			errCh <- fmt.Errorf("gRPC 服务错误: %w", err)
		}
	}()
}

// shutdown 关闭服务
func (g *Gateway) shutdown() error {
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()

	if g.health != nil {
		g.health.Shutdown()
	}

	g.wsConns.closeAll()

	var errs []error
	if g.httpServer != nil {
		if err := g.httpServer.Shutdown(ctx); err != nil {
			errs = append(errs, fmt.Errorf("关闭 HTTP 服务失败: %w", err))
		}
	}
	if g.metricsServer != nil {
		if err := g.metricsServer.Shutdown(ctx); err != nil {
			errs = append(errs, fmt.Errorf("关闭指标服务失败: %w", err))
		}
	}
	if g.grpcServer != nil {
		g.grpcServer.GracefulStop()
	}
	if g.limiter != nil {
		if err := g.limiter.Close(); err != nil {
			errs = append(errs, fmt.Errorf("关闭限流器失败: %w", err))
		}
	}

	log.Info().Msg("API Gateway 已关闭")
	return errors.Join(errs...)
}

// handleHealth 健康检查
func (g *Gateway) handleHealth(c *gin.Context) {
	status := g.monitor.GetHealth()
	code := http.StatusOK
	if status.Status == "unhealthy" {
		code = http.StatusServiceUnavailable
	}
	c.JSON(code, status)
}
