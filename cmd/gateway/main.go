package main

import (
	"context"
	"flag"
	"os"
	"os/signal"
	"syscall"

	"github.com/rs/zerolog/log"

	"github.com/agentflow/chatgateway/agentgateway"
	"github.com/agentflow/chatgateway/apigateway"
	"github.com/agentflow/chatgateway/config"
	"github.com/agentflow/chatgateway/logging"
)

func main() {
	// 命令行参数
	configPath := flag.String("config", "config.yaml", "配置文件路径")
	flag.Parse()

	// 加载配置
	cfg, err := config.Load(*configPath)
	if err != nil {
		log.Fatal().Err(err).Msg("加载配置失败")
	}

	// 配置日志
	if closer := logging.Setup(cfg.Log); closer != nil {
		defer closer.Close()
	}

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	monitor := agentgateway.NewMonitor()
	go monitor.Start(ctx)

	agent, err := agentgateway.New(cfg.Agent, monitor)
	if err != nil {
		log.Fatal().Err(err).Msg("Agent 客户端初始化失败")
	}

	gw, err := apigateway.New(cfg.APIGateway, agent,
		apigateway.WithMonitor(monitor),
		apigateway.WithMetrics(cfg.Monitor.Metrics),
	)
	if err != nil {
		log.Fatal().Err(err).Msg("API Gateway 初始化失败")
	}

	log.Info().
		Str("agent", cfg.Agent.Endpoint).
		Int("max_in_flight", cfg.Agent.MaxInFlight).
		Msg("正在启动服务...")

	if err := gw.Start(ctx); err != nil {
		log.Error().Err(err).Msg("API Gateway 异常退出")
		os.Exit(1)
	}
}
