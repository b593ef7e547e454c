// Package logging 配置全局 zerolog 日志
package logging

import (
	"io"
	"os"

	"github.com/rs/zerolog"
	"github.com/rs/zerolog/log"
	"gopkg.in/natefinch/lumberjack.v2"

	"github.com/agentflow/chatgateway/config"
)

// Setup 根据配置初始化全局 Logger，返回需要在退出时关闭的文件输出（可能为 nil）
func Setup(cfg config.LogConfig) io.Closer {
	level, err := zerolog.ParseLevel(cfg.Level)
	if err != nil || level == zerolog.NoLevel {
		level = zerolog.InfoLevel
	}
	zerolog.SetGlobalLevel(level)
	zerolog.TimeFieldFormat = zerolog.TimeFormatUnix

	out, closer := Writer(cfg, os.Stderr)
	log.Logger = zerolog.New(out).With().Timestamp().Logger()
	return closer
}

// Writer 构造日志输出：stderr（console 或 json），配置了文件时再写一份 json 到滚动文件
func Writer(cfg config.LogConfig, stderr io.Writer) (io.Writer, io.Closer) {
	var console io.Writer = stderr
	if cfg.Format != "json" {
		console = zerolog.ConsoleWriter{Out: stderr}
	}

	if cfg.File == "" {
		return console, nil
	}

	file := &lumberjack.Logger{
		Filename:   cfg.File,
		MaxSize:    cfg.MaxSizeMB,
		MaxBackups: cfg.MaxBackups,
		MaxAge:     cfg.MaxAgeDays,
		Compress:   true,
	}
	return zerolog.MultiLevelWriter(console, file), file
}
