package config

import (
	"errors"
	"fmt"
	"os"
	"time"

	"gopkg.in/yaml.v3"
)

// Config 网关总配置
type Config struct {
	APIGateway APIGatewayConfig `yaml:"api_gateway"`
	Agent      AgentConfig      `yaml:"agent"`
	Monitor    MonitorConfig    `yaml:"monitor"`
	Log        LogConfig        `yaml:"log"`
}

// APIGatewayConfig API 网关配置
type APIGatewayConfig struct {
	// HTTP 服务
	HTTPAddr string `yaml:"http_addr" default:"127.0.0.1:9999"`

	// gRPC 健康检查服务，为空时不启动
	GRPCAddr string `yaml:"grpc_addr"`

	// 限流配置
	RateLimit RateLimitConfig `yaml:"rate_limit"`

	// CORS 配置
	CORS CORSConfig `yaml:"cors"`

	// 认证配置
	Auth AuthConfig `yaml:"auth"`
}

// AgentConfig Agent 服务配置
type AgentConfig struct {
	// Agent 服务地址
	Endpoint string `yaml:"endpoint" default:"http://127.0.0.1:8081/agent"`

	// 单次调用超时
	Timeout time.Duration `yaml:"timeout" default:"60s"`

	// 附加请求头
	Headers map[string]string `yaml:"headers,omitempty"`

	// 最大并发调用数，0 表示不限制
	MaxInFlight int `yaml:"max_in_flight" default:"0"`

	// 等待并发槽位超时
	WaitTime time.Duration `yaml:"wait_time" default:"30s"`
}

// MonitorConfig 监控配置
type MonitorConfig struct {
	Metrics MetricsConfig `yaml:"metrics"`
}

// MetricsConfig Prometheus metrics 配置
type MetricsConfig struct {
	Enabled bool `yaml:"enabled" default:"true"`
	// 为空时挂载在主 HTTP 服务上
	Addr string `yaml:"addr"`
	Path string `yaml:"path" default:"/metrics"`
}

// LogConfig 日志配置
type LogConfig struct {
	Level  string `yaml:"level" default:"info"`
	Format string `yaml:"format" default:"console"` // console, json

	// 日志文件，为空时只输出到 stderr
	File       string `yaml:"file"`
	MaxSizeMB  int    `yaml:"max_size_mb" default:"100"`
	MaxBackups int    `yaml:"max_backups" default:"10"`
	MaxAgeDays int    `yaml:"max_age_days" default:"30"`
}

// RateLimitConfig 限流配置
type RateLimitConfig struct {
	Enabled bool `yaml:"enabled" default:"false"`

	// memory: 进程内按 IP 令牌桶; redis: 多实例共享固定窗口
	Backend string `yaml:"backend" default:"memory"`

	// 每秒请求数
	RPS int `yaml:"rps" default:"100"`

	// 突发请求数
	Burst int `yaml:"burst" default:"200"`

	Redis RedisConfig `yaml:"redis"`
}

// RedisConfig Redis 限流后端配置
type RedisConfig struct {
	Addr     string        `yaml:"addr"`
	Password string        `yaml:"password"`
	DB       int           `yaml:"db"`
	Window   time.Duration `yaml:"window" default:"1s"`
}

// CORSConfig CORS 配置
type CORSConfig struct {
	AllowOrigins []string `yaml:"allow_origins"`
	AllowMethods []string `yaml:"allow_methods"`
	AllowHeaders []string `yaml:"allow_headers"`
}

// AuthConfig 认证配置
type AuthConfig struct {
	Enabled bool `yaml:"enabled" default:"false"`

	// API Key 认证
	APIKeys []string `yaml:"api_keys"`

	// JWT 配置
	JWT JWTConfig `yaml:"jwt"`
}

// JWTConfig JWT 配置
type JWTConfig struct {
	Secret string `yaml:"secret"`
	Issuer string `yaml:"issuer"`
}

// Load 加载配置文件
func Load(path string) (*Config, error) {
	cfg := DefaultConfig()

	data, err := os.ReadFile(path)
	if err != nil {
		if errors.Is(err, os.ErrNotExist) {
			// 返回默认配置
			return cfg, nil
		}
		return nil, fmt.Errorf("读取配置文件失败: %w", err)
	}

	if err := yaml.Unmarshal(data, cfg); err != nil {
		return nil, fmt.Errorf("解析配置文件失败: %w", err)
	}

	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return cfg, nil
}

// Validate 校验配置
func (c *Config) Validate() error {
	if c.APIGateway.HTTPAddr == "" {
		return errors.New("api_gateway.http_addr 不能为空")
	}
	if c.Agent.Endpoint == "" {
		return errors.New("agent.endpoint 不能为空")
	}
	if c.Agent.MaxInFlight < 0 {
		return errors.New("agent.max_in_flight 不能为负数")
	}

	rl := c.APIGateway.RateLimit
	if rl.Enabled {
		switch rl.Backend {
		case "memory":
		case "redis":
			if rl.Redis.Addr == "" {
				return errors.New("rate_limit.redis.addr 不能为空")
			}
		default:
			return fmt.Errorf("未知的限流后端: %s", rl.Backend)
		}
		if rl.RPS <= 0 {
			return errors.New("rate_limit.rps 必须大于 0")
		}
	}

	auth := c.APIGateway.Auth
	if auth.Enabled && len(auth.APIKeys) == 0 && auth.JWT.Secret == "" {
		return errors.New("启用认证时必须配置 api_keys 或 jwt.secret")
	}

	switch c.Log.Format {
	case "console", "json":
	default:
		return fmt.Errorf("未知的日志格式: %s", c.Log.Format)
	}

	return nil
}

// DefaultConfig 返回默认配置
func DefaultConfig() *Config {
	return &Config{
		APIGateway: APIGatewayConfig{
			HTTPAddr: "127.0.0.1:9999",
			RateLimit: RateLimitConfig{
				Backend: "memory",
				RPS:     100,
				Burst:   200,
				Redis: RedisConfig{
					Window: time.Second,
				},
			},
		},
		Agent: AgentConfig{
			Endpoint: "http://127.0.0.1:8081/agent",
			Timeout:  60 * time.Second,
			WaitTime: 30 * time.Second,
		},
		Monitor: MonitorConfig{
			Metrics: MetricsConfig{
				Enabled: true,
				Path:    "/metrics",
			},
		},
		Log: LogConfig{
			Level:      "info",
			Format:     "console",
			MaxSizeMB:  100,
			MaxBackups: 10,
			MaxAgeDays: 30,
		},
	}
}
