package apigateway

import (
	"net/http"
	"strings"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/golang-jwt/jwt/v5"
	"github.com/google/uuid"
	"github.com/rs/zerolog/log"
)

// ============================================================================
// 中间件
// ============================================================================

const (
	requestIDHeader = "X-Request-ID"
	maxRequestIDLen = 128
)

func (g *Gateway) requestIDMiddleware() gin.HandlerFunc {
	return func(c *gin.Context) {
		id := c.GetHeader(requestIDHeader)
		if !validRequestID(id) {
			id = uuid.NewString()
		}
		c.Set("request_id", id)
		c.Header(requestIDHeader, id)
		c.Next()
	}
}

// validRequestID 只接受长度受限的 [A-Za-z0-9._:-]
func validRequestID(id string) bool {
	if id == "" || len(id) > maxRequestIDLen {
		return false
	}
	for i := 0; i < len(id); i++ {
		switch ch := id[i]; {
		case ch >= 'a' && ch <= 'z', ch >= 'A' && ch <= 'Z', ch >= '0' && ch <= '9':
		case ch == '-', ch == '_', ch == '.', ch == ':':
		default:
			return false
		}
	}
	return true
}

func (g *Gateway) loggerMiddleware() gin.HandlerFunc {
	return func(c *gin.Context) {
		start := time.Now()
		c.Next()

		event := log.Info()
		if len(c.Errors) > 0 {
			event = log.Error().Str("error", c.Errors.String())
		}
		event.
			Str("request_id", c.GetString("request_id")).
			Str("method", c.Request.Method).
			Str("path", c.Request.URL.Path).
			Int("status", c.Writer.Status()).
			Dur("latency", time.Since(start)).
			Msg("请求")
	}
}

func (g *Gateway) corsMiddleware() gin.HandlerFunc {
	origins := make(map[string]struct{}, len(g.cfg.CORS.AllowOrigins))
	for _, o := range g.cfg.CORS.AllowOrigins {
		origins[o] = struct{}{}
	}
	methods := "GET, POST, OPTIONS"
	if len(g.cfg.CORS.AllowMethods) > 0 {
		methods = strings.Join(g.cfg.CORS.AllowMethods, ", ")
	}
	headers := "Content-Type, Authorization, X-API-Key"
	if len(g.cfg.CORS.AllowHeaders) > 0 {
		headers = strings.Join(g.cfg.CORS.AllowHeaders, ", ")
	}

	return func(c *gin.Context) {
		origin := c.GetHeader("Origin")
		switch {
		case len(origins) == 0:
			c.Header("Access-Control-Allow-Origin", "*")
		case origin != "":
			if _, ok := origins[origin]; ok {
				c.Header("Access-Control-Allow-Origin", origin)
				c.Header("Vary", "Origin")
			}
		}
		c.Header("Access-Control-Allow-Methods", methods)
		c.Header("Access-Control-Allow-Headers", headers)

		if c.Request.Method == http.MethodOptions {
			c.AbortWithStatus(http.StatusNoContent)
			return
		}
		c.Next()
	}
}

func (g *Gateway) rateLimitMiddleware() gin.HandlerFunc {
	return func(c *gin.Context) {
		allowed, err := g.limiter.Allow(c.Request.Context(), c.ClientIP())
		if err != nil {
			// 限流后端不可用时放行
			log.Warn().Err(err).Msg("限流检查失败")
			c.Next()
			return
		}
		if !allowed {
			c.JSON(http.StatusTooManyRequests, gin.H{"error": "rate limit exceeded"})
			c.Abort()
			return
		}
		c.Next()
	}
}

func (g *Gateway) authMiddleware() gin.HandlerFunc {
	keys := make(map[string]struct{}, len(g.cfg.Auth.APIKeys))
	for _, k := range g.cfg.Auth.APIKeys {
		keys[k] = struct{}{}
	}

	return func(c *gin.Context) {
		if g.isPublicPath(c.Request.URL.Path) {
			c.Next()
			return
		}

		// API Key 认证
		apiKey := c.GetHeader("X-API-Key")
		if apiKey == "" {
			apiKey = c.Query("api_key")
		}
		if apiKey != "" {
			if _, ok := keys[apiKey]; ok {
				c.Next()
				return
			}
		}

		// JWT 认证
		token := c.GetHeader("Authorization")
		if token != "" && g.validateJWT(token) {
			c.Next()
			return
		}

		c.JSON(http.StatusUnauthorized, gin.H{"error": "unauthorized"})
		c.Abort()
	}
}

func (g *Gateway) isPublicPath(path string) bool {
	return path == "/health" || (g.metricsPath != "" && path == g.metricsPath)
}

// validateJWT 校验 HS256 Bearer token
func (g *Gateway) validateJWT(header string) bool {
	secret := g.cfg.Auth.JWT.Secret
	if secret == "" {
		return false
	}
	raw, ok := strings.CutPrefix(header, "Bearer ")
	if !ok || raw == "" {
		return false
	}

	opts := []jwt.ParserOption{jwt.WithValidMethods([]string{jwt.SigningMethodHS256.Alg()})}
	if g.cfg.Auth.JWT.Issuer != "" {
		opts = append(opts, jwt.WithIssuer(g.cfg.Auth.JWT.Issuer))
	}

	token, err := jwt.Parse(raw, func(*jwt.Token) (any, error) {
		return []byte(secret), nil
	}, opts...)
	return err == nil && token.Valid
}
