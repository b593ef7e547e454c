package apigateway

import (
	"encoding/json"
	"errors"
	"net/http"
	"sync"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/gin-gonic/gin/binding"
	"github.com/gorilla/websocket"
	"github.com/rs/zerolog/log"

	"github.com/agentflow/chatgateway/agentgateway"
)

// ============================================================================
// WebSocket 处理
// ============================================================================

var upgrader = websocket.Upgrader{
	CheckOrigin: func(r *http.Request) bool { return true },
}

// wsConnSet 已升级的连接。http.Server.Shutdown 不管理被接管的连接，需要单独关闭
type wsConnSet struct {
	mu     sync.Mutex
	conns  map[*websocket.Conn]struct{}
	closed bool
}

func (s *wsConnSet) add(conn *websocket.Conn) bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.closed {
		return false
	}
	if s.conns == nil {
		s.conns = make(map[*websocket.Conn]struct{})
	}
	s.conns[conn] = struct{}{}
	return true
}

func (s *wsConnSet) remove(conn *websocket.Conn) {
	s.mu.Lock()
	delete(s.conns, conn)
	s.mu.Unlock()
}

// closeAll 发送关闭帧并断开所有连接，之后的新连接会被直接关闭
func (s *wsConnSet) closeAll() {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.closed = true
	for conn := range s.conns {
		_ = conn.WriteControl(websocket.CloseMessage,
			websocket.FormatCloseMessage(websocket.CloseGoingAway, "server shutting down"),
			time.Now().Add(time.Second))
		_ = conn.Close()
	}
	s.conns = nil
}

// handleWebSocket 每个文本帧是一个聊天请求，回复帧与 /chat 的响应体一致
func (g *Gateway) handleWebSocket(c *gin.Context) {
	conn, err := upgrader.Upgrade(c.Writer, c.Request, nil)
	if err != nil {
		return
	}
	defer conn.Close()
	if !g.wsConns.add(conn) {
		return
	}
	defer g.wsConns.remove(conn)

	ctx := c.Request.Context()
	for {
		msgType, message, err := conn.ReadMessage()
		if err != nil {
			break
		}
		if msgType != websocket.TextMessage {
			continue
		}

		var payload chatPayload
		if err := binding.JSON.BindBody(message, &payload); err != nil {
			g.monitor.RecordRejection(agentgateway.RejectSchema)
			if err := conn.WriteJSON(ValidationErrorResponse{Detail: validationDetails(err)}); err != nil {
				break
			}
			continue
		}

		req := payload.request()
		g.recordModelRejection(req)

		resp, err := g.Chat(ctx, req)
		if err != nil {
			if errors.Is(err, agentgateway.ErrPoolExhausted) {
				g.monitor.RecordRejection(agentgateway.RejectPool)
			}
			log.Error().
				Err(err).
				Str("request_id", c.GetString("request_id")).
				Msg("WebSocket Agent 调用失败")
			resp = ErrorResponse{Error: "internal server error"}
		}

		if raw, ok := resp.(json.RawMessage); ok && len(raw) > 0 {
			err = conn.WriteMessage(websocket.TextMessage, raw)
		} else {
			err = conn.WriteJSON(resp)
		}
		if err != nil {
			break
		}
	}
}
