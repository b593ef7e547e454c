package apigateway

import (
	"context"
	"encoding/json"
	"errors"
	"net"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/gorilla/websocket"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/agentflow/chatgateway/agentgateway"
)

func dialWS(t *testing.T, g *Gateway) *websocket.Conn {
	t.Helper()
	srv := httptest.NewServer(g.Handler())
	t.Cleanup(srv.Close)

	url := "ws" + strings.TrimPrefix(srv.URL, "http") + "/ws"
	conn, _, err := websocket.DefaultDialer.Dial(url, nil)
	require.NoError(t, err)
	t.Cleanup(func() { conn.Close() })
	return conn
}

func roundTrip(t *testing.T, conn *websocket.Conn, frame string) string {
	t.Helper()
	require.NoError(t, conn.WriteMessage(websocket.TextMessage, []byte(frame)))
	_, reply, err := conn.ReadMessage()
	require.NoError(t, err)
	return string(reply)
}

func TestWebSocket_SameContractAsChat(t *testing.T) {
	agent := &recordingAgent{resp: json.RawMessage(`{"answer":"Hello!"}`)}
	m := agentgateway.NewMonitor()
	conn := dialWS(t, newTestGateway(t, agent, WithMonitor(m)))

	reply := roundTrip(t, conn, validChatBody)
	assert.JSONEq(t, `{"answer":"Hello!"}`, reply)

	reply = roundTrip(t, conn, `{"model_name":"claude-3","model_provider":"Anthropic","system_prompt":"p","messages":["Hi"],"allow_search":false}`)
	assert.JSONEq(t, invalidModelBody, reply)

	reply = roundTrip(t, conn, `{"model_name":"gpt-4.1"}`)
	var out ValidationErrorResponse
	require.NoError(t, json.Unmarshal([]byte(reply), &out))
	assert.Len(t, out.Detail, 4)

	assert.Equal(t, []agentCall{{"gpt-4.1", []string{"Hi"}, false, "p", "OpenAI"}}, agent.Calls())
	assert.Equal(t, 2.0, m.GetMetrics([]string{"total_rejections"})["total_rejections"])
}

func TestWebSocket_AgentErrorKeepsConnection(t *testing.T) {
	agent := &recordingAgent{err: errors.New("agent down")}
	conn := dialWS(t, newTestGateway(t, agent))

	reply := roundTrip(t, conn, validChatBody)
	assert.JSONEq(t, `{"error":"internal server error"}`, reply)

	// 连接仍然可用
	reply = roundTrip(t, conn, validChatBody)
	assert.JSONEq(t, `{"error":"internal server error"}`, reply)
	assert.Len(t, agent.Calls(), 2)
}

func TestWebSocket_ClosedOnShutdown(t *testing.T) {
	g := newTestGateway(t, &recordingAgent{resp: "ok"})

	httpLis, err := net.Listen("tcp", "127.0.0.1:0")
	require.NoError(t, err)

	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan error, 1)
	go func() { done <- g.serve(ctx, httpLis, nil, nil) }()

	url := "ws://" + httpLis.Addr().String() + "/ws"
	var conn *websocket.Conn
	require.Eventually(t, func() bool {
		conn, _, err = websocket.DefaultDialer.Dial(url, nil)
		return err == nil
	}, 2*time.Second, 20*time.Millisecond)
	defer conn.Close()
	assert.JSONEq(t, `"ok"`, roundTrip(t, conn, validChatBody))

	cancel()
	select {
	case err := <-done:
		assert.NoError(t, err)
	case <-time.After(10 * time.Second):
		t.Fatal("serve did not return after cancel")
	}

	require.NoError(t, conn.SetReadDeadline(time.Now().Add(2*time.Second)))
	_, _, err = conn.ReadMessage()
	assert.True(t, websocket.IsCloseError(err, websocket.CloseGoingAway), "unexpected error: %v", err)
}
