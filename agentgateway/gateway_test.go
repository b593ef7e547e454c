package agentgateway

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/prometheus/client_golang/prometheus/testutil"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/agentflow/chatgateway/config"
)

func TestNew_BuildsInstrumentedLimitedClient(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		assert.Equal(t, "v1", r.Header.Get("X-Agent-Version"))
		_, _ = w.Write([]byte(`{"answer":42}`))
	}))
	defer srv.Close()

	m := NewMonitor()
	agent, err := New(config.AgentConfig{
		Endpoint:    srv.URL,
		Timeout:     time.Second,
		Headers:     map[string]string{"X-Agent-Version": "v1"},
		MaxInFlight: 2,
		WaitTime:    time.Second,
	}, m)
	require.NoError(t, err)

	resp, err := agent.Respond(context.Background(), "llama3-70b-8192", []string{"Hi"}, true, "sys", "Groq")
	require.NoError(t, err)
	assert.Equal(t, json.RawMessage(`{"answer":42}`), resp)
	assert.Equal(t, 1.0, testutil.ToFloat64(m.requestCounter.WithLabelValues("llama3-70b-8192", "success")))
}

func TestNew_PoolBackPressureIsNotAnAgentError(t *testing.T) {
	release := make(chan struct{})
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		<-release
		_, _ = w.Write([]byte(`"ok"`))
	}))
	defer srv.Close()
	defer close(release)

	m := NewMonitor()
	agent, err := New(config.AgentConfig{
		Endpoint:    srv.URL,
		Timeout:     5 * time.Second,
		MaxInFlight: 1,
		WaitTime:    20 * time.Millisecond,
	}, m)
	require.NoError(t, err)

	blocked := make(chan struct{})
	go func() {
		defer close(blocked)
		_, _ = agent.Respond(context.Background(), "gpt-4.1", []string{"Hi"}, false, "", "OpenAI")
	}()
	require.Eventually(t, func() bool {
		return m.GetMetrics([]string{"in_flight"})["in_flight"] == 1
	}, 2*time.Second, 5*time.Millisecond)

	for i := 0; i < 3; i++ {
		_, err := agent.Respond(context.Background(), "gpt-4.1", []string{"Hi"}, false, "", "OpenAI")
		assert.True(t, errors.Is(err, ErrPoolExhausted))
	}

	metrics := m.GetMetrics([]string{"total_errors", "total_requests"})
	assert.Equal(t, 0.0, metrics["total_errors"])
	assert.Equal(t, 0.0, metrics["total_requests"])
	assert.Equal(t, "healthy", m.GetHealth().Status)

	release <- struct{}{}
	<-blocked
	assert.Equal(t, 1.0, m.GetMetrics([]string{"total_requests"})["total_requests"])
}

func TestNew_EmptyEndpoint(t *testing.T) {
	_, err := New(config.AgentConfig{}, nil)
	require.Error(t, err)
}

func TestAgentFunc(t *testing.T) {
	var gotModel, gotPrompt, gotProvider string
	var gotMessages []string
	var gotSearch bool
	f := AgentFunc(func(_ context.Context, modelID string, messages []string, allowSearch bool, systemPrompt, provider string) (any, error) {
		gotModel, gotMessages, gotSearch, gotPrompt, gotProvider = modelID, messages, allowSearch, systemPrompt, provider
		return "done", nil
	})

	resp, err := f.Respond(context.Background(), "gpt-4.1", []string{"Hi"}, false, "You are helpful", "OpenAI")
	require.NoError(t, err)
	assert.Equal(t, "done", resp)
	assert.Equal(t, "gpt-4.1", gotModel)
	assert.Equal(t, []string{"Hi"}, gotMessages)
	assert.False(t, gotSearch)
	assert.Equal(t, "You are helpful", gotPrompt)
	assert.Equal(t, "OpenAI", gotProvider)
}
