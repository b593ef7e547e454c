package agentgateway

import (
	"context"
	"encoding/json"
	"errors"
	"io"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestNewClient_EmptyEndpoint(t *testing.T) {
	_, err := NewClient("  ")
	require.Error(t, err)
}

func TestClient_Respond_ForwardsArguments(t *testing.T) {
	var got agentRequest
	var gotHeader string
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		require.Equal(t, http.MethodPost, r.Method)
		require.Equal(t, "application/json", r.Header.Get("Content-Type"))
		gotHeader = r.Header.Get("X-Agent-Token")
		body, err := io.ReadAll(r.Body)
		require.NoError(t, err)
		require.NoError(t, json.Unmarshal(body, &got))
		w.Header().Set("Content-Type", "application/json")
		_, _ = w.Write([]byte(`{"response":"hi there","tools":[]}`))
	}))
	defer srv.Close()

	c, err := NewClient(srv.URL, WithHeader("X-Agent-Token", "secret"))
	require.NoError(t, err)

	resp, err := c.Respond(context.Background(), "gpt-4.1", []string{"Hi", "again"}, true, "You are helpful", "OpenAI")
	require.NoError(t, err)

	assert.Equal(t, agentRequest{
		LLMID:        "gpt-4.1",
		Query:        []string{"Hi", "again"},
		AllowSearch:  true,
		SystemPrompt: "You are helpful",
		Provider:     "OpenAI",
	}, got)
	assert.Equal(t, "secret", gotHeader)
	assert.Equal(t, json.RawMessage(`{"response":"hi there","tools":[]}`), resp)
}

func TestClient_Respond_NilMessagesSentAsEmptyArray(t *testing.T) {
	var raw map[string]json.RawMessage
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		require.NoError(t, json.NewDecoder(r.Body).Decode(&raw))
		_, _ = w.Write([]byte(`"ok"`))
	}))
	defer srv.Close()

	c, err := NewClient(srv.URL)
	require.NoError(t, err)

	_, err = c.Respond(context.Background(), "gpt-4o-mini", nil, false, "", "OpenAI")
	require.NoError(t, err)
	assert.JSONEq(t, `[]`, string(raw["query"]))
}

func TestClient_Respond_PlainTextBody(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Content-Type", "text/plain")
		_, _ = w.Write([]byte("plain answer"))
	}))
	defer srv.Close()

	c, err := NewClient(srv.URL)
	require.NoError(t, err)

	resp, err := c.Respond(context.Background(), "gpt-4.1", []string{"Hi"}, false, "", "OpenAI")
	require.NoError(t, err)
	assert.Equal(t, "plain answer", resp)
}

func TestClient_Respond_Non2xx(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		http.Error(w, "upstream exploded", http.StatusBadGateway)
	}))
	defer srv.Close()

	c, err := NewClient(srv.URL)
	require.NoError(t, err)

	_, err = c.Respond(context.Background(), "gpt-4.1", []string{"Hi"}, false, "", "OpenAI")
	require.Error(t, err)

	var statusErr *HTTPStatusError
	require.True(t, errors.As(err, &statusErr))
	assert.Equal(t, http.StatusBadGateway, statusErr.HTTPStatusCode())
	assert.Equal(t, "upstream exploded", statusErr.Body)
}

func TestClient_Respond_Timeout(t *testing.T) {
	release := make(chan struct{})
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		select {
		case <-release:
		case <-r.Context().Done():
		}
	}))
	defer srv.Close()
	defer close(release)

	c, err := NewClient(srv.URL, WithTimeout(50*time.Millisecond))
	require.NoError(t, err)

	_, err = c.Respond(context.Background(), "gpt-4.1", []string{"Hi"}, false, "", "OpenAI")
	require.Error(t, err)
}
