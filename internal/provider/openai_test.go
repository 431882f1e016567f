package provider

import (
	"context"
	"encoding/json"
	"io"
	"net/http"
	"net/http/httptest"
	"strings"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func testClient(t *testing.T, handler http.Handler) *OpenAI {
	t.Helper()
	srv := httptest.NewServer(handler)
	t.Cleanup(srv.Close)
	return NewOpenAI(Config{
		APIKey:    "test",
		BaseURL:   srv.URL,
		ChatModel: "chat-model",
		STTModel:  "stt-model",
		RetryBase: time.Millisecond,
	})
}

func TestChatCompletionParsesToolCalls(t *testing.T) {
	client := testClient(t, http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		require.Equal(t, "/chat/completions", r.URL.Path)
		require.Equal(t, "Bearer test", r.Header.Get("Authorization"))

		var req chatRequest
		require.NoError(t, json.NewDecoder(r.Body).Decode(&req))
		assert.Equal(t, "chat-model", req.Model)
		require.Len(t, req.Tools, 1)
		assert.Equal(t, "calculate_emissions", req.Tools[0].Function.Name)

		io.WriteString(w, `{"choices":[{"message":{"role":"assistant","content":"",
			"tool_calls":[{"id":"call_1","type":"function",
			"function":{"name":"calculate_emissions","arguments":"{\"activity\":\"plastic\"}"}}]},
			"finish_reason":"tool_calls"}]}`)
	}))

	msg, err := client.ChatCompletion(context.Background(),
		[]ChatMessage{{Role: RoleUser, Content: "I emitted $10 on plastic"}},
		[]ToolDefinition{{Name: "calculate_emissions", Description: "calc", Parameters: map[string]any{"type": "object"}}},
	)
	require.NoError(t, err)
	require.Len(t, msg.ToolCalls, 1)
	assert.Equal(t, "call_1", msg.ToolCalls[0].ID)
	assert.Equal(t, "calculate_emissions", msg.ToolCalls[0].Function.Name)
	assert.JSONEq(t, `{"activity":"plastic"}`, msg.ToolCalls[0].Function.Arguments)
}

func TestChatCompletionRetriesRateLimit(t *testing.T) {
	var calls atomic.Int32
	client := testClient(t, http.HandlerFunc(func(w http.ResponseWriter, _ *http.Request) {
		if calls.Add(1) == 1 {
			w.WriteHeader(http.StatusTooManyRequests)
			return
		}
		io.WriteString(w, `{"choices":[{"message":{"role":"assistant","content":"ok"}}]}`)
	}))

	msg, err := client.ChatCompletion(context.Background(), []ChatMessage{{Role: RoleUser, Content: "hi"}}, nil)
	require.NoError(t, err)
	assert.Equal(t, "ok", msg.Content)
	assert.Equal(t, int32(2), calls.Load())
}

func TestChatCompletionSurfacesAPIError(t *testing.T) {
	client := testClient(t, http.HandlerFunc(func(w http.ResponseWriter, _ *http.Request) {
		io.WriteString(w, `{"error":{"message":"model overloaded","type":"server_error"}}`)
	}))

	_, err := client.ChatCompletion(context.Background(), []ChatMessage{{Role: RoleUser, Content: "hi"}}, nil)
	require.Error(t, err)
	assert.Contains(t, err.Error(), "model overloaded")
}

func TestModerate(t *testing.T) {
	client := testClient(t, http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		require.Equal(t, "/moderations", r.URL.Path)
		io.WriteString(w, `{"results":[{"flagged":true}]}`)
	}))

	flagged, err := client.Moderate(context.Background(), "bad text")
	require.NoError(t, err)
	assert.True(t, flagged)
}

func TestTranscribe(t *testing.T) {
	client := testClient(t, http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		require.Equal(t, "/audio/transcriptions", r.URL.Path)
		require.NoError(t, r.ParseMultipartForm(1<<20))
		assert.Equal(t, "stt-model", r.FormValue("model"))
		io.WriteString(w, `{"text":"I emitted ten dollars on plastic"}`)
	}))

	text, err := client.Transcribe(context.Background(), strings.NewReader("fake-wav-bytes"))
	require.NoError(t, err)
	assert.Equal(t, "I emitted ten dollars on plastic", text)
}
