package llm

import (
	"context"
	"encoding/json"
	"log/slog"
	"net/http"
	"net/http/httptest"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/hivemind-dev/hivemind/pkg/config"
	"github.com/hivemind-dev/hivemind/pkg/models"
)

func newBackendConfig(url string) *config.BackendConfig {
	cfg := config.DefaultBackendConfig()
	cfg.BaseURL = url
	cfg.CallTimeout = 2 * time.Second
	cfg.MaxRetries = 2
	cfg.RetryBaseDelay = time.Millisecond
	return cfg
}

func TestChatReturnsAssistantContent(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		require.Equal(t, "/api/chat", r.URL.Path)
		var req chatRequest
		require.NoError(t, json.NewDecoder(r.Body).Decode(&req))
		assert.Equal(t, "llama3.1:8b", req.Model)
		assert.False(t, req.Stream)

		_ = json.NewEncoder(w).Encode(chatResponse{
			Message: ChatMessage{Role: RoleAssistant, Content: "2024-01-01"},
		})
	}))
	defer srv.Close()

	c := NewOllamaClient(newBackendConfig(srv.URL), slog.Default())
	text, err := c.Chat(context.Background(), "llama3.1:8b", []ChatMessage{{Role: RoleUser, Content: "date?"}})
	require.NoError(t, err)
	assert.Equal(t, "2024-01-01", text)
}

func TestChatRetriesTransientFailures(t *testing.T) {
	var calls atomic.Int32
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if calls.Add(1) == 1 {
			w.WriteHeader(http.StatusInternalServerError)
			return
		}
		_ = json.NewEncoder(w).Encode(chatResponse{Message: ChatMessage{Content: "ok"}})
	}))
	defer srv.Close()

	c := NewOllamaClient(newBackendConfig(srv.URL), slog.Default())
	text, err := c.Chat(context.Background(), "m", []ChatMessage{{Role: RoleUser, Content: "x"}})
	require.NoError(t, err)
	assert.Equal(t, "ok", text)
	assert.Equal(t, int32(2), calls.Load())
}

func TestChatExhaustsRetryBudget(t *testing.T) {
	var calls atomic.Int32
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		calls.Add(1)
		w.WriteHeader(http.StatusServiceUnavailable)
	}))
	defer srv.Close()

	c := NewOllamaClient(newBackendConfig(srv.URL), slog.Default())
	_, err := c.Chat(context.Background(), "m", []ChatMessage{{Role: RoleUser, Content: "x"}})
	assert.ErrorIs(t, err, models.ErrTransientBackend)
	assert.Equal(t, int32(3), calls.Load(), "initial call plus two retries")
}

func TestChatModelNotFoundFailsFast(t *testing.T) {
	var calls atomic.Int32
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		calls.Add(1)
		w.WriteHeader(http.StatusNotFound)
		_ = json.NewEncoder(w).Encode(map[string]string{"error": `model "nope" not found`})
	}))
	defer srv.Close()

	c := NewOllamaClient(newBackendConfig(srv.URL), slog.Default())
	_, err := c.Chat(context.Background(), "nope", []ChatMessage{{Role: RoleUser, Content: "x"}})
	assert.ErrorIs(t, err, models.ErrModelNotFound)
	assert.Equal(t, int32(1), calls.Load(), "not retried")
}

func TestModelsListsTags(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		require.Equal(t, "/api/tags", r.URL.Path)
		_, _ = w.Write([]byte(`{"models":[{"name":"llama3.1:8b"},{"name":"mistral:7b"}]}`))
	}))
	defer srv.Close()

	c := NewOllamaClient(newBackendConfig(srv.URL), slog.Default())
	names, err := c.Models(context.Background())
	require.NoError(t, err)
	assert.Equal(t, []string{"llama3.1:8b", "mistral:7b"}, names)

	assert.NoError(t, c.CheckModel(context.Background(), "mistral:7b"))
	assert.ErrorIs(t, c.CheckModel(context.Background(), "gpt-oss"), models.ErrModelNotFound)
}

func TestScriptedClientSequencesResponses(t *testing.T) {
	c := NewScripted("fallback").
		On("task A", Fail(models.ErrTransientBackend), Text("done"))

	_, err := c.Chat(context.Background(), "m", []ChatMessage{{Role: RoleUser, Content: "execute task A"}})
	assert.ErrorIs(t, err, models.ErrTransientBackend)

	text, err := c.Chat(context.Background(), "m", []ChatMessage{{Role: RoleUser, Content: "execute task A"}})
	require.NoError(t, err)
	assert.Equal(t, "done", text)

	text, err = c.Chat(context.Background(), "m", []ChatMessage{{Role: RoleUser, Content: "unrelated"}})
	require.NoError(t, err)
	assert.Equal(t, "fallback", text)

	assert.Equal(t, 2, c.CallCount("task A"))
	assert.Len(t, c.Calls(), 3)
}
