package llm

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"math/rand/v2"
	"net/http"
	"strings"
	"time"

	"github.com/hivemind-dev/hivemind/pkg/config"
	"github.com/hivemind-dev/hivemind/pkg/models"
)

// OllamaClient implements Client against an Ollama-compatible HTTP
// backend (default http://localhost:11434).
type OllamaClient struct {
	baseURL        string
	httpClient     *http.Client
	callTimeout    time.Duration
	maxRetries     int
	retryBaseDelay time.Duration
	logger         *slog.Logger
}

// NewOllamaClient builds a client from the backend configuration.
func NewOllamaClient(cfg *config.BackendConfig, logger *slog.Logger) *OllamaClient {
	return &OllamaClient{
		baseURL:        strings.TrimRight(cfg.BaseURL, "/"),
		httpClient:     &http.Client{},
		callTimeout:    cfg.CallTimeout,
		maxRetries:     cfg.MaxRetries,
		retryBaseDelay: cfg.RetryBaseDelay,
		logger:         logger.With("component", "llm"),
	}
}

type chatRequest struct {
	Model    string        `json:"model"`
	Messages []ChatMessage `json:"messages"`
	Stream   bool          `json:"stream"`
}

type chatResponse struct {
	Message ChatMessage `json:"message"`
	Error   string      `json:"error"`
}

type tagsResponse struct {
	Models []struct {
		Name string `json:"name"`
	} `json:"models"`
}

// Chat calls POST /api/chat, retrying transient failures with
// exponential backoff and jitter. Unknown models fail immediately
// with ErrModelNotFound.
func (c *OllamaClient) Chat(ctx context.Context, model string, messages []ChatMessage) (string, error) {
	var lastErr error
	for attempt := 0; attempt <= c.maxRetries; attempt++ {
		if attempt > 0 {
			delay := c.retryBaseDelay << (attempt - 1)
			delay += rand.N(delay + 1)
			c.logger.Warn("Retrying backend call", "attempt", attempt, "delay", delay, "error", lastErr)
			select {
			case <-time.After(delay):
			case <-ctx.Done():
				return "", ctx.Err()
			}
		}

		text, err := c.chatOnce(ctx, model, messages)
		if err == nil {
			return text, nil
		}
		if !errors.Is(err, models.ErrTransientBackend) {
			return "", err
		}
		lastErr = err
	}
	return "", fmt.Errorf("backend call failed after %d retries: %w", c.maxRetries, lastErr)
}

func (c *OllamaClient) chatOnce(ctx context.Context, model string, messages []ChatMessage) (string, error) {
	callCtx, cancel := context.WithTimeout(ctx, c.callTimeout)
	defer cancel()

	body, err := json.Marshal(chatRequest{Model: model, Messages: messages, Stream: false})
	if err != nil {
		return "", fmt.Errorf("failed to encode chat request: %w", err)
	}

	req, err := http.NewRequestWithContext(callCtx, http.MethodPost, c.baseURL+"/api/chat", bytes.NewReader(body))
	if err != nil {
		return "", fmt.Errorf("failed to build chat request: %w", err)
	}
	req.Header.Set("Content-Type", "application/json")

	resp, err := c.httpClient.Do(req)
	if err != nil {
		if ctx.Err() != nil {
			return "", ctx.Err()
		}
		return "", fmt.Errorf("%w: %v", models.ErrTransientBackend, err)
	}
	defer resp.Body.Close()

	data, err := io.ReadAll(resp.Body)
	if err != nil {
		return "", fmt.Errorf("%w: reading response: %v", models.ErrTransientBackend, err)
	}

	if resp.StatusCode != http.StatusOK {
		var cr chatResponse
		_ = json.Unmarshal(data, &cr)
		if resp.StatusCode == http.StatusNotFound && strings.Contains(cr.Error, "not found") {
			return "", fmt.Errorf("%w: %s", models.ErrModelNotFound, model)
		}
		if resp.StatusCode >= 500 {
			return "", fmt.Errorf("%w: backend status %d: %s", models.ErrTransientBackend, resp.StatusCode, cr.Error)
		}
		return "", fmt.Errorf("backend status %d: %s", resp.StatusCode, cr.Error)
	}

	var cr chatResponse
	if err := json.Unmarshal(data, &cr); err != nil {
		return "", fmt.Errorf("%w: decoding response: %v", models.ErrTransientBackend, err)
	}
	return cr.Message.Content, nil
}

// Models calls GET /api/tags and returns the available model names.
func (c *OllamaClient) Models(ctx context.Context) ([]string, error) {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, c.baseURL+"/api/tags", nil)
	if err != nil {
		return nil, fmt.Errorf("failed to build tags request: %w", err)
	}

	resp, err := c.httpClient.Do(req)
	if err != nil {
		return nil, fmt.Errorf("%w: %v", models.ErrTransientBackend, err)
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		return nil, fmt.Errorf("%w: backend status %d", models.ErrTransientBackend, resp.StatusCode)
	}

	var tags tagsResponse
	if err := json.NewDecoder(resp.Body).Decode(&tags); err != nil {
		return nil, fmt.Errorf("%w: decoding tags: %v", models.ErrTransientBackend, err)
	}
	names := make([]string, 0, len(tags.Models))
	for _, m := range tags.Models {
		names = append(names, m.Name)
	}
	return names, nil
}

// CheckModel verifies the model is served by the backend.
func (c *OllamaClient) CheckModel(ctx context.Context, model string) error {
	names, err := c.Models(ctx)
	if err != nil {
		return err
	}
	for _, name := range names {
		if name == model {
			return nil
		}
	}
	return fmt.Errorf("%w: %s", models.ErrModelNotFound, model)
}
