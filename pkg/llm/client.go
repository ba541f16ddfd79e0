// Package llm talks to the local LLM backend over the Ollama HTTP API.
package llm

import (
	"context"
)

// Chat message roles.
const (
	RoleSystem    = "system"
	RoleUser      = "user"
	RoleAssistant = "assistant"
)

// ChatMessage is one turn of a chat exchange.
type ChatMessage struct {
	Role    string `json:"role"`
	Content string `json:"content"`
}

// Client is the backend contract used by workers and coordinators.
type Client interface {
	// Chat submits the conversation and returns the assistant's reply.
	Chat(ctx context.Context, model string, messages []ChatMessage) (string, error)

	// Models lists the model names available on the backend.
	Models(ctx context.Context) ([]string, error)
}
