package llm

import (
	"context"
	"strings"
	"sync"
)

// ScriptedClient is a deterministic Client for tests. Rules match on a
// substring of the final message and yield their responses in order,
// repeating the last one when exhausted. Calls are recorded.
type ScriptedClient struct {
	mu          sync.Mutex
	rules       []*scriptRule
	defaultText string
	modelNames  []string
	calls       []ChatCall
	gate        <-chan struct{}
}

// ChatCall records one Chat invocation.
type ChatCall struct {
	Model    string
	Messages []ChatMessage
}

// ScriptedResponse is one step of a rule's response sequence.
type ScriptedResponse struct {
	Text string
	Err  error
}

type scriptRule struct {
	contains  string
	responses []ScriptedResponse
	next      int
}

// Text builds a successful scripted response.
func Text(s string) ScriptedResponse { return ScriptedResponse{Text: s} }

// Fail builds a failing scripted response.
func Fail(err error) ScriptedResponse { return ScriptedResponse{Err: err} }

// NewScripted creates a scripted client whose unmatched calls return
// defaultText.
func NewScripted(defaultText string) *ScriptedClient {
	return &ScriptedClient{defaultText: defaultText, modelNames: []string{"mock-model"}}
}

// On registers a rule: calls whose final message contains the given
// substring consume the responses in order.
func (c *ScriptedClient) On(contains string, responses ...ScriptedResponse) *ScriptedClient {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.rules = append(c.rules, &scriptRule{contains: contains, responses: responses})
	return c
}

// Block makes every Chat call wait on the given channel before
// answering, so tests can hold a worker in the busy state.
func (c *ScriptedClient) Block(gate <-chan struct{}) *ScriptedClient {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.gate = gate
	return c
}

// WithModels sets the model names reported by Models.
func (c *ScriptedClient) WithModels(names ...string) *ScriptedClient {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.modelNames = names
	return c
}

// Chat matches the final message against the rules in registration
// order and returns the rule's next scripted response.
func (c *ScriptedClient) Chat(ctx context.Context, model string, messages []ChatMessage) (string, error) {
	c.mu.Lock()
	gate := c.gate
	c.mu.Unlock()
	if gate != nil {
		select {
		case <-gate:
		case <-ctx.Done():
			return "", ctx.Err()
		}
	}

	c.mu.Lock()
	defer c.mu.Unlock()
	c.calls = append(c.calls, ChatCall{Model: model, Messages: messages})

	prompt := ""
	if len(messages) > 0 {
		prompt = messages[len(messages)-1].Content
	}
	for _, r := range c.rules {
		if !strings.Contains(prompt, r.contains) {
			continue
		}
		if len(r.responses) == 0 {
			break
		}
		resp := r.responses[min(r.next, len(r.responses)-1)]
		r.next++
		if resp.Err != nil {
			return "", resp.Err
		}
		return resp.Text, nil
	}
	return c.defaultText, nil
}

// Models returns the configured model names.
func (c *ScriptedClient) Models(context.Context) ([]string, error) {
	c.mu.Lock()
	defer c.mu.Unlock()
	return append([]string(nil), c.modelNames...), nil
}

// Calls returns a copy of all recorded chat calls.
func (c *ScriptedClient) Calls() []ChatCall {
	c.mu.Lock()
	defer c.mu.Unlock()
	return append([]ChatCall(nil), c.calls...)
}

// CallCount returns how many recorded calls contain the substring in
// their final message.
func (c *ScriptedClient) CallCount(contains string) int {
	c.mu.Lock()
	defer c.mu.Unlock()
	n := 0
	for _, call := range c.calls {
		if len(call.Messages) == 0 {
			continue
		}
		if strings.Contains(call.Messages[len(call.Messages)-1].Content, contains) {
			n++
		}
	}
	return n
}
