package agent

import (
	"context"
	"fmt"
	"log/slog"
	"sync"

	"merchbot/internal/events"
	"merchbot/internal/providers"
	"merchbot/internal/session"
	"merchbot/internal/tools"
)

// Client is one session's connection to the LLM backend: it runs the chat
// tool-call loop against the provider and persists the conversation. A
// Client must never see two concurrent Chat calls; callers (the CLI loop,
// the events session runner) serialize access.
type Client struct {
	provider  providers.Provider
	sessions  *session.Store
	tools     *tools.Registry
	sessionID string

	model       string
	maxTokens   int
	temperature float64
	maxIter     int

	mu           sync.Mutex
	systemPrompt string
	connected    bool
	sess         *session.Session
}

// ClientConfig holds all dependencies and settings for a Client.
type ClientConfig struct {
	Provider      providers.Provider
	Sessions      *session.Store
	Tools         *tools.Registry
	SessionID     string
	Model         string
	MaxTokens     int
	Temperature   float64
	MaxIterations int
}

func NewClient(cfg ClientConfig) *Client {
	maxIter := cfg.MaxIterations
	if maxIter <= 0 {
		maxIter = 40
	}
	return &Client{
		provider:    cfg.Provider,
		sessions:    cfg.Sessions,
		tools:       cfg.Tools,
		sessionID:   session.SanitizeID(cfg.SessionID),
		model:       cfg.Model,
		maxTokens:   cfg.MaxTokens,
		temperature: cfg.Temperature,
		maxIter:     maxIter,
	}
}

// Connect loads the session's message history. Idempotent.
func (c *Client) Connect(ctx context.Context) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.connected {
		return nil
	}
	if err := ctx.Err(); err != nil {
		return err
	}
	c.sess = c.sessions.GetOrCreate(c.sessionID)
	c.connected = true
	return nil
}

// Disconnect saves the session and releases it. Idempotent, safe if never
// connected.
func (c *Client) Disconnect() error {
	c.mu.Lock()
	defer c.mu.Unlock()
	if !c.connected {
		return nil
	}
	c.connected = false
	sess := c.sess
	c.sess = nil
	if err := c.sessions.Save(sess); err != nil {
		return fmt.Errorf("failed to save session %s: %w", c.sessionID, err)
	}
	return nil
}

// SetSystemPrompt replaces the system prompt used by subsequent Chat calls.
func (c *Client) SetSystemPrompt(prompt string) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.systemPrompt = prompt
}

// Chat sends one message through the tool-call loop and returns the final
// assistant text. The exchange is appended to the session log.
func (c *Client) Chat(ctx context.Context, message string, cb events.ChatCallbacks) (string, error) {
	c.mu.Lock()
	if !c.connected {
		c.mu.Unlock()
		return "", fmt.Errorf("session %s is not connected", c.sessionID)
	}
	sess := c.sess
	systemPrompt := c.systemPrompt
	c.mu.Unlock()

	messages := historyToProviderMessages(sess.History())
	messages = append(messages, providers.Message{Role: "user", Content: message})

	final, usage, err := c.runToolLoop(ctx, systemPrompt, messages)
	if err != nil {
		return "", err
	}

	sess.Append(session.Message{Role: "user", Content: message})
	sess.Append(session.Message{Role: "assistant", Content: final})
	if err := c.sessions.Save(sess); err != nil {
		slog.Error("failed to save session", "session", c.sessionID, "error", err)
	}

	if cb.OnUsage != nil {
		cb.OnUsage(usage)
	}
	return final, nil
}

// runToolLoop executes the provider + tool-call loop and returns the final
// text response plus accumulated token usage across iterations.
func (c *Client) runToolLoop(ctx context.Context, systemPrompt string, messages []providers.Message) (string, events.UsageSummary, error) {
	toolDefs := registryToolDefs(c.tools)
	var usage events.UsageSummary

	for i := 0; i < c.maxIter; i++ {
		req := providers.ChatRequest{
			Model:        c.model,
			Messages:     messages,
			Tools:        toolDefs,
			MaxTokens:    c.maxTokens,
			Temperature:  c.temperature,
			SystemPrompt: systemPrompt,
		}

		resp, err := c.provider.Chat(ctx, req)
		if err != nil {
			return "", usage, fmt.Errorf("provider chat error: %w", err)
		}

		usage.PromptTokens += resp.Usage.PromptTokens
		usage.CompletionTokens += resp.Usage.CompletionTokens
		usage.TotalTokens += resp.Usage.TotalTokens

		if len(resp.ToolCalls) == 0 {
			return resp.Content, usage, nil
		}

		messages = append(messages, providers.Message{
			Role:      "assistant",
			Content:   resp.Content,
			ToolCalls: resp.ToolCalls,
		})

		for _, tc := range resp.ToolCalls {
			result := c.tools.Execute(ctx, tc.Name, []byte(tc.Arguments))
			messages = append(messages, providers.Message{
				Role:       "tool",
				ToolCallID: tc.ID,
				Content:    result,
			})
		}
	}

	return "", usage, fmt.Errorf("tool loop exceeded %d iterations", c.maxIter)
}

func historyToProviderMessages(msgs []session.Message) []providers.Message {
	out := make([]providers.Message, 0, len(msgs))
	for _, m := range msgs {
		pm := providers.Message{
			Role:       m.Role,
			Content:    m.Content,
			ToolCallID: m.ToolCallID,
		}
		for _, tc := range m.ToolCalls {
			pm.ToolCalls = append(pm.ToolCalls, providers.ToolCall{
				ID:        tc.ID,
				Name:      tc.Name,
				Arguments: tc.Arguments,
			})
		}
		out = append(out, pm)
	}
	return out
}

func registryToolDefs(r *tools.Registry) []providers.ToolDef {
	defs := r.Definitions()
	out := make([]providers.ToolDef, 0, len(defs))
	for _, d := range defs {
		out = append(out, providers.ToolDef{
			Type: d.Type,
			Function: providers.FunctionDef{
				Name:        d.Function.Name,
				Description: d.Function.Description,
				Parameters:  d.Function.Parameters,
			},
		})
	}
	return out
}
