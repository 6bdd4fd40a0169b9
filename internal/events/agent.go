package events

import "context"

// UsageSummary reports token consumption for one chat exchange.
type UsageSummary struct {
	PromptTokens     int `json:"prompt_tokens"`
	CompletionTokens int `json:"completion_tokens"`
	TotalTokens      int `json:"total_tokens"`
}

// ChatCallbacks carries optional per-call hooks for Agent.Chat.
type ChatCallbacks struct {
	OnUsage func(UsageSummary)
}

// Agent is the narrow surface this package consumes from the chat backend.
// An Agent instance is not safe for concurrent Chat calls; the session
// runner guarantees at most one call is in flight per instance.
type Agent interface {
	// Connect establishes the backend connection. Idempotent.
	Connect(ctx context.Context) error
	// Disconnect releases the connection. Idempotent, safe if never connected.
	Disconnect() error
	// SetSystemPrompt replaces the system prompt for subsequent Chat calls.
	SetSystemPrompt(prompt string)
	// Chat sends one message and returns the assistant's final response.
	Chat(ctx context.Context, message string, cb ChatCallbacks) (string, error)
}

// AgentFactory creates the Agent for a session id. Called lazily, once per
// live session runner.
type AgentFactory func(sessionID string) (Agent, error)

// PromptBuilder maps a session id and its persisted memory to the system
// prompt for that session's agent. Pure.
type PromptBuilder func(sessionID, memory string) string

// MemoryLoader loads persisted memory for a session id, empty if none.
type MemoryLoader func(sessionID string) string
