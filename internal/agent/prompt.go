package agent

import (
	"fmt"
	"os"
	"path/filepath"

	"merchbot/internal/session"
)

const basePrompt = `You are merchbot, an operations assistant for a commerce team.
You have tools for Shopify, Klaviyo, and the web. Use them to answer with real
data rather than guessing. Keep responses short and factual. If a background
trigger needs no operator attention, start your reply with [silent].`

// BuildSystemPrompt composes the system prompt for a session from its
// persisted memory. Pure.
func BuildSystemPrompt(sessionID, memory string) string {
	prompt := basePrompt
	prompt += fmt.Sprintf("\n\nSession: %s", sessionID)
	if memory != "" {
		prompt += "\n\n## Session memory\n\n" + memory
	}
	return prompt
}

// LoadMemory reads the persisted memory for a session id from memoryDir,
// returning the empty string if none exists.
func LoadMemory(memoryDir, sessionID string) string {
	data, err := os.ReadFile(filepath.Join(memoryDir, session.SanitizeID(sessionID)+".md"))
	if err != nil {
		return ""
	}
	return string(data)
}

// SaveMemory persists memory for a session id, replacing what was there.
func SaveMemory(memoryDir, sessionID, memory string) error {
	if err := os.MkdirAll(memoryDir, 0o700); err != nil {
		return fmt.Errorf("failed to create memory dir: %w", err)
	}
	path := filepath.Join(memoryDir, session.SanitizeID(sessionID)+".md")
	if err := os.WriteFile(path, []byte(memory), 0o600); err != nil {
		return fmt.Errorf("failed to write memory: %w", err)
	}
	return nil
}
