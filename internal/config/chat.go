package config

import (
	"time"
)

// ChatConfig carries the reliability knobs of the chat orchestrator.
type ChatConfig struct {
	// OperationTimeout bounds join/leave/send transport calls.
	OperationTimeout time.Duration `yaml:"operation_timeout"`

	// TypingDebounce is the coalescing window for typing intents; only the
	// latest state within the window reaches the transport.
	TypingDebounce time.Duration `yaml:"typing_debounce"`

	// TypingExpiry clears a typing flag that received no refresh, so a
	// remote peer that disconnected mid-type never leaves a stuck
	// indicator.
	TypingExpiry time.Duration `yaml:"typing_expiry"`

	// PendingQueueSize > 0 queues sends issued while the link is down, in
	// order, per room; the queue drains on reconnect and rejects new
	// messages at capacity. 0 means sends fail fast while disconnected.
	PendingQueueSize int `yaml:"pending_queue_size"`

	// AutoRetry re-sends a message once after a delivery failure before
	// marking it failed. Off by default; retries beyond that are always an
	// explicit caller intent.
	AutoRetry bool `yaml:"auto_retry"`
}

func loadChatConfig() *ChatConfig {
	return &ChatConfig{
		OperationTimeout: getEnvAsDuration("CHAT_OPERATION_TIMEOUT", 10*time.Second),
		TypingDebounce:   getEnvAsDuration("CHAT_TYPING_DEBOUNCE", 500*time.Millisecond),
		TypingExpiry:     getEnvAsDuration("CHAT_TYPING_EXPIRY", 5*time.Second),
		PendingQueueSize: getEnvAsInt("CHAT_PENDING_QUEUE_SIZE", 0),
		AutoRetry:        getEnvAsBool("CHAT_AUTO_RETRY", false),
	}
}
