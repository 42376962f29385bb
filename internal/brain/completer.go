package brain

import "context"

type ModelTier string

const (
	// TierSmall is the low-latency model used for voice turns, where the caller
	// is waiting on the line.
	TierSmall ModelTier = "small"
	TierLarge ModelTier = "large"
)

type Message struct {
	Role    string
	Content string
}

type CompletionRequest struct {
	System      string
	Messages    []Message
	Tier        ModelTier
	Stop        []string
	MaxTokens   int
	Temperature float32
}

// Completer is the external text-generation backend.
type Completer interface {
	Complete(ctx context.Context, req CompletionRequest) (string, error)
}
