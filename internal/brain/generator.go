package brain

import (
	"context"
	"errors"
	"fmt"
	"log"
	"strings"
	"time"

	"github.com/antoniostano/switchline/internal/convo"
	"github.com/antoniostano/switchline/internal/observability"
	"github.com/antoniostano/switchline/internal/reliability"
)

// FallbackReply is spoken/texted when generation times out or fails outright.
const FallbackReply = "I'm having trouble processing that, could you try again?"

type Mode string

const (
	ModeVoice Mode = "voice"
	ModeSMS   Mode = "sms"
)

const (
	retryBackoffBase = time.Second
	retryBackoffCap  = 8 * time.Second
)

var defaultStop = []string{"\n\n", "User:", "Assistant:"}

type GenerateRequest struct {
	PersonaName  string
	SystemPrompt string
	History      []convo.Turn
	Utterance    string
	Tier         ModelTier
	Mode         Mode
}

// Generator wraps the completion backend with a hard deadline and bounded
// retries. Generate never blocks past the deadline and never returns an error;
// the worst case is the canned fallback.
type Generator struct {
	completer   Completer
	deadline    time.Duration
	maxAttempts int
	metrics     *observability.Metrics
}

func NewGenerator(completer Completer, deadline time.Duration, maxAttempts int, metrics *observability.Metrics) *Generator {
	if deadline <= 0 {
		deadline = 8 * time.Second
	}
	if maxAttempts <= 0 {
		maxAttempts = 3
	}
	return &Generator{
		completer:   completer,
		deadline:    deadline,
		maxAttempts: maxAttempts,
		metrics:     metrics,
	}
}

// Generate races the backend against the deadline. The losing branch of the
// race is cancelled through the context and its late result, if any, lands in a
// buffered channel nobody reads again, so it can never be applied.
func (g *Generator) Generate(ctx context.Context, req GenerateRequest) (string, bool) {
	started := time.Now()
	gctx, cancel := context.WithTimeout(ctx, g.deadline)
	defer cancel()

	type completion struct {
		text string
		err  error
	}
	resultCh := make(chan completion, 1)
	go func() {
		text, err := g.completeWithRetry(gctx, req)
		resultCh <- completion{text: text, err: err}
	}()

	select {
	case res := <-resultCh:
		if res.err != nil {
			// Attempts exhausted before the deadline; fall back now rather
			// than sitting out the rest of it.
			reason := "backend_error"
			if errors.Is(res.err, context.DeadlineExceeded) || errors.Is(res.err, context.Canceled) {
				reason = "deadline"
			}
			g.fallback(reason)
			log.Printf("brain: generation failed, using fallback: %v", res.err)
			return FallbackReply, true
		}
		if g.metrics != nil {
			g.metrics.ObserveBrainLatency(time.Since(started))
		}
		if strings.TrimSpace(res.text) == "" {
			g.fallback("empty")
			return FallbackReply, true
		}
		return res.text, false
	case <-gctx.Done():
		g.fallback("deadline")
		log.Printf("brain: generation missed %s deadline, using fallback", g.deadline)
		return FallbackReply, true
	}
}

func (g *Generator) completeWithRetry(ctx context.Context, req GenerateRequest) (string, error) {
	creq := g.buildRequest(req)
	var lastErr error
	for attempt := 0; attempt < g.maxAttempts; attempt++ {
		if attempt > 0 {
			delay := reliability.ExponentialBackoff(attempt-1, retryBackoffBase, retryBackoffCap)
			select {
			case <-ctx.Done():
				return "", ctx.Err()
			case <-time.After(delay):
			}
		}
		text, err := g.completer.Complete(ctx, creq)
		if err == nil {
			return text, nil
		}
		lastErr = err
		if ctx.Err() != nil {
			return "", ctx.Err()
		}
		log.Printf("brain: completion attempt %d/%d failed: %v", attempt+1, g.maxAttempts, err)
	}
	return "", fmt.Errorf("all %d completion attempts failed: %w", g.maxAttempts, lastErr)
}

func (g *Generator) buildRequest(req GenerateRequest) CompletionRequest {
	messages := make([]Message, 0, len(req.History)+1)
	for _, t := range req.History {
		messages = append(messages, Message{Role: string(t.Role), Content: t.Content})
	}
	if strings.TrimSpace(req.Utterance) != "" {
		messages = append(messages, Message{Role: "user", Content: req.Utterance})
	}

	maxTokens := 256
	temperature := float32(0.7)
	if req.Mode == ModeSMS {
		maxTokens = 1024
	}

	return CompletionRequest{
		System:      buildSystemPrompt(req.PersonaName, req.SystemPrompt, req.Mode),
		Messages:    messages,
		Tier:        req.Tier,
		Stop:        defaultStop,
		MaxTokens:   maxTokens,
		Temperature: temperature,
	}
}

func buildSystemPrompt(personaName, base string, mode Mode) string {
	var b strings.Builder
	if strings.TrimSpace(base) != "" {
		b.WriteString(strings.TrimSpace(base))
	} else {
		fmt.Fprintf(&b, "You are %s. Always stay in character and respond as %s would.", personaName, personaName)
	}

	switch mode {
	case ModeSMS:
		b.WriteString("\n\nSMS rules: reply with the content directly, no meta-commentary, no roleplay, no introductions. Keep it short, ideally 100-160 characters, simple and clear.")
	default:
		b.WriteString("\n\nVoice rules: reply with the content directly, no meta-commentary, no roleplay, no introductions. Keep it to 30-60 spoken words, simple and clear.")
	}
	return b.String()
}

func (g *Generator) fallback(reason string) {
	if g.metrics == nil {
		return
	}
	g.metrics.BrainFallbacks.WithLabelValues(reason).Inc()
}
