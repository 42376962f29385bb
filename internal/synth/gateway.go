package synth

import (
	"context"
	"errors"
	"log"
	"strings"
	"sync/atomic"

	"github.com/antoniostano/switchline/internal/observability"
)

// Gateway tries synthesis backends in priority order. A backend that reports
// quota exhaustion is skipped for the rest of the process lifetime; transient
// failures only skip it for the current call.
type Gateway struct {
	backends []Backend
	down     []atomic.Bool
	maxChars int
	metrics  *observability.Metrics
}

func NewGateway(maxChars int, metrics *observability.Metrics, backends ...Backend) *Gateway {
	if maxChars <= 0 {
		maxChars = 300
	}
	return &Gateway{
		backends: backends,
		down:     make([]atomic.Bool, len(backends)),
		maxChars: maxChars,
		metrics:  metrics,
	}
}

// Synthesize renders text with the first healthy backend. Text beyond the
// configured ceiling is truncated with an ellipsis to bound cost and latency.
func (g *Gateway) Synthesize(ctx context.Context, text string, profile VoiceProfile) ([]byte, error) {
	text = strings.TrimSpace(text)
	if text == "" {
		return nil, ErrUnavailable
	}
	if runes := []rune(text); len(runes) > g.maxChars {
		// Cut on a rune boundary; a byte slice could split a multi-byte
		// character and hand the backend invalid UTF-8.
		log.Printf("synth: text length %d exceeds %d chars, truncating", len(runes), g.maxChars)
		text = string(runes[:g.maxChars]) + "..."
	}

	for i, b := range g.backends {
		if g.down[i].Load() {
			continue
		}
		audio, err := b.Synthesize(ctx, text, profile)
		if err != nil {
			if errors.Is(err, ErrQuotaExhausted) {
				g.down[i].Store(true)
				g.observe(b.Name(), "quota_exhausted")
				log.Printf("synth: backend %s quota exhausted, disabling for process lifetime", b.Name())
				continue
			}
			g.observe(b.Name(), "error")
			log.Printf("synth: backend %s failed: %v", b.Name(), err)
			continue
		}
		if len(audio) == 0 {
			g.observe(b.Name(), "empty")
			continue
		}
		g.observe(b.Name(), "ok")
		return audio, nil
	}
	return nil, ErrUnavailable
}

// Reinitialize clears sticky quota flags, e.g. after a plan upgrade or a new key.
func (g *Gateway) Reinitialize() {
	for i := range g.down {
		g.down[i].Store(false)
	}
}

func (g *Gateway) observe(backend, result string) {
	if g.metrics == nil {
		return
	}
	g.metrics.SynthRequests.WithLabelValues(backend, result).Inc()
}
