package synth

import (
	"context"
	"errors"
)

var (
	// ErrUnavailable reports that every byte-producing backend failed; the caller
	// falls back to the carrier's built-in say primitive.
	ErrUnavailable = errors.New("no synthesis backend available")
	// ErrQuotaExhausted reports a backend out of characters for the billing
	// period. The gateway stops calling that backend for the process lifetime.
	ErrQuotaExhausted = errors.New("synthesis quota exhausted")
)

// VoiceProfile selects a backend voice and its tunables. Profiles come from the
// persona loader and are read-only here.
type VoiceProfile struct {
	VoiceID         string  `json:"voice_id"`
	ModelID         string  `json:"model_id"`
	Stability       float64 `json:"stability"`
	SimilarityBoost float64 `json:"similarity_boost"`
	Style           float64 `json:"style"`
	UseSpeakerBoost bool    `json:"use_speaker_boost"`
}

// Backend renders text to audio bytes. Implementations return ErrQuotaExhausted
// (possibly wrapped) for quota failures and plain errors for transient ones.
type Backend interface {
	Name() string
	Synthesize(ctx context.Context, text string, profile VoiceProfile) ([]byte, error)
}
