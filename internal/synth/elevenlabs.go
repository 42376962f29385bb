package synth

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strings"
	"time"

	"github.com/antoniostano/switchline/internal/reliability"
)

type ElevenLabsConfig struct {
	APIKey         string
	BaseURL        string
	DefaultVoiceID string
	DefaultModelID string
	OutputFormat   string
	HTTPClient     *http.Client
}

// ElevenLabsBackend renders speech through the ElevenLabs streaming HTTP endpoint.
type ElevenLabsBackend struct {
	cfg   ElevenLabsConfig
	httpc *http.Client
}

func NewElevenLabsBackend(cfg ElevenLabsConfig) *ElevenLabsBackend {
	if strings.TrimSpace(cfg.BaseURL) == "" {
		cfg.BaseURL = "https://api.elevenlabs.io"
	}
	if strings.TrimSpace(cfg.DefaultModelID) == "" {
		cfg.DefaultModelID = "eleven_multilingual_v2"
	}
	if strings.TrimSpace(cfg.OutputFormat) == "" {
		// MP3 plays directly on the carrier without transcoding.
		cfg.OutputFormat = "mp3_44100_128"
	}
	httpc := cfg.HTTPClient
	if httpc == nil {
		httpc = &http.Client{Timeout: 30 * time.Second}
	}
	return &ElevenLabsBackend{cfg: cfg, httpc: httpc}
}

func (b *ElevenLabsBackend) Name() string { return "elevenlabs" }

func (b *ElevenLabsBackend) Synthesize(ctx context.Context, text string, profile VoiceProfile) ([]byte, error) {
	voiceID := strings.TrimSpace(profile.VoiceID)
	if voiceID == "" {
		voiceID = b.cfg.DefaultVoiceID
	}
	if voiceID == "" {
		return nil, fmt.Errorf("voice_id is required")
	}
	modelID := strings.TrimSpace(profile.ModelID)
	if modelID == "" {
		modelID = b.cfg.DefaultModelID
	}

	payload := map[string]any{
		"text":                       text,
		"model_id":                   modelID,
		"optimize_streaming_latency": 4,
		"output_format":              b.cfg.OutputFormat,
		"voice_settings": map[string]any{
			"stability":         clamp01(profile.Stability, 0.5),
			"similarity_boost":  clamp01(profile.SimilarityBoost, 0.8),
			"style":             clamp01(profile.Style, 0.5),
			"use_speaker_boost": profile.UseSpeakerBoost,
		},
	}
	body, err := json.Marshal(payload)
	if err != nil {
		return nil, fmt.Errorf("marshal synthesis request: %w", err)
	}

	endpoint := strings.TrimRight(b.cfg.BaseURL, "/") + "/v1/text-to-speech/" + url.PathEscape(voiceID) + "/stream"
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, endpoint, bytes.NewReader(body))
	if err != nil {
		return nil, err
	}
	req.Header.Set("Content-Type", "application/json")
	req.Header.Set("xi-api-key", b.cfg.APIKey)
	req.Header.Set("Accept", "audio/mpeg")

	resp, err := b.httpc.Do(req)
	if err != nil {
		return nil, fmt.Errorf("synthesis request: %w", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		return nil, b.classifyError(resp)
	}

	audio, err := io.ReadAll(resp.Body)
	if err != nil {
		return nil, fmt.Errorf("read synthesis response: %w", err)
	}
	if len(audio) == 0 {
		return nil, fmt.Errorf("empty audio buffer from backend")
	}
	return audio, nil
}

func (b *ElevenLabsBackend) classifyError(resp *http.Response) error {
	raw, _ := io.ReadAll(io.LimitReader(resp.Body, 4096))

	var parsed struct {
		Detail struct {
			Status  string `json:"status"`
			Message string `json:"message"`
		} `json:"detail"`
	}
	if json.Unmarshal(raw, &parsed) == nil && reliability.IsQuotaStatus(parsed.Detail.Status) {
		return fmt.Errorf("%w: %s", ErrQuotaExhausted, parsed.Detail.Message)
	}
	if reliability.IsRetryableHTTPStatus(resp.StatusCode) {
		return fmt.Errorf("backend status %d: %s", resp.StatusCode, strings.TrimSpace(string(raw)))
	}
	return fmt.Errorf("backend rejected request with status %d: %s", resp.StatusCode, strings.TrimSpace(string(raw)))
}

func clamp01(v, fallback float64) float64 {
	if v <= 0 {
		return fallback
	}
	if v > 1 {
		return 1
	}
	return v
}
