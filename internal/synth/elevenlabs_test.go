package synth

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
)

func TestElevenLabsSynthesize(t *testing.T) {
	var gotPath, gotKey string
	var gotPayload map[string]any

	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		gotPath = r.URL.Path
		gotKey = r.Header.Get("xi-api-key")
		json.NewDecoder(r.Body).Decode(&gotPayload)
		w.WriteHeader(http.StatusOK)
		w.Write([]byte("mp3-audio"))
	}))
	defer srv.Close()

	b := NewElevenLabsBackend(ElevenLabsConfig{
		APIKey:  "xi-test-key",
		BaseURL: srv.URL,
	})
	audio, err := b.Synthesize(context.Background(), "hello caller", VoiceProfile{VoiceID: "voice123"})
	if err != nil {
		t.Fatalf("Synthesize() error = %v", err)
	}
	if string(audio) != "mp3-audio" {
		t.Fatalf("audio = %q", audio)
	}
	if gotPath != "/v1/text-to-speech/voice123/stream" {
		t.Fatalf("path = %q", gotPath)
	}
	if gotKey != "xi-test-key" {
		t.Fatalf("api key header = %q", gotKey)
	}
	if gotPayload["text"] != "hello caller" {
		t.Fatalf("payload text = %v", gotPayload["text"])
	}
	if _, ok := gotPayload["voice_settings"]; !ok {
		t.Fatalf("payload missing voice_settings: %v", gotPayload)
	}
}

func TestElevenLabsQuotaErrorClassified(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, _ *http.Request) {
		w.WriteHeader(http.StatusUnauthorized)
		w.Write([]byte(`{"detail": {"status": "quota_exceeded", "message": "monthly character limit reached"}}`))
	}))
	defer srv.Close()

	b := NewElevenLabsBackend(ElevenLabsConfig{APIKey: "k", BaseURL: srv.URL})
	_, err := b.Synthesize(context.Background(), "hello", VoiceProfile{VoiceID: "v"})
	if !errors.Is(err, ErrQuotaExhausted) {
		t.Fatalf("error = %v, want ErrQuotaExhausted", err)
	}
}

func TestElevenLabsTransientErrorNotQuota(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, _ *http.Request) {
		w.WriteHeader(http.StatusServiceUnavailable)
		w.Write([]byte("try later"))
	}))
	defer srv.Close()

	b := NewElevenLabsBackend(ElevenLabsConfig{APIKey: "k", BaseURL: srv.URL})
	_, err := b.Synthesize(context.Background(), "hello", VoiceProfile{VoiceID: "v"})
	if err == nil {
		t.Fatalf("Synthesize() succeeded, want error")
	}
	if errors.Is(err, ErrQuotaExhausted) {
		t.Fatalf("transient failure classified as quota: %v", err)
	}
	if !strings.Contains(err.Error(), "503") {
		t.Fatalf("error = %v, want status in message", err)
	}
}

func TestElevenLabsMissingVoiceID(t *testing.T) {
	b := NewElevenLabsBackend(ElevenLabsConfig{APIKey: "k"})
	if _, err := b.Synthesize(context.Background(), "hello", VoiceProfile{}); err == nil {
		t.Fatalf("Synthesize() succeeded without voice id")
	}
}

func TestElevenLabsProfileOverridesDefaults(t *testing.T) {
	var gotPayload map[string]any
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		json.NewDecoder(r.Body).Decode(&gotPayload)
		w.Write([]byte("audio"))
	}))
	defer srv.Close()

	b := NewElevenLabsBackend(ElevenLabsConfig{
		APIKey:         "k",
		BaseURL:        srv.URL,
		DefaultVoiceID: "default-voice",
		DefaultModelID: "default-model",
	})
	_, err := b.Synthesize(context.Background(), "hi", VoiceProfile{ModelID: "eleven_turbo_v2"})
	if err != nil {
		t.Fatalf("Synthesize() error = %v", err)
	}
	if gotPayload["model_id"] != "eleven_turbo_v2" {
		t.Fatalf("model_id = %v, want profile override", gotPayload["model_id"])
	}
}
