package main

import (
	"context"
	"errors"
	"log"
	"net/http"
	"os/signal"
	"syscall"
	"time"

	"github.com/antoniostano/switchline/internal/audiostore"
	"github.com/antoniostano/switchline/internal/brain"
	"github.com/antoniostano/switchline/internal/carrier"
	"github.com/antoniostano/switchline/internal/config"
	"github.com/antoniostano/switchline/internal/convo"
	"github.com/antoniostano/switchline/internal/httpapi"
	"github.com/antoniostano/switchline/internal/observability"
	"github.com/antoniostano/switchline/internal/persona"
	"github.com/antoniostano/switchline/internal/synth"
	"github.com/antoniostano/switchline/internal/voice"
)

func main() {
	cfg, err := config.Load()
	if err != nil {
		log.Fatalf("config: %v", err)
	}

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	metrics := observability.NewMetrics(cfg.MetricsNamespace)
	stages := observability.NewStageWindow(256)

	archive, err := convo.NewArchive(ctx, cfg.DatabaseURL)
	if err != nil {
		log.Fatalf("archive: %v", err)
	}
	defer archive.Close()

	sessions := convo.NewStore(cfg.SessionIdleTimeout, cfg.SessionHistoryWindow)
	sessions.SetEvictHook(func(sess convo.Session) {
		log.Printf("session %s evicted after idle timeout (%d turns)", sess.ID, len(sess.Turns))
		metrics.SessionEvents.WithLabelValues("evicted").Inc()
		metrics.ActiveSessions.Set(float64(sessions.Len()))
	})
	sessions.StartJanitor(ctx, cfg.SessionSweepInterval)

	assets := audiostore.NewStore(cfg.AudioTTL)
	assets.StartJanitor(ctx, cfg.AudioSweepInterval)

	gateway := synth.NewGateway(cfg.SynthMaxChars, metrics, synthBackends(cfg)...)

	completer, err := brain.NewOpenAICompleter(brain.OpenAIConfig{
		APIKey:     cfg.OpenAIAPIKey,
		BaseURL:    cfg.OpenAIBaseURL,
		ModelLarge: cfg.BrainModel,
		ModelSmall: cfg.BrainModelSmall,
	})
	if err != nil {
		log.Fatalf("brain: %v", err)
	}
	voiceGen := brain.NewGenerator(completer, cfg.BrainDeadline, cfg.BrainMaxAttempts, metrics)
	smsGen := brain.NewGenerator(completer, cfg.SMSReplyDeadline, cfg.BrainMaxAttempts, metrics)

	carrierClient, err := carrier.NewTwilioClient(carrier.TwilioConfig{
		AccountSID: cfg.TwilioAccountSID,
		AuthToken:  cfg.TwilioAuthToken,
		FromNumber: cfg.TwilioPhoneNumber,
	})
	if err != nil {
		log.Fatalf("carrier: %v", err)
	}

	personas := persona.NewLoader(cfg.PersonaDir, cfg.PersonaDefault)

	orch := voice.NewOrchestrator(voice.Config{
		PublicBaseURL:    cfg.PublicBaseURL,
		GatherTimeoutSec: cfg.GatherTimeoutSec,
		HistoryWindow:    cfg.SessionHistoryWindow,
		CarrierFormat:    cfg.AudioCarrierFormat,
	}, sessions, archive, assets, gateway, voiceGen, smsGen, personas, carrierClient, metrics)
	orch.SetStageWindow(stages)

	warmupCtx, cancelWarmup := context.WithTimeout(ctx, 30*time.Second)
	orch.Warmup(warmupCtx)
	cancelWarmup()

	api := httpapi.NewServer(orch, assets, gateway, metrics, stages)
	srv := &http.Server{
		Addr:              cfg.BindAddr,
		Handler:           api.Handler(),
		ReadHeaderTimeout: 10 * time.Second,
	}

	errCh := make(chan error, 1)
	go func() {
		log.Printf("listening on %s (public base %s)", cfg.BindAddr, cfg.PublicBaseURL)
		errCh <- srv.ListenAndServe()
	}()

	select {
	case <-ctx.Done():
		log.Printf("shutdown signal received")
	case err := <-errCh:
		if err != nil && !errors.Is(err, http.ErrServerClosed) {
			log.Fatalf("http server: %v", err)
		}
	}

	shutdownCtx, cancel := context.WithTimeout(context.Background(), cfg.ShutdownTimeout)
	defer cancel()
	if err := srv.Shutdown(shutdownCtx); err != nil {
		log.Printf("shutdown: %v", err)
	}
}

// synthBackends builds the priority-ordered synthesis chain. When μ-law output
// is configured the backends emit 16 kHz PCM for the transcoder instead of MP3.
func synthBackends(cfg config.Config) []synth.Backend {
	if cfg.ElevenLabsAPIKey == "" {
		log.Printf("no synthesis credentials configured, carrier say voice only")
		return nil
	}

	outputFormat := "mp3_44100_128"
	if cfg.AudioCarrierFormat == "wav_ulaw" {
		outputFormat = "pcm_16000"
	}

	var backends []synth.Backend
	if cfg.ElevenLabsTTSMode == "ws" {
		backends = append(backends, synth.NewElevenLabsStreamBackend(synth.ElevenLabsStreamConfig{
			APIKey:         cfg.ElevenLabsAPIKey,
			WSBaseURL:      cfg.ElevenLabsWSBaseURL,
			DefaultVoiceID: cfg.ElevenLabsVoiceID,
			DefaultModelID: cfg.ElevenLabsModelID,
			OutputFormat:   outputFormat,
		}))
	}
	backends = append(backends, synth.NewElevenLabsBackend(synth.ElevenLabsConfig{
		APIKey:         cfg.ElevenLabsAPIKey,
		BaseURL:        cfg.ElevenLabsBaseURL,
		DefaultVoiceID: cfg.ElevenLabsVoiceID,
		DefaultModelID: cfg.ElevenLabsModelID,
		OutputFormat:   outputFormat,
	}))
	return backends
}
