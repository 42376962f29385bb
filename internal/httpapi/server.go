// Package httpapi exposes the carrier webhooks, the audio route, and the
// operational endpoints. Handlers translate HTTP to orchestrator calls and
// always answer webhooks with a well-formed carrier document, even on bad input.
package httpapi

import (
	"context"
	"io"
	"log"
	"net/http"
	"strings"
	"time"

	"github.com/bytedance/sonic"
	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"

	"github.com/antoniostano/switchline/internal/audiostore"
	"github.com/antoniostano/switchline/internal/observability"
	"github.com/antoniostano/switchline/internal/redact"
	"github.com/antoniostano/switchline/internal/synth"
	"github.com/antoniostano/switchline/internal/twiml"
	"github.com/antoniostano/switchline/internal/voice"
)

// smsDispatchTimeout bounds background SMS processing: generation deadline plus
// headroom for the carrier send.
const smsDispatchTimeout = 45 * time.Second

type Server struct {
	orch    *voice.Orchestrator
	assets  *audiostore.Store
	gateway *synth.Gateway
	metrics *observability.Metrics
	stages  *observability.StageWindow
	router  chi.Router
}

func NewServer(orch *voice.Orchestrator, assets *audiostore.Store, gateway *synth.Gateway, metrics *observability.Metrics, stages *observability.StageWindow) *Server {
	s := &Server{
		orch:    orch,
		assets:  assets,
		gateway: gateway,
		metrics: metrics,
		stages:  stages,
	}

	r := chi.NewRouter()
	r.Use(middleware.RealIP)
	r.Use(middleware.Recoverer)

	r.Post("/webhook/voice", s.handleIncomingCall)
	r.Post("/webhook/voice/gather", s.handleGather)
	r.Post("/webhook/voice/status", s.handleCallStatus)
	r.Post("/webhook/sms", s.handleInboundSMS)
	r.Get("/audio/{id}", s.handleAudio)

	r.Post("/calls", s.handleInitiateCall)
	r.Post("/admin/tts/reinitialize", s.handleReinitializeTTS)

	r.Get("/healthz", s.handleHealth)
	r.Get("/stats", s.handleStats)
	r.Method(http.MethodGet, "/metrics", observability.MetricsHandler())

	s.router = r
	return s
}

func (s *Server) Handler() http.Handler { return s.router }

func (s *Server) handleIncomingCall(w http.ResponseWriter, r *http.Request) {
	if err := r.ParseForm(); err != nil {
		s.count("voice", "bad_request")
		s.respondTwiML(w, s.orch.ApologyResponse())
		return
	}
	callSID := strings.TrimSpace(r.PostFormValue("CallSid"))
	if callSID == "" {
		// A document must come back regardless: the caller hears an apology
		// instead of carrier dead air.
		log.Printf("httpapi: voice webhook missing CallSid")
		s.count("voice", "bad_request")
		s.respondTwiML(w, s.orch.ApologyResponse())
		return
	}
	from := strings.TrimSpace(r.PostFormValue("From"))
	greeting := strings.TrimSpace(r.URL.Query().Get("greeting"))

	doc := s.orch.HandleIncomingCall(r.Context(), callSID, from, greeting)
	s.count("voice", "ok")
	s.respondTwiML(w, doc)
}

func (s *Server) handleGather(w http.ResponseWriter, r *http.Request) {
	if err := r.ParseForm(); err != nil {
		s.count("gather", "bad_request")
		s.respondTwiML(w, s.orch.ApologyResponse())
		return
	}
	callSID := strings.TrimSpace(r.PostFormValue("CallSid"))
	if callSID == "" {
		log.Printf("httpapi: gather webhook missing CallSid")
		s.count("gather", "bad_request")
		s.respondTwiML(w, s.orch.ApologyResponse())
		return
	}
	utterance := r.PostFormValue("SpeechResult")

	doc := s.orch.HandleFollowUp(r.Context(), callSID, utterance)
	s.count("gather", "ok")
	s.respondTwiML(w, doc)
}

func (s *Server) handleCallStatus(w http.ResponseWriter, r *http.Request) {
	if err := r.ParseForm(); err != nil {
		s.count("status", "bad_request")
		s.respondTwiML(w, twiml.NewResponse())
		return
	}
	callSID := strings.TrimSpace(r.PostFormValue("CallSid"))
	status := strings.TrimSpace(r.PostFormValue("CallStatus"))
	if callSID != "" {
		s.orch.HandleCallStatus(callSID, status)
	}
	s.count("status", "ok")
	s.respondTwiML(w, twiml.NewResponse())
}

// handleInboundSMS acknowledges immediately and replies out of band. The
// carrier webhook would time out long before a slow generation finishes, so the
// reply goes through the REST API instead of the webhook response.
func (s *Server) handleInboundSMS(w http.ResponseWriter, r *http.Request) {
	if err := r.ParseForm(); err != nil {
		s.count("sms", "bad_request")
		s.respondTwiML(w, twiml.NewResponse())
		return
	}
	from := strings.TrimSpace(r.PostFormValue("From"))
	body := r.PostFormValue("Body")
	if from == "" {
		s.count("sms", "bad_request")
		s.respondTwiML(w, twiml.NewResponse())
		return
	}

	go func() {
		ctx, cancel := context.WithTimeout(context.Background(), smsDispatchTimeout)
		defer cancel()
		if err := s.orch.HandleInboundSMS(ctx, from, body); err != nil {
			log.Printf("httpapi: sms from %s failed: %v", redact.Number(from), err)
		}
	}()

	s.count("sms", "ok")
	s.respondTwiML(w, twiml.NewResponse())
}

func (s *Server) handleAudio(w http.ResponseWriter, r *http.Request) {
	id := chi.URLParam(r, "id")
	data, err := s.assets.Get(id)
	if err != nil {
		s.count("audio", "not_found")
		http.Error(w, "audio not found", http.StatusNotFound)
		return
	}
	s.count("audio", "ok")
	w.Header().Set("Content-Type", s.orch.AudioContentType())
	w.Header().Set("Cache-Control", "no-store")
	w.WriteHeader(http.StatusOK)
	if _, err := w.Write(data); err != nil {
		log.Printf("httpapi: write audio %s: %v", id, err)
	}
}

type initiateCallRequest struct {
	To      string `json:"to"`
	Message string `json:"message"`
}

func (s *Server) handleInitiateCall(w http.ResponseWriter, r *http.Request) {
	raw, err := io.ReadAll(io.LimitReader(r.Body, 1<<20))
	if err != nil {
		respondError(w, http.StatusBadRequest, "unreadable body")
		return
	}
	var req initiateCallRequest
	if err := sonic.Unmarshal(raw, &req); err != nil {
		respondError(w, http.StatusBadRequest, "invalid JSON body")
		return
	}
	if strings.TrimSpace(req.To) == "" {
		respondError(w, http.StatusBadRequest, "to is required")
		return
	}

	callSID, err := s.orch.InitiateCall(r.Context(), req.To, req.Message)
	if err != nil {
		log.Printf("httpapi: initiate call to %s: %v", req.To, err)
		respondError(w, http.StatusBadGateway, "call could not be placed")
		return
	}
	respondJSON(w, http.StatusAccepted, map[string]string{"call_sid": callSID})
}

// handleReinitializeTTS clears sticky synthesis quota flags after a plan or key
// change, without a process restart.
func (s *Server) handleReinitializeTTS(w http.ResponseWriter, _ *http.Request) {
	s.gateway.Reinitialize()
	w.WriteHeader(http.StatusNoContent)
}

func (s *Server) handleHealth(w http.ResponseWriter, _ *http.Request) {
	respondJSON(w, http.StatusOK, map[string]string{"status": "ok"})
}

// handleStats serves the rolling per-stage latency window for this instance.
func (s *Server) handleStats(w http.ResponseWriter, _ *http.Request) {
	if s.stages == nil {
		respondJSON(w, http.StatusOK, observability.StageSnapshot{})
		return
	}
	respondJSON(w, http.StatusOK, s.stages.Snapshot())
}

func (s *Server) respondTwiML(w http.ResponseWriter, doc *twiml.Response) {
	body, err := doc.Render()
	if err != nil {
		log.Printf("httpapi: render document: %v", err)
		http.Error(w, "internal error", http.StatusInternalServerError)
		return
	}
	w.Header().Set("Content-Type", "text/xml; charset=utf-8")
	w.WriteHeader(http.StatusOK)
	if _, err := io.WriteString(w, body); err != nil {
		log.Printf("httpapi: write document: %v", err)
	}
}

func respondJSON(w http.ResponseWriter, status int, payload any) {
	body, err := sonic.Marshal(payload)
	if err != nil {
		http.Error(w, "internal error", http.StatusInternalServerError)
		return
	}
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_, _ = w.Write(body)
}

func respondError(w http.ResponseWriter, status int, msg string) {
	respondJSON(w, status, map[string]string{"error": msg})
}

func (s *Server) count(route, result string) {
	if s.metrics == nil {
		return
	}
	s.metrics.WebhookRequests.WithLabelValues(route, result).Inc()
}
