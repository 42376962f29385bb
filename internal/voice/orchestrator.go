// Package voice is the conversation state machine. Each carrier webhook is one
// state transition: it reads the session, runs generation and synthesis, records
// the turn, and answers with the carrier document for the next state.
package voice

import (
	"context"
	"errors"
	"fmt"
	"log"
	"strings"
	"sync"
	"time"

	"github.com/antoniostano/switchline/internal/audio"
	"github.com/antoniostano/switchline/internal/audiostore"
	"github.com/antoniostano/switchline/internal/brain"
	"github.com/antoniostano/switchline/internal/carrier"
	"github.com/antoniostano/switchline/internal/convo"
	"github.com/antoniostano/switchline/internal/observability"
	"github.com/antoniostano/switchline/internal/persona"
	"github.com/antoniostano/switchline/internal/redact"
	"github.com/antoniostano/switchline/internal/synth"
	"github.com/antoniostano/switchline/internal/twiml"
)

const (
	// Spoken replies are clipped harder than the raw synth ceiling so prompts
	// stay conversational.
	voiceReplyMaxChars = 250

	smsMaxChars  = 500
	smsWarnChars = 300

	noSpeechPrompt  = "I didn't catch that. Could you please repeat?"
	stalePrompt     = "Sorry, go ahead. What was that?"
	goodbyeLine     = "It seems you've stepped away. Goodbye!"
	apologyLine     = "I apologize, but I had trouble understanding that. Could you please repeat?"
	errorLine       = "I'm sorry, I encountered an error. Please try again later."
	smsSessionScope = "sms:"
)

type Config struct {
	PublicBaseURL    string
	GatherTimeoutSec int
	HistoryWindow    int
	// CarrierFormat selects what the audio route serves: "mp3" passes synth
	// output through, "wav_ulaw" transcodes 16 kHz PCM down to the 8 kHz
	// format phone bridges decode natively.
	CarrierFormat string
}

// Orchestrator drives voice calls and SMS threads over the shared stores.
type Orchestrator struct {
	cfg      Config
	sessions *convo.Store
	archive  convo.Archive
	assets   *audiostore.Store
	gateway  *synth.Gateway
	voiceGen *brain.Generator
	smsGen   *brain.Generator
	personas *persona.Loader
	carrier  carrier.Client
	metrics  *observability.Metrics
	stages   *observability.StageWindow

	promptMu      sync.Mutex
	cannedPrompts map[string]string
}

func NewOrchestrator(
	cfg Config,
	sessions *convo.Store,
	archive convo.Archive,
	assets *audiostore.Store,
	gateway *synth.Gateway,
	voiceGen, smsGen *brain.Generator,
	personas *persona.Loader,
	carrierClient carrier.Client,
	metrics *observability.Metrics,
) *Orchestrator {
	if cfg.GatherTimeoutSec <= 0 {
		cfg.GatherTimeoutSec = 5
	}
	if cfg.HistoryWindow <= 0 {
		cfg.HistoryWindow = 20
	}
	if cfg.CarrierFormat == "" {
		cfg.CarrierFormat = "mp3"
	}
	return &Orchestrator{
		cfg:           cfg,
		sessions:      sessions,
		archive:       archive,
		assets:        assets,
		gateway:       gateway,
		voiceGen:      voiceGen,
		smsGen:        smsGen,
		personas:      personas,
		carrier:       carrierClient,
		metrics:       metrics,
		cannedPrompts: make(map[string]string),
	}
}

// SetStageWindow attaches the rolling latency window. Optional; a nil window
// records nothing.
func (o *Orchestrator) SetStageWindow(w *observability.StageWindow) {
	o.stages = w
}

// Warmup pre-synthesizes the prompts every call path can need so the hot path
// never pays synthesis latency for them. Failures are tolerated; the carrier
// say voice covers any prompt that did not warm.
func (o *Orchestrator) Warmup(ctx context.Context) {
	p, err := o.personas.Load("")
	if err != nil {
		log.Printf("voice: warmup skipped, default persona unavailable: %v", err)
		return
	}
	for _, phrase := range []string{noSpeechPrompt, stalePrompt, goodbyeLine} {
		if _, ok := o.cannedAudioID(ctx, phrase, p); !ok {
			log.Printf("voice: warmup could not synthesize %q", phrase)
		}
	}
}

// AudioContentType is the MIME type the audio route serves.
func (o *Orchestrator) AudioContentType() string {
	if o.cfg.CarrierFormat == "wav_ulaw" {
		return "audio/wav"
	}
	return "audio/mpeg"
}

// HandleIncomingCall answers the first webhook of a call: greet, record the
// greeting as the opening assistant turn, and gather the caller's speech.
func (o *Orchestrator) HandleIncomingCall(ctx context.Context, callSID, from, greetAssetID string) *twiml.Response {
	p, err := o.personas.Load("")
	if err != nil {
		log.Printf("voice: load persona: %v", err)
		return o.ErrorResponse()
	}

	sess, created := o.sessions.GetOrCreate(callSID, p.Key)
	if created {
		o.sessionEvent("created")
		log.Printf("voice: call %s from %s started", callSID, redact.Number(from))
	}
	o.setGauges()

	// Outbound call connecting: the message was synthesized at initiation time.
	if greetAssetID != "" {
		if _, err := o.assets.Get(greetAssetID); err == nil {
			return o.promptDocument(p, o.audioURL(greetAssetID), "")
		}
		log.Printf("voice: outbound greeting asset %s missing, regenerating greeting", greetAssetID)
	}

	greeting := o.greetingText(ctx, p, sess, created)
	if created {
		o.recordTurn(ctx, callSID, p.Key, convo.RoleAssistant, greeting)
	}
	return o.speakDocument(ctx, p, greeting)
}

// HandleFollowUp answers a gather webhook with the next reply. An empty
// utterance replays the cached re-prompt without touching the transcript.
func (o *Orchestrator) HandleFollowUp(ctx context.Context, callSID, utterance string) *twiml.Response {
	p, err := o.personas.Load("")
	if err != nil {
		log.Printf("voice: load persona: %v", err)
		return o.ErrorResponse()
	}
	if _, created := o.sessions.GetOrCreate(callSID, p.Key); created {
		// Gather arrived after the session idled out; resume with a fresh one.
		o.sessionEvent("resumed")
	}
	o.setGauges()

	turnStart := time.Now()
	utterance = strings.TrimSpace(utterance)
	if utterance == "" {
		if err := o.sessions.Touch(callSID); err != nil {
			log.Printf("voice: touch %s: %v", callSID, err)
		}
		return o.cannedDocument(ctx, p, noSpeechPrompt)
	}

	epoch, err := o.sessions.Append(callSID, convo.RoleUser, utterance)
	if err != nil {
		log.Printf("voice: append user turn %s: %v", callSID, err)
		return o.ErrorResponse()
	}
	o.archiveTurn(ctx, callSID, p.Key, convo.RoleUser, utterance)

	history, err := o.sessions.Window(callSID, o.cfg.HistoryWindow)
	if err != nil {
		log.Printf("voice: history %s: %v", callSID, err)
		return o.ErrorResponse()
	}
	// The user turn just appended is passed as Utterance, not as history.
	if len(history) > 0 {
		history = history[:len(history)-1]
	}

	brainStart := time.Now()
	reply, fromFallback := o.voiceGen.Generate(ctx, brain.GenerateRequest{
		PersonaName:  p.Name,
		SystemPrompt: p.SystemPrompt,
		History:      history,
		Utterance:    utterance,
		Tier:         brain.TierSmall,
		Mode:         brain.ModeVoice,
	})
	o.stages.Observe(observability.StageBrain, time.Since(brainStart))
	if fromFallback {
		o.stages.ObserveIndicator("brain_fallback")
	}
	reply = brain.TruncateToCompleteSentence(reply, voiceReplyMaxChars)

	if _, err := o.sessions.AppendIfFresh(callSID, convo.RoleAssistant, reply, epoch); err != nil {
		if errors.Is(err, convo.ErrStale) {
			// A newer webhook already advanced this conversation; this reply
			// would land out of order, so it is dropped entirely.
			o.sessionEvent("stale_reply_dropped")
			log.Printf("voice: dropping stale reply for %s (epoch %d moved)", callSID, epoch)
			return o.cannedDocument(ctx, p, stalePrompt)
		}
		log.Printf("voice: append reply %s: %v", callSID, err)
		return o.ErrorResponse()
	}
	o.archiveTurn(ctx, callSID, p.Key, convo.RoleAssistant, reply)

	doc := o.speakDocument(ctx, p, reply)
	o.stages.Observe(observability.StageTurnTotal, time.Since(turnStart))
	return doc
}

// HandleCallStatus tears the session down on terminal call states.
func (o *Orchestrator) HandleCallStatus(callSID, status string) {
	switch status {
	case "completed", "failed", "busy", "no-answer", "canceled":
	default:
		return
	}
	if _, err := o.sessions.Remove(callSID); err == nil {
		o.sessionEvent("ended")
		log.Printf("voice: call %s ended with status %s", callSID, status)
	}
	o.setGauges()
}

// HandleInboundSMS generates and sends the reply for one inbound text. The SMS
// thread for a number is a session keyed by the sender, so context carries
// across messages the same way it does across turns in a call.
func (o *Orchestrator) HandleInboundSMS(ctx context.Context, from, body string) error {
	body = strings.TrimSpace(body)
	if body == "" {
		return nil
	}
	p, err := o.personas.Load("")
	if err != nil {
		return fmt.Errorf("load persona: %w", err)
	}

	sessionID := smsSessionScope + from
	if _, created := o.sessions.GetOrCreate(sessionID, p.Key); created {
		o.sessionEvent("created")
	}
	o.setGauges()

	epoch, err := o.sessions.Append(sessionID, convo.RoleUser, body)
	if err != nil {
		return fmt.Errorf("append inbound sms: %w", err)
	}
	o.archiveTurn(ctx, sessionID, p.Key, convo.RoleUser, body)

	history, err := o.sessions.Window(sessionID, o.cfg.HistoryWindow)
	if err != nil {
		return fmt.Errorf("sms history: %w", err)
	}
	if len(history) > 0 {
		history = history[:len(history)-1]
	}

	reply, _ := o.smsGen.Generate(ctx, brain.GenerateRequest{
		PersonaName:  p.Name,
		SystemPrompt: p.SystemPrompt,
		History:      history,
		Utterance:    body,
		Tier:         brain.TierLarge,
		Mode:         brain.ModeSMS,
	})
	if len(reply) > smsMaxChars {
		log.Printf("sms: reply length %d exceeds %d, truncating", len(reply), smsMaxChars)
		reply = brain.TruncateToCompleteSentence(reply, smsMaxChars)
	} else if len(reply) > smsWarnChars {
		log.Printf("sms: reply length %d exceeds ideal size", len(reply))
	}

	if _, err := o.sessions.AppendIfFresh(sessionID, convo.RoleAssistant, reply, epoch); err != nil {
		if errors.Is(err, convo.ErrStale) {
			o.sessionEvent("stale_reply_dropped")
			log.Printf("sms: dropping stale reply for %s", redact.Number(from))
			return nil
		}
		return fmt.Errorf("append sms reply: %w", err)
	}
	o.archiveTurn(ctx, sessionID, p.Key, convo.RoleAssistant, reply)

	if _, err := o.carrier.SendSMS(ctx, from, reply); err != nil {
		return fmt.Errorf("send sms: %w", err)
	}
	return nil
}

// InitiateCall synthesizes the opening message, places the call, and seeds the
// session so the answer webhook plays the prepared audio.
func (o *Orchestrator) InitiateCall(ctx context.Context, to, message string) (string, error) {
	p, err := o.personas.Load("")
	if err != nil {
		return "", fmt.Errorf("load persona: %w", err)
	}
	message = brain.TruncateToCompleteSentence(strings.TrimSpace(message), voiceReplyMaxChars)
	if message == "" {
		message = o.staticGreeting(p)
	}

	callbackURL := o.cfg.PublicBaseURL + "/webhook/voice"
	if assetID, ok := o.synthesizeAsset(ctx, message, p); ok {
		callbackURL += "?greeting=" + assetID
	}

	callSID, err := o.carrier.PlaceCall(ctx, to, callbackURL)
	if err != nil {
		return "", fmt.Errorf("place call: %w", err)
	}

	if _, created := o.sessions.GetOrCreate(callSID, p.Key); created {
		o.sessionEvent("created")
	}
	o.recordTurn(ctx, callSID, p.Key, convo.RoleAssistant, message)
	o.setGauges()
	log.Printf("voice: outbound call %s to %s placed", callSID, redact.Number(to))
	return callSID, nil
}

// ErrorResponse is the terminal document for requests the state machine cannot
// serve: apologize in the carrier voice and hang up.
func (o *Orchestrator) ErrorResponse() *twiml.Response {
	cv := persona.CarrierVoiceFor("", "")
	return twiml.NewResponse().
		AddSay(twiml.Say{Voice: cv.Voice, Language: cv.Language, Text: errorLine}).
		AddHangup()
}

// ApologyResponse answers malformed payloads: apologize in the carrier voice
// and re-open the gather so the call can recover.
func (o *Orchestrator) ApologyResponse() *twiml.Response {
	cv := persona.CarrierVoiceFor("", "")
	g := twiml.Gather{
		Input:         "speech",
		Action:        o.cfg.PublicBaseURL + "/webhook/voice/gather",
		Method:        "POST",
		Timeout:       o.cfg.GatherTimeoutSec,
		SpeechTimeout: "auto",
		Language:      cv.RecognitionLanguage,
		Say:           &twiml.Say{Voice: cv.Voice, Language: cv.Language, Text: apologyLine},
	}
	return twiml.NewResponse().
		AddGather(g).
		AddSay(twiml.Say{Voice: cv.Voice, Language: cv.Language, Text: goodbyeLine}).
		AddHangup()
}

func (o *Orchestrator) greetingText(ctx context.Context, p persona.Persona, sess convo.Session, created bool) string {
	if !created {
		// Duplicate answer webhook: replay the greeting already on record.
		for _, t := range sess.Turns {
			if t.Role == convo.RoleAssistant {
				return t.Content
			}
		}
	}
	if p.Greeting != "" {
		return p.Greeting
	}
	if p.SystemPrompt != "" {
		text, fromFallback := o.voiceGen.Generate(ctx, brain.GenerateRequest{
			PersonaName:  p.Name,
			SystemPrompt: p.SystemPrompt,
			Utterance:    "Greet the caller in one short sentence and ask how you can help.",
			Tier:         brain.TierSmall,
			Mode:         brain.ModeVoice,
		})
		if !fromFallback {
			return brain.TruncateToCompleteSentence(text, voiceReplyMaxChars)
		}
	}
	return o.staticGreeting(p)
}

func (o *Orchestrator) staticGreeting(p persona.Persona) string {
	return fmt.Sprintf("Hello! I'm %s. How may I assist you today?", p.Name)
}

// speakDocument synthesizes text into a fresh asset and wraps it in a gather.
// When every synthesis backend is down the carrier say voice carries the line.
func (o *Orchestrator) speakDocument(ctx context.Context, p persona.Persona, text string) *twiml.Response {
	synthStart := time.Now()
	assetID, ok := o.synthesizeAsset(ctx, text, p)
	o.stages.Observe(observability.StageSynth, time.Since(synthStart))
	if ok {
		return o.promptDocument(p, o.audioURL(assetID), "")
	}
	o.stages.ObserveIndicator("say_fallback")
	return o.promptDocument(p, "", text)
}

// cannedDocument serves a reusable prompt from the pinned cache, synthesizing it
// at most once per process.
func (o *Orchestrator) cannedDocument(ctx context.Context, p persona.Persona, phrase string) *twiml.Response {
	if id, ok := o.cannedAudioID(ctx, phrase, p); ok {
		return o.promptDocument(p, o.audioURL(id), "")
	}
	return o.promptDocument(p, "", phrase)
}

func (o *Orchestrator) cannedAudioID(ctx context.Context, phrase string, p persona.Persona) (string, bool) {
	o.promptMu.Lock()
	defer o.promptMu.Unlock()
	if id, ok := o.cannedPrompts[phrase]; ok {
		return id, true
	}
	data, err := o.renderAudio(ctx, phrase, p)
	if err != nil {
		return "", false
	}
	id := o.assets.PutPinned(data)
	o.cannedPrompts[phrase] = id
	o.setGauges()
	return id, true
}

func (o *Orchestrator) synthesizeAsset(ctx context.Context, text string, p persona.Persona) (string, bool) {
	data, err := o.renderAudio(ctx, text, p)
	if err != nil {
		if !errors.Is(err, synth.ErrUnavailable) {
			log.Printf("voice: synthesis failed: %v", err)
		}
		return "", false
	}
	id := o.assets.Put(data)
	o.setGauges()
	return id, true
}

func (o *Orchestrator) renderAudio(ctx context.Context, text string, p persona.Persona) ([]byte, error) {
	data, err := o.gateway.Synthesize(ctx, sanitizeSpeechText(text), p.Voice)
	if err != nil {
		return nil, err
	}
	if o.cfg.CarrierFormat == "wav_ulaw" {
		return audio.TranscodePCM16ToULawWAV(data, 16000)
	}
	return data, nil
}

// promptDocument gathers caller speech while playing or saying the prompt, so
// the caller can interrupt. If the gather times out with silence, the goodbye
// branch below it runs and the call ends cleanly.
func (o *Orchestrator) promptDocument(p persona.Persona, audioURL, sayText string) *twiml.Response {
	cv := persona.CarrierVoiceFor(p.Language, p.Gender)
	g := twiml.Gather{
		Input:         "speech",
		Action:        o.cfg.PublicBaseURL + "/webhook/voice/gather",
		Method:        "POST",
		Timeout:       o.cfg.GatherTimeoutSec,
		SpeechTimeout: "auto",
		Language:      cv.RecognitionLanguage,
	}
	if audioURL != "" {
		g.Play = &twiml.Play{URL: audioURL}
	} else {
		g.Say = &twiml.Say{Voice: cv.Voice, Language: cv.Language, Text: sayText}
	}
	return twiml.NewResponse().
		AddGather(g).
		AddSay(twiml.Say{Voice: cv.Voice, Language: cv.Language, Text: goodbyeLine}).
		AddHangup()
}

func (o *Orchestrator) audioURL(id string) string {
	return o.cfg.PublicBaseURL + "/audio/" + id
}

func (o *Orchestrator) recordTurn(ctx context.Context, sessionID, personaKey string, role convo.Role, content string) {
	if _, err := o.sessions.Append(sessionID, role, content); err != nil {
		log.Printf("voice: append %s turn %s: %v", role, sessionID, err)
		return
	}
	o.archiveTurn(ctx, sessionID, personaKey, role, content)
}

func (o *Orchestrator) archiveTurn(ctx context.Context, sessionID, personaKey string, role convo.Role, content string) {
	if o.archive == nil {
		return
	}
	// Spoken card numbers must not be persisted verbatim.
	content, masked := redact.CardNumbers(content)
	if masked {
		log.Printf("voice: masked card number in archived turn for %s", sessionID)
	}
	rec := convo.TurnRecord{
		SessionID:  sessionID,
		PersonaKey: personaKey,
		Role:       role,
		Content:    content,
	}
	if err := o.archive.SaveTurn(ctx, rec); err != nil {
		log.Printf("voice: archive turn for %s: %v", sessionID, err)
	}
}

func (o *Orchestrator) sessionEvent(event string) {
	if o.metrics == nil {
		return
	}
	o.metrics.SessionEvents.WithLabelValues(event).Inc()
}

func (o *Orchestrator) setGauges() {
	if o.metrics == nil {
		return
	}
	o.metrics.ActiveSessions.Set(float64(o.sessions.Len()))
	o.metrics.AudioAssets.Set(float64(o.assets.Len()))
}
