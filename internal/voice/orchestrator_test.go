package voice

import (
	"context"
	"errors"
	"strings"
	"testing"
	"time"

	"github.com/antoniostano/switchline/internal/audiostore"
	"github.com/antoniostano/switchline/internal/brain"
	"github.com/antoniostano/switchline/internal/convo"
	"github.com/antoniostano/switchline/internal/persona"
	"github.com/antoniostano/switchline/internal/synth"
	"github.com/antoniostano/switchline/internal/twiml"
)

type stubSynthBackend struct {
	fn    func(ctx context.Context, text string, profile synth.VoiceProfile) ([]byte, error)
	calls int
	texts []string
}

func (b *stubSynthBackend) Name() string { return "stub" }

func (b *stubSynthBackend) Synthesize(ctx context.Context, text string, profile synth.VoiceProfile) ([]byte, error) {
	b.calls++
	b.texts = append(b.texts, text)
	if b.fn != nil {
		return b.fn(ctx, text, profile)
	}
	return []byte("audio-bytes"), nil
}

type stubCompleter struct {
	fn    func(ctx context.Context, req brain.CompletionRequest) (string, error)
	calls int
}

func (c *stubCompleter) Complete(ctx context.Context, req brain.CompletionRequest) (string, error) {
	c.calls++
	if c.fn != nil {
		return c.fn(ctx, req)
	}
	return "Sure, happy to help with that.", nil
}

type stubCarrier struct {
	smsTo    []string
	smsBody  []string
	callTo   []string
	callURL  []string
	callErr  error
	nextCall string
}

func (c *stubCarrier) SendSMS(_ context.Context, to, body string) (string, error) {
	c.smsTo = append(c.smsTo, to)
	c.smsBody = append(c.smsBody, body)
	return "SM123", nil
}

func (c *stubCarrier) PlaceCall(_ context.Context, to, callbackURL string) (string, error) {
	if c.callErr != nil {
		return "", c.callErr
	}
	c.callTo = append(c.callTo, to)
	c.callURL = append(c.callURL, callbackURL)
	if c.nextCall == "" {
		c.nextCall = "CAOUT1"
	}
	return c.nextCall, nil
}

type harness struct {
	orch     *Orchestrator
	sessions *convo.Store
	assets   *audiostore.Store
	backend  *stubSynthBackend
	comp     *stubCompleter
	carrier  *stubCarrier
}

func newHarness(t *testing.T) *harness {
	t.Helper()
	sessions := convo.NewStore(time.Minute, 20)
	assets := audiostore.NewStore(time.Minute)
	backend := &stubSynthBackend{}
	comp := &stubCompleter{}
	car := &stubCarrier{}

	gateway := synth.NewGateway(300, nil, backend)
	voiceGen := brain.NewGenerator(comp, 2*time.Second, 1, nil)
	smsGen := brain.NewGenerator(comp, 2*time.Second, 1, nil)
	personas := persona.NewLoader(t.TempDir(), "assistant")

	orch := NewOrchestrator(Config{
		PublicBaseURL:    "https://switchline.example.com",
		GatherTimeoutSec: 5,
		HistoryWindow:    20,
		CarrierFormat:    "mp3",
	}, sessions, nil, assets, gateway, voiceGen, smsGen, personas, car, nil)

	return &harness{
		orch:     orch,
		sessions: sessions,
		assets:   assets,
		backend:  backend,
		comp:     comp,
		carrier:  car,
	}
}

func render(t *testing.T, doc *twiml.Response) string {
	t.Helper()
	out, err := doc.Render()
	if err != nil {
		t.Fatalf("Render() error = %v", err)
	}
	return out
}

func TestIncomingCallGreetsAndGathers(t *testing.T) {
	h := newHarness(t)

	doc := h.orch.HandleIncomingCall(context.Background(), "CA1", "+15550001111", "")
	out := render(t, doc)

	for _, want := range []string{
		`<Gather input="speech"`,
		`action="https://switchline.example.com/webhook/voice/gather"`,
		"<Play>https://switchline.example.com/audio/",
		"<Hangup></Hangup>",
	} {
		if !strings.Contains(out, want) {
			t.Fatalf("document missing %q:\n%s", want, out)
		}
	}

	sess, err := h.sessions.Get("CA1")
	if err != nil {
		t.Fatalf("session not created: %v", err)
	}
	if len(sess.Turns) != 1 || sess.Turns[0].Role != convo.RoleAssistant {
		t.Fatalf("turns = %+v, want one assistant greeting", sess.Turns)
	}
	if !strings.Contains(sess.Turns[0].Content, "How may I assist you today?") {
		t.Fatalf("greeting = %q", sess.Turns[0].Content)
	}
	if h.assets.Len() != 1 {
		t.Fatalf("assets = %d, want 1", h.assets.Len())
	}
}

func TestDuplicateIncomingWebhookDoesNotDoubleGreet(t *testing.T) {
	h := newHarness(t)

	h.orch.HandleIncomingCall(context.Background(), "CA1", "+15550001111", "")
	h.orch.HandleIncomingCall(context.Background(), "CA1", "+15550001111", "")

	sess, _ := h.sessions.Get("CA1")
	if len(sess.Turns) != 1 {
		t.Fatalf("turns = %d, want 1 after duplicate answer webhook", len(sess.Turns))
	}
	if h.sessions.Len() != 1 {
		t.Fatalf("sessions = %d, want 1", h.sessions.Len())
	}
}

func TestFollowUpRecordsBothTurns(t *testing.T) {
	h := newHarness(t)
	h.comp.fn = func(_ context.Context, req brain.CompletionRequest) (string, error) {
		return "The weather is sunny today.", nil
	}

	h.orch.HandleIncomingCall(context.Background(), "CA1", "+15550001111", "")
	doc := h.orch.HandleFollowUp(context.Background(), "CA1", "how is the weather")
	out := render(t, doc)

	if !strings.Contains(out, "<Play>https://switchline.example.com/audio/") {
		t.Fatalf("follow-up document has no Play:\n%s", out)
	}

	sess, _ := h.sessions.Get("CA1")
	if len(sess.Turns) != 3 {
		t.Fatalf("turns = %d, want 3 (greeting, user, reply)", len(sess.Turns))
	}
	if sess.Turns[1].Role != convo.RoleUser || sess.Turns[1].Content != "how is the weather" {
		t.Fatalf("user turn = %+v", sess.Turns[1])
	}
	if sess.Turns[2].Role != convo.RoleAssistant || sess.Turns[2].Content != "The weather is sunny today." {
		t.Fatalf("assistant turn = %+v", sess.Turns[2])
	}
	// Each reply gets its own asset; the greeting's is not reused.
	if h.assets.Len() != 2 {
		t.Fatalf("assets = %d, want 2", h.assets.Len())
	}
}

func TestEmptyUtteranceUsesCachedPrompt(t *testing.T) {
	h := newHarness(t)

	h.orch.HandleIncomingCall(context.Background(), "CA1", "+15550001111", "")
	callsAfterGreeting := h.backend.calls

	doc1 := h.orch.HandleFollowUp(context.Background(), "CA1", "")
	doc2 := h.orch.HandleFollowUp(context.Background(), "CA1", "   ")

	// The re-prompt is synthesized exactly once and pinned; the second silence
	// reuses the same asset.
	if got := h.backend.calls - callsAfterGreeting; got != 1 {
		t.Fatalf("prompt synthesis calls = %d, want 1", got)
	}

	out1 := render(t, doc1)
	out2 := render(t, doc2)
	if out1 != out2 {
		t.Fatalf("cached prompt documents differ:\n%s\n---\n%s", out1, out2)
	}

	// Silence never becomes a transcript turn.
	sess, _ := h.sessions.Get("CA1")
	if len(sess.Turns) != 1 {
		t.Fatalf("turns = %d, want 1", len(sess.Turns))
	}
	if h.comp.calls != 0 {
		t.Fatalf("completer calls = %d, want 0 for silence", h.comp.calls)
	}
}

func TestSynthUnavailableDowngradesToSay(t *testing.T) {
	h := newHarness(t)
	h.backend.fn = func(context.Context, string, synth.VoiceProfile) ([]byte, error) {
		return nil, errors.New("backend down")
	}
	h.comp.fn = func(context.Context, brain.CompletionRequest) (string, error) {
		return "Spoken through the carrier voice.", nil
	}

	h.orch.HandleIncomingCall(context.Background(), "CA1", "+15550001111", "")
	doc := h.orch.HandleFollowUp(context.Background(), "CA1", "say something")
	out := render(t, doc)

	if strings.Contains(out, "<Play>") {
		t.Fatalf("document should not contain Play when synthesis is down:\n%s", out)
	}
	if !strings.Contains(out, "Spoken through the carrier voice.") {
		t.Fatalf("document missing carrier Say of the reply:\n%s", out)
	}
	if !strings.Contains(out, `voice="Polly.Matthew-Neural"`) {
		t.Fatalf("document missing carrier voice attribute:\n%s", out)
	}
	// Conversation still advances even without synthesized audio.
	sess, _ := h.sessions.Get("CA1")
	if len(sess.Turns) != 3 {
		t.Fatalf("turns = %d, want 3", len(sess.Turns))
	}
}

func TestQuotaFallbackMarksBackendDown(t *testing.T) {
	h := newHarness(t)
	h.backend.fn = func(context.Context, string, synth.VoiceProfile) ([]byte, error) {
		return nil, synth.ErrQuotaExhausted
	}

	h.orch.HandleIncomingCall(context.Background(), "CA1", "+15550001111", "")
	h.orch.HandleIncomingCall(context.Background(), "CA2", "+15550002222", "")

	if h.backend.calls != 1 {
		t.Fatalf("backend calls = %d, want 1 (sticky quota disable)", h.backend.calls)
	}
}

func TestStaleReplyIsDropped(t *testing.T) {
	h := newHarness(t)
	h.orch.HandleIncomingCall(context.Background(), "CA1", "+15550001111", "")

	h.comp.fn = func(context.Context, brain.CompletionRequest) (string, error) {
		// A second webhook lands while this reply is being generated.
		if _, err := h.sessions.Append("CA1", convo.RoleUser, "actually, never mind"); err != nil {
			t.Errorf("racing append: %v", err)
		}
		return "Answer to the first question.", nil
	}

	doc := h.orch.HandleFollowUp(context.Background(), "CA1", "first question")
	out := render(t, doc)

	sess, _ := h.sessions.Get("CA1")
	for _, turn := range sess.Turns {
		if turn.Content == "Answer to the first question." {
			t.Fatalf("stale reply recorded in transcript")
		}
	}
	// The caller still gets a document that re-opens the gather.
	if !strings.Contains(out, "<Gather") {
		t.Fatalf("stale-drop document missing Gather:\n%s", out)
	}
}

func TestCallStatusTearsDownSession(t *testing.T) {
	h := newHarness(t)
	h.orch.HandleIncomingCall(context.Background(), "CA1", "+15550001111", "")

	h.orch.HandleCallStatus("CA1", "in-progress")
	if h.sessions.Len() != 1 {
		t.Fatalf("non-terminal status removed session")
	}

	h.orch.HandleCallStatus("CA1", "completed")
	if h.sessions.Len() != 0 {
		t.Fatalf("sessions = %d, want 0 after completed", h.sessions.Len())
	}

	// A second status for the same call is a no-op.
	h.orch.HandleCallStatus("CA1", "completed")
}

func TestInboundSMSRepliesWithinLimits(t *testing.T) {
	h := newHarness(t)
	longReply := strings.Repeat("This is a fairly long sentence that keeps going. ", 20)
	h.comp.fn = func(context.Context, brain.CompletionRequest) (string, error) {
		return longReply, nil
	}

	if err := h.orch.HandleInboundSMS(context.Background(), "+15550001111", "tell me everything"); err != nil {
		t.Fatalf("HandleInboundSMS() error = %v", err)
	}

	if len(h.carrier.smsBody) != 1 {
		t.Fatalf("sms sends = %d, want 1", len(h.carrier.smsBody))
	}
	body := h.carrier.smsBody[0]
	if len(body) > 500 {
		t.Fatalf("sms body length = %d, want <= 500", len(body))
	}
	if !strings.HasSuffix(body, ".") {
		t.Fatalf("sms body does not end on a sentence boundary: %q", body)
	}
	if h.carrier.smsTo[0] != "+15550001111" {
		t.Fatalf("sms to = %q", h.carrier.smsTo[0])
	}

	sess, err := h.sessions.Get("sms:+15550001111")
	if err != nil {
		t.Fatalf("sms session missing: %v", err)
	}
	if len(sess.Turns) != 2 {
		t.Fatalf("sms turns = %d, want 2", len(sess.Turns))
	}
}

func TestInboundSMSThreadKeepsContext(t *testing.T) {
	h := newHarness(t)
	var sawHistory int
	h.comp.fn = func(_ context.Context, req brain.CompletionRequest) (string, error) {
		sawHistory = len(req.Messages)
		return "Short answer.", nil
	}

	h.orch.HandleInboundSMS(context.Background(), "+15550001111", "first message")
	h.orch.HandleInboundSMS(context.Background(), "+15550001111", "second message")

	// Second generation sees the first exchange plus the new message.
	if sawHistory != 3 {
		t.Fatalf("messages in second generation = %d, want 3", sawHistory)
	}
	if h.sessions.Len() != 1 {
		t.Fatalf("sessions = %d, want 1 thread per sender", h.sessions.Len())
	}
}

func TestInboundSMSEmptyBodyIgnored(t *testing.T) {
	h := newHarness(t)
	if err := h.orch.HandleInboundSMS(context.Background(), "+15550001111", "  "); err != nil {
		t.Fatalf("HandleInboundSMS() error = %v", err)
	}
	if len(h.carrier.smsBody) != 0 {
		t.Fatalf("sms sent for empty body")
	}
	if h.sessions.Len() != 0 {
		t.Fatalf("session created for empty body")
	}
}

func TestInitiateCallSeedsSession(t *testing.T) {
	h := newHarness(t)
	h.carrier.nextCall = "CAOUT9"

	sid, err := h.orch.InitiateCall(context.Background(), "+15559998888", "Your appointment is confirmed for Friday.")
	if err != nil {
		t.Fatalf("InitiateCall() error = %v", err)
	}
	if sid != "CAOUT9" {
		t.Fatalf("sid = %q, want CAOUT9", sid)
	}

	if len(h.carrier.callURL) != 1 {
		t.Fatalf("calls placed = %d, want 1", len(h.carrier.callURL))
	}
	url := h.carrier.callURL[0]
	if !strings.HasPrefix(url, "https://switchline.example.com/webhook/voice?greeting=") {
		t.Fatalf("callback url = %q", url)
	}

	sess, err := h.sessions.Get("CAOUT9")
	if err != nil {
		t.Fatalf("outbound session missing: %v", err)
	}
	if len(sess.Turns) != 1 || sess.Turns[0].Content != "Your appointment is confirmed for Friday." {
		t.Fatalf("outbound turns = %+v", sess.Turns)
	}

	// The answer webhook plays the prepared asset without re-greeting.
	assetID := strings.TrimPrefix(url, "https://switchline.example.com/webhook/voice?greeting=")
	doc := h.orch.HandleIncomingCall(context.Background(), "CAOUT9", "+15559998888", assetID)
	out := render(t, doc)
	if !strings.Contains(out, "/audio/"+assetID) {
		t.Fatalf("answer document does not play prepared asset:\n%s", out)
	}
	sess, _ = h.sessions.Get("CAOUT9")
	if len(sess.Turns) != 1 {
		t.Fatalf("turns = %d, want 1 after answer webhook", len(sess.Turns))
	}
}

func TestInitiateCallCarrierFailure(t *testing.T) {
	h := newHarness(t)
	h.carrier.callErr = errors.New("carrier rejected")

	if _, err := h.orch.InitiateCall(context.Background(), "+15559998888", "hello"); err == nil {
		t.Fatalf("InitiateCall() succeeded, want error")
	}
	if h.sessions.Len() != 0 {
		t.Fatalf("session created for failed call")
	}
}

func TestWarmupPinsPrompts(t *testing.T) {
	h := newHarness(t)
	h.orch.Warmup(context.Background())

	if h.backend.calls != 3 {
		t.Fatalf("warmup synthesis calls = %d, want 3", h.backend.calls)
	}
	if h.assets.Len() != 3 {
		t.Fatalf("pinned assets = %d, want 3", h.assets.Len())
	}

	// The no-speech branch reuses the warmed asset.
	h.orch.HandleIncomingCall(context.Background(), "CA1", "+15550001111", "")
	callsBefore := h.backend.calls
	h.orch.HandleFollowUp(context.Background(), "CA1", "")
	if h.backend.calls != callsBefore {
		t.Fatalf("silence re-synthesized a warmed prompt")
	}
}

func TestApologyResponseRegathers(t *testing.T) {
	h := newHarness(t)
	out := render(t, h.orch.ApologyResponse())
	if !strings.Contains(out, "<Gather") || !strings.Contains(out, "trouble understanding") {
		t.Fatalf("apology document missing re-gather:\n%s", out)
	}
	if !strings.Contains(out, "<Hangup></Hangup>") {
		t.Fatalf("apology document missing terminal branch:\n%s", out)
	}
}

func TestErrorResponseHangsUp(t *testing.T) {
	h := newHarness(t)
	out := render(t, h.orch.ErrorResponse())
	if !strings.Contains(out, "<Hangup></Hangup>") {
		t.Fatalf("error document missing Hangup:\n%s", out)
	}
	if !strings.Contains(out, "I encountered an error") {
		t.Fatalf("error document missing apology:\n%s", out)
	}
	if strings.Contains(out, "<Gather") {
		t.Fatalf("error document must not gather:\n%s", out)
	}
}
