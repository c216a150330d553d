package callsession

import (
	"context"
	"sync"
	"testing"
	"time"

	"github.com/lokutor-ai/callbridge/internal/calltypes"
	"github.com/lokutor-ai/callbridge/internal/providers/llm"
	"github.com/lokutor-ai/callbridge/internal/providers/stt"
	"github.com/lokutor-ai/callbridge/internal/providers/tts"
)

// --- fake providers, one scripted Stream per Open/Stream call ---

type fakeSTTProvider struct {
	mu      sync.Mutex
	streams []*fakeSTTStream
}

func (p *fakeSTTProvider) Name() string { return "fake-stt" }

func (p *fakeSTTProvider) Open(ctx context.Context, lang string, sampleRate int) (stt.Stream, error) {
	s := &fakeSTTStream{events: make(chan stt.Event, 32)}
	p.mu.Lock()
	p.streams = append(p.streams, s)
	p.mu.Unlock()
	return s, nil
}

// latest returns the most recently opened stream, for the test driver to
// push events into.
func (p *fakeSTTProvider) latest() *fakeSTTStream {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.streams[len(p.streams)-1]
}

type fakeSTTStream struct {
	events    chan stt.Event
	closeOnce sync.Once
}

func (s *fakeSTTStream) Send(frame []byte) error       { return nil }
func (s *fakeSTTStream) Events() <-chan stt.Event      { return s.events }
func (s *fakeSTTStream) Close() error {
	s.closeOnce.Do(func() { close(s.events) })
	return nil
}

type fakeLLMProvider struct {
	mu      sync.Mutex
	streams []*fakeLLMStream
	reply   string
}

func (p *fakeLLMProvider) Name() string { return "fake-llm" }

func (p *fakeLLMProvider) Stream(ctx context.Context, messages []llm.Message, temperature float64) (llm.Stream, error) {
	s := &fakeLLMStream{deltas: make(chan llm.Delta, 8)}
	p.mu.Lock()
	p.streams = append(p.streams, s)
	p.mu.Unlock()
	go func() {
		s.deltas <- llm.Delta{Text: p.reply}
		s.deltas <- llm.Delta{Done: true}
	}()
	return s, nil
}

type fakeLLMStream struct {
	deltas    chan llm.Delta
	closeOnce sync.Once
	closed    bool
	mu        sync.Mutex
}

func (s *fakeLLMStream) Deltas() <-chan llm.Delta { return s.deltas }
func (s *fakeLLMStream) Close() error {
	s.mu.Lock()
	s.closed = true
	s.mu.Unlock()
	return nil
}
func (s *fakeLLMStream) wasClosed() bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.closed
}

// fakeTTSProvider emits frames at a controllable pace so tests can assert
// barge-in cancels mid-utterance.
type fakeTTSProvider struct {
	mu         sync.Mutex
	streams    []*fakeTTSStream
	frameDelay time.Duration
}

func (p *fakeTTSProvider) Name() string { return "fake-tts" }

func (p *fakeTTSProvider) Stream(ctx context.Context, text string, voice string, lang string) (tts.Stream, error) {
	s := &fakeTTSStream{frames: make(chan []byte, 64), stop: make(chan struct{})}
	p.mu.Lock()
	p.streams = append(p.streams, s)
	delay := p.frameDelay
	p.mu.Unlock()

	nFrames := len(text)/10 + 2
	go func() {
		defer close(s.frames)
		for i := 0; i < nFrames; i++ {
			select {
			case <-s.stop:
				return
			case <-time.After(delay):
			}
			select {
			case s.frames <- make([]byte, 320):
			case <-s.stop:
				return
			}
		}
	}()
	return s, nil
}

func (p *fakeTTSProvider) latest() *fakeTTSStream {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.streams[len(p.streams)-1]
}

type fakeTTSStream struct {
	frames     chan []byte
	stop       chan struct{}
	stopOnce   sync.Once
	cancelled  bool
	mu         sync.Mutex
}

func (s *fakeTTSStream) Frames() <-chan []byte { return s.frames }
func (s *fakeTTSStream) Err() error             { return nil }
func (s *fakeTTSStream) Cancel() {
	s.mu.Lock()
	s.cancelled = true
	s.mu.Unlock()
	s.stopOnce.Do(func() { close(s.stop) })
}

// --- fake gateway / notifier ---

type fakeGateway struct {
	mu       sync.Mutex
	inserted []*calltypes.Session
	messages []calltypes.TranscriptEntry
	final    calltypes.CallOutcome
}

func (g *fakeGateway) InsertCall(ctx context.Context, sess *calltypes.Session) error {
	g.mu.Lock()
	defer g.mu.Unlock()
	g.inserted = append(g.inserted, sess)
	return nil
}

func (g *fakeGateway) AppendMessage(ctx context.Context, callID string, entry calltypes.TranscriptEntry) error {
	g.mu.Lock()
	defer g.mu.Unlock()
	g.messages = append(g.messages, entry)
	return nil
}

func (g *fakeGateway) FinalizeCall(ctx context.Context, callID string, outcome calltypes.CallOutcome, endedAt time.Time, failureReason string) error {
	g.mu.Lock()
	defer g.mu.Unlock()
	g.final = outcome
	return nil
}

type fakeNotifier struct {
	mu     sync.Mutex
	events []calltypes.EventType
}

func (n *fakeNotifier) Notify(event calltypes.EventType, callID string, data interface{}) {
	n.mu.Lock()
	defer n.mu.Unlock()
	n.events = append(n.events, event)
}

func (n *fakeNotifier) count(event calltypes.EventType) int {
	n.mu.Lock()
	defer n.mu.Unlock()
	c := 0
	for _, e := range n.events {
		if e == event {
			c++
		}
	}
	return c
}

// --- fake outbound sink (switchws.Sink is satisfied by Session itself) ---

func testConfig() Config {
	cfg := DefaultConfig()
	// Shrink every timeout well below the test's own deadlines so a bug
	// that relies on a real-world-sized timeout doesn't make this test slow.
	cfg.SwitchConnectTimeout = 2 * time.Second
	cfg.InactivityTimeout = 2 * time.Second
	cfg.LLMFirstTokenTimeout = 2 * time.Second
	cfg.TTSFirstFrameWarn = 2 * time.Second
	cfg.TTSFirstFrameFail = 2 * time.Second
	return cfg
}

func newTestSession(t *testing.T, prompt calltypes.PromptSnapshot, sttP *fakeSTTProvider, llmP *fakeLLMProvider, ttsP *fakeTTSProvider, gw *fakeGateway, nf *fakeNotifier) *Session {
	t.Helper()
	providers := Providers{STT: sttP, LLM: llmP, TTS: ttsP}
	return New("call-1", calltypes.DirectionInbound, "+15550001111", "+15550002222", prompt, "", "", providers, gw, nf, nil, testConfig())
}

func waitForState(t *testing.T, s *Session, want calltypes.State, timeout time.Duration) {
	t.Helper()
	deadline := time.Now().Add(timeout)
	for time.Now().Before(deadline) {
		if s.Snapshot().State == want {
			return
		}
		time.Sleep(5 * time.Millisecond)
	}
	t.Fatalf("timed out waiting for state %s, last seen %s", want, s.Snapshot().State)
}

func waitForTranscriptLen(t *testing.T, s *Session, n int, timeout time.Duration) {
	t.Helper()
	deadline := time.Now().Add(timeout)
	for time.Now().Before(deadline) {
		if len(s.Snapshot().Transcript) >= n {
			return
		}
		time.Sleep(5 * time.Millisecond)
	}
	t.Fatalf("timed out waiting for transcript length %d, got %d", n, len(s.Snapshot().Transcript))
}

// TestInboundHappyPath drives scenario 1 of spec.md §8: greeting, one user
// utterance, one assistant reply, clean hangup, with the expected
// committed-transcript shape and call.* notifications in order.
func TestInboundHappyPath(t *testing.T) {
	sttP := &fakeSTTProvider{}
	llmP := &fakeLLMProvider{reply: "I can help with that."}
	ttsP := &fakeTTSProvider{frameDelay: time.Millisecond}
	gw := &fakeGateway{}
	nf := &fakeNotifier{}

	prompt := calltypes.PromptSnapshot{
		SystemText:           "You are a helpful assistant.",
		GreetingText:         "Hello, how can I help?",
		VoiceID:              "voice-1",
		Language:             "en",
		Temperature:          0.7,
		BargeInCharThreshold: 3,
	}
	s := newTestSession(t, prompt, sttP, llmP, ttsP, gw, nf)
	go s.Run()

	if err := s.Attach(); err != nil {
		t.Fatalf("attach: %v", err)
	}

	waitForState(t, s, calltypes.StateGreeting, time.Second)
	// Let the greeting finish synthesizing and playing.
	waitForState(t, s, calltypes.StateListening, 2*time.Second)

	// User speaks: a final transcript, then utterance-end.
	sttStream := sttP.latest()
	sttStream.events <- stt.Event{Kind: stt.EventFinal, Text: "oi tudo bem"}
	sttStream.events <- stt.Event{Kind: stt.EventUtteranceEnd}

	waitForState(t, s, calltypes.StateThinking, time.Second)
	waitForState(t, s, calltypes.StateListening, 2*time.Second)

	s.Hangup()
	select {
	case <-s.Done():
	case <-time.After(2 * time.Second):
		t.Fatal("session did not end after hangup")
	}

	snap := s.Snapshot()
	if len(snap.Transcript) != 3 {
		t.Fatalf("expected 3 committed transcript entries, got %d: %+v", len(snap.Transcript), snap.Transcript)
	}
	if snap.Transcript[0].Role != calltypes.RoleAssistant || snap.Transcript[0].Content != "Hello, how can I help?" {
		t.Errorf("entry 0 = %+v, want greeting", snap.Transcript[0])
	}
	if snap.Transcript[1].Role != calltypes.RoleUser || snap.Transcript[1].Content != "oi tudo bem" {
		t.Errorf("entry 1 = %+v, want user utterance", snap.Transcript[1])
	}
	if snap.Transcript[2].Role != calltypes.RoleAssistant || snap.Transcript[2].Content == "" {
		t.Errorf("entry 2 = %+v, want non-empty assistant reply", snap.Transcript[2])
	}
	if snap.Outcome != calltypes.OutcomeCompleted {
		t.Errorf("outcome = %s, want completed", snap.Outcome)
	}

	if c := nf.count(calltypes.EventCallStarted); c != 1 {
		t.Errorf("call.started count = %d, want 1", c)
	}
	if c := nf.count(calltypes.EventCallStateChanged); c < 3 {
		t.Errorf("call.state_changed count = %d, want >= 3", c)
	}
	if c := nf.count(calltypes.EventCallEnded); c != 1 {
		t.Errorf("call.ended count = %d, want 1", c)
	}
}

// TestBargeIn drives scenario 2 of spec.md §8: the user starts speaking
// mid-reply; TTS and LLM must be cancelled and the session must return to
// LISTENING with a truncated-but-committed assistant entry.
func TestBargeIn(t *testing.T) {
	sttP := &fakeSTTProvider{}
	llmP := &fakeLLMProvider{reply: "This is a fairly long reply that keeps going for a while so there's time to barge in."}
	ttsP := &fakeTTSProvider{frameDelay: 30 * time.Millisecond}
	gw := &fakeGateway{}
	nf := &fakeNotifier{}

	prompt := calltypes.PromptSnapshot{
		SystemText:           "You are a helpful assistant.",
		VoiceID:              "voice-1",
		Language:             "en",
		Temperature:          0.7,
		BargeInCharThreshold: 3,
	}
	s := newTestSession(t, prompt, sttP, llmP, ttsP, gw, nf)
	go s.Run()

	if err := s.Attach(); err != nil {
		t.Fatalf("attach: %v", err)
	}
	// No greeting configured: straight to LISTENING.
	waitForState(t, s, calltypes.StateListening, time.Second)

	sttStream := sttP.latest()
	sttStream.events <- stt.Event{Kind: stt.EventFinal, Text: "tell me a long story"}
	sttStream.events <- stt.Event{Kind: stt.EventUtteranceEnd}

	waitForState(t, s, calltypes.StateThinking, time.Second)
	waitForState(t, s, calltypes.StateSpeaking, time.Second)

	llmStreamBefore := llmP.streams[len(llmP.streams)-1]
	ttsStreamBefore := ttsP.latest()

	// Let several frames go out, then barge in.
	time.Sleep(150 * time.Millisecond)
	sttStream.events <- stt.Event{Kind: stt.EventInterim, Text: "wait stop"}

	waitForState(t, s, calltypes.StateListening, time.Second)

	if !llmStreamBefore.wasClosed() {
		t.Error("expected the in-flight LLM stream to be closed on barge-in")
	}
	ttsStreamBefore.mu.Lock()
	cancelled := ttsStreamBefore.cancelled
	ttsStreamBefore.mu.Unlock()
	if !cancelled {
		t.Error("expected the in-flight TTS stream to be cancelled on barge-in")
	}

	waitForTranscriptLen(t, s, 2, time.Second)
	snap := s.Snapshot()
	if snap.Transcript[0].Role != calltypes.RoleUser {
		t.Errorf("entry 0 role = %s, want user", snap.Transcript[0].Role)
	}
	if snap.Transcript[1].Role != calltypes.RoleAssistant {
		t.Errorf("entry 1 role = %s, want assistant (truncated)", snap.Transcript[1].Role)
	}
	if snap.Transcript[1].Content == llmP.reply {
		t.Error("truncated assistant entry should not equal the full untruncated reply")
	}

	// New user utterance after barge-in should drive a fresh THINKING turn.
	sttStream.events <- stt.Event{Kind: stt.EventFinal, Text: "never mind"}
	sttStream.events <- stt.Event{Kind: stt.EventUtteranceEnd}
	waitForState(t, s, calltypes.StateThinking, time.Second)

	s.Close()
	<-s.Done()
}

// TestInactivityTimeoutSpeaksFallbackBeforeHangup drives spec.md §4.5's
// inactivity timeout row and §7's "never silence-to-hangup without attempt"
// guarantee: once InactivityTimeout elapses with no audio either direction,
// the session must speak a polite phrase before tearing down, not hang up
// in silence.
func TestInactivityTimeoutSpeaksFallbackBeforeHangup(t *testing.T) {
	sttP := &fakeSTTProvider{}
	llmP := &fakeLLMProvider{reply: "unused"}
	ttsP := &fakeTTSProvider{frameDelay: time.Millisecond}
	gw := &fakeGateway{}
	nf := &fakeNotifier{}

	prompt := calltypes.PromptSnapshot{
		SystemText:           "You are a helpful assistant.",
		VoiceID:              "voice-1",
		Language:             "en",
		Temperature:          0.7,
		BargeInCharThreshold: 3,
	}
	s := newTestSession(t, prompt, sttP, llmP, ttsP, gw, nf)
	cfg := s.cfg
	cfg.InactivityTimeout = 150 * time.Millisecond
	s.cfg = cfg
	go s.Run()

	if err := s.Attach(); err != nil {
		t.Fatalf("attach: %v", err)
	}

	// No greeting configured: straight to LISTENING, then silence.
	waitForState(t, s, calltypes.StateListening, time.Second)

	// The fallback phrase must be spoken (SPEAKING) before teardown, never
	// a direct silent jump to HANGING_UP/ENDED.
	waitForState(t, s, calltypes.StateSpeaking, time.Second)

	select {
	case <-s.Done():
	case <-time.After(2 * time.Second):
		t.Fatal("session did not end after inactivity fallback")
	}

	snap := s.Snapshot()
	if len(snap.Transcript) != 1 || snap.Transcript[0].Role != calltypes.RoleAssistant || snap.Transcript[0].Content == "" {
		t.Fatalf("expected one non-empty committed assistant entry (the fallback phrase), got %+v", snap.Transcript)
	}
	if snap.Outcome != calltypes.OutcomeCompleted {
		t.Errorf("outcome = %s, want completed", snap.Outcome)
	}
}
