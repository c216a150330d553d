// Package callsession implements the Session / Call FSM (C5) — the heart of
// the system. One Session owns exactly one call's turn logic: it fans in
// switch audio, STT events, LLM deltas, TTS frames, control commands and
// timers onto a single selector loop so that the FSM is the sole mutator of
// call state (spec.md §5, Design Note "Event fan-in at the FSM").
//
// The turn-cancellation idioms — a generation counter per provider stream to
// invalidate stale async callbacks, a cancel func per in-flight stream, an
// idempotent Close via sync.Once — are carried over from the teacher's
// pkg/orchestrator/managed_stream.go, but the mutex-guarded callback style
// there is replaced by the channel fan-in this system's concurrency model
// calls for: nothing below except the externally-readable Snapshot fields
// is touched outside the run loop goroutine.
package callsession

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/lokutor-ai/callbridge/internal/calltypes"
	"github.com/lokutor-ai/callbridge/internal/logging"
	"github.com/lokutor-ai/callbridge/internal/providers/llm"
	"github.com/lokutor-ai/callbridge/internal/providers/stt"
	"github.com/lokutor-ai/callbridge/internal/providers/tts"
	"github.com/lokutor-ai/callbridge/internal/switchws"
)

// Session is one call's FSM. It implements switchws.Sink so the Switch
// Adapter can deliver audio/control events and pull outbound frames without
// importing this package.
type Session struct {
	id              string
	direction       calltypes.Direction
	caller, called  string
	prompt          calltypes.PromptSnapshot
	campaignID      string
	scheduledCallID string

	providers Providers
	gateway   Gateway
	notifier  Notifier
	log       logging.Logger
	cfg       Config

	events   chan event
	outbound chan []byte
	persistCh chan persistOp

	// snapshot holds the fields Snapshot() reads; guarded by snapMu since
	// external callers (the Control API, the registry) read it from other
	// goroutines. The run loop is the only writer.
	snapMu   sync.Mutex
	snapshot calltypes.Session

	// run-loop-owned state (never touched outside run()).
	state                      calltypes.State
	sttStream                  stt.Stream
	sttGen                     int
	llmStream                  llm.Stream
	llmGen                     int
	ttsStream                  tts.Stream
	ttsGen                     int
	hasFinalSinceLastAssistant bool
	pendingUser                string
	lastAudioEither            time.Time
	switchConnected            bool
	reachedListening           bool
	outcome                    calltypes.CallOutcome
	failureReason              string
	startedNotified            bool

	// assistant turn in progress: sentenceBuf accumulates raw LLM deltas
	// until a sentence boundary, at which point it's queued for TTS;
	// spokenChunks holds chunks whose TTS has already finished (and are
	// thus safe to commit verbatim); ttsActive gates the "at most one
	// in-flight TTS stream" invariant (spec.md §4.5 invariant 1).
	sentenceBuf         string
	ttsQueue            []string
	spokenChunks        []string
	ttsActive           bool
	llmDone             bool
	currentTTSChunk     string
	framesSentThisTurn  int
	framesSentThisChunk int
	sttReconnected      bool
	torndown            bool

	// hangupAfterSpeech, when set, names the outcome/reason this Session
	// transitions to HANGING_UP with once the in-flight fallback phrase
	// finishes playing, instead of returning to LISTENING (spec.md §4.5
	// inactivity timeout row; §7 "never silence-to-hangup without attempt").
	hangupAfterSpeech        bool
	hangupAfterSpeechOutcome calltypes.CallOutcome
	hangupAfterSpeechReason  string

	ctx    context.Context
	cancel context.CancelFunc
	doneCh chan struct{}
	closeOnce sync.Once
	attachOnce sync.Once
}

// New constructs a Session in state PENDING. Run must be started by the
// caller (the Session Registry) as its own goroutine — the task-per-call
// scheduling model spec.md §5 describes.
func New(id string, direction calltypes.Direction, caller, called string, prompt calltypes.PromptSnapshot, campaignID, scheduledCallID string, providers Providers, gateway Gateway, notifier Notifier, log logging.Logger, cfg Config) *Session {
	ctx, cancel := context.WithCancel(context.Background())
	if log == nil {
		log = logging.NoOpLogger{}
	}
	s := &Session{
		id:              id,
		direction:       direction,
		caller:          caller,
		called:          called,
		prompt:          prompt,
		campaignID:      campaignID,
		scheduledCallID: scheduledCallID,
		providers:       providers,
		gateway:         gateway,
		notifier:        notifier,
		log:             log,
		cfg:             cfg,
		events:          make(chan event, 256),
		outbound:        make(chan []byte, 10), // 10*20ms = 200ms, spec.md §4.4/§5 cap
		state:           calltypes.StatePending,
		ctx:             ctx,
		cancel:          cancel,
		doneCh:          make(chan struct{}),
	}
	s.snapshot = calltypes.Session{
		CallID:          id,
		Caller:          caller,
		Called:          called,
		Direction:       direction,
		Prompt:          prompt,
		State:           calltypes.StatePending,
		Created:         time.Now(),
		CampaignID:      campaignID,
		ScheduledCallID: scheduledCallID,
	}
	return s
}

// ID returns the call_id.
func (s *Session) ID() string { return s.id }

// Snapshot returns a copy of the externally-visible call state. Safe to
// call from any goroutine.
func (s *Session) Snapshot() calltypes.Session {
	s.snapMu.Lock()
	defer s.snapMu.Unlock()
	cp := s.snapshot
	cp.Transcript = append([]calltypes.TranscriptEntry(nil), s.snapshot.Transcript...)
	return cp
}

func (s *Session) publishSnapshot() {
	s.snapMu.Lock()
	s.snapshot.State = s.state
	s.snapMu.Unlock()
}

// Attach binds the switch leg to this session. Called by the Session
// Registry's Bind implementation when the switch connects to /ws/{call_id}.
// Returns ErrAlreadyBound if a leg is already attached (spec.md §3: "a
// Session in state ACTIVE has exactly one live switch connection").
func (s *Session) Attach() error {
	attached := false
	s.attachOnce.Do(func() { attached = true })
	if !attached {
		return ErrAlreadyBound
	}
	select {
	case s.events <- event{kind: evAttach}:
		return nil
	case <-s.ctx.Done():
		return ErrClosed
	}
}

// --- switchws.Sink ---

func (s *Session) OnAudioFrame(frame []byte) {
	select {
	case s.events <- event{kind: evSwitchAudio, audioFrame: frame}:
	case <-s.ctx.Done():
	default:
		// Event queue saturated; drop rather than stall the switch reader.
	}
}

func (s *Session) OnControl(cf switchws.ControlFrame) {
	select {
	case s.events <- event{kind: evSwitchControl, control: cf}:
	case <-s.ctx.Done():
	}
}

func (s *Session) OnDisconnect() {
	select {
	case s.events <- event{kind: evSwitchDisconnect}:
	case <-s.ctx.Done():
	}
}

func (s *Session) OutboundFrames() <-chan []byte { return s.outbound }

// Hangup forces the FSM into HANGING_UP synchronously from the caller's
// perspective (spec.md §5): the command is accepted immediately; teardown
// itself is asynchronous but bounded by cfg.ShutdownDrain.
func (s *Session) Hangup() {
	select {
	case s.events <- event{kind: evHangup}:
	case <-s.ctx.Done():
	}
}

// Done is closed once the session has reached ENDED and finished teardown.
func (s *Session) Done() <-chan struct{} { return s.doneCh }

// Close cancels the session unconditionally (registry shutdown path).
// Idempotent.
func (s *Session) Close() {
	s.closeOnce.Do(func() {
		s.cancel()
	})
}

// Run is the FSM's single selector loop. It must be started in its own
// goroutine and is the sole mutator of all run-loop-owned fields.
func (s *Session) Run() {
	defer close(s.doneCh)
	defer s.cancel()

	s.persistCh = s.startPersistWorker()
	defer close(s.persistCh)

	connectTimer := time.NewTimer(s.cfg.SwitchConnectTimeout)
	defer connectTimer.Stop()
	inactivityTimer := time.NewTimer(s.cfg.InactivityTimeout)
	defer inactivityTimer.Stop()
	s.lastAudioEither = time.Now()

	for s.state != calltypes.StateEnded {
		select {
		case <-s.ctx.Done():
			if s.failureReason == "" && s.outcome == "" {
				s.failureReason = "session cancelled"
			}
			s.teardown()
			return

		case ev := <-s.events:
			s.handleEvent(ev)

		case <-connectTimer.C:
			if !s.switchConnected {
				s.fail(fmt.Sprintf("switch did not connect within %s", s.cfg.SwitchConnectTimeout))
			}

		case <-inactivityTimer.C:
			if !s.switchConnected {
				inactivityTimer.Reset(s.cfg.InactivityTimeout)
				continue
			}
			if idle := time.Since(s.lastAudioEither); idle >= s.cfg.InactivityTimeout {
				s.speakFallbackThenHangup("I haven't heard anything in a while, so I'll let you go now. Goodbye.", calltypes.OutcomeCompleted, "")
			} else {
				inactivityTimer.Reset(s.cfg.InactivityTimeout - idle)
			}
		}
	}
}

// touchActivity records that audio flowed in either direction just now,
// used by the inactivity timeout (spec.md §4.5: "No audio either direction:
// 30s").
func (s *Session) touchActivity() {
	s.lastAudioEither = time.Now()
}
