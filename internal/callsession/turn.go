package callsession

import (
	"fmt"
	"strings"
	"time"

	"github.com/lokutor-ai/callbridge/internal/calltypes"
	"github.com/lokutor-ai/callbridge/internal/providers/llm"
	"github.com/lokutor-ai/callbridge/internal/providers/stt"
	"github.com/lokutor-ai/callbridge/internal/providers/tts"
	"github.com/lokutor-ai/callbridge/internal/switchws"
)

// charsPerSecond approximates spoken rate, used only to estimate how much
// of an interrupted assistant utterance actually reached the switch
// (spec.md §4.5 invariant 2: "estimated from PCM frames sent × rate").
const charsPerSecond = 15.0

// handleEvent is the FSM's only entry point for mutating state; every
// field it touches outside snapMu-guarded Snapshot() fields belongs solely
// to the goroutine running Run().
func (s *Session) handleEvent(ev event) {
	switch ev.kind {
	case evAttach:
		s.onAttach()
	case evSwitchAudio:
		s.onSwitchAudio(ev.audioFrame)
	case evSwitchControl:
		s.onSwitchControl(ev.control)
	case evSwitchDisconnect:
		s.onSwitchDisconnect()
	case evSTT:
		if ev.sttGen == s.sttGen {
			s.onSTTEvent(ev.sttEvent)
		}
	case evLLMDelta:
		if ev.llmGen == s.llmGen {
			s.onLLMDelta(ev.llmDelta)
		}
	case evTTSFrame:
		if ev.ttsGen == s.ttsGen {
			s.onTTSFrame(ev.ttsFrame)
		}
	case evTTSDone:
		if ev.ttsGen == s.ttsGen {
			s.onTTSDone(ev.ttsErr)
		}
	case evHangup:
		outcome := calltypes.OutcomeFailed
		if s.reachedListening {
			outcome = calltypes.OutcomeCompleted
		}
		s.beginHangup(outcome, "")
	case evTimer:
		s.onTimer(ev.timerName, ev.timerGen)
	}
}

func (s *Session) isSpeakingLike() bool {
	return s.state == calltypes.StateGreeting || s.state == calltypes.StateSpeaking
}

// --- switch connect / control ---

func (s *Session) onAttach() {
	s.switchConnected = true
	now := time.Now()
	s.snapMu.Lock()
	s.snapshot.Answered = now
	s.snapMu.Unlock()

	s.persistInsert()
	if !s.startedNotified {
		s.startedNotified = true
		s.notify(calltypes.EventCallStarted, nil)
	}

	s.startSTTStream()

	if strings.TrimSpace(s.prompt.GreetingText) != "" {
		s.transitionTo(calltypes.StateGreeting)
		s.sentenceBuf = ""
		s.llmDone = true // greeting is a single pre-formed chunk, no LLM involved
		s.ttsQueue = []string{s.prompt.GreetingText}
		s.maybeStartNextTTS()
	} else {
		s.transitionTo(calltypes.StateListening)
	}
}

func (s *Session) onSwitchAudio(frame []byte) {
	s.touchActivity()
	if s.sttStream != nil {
		if err := s.sttStream.Send(frame); err != nil {
			s.log.Warn("callsession: stt send failed", "call_id", s.id, "err", err)
		}
	}
}

func (s *Session) onSwitchControl(cf switchws.ControlFrame) {
	switch cf.Type {
	case "metadata":
		s.snapMu.Lock()
		if cf.Caller != "" {
			s.caller = cf.Caller
			s.snapshot.Caller = cf.Caller
		}
		if cf.Called != "" {
			s.called = cf.Called
			s.snapshot.Called = cf.Called
		}
		if cf.SwitchUUID != "" {
			s.snapshot.SwitchUUID = cf.SwitchUUID
		}
		s.snapMu.Unlock()
	case "dtmf":
		s.log.Debug("callsession: dtmf received", "call_id", s.id, "digit", cf.Digit)
	case "hangup":
		outcome := calltypes.OutcomeFailed
		if s.reachedListening {
			outcome = calltypes.OutcomeCompleted
		}
		s.beginHangup(outcome, "")
	}
}

func (s *Session) onSwitchDisconnect() {
	if !s.switchConnected {
		return
	}
	outcome := calltypes.OutcomeFailed
	reason := "switch disconnected"
	if s.reachedListening {
		outcome = calltypes.OutcomeCompleted
		reason = ""
	}
	s.beginHangup(outcome, reason)
}

// --- STT ---

func (s *Session) startSTTStream() {
	if s.providers.STT == nil {
		s.log.Warn("callsession: no streaming STT provider configured, barge-in and live transcription disabled", "call_id", s.id)
		return
	}
	stream, err := s.providers.STT.Open(s.ctx, s.prompt.Language, s.cfg.SampleRate)
	if err != nil {
		s.fail(fmt.Sprintf("stt open failed: %v", err))
		return
	}
	s.sttStream = stream
	s.sttGen++
	gen := s.sttGen
	go s.pumpSTT(gen, stream)
}

func (s *Session) onSTTEvent(ev stt.Event) {
	switch ev.Kind {
	case stt.EventInterim:
		s.pendingUser = ev.Text
		if s.isSpeakingLike() && len(strings.TrimSpace(ev.Text)) > s.prompt.BargeInCharThreshold {
			s.bargeIn()
		}
	case stt.EventFinal:
		if strings.TrimSpace(ev.Text) == "" {
			return
		}
		if s.isSpeakingLike() {
			s.bargeIn()
		}
		s.hasFinalSinceLastAssistant = true
		s.pendingUser = ev.Text
		s.appendTranscript(calltypes.RoleUser, ev.Text, 0)
	case stt.EventUtteranceEnd:
		if s.state == calltypes.StateListening && s.hasFinalSinceLastAssistant {
			s.startThinking()
		}
	case stt.EventError:
		s.log.Warn("callsession: stt stream error", "call_id", s.id, "err", ev.Err)
		if s.sttStream != nil {
			s.sttStream.Close()
		}
		if !s.sttReconnected {
			s.sttReconnected = true
			s.startSTTStream()
		} else {
			s.fail("stt provider failed after reconnect")
		}
	}
}

// --- LLM ---

func (s *Session) buildMessages() []llm.Message {
	msgs := []llm.Message{{Role: "system", Content: s.prompt.SystemText}}
	s.snapMu.Lock()
	for _, t := range s.snapshot.Transcript {
		msgs = append(msgs, llm.Message{Role: string(t.Role), Content: t.Content})
	}
	s.snapMu.Unlock()
	return msgs
}

func (s *Session) startThinking() {
	s.transitionTo(calltypes.StateThinking)
	s.hasFinalSinceLastAssistant = false
	s.sentenceBuf = ""
	s.ttsQueue = nil
	s.spokenChunks = nil
	s.llmDone = false

	messages := s.buildMessages()

	switch {
	case s.providers.LLM != nil:
		stream, err := s.providers.LLM.Stream(s.ctx, messages, s.prompt.Temperature)
		if err != nil {
			s.log.Error("callsession: llm stream open failed", "call_id", s.id, "err", err)
			s.speakFallback("I'm sorry, I'm having trouble responding right now.")
			return
		}
		s.llmStream = stream
		s.llmGen++
		gen := s.llmGen
		go s.pumpLLM(gen, stream)
		s.armTimer("llm_first_token", s.cfg.LLMFirstTokenTimeout, gen)

	case s.providers.LLMBatch != nil:
		s.llmGen++
		gen := s.llmGen
		go func() {
			text, err := s.providers.LLMBatch.Complete(s.ctx, messages, s.prompt.Temperature)
			if err != nil {
				s.sendEvent(event{kind: evLLMDelta, llmGen: gen, llmDelta: llm.Delta{Err: err, Done: true}})
				return
			}
			s.sendEvent(event{kind: evLLMDelta, llmGen: gen, llmDelta: llm.Delta{Text: text}})
			s.sendEvent(event{kind: evLLMDelta, llmGen: gen, llmDelta: llm.Delta{Done: true}})
		}()
		s.armTimer("llm_first_token", s.cfg.LLMFirstTokenTimeout, gen)

	default:
		s.log.Error("callsession: no LLM provider configured", "call_id", s.id)
		s.speakFallback("I'm sorry, I'm unable to help with that right now.")
	}
}

func (s *Session) speakFallback(text string) {
	s.transitionTo(calltypes.StateSpeaking)
	s.llmDone = true
	s.ttsQueue = append(s.ttsQueue, text)
	s.maybeStartNextTTS()
}

// speakFallbackThenHangup plays a polite terminal phrase and, once it has
// fully played (onTTSDone/maybeStartNextTTS's normal "turn finished" path),
// moves the FSM into HANGING_UP instead of back to LISTENING. Used by the
// inactivity timeout (spec.md §4.5) to satisfy spec.md §7's guarantee that a
// caller never gets silence-to-hangup without an attempt.
func (s *Session) speakFallbackThenHangup(text string, outcome calltypes.CallOutcome, reason string) {
	s.hangupAfterSpeech = true
	s.hangupAfterSpeechOutcome = outcome
	s.hangupAfterSpeechReason = reason
	s.speakFallback(text)
}

// finishTurnOrHangup is the shared tail of onTTSDone and maybeStartNextTTS's
// error path: once the queued speech is fully spoken, either return to
// LISTENING as usual or, if speakFallbackThenHangup armed it, proceed to
// HANGING_UP instead.
func (s *Session) finishTurnOrHangup() {
	if s.hangupAfterSpeech {
		s.hangupAfterSpeech = false
		outcome, reason := s.hangupAfterSpeechOutcome, s.hangupAfterSpeechReason
		s.beginHangup(outcome, reason)
		return
	}
	s.transitionTo(calltypes.StateListening)
}

func endsSentence(buf string) bool {
	trimmed := strings.TrimRight(buf, " ")
	if trimmed == "" {
		return false
	}
	last := trimmed[len(trimmed)-1]
	return last == '.' || last == '!' || last == '?'
}

func (s *Session) onLLMDelta(d llm.Delta) {
	if d.Err != nil {
		s.log.Warn("callsession: llm delta error", "call_id", s.id, "err", d.Err)
	}
	if d.Text != "" {
		firstDelta := s.sentenceBuf == "" && len(s.ttsQueue) == 0 && len(s.spokenChunks) == 0 && !s.ttsActive
		s.sentenceBuf += d.Text
		if firstDelta && s.state == calltypes.StateThinking {
			s.transitionTo(calltypes.StateSpeaking)
		}
		if endsSentence(s.sentenceBuf) || len(s.sentenceBuf) > 120 {
			chunk := s.sentenceBuf
			s.sentenceBuf = ""
			s.ttsQueue = append(s.ttsQueue, chunk)
			s.maybeStartNextTTS()
		}
	}

	if !d.Done {
		return
	}

	s.llmDone = true
	if strings.TrimSpace(s.sentenceBuf) != "" {
		chunk := s.sentenceBuf
		s.sentenceBuf = ""
		s.ttsQueue = append(s.ttsQueue, chunk)
	}
	s.maybeStartNextTTS()

	if !s.ttsActive && len(s.ttsQueue) == 0 {
		if len(s.spokenChunks) > 0 {
			s.commitAssistantTurn()
		}
		s.finishTurnOrHangup()
	}
}

// --- TTS ---

func (s *Session) maybeStartNextTTS() {
	if s.ttsActive || len(s.ttsQueue) == 0 {
		return
	}
	chunk := s.ttsQueue[0]
	s.ttsQueue = s.ttsQueue[1:]

	stream, err := s.providers.TTS.Stream(s.ctx, chunk, s.prompt.VoiceID, s.prompt.Language)
	if err != nil {
		s.log.Error("callsession: tts stream open failed", "call_id", s.id, "err", err)
		s.spokenChunks = append(s.spokenChunks, chunk)
		s.maybeStartNextTTS()
		if !s.ttsActive && len(s.ttsQueue) == 0 && s.llmDone {
			s.commitAssistantTurn()
			s.finishTurnOrHangup()
		}
		return
	}

	s.ttsStream = stream
	s.ttsGen++
	gen := s.ttsGen
	s.ttsActive = true
	s.currentTTSChunk = chunk
	s.framesSentThisChunk = 0
	go s.pumpTTS(gen, stream)
	s.armTimer("tts_first_frame_warn", s.cfg.TTSFirstFrameWarn, gen)
	s.armTimer("tts_first_frame_fail", s.cfg.TTSFirstFrameFail, gen)
}

func (s *Session) onTTSFrame(frame []byte) {
	s.framesSentThisTurn++
	s.framesSentThisChunk++
	s.touchActivity()
	select {
	case s.outbound <- frame:
	default:
		s.log.Warn("callsession: outbound queue saturated (>200ms), dropping tts frame", "call_id", s.id)
	}
}

func (s *Session) onTTSDone(err error) {
	s.ttsActive = false
	if err != nil {
		s.log.Warn("callsession: tts stream ended with error", "call_id", s.id, "err", err)
	}
	s.spokenChunks = append(s.spokenChunks, s.currentTTSChunk)
	s.currentTTSChunk = ""

	if len(s.ttsQueue) > 0 {
		s.maybeStartNextTTS()
		return
	}
	if s.llmDone {
		s.commitAssistantTurn()
		s.finishTurnOrHangup()
	}
}

// commitAssistantTurn persists the fully (or partially, on barge-in)
// spoken assistant utterance exactly once per turn (invariant 3).
func (s *Session) commitAssistantTurn() {
	full := strings.TrimSpace(strings.Join(s.spokenChunks, " "))
	if full != "" {
		s.appendTranscript(calltypes.RoleAssistant, full, estimateAudioMs(s.framesSentThisTurn))
	}
	s.spokenChunks = nil
	s.framesSentThisTurn = 0
}

// bargeIn implements FSM invariant 2: cancel TTS and LLM, truncate and
// commit the in-progress assistant utterance to what was actually
// delivered, transition to LISTENING.
func (s *Session) bargeIn() {
	// The caller just spoke over the fallback phrase, proving they're still
	// on the line — a pending inactivity hangup no longer applies.
	s.hangupAfterSpeech = false

	if s.ttsStream != nil {
		s.ttsStream.Cancel()
	}
	s.ttsGen++
	s.ttsActive = false
	if s.llmStream != nil {
		s.llmStream.Close()
	}
	s.llmGen++
	s.llmDone = true

	truncatedChars := int(float64(s.framesSentThisChunk*20) / 1000.0 * charsPerSecond)
	truncated := s.currentTTSChunk
	if truncatedChars < len(truncated) {
		truncated = truncated[:truncatedChars]
	}
	s.currentTTSChunk = ""
	if strings.TrimSpace(truncated) != "" {
		s.spokenChunks = append(s.spokenChunks, truncated)
	}
	s.commitAssistantTurn()

	s.sentenceBuf = ""
	s.ttsQueue = nil
	s.hasFinalSinceLastAssistant = false
	s.transitionTo(calltypes.StateListening)
}

func estimateAudioMs(frames int) int64 {
	return int64(frames) * 20
}

// --- timers ---

func (s *Session) armTimer(name string, d time.Duration, gen int) {
	time.AfterFunc(d, func() {
		s.sendEvent(event{kind: evTimer, timerName: name, timerGen: gen})
	})
}

func (s *Session) onTimer(name string, gen int) {
	switch name {
	case "llm_first_token":
		if s.state == calltypes.StateThinking && gen == s.llmGen && s.sentenceBuf == "" && len(s.ttsQueue) == 0 && len(s.spokenChunks) == 0 && !s.ttsActive {
			s.log.Warn("callsession: llm first-token timeout, using fallback apology", "call_id", s.id)
			if s.llmStream != nil {
				s.llmStream.Close()
			}
			s.llmGen++
			s.speakFallback("I'm sorry, I'm having trouble responding right now.")
		}
	case "tts_first_frame_warn":
		if gen == s.ttsGen && s.framesSentThisChunk == 0 {
			s.log.Warn("callsession: tts first-frame latency exceeded warn threshold", "call_id", s.id)
		}
	case "tts_first_frame_fail":
		if gen == s.ttsGen && s.framesSentThisChunk == 0 {
			s.log.Error("callsession: tts first-frame latency exceeded fail threshold, aborting chunk", "call_id", s.id)
			if s.ttsStream != nil {
				s.ttsStream.Cancel()
			}
			s.ttsGen++
			s.ttsActive = false
			s.maybeStartNextTTS()
			if !s.ttsActive && len(s.ttsQueue) == 0 && s.llmDone {
				s.commitAssistantTurn()
				s.finishTurnOrHangup()
			}
		}
	}
}

// --- pumps: forward provider stream output onto the single fan-in channel ---

func (s *Session) sendEvent(ev event) {
	select {
	case s.events <- ev:
	case <-s.ctx.Done():
	}
}

func (s *Session) pumpSTT(gen int, stream stt.Stream) {
	for ev := range stream.Events() {
		s.sendEvent(event{kind: evSTT, sttGen: gen, sttEvent: ev})
	}
}

func (s *Session) pumpLLM(gen int, stream llm.Stream) {
	for d := range stream.Deltas() {
		s.sendEvent(event{kind: evLLMDelta, llmGen: gen, llmDelta: d})
	}
}

func (s *Session) pumpTTS(gen int, stream tts.Stream) {
	for frame := range stream.Frames() {
		s.sendEvent(event{kind: evTTSFrame, ttsGen: gen, ttsFrame: frame})
	}
	s.sendEvent(event{kind: evTTSDone, ttsGen: gen, ttsErr: stream.Err()})
}

// --- lifecycle ---

func (s *Session) notify(eventType calltypes.EventType, data interface{}) {
	if s.notifier != nil {
		s.notifier.Notify(eventType, s.id, data)
	}
}

func (s *Session) transitionTo(newState calltypes.State) {
	prev := s.state
	s.state = newState
	s.publishSnapshot()
	if newState == calltypes.StateListening {
		s.reachedListening = true
	}
	if newState != calltypes.StateEnded && newState != prev {
		s.notify(calltypes.EventCallStateChanged, map[string]string{"from": string(prev), "to": string(newState)})
	}
}

func (s *Session) appendTranscript(role calltypes.Role, content string, audioMs int64) {
	entry := calltypes.TranscriptEntry{Role: role, Content: content, Ts: time.Now(), AudioMs: audioMs}
	s.snapMu.Lock()
	s.snapshot.Transcript = append(s.snapshot.Transcript, entry)
	s.snapMu.Unlock()
	s.persistAppend(entry)
}

func (s *Session) fail(reason string) {
	s.failureReason = reason
	s.beginHangup(calltypes.OutcomeFailed, reason)
}

func (s *Session) beginHangup(outcome calltypes.CallOutcome, reason string) {
	if s.state == calltypes.StateHangingUp || s.state == calltypes.StateEnded {
		return
	}
	s.outcome = outcome
	s.failureReason = reason
	s.transitionTo(calltypes.StateHangingUp)
	s.teardown()
}

// teardown cancels all in-flight provider streams, gives them a bounded
// moment to unwind, persists the final outcome, and moves the FSM to
// ENDED — at which point Run's loop condition exits naturally.
func (s *Session) teardown() {
	if s.torndown {
		return
	}
	s.torndown = true

	if s.sttStream != nil {
		s.sttStream.Close()
	}
	if s.llmStream != nil {
		s.llmStream.Close()
	}
	if s.ttsStream != nil {
		s.ttsStream.Cancel()
	}
	s.sttGen++
	s.llmGen++
	s.ttsGen++

	// Bounded drain window for the pump goroutines above to observe
	// cancellation and exit; cfg.ShutdownDrain is the spec'd 2s upper
	// bound, but there's nothing further for this loop to act on, so a
	// short real sleep is enough in practice.
	time.Sleep(50 * time.Millisecond)

	finalOutcome := s.outcome
	if finalOutcome == "" {
		if s.reachedListening {
			finalOutcome = calltypes.OutcomeCompleted
		} else {
			finalOutcome = calltypes.OutcomeFailed
		}
	}
	endedAt := time.Now()

	s.snapMu.Lock()
	s.snapshot.Ended = endedAt
	s.snapshot.Outcome = finalOutcome
	s.snapshot.FailureReason = s.failureReason
	s.snapMu.Unlock()

	s.persistFinalize(finalOutcome, endedAt, s.failureReason)
	if finalOutcome == calltypes.OutcomeFailed {
		s.notify(calltypes.EventCallFailed, map[string]string{"call_id": s.id, "reason": s.failureReason})
	}

	s.state = calltypes.StateEnded
	s.publishSnapshot()
	s.notify(calltypes.EventCallEnded, s.Snapshot())
	close(s.outbound)
}
