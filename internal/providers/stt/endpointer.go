package stt

import (
	"sync"
	"time"
)

// SilenceHold is how long the Endpointer waits after the last interim
// update, following a final, before it synthesizes an utterance-end
// (spec.md §4.1).
const SilenceHold = 700 * time.Millisecond

// Endpointer synthesizes an EventUtteranceEnd when a provider never emits
// one of its own. Its shape — an arm/reset timer guarding a boolean state —
// is the same hysteresis idiom as the teacher's RMSVAD
// (pkg/orchestrator/vad.go), applied to transcript timestamps instead of
// RMS audio energy: there, consecutive below-threshold frames accumulate
// toward a silence deadline; here, elapsed time since the last interim does
// the same job.
type Endpointer struct {
	mu              sync.Mutex
	timer           *time.Timer
	sawFinalSince   bool
	onUtteranceEnd  func()
	hold            time.Duration
}

// NewEndpointer builds an Endpointer that calls onUtteranceEnd when
// SilenceHold elapses after the last interim/final following a final.
func NewEndpointer(onUtteranceEnd func()) *Endpointer {
	return &Endpointer{onUtteranceEnd: onUtteranceEnd, hold: SilenceHold}
}

// NotifyFinal records that a final transcript was just observed, arming the
// fallback timer.
func (e *Endpointer) NotifyFinal() {
	e.mu.Lock()
	defer e.mu.Unlock()
	e.sawFinalSince = true
	e.arm()
}

// NotifyInterim resets the fallback timer: as long as interims keep
// arriving, no utterance-end is synthesized.
func (e *Endpointer) NotifyInterim() {
	e.mu.Lock()
	defer e.mu.Unlock()
	if !e.sawFinalSince {
		return
	}
	e.arm()
}

// NotifyUtteranceEnd is called when the provider emits its own
// utterance-end; it disarms the fallback so we never double-fire.
func (e *Endpointer) NotifyUtteranceEnd() {
	e.mu.Lock()
	defer e.mu.Unlock()
	e.sawFinalSince = false
	if e.timer != nil {
		e.timer.Stop()
		e.timer = nil
	}
}

// Stop disarms the fallback permanently (stream closing).
func (e *Endpointer) Stop() {
	e.mu.Lock()
	defer e.mu.Unlock()
	if e.timer != nil {
		e.timer.Stop()
		e.timer = nil
	}
}

// arm must be called with e.mu held.
func (e *Endpointer) arm() {
	if e.timer != nil {
		e.timer.Stop()
	}
	e.timer = time.AfterFunc(e.hold, func() {
		e.mu.Lock()
		fire := e.sawFinalSince
		e.sawFinalSince = false
		e.timer = nil
		e.mu.Unlock()
		if fire {
			e.onUtteranceEnd()
		}
	})
}
