package callsession

import "time"

// Config holds the Session FSM's tunable timeouts, defaulted per spec.md §4.5.
type Config struct {
	SwitchConnectTimeout time.Duration // origination accepted -> switch connect
	InactivityTimeout    time.Duration // no audio either direction
	LLMFirstTokenTimeout time.Duration // THINKING entered -> first LLM delta
	TTSFirstFrameWarn    time.Duration // SPEAKING entered -> first TTS frame (log warning)
	TTSFirstFrameFail    time.Duration // SPEAKING entered -> first TTS frame (fallback)
	ShutdownDrain        time.Duration // bound on draining provider streams at teardown
	SampleRate           int
}

// DefaultConfig returns the timeouts spec.md §4.5 and §5 name explicitly.
func DefaultConfig() Config {
	return Config{
		SwitchConnectTimeout: 45 * time.Second,
		InactivityTimeout:    30 * time.Second,
		LLMFirstTokenTimeout: 8 * time.Second,
		TTSFirstFrameWarn:    4 * time.Second,
		TTSFirstFrameFail:    10 * time.Second,
		ShutdownDrain:        2 * time.Second,
		SampleRate:           8000,
	}
}
