// Package tts defines the Text-to-Speech client contract (C3): callers
// submit text and receive synthesized audio back as a stream of linear16
// PCM frames paced to the telephony clock (20ms/320 bytes at 8kHz), so a
// caller can start writing to the switch as soon as the first frame is
// ready instead of waiting for the whole utterance.
package tts

import "context"

// FrameSize is one 20ms linear16 PCM frame at 8kHz mono: 160 samples * 2
// bytes/sample.
const FrameSize = 320

// FrameDurationMs is the telephony clock tick, in milliseconds, a Stream
// paces its Frames channel to.
const FrameDurationMs = 20

// Stream is one in-flight synthesis.
type Stream interface {
	// Frames returns the ordered, FrameSize-chunked, pace-delivered PCM
	// frame channel. Closed when synthesis completes, is cancelled, or
	// fails; the last receive before close may return ok=false with no
	// frame.
	Frames() <-chan []byte
	// Err returns the terminal error, if any, once Frames() is closed.
	Err() error
	// Cancel stops delivery immediately, e.g. on barge-in. Idempotent.
	Cancel()
}

// Provider synthesizes speech from text.
type Provider interface {
	Name() string
	Stream(ctx context.Context, text string, voice string, lang string) (Stream, error)
}
