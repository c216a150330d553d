// Package stt defines the Speech-to-Text client contract (C1) and its
// provider adapters. The streaming contract matches spec.md §4.1: a caller
// opens a continuous stream, feeds 20ms PCM frames, and receives an ordered
// event stream of interim/final transcripts, an utterance-end marker, and
// errors — without ever needing to reopen the stream per utterance.
package stt

import (
	"context"
	"time"
)

// EventKind discriminates an Event.
type EventKind string

const (
	EventInterim      EventKind = "interim"
	EventFinal        EventKind = "final"
	EventUtteranceEnd EventKind = "utterance_end"
	EventError        EventKind = "error"
)

// Event is one item in the ordered stream a Stream emits.
type Event struct {
	Kind       EventKind
	Text       string
	Ts         time.Time
	DurationMs int64 // set on EventFinal
	Err        error // set on EventError
}

// Stream is one continuous, reopenable-free STT session bound to a single
// call's audio.
type Stream interface {
	// Send forwards one 20ms linear16 PCM frame to the provider.
	Send(frame []byte) error
	// Events returns the ordered event channel for this stream. Closed when
	// the stream is closed or the provider connection fails terminally.
	Events() <-chan Event
	// Close tears down the provider connection. Idempotent.
	Close() error
}

// StreamingProvider opens continuous STT sessions (C1's primary contract).
type StreamingProvider interface {
	Name() string
	Open(ctx context.Context, lang string, sampleRate int) (Stream, error)
}

// BatchProvider is the simpler one-shot transcription contract implemented
// by providers without a streaming API. cmd/agentd wires one into
// callsession.Providers.STTBatch, which the Session does not read; the
// simulator does not use it either.
type BatchProvider interface {
	Name() string
	Transcribe(ctx context.Context, audio []byte, lang string) (string, error)
}
