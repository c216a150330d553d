package callsession

import (
	"context"
	"time"

	"github.com/lokutor-ai/callbridge/internal/calltypes"
	"github.com/lokutor-ai/callbridge/internal/providers/llm"
	"github.com/lokutor-ai/callbridge/internal/providers/stt"
	"github.com/lokutor-ai/callbridge/internal/providers/tts"
)

// Gateway is the narrow slice of the Persistence Gateway (C12) a Session
// needs: admit the call row, append transcript entries in order, and close
// it out. Insert is idempotent on call_id; Append preserves per-call order.
type Gateway interface {
	InsertCall(ctx context.Context, sess *calltypes.Session) error
	AppendMessage(ctx context.Context, callID string, entry calltypes.TranscriptEntry) error
	FinalizeCall(ctx context.Context, callID string, outcome calltypes.CallOutcome, endedAt time.Time, failureReason string) error
}

// Notifier fans a lifecycle event out to the Webhook Dispatcher (C10) and
// the dashboard (C11's WS companion), both queue-backed so Notify never
// blocks the FSM.
type Notifier interface {
	Notify(event calltypes.EventType, callID string, data interface{})
}

// Providers bundles the three streaming clients a Session drives. LLMBatch
// is an optional fallback used only when LLM is nil (provider without a
// streaming API). STTBatch is carried here but not read by the Session:
// when STT is nil the call runs without transcription.
type Providers struct {
	STT      stt.StreamingProvider
	STTBatch stt.BatchProvider
	LLM      llm.StreamingProvider
	LLMBatch llm.BatchProvider
	TTS      tts.Provider
}
