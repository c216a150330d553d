package callsession

import (
	"github.com/lokutor-ai/callbridge/internal/providers/llm"
	"github.com/lokutor-ai/callbridge/internal/providers/stt"
	"github.com/lokutor-ai/callbridge/internal/switchws"
)

// eventKind discriminates the one fan-in channel the run loop selects on.
// This is the "single selector over typed event channels" the turn logic
// design note calls for — the FSM is the only mutator of session state, so
// no field below this package's run loop touches is ever locked.
type eventKind int

const (
	evSwitchAudio eventKind = iota
	evSwitchControl
	evSwitchDisconnect
	evSTT
	evLLMDelta
	evTTSFrame
	evTTSDone
	evHangup
	evTimer
	evAttach
)

type event struct {
	kind eventKind

	audioFrame []byte
	control    switchws.ControlFrame

	sttGen   int
	sttEvent stt.Event

	llmGen   int
	llmDelta llm.Delta

	ttsGen    int
	ttsFrame  []byte
	ttsDoneOK bool
	ttsErr    error

	timerName string
	timerGen  int
}
