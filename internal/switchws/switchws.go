// Package switchws is the Switch Adapter (C4): the WebSocket endpoint a
// telephony switch connects to for one call's media, framed per spec.md
// §6 ("Switch media stream"): 320-byte linear16 PCM binary frames at a
// strict 20ms cadence, plus JSON text control frames for metadata, DTMF,
// and hangup.
//
// Its connection-lifecycle shape — accept, look up owner, pump frames
// in both directions, apply backpressure, tear down — is grounded on the
// teacher's managed_stream.go audio pump and generalized from an in-process
// mic/speaker loop to a network endpoint serving many concurrent calls.
package switchws

import (
	"context"
	"encoding/json"
	"net/http"
	"strings"
	"sync"
	"time"

	"github.com/coder/websocket"
	"github.com/lokutor-ai/callbridge/internal/logging"
)

// FrameSize is one 20ms linear16 PCM frame at 8kHz mono.
const FrameSize = 320

// MaxQueuedAudioMs bounds the outgoing send queue; beyond it frames are
// dropped as a backpressure signal to the call session (spec.md §4.4).
const MaxQueuedAudioMs = 200

// FrameDuration is the telephony clock tick.
const FrameDuration = 20 * time.Millisecond

const maxQueuedFrames = MaxQueuedAudioMs / 20

// ConnectGrace is how long a session waits for its switch leg to connect
// before orphaning.
const ConnectGrace = 5 * time.Second

// ControlFrame is a parsed text-frame control message.
type ControlFrame struct {
	Type       string `json:"type"`
	Caller     string `json:"caller,omitempty"`
	Called     string `json:"called,omitempty"`
	Digit      string `json:"digit,omitempty"`
	SwitchUUID string `json:"switch_uuid,omitempty"`
}

// Binder resolves an inbound switch connection to the session that should
// own it. Implemented by the session registry; kept as an interface here
// so switchws doesn't import registry (avoiding an import cycle, since
// registry owns session admission and callsession owns the FSM that this
// package feeds).
type Binder interface {
	// Bind looks up the pending/active session for callID and returns the
	// Conn sink. ok is false if no session is waiting within ConnectGrace.
	Bind(callID string) (Sink, bool)
}

// Sink is the callsession-side handle a Conn delivers inbound events to
// and reads outbound frames from.
type Sink interface {
	// OnAudioFrame delivers one inbound 320-byte PCM frame.
	OnAudioFrame(frame []byte)
	// OnControl delivers a parsed control frame.
	OnControl(cf ControlFrame)
	// OnDisconnect notifies the session its switch leg dropped.
	OnDisconnect()
	// OutboundFrames returns the channel of frames the session wants
	// written to the switch, in order.
	OutboundFrames() <-chan []byte
}

// Server accepts switch WebSocket connections at /{call_id}.
type Server struct {
	binder Binder
	log    logging.Logger
}

func NewServer(binder Binder, log logging.Logger) *Server {
	if log == nil {
		log = logging.NoOpLogger{}
	}
	return &Server{binder: binder, log: log}
}

// ServeHTTP implements http.Handler. Mount at "/ws/" so r.URL.Path's final
// segment is the call_id.
func (s *Server) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	callID := strings.TrimPrefix(r.URL.Path, "/ws/")
	callID = strings.Trim(callID, "/")
	if callID == "" {
		http.Error(w, "missing call_id", http.StatusBadRequest)
		return
	}

	conn, err := websocket.Accept(w, r, &websocket.AcceptOptions{
		CompressionMode: websocket.CompressionDisabled,
	})
	if err != nil {
		s.log.Error("switchws: accept failed", "call_id", callID, "err", err)
		return
	}

	sink, ok := s.binder.Bind(callID)
	if !ok {
		s.log.Warn("switchws: orphan connection, no matching session", "call_id", callID)
		conn.Close(websocket.StatusPolicyViolation, "no matching session")
		return
	}

	pumpConn(r.Context(), conn, callID, sink, s.log)
}

// pumpConn runs the bidirectional frame pump for one call's media leg
// until either side disconnects. Grounded on the teacher's read/write
// goroutine split in cmd/agent/main.go, generalized to a network socket.
func pumpConn(ctx context.Context, conn *websocket.Conn, callID string, sink Sink, log logging.Logger) {
	ctx, cancel := context.WithCancel(ctx)
	defer cancel()

	var wg sync.WaitGroup
	wg.Add(2)

	go func() {
		defer wg.Done()
		defer cancel()
		readLoop(ctx, conn, callID, sink, log)
	}()

	go func() {
		defer wg.Done()
		defer cancel()
		writeLoop(ctx, conn, callID, sink, log)
	}()

	wg.Wait()
	sink.OnDisconnect()
	conn.Close(websocket.StatusNormalClosure, "")
}

func readLoop(ctx context.Context, conn *websocket.Conn, callID string, sink Sink, log logging.Logger) {
	for {
		msgType, payload, err := conn.Read(ctx)
		if err != nil {
			return
		}
		switch msgType {
		case websocket.MessageBinary:
			if len(payload) != FrameSize {
				log.Warn("switchws: unexpected frame size, ignoring", "call_id", callID, "size", len(payload))
				continue
			}
			sink.OnAudioFrame(payload)
		case websocket.MessageText:
			var cf ControlFrame
			if err := json.Unmarshal(payload, &cf); err != nil {
				log.Warn("switchws: unparseable control frame, ignoring", "call_id", callID, "err", err)
				continue
			}
			sink.OnControl(cf)
			if cf.Type == "hangup" {
				return
			}
		}
	}
}

// writeLoop drains the session's outbound frame channel at the 20ms
// telephony cadence, applying the MaxQueuedAudioMs backpressure policy by
// simply trusting the session side to have already bounded its own queue
// (internal/callsession's outbound channel holds at most 10 frames, 200ms,
// and the Session drops frames rather than block when it is full).
func writeLoop(ctx context.Context, conn *websocket.Conn, callID string, sink Sink, log logging.Logger) {
	ticker := time.NewTicker(FrameDuration)
	defer ticker.Stop()

	frames := sink.OutboundFrames()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			select {
			case frame, ok := <-frames:
				if !ok {
					return
				}
				if err := conn.Write(ctx, websocket.MessageBinary, frame); err != nil {
					return
				}
			default:
				// Nothing queued this tick; stay silent rather than block.
			}
		}
	}
}
