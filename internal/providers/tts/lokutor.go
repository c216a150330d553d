package tts

import (
	"context"
	"fmt"
	"net/url"
	"sync"
	"time"

	"github.com/coder/websocket"
	"github.com/coder/websocket/wsjson"
)

// LokutorTTS is adapted from the teacher's pkg/providers/tts/lokutor.go: the
// same lazily-dialed, request-per-utterance websocket client, generalized
// from the teacher's Voice/Language enum types to plain strings and from a
// single accumulate-then-return Synthesize call to a paced Stream.
type LokutorTTS struct {
	apiKey string
	host   string

	mu   sync.Mutex
	conn *websocket.Conn
}

func NewLokutorTTS(apiKey string) *LokutorTTS {
	return &LokutorTTS{apiKey: apiKey, host: "api.lokutor.com"}
}

func (t *LokutorTTS) Name() string { return "lokutor" }

func (t *LokutorTTS) getConn(ctx context.Context) (*websocket.Conn, error) {
	t.mu.Lock()
	defer t.mu.Unlock()
	if t.conn != nil {
		return t.conn, nil
	}
	u := url.URL{Scheme: "wss", Host: t.host, Path: "/ws", RawQuery: "api_key=" + t.apiKey}
	conn, _, err := websocket.Dial(ctx, u.String(), nil)
	if err != nil {
		return nil, fmt.Errorf("lokutor: dial: %w", err)
	}
	t.conn = conn
	return conn, nil
}

func (t *LokutorTTS) dropConn() {
	t.mu.Lock()
	t.conn = nil
	t.mu.Unlock()
}

func (t *LokutorTTS) Stream(ctx context.Context, text string, voice string, lang string) (Stream, error) {
	conn, err := t.getConn(ctx)
	if err != nil {
		return nil, err
	}

	req := map[string]interface{}{
		"text":    text,
		"voice":   voice,
		"lang":    lang,
		"speed":   1.05,
		"steps":   5,
		"version": "versa-1.0",
	}
	if err := wsjson.Write(ctx, conn, req); err != nil {
		t.dropConn()
		conn.Close(websocket.StatusAbnormalClosure, "failed to write json")
		return nil, fmt.Errorf("lokutor: send synthesis request: %w", err)
	}

	streamCtx, cancel := context.WithCancel(ctx)
	st := &lokutorStream{
		conn:   conn,
		pacer:  newPacer(),
		cancel: cancel,
		onDrop: t.dropConn,
	}
	go st.pacer.run(streamCtx.Done())
	go st.readLoop(streamCtx)
	return st, nil
}

func (t *LokutorTTS) Close() error {
	t.mu.Lock()
	defer t.mu.Unlock()
	if t.conn != nil {
		err := t.conn.Close(websocket.StatusNormalClosure, "")
		t.conn = nil
		return err
	}
	return nil
}

type lokutorStream struct {
	conn     *websocket.Conn
	pacer    *pacer
	cancel   context.CancelFunc
	onDrop   func()
	cancelOnce sync.Once
}

func (s *lokutorStream) readLoop(ctx context.Context) {
	for {
		messageType, payload, err := s.conn.Read(ctx)
		if err != nil {
			if ctx.Err() == nil {
				s.pacer.setErr(fmt.Errorf("lokutor: read: %w", err))
				s.onDrop()
			}
			s.cancel()
			return
		}

		switch messageType {
		case websocket.MessageBinary:
			s.pacer.push(payload)
		case websocket.MessageText:
			msg := string(payload)
			if msg == "EOS" {
				// Let the pacer play out what is still buffered before
				// closing Frames; a Cancel in the meantime ends the wait.
				for ctx.Err() == nil {
					s.pacer.mu.Lock()
					left := len(s.pacer.buf)
					s.pacer.mu.Unlock()
					if left == 0 {
						break
					}
					time.Sleep(FrameDurationMs * time.Millisecond)
				}
				s.cancel()
				return
			}
			if len(msg) >= 4 && msg[:4] == "ERR:" {
				s.pacer.setErr(fmt.Errorf("lokutor: %s", msg))
				s.cancel()
				return
			}
		}
	}
}

func (s *lokutorStream) Frames() <-chan []byte { return s.pacer.out }

func (s *lokutorStream) Err() error { return s.pacer.getErr() }

func (s *lokutorStream) Cancel() {
	s.cancelOnce.Do(s.cancel)
}
