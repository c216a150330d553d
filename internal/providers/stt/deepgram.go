package stt

import (
	"context"
	"encoding/json"
	"fmt"
	"net/url"
	"time"

	"github.com/coder/websocket"
)

// DeepgramStreamingSTT is the streaming sibling of the teacher's batch
// DeepgramSTT (pkg/providers/stt/deepgram.go): same provider, same
// query-parameter shape, but held open over a websocket for the life of a
// call instead of one HTTP POST per utterance.
type DeepgramStreamingSTT struct {
	apiKey string
	host   string
}

// NewDeepgramStreamingSTT builds a Deepgram streaming provider.
func NewDeepgramStreamingSTT(apiKey string) *DeepgramStreamingSTT {
	return &DeepgramStreamingSTT{apiKey: apiKey, host: "api.deepgram.com"}
}

func (s *DeepgramStreamingSTT) Name() string { return "deepgram-stt-streaming" }

func (s *DeepgramStreamingSTT) Open(ctx context.Context, lang string, sampleRate int) (Stream, error) {
	u := url.URL{Scheme: "wss", Host: s.host, Path: "/v1/listen"}
	q := u.Query()
	q.Set("model", "nova-2")
	q.Set("encoding", "linear16")
	q.Set("sample_rate", fmt.Sprintf("%d", sampleRate))
	q.Set("channels", "1")
	q.Set("interim_results", "true")
	q.Set("endpointing", "300")
	if lang != "" {
		q.Set("language", lang)
	}
	u.RawQuery = q.Encode()

	conn, _, err := websocket.Dial(ctx, u.String(), &websocket.DialOptions{
		HTTPHeader: map[string][]string{"Authorization": {"Token " + s.apiKey}},
	})
	if err != nil {
		return nil, fmt.Errorf("deepgram: dial: %w", err)
	}

	st := &deepgramStream{conn: conn, events: make(chan Event, 64)}
	st.endpointer = NewEndpointer(func() {
		st.emit(Event{Kind: EventUtteranceEnd, Ts: time.Now()})
	})
	go st.readLoop()
	return st, nil
}

type deepgramStream struct {
	conn       *websocket.Conn
	events     chan Event
	endpointer *Endpointer
	closed     bool
}

type deepgramResult struct {
	Type         string `json:"type"`
	IsFinal      bool   `json:"is_final"`
	SpeechFinal  bool   `json:"speech_final"`
	Duration     float64 `json:"duration"`
	Channel      struct {
		Alternatives []struct {
			Transcript string `json:"transcript"`
		} `json:"alternatives"`
	} `json:"channel"`
}

func (s *deepgramStream) Send(frame []byte) error {
	return s.conn.Write(context.Background(), websocket.MessageBinary, frame)
}

func (s *deepgramStream) readLoop() {
	defer close(s.events)
	ctx := context.Background()
	for {
		_, payload, err := s.conn.Read(ctx)
		if err != nil {
			if !s.closed {
				s.emit(Event{Kind: EventError, Err: err, Ts: time.Now()})
			}
			return
		}

		var res deepgramResult
		if err := json.Unmarshal(payload, &res); err != nil {
			continue
		}
		if res.Type != "Results" || len(res.Channel.Alternatives) == 0 {
			continue
		}
		text := res.Channel.Alternatives[0].Transcript
		if text == "" {
			continue
		}
		if res.IsFinal {
			s.endpointer.NotifyFinal()
			s.emit(Event{Kind: EventFinal, Text: text, Ts: time.Now(), DurationMs: int64(res.Duration * 1000)})
			if res.SpeechFinal {
				s.endpointer.NotifyUtteranceEnd()
				s.emit(Event{Kind: EventUtteranceEnd, Ts: time.Now()})
			}
		} else {
			s.endpointer.NotifyInterim()
			s.emit(Event{Kind: EventInterim, Text: text, Ts: time.Now()})
		}
	}
}

func (s *deepgramStream) emit(ev Event) {
	select {
	case s.events <- ev:
	default:
		// Backpressure: drop rather than block the read loop; the FSM only
		// needs the most recent interim for barge-in detection.
	}
}

func (s *deepgramStream) Events() <-chan Event { return s.events }

func (s *deepgramStream) Close() error {
	if s.closed {
		return nil
	}
	s.closed = true
	s.endpointer.Stop()
	return s.conn.Close(websocket.StatusNormalClosure, "")
}
