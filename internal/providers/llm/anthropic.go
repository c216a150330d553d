package llm

import (
	"bufio"
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"strings"
)

// AnthropicLLM is the streaming sibling of the teacher's batch AnthropicLLM
// (pkg/providers/llm/anthropic.go): same message/system split and headers,
// with "stream": true added and the response read as an SSE body instead of
// one JSON object.
type AnthropicLLM struct {
	apiKey string
	url    string
	model  string
}

func NewAnthropicLLM(apiKey string, model string) *AnthropicLLM {
	if model == "" {
		model = "claude-3-5-sonnet-20241022"
	}
	return &AnthropicLLM{
		apiKey: apiKey,
		url:    "https://api.anthropic.com/v1/messages",
		model:  model,
	}
}

func (l *AnthropicLLM) Name() string { return "anthropic-llm" }

func (l *AnthropicLLM) Stream(ctx context.Context, messages []Message, temperature float64) (Stream, error) {
	var system string
	var anthropicMessages []map[string]string
	for _, msg := range messages {
		if msg.Role == "system" {
			system = msg.Content
			continue
		}
		anthropicMessages = append(anthropicMessages, map[string]string{
			"role":    msg.Role,
			"content": msg.Content,
		})
	}

	payload := map[string]interface{}{
		"model":      l.model,
		"messages":   anthropicMessages,
		"max_tokens": 1024,
		"stream":     true,
	}
	if system != "" {
		payload["system"] = system
	}
	if temperature > 0 {
		payload["temperature"] = temperature
	}

	body, err := json.Marshal(payload)
	if err != nil {
		return nil, err
	}

	req, err := http.NewRequestWithContext(ctx, "POST", l.url, bytes.NewReader(body))
	if err != nil {
		return nil, err
	}
	req.Header.Set("Content-Type", "application/json")
	req.Header.Set("x-api-key", l.apiKey)
	req.Header.Set("anthropic-version", "2023-06-01")
	req.Header.Set("Accept", "text/event-stream")

	resp, err := http.DefaultClient.Do(req)
	if err != nil {
		return nil, err
	}
	if resp.StatusCode != http.StatusOK {
		defer resp.Body.Close()
		var errResp interface{}
		json.NewDecoder(resp.Body).Decode(&errResp)
		return nil, fmt.Errorf("anthropic llm error (status %d): %v", resp.StatusCode, errResp)
	}

	st := &anthropicStream{body: resp.Body, deltas: make(chan Delta, 32)}
	go st.readLoop()
	return st, nil
}

type anthropicStream struct {
	body   io.ReadCloser
	deltas chan Delta
}

type anthropicSSEEvent struct {
	Type  string `json:"type"`
	Delta struct {
		Type string `json:"type"`
		Text string `json:"text"`
	} `json:"delta"`
}

// readLoop parses the text/event-stream body: each "data: {...}" line is one
// JSON event; content_block_delta events carry the next chunk of text,
// message_stop ends the stream.
func (s *anthropicStream) readLoop() {
	defer close(s.deltas)
	scanner := bufio.NewScanner(s.body)
	scanner.Buffer(make([]byte, 0, 64*1024), 1024*1024)
	for scanner.Scan() {
		line := scanner.Text()
		if !strings.HasPrefix(line, "data:") {
			continue
		}
		payload := strings.TrimSpace(strings.TrimPrefix(line, "data:"))
		if payload == "" || payload == "[DONE]" {
			continue
		}

		var ev anthropicSSEEvent
		if err := json.Unmarshal([]byte(payload), &ev); err != nil {
			continue
		}
		switch ev.Type {
		case "content_block_delta":
			if ev.Delta.Text != "" {
				s.deltas <- Delta{Text: ev.Delta.Text}
			}
		case "message_stop":
			s.deltas <- Delta{Done: true}
			return
		case "error":
			s.deltas <- Delta{Err: fmt.Errorf("anthropic stream error event")}
			return
		}
	}
	if err := scanner.Err(); err != nil {
		s.deltas <- Delta{Err: err}
	}
}

func (s *anthropicStream) Deltas() <-chan Delta { return s.deltas }

func (s *anthropicStream) Close() error {
	return s.body.Close()
}
