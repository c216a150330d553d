// Package switchctl is the default dialer.SwitchControl implementation: a
// generic HTTP control-plane client for the out-of-band origination/hangup
// channel spec.md §6 describes as "abstracted behind a two-method
// interface... so the specific switch dialect is pluggable." No concrete
// switch SDK appears in the retrieved corpus (the nearest analog,
// omnivoice-twilio, is only ever imported by reference, never vendored),
// so this talks a plain JSON-over-HTTP dialect any switch-side adapter can
// implement, using net/http the same way internal/webhook does for its
// own outbound calls (see DESIGN.md).
package switchctl

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"time"

	"github.com/lokutor-ai/callbridge/internal/calltypes"
)

// Client issues origination/hangup commands to a switch's REST control
// plane at baseURL.
type Client struct {
	baseURL string
	http    *http.Client
}

func New(baseURL string) *Client {
	return &Client{
		baseURL: baseURL,
		http:    &http.Client{Timeout: 10 * time.Second},
	}
}

type originateRequest struct {
	Number   string `json:"number"`
	CallID   string `json:"call_id"`
	VoiceID  string `json:"voice_id,omitempty"`
	Language string `json:"language,omitempty"`
}

// Originate implements dialer.SwitchControl.
func (c *Client) Originate(ctx context.Context, number, callID string, prompt calltypes.PromptSnapshot) error {
	body, err := json.Marshal(originateRequest{Number: number, CallID: callID, VoiceID: prompt.VoiceID, Language: prompt.Language})
	if err != nil {
		return err
	}
	return c.post(ctx, "/originate", body)
}

// Hangup implements dialer.SwitchControl.
func (c *Client) Hangup(ctx context.Context, callID string) error {
	body, err := json.Marshal(map[string]string{"call_id": callID})
	if err != nil {
		return err
	}
	return c.post(ctx, "/hangup", body)
}

func (c *Client) post(ctx context.Context, path string, body []byte) error {
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, c.baseURL+path, bytes.NewReader(body))
	if err != nil {
		return err
	}
	req.Header.Set("Content-Type", "application/json")

	resp, err := c.http.Do(req)
	if err != nil {
		return fmt.Errorf("switchctl: %s: %w", path, err)
	}
	defer resp.Body.Close()
	if resp.StatusCode >= 300 {
		return fmt.Errorf("switchctl: %s: unexpected status %d", path, resp.StatusCode)
	}
	return nil
}
