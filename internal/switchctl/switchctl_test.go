package switchctl

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"testing"

	"github.com/lokutor-ai/callbridge/internal/calltypes"
)

func TestOriginate(t *testing.T) {
	var gotPath string
	var gotBody originateRequest

	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		gotPath = r.URL.Path
		if err := json.NewDecoder(r.Body).Decode(&gotBody); err != nil {
			t.Fatalf("decode body: %v", err)
		}
		w.WriteHeader(http.StatusOK)
	}))
	defer server.Close()

	c := New(server.URL)
	prompt := calltypes.PromptSnapshot{VoiceID: "voice-1", Language: "en"}
	if err := c.Originate(context.Background(), "+15550001234", "call-1", prompt); err != nil {
		t.Fatalf("unexpected error: %v", err)
	}

	if gotPath != "/originate" {
		t.Errorf("expected /originate, got %s", gotPath)
	}
	if gotBody.Number != "+15550001234" || gotBody.CallID != "call-1" || gotBody.VoiceID != "voice-1" {
		t.Errorf("unexpected request body: %+v", gotBody)
	}
}

func TestHangup(t *testing.T) {
	var gotPath string
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		gotPath = r.URL.Path
		w.WriteHeader(http.StatusOK)
	}))
	defer server.Close()

	c := New(server.URL)
	if err := c.Hangup(context.Background(), "call-1"); err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if gotPath != "/hangup" {
		t.Errorf("expected /hangup, got %s", gotPath)
	}
}

func TestPostErrorStatus(t *testing.T) {
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusInternalServerError)
	}))
	defer server.Close()

	c := New(server.URL)
	if err := c.Hangup(context.Background(), "call-1"); err == nil {
		t.Fatal("expected error for 500 response")
	}
}
