package webhook

import (
	"context"
	"crypto/hmac"
	"crypto/sha256"
	"encoding/hex"
	"io"
	"net/http"
	"net/http/httptest"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/lokutor-ai/callbridge/internal/calltypes"
)

type memStore struct {
	mu         sync.Mutex
	deliveries []calltypes.WebhookDelivery
}

func (m *memStore) RecordDelivery(ctx context.Context, d calltypes.WebhookDelivery) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.deliveries = append(m.deliveries, d)
	return nil
}

func (m *memStore) snapshot() []calltypes.WebhookDelivery {
	m.mu.Lock()
	defer m.mu.Unlock()
	return append([]calltypes.WebhookDelivery(nil), m.deliveries...)
}

// TestSignature verifies spec.md §8's "Webhook signature" property: for a
// delivery with a configured secret, X-Webhook-Signature equals
// "sha256=" + hex(HMAC-SHA256(secret, raw_body)), and altering a single
// byte of the body fails verification.
func TestSignature(t *testing.T) {
	const secret = "s3cret"
	var gotSig string
	var gotBody []byte

	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		gotSig = r.Header.Get("X-Webhook-Signature")
		gotBody, _ = io.ReadAll(r.Body)
		w.WriteHeader(http.StatusOK)
	}))
	defer server.Close()

	store := &memStore{}
	d := New(store, nil)
	d.Register(calltypes.WebhookConfig{
		ID:     "wh-1",
		URL:    server.URL,
		Events: map[string]bool{string(calltypes.EventCallEnded): true},
		Secret: secret,
		Active: true,
	})
	d.Dispatch(calltypes.EventCallEnded, "call-1", map[string]string{"outcome": "completed"})

	waitFor(t, func() bool { return len(store.snapshot()) == 1 })

	want := "sha256=" + hmacHex(secret, gotBody)
	if gotSig != want {
		t.Fatalf("signature mismatch: got %s want %s", gotSig, want)
	}

	tampered := append([]byte(nil), gotBody...)
	tampered[0] ^= 0xFF
	if hmacHex(secret, tampered) == hmacHex(secret, gotBody) {
		t.Fatal("tampering did not change the expected signature")
	}
}

func TestNoSignatureWithoutSecret(t *testing.T) {
	var gotSig string
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		gotSig = r.Header.Get("X-Webhook-Signature")
		w.WriteHeader(http.StatusOK)
	}))
	defer server.Close()

	store := &memStore{}
	d := New(store, nil)
	d.Register(calltypes.WebhookConfig{
		ID:     "wh-2",
		URL:    server.URL,
		Events: map[string]bool{string(calltypes.EventCallStarted): true},
		Active: true,
	})
	d.Dispatch(calltypes.EventCallStarted, "call-1", nil)
	waitFor(t, func() bool { return len(store.snapshot()) == 1 })

	if gotSig != "" {
		t.Fatalf("expected no signature header without a secret, got %q", gotSig)
	}
}

// TestRetrySchedule verifies spec.md §8's literal retry-schedule property:
// for a permanently failing endpoint, exactly 3 attempts occur, the last
// two separated by the 1s/5s backoff, then no further attempts.
func TestRetrySchedule(t *testing.T) {
	var count int32
	var times []time.Time
	var mu sync.Mutex

	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		atomic.AddInt32(&count, 1)
		mu.Lock()
		times = append(times, time.Now())
		mu.Unlock()
		w.WriteHeader(http.StatusInternalServerError)
	}))
	defer server.Close()

	store := &memStore{}
	d := New(store, nil)
	d.Register(calltypes.WebhookConfig{
		ID:     "wh-3",
		URL:    server.URL,
		Events: map[string]bool{string(calltypes.EventCallEnded): true},
		Active: true,
	})
	start := time.Now()
	d.Dispatch(calltypes.EventCallEnded, "call-1", nil)

	waitFor(t, func() bool { return atomic.LoadInt32(&count) == 3 })
	time.Sleep(50 * time.Millisecond) // settle, make sure no 4th attempt follows

	if got := atomic.LoadInt32(&count); got != 3 {
		t.Fatalf("expected exactly 3 attempts, got %d", got)
	}
	mu.Lock()
	defer mu.Unlock()
	offsets := []time.Duration{0, 1 * time.Second, 6 * time.Second}
	for i, ts := range times {
		delta := ts.Sub(start) - offsets[i]
		if delta < 0 {
			delta = -delta
		}
		if delta > 200*time.Millisecond {
			t.Errorf("attempt %d at %v from start, want ~%v", i+1, ts.Sub(start), offsets[i])
		}
	}
}

// TestFourXXTerminal verifies a 4xx response is not retried.
func TestFourXXTerminal(t *testing.T) {
	var count int32
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		atomic.AddInt32(&count, 1)
		w.WriteHeader(http.StatusBadRequest)
	}))
	defer server.Close()

	store := &memStore{}
	d := New(store, nil)
	d.Register(calltypes.WebhookConfig{
		ID:     "wh-4",
		URL:    server.URL,
		Events: map[string]bool{string(calltypes.EventCallEnded): true},
		Active: true,
	})
	d.Dispatch(calltypes.EventCallEnded, "call-1", nil)

	waitFor(t, func() bool { return len(store.snapshot()) == 1 })
	time.Sleep(1200 * time.Millisecond) // longer than the first backoff gap

	if got := atomic.LoadInt32(&count); got != 1 {
		t.Fatalf("expected exactly 1 attempt for a 4xx response, got %d", got)
	}
}

func hmacHex(secret string, body []byte) string {
	mac := hmac.New(sha256.New, []byte(secret))
	mac.Write(body)
	return hex.EncodeToString(mac.Sum(nil))
}

func waitFor(t *testing.T, cond func() bool) {
	t.Helper()
	deadline := time.Now().Add(10 * time.Second)
	for time.Now().Before(deadline) {
		if cond() {
			return
		}
		time.Sleep(10 * time.Millisecond)
	}
	t.Fatal("condition not met within timeout")
}
