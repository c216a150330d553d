package dashboard

import (
	"testing"

	"github.com/lokutor-ai/callbridge/internal/calltypes"
	"github.com/lokutor-ai/callbridge/internal/registry"
)

func TestDashboardTypeMapping(t *testing.T) {
	cases := []struct {
		event calltypes.EventType
		want  string
	}{
		{calltypes.EventCallStarted, "call_started"},
		{calltypes.EventCallEnded, "call_ended"},
		{calltypes.EventCallFailed, "call_ended"},
		{calltypes.EventCallStateChanged, "call_state_changed"},
	}
	for _, c := range cases {
		if got := dashboardType(c.event); got != c.want {
			t.Errorf("dashboardType(%v) = %q, want %q", c.event, got, c.want)
		}
	}
}

func TestNotifyFansOutToRegisteredClients(t *testing.T) {
	reg := registry.New(10, nil, nil)
	h := NewHub(reg, nil)

	c := &client{send: make(chan Message, 4)}
	h.mu.Lock()
	h.clients[c] = struct{}{}
	h.mu.Unlock()

	h.Notify(calltypes.EventCallStarted, "call-1", map[string]string{"caller": "+1"})

	select {
	case msg := <-c.send:
		if msg.Type != "call_started" {
			t.Errorf("expected call_started, got %s", msg.Type)
		}
		data, ok := msg.Data.(map[string]interface{})
		if !ok || data["call_id"] != "call-1" || data["caller"] != "+1" {
			t.Errorf("unexpected payload: %+v", msg.Data)
		}
	default:
		t.Fatal("expected a message to be published")
	}
}

func TestNotifyIgnoresUnmappedEvents(t *testing.T) {
	reg := registry.New(10, nil, nil)
	h := NewHub(reg, nil)

	c := &client{send: make(chan Message, 4)}
	h.mu.Lock()
	h.clients[c] = struct{}{}
	h.mu.Unlock()

	h.Notify(calltypes.EventType("unknown"), "call-1", nil)

	select {
	case msg := <-c.send:
		t.Fatalf("expected no message, got %+v", msg)
	default:
	}
}

func TestPublishStatsUsesRegistrySnapshot(t *testing.T) {
	reg := registry.New(10, nil, nil)
	h := NewHub(reg, nil)

	c := &client{send: make(chan Message, 4)}
	h.mu.Lock()
	h.clients[c] = struct{}{}
	h.mu.Unlock()

	h.PublishStats()

	select {
	case msg := <-c.send:
		if msg.Type != "stats_updated" {
			t.Errorf("expected stats_updated, got %s", msg.Type)
		}
		if _, ok := msg.Data.(registry.Stats); !ok {
			t.Errorf("expected registry.Stats payload, got %T", msg.Data)
		}
	default:
		t.Fatal("expected a stats message to be published")
	}
}
