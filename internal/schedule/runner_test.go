package schedule

import (
	"context"
	"sync"
	"testing"
	"time"

	"github.com/lokutor-ai/callbridge/internal/calltypes"
	"github.com/lokutor-ai/callbridge/internal/callsession"
	"github.com/lokutor-ai/callbridge/internal/dialer"
	"github.com/lokutor-ai/callbridge/internal/registry"
)

// fakeStore is an in-memory Store backing a small set of ScheduledCall rows.
type fakeStore struct {
	mu     sync.Mutex
	prompt calltypes.Prompt
	rows   map[string]*calltypes.ScheduledCall
}

func newFakeStore(rows ...calltypes.ScheduledCall) *fakeStore {
	s := &fakeStore{
		prompt: calltypes.Prompt{ID: "prompt-1", SystemText: "be helpful"},
		rows:   make(map[string]*calltypes.ScheduledCall),
	}
	for i := range rows {
		r := rows[i]
		s.rows[r.ID] = &r
	}
	return s
}

func (s *fakeStore) GetPrompt(ctx context.Context, promptID string) (calltypes.Prompt, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.prompt, nil
}

func (s *fakeStore) DueScheduledCalls(ctx context.Context, now time.Time) ([]calltypes.ScheduledCall, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	var out []calltypes.ScheduledCall
	for _, r := range s.rows {
		if r.Status == calltypes.SchedulePending && !r.ScheduledTime.After(now) {
			out = append(out, *r)
		}
	}
	return out, nil
}

func (s *fakeStore) MarkScheduleExecuting(ctx context.Context, id, callID string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	r := s.rows[id]
	r.Status = calltypes.ScheduleExecuting
	r.CallID = callID
	return nil
}

func (s *fakeStore) SetScheduleStatus(ctx context.Context, id string, status calltypes.ScheduleStatus) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	r := s.rows[id]
	r.Status = status
	return nil
}

func (s *fakeStore) status(id string) calltypes.ScheduleStatus {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.rows[id].Status
}

// fakeSwitchControl never actually connects a call; Originate just records
// the attempt, so Sessions this test registers sit in PENDING indefinitely.
type fakeSwitchControl struct {
	mu        sync.Mutex
	originate []string
}

func (c *fakeSwitchControl) Originate(ctx context.Context, number, callID string, prompt calltypes.PromptSnapshot) error {
	c.mu.Lock()
	c.originate = append(c.originate, callID)
	c.mu.Unlock()
	return nil
}

func (c *fakeSwitchControl) Hangup(ctx context.Context, callID string) error { return nil }

type noopGateway struct{}

func (noopGateway) InsertCall(ctx context.Context, sess *calltypes.Session) error { return nil }
func (noopGateway) AppendMessage(ctx context.Context, callID string, entry calltypes.TranscriptEntry) error {
	return nil
}
func (noopGateway) FinalizeCall(ctx context.Context, callID string, outcome calltypes.CallOutcome, endedAt time.Time, failureReason string) error {
	return nil
}

type noopNotifier struct{}

func (noopNotifier) Notify(event calltypes.EventType, callID string, data interface{}) {}

func sessionTestConfig() callsession.Config {
	cfg := callsession.DefaultConfig()
	cfg.SwitchConnectTimeout = 10 * time.Second
	return cfg
}

func newRunnerFixture(t *testing.T, store *fakeStore, globalCap int64) (*Runner, *registry.Registry) {
	t.Helper()
	reg := registry.New(globalCap, nil, nil)
	d := dialer.New(&fakeSwitchControl{}, nil)
	factory := func(callID string, sc calltypes.ScheduledCall, prompt calltypes.PromptSnapshot) (*callsession.Session, error) {
		return callsession.New(callID, calltypes.DirectionOutbound, "", sc.Phone, prompt, "", "", callsession.Providers{}, noopGateway{}, noopNotifier{}, nil, sessionTestConfig()), nil
	}
	r := New(store, reg, d, factory, nil)
	return r, reg
}

// TestScheduleFiresWhenDue drives spec.md §8's "scheduled call firing"
// round-trip: a pending row whose scheduled_time has passed transitions to
// executing on the next tick, and originate is issued exactly once.
func TestScheduleFiresWhenDue(t *testing.T) {
	past := calltypes.ScheduledCall{ID: "sc-1", Phone: "+15550001", PromptID: "prompt-1", Status: calltypes.SchedulePending, ScheduledTime: time.Now().Add(-time.Second)}
	future := calltypes.ScheduledCall{ID: "sc-2", Phone: "+15550002", PromptID: "prompt-1", Status: calltypes.SchedulePending, ScheduledTime: time.Now().Add(time.Hour)}
	store := newFakeStore(past, future)
	r, _ := newRunnerFixture(t, store, 10)
	ctx := context.Background()

	r.tick(ctx)

	if got := store.status("sc-1"); got != calltypes.ScheduleExecuting {
		t.Fatalf("sc-1 status = %s, want executing", got)
	}
	if got := store.status("sc-2"); got != calltypes.SchedulePending {
		t.Fatalf("sc-2 status = %s, want still pending (not yet due)", got)
	}

	r.tick(ctx) // sc-1 no longer reported due (status != pending); not re-fired
	if got := store.rows["sc-1"].CallID; got == "" {
		t.Fatalf("sc-1 was never bound a call_id")
	}
}

// TestScheduleOnCallEndedMarksOutcome drives the terminal-status mapping:
// a completed Session marks the row completed, a failed one marks it failed,
// and scheduled calls never retry (unlike campaign contacts).
func TestScheduleOnCallEndedMarksOutcome(t *testing.T) {
	due := calltypes.ScheduledCall{ID: "sc-1", Phone: "+15550001", PromptID: "prompt-1", Status: calltypes.SchedulePending, ScheduledTime: time.Now().Add(-time.Second)}
	store := newFakeStore(due)
	r, _ := newRunnerFixture(t, store, 10)
	ctx := context.Background()

	r.tick(ctx)
	callID := store.rows["sc-1"].CallID
	if callID == "" {
		t.Fatalf("expected a call_id bound after tick")
	}

	r.OnCallEnded(callID, calltypes.OutcomeCompleted, "")
	if got := store.status("sc-1"); got != calltypes.ScheduleCompleted {
		t.Fatalf("status = %s, want completed", got)
	}

	// A second terminal event for the same call_id (already removed from the
	// map) must not panic or re-mutate the row.
	r.OnCallEnded(callID, calltypes.OutcomeFailed, "late duplicate event")
	if got := store.status("sc-1"); got != calltypes.ScheduleCompleted {
		t.Fatalf("status = %s, want still completed after duplicate terminal event", got)
	}
}

// TestScheduleCancelOnlyWhilePending mirrors spec.md §4.9: only a pending
// row may be cancelled; the Control API is expected to check status before
// calling Cancel, but Cancel itself is a direct status write either way.
func TestScheduleCancelOnlyWhilePending(t *testing.T) {
	due := calltypes.ScheduledCall{ID: "sc-1", Phone: "+15550001", PromptID: "prompt-1", Status: calltypes.SchedulePending, ScheduledTime: time.Now().Add(time.Hour)}
	store := newFakeStore(due)
	r, _ := newRunnerFixture(t, store, 10)
	ctx := context.Background()

	if err := r.Cancel(ctx, "sc-1"); err != nil {
		t.Fatalf("Cancel: %v", err)
	}
	if got := store.status("sc-1"); got != calltypes.ScheduleCancelled {
		t.Fatalf("status = %s, want cancelled", got)
	}

	// Cancelled rows are never reported as due, even if their time has passed.
	r.tick(ctx)
	if got := store.status("sc-1"); got != calltypes.ScheduleCancelled {
		t.Fatalf("status = %s, want still cancelled (no re-origination)", got)
	}
}
