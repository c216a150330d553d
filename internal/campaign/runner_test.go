package campaign

import (
	"context"
	"fmt"
	"sync"
	"testing"
	"time"

	"github.com/lokutor-ai/callbridge/internal/calltypes"
	"github.com/lokutor-ai/callbridge/internal/callsession"
	"github.com/lokutor-ai/callbridge/internal/dialer"
	"github.com/lokutor-ai/callbridge/internal/registry"
)

// fakeStore is an in-memory Store backing a single campaign's contact list.
type fakeStore struct {
	mu       sync.Mutex
	campaign calltypes.Campaign
	prompt   calltypes.Prompt
	contacts map[string]*calltypes.CampaignContact
	order    []string
}

func newFakeStore(maxConcurrent, nContacts int) *fakeStore {
	s := &fakeStore{
		campaign: calltypes.Campaign{ID: "camp-1", MaxConcurrent: maxConcurrent, Status: calltypes.CampaignRunning, PromptID: "prompt-1"},
		prompt:   calltypes.Prompt{ID: "prompt-1", SystemText: "be helpful"},
		contacts: make(map[string]*calltypes.CampaignContact),
	}
	for i := 0; i < nContacts; i++ {
		id := fmt.Sprintf("contact-%d", i)
		s.contacts[id] = &calltypes.CampaignContact{ID: id, CampaignID: s.campaign.ID, Phone: "+1555000" + fmt.Sprint(i), Status: calltypes.ContactPending}
		s.order = append(s.order, id)
	}
	return s
}

func (s *fakeStore) GetCampaign(ctx context.Context, campaignID string) (calltypes.Campaign, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.campaign, nil
}

func (s *fakeStore) GetPrompt(ctx context.Context, promptID string) (calltypes.Prompt, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.prompt, nil
}

func (s *fakeStore) ListPendingContacts(ctx context.Context, campaignID string, limit int) ([]calltypes.CampaignContact, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	var out []calltypes.CampaignContact
	for _, id := range s.order {
		if len(out) >= limit {
			break
		}
		c := s.contacts[id]
		if c.Status == calltypes.ContactPending {
			out = append(out, *c)
		}
	}
	return out, nil
}

// MarkContactCalling mirrors internal/storage.Gateway's own semantics:
// "attempts" is bumped here, at the point a new origination attempt is
// issued, not when the outcome later lands.
func (s *fakeStore) MarkContactCalling(ctx context.Context, contactID, callID string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	c := s.contacts[contactID]
	c.Status = calltypes.ContactCalling
	c.CallID = callID
	c.Attempts++
	return nil
}

func (s *fakeStore) UpdateContactOutcome(ctx context.Context, contactID string, status calltypes.ContactStatus, lastErr string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	c := s.contacts[contactID]
	c.Status = status
	c.LastError = lastErr
	return nil
}

func (s *fakeStore) SetCampaignStatus(ctx context.Context, campaignID string, status calltypes.CampaignStatus) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.campaign.Status = status
	return nil
}

func (s *fakeStore) callingCount() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	n := 0
	for _, c := range s.contacts {
		if c.Status == calltypes.ContactCalling {
			n++
		}
	}
	return n
}

func (s *fakeStore) countStatus(status calltypes.ContactStatus) int {
	s.mu.Lock()
	defer s.mu.Unlock()
	n := 0
	for _, c := range s.contacts {
		if c.Status == status {
			n++
		}
	}
	return n
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

// sessionTestConfig sizes the Session's own timeouts well past this test's
// lifetime, since these sessions never Attach (no switch ever connects).
func sessionTestConfig() callsession.Config {
	cfg := callsession.DefaultConfig()
	cfg.SwitchConnectTimeout = 10 * time.Second
	return cfg
}

func newRunnerFixture(t *testing.T, store *fakeStore) (*Runner, *registry.Registry) {
	t.Helper()
	reg := registry.New(100, nil, nil)
	d := dialer.New(&fakeSwitchControl{}, nil)
	factory := func(callID string, contact calltypes.CampaignContact, prompt calltypes.PromptSnapshot, campaignID string) (*callsession.Session, error) {
		return callsession.New(callID, calltypes.DirectionOutbound, "", contact.Phone, prompt, campaignID, "", callsession.Providers{}, noopGateway{}, noopNotifier{}, nil, sessionTestConfig()), nil
	}
	r := New(store.campaign.ID, store, reg, d, factory, nil)
	return r, reg
}

// endSession hangs up callID's Session, as a real call's end would, and
// waits until the registry has released its campaign admission slot (the
// registry frees a slot only once the Session's Run has returned).
func endSession(t *testing.T, reg *registry.Registry, store *fakeStore, callID string) {
	t.Helper()
	sess, ok := reg.Get(callID)
	if !ok {
		t.Fatalf("no live session for %s", callID)
	}
	sess.Hangup()
	<-sess.Done()
	deadline := time.Now().Add(2 * time.Second)
	for time.Now().Before(deadline) {
		if release, ok := reg.Admit(store.campaign.ID, int64(store.campaign.MaxConcurrent)); ok {
			release()
			return
		}
		time.Sleep(5 * time.Millisecond)
	}
	t.Fatalf("admission slot of %s was not released", callID)
}

// TestCampaignCapNeverExceeded drives spec.md §8's per-campaign concurrency
// cap property across several ticks and outcome events: |calling| must
// never exceed campaign.MaxConcurrent, and a completed contact frees a slot
// for a fresh pending one.
func TestCampaignCapNeverExceeded(t *testing.T) {
	store := newFakeStore(2, 5)
	r, reg := newRunnerFixture(t, store)
	ctx := context.Background()

	r.tick(ctx) // should admit exactly 2 (cap) of the 5 pending contacts
	if got := store.callingCount(); got != 2 {
		t.Fatalf("after first tick: calling = %d, want 2", got)
	}

	r.tick(ctx) // at capacity: no further admissions
	if got := store.callingCount(); got != 2 {
		t.Fatalf("after second tick (at cap): calling = %d, want 2", got)
	}
	if got := store.countStatus(calltypes.ContactPending); got != 3 {
		t.Fatalf("pending = %d, want 3", got)
	}

	// Finish one of the two in-flight calls as completed.
	r.mu.Lock()
	var finishedCall string
	for callID := range r.callToContact {
		finishedCall = callID
		break
	}
	r.mu.Unlock()
	endSession(t, reg, store, finishedCall)
	r.OnCallEnded(finishedCall, calltypes.OutcomeCompleted, "")

	if got := store.callingCount(); got != 1 {
		t.Fatalf("after one completion: calling = %d, want 1", got)
	}
	if got := store.countStatus(calltypes.ContactCompleted); got != 1 {
		t.Fatalf("completed = %d, want 1", got)
	}

	r.tick(ctx) // a slot freed up: one more pending contact is admitted
	if got := store.callingCount(); got != 2 {
		t.Fatalf("after third tick: calling = %d, want 2 (cap re-filled)", got)
	}
}

// TestCampaignRetryThenTerminalFailure drives the outcome rule from spec.md
// §4.8: a connect/answer failure is retried up to MaxAttempts total, then
// the contact is marked failed for good.
func TestCampaignRetryThenTerminalFailure(t *testing.T) {
	store := newFakeStore(1, 1)
	r, reg := newRunnerFixture(t, store)
	ctx := context.Background()

	r.tick(ctx)
	if got := store.callingCount(); got != 1 {
		t.Fatalf("calling = %d, want 1", got)
	}

	var contactID string
	for id := range store.contacts {
		contactID = id
	}

	for attempt := 1; attempt <= MaxAttempts; attempt++ {
		r.mu.Lock()
		var callID string
		for call, contact := range r.callToContact {
			if contact == contactID {
				callID = call
			}
		}
		r.mu.Unlock()
		if callID == "" {
			t.Fatalf("attempt %d: no in-flight call for contact %s", attempt, contactID)
		}

		endSession(t, reg, store, callID)
		r.OnCallEnded(callID, calltypes.OutcomeFailed, "no answer")

		if attempt < MaxAttempts {
			// Requeued for retry, not yet terminal.
			if got := store.contacts[contactID].Status; got != calltypes.ContactCalling {
				t.Fatalf("attempt %d: contact status = %s, want still calling (pending requeue)", attempt, got)
			}
			// Force the retry spacing so the next tick resubmits immediately.
			r.mu.Lock()
			for i := range r.pending {
				r.pending[i].nextTry = time.Now().Add(-time.Second)
			}
			r.mu.Unlock()
			r.tick(ctx)
		}
	}

	if got := store.contacts[contactID].Status; got != calltypes.ContactFailed {
		t.Fatalf("final contact status = %s, want failed after %d attempts", got, MaxAttempts)
	}
	if got := store.contacts[contactID].Attempts; got != MaxAttempts {
		t.Fatalf("attempts = %d, want %d", got, MaxAttempts)
	}
}
