// Package campaign implements the Campaign Runner (C8): one cooperative
// loop per running campaign that paces a contact list through the Dialer
// under a concurrency cap and applies the outcome retry rule.
//
// Grounded in the teacher's callmanager.Manager polling idiom
// (InitiateCall/waitForAnswer), generalized here from one call to a fleet
// of contacts with per-contact retry/backoff bookkeeping instead of a
// single inline wait.
package campaign

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/lokutor-ai/callbridge/internal/calltypes"
	"github.com/lokutor-ai/callbridge/internal/callsession"
	"github.com/lokutor-ai/callbridge/internal/dialer"
	"github.com/lokutor-ai/callbridge/internal/logging"
	"github.com/lokutor-ai/callbridge/internal/registry"
)

// MaxAttempts is the total attempt cap (1 initial + up to 2 retries) for a
// contact that keeps failing to connect or answer.
const MaxAttempts = 3

// RetrySpacing is the minimum delay between retry attempts for the same
// contact (spec.md §4.8).
const RetrySpacing = 60 * time.Second

// PollInterval is how often the loop re-evaluates capacity and picks up
// newly-pending contacts.
const PollInterval = 2 * time.Second

// Store is the slice of persistence the runner needs for one campaign's
// contacts, satisfied by internal/storage.
type Store interface {
	GetCampaign(ctx context.Context, campaignID string) (calltypes.Campaign, error)
	GetPrompt(ctx context.Context, promptID string) (calltypes.Prompt, error)
	ListPendingContacts(ctx context.Context, campaignID string, limit int) ([]calltypes.CampaignContact, error)
	MarkContactCalling(ctx context.Context, contactID, callID string) error
	UpdateContactOutcome(ctx context.Context, contactID string, status calltypes.ContactStatus, lastErr string) error
	SetCampaignStatus(ctx context.Context, campaignID string, status calltypes.CampaignStatus) error
}

// SessionFactory builds a not-yet-started outbound Session for one
// origination attempt.
type SessionFactory func(callID string, contact calltypes.CampaignContact, prompt calltypes.PromptSnapshot, campaignID string) (*callsession.Session, error)

type contactAttempt struct {
	contact    calltypes.CampaignContact
	attempts   int
	nextTry    time.Time
}

// Runner drives one campaign's contact list to completion.
type Runner struct {
	campaignID string
	store      Store
	registry   *registry.Registry
	dialer     *dialer.Dialer
	newSession SessionFactory
	log        logging.Logger

	mu          sync.Mutex
	calling     map[string]*contactAttempt // contact_id -> in-flight bookkeeping
	callToContact map[string]string         // call_id -> contact_id
	pending     []contactAttempt           // awaiting retry spacing, not yet re-submitted

	stopCh chan struct{}
	doneCh chan struct{}
}

func New(campaignID string, store Store, reg *registry.Registry, d *dialer.Dialer, factory SessionFactory, log logging.Logger) *Runner {
	if log == nil {
		log = logging.NoOpLogger{}
	}
	return &Runner{
		campaignID:    campaignID,
		store:         store,
		registry:      reg,
		dialer:        d,
		newSession:    factory,
		log:           log,
		calling:       make(map[string]*contactAttempt),
		callToContact: make(map[string]string),
		stopCh:        make(chan struct{}),
		doneCh:        make(chan struct{}),
	}
}

// Run is the cooperative loop; start it in its own goroutine.
func (r *Runner) Run(ctx context.Context) {
	defer close(r.doneCh)
	ticker := time.NewTicker(PollInterval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-r.stopCh:
			return
		case <-ticker.C:
			r.tick(ctx)
		}
	}
}

// Stop ends the loop; in-flight calls are left running and will still
// report their outcome via OnCallEnded.
func (r *Runner) Stop() { close(r.stopCh) }

// Done reports loop exit.
func (r *Runner) Done() <-chan struct{} { return r.doneCh }

func (r *Runner) tick(ctx context.Context) {
	campaign, err := r.store.GetCampaign(ctx, r.campaignID)
	if err != nil {
		r.log.Error("campaign: lookup failed", "campaign_id", r.campaignID, "err", err)
		return
	}
	if campaign.Status != calltypes.CampaignRunning {
		return
	}

	r.mu.Lock()
	callingCount := len(r.calling)
	r.mu.Unlock()

	capacity := campaign.MaxConcurrent - callingCount
	if capacity <= 0 {
		return
	}

	if started := r.resubmitDue(ctx, campaign, capacity); started >= capacity {
		return
	} else {
		capacity -= started
	}

	contacts, err := r.store.ListPendingContacts(ctx, r.campaignID, capacity)
	if err != nil {
		r.log.Error("campaign: list pending contacts failed", "campaign_id", r.campaignID, "err", err)
		return
	}
	for _, c := range contacts {
		r.attemptCall(ctx, campaign, contactAttempt{contact: c, attempts: 0})
	}

	if len(contacts) == 0 && callingCount == 0 && !r.hasPendingRetries() {
		if err := r.store.SetCampaignStatus(ctx, r.campaignID, calltypes.CampaignCompleted); err != nil {
			r.log.Error("campaign: mark completed failed", "campaign_id", r.campaignID, "err", err)
		}
	}
}

func (r *Runner) hasPendingRetries() bool {
	r.mu.Lock()
	defer r.mu.Unlock()
	return len(r.pending) > 0
}

func (r *Runner) resubmitDue(ctx context.Context, campaign calltypes.Campaign, capacity int) int {
	now := time.Now()
	r.mu.Lock()
	var due []contactAttempt
	var rest []contactAttempt
	for _, p := range r.pending {
		if len(due) < capacity && now.After(p.nextTry) {
			due = append(due, p)
		} else {
			rest = append(rest, p)
		}
	}
	r.pending = rest
	r.mu.Unlock()

	for _, p := range due {
		r.attemptCall(ctx, campaign, p)
	}
	return len(due)
}

func (r *Runner) attemptCall(ctx context.Context, campaign calltypes.Campaign, att contactAttempt) {
	release, ok := r.registry.Admit(r.campaignID, int64(campaign.MaxConcurrent))
	if !ok {
		// Capacity denied: requeue per spec.md §4.6 ("denied admission
		// causes Dialer to requeue the contact").
		r.requeue(att, "admission denied, at capacity")
		return
	}

	prompt, err := r.store.GetPrompt(ctx, campaign.PromptID)
	if err != nil {
		release()
		r.finishContact(att.contact.ID, calltypes.ContactFailed, fmt.Sprintf("prompt lookup failed: %v", err))
		return
	}
	snap := prompt.Snapshot()

	callID := fmt.Sprintf("camp-%s-%s-%d", r.campaignID, att.contact.ID, att.attempts)
	sess, err := r.newSession(callID, att.contact, snap, r.campaignID)
	if err != nil {
		release()
		r.finishContact(att.contact.ID, calltypes.ContactFailed, fmt.Sprintf("session construction failed: %v", err))
		return
	}

	att.attempts++
	r.mu.Lock()
	r.calling[att.contact.ID] = &att
	r.callToContact[callID] = att.contact.ID
	r.mu.Unlock()

	r.registry.Register(sess, release)

	if err := r.store.MarkContactCalling(ctx, att.contact.ID, callID); err != nil {
		r.log.Error("campaign: mark calling failed", "contact_id", att.contact.ID, "err", err)
	}
	if err := r.dialer.Originate(ctx, att.contact.Phone, callID, snap); err != nil {
		r.log.Error("campaign: originate failed", "contact_id", att.contact.ID, "call_id", callID, "err", err)
		sess.Hangup()
	}
}

// OnCallEnded is invoked (by whatever dispatches call.ended events) once a
// call this runner originated reaches a terminal state. It applies the
// outcome rule: completed calls mark the contact completed; failed calls
// retry up to MaxAttempts with RetrySpacing between attempts, then fail.
func (r *Runner) OnCallEnded(callID string, outcome calltypes.CallOutcome, failureReason string) {
	r.mu.Lock()
	contactID, ok := r.callToContact[callID]
	if ok {
		delete(r.callToContact, callID)
	}
	att, hasAtt := r.calling[contactID]
	if hasAtt {
		delete(r.calling, contactID)
	}
	r.mu.Unlock()
	if !ok {
		return
	}

	if outcome == calltypes.OutcomeCompleted {
		r.finishContact(contactID, calltypes.ContactCompleted, "")
		return
	}

	if hasAtt && att.attempts < MaxAttempts {
		r.requeue(*att, failureReason)
		return
	}
	r.finishContact(contactID, calltypes.ContactFailed, failureReason)
}

func (r *Runner) requeue(att contactAttempt, reason string) {
	att.nextTry = time.Now().Add(RetrySpacing)
	r.mu.Lock()
	r.pending = append(r.pending, att)
	r.mu.Unlock()
	r.log.Info("campaign: contact requeued for retry", "contact_id", att.contact.ID, "attempts", att.attempts, "reason", reason)
}

func (r *Runner) finishContact(contactID string, status calltypes.ContactStatus, lastErr string) {
	if err := r.store.UpdateContactOutcome(context.Background(), contactID, status, lastErr); err != nil {
		r.log.Error("campaign: update contact outcome failed", "contact_id", contactID, "err", err)
	}
}
