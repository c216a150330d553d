// Package schedule implements the Schedule Runner (C9): a loop that polls
// for due ScheduledCall rows and originates them through the Dialer.
//
// Same polling-loop idiom as internal/campaign, grounded in the teacher's
// callmanager.Manager polling pattern, generalized to wall-clock-scheduled
// single calls instead of a paced contact list.
package schedule

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

// PollInterval is the polling cadence (spec.md §4.9: "every ≤ 5 s").
const PollInterval = 3 * time.Second

// Store is the slice of persistence the runner needs, satisfied by
// internal/storage.
type Store interface {
	GetPrompt(ctx context.Context, promptID string) (calltypes.Prompt, error)
	DueScheduledCalls(ctx context.Context, now time.Time) ([]calltypes.ScheduledCall, error)
	MarkScheduleExecuting(ctx context.Context, id, callID string) error
	SetScheduleStatus(ctx context.Context, id string, status calltypes.ScheduleStatus) error
}

// SessionFactory builds a not-yet-started outbound Session for a scheduled
// call attempt.
type SessionFactory func(callID string, sc calltypes.ScheduledCall, prompt calltypes.PromptSnapshot) (*callsession.Session, error)

// Runner drains due ScheduledCall rows once per PollInterval.
type Runner struct {
	store      Store
	registry   *registry.Registry
	dialer     *dialer.Dialer
	newSession SessionFactory
	log        logging.Logger

	mu          sync.Mutex
	callToSchedule map[string]string

	stopCh chan struct{}
	doneCh chan struct{}
}

func New(store Store, reg *registry.Registry, d *dialer.Dialer, factory SessionFactory, log logging.Logger) *Runner {
	if log == nil {
		log = logging.NoOpLogger{}
	}
	return &Runner{
		store:          store,
		registry:       reg,
		dialer:         d,
		newSession:     factory,
		log:            log,
		callToSchedule: make(map[string]string),
		stopCh:         make(chan struct{}),
		doneCh:         make(chan struct{}),
	}
}

// Run is the poll loop; start it in its own goroutine.
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

func (r *Runner) Stop() { close(r.stopCh) }

func (r *Runner) Done() <-chan struct{} { return r.doneCh }

func (r *Runner) tick(ctx context.Context) {
	due, err := r.store.DueScheduledCalls(ctx, time.Now())
	if err != nil {
		r.log.Error("schedule: poll failed", "err", err)
		return
	}
	for _, sc := range due {
		r.execute(ctx, sc)
	}
}

func (r *Runner) execute(ctx context.Context, sc calltypes.ScheduledCall) {
	// A dedicated, unweighted admission slot: scheduled calls aren't part
	// of a campaign, so they admit only against the global cap.
	release, ok := r.registry.Admit("", 0)
	if !ok {
		r.log.Warn("schedule: global capacity exhausted, leaving pending for next poll", "schedule_id", sc.ID)
		return
	}

	prompt, err := r.store.GetPrompt(ctx, sc.PromptID)
	if err != nil {
		release()
		r.fail(sc.ID, fmt.Sprintf("prompt lookup failed: %v", err))
		return
	}
	snap := prompt.Snapshot()

	callID := fmt.Sprintf("sched-%s", sc.ID)
	sess, err := r.newSession(callID, sc, snap)
	if err != nil {
		release()
		r.fail(sc.ID, fmt.Sprintf("session construction failed: %v", err))
		return
	}

	r.mu.Lock()
	r.callToSchedule[callID] = sc.ID
	r.mu.Unlock()

	r.registry.Register(sess, release)

	if err := r.store.MarkScheduleExecuting(ctx, sc.ID, callID); err != nil {
		r.log.Error("schedule: mark executing failed", "schedule_id", sc.ID, "err", err)
	}
	if err := r.dialer.Originate(ctx, sc.Phone, callID, snap); err != nil {
		r.log.Error("schedule: originate failed", "schedule_id", sc.ID, "call_id", callID, "err", err)
		sess.Hangup()
	}
}

// OnCallEnded marks the scheduled call completed or failed once its
// Session reaches a terminal state. Scheduled calls do not retry (spec.md
// §4.9 names no retry policy for this runner, unlike the campaign one).
func (r *Runner) OnCallEnded(callID string, outcome calltypes.CallOutcome, failureReason string) {
	r.mu.Lock()
	scheduleID, ok := r.callToSchedule[callID]
	if ok {
		delete(r.callToSchedule, callID)
	}
	r.mu.Unlock()
	if !ok {
		return
	}

	status := calltypes.ScheduleCompleted
	if outcome == calltypes.OutcomeFailed {
		status = calltypes.ScheduleFailed
	}
	if err := r.store.SetScheduleStatus(context.Background(), scheduleID, status); err != nil {
		r.log.Error("schedule: set status failed", "schedule_id", scheduleID, "err", err)
	}
}

func (r *Runner) fail(scheduleID, reason string) {
	r.log.Error("schedule: execution failed", "schedule_id", scheduleID, "reason", reason)
	if err := r.store.SetScheduleStatus(context.Background(), scheduleID, calltypes.ScheduleFailed); err != nil {
		r.log.Error("schedule: set status failed", "schedule_id", scheduleID, "err", err)
	}
}

// Cancel marks a pending scheduled call cancelled. Per spec.md §4.9,
// cancellation is only permitted while the row is still pending — callers
// (the Control API) must have already verified that before calling this.
func (r *Runner) Cancel(ctx context.Context, scheduleID string) error {
	return r.store.SetScheduleStatus(ctx, scheduleID, calltypes.ScheduleCancelled)
}
