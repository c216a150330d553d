// Package registry implements the Session Registry (C6): a keyed
// call_id → Session map, admission under a global concurrency cap and an
// optional per-campaign cap, and the Binder the Switch Adapter uses to pair
// an incoming WebSocket with its owning Session.
//
// The keyed map guarded by a single mutex, with per-entry bookkeeping, is
// grounded on the teacher's pkg/callmanager/manager.go calls map; the
// admission caps are implemented with golang.org/x/sync/semaphore, adopted
// from the broader example pack's concurrency-control idiom rather than a
// hand-rolled counter, since a weighted semaphore already gives TryAcquire
// admission-control semantics for free.
package registry

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/lokutor-ai/callbridge/internal/callsession"
	"github.com/lokutor-ai/callbridge/internal/calltypes"
	"github.com/lokutor-ai/callbridge/internal/logging"
	"github.com/lokutor-ai/callbridge/internal/switchws"
	"golang.org/x/sync/semaphore"
)

// BindGrace is how long Bind waits for a session to appear before treating
// the WebSocket connection as orphaned (spec.md §4.4).
const BindGrace = 5 * time.Second

// InboundFactory constructs a brand-new Session for an inbound call that
// the switch connected to without any prior origination/admission — the
// registry performs admission itself before invoking it.
type InboundFactory func(callID, caller, called string) (*callsession.Session, error)

type entry struct {
	sess    *callsession.Session
	release func()
}

// Registry owns every live Session for the process's lifetime.
type Registry struct {
	mu       sync.RWMutex
	sessions map[string]*entry

	global        *semaphore.Weighted
	maxConcurrent int64

	campaignMu   sync.Mutex
	campaignSems map[string]*semaphore.Weighted

	inbound InboundFactory
	log     logging.Logger
}

func New(maxConcurrentCalls int64, inbound InboundFactory, log logging.Logger) *Registry {
	if log == nil {
		log = logging.NoOpLogger{}
	}
	return &Registry{
		sessions:      make(map[string]*entry),
		global:        semaphore.NewWeighted(maxConcurrentCalls),
		maxConcurrent: maxConcurrentCalls,
		campaignSems:  make(map[string]*semaphore.Weighted),
		inbound:       inbound,
		log:           log,
	}
}

// SetInbound wires (or replaces) the factory used for unsolicited inbound
// connections, for callers that must construct it after the Registry
// itself (it typically closes over the Registry-dependent Notifier).
func (r *Registry) SetInbound(f InboundFactory) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.inbound = f
}

func (r *Registry) campaignSem(campaignID string, max int64) *semaphore.Weighted {
	r.campaignMu.Lock()
	defer r.campaignMu.Unlock()
	sem, ok := r.campaignSems[campaignID]
	if !ok {
		sem = semaphore.NewWeighted(max)
		r.campaignSems[campaignID] = sem
	}
	return sem
}

// Admit attempts admission under the global cap and, when campaignID is
// non-empty, the campaign's own cap (spec.md §4.6). On success it returns a
// release func the caller must invoke exactly once when the call ends.
// Admission is first-come, first-served via TryAcquire — a denied
// admission returns ok=false immediately so the Dialer/Campaign Runner can
// requeue rather than block.
func (r *Registry) Admit(campaignID string, campaignMax int64) (release func(), ok bool) {
	if !r.global.TryAcquire(1) {
		return nil, false
	}
	if campaignID == "" {
		return func() { r.global.Release(1) }, true
	}
	sem := r.campaignSem(campaignID, campaignMax)
	if !sem.TryAcquire(1) {
		r.global.Release(1)
		return nil, false
	}
	return func() {
		sem.Release(1)
		r.global.Release(1)
	}, true
}

// Register adds a Session already admitted via Admit to the registry and
// starts its run loop. The registry removes it automatically once the
// session reports Done.
func (r *Registry) Register(sess *callsession.Session, release func()) {
	r.mu.Lock()
	r.sessions[sess.ID()] = &entry{sess: sess, release: release}
	r.mu.Unlock()

	go sess.Run()
	go func() {
		<-sess.Done()
		r.remove(sess.ID())
	}()
}

func (r *Registry) remove(callID string) {
	r.mu.Lock()
	e, ok := r.sessions[callID]
	if ok {
		delete(r.sessions, callID)
	}
	r.mu.Unlock()
	if ok && e.release != nil {
		e.release()
	}
}

// Get returns the live Session for callID, if any.
func (r *Registry) Get(callID string) (*callsession.Session, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	e, ok := r.sessions[callID]
	if !ok {
		return nil, false
	}
	return e.sess, true
}

// Bind implements switchws.Binder: it pairs an inbound WebSocket connection
// with its Session. A registered session is attached at once; otherwise,
// when an inbound factory is set, a new inbound session is admitted and
// built on the spot. Only when neither succeeds does it keep polling, up
// to BindGrace, for a registered session to appear.
func (r *Registry) Bind(callID string) (switchws.Sink, bool) {
	deadline := time.Now().Add(BindGrace)
	for {
		if sess, ok := r.Get(callID); ok {
			if err := sess.Attach(); err != nil {
				r.log.Warn("registry: attach failed", "call_id", callID, "err", err)
				return nil, false
			}
			return sess, true
		}
		if r.inbound != nil {
			if sess, ok := r.admitInbound(callID); ok {
				return sess, true
			}
		}
		if time.Now().After(deadline) {
			return nil, false
		}
		time.Sleep(100 * time.Millisecond)
	}
}

func (r *Registry) admitInbound(callID string) (*callsession.Session, bool) {
	release, ok := r.Admit("", 0)
	if !ok {
		r.log.Warn("registry: inbound call denied admission, at capacity", "call_id", callID)
		return nil, false
	}
	sess, err := r.inbound(callID, "", "")
	if err != nil {
		release()
		r.log.Error("registry: inbound session construction failed", "call_id", callID, "err", err)
		return nil, false
	}
	r.Register(sess, release)
	if err := sess.Attach(); err != nil {
		r.log.Warn("registry: attach failed for freshly admitted inbound session", "call_id", callID, "err", err)
		return nil, false
	}
	return sess, true
}

// Stats is an observability snapshot (spec.md §4.6: "active count,
// per-state histogram").
type Stats struct {
	Active    int
	ByState   map[calltypes.State]int
	Capacity  int64
}

func (r *Registry) Snapshot() Stats {
	r.mu.RLock()
	defer r.mu.RUnlock()
	stats := Stats{ByState: make(map[calltypes.State]int), Capacity: r.maxConcurrent}
	for _, e := range r.sessions {
		snap := e.sess.Snapshot()
		stats.ByState[snap.State]++
		stats.Active++
	}
	return stats
}

// Hangup forces HANGING_UP on the named call, if live.
func (r *Registry) Hangup(callID string) error {
	sess, ok := r.Get(callID)
	if !ok {
		return fmt.Errorf("registry: no such call %q", callID)
	}
	sess.Hangup()
	return nil
}

// Shutdown cancels every live session, used at process shutdown.
func (r *Registry) Shutdown(ctx context.Context) {
	r.mu.RLock()
	sessions := make([]*callsession.Session, 0, len(r.sessions))
	for _, e := range r.sessions {
		sessions = append(sessions, e.sess)
	}
	r.mu.RUnlock()

	for _, sess := range sessions {
		sess.Close()
	}
	for _, sess := range sessions {
		select {
		case <-sess.Done():
		case <-ctx.Done():
			return
		}
	}
}
