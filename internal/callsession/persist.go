package callsession

import (
	"context"
	"time"

	"github.com/lokutor-ai/callbridge/internal/calltypes"
)

// persistOp is one unit of work for the dedicated persistence goroutine.
// Routing every Gateway call through a single worker, fed by a buffered
// channel, keeps provider I/O off the FSM's critical path while still
// guaranteeing per-call insertion order (spec.md §4.12, §5 "Shared
// resources" — append_message preserves order).
type persistOp struct {
	insert   *calltypes.Session
	append   *calltypes.TranscriptEntry
	finalize *finalizeArgs
}

type finalizeArgs struct {
	outcome       calltypes.CallOutcome
	endedAt       time.Time
	failureReason string
}

func (s *Session) startPersistWorker() chan persistOp {
	ch := make(chan persistOp, 64)
	go func() {
		ctx := context.Background()
		for op := range ch {
			switch {
			case op.insert != nil:
				if err := s.gateway.InsertCall(ctx, op.insert); err != nil {
					s.log.Error("callsession: insert_call failed", "call_id", s.id, "err", err)
				}
			case op.append != nil:
				if err := s.gateway.AppendMessage(ctx, s.id, *op.append); err != nil {
					s.log.Error("callsession: append_message failed", "call_id", s.id, "err", err)
				}
			case op.finalize != nil:
				f := op.finalize
				if err := s.gateway.FinalizeCall(ctx, s.id, f.outcome, f.endedAt, f.failureReason); err != nil {
					s.log.Error("callsession: finalize_call failed", "call_id", s.id, "err", err)
				}
			}
		}
	}()
	return ch
}

func (s *Session) persistInsert() {
	snap := s.Snapshot()
	select {
	case s.persistCh <- persistOp{insert: &snap}:
	default:
		s.log.Warn("callsession: persist queue full, dropping insert_call", "call_id", s.id)
	}
}

func (s *Session) persistAppend(entry calltypes.TranscriptEntry) {
	select {
	case s.persistCh <- persistOp{append: &entry}:
	default:
		s.log.Warn("callsession: persist queue full, dropping append_message", "call_id", s.id)
	}
}

func (s *Session) persistFinalize(outcome calltypes.CallOutcome, endedAt time.Time, reason string) {
	args := &finalizeArgs{outcome: outcome, endedAt: endedAt, failureReason: reason}
	select {
	case s.persistCh <- persistOp{finalize: args}:
	default:
		s.log.Warn("callsession: persist queue full, dropping finalize_call", "call_id", s.id)
	}
}
