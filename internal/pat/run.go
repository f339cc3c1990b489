package pat

import (
	"context"
	"errors"
	"fmt"
	"log"
	"time"

	"go.opentelemetry.io/otel/attribute"

	"github.com/joelkehle/pat/internal/assistant"
	"github.com/joelkehle/pat/internal/telemetry"
)

// RunOutcome is how waiting on a run ended.
type RunOutcome string

const (
	OutcomeCompleted      RunOutcome = "completed"
	OutcomeFailed         RunOutcome = "failed"
	OutcomeCancelled      RunOutcome = "cancelled"
	OutcomeExpired        RunOutcome = "expired"
	OutcomeIncomplete     RunOutcome = "incomplete"
	OutcomeRequiresAction RunOutcome = "requires_action"
	OutcomeTimedOut       RunOutcome = "timed_out"
)

var ErrRunNotCompleted = errors.New("run did not complete")

// RunError reports a run that ended without a reply.
type RunError struct {
	RunID    string
	ThreadID string
	Outcome  RunOutcome
	Reason   string
}

func (e *RunError) Error() string {
	msg := fmt.Sprintf("run %s on %s ended %s", e.RunID, e.ThreadID, e.Outcome)
	if e.Reason != "" {
		msg += ": " + e.Reason
	}
	return msg
}

func (e *RunError) Is(target error) bool { return target == ErrRunNotCompleted }

// cancelGrace bounds the best-effort cancel sent after giving up on a run.
const cancelGrace = 10 * time.Second

// RunAssistant starts the session's assistant on threadID and polls until the
// run reaches a terminal status or RunTimeout elapses. A completed run yields
// the first text segment of the newest thread message; any other ending is a
// *RunError.
func (s *Session) RunAssistant(ctx context.Context, threadID string) (reply string, err error) {
	assistantID := s.AssistantID()
	if assistantID == "" {
		return "", ErrNoAssistant
	}
	ctx, span := telemetry.StartSpan(ctx, "pat.run_assistant", attribute.String("pat.thread_id", threadID))
	defer func() { telemetry.EndSpan(span, err) }()

	run, err := s.api.CreateRun(ctx, threadID, assistantID)
	if err != nil {
		return "", err
	}
	started := s.now()
	waitCtx, cancel := context.WithTimeout(ctx, s.cfg.RunTimeout)
	defer cancel()
	ticker := time.NewTicker(s.cfg.PollInterval)
	defer ticker.Stop()

	for {
		if run.Status.Terminal() {
			outcome := outcomeFor(run.Status)
			s.metrics.Run(string(outcome), s.now().Sub(started).Seconds())
			span.SetAttributes(attribute.String("pat.run_outcome", string(outcome)))
			if outcome == OutcomeCompleted {
				return s.api.LatestMessageText(ctx, threadID)
			}
			if run.Status == assistant.RunRequiresAction {
				s.cancelRun(threadID, run.ID)
			}
			return "", &RunError{RunID: run.ID, ThreadID: threadID, Outcome: outcome, Reason: run.LastError}
		}

		select {
		case <-waitCtx.Done():
			if ctx.Err() != nil {
				s.cancelRun(threadID, run.ID)
				return "", fmt.Errorf("wait for run %s: %w", run.ID, ctx.Err())
			}
			s.metrics.Run(string(OutcomeTimedOut), s.now().Sub(started).Seconds())
			s.cancelRun(threadID, run.ID)
			return "", &RunError{
				RunID:    run.ID,
				ThreadID: threadID,
				Outcome:  OutcomeTimedOut,
				Reason:   fmt.Sprintf("still %s after %s", run.Status, s.cfg.RunTimeout),
			}
		case <-ticker.C:
		}

		next, err := s.api.GetRun(waitCtx, threadID, run.ID)
		if err != nil {
			if waitCtx.Err() != nil {
				continue
			}
			return "", err
		}
		run = next
	}
}

func (s *Session) cancelRun(threadID, runID string) {
	ctx, cancel := context.WithTimeout(context.Background(), cancelGrace)
	defer cancel()
	if err := s.api.CancelRun(ctx, threadID, runID); err != nil {
		log.Printf("pat cancel run %s failed: %v", runID, err)
	}
}

func outcomeFor(status assistant.RunStatus) RunOutcome {
	switch status {
	case assistant.RunCompleted:
		return OutcomeCompleted
	case assistant.RunFailed:
		return OutcomeFailed
	case assistant.RunCancelled:
		return OutcomeCancelled
	case assistant.RunExpired:
		return OutcomeExpired
	case assistant.RunIncomplete:
		return OutcomeIncomplete
	case assistant.RunRequiresAction:
		return OutcomeRequiresAction
	default:
		return RunOutcome(status)
	}
}
