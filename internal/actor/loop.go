package actor

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/weavenet/weave/internal/events"
)

// tickSystemPrompt is the internal instruction driving an unattended tick.
const tickSystemPrompt = "This is your scheduled think cycle. Review your goals and recent " +
	"memories, take one useful action with your tools if warranted, and reply " +
	"with a short note on what you did or observed."

// LoopStatus is the wire shape of GET /loop/status.
type LoopStatus struct {
	LoopRunning bool   `json:"loopRunning"`
	LoopCount   int    `json:"loopCount"`
	NextAlarm   *int64 `json:"nextAlarm,omitempty"` // unix ms
}

// LoopStart transitions Idle to Armed: loopRunning=true, alarm at
// now+interval. Idempotent; starting an armed loop just reschedules.
func (a *Actor) LoopStart(ctx context.Context) (*LoopStatus, error) {
	var status LoopStatus
	err := a.do(ctx, func(context.Context) error {
		next := time.Now().Add(a.interval())
		a.loop.LoopRunning = true
		at := next.UnixMilli()
		a.loop.NextAlarmAt = &at
		if err := a.deps.DB.PutLoop(a.name, a.loop); err != nil {
			return fmt.Errorf("persist loop state: %w", err)
		}
		a.arm(next)
		a.emit(events.TypeLoopStarted, events.OutcomeSuccess, map[string]interface{}{
			"intervalMs":  a.cfg.LoopIntervalMs,
			"nextAlarmAt": at,
		}, nil)
		status = a.loopStatusLocked()
		return nil
	})
	if err != nil {
		return nil, err
	}
	return &status, nil
}

// LoopStop transitions Armed to Idle. A tick already running completes; it
// sees loopRunning=false and does not re-arm.
func (a *Actor) LoopStop(ctx context.Context) (*LoopStatus, error) {
	var status LoopStatus
	err := a.do(ctx, func(context.Context) error {
		a.loop.LoopRunning = false
		a.loop.NextAlarmAt = nil
		if err := a.deps.DB.PutLoop(a.name, a.loop); err != nil {
			return fmt.Errorf("persist loop state: %w", err)
		}
		a.deps.Scheduler.Disarm(a.name)
		status = a.loopStatusLocked()
		return nil
	})
	if err != nil {
		return nil, err
	}
	return &status, nil
}

// LoopStatus returns the current loop snapshot.
func (a *Actor) LoopStatus(ctx context.Context) (*LoopStatus, error) {
	var status LoopStatus
	err := a.do(ctx, func(context.Context) error {
		status = a.loopStatusLocked()
		return nil
	})
	if err != nil {
		return nil, err
	}
	return &status, nil
}

func (a *Actor) loopStatusLocked() LoopStatus {
	status := LoopStatus{
		LoopRunning: a.loop.LoopRunning,
		LoopCount:   a.loop.LoopCount,
	}
	if a.loop.NextAlarmAt != nil {
		at := *a.loop.NextAlarmAt
		status.NextAlarm = &at
	}
	return status
}

// arm schedules the alarm. The fire callback enqueues the tick as a mailbox
// job so it serializes with requests.
func (a *Actor) arm(at time.Time) {
	a.deps.Scheduler.Arm(a.name, at, func(string, time.Time) {
		a.submit(a.tick)
	})
}

// tick runs one scheduled loop iteration on the mailbox goroutine. Whatever
// the tick does, the loop stays armed while loopRunning is true: errors are
// reported as loop.error events and swallowed.
func (a *Actor) tick(ctx context.Context) {
	if !a.loop.LoopRunning {
		return
	}
	a.loop.LoopCount++

	// Unattended ticks run on the cheaper fast model; interactive prompts keep
	// the configured primary model.
	_, err := a.promptLocked(ctx, tickSystemPrompt, map[string]interface{}{"model": a.cfg.FastModel})
	if err != nil {
		outcome := events.OutcomeError
		if errors.Is(err, context.DeadlineExceeded) {
			outcome = events.OutcomeTimeout
		}
		a.emit(events.TypeLoopError, outcome, map[string]interface{}{
			"phase":     "prompt",
			"loopCount": a.loop.LoopCount,
		}, err)
		slog.Warn("loop tick failed", "agent", a.name, "loopCount", a.loop.LoopCount, "error", err)
	}

	// Reschedule regardless of the tick's outcome.
	if a.loop.LoopRunning {
		next := time.Now().Add(a.interval())
		at := next.UnixMilli()
		a.loop.NextAlarmAt = &at
		a.arm(next)
		a.emit(events.TypeLoopSleep, events.OutcomeSuccess, map[string]interface{}{
			"intervalMs":  a.cfg.LoopIntervalMs,
			"nextAlarmAt": at,
			"loopCount":   a.loop.LoopCount,
		}, nil)
	}
	if err := a.deps.DB.PutLoop(a.name, a.loop); err != nil {
		slog.Error("persist loop state failed", "agent", a.name, "error", err)
	}
}

// emit publishes an observability event; failures are logged, never fatal.
func (a *Actor) emit(eventType, outcome string, ctx map[string]interface{}, cause error) {
	event := events.New(a.id.DID, eventType, outcome, ctx)
	if cause != nil {
		event.Error = &events.ErrorDetail{
			Code:      eventType,
			Message:   cause.Error(),
			Retryable: outcome == events.OutcomeTimeout,
		}
	}
	if err := a.deps.Bus.Publish(context.Background(), event); err != nil {
		slog.Warn("event publish failed", "agent", a.name, "eventType", eventType, "error", err)
	}
	a.pushToSessions(event)
}
