package reminder

import (
	"context"
	"errors"
	"fmt"
	"sync/atomic"
	"time"

	"github.com/sourcegraph/conc/pool"

	"github.com/kalambet/remindme/internal/notify"
	"github.com/kalambet/remindme/internal/scheduler"
	"github.com/kalambet/remindme/internal/storage"
)

// sweepWorkers bounds how many due tasks a sweep processes at once.
const sweepWorkers = 4

// Fire handles a trigger handed over by the scheduler. It is the
// scheduler.Handler for the engine.
func (e *Engine) Fire(ctx context.Context, tr scheduler.Trigger) {
	msg, err := e.fireTrigger(tr)
	if err != nil {
		e.logger.Error("trigger firing failed", "trigger_id", tr.ID, "task_id", tr.TaskID, "error", err)
		e.metrics.Firing(string(tr.Kind), "error")
		return
	}
	if msg == nil {
		e.metrics.Firing(string(tr.Kind), "skipped")
		return
	}
	e.deliver(ctx, *msg)
}

func (e *Engine) fireTrigger(tr scheduler.Trigger) (*notify.Message, error) {
	unlock := e.locks.Lock(tr.TaskID)
	defer unlock()

	t, err := e.store.GetTask(tr.TaskID)
	if errors.Is(err, storage.ErrNotFound) {
		e.logger.Debug("trigger for missing task", "trigger_id", tr.ID)
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("loading task %d: %w", tr.TaskID, err)
	}
	if !e.isCurrent(t, tr) {
		e.logger.Debug("stale trigger skipped", "trigger_id", tr.ID, "task_id", t.ID)
		return nil, nil
	}

	switch tr.Kind {
	case scheduler.KindReminder:
		return e.markReminded(t)
	case scheduler.KindFollowUp:
		return e.markFollowedUp(t)
	default:
		return nil, fmt.Errorf("%w: unknown trigger kind %q", ErrInvariant, tr.Kind)
	}
}

// isCurrent reports whether tr belongs to the task's current schedule. A
// trigger claimed just before a reschedule carries the old fire time.
func (e *Engine) isCurrent(t storage.Task, tr scheduler.Trigger) bool {
	at := tr.FireAt.Unix()
	switch tr.Kind {
	case scheduler.KindReminder:
		return at == t.ScheduledTime.Unix()
	case scheduler.KindFollowUp:
		if at == t.ScheduledTime.Add(e.followUp).Unix() {
			return true
		}
		return !t.ReminderSentAt.IsZero() && at == t.ReminderSentAt.Add(e.followUp).Unix()
	}
	return true
}

// markReminded flips reminderSent and persists it before any delivery is
// attempted. Returns nil when the reminder already went out.
func (e *Engine) markReminded(t storage.Task) (*notify.Message, error) {
	if t.Status != storage.StatusPending || t.ReminderSent {
		return nil, nil
	}
	t.ReminderSent = true
	t.ReminderSentAt = e.now()
	if err := e.store.UpdateTask(t); err != nil {
		return nil, fmt.Errorf("updating task %d: %w", t.ID, err)
	}
	return &notify.Message{
		OwnerID: t.OwnerID,
		TaskID:  t.ID,
		Kind:    notify.KindReminder,
		Text:    fmt.Sprintf("Reminder: '%s'", t.Description),
	}, nil
}

// markFollowedUp flips followupSent, persists it and records the owner's
// pending confirmation. Returns nil when the follow-up already went out.
func (e *Engine) markFollowedUp(t storage.Task) (*notify.Message, error) {
	if t.Status != storage.StatusPending || t.FollowupSent {
		return nil, nil
	}
	t.ReminderSent = true
	t.FollowupSent = true
	t.ReminderSentAt = e.now()
	if err := e.store.UpdateTask(t); err != nil {
		return nil, fmt.Errorf("updating task %d: %w", t.ID, err)
	}
	e.confirms.Set(t.OwnerID, t.ID)
	return &notify.Message{
		OwnerID: t.OwnerID,
		TaskID:  t.ID,
		Kind:    notify.KindFollowUp,
		Text:    fmt.Sprintf("Did you finish: '%s'? Reply YES or NO", t.Description),
	}, nil
}

// deliver sends msg once. Failures are logged and never retried; the sent
// flags stay set.
func (e *Engine) deliver(ctx context.Context, msg notify.Message) {
	if err := e.deliverer.Deliver(ctx, msg); err != nil {
		e.logger.Warn("delivery failed", "task_id", msg.TaskID, "owner_id", msg.OwnerID, "kind", msg.Kind, "error", err)
		e.metrics.Firing(msg.Kind, "failed")
		return
	}
	e.logger.Info("notification sent", "task_id", msg.TaskID, "owner_id", msg.OwnerID, "kind", msg.Kind)
	e.metrics.Firing(msg.Kind, "delivered")
}

// SweepResult counts what one sweep sent.
type SweepResult struct {
	Reminders int `json:"reminders"`
	FollowUps int `json:"followups"`
}

// Sweep processes every due task as if its trigger had fired: pending tasks
// past their scheduled time that were not reminded, and reminded tasks whose
// last notification is at least one follow-up interval old. Running it
// repeatedly never sends the same notification twice.
func (e *Engine) Sweep(ctx context.Context) (SweepResult, error) {
	start := time.Now()
	defer func() { e.metrics.ObserveSweep(time.Since(start)) }()

	now := e.now()
	reminders, err := e.store.DueReminders(now)
	if err != nil {
		return SweepResult{}, fmt.Errorf("querying due reminders: %w", err)
	}
	followUps, err := e.store.DueFollowUps(now.Add(-e.followUp))
	if err != nil {
		return SweepResult{}, fmt.Errorf("querying due follow-ups: %w", err)
	}

	var sentReminders, sentFollowUps atomic.Int64
	p := pool.New().WithMaxGoroutines(sweepWorkers).WithErrors()
	for _, t := range reminders {
		p.Go(func() error {
			sent, err := e.sweepTask(ctx, t.ID, e.markReminded)
			if sent {
				sentReminders.Add(1)
			}
			return err
		})
	}
	for _, t := range followUps {
		p.Go(func() error {
			sent, err := e.sweepTask(ctx, t.ID, e.markFollowedUp)
			if sent {
				sentFollowUps.Add(1)
			}
			return err
		})
	}
	err = p.Wait()

	res := SweepResult{Reminders: int(sentReminders.Load()), FollowUps: int(sentFollowUps.Load())}
	e.logger.Info("sweep finished", "reminders", res.Reminders, "followups", res.FollowUps)
	return res, err
}

// sweepTask reloads the task under its lock and applies mark. It reports
// whether a notification was produced.
func (e *Engine) sweepTask(ctx context.Context, taskID int64, mark func(storage.Task) (*notify.Message, error)) (bool, error) {
	unlock := e.locks.Lock(taskID)
	t, err := e.store.GetTask(taskID)
	if errors.Is(err, storage.ErrNotFound) {
		unlock()
		return false, nil
	}
	if err != nil {
		unlock()
		return false, fmt.Errorf("loading task %d: %w", taskID, err)
	}
	msg, err := mark(t)
	unlock()
	if err != nil || msg == nil {
		return false, err
	}
	e.deliver(ctx, *msg)
	return true, nil
}
