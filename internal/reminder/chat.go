package reminder

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/kalambet/remindme/internal/intent"
	"github.com/kalambet/remindme/internal/storage"
)

// Replies that do not depend on a task.
const (
	ReplyNoPending   = "I couldn't figure out which task you're referring to."
	ReplyNoTasks     = "You have no tasks right now."
	ReplyTaskMissing = "Could not retrieve the task."
	ReplyFailure     = "Something went wrong. Please try again."
)

// clockFormat renders times in replies, e.g. "09:00 PM".
const clockFormat = "03:04 PM"

// Handle interprets one chat message from owner, applies it and returns the
// reply. Every message gets exactly one reply; internal failures are logged
// and answered with ReplyFailure.
func (e *Engine) Handle(ctx context.Context, ownerID int64, text string) string {
	loc := e.ownerLocation(ownerID)
	in := e.interp.Interpret(text, intent.Owner{ID: ownerID, Location: loc})
	e.metrics.Command(in.Kind.String())

	switch in.Kind {
	case intent.ConfirmFollowUp:
		return e.Confirm(ctx, ownerID, in.Yes)
	case intent.ListReminders:
		return e.listReply(ownerID, loc)
	case intent.CreateReminder:
		return e.createReply(ctx, ownerID, in, loc)
	case intent.EditReminder:
		return e.editReply(ctx, ownerID, in, loc)
	case intent.DeleteReminder:
		return e.matchReply(ownerID, in.Match, func(t storage.Task) (string, error) {
			if _, err := e.Delete(ctx, t.ID); err != nil {
				return "", err
			}
			return fmt.Sprintf("Task '%s' deleted.", t.Description), nil
		})
	case intent.CompleteReminder:
		return e.matchReply(ownerID, in.Match, func(t storage.Task) (string, error) {
			if _, err := e.Complete(ctx, t.ID); err != nil {
				return "", err
			}
			return fmt.Sprintf("Task '%s' marked as done.", t.Description), nil
		})
	default:
		return in.Reply
	}
}

// Confirm answers the follow-up question last sent to owner. The pending
// confirmation is consumed whatever the answer; without one the reply is
// ReplyNoPending.
func (e *Engine) Confirm(ctx context.Context, ownerID int64, yes bool) string {
	taskID, ok := e.confirms.Take(ownerID)
	if !ok {
		return ReplyNoPending
	}

	if yes {
		t, err := e.Complete(ctx, taskID)
		if err != nil {
			return e.failureReply("confirm yes", taskID, err)
		}
		return fmt.Sprintf("Great! '%s' marked as done.", t.Description)
	}

	t, err := e.Snooze(ctx, taskID)
	if err != nil {
		return e.failureReply("confirm no", taskID, err)
	}
	return fmt.Sprintf("Got it. I'll check in again in %s about '%s'.", intervalText(e.followUp), t.Description)
}

func (e *Engine) createReply(ctx context.Context, ownerID int64, in intent.Intent, loc *time.Location) string {
	t, err := e.CreateTask(ctx, ownerID, in.Description, in.At)
	switch {
	case errors.Is(err, ErrPastTime):
		return intent.TimeInPast
	case errors.Is(err, ErrEmptyDescription):
		return intent.RemindUsage
	case err != nil:
		return e.failureReply("create", t.ID, err)
	}
	return fmt.Sprintf("Reminder set for '%s' at %s", t.Description, t.ScheduledTime.In(loc).Format(clockFormat))
}

func (e *Engine) editReply(ctx context.Context, ownerID int64, in intent.Intent, loc *time.Location) string {
	return e.matchReply(ownerID, in.Match, func(t storage.Task) (string, error) {
		t, err := e.Reschedule(ctx, t.ID, "", in.At)
		if errors.Is(err, ErrPastTime) {
			return intent.TimeInPast, nil
		}
		if err != nil {
			return "", err
		}
		return fmt.Sprintf("Task '%s' rescheduled to %s", t.Description, t.ScheduledTime.In(loc).Format(clockFormat)), nil
	})
}

// matchReply finds the owner's task matching text and hands it to apply.
func (e *Engine) matchReply(ownerID int64, text string, apply func(storage.Task) (string, error)) string {
	t, err := e.store.FindTaskByDescription(ownerID, text)
	if errors.Is(err, storage.ErrNotFound) {
		return fmt.Sprintf("No task found matching '%s'.", text)
	}
	if err != nil {
		return e.failureReply("match", 0, err)
	}
	reply, err := apply(t)
	if errors.Is(err, storage.ErrNotFound) {
		return fmt.Sprintf("No task found matching '%s'.", text)
	}
	if err != nil {
		return e.failureReply("apply", t.ID, err)
	}
	return reply
}

func (e *Engine) listReply(ownerID int64, loc *time.Location) string {
	tasks, err := e.List(ownerID)
	if err != nil {
		return e.failureReply("list", 0, err)
	}
	if len(tasks) == 0 {
		return ReplyNoTasks
	}
	var b strings.Builder
	b.WriteString("Your tasks:")
	for _, t := range tasks {
		at := t.ScheduledTime.In(loc)
		fmt.Fprintf(&b, "\n• %s — %s at %s at %s", t.Description, t.Status, at.Format("Jan 02"), at.Format(clockFormat))
	}
	return b.String()
}

func (e *Engine) failureReply(op string, taskID int64, err error) string {
	if errors.Is(err, storage.ErrNotFound) {
		return ReplyTaskMissing
	}
	e.logger.Error("chat command failed", "op", op, "task_id", taskID, "error", err)
	return ReplyFailure
}

// intervalText renders d for replies, e.g. "1 hour" or "30 minutes".
func intervalText(d time.Duration) string {
	unit := func(n int64, name string) string {
		if n == 1 {
			return "1 " + name
		}
		return fmt.Sprintf("%d %ss", n, name)
	}
	switch {
	case d%time.Hour == 0:
		return unit(int64(d/time.Hour), "hour")
	case d%time.Minute == 0:
		return unit(int64(d/time.Minute), "minute")
	default:
		return d.String()
	}
}
