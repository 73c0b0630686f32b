// Package scheduler keeps one-shot timed triggers and fires them at their
// due time. Two drivers share the Driver interface: TimerDriver keeps
// triggers in memory and sleeps until the next one is due, PollDriver keeps
// them in SQLite and polls for due rows.
package scheduler

import (
	"context"
	"fmt"
	"time"
)

type Kind string

const (
	KindReminder Kind = "reminder"
	KindFollowUp Kind = "followup"
)

// Trigger is a one-shot event tied to a task and a lifecycle stage.
type Trigger struct {
	ID     string
	Kind   Kind
	TaskID int64
	FireAt time.Time
}

// TriggerID derives the deterministic id "<kind>_<taskID>_<unix seconds>".
// Scheduling the same event twice replaces it; a new fire time yields a new id.
func TriggerID(kind Kind, taskID int64, fireAt time.Time) string {
	return fmt.Sprintf("%s_%d_%d", kind, taskID, fireAt.Unix())
}

func NewTrigger(kind Kind, taskID int64, fireAt time.Time) Trigger {
	return Trigger{
		ID:     TriggerID(kind, taskID, fireAt),
		Kind:   kind,
		TaskID: taskID,
		FireAt: fireAt,
	}
}

// Handler is invoked once per fired trigger.
type Handler func(ctx context.Context, t Trigger)

// Driver is the trigger store both scheduling strategies implement.
type Driver interface {
	// Schedule registers t, replacing any trigger with the same id.
	Schedule(ctx context.Context, t Trigger) error
	// Cancel removes the trigger with id. Unknown ids are ignored.
	Cancel(ctx context.Context, id string) error
	// CancelMatching removes every trigger for which match returns true and
	// reports how many were removed.
	CancelMatching(ctx context.Context, match func(Trigger) bool) (int, error)
	// Pending lists registered triggers ordered by fire time.
	Pending(ctx context.Context) ([]Trigger, error)
	// Run fires due triggers until ctx is cancelled.
	Run(ctx context.Context) error
}

// ForTask matches every trigger of taskID.
func ForTask(taskID int64) func(Trigger) bool {
	return func(t Trigger) bool { return t.TaskID == taskID }
}
