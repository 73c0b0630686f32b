// Package reminder implements the task lifecycle: creating, rescheduling,
// completing and deleting tasks, arming their reminder and follow-up
// triggers, and firing those triggers at most once.
package reminder

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"strings"
	"sync"
	"time"

	"github.com/kalambet/remindme/internal/confirm"
	"github.com/kalambet/remindme/internal/intent"
	"github.com/kalambet/remindme/internal/metrics"
	"github.com/kalambet/remindme/internal/notify"
	"github.com/kalambet/remindme/internal/scheduler"
	"github.com/kalambet/remindme/internal/storage"
	"github.com/kalambet/remindme/internal/timephrase"
)

var (
	// ErrPastTime is returned when a task would be scheduled before now.
	ErrPastTime = errors.New("scheduled time is in the past")
	// ErrEmptyDescription is returned when a task has no description.
	ErrEmptyDescription = errors.New("description is required")
	// ErrInvariant marks a lifecycle contract violation, such as arming a
	// trigger for a task that is not pending.
	ErrInvariant = errors.New("task lifecycle invariant violated")
)

// DefaultFollowUpInterval separates a reminder from its follow-up question.
const DefaultFollowUpInterval = time.Hour

// Store is the persistence the engine needs.
type Store interface {
	GetUser(id int64) (storage.User, error)
	CreateTask(t storage.Task) (int64, error)
	GetTask(id int64) (storage.Task, error)
	FindTaskByDescription(ownerID int64, text string) (storage.Task, error)
	ListTasksByOwner(ownerID int64) ([]storage.Task, error)
	ListPendingTasks() ([]storage.Task, error)
	DueReminders(now time.Time) ([]storage.Task, error)
	DueFollowUps(cutoff time.Time) ([]storage.Task, error)
	UpdateTask(t storage.Task) error
	DeleteTask(id int64) error
}

// Options configures an Engine. Store, Driver and Deliverer are required.
type Options struct {
	Store     Store
	Driver    scheduler.Driver
	Deliverer notify.Deliverer

	// Resolver turns time phrases into timestamps. Defaults to the
	// olebedev/when resolver.
	Resolver timephrase.Resolver
	// Confirmations tracks the task each owner was last asked about.
	Confirmations *confirm.Tracker
	// Location is used for owners without a timezone. Defaults to time.Local.
	Location *time.Location
	// FollowUpInterval defaults to DefaultFollowUpInterval.
	FollowUpInterval time.Duration

	Metrics *metrics.Metrics
	Now     func() time.Time
	Logger  *slog.Logger
}

// Engine owns the task state machine. It is safe for concurrent use;
// transitions on one task are serialized, different tasks proceed in parallel.
type Engine struct {
	store     Store
	driver    scheduler.Driver
	deliverer notify.Deliverer
	interp    *intent.Interpreter
	confirms  *confirm.Tracker
	loc       *time.Location
	followUp  time.Duration
	metrics   *metrics.Metrics
	now       func() time.Time
	logger    *slog.Logger

	locks keyedMutex
	zones sync.Map // timezone name -> *time.Location
}

// New creates an Engine from opts.
func New(opts Options) (*Engine, error) {
	if opts.Store == nil || opts.Driver == nil || opts.Deliverer == nil {
		return nil, errors.New("reminder: store, driver and deliverer are required")
	}
	e := &Engine{
		store:     opts.Store,
		driver:    opts.Driver,
		deliverer: opts.Deliverer,
		confirms:  opts.Confirmations,
		loc:       opts.Location,
		followUp:  opts.FollowUpInterval,
		metrics:   opts.Metrics,
		now:       opts.Now,
		logger:    opts.Logger,
	}
	if e.confirms == nil {
		e.confirms = confirm.NewTracker(confirm.DefaultCapacity, confirm.DefaultTTL)
	}
	if e.loc == nil {
		e.loc = time.Local
	}
	if e.followUp <= 0 {
		e.followUp = DefaultFollowUpInterval
	}
	if e.now == nil {
		e.now = time.Now
	}
	if e.logger == nil {
		e.logger = slog.Default()
	}
	resolver := opts.Resolver
	if resolver == nil {
		resolver = timephrase.NewWhenResolver()
	}
	e.interp = intent.NewInterpreter(resolver, e.now)
	return e, nil
}

// FollowUpInterval reports the delay between a reminder and its follow-up.
func (e *Engine) FollowUpInterval() time.Duration { return e.followUp }

// CreateTask persists a pending task for owner and arms its reminder at at
// and its follow-up one interval later.
func (e *Engine) CreateTask(ctx context.Context, ownerID int64, description string, at time.Time) (storage.Task, error) {
	description = strings.TrimSpace(description)
	if description == "" {
		return storage.Task{}, ErrEmptyDescription
	}
	now := e.now()
	if at.Before(now) {
		return storage.Task{}, ErrPastTime
	}

	t := storage.Task{
		OwnerID:       ownerID,
		Description:   description,
		ScheduledTime: at,
		Status:        storage.StatusPending,
		CreatedAt:     now,
	}
	id, err := e.store.CreateTask(t)
	if err != nil {
		return storage.Task{}, fmt.Errorf("creating task: %w", err)
	}
	t.ID = id

	unlock := e.locks.Lock(id)
	defer unlock()
	if err := e.arm(ctx, t); err != nil {
		// A pending task without triggers would never fire; drop it.
		if cerr := e.cancelAll(ctx, id); cerr != nil {
			e.logger.Error("cancelling triggers of unarmed task", "task_id", id, "error", cerr)
		}
		if derr := e.store.DeleteTask(id); derr != nil {
			e.logger.Error("removing unarmed task", "task_id", id, "error", derr)
		}
		return storage.Task{}, err
	}
	e.logger.Info("task created", "task_id", id, "owner_id", ownerID, "scheduled_time", at)
	return t, nil
}

// Reschedule moves a task to at, reopening it if it was done. The new
// schedule is persisted first, then both old triggers are cancelled and the
// new ones armed. An empty description keeps the current one.
func (e *Engine) Reschedule(ctx context.Context, taskID int64, description string, at time.Time) (storage.Task, error) {
	if at.Before(e.now()) {
		return storage.Task{}, ErrPastTime
	}

	unlock := e.locks.Lock(taskID)
	defer unlock()

	t, err := e.store.GetTask(taskID)
	if err != nil {
		return storage.Task{}, fmt.Errorf("loading task %d: %w", taskID, err)
	}
	prev := t

	t.Status = storage.StatusPending
	t.ReminderSent = false
	t.FollowupSent = false
	t.ReminderSentAt = time.Time{}
	t.ScheduledTime = at
	if d := strings.TrimSpace(description); d != "" {
		t.Description = d
	}
	if err := e.store.UpdateTask(t); err != nil {
		return prev, fmt.Errorf("updating task %d: %w", taskID, err)
	}
	e.confirms.Forget(taskID)

	// Old triggers that survive a failed cancel carry the old fire time and
	// are dropped as stale when they fire.
	if err := e.cancelAll(ctx, taskID); err != nil {
		e.logger.Error("cancelling old triggers", "task_id", taskID, "error", err)
	}
	if err := e.arm(ctx, t); err != nil {
		return t, err
	}
	e.logger.Info("task rescheduled", "task_id", taskID, "scheduled_time", at)
	return t, nil
}

// Complete cancels the task's triggers and marks it done. Completing a done
// task is a no-op.
func (e *Engine) Complete(ctx context.Context, taskID int64) (storage.Task, error) {
	unlock := e.locks.Lock(taskID)
	defer unlock()

	t, err := e.store.GetTask(taskID)
	if err != nil {
		return storage.Task{}, fmt.Errorf("loading task %d: %w", taskID, err)
	}
	if t.Status == storage.StatusDone {
		return t, nil
	}
	if err := e.cancelAll(ctx, taskID); err != nil {
		return t, err
	}
	t.Status = storage.StatusDone
	if err := e.store.UpdateTask(t); err != nil {
		return t, fmt.Errorf("updating task %d: %w", taskID, err)
	}
	e.confirms.Forget(taskID)
	e.logger.Info("task completed", "task_id", taskID)
	return t, nil
}

// Delete cancels the task's triggers and removes it, whatever its status.
func (e *Engine) Delete(ctx context.Context, taskID int64) (storage.Task, error) {
	unlock := e.locks.Lock(taskID)
	defer unlock()

	t, err := e.store.GetTask(taskID)
	if err != nil {
		return storage.Task{}, fmt.Errorf("loading task %d: %w", taskID, err)
	}
	if err := e.cancelAll(ctx, taskID); err != nil {
		return t, err
	}
	if err := e.store.DeleteTask(taskID); err != nil {
		return t, fmt.Errorf("deleting task %d: %w", taskID, err)
	}
	e.confirms.Forget(taskID)
	e.logger.Info("task deleted", "task_id", taskID)
	return t, nil
}

// Snooze re-arms the follow-up one interval from now without touching the
// task's status. It backs a "no" reply.
func (e *Engine) Snooze(ctx context.Context, taskID int64) (storage.Task, error) {
	unlock := e.locks.Lock(taskID)
	defer unlock()

	t, err := e.store.GetTask(taskID)
	if err != nil {
		return storage.Task{}, fmt.Errorf("loading task %d: %w", taskID, err)
	}
	if t.Status != storage.StatusPending {
		return t, fmt.Errorf("%w: snoozing task %d with status %s", ErrInvariant, taskID, t.Status)
	}

	now := e.now()
	t.ReminderSent = true
	t.FollowupSent = false
	t.ReminderSentAt = now
	if err := e.store.UpdateTask(t); err != nil {
		return t, fmt.Errorf("updating task %d: %w", taskID, err)
	}

	if _, err := e.driver.CancelMatching(ctx, func(tr scheduler.Trigger) bool {
		return tr.TaskID == taskID && tr.Kind == scheduler.KindFollowUp
	}); err != nil {
		return t, fmt.Errorf("cancelling follow-ups for task %d: %w", taskID, err)
	}
	if err := e.schedule(ctx, t, scheduler.NewTrigger(scheduler.KindFollowUp, taskID, now.Add(e.followUp))); err != nil {
		return t, err
	}
	e.logger.Info("follow-up snoozed", "task_id", taskID, "fire_at", now.Add(e.followUp))
	return t, nil
}

// Task loads one task.
func (e *Engine) Task(taskID int64) (storage.Task, error) {
	return e.store.GetTask(taskID)
}

// List returns the owner's tasks ordered by scheduled time.
func (e *Engine) List(ownerID int64) ([]storage.Task, error) {
	return e.store.ListTasksByOwner(ownerID)
}

// Jobs lists the triggers currently registered with the scheduler.
func (e *Engine) Jobs(ctx context.Context) ([]scheduler.Trigger, error) {
	return e.driver.Pending(ctx)
}

// Rearm registers the triggers every pending task should have. It runs at
// startup so an in-memory scheduler picks up tasks created before a restart.
// Returns the number of triggers armed.
func (e *Engine) Rearm(ctx context.Context) (int, error) {
	tasks, err := e.store.ListPendingTasks()
	if err != nil {
		return 0, fmt.Errorf("listing pending tasks: %w", err)
	}

	armed := 0
	var errs []error
	for _, t := range tasks {
		n, err := e.rearmTask(ctx, t.ID)
		armed += n
		if err != nil {
			errs = append(errs, err)
		}
	}
	e.logger.Info("triggers re-armed", "tasks", len(tasks), "triggers", armed)
	return armed, errors.Join(errs...)
}

func (e *Engine) rearmTask(ctx context.Context, taskID int64) (int, error) {
	unlock := e.locks.Lock(taskID)
	defer unlock()

	t, err := e.store.GetTask(taskID)
	if err != nil {
		return 0, fmt.Errorf("loading task %d: %w", taskID, err)
	}
	if t.Status != storage.StatusPending {
		return 0, nil
	}
	if err := e.cancelAll(ctx, taskID); err != nil {
		return 0, err
	}
	triggers := e.expectedTriggers(t)
	for _, tr := range triggers {
		if err := e.schedule(ctx, t, tr); err != nil {
			return 0, err
		}
	}
	return len(triggers), nil
}

// expectedTriggers lists the triggers a task in its current state should have.
func (e *Engine) expectedTriggers(t storage.Task) []scheduler.Trigger {
	if t.Status != storage.StatusPending || t.FollowupSent {
		return nil
	}
	if !t.ReminderSent {
		return []scheduler.Trigger{
			scheduler.NewTrigger(scheduler.KindReminder, t.ID, t.ScheduledTime),
			scheduler.NewTrigger(scheduler.KindFollowUp, t.ID, t.ScheduledTime.Add(e.followUp)),
		}
	}
	base := t.ReminderSentAt
	if base.IsZero() {
		base = t.ScheduledTime
	}
	return []scheduler.Trigger{scheduler.NewTrigger(scheduler.KindFollowUp, t.ID, base.Add(e.followUp))}
}

// arm registers the reminder and follow-up triggers for a freshly scheduled task.
func (e *Engine) arm(ctx context.Context, t storage.Task) error {
	if t.Status != storage.StatusPending {
		return fmt.Errorf("%w: arming task %d with status %s", ErrInvariant, t.ID, t.Status)
	}
	for _, tr := range e.expectedTriggers(t) {
		if err := e.schedule(ctx, t, tr); err != nil {
			return err
		}
	}
	return nil
}

func (e *Engine) schedule(ctx context.Context, t storage.Task, tr scheduler.Trigger) error {
	if t.Status != storage.StatusPending {
		err := fmt.Errorf("%w: scheduling %s for task %d with status %s", ErrInvariant, tr.ID, t.ID, t.Status)
		e.logger.Error("refusing to schedule trigger", "task_id", t.ID, "trigger_id", tr.ID, "error", err)
		return err
	}
	if err := e.driver.Schedule(ctx, tr); err != nil {
		return fmt.Errorf("scheduling %s: %w", tr.ID, err)
	}
	return nil
}

func (e *Engine) cancelAll(ctx context.Context, taskID int64) error {
	if _, err := e.driver.CancelMatching(ctx, scheduler.ForTask(taskID)); err != nil {
		return fmt.Errorf("cancelling triggers for task %d: %w", taskID, err)
	}
	return nil
}

// ownerLocation returns the timezone tasks of ownerID are interpreted in.
func (e *Engine) ownerLocation(ownerID int64) *time.Location {
	u, err := e.store.GetUser(ownerID)
	if err != nil || u.Timezone == "" {
		return e.loc
	}
	if loc, ok := e.zones.Load(u.Timezone); ok {
		return loc.(*time.Location)
	}
	loc, err := time.LoadLocation(u.Timezone)
	if err != nil {
		e.logger.Warn("invalid owner timezone", "owner_id", ownerID, "timezone", u.Timezone, "error", err)
		return e.loc
	}
	e.zones.Store(u.Timezone, loc)
	return loc
}
