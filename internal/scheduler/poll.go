package scheduler

import (
	"context"
	"fmt"
	"log/slog"
	"time"

	"github.com/kalambet/remindme/internal/storage"
)

// TriggerStore abstracts the persisted trigger table.
type TriggerStore interface {
	SaveTrigger(t storage.Trigger) error
	DeleteTrigger(id string) error
	ListTriggers() ([]storage.Trigger, error)
	ClaimDueTriggers(now time.Time, limit int) ([]storage.Trigger, error)
}

const claimBatch = 50

// PollDriver persists triggers in SQLite and polls for due ones. Triggers
// survive restarts; a trigger is deleted when claimed, so it fires at most once.
type PollDriver struct {
	store   TriggerStore
	handler Handler
	poll    time.Duration
	now     func() time.Time
	logger  *slog.Logger
}

// NewPollDriver creates a PollDriver. If pollInterval is <= 0, it defaults to 5s.
func NewPollDriver(store TriggerStore, handler Handler, pollInterval time.Duration) *PollDriver {
	if pollInterval <= 0 {
		pollInterval = 5 * time.Second
	}
	return &PollDriver{
		store:   store,
		handler: handler,
		poll:    pollInterval,
		now:     time.Now,
		logger:  slog.Default(),
	}
}

func (d *PollDriver) Schedule(_ context.Context, t Trigger) error {
	if t.ID == "" {
		return fmt.Errorf("scheduling trigger: empty id")
	}
	return d.store.SaveTrigger(storage.Trigger{
		ID:     t.ID,
		Kind:   string(t.Kind),
		TaskID: t.TaskID,
		FireAt: t.FireAt,
	})
}

func (d *PollDriver) Cancel(_ context.Context, id string) error {
	return d.store.DeleteTrigger(id)
}

func (d *PollDriver) CancelMatching(ctx context.Context, match func(Trigger) bool) (int, error) {
	pending, err := d.Pending(ctx)
	if err != nil {
		return 0, err
	}
	n := 0
	for _, t := range pending {
		if !match(t) {
			continue
		}
		if err := d.store.DeleteTrigger(t.ID); err != nil {
			return n, fmt.Errorf("cancelling trigger %s: %w", t.ID, err)
		}
		n++
	}
	return n, nil
}

func (d *PollDriver) Pending(_ context.Context) ([]Trigger, error) {
	rows, err := d.store.ListTriggers()
	if err != nil {
		return nil, fmt.Errorf("listing triggers: %w", err)
	}
	out := make([]Trigger, len(rows))
	for i, r := range rows {
		out[i] = fromStorage(r)
	}
	return out, nil
}

// Run polls for due triggers until ctx is cancelled.
func (d *PollDriver) Run(ctx context.Context) error {
	for {
		if ctx.Err() != nil {
			return nil
		}

		n, err := d.RunOnce(ctx)
		if err != nil {
			d.logger.Error("trigger poll failed", "error", err)
		}
		if n == claimBatch {
			continue
		}

		select {
		case <-ctx.Done():
			return nil
		case <-time.After(d.poll):
		}
	}
}

// RunOnce claims one batch of due triggers and fires them in order.
// Returns the number of triggers fired.
func (d *PollDriver) RunOnce(ctx context.Context) (int, error) {
	claimed, err := d.store.ClaimDueTriggers(d.now(), claimBatch)
	if err != nil {
		return 0, fmt.Errorf("claiming triggers: %w", err)
	}
	for _, r := range claimed {
		d.handler(ctx, fromStorage(r))
	}
	return len(claimed), nil
}

func fromStorage(r storage.Trigger) Trigger {
	return Trigger{ID: r.ID, Kind: Kind(r.Kind), TaskID: r.TaskID, FireAt: r.FireAt}
}
