package scheduler

import (
	"container/heap"
	"context"
	"fmt"
	"log/slog"
	"sort"
	"sync"
	"time"

	"github.com/sourcegraph/conc"
	"github.com/sourcegraph/conc/panics"
)

// TimerDriver keeps triggers in memory and sleeps until the earliest is due.
// Each fired trigger runs its handler on a separate goroutine.
type TimerDriver struct {
	handler Handler
	now     func() time.Time
	logger  *slog.Logger

	mu    sync.Mutex
	queue triggerHeap
	byID  map[string]*queued
	wake  chan struct{}
	wg    conc.WaitGroup
}

type queued struct {
	trigger Trigger
	index   int
}

// NewTimerDriver creates a TimerDriver that passes fired triggers to handler.
func NewTimerDriver(handler Handler) *TimerDriver {
	return &TimerDriver{
		handler: handler,
		now:     time.Now,
		logger:  slog.Default(),
		byID:    make(map[string]*queued),
		wake:    make(chan struct{}, 1),
	}
}

func (d *TimerDriver) Schedule(_ context.Context, t Trigger) error {
	if t.ID == "" {
		return fmt.Errorf("scheduling trigger: empty id")
	}
	d.mu.Lock()
	if q, ok := d.byID[t.ID]; ok {
		q.trigger = t
		heap.Fix(&d.queue, q.index)
	} else {
		q := &queued{trigger: t}
		heap.Push(&d.queue, q)
		d.byID[t.ID] = q
	}
	d.mu.Unlock()
	d.poke()
	return nil
}

func (d *TimerDriver) Cancel(_ context.Context, id string) error {
	d.mu.Lock()
	defer d.mu.Unlock()
	d.removeLocked(id)
	return nil
}

func (d *TimerDriver) CancelMatching(_ context.Context, match func(Trigger) bool) (int, error) {
	d.mu.Lock()
	defer d.mu.Unlock()
	var ids []string
	for id, q := range d.byID {
		if match(q.trigger) {
			ids = append(ids, id)
		}
	}
	for _, id := range ids {
		d.removeLocked(id)
	}
	return len(ids), nil
}

func (d *TimerDriver) Pending(_ context.Context) ([]Trigger, error) {
	d.mu.Lock()
	out := make([]Trigger, 0, len(d.byID))
	for _, q := range d.byID {
		out = append(out, q.trigger)
	}
	d.mu.Unlock()
	sortTriggers(out)
	return out, nil
}

func (d *TimerDriver) removeLocked(id string) {
	q, ok := d.byID[id]
	if !ok {
		return
	}
	heap.Remove(&d.queue, q.index)
	delete(d.byID, id)
}

func (d *TimerDriver) poke() {
	select {
	case d.wake <- struct{}{}:
	default:
	}
}

// Run sleeps until the next trigger is due, fires every due trigger, and
// repeats until ctx is cancelled. It waits for in-flight handlers before
// returning.
func (d *TimerDriver) Run(ctx context.Context) error {
	defer d.wg.Wait()

	timer := time.NewTimer(time.Hour)
	defer timer.Stop()

	for {
		due, next := d.popDue()
		for _, t := range due {
			d.fire(ctx, t)
		}

		wait := time.Hour
		if !next.IsZero() {
			wait = next.Sub(d.now())
			if wait < 0 {
				wait = 0
			}
		}
		if !timer.Stop() {
			select {
			case <-timer.C:
			default:
			}
		}
		timer.Reset(wait)

		select {
		case <-ctx.Done():
			return nil
		case <-d.wake:
		case <-timer.C:
		}
	}
}

// popDue removes and returns triggers due now, plus the fire time of the
// next remaining trigger (zero if none).
func (d *TimerDriver) popDue() ([]Trigger, time.Time) {
	d.mu.Lock()
	defer d.mu.Unlock()

	now := d.now()
	var due []Trigger
	for d.queue.Len() > 0 {
		q := d.queue[0]
		if q.trigger.FireAt.After(now) {
			return due, q.trigger.FireAt
		}
		heap.Pop(&d.queue)
		delete(d.byID, q.trigger.ID)
		due = append(due, q.trigger)
	}
	return due, time.Time{}
}

func (d *TimerDriver) fire(ctx context.Context, t Trigger) {
	d.wg.Go(func() {
		var pc panics.Catcher
		pc.Try(func() { d.handler(ctx, t) })
		if r := pc.Recovered(); r != nil {
			d.logger.Error("trigger handler panicked", "trigger_id", t.ID, "error", r.AsError())
		}
	})
}

func sortTriggers(ts []Trigger) {
	sort.Slice(ts, func(i, j int) bool {
		if !ts[i].FireAt.Equal(ts[j].FireAt) {
			return ts[i].FireAt.Before(ts[j].FireAt)
		}
		return ts[i].ID < ts[j].ID
	})
}

// triggerHeap is a min-heap on fire time.
type triggerHeap []*queued

func (h triggerHeap) Len() int { return len(h) }

func (h triggerHeap) Less(i, j int) bool {
	if !h[i].trigger.FireAt.Equal(h[j].trigger.FireAt) {
		return h[i].trigger.FireAt.Before(h[j].trigger.FireAt)
	}
	return h[i].trigger.ID < h[j].trigger.ID
}

func (h triggerHeap) Swap(i, j int) {
	h[i], h[j] = h[j], h[i]
	h[i].index = i
	h[j].index = j
}

func (h *triggerHeap) Push(x any) {
	q := x.(*queued)
	q.index = len(*h)
	*h = append(*h, q)
}

func (h *triggerHeap) Pop() any {
	old := *h
	n := len(old)
	q := old[n-1]
	old[n-1] = nil
	q.index = -1
	*h = old[:n-1]
	return q
}
