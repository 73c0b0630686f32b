package reminder

import (
	"context"
	"sort"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/kalambet/remindme/internal/notify"
	"github.com/kalambet/remindme/internal/scheduler"
	"github.com/kalambet/remindme/internal/storage"
)

type clock struct {
	mu sync.Mutex
	t  time.Time
}

func (c *clock) Now() time.Time {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.t
}

func (c *clock) Set(t time.Time) {
	c.mu.Lock()
	c.t = t
	c.mu.Unlock()
}

func (c *clock) Advance(d time.Duration) {
	c.mu.Lock()
	c.t = c.t.Add(d)
	c.mu.Unlock()
}

// fakeDriver records triggers without firing them; tests fire by hand.
type fakeDriver struct {
	mu          sync.Mutex
	triggers    map[string]scheduler.Trigger
	scheduleErr error
}

func newFakeDriver() *fakeDriver {
	return &fakeDriver{triggers: make(map[string]scheduler.Trigger)}
}

func (d *fakeDriver) Schedule(_ context.Context, t scheduler.Trigger) error {
	d.mu.Lock()
	defer d.mu.Unlock()
	if d.scheduleErr != nil && t.Kind == scheduler.KindFollowUp {
		return d.scheduleErr
	}
	d.triggers[t.ID] = t
	return nil
}

func (d *fakeDriver) failSchedules(err error) {
	d.mu.Lock()
	d.scheduleErr = err
	d.mu.Unlock()
}

func (d *fakeDriver) Cancel(_ context.Context, id string) error {
	d.mu.Lock()
	delete(d.triggers, id)
	d.mu.Unlock()
	return nil
}

func (d *fakeDriver) CancelMatching(_ context.Context, match func(scheduler.Trigger) bool) (int, error) {
	d.mu.Lock()
	defer d.mu.Unlock()
	n := 0
	for id, t := range d.triggers {
		if match(t) {
			delete(d.triggers, id)
			n++
		}
	}
	return n, nil
}

func (d *fakeDriver) Pending(_ context.Context) ([]scheduler.Trigger, error) {
	d.mu.Lock()
	defer d.mu.Unlock()
	out := make([]scheduler.Trigger, 0, len(d.triggers))
	for _, t := range d.triggers {
		out = append(out, t)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].FireAt.Before(out[j].FireAt) })
	return out, nil
}

func (d *fakeDriver) Run(ctx context.Context) error {
	<-ctx.Done()
	return nil
}

func (d *fakeDriver) forTask(id int64) []scheduler.Trigger {
	all, _ := d.Pending(context.Background())
	var out []scheduler.Trigger
	for _, t := range all {
		if t.TaskID == id {
			out = append(out, t)
		}
	}
	return out
}

type outbox struct {
	mu   sync.Mutex
	sent []notify.Message
	err  error
}

func (o *outbox) Deliver(_ context.Context, m notify.Message) error {
	o.mu.Lock()
	defer o.mu.Unlock()
	o.sent = append(o.sent, m)
	return o.err
}

func (o *outbox) messages() []notify.Message {
	o.mu.Lock()
	defer o.mu.Unlock()
	return append([]notify.Message(nil), o.sent...)
}

type env struct {
	eng    *Engine
	store  *storage.Store
	driver *fakeDriver
	out    *outbox
	clock  *clock
	owner  int64
}

// start is 2024-01-01 08:00 UTC.
var start = time.Date(2024, 1, 1, 8, 0, 0, 0, time.UTC)

func newEnv(t *testing.T) *env {
	t.Helper()
	store, err := storage.Open(":memory:")
	require.NoError(t, err)
	t.Cleanup(func() { store.Close() })

	owner, err := store.CreateUser(storage.User{ChatID: "42", Name: "ana"})
	require.NoError(t, err)

	e := &env{
		store:  store,
		driver: newFakeDriver(),
		out:    &outbox{},
		clock:  &clock{t: start},
		owner:  owner,
	}
	e.eng, err = New(Options{
		Store:     store,
		Driver:    e.driver,
		Deliverer: e.out,
		Location:  time.UTC,
		Now:       e.clock.Now,
	})
	require.NoError(t, err)
	return e
}

// fire drops tr from the driver and hands it to the engine, as a driver does.
func (e *env) fire(ctx context.Context, tr scheduler.Trigger) {
	_ = e.driver.Cancel(ctx, tr.ID)
	e.eng.Fire(ctx, tr)
}

func (e *env) task(t *testing.T, id int64) storage.Task {
	t.Helper()
	task, err := e.store.GetTask(id)
	require.NoError(t, err)
	return task
}

func (e *env) onlyTask(t *testing.T) storage.Task {
	t.Helper()
	tasks, err := e.store.ListTasksByOwner(e.owner)
	require.NoError(t, err)
	require.Len(t, tasks, 1)
	return tasks[0]
}

func (e *env) trigger(t *testing.T, taskID int64, kind scheduler.Kind) scheduler.Trigger {
	t.Helper()
	for _, tr := range e.driver.forTask(taskID) {
		if tr.Kind == kind {
			return tr
		}
	}
	t.Fatalf("no %s trigger for task %d", kind, taskID)
	return scheduler.Trigger{}
}

// assertDoneHasNoTriggers checks that no done task has a registered trigger.
func (e *env) assertDoneHasNoTriggers(t *testing.T) {
	t.Helper()
	tasks, err := e.store.ListTasks()
	require.NoError(t, err)
	for _, task := range tasks {
		if task.Status == storage.StatusDone {
			assert.Empty(t, e.driver.forTask(task.ID), "done task %d has triggers", task.ID)
		}
	}
}

func assertTime(t *testing.T, want, got time.Time, msg ...any) {
	t.Helper()
	assert.Truef(t, want.Equal(got), "want %s, got %s %v", want, got, msg)
}
