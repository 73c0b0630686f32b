package storage

import (
	"errors"
	"time"
)

// ErrNotFound is returned when a requested record does not exist.
var ErrNotFound = errors.New("not found")

// Task statuses.
const (
	StatusPending = "pending"
	StatusDone    = "done"
)

type User struct {
	ID        int64
	ChatID    string
	Name      string
	Timezone  string // IANA name; empty means the configured default
	CreatedAt time.Time
}

type Task struct {
	ID             int64
	OwnerID        int64
	Description    string
	ScheduledTime  time.Time
	Status         string // "pending", "done"
	ReminderSent   bool
	FollowupSent   bool
	ReminderSentAt time.Time // zero when nothing has fired for the current schedule
	CreatedAt      time.Time
}

// Trigger is a persisted one-shot timed event, used by the poll scheduler driver.
type Trigger struct {
	ID        string
	Kind      string
	TaskID    int64
	FireAt    time.Time
	CreatedAt time.Time
}

// Delivery records one outbound message attempt.
type Delivery struct {
	ID        string
	OwnerID   int64
	TaskID    int64 // 0 for chat replies not tied to a task
	Kind      string
	Text      string
	OK        bool
	Error     string
	CreatedAt time.Time
}
