// Package intent classifies a line of chat text into a reminder command.
package intent

import "time"

type Kind int

const (
	Unrecognized Kind = iota
	CreateReminder
	EditReminder
	DeleteReminder
	CompleteReminder
	ListReminders
	ConfirmFollowUp
	// UsageError is a recognized command with malformed arguments.
	UsageError
	// Rejected is a recognized command whose time could not be accepted.
	Rejected
)

var kindNames = map[Kind]string{
	Unrecognized:     "unrecognized",
	CreateReminder:   "create",
	EditReminder:     "edit",
	DeleteReminder:   "delete",
	CompleteReminder: "complete",
	ListReminders:    "list",
	ConfirmFollowUp:  "confirm",
	UsageError:       "usage_error",
	Rejected:         "rejected",
}

func (k Kind) String() string {
	if s, ok := kindNames[k]; ok {
		return s
	}
	return "unknown"
}

// Intent is the classified meaning of one chat message.
type Intent struct {
	Kind Kind

	// Description is the task label for CreateReminder.
	Description string
	// Match is the description substring that selects the target task for
	// Edit, Delete and Complete.
	Match string
	// TimePhrase is the normalized time text for Create and Edit.
	TimePhrase string
	// At is the resolved time; set by Interpreter for Create and Edit.
	At time.Time
	// Yes is the answer carried by ConfirmFollowUp.
	Yes bool

	// Reply is the user-facing text for Unrecognized, UsageError and Rejected.
	Reply string
}

const (
	HelpText       = "I didn't understand that. Try 'remind me...', 'edit task...', or 'delete task...'"
	EditUsage      = "Use format: 'Edit <task name> at <new time>'"
	RemindUsage    = "Use format: 'remind me to <task> at <time>'"
	TimeUnclear    = "Sorry, I couldn't understand the time you provided."
	TimeInPast     = "That time already passed. Try 'in 1 minute' instead."
	editTimeFormat = "Could not parse the time '%s'. Try something like 'Edit laundry at 9:00pm'."
)
