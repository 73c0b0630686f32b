package intent

import (
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/kalambet/remindme/internal/timephrase"
)

// Owner is the context a message is interpreted in.
type Owner struct {
	ID       int64
	Location *time.Location
}

// Interpreter turns chat text into an Intent with its time resolved in the
// owner's timezone.
type Interpreter struct {
	resolver timephrase.Resolver
	now      func() time.Time
	logger   *slog.Logger
}

// NewInterpreter creates an Interpreter. A nil now defaults to time.Now.
func NewInterpreter(resolver timephrase.Resolver, now func() time.Time) *Interpreter {
	if now == nil {
		now = time.Now
	}
	return &Interpreter{resolver: resolver, now: now, logger: slog.Default()}
}

// Interpret parses text and, for Create and Edit, resolves the time phrase.
// A phrase that cannot be resolved, or that lands strictly before now, turns
// the intent into Rejected with a reply for the user.
func (i *Interpreter) Interpret(text string, owner Owner) Intent {
	in := Parse(text)
	if in.Kind != CreateReminder && in.Kind != EditReminder {
		return in
	}

	loc := owner.Location
	if loc == nil {
		loc = time.Local
	}
	now := i.now().In(loc)

	at, err := i.resolver.Resolve(in.TimePhrase, now)
	if err != nil {
		if !errors.Is(err, timephrase.ErrUnresolved) {
			i.logger.Warn("time resolver failed", "phrase", in.TimePhrase, "owner_id", owner.ID, "error", err)
		}
		reply := TimeUnclear
		if in.Kind == EditReminder {
			reply = fmt.Sprintf(editTimeFormat, in.TimePhrase)
		}
		return Intent{Kind: Rejected, Reply: reply}
	}
	if at.Before(now) {
		return Intent{Kind: Rejected, Reply: TimeInPast}
	}

	in.At = at
	return in
}
