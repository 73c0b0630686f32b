package intent

import (
	"regexp"
	"strings"

	"github.com/kalambet/remindme/internal/timephrase"
)

var listPhrases = map[string]bool{
	"what are my tasks":  true,
	"list all tasks":     true,
	"show my reminders":  true,
	"list all reminders": true,
	"list reminders":     true,
	"my tasks":           true,
}

var editPattern = regexp.MustCompile(`^edit (.+?) (?:at|to) (.+)$`)

// Parse classifies text without resolving times. Matching is case-insensitive
// and extracted fields are lower-cased.
func Parse(text string) Intent {
	lower := strings.ToLower(strings.TrimSpace(text))

	switch {
	case lower == "yes" || lower == "no":
		return Intent{Kind: ConfirmFollowUp, Yes: lower == "yes"}

	case listPhrases[lower]:
		return Intent{Kind: ListReminders}

	case strings.HasPrefix(lower, "delete "):
		return matchIntent(DeleteReminder, lower[len("delete "):])

	case strings.HasPrefix(lower, "edit "):
		m := editPattern.FindStringSubmatch(lower)
		if m == nil {
			return Intent{Kind: UsageError, Reply: EditUsage}
		}
		return Intent{
			Kind:       EditReminder,
			Match:      strings.TrimSpace(m[1]),
			TimePhrase: timephrase.Normalize(strings.TrimSpace(m[2])),
		}

	case strings.HasPrefix(lower, "complete "):
		return matchIntent(CompleteReminder, lower[len("complete "):])

	case strings.HasPrefix(lower, "remind me"):
		return parseRemind(lower)
	}

	return Intent{Kind: Unrecognized, Reply: HelpText}
}

func matchIntent(kind Kind, rest string) Intent {
	match := strings.TrimSpace(rest)
	if match == "" {
		return Intent{Kind: Unrecognized, Reply: HelpText}
	}
	return Intent{Kind: kind, Match: match}
}

// parseRemind splits "remind me ... to <description> at <time>". The first
// " to " starts the description and the last " at " starts the time.
func parseRemind(lower string) Intent {
	_, rest, ok := strings.Cut(lower, " to ")
	if !ok {
		return Intent{Kind: Unrecognized, Reply: HelpText}
	}

	desc, phrase := rest, timephrase.EndOfDay
	if i := strings.LastIndex(rest, " at "); i >= 0 {
		desc = rest[:i]
		phrase = timephrase.Normalize(strings.TrimSpace(rest[i+len(" at "):]))
	}
	desc = strings.TrimSpace(desc)
	if desc == "" || phrase == "" {
		return Intent{Kind: UsageError, Reply: RemindUsage}
	}

	return Intent{Kind: CreateReminder, Description: desc, TimePhrase: phrase}
}
