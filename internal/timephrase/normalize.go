// Package timephrase turns the free-text time part of a chat command into a
// timestamp. Normalize fixes up shorthand clock tokens; Resolver hands the
// result to a natural-language date parser.
package timephrase

import (
	"regexp"
	"strings"
)

// EndOfDay is the phrase used when a command names no time at all.
const EndOfDay = "11:59 pm"

var compactClock = regexp.MustCompile(`(?i)^(\d{1,2})(\d{2})\s*(am|pm)$`)

// Normalize inserts the missing colon in compact clock times such as
// "1118 pm" or "930a.m." so the resolver reads them as "11:18 pm" and
// "9:30 am". Anything else is returned unchanged.
func Normalize(raw string) string {
	m := compactClock.FindStringSubmatch(strings.ReplaceAll(raw, ".", ""))
	if m == nil {
		return raw
	}
	return m[1] + ":" + m[2] + " " + m[3]
}
