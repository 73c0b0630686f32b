package timephrase

import (
	"errors"
	"fmt"
	"regexp"
	"strings"
	"time"

	"github.com/olebedev/when"
	"github.com/olebedev/when/rules/common"
	"github.com/olebedev/when/rules/en"
)

// ErrUnresolved is returned when a phrase contains no recognizable time.
var ErrUnresolved = errors.New("time phrase not understood")

// Resolver maps a phrase to an absolute time. base carries both "now" and the
// owner's timezone.
type Resolver interface {
	Resolve(phrase string, base time.Time) (time.Time, error)
}

var meridiem = strings.NewReplacer("a.m.", "am", "p.m.", "pm", "A.M.", "am", "P.M.", "pm")

// clockOnly matches phrases that name a time of day and nothing else.
var clockOnly = regexp.MustCompile(`(?i)^\s*\d{1,2}(:\d{2})?\s*(am|pm)?\s*$`)

// WhenResolver resolves English date expressions with github.com/olebedev/when.
type WhenResolver struct {
	parser *when.Parser
	// BiasFuture moves bare clock times that already passed today to tomorrow.
	BiasFuture bool
}

func NewWhenResolver() *WhenResolver {
	p := when.New(nil)
	p.Add(en.All...)
	p.Add(common.All...)
	return &WhenResolver{parser: p, BiasFuture: true}
}

func (r *WhenResolver) Resolve(phrase string, base time.Time) (time.Time, error) {
	phrase = strings.TrimSpace(phrase)
	if phrase == "" {
		return time.Time{}, ErrUnresolved
	}
	phrase = meridiem.Replace(phrase)
	res, err := r.parser.Parse(phrase, base)
	if err != nil {
		return time.Time{}, fmt.Errorf("parsing %q: %w", phrase, err)
	}
	if res == nil {
		return time.Time{}, ErrUnresolved
	}

	t := res.Time.In(base.Location()).Truncate(time.Second)
	if clockOnly.MatchString(phrase) {
		t = t.Truncate(time.Minute)
		if r.BiasFuture && t.Before(base) {
			t = t.AddDate(0, 0, 1)
		}
	}
	return t, nil
}
