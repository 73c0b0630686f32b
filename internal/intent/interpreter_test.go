package intent

import (
	"errors"
	"fmt"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/kalambet/remindme/internal/timephrase"
)

type stubResolver struct {
	times map[string]time.Time
	err   error
	bases []time.Time
}

func (s *stubResolver) Resolve(phrase string, base time.Time) (time.Time, error) {
	s.bases = append(s.bases, base)
	if s.err != nil {
		return time.Time{}, s.err
	}
	t, ok := s.times[phrase]
	if !ok {
		return time.Time{}, timephrase.ErrUnresolved
	}
	return t, nil
}

func TestInterpret_ResolvesCreate(t *testing.T) {
	loc := time.FixedZone("ECT", -5*3600)
	now := time.Date(2024, 1, 1, 8, 0, 0, 0, loc)
	at := time.Date(2024, 1, 1, 21, 0, 0, 0, loc)
	res := &stubResolver{times: map[string]time.Time{"9pm": at}}
	in := NewInterpreter(res, func() time.Time { return now.UTC() })

	got := in.Interpret("remind me to call mom at 9pm", Owner{ID: 1, Location: loc})

	require.Equal(t, CreateReminder, got.Kind)
	assert.Equal(t, "call mom", got.Description)
	assert.True(t, got.At.Equal(at))
	require.Len(t, res.bases, 1)
	assert.Equal(t, loc, res.bases[0].Location(), "resolution happens in the owner's timezone")
}

func TestInterpret_RejectsPastTime(t *testing.T) {
	now := time.Date(2024, 1, 1, 8, 0, 0, 0, time.UTC)
	res := &stubResolver{times: map[string]time.Time{"7am": now.Add(-time.Hour)}}
	in := NewInterpreter(res, func() time.Time { return now })

	got := in.Interpret("remind me to run at 7am", Owner{ID: 1, Location: time.UTC})
	assert.Equal(t, Intent{Kind: Rejected, Reply: TimeInPast}, got)

	got = in.Interpret("edit run at 7am", Owner{ID: 1, Location: time.UTC})
	assert.Equal(t, Intent{Kind: Rejected, Reply: TimeInPast}, got)
}

func TestInterpret_NowIsAccepted(t *testing.T) {
	now := time.Date(2024, 1, 1, 8, 0, 0, 0, time.UTC)
	res := &stubResolver{times: map[string]time.Time{"now": now}}
	in := NewInterpreter(res, func() time.Time { return now })

	got := in.Interpret("remind me to run at now", Owner{ID: 1, Location: time.UTC})
	assert.Equal(t, CreateReminder, got.Kind, "only strictly past times are rejected")
}

func TestInterpret_UnresolvedTime(t *testing.T) {
	now := time.Date(2024, 1, 1, 8, 0, 0, 0, time.UTC)
	in := NewInterpreter(&stubResolver{}, func() time.Time { return now })

	got := in.Interpret("remind me to run at someday", Owner{ID: 1})
	assert.Equal(t, Intent{Kind: Rejected, Reply: TimeUnclear}, got)

	got = in.Interpret("edit run at someday", Owner{ID: 1})
	assert.Equal(t, Intent{Kind: Rejected, Reply: fmt.Sprintf(editTimeFormat, "someday")}, got)
}

func TestInterpret_ResolverFailureIsUserFacing(t *testing.T) {
	in := NewInterpreter(&stubResolver{err: errors.New("boom")}, nil)

	got := in.Interpret("remind me to run at 5pm", Owner{ID: 1})
	assert.Equal(t, Rejected, got.Kind)
	assert.Equal(t, TimeUnclear, got.Reply)
}

func TestInterpret_PassesThroughOtherKinds(t *testing.T) {
	res := &stubResolver{}
	in := NewInterpreter(res, nil)

	got := in.Interpret("delete laundry", Owner{ID: 1})
	assert.Equal(t, DeleteReminder, got.Kind)
	assert.Empty(t, res.bases, "no resolution for non-time intents")
}
