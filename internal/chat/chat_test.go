package chat

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/kalambet/remindme/internal/identity"
	"github.com/kalambet/remindme/internal/notify"
)

type echoEngine struct {
	mu    sync.Mutex
	calls []string
}

func (e *echoEngine) Handle(_ context.Context, ownerID int64, text string) string {
	e.mu.Lock()
	defer e.mu.Unlock()
	e.calls = append(e.calls, text)
	return "ok: " + text
}

type fakeOwners struct {
	linked     map[string]int64
	registered []string
}

func (f *fakeOwners) ResolveOwner(_ context.Context, chatID string) (int64, error) {
	if id, ok := f.linked[chatID]; ok {
		return id, nil
	}
	return 0, identity.ErrUnknownOwner
}

func (f *fakeOwners) Register(_ context.Context, chatID, name, _ string) (int64, error) {
	f.registered = append(f.registered, chatID+":"+name)
	id := int64(100 + len(f.registered))
	f.linked[chatID] = id
	return id, nil
}

type recordingDeliverer struct{ msgs []notify.Message }

func (d *recordingDeliverer) Deliver(_ context.Context, m notify.Message) error {
	d.msgs = append(d.msgs, m)
	return nil
}

type recordingSender struct{ sent []string }

func (s *recordingSender) SendMessage(_ context.Context, chatID, text string) error {
	s.sent = append(s.sent, chatID+"|"+text)
	return nil
}

func update(id, chatID int64, text string) notify.Update {
	return notify.Update{
		UpdateID: id,
		Message: &notify.ChatMessage{
			From: &notify.TelegramUser{ID: chatID, FirstName: "Ana"},
			Chat: notify.ChatInfo{ID: chatID},
			Text: text,
		},
	}
}

func TestHandleUpdate_LinkedOwner(t *testing.T) {
	eng := &echoEngine{}
	owners := &fakeOwners{linked: map[string]int64{"42": 7}}
	del := &recordingDeliverer{}
	h := NewHandler(eng, owners, del, &recordingSender{}, false)

	require.NoError(t, h.HandleUpdate(context.Background(), update(1, 42, "list reminders")))

	require.Len(t, del.msgs, 1)
	assert.Equal(t, notify.Message{OwnerID: 7, Kind: notify.KindReply, Text: "ok: list reminders"}, del.msgs[0])
}

func TestHandleUpdate_UnlinkedChat(t *testing.T) {
	eng := &echoEngine{}
	sender := &recordingSender{}
	h := NewHandler(eng, &fakeOwners{linked: map[string]int64{}}, &recordingDeliverer{}, sender, false)

	require.NoError(t, h.HandleUpdate(context.Background(), update(1, 55, "yes")))

	assert.Empty(t, eng.calls)
	assert.Equal(t, []string{"55|Your chat is not linked yet. Ask the operator to add chat id 55."}, sender.sent)
}

func TestHandleUpdate_AutoRegister(t *testing.T) {
	eng := &echoEngine{}
	owners := &fakeOwners{linked: map[string]int64{}}
	del := &recordingDeliverer{}
	h := NewHandler(eng, owners, del, &recordingSender{}, true)

	require.NoError(t, h.HandleUpdate(context.Background(), update(1, 55, "my tasks")))

	assert.Equal(t, []string{"55:Ana"}, owners.registered)
	require.Len(t, del.msgs, 1)
	assert.Equal(t, int64(101), del.msgs[0].OwnerID)
}

func TestHandleUpdate_IgnoresEmpty(t *testing.T) {
	eng := &echoEngine{}
	h := NewHandler(eng, &fakeOwners{linked: map[string]int64{}}, &recordingDeliverer{}, &recordingSender{}, false)

	require.NoError(t, h.HandleUpdate(context.Background(), notify.Update{UpdateID: 1}))
	require.NoError(t, h.HandleUpdate(context.Background(), update(2, 42, "   ")))
	assert.Empty(t, eng.calls)
}

type scriptedSource struct {
	mu      sync.Mutex
	batches [][]notify.Update
	offsets []int64
	failed  bool
}

func (s *scriptedSource) GetUpdates(ctx context.Context, offset int64, _ time.Duration) ([]notify.Update, error) {
	s.mu.Lock()
	s.offsets = append(s.offsets, offset)
	if !s.failed {
		s.failed = true
		s.mu.Unlock()
		return nil, errors.New("temporary failure")
	}
	if len(s.batches) > 0 {
		b := s.batches[0]
		s.batches = s.batches[1:]
		s.mu.Unlock()
		return b, nil
	}
	s.mu.Unlock()
	<-ctx.Done()
	return nil, ctx.Err()
}

func TestPoller_AdvancesOffsetAndRecovers(t *testing.T) {
	eng := &echoEngine{}
	owners := &fakeOwners{linked: map[string]int64{"42": 7}}
	src := &scriptedSource{batches: [][]notify.Update{
		{update(10, 42, "a"), update(11, 42, "b")},
		{update(12, 42, "c")},
	}}
	p := NewPoller(src, NewHandler(eng, owners, &recordingDeliverer{}, &recordingSender{}, false), time.Second)
	p.backoff = time.Millisecond

	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan error, 1)
	go func() { done <- p.Run(ctx) }()

	assert.Eventually(t, func() bool {
		eng.mu.Lock()
		defer eng.mu.Unlock()
		return len(eng.calls) == 3
	}, 2*time.Second, 5*time.Millisecond)
	cancel()
	require.NoError(t, <-done)

	src.mu.Lock()
	defer src.mu.Unlock()
	require.GreaterOrEqual(t, len(src.offsets), 3)
	assert.Equal(t, []int64{0, 0, 12}, src.offsets[:3])
}
