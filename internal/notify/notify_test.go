package notify

import (
	"context"
	"errors"
	"testing"

	"github.com/kalambet/remindme/internal/storage"
)

type fakeSender struct {
	chatID, text string
	err          error
}

func (f *fakeSender) SendMessage(_ context.Context, chatID, text string) error {
	f.chatID, f.text = chatID, text
	return f.err
}

func openStore(t *testing.T) *storage.Store {
	t.Helper()
	s, err := storage.Open(":memory:")
	if err != nil {
		t.Fatalf("Open: %v", err)
	}
	t.Cleanup(func() { s.Close() })
	return s
}

func TestChatDeliverer_SendsAndRecords(t *testing.T) {
	store := openStore(t)
	owner, err := store.CreateUser(storage.User{ChatID: "42", Name: "ana"})
	if err != nil {
		t.Fatalf("CreateUser: %v", err)
	}
	sender := &fakeSender{}
	d := NewChatDeliverer(sender, store, nil)

	err = d.Deliver(context.Background(), Message{OwnerID: owner, TaskID: 3, Kind: KindReminder, Text: "Reminder: 'x'"})
	if err != nil {
		t.Fatalf("Deliver: %v", err)
	}
	if sender.chatID != "42" || sender.text != "Reminder: 'x'" {
		t.Errorf("sent to %q: %q", sender.chatID, sender.text)
	}

	log, err := store.ListDeliveries(10)
	if err != nil {
		t.Fatalf("ListDeliveries: %v", err)
	}
	if len(log) != 1 || !log[0].OK || log[0].TaskID != 3 || log[0].Kind != KindReminder {
		t.Errorf("delivery log = %+v", log)
	}
	if log[0].ID == "" {
		t.Error("delivery id is empty")
	}
}

func TestChatDeliverer_FailureIsRecordedAndReturned(t *testing.T) {
	store := openStore(t)
	owner, _ := store.CreateUser(storage.User{ChatID: "42"})
	sender := &fakeSender{err: errors.New("network down")}
	d := NewChatDeliverer(sender, store, nil)

	err := d.Deliver(context.Background(), Message{OwnerID: owner, Kind: KindFollowUp, Text: "?"})
	if err == nil {
		t.Fatal("expected delivery error")
	}

	log, _ := store.ListDeliveries(10)
	if len(log) != 1 || log[0].OK || log[0].Error != "network down" {
		t.Errorf("delivery log = %+v", log)
	}
}

func TestChatDeliverer_UnknownOwner(t *testing.T) {
	store := openStore(t)
	d := NewChatDeliverer(&fakeSender{}, store, nil)

	err := d.Deliver(context.Background(), Message{OwnerID: 99, Kind: KindReply, Text: "hi"})
	if !errors.Is(err, storage.ErrNotFound) {
		t.Errorf("err = %v, want ErrNotFound", err)
	}
}

func TestLogSender(t *testing.T) {
	if err := (LogSender{}).SendMessage(context.Background(), "1", "hi"); err != nil {
		t.Errorf("LogSender: %v", err)
	}
}
