package notify

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"
)

func TestSendMessage(t *testing.T) {
	var got sendMessageRequest
	var path string
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		path = r.URL.Path
		json.NewDecoder(r.Body).Decode(&got)
		w.Write([]byte(`{"ok":true,"result":{"message_id":1}}`))
	}))
	defer srv.Close()

	c := NewTelegram(srv.URL, "TOKEN")
	if err := c.SendMessage(context.Background(), "42", "Reminder: 'call mom'"); err != nil {
		t.Fatalf("SendMessage: %v", err)
	}
	if path != "/botTOKEN/sendMessage" {
		t.Errorf("path = %q, want /botTOKEN/sendMessage", path)
	}
	if got.ChatID != "42" || got.Text != "Reminder: 'call mom'" {
		t.Errorf("request = %+v", got)
	}
}

func TestSendMessage_APIError(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusBadRequest)
		w.Write([]byte(`{"ok":false,"description":"Bad Request: chat not found"}`))
	}))
	defer srv.Close()

	c := NewTelegram(srv.URL, "TOKEN")
	err := c.SendMessage(context.Background(), "42", "hi")
	if err == nil {
		t.Fatal("expected error for 400 response")
	}
}

func TestGetUpdates(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.URL.Query().Get("offset") != "7" {
			t.Errorf("offset = %q, want 7", r.URL.Query().Get("offset"))
		}
		if r.URL.Query().Get("timeout") != "30" {
			t.Errorf("timeout = %q, want 30", r.URL.Query().Get("timeout"))
		}
		w.Write([]byte(`{"ok":true,"result":[
			{"update_id":7,"message":{"message_id":3,"from":{"id":42,"first_name":"Ana"},"chat":{"id":42},"text":"yes"}},
			{"update_id":8}
		]}`))
	}))
	defer srv.Close()

	c := NewTelegram(srv.URL, "TOKEN")
	updates, err := c.GetUpdates(context.Background(), 7, 30*time.Second)
	if err != nil {
		t.Fatalf("GetUpdates: %v", err)
	}
	if len(updates) != 2 {
		t.Fatalf("len(updates) = %d, want 2", len(updates))
	}
	if updates[0].Message == nil || updates[0].Message.Text != "yes" || updates[0].Message.Chat.ID != 42 {
		t.Errorf("updates[0] = %+v", updates[0])
	}
	if updates[1].Message != nil {
		t.Errorf("updates[1].Message = %+v, want nil", updates[1].Message)
	}
}

func TestGetUpdates_ServerDown(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {}))
	srv.Close()

	c := NewTelegram(srv.URL, "TOKEN")
	if _, err := c.GetUpdates(context.Background(), 0, time.Second); err == nil {
		t.Error("expected error when server is down")
	}
}

func TestTransportErrors_DoNotLeakToken(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {}))
	srv.Close()

	const token = "123456:SECRET-BOT-TOKEN"
	c := NewTelegram(srv.URL, token)

	err := c.SendMessage(context.Background(), "42", "hi")
	if err == nil {
		t.Fatal("expected error when server is down")
	}
	if strings.Contains(err.Error(), token) {
		t.Errorf("SendMessage error leaks token: %v", err)
	}
	if !strings.Contains(err.Error(), "sendMessage") {
		t.Errorf("SendMessage error = %v, want the method name", err)
	}

	_, err = c.GetUpdates(context.Background(), 5, time.Second)
	if err == nil {
		t.Fatal("expected error when server is down")
	}
	if strings.Contains(err.Error(), token) {
		t.Errorf("GetUpdates error leaks token: %v", err)
	}
}
