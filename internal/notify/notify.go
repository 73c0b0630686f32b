// Package notify delivers outbound messages to task owners and records each
// attempt in the delivery log.
package notify

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/google/uuid"

	"github.com/kalambet/remindme/internal/metrics"
	"github.com/kalambet/remindme/internal/storage"
)

// Message kinds.
const (
	KindReminder = "reminder"
	KindFollowUp = "followup"
	KindReply    = "reply"
)

// ErrNoChat is returned when the owner has no chat to deliver to.
var ErrNoChat = errors.New("owner has no chat id")

// Message is one outbound notification.
type Message struct {
	OwnerID int64
	TaskID  int64 // 0 when not tied to a task
	Kind    string
	Text    string
}

// Deliverer sends a message to its owner.
type Deliverer interface {
	Deliver(ctx context.Context, m Message) error
}

// ChatSender is a transport that can post text to a chat.
type ChatSender interface {
	SendMessage(ctx context.Context, chatID, text string) error
}

// Store is the persistence the ChatDeliverer needs.
type Store interface {
	GetUser(id int64) (storage.User, error)
	SaveDelivery(d storage.Delivery) error
}

// ChatDeliverer resolves the owner's chat id, sends through a ChatSender and
// logs the outcome. Failures are returned, never retried.
type ChatDeliverer struct {
	sender  ChatSender
	store   Store
	metrics *metrics.Metrics
	now     func() time.Time
	logger  *slog.Logger
}

// NewChatDeliverer creates a ChatDeliverer. m may be nil.
func NewChatDeliverer(sender ChatSender, store Store, m *metrics.Metrics) *ChatDeliverer {
	return &ChatDeliverer{
		sender:  sender,
		store:   store,
		metrics: m,
		now:     time.Now,
		logger:  slog.Default(),
	}
}

func (d *ChatDeliverer) Deliver(ctx context.Context, m Message) error {
	err := d.send(ctx, m)
	d.metrics.Delivery(m.Kind, err)

	rec := storage.Delivery{
		ID:        uuid.New().String(),
		OwnerID:   m.OwnerID,
		TaskID:    m.TaskID,
		Kind:      m.Kind,
		Text:      m.Text,
		OK:        err == nil,
		CreatedAt: d.now(),
	}
	if err != nil {
		rec.Error = err.Error()
	}
	if logErr := d.store.SaveDelivery(rec); logErr != nil {
		d.logger.Warn("recording delivery failed", "owner_id", m.OwnerID, "error", logErr)
	}
	return err
}

func (d *ChatDeliverer) send(ctx context.Context, m Message) error {
	u, err := d.store.GetUser(m.OwnerID)
	if err != nil {
		return fmt.Errorf("looking up owner %d: %w", m.OwnerID, err)
	}
	if u.ChatID == "" {
		return ErrNoChat
	}
	return d.sender.SendMessage(ctx, u.ChatID, m.Text)
}

// LogSender is a ChatSender that only logs. It stands in for Telegram when no
// bot token is configured.
type LogSender struct {
	Logger *slog.Logger
}

func (s LogSender) SendMessage(_ context.Context, chatID, text string) error {
	logger := s.Logger
	if logger == nil {
		logger = slog.Default()
	}
	logger.Info("outbound message", "chat_id", chatID, "text", text)
	return nil
}
