// Package chat turns inbound Telegram updates into engine commands and
// sends the replies back.
package chat

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"strconv"
	"strings"
	"time"

	"github.com/kalambet/remindme/internal/identity"
	"github.com/kalambet/remindme/internal/notify"
)

// NotLinkedFormat is the reply to chats that are not linked to a user.
const NotLinkedFormat = "Your chat is not linked yet. Ask the operator to add chat id %s."

// Engine handles one chat message for an owner and returns the reply.
type Engine interface {
	Handle(ctx context.Context, ownerID int64, text string) string
}

// Owners resolves and registers chat ids.
type Owners interface {
	ResolveOwner(ctx context.Context, chatID string) (int64, error)
	Register(ctx context.Context, chatID, name, timezone string) (int64, error)
}

// Handler processes Telegram updates.
type Handler struct {
	engine       Engine
	owners       Owners
	deliverer    notify.Deliverer
	sender       notify.ChatSender
	autoRegister bool
	logger       *slog.Logger
}

// NewHandler creates a Handler. Replies to linked owners go through
// deliverer so they are logged; unlinked chats are answered via sender.
func NewHandler(engine Engine, owners Owners, deliverer notify.Deliverer, sender notify.ChatSender, autoRegister bool) *Handler {
	return &Handler{
		engine:       engine,
		owners:       owners,
		deliverer:    deliverer,
		sender:       sender,
		autoRegister: autoRegister,
		logger:       slog.Default(),
	}
}

// HandleUpdate answers one update. Updates without text are ignored.
func (h *Handler) HandleUpdate(ctx context.Context, u notify.Update) error {
	msg := u.Message
	if msg == nil || strings.TrimSpace(msg.Text) == "" {
		return nil
	}
	chatID := strconv.FormatInt(msg.Chat.ID, 10)

	ownerID, err := h.owners.ResolveOwner(ctx, chatID)
	if errors.Is(err, identity.ErrUnknownOwner) && h.autoRegister {
		name := ""
		if msg.From != nil {
			name = msg.From.FirstName
		}
		ownerID, err = h.owners.Register(ctx, chatID, name, "")
		if err == nil {
			h.logger.Info("chat registered", "chat_id", chatID, "owner_id", ownerID)
		}
	}
	if errors.Is(err, identity.ErrUnknownOwner) {
		return h.sender.SendMessage(ctx, chatID, fmt.Sprintf(NotLinkedFormat, chatID))
	}
	if err != nil {
		return fmt.Errorf("resolving chat %s: %w", chatID, err)
	}

	reply := h.engine.Handle(ctx, ownerID, msg.Text)
	return h.deliverer.Deliver(ctx, notify.Message{OwnerID: ownerID, Kind: notify.KindReply, Text: reply})
}

// UpdateSource long-polls for Telegram updates.
type UpdateSource interface {
	GetUpdates(ctx context.Context, offset int64, timeout time.Duration) ([]notify.Update, error)
}

// Poller feeds updates from an UpdateSource to a Handler.
type Poller struct {
	source  UpdateSource
	handler *Handler
	timeout time.Duration
	backoff time.Duration
	logger  *slog.Logger
}

// NewPoller creates a Poller. If timeout is <= 0, it defaults to 30s.
func NewPoller(source UpdateSource, handler *Handler, timeout time.Duration) *Poller {
	if timeout <= 0 {
		timeout = 30 * time.Second
	}
	return &Poller{
		source:  source,
		handler: handler,
		timeout: timeout,
		backoff: 5 * time.Second,
		logger:  slog.Default(),
	}
}

// Run polls until ctx is cancelled. Updates are handled in order; a failure
// on one update is logged and does not stop the loop.
func (p *Poller) Run(ctx context.Context) error {
	var offset int64
	p.logger.Info("telegram polling started")

	for {
		if ctx.Err() != nil {
			return nil
		}

		updates, err := p.source.GetUpdates(ctx, offset, p.timeout)
		if err != nil {
			if ctx.Err() != nil {
				return nil
			}
			p.logger.Error("telegram poll failed", "error", err)
			select {
			case <-ctx.Done():
				return nil
			case <-time.After(p.backoff):
			}
			continue
		}

		for _, u := range updates {
			offset = u.UpdateID + 1
			if err := p.handler.HandleUpdate(ctx, u); err != nil {
				p.logger.Warn("handling update failed", "update_id", u.UpdateID, "error", err)
			}
		}
	}
}
