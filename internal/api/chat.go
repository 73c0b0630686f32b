package api

import (
	"crypto/subtle"
	"errors"
	"net/http"
	"strings"

	"github.com/kalambet/remindme/internal/identity"
	"github.com/kalambet/remindme/internal/notify"
)

const webhookSecretHeader = "X-Telegram-Bot-Api-Secret-Token"

// ChatRequest is one chat turn. Either OwnerID or ChatID identifies the sender.
type ChatRequest struct {
	OwnerID int64  `json:"owner_id"`
	ChatID  string `json:"chat_id"`
	Text    string `json:"text"`
}

type ChatResponse struct {
	OwnerID int64  `json:"owner_id"`
	Reply   string `json:"reply"`
}

type CreateUserRequest struct {
	ChatID   string `json:"chat_id"`
	Name     string `json:"name"`
	Timezone string `json:"timezone"`
}

// handleChat runs a chat turn and returns the reply instead of delivering it.
func handleChat(deps Deps) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		var req ChatRequest
		if !decodeBody(w, r, &req) {
			return
		}
		if strings.TrimSpace(req.Text) == "" {
			httpError(w, http.StatusBadRequest, "invalid_request_error", "text is required")
			return
		}

		ownerID := req.OwnerID
		if ownerID <= 0 {
			if req.ChatID == "" {
				httpError(w, http.StatusBadRequest, "invalid_request_error", "owner_id or chat_id is required")
				return
			}
			id, err := deps.Owners.ResolveOwner(r.Context(), req.ChatID)
			if errors.Is(err, identity.ErrUnknownOwner) {
				httpError(w, http.StatusNotFound, "not_found", "chat %s is not linked to a user", req.ChatID)
				return
			}
			if err != nil {
				httpError(w, http.StatusInternalServerError, "api_error", "resolving owner: %v", err)
				return
			}
			ownerID = id
		}

		reply := deps.Reminders.Handle(r.Context(), ownerID, req.Text)
		writeJSON(w, http.StatusOK, ChatResponse{OwnerID: ownerID, Reply: reply})
	}
}

func handleCreateUser(deps Deps) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		var req CreateUserRequest
		if !decodeBody(w, r, &req) {
			return
		}
		if req.ChatID == "" {
			httpError(w, http.StatusBadRequest, "invalid_request_error", "chat_id is required")
			return
		}
		id, err := deps.Owners.Register(r.Context(), req.ChatID, req.Name, req.Timezone)
		if err != nil {
			httpError(w, http.StatusBadRequest, "invalid_request_error", "registering user: %v", err)
			return
		}
		writeJSON(w, http.StatusCreated, map[string]int64{"id": id})
	}
}

// handleWebhook accepts bot updates. It answers 200 once the update is
// decoded so the platform does not redeliver turns that failed downstream.
func handleWebhook(deps Deps) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		// An unset secret rejects everything, as BearerAuth does for tokens.
		got := r.Header.Get(webhookSecretHeader)
		if deps.WebhookSecret == "" || subtle.ConstantTimeCompare([]byte(got), []byte(deps.WebhookSecret)) != 1 {
			httpError(w, http.StatusUnauthorized, "authentication_error", "invalid webhook secret")
			return
		}
		var u notify.Update
		if !decodeBody(w, r, &u) {
			return
		}
		if err := deps.Updates.HandleUpdate(r.Context(), u); err != nil {
			deps.Logger.Warn("webhook update failed", "update_id", u.UpdateID, "error", err)
		}
		writeJSON(w, http.StatusOK, map[string]bool{"ok": true})
	}
}
