package api

import (
	"net/http"
	"strconv"
	"time"

	"github.com/kalambet/remindme/internal/storage"
)

// Records is the read-only view of stored users and outbound deliveries.
type Records interface {
	ListUsers() ([]storage.User, error)
	ListDeliveries(limit int) ([]storage.Delivery, error)
}

const (
	defaultDeliveryLimit = 50
	maxDeliveryLimit     = 1000
)

type UserView struct {
	ID        int64     `json:"id"`
	ChatID    string    `json:"chat_id"`
	Name      string    `json:"name,omitempty"`
	Timezone  string    `json:"timezone,omitempty"`
	CreatedAt time.Time `json:"created_at"`
}

// DeliveryView is one outbound message attempt, newest first in listings.
type DeliveryView struct {
	ID        string    `json:"id"`
	OwnerID   int64     `json:"owner_id"`
	TaskID    int64     `json:"task_id,omitempty"`
	Kind      string    `json:"kind"`
	Text      string    `json:"text"`
	OK        bool      `json:"ok"`
	Error     string    `json:"error,omitempty"`
	CreatedAt time.Time `json:"created_at"`
}

func handleListUsers(deps Deps) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		users, err := deps.Records.ListUsers()
		if err != nil {
			httpError(w, http.StatusInternalServerError, "api_error", "failed to list users: %v", err)
			return
		}
		out := make([]UserView, len(users))
		for i, u := range users {
			out[i] = UserView{ID: u.ID, ChatID: u.ChatID, Name: u.Name, Timezone: u.Timezone, CreatedAt: u.CreatedAt}
		}
		writeJSON(w, http.StatusOK, out)
	}
}

func handleListDeliveries(deps Deps) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		limit := defaultDeliveryLimit
		if v := r.URL.Query().Get("limit"); v != "" {
			n, err := strconv.Atoi(v)
			if err != nil || n <= 0 {
				httpError(w, http.StatusBadRequest, "invalid_request_error", "limit must be a positive integer")
				return
			}
			limit = min(n, maxDeliveryLimit)
		}
		deliveries, err := deps.Records.ListDeliveries(limit)
		if err != nil {
			httpError(w, http.StatusInternalServerError, "api_error", "failed to list deliveries: %v", err)
			return
		}
		out := make([]DeliveryView, len(deliveries))
		for i, d := range deliveries {
			out[i] = DeliveryView{
				ID:        d.ID,
				OwnerID:   d.OwnerID,
				TaskID:    d.TaskID,
				Kind:      d.Kind,
				Text:      d.Text,
				OK:        d.OK,
				Error:     d.Error,
				CreatedAt: d.CreatedAt,
			}
		}
		writeJSON(w, http.StatusOK, out)
	}
}
