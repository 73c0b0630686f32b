// Package api exposes the reminder engine over HTTP and MCP.
package api

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"net/http"
	"strconv"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"

	"github.com/kalambet/remindme/internal/notify"
	"github.com/kalambet/remindme/internal/reminder"
	"github.com/kalambet/remindme/internal/scheduler"
	"github.com/kalambet/remindme/internal/storage"
)

const maxRequestBodySize = 1 << 20 // 1MB

// Reminders is the engine surface the API drives.
type Reminders interface {
	Handle(ctx context.Context, ownerID int64, text string) string
	CreateTask(ctx context.Context, ownerID int64, description string, at time.Time) (storage.Task, error)
	Reschedule(ctx context.Context, taskID int64, description string, at time.Time) (storage.Task, error)
	Complete(ctx context.Context, taskID int64) (storage.Task, error)
	Delete(ctx context.Context, taskID int64) (storage.Task, error)
	Task(taskID int64) (storage.Task, error)
	List(ownerID int64) ([]storage.Task, error)
	Jobs(ctx context.Context) ([]scheduler.Trigger, error)
	Sweep(ctx context.Context) (reminder.SweepResult, error)
}

// Owners maps chat ids to owners.
type Owners interface {
	ResolveOwner(ctx context.Context, chatID string) (int64, error)
	Register(ctx context.Context, chatID, name, timezone string) (int64, error)
}

// UpdateHandler processes one inbound bot update.
type UpdateHandler interface {
	HandleUpdate(ctx context.Context, u notify.Update) error
}

type Deps struct {
	Reminders Reminders
	Owners    Owners
	Updates   UpdateHandler // optional; the webhook is not mounted without it
	Records   Records       // optional; /api/users listing and /api/deliveries
	Gatherer  prometheus.Gatherer
	Token     string
	// WebhookSecret, when set, must match the X-Telegram-Bot-Api-Secret-Token header.
	WebhookSecret string
	Logger        *slog.Logger
}

// NewHandler builds the HTTP surface. /health and /metrics are public, the
// bot webhook checks its own secret, everything else requires the bearer token.
func NewHandler(deps Deps) http.Handler {
	if deps.Logger == nil {
		deps.Logger = slog.Default()
	}

	r := chi.NewRouter()
	r.Use(middleware.RequestID)
	r.Use(middleware.Recoverer)

	r.Get("/health", handleHealth)
	if deps.Gatherer != nil {
		r.Handle("/metrics", promhttp.HandlerFor(deps.Gatherer, promhttp.HandlerOpts{}))
	}
	if deps.Updates != nil {
		r.Post("/telegram/webhook", handleWebhook(deps))
	}

	r.Group(func(r chi.Router) {
		r.Use(BearerAuth(deps.Token))

		r.Get("/api/tasks", handleListTasks(deps))
		r.Post("/api/tasks", handleCreateTask(deps))
		r.Get("/api/tasks/{id}", handleGetTask(deps))
		r.Put("/api/tasks/{id}", handleEditTask(deps))
		r.Delete("/api/tasks/{id}", handleDeleteTask(deps))
		r.Post("/api/tasks/{id}/complete", handleCompleteTask(deps))
		r.Post("/api/tasks/{id}/reschedule", handleRescheduleTask(deps))

		r.Post("/api/chat", handleChat(deps))
		r.Post("/api/users", handleCreateUser(deps))
		if deps.Records != nil {
			r.Get("/api/users", handleListUsers(deps))
			r.Get("/api/deliveries", handleListDeliveries(deps))
		}

		r.Get("/run-reminders", handleSweep(deps))
		r.Get("/jobs", handleJobs(deps))
	})

	return r
}

func handleHealth(w http.ResponseWriter, r *http.Request) {
	w.Header().Set("Content-Type", "application/json")
	w.Write([]byte(`{"status":"ok"}`))
}

func writeJSON(w http.ResponseWriter, code int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(code)
	json.NewEncoder(w).Encode(v)
}

func httpError(w http.ResponseWriter, code int, errType string, format string, args ...any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(code)
	msg := fmt.Sprintf(format, args...)
	json.NewEncoder(w).Encode(map[string]any{
		"error": map[string]any{
			"message": msg,
			"type":    errType,
		},
	})
}

func decodeBody(w http.ResponseWriter, r *http.Request, v any) bool {
	r.Body = http.MaxBytesReader(w, r.Body, maxRequestBodySize)
	defer r.Body.Close()
	if err := json.NewDecoder(r.Body).Decode(v); err != nil {
		httpError(w, http.StatusBadRequest, "invalid_request_error", "invalid request body: %v", err)
		return false
	}
	return true
}

func idParam(w http.ResponseWriter, r *http.Request) (int64, bool) {
	id, err := strconv.ParseInt(chi.URLParam(r, "id"), 10, 64)
	if err != nil || id <= 0 {
		httpError(w, http.StatusBadRequest, "invalid_request_error", "invalid task id %q", chi.URLParam(r, "id"))
		return 0, false
	}
	return id, true
}
