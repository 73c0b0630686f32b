package api

import (
	"errors"
	"net/http"
	"strconv"
	"time"

	"github.com/kalambet/remindme/internal/reminder"
	"github.com/kalambet/remindme/internal/storage"
)

// TaskView is the JSON form of a task.
type TaskView struct {
	ID            int64     `json:"id"`
	OwnerID       int64     `json:"owner_id"`
	Description   string    `json:"description"`
	ScheduledTime time.Time `json:"scheduled_time"`
	Status        string    `json:"status"`
	ReminderSent  bool      `json:"reminder_sent"`
	FollowupSent  bool      `json:"followup_sent"`
}

func viewTask(t storage.Task) TaskView {
	return TaskView{
		ID:            t.ID,
		OwnerID:       t.OwnerID,
		Description:   t.Description,
		ScheduledTime: t.ScheduledTime,
		Status:        t.Status,
		ReminderSent:  t.ReminderSent,
		FollowupSent:  t.FollowupSent,
	}
}

type CreateTaskRequest struct {
	OwnerID       int64     `json:"owner_id"`
	Description   string    `json:"description"`
	ScheduledTime time.Time `json:"scheduled_time"`
}

type EditTaskRequest struct {
	Description   string    `json:"description"`
	ScheduledTime time.Time `json:"scheduled_time"`
}

// taskError maps engine errors onto HTTP statuses.
func taskError(w http.ResponseWriter, err error) {
	switch {
	case errors.Is(err, storage.ErrNotFound):
		httpError(w, http.StatusNotFound, "not_found", "task not found")
	case errors.Is(err, reminder.ErrPastTime), errors.Is(err, reminder.ErrEmptyDescription):
		httpError(w, http.StatusBadRequest, "invalid_request_error", "%v", err)
	case errors.Is(err, reminder.ErrInvariant):
		httpError(w, http.StatusConflict, "conflict", "%v", err)
	default:
		httpError(w, http.StatusInternalServerError, "api_error", "%v", err)
	}
}

func handleListTasks(deps Deps) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		ownerID, err := strconv.ParseInt(r.URL.Query().Get("owner_id"), 10, 64)
		if err != nil || ownerID <= 0 {
			httpError(w, http.StatusBadRequest, "invalid_request_error", "owner_id query parameter is required")
			return
		}
		tasks, err := deps.Reminders.List(ownerID)
		if err != nil {
			httpError(w, http.StatusInternalServerError, "api_error", "failed to list tasks: %v", err)
			return
		}
		views := make([]TaskView, len(tasks))
		for i, t := range tasks {
			views[i] = viewTask(t)
		}
		writeJSON(w, http.StatusOK, views)
	}
}

func handleGetTask(deps Deps) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		id, ok := idParam(w, r)
		if !ok {
			return
		}
		t, err := deps.Reminders.Task(id)
		if err != nil {
			taskError(w, err)
			return
		}
		writeJSON(w, http.StatusOK, viewTask(t))
	}
}

func handleCreateTask(deps Deps) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		var req CreateTaskRequest
		if !decodeBody(w, r, &req) {
			return
		}
		if req.OwnerID <= 0 {
			httpError(w, http.StatusBadRequest, "invalid_request_error", "owner_id is required")
			return
		}
		if req.ScheduledTime.IsZero() {
			httpError(w, http.StatusBadRequest, "invalid_request_error", "scheduled_time is required")
			return
		}
		t, err := deps.Reminders.CreateTask(r.Context(), req.OwnerID, req.Description, req.ScheduledTime)
		if err != nil {
			taskError(w, err)
			return
		}
		writeJSON(w, http.StatusCreated, viewTask(t))
	}
}

// handleEditTask replaces the description and schedule, reopening done tasks.
func handleEditTask(deps Deps) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		id, ok := idParam(w, r)
		if !ok {
			return
		}
		var req EditTaskRequest
		if !decodeBody(w, r, &req) {
			return
		}
		if req.ScheduledTime.IsZero() {
			httpError(w, http.StatusBadRequest, "invalid_request_error", "scheduled_time is required")
			return
		}
		t, err := deps.Reminders.Reschedule(r.Context(), id, req.Description, req.ScheduledTime)
		if err != nil {
			taskError(w, err)
			return
		}
		writeJSON(w, http.StatusOK, viewTask(t))
	}
}

// handleRescheduleTask re-arms a task, optionally at a new time. Without a
// body the task keeps its scheduled time, which must still be in the future.
func handleRescheduleTask(deps Deps) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		id, ok := idParam(w, r)
		if !ok {
			return
		}
		var req EditTaskRequest
		if r.ContentLength != 0 && !decodeBody(w, r, &req) {
			return
		}
		at := req.ScheduledTime
		if at.IsZero() {
			t, err := deps.Reminders.Task(id)
			if err != nil {
				taskError(w, err)
				return
			}
			at = t.ScheduledTime
		}
		t, err := deps.Reminders.Reschedule(r.Context(), id, req.Description, at)
		if err != nil {
			taskError(w, err)
			return
		}
		writeJSON(w, http.StatusOK, viewTask(t))
	}
}

func handleCompleteTask(deps Deps) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		id, ok := idParam(w, r)
		if !ok {
			return
		}
		t, err := deps.Reminders.Complete(r.Context(), id)
		if err != nil {
			taskError(w, err)
			return
		}
		writeJSON(w, http.StatusOK, viewTask(t))
	}
}

func handleDeleteTask(deps Deps) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		id, ok := idParam(w, r)
		if !ok {
			return
		}
		if _, err := deps.Reminders.Delete(r.Context(), id); err != nil {
			taskError(w, err)
			return
		}
		writeJSON(w, http.StatusOK, map[string]string{"status": "deleted"})
	}
}

func handleSweep(deps Deps) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		res, err := deps.Reminders.Sweep(r.Context())
		if err != nil {
			deps.Logger.Error("sweep failed", "error", err)
			httpError(w, http.StatusInternalServerError, "api_error", "sweep failed: %v", err)
			return
		}
		writeJSON(w, http.StatusOK, res)
	}
}

// JobView is the JSON form of a pending trigger.
type JobView struct {
	ID     string    `json:"id"`
	Kind   string    `json:"kind"`
	TaskID int64     `json:"task_id"`
	FireAt time.Time `json:"fire_at"`
}

func handleJobs(deps Deps) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		triggers, err := deps.Reminders.Jobs(r.Context())
		if err != nil {
			httpError(w, http.StatusInternalServerError, "api_error", "failed to list jobs: %v", err)
			return
		}
		jobs := make([]JobView, len(triggers))
		for i, t := range triggers {
			jobs[i] = JobView{ID: t.ID, Kind: string(t.Kind), TaskID: t.TaskID, FireAt: t.FireAt}
		}
		writeJSON(w, http.StatusOK, jobs)
	}
}
