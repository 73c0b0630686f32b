package api

import (
	"context"
	"encoding/json"
	"io"
	"net/http"
	"net/http/httptest"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/prometheus/client_golang/prometheus"

	"github.com/kalambet/remindme/internal/identity"
	"github.com/kalambet/remindme/internal/metrics"
	"github.com/kalambet/remindme/internal/notify"
	"github.com/kalambet/remindme/internal/reminder"
	"github.com/kalambet/remindme/internal/scheduler"
	"github.com/kalambet/remindme/internal/storage"
)

const testToken = "test-token-12345"

var start = time.Date(2024, 1, 1, 8, 0, 0, 0, time.UTC)

type outbox struct {
	mu   sync.Mutex
	msgs []notify.Message
}

func (o *outbox) Deliver(_ context.Context, m notify.Message) error {
	o.mu.Lock()
	defer o.mu.Unlock()
	o.msgs = append(o.msgs, m)
	return nil
}

type recordingUpdates struct {
	mu      sync.Mutex
	updates []notify.Update
}

func (r *recordingUpdates) HandleUpdate(_ context.Context, u notify.Update) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.updates = append(r.updates, u)
	return nil
}

type testServer struct {
	handler http.Handler
	store   *storage.Store
	engine  *reminder.Engine
	owners  *identity.Resolver
	updates *recordingUpdates
	outbox  *outbox
	now     time.Time
}

func setupServer(t *testing.T) *testServer {
	t.Helper()
	store, err := storage.Open(":memory:")
	if err != nil {
		t.Fatalf("Open(:memory:) failed: %v", err)
	}
	t.Cleanup(func() { store.Close() })

	ts := &testServer{store: store, updates: &recordingUpdates{}, outbox: &outbox{}, now: start}
	reg := prometheus.NewRegistry()
	eng, err := reminder.New(reminder.Options{
		Store:     store,
		Driver:    scheduler.NewTimerDriver(func(context.Context, scheduler.Trigger) {}),
		Deliverer: ts.outbox,
		Location:  time.UTC,
		Metrics:   metrics.MustNew(reg),
		Now:       func() time.Time { return ts.now },
	})
	if err != nil {
		t.Fatalf("reminder.New: %v", err)
	}
	owners, err := identity.NewResolver(store, 0)
	if err != nil {
		t.Fatalf("NewResolver: %v", err)
	}
	ts.engine = eng
	ts.owners = owners
	ts.handler = NewHandler(Deps{
		Reminders:     eng,
		Owners:        owners,
		Updates:       ts.updates,
		Records:       store,
		Gatherer:      reg,
		Token:         testToken,
		WebhookSecret: "hook-secret",
	})
	return ts
}

func (ts *testServer) user(t *testing.T, chatID string) int64 {
	t.Helper()
	id, err := ts.owners.Register(context.Background(), chatID, "user-"+chatID, "")
	if err != nil {
		t.Fatalf("Register: %v", err)
	}
	return id
}

func (ts *testServer) do(t *testing.T, method, url, body string) *httptest.ResponseRecorder {
	t.Helper()
	var reader io.Reader
	if body != "" {
		reader = strings.NewReader(body)
	}
	req := httptest.NewRequest(method, url, reader)
	req.Header.Set("Authorization", "Bearer "+testToken)
	rr := httptest.NewRecorder()
	ts.handler.ServeHTTP(rr, req)
	return rr
}

func decode[T any](t *testing.T, rr *httptest.ResponseRecorder) T {
	t.Helper()
	var v T
	if err := json.NewDecoder(rr.Body).Decode(&v); err != nil {
		t.Fatalf("decoding response %q: %v", rr.Body.String(), err)
	}
	return v
}

func TestHealth_NoAuth(t *testing.T) {
	ts := setupServer(t)
	rr := httptest.NewRecorder()
	ts.handler.ServeHTTP(rr, httptest.NewRequest(http.MethodGet, "/health", nil))
	if rr.Code != http.StatusOK {
		t.Fatalf("status = %d", rr.Code)
	}
}

func TestAuth_RejectsMissingToken(t *testing.T) {
	ts := setupServer(t)
	rr := httptest.NewRecorder()
	ts.handler.ServeHTTP(rr, httptest.NewRequest(http.MethodGet, "/jobs", nil))
	if rr.Code != http.StatusUnauthorized {
		t.Fatalf("status = %d, want 401", rr.Code)
	}

	req := httptest.NewRequest(http.MethodGet, "/jobs", nil)
	req.Header.Set("Authorization", "Bearer wrong")
	rr = httptest.NewRecorder()
	ts.handler.ServeHTTP(rr, req)
	if rr.Code != http.StatusUnauthorized {
		t.Fatalf("status = %d, want 401", rr.Code)
	}
}

func TestTasks_CreateListCompleteDelete(t *testing.T) {
	ts := setupServer(t)
	owner := ts.user(t, "42")

	rr := ts.do(t, http.MethodPost, "/api/tasks",
		`{"owner_id":`+itoa(owner)+`,"description":"call mom","scheduled_time":"2024-01-01T21:00:00Z"}`)
	if rr.Code != http.StatusCreated {
		t.Fatalf("create status = %d; body = %s", rr.Code, rr.Body.String())
	}
	created := decode[TaskView](t, rr)
	if created.Description != "call mom" || created.Status != storage.StatusPending {
		t.Fatalf("created = %+v", created)
	}

	jobs := decode[[]JobView](t, ts.do(t, http.MethodGet, "/jobs", ""))
	if len(jobs) != 2 {
		t.Fatalf("jobs = %+v, want reminder and follow-up", jobs)
	}
	if jobs[0].ID != "reminder_"+itoa(created.ID)+"_1704142800" {
		t.Errorf("first job = %s", jobs[0].ID)
	}

	tasks := decode[[]TaskView](t, ts.do(t, http.MethodGet, "/api/tasks?owner_id="+itoa(owner), ""))
	if len(tasks) != 1 || tasks[0].ID != created.ID {
		t.Fatalf("tasks = %+v", tasks)
	}

	rr = ts.do(t, http.MethodPost, "/api/tasks/"+itoa(created.ID)+"/complete", "")
	if rr.Code != http.StatusOK {
		t.Fatalf("complete status = %d; body = %s", rr.Code, rr.Body.String())
	}
	if done := decode[TaskView](t, rr); done.Status != storage.StatusDone {
		t.Fatalf("status = %s, want done", done.Status)
	}
	if jobs := decode[[]JobView](t, ts.do(t, http.MethodGet, "/jobs", "")); len(jobs) != 0 {
		t.Fatalf("done task still has jobs: %+v", jobs)
	}

	rr = ts.do(t, http.MethodDelete, "/api/tasks/"+itoa(created.ID), "")
	if rr.Code != http.StatusOK {
		t.Fatalf("delete status = %d", rr.Code)
	}
	rr = ts.do(t, http.MethodGet, "/api/tasks/"+itoa(created.ID), "")
	if rr.Code != http.StatusNotFound {
		t.Fatalf("get after delete status = %d, want 404", rr.Code)
	}
}

func TestTasks_CreateValidation(t *testing.T) {
	ts := setupServer(t)
	owner := itoa(ts.user(t, "42"))

	cases := map[string]string{
		"past time":    `{"owner_id":` + owner + `,"description":"x","scheduled_time":"2023-12-31T08:00:00Z"}`,
		"no time":      `{"owner_id":` + owner + `,"description":"x"}`,
		"no owner":     `{"description":"x","scheduled_time":"2024-01-01T21:00:00Z"}`,
		"empty desc":   `{"owner_id":` + owner + `,"description":"  ","scheduled_time":"2024-01-01T21:00:00Z"}`,
		"invalid json": `{`,
	}
	for name, body := range cases {
		t.Run(name, func(t *testing.T) {
			rr := ts.do(t, http.MethodPost, "/api/tasks", body)
			if rr.Code != http.StatusBadRequest {
				t.Fatalf("status = %d, want 400; body = %s", rr.Code, rr.Body.String())
			}
		})
	}

	tasks, err := ts.store.ListTasks()
	if err != nil {
		t.Fatal(err)
	}
	if len(tasks) != 0 {
		t.Fatalf("invalid requests persisted %d tasks", len(tasks))
	}
}

func TestTasks_EditReopensDoneTask(t *testing.T) {
	ts := setupServer(t)
	owner := ts.user(t, "42")
	task, err := ts.engine.CreateTask(context.Background(), owner, "pay rent", start.Add(time.Hour))
	if err != nil {
		t.Fatal(err)
	}
	if _, err := ts.engine.Complete(context.Background(), task.ID); err != nil {
		t.Fatal(err)
	}

	rr := ts.do(t, http.MethodPut, "/api/tasks/"+itoa(task.ID),
		`{"description":"pay rent online","scheduled_time":"2024-01-02T10:00:00Z"}`)
	if rr.Code != http.StatusOK {
		t.Fatalf("status = %d; body = %s", rr.Code, rr.Body.String())
	}
	got := decode[TaskView](t, rr)
	if got.Status != storage.StatusPending || got.Description != "pay rent online" {
		t.Fatalf("edited = %+v", got)
	}
	if !got.ScheduledTime.Equal(time.Date(2024, 1, 2, 10, 0, 0, 0, time.UTC)) {
		t.Fatalf("scheduled = %v", got.ScheduledTime)
	}
}

func TestTasks_RescheduleKeepsTimeWithoutBody(t *testing.T) {
	ts := setupServer(t)
	owner := ts.user(t, "42")
	at := start.Add(3 * time.Hour)
	task, err := ts.engine.CreateTask(context.Background(), owner, "water plants", at)
	if err != nil {
		t.Fatal(err)
	}
	if _, err := ts.engine.Complete(context.Background(), task.ID); err != nil {
		t.Fatal(err)
	}

	rr := ts.do(t, http.MethodPost, "/api/tasks/"+itoa(task.ID)+"/reschedule", "")
	if rr.Code != http.StatusOK {
		t.Fatalf("status = %d; body = %s", rr.Code, rr.Body.String())
	}
	got := decode[TaskView](t, rr)
	if got.Status != storage.StatusPending || !got.ScheduledTime.Equal(at) {
		t.Fatalf("rescheduled = %+v", got)
	}

	rr = ts.do(t, http.MethodPost, "/api/tasks/999/reschedule", "")
	if rr.Code != http.StatusNotFound {
		t.Fatalf("missing task status = %d, want 404", rr.Code)
	}
}

func TestTasks_BadID(t *testing.T) {
	ts := setupServer(t)
	rr := ts.do(t, http.MethodPost, "/api/tasks/abc/complete", "")
	if rr.Code != http.StatusBadRequest {
		t.Fatalf("status = %d, want 400", rr.Code)
	}
}

func TestChat_ByChatID(t *testing.T) {
	ts := setupServer(t)
	owner := ts.user(t, "42")

	rr := ts.do(t, http.MethodPost, "/api/chat", `{"chat_id":"42","text":"list all tasks"}`)
	if rr.Code != http.StatusOK {
		t.Fatalf("status = %d; body = %s", rr.Code, rr.Body.String())
	}
	resp := decode[ChatResponse](t, rr)
	if resp.OwnerID != owner || resp.Reply != reminder.ReplyNoTasks {
		t.Fatalf("resp = %+v", resp)
	}

	rr = ts.do(t, http.MethodPost, "/api/chat", `{"chat_id":"nope","text":"list all tasks"}`)
	if rr.Code != http.StatusNotFound {
		t.Fatalf("unlinked chat status = %d, want 404", rr.Code)
	}

	rr = ts.do(t, http.MethodPost, "/api/chat", `{"owner_id":1,"text":"  "}`)
	if rr.Code != http.StatusBadRequest {
		t.Fatalf("empty text status = %d, want 400", rr.Code)
	}
}

func TestUsers_Create(t *testing.T) {
	ts := setupServer(t)

	rr := ts.do(t, http.MethodPost, "/api/users", `{"chat_id":"77","name":"bo","timezone":"Europe/Madrid"}`)
	if rr.Code != http.StatusCreated {
		t.Fatalf("status = %d; body = %s", rr.Code, rr.Body.String())
	}
	id := decode[map[string]int64](t, rr)["id"]
	u, err := ts.store.GetUser(id)
	if err != nil {
		t.Fatal(err)
	}
	if u.ChatID != "77" || u.Timezone != "Europe/Madrid" {
		t.Fatalf("user = %+v", u)
	}

	rr = ts.do(t, http.MethodPost, "/api/users", `{"chat_id":"78","timezone":"Mars/Olympus"}`)
	if rr.Code != http.StatusBadRequest {
		t.Fatalf("bad timezone status = %d, want 400", rr.Code)
	}
}

func TestSweep_SendsDueReminders(t *testing.T) {
	ts := setupServer(t)
	owner := ts.user(t, "42")
	if _, err := ts.engine.CreateTask(context.Background(), owner, "stretch", start.Add(time.Minute)); err != nil {
		t.Fatal(err)
	}
	ts.now = start.Add(2 * time.Minute)

	res := decode[reminder.SweepResult](t, ts.do(t, http.MethodGet, "/run-reminders", ""))
	if res.Reminders != 1 || res.FollowUps != 0 {
		t.Fatalf("first sweep = %+v", res)
	}
	res = decode[reminder.SweepResult](t, ts.do(t, http.MethodGet, "/run-reminders", ""))
	if res.Reminders != 0 {
		t.Fatalf("second sweep resent: %+v", res)
	}
	if len(ts.outbox.msgs) != 1 || ts.outbox.msgs[0].Kind != notify.KindReminder {
		t.Fatalf("outbox = %+v", ts.outbox.msgs)
	}
}

func TestWebhook_Secret(t *testing.T) {
	ts := setupServer(t)
	body := `{"update_id":5,"message":{"message_id":1,"chat":{"id":42},"text":"list tasks"}}`

	req := httptest.NewRequest(http.MethodPost, "/telegram/webhook", strings.NewReader(body))
	rr := httptest.NewRecorder()
	ts.handler.ServeHTTP(rr, req)
	if rr.Code != http.StatusUnauthorized {
		t.Fatalf("status = %d, want 401 without secret", rr.Code)
	}

	req = httptest.NewRequest(http.MethodPost, "/telegram/webhook", strings.NewReader(body))
	req.Header.Set(webhookSecretHeader, "hook-secret")
	rr = httptest.NewRecorder()
	ts.handler.ServeHTTP(rr, req)
	if rr.Code != http.StatusOK {
		t.Fatalf("status = %d; body = %s", rr.Code, rr.Body.String())
	}
	if len(ts.updates.updates) != 1 || ts.updates.updates[0].Message.Text != "list tasks" {
		t.Fatalf("updates = %+v", ts.updates.updates)
	}
}

func TestMetrics_Exposed(t *testing.T) {
	ts := setupServer(t)
	ts.engine.Handle(context.Background(), ts.user(t, "42"), "list all tasks")

	rr := httptest.NewRecorder()
	ts.handler.ServeHTTP(rr, httptest.NewRequest(http.MethodGet, "/metrics", nil))
	if rr.Code != http.StatusOK {
		t.Fatalf("status = %d", rr.Code)
	}
	if !strings.Contains(rr.Body.String(), "remindme_commands_total") {
		t.Fatalf("metrics output missing commands counter:\n%s", rr.Body.String())
	}
}

func itoa(n int64) string {
	b, _ := json.Marshal(n)
	return string(b)
}

func TestBearerAuth_EmptyTokenRejects(t *testing.T) {
	h := BearerAuth("")(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusOK)
	}))
	req := httptest.NewRequest(http.MethodGet, "/", nil)
	req.Header.Set("Authorization", "Bearer ")
	rr := httptest.NewRecorder()
	h.ServeHTTP(rr, req)
	if rr.Code != http.StatusUnauthorized {
		t.Fatalf("status = %d, want 401", rr.Code)
	}
}

func TestWebhook_EmptySecretRejects(t *testing.T) {
	ts := setupServer(t)
	h := NewHandler(Deps{
		Reminders: ts.engine,
		Owners:    ts.owners,
		Updates:   ts.updates,
		Token:     testToken,
	})
	body := `{"update_id":9,"message":{"message_id":1,"chat":{"id":42},"text":"delete call mom"}}`

	for _, secret := range []string{"", "anything"} {
		req := httptest.NewRequest(http.MethodPost, "/telegram/webhook", strings.NewReader(body))
		if secret != "" {
			req.Header.Set(webhookSecretHeader, secret)
		}
		rr := httptest.NewRecorder()
		h.ServeHTTP(rr, req)
		if rr.Code != http.StatusUnauthorized {
			t.Errorf("header %q: status = %d, want 401", secret, rr.Code)
		}
	}
	if len(ts.updates.updates) != 0 {
		t.Fatalf("updates = %+v, want none", ts.updates.updates)
	}
}

func TestWebhook_NotMountedWithoutUpdates(t *testing.T) {
	ts := setupServer(t)
	h := NewHandler(Deps{Reminders: ts.engine, Owners: ts.owners, Token: testToken, WebhookSecret: "hook-secret"})

	req := httptest.NewRequest(http.MethodPost, "/telegram/webhook", strings.NewReader(`{}`))
	req.Header.Set(webhookSecretHeader, "hook-secret")
	rr := httptest.NewRecorder()
	h.ServeHTTP(rr, req)
	if rr.Code == http.StatusOK {
		t.Fatalf("status = %d, want the route to be absent", rr.Code)
	}
}

func TestUsers_List(t *testing.T) {
	ts := setupServer(t)
	ts.user(t, "42")
	if _, err := ts.owners.Register(context.Background(), "77", "bo", "Europe/Madrid"); err != nil {
		t.Fatalf("Register: %v", err)
	}

	rr := ts.do(t, http.MethodGet, "/api/users", "")
	if rr.Code != http.StatusOK {
		t.Fatalf("status = %d; body = %s", rr.Code, rr.Body.String())
	}
	users := decode[[]UserView](t, rr)
	if len(users) != 2 || users[0].ChatID != "42" || users[1].Timezone != "Europe/Madrid" {
		t.Fatalf("users = %+v", users)
	}
}

func TestDeliveries_List(t *testing.T) {
	ts := setupServer(t)
	for i, d := range []storage.Delivery{
		{ID: "d1", OwnerID: 1, TaskID: 3, Kind: "reminder", Text: "Reminder: 'a'", OK: true},
		{ID: "d2", OwnerID: 1, Kind: "reply", Text: "Your tasks:", Error: "chat not found"},
		{ID: "d3", OwnerID: 2, Kind: "followup", Text: "Did you finish 'b'?", OK: true},
	} {
		d.CreatedAt = start.Add(time.Duration(i) * time.Minute)
		if err := ts.store.SaveDelivery(d); err != nil {
			t.Fatalf("SaveDelivery: %v", err)
		}
	}

	rr := ts.do(t, http.MethodGet, "/api/deliveries?limit=2", "")
	if rr.Code != http.StatusOK {
		t.Fatalf("status = %d; body = %s", rr.Code, rr.Body.String())
	}
	got := decode[[]DeliveryView](t, rr)
	if len(got) != 2 || got[0].ID != "d3" || got[1].ID != "d2" {
		t.Fatalf("deliveries = %+v", got)
	}
	if got[1].OK || got[1].Error != "chat not found" {
		t.Errorf("failed delivery = %+v", got[1])
	}

	for _, bad := range []string{"0", "-1", "x"} {
		if rr := ts.do(t, http.MethodGet, "/api/deliveries?limit="+bad, ""); rr.Code != http.StatusBadRequest {
			t.Errorf("limit=%s: status = %d, want 400", bad, rr.Code)
		}
	}
}
