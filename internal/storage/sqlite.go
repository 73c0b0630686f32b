package storage

import (
	"database/sql"
	"embed"
	"fmt"
	"os"
	"path/filepath"
	"sort"
	"strings"
	"time"

	_ "modernc.org/sqlite"
)

//go:embed migrations/*.sql
var migrationsFS embed.FS

// Store wraps a SQLite database with methods for users, tasks, triggers and deliveries.
type Store struct {
	db *sql.DB
}

// Open opens (or creates) a SQLite database in dataDir and runs pending migrations.
// Pass ":memory:" as dataDir for an in-memory database (used by tests).
func Open(dataDir string) (*Store, error) {
	var dsn string
	if dataDir == ":memory:" {
		dsn = ":memory:"
	} else {
		if err := os.MkdirAll(dataDir, 0o755); err != nil {
			return nil, fmt.Errorf("creating data directory: %w", err)
		}
		dsn = filepath.Join(dataDir, "remindme.db")
	}

	db, err := sql.Open("sqlite", dsn)
	if err != nil {
		return nil, fmt.Errorf("opening database: %w", err)
	}
	if err := db.Ping(); err != nil {
		db.Close()
		return nil, fmt.Errorf("pinging database: %w", err)
	}

	// Limit to single connection to avoid "database is locked" errors.
	db.SetMaxOpenConns(1)

	// Set busy timeout so concurrent access waits briefly instead of failing immediately.
	if _, err := db.Exec("PRAGMA busy_timeout = 5000"); err != nil {
		db.Close()
		return nil, fmt.Errorf("setting busy timeout: %w", err)
	}

	// Enable WAL mode for better concurrent read performance.
	if _, err := db.Exec("PRAGMA journal_mode=WAL"); err != nil {
		db.Close()
		return nil, fmt.Errorf("setting journal mode: %w", err)
	}

	s := &Store{db: db}
	if err := s.migrate(); err != nil {
		db.Close()
		return nil, fmt.Errorf("running migrations: %w", err)
	}

	return s, nil
}

// Close closes the underlying database connection.
func (s *Store) Close() error {
	return s.db.Close()
}

// migrate reads embedded SQL migration files and applies any that haven't been run yet.
func (s *Store) migrate() error {
	// Ensure schema_version table exists (bootstrap).
	if _, err := s.db.Exec(`CREATE TABLE IF NOT EXISTS schema_version (
		version INTEGER PRIMARY KEY,
		applied_at DATETIME DEFAULT CURRENT_TIMESTAMP
	)`); err != nil {
		return fmt.Errorf("creating schema_version table: %w", err)
	}

	entries, err := migrationsFS.ReadDir("migrations")
	if err != nil {
		return fmt.Errorf("reading migrations directory: %w", err)
	}

	// Sort by filename to guarantee ascending order.
	sort.Slice(entries, func(i, j int) bool {
		return entries[i].Name() < entries[j].Name()
	})

	for _, entry := range entries {
		if entry.IsDir() || !strings.HasSuffix(entry.Name(), ".sql") {
			continue
		}

		version, err := parseMigrationVersion(entry.Name())
		if err != nil {
			return err
		}

		// Check if already applied.
		var exists int
		if err := s.db.QueryRow("SELECT COUNT(*) FROM schema_version WHERE version = ?", version).Scan(&exists); err != nil {
			return fmt.Errorf("checking migration %d: %w", version, err)
		}
		if exists > 0 {
			continue
		}

		content, err := migrationsFS.ReadFile("migrations/" + entry.Name())
		if err != nil {
			return fmt.Errorf("reading migration %s: %w", entry.Name(), err)
		}

		tx, err := s.db.Begin()
		if err != nil {
			return fmt.Errorf("beginning transaction for migration %d: %w", version, err)
		}

		if _, err := tx.Exec(string(content)); err != nil {
			tx.Rollback()
			return fmt.Errorf("applying migration %d: %w", version, err)
		}

		if _, err := tx.Exec("INSERT INTO schema_version (version) VALUES (?)", version); err != nil {
			tx.Rollback()
			return fmt.Errorf("recording migration %d: %w", version, err)
		}

		if err := tx.Commit(); err != nil {
			return fmt.Errorf("committing migration %d: %w", version, err)
		}
	}

	return nil
}

func parseMigrationVersion(filename string) (int, error) {
	var version int
	if _, err := fmt.Sscanf(filename, "%d_", &version); err != nil {
		return 0, fmt.Errorf("parsing migration version from %q: %w", filename, err)
	}
	return version, nil
}

// AppliedMigrations returns the list of applied migration versions in ascending order.
func (s *Store) AppliedMigrations() ([]int, error) {
	rows, err := s.db.Query("SELECT version FROM schema_version ORDER BY version ASC")
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var versions []int
	for rows.Next() {
		var v int
		if err := rows.Scan(&v); err != nil {
			return nil, err
		}
		versions = append(versions, v)
	}
	return versions, rows.Err()
}

func formatTime(t time.Time) string {
	if t.IsZero() {
		return ""
	}
	return t.UTC().Format(time.RFC3339)
}

func parseTime(field, value string) (time.Time, error) {
	if value == "" {
		return time.Time{}, nil
	}
	t, err := time.Parse(time.RFC3339, value)
	if err != nil {
		return time.Time{}, fmt.Errorf("parsing %s: %w", field, err)
	}
	return t, nil
}

type rowScanner interface {
	Scan(dest ...any) error
}

// --- Users ---

func (s *Store) CreateUser(u User) (int64, error) {
	createdAt := u.CreatedAt
	if createdAt.IsZero() {
		createdAt = time.Now()
	}
	res, err := s.db.Exec(`INSERT INTO users (chat_id, name, timezone, created_at) VALUES (?, ?, ?, ?)`,
		u.ChatID, u.Name, u.Timezone, formatTime(createdAt),
	)
	if err != nil {
		return 0, err
	}
	return res.LastInsertId()
}

const userColumns = `id, chat_id, name, timezone, created_at`

func scanUser(row rowScanner) (User, error) {
	var u User
	var createdAt string
	if err := row.Scan(&u.ID, &u.ChatID, &u.Name, &u.Timezone, &createdAt); err != nil {
		return User{}, err
	}
	t, err := parseTime("created_at", createdAt)
	if err != nil {
		return User{}, err
	}
	u.CreatedAt = t
	return u, nil
}

func (s *Store) GetUser(id int64) (User, error) {
	u, err := scanUser(s.db.QueryRow(`SELECT `+userColumns+` FROM users WHERE id = ?`, id))
	if err == sql.ErrNoRows {
		return User{}, ErrNotFound
	}
	return u, err
}

func (s *Store) GetUserByChatID(chatID string) (User, error) {
	u, err := scanUser(s.db.QueryRow(`SELECT `+userColumns+` FROM users WHERE chat_id = ?`, chatID))
	if err == sql.ErrNoRows {
		return User{}, ErrNotFound
	}
	return u, err
}

func (s *Store) ListUsers() ([]User, error) {
	rows, err := s.db.Query(`SELECT ` + userColumns + ` FROM users ORDER BY id ASC`)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var results []User
	for rows.Next() {
		u, err := scanUser(rows)
		if err != nil {
			return nil, err
		}
		results = append(results, u)
	}
	return results, rows.Err()
}

// --- Tasks ---

const taskColumns = `id, owner_id, description, scheduled_time, status, reminder_sent, followup_sent, reminder_sent_at, created_at`

func scanTask(row rowScanner) (Task, error) {
	var t Task
	var scheduled, sentAt, createdAt string
	if err := row.Scan(&t.ID, &t.OwnerID, &t.Description, &scheduled, &t.Status,
		&t.ReminderSent, &t.FollowupSent, &sentAt, &createdAt); err != nil {
		return Task{}, err
	}
	var err error
	if t.ScheduledTime, err = parseTime("scheduled_time", scheduled); err != nil {
		return Task{}, err
	}
	if t.ReminderSentAt, err = parseTime("reminder_sent_at", sentAt); err != nil {
		return Task{}, err
	}
	if t.CreatedAt, err = parseTime("created_at", createdAt); err != nil {
		return Task{}, err
	}
	return t, nil
}

func (s *Store) queryTasks(query string, args ...any) ([]Task, error) {
	rows, err := s.db.Query(query, args...)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var results []Task
	for rows.Next() {
		t, err := scanTask(rows)
		if err != nil {
			return nil, err
		}
		results = append(results, t)
	}
	return results, rows.Err()
}

// CreateTask inserts t and returns the assigned id. Status defaults to pending
// and CreatedAt to now.
func (s *Store) CreateTask(t Task) (int64, error) {
	status := t.Status
	if status == "" {
		status = StatusPending
	}
	createdAt := t.CreatedAt
	if createdAt.IsZero() {
		createdAt = time.Now()
	}
	res, err := s.db.Exec(`
		INSERT INTO tasks (owner_id, description, scheduled_time, status, reminder_sent, followup_sent, reminder_sent_at, created_at)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?)`,
		t.OwnerID, t.Description, formatTime(t.ScheduledTime), status,
		t.ReminderSent, t.FollowupSent, formatTime(t.ReminderSentAt), formatTime(createdAt),
	)
	if err != nil {
		return 0, err
	}
	return res.LastInsertId()
}

func (s *Store) GetTask(id int64) (Task, error) {
	t, err := scanTask(s.db.QueryRow(`SELECT `+taskColumns+` FROM tasks WHERE id = ?`, id))
	if err == sql.ErrNoRows {
		return Task{}, ErrNotFound
	}
	return t, err
}

// FindTaskByDescription returns the owner's task whose description contains
// text, ignoring case. When several match, the lowest id (earliest created) wins.
func (s *Store) FindTaskByDescription(ownerID int64, text string) (Task, error) {
	t, err := scanTask(s.db.QueryRow(`
		SELECT `+taskColumns+` FROM tasks
		WHERE owner_id = ? AND instr(lower(description), lower(?)) > 0
		ORDER BY id ASC LIMIT 1`, ownerID, text,
	))
	if err == sql.ErrNoRows {
		return Task{}, ErrNotFound
	}
	return t, err
}

// ListTasksByOwner returns the owner's tasks ordered by scheduled time.
func (s *Store) ListTasksByOwner(ownerID int64) ([]Task, error) {
	return s.queryTasks(`SELECT `+taskColumns+` FROM tasks WHERE owner_id = ? ORDER BY scheduled_time ASC, id ASC`, ownerID)
}

func (s *Store) ListTasks() ([]Task, error) {
	return s.queryTasks(`SELECT ` + taskColumns + ` FROM tasks ORDER BY scheduled_time ASC, id ASC`)
}

func (s *Store) ListPendingTasks() ([]Task, error) {
	return s.queryTasks(`SELECT `+taskColumns+` FROM tasks WHERE status = ? ORDER BY scheduled_time ASC, id ASC`, StatusPending)
}

// DueReminders returns pending tasks whose reminder has not fired and whose
// scheduled time is at or before now.
func (s *Store) DueReminders(now time.Time) ([]Task, error) {
	return s.queryTasks(`
		SELECT `+taskColumns+` FROM tasks
		WHERE status = ? AND reminder_sent = 0 AND scheduled_time <= ?
		ORDER BY scheduled_time ASC, id ASC`, StatusPending, formatTime(now))
}

// DueFollowUps returns pending tasks that were reminded at or before cutoff
// and still await a follow-up.
func (s *Store) DueFollowUps(cutoff time.Time) ([]Task, error) {
	return s.queryTasks(`
		SELECT `+taskColumns+` FROM tasks
		WHERE status = ? AND reminder_sent = 1 AND followup_sent = 0
		  AND reminder_sent_at != '' AND reminder_sent_at <= ?
		ORDER BY reminder_sent_at ASC, id ASC`, StatusPending, formatTime(cutoff))
}

func (s *Store) UpdateTask(t Task) error {
	res, err := s.db.Exec(`
		UPDATE tasks SET description = ?, scheduled_time = ?, status = ?, reminder_sent = ?,
			followup_sent = ?, reminder_sent_at = ?
		WHERE id = ?`,
		t.Description, formatTime(t.ScheduledTime), t.Status, t.ReminderSent,
		t.FollowupSent, formatTime(t.ReminderSentAt), t.ID,
	)
	if err != nil {
		return err
	}
	n, err := res.RowsAffected()
	if err != nil {
		return err
	}
	if n == 0 {
		return ErrNotFound
	}
	return nil
}

func (s *Store) DeleteTask(id int64) error {
	res, err := s.db.Exec(`DELETE FROM tasks WHERE id = ?`, id)
	if err != nil {
		return err
	}
	n, err := res.RowsAffected()
	if err != nil {
		return err
	}
	if n == 0 {
		return ErrNotFound
	}
	return nil
}

// --- Triggers ---

// SaveTrigger inserts tr, replacing any trigger with the same id.
func (s *Store) SaveTrigger(tr Trigger) error {
	createdAt := tr.CreatedAt
	if createdAt.IsZero() {
		createdAt = time.Now()
	}
	_, err := s.db.Exec(`
		INSERT INTO triggers (id, kind, task_id, fire_at, created_at) VALUES (?, ?, ?, ?, ?)
		ON CONFLICT(id) DO UPDATE SET kind = excluded.kind, task_id = excluded.task_id, fire_at = excluded.fire_at`,
		tr.ID, tr.Kind, tr.TaskID, formatTime(tr.FireAt), formatTime(createdAt),
	)
	return err
}

// DeleteTrigger removes the trigger with the given id. Missing ids are not an error.
func (s *Store) DeleteTrigger(id string) error {
	_, err := s.db.Exec(`DELETE FROM triggers WHERE id = ?`, id)
	return err
}

func scanTrigger(row rowScanner) (Trigger, error) {
	var tr Trigger
	var fireAt, createdAt string
	if err := row.Scan(&tr.ID, &tr.Kind, &tr.TaskID, &fireAt, &createdAt); err != nil {
		return Trigger{}, err
	}
	var err error
	if tr.FireAt, err = parseTime("fire_at", fireAt); err != nil {
		return Trigger{}, err
	}
	if tr.CreatedAt, err = parseTime("created_at", createdAt); err != nil {
		return Trigger{}, err
	}
	return tr, nil
}

func (s *Store) ListTriggers() ([]Trigger, error) {
	rows, err := s.db.Query(`SELECT id, kind, task_id, fire_at, created_at FROM triggers ORDER BY fire_at ASC, id ASC`)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var results []Trigger
	for rows.Next() {
		tr, err := scanTrigger(rows)
		if err != nil {
			return nil, err
		}
		results = append(results, tr)
	}
	return results, rows.Err()
}

// ClaimDueTriggers removes and returns up to limit triggers whose fire time is
// at or before now. A claimed trigger is gone from the table, so it is handed
// out at most once even if several pollers race.
func (s *Store) ClaimDueTriggers(now time.Time, limit int) ([]Trigger, error) {
	if limit <= 0 {
		limit = 100
	}

	tx, err := s.db.Begin()
	if err != nil {
		return nil, fmt.Errorf("beginning claim transaction: %w", err)
	}
	defer tx.Rollback()

	rows, err := tx.Query(`
		SELECT id, kind, task_id, fire_at, created_at FROM triggers
		WHERE fire_at <= ? ORDER BY fire_at ASC, id ASC LIMIT ?`, formatTime(now), limit)
	if err != nil {
		return nil, fmt.Errorf("selecting due triggers: %w", err)
	}
	var claimed []Trigger
	for rows.Next() {
		tr, err := scanTrigger(rows)
		if err != nil {
			rows.Close()
			return nil, err
		}
		claimed = append(claimed, tr)
	}
	if err := rows.Err(); err != nil {
		rows.Close()
		return nil, err
	}
	rows.Close()

	for _, tr := range claimed {
		if _, err := tx.Exec(`DELETE FROM triggers WHERE id = ?`, tr.ID); err != nil {
			return nil, fmt.Errorf("claiming trigger %s: %w", tr.ID, err)
		}
	}

	if err := tx.Commit(); err != nil {
		return nil, fmt.Errorf("committing claim: %w", err)
	}
	return claimed, nil
}

// --- Deliveries ---

func (s *Store) SaveDelivery(d Delivery) error {
	createdAt := d.CreatedAt
	if createdAt.IsZero() {
		createdAt = time.Now()
	}
	_, err := s.db.Exec(`
		INSERT INTO deliveries (id, owner_id, task_id, kind, text, ok, error, created_at)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?)`,
		d.ID, d.OwnerID, d.TaskID, d.Kind, d.Text, d.OK, d.Error, formatTime(createdAt),
	)
	return err
}

func (s *Store) ListDeliveries(limit int) ([]Delivery, error) {
	rows, err := s.db.Query(`
		SELECT id, owner_id, task_id, kind, text, ok, error, created_at
		FROM deliveries ORDER BY created_at DESC, rowid DESC LIMIT ?`, limit)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var results []Delivery
	for rows.Next() {
		var d Delivery
		var createdAt string
		if err := rows.Scan(&d.ID, &d.OwnerID, &d.TaskID, &d.Kind, &d.Text, &d.OK, &d.Error, &createdAt); err != nil {
			return nil, err
		}
		t, err := parseTime("created_at", createdAt)
		if err != nil {
			return nil, err
		}
		d.CreatedAt = t
		results = append(results, d)
	}
	return results, rows.Err()
}
