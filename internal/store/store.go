package store

import (
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"time"

	"github.com/imkarma/ralph/internal/apperr"
	_ "modernc.org/sqlite"
)

// Layout of the project state directory.
const (
	DirName    = ".ralph"
	ConfigFile = "config.yaml"
	DBFile     = "ralph.db"
	RunsDir    = "runs"
)

// Dir returns the state directory for a working directory.
func Dir(workDir string) string { return filepath.Join(workDir, DirName) }

// ConfigPath returns the config file path for a working directory.
func ConfigPath(workDir string) string { return filepath.Join(workDir, DirName, ConfigFile) }

// DBPath returns the database path for a working directory.
func DBPath(workDir string) string { return filepath.Join(workDir, DirName, DBFile) }

// RunsPath returns the directory holding iteration output artifacts.
func RunsPath(workDir string) string { return filepath.Join(workDir, DirName, RunsDir) }

// Exists reports whether the project has been initialized.
func Exists(workDir string) bool {
	info, err := os.Stat(Dir(workDir))
	return err == nil && info.IsDir()
}

// Init creates the state directory layout. It is safe to call twice.
func Init(workDir string) error {
	if err := os.MkdirAll(RunsPath(workDir), 0755); err != nil {
		return fmt.Errorf("create %s: %w", DirName, err)
	}
	return nil
}

// Store provides access to the ralph database.
type Store struct {
	db *sql.DB
}

// New opens (or creates) the SQLite database at the given path.
func New(dbPath string) (*Store, error) {
	// busy_timeout goes in the DSN so every pooled connection gets it.
	db, err := sql.Open("sqlite", dbPath+"?_pragma=busy_timeout(5000)")
	if err != nil {
		return nil, fmt.Errorf("open database: %w", err)
	}

	// Enable WAL mode for better concurrent access.
	if _, err := db.Exec("PRAGMA journal_mode=WAL"); err != nil {
		db.Close()
		return nil, fmt.Errorf("set WAL mode: %w", err)
	}

	s := &Store{db: db}
	if err := s.migrate(); err != nil {
		db.Close()
		return nil, fmt.Errorf("migrate: %w", err)
	}
	return s, nil
}

// Open opens the store of an initialized project.
func Open(workDir string) (*Store, error) {
	if !Exists(workDir) {
		return nil, apperr.NotFound("ralph is not initialized in %s (run 'ralph init')", workDir)
	}
	return New(DBPath(workDir))
}

// Close closes the database connection.
func (s *Store) Close() error {
	return s.db.Close()
}

func (s *Store) migrate() error {
	schema := `
	CREATE TABLE IF NOT EXISTS tasks (
		id                   TEXT PRIMARY KEY,
		title                TEXT NOT NULL,
		description          TEXT DEFAULT '',
		status               TEXT NOT NULL DEFAULT 'pending',
		priority             INTEGER NOT NULL DEFAULT 1,
		acceptance_criteria  TEXT NOT NULL DEFAULT '[]',
		created_at           DATETIME NOT NULL,
		updated_at           DATETIME NOT NULL
	);

	CREATE TABLE IF NOT EXISTS backlog (
		id           INTEGER PRIMARY KEY CHECK (id = 1),
		name         TEXT NOT NULL DEFAULT '',
		description  TEXT DEFAULT '',
		updated_at   DATETIME NOT NULL
	);

	CREATE TABLE IF NOT EXISTS progress (
		task_id              TEXT PRIMARY KEY REFERENCES tasks(id),
		current_iteration    INTEGER NOT NULL DEFAULT 0,
		status               TEXT NOT NULL DEFAULT 'idle',
		last_update          DATETIME NOT NULL,
		logs                 TEXT NOT NULL DEFAULT '[]',
		last_output          TEXT DEFAULT '',
		completion_detected  INTEGER NOT NULL DEFAULT 0,
		error                TEXT,
		feedback_results     TEXT NOT NULL DEFAULT '{}'
	);

	CREATE TABLE IF NOT EXISTS battles (
		id            INTEGER PRIMARY KEY AUTOINCREMENT,
		task_id       TEXT NOT NULL REFERENCES tasks(id),
		status        TEXT NOT NULL DEFAULT 'pending',
		mode          TEXT NOT NULL,
		started_at    DATETIME NOT NULL,
		completed_at  DATETIME,
		duration_ms   INTEGER NOT NULL DEFAULT 0,
		error         TEXT DEFAULT ''
	);

	CREATE TABLE IF NOT EXISTS iterations (
		battle_id         INTEGER NOT NULL REFERENCES battles(id),
		number            INTEGER NOT NULL,
		started_at        DATETIME NOT NULL,
		ended_at          DATETIME NOT NULL,
		output            TEXT DEFAULT '',
		result            TEXT NOT NULL,
		files_changed     TEXT NOT NULL DEFAULT '[]',
		commit_hash       TEXT DEFAULT '',
		error             TEXT DEFAULT '',
		feedback_results  TEXT NOT NULL DEFAULT '{}',
		PRIMARY KEY (battle_id, number)
	);

	CREATE TABLE IF NOT EXISTS events (
		id          INTEGER PRIMARY KEY AUTOINCREMENT,
		task_id     TEXT NOT NULL,
		agent       TEXT DEFAULT '',
		event_type  TEXT NOT NULL,
		content     TEXT DEFAULT '',
		timestamp   DATETIME NOT NULL
	);

	CREATE TABLE IF NOT EXISTS artifacts (
		id          INTEGER PRIMARY KEY AUTOINCREMENT,
		task_id     TEXT NOT NULL,
		type        TEXT NOT NULL,
		file_path   TEXT NOT NULL,
		timestamp   DATETIME NOT NULL
	);

	CREATE TABLE IF NOT EXISTS battle_lease (
		id            INTEGER PRIMARY KEY CHECK (id = 1),
		owner         TEXT NOT NULL,
		pid           INTEGER NOT NULL,
		task_id       TEXT NOT NULL,
		heartbeat_ms  INTEGER NOT NULL
	);

	CREATE INDEX IF NOT EXISTS idx_battles_task ON battles(task_id);
	CREATE INDEX IF NOT EXISTS idx_events_task ON events(task_id);
	`
	if _, err := s.db.Exec(schema); err != nil {
		return err
	}

	// Migrate existing databases: add new columns if missing.
	s.addColumnIfMissing("battles", "mode", "TEXT NOT NULL DEFAULT 'hitl'")
	return nil
}

// addColumnIfMissing adds a column to a table if it doesn't exist yet.
// Used for schema migrations on existing databases.
func (s *Store) addColumnIfMissing(table, column, colDef string) {
	rows, err := s.db.Query("PRAGMA table_info(" + table + ")")
	if err != nil {
		return
	}
	defer rows.Close()

	for rows.Next() {
		var cid int
		var name, ctype string
		var notnull int
		var dfltValue *string
		var pk int
		if err := rows.Scan(&cid, &name, &ctype, &notnull, &dfltValue, &pk); err != nil {
			return
		}
		if name == column {
			return
		}
	}

	s.db.Exec("ALTER TABLE " + table + " ADD COLUMN " + column + " " + colDef)
}

// AddEvent records an audit event for a task.
func (s *Store) AddEvent(taskID, agent, eventType, content string) {
	now := time.Now().UTC()
	s.db.Exec(
		`INSERT INTO events (task_id, agent, event_type, content, timestamp) VALUES (?, ?, ?, ?, ?)`,
		taskID, agent, eventType, content, now,
	)
}

// GetEvents returns all events for a task, oldest first.
func (s *Store) GetEvents(taskID string) ([]Event, error) {
	rows, err := s.db.Query(
		`SELECT id, task_id, agent, event_type, content, timestamp FROM events WHERE task_id = ? ORDER BY id`,
		taskID,
	)
	if err != nil {
		return nil, fmt.Errorf("get events: %w", err)
	}
	defer rows.Close()

	var events []Event
	for rows.Next() {
		var e Event
		if err := rows.Scan(&e.ID, &e.TaskID, &e.Agent, &e.Type, &e.Content, &e.Timestamp); err != nil {
			return nil, fmt.Errorf("scan event: %w", err)
		}
		events = append(events, e)
	}
	return events, rows.Err()
}

// AddArtifact records a file produced while working on a task.
func (s *Store) AddArtifact(taskID, artifactType, filePath string) error {
	now := time.Now().UTC()
	_, err := s.db.Exec(
		`INSERT INTO artifacts (task_id, type, file_path, timestamp) VALUES (?, ?, ?, ?)`,
		taskID, artifactType, filePath, now,
	)
	if err != nil {
		return fmt.Errorf("add artifact: %w", err)
	}
	return nil
}

// ListArtifacts returns the artifact paths recorded for a task, oldest first.
func (s *Store) ListArtifacts(taskID string) ([]string, error) {
	rows, err := s.db.Query(`SELECT file_path FROM artifacts WHERE task_id = ? ORDER BY id`, taskID)
	if err != nil {
		return nil, fmt.Errorf("list artifacts: %w", err)
	}
	defer rows.Close()

	var paths []string
	for rows.Next() {
		var p string
		if err := rows.Scan(&p); err != nil {
			return nil, fmt.Errorf("scan artifact: %w", err)
		}
		paths = append(paths, p)
	}
	return paths, rows.Err()
}

// encodeJSON marshals a value for a TEXT column.
func encodeJSON(v any) (string, error) {
	data, err := json.Marshal(v)
	if err != nil {
		return "", fmt.Errorf("encode column: %w", err)
	}
	return string(data), nil
}

// decodeJSON unmarshals a TEXT column; a malformed value is a validation error.
func decodeJSON(raw, column string, v any) error {
	if raw == "" {
		return nil
	}
	if err := json.Unmarshal([]byte(raw), v); err != nil {
		return apperr.Wrap(apperr.CodeValidation, err, "malformed %s", column)
	}
	return nil
}

// notFound translates sql.ErrNoRows into a NotFound error.
func notFound(err error, format string, args ...any) error {
	if errors.Is(err, sql.ErrNoRows) {
		return apperr.NotFound(format, args...)
	}
	return err
}
