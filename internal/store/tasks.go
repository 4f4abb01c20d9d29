package store

import (
	"database/sql"
	"fmt"
	"strconv"
	"strings"
	"time"

	"github.com/imkarma/ralph/internal/apperr"
)

// taskColumns is the standard column list for task queries.
const taskColumns = `id, title, description, status, priority, acceptance_criteria, created_at, updated_at`

// CreateTask inserts a new pending task and returns it with its generated ID.
func (s *Store) CreateTask(title, description string, priority int, criteria []string) (*Task, error) {
	tx, err := s.db.Begin()
	if err != nil {
		return nil, fmt.Errorf("begin: %w", err)
	}
	defer tx.Rollback()

	t, err := insertTask(tx, PlannedTask{
		Title:              title,
		Description:        description,
		Priority:           priority,
		AcceptanceCriteria: criteria,
	})
	if err != nil {
		return nil, err
	}
	if err := tx.Commit(); err != nil {
		return nil, fmt.Errorf("commit: %w", err)
	}

	s.AddEvent(t.ID, "", "created", fmt.Sprintf("Task created: %s", t.Title))
	return t, nil
}

// insertTask allocates the next NNN-slug id and inserts the task inside tx.
func insertTask(tx *sql.Tx, p PlannedTask) (*Task, error) {
	title := strings.TrimSpace(p.Title)
	if title == "" {
		return nil, apperr.Validation("task title is required")
	}
	if p.Priority < 0 {
		return nil, apperr.Validation("priority must be a positive integer, got %d", p.Priority)
	}
	if p.Priority == 0 {
		p.Priority = 1
	}
	criteria := p.AcceptanceCriteria
	if criteria == nil {
		criteria = []string{}
	}

	num, err := nextTaskNumber(tx)
	if err != nil {
		return nil, err
	}
	id := fmt.Sprintf("%03d-%s", num, Slugify(title))

	crit, err := encodeJSON(criteria)
	if err != nil {
		return nil, err
	}

	now := time.Now().UTC()
	_, err = tx.Exec(
		`INSERT INTO tasks (id, title, description, status, priority, acceptance_criteria, created_at, updated_at)
		 VALUES (?, ?, ?, ?, ?, ?, ?, ?)`,
		id, title, p.Description, string(TaskPending), p.Priority, crit, now, now,
	)
	if err != nil {
		return nil, fmt.Errorf("insert task: %w", err)
	}

	return &Task{
		ID:                 id,
		Title:              title,
		Description:        p.Description,
		Status:             TaskPending,
		Priority:           p.Priority,
		AcceptanceCriteria: criteria,
		Iterations:         []Iteration{},
		CreatedAt:          now,
		UpdatedAt:          now,
	}, nil
}

// nextTaskNumber returns one past the highest numeric id prefix in use.
func nextTaskNumber(tx *sql.Tx) (int, error) {
	rows, err := tx.Query(`SELECT id FROM tasks`)
	if err != nil {
		return 0, fmt.Errorf("list task ids: %w", err)
	}
	defer rows.Close()

	highest := 0
	for rows.Next() {
		var id string
		if err := rows.Scan(&id); err != nil {
			return 0, fmt.Errorf("scan task id: %w", err)
		}
		prefix, _, _ := strings.Cut(id, "-")
		if n, err := strconv.Atoi(prefix); err == nil && n > highest {
			highest = n
		}
	}
	if err := rows.Err(); err != nil {
		return 0, err
	}
	if highest >= 999 {
		return 0, apperr.Validation("task id space exhausted")
	}
	return highest + 1, nil
}

// Slugify turns a title into the slug half of a task id.
func Slugify(title string) string {
	var b strings.Builder
	dash := false
	for _, r := range strings.ToLower(title) {
		switch {
		case r >= 'a' && r <= 'z', r >= '0' && r <= '9':
			b.WriteRune(r)
			dash = false
		default:
			if !dash && b.Len() > 0 {
				b.WriteByte('-')
				dash = true
			}
		}
		if b.Len() >= 40 {
			break
		}
	}
	slug := strings.Trim(b.String(), "-")
	if slug == "" {
		return "task"
	}
	return slug
}

// GetTask returns a task with the iterations of its latest battle.
func (s *Store) GetTask(id string) (*Task, error) {
	if !ValidTaskID(id) {
		return nil, apperr.Validation("invalid task id %q", id)
	}
	row := s.db.QueryRow(`SELECT `+taskColumns+` FROM tasks WHERE id = ?`, id)
	t, err := scanTask(row)
	if err != nil {
		return nil, notFound(err, "task %s not found", id)
	}
	if t.Iterations, err = s.latestIterations(id); err != nil {
		return nil, err
	}
	return t, nil
}

// ListTasks returns all tasks ordered by priority, optionally filtered by status.
func (s *Store) ListTasks(status TaskStatus) ([]Task, error) {
	query := `SELECT ` + taskColumns + ` FROM tasks`
	var args []any
	if status != "" {
		query += ` WHERE status = ?`
		args = append(args, string(status))
	}
	query += ` ORDER BY priority, id`

	rows, err := s.db.Query(query, args...)
	if err != nil {
		return nil, fmt.Errorf("query tasks: %w", err)
	}
	defer rows.Close()

	var tasks []Task
	for rows.Next() {
		t, err := scanTask(rows)
		if err != nil {
			return nil, err
		}
		tasks = append(tasks, *t)
	}
	if err := rows.Err(); err != nil {
		return nil, err
	}

	for i := range tasks {
		if tasks[i].Iterations, err = s.latestIterations(tasks[i].ID); err != nil {
			return nil, err
		}
	}
	return tasks, nil
}

// UpdateTask applies a partial update and returns the updated task.
func (s *Store) UpdateTask(id string, u TaskUpdate) (*Task, error) {
	t, err := s.GetTask(id)
	if err != nil {
		return nil, err
	}

	if u.Title != nil {
		if strings.TrimSpace(*u.Title) == "" {
			return nil, apperr.Validation("task title is required")
		}
		t.Title = strings.TrimSpace(*u.Title)
	}
	if u.Description != nil {
		t.Description = *u.Description
	}
	if u.Status != nil {
		if !u.Status.Valid() {
			return nil, apperr.Validation("invalid task status %q", *u.Status)
		}
		t.Status = *u.Status
	}
	if u.Priority != nil {
		if *u.Priority < 1 {
			return nil, apperr.Validation("priority must be a positive integer, got %d", *u.Priority)
		}
		t.Priority = *u.Priority
	}
	if u.AcceptanceCriteria != nil {
		t.AcceptanceCriteria = u.AcceptanceCriteria
	}

	crit, err := encodeJSON(t.AcceptanceCriteria)
	if err != nil {
		return nil, err
	}
	t.UpdatedAt = time.Now().UTC()
	_, err = s.db.Exec(
		`UPDATE tasks SET title = ?, description = ?, status = ?, priority = ?, acceptance_criteria = ?, updated_at = ?
		 WHERE id = ?`,
		t.Title, t.Description, string(t.Status), t.Priority, crit, t.UpdatedAt, id,
	)
	if err != nil {
		return nil, fmt.Errorf("update task: %w", err)
	}
	s.AddEvent(id, "user", "updated", "Task updated")
	return t, nil
}

// UpdateTaskStatus changes the status of a task.
func (s *Store) UpdateTaskStatus(id string, status TaskStatus) error {
	if !status.Valid() {
		return apperr.Validation("invalid task status %q", status)
	}
	now := time.Now().UTC()
	res, err := s.db.Exec(
		`UPDATE tasks SET status = ?, updated_at = ? WHERE id = ?`,
		string(status), now, id,
	)
	if err != nil {
		return fmt.Errorf("update task status: %w", err)
	}
	if n, _ := res.RowsAffected(); n == 0 {
		return apperr.NotFound("task %s not found", id)
	}
	s.AddEvent(id, "", "status_changed", fmt.Sprintf("Status changed to %s", status))
	return nil
}

// DeleteTask removes a task along with its progress, battles and events.
func (s *Store) DeleteTask(id string) error {
	tx, err := s.db.Begin()
	if err != nil {
		return fmt.Errorf("begin: %w", err)
	}
	defer tx.Rollback()

	res, err := tx.Exec(`DELETE FROM tasks WHERE id = ?`, id)
	if err != nil {
		return fmt.Errorf("delete task: %w", err)
	}
	if n, _ := res.RowsAffected(); n == 0 {
		return apperr.NotFound("task %s not found", id)
	}

	for _, q := range []string{
		`DELETE FROM iterations WHERE battle_id IN (SELECT id FROM battles WHERE task_id = ?)`,
		`DELETE FROM battles WHERE task_id = ?`,
		`DELETE FROM progress WHERE task_id = ?`,
		`DELETE FROM events WHERE task_id = ?`,
		`DELETE FROM artifacts WHERE task_id = ?`,
	} {
		if _, err := tx.Exec(q, id); err != nil {
			return fmt.Errorf("delete task history: %w", err)
		}
	}
	return tx.Commit()
}

// GetBacklog returns the backlog header plus every task.
func (s *Store) GetBacklog() (*Backlog, error) {
	b := &Backlog{}
	err := s.db.QueryRow(`SELECT name, description, updated_at FROM backlog WHERE id = 1`).
		Scan(&b.Name, &b.Description, &b.UpdatedAt)
	if err != nil {
		return nil, notFound(err, "backlog not found")
	}
	if b.Tasks, err = s.ListTasks(""); err != nil {
		return nil, err
	}
	if b.Tasks == nil {
		b.Tasks = []Task{}
	}
	return b, nil
}

// SaveBacklog stores the backlog header and appends the planned tasks,
// returning the created tasks in order.
func (s *Store) SaveBacklog(name, description string, planned []PlannedTask) ([]Task, error) {
	return s.saveBacklog(name, description, planned, false)
}

// ReplaceBacklog is SaveBacklog after deleting every existing task and
// its history. Numbering restarts at 001.
func (s *Store) ReplaceBacklog(name, description string, planned []PlannedTask) ([]Task, error) {
	return s.saveBacklog(name, description, planned, true)
}

func (s *Store) saveBacklog(name, description string, planned []PlannedTask, replace bool) ([]Task, error) {
	tx, err := s.db.Begin()
	if err != nil {
		return nil, fmt.Errorf("begin: %w", err)
	}
	defer tx.Rollback()

	if replace {
		for _, q := range []string{
			`DELETE FROM iterations`,
			`DELETE FROM battles`,
			`DELETE FROM progress`,
			`DELETE FROM events`,
			`DELETE FROM artifacts`,
			`DELETE FROM tasks`,
		} {
			if _, err := tx.Exec(q); err != nil {
				return nil, fmt.Errorf("clear backlog: %w", err)
			}
		}
	}

	now := time.Now().UTC()
	_, err = tx.Exec(
		`INSERT INTO backlog (id, name, description, updated_at) VALUES (1, ?, ?, ?)
		 ON CONFLICT(id) DO UPDATE SET name = excluded.name, description = excluded.description, updated_at = excluded.updated_at`,
		name, description, now,
	)
	if err != nil {
		return nil, fmt.Errorf("save backlog: %w", err)
	}

	created := make([]Task, 0, len(planned))
	for _, p := range planned {
		t, err := insertTask(tx, p)
		if err != nil {
			return nil, err
		}
		created = append(created, *t)
	}
	if err := tx.Commit(); err != nil {
		return nil, fmt.Errorf("commit: %w", err)
	}

	for _, t := range created {
		s.AddEvent(t.ID, "planner", "created", fmt.Sprintf("Task created from backlog %q: %s", name, t.Title))
	}
	return created, nil
}

// rowScanner is satisfied by *sql.Row and *sql.Rows.
type rowScanner interface {
	Scan(dest ...any) error
}

// scanTask scans a single task row and validates its shape.
func scanTask(row rowScanner) (*Task, error) {
	var t Task
	var status, crit string
	err := row.Scan(&t.ID, &t.Title, &t.Description, &status, &t.Priority, &crit, &t.CreatedAt, &t.UpdatedAt)
	if err != nil {
		return nil, fmt.Errorf("scan task: %w", err)
	}

	t.Status = TaskStatus(status)
	if !t.Status.Valid() {
		return nil, apperr.Validation("task %s has invalid status %q", t.ID, status)
	}
	if err := decodeJSON(crit, "acceptance criteria of task "+t.ID, &t.AcceptanceCriteria); err != nil {
		return nil, err
	}
	if t.AcceptanceCriteria == nil {
		t.AcceptanceCriteria = []string{}
	}
	return &t, nil
}
