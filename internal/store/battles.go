package store

import (
	"database/sql"
	"fmt"
	"time"

	"github.com/imkarma/ralph/internal/apperr"
)

// CreateBattle records a new pending battle for a task.
func (s *Store) CreateBattle(taskID, mode string) (*Battle, error) {
	now := time.Now().UTC()
	res, err := s.db.Exec(
		`INSERT INTO battles (task_id, status, mode, started_at) VALUES (?, ?, ?, ?)`,
		taskID, string(BattlePending), mode, now,
	)
	if err != nil {
		return nil, fmt.Errorf("create battle: %w", err)
	}
	id, _ := res.LastInsertId()
	return &Battle{
		ID:         id,
		TaskID:     taskID,
		Status:     BattlePending,
		Mode:       mode,
		Iterations: []Iteration{},
		StartedAt:  now,
	}, nil
}

// UpdateBattle persists the mutable fields of a battle (not its iterations).
func (s *Store) UpdateBattle(b *Battle) error {
	if !b.Status.Valid() {
		return apperr.Validation("invalid battle status %q", b.Status)
	}
	var completed sql.NullTime
	if b.CompletedAt != nil {
		completed = sql.NullTime{Time: *b.CompletedAt, Valid: true}
	}
	res, err := s.db.Exec(
		`UPDATE battles SET status = ?, completed_at = ?, duration_ms = ?, error = ? WHERE id = ?`,
		string(b.Status), completed, b.Duration.Milliseconds(), b.Error, b.ID,
	)
	if err != nil {
		return fmt.Errorf("update battle: %w", err)
	}
	if n, _ := res.RowsAffected(); n == 0 {
		return apperr.NotFound("battle %d not found", b.ID)
	}
	return nil
}

// AppendIteration records an iteration. Numbers must continue the battle's
// sequence without gaps.
func (s *Store) AppendIteration(battleID int64, it Iteration) error {
	tx, err := s.db.Begin()
	if err != nil {
		return fmt.Errorf("begin: %w", err)
	}
	defer tx.Rollback()

	var last int
	if err := tx.QueryRow(`SELECT COALESCE(MAX(number), 0) FROM iterations WHERE battle_id = ?`, battleID).Scan(&last); err != nil {
		return fmt.Errorf("read iteration count: %w", err)
	}
	if it.Number != last+1 {
		return apperr.Validation("iteration %d out of sequence for battle %d (next is %d)", it.Number, battleID, last+1)
	}

	files := it.FilesChanged
	if files == nil {
		files = []string{}
	}
	filesJSON, err := encodeJSON(files)
	if err != nil {
		return err
	}
	fb := it.FeedbackResults
	if fb == nil {
		fb = map[string]FeedbackResult{}
	}
	fbJSON, err := encodeJSON(fb)
	if err != nil {
		return err
	}

	_, err = tx.Exec(
		`INSERT INTO iterations (battle_id, number, started_at, ended_at, output, result, files_changed, commit_hash, error, feedback_results)
		 VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?)`,
		battleID, it.Number, it.StartedAt.UTC(), it.EndedAt.UTC(), it.Output, string(it.Result),
		filesJSON, it.CommitHash, it.Error, fbJSON,
	)
	if err != nil {
		return fmt.Errorf("insert iteration: %w", err)
	}
	return tx.Commit()
}

// GetBattle returns one battle with its iterations.
func (s *Store) GetBattle(id int64) (*Battle, error) {
	row := s.db.QueryRow(`SELECT `+battleColumns+` FROM battles WHERE id = ?`, id)
	b, err := scanBattle(row)
	if err != nil {
		return nil, notFound(err, "battle %d not found", id)
	}
	if b.Iterations, err = s.iterations(b.ID); err != nil {
		return nil, err
	}
	return b, nil
}

// BattleHistory returns every battle for a task, oldest first.
func (s *Store) BattleHistory(taskID string) ([]Battle, error) {
	rows, err := s.db.Query(`SELECT `+battleColumns+` FROM battles WHERE task_id = ? ORDER BY id`, taskID)
	if err != nil {
		return nil, fmt.Errorf("query battles: %w", err)
	}
	defer rows.Close()

	var battles []Battle
	for rows.Next() {
		b, err := scanBattle(rows)
		if err != nil {
			return nil, err
		}
		battles = append(battles, *b)
	}
	if err := rows.Err(); err != nil {
		return nil, err
	}

	for i := range battles {
		if battles[i].Iterations, err = s.iterations(battles[i].ID); err != nil {
			return nil, err
		}
	}
	return battles, nil
}

// ListActiveBattles returns battles left in a non-terminal state, e.g. by a crash.
func (s *Store) ListActiveBattles() ([]Battle, error) {
	rows, err := s.db.Query(
		`SELECT `+battleColumns+` FROM battles WHERE status IN (?, ?, ?, ?) ORDER BY id`,
		string(BattlePending), string(BattleRunning), string(BattlePaused), string(BattleAwaitingApproval),
	)
	if err != nil {
		return nil, fmt.Errorf("query active battles: %w", err)
	}
	defer rows.Close()

	var battles []Battle
	for rows.Next() {
		b, err := scanBattle(rows)
		if err != nil {
			return nil, err
		}
		battles = append(battles, *b)
	}
	return battles, rows.Err()
}

// latestIterations returns the iterations of the task's most recent battle.
func (s *Store) latestIterations(taskID string) ([]Iteration, error) {
	var id int64
	err := s.db.QueryRow(`SELECT id FROM battles WHERE task_id = ? ORDER BY id DESC LIMIT 1`, taskID).Scan(&id)
	if err == sql.ErrNoRows {
		return []Iteration{}, nil
	}
	if err != nil {
		return nil, fmt.Errorf("latest battle: %w", err)
	}
	return s.iterations(id)
}

func (s *Store) iterations(battleID int64) ([]Iteration, error) {
	rows, err := s.db.Query(
		`SELECT number, started_at, ended_at, output, result, files_changed, commit_hash, error, feedback_results
		 FROM iterations WHERE battle_id = ? ORDER BY number`, battleID,
	)
	if err != nil {
		return nil, fmt.Errorf("query iterations: %w", err)
	}
	defer rows.Close()

	its := []Iteration{}
	for rows.Next() {
		var it Iteration
		var result, files, fb string
		if err := rows.Scan(&it.Number, &it.StartedAt, &it.EndedAt, &it.Output, &result,
			&files, &it.CommitHash, &it.Error, &fb); err != nil {
			return nil, fmt.Errorf("scan iteration: %w", err)
		}
		it.Result = IterationResult(result)
		if err := decodeJSON(files, "files_changed", &it.FilesChanged); err != nil {
			return nil, err
		}
		if err := decodeJSON(fb, "feedback_results", &it.FeedbackResults); err != nil {
			return nil, err
		}
		its = append(its, it)
	}
	return its, rows.Err()
}

const battleColumns = `id, task_id, status, mode, started_at, completed_at, duration_ms, error`

func scanBattle(row rowScanner) (*Battle, error) {
	var b Battle
	var status string
	var completed sql.NullTime
	var durationMS int64
	if err := row.Scan(&b.ID, &b.TaskID, &status, &b.Mode, &b.StartedAt, &completed, &durationMS, &b.Error); err != nil {
		return nil, fmt.Errorf("scan battle: %w", err)
	}
	b.Status = BattleStatus(status)
	if !b.Status.Valid() {
		return nil, apperr.Validation("battle %d has invalid status %q", b.ID, status)
	}
	if completed.Valid {
		t := completed.Time
		b.CompletedAt = &t
	}
	b.Duration = time.Duration(durationMS) * time.Millisecond
	return &b, nil
}

// GetProgress returns the progress projection for a task.
func (s *Store) GetProgress(taskID string) (*Progress, error) {
	var p Progress
	var status, logs, fb string
	var completion int
	var errText sql.NullString
	err := s.db.QueryRow(
		`SELECT task_id, current_iteration, status, last_update, logs, last_output, completion_detected, error, feedback_results
		 FROM progress WHERE task_id = ?`, taskID,
	).Scan(&p.TaskID, &p.CurrentIteration, &status, &p.LastUpdate, &logs, &p.LastOutput, &completion, &errText, &fb)
	if err != nil {
		return nil, notFound(err, "no progress recorded for task %s", taskID)
	}

	p.Status = ProgressStatus(status)
	switch p.Status {
	case ProgressIdle, ProgressInProgress, ProgressAwaitingApproval, ProgressCompleted, ProgressFailed:
	default:
		return nil, apperr.Validation("progress for %s has invalid status %q", taskID, status)
	}
	p.CompletionDetected = completion != 0
	if errText.Valid {
		p.Error = &errText.String
	}
	if err := decodeJSON(logs, "progress logs", &p.Logs); err != nil {
		return nil, err
	}
	if err := decodeJSON(fb, "progress feedback_results", &p.FeedbackResults); err != nil {
		return nil, err
	}
	if p.Logs == nil {
		p.Logs = []string{}
	}
	if p.FeedbackResults == nil {
		p.FeedbackResults = map[string]FeedbackResult{}
	}
	return &p, nil
}

// SaveProgress overwrites the progress projection for a task.
func (s *Store) SaveProgress(p *Progress) error {
	logs := p.Logs
	if logs == nil {
		logs = []string{}
	}
	logsJSON, err := encodeJSON(logs)
	if err != nil {
		return err
	}
	fb := p.FeedbackResults
	if fb == nil {
		fb = map[string]FeedbackResult{}
	}
	fbJSON, err := encodeJSON(fb)
	if err != nil {
		return err
	}
	var errText sql.NullString
	if p.Error != nil {
		errText = sql.NullString{String: *p.Error, Valid: true}
	}
	completion := 0
	if p.CompletionDetected {
		completion = 1
	}
	if p.LastUpdate.IsZero() {
		p.LastUpdate = time.Now().UTC()
	}

	_, err = s.db.Exec(
		`INSERT INTO progress (task_id, current_iteration, status, last_update, logs, last_output, completion_detected, error, feedback_results)
		 VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?)
		 ON CONFLICT(task_id) DO UPDATE SET
		   current_iteration = excluded.current_iteration,
		   status = excluded.status,
		   last_update = excluded.last_update,
		   logs = excluded.logs,
		   last_output = excluded.last_output,
		   completion_detected = excluded.completion_detected,
		   error = excluded.error,
		   feedback_results = excluded.feedback_results`,
		p.TaskID, p.CurrentIteration, string(p.Status), p.LastUpdate.UTC(), logsJSON, p.LastOutput,
		completion, errText, fbJSON,
	)
	if err != nil {
		return fmt.Errorf("save progress: %w", err)
	}
	return nil
}
