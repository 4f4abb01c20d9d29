package orchestrator

import (
	"context"
	"strings"

	"github.com/imkarma/ralph/internal/apperr"
	"github.com/imkarma/ralph/internal/preflight"
	"github.com/imkarma/ralph/internal/store"
)

// CreateTask adds a task to the backlog.
func (o *Orchestrator) CreateTask(title, description string, priority int, criteria []string) (*store.Task, error) {
	if strings.TrimSpace(title) == "" {
		return nil, apperr.Validation("task title is required")
	}
	if priority == 0 {
		priority = 2
	}
	return o.store.CreateTask(title, description, priority, criteria)
}

func (o *Orchestrator) GetTask(id string) (*store.Task, error) {
	return o.store.GetTask(id)
}

// ListTasks lists tasks, optionally filtered by status.
func (o *Orchestrator) ListTasks(status store.TaskStatus) ([]store.Task, error) {
	if status != "" && !status.Valid() {
		return nil, apperr.Validation("invalid task status %q", status)
	}
	tasks, err := o.store.ListTasks(status)
	if err != nil {
		return nil, err
	}
	if tasks == nil {
		tasks = []store.Task{}
	}
	return tasks, nil
}

// UpdateTask applies a partial update. The task of the active battle
// cannot be edited.
func (o *Orchestrator) UpdateTask(id string, u store.TaskUpdate) (*store.Task, error) {
	if taskID, active := o.activeBattle(); active && taskID == id {
		return nil, apperr.StateConflict("task %s has an active battle", id)
	}
	return o.store.UpdateTask(id, u)
}

// DeleteTask removes a task and its history.
func (o *Orchestrator) DeleteTask(id string) error {
	if taskID, active := o.activeBattle(); active && taskID == id {
		return apperr.StateConflict("task %s has an active battle", id)
	}
	return o.store.DeleteTask(id)
}

// GetBacklog returns the stored backlog. Tasks created without planning
// are returned under an unnamed backlog.
func (o *Orchestrator) GetBacklog() (*store.Backlog, error) {
	b, err := o.store.GetBacklog()
	if err == nil {
		return b, nil
	}
	if !apperr.Is(err, apperr.CodeNotFound) {
		return nil, err
	}
	tasks, err := o.ListTasks("")
	if err != nil {
		return nil, err
	}
	if len(tasks) == 0 {
		return nil, apperr.NotFound("backlog is empty, run 'ralph plan' or 'ralph task create'")
	}
	return &store.Backlog{Tasks: tasks}, nil
}

// preflightContext resolves a task id for the preflight engine. Unknown
// ids are left for the task_exists check to report.
func (o *Orchestrator) preflightContext(taskID string) preflight.Context {
	c := preflight.Context{
		WorkDir:      o.workDir,
		TaskID:       taskID,
		Config:       o.Config(),
		ActiveBattle: o.activeBattle,
	}
	if taskID != "" {
		if t, err := o.store.GetTask(taskID); err == nil {
			c.Task = t
		}
	}
	return c
}

// RunPreflight runs every readiness check, optionally for a task.
func (o *Orchestrator) RunPreflight(ctx context.Context, taskID string) preflight.Report {
	return o.preflight.Run(ctx, o.preflightContext(taskID))
}

// ApplyPreflightFix applies one check's fix and re-runs that check.
func (o *Orchestrator) ApplyPreflightFix(ctx context.Context, checkID, taskID string) (preflight.FixResult, preflight.CheckResult, error) {
	return o.preflight.ApplyFix(ctx, checkID, o.preflightContext(taskID))
}

// RestoreStash pops a stash created by the clean-tree fix.
func (o *Orchestrator) RestoreStash(ctx context.Context, ref string) (preflight.FixResult, error) {
	if _, active := o.activeBattle(); active {
		return preflight.FixResult{}, apperr.StateConflict("cannot restore a stash while a battle is active")
	}
	return o.preflight.RestoreStash(ctx, ref)
}

// DryRun renders the first battle prompt for a task without running it.
func (o *Orchestrator) DryRun(ctx context.Context, taskID string) (preflight.DryRunResult, error) {
	return o.preflight.DryRun(ctx, o.preflightContext(taskID))
}

// ValidateToken checks that the configured agent is reachable.
func (o *Orchestrator) ValidateToken(ctx context.Context) preflight.CheckResult {
	return o.preflight.ValidateToken(ctx, o.preflightContext(""))
}

// PreflightChecks lists the registered checks.
func (o *Orchestrator) PreflightChecks() []preflight.Check {
	return o.preflight.Checks()
}
