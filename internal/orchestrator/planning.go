package orchestrator

import (
	"context"
	"fmt"

	"github.com/imkarma/ralph/internal/apperr"
	"github.com/imkarma/ralph/internal/planning"
	"github.com/imkarma/ralph/internal/store"
	"go.uber.org/zap"
)

// StartPlanning begins a planning conversation. A completed session is
// replaced; any other non-idle session must be finished or reset first.
func (o *Orchestrator) StartPlanning(ctx context.Context, idea string) (planning.Status, error) {
	o.mu.Lock()
	defer o.mu.Unlock()

	if o.planning != nil {
		switch st := o.planning.State(); st {
		case planning.StateIdle, planning.StateCompleted:
		default:
			return planning.Status{}, apperr.StateConflict("planning already %s, finish or reset it first", st)
		}
	}

	runner, err := o.agentRunner(o.cfg)
	if err != nil {
		return planning.Status{}, err
	}
	session := planning.New(runner, o.prompts, planning.Options{
		WorkDir:    o.workDir,
		TimeoutSec: o.cfg.AgentTimeout(),
		Events:     o.bus,
		Logger:     o.logger,
	})
	if err := session.Start(ctx, idea); err != nil {
		return planning.Status{}, err
	}
	o.planning = session
	return session.Snapshot(), nil
}

// AnswerPlanning answers the pending question.
func (o *Orchestrator) AnswerPlanning(ctx context.Context, text string) error {
	s, err := o.requirePlanning()
	if err != nil {
		return err
	}
	if s.State() != planning.StateWaitingInput && s.Question() == "" {
		return apperr.StateConflict("planning is %s, no question pending", s.State())
	}
	return s.Answer(ctx, text)
}

// FinishPlanning extracts the backlog and appends its tasks to the store.
// A session is finished at most once. On extraction failure the conversation is kept so the call can be
// retried.
func (o *Orchestrator) FinishPlanning(ctx context.Context) (*store.Backlog, error) {
	s, err := o.requirePlanning()
	if err != nil {
		return nil, err
	}
	switch st := s.State(); st {
	case planning.StateIdle, planning.StateExtracting, planning.StateCompleted:
		return nil, apperr.StateConflict("planning is %s, nothing to finish", st)
	}

	draft, err := s.Finish(ctx)
	if err != nil {
		return nil, err
	}
	if _, err := o.store.SaveBacklog(draft.Name, draft.Description, draft.Tasks); err != nil {
		return nil, fmt.Errorf("save backlog: %w", err)
	}
	o.logger.Info("backlog saved", zap.String("name", draft.Name), zap.Int("tasks", len(draft.Tasks)))
	return o.GetBacklog()
}

// ResetPlanning discards the planning session. Always succeeds.
func (o *Orchestrator) ResetPlanning() {
	o.mu.Lock()
	s := o.planning
	o.mu.Unlock()
	if s != nil {
		s.Reset()
	}
}

// PlanningState returns idle when no session exists.
func (o *Orchestrator) PlanningState() planning.State {
	o.mu.Lock()
	s := o.planning
	o.mu.Unlock()
	if s == nil {
		return planning.StateIdle
	}
	return s.State()
}

// PlanningQuestion returns the pending question, or "".
func (o *Orchestrator) PlanningQuestion() string {
	o.mu.Lock()
	s := o.planning
	o.mu.Unlock()
	if s == nil {
		return ""
	}
	return s.Question()
}

// PlanningStatus returns a snapshot of the planning session.
func (o *Orchestrator) PlanningStatus() planning.Status {
	o.mu.Lock()
	s := o.planning
	o.mu.Unlock()
	if s == nil {
		return planning.Status{State: planning.StateIdle, Turns: []planning.Turn{}}
	}
	return s.Snapshot()
}

// BreakIntoTasks asks the agent to refine the stored backlog and replaces
// its task list wholesale. Task history is discarded, so it is refused
// while a battle is active.
func (o *Orchestrator) BreakIntoTasks(ctx context.Context) (*store.Backlog, error) {
	if taskID, active := o.activeBattle(); active {
		return nil, apperr.StateConflict("battle for %s is active, cannot replace the backlog", taskID)
	}

	current, err := o.GetBacklog()
	if err != nil {
		return nil, err
	}
	draft := planning.Backlog{Name: current.Name, Description: current.Description}
	for _, t := range current.Tasks {
		draft.Tasks = append(draft.Tasks, store.PlannedTask{
			Title:              t.Title,
			Description:        t.Description,
			Priority:           t.Priority,
			AcceptanceCriteria: t.AcceptanceCriteria,
		})
	}

	session, err := o.breakdownSession()
	if err != nil {
		return nil, err
	}
	refined, err := session.BreakIntoTasks(ctx, draft)
	if err != nil {
		return nil, err
	}

	o.mu.Lock()
	defer o.mu.Unlock()
	if l := o.activeLocked(); l != nil {
		return nil, apperr.StateConflict("battle for %s started during breakdown", l.TaskID())
	}
	if _, err := o.store.ReplaceBacklog(refined.Name, refined.Description, refined.Tasks); err != nil {
		return nil, fmt.Errorf("replace backlog: %w", err)
	}
	o.logger.Info("backlog replaced", zap.Int("tasks", len(refined.Tasks)))
	return o.GetBacklog()
}

// breakdownSession returns the current session, or a detached one when
// no conversation exists. Breakdown is not a state transition.
func (o *Orchestrator) breakdownSession() (*planning.Session, error) {
	o.mu.Lock()
	defer o.mu.Unlock()
	if o.planning != nil {
		return o.planning, nil
	}
	runner, err := o.agentRunner(o.cfg)
	if err != nil {
		return nil, err
	}
	return planning.New(runner, o.prompts, planning.Options{
		WorkDir:    o.workDir,
		TimeoutSec: o.cfg.AgentTimeout(),
		Events:     o.bus,
		Logger:     o.logger,
	}), nil
}

func (o *Orchestrator) requirePlanning() (*planning.Session, error) {
	o.mu.Lock()
	defer o.mu.Unlock()
	if o.planning == nil {
		return nil, apperr.StateConflict("no planning session, start one first")
	}
	return o.planning, nil
}
