package orchestrator

import (
	"context"
	"os"

	"github.com/imkarma/ralph/internal/apperr"
	"github.com/imkarma/ralph/internal/battle"
	"github.com/imkarma/ralph/internal/store"
	"go.uber.org/zap"
)

// StartBattle starts a battle for a task and returns once it is running.
// An empty mode uses the configured mode.
func (o *Orchestrator) StartBattle(ctx context.Context, taskID, mode string) (*BattleState, error) {
	o.mu.Lock()
	defer o.mu.Unlock()

	select {
	case <-o.stop:
		return nil, apperr.StateConflict("orchestrator is shutting down")
	default:
	}
	if l := o.activeLocked(); l != nil {
		return nil, apperr.StateConflict("battle already in progress for %s", l.TaskID())
	}

	task, err := o.store.GetTask(taskID)
	if err != nil {
		return nil, err
	}
	cfg := *o.cfg
	runner, err := o.agentRunner(&cfg)
	if err != nil {
		return nil, err
	}

	// The previous battle has ended but its keeper may not have released
	// the lease yet.
	if o.lease != "" {
		o.releaseLease(o.lease)
		o.lease = ""
	}
	// The lease makes the slot exclusive across processes sharing the
	// project, e.g. `ralph serve` and `ralph battle start`.
	owner := newLeaseOwner()
	if err := o.store.AcquireBattleLease(owner, os.Getpid(), task.ID, o.leaseTTL); err != nil {
		return nil, err
	}
	// Holding the lease, any battle still recorded as active was left by a
	// process that died after the last recovery ran.
	if err := o.failActiveBattles(""); err != nil {
		o.releaseLease(owner)
		return nil, err
	}

	loop, err := battle.New(task, battle.Options{
		Config:   &cfg,
		Mode:     mode,
		WorkDir:  o.workDir,
		Runner:   runner,
		Feedback: o.feedback,
		Tree:     o.tree,
		Store:    o.store,
		Prompts:  o.prompts,
		Events:   o.bus,
		Logger:   o.logger,
	})
	if err != nil {
		o.releaseLease(owner)
		return nil, err
	}
	if err := loop.Start(ctx); err != nil {
		o.releaseLease(owner)
		return nil, err
	}
	o.battle = loop
	o.lease = owner
	o.leaseWG.Add(1)
	go o.keepLease(loop, owner)
	o.logger.Info("battle started", zap.String("task", taskID), zap.String("mode", loop.Mode()))
	return stateOf(loop), nil
}

// PauseBattle pauses the active battle after its current iteration.
func (o *Orchestrator) PauseBattle() error {
	l, err := o.requireActive()
	if err != nil {
		return err
	}
	if !l.IsRunning() {
		return apperr.StateConflict("battle is %s, not running", l.State())
	}
	if l.PauseRequested() {
		return apperr.StateConflict("pause already requested")
	}
	return l.Pause()
}

// ResumeBattle resumes a paused battle.
func (o *Orchestrator) ResumeBattle() error {
	l, err := o.requireActive()
	if err != nil {
		return err
	}
	if !l.IsPaused() {
		return apperr.StateConflict("battle is %s, not paused", l.State())
	}
	return l.Resume()
}

// CancelBattle cancels the active battle.
func (o *Orchestrator) CancelBattle(reason string) error {
	l, err := o.requireActive()
	if err != nil {
		return err
	}
	if l.IsTerminal() {
		return apperr.StateConflict("battle already %s", l.State())
	}
	return l.Cancel(reason)
}

// ApproveBattle lets a battle awaiting approval continue.
func (o *Orchestrator) ApproveBattle() error {
	l, err := o.requireActive()
	if err != nil {
		return err
	}
	if !l.IsAwaitingApproval() {
		return apperr.StateConflict("battle is %s, not awaiting approval", l.State())
	}
	if err := l.Approve(); err != nil {
		return err
	}
	o.store.AddEvent(l.TaskID(), "", "approved", "Iteration approved")
	return nil
}

func (o *Orchestrator) requireActive() (*battle.Loop, error) {
	o.mu.Lock()
	defer o.mu.Unlock()
	l := o.activeLocked()
	if l == nil {
		return nil, apperr.StateConflict("no battle in progress")
	}
	return l, nil
}

func (o *Orchestrator) IsBattleRunning() bool {
	l := o.current()
	return l != nil && l.IsRunning()
}

func (o *Orchestrator) IsBattlePaused() bool {
	l := o.current()
	return l != nil && l.IsPaused()
}

func (o *Orchestrator) IsBattleAwaitingApproval() bool {
	l := o.current()
	return l != nil && l.IsAwaitingApproval()
}

// CurrentBattleState returns the latest battle of this process, or nil if
// none was started.
func (o *Orchestrator) CurrentBattleState() *BattleState {
	l := o.current()
	if l == nil {
		return nil
	}
	return stateOf(l)
}

// WaitBattle blocks until the current battle's loop exits.
func (o *Orchestrator) WaitBattle(ctx context.Context) (*BattleState, error) {
	l := o.current()
	if l == nil {
		return nil, apperr.StateConflict("no battle started")
	}
	if err := l.Wait(ctx); err != nil {
		return nil, err
	}
	return stateOf(l), nil
}

// GetProgress returns the live projection for the active task, or the
// persisted one otherwise.
func (o *Orchestrator) GetProgress(taskID string) (*store.Progress, error) {
	if l := o.current(); l != nil && l.TaskID() == taskID && !l.IsTerminal() {
		p := l.Progress()
		return &p, nil
	}
	return o.store.GetProgress(taskID)
}

// GetBattleHistory returns every battle recorded for a task.
func (o *Orchestrator) GetBattleHistory(taskID string) ([]store.Battle, error) {
	if _, err := o.store.GetTask(taskID); err != nil {
		return nil, err
	}
	battles, err := o.store.BattleHistory(taskID)
	if err != nil {
		return nil, err
	}
	if battles == nil {
		battles = []store.Battle{}
	}
	return battles, nil
}

func stateOf(l *battle.Loop) *BattleState {
	errs := l.ValidationErrors()
	if errs == nil {
		errs = []string{}
	}
	return &BattleState{
		Battle:           l.Snapshot(),
		Progress:         l.Progress(),
		PauseRequested:   l.PauseRequested(),
		ValidationErrors: errs,
	}
}
