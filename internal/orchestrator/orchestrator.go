// Package orchestrator is the composition root. It owns the store, the
// event bus and the single-flight registry that allows at most one battle
// and one planning session to be active at a time.
package orchestrator

import (
	"context"
	"errors"
	"fmt"
	"os"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/imkarma/ralph/internal/agent"
	"github.com/imkarma/ralph/internal/apperr"
	"github.com/imkarma/ralph/internal/battle"
	"github.com/imkarma/ralph/internal/config"
	"github.com/imkarma/ralph/internal/event"
	"github.com/imkarma/ralph/internal/feedback"
	"github.com/imkarma/ralph/internal/git"
	"github.com/imkarma/ralph/internal/planning"
	"github.com/imkarma/ralph/internal/preflight"
	"github.com/imkarma/ralph/internal/prompt"
	"github.com/imkarma/ralph/internal/store"
	"go.uber.org/zap"
)

// DefaultLeaseTTL is how long a battle lease stays valid without a
// heartbeat. Battles of a process that died are recovered after it.
const DefaultLeaseTTL = 30 * time.Second

// Options configures an Orchestrator. Only Store and Config are required.
type Options struct {
	WorkDir  string
	Store    *store.Store
	Config   *config.Config
	Bus      *event.Bus      // Nil creates a bus owned by the orchestrator
	Runner   agent.Runner    // Nil builds one from Config.Agent per battle
	Feedback feedback.Runner // Nil runs loops through the shell
	Tree     battle.WorkTree // Nil uses git when WorkDir is a repository
	Logger   *zap.Logger
	// SkipRecovery leaves battles recorded as active untouched.
	SkipRecovery bool
	// LeaseTTL overrides DefaultLeaseTTL.
	LeaseTTL time.Duration
}

// Orchestrator exposes every battle, planning, preflight and task
// operation. All methods are safe for concurrent use.
type Orchestrator struct {
	workDir   string
	store     *store.Store
	bus       *event.Bus
	ownBus    bool
	ownStore  bool
	runner    agent.Runner
	feedback  feedback.Runner
	tree      battle.WorkTree
	prompts   *prompt.Builder
	preflight *preflight.Engine
	logger    *zap.Logger
	closeOnce sync.Once

	// Cross-process battle slot, see StartBattle.
	leaseTTL time.Duration
	leaseWG  sync.WaitGroup
	stop     chan struct{}
	stopOnce sync.Once

	mu       sync.Mutex
	cfg      *config.Config
	battle   *battle.Loop
	lease    string // Lease owner id of the latest battle
	planning *planning.Session
}

// BattleState is the current battle as seen by pollers.
type BattleState struct {
	Battle           store.Battle   `json:"battle"`
	Progress         store.Progress `json:"progress"`
	PauseRequested   bool           `json:"pauseRequested"`
	ValidationErrors []string       `json:"validationErrors"`
}

// Open loads the store and config of an initialized project from
// opts.WorkDir and wires an orchestrator over them. The store is closed by
// Shutdown.
func Open(opts Options) (*Orchestrator, error) {
	s, err := store.Open(opts.WorkDir)
	if err != nil {
		return nil, err
	}
	cfg, err := config.Load(store.ConfigPath(opts.WorkDir))
	if err != nil {
		s.Close()
		return nil, apperr.Wrap(apperr.CodeValidation, err, "load config")
	}
	opts.Store = s
	opts.Config = cfg
	o, err := New(opts)
	if err != nil {
		s.Close()
		return nil, err
	}
	o.ownStore = true
	return o, nil
}

// New wires an orchestrator from already opened components. Battles left
// active by a previous process are marked failed.
func New(opts Options) (*Orchestrator, error) {
	if opts.Store == nil || opts.Config == nil {
		return nil, apperr.Validation("orchestrator needs a store and a config")
	}
	logger := opts.Logger
	if logger == nil {
		logger = zap.NewNop()
	}
	o := &Orchestrator{
		workDir:  opts.WorkDir,
		store:    opts.Store,
		bus:      opts.Bus,
		runner:   opts.Runner,
		feedback: opts.Feedback,
		tree:     opts.Tree,
		cfg:      opts.Config,
		logger:   logger.Named("orchestrator"),
		leaseTTL: opts.LeaseTTL,
		stop:     make(chan struct{}),
	}
	if o.leaseTTL <= 0 {
		o.leaseTTL = DefaultLeaseTTL
	}
	if o.bus == nil {
		o.bus = event.NewBus(logger)
		o.ownBus = true
	}
	if o.feedback == nil {
		o.feedback = feedback.New(opts.WorkDir, logger)
	}
	if o.tree == nil && opts.WorkDir != "" {
		repo := git.New(opts.WorkDir)
		if repo.IsGitRepo(context.Background()) {
			o.tree = repo
		}
	}
	o.prompts = prompt.New(o.store)
	o.preflight = preflight.New(opts.WorkDir, o.prompts, logger)

	if !opts.SkipRecovery {
		if err := o.recoverInterrupted(); err != nil {
			return nil, err
		}
	}
	return o, nil
}

// Bus returns the event bus battles and planning publish to.
func (o *Orchestrator) Bus() *event.Bus { return o.bus }

// Store returns the underlying store.
func (o *Orchestrator) Store() *store.Store { return o.store }

// WorkDir returns the project directory.
func (o *Orchestrator) WorkDir() string { return o.workDir }

// recoverInterrupted fails battles a crashed process left active, so the
// single-flight invariant holds across restarts. A battle covered by a live
// lease belongs to a running process and is left alone.
func (o *Orchestrator) recoverInterrupted() error {
	lease, err := o.store.GetBattleLease()
	if err != nil {
		return err
	}
	if !lease.Live(o.leaseTTL, time.Now()) {
		return o.failActiveBattles("")
	}
	return o.failActiveBattles(lease.TaskID)
}

// failActiveBattles marks battles recorded as active failed and puts their
// tasks back to pending. The battle of task keep belongs to a live lease
// holder and is left alone.
func (o *Orchestrator) failActiveBattles(keep string) error {
	active, err := o.store.ListActiveBattles()
	if err != nil {
		return fmt.Errorf("list active battles: %w", err)
	}
	for i := range active {
		b := active[i]
		if keep != "" && b.TaskID == keep {
			o.logger.Info("battle owned by another process", zap.Int64("battle", b.ID), zap.String("task", b.TaskID))
			continue
		}
		now := time.Now().UTC()
		b.Status = store.BattleFailed
		b.Error = "interrupted: process exited while the battle was active"
		b.CompletedAt = &now
		b.Duration = now.Sub(b.StartedAt)
		if err := o.store.UpdateBattle(&b); err != nil {
			return fmt.Errorf("recover battle %d: %w", b.ID, err)
		}
		if err := o.store.UpdateTaskStatus(b.TaskID, store.TaskPending); err != nil && !apperr.Is(err, apperr.CodeNotFound) {
			return fmt.Errorf("recover task %s: %w", b.TaskID, err)
		}
		o.store.AddEvent(b.TaskID, "", "failed", b.Error)
		o.logger.Warn("recovered interrupted battle", zap.Int64("battle", b.ID), zap.String("task", b.TaskID))
	}
	return nil
}

// newLeaseOwner returns a lease owner id unique to one battle.
func newLeaseOwner() string {
	return fmt.Sprintf("%d-%s", os.Getpid(), uuid.NewString())
}

// keepLease renews a battle's lease until the loop exits or the
// orchestrator shuts down, then releases it.
func (o *Orchestrator) keepLease(loop *battle.Loop, owner string) {
	defer o.leaseWG.Done()
	ticker := time.NewTicker(max(o.leaseTTL/3, time.Millisecond))
	defer ticker.Stop()

	for {
		select {
		case <-ticker.C:
			held, err := o.store.RenewBattleLease(owner)
			if err != nil {
				o.logger.Warn("renew battle lease", zap.Error(err))
				continue
			}
			if !held {
				o.logger.Error("battle lease lost to another process", zap.String("task", loop.TaskID()))
				return
			}
		case <-loop.Done():
			o.releaseLease(owner)
			return
		case <-o.stop:
			o.releaseLease(owner)
			return
		}
	}
}

func (o *Orchestrator) releaseLease(owner string) {
	if err := o.store.ReleaseBattleLease(owner); err != nil {
		o.logger.Warn("release battle lease", zap.Error(err))
	}
}

// agentRunner returns the injected runner or one built from config.
func (o *Orchestrator) agentRunner(cfg *config.Config) (agent.Runner, error) {
	if o.runner != nil {
		return o.runner, nil
	}
	r, err := agent.NewRunner(cfg.Agent)
	if err != nil {
		return nil, apperr.Wrap(apperr.CodeValidation, err, "configure agent")
	}
	return r, nil
}

// activeLocked returns the loop holding the single-flight slot. A loop
// whose goroutine has not exited yet still holds it. Caller holds o.mu.
func (o *Orchestrator) activeLocked() *battle.Loop {
	if o.battle == nil {
		return nil
	}
	select {
	case <-o.battle.Done():
		return nil
	default:
		return o.battle
	}
}

// activeBattle reports the task of the active battle, if any.
func (o *Orchestrator) activeBattle() (string, bool) {
	o.mu.Lock()
	defer o.mu.Unlock()
	if l := o.activeLocked(); l != nil {
		return l.TaskID(), true
	}
	return "", false
}

// current returns the most recent loop, active or not.
func (o *Orchestrator) current() *battle.Loop {
	o.mu.Lock()
	defer o.mu.Unlock()
	return o.battle
}

// Config returns a copy of the current configuration.
func (o *Orchestrator) Config() *config.Config {
	o.mu.Lock()
	defer o.mu.Unlock()
	cfg := *o.cfg
	cfg.FeedbackLoops = append([]config.FeedbackLoop(nil), o.cfg.FeedbackLoops...)
	cfg.Agent.Args = append([]string(nil), o.cfg.Agent.Args...)
	return &cfg
}

// UpdateConfig validates, saves and applies a new configuration. A running
// battle keeps the config it started with.
func (o *Orchestrator) UpdateConfig(cfg *config.Config) error {
	if err := validateConfig(cfg); err != nil {
		return err
	}
	if o.workDir != "" {
		if err := config.Save(store.ConfigPath(o.workDir), cfg); err != nil {
			return fmt.Errorf("save config: %w", err)
		}
	}
	o.setConfig(cfg)
	return nil
}

// ApplyConfig applies a configuration without saving it, e.g. one reloaded
// after the file was edited.
func (o *Orchestrator) ApplyConfig(cfg *config.Config) error {
	if err := validateConfig(cfg); err != nil {
		return err
	}
	o.setConfig(cfg)
	return nil
}

func validateConfig(cfg *config.Config) error {
	if cfg == nil {
		return apperr.Validation("config is required")
	}
	if err := cfg.Validate(); err != nil {
		return apperr.Wrap(apperr.CodeValidation, err, "invalid config")
	}
	return nil
}

func (o *Orchestrator) setConfig(cfg *config.Config) {
	o.mu.Lock()
	o.cfg = cfg
	o.mu.Unlock()
	o.logger.Info("config updated", zap.String("mode", cfg.Mode), zap.Int("max_iterations", cfg.MaxIterations))
}

// Shutdown cancels an active battle, waits for its goroutine, resets
// planning and closes what the orchestrator owns.
func (o *Orchestrator) Shutdown(ctx context.Context) error {
	o.mu.Lock()
	loop := o.activeLocked()
	session := o.planning
	o.mu.Unlock()

	var errs []error
	if loop != nil {
		if err := loop.Cancel("shutdown"); err != nil && !apperr.Is(err, apperr.CodeStateConflict) {
			errs = append(errs, err)
		}
		loop.Abort()
		if err := loop.Wait(ctx); err != nil {
			errs = append(errs, fmt.Errorf("wait for battle: %w", err))
		}
	}
	o.mu.Lock()
	o.stopOnce.Do(func() { close(o.stop) })
	o.mu.Unlock()
	o.leaseWG.Wait()
	if session != nil {
		session.Reset()
	}
	o.closeOnce.Do(func() {
		if o.ownBus {
			o.bus.Close()
		}
		if o.ownStore {
			if err := o.store.Close(); err != nil {
				errs = append(errs, fmt.Errorf("close store: %w", err))
			}
		}
	})
	return errors.Join(errs...)
}
