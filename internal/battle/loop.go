// Package battle runs the iteration loop that drives one task to
// completion: invoke the agent, run the feedback loops, check for a
// completion claim, and decide whether to continue, wait for a human,
// succeed or fail.
package battle

import (
	"context"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"sync"
	"time"

	"github.com/imkarma/ralph/internal/agent"
	"github.com/imkarma/ralph/internal/apperr"
	"github.com/imkarma/ralph/internal/completion"
	"github.com/imkarma/ralph/internal/config"
	"github.com/imkarma/ralph/internal/event"
	"github.com/imkarma/ralph/internal/feedback"
	"github.com/imkarma/ralph/internal/prompt"
	"github.com/imkarma/ralph/internal/store"
	"go.uber.org/zap"
)

// ErrMaxIterations is the battle error when the budget runs out.
var ErrMaxIterations = errors.New("max iterations exceeded")

// maxLogLines caps the progress log.
const maxLogLines = 200

// Store is the persistence the loop needs.
type Store interface {
	UpdateTaskStatus(id string, status store.TaskStatus) error
	CreateBattle(taskID, mode string) (*store.Battle, error)
	UpdateBattle(b *store.Battle) error
	AppendIteration(battleID int64, it store.Iteration) error
	SaveProgress(p *store.Progress) error
	AddEvent(taskID, agent, eventType, content string)
	AddArtifact(taskID, artifactType, filePath string) error
}

// WorkTree is the working-tree adapter.
type WorkTree interface {
	ChangedFiles(ctx context.Context) ([]string, error)
	FilterIgnored(ctx context.Context, paths []string) ([]string, error)
	CommitAll(ctx context.Context, message string) (string, error)
}

// Options wires a loop's collaborators.
type Options struct {
	Config   *config.Config
	Mode     string // hitl or yolo, empty means Config.Mode
	WorkDir  string
	Runner   agent.Runner
	Feedback feedback.Runner
	Tree     WorkTree // Nil disables changed-file tracking and auto-commit
	Store    Store
	Prompts  *prompt.Builder
	Events   event.Publisher
	Logger   *zap.Logger
}

// Loop is one battle for one task. Control methods are safe to call from
// any goroutine while the loop runs.
type Loop struct {
	task     *store.Task
	cfg      *config.Config
	mode     string
	workDir  string
	runner   agent.Runner
	feedback feedback.Runner
	tree     WorkTree
	store    Store
	prompts  *prompt.Builder
	events   event.Publisher
	logger   *zap.Logger

	ctx   context.Context // Lives as long as the loop; Abort cancels it
	abort context.CancelFunc
	wake  chan struct{}
	done  chan struct{}

	mu             sync.Mutex
	battle         store.Battle
	progress       store.Progress
	pauseRequested bool
	needsApproval  bool
	lastErrors     []string // Validation errors fed into the next prompt

	persistMu sync.Mutex
}

// New creates a pending loop for a task.
func New(task *store.Task, opts Options) (*Loop, error) {
	if task == nil {
		return nil, apperr.Validation("battle needs a task")
	}
	if opts.Config == nil {
		return nil, apperr.Validation("battle needs a config")
	}
	if opts.Runner == nil || opts.Store == nil {
		return nil, apperr.Validation("battle needs an agent runner and a store")
	}
	mode := opts.Mode
	if mode == "" {
		mode = opts.Config.Mode
	}
	if mode != config.ModeHITL && mode != config.ModeYOLO {
		return nil, apperr.Validation("mode must be %q or %q, got %q", config.ModeHITL, config.ModeYOLO, mode)
	}
	if opts.Feedback == nil {
		opts.Feedback = feedback.New(opts.WorkDir, opts.Logger)
	}
	if opts.Prompts == nil {
		opts.Prompts = prompt.New(nil)
	}
	if opts.Events == nil {
		opts.Events = event.Discard
	}
	if opts.Logger == nil {
		opts.Logger = zap.NewNop()
	}

	ctx, abort := context.WithCancel(context.Background())
	return &Loop{
		task:     task,
		cfg:      opts.Config,
		mode:     mode,
		workDir:  opts.WorkDir,
		runner:   opts.Runner,
		feedback: opts.Feedback,
		tree:     opts.Tree,
		store:    opts.Store,
		prompts:  opts.Prompts,
		events:   opts.Events,
		logger:   opts.Logger.Named("battle").With(zap.String("task", task.ID), zap.String("mode", mode)),
		ctx:      ctx,
		abort:    abort,
		wake:     make(chan struct{}, 1),
		done:     make(chan struct{}),
		battle: store.Battle{
			TaskID:     task.ID,
			Status:     store.BattlePending,
			Mode:       mode,
			Iterations: []store.Iteration{},
		},
		progress: store.Progress{
			TaskID:          task.ID,
			Status:          store.ProgressIdle,
			Logs:            []string{},
			FeedbackResults: map[string]store.FeedbackResult{},
		},
	}, nil
}

// Start records the battle and runs the loop in the background.
func (l *Loop) Start(ctx context.Context) error {
	l.mu.Lock()
	if l.battle.Status != store.BattlePending {
		st := l.battle.Status
		l.mu.Unlock()
		return apperr.StateConflict("battle for %s is %s, not pending", l.task.ID, st)
	}

	rec, err := l.store.CreateBattle(l.task.ID, l.mode)
	if err != nil {
		l.mu.Unlock()
		return fmt.Errorf("create battle: %w", err)
	}
	l.battle.ID = rec.ID
	l.battle.StartedAt = rec.StartedAt
	l.battle.Status = store.BattleRunning
	l.progress.Status = store.ProgressInProgress
	l.logLocked("Battle started in %s mode", l.mode)
	l.emitState(event.BattleStarted, "")
	l.mu.Unlock()

	if err := l.store.UpdateTaskStatus(l.task.ID, store.TaskInProgress); err != nil {
		l.reportError(0, fmt.Errorf("update task status: %w", err))
	}
	l.store.AddEvent(l.task.ID, l.runner.Name(), "battle_started", fmt.Sprintf("Battle started (%s mode)", l.mode))
	l.persist()
	l.saveProgress()

	l.logger.Info("battle started", zap.Int64("battle", rec.ID))
	go l.run()
	return nil
}

// Pause asks the loop to stop after the in-flight iteration is recorded.
func (l *Loop) Pause() error {
	l.mu.Lock()
	defer l.mu.Unlock()
	if l.battle.Status != store.BattleRunning {
		return apperr.StateConflict("battle is %s, only a running battle can be paused", l.battle.Status)
	}
	if l.pauseRequested {
		return apperr.StateConflict("pause already requested")
	}
	l.pauseRequested = true
	l.logLocked("Pause requested")
	l.signal()
	return nil
}

// Resume continues a paused battle with the next iteration.
func (l *Loop) Resume() error {
	l.mu.Lock()
	defer l.mu.Unlock()
	if l.battle.Status != store.BattlePaused {
		return apperr.StateConflict("battle is %s, not paused", l.battle.Status)
	}
	l.battle.Status = store.BattleRunning
	l.progress.Status = store.ProgressInProgress
	l.logLocked("Resumed")
	l.emitState(event.BattleResumed, "")
	l.signal()
	return nil
}

// Approve lets a battle awaiting approval run its next iteration.
func (l *Loop) Approve() error {
	l.mu.Lock()
	defer l.mu.Unlock()
	if l.battle.Status != store.BattleAwaitingApproval {
		return apperr.StateConflict("battle is %s, not awaiting approval", l.battle.Status)
	}
	l.battle.Status = store.BattleRunning
	l.progress.Status = store.ProgressInProgress
	l.logLocked("Approved")
	l.emitState(event.BattleApprovalReceived, "")
	l.signal()
	return nil
}

// Cancel stops the battle. The state changes immediately; an agent call
// in flight is not interrupted and its iteration is recorded as cancelled.
func (l *Loop) Cancel(reason string) error {
	l.mu.Lock()
	if l.battle.Status.Terminal() {
		st := l.battle.Status
		l.mu.Unlock()
		return apperr.StateConflict("battle already %s", st)
	}
	wasPending := l.battle.Status == store.BattlePending
	l.battle.Status = store.BattleCancelled
	l.battle.Error = reason
	l.finishLocked()
	l.logLocked("Cancelled: %s", orDefault(reason, "no reason given"))
	l.emitState(event.BattleCancelled, reason)
	l.signal()
	l.mu.Unlock()

	if wasPending {
		close(l.done)
	}
	l.logger.Info("battle cancelled", zap.String("reason", reason))
	return nil
}

// Abort cancels the loop's context, killing an agent or feedback command
// in flight. Used on shutdown after Cancel.
func (l *Loop) Abort() {
	l.abort()
}

// Done is closed when the loop goroutine has exited.
func (l *Loop) Done() <-chan struct{} { return l.done }

// Wait blocks until the loop exits or ctx is done.
func (l *Loop) Wait(ctx context.Context) error {
	select {
	case <-l.done:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}

// TaskID returns the task this battle works on.
func (l *Loop) TaskID() string { return l.task.ID }

// Mode returns hitl or yolo.
func (l *Loop) Mode() string { return l.mode }

// State returns the current battle status.
func (l *Loop) State() store.BattleStatus {
	l.mu.Lock()
	defer l.mu.Unlock()
	return l.battle.Status
}

func (l *Loop) IsRunning() bool          { return l.State() == store.BattleRunning }
func (l *Loop) IsPaused() bool           { return l.State() == store.BattlePaused }
func (l *Loop) IsAwaitingApproval() bool { return l.State() == store.BattleAwaitingApproval }
func (l *Loop) IsTerminal() bool         { return l.State().Terminal() }
func (l *Loop) IsActive() bool           { return l.State().Active() }

// Progress returns a copy of the progress projection.
func (l *Loop) Progress() store.Progress {
	l.mu.Lock()
	defer l.mu.Unlock()
	return l.progressLocked()
}

// PauseRequested reports whether a pause is pending at the next checkpoint.
func (l *Loop) PauseRequested() bool {
	l.mu.Lock()
	defer l.mu.Unlock()
	return l.pauseRequested
}

// ValidationErrors returns the errors of the last rejected completion claim.
func (l *Loop) ValidationErrors() []string {
	l.mu.Lock()
	defer l.mu.Unlock()
	return copyStrings(l.lastErrors)
}

// Snapshot returns a copy of the battle record.
func (l *Loop) Snapshot() store.Battle {
	l.mu.Lock()
	defer l.mu.Unlock()
	return l.snapshotLocked()
}

func (l *Loop) snapshotLocked() store.Battle {
	b := l.battle
	b.Iterations = append([]store.Iteration(nil), l.battle.Iterations...)
	if b.Iterations == nil {
		b.Iterations = []store.Iteration{}
	}
	if b.CompletedAt == nil && !b.StartedAt.IsZero() {
		b.Duration = time.Since(b.StartedAt)
	}
	return b
}

// run is the loop goroutine.
func (l *Loop) run() {
	defer close(l.done)
	defer l.finalize()

	maxIter := l.cfg.MaxIterations
	for {
		if !l.checkpoint() {
			return
		}

		n := l.nextNumber()
		if n > maxIter {
			l.fail(ErrMaxIterations.Error())
			return
		}

		it, complete := l.iterate(n)
		l.record(it)

		l.mu.Lock()
		switch {
		case l.battle.Status.Terminal():
			// Cancelled while the iteration was in flight.
		case complete:
			l.battle.Status = store.BattleCompleted
			l.progress.Status = store.ProgressCompleted
			l.progress.CompletionDetected = true
			l.finishLocked()
			l.logLocked("Task completed in %d iteration(s)", n)
			l.emitState(event.BattleCompleted, "")
		case n >= maxIter:
			l.mu.Unlock()
			l.fail(ErrMaxIterations.Error())
			return
		case it.Result == store.ResultSuccess && l.mode == config.ModeHITL:
			l.needsApproval = true
		}
		l.mu.Unlock()
		l.persist()
	}
}

// checkpoint blocks while the battle is paused or awaiting approval and
// reports whether another iteration may run.
func (l *Loop) checkpoint() bool {
	l.mu.Lock()
	defer l.mu.Unlock()
	for {
		switch {
		case l.battle.Status.Terminal():
			return false
		case l.pauseRequested && l.battle.Status == store.BattleRunning:
			l.pauseRequested = false
			l.battle.Status = store.BattlePaused
			l.logLocked("Paused")
			l.emitState(event.BattlePaused, "")
			l.saveProgressLocked()
		case l.battle.Status == store.BattlePaused || l.battle.Status == store.BattleAwaitingApproval:
			l.mu.Unlock()
			select {
			case <-l.wake:
			case <-l.ctx.Done():
				l.mu.Lock()
				if !l.battle.Status.Terminal() {
					l.battle.Status = store.BattleCancelled
					l.battle.Error = "aborted"
					l.finishLocked()
					l.emitState(event.BattleCancelled, "aborted")
				}
				return false
			}
			l.mu.Lock()
		case l.needsApproval:
			l.needsApproval = false
			l.battle.Status = store.BattleAwaitingApproval
			l.progress.Status = store.ProgressAwaitingApproval
			l.logLocked("Waiting for approval")
			l.emitState(event.BattleAwaitingApproval, "")
			l.saveProgressLocked()
		default:
			return true
		}
	}
}

func (l *Loop) nextNumber() int {
	l.mu.Lock()
	defer l.mu.Unlock()
	return len(l.battle.Iterations) + 1
}

// iterate runs one agent invocation cycle. It never returns an error:
// every failure is captured on the iteration.
func (l *Loop) iterate(n int) (store.Iteration, bool) {
	l.mu.Lock()
	l.progress.CurrentIteration = n
	l.progress.Error = nil
	l.logLocked("Iteration %d/%d started", n, l.cfg.MaxIterations)
	previous := append([]store.Iteration(nil), l.battle.Iterations...)
	lastErrors := copyStrings(l.lastErrors)
	l.saveProgressLocked()
	l.mu.Unlock()

	l.events.Publish(event.NewIterationStartedEvent(l.task.ID, n, l.cfg.MaxIterations))
	l.logger.Debug("iteration started", zap.Int("iteration", n))

	it := store.Iteration{Number: n, StartedAt: time.Now().UTC(), FilesChanged: []string{}}
	timeout := time.Duration(l.cfg.IterationTimeout()) * time.Second

	text := l.prompts.Battle(prompt.BattleInput{
		Task:             l.task,
		Iteration:        n,
		MaxIterations:    l.cfg.MaxIterations,
		Previous:         previous,
		ValidationErrors: lastErrors,
		FeedbackLoops:    l.cfg.FeedbackLoops,
	})

	agentCtx, cancel := context.WithTimeout(l.ctx, timeout)
	resp, err := agent.Call(agentCtx, l.runner, agent.Request{
		TaskID:     l.task.ID,
		Prompt:     text,
		WorkDir:    l.workDir,
		TimeoutSec: l.cfg.AgentTimeout(),
		OnOutput: func(line string) {
			l.events.Publish(event.NewIterationOutputEvent(l.task.ID, n, line))
		},
	})
	cancel()
	it.Output = resp.Output

	if err != nil {
		it.Result = store.ResultFailure
		if errors.Is(err, agent.ErrTimeout) {
			it.Result = store.ResultTimeout
		}
		it.Error = err.Error()
		l.reportError(n, apperr.ExternalProcess(err, "agent iteration %d", n))
	} else {
		it.Result = store.ResultSuccess
	}

	if l.cancelled() {
		it.Result = store.ResultCancelled
		it.EndedAt = time.Now().UTC()
		return it, false
	}

	var results map[string]store.FeedbackResult
	if err == nil && len(l.cfg.FeedbackLoops) > 0 {
		fbCtx, cancel := context.WithTimeout(l.ctx, timeout)
		results = l.feedback.Run(fbCtx, l.cfg.FeedbackLoops, func(name string, res store.FeedbackResult) {
			l.events.Publish(event.NewFeedbackResultEvent(l.task.ID, n, name, res))
			l.mu.Lock()
			l.progress.FeedbackResults[name] = res
			l.logLocked("Feedback %s: %s", name, passFail(res.Passed))
			l.mu.Unlock()
		})
		cancel()
		it.FeedbackResults = results
	}

	if l.cancelled() {
		it.Result = store.ResultCancelled
		it.EndedAt = time.Now().UTC()
		return it, false
	}

	complete := false
	if err == nil {
		complete = l.evaluate(n, it.Output, results)
	}

	if l.tree != nil {
		it.FilesChanged = l.changedFiles(n)
		if complete && l.cfg.AutoCommit && len(it.FilesChanged) > 0 {
			msg := fmt.Sprintf("ralph: %s %s", l.task.ID, l.task.Title)
			hash, err := l.tree.CommitAll(l.ctx, msg)
			if err != nil {
				l.reportError(n, fmt.Errorf("auto-commit: %w", err))
			}
			it.CommitHash = hash
		}
	}

	it.EndedAt = time.Now().UTC()
	return it, complete
}

// evaluate runs completion detection and remembers validation errors for
// the next prompt. Only the completion protocol decides completion.
func (l *Loop) evaluate(n int, output string, results map[string]store.FeedbackResult) bool {
	d := completion.Detect(output, l.task, results)

	var errs []string
	switch {
	case d.Kind == completion.KindInvalid:
		errs = []string{"completion block could not be parsed: " + d.ParseError}
	case d.Validation != nil && !d.Validation.Valid:
		errs = d.Validation.Errors
	}

	if d.Kind != completion.KindNone {
		valid := d.Complete()
		l.events.Publish(event.NewCompletionDetectedEvent(l.task.ID, n, string(d.Kind), valid, errs))
		l.logger.Info("completion claimed",
			zap.Int("iteration", n),
			zap.String("kind", string(d.Kind)),
			zap.Bool("valid", valid),
			zap.Strings("errors", errs))
	}

	l.mu.Lock()
	l.lastErrors = errs
	l.progress.CompletionDetected = d.Complete()
	if len(errs) > 0 {
		l.logLocked("Completion rejected: %d problem(s)", len(errs))
	}
	l.mu.Unlock()

	return d.Complete()
}

func (l *Loop) changedFiles(n int) []string {
	files, err := l.tree.ChangedFiles(l.ctx)
	if err != nil {
		l.reportError(n, fmt.Errorf("changed files: %w", err))
		return []string{}
	}
	files, err = l.tree.FilterIgnored(l.ctx, files)
	if err != nil {
		l.reportError(n, fmt.Errorf("filter ignored: %w", err))
		return []string{}
	}
	if files == nil {
		files = []string{}
	}
	return files
}

// record persists a finished iteration and its artifact. Persistence
// failures are reported but do not stop the battle.
func (l *Loop) record(it store.Iteration) {
	l.mu.Lock()
	battleID := l.battle.ID
	l.battle.Iterations = append(l.battle.Iterations, it)
	l.progress.LastOutput = it.Output
	if it.Error != "" {
		e := it.Error
		l.progress.Error = &e
	}
	l.logLocked("Iteration %d: %s", it.Number, it.Result)
	l.mu.Unlock()

	if err := l.store.AppendIteration(battleID, it); err != nil {
		l.reportError(it.Number, fmt.Errorf("record iteration: %w", err))
	}
	l.writeArtifact(it)
	l.store.AddEvent(l.task.ID, l.runner.Name(), "iteration", fmt.Sprintf("Iteration %d: %s", it.Number, it.Result))
	l.events.Publish(event.NewIterationEndedEvent(l.task.ID, it))
	l.saveProgress()
}

func (l *Loop) writeArtifact(it store.Iteration) {
	if l.workDir == "" || !store.Exists(l.workDir) {
		return
	}
	dir := store.RunsPath(l.workDir)
	if err := os.MkdirAll(dir, 0755); err != nil {
		l.reportError(it.Number, fmt.Errorf("create runs dir: %w", err))
		return
	}
	path := filepath.Join(dir, fmt.Sprintf("%s-iter%d.md", l.task.ID, it.Number))
	if err := os.WriteFile(path, []byte(it.Output), 0644); err != nil {
		l.reportError(it.Number, fmt.Errorf("write artifact: %w", err))
		return
	}
	if err := l.store.AddArtifact(l.task.ID, "iteration", path); err != nil {
		l.reportError(it.Number, fmt.Errorf("record artifact: %w", err))
	}
}

func (l *Loop) fail(msg string) {
	l.mu.Lock()
	if l.battle.Status.Terminal() {
		l.mu.Unlock()
		return
	}
	l.battle.Status = store.BattleFailed
	l.battle.Error = msg
	l.progress.Status = store.ProgressFailed
	l.progress.Error = &msg
	l.finishLocked()
	l.logLocked("Failed: %s", msg)
	l.emitState(event.BattleFailed, msg)
	l.mu.Unlock()
	l.logger.Warn("battle failed", zap.String("error", msg))
}

// finalize persists the terminal state and updates the task.
func (l *Loop) finalize() {
	l.mu.Lock()
	status := l.battle.Status
	reason := l.battle.Error
	if status == store.BattleCancelled {
		l.progress.Status = store.ProgressIdle
	}
	l.mu.Unlock()

	var taskStatus store.TaskStatus
	switch status {
	case store.BattleCompleted:
		taskStatus = store.TaskCompleted
		l.store.AddEvent(l.task.ID, l.runner.Name(), "completed", "Battle completed")
	case store.BattleFailed:
		taskStatus = store.TaskFailed
		l.store.AddEvent(l.task.ID, l.runner.Name(), "failed", reason)
	case store.BattleCancelled:
		taskStatus = store.TaskPending
		l.store.AddEvent(l.task.ID, "", "cancelled", orDefault(reason, "Battle cancelled"))
	}
	if taskStatus != "" {
		if err := l.store.UpdateTaskStatus(l.task.ID, taskStatus); err != nil {
			l.reportError(0, fmt.Errorf("update task status: %w", err))
		}
	}
	l.persist()
	l.saveProgress()
	l.logger.Info("battle finished", zap.String("status", string(status)))
}

// finishLocked stamps completion time. Caller holds l.mu.
func (l *Loop) finishLocked() {
	now := time.Now().UTC()
	l.battle.CompletedAt = &now
	if !l.battle.StartedAt.IsZero() {
		l.battle.Duration = now.Sub(l.battle.StartedAt)
	}
}

func (l *Loop) cancelled() bool {
	return l.State() == store.BattleCancelled
}

// persist writes the battle record. Snapshots are taken under persistMu so
// writes land in the order the states occurred.
func (l *Loop) persist() {
	l.persistMu.Lock()
	defer l.persistMu.Unlock()
	b := l.Snapshot()
	if b.ID == 0 {
		return
	}
	if err := l.store.UpdateBattle(&b); err != nil {
		l.reportError(0, fmt.Errorf("persist battle: %w", err))
	}
}

func (l *Loop) progressLocked() store.Progress {
	p := l.progress
	p.LastUpdate = time.Now().UTC()
	p.Logs = copyStrings(l.progress.Logs)
	p.FeedbackResults = make(map[string]store.FeedbackResult, len(l.progress.FeedbackResults))
	for k, v := range l.progress.FeedbackResults {
		p.FeedbackResults[k] = v
	}
	if l.progress.Error != nil {
		e := *l.progress.Error
		p.Error = &e
	}
	return p
}

func (l *Loop) saveProgress() {
	l.mu.Lock()
	defer l.mu.Unlock()
	l.saveProgressLocked()
}

// saveProgressLocked persists and publishes progress. Caller holds l.mu.
func (l *Loop) saveProgressLocked() {
	p := l.progressLocked()
	if err := l.store.SaveProgress(&p); err != nil {
		l.logger.Warn("save progress failed", zap.Error(err))
		l.events.Publish(event.NewBattleErrorEvent(l.task.ID, p.CurrentIteration, fmt.Errorf("save progress: %w", err)))
	}
	l.events.Publish(event.NewProgressUpdatedEvent(p))
}

func (l *Loop) reportError(n int, err error) {
	l.logger.Warn("battle error", zap.Int("iteration", n), zap.Error(err))
	l.events.Publish(event.NewBattleErrorEvent(l.task.ID, n, err))
}

// emitState publishes a lifecycle event. Caller holds l.mu.
func (l *Loop) emitState(kind, reason string) {
	l.events.Publish(event.NewBattleStateEvent(kind, l.task.ID, l.battle.ID, l.mode, l.battle.Status, reason))
}

// logLocked appends a timestamped progress line. Caller holds l.mu.
func (l *Loop) logLocked(format string, args ...any) {
	line := time.Now().Format("15:04:05") + " " + fmt.Sprintf(format, args...)
	l.progress.Logs = append(l.progress.Logs, line)
	if len(l.progress.Logs) > maxLogLines {
		l.progress.Logs = l.progress.Logs[len(l.progress.Logs)-maxLogLines:]
	}
}

// signal wakes the loop if it is waiting. Never blocks.
func (l *Loop) signal() {
	select {
	case l.wake <- struct{}{}:
	default:
	}
}

func passFail(ok bool) string {
	if ok {
		return "passed"
	}
	return "failed"
}

func orDefault(s, def string) string {
	if s == "" {
		return def
	}
	return s
}

func copyStrings(in []string) []string {
	if in == nil {
		return nil
	}
	return append([]string(nil), in...)
}
