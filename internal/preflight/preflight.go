// Package preflight runs readiness and safety checks before a battle
// starts. Each check is independent and may offer an automatic fix.
package preflight

import (
	"context"
	"fmt"
	"runtime/debug"
	"time"

	"github.com/imkarma/ralph/internal/apperr"
	"github.com/imkarma/ralph/internal/config"
	"github.com/imkarma/ralph/internal/git"
	"github.com/imkarma/ralph/internal/prompt"
	"github.com/imkarma/ralph/internal/store"
	"github.com/imkarma/ralph/internal/worker"
	"go.uber.org/zap"
)

// Category groups checks in reports.
type Category string

const (
	CategoryEnvironment Category = "environment"
	CategoryGit         Category = "git"
	CategoryConfig      Category = "config"
	CategoryTask        Category = "task"
)

// Severity decides whether a failing check blocks a battle.
type Severity string

const (
	SeverityError   Severity = "error"
	SeverityWarning Severity = "warning"
	SeverityInfo    Severity = "info"
)

// Status is the outcome of one check.
type Status string

const (
	StatusPass Status = "pass"
	StatusWarn Status = "warn"
	StatusFail Status = "fail"
)

// Context is what checks look at.
type Context struct {
	WorkDir string
	TaskID  string      // Requested task, may be empty
	Task    *store.Task // Nil when TaskID is empty or unknown
	Config  *config.Config
	// ActiveBattle reports the task of the battle holding the
	// single-flight slot, if any.
	ActiveBattle func() (taskID string, active bool)
}

// Check is one registered readiness predicate.
type Check struct {
	ID       string
	Name     string
	Category Category
	Severity Severity
	// Run returns whether the check passed and a message for humans.
	Run func(ctx context.Context, c Context) (bool, string)
	// Fix remediates a failing check. It must either fully apply or leave
	// the working tree untouched. Nil when no automatic fix exists.
	Fix func(ctx context.Context, c Context) (FixResult, error)
}

// CheckResult is the outcome of running one check.
type CheckResult struct {
	ID           string   `json:"id"`
	Name         string   `json:"name"`
	Category     Category `json:"category"`
	Severity     Severity `json:"severity"`
	Status       Status   `json:"status"`
	Message      string   `json:"message"`
	FixAvailable bool     `json:"fixAvailable"`
}

// Summary counts results by status.
type Summary struct {
	Total    int `json:"total"`
	Passed   int `json:"passed"`
	Warnings int `json:"warnings"`
	Failed   int `json:"failed"`
}

// Report aggregates a full run.
type Report struct {
	Results   []CheckResult `json:"results"`
	Summary   Summary       `json:"summary"`
	CanStart  bool          `json:"canStart"`
	Timestamp time.Time     `json:"timestamp"`
}

// FixResult describes an applied (or refused) fix.
type FixResult struct {
	CheckID  string `json:"checkId"`
	Success  bool   `json:"success"`
	Message  string `json:"message"`
	StashRef string `json:"stashRef,omitempty"`
}

// DryRunResult previews what a battle would send to the agent.
type DryRunResult struct {
	TaskID          string                `json:"taskId"`
	Prompt          string                `json:"prompt"`
	PromptSize      int                   `json:"promptSize"`
	EstimatedTokens int                   `json:"estimatedTokens"`
	FeedbackLoops   []config.FeedbackLoop `json:"feedbackLoops"`
	MaxIterations   int                   `json:"maxIterations"`
	Mode            string                `json:"mode"`
	Agent           string                `json:"agent"`
	CanStart        bool                  `json:"canStart"`
	Report          Report                `json:"report"`
}

// Engine holds the check registry.
type Engine struct {
	workDir string
	checks  []Check
	prompts *prompt.Builder
	workers int // Checks run concurrently, results keep registry order
	logger  *zap.Logger
}

// New creates an engine with the default checks. prompts is used by DryRun.
func New(workDir string, prompts *prompt.Builder, logger *zap.Logger) *Engine {
	if logger == nil {
		logger = zap.NewNop()
	}
	if prompts == nil {
		prompts = prompt.New(nil)
	}
	return &Engine{
		workDir: workDir,
		checks:  DefaultChecks(),
		prompts: prompts,
		workers: worker.DefaultWorkers,
		logger:  logger.Named("preflight"),
	}
}

// Register adds a check. A check with an existing ID replaces it.
func (e *Engine) Register(c Check) {
	for i := range e.checks {
		if e.checks[i].ID == c.ID {
			e.checks[i] = c
			return
		}
	}
	e.checks = append(e.checks, c)
}

// Checks returns the registered checks in run order.
func (e *Engine) Checks() []Check {
	out := make([]Check, len(e.checks))
	copy(out, e.checks)
	return out
}

func (e *Engine) find(id string) (Check, bool) {
	for _, c := range e.checks {
		if c.ID == id {
			return c, true
		}
	}
	return Check{}, false
}

func (e *Engine) normalize(c Context) Context {
	if c.WorkDir == "" {
		c.WorkDir = e.workDir
	}
	return c
}

// Run executes every check. One check failing, or panicking, never
// prevents the others from running.
func (e *Engine) Run(ctx context.Context, c Context) Report {
	c = e.normalize(c)

	report := Report{CanStart: true, Timestamp: time.Now()}
	report.Results = worker.Map(ctx, e.workers, e.checks, func(ctx context.Context, check Check) CheckResult {
		return e.runOne(ctx, check, c)
	})
	for _, res := range report.Results {
		report.Summary.Total++
		switch res.Status {
		case StatusPass:
			report.Summary.Passed++
		case StatusWarn:
			report.Summary.Warnings++
		case StatusFail:
			report.Summary.Failed++
			report.CanStart = false
		}
	}

	e.logger.Debug("preflight finished",
		zap.String("task", c.TaskID),
		zap.Int("passed", report.Summary.Passed),
		zap.Int("warnings", report.Summary.Warnings),
		zap.Int("failed", report.Summary.Failed))
	return report
}

func (e *Engine) runOne(ctx context.Context, check Check, c Context) (res CheckResult) {
	res = CheckResult{
		ID:           check.ID,
		Name:         check.Name,
		Category:     check.Category,
		Severity:     check.Severity,
		FixAvailable: check.Fix != nil,
	}
	defer func() {
		if r := recover(); r != nil {
			e.logger.Error("check panicked",
				zap.String("check", check.ID),
				zap.Any("panic", r),
				zap.ByteString("stack", debug.Stack()))
			res.Status = StatusFail
			res.Message = fmt.Sprintf("check crashed: %v", r)
		}
	}()

	passed, msg := check.Run(ctx, c)
	res.Message = msg
	switch {
	case passed:
		res.Status = StatusPass
	case check.Severity == SeverityError:
		res.Status = StatusFail
	default:
		res.Status = StatusWarn
	}
	return res
}

// ApplyFix runs the fix of one check and re-runs only that check.
func (e *Engine) ApplyFix(ctx context.Context, checkID string, c Context) (FixResult, CheckResult, error) {
	c = e.normalize(c)

	check, ok := e.find(checkID)
	if !ok {
		return FixResult{}, CheckResult{}, apperr.NotFound("preflight check %q", checkID)
	}
	if check.Fix == nil {
		return FixResult{CheckID: checkID, Message: "no automatic fix available"}, e.runOne(ctx, check, c), nil
	}

	fix, err := check.Fix(ctx, c)
	fix.CheckID = checkID
	if err != nil {
		e.logger.Warn("fix failed", zap.String("check", checkID), zap.Error(err))
		fix.Success = false
		if fix.Message == "" {
			fix.Message = err.Error()
		}
		return fix, e.runOne(ctx, check, c), apperr.Remediation(err, "fix %s", checkID)
	}
	fix.Success = true

	e.logger.Info("fix applied", zap.String("check", checkID), zap.String("message", fix.Message))
	return fix, e.runOne(ctx, check, c), nil
}

// RestoreStash re-applies a stash created by the clean-tree fix.
func (e *Engine) RestoreStash(ctx context.Context, ref string) (FixResult, error) {
	res := FixResult{CheckID: checkGitCleanTree, StashRef: ref}
	if ref == "" {
		return res, apperr.Validation("stash ref is required")
	}
	if err := git.New(e.workDir).StashPop(ctx, ref); err != nil {
		res.Message = err.Error()
		return res, apperr.Remediation(err, "restore stash %s", ref)
	}
	res.Success = true
	res.Message = "stash restored"
	return res, nil
}

// DryRun renders the first prompt the battle would send, without calling
// the agent. Its estimates are advisory.
func (e *Engine) DryRun(ctx context.Context, c Context) (DryRunResult, error) {
	c = e.normalize(c)
	if c.Task == nil {
		if c.TaskID == "" {
			return DryRunResult{}, apperr.Validation("dry run needs a task")
		}
		return DryRunResult{}, apperr.NotFound("task %s", c.TaskID)
	}
	cfg := c.Config
	if cfg == nil {
		cfg = config.DefaultConfig()
	}

	text := e.prompts.Battle(prompt.BattleInput{
		Task:          c.Task,
		Iteration:     1,
		MaxIterations: cfg.MaxIterations,
		FeedbackLoops: cfg.FeedbackLoops,
	})
	report := e.Run(ctx, c)

	return DryRunResult{
		TaskID:          c.Task.ID,
		Prompt:          text,
		PromptSize:      len(text),
		EstimatedTokens: prompt.EstimateTokens(text),
		FeedbackLoops:   cfg.FeedbackLoops,
		MaxIterations:   cfg.MaxIterations,
		Mode:            cfg.Mode,
		Agent:           agentLabel(cfg.Agent),
		CanStart:        report.CanStart,
		Report:          report,
	}, nil
}

// ValidateToken runs the agent availability check on its own, so a UI can
// verify credentials without a full preflight.
func (e *Engine) ValidateToken(ctx context.Context, c Context) CheckResult {
	c = e.normalize(c)
	check, ok := e.find(checkAgentAvailable)
	if !ok {
		return CheckResult{ID: checkAgentAvailable, Status: StatusFail, Message: "agent check not registered"}
	}
	return e.runOne(ctx, check, c)
}

func agentLabel(a config.Agent) string {
	if a.Mode == "api" {
		return fmt.Sprintf("%s (api, %s)", a.Provider, a.Model)
	}
	return fmt.Sprintf("%s (cli)", a.Cmd)
}
