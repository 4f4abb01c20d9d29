package preflight

import (
	"context"
	"errors"
	"fmt"
	"os"
	"time"

	"github.com/imkarma/ralph/internal/agent"
	"github.com/imkarma/ralph/internal/config"
	"github.com/imkarma/ralph/internal/git"
	"github.com/imkarma/ralph/internal/store"
)

// Check IDs.
const (
	checkInitialized       = "ralph_initialized"
	checkAgentAvailable    = "agent_available"
	checkGitRepository     = "git_repository"
	checkGitCleanTree      = "git_clean_tree"
	checkConfigValid       = "config_valid"
	checkFeedbackLoops     = "feedback_loops_configured"
	checkTaskExists        = "task_exists"
	checkTaskNotCompleted  = "task_not_completed"
	checkTaskHasCriteria   = "task_has_criteria"
	checkNoActiveBattle    = "no_active_battle"
	stashMessagePrefix     = "ralph preflight"
	noTaskSelectedMessage  = "no task selected"
	configNotLoadedMessage = "config not loaded"
)

// DefaultChecks returns the built-in checks in run order.
func DefaultChecks() []Check {
	return []Check{
		{
			ID: checkInitialized, Name: "Project initialized",
			Category: CategoryEnvironment, Severity: SeverityError,
			Run: runInitialized, Fix: fixInitialized,
		},
		{
			ID: checkAgentAvailable, Name: "Agent available",
			Category: CategoryEnvironment, Severity: SeverityError,
			Run: runAgentAvailable,
		},
		{
			ID: checkGitRepository, Name: "Git repository",
			Category: CategoryGit, Severity: SeverityError,
			Run: runGitRepository,
		},
		{
			ID: checkGitCleanTree, Name: "Clean working tree",
			Category: CategoryGit, Severity: SeverityWarning,
			Run: runGitCleanTree, Fix: fixGitCleanTree,
		},
		{
			ID: checkConfigValid, Name: "Config valid",
			Category: CategoryConfig, Severity: SeverityError,
			Run: runConfigValid,
		},
		{
			ID: checkFeedbackLoops, Name: "Feedback loops configured",
			Category: CategoryConfig, Severity: SeverityWarning,
			Run: runFeedbackLoops,
		},
		{
			ID: checkTaskExists, Name: "Task exists",
			Category: CategoryTask, Severity: SeverityError,
			Run: runTaskExists,
		},
		{
			ID: checkTaskNotCompleted, Name: "Task not completed",
			Category: CategoryTask, Severity: SeverityWarning,
			Run: runTaskNotCompleted,
		},
		{
			ID: checkTaskHasCriteria, Name: "Task has acceptance criteria",
			Category: CategoryTask, Severity: SeverityWarning,
			Run: runTaskHasCriteria,
		},
		{
			ID: checkNoActiveBattle, Name: "No active battle",
			Category: CategoryTask, Severity: SeverityError,
			Run: runNoActiveBattle,
		},
	}
}

func runInitialized(_ context.Context, c Context) (bool, string) {
	if !store.Exists(c.WorkDir) {
		return false, fmt.Sprintf("%s/ not found, run 'ralph init'", store.DirName)
	}
	if _, err := os.Stat(store.ConfigPath(c.WorkDir)); err != nil {
		return false, fmt.Sprintf("%s/%s missing", store.DirName, store.ConfigFile)
	}
	return true, store.Dir(c.WorkDir)
}

// fixInitialized creates .ralph/ with a default config. If anything fails
// a directory it created is removed again.
func fixInitialized(_ context.Context, c Context) (FixResult, error) {
	existed := store.Exists(c.WorkDir)
	if err := store.Init(c.WorkDir); err != nil {
		return FixResult{}, fmt.Errorf("init: %w", err)
	}
	if _, err := os.Stat(store.ConfigPath(c.WorkDir)); err == nil {
		return FixResult{Message: "already initialized"}, nil
	}
	if err := config.Save(store.ConfigPath(c.WorkDir), config.DefaultConfig()); err != nil {
		if !existed {
			os.RemoveAll(store.Dir(c.WorkDir))
		}
		return FixResult{}, fmt.Errorf("write config: %w", err)
	}
	return FixResult{Message: "created " + store.ConfigPath(c.WorkDir)}, nil
}

func runAgentAvailable(_ context.Context, c Context) (bool, string) {
	if c.Config == nil {
		return false, configNotLoadedMessage
	}
	a := c.Config.Agent
	switch a.Mode {
	case "cli":
		if !agent.CLIAvailable(a.Cmd) {
			return false, fmt.Sprintf("%q not found in PATH", a.Cmd)
		}
		return true, fmt.Sprintf("%s found in PATH", a.Cmd)
	case "api":
		if a.APIKeyEnv == "" {
			return false, "api_key_env is not configured"
		}
		if os.Getenv(a.APIKeyEnv) == "" {
			return false, fmt.Sprintf("environment variable %s is not set", a.APIKeyEnv)
		}
		return true, fmt.Sprintf("%s key present in %s", a.Provider, a.APIKeyEnv)
	default:
		return false, fmt.Sprintf("unknown agent mode %q", a.Mode)
	}
}

func runGitRepository(ctx context.Context, c Context) (bool, string) {
	repo := git.New(c.WorkDir)
	if !repo.IsGitRepo(ctx) {
		return false, "not a git repository"
	}
	branch, err := repo.CurrentBranch(ctx)
	if err != nil {
		return true, "git repository"
	}
	return true, "on branch " + branch
}

func runGitCleanTree(ctx context.Context, c Context) (bool, string) {
	files, err := git.New(c.WorkDir).Status(ctx)
	if err != nil {
		return false, fmt.Sprintf("git status: %v", err)
	}
	if len(files) > 0 {
		return false, fmt.Sprintf("%d uncommitted change(s)", len(files))
	}
	return true, "working tree clean"
}

// fixGitCleanTree stashes all changes. git stash either records
// everything or nothing, so a failure leaves the tree as it was.
func fixGitCleanTree(ctx context.Context, c Context) (FixResult, error) {
	msg := fmt.Sprintf("%s %s", stashMessagePrefix, time.Now().Format(time.RFC3339))
	ref, err := git.New(c.WorkDir).Stash(ctx, msg)
	if errors.Is(err, git.ErrNothingToStash) {
		return FixResult{Message: "working tree already clean"}, nil
	}
	if err != nil {
		return FixResult{}, err
	}
	return FixResult{Message: "changes stashed as " + ref, StashRef: ref}, nil
}

func runConfigValid(_ context.Context, c Context) (bool, string) {
	if c.Config == nil {
		cfg, err := config.Load(store.ConfigPath(c.WorkDir))
		if err != nil {
			return false, err.Error()
		}
		c.Config = cfg
	}
	if err := c.Config.Validate(); err != nil {
		return false, err.Error()
	}
	return true, fmt.Sprintf("mode %s, max %d iterations", c.Config.Mode, c.Config.MaxIterations)
}

func runFeedbackLoops(_ context.Context, c Context) (bool, string) {
	if c.Config == nil {
		return false, configNotLoadedMessage
	}
	if len(c.Config.FeedbackLoops) == 0 {
		return false, "no feedback loops, completion is judged on the agent's claim alone"
	}
	return true, fmt.Sprintf("%d configured: %v", len(c.Config.FeedbackLoops), c.Config.FeedbackLoopNames())
}

func runTaskExists(_ context.Context, c Context) (bool, string) {
	if c.Task != nil {
		return true, c.Task.ID + ": " + c.Task.Title
	}
	if c.TaskID == "" {
		return true, noTaskSelectedMessage
	}
	return false, fmt.Sprintf("task %s not found", c.TaskID)
}

func runTaskNotCompleted(_ context.Context, c Context) (bool, string) {
	if c.Task == nil {
		return true, noTaskSelectedMessage
	}
	if c.Task.Status == store.TaskCompleted {
		return false, "task is already completed"
	}
	return true, "status " + string(c.Task.Status)
}

func runTaskHasCriteria(_ context.Context, c Context) (bool, string) {
	if c.Task == nil {
		return true, noTaskSelectedMessage
	}
	if len(c.Task.AcceptanceCriteria) == 0 {
		return false, "no acceptance criteria, any completion claim will be accepted"
	}
	return true, fmt.Sprintf("%d criteria", len(c.Task.AcceptanceCriteria))
}

func runNoActiveBattle(_ context.Context, c Context) (bool, string) {
	if c.ActiveBattle == nil {
		return true, "no active battle"
	}
	if taskID, active := c.ActiveBattle(); active {
		return false, fmt.Sprintf("battle for %s is already active", taskID)
	}
	return true, "no active battle"
}
