package preflight

import (
	"context"
	"os"
	"os/exec"
	"path/filepath"
	"strings"
	"testing"

	"github.com/imkarma/ralph/internal/apperr"
	"github.com/imkarma/ralph/internal/config"
	"github.com/imkarma/ralph/internal/store"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap/zaptest"
)

// initTestRepo creates an initialized ralph project inside a git repo with
// one commit and a clean tree.
func initTestRepo(t *testing.T) string {
	t.Helper()
	dir := t.TempDir()

	run := func(args ...string) {
		t.Helper()
		cmd := exec.Command("git", args...)
		cmd.Dir = dir
		cmd.Env = append(os.Environ(),
			"GIT_AUTHOR_NAME=test",
			"GIT_AUTHOR_EMAIL=test@test.com",
			"GIT_COMMITTER_NAME=test",
			"GIT_COMMITTER_EMAIL=test@test.com",
		)
		out, err := cmd.CombinedOutput()
		if err != nil {
			t.Fatalf("git %s failed: %s\n%s", strings.Join(args, " "), err, out)
		}
	}

	run("init", "-b", "main")
	run("config", "user.email", "test@test.com")
	run("config", "user.name", "test")
	writeFile(t, dir, "README.md", "# test\n")
	writeFile(t, dir, ".gitignore", ".ralph/\n")
	run("add", ".")
	run("commit", "-m", "initial commit")

	require.NoError(t, store.Init(dir))
	require.NoError(t, config.Save(store.ConfigPath(dir), testConfig()))
	return dir
}

func writeFile(t *testing.T, dir, name, content string) {
	t.Helper()
	require.NoError(t, os.WriteFile(filepath.Join(dir, name), []byte(content), 0644))
}

func testConfig() *config.Config {
	cfg := config.DefaultConfig()
	cfg.Agent.Cmd = "sh"
	cfg.FeedbackLoops = []config.FeedbackLoop{{Name: "test", Cmd: "true"}}
	return cfg
}

func testTask() *store.Task {
	return &store.Task{
		ID:                 "001-login",
		Title:              "Login",
		Status:             store.TaskPending,
		Priority:           1,
		AcceptanceCriteria: []string{"form renders"},
	}
}

func resultByID(t *testing.T, r Report, id string) CheckResult {
	t.Helper()
	for _, res := range r.Results {
		if res.ID == id {
			return res
		}
	}
	t.Fatalf("no result for %s", id)
	return CheckResult{}
}

func TestRun_AllPass(t *testing.T) {
	dir := initTestRepo(t)
	e := New(dir, nil, zaptest.NewLogger(t))

	report := e.Run(context.Background(), Context{
		TaskID: "001-login",
		Task:   testTask(),
		Config: testConfig(),
	})

	for _, r := range report.Results {
		assert.Equal(t, StatusPass, r.Status, "%s: %s", r.ID, r.Message)
	}
	assert.True(t, report.CanStart)
	assert.Equal(t, Summary{Total: 10, Passed: 10}, report.Summary)
}

func TestRun_BlockingAndWarnings(t *testing.T) {
	dir := t.TempDir() // not a git repo, not initialized
	e := New(dir, nil, nil)

	cfg := testConfig()
	cfg.Agent.Cmd = "ralph-test-no-such-agent"
	cfg.FeedbackLoops = nil

	task := testTask()
	task.Status = store.TaskCompleted
	task.AcceptanceCriteria = nil

	report := e.Run(context.Background(), Context{
		TaskID:       task.ID,
		Task:         task,
		Config:       cfg,
		ActiveBattle: func() (string, bool) { return "002-other", true },
	})

	assert.False(t, report.CanStart)
	assert.Equal(t, StatusFail, resultByID(t, report, checkInitialized).Status)
	assert.True(t, resultByID(t, report, checkInitialized).FixAvailable)
	assert.Equal(t, StatusFail, resultByID(t, report, checkAgentAvailable).Status)
	assert.Equal(t, StatusFail, resultByID(t, report, checkGitRepository).Status)
	assert.Equal(t, StatusWarn, resultByID(t, report, checkFeedbackLoops).Status)
	assert.Equal(t, StatusWarn, resultByID(t, report, checkTaskNotCompleted).Status)
	assert.Equal(t, StatusWarn, resultByID(t, report, checkTaskHasCriteria).Status)
	assert.Contains(t, resultByID(t, report, checkNoActiveBattle).Message, "002-other")
	assert.Equal(t, report.Summary.Total, report.Summary.Passed+report.Summary.Warnings+report.Summary.Failed)
}

func TestRun_UnknownTask(t *testing.T) {
	e := New(initTestRepo(t), nil, nil)
	report := e.Run(context.Background(), Context{TaskID: "404-missing", Config: testConfig()})

	assert.Equal(t, StatusFail, resultByID(t, report, checkTaskExists).Status)
	assert.False(t, report.CanStart)
}

func TestRun_PanickingCheckIsIsolated(t *testing.T) {
	e := New(initTestRepo(t), nil, zaptest.NewLogger(t))
	e.Register(Check{
		ID:       "explodes",
		Category: CategoryEnvironment,
		Severity: SeverityWarning,
		Run:      func(context.Context, Context) (bool, string) { panic("boom") },
	})

	report := e.Run(context.Background(), Context{Config: testConfig()})
	res := resultByID(t, report, "explodes")
	assert.Equal(t, StatusFail, res.Status)
	assert.Contains(t, res.Message, "boom")
	assert.Equal(t, 11, report.Summary.Total, "other checks still ran")
}

func TestRun_ConfigLoadedFromDisk(t *testing.T) {
	dir := initTestRepo(t)
	require.NoError(t, os.WriteFile(store.ConfigPath(dir), []byte("mode: turbo\n"), 0644))

	report := New(dir, nil, nil).Run(context.Background(), Context{})
	res := resultByID(t, report, checkConfigValid)
	assert.Equal(t, StatusFail, res.Status)
	assert.Contains(t, res.Message, "turbo")
}

func TestApplyFix_CleanTreeStashAndRestore(t *testing.T) {
	dir := initTestRepo(t)
	writeFile(t, dir, "README.md", "# changed\n")
	writeFile(t, dir, "new.go", "package main\n")
	e := New(dir, nil, zaptest.NewLogger(t))
	ctx := context.Background()

	before := resultByID(t, e.Run(ctx, Context{Config: testConfig()}), checkGitCleanTree)
	require.Equal(t, StatusWarn, before.Status)

	fix, after, err := e.ApplyFix(ctx, checkGitCleanTree, Context{})
	require.NoError(t, err)
	assert.True(t, fix.Success)
	assert.NotEmpty(t, fix.StashRef)
	assert.Equal(t, StatusPass, after.Status)
	_, err = os.Stat(filepath.Join(dir, "new.go"))
	assert.True(t, os.IsNotExist(err))

	restored, err := e.RestoreStash(ctx, fix.StashRef)
	require.NoError(t, err)
	assert.True(t, restored.Success)
	data, err := os.ReadFile(filepath.Join(dir, "README.md"))
	require.NoError(t, err)
	assert.Equal(t, "# changed\n", string(data))
	assert.FileExists(t, filepath.Join(dir, "new.go"))
}

func TestApplyFix_CleanTreeAlreadyClean(t *testing.T) {
	e := New(initTestRepo(t), nil, nil)
	fix, after, err := e.ApplyFix(context.Background(), checkGitCleanTree, Context{})
	require.NoError(t, err)
	assert.True(t, fix.Success)
	assert.Empty(t, fix.StashRef)
	assert.Equal(t, StatusPass, after.Status)
}

func TestApplyFix_Initialize(t *testing.T) {
	dir := t.TempDir()
	e := New(dir, nil, nil)

	fix, after, err := e.ApplyFix(context.Background(), checkInitialized, Context{})
	require.NoError(t, err)
	assert.True(t, fix.Success)
	assert.Equal(t, StatusPass, after.Status)

	cfg, err := config.Load(store.ConfigPath(dir))
	require.NoError(t, err)
	assert.Equal(t, config.DefaultConfig().MaxIterations, cfg.MaxIterations)
}

func TestApplyFix_NoFixAvailable(t *testing.T) {
	dir := t.TempDir()
	e := New(dir, nil, nil)

	fix, after, err := e.ApplyFix(context.Background(), checkGitRepository, Context{})
	require.NoError(t, err)
	assert.False(t, fix.Success)
	assert.Equal(t, StatusFail, after.Status)
	assert.NoDirExists(t, filepath.Join(dir, ".git"), "nothing was mutated")
}

func TestApplyFix_UnknownCheck(t *testing.T) {
	_, _, err := New(t.TempDir(), nil, nil).ApplyFix(context.Background(), "nope", Context{})
	assert.True(t, apperr.Is(err, apperr.CodeNotFound))
}

func TestApplyFix_FailureIsRemediationError(t *testing.T) {
	e := New(t.TempDir(), nil, nil)
	e.Register(Check{
		ID:       checkGitCleanTree,
		Severity: SeverityWarning,
		Run:      runGitCleanTree,
		Fix:      fixGitCleanTree,
	})

	fix, after, err := e.ApplyFix(context.Background(), checkGitCleanTree, Context{})
	require.Error(t, err)
	assert.True(t, apperr.Is(err, apperr.CodeRemediation))
	assert.False(t, fix.Success)
	assert.NotEmpty(t, fix.Message)
	assert.Equal(t, StatusWarn, after.Status)
}

func TestRestoreStash_Invalid(t *testing.T) {
	e := New(initTestRepo(t), nil, nil)

	_, err := e.RestoreStash(context.Background(), "")
	assert.True(t, apperr.Is(err, apperr.CodeValidation))

	res, err := e.RestoreStash(context.Background(), "deadbeefdeadbeef")
	assert.True(t, apperr.Is(err, apperr.CodeRemediation))
	assert.False(t, res.Success)
}

func TestDryRun(t *testing.T) {
	dir := initTestRepo(t)
	e := New(dir, nil, nil)

	res, err := e.DryRun(context.Background(), Context{TaskID: "001-login", Task: testTask(), Config: testConfig()})
	require.NoError(t, err)
	assert.Equal(t, "001-login", res.TaskID)
	assert.Contains(t, res.Prompt, "form renders")
	assert.Equal(t, len(res.Prompt), res.PromptSize)
	assert.Equal(t, (len(res.Prompt)+3)/4, res.EstimatedTokens)
	assert.Equal(t, 10, res.MaxIterations)
	assert.Equal(t, config.ModeHITL, res.Mode)
	assert.Equal(t, "sh (cli)", res.Agent)
	assert.True(t, res.CanStart)

	_, err = e.DryRun(context.Background(), Context{})
	assert.True(t, apperr.Is(err, apperr.CodeValidation))

	_, err = e.DryRun(context.Background(), Context{TaskID: "404-missing"})
	assert.True(t, apperr.Is(err, apperr.CodeNotFound))
}

func TestValidateToken(t *testing.T) {
	e := New(t.TempDir(), nil, nil)

	cfg := testConfig()
	cfg.Agent = config.Agent{Mode: "api", Provider: "openai", APIKeyEnv: "RALPH_TEST_TOKEN"}

	t.Setenv("RALPH_TEST_TOKEN", "")
	assert.Equal(t, StatusFail, e.ValidateToken(context.Background(), Context{Config: cfg}).Status)

	t.Setenv("RALPH_TEST_TOKEN", "sk-test")
	assert.Equal(t, StatusPass, e.ValidateToken(context.Background(), Context{Config: cfg}).Status)
}

func TestChecks_Registry(t *testing.T) {
	e := New(t.TempDir(), nil, nil)
	checks := e.Checks()
	require.Len(t, checks, 10)

	ids := make([]string, len(checks))
	for i, c := range checks {
		ids[i] = c.ID
	}
	assert.Equal(t, []string{
		"ralph_initialized", "agent_available", "git_repository", "git_clean_tree",
		"config_valid", "feedback_loops_configured", "task_exists",
		"task_not_completed", "task_has_criteria", "no_active_battle",
	}, ids)
}

func TestRun_ResultsKeepRegistryOrder(t *testing.T) {
	e := New(initTestRepo(t), nil, zaptest.NewLogger(t))
	report := e.Run(context.Background(), Context{Config: testConfig()})

	checks := e.Checks()
	require.Len(t, report.Results, len(checks))
	for i, c := range checks {
		assert.Equal(t, c.ID, report.Results[i].ID)
	}
}
