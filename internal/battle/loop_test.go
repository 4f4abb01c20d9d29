package battle

import (
	"context"
	"errors"
	"os"
	"sync"
	"testing"
	"time"

	"github.com/imkarma/ralph/internal/agent/agenttest"
	"github.com/imkarma/ralph/internal/apperr"
	"github.com/imkarma/ralph/internal/completion"
	"github.com/imkarma/ralph/internal/config"
	"github.com/imkarma/ralph/internal/event"
	"github.com/imkarma/ralph/internal/store"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap/zaptest"
)

// fakeFeedback returns the same results for every run.
type fakeFeedback struct {
	mu      sync.Mutex
	passing bool
	calls   int
}

func (f *fakeFeedback) Run(_ context.Context, loops []config.FeedbackLoop, onResult func(string, store.FeedbackResult)) map[string]store.FeedbackResult {
	f.mu.Lock()
	f.calls++
	passing := f.passing
	f.mu.Unlock()

	out := make(map[string]store.FeedbackResult, len(loops))
	for _, fl := range loops {
		res := store.FeedbackResult{Passed: passing, Output: "ran " + fl.Cmd}
		out[fl.Name] = res
		if onResult != nil {
			onResult(fl.Name, res)
		}
	}
	return out
}

func (f *fakeFeedback) Calls() int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.calls
}

type fakeTree struct {
	mu      sync.Mutex
	files   []string
	commits []string
}

func (t *fakeTree) ChangedFiles(context.Context) ([]string, error) {
	t.mu.Lock()
	defer t.mu.Unlock()
	return append([]string(nil), t.files...), nil
}

func (t *fakeTree) FilterIgnored(_ context.Context, paths []string) ([]string, error) {
	return paths, nil
}

func (t *fakeTree) CommitAll(_ context.Context, msg string) (string, error) {
	t.mu.Lock()
	defer t.mu.Unlock()
	t.commits = append(t.commits, msg)
	return "abc1234", nil
}

func (t *fakeTree) Commits() []string {
	t.mu.Lock()
	defer t.mu.Unlock()
	return append([]string(nil), t.commits...)
}

type recorder struct {
	mu    sync.Mutex
	kinds []string
}

func (r *recorder) Publish(ev event.Event) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.kinds = append(r.kinds, ev.EventType())
}

func (r *recorder) has(kind string) bool {
	r.mu.Lock()
	defer r.mu.Unlock()
	for _, k := range r.kinds {
		if k == kind {
			return true
		}
	}
	return false
}

type harness struct {
	dir      string
	store    *store.Store
	task     *store.Task
	cfg      *config.Config
	runner   *agenttest.Runner
	feedback *fakeFeedback
	tree     *fakeTree
	events   *recorder
}

func newHarness(t *testing.T, mode string, maxIter int, replies ...agenttest.Reply) *harness {
	t.Helper()
	dir := t.TempDir()
	require.NoError(t, store.Init(dir))
	s, err := store.Open(dir)
	require.NoError(t, err)
	t.Cleanup(func() { s.Close() })

	task, err := s.CreateTask("Login form", "", 1, []string{"form renders", "errors shown"})
	require.NoError(t, err)

	cfg := config.DefaultConfig()
	cfg.Mode = mode
	cfg.MaxIterations = maxIter
	cfg.FeedbackLoops = []config.FeedbackLoop{{Name: "test", Cmd: "go test ./..."}}

	return &harness{
		dir:      dir,
		store:    s,
		task:     task,
		cfg:      cfg,
		runner:   agenttest.New(replies...),
		feedback: &fakeFeedback{passing: true},
		tree:     &fakeTree{files: []string{"login.go"}},
		events:   &recorder{},
	}
}

func (h *harness) loop(t *testing.T) *Loop {
	t.Helper()
	l, err := New(h.task, Options{
		Config:   h.cfg,
		WorkDir:  h.dir,
		Runner:   h.runner,
		Feedback: h.feedback,
		Tree:     h.tree,
		Store:    h.store,
		Events:   h.events,
		Logger:   zaptest.NewLogger(t),
	})
	require.NoError(t, err)
	return l
}

func wait(t *testing.T, l *Loop) {
	t.Helper()
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	require.NoError(t, l.Wait(ctx), "battle did not finish")
}

func (h *harness) done() string {
	return "All good.\n" + completion.Example(h.task)
}

func TestNew_Validation(t *testing.T) {
	h := newHarness(t, config.ModeYOLO, 3)

	_, err := New(nil, Options{Config: h.cfg, Runner: h.runner, Store: h.store})
	assert.True(t, apperr.Is(err, apperr.CodeValidation))

	_, err = New(h.task, Options{Config: h.cfg, Mode: "turbo", Runner: h.runner, Store: h.store})
	assert.True(t, apperr.Is(err, apperr.CodeValidation))

	l, err := New(h.task, Options{Config: h.cfg, Runner: h.runner, Store: h.store})
	require.NoError(t, err)
	assert.Equal(t, config.ModeYOLO, l.Mode(), "mode defaults to config")
	assert.Equal(t, store.BattlePending, l.State())
}

func TestYOLO_CompletesOnValidSignal(t *testing.T) {
	h := newHarness(t, config.ModeYOLO, 5, agenttest.Reply{Output: "working on it"})
	h.runner.Push(agenttest.Reply{Output: h.done()})
	l := h.loop(t)

	require.NoError(t, l.Start(context.Background()))
	wait(t, l)

	b := l.Snapshot()
	assert.Equal(t, store.BattleCompleted, b.Status)
	require.Len(t, b.Iterations, 2)
	assert.Equal(t, 1, b.Iterations[0].Number)
	assert.Equal(t, 2, b.Iterations[1].Number)
	assert.Equal(t, store.ResultSuccess, b.Iterations[1].Result)
	assert.Equal(t, []string{"login.go"}, b.Iterations[1].FilesChanged)
	assert.Equal(t, "abc1234", b.Iterations[1].CommitHash)
	assert.Empty(t, b.Iterations[0].CommitHash, "only the completing iteration commits")
	require.Len(t, h.tree.Commits(), 1)
	assert.Contains(t, h.tree.Commits()[0], h.task.ID)
	assert.NotNil(t, b.CompletedAt)

	task, err := h.store.GetTask(h.task.ID)
	require.NoError(t, err)
	assert.Equal(t, store.TaskCompleted, task.Status)
	assert.Len(t, task.Iterations, 2)

	history, err := h.store.BattleHistory(h.task.ID)
	require.NoError(t, err)
	require.Len(t, history, 1)
	assert.Equal(t, store.BattleCompleted, history[0].Status)

	p := l.Progress()
	assert.Equal(t, store.ProgressCompleted, p.Status)
	assert.True(t, p.CompletionDetected)
	assert.Equal(t, 2, p.CurrentIteration)
	assert.True(t, p.FeedbackResults["test"].Passed)

	artifacts, err := h.store.ListArtifacts(h.task.ID)
	require.NoError(t, err)
	require.Len(t, artifacts, 2)
	data, err := os.ReadFile(artifacts[0])
	require.NoError(t, err)
	assert.Equal(t, "working on it", string(data))

	for _, k := range []string{
		event.BattleStarted, event.IterationStarted, event.IterationOutput, event.IterationEnded,
		event.FeedbackResult, event.CompletionDetected, event.ProgressUpdated, event.BattleCompleted,
	} {
		assert.True(t, h.events.has(k), "missing %s", k)
	}
}

func TestYOLO_LegacySigilCompletes(t *testing.T) {
	h := newHarness(t, config.ModeYOLO, 3, agenttest.Reply{Output: "done " + completion.LegacySigil})
	l := h.loop(t)

	require.NoError(t, l.Start(context.Background()))
	wait(t, l)
	assert.Equal(t, store.BattleCompleted, l.State())
	assert.Equal(t, 1, h.runner.Calls())
}

func TestMaxIterationsFails(t *testing.T) {
	h := newHarness(t, config.ModeYOLO, 3, agenttest.Reply{Output: "still going"})
	l := h.loop(t)

	require.NoError(t, l.Start(context.Background()))
	wait(t, l)

	b := l.Snapshot()
	assert.Equal(t, store.BattleFailed, b.Status)
	assert.Equal(t, ErrMaxIterations.Error(), b.Error)
	assert.Len(t, b.Iterations, 3)
	assert.Equal(t, 3, h.runner.Calls())
	assert.Empty(t, h.tree.Commits())

	task, err := h.store.GetTask(h.task.ID)
	require.NoError(t, err)
	assert.Equal(t, store.TaskFailed, task.Status)
	assert.True(t, h.events.has(event.BattleFailed))
}

func TestRejectedClaimIsFedIntoNextPrompt(t *testing.T) {
	wrong := &store.Task{ID: "999-other"}
	h := newHarness(t, config.ModeYOLO, 3, agenttest.Reply{Output: completion.Example(wrong)})
	h.runner.Push(agenttest.Reply{Output: h.done()})
	l := h.loop(t)

	require.NoError(t, l.Start(context.Background()))
	wait(t, l)

	assert.Equal(t, store.BattleCompleted, l.State())
	reqs := h.runner.Requests()
	require.Len(t, reqs, 2)
	assert.Contains(t, reqs[1].Prompt, "task ID mismatch")
	assert.Empty(t, l.ValidationErrors(), "cleared by the accepted claim")
}

func TestFailingFeedbackBlocksCompletion(t *testing.T) {
	h := newHarness(t, config.ModeYOLO, 2)
	h.runner.Push(agenttest.Reply{Output: h.done()})
	h.feedback.passing = false
	l := h.loop(t)

	require.NoError(t, l.Start(context.Background()))
	wait(t, l)

	assert.Equal(t, store.BattleFailed, l.State())
	require.NotEmpty(t, l.ValidationErrors())
	assert.Contains(t, l.ValidationErrors()[0], "feedback loops failing: test")
	assert.Contains(t, h.runner.LastPrompt(), "feedback loops failing")
}

func TestLegacySigilNeedsPassingFeedback(t *testing.T) {
	h := newHarness(t, config.ModeYOLO, 2, agenttest.Reply{Output: "done " + completion.LegacySigil})
	h.runner.Push(agenttest.Reply{Output: "done " + completion.LegacySigil})
	h.feedback.passing = false
	l := h.loop(t)

	require.NoError(t, l.Start(context.Background()))
	wait(t, l)

	assert.Equal(t, store.BattleFailed, l.State())
	assert.Equal(t, 2, h.runner.Calls(), "a rejected sigil gets another iteration")
	require.NotEmpty(t, l.ValidationErrors())
	assert.Contains(t, l.ValidationErrors()[0], "feedback loops failing: test")
	assert.Contains(t, h.runner.LastPrompt(), "feedback loops failing")
}

func TestMalformedClaimIsRejected(t *testing.T) {
	h := newHarness(t, config.ModeYOLO, 1, agenttest.Reply{Output: "<completion>{nope</completion>"})
	l := h.loop(t)

	require.NoError(t, l.Start(context.Background()))
	wait(t, l)

	assert.Equal(t, store.BattleFailed, l.State())
	require.Len(t, l.ValidationErrors(), 1)
	assert.Contains(t, l.ValidationErrors()[0], "could not be parsed")
}

func TestAgentErrorContinues(t *testing.T) {
	h := newHarness(t, config.ModeYOLO, 3, agenttest.Reply{Output: "partial", Err: errors.New("exit status 1")})
	h.runner.Push(agenttest.Reply{Output: h.done()})
	l := h.loop(t)

	require.NoError(t, l.Start(context.Background()))
	wait(t, l)

	b := l.Snapshot()
	assert.Equal(t, store.BattleCompleted, b.Status)
	require.Len(t, b.Iterations, 2)
	assert.Equal(t, store.ResultFailure, b.Iterations[0].Result)
	assert.Contains(t, b.Iterations[0].Error, "exit status 1")
	assert.Equal(t, "partial", b.Iterations[0].Output)
	assert.Equal(t, 1, h.feedback.Calls(), "feedback skipped after a failed agent call")
	assert.True(t, h.events.has(event.BattleError))
}

func TestIterationTimeout(t *testing.T) {
	never := make(chan struct{})
	defer close(never)
	h := newHarness(t, config.ModeYOLO, 1, agenttest.Reply{Wait: never})
	h.cfg.IterationTimeoutSec = 1
	l := h.loop(t)

	require.NoError(t, l.Start(context.Background()))
	wait(t, l)

	b := l.Snapshot()
	assert.Equal(t, store.BattleFailed, b.Status)
	require.Len(t, b.Iterations, 1)
	assert.Equal(t, store.ResultTimeout, b.Iterations[0].Result)
}

func TestHITL_AwaitsApproval(t *testing.T) {
	h := newHarness(t, config.ModeHITL, 5, agenttest.Reply{Output: "step one"})
	h.runner.Push(agenttest.Reply{Output: h.done()})
	l := h.loop(t)

	err := l.Approve()
	assert.True(t, apperr.Is(err, apperr.CodeStateConflict), "pending battle")

	require.NoError(t, l.Start(context.Background()))
	require.Eventually(t, l.IsAwaitingApproval, 2*time.Second, 5*time.Millisecond)
	assert.Equal(t, 1, h.runner.Calls())
	assert.Equal(t, store.ProgressAwaitingApproval, l.Progress().Status)
	assert.True(t, h.events.has(event.BattleAwaitingApproval))

	// Still waiting: no timeout on the approval gate.
	time.Sleep(30 * time.Millisecond)
	assert.Equal(t, 1, h.runner.Calls())

	require.NoError(t, l.Approve())
	wait(t, l)
	assert.Equal(t, store.BattleCompleted, l.State())
	assert.Equal(t, 2, h.runner.Calls())
	assert.True(t, h.events.has(event.BattleApprovalReceived))

	err = l.Approve()
	assert.True(t, apperr.Is(err, apperr.CodeStateConflict))
}

func TestPauseAndResume(t *testing.T) {
	release := make(chan struct{})
	h := newHarness(t, config.ModeYOLO, 5, agenttest.Reply{Output: "step one", Wait: release})
	h.runner.Push(agenttest.Reply{Output: h.done()})
	l := h.loop(t)

	err := l.Resume()
	assert.True(t, apperr.Is(err, apperr.CodeStateConflict))

	require.NoError(t, l.Start(context.Background()))
	require.Eventually(t, func() bool { return h.runner.Calls() == 1 }, 2*time.Second, 5*time.Millisecond)

	require.NoError(t, l.Pause())
	assert.True(t, l.PauseRequested())
	err = l.Pause()
	assert.True(t, apperr.Is(err, apperr.CodeStateConflict), "pause already requested")
	assert.Equal(t, store.BattleRunning, l.State(), "in-flight call is not preempted")

	close(release)
	require.Eventually(t, l.IsPaused, 2*time.Second, 5*time.Millisecond)
	assert.Len(t, l.Snapshot().Iterations, 1, "paused after recording the iteration")
	assert.Equal(t, 1, h.runner.Calls())

	err = l.Pause()
	assert.True(t, apperr.Is(err, apperr.CodeStateConflict), "already paused")

	require.NoError(t, l.Resume())
	wait(t, l)
	assert.Equal(t, store.BattleCompleted, l.State())
	assert.True(t, h.events.has(event.BattlePaused))
	assert.True(t, h.events.has(event.BattleResumed))
}

func TestCancelDuringIteration(t *testing.T) {
	release := make(chan struct{})
	h := newHarness(t, config.ModeYOLO, 5, agenttest.Reply{Output: "half done", Wait: release})
	l := h.loop(t)

	require.NoError(t, l.Start(context.Background()))
	require.Eventually(t, func() bool { return h.runner.Calls() == 1 }, 2*time.Second, 5*time.Millisecond)

	require.NoError(t, l.Cancel("changed my mind"))
	assert.Equal(t, store.BattleCancelled, l.State(), "state changes immediately")
	select {
	case <-l.Done():
		t.Fatal("loop exited before the in-flight call returned")
	default:
	}

	close(release)
	wait(t, l)

	b := l.Snapshot()
	assert.Equal(t, store.BattleCancelled, b.Status)
	assert.Equal(t, "changed my mind", b.Error)
	require.Len(t, b.Iterations, 1)
	assert.Equal(t, store.ResultCancelled, b.Iterations[0].Result)
	assert.Equal(t, 1, h.runner.Calls(), "no further iterations")
	assert.Equal(t, store.ProgressIdle, l.Progress().Status)

	task, err := h.store.GetTask(h.task.ID)
	require.NoError(t, err)
	assert.Equal(t, store.TaskPending, task.Status, "task can be retried")

	err = l.Cancel("")
	assert.True(t, apperr.Is(err, apperr.CodeStateConflict))
}

func TestCancelWhileAwaitingApproval(t *testing.T) {
	h := newHarness(t, config.ModeHITL, 5, agenttest.Reply{Output: "step"})
	l := h.loop(t)

	require.NoError(t, l.Start(context.Background()))
	require.Eventually(t, l.IsAwaitingApproval, 2*time.Second, 5*time.Millisecond)

	require.NoError(t, l.Cancel(""))
	wait(t, l)
	assert.Equal(t, store.BattleCancelled, l.State())
	assert.Equal(t, 1, h.runner.Calls())
	assert.True(t, h.events.has(event.BattleCancelled))
}

func TestCancelPending(t *testing.T) {
	h := newHarness(t, config.ModeYOLO, 5)
	l := h.loop(t)

	require.NoError(t, l.Cancel("never mind"))
	wait(t, l)
	assert.True(t, l.IsTerminal())

	err := l.Start(context.Background())
	assert.True(t, apperr.Is(err, apperr.CodeStateConflict))
	assert.Equal(t, 0, h.runner.Calls())
}

func TestAbortWhilePaused(t *testing.T) {
	h := newHarness(t, config.ModeHITL, 5, agenttest.Reply{Output: "step"})
	l := h.loop(t)

	require.NoError(t, l.Start(context.Background()))
	require.Eventually(t, l.IsAwaitingApproval, 2*time.Second, 5*time.Millisecond)

	l.Abort()
	wait(t, l)
	assert.Equal(t, store.BattleCancelled, l.State())
	assert.Equal(t, "aborted", l.Snapshot().Error)
}
