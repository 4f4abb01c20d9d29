// Package git is the working-tree adapter the battle loop and preflight
// checks use. It shells out to the git CLI in the project directory.
package git

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"os"
	"os/exec"
	"strconv"
	"strings"
)

// ErrNothingToStash is returned by Stash when the tree is already clean.
var ErrNothingToStash = errors.New("nothing to stash")

// Repo runs git commands against one working directory.
type Repo struct {
	workDir string
}

// New creates a Repo for the given working directory.
func New(workDir string) *Repo {
	return &Repo{workDir: workDir}
}

// FileStatus is one line of `git status --porcelain`.
type FileStatus struct {
	Code string `json:"code"` // Two-letter XY status, e.g. " M", "??"
	Path string `json:"path"`
}

// Commit identifies a commit.
type Commit struct {
	Hash    string `json:"hash"`
	Subject string `json:"subject"`
}

// run executes git and returns trimmed stdout. On failure the error carries
// git's own stderr.
func (r *Repo) run(ctx context.Context, stdin string, args ...string) (string, error) {
	cmd := exec.CommandContext(ctx, "git", args...)
	cmd.Dir = r.workDir
	cmd.Env = append(os.Environ(), "GIT_TERMINAL_PROMPT=0")
	if stdin != "" {
		cmd.Stdin = strings.NewReader(stdin)
	}
	var stdout, stderr bytes.Buffer
	cmd.Stdout = &stdout
	cmd.Stderr = &stderr

	if err := cmd.Run(); err != nil {
		msg := strings.TrimSpace(stderr.String())
		if msg == "" {
			msg = err.Error()
		}
		return stdout.String(), &CommandError{Args: args, Msg: msg, Err: err}
	}
	return strings.TrimRight(stdout.String(), "\n"), nil
}

// CommandError reports a failed git invocation.
type CommandError struct {
	Args []string
	Msg  string
	Err  error
}

func (e *CommandError) Error() string {
	return fmt.Sprintf("git %s: %s", strings.Join(e.Args, " "), e.Msg)
}

func (e *CommandError) Unwrap() error { return e.Err }

// exitCode returns the process exit code of a failed command, or -1.
func exitCode(err error) int {
	var ee *exec.ExitError
	if errors.As(err, &ee) {
		return ee.ExitCode()
	}
	return -1
}

// IsGitRepo checks if the working directory is inside a git work tree.
func (r *Repo) IsGitRepo(ctx context.Context) bool {
	out, err := r.run(ctx, "", "rev-parse", "--is-inside-work-tree")
	return err == nil && strings.TrimSpace(out) == "true"
}

// CurrentBranch returns the name of the current branch.
func (r *Repo) CurrentBranch(ctx context.Context) (string, error) {
	out, err := r.run(ctx, "", "rev-parse", "--abbrev-ref", "HEAD")
	if err != nil {
		return "", fmt.Errorf("get current branch: %w", err)
	}
	return strings.TrimSpace(out), nil
}

// LastCommit returns the HEAD commit.
func (r *Repo) LastCommit(ctx context.Context) (Commit, error) {
	out, err := r.run(ctx, "", "log", "-1", "--format=%H%x00%s")
	if err != nil {
		return Commit{}, fmt.Errorf("get last commit: %w", err)
	}
	hash, subject, _ := strings.Cut(strings.TrimSpace(out), "\x00")
	return Commit{Hash: hash, Subject: subject}, nil
}

// Status returns the porcelain status of the working tree. Ignored files
// are never listed.
func (r *Repo) Status(ctx context.Context) ([]FileStatus, error) {
	out, err := r.run(ctx, "", "status", "--porcelain", "--untracked-files=all")
	if err != nil {
		return nil, fmt.Errorf("git status: %w", err)
	}

	var files []FileStatus
	for _, line := range strings.Split(out, "\n") {
		if len(line) < 4 {
			continue
		}
		path := line[3:]
		// Renames are reported as "old -> new".
		if _, after, ok := strings.Cut(path, " -> "); ok {
			path = after
		}
		files = append(files, FileStatus{Code: line[:2], Path: unquote(path)})
	}
	return files, nil
}

// unquote strips the C-style quoting git applies to unusual paths.
func unquote(p string) string {
	if len(p) >= 2 && p[0] == '"' && p[len(p)-1] == '"' {
		if s, err := strconv.Unquote(p); err == nil {
			return s
		}
	}
	return p
}

// ChangedFiles returns the paths of all modified, added, deleted or
// untracked files.
func (r *Repo) ChangedFiles(ctx context.Context) ([]string, error) {
	status, err := r.Status(ctx)
	if err != nil {
		return nil, err
	}
	paths := make([]string, 0, len(status))
	for _, f := range status {
		paths = append(paths, f.Path)
	}
	return paths, nil
}

// HasUncommittedChanges reports whether the working tree differs from HEAD.
func (r *Repo) HasUncommittedChanges(ctx context.Context) (bool, error) {
	status, err := r.Status(ctx)
	if err != nil {
		return false, err
	}
	return len(status) > 0, nil
}

// FilterIgnored drops the paths git would ignore.
func (r *Repo) FilterIgnored(ctx context.Context, paths []string) ([]string, error) {
	if len(paths) == 0 {
		return paths, nil
	}
	out, err := r.run(ctx, strings.Join(paths, "\n")+"\n", "check-ignore", "--stdin")
	// Exit status 1 means none of the paths are ignored.
	if err != nil && exitCode(err) != 1 {
		return nil, fmt.Errorf("check ignored files: %w", err)
	}

	ignored := map[string]bool{}
	for _, line := range strings.Split(out, "\n") {
		if line = strings.TrimSpace(line); line != "" {
			ignored[line] = true
		}
	}
	kept := make([]string, 0, len(paths))
	for _, p := range paths {
		if !ignored[p] {
			kept = append(kept, p)
		}
	}
	return kept, nil
}

// CommitAll stages all changes and commits with the given message.
// Returns the new commit hash, or "" if there was nothing to commit.
func (r *Repo) CommitAll(ctx context.Context, message string) (string, error) {
	if _, err := r.run(ctx, "", "add", "-A"); err != nil {
		return "", fmt.Errorf("stage changes: %w", err)
	}

	// Exit status 0 means nothing is staged.
	if _, err := r.run(ctx, "", "diff", "--cached", "--quiet"); err == nil {
		return "", nil
	}

	if _, err := r.run(ctx, "", "commit", "-m", message); err != nil {
		return "", fmt.Errorf("commit: %w", err)
	}
	out, err := r.run(ctx, "", "rev-parse", "HEAD")
	if err != nil {
		return "", fmt.Errorf("get commit hash: %w", err)
	}
	return strings.TrimSpace(out), nil
}

// RevertTo resets the working tree and index to the given commit,
// discarding everything after it.
func (r *Repo) RevertTo(ctx context.Context, hash string) error {
	if _, err := r.run(ctx, "", "rev-parse", "--verify", hash+"^{commit}"); err != nil {
		return fmt.Errorf("unknown commit %s: %w", hash, err)
	}
	if _, err := r.run(ctx, "", "reset", "--hard", hash); err != nil {
		return fmt.Errorf("reset to %s: %w", hash, err)
	}
	return nil
}

// Stash saves all local changes, untracked files included, and returns the
// stash commit hash. It returns ErrNothingToStash on a clean tree.
func (r *Repo) Stash(ctx context.Context, message string) (string, error) {
	dirty, err := r.HasUncommittedChanges(ctx)
	if err != nil {
		return "", err
	}
	if !dirty {
		return "", ErrNothingToStash
	}

	if _, err := r.run(ctx, "", "stash", "push", "--include-untracked", "-m", message); err != nil {
		return "", fmt.Errorf("stash: %w", err)
	}
	out, err := r.run(ctx, "", "rev-parse", "stash@{0}")
	if err != nil {
		return "", fmt.Errorf("resolve stash: %w", err)
	}
	return strings.TrimSpace(out), nil
}

// StashPop re-applies and drops a stash. ref is either a hash returned by
// Stash or a stash@{n} name.
func (r *Repo) StashPop(ctx context.Context, ref string) error {
	name, err := r.stashName(ctx, ref)
	if err != nil {
		return err
	}
	if _, err := r.run(ctx, "", "stash", "pop", name); err != nil {
		return fmt.Errorf("stash pop %s: %w", ref, err)
	}
	return nil
}

// stashName resolves a stash hash to its current stash@{n} position.
func (r *Repo) stashName(ctx context.Context, ref string) (string, error) {
	if strings.HasPrefix(ref, "stash@{") {
		return ref, nil
	}
	out, err := r.run(ctx, "", "stash", "list", "--format=%H %gd")
	if err != nil {
		return "", fmt.Errorf("list stashes: %w", err)
	}
	for _, line := range strings.Split(out, "\n") {
		hash, name, ok := strings.Cut(strings.TrimSpace(line), " ")
		if ok && (hash == ref || (len(ref) >= 7 && strings.HasPrefix(hash, ref))) {
			return name, nil
		}
	}
	return "", fmt.Errorf("stash %s not found", ref)
}
