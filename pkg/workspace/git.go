// Package workspace manages git-worktree-backed working directories with
// exclusive port assignments.
package workspace

import (
	"context"
	"fmt"
	"os/exec"
	"strings"
)

// GitRunner executes git commands. Tests substitute a fake.
type GitRunner interface {
	Run(ctx context.Context, dir string, args ...string) (string, error)
}

// execGitRunner runs git via the system binary.
type execGitRunner struct{}

// NewGitRunner returns a GitRunner backed by the git CLI.
func NewGitRunner() GitRunner {
	return &execGitRunner{}
}

func (r *execGitRunner) Run(ctx context.Context, dir string, args ...string) (string, error) {
	cmd := exec.CommandContext(ctx, "git", args...)
	if dir != "" {
		cmd.Dir = dir
	}
	output, err := cmd.CombinedOutput()
	if err != nil {
		return "", fmt.Errorf("git %s failed: %w\nOutput: %s", strings.Join(args, " "), err, string(output))
	}
	return string(output), nil
}

// addWorktree creates a new worktree with its own branch off the repo HEAD.
func addWorktree(ctx context.Context, git GitRunner, repoDir, worktreePath, branch string) error {
	_, err := git.Run(ctx, repoDir, "worktree", "add", "-b", branch, worktreePath)
	return err
}

// removeWorktree force-removes a worktree and prunes stale registrations.
// Prune failures are ignored; the worktree itself must go.
func removeWorktree(ctx context.Context, git GitRunner, repoDir, worktreePath string) error {
	if _, err := git.Run(ctx, repoDir, "worktree", "remove", "--force", worktreePath); err != nil {
		return err
	}
	_, _ = git.Run(ctx, repoDir, "worktree", "prune")
	return nil
}
