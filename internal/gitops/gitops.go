// Package gitops runs the optional git side effect after a job completes:
// stage everything the agent touched, commit, and run any extra configured
// commands. All git access is serialized by a mutex so concurrent batches
// never interleave operations in the same repository.
package gitops

import (
	"context"
	"fmt"
	"os/exec"
	"strings"
	"sync"
)

// Runner executes git commands in project directories
type Runner struct {
	gitMu sync.Mutex // Mutex for git operations to prevent concurrent access
}

// New creates a git Runner
func New() *Runner {
	return &Runner{}
}

// Run stages and commits the project's working tree, then executes any
// extra commands (e.g. "push"). Returns a short human-readable summary.
// A clean working tree is not an error; it commits nothing.
func (r *Runner) Run(ctx context.Context, projectPath string, commands []string, commitMessage string) (string, error) {
	r.gitMu.Lock()
	defer r.gitMu.Unlock()

	if commitMessage == "" {
		commitMessage = "chore: apply agent changes"
	}

	cmd := exec.CommandContext(ctx, "git", "add", "-A")
	cmd.Dir = projectPath
	if output, err := cmd.CombinedOutput(); err != nil {
		return "", fmt.Errorf("git add failed: %w\n%s", err, output)
	}

	// Check if there are staged changes
	cmd = exec.CommandContext(ctx, "git", "diff", "--cached", "--quiet")
	cmd.Dir = projectPath
	if err := cmd.Run(); err == nil {
		return "nothing to commit", nil
	}

	cmd = exec.CommandContext(ctx, "git", "commit", "-m", commitMessage)
	cmd.Dir = projectPath
	if output, err := cmd.CombinedOutput(); err != nil {
		return "", fmt.Errorf("git commit failed: %w\n%s", err, output)
	}

	for _, extra := range commands {
		fields := strings.Fields(extra)
		if len(fields) == 0 {
			continue
		}
		cmd = exec.CommandContext(ctx, "git", fields...)
		cmd.Dir = projectPath
		if output, err := cmd.CombinedOutput(); err != nil {
			return "", fmt.Errorf("git %s failed: %w\n%s", fields[0], err, output)
		}
	}

	return fmt.Sprintf("committed %q", commitMessage), nil
}
