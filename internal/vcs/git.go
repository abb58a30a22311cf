package vcs

import (
	"context"
	"fmt"
	"os"
	"os/exec"
	"path/filepath"
	"strings"
)

// Client abstracts the version-control operations the deployment engine
// needs. Implementations return the captured combined output so it can
// be persisted into the build log.
type Client interface {
	Clone(ctx context.Context, repoURL, branch, dir string) (string, error)
	FetchAndReset(ctx context.Context, dir, branch string) (string, error)
}

// Git shells out to the git CLI.
type Git struct{}

// Clone clones a single branch of the repository into dir.
func (Git) Clone(ctx context.Context, repoURL, branch, dir string) (string, error) {
	if repoURL == "" {
		return "", fmt.Errorf("repository URL cannot be empty")
	}
	if dir == "" {
		return "", fmt.Errorf("destination cannot be empty")
	}
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return "", fmt.Errorf("create clone dir: %w", err)
	}
	args := []string{"clone", "--depth", "1"}
	if branch != "" {
		args = append(args, "--branch", branch)
	}
	args = append(args, repoURL, ".")
	return run(ctx, dir, args...)
}

// FetchAndReset updates an existing clone to the remote tip of branch,
// discarding local changes.
func (Git) FetchAndReset(ctx context.Context, dir, branch string) (string, error) {
	if branch == "" {
		return "", fmt.Errorf("branch cannot be empty")
	}
	var out strings.Builder
	fetched, err := run(ctx, dir, "fetch", "origin", branch)
	out.WriteString(fetched)
	if err != nil {
		return out.String(), err
	}
	reset, err := run(ctx, dir, "reset", "--hard", "origin/"+branch)
	out.WriteString(reset)
	return out.String(), err
}

// HasClone reports whether dir already contains a git working tree.
func HasClone(dir string) bool {
	info, err := os.Stat(filepath.Join(dir, ".git"))
	return err == nil && info.IsDir()
}

func run(ctx context.Context, dir string, args ...string) (string, error) {
	cmd := exec.CommandContext(ctx, "git", args...)
	cmd.Dir = dir
	// Prevent git from prompting for credentials interactively.
	cmd.Env = append(os.Environ(), "GIT_TERMINAL_PROMPT=0")
	output, err := cmd.CombinedOutput()
	if err != nil {
		return string(output), fmt.Errorf("git %s failed: %w", args[0], err)
	}
	return string(output), nil
}
