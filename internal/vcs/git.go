// Package vcs wraps the git CLI for worker branch discipline: feature
// branches and local commits only, never push or merge.
package vcs

import (
	"context"
	"fmt"
	"os"
	"os/exec"
	"sort"
	"strings"

	colonyerrors "colony/internal/errors"
	"colony/internal/logging"
)

// Git runs git commands inside one repository checkout.
type Git struct {
	repoDir string
	logger  logging.Logger
}

// NewGit creates an adapter for the repository at repoDir.
func NewGit(repoDir string, logger logging.Logger) *Git {
	return &Git{repoDir: repoDir, logger: logging.OrNop(logger)}
}

// EnsureRepo verifies git is installed and repoDir is a work tree.
func (g *Git) EnsureRepo(ctx context.Context) error {
	if _, err := exec.LookPath("git"); err != nil {
		return colonyerrors.NewPermanentError(err, "git CLI not installed")
	}
	if _, err := g.run(ctx, "rev-parse", "--is-inside-work-tree"); err != nil {
		return colonyerrors.NewPermanentError(err, "not a git repository")
	}
	return nil
}

// CreateBranch checks out a branch pointing at HEAD, resetting it if a
// previous attempt left one behind under the same name.
func (g *Git) CreateBranch(ctx context.Context, name string) error {
	if err := validBranchName(name); err != nil {
		return err
	}
	_, err := g.run(ctx, "checkout", "-B", name)
	return err
}

// Checkout switches to an existing branch.
func (g *Git) Checkout(ctx context.Context, name string) error {
	if err := validBranchName(name); err != nil {
		return err
	}
	_, err := g.run(ctx, "checkout", name)
	return err
}

// StageAll stages every change in the work tree.
func (g *Git) StageAll(ctx context.Context) error {
	_, err := g.run(ctx, "add", "-A")
	return err
}

// Commit records the staged changes and returns the new commit hash.
func (g *Git) Commit(ctx context.Context, message string) (string, error) {
	if strings.TrimSpace(message) == "" {
		return "", colonyerrors.NewPermanentError(fmt.Errorf("empty commit message"), "commit without message")
	}
	if _, err := g.run(ctx, "commit", "-m", message); err != nil {
		return "", err
	}
	return g.HeadCommit(ctx)
}

// ResetWorkingTree discards all uncommitted changes, tracked and
// untracked, returning the tree to HEAD.
func (g *Git) ResetWorkingTree(ctx context.Context) error {
	if _, err := g.run(ctx, "reset", "--hard", "HEAD"); err != nil {
		return err
	}
	_, err := g.run(ctx, "clean", "-fd")
	return err
}

// CurrentBranch returns the checked-out branch name.
func (g *Git) CurrentBranch(ctx context.Context) (string, error) {
	return g.run(ctx, "rev-parse", "--abbrev-ref", "HEAD")
}

// HeadCommit returns the full hash of HEAD.
func (g *Git) HeadCommit(ctx context.Context) (string, error) {
	return g.run(ctx, "rev-parse", "HEAD")
}

// HasChanges reports whether the work tree differs from HEAD.
func (g *Git) HasChanges(ctx context.Context) (bool, error) {
	out, err := g.run(ctx, "status", "--porcelain")
	if err != nil {
		return false, err
	}
	return out != "", nil
}

// run executes git with prompts, pagers and color disabled so output is
// machine-readable and the process can never hang on credentials.
func (g *Git) run(ctx context.Context, args ...string) (string, error) {
	cmd := exec.CommandContext(ctx, "git", args...)
	cmd.Dir = g.repoDir
	cmd.Env = mergeEnv(os.Environ(), map[string]string{
		"GIT_PAGER":           "cat",
		"GIT_TERMINAL_PROMPT": "0",
		"GIT_SSH_COMMAND":     "ssh -oBatchMode=yes",
		"NO_COLOR":            "1",
	})
	output, err := cmd.CombinedOutput()
	result := strings.TrimSpace(string(output))
	if err != nil {
		if result != "" {
			return "", fmt.Errorf("git %s failed: %s", strings.Join(args, " "), result)
		}
		return "", fmt.Errorf("git %s failed: %w", strings.Join(args, " "), err)
	}
	g.logger.Debug("git %s", strings.Join(args, " "))
	return result, nil
}

func mergeEnv(base []string, overrides map[string]string) []string {
	env := make(map[string]string, len(base)+len(overrides))
	for _, entry := range base {
		if idx := strings.Index(entry, "="); idx != -1 {
			env[entry[:idx]] = entry[idx+1:]
		}
	}
	for k, v := range overrides {
		env[k] = v
	}
	keys := make([]string, 0, len(env))
	for k := range env {
		keys = append(keys, k)
	}
	sort.Strings(keys)
	merged := make([]string, 0, len(keys))
	for _, k := range keys {
		merged = append(merged, k+"="+env[k])
	}
	return merged
}

// validBranchName rejects names git would refuse or that smell like
// option injection.
func validBranchName(name string) error {
	trimmed := strings.TrimSpace(name)
	if trimmed == "" {
		return colonyerrors.NewPermanentError(fmt.Errorf("empty branch name"), "invalid branch")
	}
	if strings.HasPrefix(trimmed, "-") {
		return colonyerrors.NewPermanentError(fmt.Errorf("branch %q starts with dash", name), "invalid branch")
	}
	for _, bad := range []string{"..", " ", "~", "^", ":", "?", "*", "[", "\\"} {
		if strings.Contains(trimmed, bad) {
			return colonyerrors.NewPermanentError(fmt.Errorf("branch %q contains %q", name, bad), "invalid branch")
		}
	}
	return nil
}
