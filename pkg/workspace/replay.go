package workspace

import (
	"context"
	"fmt"
	"os"
	"path/filepath"

	"github.com/moonmindlabs/worker/pkg/workerrors"
)

// EnsureWorkingBranch recreates the working branch from the starting branch
// after a hard reset; callers inject this as a hook so the replay builder
// does not need to know about newBranchHint synthesis rules.
type EnsureWorkingBranch func(ctx context.Context, repoDir, startingBranch string) error

// HardResetReplay rebuilds a repository checkout from scratch and re-applies
// every previously successful step's saved patch, in order. Any failure in
// this sequence is wrapped as *workerrors.WorkspaceReplayError, per the
// "hard reset replay is all-or-nothing" contract.
func HardResetReplay(ctx context.Context, runner Runner, layout Layout, repository, startingBranch string, ensureWorkingBranch EnsureWorkingBranch, env []string, patchPaths []string) error {
	if err := hardResetReplay(ctx, runner, layout, repository, startingBranch, ensureWorkingBranch, env, patchPaths); err != nil {
		return &workerrors.WorkspaceReplayError{Message: err.Error()}
	}
	return nil
}

func hardResetReplay(ctx context.Context, runner Runner, layout Layout, repository, startingBranch string, ensureWorkingBranch EnsureWorkingBranch, env []string, patchPaths []string) error {
	if _, err := os.Stat(layout.RepoDir); err == nil {
		if err := os.RemoveAll(layout.RepoDir); err != nil {
			return fmt.Errorf("remove repo dir: %w", err)
		}
	}
	if err := os.MkdirAll(filepath.Dir(layout.RepoDir), 0o755); err != nil {
		return fmt.Errorf("ensure parent dir: %w", err)
	}

	cloneURL, err := ResolveCloneURL(repository)
	if err != nil {
		return err
	}
	if _, err := runner.Run(ctx, []string{"git", "clone", "--", cloneURL, layout.RepoDir}, layout.JobRoot, env); err != nil {
		return fmt.Errorf("clone: %w", err)
	}

	// Non-fatal: a fresh clone may not need pruning, but we still attempt
	// it for parity with the initial prepare sequence.
	_, _ = runner.Run(ctx, []string{"git", "fetch", "--all", "--prune"}, layout.RepoDir, env)

	if ensureWorkingBranch != nil {
		if err := ensureWorkingBranch(ctx, layout.RepoDir, startingBranch); err != nil {
			return fmt.Errorf("ensure working branch: %w", err)
		}
	}

	for _, patchPath := range patchPaths {
		info, err := os.Stat(patchPath)
		if err != nil || info.Size() == 0 {
			// Missing or empty patch files are skipped silently; a step
			// that produced no diff has nothing to replay.
			continue
		}
		if _, err := runner.Run(ctx, []string{"git", "apply", "--allow-empty", "--whitespace=nowarn", patchPath}, layout.RepoDir, env); err != nil {
			return fmt.Errorf("apply patch %s: %w", patchPath, err)
		}
	}

	return nil
}
