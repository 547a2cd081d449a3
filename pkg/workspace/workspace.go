// Package workspace manages the on-disk repository checkout backing a
// claimed job: layout, clone/reuse, default/starting/working branch
// resolution, and branch name sanitization.
package workspace

import (
	"context"
	"fmt"
	"os"
	"path/filepath"
	"regexp"
	"strings"
	"time"

	"github.com/moonmindlabs/worker/pkg/subprocess"
)

// WorkdirMode selects whether the repo directory is wiped and re-cloned or
// reused across attempts.
type WorkdirMode string

const (
	FreshClone WorkdirMode = "fresh_clone"
	Reuse      WorkdirMode = "reuse"
)

// Layout describes the resolved on-disk paths for one job, per the
// canonical artifact directory structure.
type Layout struct {
	JobRoot           string
	RepoDir           string
	ArtifactsDir      string
	PrepareLog        string
	ExecuteLog        string
	PublishLog        string
	TaskContextPath   string
	PublishResultPath string
	HomeDir           string
	SkillsActiveDir   string
}

// BuildLayout resolves the canonical workdirRoot/<jobId>/{...} layout.
// workdirRoot is made absolute against the process working directory if it
// is relative, at call time (the spec requires this resolution happen once
// at startup; callers should resolve workdirRoot before passing it here if
// they want startup-time semantics exactly).
func BuildLayout(workdirRoot, jobID string) (Layout, error) {
	root := workdirRoot
	if !filepath.IsAbs(root) {
		cwd, err := os.Getwd()
		if err != nil {
			return Layout{}, fmt.Errorf("workspace: resolve cwd: %w", err)
		}
		root = filepath.Join(cwd, root)
	}
	jobRoot := filepath.Join(root, jobID)
	artifacts := filepath.Join(jobRoot, "artifacts")
	return Layout{
		JobRoot:           jobRoot,
		RepoDir:           filepath.Join(jobRoot, "repo"),
		ArtifactsDir:      artifacts,
		PrepareLog:        filepath.Join(artifacts, "logs", "prepare.log"),
		ExecuteLog:        filepath.Join(artifacts, "logs", "execute.log"),
		PublishLog:        filepath.Join(artifacts, "logs", "publish.log"),
		TaskContextPath:   filepath.Join(artifacts, "task_context.json"),
		PublishResultPath: filepath.Join(artifacts, "publish_result.json"),
		HomeDir:           filepath.Join(jobRoot, "home"),
		SkillsActiveDir:   filepath.Join(jobRoot, "skills_active"),
	}, nil
}

// EnsureDirectories creates every directory the layout needs.
func (l Layout) EnsureDirectories() error {
	dirs := []string{
		l.RepoDir,
		filepath.Dir(l.PrepareLog),
		filepath.Join(l.ArtifactsDir, "patches", "steps"),
		filepath.Join(l.ArtifactsDir, "logs", "steps"),
		l.HomeDir,
		l.SkillsActiveDir,
	}
	for _, d := range dirs {
		if err := os.MkdirAll(d, 0o755); err != nil {
			return fmt.Errorf("workspace: create %s: %w", d, err)
		}
	}
	return nil
}

// BranchState carries the resolved branch names for a prepared workspace.
type BranchState struct {
	DefaultBranch  string
	StartingBranch string
	NewBranch      string // empty if none
	WorkingBranch  string
}

var disallowedBranchChar = regexp.MustCompile(`[^A-Za-z0-9._/-]`)

// SanitizeBranchName replaces any character outside [A-Za-z0-9._/-] with
// '-', collapses consecutive '-' runs, and truncates to 200 characters.
func SanitizeBranchName(name string) string {
	sanitized := disallowedBranchChar.ReplaceAllString(name, "-")
	for strings.Contains(sanitized, "--") {
		sanitized = strings.ReplaceAll(sanitized, "--", "-")
	}
	if len(sanitized) > 200 {
		sanitized = sanitized[:200]
	}
	return sanitized
}

// SynthesizeBranchName builds the deterministic task/<date>/<jobId-8hex>[/<skill>]
// working-branch name. date must already be formatted (e.g. "2026-07-30");
// callers supply it rather than calling time.Now() here so the result stays
// deterministic for a given (date, jobID, skill) triple.
func SynthesizeBranchName(date, jobID, skill string) string {
	shortJobID := jobID
	if len(shortJobID) > 8 {
		shortJobID = shortJobID[:8]
	}
	name := fmt.Sprintf("task/%s/%s", date, shortJobID)
	if skill != "" && skill != "auto" {
		name = fmt.Sprintf("%s/%s", name, skill)
	}
	return SanitizeBranchName(name)
}

// ResolveCloneURL derives a usable clone URL from a bare "owner/name" or a
// full URL, rejecting URLs carrying embedded userinfo (tokenized URLs).
func ResolveCloneURL(repository string) (string, error) {
	repository = strings.TrimSpace(repository)
	if strings.HasPrefix(repository, "git@") {
		return repository, nil
	}
	if strings.HasPrefix(repository, "http://") || strings.HasPrefix(repository, "https://") {
		if strings.Contains(repository, "@") {
			schemeSep := strings.Index(repository, "://")
			rest := repository[schemeSep+3:]
			if slash := strings.Index(rest, "/"); slash >= 0 {
				rest = rest[:slash]
			}
			if strings.Contains(rest, "@") {
				return "", fmt.Errorf("repository URL must not embed credentials")
			}
		}
		return repository, nil
	}
	return fmt.Sprintf("https://github.com/%s.git", repository), nil
}

// Emitter receives one payload per lifecycle event. It mirrors
// pkg/stage.Emitter's shape exactly so callers can pass a stage.JobContext's
// emitter straight through without an adapter; workspace cannot import
// pkg/stage itself (pkg/stage imports pkg/workspace), hence the local copy.
type Emitter interface {
	Emit(name string, payload map[string]any)
}

// Runner is the minimal command-execution surface the workspace manager
// needs; pkg/subprocess.Run is used directly by callers that want the full
// timeout/redaction machinery, while this interface keeps workspace
// testable with a stub.
type Runner interface {
	Run(ctx context.Context, command []string, dir string, env []string) (subprocess.Result, error)
}

// SubprocessRunner adapts pkg/subprocess.Run to the Runner interface with a
// fixed, generous timeout suitable for git plumbing commands.
type SubprocessRunner struct {
	Timeout time.Duration
}

func (r SubprocessRunner) Run(ctx context.Context, command []string, dir string, env []string) (subprocess.Result, error) {
	timeout := r.Timeout
	if timeout <= 0 {
		timeout = 2 * time.Minute
	}
	return subprocess.Run(ctx, command, subprocess.Options{
		Dir:         dir,
		Env:         env,
		StepTimeout: timeout,
	})
}

// Prepare clones (or reuses) the repository, resolves branch state, and
// checks out the working branch, per the ordering in the worker's prepare
// stage. env is the repo command environment (git identity + token via
// GITHUB_TOKEN/GH_TOKEN, GIT_TERMINAL_PROMPT=0). emitter may be nil; once the
// default branch resolves, Prepare emits "task.git.defaultBranchResolved"
// with the resolved branch name.
func Prepare(ctx context.Context, runner Runner, layout Layout, repository string, mode WorkdirMode, startingBranchHint, newBranchHint string, env []string, today string, emitter Emitter) (BranchState, error) {
	if mode == FreshClone {
		if _, err := os.Stat(layout.RepoDir); err == nil {
			if err := os.RemoveAll(layout.RepoDir); err != nil {
				return BranchState{}, fmt.Errorf("workspace: remove existing repo dir: %w", err)
			}
		}
	}

	if _, err := os.Stat(filepath.Join(layout.RepoDir, ".git")); os.IsNotExist(err) {
		cloneURL, err := ResolveCloneURL(repository)
		if err != nil {
			return BranchState{}, err
		}
		if _, err := runner.Run(ctx, []string{"git", "clone", "--", cloneURL, layout.RepoDir}, layout.JobRoot, env); err != nil {
			return BranchState{}, fmt.Errorf("workspace: clone: %w", err)
		}
	}

	// Non-fatal: missing remotes/refs are tolerated here.
	_, _ = runner.Run(ctx, []string{"git", "fetch", "--all", "--prune"}, layout.RepoDir, env)

	defaultBranch, err := resolveDefaultBranch(ctx, runner, layout.RepoDir, env)
	if err != nil {
		return BranchState{}, err
	}
	if emitter != nil {
		emitter.Emit("task.git.defaultBranchResolved", map[string]any{"defaultBranch": defaultBranch})
	}

	startingBranch := startingBranchHint
	if startingBranch == "" {
		startingBranch = defaultBranch
	}

	newBranch := newBranchHint
	if newBranch == "" && startingBranch == defaultBranch {
		newBranch = SynthesizeBranchName(today, layout.jobIDFromPath(), "")
	}

	if err := checkoutStartingBranch(ctx, runner, layout.RepoDir, startingBranch, env); err != nil {
		return BranchState{}, err
	}
	if newBranch != "" {
		if _, err := runner.Run(ctx, []string{"git", "checkout", "-B", newBranch, startingBranch}, layout.RepoDir, env); err != nil {
			return BranchState{}, fmt.Errorf("workspace: create working branch: %w", err)
		}
	}

	workingBranch := newBranch
	if workingBranch == "" {
		workingBranch = startingBranch
	}

	return BranchState{
		DefaultBranch:  defaultBranch,
		StartingBranch: startingBranch,
		NewBranch:      newBranch,
		WorkingBranch:  workingBranch,
	}, nil
}

// jobIDFromPath recovers the job ID component of JobRoot purely for
// deterministic branch synthesis; layout is always constructed via
// BuildLayout so JobRoot's last path element is exactly the job ID.
func (l Layout) jobIDFromPath() string {
	return filepath.Base(l.JobRoot)
}

func resolveDefaultBranch(ctx context.Context, runner Runner, repoDir string, env []string) (string, error) {
	result, err := runner.Run(ctx, []string{"git", "symbolic-ref", "--quiet", "--short", "refs/remotes/origin/HEAD"}, repoDir, env)
	if err == nil && result.ReturnCode == 0 {
		resolved := strings.TrimSpace(result.Stdout)
		if resolved != "" {
			return strings.TrimPrefix(resolved, "origin/"), nil
		}
	}

	result, err = runner.Run(ctx, []string{"git", "remote", "show", "origin"}, repoDir, env)
	if err == nil {
		for _, line := range strings.Split(result.Stdout, "\n") {
			const marker = "HEAD branch:"
			if idx := strings.Index(line, marker); idx >= 0 {
				candidate := strings.TrimSpace(line[idx+len(marker):])
				if candidate != "" {
					return candidate, nil
				}
			}
		}
	}

	return "main", nil
}

// checkoutStartingBranch attempts a direct checkout first; on failure it
// recovers by creating the branch from its origin tracking ref, matching
// the original worker's two-step recovery.
func checkoutStartingBranch(ctx context.Context, runner Runner, repoDir, branch string, env []string) error {
	result, err := runner.Run(ctx, []string{"git", "checkout", branch}, repoDir, env)
	if err == nil && result.ReturnCode == 0 {
		return nil
	}
	if _, err := runner.Run(ctx, []string{"git", "checkout", "-B", branch, "origin/" + branch}, repoDir, env); err != nil {
		return fmt.Errorf("workspace: checkout starting branch %s: %w", branch, err)
	}
	return nil
}
