package workspace

import (
	"context"
	"os"
	"path/filepath"
	"strings"
	"testing"

	"github.com/moonmindlabs/worker/pkg/subprocess"
)

func TestSanitizeBranchName(t *testing.T) {
	tests := []struct {
		name string
		in   string
		want string
	}{
		{"spaces become dashes", "feature branch name", "feature-branch-name"},
		{"collapses runs", "a//b  c", "a//b-c"},
		{"already valid", "task/2026-07-30/abcd1234", "task/2026-07-30/abcd1234"},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			got := SanitizeBranchName(tt.in)
			if got != tt.want {
				t.Errorf("SanitizeBranchName(%q) = %q, want %q", tt.in, got, tt.want)
			}
			if len(got) > 200 {
				t.Errorf("sanitized name exceeds 200 chars: %d", len(got))
			}
		})
	}
}

func TestSynthesizeBranchNameDeterministic(t *testing.T) {
	a := SynthesizeBranchName("2026-07-30", "abcd1234-5678", "auto")
	b := SynthesizeBranchName("2026-07-30", "abcd1234-5678", "auto")
	if a != b {
		t.Errorf("expected deterministic branch name, got %q vs %q", a, b)
	}
	if !strings.HasPrefix(a, "task/2026-07-30/abcd1234") {
		t.Errorf("unexpected branch name: %q", a)
	}
	if strings.Contains(a, "auto") {
		t.Errorf("auto skill should not appear in branch name: %q", a)
	}
}

func TestSynthesizeBranchNameIncludesNonAutoSkill(t *testing.T) {
	name := SynthesizeBranchName("2026-07-30", "abcd1234-5678", "speckit")
	if !strings.HasSuffix(name, "/speckit") {
		t.Errorf("expected skill suffix, got %q", name)
	}
}

func TestResolveCloneURLRejectsEmbeddedCredentials(t *testing.T) {
	if _, err := ResolveCloneURL("https://ghp_xyz@github.com/Owner/Repo.git"); err == nil {
		t.Error("expected rejection of URL with embedded credentials")
	}
}

func TestResolveCloneURLDerivesFromOwnerName(t *testing.T) {
	got, err := ResolveCloneURL("Owner/Repo")
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if got != "https://github.com/Owner/Repo.git" {
		t.Errorf("got %q", got)
	}
}

func TestResolveCloneURLPassesThroughSSH(t *testing.T) {
	got, err := ResolveCloneURL("git@github.com:Owner/Repo.git")
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if got != "git@github.com:Owner/Repo.git" {
		t.Errorf("got %q", got)
	}
}

func TestBuildLayoutProducesCanonicalPaths(t *testing.T) {
	tmp := t.TempDir()
	layout, err := BuildLayout(tmp, "job-123")
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if layout.RepoDir != filepath.Join(tmp, "job-123", "repo") {
		t.Errorf("unexpected repo dir: %s", layout.RepoDir)
	}
	if layout.TaskContextPath != filepath.Join(tmp, "job-123", "artifacts", "task_context.json") {
		t.Errorf("unexpected task context path: %s", layout.TaskContextPath)
	}
}

func TestEnsureDirectoriesCreatesExpectedTree(t *testing.T) {
	tmp := t.TempDir()
	layout, err := BuildLayout(tmp, "job-456")
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if err := layout.EnsureDirectories(); err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if _, err := os.Stat(layout.RepoDir); err != nil {
		t.Errorf("repo dir not created: %v", err)
	}
	if _, err := os.Stat(filepath.Join(layout.ArtifactsDir, "logs", "steps")); err != nil {
		t.Errorf("steps log dir not created: %v", err)
	}
}

// stubRunner is a scriptable fake satisfying the Runner interface for
// exercising Prepare without invoking real git.
type stubRunner struct {
	calls   [][]string
	results map[string]subprocess.Result
}

func (s *stubRunner) Run(_ context.Context, command []string, dir string, env []string) (subprocess.Result, error) {
	s.calls = append(s.calls, command)
	key := strings.Join(command, " ")
	if r, ok := s.results[key]; ok {
		return r, nil
	}
	return subprocess.Result{Command: command, ReturnCode: 0}, nil
}

func TestPrepareResolvesDefaultBranchViaSymbolicRef(t *testing.T) {
	tmp := t.TempDir()
	layout, err := BuildLayout(tmp, "job-789")
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if err := layout.EnsureDirectories(); err != nil {
		t.Fatalf("unexpected error: %v", err)
	}

	runner := &stubRunner{
		results: map[string]subprocess.Result{
			"git symbolic-ref --quiet --short refs/remotes/origin/HEAD": {ReturnCode: 0, Stdout: "origin/main\n"},
		},
	}
	// Simulate the clone having already happened by creating .git.
	if err := os.MkdirAll(filepath.Join(layout.RepoDir, ".git"), 0o755); err != nil {
		t.Fatalf("unexpected error: %v", err)
	}

	emitter := &recordingEmitter{}
	branches, err := Prepare(context.Background(), runner, layout, "Owner/Repo", Reuse, "", "", nil, "2026-07-30", emitter)
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if branches.DefaultBranch != "main" {
		t.Errorf("expected default branch main, got %q", branches.DefaultBranch)
	}
	if branches.WorkingBranch == "" {
		t.Error("expected a synthesized working branch when starting == default")
	}
	if len(emitter.names) != 1 || emitter.names[0] != "task.git.defaultBranchResolved" {
		t.Errorf("expected task.git.defaultBranchResolved to be emitted, got %v", emitter.names)
	}
	if emitter.payloads[0]["defaultBranch"] != "main" {
		t.Errorf("expected emitted payload to carry the resolved default branch, got %v", emitter.payloads[0])
	}
}

// recordingEmitter is a minimal workspace.Emitter fake for asserting on
// emitted lifecycle events without a live queue client.
type recordingEmitter struct {
	names    []string
	payloads []map[string]any
}

func (r *recordingEmitter) Emit(name string, payload map[string]any) {
	r.names = append(r.names, name)
	r.payloads = append(r.payloads, payload)
}

func TestPrepareHonorsStartingBranchHint(t *testing.T) {
	tmp := t.TempDir()
	layout, err := BuildLayout(tmp, "job-999")
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if err := layout.EnsureDirectories(); err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if err := os.MkdirAll(filepath.Join(layout.RepoDir, ".git"), 0o755); err != nil {
		t.Fatalf("unexpected error: %v", err)
	}

	runner := &stubRunner{
		results: map[string]subprocess.Result{
			"git symbolic-ref --quiet --short refs/remotes/origin/HEAD": {ReturnCode: 0, Stdout: "main\n"},
		},
	}

	branches, err := Prepare(context.Background(), runner, layout, "Owner/Repo", Reuse, "feature-x", "", nil, "2026-07-30", nil)
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if branches.StartingBranch != "feature-x" {
		t.Errorf("expected starting branch feature-x, got %q", branches.StartingBranch)
	}
	if branches.NewBranch != "" {
		t.Errorf("expected no new branch when starting != default, got %q", branches.NewBranch)
	}
	if branches.WorkingBranch != "feature-x" {
		t.Errorf("expected working branch to equal starting branch, got %q", branches.WorkingBranch)
	}
}
