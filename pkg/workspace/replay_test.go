package workspace

import (
	"context"
	"os"
	"path/filepath"
	"testing"

	"github.com/moonmindlabs/worker/pkg/workerrors"
)

func TestHardResetReplaySkipsMissingAndEmptyPatches(t *testing.T) {
	tmp := t.TempDir()
	layout, err := BuildLayout(tmp, "job-replay")
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if err := layout.EnsureDirectories(); err != nil {
		t.Fatalf("unexpected error: %v", err)
	}

	emptyPatch := filepath.Join(tmp, "empty.patch")
	if err := os.WriteFile(emptyPatch, nil, 0o644); err != nil {
		t.Fatalf("unexpected error: %v", err)
	}

	runner := &stubRunner{}
	err = HardResetReplay(context.Background(), runner, layout, "Owner/Repo", "main", nil, nil,
		[]string{filepath.Join(tmp, "does-not-exist.patch"), emptyPatch})
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}

	for _, call := range runner.calls {
		if len(call) > 0 && call[0] == "git" && len(call) > 1 && call[1] == "apply" {
			t.Errorf("expected no 'git apply' calls for missing/empty patches, got %v", call)
		}
	}
}

func TestHardResetReplayWrapsFailureAsWorkspaceReplayError(t *testing.T) {
	tmp := t.TempDir()
	layout, err := BuildLayout(tmp, "job-replay-fail")
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if err := layout.EnsureDirectories(); err != nil {
		t.Fatalf("unexpected error: %v", err)
	}

	err = HardResetReplay(context.Background(), &stubRunner{}, layout, "https://ghp_x@github.com/o/r.git", "main", nil, nil, nil)
	if err == nil {
		t.Fatal("expected error from invalid clone URL")
	}
	var replayErr *workerrors.WorkspaceReplayError
	if e, ok := err.(*workerrors.WorkspaceReplayError); ok {
		replayErr = e
	}
	if replayErr == nil {
		t.Fatalf("expected *workerrors.WorkspaceReplayError, got %T: %v", err, err)
	}
}

func TestHardResetReplayAppliesPatchesInOrder(t *testing.T) {
	tmp := t.TempDir()
	layout, err := BuildLayout(tmp, "job-replay-order")
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if err := layout.EnsureDirectories(); err != nil {
		t.Fatalf("unexpected error: %v", err)
	}

	patch1 := filepath.Join(tmp, "step-0001.patch")
	patch2 := filepath.Join(tmp, "step-0002.patch")
	if err := os.WriteFile(patch1, []byte("diff --git a b\n"), 0o644); err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if err := os.WriteFile(patch2, []byte("diff --git c d\n"), 0o644); err != nil {
		t.Fatalf("unexpected error: %v", err)
	}

	called := false
	ensureBranch := func(ctx context.Context, repoDir, startingBranch string) error {
		called = true
		return nil
	}

	runner := &stubRunner{}
	err = HardResetReplay(context.Background(), runner, layout, "Owner/Repo", "main", ensureBranch, nil, []string{patch1, patch2})
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if !called {
		t.Error("expected ensureWorkingBranch hook to be invoked")
	}

	var applyOrder []string
	for _, call := range runner.calls {
		if len(call) > 1 && call[0] == "git" && call[1] == "apply" {
			applyOrder = append(applyOrder, call[len(call)-1])
		}
	}
	if len(applyOrder) != 2 || applyOrder[0] != patch1 || applyOrder[1] != patch2 {
		t.Errorf("expected patches applied in order [patch1, patch2], got %v", applyOrder)
	}
}
