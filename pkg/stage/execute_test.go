package stage

import (
	"context"
	"os"
	"path/filepath"
	"testing"

	"github.com/moonmindlabs/worker/pkg/selfheal"
	"github.com/moonmindlabs/worker/pkg/subprocess"
	"github.com/moonmindlabs/worker/pkg/taskcontract"
)

func TestExecuteSucceedsOnFirstAttemptAndWritesPatches(t *testing.T) {
	layout := newPreparedLayout(t, "job-exec1")
	runner := &stubCommandRunner{results: map[string]subprocess.Result{
		"git diff --no-color": {ReturnCode: 0, Stdout: "diff --git a/x b/x\n"},
	}}

	jc := &JobContext{
		JobID:  "job-exec1",
		View:   taskcontract.View{Repository: "owner/repo", TargetRuntime: taskcontract.RuntimeCodex, Task: taskcontract.Task{Instructions: "fix the bug"}},
		Layout: layout,
		Runner: runner,
	}

	result, err := Execute(context.Background(), jc, selfheal.DefaultConfig())
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if !result.HasChanges {
		t.Error("expected HasChanges to be true given a non-empty diff")
	}
	if _, err := os.Stat(result.ChangesPatchPath); err != nil {
		t.Errorf("expected changes.patch to be written: %v", err)
	}
	stepPatch := filepath.Join(layout.ArtifactsDir, "patches", "steps", "step-0001.patch")
	if _, err := os.Stat(stepPatch); err != nil {
		t.Errorf("expected step-0001.patch to be written: %v", err)
	}
	if _, err := os.Stat(layout.ExecuteLog); err != nil {
		t.Errorf("expected the implicit single step to write logs/execute.log: %v", err)
	}
}

func TestExecuteWritesPerStepLogsWhenTaskDeclaresMultipleSteps(t *testing.T) {
	layout := newPreparedLayout(t, "job-exec5")
	runner := &stubCommandRunner{results: map[string]subprocess.Result{
		"git diff --no-color": {ReturnCode: 0, Stdout: ""},
	}}

	task := taskcontract.Task{
		Steps: []taskcontract.Step{
			{ID: "step-0001", Args: map[string]any{"instructions": "first"}},
			{ID: "step-0002", Args: map[string]any{"instructions": "second"}},
		},
	}
	jc := &JobContext{
		JobID:  "job-exec5",
		View:   taskcontract.View{Repository: "owner/repo", TargetRuntime: taskcontract.RuntimeCodex, Task: task},
		Layout: layout,
		Runner: runner,
	}

	if _, err := Execute(context.Background(), jc, selfheal.DefaultConfig()); err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if _, err := os.Stat(filepath.Join(layout.ArtifactsDir, "logs", "steps", "step-0001.log")); err != nil {
		t.Errorf("expected step-0001.log to be written: %v", err)
	}
	if _, err := os.Stat(filepath.Join(layout.ArtifactsDir, "logs", "steps", "step-0002.log")); err != nil {
		t.Errorf("expected step-0002.log to be written: %v", err)
	}
	if _, err := os.Stat(layout.ExecuteLog); err == nil {
		t.Error("expected no logs/execute.log for an explicitly multi-step task")
	}
}

func TestExecuteRetriesTransientFailureThenSucceeds(t *testing.T) {
	layout := newPreparedLayout(t, "job-exec2")
	runner := &stubCommandRunner{
		failPrefix: "codex",
		failFirstN: 1,
		results: map[string]subprocess.Result{
			"git diff --no-color": {ReturnCode: 0, Stdout: ""},
		},
	}

	jc := &JobContext{
		JobID:       "job-exec2",
		View:        taskcontract.View{Repository: "owner/repo", TargetRuntime: taskcontract.RuntimeCodex, Task: taskcontract.Task{Instructions: "fix the bug"}},
		Layout:      layout,
		Runner:      runner,
		SelfHeal:    selfheal.NewController(selfheal.DefaultConfig(), nil),
		RepoEnv:     nil,
	}

	result, err := Execute(context.Background(), jc, selfheal.DefaultConfig())
	if err != nil {
		t.Fatalf("expected the step to recover via soft reset and succeed, got: %v", err)
	}
	if result.HasChanges {
		t.Error("expected no changes given an empty diff")
	}

	codexAttempts := 0
	for _, call := range runner.calls {
		if len(call) > 0 && call[0] == "codex" {
			codexAttempts++
		}
	}
	if codexAttempts != 2 {
		t.Errorf("expected exactly 2 codex invocations (1 failure + 1 success), got %d", codexAttempts)
	}
}

func TestExecuteExhaustsAttemptBudgetAndFails(t *testing.T) {
	layout := newPreparedLayout(t, "job-exec3")
	cfg := selfheal.Config{StepMaxAttempts: 2, StepTimeoutSeconds: 30, StepIdleTimeoutSeconds: 30, StepNoProgressLimit: 5, JobSelfHealMaxResets: 0}
	runner := &stubCommandRunner{failPrefix: "codex", failFirstN: 100}

	jc := &JobContext{
		JobID:    "job-exec3",
		View:     taskcontract.View{Repository: "owner/repo", TargetRuntime: taskcontract.RuntimeCodex, Task: taskcontract.Task{Instructions: "fix the bug"}},
		Layout:   layout,
		Runner:   runner,
		SelfHeal: selfheal.NewController(cfg, nil),
	}

	_, err := Execute(context.Background(), jc, cfg)
	if err == nil {
		t.Fatal("expected an error once the step attempt budget is exhausted")
	}
}

func TestExecuteReturnsCancelledWhenSignalAlreadyFired(t *testing.T) {
	layout := newPreparedLayout(t, "job-exec4")
	cancelSignal := make(chan struct{})
	close(cancelSignal)

	jc := &JobContext{
		JobID:        "job-exec4",
		View:         taskcontract.View{Repository: "owner/repo", Task: taskcontract.Task{Instructions: "do it"}},
		Layout:       layout,
		Runner:       &stubCommandRunner{},
		CancelSignal: cancelSignal,
	}

	_, err := Execute(context.Background(), jc, selfheal.DefaultConfig())
	if _, ok := err.(Cancelled); !ok {
		t.Errorf("expected Cancelled, got %v (%T)", err, err)
	}
}

func TestStepInstructionPrefersStepArgsOverTaskInstructions(t *testing.T) {
	task := taskcontract.Task{Instructions: "task level"}
	step := taskcontract.Step{Args: map[string]any{"instructions": "step level"}}
	if got := stepInstruction(task, step); got != "step level" {
		t.Errorf("expected step-level instruction to win, got %q", got)
	}
}

func TestStepInstructionFallsBackToTaskInstructions(t *testing.T) {
	task := taskcontract.Task{Instructions: "task level"}
	step := taskcontract.Step{}
	if got := stepInstruction(task, step); got != "task level" {
		t.Errorf("expected task-level instruction, got %q", got)
	}
}

func TestEnvSliceRoundTrip(t *testing.T) {
	env := []string{"A=1", "B=2"}
	m := envMapFromSlice(env)
	if m["A"] != "1" || m["B"] != "2" {
		t.Errorf("unexpected map: %v", m)
	}
	slice := envSliceFromMap(m)
	if len(slice) != 2 {
		t.Fatalf("unexpected slice length: %v", slice)
	}
}

func TestClassifyFailureDefaultsToTransientRuntime(t *testing.T) {
	if got := classifyFailure(nil); got != selfheal.TransientRuntime {
		t.Errorf("expected TransientRuntime, got %s", got)
	}
	if got := classifyFailure(&subprocess.CommandFailedError{ReturnCode: 1, LastStderrLine: "connection reset by peer"}); got != selfheal.TransientRuntime {
		t.Errorf("expected TransientRuntime for a non-repo-shape command failure, got %s", got)
	}
}

func TestClassifyFailureDetectsRepoShapeSignals(t *testing.T) {
	cases := []string{
		"error: Your local changes would be overwritten by merge (merge conflict)",
		"fatal: unknown revision or path not in the working tree.",
		"error: pathspec 'feature-x' did not match any file(s) known to git",
		"fatal: couldn't find remote ref feature-x",
	}
	for _, stderr := range cases {
		err := &subprocess.CommandFailedError{ReturnCode: 1, LastStderrLine: stderr}
		if got := classifyFailure(err); got != selfheal.DeterministicRepo {
			t.Errorf("classifyFailure(%q) = %s, want DeterministicRepo", stderr, got)
		}
	}
}
