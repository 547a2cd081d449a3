package stage

import (
	"context"
	"crypto/sha256"
	"encoding/hex"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/moonmindlabs/worker/pkg/runtimeadapter"
	"github.com/moonmindlabs/worker/pkg/selfheal"
	"github.com/moonmindlabs/worker/pkg/subprocess"
	"github.com/moonmindlabs/worker/pkg/taskcontract"
	"github.com/moonmindlabs/worker/pkg/workerrors"
	"github.com/moonmindlabs/worker/pkg/workspace"
)

// ExecuteResult summarizes what the execute stage produced; Publish uses
// HasChanges to decide whether there is anything to commit.
type ExecuteResult struct {
	ChangesPatchPath string
	HasChanges       bool
}

// Execute runs container mode or agent mode, depending on task.container.
func Execute(ctx context.Context, jc *JobContext, cfg selfheal.Config) (ExecuteResult, error) {
	jc.emit(eventName(Execute, StatusStarted), nil)

	result, err := execute(ctx, jc, cfg)
	if err != nil {
		jc.emit(eventName(Execute, StatusFailed), map[string]any{"error": jc.scrub(err.Error())})
		return ExecuteResult{}, err
	}

	jc.emit(eventName(Execute, StatusFinished), map[string]any{"hasChanges": result.HasChanges})
	return result, nil
}

func execute(ctx context.Context, jc *JobContext, cfg selfheal.Config) (ExecuteResult, error) {
	if jc.cancelled() {
		return ExecuteResult{}, Cancelled{}
	}

	if jc.View.Task.Container != nil {
		if err := executeContainer(ctx, jc, *jc.View.Task.Container); err != nil {
			return ExecuteResult{}, err
		}
		return finalizeChanges(ctx, jc)
	}

	steps := jc.View.Task.Steps
	implicitStep := len(steps) == 0
	if implicitStep {
		steps = []taskcontract.Step{{
			ID:      "step-0001",
			SkillID: jc.View.Task.SkillID,
			Args:    jc.View.Task.SkillArgs,
			Model:   jc.View.Task.Model,
			Effort:  jc.View.Task.Effort,
		}}
	}

	for idx, step := range steps {
		if jc.cancelled() {
			return ExecuteResult{}, Cancelled{}
		}
		if err := executeStep(ctx, jc, cfg, idx, step, implicitStep); err != nil {
			return ExecuteResult{}, err
		}
	}

	return finalizeChanges(ctx, jc)
}

// executeStep runs a single step to completion, retrying through the
// self-heal controller's chosen strategy until it succeeds or a strategy
// demands the caller give up (queue retry or operator request). asOnlyStep
// is set when task.steps was empty and this step was synthesized from the
// top-level task fields; agent-mode runs in that shape write directly to
// the canonical logs/execute.log instead of a per-step log file, matching
// container mode's single-log layout.
func executeStep(ctx context.Context, jc *JobContext, cfg selfheal.Config, idx int, step taskcontract.Step, asOnlyStep bool) error {
	jc.emit("task.step.started", map[string]any{"stepId": step.ID, "stepIndex": idx})

	adapter, err := adapterFor(jc)
	if err != nil {
		jc.emit("task.step.failed", map[string]any{"stepId": step.ID, "stepIndex": idx, "error": jc.scrub(err.Error())})
		return &workerrors.PolicyError{Message: err.Error()}
	}

	instruction := stepInstruction(jc.View.Task, step)
	spec := runtimeadapter.Spec{
		Instruction: instruction,
		Model:       runtimeadapter.Resolve(step.Model, jc.View.Task.Model, jc.WorkerDefaultModel),
		Effort:      runtimeadapter.Resolve(step.Effort, jc.View.Task.Effort, jc.WorkerDefaultEffort),
	}
	command := adapter.BuildCommand(spec)

	env := jc.RepoEnv
	if adjuster, ok := adapter.(runtimeadapter.EnvAdjuster); ok {
		adjusted, err := adjuster.AdjustEnv(envMapFromSlice(env), jc.GeminiAPIKey)
		if err != nil {
			jc.emit("task.step.failed", map[string]any{"stepId": step.ID, "stepIndex": idx, "error": jc.scrub(err.Error())})
			return &workerrors.PolicyError{Message: err.Error()}
		}
		env = envSliceFromMap(adjusted)
	}

	logPath := filepath.Join(jc.Layout.ArtifactsDir, "logs", "steps", fmt.Sprintf("step-%04d.log", idx+1))
	if asOnlyStep {
		logPath = jc.Layout.ExecuteLog
	}
	patchPath := filepath.Join(jc.Layout.ArtifactsDir, "patches", "steps", fmt.Sprintf("step-%04d.patch", idx+1))

	stepState := &selfheal.StepState{StepID: step.ID, StepIndex: idx}

	for {
		if jc.cancelled() {
			return Cancelled{}
		}
		if _, err := stepState.NextAttempt(cfg.StepMaxAttempts); err != nil {
			jc.emit("task.step.failed", map[string]any{"stepId": step.ID, "stepIndex": idx, "error": jc.scrub(err.Error())})
			return err
		}

		result, runErr := runStepAttempt(ctx, jc, command, env, logPath, cfg)
		if runErr == nil {
			stepState.ResetAfterSuccess()
			if err := writeStepPatch(ctx, jc, patchPath); err != nil {
				jc.emit("task.step.failed", map[string]any{"stepId": step.ID, "stepIndex": idx, "error": jc.scrub(err.Error())})
				return err
			}
			jc.LastCompletedStepPatch = patchPath
			jc.emit("task.step.finished", map[string]any{"stepId": step.ID, "stepIndex": idx, "attempts": stepState.AttemptsConsumed})
			return nil
		}

		if _, ok := runErr.(*subprocess.CancelledError); ok {
			return Cancelled{}
		}

		exitCode := result.ReturnCode
		message := jc.scrub(runErr.Error())
		diffHash, _ := gitDiffHash(ctx, jc)
		signature := jc.SelfHeal.BuildFailureSignature(step.ID, step.SkillID, &exitCode, "", message)
		noProgress := stepState.RecordFailure(signature, diffHash)
		class := classifyFailure(runErr)
		strategy := jc.SelfHeal.SelectStrategy(class, stepState, noProgress)

		switch strategy {
		case selfheal.StrategySoftReset:
			if err := softReset(ctx, jc); err != nil {
				jc.emit("task.step.failed", map[string]any{"stepId": step.ID, "stepIndex": idx, "error": jc.scrub(err.Error())})
				return err
			}
			continue
		case selfheal.StrategyHardReset:
			if err := jc.SelfHeal.JobState.ReserveHardReset(cfg.JobSelfHealMaxResets); err != nil {
				jc.emit("task.step.failed", map[string]any{"stepId": step.ID, "stepIndex": idx, "error": jc.scrub(err.Error())})
				return err
			}
			if err := hardReset(ctx, jc); err != nil {
				jc.emit("task.step.failed", map[string]any{"stepId": step.ID, "stepIndex": idx, "error": jc.scrub(err.Error())})
				return err
			}
			continue
		case selfheal.StrategyQueueRetry:
			jc.emit("task.step.failed", map[string]any{"stepId": step.ID, "stepIndex": idx, "error": message, "retryable": true})
			return wrapStepError(runErr)
		default: // StrategyOperatorRequest, StrategyNone
			jc.emit("task.step.failed", map[string]any{"stepId": step.ID, "stepIndex": idx, "error": message, "retryable": false})
			return wrapStepError(runErr)
		}
	}
}

// wrapStepError translates a raw subprocess error into the workerrors
// taxonomy so workerrors.Retryable reflects the self-heal controller's own
// queue-retry decision when the worker loop issues the fail() transition.
func wrapStepError(err error) error {
	switch e := err.(type) {
	case *subprocess.TimeoutError:
		return &workerrors.StepTimeoutExceededError{}
	case *subprocess.IdleTimeoutError:
		return &workerrors.StepIdleTimeoutExceededError{}
	case *subprocess.CommandFailedError:
		return &workerrors.CommandFailedError{Command: e.Command, ReturnCode: e.ReturnCode, LastLine: e.LastStderrLine}
	default:
		return err
	}
}

func runStepAttempt(ctx context.Context, jc *JobContext, command, env []string, logPath string, cfg selfheal.Config) (subprocess.Result, error) {
	logFile, err := os.OpenFile(logPath, os.O_APPEND|os.O_CREATE|os.O_WRONLY, 0o644)
	if err != nil {
		return subprocess.Result{}, fmt.Errorf("stage: open step log: %w", err)
	}
	defer logFile.Close()

	opts := subprocess.Options{
		Dir:          jc.Layout.RepoDir,
		Env:          env,
		StepTimeout:  time.Duration(cfg.StepTimeoutSeconds) * time.Second,
		IdleTimeout:  time.Duration(cfg.StepIdleTimeoutSeconds) * time.Second,
		Check:        true,
		CancelSignal: jc.CancelSignal,
		LogWriter:    logFile,
	}
	if jc.Redactor != nil {
		opts.Redactor = jc.Redactor
	}
	return jc.Runner.Run(ctx, command, opts)
}

// repoShapeFailureSignals are stderr substrings a runtime adapter's git
// operations surface when the repository itself, not the model or CLI, is
// at fault: a missing branch, a merge conflict, or an unknown ref. None of
// these resolve by retrying or resetting, so they need operator input.
var repoShapeFailureSignals = []string{
	"merge conflict",
	"unknown revision or path not in the working tree",
	"did not match any file(s) known to git",
	"not a valid object name",
	"pathspec",
	"couldn't find remote ref",
	"not something we can merge",
}

// classifyFailure maps a failed runtime-adapter invocation to a self-heal
// failure class. Task-shape problems (DETERMINISTIC_CONTRACT/POLICY) are
// already caught by the task contract normalizer and policy gate before
// execute ever runs. A *subprocess.CommandFailedError whose stderr carries
// a repo-shape signal (missing branch, merge conflict, unknown ref) is
// classified DETERMINISTIC_REPO so the controller escalates straight to
// OPERATOR_REQUEST instead of burning the reset budget on an attempt/reset
// loop that can never succeed; everything else defaults to
// TRANSIENT_RUNTIME, where the no-progress detector (matching signature +
// diff hash across attempts) is what escalates a genuinely stuck step.
func classifyFailure(err error) selfheal.FailureClass {
	var cmdErr *subprocess.CommandFailedError
	if errors.As(err, &cmdErr) {
		lower := strings.ToLower(cmdErr.LastStderrLine)
		for _, signal := range repoShapeFailureSignals {
			if strings.Contains(lower, signal) {
				return selfheal.DeterministicRepo
			}
		}
	}
	return selfheal.TransientRuntime
}

func softReset(ctx context.Context, jc *JobContext) error {
	runner := workspaceRunnerAdapter{runner: jc.Runner, timeout: jc.GitTimeout, redactor: jc.Redactor}
	if _, err := runner.Run(ctx, []string{"git", "reset", "--hard"}, jc.Layout.RepoDir, jc.RepoEnv); err != nil {
		return fmt.Errorf("stage: soft reset: %w", err)
	}
	if _, err := runner.Run(ctx, []string{"git", "clean", "-fd"}, jc.Layout.RepoDir, jc.RepoEnv); err != nil {
		return fmt.Errorf("stage: soft reset clean: %w", err)
	}
	return nil
}

func hardReset(ctx context.Context, jc *JobContext) error {
	runner := workspaceRunnerAdapter{runner: jc.Runner, timeout: jc.GitTimeout, redactor: jc.Redactor}
	ensure := workspace.EnsureWorkingBranch(func(ctx context.Context, repoDir, startingBranch string) error {
		newBranch := jc.Branches.NewBranch
		if newBranch == "" {
			return nil
		}
		_, err := runner.Run(ctx, []string{"git", "checkout", "-B", newBranch, startingBranch}, repoDir, jc.RepoEnv)
		return err
	})

	var patchPaths []string
	if jc.LastCompletedStepPatch != "" {
		// Each step patch is a full cumulative snapshot, not an incremental
		// diff, so only the most recent one needs replaying.
		patchPaths = []string{jc.LastCompletedStepPatch}
	}

	return workspace.HardResetReplay(ctx, runner, jc.Layout, jc.View.Repository, jc.Branches.StartingBranch, ensure, jc.RepoEnv, patchPaths)
}

func captureDiff(ctx context.Context, jc *JobContext) (string, error) {
	runner := workspaceRunnerAdapter{runner: jc.Runner, timeout: jc.GitTimeout, redactor: jc.Redactor}
	result, err := runner.Run(ctx, []string{"git", "diff", "--no-color"}, jc.Layout.RepoDir, jc.RepoEnv)
	if err != nil {
		return "", fmt.Errorf("stage: git diff: %w", err)
	}
	return result.Stdout, nil
}

func writeStepPatch(ctx context.Context, jc *JobContext, patchPath string) error {
	diff, err := captureDiff(ctx, jc)
	if err != nil {
		return err
	}
	if err := os.MkdirAll(filepath.Dir(patchPath), 0o755); err != nil {
		return fmt.Errorf("stage: ensure patch dir: %w", err)
	}
	if err := os.WriteFile(patchPath, []byte(diff), 0o644); err != nil {
		return fmt.Errorf("stage: write step patch: %w", err)
	}
	return nil
}

func gitDiffHash(ctx context.Context, jc *JobContext) (string, error) {
	diff, err := captureDiff(ctx, jc)
	if err != nil {
		return "", err
	}
	sum := sha256.Sum256([]byte(diff))
	return hex.EncodeToString(sum[:]), nil
}

// finalizeChanges writes the cumulative patches/changes.patch artifact once
// the final step has succeeded (or the container run has finished).
func finalizeChanges(ctx context.Context, jc *JobContext) (ExecuteResult, error) {
	diff, err := captureDiff(ctx, jc)
	if err != nil {
		return ExecuteResult{}, err
	}
	patchPath := filepath.Join(jc.Layout.ArtifactsDir, "patches", "changes.patch")
	if err := os.MkdirAll(filepath.Dir(patchPath), 0o755); err != nil {
		return ExecuteResult{}, fmt.Errorf("stage: ensure changes patch dir: %w", err)
	}
	if err := os.WriteFile(patchPath, []byte(diff), 0o644); err != nil {
		return ExecuteResult{}, fmt.Errorf("stage: write changes patch: %w", err)
	}
	return ExecuteResult{ChangesPatchPath: patchPath, HasChanges: strings.TrimSpace(diff) != ""}, nil
}

func adapterFor(jc *JobContext) (runtimeadapter.Adapter, error) {
	opts := runtimeadapter.Options{
		CodexSandboxMode: jc.CodexSandboxMode,
		GeminiAuthMode:   jc.GeminiAuthMode,
		GeminiHome:       jc.GeminiHome,
	}
	adapter := runtimeadapter.For(string(jc.View.TargetRuntime), opts)
	if adapter == nil {
		return nil, fmt.Errorf("unsupported target runtime %q", jc.View.TargetRuntime)
	}
	return adapter, nil
}

func stepInstruction(task taskcontract.Task, step taskcontract.Step) string {
	if step.Args != nil {
		if v, ok := step.Args["instructions"].(string); ok && v != "" {
			return v
		}
	}
	return task.Instructions
}

func envMapFromSlice(env []string) map[string]string {
	out := make(map[string]string, len(env))
	for _, kv := range env {
		if k, v, ok := strings.Cut(kv, "="); ok {
			out[k] = v
		}
	}
	return out
}

func envSliceFromMap(env map[string]string) []string {
	out := make([]string, 0, len(env))
	for k, v := range env {
		out = append(out, k+"="+v)
	}
	return out
}
