package stage

import (
	"context"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/moonmindlabs/worker/pkg/runtimeadapter"
	"github.com/moonmindlabs/worker/pkg/subprocess"
	"github.com/moonmindlabs/worker/pkg/taskcontract"
	"github.com/moonmindlabs/worker/pkg/workerrors"
)

// executeContainer runs task.container via the docker CLI: inspect/pull,
// run bounded by container.timeoutSeconds (or the worker default), and a
// best-effort stop on timeout.
func executeContainer(ctx context.Context, jc *JobContext, container taskcontract.Container) error {
	workdir := jc.ContainerWorkdir
	if workdir == "" {
		workdir = "/workspace"
	}

	spec := runtimeadapter.ContainerSpec{
		JobID:          jc.JobID,
		Repository:     jc.View.Repository,
		ArtifactsDir:   jc.Layout.ArtifactsDir,
		Workdir:        workdir,
		Image:          container.Image,
		Command:        container.Command,
		Pull:           container.Pull,
		CacheVolumes:   container.CacheVolumes,
		CPULimit:       container.CPULimit,
		MemoryLimit:    container.MemoryLimit,
		Env:            container.Env,
		DockerBinary:   jc.DockerBinary,
		WorkspaceMount: jc.Layout.RepoDir,
	}

	runner := workspaceRunnerAdapter{runner: jc.Runner, timeout: 2 * time.Minute, redactor: jc.Redactor}

	inspectFound := false
	if result, err := runner.Run(ctx, runtimeadapter.BuildInspectCommand(spec), "", jc.RepoEnv); err == nil && result.ReturnCode == 0 {
		inspectFound = true
	}
	if runtimeadapter.ShouldPull(spec, inspectFound) {
		if _, err := runner.Run(ctx, runtimeadapter.BuildPullCommand(spec), "", jc.RepoEnv); err != nil {
			return &workerrors.CommandFailedError{Command: runtimeadapter.BuildPullCommand(spec), ReturnCode: -1, LastLine: jc.scrub(err.Error())}
		}
	}

	timeoutSeconds := container.TimeoutSeconds
	if timeoutSeconds <= 0 {
		timeoutSeconds = jc.DefaultContainerTimeoutSeconds
	}

	logPath := jc.Layout.ExecuteLog
	logFile, err := os.OpenFile(logPath, os.O_APPEND|os.O_CREATE|os.O_WRONLY, 0o644)
	if err != nil {
		return err
	}
	defer logFile.Close()

	runCommand := runtimeadapter.BuildRunCommand(spec)
	opts := subprocess.Options{
		Env:          jc.RepoEnv,
		StepTimeout:  time.Duration(timeoutSeconds) * time.Second,
		CancelSignal: jc.CancelSignal,
		LogWriter:    logFile,
	}
	if jc.Redactor != nil {
		opts.Redactor = jc.Redactor
	}

	start := time.Now()
	result, runErr := jc.Runner.Run(ctx, runCommand, opts)
	duration := time.Since(start)

	timedOut := false
	exitCode := result.ReturnCode
	if runErr != nil {
		switch runErr.(type) {
		case *subprocess.TimeoutError, *subprocess.IdleTimeoutError:
			timedOut = true
			exitCode = runtimeadapter.ExitCodeTimeout
			_, _ = runner.Run(ctx, runtimeadapter.BuildStopCommand(spec), "", jc.RepoEnv)
		case *subprocess.CancelledError:
			return Cancelled{}
		default:
			if exitCode == 0 {
				exitCode = -1
			}
		}
	}

	runResult := runtimeadapter.RunResult{
		Command:     runCommand,
		ExitCode:    exitCode,
		DurationMs:  duration.Milliseconds(),
		TimedOut:    timedOut,
		ContainerID: runtimeadapter.ContainerName(jc.JobID),
	}
	metadataPath := filepath.Join(jc.Layout.ArtifactsDir, "metadata", "run.json")
	if err := writeJSON(metadataPath, runResult); err != nil {
		return err
	}

	if exitCode != 0 {
		return &workerrors.CommandFailedError{Command: runCommand, ReturnCode: exitCode, LastLine: lastNonEmptyLine(result.Stderr)}
	}
	return nil
}

func lastNonEmptyLine(s string) string {
	lines := strings.Split(strings.TrimRight(s, "\n"), "\n")
	for i := len(lines) - 1; i >= 0; i-- {
		if trimmed := strings.TrimSpace(lines[i]); trimmed != "" {
			return trimmed
		}
	}
	return ""
}
