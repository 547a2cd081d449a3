// Package stage implements the prepare/execute/publish state machine that
// turns a normalized task view and a prepared workspace into git history
// and uploadable artifacts.
package stage

import (
	"context"
	"io"
	"time"

	"github.com/moonmindlabs/worker/pkg/selfheal"
	"github.com/moonmindlabs/worker/pkg/subprocess"
	"github.com/moonmindlabs/worker/pkg/taskcontract"
	"github.com/moonmindlabs/worker/pkg/workspace"
)

// Stage names, used both as log field values and as the event-name prefix.
const (
	Prepare = "prepare"
	Execute = "execute"
	Publish = "publish"
)

// Event statuses. Every stage emits a started event followed by exactly one
// of finished/failed.
const (
	StatusStarted  = "started"
	StatusFinished = "finished"
	StatusFailed   = "failed"
)

// Emitter receives one payload per lifecycle event. Implementations are
// expected to forward to the queue client's append-event call and must
// never let a failure here block a stage from proceeding.
type Emitter interface {
	Emit(name string, payload map[string]any)
}

// Redactor is the minimal scrubbing surface every stage needs before
// writing text to a log file, event payload, or JSON artifact.
type Redactor interface {
	Scrub(text string) string
}

// CommandRunner is the process-launching surface stages use for every git,
// gh, docker, and runtime-adapter invocation, so tests can substitute a
// stub without spawning real processes.
type CommandRunner interface {
	Run(ctx context.Context, command []string, opts subprocess.Options) (subprocess.Result, error)
}

type defaultRunner struct{}

func (defaultRunner) Run(ctx context.Context, command []string, opts subprocess.Options) (subprocess.Result, error) {
	return subprocess.Run(ctx, command, opts)
}

// DefaultRunner is the production CommandRunner backed by pkg/subprocess.Run.
var DefaultRunner CommandRunner = defaultRunner{}

// workspaceRunnerAdapter satisfies workspace.Runner over a CommandRunner,
// appending every invocation's redacted output to logWriter when set.
type workspaceRunnerAdapter struct {
	runner    CommandRunner
	timeout   time.Duration
	redactor  Redactor
	logWriter io.Writer
}

func (w workspaceRunnerAdapter) Run(ctx context.Context, command []string, dir string, env []string) (subprocess.Result, error) {
	timeout := w.timeout
	if timeout <= 0 {
		timeout = 2 * time.Minute
	}
	opts := subprocess.Options{Dir: dir, Env: env, StepTimeout: timeout}
	if w.redactor != nil {
		opts.Redactor = w.redactor
	}
	if w.logWriter != nil {
		opts.LogWriter = w.logWriter
	}
	return w.runner.Run(ctx, command, opts)
}

// JobContext carries everything the three stages share for one claimed job.
// It is built once by the worker loop and mutated in place as stages run
// (Prepare populates Branches; later stages only read it).
type JobContext struct {
	JobID    string
	WorkerID string
	View     taskcontract.View
	Layout   workspace.Layout

	// RepoEnv/PublishEnv are the explicit command environments built by
	// the worker loop's auth resolution: git identity, GITHUB_TOKEN/GH_TOKEN,
	// GIT_TERMINAL_PROMPT=0, minimal PATH/HOME/LANG. PublishEnv may carry a
	// distinct token than RepoEnv.
	RepoEnv    []string
	PublishEnv []string

	// RepoAuthSource/PublishAuthSource record where the credential came
	// from ("vault", "env", or "none") for task_context.json. Never the
	// resolved token itself.
	RepoAuthSource    string
	PublishAuthSource string

	Redactor Redactor
	SelfHeal *selfheal.Controller

	Runner     CommandRunner
	GitTimeout time.Duration

	WorkerDefaultModel  string
	WorkerDefaultEffort string

	CodexSandboxMode string
	GeminiAuthMode   string
	GeminiHome       string
	GeminiAPIKey     string

	DockerBinary                   string
	DefaultContainerTimeoutSeconds int
	// ContainerWorkdir is the fixed in-container mount point for the
	// workspace bind mount (MOONMIND_WORKDIR), not per-task configurable.
	ContainerWorkdir string

	// SkillsSourceDir holds materializable skill bundles as
	// <SkillsSourceDir>/<skillId>/...; empty disables materialization and
	// forces every non-auto skill selection to fall back to direct mode.
	SkillsSourceDir string

	CancelSignal <-chan struct{}
	Emitter      Emitter

	// Today is a pre-formatted date (e.g. "2026-07-30") used for
	// deterministic working-branch synthesis.
	Today string

	// Branches is populated by Prepare.
	Branches workspace.BranchState

	// LastCompletedStepPatch is updated after every successfully completed
	// step, pointing at that step's cumulative patch file. Execute's hard
	// reset passes only this single path to workspace.HardResetReplay, since each
	// step's patch is a full snapshot rather than an incremental diff.
	LastCompletedStepPatch string
}

func (jc *JobContext) emit(name string, payload map[string]any) {
	if jc.Emitter == nil {
		return
	}
	base := map[string]any{"jobId": jc.JobID, "jobType": taskcontract.CanonicalTaskJobType}
	for k, v := range payload {
		base[k] = v
	}
	jc.Emitter.Emit(name, base)
}

func (jc *JobContext) scrub(text string) string {
	if jc.Redactor == nil {
		return text
	}
	return jc.Redactor.Scrub(text)
}

func eventName(stage, status string) string {
	return "task." + stage + "." + status
}

// cancelled reports whether the shared cancel signal has fired.
func (jc *JobContext) cancelled() bool {
	if jc.CancelSignal == nil {
		return false
	}
	select {
	case <-jc.CancelSignal:
		return true
	default:
		return false
	}
}

// Cancelled is returned by Execute when the cancel signal fires
// between subprocess calls; the worker loop translates it into ackCancel
// rather than fail.
type Cancelled struct{}

func (Cancelled) Error() string { return "job cancelled" }
