package runtimeadapter

import (
	"fmt"
	"strings"
)

// ContainerSpec carries the resolved container-mode execution parameters
// from taskcontract.Container plus the worker-assigned identifiers.
type ContainerSpec struct {
	JobID          string
	Repository     string
	ArtifactsDir   string
	Workdir        string // MOONMIND_WORKDIR bind target inside the container
	Image          string
	Command        []string
	Pull           string // "always" | "" (inspect-miss)
	CacheVolumes   []string
	CPULimit       string
	MemoryLimit    string
	Env            map[string]string
	DockerBinary   string
	WorkspaceMount string // host path bound to Workdir
}

// ContainerName returns the deterministic `mm-task-<jobId>` container name
// used for both `docker run --name` and `docker stop`.
func ContainerName(jobID string) string {
	return fmt.Sprintf("mm-task-%s", jobID)
}

// BuildInspectCommand returns the argv used to check whether an image is
// already present locally (an inspect-miss triggers a pull when
// Pull != "always").
func BuildInspectCommand(spec ContainerSpec) []string {
	return []string{dockerBinary(spec), "image", "inspect", spec.Image}
}

// BuildPullCommand returns the argv to pull spec.Image.
func BuildPullCommand(spec ContainerSpec) []string {
	return []string{dockerBinary(spec), "pull", spec.Image}
}

// ShouldPull reports whether the image should be pulled given spec.Pull and
// whether the inspect command found it locally.
func ShouldPull(spec ContainerSpec, inspectFound bool) bool {
	return spec.Pull == "always" || !inspectFound
}

// BuildRunCommand returns the argv for `docker run --rm --name
// mm-task-<jobId> ...`, including labels, the workspace bind mount,
// declared cache volumes, optional resource limits, --workdir, and the env
// block (ARTIFACT_DIR/JOB_ID/REPOSITORY plus user-supplied env).
func BuildRunCommand(spec ContainerSpec) []string {
	cmd := []string{dockerBinary(spec), "run", "--rm", "--name", ContainerName(spec.JobID)}

	cmd = append(cmd,
		"--label", "moonmind.job_id="+spec.JobID,
		"--label", "moonmind.managed=true",
	)

	if spec.WorkspaceMount != "" && spec.Workdir != "" {
		cmd = append(cmd, "-v", fmt.Sprintf("%s:%s", spec.WorkspaceMount, spec.Workdir))
	}
	for _, cv := range spec.CacheVolumes {
		if cv != "" {
			cmd = append(cmd, "-v", cv)
		}
	}

	if spec.CPULimit != "" {
		cmd = append(cmd, "--cpus", spec.CPULimit)
	}
	if spec.MemoryLimit != "" {
		cmd = append(cmd, "--memory", spec.MemoryLimit)
	}

	if spec.Workdir != "" {
		cmd = append(cmd, "--workdir", spec.Workdir)
	}

	envBlock := map[string]string{
		"ARTIFACT_DIR": spec.ArtifactsDir,
		"JOB_ID":       spec.JobID,
		"REPOSITORY":   spec.Repository,
	}
	for k, v := range spec.Env {
		envBlock[k] = v
	}
	for _, k := range sortedKeys(envBlock) {
		cmd = append(cmd, "-e", fmt.Sprintf("%s=%s", k, envBlock[k]))
	}

	cmd = append(cmd, spec.Image)
	cmd = append(cmd, spec.Command...)
	return cmd
}

// BuildStopCommand returns the argv for a best-effort `docker stop` issued
// on container-mode timeout, before reporting exit code 124.
func BuildStopCommand(spec ContainerSpec) []string {
	return []string{dockerBinary(spec), "stop", ContainerName(spec.JobID)}
}

func dockerBinary(spec ContainerSpec) string {
	if spec.DockerBinary != "" {
		return spec.DockerBinary
	}
	return "docker"
}

// RunResult describes a finished container-mode metadata/run.json summary.
type RunResult struct {
	Command     []string `json:"command"`
	ExitCode    int      `json:"exitCode"`
	DurationMs  int64    `json:"durationMs"`
	TimedOut    bool     `json:"timedOut"`
	ContainerID string   `json:"containerName"`
}

func sortedKeys(m map[string]string) []string {
	keys := make([]string, 0, len(m))
	for k := range m {
		keys = append(keys, k)
	}
	// Simple insertion sort: env blocks are tiny (a handful of keys), and
	// avoiding a sort.Strings import keeps this file dependency-free.
	for i := 1; i < len(keys); i++ {
		for j := i; j > 0 && keys[j-1] > keys[j]; j-- {
			keys[j-1], keys[j] = keys[j], keys[j-1]
		}
	}
	return keys
}

// ExitCodeTimeout is the conventional exit code reported when a container
// run is killed for exceeding container.timeoutSeconds.
const ExitCodeTimeout = 124

// JoinCommand renders a command slice for logging, quoting arguments that
// contain whitespace.
func JoinCommand(cmd []string) string {
	parts := make([]string, len(cmd))
	for i, c := range cmd {
		if strings.ContainsAny(c, " \t\n") {
			parts[i] = `"` + c + `"`
		} else {
			parts[i] = c
		}
	}
	return strings.Join(parts, " ")
}
