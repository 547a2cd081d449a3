package stage

import (
	"context"
	"encoding/json"
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/moonmindlabs/worker/pkg/subprocess"
	"github.com/moonmindlabs/worker/pkg/taskcontract"
)

func TestExecuteContainerSucceedsAndWritesRunMetadata(t *testing.T) {
	layout := newPreparedLayout(t, "job-c1")
	runner := &stubCommandRunner{}

	jc := &JobContext{
		JobID:            "job-c1",
		View:             taskcontract.View{Repository: "owner/repo"},
		Layout:           layout,
		Runner:           runner,
		DockerBinary:     "docker",
		ContainerWorkdir: "/workspace",
	}
	container := taskcontract.Container{Enabled: true, Image: "golang:1.22", Command: []string{"go", "test", "./..."}}

	require.NoError(t, executeContainer(context.Background(), jc, container))

	data, err := os.ReadFile(filepath.Join(layout.ArtifactsDir, "metadata", "run.json"))
	require.NoError(t, err, "expected run.json to be written")
	var meta map[string]any
	require.NoError(t, json.Unmarshal(data, &meta))
	assert.Equal(t, float64(0), meta["exitCode"])
}

func TestExecuteContainerReportsNonZeroExit(t *testing.T) {
	layout := newPreparedLayout(t, "job-c2")
	runner := &stubCommandRunner{results: map[string]subprocess.Result{}}

	jc := &JobContext{
		JobID:            "job-c2",
		View:             taskcontract.View{Repository: "owner/repo"},
		Layout:           layout,
		Runner:           containerExitRunner{stubCommandRunner: runner},
		DockerBinary:     "docker",
		ContainerWorkdir: "/workspace",
	}
	container := taskcontract.Container{Enabled: true, Image: "golang:1.22", Command: []string{"go", "test", "./..."}}

	err := executeContainer(context.Background(), jc, container)
	assert.Error(t, err, "expected an error for a non-zero container exit code")
}

// containerExitRunner wraps stubCommandRunner, forcing the docker run
// invocation (identified by its "run" subcommand) to report a non-zero exit
// without returning an error, matching how a failed-but-not-crashed
// container process behaves.
type containerExitRunner struct {
	*stubCommandRunner
}

func (c containerExitRunner) Run(ctx context.Context, command []string, opts subprocess.Options) (subprocess.Result, error) {
	for _, arg := range command {
		if arg == "run" {
			return subprocess.Result{Command: command, ReturnCode: 1, Stderr: "test failed\n"}, nil
		}
	}
	return c.stubCommandRunner.Run(ctx, command, opts)
}

func TestLastNonEmptyLine(t *testing.T) {
	assert.Equal(t, "line two", lastNonEmptyLine("line one\nline two\n\n"))
	assert.Equal(t, "", lastNonEmptyLine(""))
	assert.Equal(t, "only", lastNonEmptyLine("only\n"))
}
