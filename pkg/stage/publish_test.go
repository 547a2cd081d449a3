package stage

import (
	"context"
	"encoding/json"
	"os"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/moonmindlabs/worker/pkg/subprocess"
	"github.com/moonmindlabs/worker/pkg/taskcontract"
	"github.com/moonmindlabs/worker/pkg/workspace"
)

func TestPublishSkipsWhenModeIsNone(t *testing.T) {
	layout := newPreparedLayout(t, "job-pub1")
	jc := &JobContext{
		JobID:  "job-pub1",
		View:   taskcontract.View{Repository: "owner/repo", Task: taskcontract.Task{Publish: taskcontract.Publish{Mode: taskcontract.PublishNone}}},
		Layout: layout,
		Runner: &stubCommandRunner{},
	}

	result, err := Publish(context.Background(), jc, true)
	require.NoError(t, err)
	assert.True(t, result.Skipped)
	assert.Equal(t, "publish mode is none", result.Reason)
	assertPublishResultWritten(t, layout.PublishResultPath, result)
}

func TestPublishSkipsWhenNoChanges(t *testing.T) {
	layout := newPreparedLayout(t, "job-pub2")
	jc := &JobContext{
		JobID:  "job-pub2",
		View:   taskcontract.View{Repository: "owner/repo", Task: taskcontract.Task{Publish: taskcontract.Publish{Mode: taskcontract.PublishBranch}}},
		Layout: layout,
		Runner: &stubCommandRunner{},
	}

	result, err := Publish(context.Background(), jc, false)
	require.NoError(t, err)
	assert.True(t, result.Skipped)
	assert.Equal(t, "no local changes", result.Reason)
}

func TestPublishSkipsWhenGitStatusIsClean(t *testing.T) {
	layout := newPreparedLayout(t, "job-pub3")
	runner := &stubCommandRunner{results: map[string]subprocess.Result{
		"git status --porcelain": {ReturnCode: 0, Stdout: "\n"},
	}}
	jc := &JobContext{
		JobID:  "job-pub3",
		View:   taskcontract.View{Repository: "owner/repo", Task: taskcontract.Task{Publish: taskcontract.Publish{Mode: taskcontract.PublishBranch}}},
		Layout: layout,
		Runner: runner,
	}

	result, err := Publish(context.Background(), jc, true)
	require.NoError(t, err)
	assert.True(t, result.Skipped)
	assert.Equal(t, "no local changes", result.Reason)
}

func TestPublishPushesBranchWithoutOpeningPR(t *testing.T) {
	layout := newPreparedLayout(t, "job-pub4")
	runner := &stubCommandRunner{results: map[string]subprocess.Result{
		"git status --porcelain": {ReturnCode: 0, Stdout: " M file.go\n"},
	}}
	jc := &JobContext{
		JobID:    "job-pub4",
		View:     taskcontract.View{Repository: "owner/repo", Task: taskcontract.Task{Publish: taskcontract.Publish{Mode: taskcontract.PublishBranch}}},
		Layout:   layout,
		Runner:   runner,
		Branches: workspace.BranchState{WorkingBranch: "work/job-pub4", StartingBranch: "main", DefaultBranch: "main"},
	}

	result, err := Publish(context.Background(), jc, true)
	require.NoError(t, err)
	require.False(t, result.Skipped, "expected publish to proceed given uncommitted changes")
	assert.Equal(t, "work/job-pub4", result.Branch)
	assert.Empty(t, result.PRUrl, "expected no PR url for branch-only publish")

	sawPush := false
	for _, call := range runner.calls {
		if len(call) >= 2 && call[0] == "git" && call[1] == "push" {
			sawPush = true
		}
		assert.Falsef(t, len(call) >= 2 && call[0] == "gh", "did not expect gh pr create for branch-only publish mode, got %v", call)
	}
	assert.True(t, sawPush, "expected a git push invocation")
}

func TestPublishOpensPRAndExtractsURL(t *testing.T) {
	layout := newPreparedLayout(t, "job-pub5")
	runner := &stubCommandRunner{results: map[string]subprocess.Result{
		"git status --porcelain": {ReturnCode: 0, Stdout: " M file.go\n"},
		"gh pr create --base main --head work/job-pub5 --title MoonMind task result for job job-pub5 --body ": {ReturnCode: 0, Stdout: "Creating PR...\nhttps://github.com/owner/repo/pull/42\n"},
	}}
	jc := &JobContext{
		JobID: "job-pub5",
		View: taskcontract.View{Repository: "owner/repo", Task: taskcontract.Task{
			Publish: taskcontract.Publish{Mode: taskcontract.PublishPR},
		}},
		Layout:   layout,
		Runner:   runner,
		Branches: workspace.BranchState{WorkingBranch: "work/job-pub5", StartingBranch: "main", DefaultBranch: "main"},
	}

	result, err := Publish(context.Background(), jc, true)
	require.NoError(t, err)
	assert.Equal(t, "https://github.com/owner/repo/pull/42", result.PRUrl)
	assert.Equal(t, "main", result.BaseBranch)
}

func TestExtractPRURL(t *testing.T) {
	cases := []struct {
		stdout string
		want   string
	}{
		{"Creating PR...\nhttps://github.com/owner/repo/pull/1\n", "https://github.com/owner/repo/pull/1"},
		{"no url here\n", ""},
		{"", ""},
		{"  http://example.com/pr/2  \n", "http://example.com/pr/2"},
	}
	for _, tc := range cases {
		assert.Equal(t, tc.want, extractPRURL(tc.stdout))
	}
}

func assertPublishResultWritten(t *testing.T, path string, want PublishResult) {
	t.Helper()
	data, err := os.ReadFile(path)
	require.NoError(t, err, "expected publish_result.json to be written")
	var got PublishResult
	require.NoError(t, json.Unmarshal(data, &got))
	assert.Equal(t, want, got)
}
