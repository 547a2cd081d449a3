package stage

import (
	"context"
	"fmt"
	"strings"

	"github.com/moonmindlabs/worker/pkg/taskcontract"
)

// PublishResult is the publish_result.json artifact.
type PublishResult struct {
	Mode       string `json:"mode"`
	Branch     string `json:"branch,omitempty"`
	BaseBranch string `json:"baseBranch,omitempty"`
	PRUrl      string `json:"prUrl,omitempty"`
	Skipped    bool   `json:"skipped"`
	Reason     string `json:"reason,omitempty"`
}

// Publish pushes the working branch (and opens a PR when configured),
// always writing publish_result.json even when publish is a no-op.
func Publish(ctx context.Context, jc *JobContext, hasChanges bool) (PublishResult, error) {
	jc.emit(eventName(Publish, StatusStarted), nil)

	result, err := publish(ctx, jc, hasChanges)
	if err != nil {
		jc.emit(eventName(Publish, StatusFailed), map[string]any{"error": jc.scrub(err.Error())})
		return PublishResult{}, err
	}

	jc.emit(eventName(Publish, StatusFinished), map[string]any{"skipped": result.Skipped, "branch": result.Branch})
	return result, nil
}

func publish(ctx context.Context, jc *JobContext, hasChanges bool) (PublishResult, error) {
	publishCfg := jc.View.Task.Publish

	if taskcontract.PublishIsNoop(jc.View) {
		return writePublishResult(jc, PublishResult{Mode: string(publishCfg.Mode), Skipped: true, Reason: "publish mode is none"})
	}
	if !hasChanges {
		return writePublishResult(jc, PublishResult{Mode: string(publishCfg.Mode), Skipped: true, Reason: "no local changes"})
	}

	runner := workspaceRunnerAdapter{runner: jc.Runner, timeout: jc.GitTimeout, redactor: jc.Redactor}

	statusResult, err := runner.Run(ctx, []string{"git", "status", "--porcelain"}, jc.Layout.RepoDir, jc.PublishEnv)
	if err != nil {
		return PublishResult{}, fmt.Errorf("stage: git status: %w", err)
	}
	if strings.TrimSpace(statusResult.Stdout) == "" {
		return writePublishResult(jc, PublishResult{Mode: string(publishCfg.Mode), Skipped: true, Reason: "no local changes"})
	}

	workingBranch := jc.Branches.WorkingBranch
	if _, err := runner.Run(ctx, []string{"git", "checkout", workingBranch}, jc.Layout.RepoDir, jc.PublishEnv); err != nil {
		return PublishResult{}, fmt.Errorf("stage: checkout working branch: %w", err)
	}
	if _, err := runner.Run(ctx, []string{"git", "add", "-A"}, jc.Layout.RepoDir, jc.PublishEnv); err != nil {
		return PublishResult{}, fmt.Errorf("stage: git add: %w", err)
	}

	commitMessage := publishCfg.CommitMessage
	if commitMessage == "" {
		commitMessage = fmt.Sprintf("MoonMind task result for job %s", jc.JobID)
	}
	if _, err := runner.Run(ctx, []string{"git", "commit", "-m", commitMessage}, jc.Layout.RepoDir, jc.PublishEnv); err != nil {
		return PublishResult{}, fmt.Errorf("stage: git commit: %w", err)
	}
	if _, err := runner.Run(ctx, []string{"git", "push", "-u", "origin", workingBranch}, jc.Layout.RepoDir, jc.PublishEnv); err != nil {
		return PublishResult{}, fmt.Errorf("stage: git push: %w", err)
	}

	result := PublishResult{Mode: string(publishCfg.Mode), Branch: workingBranch, Skipped: false}

	if publishCfg.Mode == taskcontract.PublishPR {
		baseBranch := publishCfg.PRBaseBranch
		if baseBranch == "" {
			baseBranch = jc.Branches.StartingBranch
		}
		title := publishCfg.PRTitle
		if title == "" {
			title = fmt.Sprintf("MoonMind task result for job %s", jc.JobID)
		}
		body := publishCfg.PRBody

		prResult, err := runner.Run(ctx, []string{
			"gh", "pr", "create",
			"--base", baseBranch,
			"--head", workingBranch,
			"--title", title,
			"--body", body,
		}, jc.Layout.RepoDir, jc.PublishEnv)
		if err != nil {
			return PublishResult{}, fmt.Errorf("stage: gh pr create: %w", err)
		}
		result.BaseBranch = baseBranch
		result.PRUrl = extractPRURL(prResult.Stdout)
	}

	return writePublishResult(jc, result)
}

// extractPRURL scans stdout line by line and returns the first line
// beginning with http(s)://, trimmed.
func extractPRURL(stdout string) string {
	for _, line := range strings.Split(stdout, "\n") {
		trimmed := strings.TrimSpace(line)
		if strings.HasPrefix(trimmed, "http://") || strings.HasPrefix(trimmed, "https://") {
			return trimmed
		}
	}
	return ""
}

func writePublishResult(jc *JobContext, result PublishResult) (PublishResult, error) {
	if err := writeJSON(jc.Layout.PublishResultPath, result); err != nil {
		return PublishResult{}, err
	}
	return result, nil
}
