package stage

import (
	"context"
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"fmt"
	"io/fs"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/moonmindlabs/worker/pkg/workspace"
)

// TaskContext is the redacted task_context.json artifact written at the end
// of the prepare stage.
type TaskContext struct {
	JobID             string   `json:"jobId"`
	Repository        string   `json:"repository"`
	TargetRuntime     string   `json:"targetRuntime"`
	DefaultBranch     string   `json:"defaultBranch"`
	StartingBranch    string   `json:"startingBranch"`
	NewBranch         string   `json:"newBranch,omitempty"`
	WorkingBranch     string   `json:"workingBranch"`
	RepoAuthSource    string   `json:"repoAuthSource"`
	PublishAuthSource string   `json:"publishAuthSource"`
	SelectedSkill     string   `json:"selectedSkill,omitempty"`
	ExecutionPath     string   `json:"executionPath"`
	UsedSkills        []string `json:"usedSkills,omitempty"`
	UsedFallback      bool     `json:"usedFallback"`
	PreparedAt        string   `json:"preparedAt"`
}

// Prepare builds the on-disk layout, materializes any selected skills,
// resolves the branch state via the workspace manager, and writes the
// prepare-stage artifacts.
func Prepare(ctx context.Context, jc *JobContext) (SkillMeta, error) {
	jc.emit(eventName(Prepare, StatusStarted), nil)

	meta, err := prepare(ctx, jc)
	if err != nil {
		jc.emit(eventName(Prepare, StatusFailed), map[string]any{"error": jc.scrub(err.Error())})
		return SkillMeta{}, err
	}

	jc.emit(eventName(Prepare, StatusFinished), map[string]any{
		"selectedSkill": meta.SelectedSkill,
		"executionPath": meta.ExecutionPath,
		"usedFallback":  meta.UsedFallback,
	})
	return meta, nil
}

func prepare(ctx context.Context, jc *JobContext) (SkillMeta, error) {
	if err := jc.Layout.EnsureDirectories(); err != nil {
		return SkillMeta{}, err
	}

	prepareLog, err := os.OpenFile(jc.Layout.PrepareLog, os.O_APPEND|os.O_CREATE|os.O_WRONLY, 0o644)
	if err != nil {
		return SkillMeta{}, fmt.Errorf("stage: open prepare log: %w", err)
	}
	defer prepareLog.Close()

	meta := DeriveSkillMeta(jc.View)
	if meta.ExecutionPath == ExecutionSkill {
		if err := materializeSkills(jc, meta.UsedSkills); err != nil {
			fmt.Fprintf(prepareLog, "skill materialization failed, falling back to direct execution: %v\n", jc.scrub(err.Error()))
			meta.UsedFallback = true
			meta.ExecutionPath = ExecutionDirectFallback
		}
	}

	runner := workspaceRunnerAdapter{runner: jc.Runner, timeout: jc.GitTimeout, redactor: jc.Redactor, logWriter: prepareLog}
	branches, err := workspace.Prepare(
		ctx, runner, jc.Layout, jc.View.Repository,
		workspace.WorkdirMode(jc.View.WorkdirMode),
		jc.View.Task.Git.StartingBranch, jc.View.Task.Git.NewBranch,
		jc.RepoEnv, jc.Today, jc.Emitter,
	)
	if err != nil {
		return SkillMeta{}, err
	}
	jc.Branches = branches

	taskContext := TaskContext{
		JobID:             jc.JobID,
		Repository:        jc.View.Repository,
		TargetRuntime:     string(jc.View.TargetRuntime),
		DefaultBranch:     branches.DefaultBranch,
		StartingBranch:    branches.StartingBranch,
		NewBranch:         branches.NewBranch,
		WorkingBranch:     branches.WorkingBranch,
		RepoAuthSource:    jc.RepoAuthSource,
		PublishAuthSource: jc.PublishAuthSource,
		SelectedSkill:     meta.SelectedSkill,
		ExecutionPath:     meta.ExecutionPath,
		UsedSkills:        meta.UsedSkills,
		UsedFallback:      meta.UsedFallback,
		PreparedAt:        time.Now().UTC().Format(time.RFC3339),
	}
	if err := writeJSON(jc.Layout.TaskContextPath, taskContext); err != nil {
		return SkillMeta{}, err
	}

	return meta, nil
}

func writeJSON(path string, v any) error {
	data, err := json.MarshalIndent(v, "", "  ")
	if err != nil {
		return fmt.Errorf("stage: marshal %s: %w", path, err)
	}
	if err := os.MkdirAll(filepath.Dir(path), 0o755); err != nil {
		return fmt.Errorf("stage: ensure dir for %s: %w", path, err)
	}
	if err := os.WriteFile(path, data, 0o644); err != nil {
		return fmt.Errorf("stage: write %s: %w", path, err)
	}
	return nil
}

// materializeSkills copies each named skill bundle from SkillsSourceDir
// into the job's skills_active directory, verifying an optional signature
// sidecar. Any missing skill or signature mismatch fails the whole batch so
// the caller falls back to direct execution rather than running with a
// partially materialized skill set.
func materializeSkills(jc *JobContext, skillIDs []string) error {
	if jc.SkillsSourceDir == "" {
		return fmt.Errorf("no skills source directory configured")
	}
	for _, id := range skillIDs {
		src := filepath.Join(jc.SkillsSourceDir, id)
		info, err := os.Stat(src)
		if err != nil || !info.IsDir() {
			return fmt.Errorf("skill %q not found under skills source", id)
		}
		if err := verifySkillSignature(src); err != nil {
			return err
		}
		dst := filepath.Join(jc.Layout.SkillsActiveDir, id)
		if err := copyDir(src, dst); err != nil {
			return fmt.Errorf("materialize skill %q: %w", id, err)
		}
	}
	return nil
}

// verifySkillSignature checks SIGNATURE against SIGNATURE.sha256 when both
// are present; a skill bundle carrying neither is trusted as-is.
func verifySkillSignature(src string) error {
	sigPath := filepath.Join(src, "SIGNATURE")
	sumPath := filepath.Join(src, "SIGNATURE.sha256")

	sig, sigErr := os.ReadFile(sigPath)
	sum, sumErr := os.ReadFile(sumPath)
	if sigErr != nil || sumErr != nil {
		return nil
	}

	digest := sha256.Sum256(sig)
	expected := strings.TrimSpace(string(sum))
	if hex.EncodeToString(digest[:]) != expected {
		return fmt.Errorf("signature mismatch for skill at %s", src)
	}
	return nil
}

func copyDir(src, dst string) error {
	return filepath.WalkDir(src, func(path string, d fs.DirEntry, err error) error {
		if err != nil {
			return err
		}
		rel, err := filepath.Rel(src, path)
		if err != nil {
			return err
		}
		target := filepath.Join(dst, rel)
		if d.IsDir() {
			return os.MkdirAll(target, 0o755)
		}
		data, err := os.ReadFile(path)
		if err != nil {
			return err
		}
		return os.WriteFile(target, data, 0o644)
	})
}
