package worker

import (
	"context"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/moonmindlabs/worker/pkg/log"
	"github.com/moonmindlabs/worker/pkg/metrics"
	"github.com/moonmindlabs/worker/pkg/queueclient"
	"github.com/moonmindlabs/worker/pkg/secretredact"
	"github.com/moonmindlabs/worker/pkg/selfheal"
	"github.com/moonmindlabs/worker/pkg/stage"
	"github.com/moonmindlabs/worker/pkg/taskcontract"
	"github.com/moonmindlabs/worker/pkg/vaultref"
	"github.com/moonmindlabs/worker/pkg/workerrors"
	"github.com/moonmindlabs/worker/pkg/workspace"
)

// jobOutcome is the result runJob hands back to RunOnce so it can issue
// exactly one terminal transition.
type jobOutcome struct {
	cancelled bool
	err       error
	redactor  *secretredact.Redactor
}

// runJob builds the per-job JobContext and carries a claimed job through
// prepare, execute, and publish, uploading every non-empty artifact
// afterward. It never calls the queue's terminal endpoints itself: the
// caller (RunOnce) decides between complete/ackCancel/fail once runJob
// returns, so the exactly-once invariant lives in one place.
func (w *Worker) runJob(ctx context.Context, job *queueclient.Job, view taskcontract.View, cancelSignal <-chan struct{}) jobOutcome {
	layout, err := workspace.BuildLayout(w.cfg.Workdir, job.ID)
	if err != nil {
		return jobOutcome{err: err}
	}
	if err := layout.EnsureDirectories(); err != nil {
		return jobOutcome{err: err}
	}

	auth, err := resolveAuth(ctx, w.cfg, w.vault, view, layout.HomeDir)
	if err != nil {
		return jobOutcome{err: err}
	}

	redactor := secretredact.FromEnviron(os.Environ(), secretsFromAuth(auth))

	model, effort := w.cfg.ModelEffortFor(string(view.TargetRuntime))

	jc := &stage.JobContext{
		JobID:    job.ID,
		WorkerID: w.cfg.WorkerID,
		View:     view,
		Layout:   layout,

		RepoEnv:    auth.RepoEnv,
		PublishEnv: auth.PublishEnv,

		RepoAuthSource:    auth.RepoSource,
		PublishAuthSource: auth.PublishSource,

		Redactor: redactor,
		SelfHeal: selfheal.NewController(w.selfHealCfg, redactor),

		Runner:     stage.DefaultRunner,
		GitTimeout: 2 * time.Minute,

		WorkerDefaultModel:  model,
		WorkerDefaultEffort: effort,

		CodexSandboxMode: w.cfg.CodexSandboxMode,
		GeminiAuthMode:   w.cfg.GeminiCLIAuthMode,
		GeminiHome:       w.cfg.GeminiHome,
		GeminiAPIKey:     w.cfg.GeminiAPIKey,

		DockerBinary:                   w.cfg.DockerBinary,
		DefaultContainerTimeoutSeconds: w.cfg.ContainerTimeoutSeconds,
		ContainerWorkdir:               w.cfg.Workdir,

		SkillsSourceDir: w.cfg.SkillsSourceDir,

		CancelSignal: cancelSignal,
		Emitter:      queueEmitter{ctx: ctx, client: w.client, jobID: job.ID, workerID: w.cfg.WorkerID},

		Today: time.Now().UTC().Format("2006-01-02"),
	}

	if _, err := stage.Prepare(ctx, jc); err != nil {
		log.WithStage(job.ID, "prepare").Warn().Err(err).Msg("stage failed")
		w.bestEffortUploadArtifacts(ctx, job.ID, layout.ArtifactsDir)
		return jobOutcome{cancelled: isCancelled(err), err: err, redactor: redactor}
	}

	executeResult, err := stage.Execute(ctx, jc, w.selfHealCfg)
	if err != nil {
		log.WithStage(job.ID, "execute").Warn().Err(err).Msg("stage failed")
		w.bestEffortUploadArtifacts(ctx, job.ID, layout.ArtifactsDir)
		return jobOutcome{cancelled: isCancelled(err), err: err, redactor: redactor}
	}

	if _, err := stage.Publish(ctx, jc, executeResult.HasChanges); err != nil {
		log.WithStage(job.ID, "publish").Warn().Err(err).Msg("stage failed")
		w.bestEffortUploadArtifacts(ctx, job.ID, layout.ArtifactsDir)
		return jobOutcome{cancelled: isCancelled(err), err: err, redactor: redactor}
	}

	if err := w.uploadArtifacts(ctx, job.ID, layout.ArtifactsDir); err != nil {
		// Best-effort retry once before giving up; artifact loss on an
		// otherwise successful run still fails the job so an operator
		// notices the gap rather than silently losing results.
		log.WithJobID(job.ID).Warn().Err(err).Msg("artifact upload failed, retrying once")
		if err := w.uploadArtifacts(ctx, job.ID, layout.ArtifactsDir); err != nil {
			return jobOutcome{err: err, redactor: redactor}
		}
	}

	return jobOutcome{}
}

// bestEffortUploadArtifacts uploads whatever artifacts a stage managed to
// stage before it failed (logs, patches), swallowing any upload error as a
// warning rather than letting it mask the original stage failure or block
// the caller's terminal fail/ackCancel call. Mirrors
// original_source/worker.py's exception-path upload, which re-attempts
// upload once and logs rather than raises on failure.
func (w *Worker) bestEffortUploadArtifacts(ctx context.Context, jobID, artifactsDir string) {
	if err := w.uploadArtifacts(ctx, jobID, artifactsDir); err != nil {
		log.WithJobID(jobID).Warn().Err(err).Msg("artifact upload failed on job failure path")
	}
}

func isCancelled(err error) bool {
	_, ok := err.(stage.Cancelled)
	return ok
}

// uploadArtifacts walks artifactsDir and uploads every regular file with a
// non-zero size, skipping directories and zero-byte placeholders.
func (w *Worker) uploadArtifacts(ctx context.Context, jobID, artifactsDir string) error {
	return filepath.Walk(artifactsDir, func(path string, info os.FileInfo, err error) error {
		if err != nil {
			return err
		}
		if info.IsDir() || info.Size() == 0 {
			return nil
		}
		rel, err := filepath.Rel(artifactsDir, path)
		if err != nil {
			return err
		}
		_, err = w.client.UploadArtifact(ctx, jobID, w.cfg.WorkerID, queueclient.Artifact{
			Name:      filepath.ToSlash(rel),
			LocalPath: path,
		})
		if err != nil {
			return fmt.Errorf("worker: upload artifact %s: %w", rel, err)
		}
		metrics.ArtifactsUploadedTotal.Inc()
		return nil
	})
}

func secretsFromAuth(auth resolvedAuth) []string {
	var out []string
	for _, env := range [][]string{auth.RepoEnv, auth.PublishEnv} {
		for _, kv := range env {
			k, v, ok := strings.Cut(kv, "=")
			if ok && (k == "GITHUB_TOKEN" || k == "GH_TOKEN") && v != "" {
				out = append(out, v)
			}
		}
	}
	return out
}

// newVaultResolverOrDie wraps newVaultResolver, translating a Vault
// construction failure into the workerrors taxonomy.
func newVaultResolverOrDie(cfg Config) (*vaultref.Resolver, error) {
	resolver, err := newVaultResolver(cfg)
	if err != nil {
		return nil, &workerrors.SecretReferenceError{Message: err.Error()}
	}
	return resolver, nil
}
