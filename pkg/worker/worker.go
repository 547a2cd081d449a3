// Package worker implements the MoonMind worker loop: claim a job from the
// queue, normalize and policy-gate it, carry it through the prepare/execute/
// publish stages with a renewing lease, and issue exactly one terminal
// transition.
package worker

import (
	"context"
	"sync"
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
)

// Worker owns the queue client and configuration for one worker process.
// It is not safe for concurrent RunOnce calls: the spec requires one worker
// to own exactly one active claim at a time.
type Worker struct {
	client      *queueclient.Client
	cfg         Config
	vault       *vaultref.Resolver
	selfHealCfg selfheal.Config

	mu             sync.Mutex
	activeJobID    string
	activeJobSince time.Time
}

// ActiveJob reports the currently claimed job's ID and claim time, used by
// the readiness probe to detect a job stuck well past its lease. ok is
// false when the worker is idle.
func (w *Worker) ActiveJob() (jobID string, since time.Time, ok bool) {
	w.mu.Lock()
	defer w.mu.Unlock()
	return w.activeJobID, w.activeJobSince, w.activeJobID != ""
}

func (w *Worker) setActiveJob(jobID string) {
	w.mu.Lock()
	defer w.mu.Unlock()
	w.activeJobID = jobID
	w.activeJobSince = time.Now()
}

func (w *Worker) clearActiveJob() {
	w.mu.Lock()
	defer w.mu.Unlock()
	w.activeJobID = ""
	w.activeJobSince = time.Time{}
}

// Client returns the worker's queue client, for use by the health server's
// readiness probe.
func (w *Worker) Client() *queueclient.Client {
	return w.client
}

// LeaseSeconds returns the configured lease duration, for use by the
// readiness probe's stuck-job detection.
func (w *Worker) LeaseSeconds() int {
	return w.cfg.LeaseSeconds
}

// New builds a Worker from cfg, constructing the queue client and the
// optional Vault resolver.
func New(cfg Config) (*Worker, error) {
	client, err := queueclient.New(queueclient.Config{
		BaseURL:     cfg.URL,
		WorkerToken: cfg.WorkerToken,
	})
	if err != nil {
		return nil, err
	}

	vault, err := newVaultResolverOrDie(cfg)
	if err != nil {
		return nil, err
	}

	selfHealCfg, err := selfheal.LoadConfigFromEnviron()
	if err != nil {
		return nil, err
	}

	return &Worker{client: client, cfg: cfg, vault: vault, selfHealCfg: selfHealCfg}, nil
}

// allowedJobTypes returns the job type names this worker will claim:
// the canonical "task" type, plus the legacy aliases when enabled.
func (w *Worker) allowedJobTypes() []string {
	types := []string{taskcontract.CanonicalTaskJobType}
	if w.cfg.EnableLegacyJobTypes {
		types = append(types, taskcontract.LegacyCodexExecType, taskcontract.LegacyCodexSkillType)
	}
	return types
}

// RunOnce claims at most one job and carries it to a terminal transition.
// Returns (false, nil) when the queue had nothing to claim.
func (w *Worker) RunOnce(ctx context.Context) (bool, error) {
	job, err := w.client.Claim(ctx, queueclient.ClaimRequest{
		WorkerID:           w.cfg.WorkerID,
		LeaseSeconds:       w.cfg.LeaseSeconds,
		AllowedTypes:       w.allowedJobTypes(),
		WorkerCapabilities: w.cfg.Capabilities,
	})
	if err != nil {
		metrics.QueueRequestErrorsTotal.WithLabelValues("claim").Inc()
		return false, err
	}
	if job == nil {
		return false, nil
	}
	metrics.JobsClaimedTotal.Inc()
	w.setActiveJob(job.ID)
	defer w.clearActiveJob()

	jobLog := log.WithJobID(job.ID)

	view, err := taskcontract.Normalize(job.Type, job.Payload)
	if err != nil {
		w.terminalFail(ctx, job.ID, err, nil)
		return true, nil
	}

	skillMeta := stage.DeriveSkillMeta(view)
	if err := checkPolicy(w.cfg, view, skillMeta); err != nil {
		w.terminalFail(ctx, job.ID, err, nil)
		return true, nil
	}

	jobLog.Info().
		Str("targetRuntime", string(view.TargetRuntime)).
		Str("selectedSkill", skillMeta.SelectedSkill).
		Str("executionPath", skillMeta.ExecutionPath).
		Strs("usedSkills", skillMeta.UsedSkills).
		Msg("worker claimed job")

	heartbeat := newHeartbeatLoop(w.client, job.ID, w.cfg.WorkerID, w.cfg.LeaseSeconds)
	heartbeat.start(ctx)

	outcome := w.runJob(ctx, job, view, heartbeat.cancelSignal)

	heartbeat.stopAndWait()

	cancelled := outcome.cancelled
	select {
	case <-heartbeat.cancelSignal:
		cancelled = true
	default:
	}

	switch {
	case cancelled:
		if err := w.client.AckCancel(ctx, job.ID, queueclient.AckCancelRequest{WorkerID: w.cfg.WorkerID}); err != nil {
			metrics.QueueRequestErrorsTotal.WithLabelValues("ack-cancel").Inc()
			jobLog.Warn().Err(err).Msg("ack-cancel request failed")
		}
		metrics.JobsCancelledTotal.Inc()
	case outcome.err == nil:
		if err := w.client.Complete(ctx, job.ID, queueclient.CompleteRequest{WorkerID: w.cfg.WorkerID}); err != nil {
			metrics.QueueRequestErrorsTotal.WithLabelValues("complete").Inc()
			jobLog.Warn().Err(err).Msg("complete request failed")
		}
		metrics.JobsCompletedTotal.Inc()
	default:
		w.terminalFail(ctx, job.ID, outcome.err, outcome.redactor)
	}

	return true, nil
}

// terminalFail issues the fail() transition, scrubbing the error message
// through redactor when one is available (job-scoped errors, carrying
// resolved secrets) and falling back to an unscrubbed message for
// pre-job errors (contract/policy violations, which never carry secrets).
func (w *Worker) terminalFail(ctx context.Context, jobID string, err error, redactor *secretredact.Redactor) {
	message := err.Error()
	if redactor != nil {
		message = redactor.Scrub(message)
	}
	retryable := workerrors.Retryable(err)
	if sendErr := w.client.Fail(ctx, jobID, queueclient.FailRequest{
		WorkerID:     w.cfg.WorkerID,
		ErrorMessage: message,
		Retryable:    retryable,
	}); sendErr != nil {
		metrics.QueueRequestErrorsTotal.WithLabelValues("fail").Inc()
		log.WithJobID(jobID).Warn().Err(sendErr).Msg("fail request failed")
	}
	retryLabel := "false"
	if retryable {
		retryLabel = "true"
	}
	metrics.JobsFailedTotal.WithLabelValues(retryLabel).Inc()
}

// RunForever polls the queue until stop is closed, sleeping PollInterval
// between empty claims and backing off on unhandled RunOnce errors so a
// persistent queue outage degrades to a slow retry loop instead of a
// tight failure spin.
func (w *Worker) RunForever(ctx context.Context, stop <-chan struct{}) {
	backoff := w.cfg.PollInterval
	const maxBackoff = 30 * time.Second

	for {
		select {
		case <-stop:
			return
		case <-ctx.Done():
			return
		default:
		}

		claimed, err := w.RunOnce(ctx)
		if err != nil {
			log.Logger.Error().Err(err).Msg("run loop iteration failed")
			backoff *= 2
			if backoff > maxBackoff {
				backoff = maxBackoff
			}
			sleep(ctx, stop, backoff)
			continue
		}
		backoff = w.cfg.PollInterval

		if !claimed {
			sleep(ctx, stop, w.cfg.PollInterval)
		}
	}
}

func sleep(ctx context.Context, stop <-chan struct{}, d time.Duration) {
	timer := time.NewTimer(d)
	defer timer.Stop()
	select {
	case <-timer.C:
	case <-stop:
	case <-ctx.Done():
	}
}

// Close releases resources held by the worker's HTTP clients.
func (w *Worker) Close() error {
	return nil
}

func secondsToDuration(seconds int) time.Duration {
	return time.Duration(seconds) * time.Second
}
