package selfheal

import "github.com/moonmindlabs/worker/pkg/workerrors"

// FailureClass determines retry eligibility for a failed step attempt.
type FailureClass string

const (
	TransientRuntime   FailureClass = "TRANSIENT_RUNTIME"
	StuckNoProgress    FailureClass = "STUCK_NO_PROGRESS"
	DeterministicContract FailureClass = "DETERMINISTIC_CONTRACT"
	DeterministicPolicy   FailureClass = "DETERMINISTIC_POLICY"
	DeterministicRepo     FailureClass = "DETERMINISTIC_REPO"
)

// IsRetryable reports whether a failure of this class may be retried at
// all; only TRANSIENT_RUNTIME and STUCK_NO_PROGRESS are.
func (c FailureClass) IsRetryable() bool {
	return c == TransientRuntime || c == StuckNoProgress
}

// Strategy is the reset strategy chosen for the next attempt.
type Strategy string

const (
	StrategyNone          Strategy = "NONE"
	StrategySoftReset     Strategy = "SOFT_RESET"
	StrategyHardReset     Strategy = "HARD_RESET"
	StrategyQueueRetry    Strategy = "QUEUE_RETRY"
	StrategyOperatorRequest Strategy = "OPERATOR_REQUEST"
)

// StepState tracks attempt/no-progress state for a single step across
// retries within one claimed job.
type StepState struct {
	StepID                string
	StepIndex             int
	AttemptsConsumed       int
	ConsecutiveNoProgress int
	LastFailureSignature  *FailureSignature
	LastDiffHash          string
}

// StepAttemptSnapshot is returned by NextAttempt to identify the attempt
// number being started.
type StepAttemptSnapshot struct {
	AttemptNumber int
}

// NextAttempt increments the attempt counter, raising
// AttemptBudgetExceededError if doing so would exceed maxAttempts.
func (s *StepState) NextAttempt(maxAttempts int) (StepAttemptSnapshot, error) {
	if s.AttemptsConsumed >= maxAttempts {
		return StepAttemptSnapshot{}, &workerrors.AttemptBudgetExceededError{StepID: s.StepID, MaxAttempts: maxAttempts}
	}
	s.AttemptsConsumed++
	return StepAttemptSnapshot{AttemptNumber: s.AttemptsConsumed}, nil
}

// RecordFailure updates no-progress tracking for a failed attempt, comparing
// the new (signature, diffHash) pair against the previous one. Returns
// whether this attempt matched the previous (i.e. no progress was made).
func (s *StepState) RecordFailure(signature FailureSignature, diffHash string) bool {
	matched := false
	if s.LastFailureSignature != nil && s.LastFailureSignature.Matches(signature) && s.LastDiffHash == diffHash {
		matched = true
	}
	if matched {
		s.ConsecutiveNoProgress++
	} else if s.LastFailureSignature != nil {
		s.ConsecutiveNoProgress = 1
	} else {
		s.ConsecutiveNoProgress = 0
	}
	sig := signature
	s.LastFailureSignature = &sig
	s.LastDiffHash = diffHash
	return matched
}

// ResetAfterSuccess clears no-progress tracking once a step completes
// successfully.
func (s *StepState) ResetAfterSuccess() {
	s.ConsecutiveNoProgress = 0
	s.LastFailureSignature = nil
	s.LastDiffHash = ""
}

// JobState tracks job-level self-heal budget consumption across all steps.
type JobState struct {
	ResetsConsumed int
}

// ReserveHardReset increments the hard-reset counter, raising
// HardResetBudgetExceededError if doing so would exceed maxResets.
func (j *JobState) ReserveHardReset(maxResets int) error {
	if j.ResetsConsumed >= maxResets {
		return &workerrors.HardResetBudgetExceededError{MaxResets: maxResets}
	}
	j.ResetsConsumed++
	return nil
}

// CanHardReset reports whether a hard reset is still available without
// consuming it.
func (j *JobState) CanHardReset(maxResets int) bool {
	return j.ResetsConsumed < maxResets
}

// Controller ties together config, job-level state, and per-step state to
// decide the next strategy after a failed attempt.
type Controller struct {
	Config   Config
	JobState *JobState
	Redactor Redactor
}

// NewController constructs a Controller with a fresh JobState.
func NewController(cfg Config, redactor Redactor) *Controller {
	return &Controller{Config: cfg, JobState: &JobState{}, Redactor: redactor}
}

// SelectStrategy decides the reset strategy for the next attempt of a step,
// given its failure class and current state. noProgress is the value
// returned by the preceding StepState.RecordFailure call.
func (c *Controller) SelectStrategy(class FailureClass, step *StepState, noProgress bool) Strategy {
	if !class.IsRetryable() {
		return StrategyOperatorRequest
	}

	if noProgress && step.ConsecutiveNoProgress >= c.Config.StepNoProgressLimit {
		if c.JobState.CanHardReset(c.Config.JobSelfHealMaxResets) {
			return StrategyHardReset
		}
		return StrategyQueueRetry
	}

	if class == StuckNoProgress {
		if c.JobState.CanHardReset(c.Config.JobSelfHealMaxResets) {
			return StrategyHardReset
		}
		return StrategyQueueRetry
	}

	if step.AttemptsConsumed < c.Config.StepMaxAttempts {
		return StrategySoftReset
	}

	if c.JobState.CanHardReset(c.Config.JobSelfHealMaxResets) {
		return StrategyHardReset
	}
	return StrategyQueueRetry
}

// BuildFailureSignature is a thin convenience wrapper binding the
// controller's own redactor to the package-level signature builder.
func (c *Controller) BuildFailureSignature(stepID, skillID string, exitCode *int, hint, message string) FailureSignature {
	return BuildFailureSignature(c.Redactor, stepID, skillID, exitCode, hint, message)
}
