package selfheal

import (
	"fmt"
	"os"
	"strconv"
)

// Config holds the env-driven tunables for the self-heal controller. All
// fields must be >= 1; LoadConfig enforces this at load time rather than
// silently falling back to defaults on a present-but-invalid value.
type Config struct {
	StepMaxAttempts        int
	StepTimeoutSeconds     int
	StepIdleTimeoutSeconds int
	StepNoProgressLimit    int
	JobSelfHealMaxResets   int
}

// DefaultConfig returns the documented default tunables.
func DefaultConfig() Config {
	return Config{
		StepMaxAttempts:        3,
		StepTimeoutSeconds:     900,
		StepIdleTimeoutSeconds: 300,
		StepNoProgressLimit:    2,
		JobSelfHealMaxResets:   1,
	}
}

// LoadConfig reads STEP_MAX_ATTEMPTS, STEP_TIMEOUT_SECONDS,
// STEP_IDLE_TIMEOUT_SECONDS, STEP_NO_PROGRESS_LIMIT, and
// JOB_SELF_HEAL_MAX_RESETS from the environment, falling back to
// DefaultConfig() for unset variables. A variable that is set but parses to
// <= 0, or fails to parse as an integer, is an error.
func LoadConfig(getenv func(string) string) (Config, error) {
	cfg := DefaultConfig()

	var err error
	if cfg.StepMaxAttempts, err = readPositiveInt(getenv, "STEP_MAX_ATTEMPTS", cfg.StepMaxAttempts); err != nil {
		return Config{}, err
	}
	if cfg.StepTimeoutSeconds, err = readPositiveInt(getenv, "STEP_TIMEOUT_SECONDS", cfg.StepTimeoutSeconds); err != nil {
		return Config{}, err
	}
	if cfg.StepIdleTimeoutSeconds, err = readPositiveInt(getenv, "STEP_IDLE_TIMEOUT_SECONDS", cfg.StepIdleTimeoutSeconds); err != nil {
		return Config{}, err
	}
	if cfg.StepNoProgressLimit, err = readPositiveInt(getenv, "STEP_NO_PROGRESS_LIMIT", cfg.StepNoProgressLimit); err != nil {
		return Config{}, err
	}
	if cfg.JobSelfHealMaxResets, err = readPositiveInt(getenv, "JOB_SELF_HEAL_MAX_RESETS", cfg.JobSelfHealMaxResets); err != nil {
		return Config{}, err
	}
	return cfg, nil
}

func readPositiveInt(getenv func(string) string, key string, fallback int) (int, error) {
	raw := getenv(key)
	if raw == "" {
		return fallback, nil
	}
	v, err := strconv.Atoi(raw)
	if err != nil {
		return 0, fmt.Errorf("selfheal: %s must be an integer, got %q", key, raw)
	}
	if v <= 0 {
		return 0, fmt.Errorf("selfheal: %s must be >= 1, got %d", key, v)
	}
	return v, nil
}

// LoadConfigFromEnviron is a convenience wrapper over LoadConfig using
// os.Getenv.
func LoadConfigFromEnviron() (Config, error) {
	return LoadConfig(os.Getenv)
}
