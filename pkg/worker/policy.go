package worker

import (
	"fmt"

	"github.com/moonmindlabs/worker/pkg/preflight"
	"github.com/moonmindlabs/worker/pkg/stage"
	"github.com/moonmindlabs/worker/pkg/taskcontract"
	"github.com/moonmindlabs/worker/pkg/workerrors"
)

// checkPolicy enforces the fail-closed runtime/capability/skill gate,
// returning the first violation found.
func checkPolicy(cfg Config, view taskcontract.View, skillMeta stage.SkillMeta) error {
	if !runtimeAllowed(cfg.Runtime, view.TargetRuntime) {
		return &workerrors.PolicyError{Message: fmt.Sprintf(
			"targetRuntime %q is not executable by worker runtime mode %q", view.TargetRuntime, cfg.Runtime)}
	}

	if missing := missingCapabilities(view.RequiredCapabilities, cfg.Capabilities); len(missing) > 0 {
		return &workerrors.PolicyError{Message: fmt.Sprintf(
			"required capabilities %v not satisfied by worker capabilities %v", missing, cfg.Capabilities)}
	}

	if cfg.SkillPolicyMode == "allowlist" {
		for _, skillID := range skillMeta.UsedSkills {
			if !contains(cfg.AllowedSkills, skillID) {
				return &workerrors.PolicyError{Message: fmt.Sprintf(
					"skill %q is not in MOONMIND_ALLOWED_SKILLS", skillID)}
			}
		}
	}

	return nil
}

// runtimeAllowed reports whether the worker's runtime mode can execute a
// task targeting targetRuntime. "universal" accepts any; a runtime-specific
// mode accepts only its own name.
func runtimeAllowed(workerRuntime preflight.RuntimeMode, targetRuntime taskcontract.Runtime) bool {
	if workerRuntime == preflight.RuntimeUniversal {
		return true
	}
	return string(workerRuntime) == string(targetRuntime)
}

func missingCapabilities(required, available []string) []string {
	have := make(map[string]bool, len(available))
	for _, c := range available {
		have[c] = true
	}
	var missing []string
	for _, c := range required {
		if !have[c] {
			missing = append(missing, c)
		}
	}
	return missing
}

func contains(haystack []string, needle string) bool {
	for _, h := range haystack {
		if h == needle {
			return true
		}
	}
	return false
}
