package runtimeadapter

import (
	"fmt"
	"os"
)

// Gemini CLI auth modes, resolved each call from
// MOONMIND_GEMINI_CLI_AUTH_MODE.
const (
	GeminiAuthAPIKey = "api_key"
	GeminiAuthOAuth  = "oauth"

	DefaultGeminiAuthMode = GeminiAuthAPIKey
)

// GeminiAdapter builds `gemini` command lines.
type GeminiAdapter struct {
	AuthMode   string
	GeminiHome string
}

func (a GeminiAdapter) Name() string { return "gemini" }

// BuildCommand returns: gemini --prompt <instruction> --output-format json
// [--model m] [--effort e].
func (a GeminiAdapter) BuildCommand(spec Spec) []string {
	cmd := []string{"gemini", "--prompt", spec.Instruction, "--output-format", "json"}
	if spec.Model != "" {
		cmd = append(cmd, "--model", spec.Model)
	}
	if spec.Effort != "" {
		cmd = append(cmd, "--effort", spec.Effort)
	}
	return cmd
}

// EnvAdjuster is implemented by adapters that need to mutate the command
// environment beyond the shared repo/publish env (Gemini's auth mode
// switches between an injected API key and a writable GEMINI_HOME with the
// key variables stripped).
type EnvAdjuster interface {
	AdjustEnv(env map[string]string, apiKey string) (map[string]string, error)
}

// AdjustEnv applies the resolved auth mode: api_key injects GEMINI_API_KEY;
// oauth requires GeminiHome to be a writable directory and strips
// GEMINI_API_KEY/GOOGLE_API_KEY from the child environment.
func (a GeminiAdapter) AdjustEnv(env map[string]string, apiKey string) (map[string]string, error) {
	mode := a.AuthMode
	if mode == "" {
		mode = DefaultGeminiAuthMode
	}

	out := make(map[string]string, len(env)+2)
	for k, v := range env {
		out[k] = v
	}

	switch mode {
	case GeminiAuthOAuth:
		if a.GeminiHome == "" {
			return nil, fmt.Errorf("runtimeadapter: GEMINI_HOME must be set for oauth auth mode")
		}
		if err := os.MkdirAll(a.GeminiHome, 0o755); err != nil {
			return nil, fmt.Errorf("runtimeadapter: GEMINI_HOME %s is not writable: %w", a.GeminiHome, err)
		}
		delete(out, "GEMINI_API_KEY")
		delete(out, "GOOGLE_API_KEY")
		out["GEMINI_HOME"] = a.GeminiHome
	case GeminiAuthAPIKey:
		if apiKey != "" {
			out["GEMINI_API_KEY"] = apiKey
		}
	default:
		return nil, fmt.Errorf("runtimeadapter: unsupported gemini auth mode %q", mode)
	}

	return out, nil
}
