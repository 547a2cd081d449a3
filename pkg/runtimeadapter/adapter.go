// Package runtimeadapter builds the command line for each supported agent
// CLI (Codex, Gemini, Claude) or a generic containerized workload, resolving
// per-step/per-task/worker-default model and effort overrides.
package runtimeadapter

import "strings"

// Spec carries the resolved inputs needed to build one runtime invocation.
// Model/Effort follow the precedence in spec.md §4.9: per-step override >
// per-task override > worker default > unset.
type Spec struct {
	Instruction string
	Model       string
	Effort      string
}

// Resolve applies the per-step > per-task > worker-default precedence chain,
// returning the first non-empty value at each tier.
func Resolve(step, task, workerDefault string) string {
	if step != "" {
		return step
	}
	if task != "" {
		return task
	}
	return workerDefault
}

// Adapter builds a command line for one agent runtime.
type Adapter interface {
	// BuildCommand returns the argv for invoking the runtime CLI.
	BuildCommand(spec Spec) []string

	// Name identifies the runtime for logging/metrics labels.
	Name() string
}

// codexModelAliases normalizes documented Codex model aliases before command
// assembly, per spec.md §4.9.
var codexModelAliases = map[string]string{
	"gpt-5.3-codex-spark": "gpt-5-codex",
}

// codexEffortAliases normalizes documented Codex effort aliases.
var codexEffortAliases = map[string]string{
	"xhigh": "high",
}

func normalizeAlias(value string, aliases map[string]string) string {
	if alias, ok := aliases[strings.ToLower(value)]; ok {
		return alias
	}
	return value
}

// For builds the Adapter for the given runtime name, or nil if unsupported.
func For(name string, opts Options) Adapter {
	switch name {
	case "codex":
		return CodexAdapter{SandboxMode: opts.CodexSandboxMode}
	case "gemini":
		return GeminiAdapter{AuthMode: opts.GeminiAuthMode, GeminiHome: opts.GeminiHome}
	case "claude":
		return ClaudeAdapter{}
	default:
		return nil
	}
}

// Options carries the worker-level configuration an adapter needs beyond a
// single Spec, kept separate from Spec because it is resolved once per
// worker process rather than once per invocation.
type Options struct {
	CodexSandboxMode string
	GeminiAuthMode   string
	GeminiHome       string
}
