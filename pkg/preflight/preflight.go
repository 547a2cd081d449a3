// Package preflight runs the blocking startup checks a worker must pass
// before it is allowed to claim its first job: CLI availability, CLI auth,
// embedding profile sanity, and optional RAG dependency health.
package preflight

import (
	"context"
	"time"
)

// RuntimeMode mirrors MOONMIND_WORKER_RUNTIME. "universal" requires every
// CLI-backed runtime rather than just one.
type RuntimeMode string

const (
	RuntimeCodex     RuntimeMode = "codex"
	RuntimeGemini    RuntimeMode = "gemini"
	RuntimeClaude    RuntimeMode = "claude"
	RuntimeUniversal RuntimeMode = "universal"
)

// Config carries every input a preflight check needs. The worker loop builds
// this once from its resolved environment before calling Run.
type Config struct {
	Runtime         RuntimeMode
	SkillsRequested bool // true when any configured skill needs speckit

	GithubToken string

	EmbeddingProvider string // DEFAULT_EMBEDDING_PROVIDER
	GoogleAPIKey      string
	GeminiAPIKey      string

	RAGGatewayURL string // empty disables the check
	QdrantAddr    string // host:port, empty disables the check

	CommandTimeout time.Duration // default 10s when zero
}

// Check is the outcome of a single preflight probe.
type Check struct {
	Name     string
	OK       bool
	Message  string
	Fatal    bool // a failing fatal check fails the whole report
	Duration time.Duration
}

// Report is the full preflight result. The worker CLI exits 1 when !OK().
type Report struct {
	Checks []Check
}

// OK reports whether every fatal check passed. Non-fatal checks (e.g. an
// optional RAG dependency being unreachable) are surfaced but don't block.
func (r Report) OK() bool {
	for _, c := range r.Checks {
		if c.Fatal && !c.OK {
			return false
		}
	}
	return true
}

// Failures returns the subset of checks that did not pass, fatal or not.
func (r Report) Failures() []Check {
	var out []Check
	for _, c := range r.Checks {
		if !c.OK {
			out = append(out, c)
		}
	}
	return out
}

func (r *Report) add(c Check) {
	r.Checks = append(r.Checks, c)
}

func timed(name string, fatal bool, fn func() (bool, string)) Check {
	start := time.Now()
	ok, msg := fn()
	return Check{Name: name, OK: ok, Message: msg, Fatal: fatal, Duration: time.Since(start)}
}

// Run executes every applicable check for cfg and returns the aggregate
// report. It never returns an error itself; individual probe failures are
// recorded as failing Checks instead, so the caller always gets a full
// picture rather than aborting at the first problem.
func Run(ctx context.Context, cfg Config) Report {
	if cfg.CommandTimeout <= 0 {
		cfg.CommandTimeout = 10 * time.Second
	}

	var report Report

	for _, name := range requiredCLIs(cfg) {
		name := name
		report.add(timed("cli:"+name, true, func() (bool, string) {
			return checkExecutable(name)
		}))
	}

	if cfg.Runtime == RuntimeCodex || cfg.Runtime == RuntimeUniversal {
		report.add(timed("auth:codex", true, func() (bool, string) {
			return checkCodexLogin(ctx, cfg.CommandTimeout)
		}))
	}
	if cfg.Runtime == RuntimeClaude || cfg.Runtime == RuntimeUniversal {
		report.add(timed("auth:claude", true, func() (bool, string) {
			return checkClaudeAuth(ctx, cfg.CommandTimeout)
		}))
	}

	report.add(timed("embedding-profile", true, func() (bool, string) {
		return checkEmbeddingProfile(cfg)
	}))

	if cfg.RAGGatewayURL != "" {
		report.add(timed("rag-gateway", false, func() (bool, string) {
			return checkRAGGateway(ctx, cfg.RAGGatewayURL, cfg.CommandTimeout)
		}))
	}
	if cfg.QdrantAddr != "" {
		report.add(timed("qdrant", false, func() (bool, string) {
			return checkQdrant(ctx, cfg.QdrantAddr, cfg.CommandTimeout)
		}))
	}

	if cfg.GithubToken != "" {
		report.add(timed("gh-auth-setup", true, func() (bool, string) {
			return setupGithubAuth(ctx, cfg.GithubToken, cfg.CommandTimeout)
		}))
	}

	return report
}

// requiredCLIs lists the executables this config needs on PATH, in a fixed
// order so reports are stable and readable.
func requiredCLIs(cfg Config) []string {
	var names []string
	switch cfg.Runtime {
	case RuntimeCodex:
		names = append(names, "codex")
	case RuntimeGemini:
		names = append(names, "gemini")
	case RuntimeClaude:
		names = append(names, "claude")
	case RuntimeUniversal:
		names = append(names, "codex", "gemini", "claude")
	}
	if cfg.SkillsRequested {
		names = append(names, "speckit")
	}
	if cfg.GithubToken != "" {
		names = append(names, "gh")
	}
	return names
}
