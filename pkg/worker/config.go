package worker

import (
	"fmt"
	"os"
	"strconv"
	"strings"
	"time"

	"github.com/moonmindlabs/worker/pkg/preflight"
	"github.com/moonmindlabs/worker/pkg/runtimeadapter"
	"gopkg.in/yaml.v3"
)

// Config is the fully-resolved worker configuration, loaded once at startup
// from the MOONMIND_* (and a few unprefixed, e.g. GITHUB_TOKEN) environment
// variables. The STEP_*/JOB_* self-heal settings are not part of it: New
// loads those separately via selfheal.LoadConfigFromEnviron.
type Config struct {
	URL          string
	WorkerID     string
	WorkerToken  string
	PollInterval time.Duration
	LeaseSeconds int
	Workdir      string

	Runtime              preflight.RuntimeMode
	Capabilities         []string
	EnableLegacyJobTypes bool

	AllowedSkills   []string
	DefaultSkill    string
	SkillPolicyMode string

	CodexModel, CodexEffort   string
	GeminiModel, GeminiEffort string
	ClaudeModel, ClaudeEffort string
	CodexSandboxMode          string

	VaultAddr            string
	VaultToken           string
	VaultTokenFile       string
	VaultNamespace       string
	VaultAllowedMounts   []string
	VaultTimeoutSeconds  int

	DockerBinary                   string
	ContainerWorkspaceVolume       string
	ContainerTimeoutSeconds        int

	GitUserName  string
	GitUserEmail string

	GeminiCLIAuthMode string
	GeminiHome        string

	GithubToken string

	DefaultEmbeddingProvider string
	GoogleAPIKey             string
	GeminiAPIKey             string
	RAGGatewayURL            string
	QdrantAddr               string

	SkillsSourceDir string
}

// ModelEffortFor returns the worker-default model/effort pair for a given
// target runtime, per the MOONMIND_<RUNTIME>_MODEL|EFFORT variables.
func (c Config) ModelEffortFor(runtime string) (model, effort string) {
	switch runtime {
	case "codex":
		return c.CodexModel, c.CodexEffort
	case "gemini":
		return c.GeminiModel, c.GeminiEffort
	case "claude":
		return c.ClaudeModel, c.ClaudeEffort
	default:
		return "", ""
	}
}

// LoadConfig reads configuration from getenv (os.Getenv in production, a
// stub map lookup in tests).
func LoadConfig(getenv func(string) string) (Config, error) {
	cfg := Config{}

	cfg.URL = getenv("MOONMIND_URL")
	if cfg.URL == "" {
		return Config{}, fmt.Errorf("worker: MOONMIND_URL is required")
	}

	cfg.WorkerID = getenv("MOONMIND_WORKER_ID")
	if cfg.WorkerID == "" {
		host, err := os.Hostname()
		if err != nil {
			host = "moonmind-worker"
		}
		cfg.WorkerID = host
	}
	cfg.WorkerToken = getenv("MOONMIND_WORKER_TOKEN")

	pollMs, err := positiveIntOrDefault(getenv, "MOONMIND_POLL_INTERVAL_MS", 1500)
	if err != nil {
		return Config{}, err
	}
	cfg.PollInterval = time.Duration(pollMs) * time.Millisecond

	cfg.LeaseSeconds, err = positiveIntOrDefault(getenv, "MOONMIND_LEASE_SECONDS", 120)
	if err != nil {
		return Config{}, err
	}

	cfg.Workdir = getenv("MOONMIND_WORKDIR")
	if cfg.Workdir == "" {
		cfg.Workdir = "var/worker"
	}

	runtimeRaw := getenv("MOONMIND_WORKER_RUNTIME")
	if runtimeRaw == "" {
		runtimeRaw = "codex"
	}
	cfg.Runtime = preflight.RuntimeMode(runtimeRaw)
	switch cfg.Runtime {
	case preflight.RuntimeCodex, preflight.RuntimeGemini, preflight.RuntimeClaude, preflight.RuntimeUniversal:
	default:
		return Config{}, fmt.Errorf("worker: unsupported MOONMIND_WORKER_RUNTIME %q", runtimeRaw)
	}

	if caps := getenv("MOONMIND_WORKER_CAPABILITIES"); caps != "" {
		cfg.Capabilities = splitCSV(caps)
	} else {
		cfg.Capabilities = derivedCapabilities(cfg.Runtime)
	}

	cfg.EnableLegacyJobTypes, err = boolOrDefault(getenv, "MOONMIND_ENABLE_LEGACY_JOB_TYPES", true)
	if err != nil {
		return Config{}, err
	}

	cfg.AllowedSkills = splitCSV(getenv("MOONMIND_ALLOWED_SKILLS"))
	cfg.DefaultSkill = getenv("MOONMIND_DEFAULT_SKILL")
	if cfg.DefaultSkill == "" {
		cfg.DefaultSkill = "speckit"
	}
	cfg.SkillPolicyMode = getenv("MOONMIND_SKILL_POLICY_MODE")
	if cfg.SkillPolicyMode == "" {
		cfg.SkillPolicyMode = "allowlist"
	}
	if cfg.SkillPolicyMode != "allowlist" && cfg.SkillPolicyMode != "permissive" {
		return Config{}, fmt.Errorf("worker: invalid MOONMIND_SKILL_POLICY_MODE %q", cfg.SkillPolicyMode)
	}

	cfg.CodexModel = getenv("MOONMIND_CODEX_MODEL")
	cfg.CodexEffort = getenv("MOONMIND_CODEX_EFFORT")
	cfg.GeminiModel = getenv("MOONMIND_GEMINI_MODEL")
	cfg.GeminiEffort = getenv("MOONMIND_GEMINI_EFFORT")
	cfg.ClaudeModel = getenv("MOONMIND_CLAUDE_MODEL")
	cfg.ClaudeEffort = getenv("MOONMIND_CLAUDE_EFFORT")

	cfg.CodexSandboxMode = getenv("MOONMIND_CODEX_SANDBOX_MODE")
	if cfg.CodexSandboxMode == "" {
		cfg.CodexSandboxMode = runtimeadapter.DefaultCodexSandboxMode
	}

	cfg.VaultAddr = getenv("MOONMIND_VAULT_ADDR")
	cfg.VaultToken = getenv("MOONMIND_VAULT_TOKEN")
	cfg.VaultTokenFile = getenv("MOONMIND_VAULT_TOKEN_FILE")
	cfg.VaultNamespace = getenv("MOONMIND_VAULT_NAMESPACE")
	cfg.VaultAllowedMounts = splitCSV(getenv("MOONMIND_VAULT_ALLOWED_MOUNTS"))
	cfg.VaultTimeoutSeconds, err = positiveIntOrDefault(getenv, "MOONMIND_VAULT_TIMEOUT_SECONDS", 10)
	if err != nil {
		return Config{}, err
	}

	cfg.DockerBinary = getenv("MOONMIND_DOCKER_BINARY")
	if cfg.DockerBinary == "" {
		cfg.DockerBinary = "docker"
	}
	cfg.ContainerWorkspaceVolume = getenv("MOONMIND_CONTAINER_WORKSPACE_VOLUME")
	cfg.ContainerTimeoutSeconds, err = positiveIntOrDefault(getenv, "MOONMIND_CONTAINER_TIMEOUT_SECONDS", 3600)
	if err != nil {
		return Config{}, err
	}

	cfg.GitUserName = getenv("MOONMIND_GIT_USER_NAME")
	cfg.GitUserEmail = getenv("MOONMIND_GIT_USER_EMAIL")

	cfg.GeminiCLIAuthMode = getenv("MOONMIND_GEMINI_CLI_AUTH_MODE")
	if cfg.GeminiCLIAuthMode == "" {
		cfg.GeminiCLIAuthMode = runtimeadapter.DefaultGeminiAuthMode
	}
	cfg.GeminiHome = getenv("GEMINI_HOME")

	cfg.GithubToken = getenv("GITHUB_TOKEN")

	cfg.DefaultEmbeddingProvider = getenv("DEFAULT_EMBEDDING_PROVIDER")
	cfg.GoogleAPIKey = getenv("GOOGLE_API_KEY")
	cfg.GeminiAPIKey = getenv("GEMINI_API_KEY")
	cfg.RAGGatewayURL = getenv("MOONMIND_RAG_GATEWAY_URL")
	cfg.QdrantAddr = getenv("MOONMIND_QDRANT_ADDR")

	cfg.SkillsSourceDir = getenv("MOONMIND_SKILLS_SOURCE_DIR")

	return cfg, nil
}

// LoadConfigFromEnviron is a convenience wrapper over LoadConfig using
// os.Getenv.
func LoadConfigFromEnviron() (Config, error) {
	return LoadConfig(os.Getenv)
}

// LoadConfigFromFile loads worker configuration from a YAML file of
// key/value pairs with the same names LoadConfig reads via getenv, for
// operators who prefer a file over a long environment variable list. Real
// process environment variables still win: a key set in both the file and
// the environment resolves to the environment's value. STEP_*/JOB_*
// self-heal keys in the file have no effect; those are read from the
// process environment only.
func LoadConfigFromFile(path string) (Config, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return Config{}, fmt.Errorf("worker: read config file: %w", err)
	}

	var fileValues map[string]string
	if err := yaml.Unmarshal(data, &fileValues); err != nil {
		return Config{}, fmt.Errorf("worker: parse config file %s: %w", path, err)
	}

	return LoadConfig(func(key string) string {
		if v := os.Getenv(key); v != "" {
			return v
		}
		return fileValues[key]
	})
}

// PreflightConfig projects the worker Config fields preflight.Run needs.
func (c Config) PreflightConfig() preflight.Config {
	return preflight.Config{
		Runtime:           c.Runtime,
		SkillsRequested:   requiresSpeckit(c),
		GithubToken:       c.GithubToken,
		EmbeddingProvider: c.DefaultEmbeddingProvider,
		GoogleAPIKey:      c.GoogleAPIKey,
		GeminiAPIKey:      c.GeminiAPIKey,
		RAGGatewayURL:     c.RAGGatewayURL,
		QdrantAddr:        c.QdrantAddr,
	}
}

func requiresSpeckit(c Config) bool {
	if c.DefaultSkill == "speckit" {
		return true
	}
	for _, s := range c.AllowedSkills {
		if s == "speckit" {
			return true
		}
	}
	return false
}

func derivedCapabilities(runtime preflight.RuntimeMode) []string {
	switch runtime {
	case preflight.RuntimeCodex:
		return []string{"codex"}
	case preflight.RuntimeGemini:
		return []string{"gemini"}
	case preflight.RuntimeClaude:
		return []string{"claude"}
	case preflight.RuntimeUniversal:
		return []string{"codex", "gemini", "claude"}
	default:
		return nil
	}
}

func splitCSV(s string) []string {
	if s == "" {
		return nil
	}
	var out []string
	for _, part := range strings.Split(s, ",") {
		if trimmed := strings.TrimSpace(part); trimmed != "" {
			out = append(out, trimmed)
		}
	}
	return out
}

func positiveIntOrDefault(getenv func(string) string, key string, fallback int) (int, error) {
	raw := getenv(key)
	if raw == "" {
		return fallback, nil
	}
	v, err := strconv.Atoi(raw)
	if err != nil || v <= 0 {
		return 0, fmt.Errorf("worker: %s must be a positive integer, got %q", key, raw)
	}
	return v, nil
}

func boolOrDefault(getenv func(string) string, key string, fallback bool) (bool, error) {
	raw := getenv(key)
	if raw == "" {
		return fallback, nil
	}
	v, err := strconv.ParseBool(raw)
	if err != nil {
		return false, fmt.Errorf("worker: %s must be a boolean, got %q", key, raw)
	}
	return v, nil
}
