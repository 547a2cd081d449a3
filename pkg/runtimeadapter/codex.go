package runtimeadapter

// CodexSandboxReadOnly, CodexSandboxWorkspaceWrite, and
// CodexSandboxDangerFullAccess are the three sandbox modes codex exec
// accepts via --sandbox.
const (
	CodexSandboxReadOnly          = "read-only"
	CodexSandboxWorkspaceWrite    = "workspace-write"
	CodexSandboxDangerFullAccess  = "danger-full-access"
	DefaultCodexSandboxMode       = CodexSandboxWorkspaceWrite
)

// CodexAdapter builds `codex exec` command lines.
type CodexAdapter struct {
	SandboxMode string
}

func (a CodexAdapter) Name() string { return "codex" }

// BuildCommand returns: codex exec --sandbox <mode> [--model m]
// [--config model_reasoning_effort="e"] <instruction>.
func (a CodexAdapter) BuildCommand(spec Spec) []string {
	sandbox := a.SandboxMode
	if sandbox == "" {
		sandbox = DefaultCodexSandboxMode
	}

	cmd := []string{"codex", "exec", "--sandbox", sandbox}

	if spec.Model != "" {
		cmd = append(cmd, "--model", normalizeAlias(spec.Model, codexModelAliases))
	}
	if spec.Effort != "" {
		effort := normalizeAlias(spec.Effort, codexEffortAliases)
		cmd = append(cmd, "--config", `model_reasoning_effort="`+effort+`"`)
	}

	cmd = append(cmd, spec.Instruction)
	return cmd
}
