package runtimeadapter

// ClaudeAdapter builds `claude --print` command lines.
type ClaudeAdapter struct{}

func (a ClaudeAdapter) Name() string { return "claude" }

// BuildCommand returns: claude --print <instruction> [--model m] [--effort e].
func (a ClaudeAdapter) BuildCommand(spec Spec) []string {
	cmd := []string{"claude", "--print", spec.Instruction}
	if spec.Model != "" {
		cmd = append(cmd, "--model", spec.Model)
	}
	if spec.Effort != "" {
		cmd = append(cmd, "--effort", spec.Effort)
	}
	return cmd
}
