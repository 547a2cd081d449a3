package stage

import "github.com/moonmindlabs/worker/pkg/taskcontract"

// Execution path values describing how a task's instruction was ultimately
// carried out.
const (
	ExecutionDirectOnly     = "direct_only"
	ExecutionSkill          = "skill"
	ExecutionDirectFallback = "direct_fallback"
)

// SkillMeta is the derived skill-selection summary attached to the
// worker-claimed-job log line and to task_context.json.
type SkillMeta struct {
	SelectedSkill string
	ExecutionPath string
	UsedSkills    []string
	UsedFallback  bool
}

// DeriveSkillMeta inspects a normalized view's top-level and per-step skill
// selections. A task.container job never selects skills. "auto" or an
// absent skill id means direct execution; anything else names a skill to
// materialize.
func DeriveSkillMeta(view taskcontract.View) SkillMeta {
	if view.Task.Container != nil {
		return SkillMeta{ExecutionPath: ExecutionDirectOnly}
	}

	var used []string
	if id := view.Task.SkillID; id != "" && id != "auto" {
		used = append(used, id)
	}
	for _, step := range view.Task.Steps {
		if step.SkillID != "" && step.SkillID != "auto" {
			used = append(used, step.SkillID)
		}
	}
	if len(used) == 0 {
		return SkillMeta{ExecutionPath: ExecutionDirectOnly}
	}
	return SkillMeta{
		SelectedSkill: used[0],
		ExecutionPath: ExecutionSkill,
		UsedSkills:    dedupe(used),
	}
}

func dedupe(values []string) []string {
	seen := make(map[string]bool, len(values))
	out := make([]string, 0, len(values))
	for _, v := range values {
		if seen[v] {
			continue
		}
		seen[v] = true
		out = append(out, v)
	}
	return out
}
