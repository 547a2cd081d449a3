package stage

import (
	"testing"

	"github.com/moonmindlabs/worker/pkg/taskcontract"
)

func TestDeriveSkillMetaContainerIsDirectOnly(t *testing.T) {
	view := taskcontract.View{Task: taskcontract.Task{Container: &taskcontract.Container{Enabled: true}}}
	meta := DeriveSkillMeta(view)
	if meta.ExecutionPath != ExecutionDirectOnly {
		t.Errorf("expected direct_only, got %s", meta.ExecutionPath)
	}
	if meta.SelectedSkill != "" || len(meta.UsedSkills) != 0 {
		t.Errorf("container path should not select a skill: %+v", meta)
	}
}

func TestDeriveSkillMetaNoSkillIsDirectOnly(t *testing.T) {
	view := taskcontract.View{Task: taskcontract.Task{Instructions: "do it"}}
	meta := DeriveSkillMeta(view)
	if meta.ExecutionPath != ExecutionDirectOnly {
		t.Errorf("expected direct_only, got %s", meta.ExecutionPath)
	}
}

func TestDeriveSkillMetaAutoIsDirectOnly(t *testing.T) {
	view := taskcontract.View{Task: taskcontract.Task{SkillID: "auto", Instructions: "do it"}}
	meta := DeriveSkillMeta(view)
	if meta.ExecutionPath != ExecutionDirectOnly {
		t.Errorf("expected direct_only for skill id 'auto', got %s", meta.ExecutionPath)
	}
}

func TestDeriveSkillMetaTopLevelSkillSelected(t *testing.T) {
	view := taskcontract.View{Task: taskcontract.Task{SkillID: "speckit"}}
	meta := DeriveSkillMeta(view)
	if meta.ExecutionPath != ExecutionSkill {
		t.Errorf("expected skill path, got %s", meta.ExecutionPath)
	}
	if meta.SelectedSkill != "speckit" {
		t.Errorf("expected speckit selected, got %s", meta.SelectedSkill)
	}
	if len(meta.UsedSkills) != 1 || meta.UsedSkills[0] != "speckit" {
		t.Errorf("unexpected used skills: %v", meta.UsedSkills)
	}
}

func TestDeriveSkillMetaCollectsAndDedupesStepSkills(t *testing.T) {
	view := taskcontract.View{Task: taskcontract.Task{
		SkillID: "speckit",
		Steps: []taskcontract.Step{
			{ID: "1", SkillID: "speckit"},
			{ID: "2", SkillID: "auto"},
			{ID: "3", SkillID: "other-skill"},
		},
	}}
	meta := DeriveSkillMeta(view)
	if meta.SelectedSkill != "speckit" {
		t.Errorf("expected first used skill selected, got %s", meta.SelectedSkill)
	}
	want := []string{"speckit", "other-skill"}
	if len(meta.UsedSkills) != len(want) {
		t.Fatalf("unexpected used skills: %v", meta.UsedSkills)
	}
	for i := range want {
		if meta.UsedSkills[i] != want[i] {
			t.Errorf("unexpected used skills: %v", meta.UsedSkills)
		}
	}
}

func TestDedupePreservesFirstOccurrenceOrder(t *testing.T) {
	got := dedupe([]string{"a", "b", "a", "c", "b"})
	want := []string{"a", "b", "c"}
	if len(got) != len(want) {
		t.Fatalf("unexpected dedupe result: %v", got)
	}
	for i := range want {
		if got[i] != want[i] {
			t.Errorf("unexpected element %d: got %q want %q", i, got[i], want[i])
		}
	}
}
