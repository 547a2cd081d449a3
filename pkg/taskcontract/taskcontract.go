// Package taskcontract validates and canonicalizes incoming job payloads
// (legacy codex_exec/codex_skill and canonical "task" job types) into a
// single shape, and derives the stage plan for the stage executor.
package taskcontract

import (
	"fmt"
	"regexp"
)

// Legacy job type names accepted when MOONMIND_ENABLE_LEGACY_JOB_TYPES=true.
const (
	CanonicalTaskJobType = "task"
	LegacyCodexExecType  = "codex_exec"
	LegacyCodexSkillType = "codex_skill"
)

var legacyJobTypes = map[string]bool{
	LegacyCodexExecType:  true,
	LegacyCodexSkillType: true,
}

// IsLegacyJobType reports whether jobType is one of the accepted legacy
// type names.
func IsLegacyJobType(jobType string) bool {
	return legacyJobTypes[jobType]
}

// IsSupportedJobType reports whether jobType is the canonical type or a
// known legacy type.
func IsSupportedJobType(jobType string) bool {
	return jobType == CanonicalTaskJobType || IsLegacyJobType(jobType)
}

// PublishMode enumerates the valid publish modes.
type PublishMode string

const (
	PublishNone   PublishMode = "none"
	PublishBranch PublishMode = "branch"
	PublishPR     PublishMode = "pr"
)

var validPublishModes = map[PublishMode]bool{PublishNone: true, PublishBranch: true, PublishPR: true}

// Runtime enumerates the supported agent runtimes.
type Runtime string

const (
	RuntimeCodex  Runtime = "codex"
	RuntimeGemini Runtime = "gemini"
	RuntimeClaude Runtime = "claude"
)

var validRuntimes = map[Runtime]bool{RuntimeCodex: true, RuntimeGemini: true, RuntimeClaude: true}

// WorkdirMode mirrors pkg/workspace.WorkdirMode without importing it, to
// keep this package free of a dependency on the workspace layer.
type WorkdirMode string

const (
	WorkdirFreshClone WorkdirMode = "fresh_clone"
	WorkdirReuse      WorkdirMode = "reuse"
)

var validWorkdirModes = map[WorkdirMode]bool{WorkdirFreshClone: true, WorkdirReuse: true}

// Error reports an invalid or unsupported job payload. Always terminal with
// retryable=false.
type Error struct {
	Message string
}

func (e *Error) Error() string { return e.Message }

func contractErr(format string, args ...any) error {
	return &Error{Message: fmt.Sprintf(format, args...)}
}

// Step is a single ordered step in a multi-step task.
type Step struct {
	ID      string
	SkillID string
	Args    map[string]any
	Model   string
	Effort  string
}

// Git carries branch hints for the workspace manager.
type Git struct {
	StartingBranch string
	NewBranch      string
}

// Publish carries publish-stage configuration.
type Publish struct {
	Mode          PublishMode
	PRBaseBranch  string
	PRTitle       string
	PRBody        string
	CommitMessage string
}

// Container carries container-mode execution configuration.
type Container struct {
	Enabled     bool
	Image       string
	Command     []string
	Pull        string // "always" | "" (inspect-miss)
	CacheVolumes []string
	CPULimit    string
	MemoryLimit string
	Env         map[string]string
	TimeoutSeconds int
}

// Auth carries optional vault references for repo/publish credentials.
type Auth struct {
	RepoAuthRef    string
	PublishAuthRef string
}

// Task is the inner "task" object of the canonical view.
type Task struct {
	Instructions string
	SkillID      string
	SkillArgs    map[string]any
	Model        string
	Effort       string
	Git          Git
	Publish      Publish
	Container    *Container
	Steps        []Step
}

// View is the canonical, normalized task view produced from any accepted
// payload shape.
type View struct {
	Repository           string
	TargetRuntime         Runtime
	RequiredCapabilities  []string
	Auth                  Auth
	Task                  Task
	WorkdirMode           WorkdirMode
	AffinityKey           string
}

var affinityKeyPattern = regexp.MustCompile(`^[A-Za-z0-9._:-]{1,128}$`)

// Normalize validates and canonicalizes raw, a loosely-typed decoded JSON
// payload for a job of the given jobType. It is a pure function, and a
// payload rebuilt from an accepted View's own fields normalizes back to the
// same canonical values (see TestNormalizeIsIdempotent).
func Normalize(jobType string, raw map[string]any) (View, error) {
	if !IsSupportedJobType(jobType) {
		return View{}, contractErr("unsupported job type: %s", jobType)
	}

	repository, _ := raw["repository"].(string)
	if repository == "" {
		return View{}, contractErr("missing repository")
	}

	targetRuntimeRaw, _ := raw["targetRuntime"].(string)
	if targetRuntimeRaw == "" {
		targetRuntimeRaw = string(RuntimeCodex)
	}
	targetRuntime := Runtime(targetRuntimeRaw)
	if !validRuntimes[targetRuntime] {
		return View{}, contractErr("unsupported target runtime: %s", targetRuntimeRaw)
	}

	capsRaw, _ := raw["requiredCapabilities"].([]any)
	var capabilities []string
	for _, c := range capsRaw {
		if s, ok := c.(string); ok && s != "" {
			capabilities = append(capabilities, s)
		}
	}
	if len(capabilities) == 0 {
		return View{}, contractErr("requiredCapabilities must be non-empty")
	}

	workdirModeRaw, _ := raw["workdirMode"].(string)
	if workdirModeRaw == "" {
		workdirModeRaw = string(WorkdirFreshClone)
	}
	workdirMode := WorkdirMode(workdirModeRaw)
	if !validWorkdirModes[workdirMode] {
		return View{}, contractErr("invalid workdirMode: %s", workdirModeRaw)
	}

	affinityKey, _ := raw["affinityKey"].(string)
	if affinityKey != "" && !affinityKeyPattern.MatchString(affinityKey) {
		return View{}, contractErr("invalid affinityKey")
	}

	authRaw, _ := raw["auth"].(map[string]any)
	auth := Auth{}
	if authRaw != nil {
		auth.RepoAuthRef, _ = authRaw["repoAuthRef"].(string)
		auth.PublishAuthRef, _ = authRaw["publishAuthRef"].(string)
	}

	task, err := normalizeTask(raw)
	if err != nil {
		return View{}, err
	}

	return View{
		Repository:           repository,
		TargetRuntime:         targetRuntime,
		RequiredCapabilities:  capabilities,
		Auth:                  auth,
		Task:                  task,
		WorkdirMode:           workdirMode,
		AffinityKey:           affinityKey,
	}, nil
}

func normalizeTask(raw map[string]any) (Task, error) {
	taskRaw, _ := raw["task"].(map[string]any)
	if taskRaw == nil {
		taskRaw = map[string]any{}
	}

	containerRaw, hasContainer := taskRaw["container"].(map[string]any)
	stepsRaw, hasSteps := taskRaw["steps"].([]any)
	if hasContainer && hasSteps && len(stepsRaw) > 0 {
		return Task{}, contractErr("task.container and task.steps are mutually exclusive")
	}

	instructions, _ := taskRaw["instructions"].(string)

	var container *Container
	if hasContainer {
		c, err := normalizeContainer(containerRaw)
		if err != nil {
			return Task{}, err
		}
		container = &c
	}

	if instructions == "" && container == nil {
		return Task{}, contractErr("task.instructions must be non-empty unless a container command is provided")
	}

	var steps []Step
	seenStepIDs := map[string]bool{}
	for _, s := range stepsRaw {
		stepRaw, _ := s.(map[string]any)
		id, _ := stepRaw["id"].(string)
		if id == "" {
			return Task{}, contractErr("every step must have a non-empty id")
		}
		if seenStepIDs[id] {
			return Task{}, contractErr("duplicate step id: %s", id)
		}
		seenStepIDs[id] = true
		skillID, _ := stepRaw["skillId"].(string)
		model, _ := stepRaw["model"].(string)
		effort, _ := stepRaw["effort"].(string)
		args, _ := stepRaw["args"].(map[string]any)
		steps = append(steps, Step{ID: id, SkillID: skillID, Args: args, Model: model, Effort: effort})
	}

	skillRaw, _ := taskRaw["skill"].(map[string]any)
	skillID, _ := skillRaw["id"].(string)
	skillArgs, _ := skillRaw["args"].(map[string]any)

	runtimeRaw, _ := taskRaw["runtime"].(map[string]any)
	model, _ := runtimeRaw["model"].(string)
	effort, _ := runtimeRaw["effort"].(string)

	gitRaw, _ := taskRaw["git"].(map[string]any)
	startingBranch, _ := gitRaw["startingBranch"].(string)
	newBranch, _ := gitRaw["newBranch"].(string)

	publish, err := normalizePublish(taskRaw)
	if err != nil {
		return Task{}, err
	}

	return Task{
		Instructions: instructions,
		SkillID:      skillID,
		SkillArgs:    skillArgs,
		Model:        model,
		Effort:       effort,
		Git:          Git{StartingBranch: startingBranch, NewBranch: newBranch},
		Publish:      publish,
		Container:    container,
		Steps:        steps,
	}, nil
}

func normalizePublish(taskRaw map[string]any) (Publish, error) {
	publishRaw, _ := taskRaw["publish"].(map[string]any)
	modeRaw, _ := publishRaw["mode"].(string)
	if modeRaw == "" {
		modeRaw = string(PublishNone)
	}
	mode := PublishMode(modeRaw)
	if !validPublishModes[mode] {
		return Publish{}, contractErr("invalid publish.mode: %s", modeRaw)
	}
	prBase, _ := publishRaw["prBaseBranch"].(string)
	prTitle, _ := publishRaw["prTitle"].(string)
	prBody, _ := publishRaw["prBody"].(string)
	commitMessage, _ := publishRaw["commitMessage"].(string)
	return Publish{
		Mode:          mode,
		PRBaseBranch:  prBase,
		PRTitle:       prTitle,
		PRBody:        prBody,
		CommitMessage: commitMessage,
	}, nil
}

func normalizeContainer(raw map[string]any) (Container, error) {
	enabled, _ := raw["enabled"].(bool)
	var command []string
	if cmdRaw, ok := raw["command"].([]any); ok {
		for _, c := range cmdRaw {
			if s, ok := c.(string); ok {
				command = append(command, s)
			}
		}
	}
	if enabled && len(command) == 0 {
		return Container{}, contractErr("container.command must be non-empty when container enabled")
	}
	image, _ := raw["image"].(string)
	pull, _ := raw["pull"].(string)
	cpu, _ := raw["cpuLimit"].(string)
	mem, _ := raw["memoryLimit"].(string)
	timeoutSeconds := 0
	if t, ok := raw["timeoutSeconds"].(float64); ok {
		timeoutSeconds = int(t)
	}
	var cacheVolumes []string
	if cv, ok := raw["cacheVolumes"].([]any); ok {
		for _, v := range cv {
			if s, ok := v.(string); ok {
				cacheVolumes = append(cacheVolumes, s)
			}
		}
	}
	env := map[string]string{}
	if envRaw, ok := raw["env"].(map[string]any); ok {
		for k, v := range envRaw {
			if s, ok := v.(string); ok {
				env[k] = s
			}
		}
	}
	return Container{
		Enabled:        enabled,
		Image:          image,
		Command:        command,
		Pull:           pull,
		CacheVolumes:   cacheVolumes,
		CPULimit:       cpu,
		MemoryLimit:    mem,
		Env:            env,
		TimeoutSeconds: timeoutSeconds,
	}, nil
}

// StagePlan is the ordered list of stages the executor runs for a view.
// Always [prepare, execute, publish]; publish is retained even when
// publish.mode=none, marked as a no-op by the executor itself.
func StagePlan(view View) []string {
	return []string{"prepare", "execute", "publish"}
}

// PublishIsNoop reports whether the publish stage should act as a no-op for
// this view.
func PublishIsNoop(view View) bool {
	return view.Task.Publish.Mode == PublishNone
}
