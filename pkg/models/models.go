package models

import "time"

type Variable map[string]any

// Condition guards whether a step executes once an earlier step has failed.
type Condition string

const (
	// ConditionOnSuccess runs the step only if no previous step failed.
	// Steps without an explicit condition behave this way.
	ConditionOnSuccess Condition = "on-success"
	// ConditionAlways runs the step even after a failure, for cleanup-style
	// steps. The aggregate run status still reflects the earlier failure.
	ConditionAlways Condition = "always"
)

// Workflow is the root of the workflow file. A single file can define several
// independent pipelines, each with its own trigger.
type Workflow struct {
	Pipelines []Pipeline `yaml:"pipelines" validate:"required,min=1,dive"`
}

// Pipeline is a named, triggerable ordered sequence of steps.
type Pipeline struct {
	Name    string  `yaml:"name" validate:"required"`
	On      Trigger `yaml:"on"`
	Workdir string  `yaml:"workdir"`
	Steps   []Step  `yaml:"steps" validate:"required,min=1,dive"`
}

// Trigger describes the events that start a pipeline. A pipeline with no push
// filter fires for every push.
type Trigger struct {
	Push *PushFilter `yaml:"push"`
}

// PushFilter restricts a push trigger to a set of branch patterns. An empty
// list matches every branch.
type PushFilter struct {
	Branches []string `yaml:"branches"`
}

// Step is one external action invocation within a pipeline. Steps with an
// image run inside a container; steps without one run in a host shell.
type Step struct {
	Name       string     `yaml:"name" validate:"required"`
	Image      string     `yaml:"image"`
	Src        string     `yaml:"src"`
	Run        []string   `yaml:"run"`
	Entrypoint []string   `yaml:"entrypoint"`
	Variables  []Variable `yaml:"variables"`
	Secrets    []string   `yaml:"secrets"`
	Artifacts  []string   `yaml:"artifacts"`
	When       Condition  `yaml:"when" validate:"omitempty,oneof=on-success always"`
}

type RunStatus string

const (
	StatusPending   RunStatus = "pending"
	StatusRunning   RunStatus = "running"
	StatusSucceeded RunStatus = "succeeded"
	StatusFailed    RunStatus = "failed"
	// StatusSkipped is step-level only: the step's guard was unmet. A skipped
	// step is not a failure.
	StatusSkipped RunStatus = "skipped"
)

// StepResult is the recorded outcome of a single step within a run.
type StepResult struct {
	Name       string
	Status     RunStatus
	Error      string
	StartedAt  time.Time
	FinishedAt time.Time
}

// Run is one ephemeral execution of a pipeline. A run moves from pending to
// running and ends succeeded or failed; nothing is persisted across runs.
type Run struct {
	ID         string
	Pipeline   string
	Branch     string
	Status     RunStatus
	Steps      []StepResult
	CreatedAt  time.Time
	StartedAt  time.Time
	FinishedAt time.Time
}

// Failed reports whether any executed step failed.
func (r *Run) Failed() bool {
	for _, s := range r.Steps {
		if s.Status == StatusFailed {
			return true
		}
	}
	return false
}
