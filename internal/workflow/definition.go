// Package workflow interprets workflow definitions as DAGs of steps:
// scheduling execution respecting dependencies, resolving variable
// references against a per-execution context, and supporting parallel
// fan-out, per-step retry, and conditional successor selection.
package workflow

// StepType is the reference vocabulary of step behaviors.
type StepType string

const (
	StepNavigate  StepType = "navigate"
	StepExtract   StepType = "extract"
	StepAction    StepType = "action"
	StepAnalyze   StepType = "analyze"
	StepCondition StepType = "condition"
	StepLoop      StepType = "loop"
	StepCustom    StepType = "custom"
)

// Step is one node of a workflow DAG.
type Step struct {
	ID         string         `json:"id"`
	Type       StepType       `json:"type"`
	Config     map[string]any `json:"config,omitempty"`
	NextSteps  []string       `json:"next_steps,omitempty"`
	OnSuccess  string         `json:"on_success,omitempty"`
	OnError    string         `json:"on_error,omitempty"`
	MaxRetries int            `json:"max_retries,omitempty"`
}

// Definition is a static workflow record: a named DAG of steps.
type Definition struct {
	ID          string `json:"id"`
	Name        string `json:"name,omitempty"`
	Description string `json:"description,omitempty"`
	InitialStep string `json:"initial_step,omitempty"`
	Steps       []Step `json:"steps"`
}

// StepByID returns the step with the given id and whether it was found.
func (d *Definition) StepByID(id string) (Step, bool) {
	for _, s := range d.Steps {
		if s.ID == id {
			return s, true
		}
	}
	return Step{}, false
}

// FirstStepID returns InitialStep if set, else the id of the first listed
// step, else "" for an empty definition.
func (d *Definition) FirstStepID() string {
	if d.InitialStep != "" {
		return d.InitialStep
	}
	if len(d.Steps) == 0 {
		return ""
	}
	return d.Steps[0].ID
}
