package models

type StepStatus string

const (
	PendingStepStatus   StepStatus = "PENDING"
	SubmittedStepStatus StepStatus = "SUBMITTED"
	CompletedStepStatus StepStatus = "COMPLETED"
	FailedStepStatus    StepStatus = "FAILED"
	SkippedStepStatus   StepStatus = "SKIPPED"
)

// WorkflowStep is one named step of a workflow, backed by exactly one task.
type WorkflowStep struct {
	Name        string   `json:"name"`
	TargetAgent string   `json:"target_agent"`
	Operation   string   `json:"operation"`
	Parameters  Params   `json:"parameters,omitempty"`
	DependsOn   []string `json:"depends_on,omitempty"`
}

// Workflow is a named DAG of steps. It lives in memory for the duration of
// one multi-step job; only the tasks it spawns are durable.
type Workflow struct {
	Name  string
	Steps map[string]WorkflowStep
}

// NewWorkflow creates an empty workflow definition.
func NewWorkflow(name string) *Workflow {
	return &Workflow{Name: name, Steps: make(map[string]WorkflowStep)}
}

// AddStep registers a step. Dependency names are validated when the engine
// is constructed, not here, so steps may be added in any order.
func (w *Workflow) AddStep(step WorkflowStep) {
	w.Steps[step.Name] = step
}

// StepResult is the terminal report for one workflow step.
type StepResult struct {
	Name    string     `json:"name"`
	Status  StepStatus `json:"status"`
	TaskID  string     `json:"task_id,omitempty"`
	Result  Params     `json:"result,omitempty"`
	Error   string     `json:"error,omitempty"`
	Skipped string     `json:"skipped_due_to,omitempty"` // Failed upstream step, for SKIPPED
}

// WorkflowSummary reports the outcome of every step once a run ends.
type WorkflowSummary struct {
	Name  string                `json:"name"`
	Steps map[string]StepResult `json:"steps"`
}

// Succeeded reports whether every step completed.
func (s WorkflowSummary) Succeeded() bool {
	for _, step := range s.Steps {
		if step.Status != CompletedStepStatus {
			return false
		}
	}
	return true
}
