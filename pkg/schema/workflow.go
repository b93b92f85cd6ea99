package schema

// WorkflowDefinition is the declarative workflow format loaded by the catalog.
// Definitions are immutable once registered; sessions keep the pointer they started with.
type WorkflowDefinition struct {
	Name        string         `json:"name" yaml:"name"`
	Description string         `json:"description,omitempty" yaml:"description,omitempty"`
	Version     string         `json:"version,omitempty" yaml:"version,omitempty"`
	Settings    Settings       `json:"settings,omitempty" yaml:"settings,omitempty"`
	Steps       []WorkflowStep `json:"steps" yaml:"steps"`
}

// Settings holds workflow-wide defaults.
type Settings struct {
	MaxCost            float64      `json:"max_cost,omitempty" yaml:"max_cost,omitempty"`
	DefaultModel       string       `json:"default_model,omitempty" yaml:"default_model,omitempty"`
	DefaultTemperature *float64     `json:"default_temperature,omitempty" yaml:"default_temperature,omitempty"`
	DefaultMaxTokens   int          `json:"default_max_tokens,omitempty" yaml:"default_max_tokens,omitempty"`
	Optimization       Optimization `json:"optimization,omitempty" yaml:"optimization,omitempty"`
}

// Optimization controls synthesis insertion and display truncation.
type Optimization struct {
	EnableSynthesis       bool   `json:"enable_synthesis,omitempty" yaml:"enable_synthesis,omitempty"`
	SynthesisTokenTrigger int    `json:"synthesis_token_trigger,omitempty" yaml:"synthesis_token_trigger,omitempty"`
	SynthesisTool         string `json:"synthesis_tool,omitempty" yaml:"synthesis_tool,omitempty"`
	TruncateSteps         bool   `json:"truncate_steps,omitempty" yaml:"truncate_steps,omitempty"`
	MaxStepTokens         int    `json:"max_step_tokens,omitempty" yaml:"max_step_tokens,omitempty"`
}

// WorkflowStep describes a single tool invocation within a workflow.
type WorkflowStep struct {
	Name              string     `json:"name" yaml:"name"`
	Description       string     `json:"description,omitempty" yaml:"description,omitempty"`
	Tool              string     `json:"tool" yaml:"tool"`
	Input             StepInput  `json:"input,omitempty" yaml:"input,omitempty"`
	Output            StepOutput `json:"output,omitempty" yaml:"output,omitempty"`
	Model             string     `json:"model,omitempty" yaml:"model,omitempty"`
	Temperature       *float64   `json:"temperature,omitempty" yaml:"temperature,omitempty"`
	MaxTokens         int        `json:"max_tokens,omitempty" yaml:"max_tokens,omitempty"`
	Parallel          bool       `json:"parallel,omitempty" yaml:"parallel,omitempty"`
	Condition         string     `json:"condition,omitempty" yaml:"condition,omitempty"`
	ConditionEngine   string     `json:"condition_engine,omitempty" yaml:"condition_engine,omitempty"` // cel | expr (default: cel)
	UsePreviousOutput bool       `json:"use_previous_output,omitempty" yaml:"use_previous_output,omitempty"`
	Persist           *bool      `json:"persist,omitempty" yaml:"persist,omitempty"`
}

// StepOutput declares how a step's output is bound for later steps.
type StepOutput struct {
	Variable string `json:"variable,omitempty" yaml:"variable,omitempty"`
	Extract  string `json:"extract,omitempty" yaml:"extract,omitempty"` // jq expression over the JSON-decoded text
}

// StepByName returns the step with the given name and its index, or nil and -1.
func (w *WorkflowDefinition) StepByName(name string) (*WorkflowStep, int) {
	for i := range w.Steps {
		if w.Steps[i].Name == name {
			return &w.Steps[i], i
		}
	}
	return nil, -1
}

// Condition engine names accepted on WorkflowStep.ConditionEngine.
const (
	ConditionEngineCEL  = "cel"
	ConditionEngineExpr = "expr"
)
