package store

import "time"

// Session modes.
const (
	ModeStepByStep = "step_by_step"
	ModeRun        = "run"
)

// Step output statuses.
const (
	StepCompleted = "completed"
	StepSkipped   = "skipped"
	StepFailed    = "failed"
)

// SessionRecord is the archived form of a session.
type SessionRecord struct {
	ID             string     `json:"id"`
	Workflow       string     `json:"workflow"`
	Query          string     `json:"query"`
	Mode           string     `json:"mode"`
	Status         string     `json:"status"`
	TotalSteps     int        `json:"total_steps"`
	CompletedSteps int        `json:"completed_steps"`
	ErrorCode      string     `json:"error_code,omitempty"`
	ErrorMessage   string     `json:"error_message,omitempty"`
	ErrorStep      *int       `json:"error_step,omitempty"`
	Summary        string     `json:"summary,omitempty"`
	OutputDir      string     `json:"output_dir,omitempty"`
	StartedAt      time.Time  `json:"started_at"`
	UpdatedAt      time.Time  `json:"updated_at"`
	FinishedAt     *time.Time `json:"finished_at,omitempty"`
}

// StepOutputRecord is the archived index entry of one step output.
type StepOutputRecord struct {
	SessionID string        `json:"session_id"`
	StepIndex int           `json:"step_index"`
	StepName  string        `json:"step_name"`
	Tool      string        `json:"tool"`
	ModelUsed string        `json:"model_used,omitempty"`
	Status    string        `json:"status"`
	Summary   string        `json:"summary,omitempty"`
	Path      string        `json:"path,omitempty"`
	Size      int           `json:"size"`
	Duration  time.Duration `json:"duration"`
	Error     string        `json:"error,omitempty"`
	CreatedAt time.Time     `json:"created_at"`
}

// SessionFilter narrows ListSessions.
type SessionFilter struct {
	Workflow string
	Status   string
	Limit    int
}
