package schema

// SessionStatus is the lifecycle state of a resumable workflow session.
type SessionStatus string

const (
	SessionRunning   SessionStatus = "running"
	SessionCompleted SessionStatus = "completed"
	SessionFailed    SessionStatus = "failed"
)

// IsTerminal reports whether no further transitions are possible.
func (s SessionStatus) IsTerminal() bool {
	return s == SessionCompleted || s == SessionFailed
}

// SessionError is the failure recorded on a failed session.
type SessionError struct {
	Code      string `json:"code"`
	Message   string `json:"message"`
	StepIndex int    `json:"step_index"`
}
