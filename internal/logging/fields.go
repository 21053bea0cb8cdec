package logging

const (
	// FieldComponent is the standardized structured logging key for component names.
	FieldComponent = "component"
	// FieldStreamID identifies the tailed stream a line is about.
	FieldStreamID = "stream_id"
	// FieldState carries a tail controller state name.
	FieldState = "state"
	// FieldAttempt is the 1-based consecutive failure count.
	FieldAttempt = "attempt"
	// FieldSessionID is the per-process session identifier.
	FieldSessionID = "session_id"
	// FieldEventType classifies warnings for log queries.
	FieldEventType = "event_type"
	// FieldImpact is the user-facing consequence of a warning.
	FieldImpact = "impact"
	FieldError  = "error"
)
