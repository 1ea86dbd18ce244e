package sync

import (
	"fmt"
	"time"
)

// Result is the outcome of one reconciliation or of a whole pass.
// Errors are ordered as they happened.
type Result struct {
	RunID          string         `json:"run_id,omitempty"`
	Success        bool           `json:"success"`
	Message        string         `json:"message"`
	AlreadyRunning bool           `json:"already_running,omitempty"`
	Processed      int            `json:"processed"`
	Created        int            `json:"created"`
	Updated        int            `json:"updated"`
	Deleted        int            `json:"deleted"`
	Errors         []string       `json:"errors,omitempty"`
	Targets        []TargetResult `json:"targets,omitempty"`
	Duration       time.Duration  `json:"duration"`
	Finished       time.Time      `json:"finished"`

	// ReconnectRequired is set when a remote refused an operation for lack
	// of authorization.
	ReconnectRequired bool `json:"reconnect_required,omitempty"`
}

// TargetResult is the share of a pass spent on one remote calendar.
type TargetResult struct {
	Name       string   `json:"name"`
	CalendarID string   `json:"calendar_id,omitempty"`
	Created    int      `json:"created"`
	Updated    int      `json:"updated"`
	Deleted    int      `json:"deleted"`
	Errors     []string `json:"errors,omitempty"`

	ReconnectRequired bool `json:"reconnect_required,omitempty"`
}

func (r *Result) addError(format string, args ...any) {
	r.Errors = append(r.Errors, fmt.Sprintf(format, args...))
}

// Status is what the UI polls between passes.
type Status struct {
	Connected  bool      `json:"connected"`
	LastSync   time.Time `json:"last_sync"`
	LastError  string    `json:"last_error"`
	LastResult *Result   `json:"last_result,omitempty"`
}
