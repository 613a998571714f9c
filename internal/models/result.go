package models

import "time"

// Status is the outcome of a node, cell or step.
type Status string

const (
	StatusPending   Status = "pending"
	StatusRunning   Status = "running"
	StatusSuccess   Status = "success"
	StatusFailure   Status = "failure"
	StatusSkipped   Status = "skipped"
	StatusCancelled Status = "cancelled"
)

// Done reports whether the status is terminal.
func (s Status) Done() bool {
	switch s {
	case StatusSuccess, StatusFailure, StatusSkipped, StatusCancelled:
		return true
	}
	return false
}

// CellResult contains the outcome of a cell execution.
type CellResult struct {
	NodeID           string            `json:"node_id"`
	CellID           string            `json:"cell_id"`
	Matrix           map[string]string `json:"matrix,omitempty"`
	Status           Status            `json:"status"`
	Error            *CellError        `json:"error"`
	Steps            []StepResult      `json:"steps"`
	Artifacts        []string          `json:"artifacts,omitempty"`
	CoverageUploaded bool              `json:"coverage_uploaded"`
	Durations        Durations         `json:"durations"`
	Timestamps       Timestamps        `json:"timestamps"`
}

type CellError struct {
	Type    ErrorType `json:"type"`
	Message string    `json:"message"`
}

func (e *CellError) Error() string {
	return string(e.Type) + ": " + e.Message
}

type StepResult struct {
	Index       int        `json:"index"`
	Name        string     `json:"name"`
	Status      Status     `json:"status"`
	ExitCode    int        `json:"exit_code"`
	Outcome     Status     `json:"outcome"` // result before continue-on-error is applied
	Error       *CellError `json:"error,omitempty"`
	DurationSec float64    `json:"duration_sec"`
}

type Durations struct {
	TotalSec            float64  `json:"total_sec"`
	ServiceSetupSec     *float64 `json:"service_setup_sec"`
	EnvironmentSetupSec *float64 `json:"environment_setup_sec"`
	StepsSec            *float64 `json:"steps_sec"`
	TeardownSec         *float64 `json:"teardown_sec"`
}

type Timestamps struct {
	StartedAt                 time.Time  `json:"started_at"`
	ServiceSetupStartedAt     *time.Time `json:"service_setup_started_at"`
	ServiceSetupEndedAt       *time.Time `json:"service_setup_ended_at"`
	EnvironmentSetupStartedAt time.Time  `json:"environment_setup_started_at"`
	EnvironmentSetupEndedAt   time.Time  `json:"environment_setup_ended_at"`
	StepsStartedAt            time.Time  `json:"steps_started_at"`
	StepsEndedAt              time.Time  `json:"steps_ended_at"`
	EndedAt                   time.Time  `json:"ended_at"`
}

// NodeResult aggregates the cells of a node.
type NodeResult struct {
	NodeID          string       `json:"node_id"`
	Name            string       `json:"name"`
	Status          Status       `json:"status"`
	ContinueOnError bool         `json:"continue_on_error"`
	Error           *CellError   `json:"error"`
	Cells           []CellResult `json:"cells"`
	StartedAt       time.Time    `json:"started_at"`
	EndedAt         time.Time    `json:"ended_at"`
}

// Blocks reports whether a dependent of this node must be skipped.
func (r NodeResult) Blocks() bool {
	switch r.Status {
	case StatusSuccess:
		return false
	case StatusFailure:
		return !r.ContinueOnError
	}
	return true
}

// RunResult contains aggregate outcomes across all nodes of a run.
type RunResult struct {
	RunID          string       `json:"run_id"`
	Workflow       string       `json:"workflow"`
	Event          Event        `json:"event"`
	Status         Status       `json:"status"`
	Cancelled      bool         `json:"cancelled"`
	TotalNodes     int          `json:"total_nodes"`
	SucceededNodes int          `json:"succeeded_nodes"`
	FailedNodes    int          `json:"failed_nodes"`
	SkippedNodes   int          `json:"skipped_nodes"`
	TotalCells     int          `json:"total_cells"`
	PassedCells    int          `json:"passed_cells"`
	FailedCells    int          `json:"failed_cells"`
	CancelledCells int          `json:"cancelled_cells"`
	SkippedCells   int          `json:"skipped_cells"`
	StartedAt      time.Time    `json:"started_at"`
	EndedAt        time.Time    `json:"ended_at"`
	DurationSec    float64      `json:"duration_sec"`
	Nodes          []NodeResult `json:"nodes"`
}
