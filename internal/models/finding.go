package models

import "fmt"

type Severity string

const (
	SeverityError   Severity = "error"
	SeverityWarning Severity = "warning"
)

// Finding is a single lint result.
type Finding struct {
	Rule     string   `json:"rule"`
	Severity Severity `json:"severity"`
	File     string   `json:"file"`
	Location string   `json:"location,omitempty"` // e.g. "jobs.test.steps[2]"
	Message  string   `json:"message"`
}

func (f Finding) String() string {
	loc := f.File
	if f.Location != "" {
		loc += ":" + f.Location
	}
	return fmt.Sprintf("%s: %s [%s] %s", loc, f.Severity, f.Rule, f.Message)
}
