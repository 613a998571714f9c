package models

// Event names understood by the trigger matcher.
const (
	EventPush             = "push"
	EventPullRequest      = "pull_request"
	EventWorkflowDispatch = "workflow_dispatch"
)

// Event is the trigger a run is started for.
type Event struct {
	Name       string `json:"name"`
	Branch     string `json:"branch"`
	SHA        string `json:"sha,omitempty"`
	Repository string `json:"repository,omitempty"`

	// Inputs are the workflow_dispatch inputs given for the run.
	Inputs map[string]string `json:"inputs,omitempty"`
}
