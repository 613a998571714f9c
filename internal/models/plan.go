package models

// Node is a schedulable job after reusable-workflow calls are bound.
type Node struct {
	ID       string            `json:"id"`
	Workflow string            `json:"workflow"`
	JobKey   string            `json:"job_key"`
	Job      Job               `json:"job"`
	Caller   string            `json:"caller,omitempty"` // call job that produced this node
	Inputs   map[string]any    `json:"inputs,omitempty"`
	Secrets  map[string]string `json:"-"`
	Env      map[string]any    `json:"env,omitempty"`   // workflow-level env of the defining workflow
	Calls    []CallGuard       `json:"calls,omitempty"` // enclosing call jobs, outermost first
}

// CallGuard is a call job enclosing a node, with the expression context of
// the workflow that declares it.
type CallGuard struct {
	ID      string            `json:"id"` // node ID prefix of the call instance
	If      string            `json:"if,omitempty"`
	Inputs  map[string]any    `json:"inputs,omitempty"`
	Secrets map[string]string `json:"-"`
	Env     map[string]any    `json:"env,omitempty"`
}

// DisplayName returns the job's name or its key.
func (n Node) DisplayName() string {
	if n.Job.Name != "" {
		return n.Job.Name
	}
	return n.JobKey
}

// Cell is one matrix combination of a node.
type Cell struct {
	ID        string // unique identifier, derived from node and matrix values
	NodeID    string
	Matrix    map[string]string
	Values    map[string]any // typed matrix values for expressions
	Index     int
	OutputDir string // path to cell output directory
}
