package models

import (
	"fmt"

	"gopkg.in/yaml.v3"
)

// Workflow represents a parsed workflow file.
type Workflow struct {
	Name     string
	Path     string
	On       Triggers
	Env      map[string]any
	Jobs     map[string]Job
	JobOrder []string // document order of job keys
}

// IsReusable returns true if the workflow can be called from another workflow.
func (w Workflow) IsReusable() bool {
	return w.On.WorkflowCall != nil
}

// DeclaredInputs returns the inputs declared by workflow_call and
// workflow_dispatch together.
func (w Workflow) DeclaredInputs() map[string]InputSpec {
	out := make(map[string]InputSpec)
	if d := w.On.WorkflowDispatch; d != nil {
		for name, spec := range d.Inputs {
			out[name] = spec
		}
	}
	if c := w.On.WorkflowCall; c != nil {
		for name, spec := range c.Inputs {
			out[name] = spec
		}
	}
	return out
}

// Triggers lists the events a workflow responds to.
type Triggers struct {
	Push             *BranchFilter
	PullRequest      *BranchFilter
	WorkflowDispatch *WorkflowDispatch
	WorkflowCall     *WorkflowCall
}

// WorkflowDispatch is the input schema of a manually started workflow.
type WorkflowDispatch struct {
	Inputs map[string]InputSpec `yaml:"inputs,omitempty" json:"inputs,omitempty"`
}

// BranchFilter restricts a trigger to branches matching any of the patterns.
// An empty filter matches every branch.
type BranchFilter struct {
	Branches       []string `yaml:"branches,omitempty" json:"branches,omitempty"`
	BranchesIgnore []string `yaml:"branches-ignore,omitempty" json:"branches_ignore,omitempty"`
}

// WorkflowCall is the input and secret schema of a reusable workflow.
type WorkflowCall struct {
	Inputs  map[string]InputSpec  `yaml:"inputs,omitempty" json:"inputs,omitempty"`
	Secrets map[string]SecretSpec `yaml:"secrets,omitempty" json:"secrets,omitempty"`
}

type InputSpec struct {
	Description string   `yaml:"description,omitempty" json:"description,omitempty"`
	Type        string   `yaml:"type" json:"type"` // string, number, boolean; dispatch adds choice and environment
	Required    bool     `yaml:"required" json:"required"`
	Default     any      `yaml:"default,omitempty" json:"default,omitempty"`
	Options     []string `yaml:"options,omitempty" json:"options,omitempty"` // choice values
}

type SecretSpec struct {
	Description string `yaml:"description,omitempty" json:"description,omitempty"`
	Required    bool   `yaml:"required" json:"required"`
}

// Job is a single entry under `jobs:`. It either runs steps or calls a
// reusable workflow via Uses.
type Job struct {
	Name            string             `yaml:"name,omitempty" json:"name,omitempty"`
	Needs           StringList         `yaml:"needs,omitempty" json:"needs,omitempty"`
	If              string             `yaml:"if,omitempty" json:"if,omitempty"`
	RunsOn          StringList         `yaml:"runs-on,omitempty" json:"runs_on,omitempty"`
	Uses            string             `yaml:"uses,omitempty" json:"uses,omitempty"`
	With            map[string]any     `yaml:"with,omitempty" json:"with,omitempty"`
	Secrets         SecretsBinding     `yaml:"secrets,omitempty" json:"secrets,omitempty"`
	Strategy        Strategy           `yaml:"strategy,omitempty" json:"strategy,omitempty"`
	Env             map[string]any     `yaml:"env,omitempty" json:"env,omitempty"`
	Steps           []Step             `yaml:"steps,omitempty" json:"steps,omitempty"`
	Services        map[string]Service `yaml:"services,omitempty" json:"services,omitempty"`
	TimeoutMinutes  float64            `yaml:"timeout-minutes,omitempty" json:"timeout_minutes,omitempty"`
	ContinueOnError bool               `yaml:"continue-on-error,omitempty" json:"continue_on_error,omitempty"`
}

// IsCall returns true if the job calls a reusable workflow.
func (j Job) IsCall() bool {
	return j.Uses != ""
}

// RunnerLabel returns the first runs-on label, or "" if none is set.
func (j Job) RunnerLabel() string {
	if len(j.RunsOn) == 0 {
		return ""
	}
	return j.RunsOn[0]
}

type Strategy struct {
	Matrix      Matrix `yaml:"matrix,omitempty" json:"matrix,omitempty"`
	FailFast    *bool  `yaml:"fail-fast,omitempty" json:"fail_fast,omitempty"`
	MaxParallel int    `yaml:"max-parallel,omitempty" json:"max_parallel,omitempty"`
}

// IsFailFast reports whether remaining cells are cancelled after a failure.
// GitHub's default is true.
func (s Strategy) IsFailFast() bool {
	return s.FailFast == nil || *s.FailFast
}

// Matrix holds the axes of a job matrix in declaration order.
type Matrix struct {
	Axes    []MatrixAxis     `json:"axes,omitempty"`
	Include []map[string]any `json:"include,omitempty"`
	Exclude []map[string]any `json:"exclude,omitempty"`
	Expr    string           `json:"expr,omitempty"` // whole matrix given as an expression
}

// IsEmpty returns true if the matrix declares nothing.
func (m Matrix) IsEmpty() bool {
	return len(m.Axes) == 0 && len(m.Include) == 0 && m.Expr == ""
}

// MatrixAxis is one matrix dimension. Either Values is a literal list or Expr
// holds an expression that must evaluate to a list.
type MatrixAxis struct {
	Name   string `json:"name"`
	Values []any  `json:"values,omitempty"`
	Expr   string `json:"expr,omitempty"`
}

func (m *Matrix) UnmarshalYAML(value *yaml.Node) error {
	if value.Kind == yaml.ScalarNode {
		m.Expr = value.Value
		return nil
	}
	if value.Kind != yaml.MappingNode {
		return fmt.Errorf("line %d: matrix must be a mapping or an expression", value.Line)
	}
	for i := 0; i+1 < len(value.Content); i += 2 {
		key, val := value.Content[i].Value, value.Content[i+1]
		switch key {
		case "include":
			if err := val.Decode(&m.Include); err != nil {
				return fmt.Errorf("matrix include: %w", err)
			}
		case "exclude":
			if err := val.Decode(&m.Exclude); err != nil {
				return fmt.Errorf("matrix exclude: %w", err)
			}
		default:
			axis := MatrixAxis{Name: key}
			switch val.Kind {
			case yaml.ScalarNode:
				axis.Expr = val.Value
			case yaml.SequenceNode:
				if err := val.Decode(&axis.Values); err != nil {
					return fmt.Errorf("matrix axis %s: %w", key, err)
				}
			default:
				return fmt.Errorf("line %d: matrix axis %s must be a list or an expression", val.Line, key)
			}
			m.Axes = append(m.Axes, axis)
		}
	}
	return nil
}

// Step is a single entry in a job's steps list.
type Step struct {
	ID               string         `yaml:"id,omitempty" json:"id,omitempty"`
	Name             string         `yaml:"name,omitempty" json:"name,omitempty"`
	If               string         `yaml:"if,omitempty" json:"if,omitempty"`
	Run              string         `yaml:"run,omitempty" json:"run,omitempty"`
	Uses             string         `yaml:"uses,omitempty" json:"uses,omitempty"`
	With             map[string]any `yaml:"with,omitempty" json:"with,omitempty"`
	Env              map[string]any `yaml:"env,omitempty" json:"env,omitempty"`
	Shell            string         `yaml:"shell,omitempty" json:"shell,omitempty"`
	WorkingDirectory string         `yaml:"working-directory,omitempty" json:"working_directory,omitempty"`
	ContinueOnError  bool           `yaml:"continue-on-error,omitempty" json:"continue_on_error,omitempty"`
	TimeoutMinutes   float64        `yaml:"timeout-minutes,omitempty" json:"timeout_minutes,omitempty"`
}

// DisplayName returns the step name, falling back to its action or command.
func (s Step) DisplayName() string {
	switch {
	case s.Name != "":
		return s.Name
	case s.Uses != "":
		return s.Uses
	case s.Run != "":
		return "Run " + firstLine(s.Run)
	default:
		return s.ID
	}
}

// Service is a sidecar container declared under `services:`.
type Service struct {
	Image string         `yaml:"image" json:"image"`
	Env   map[string]any `yaml:"env,omitempty" json:"env,omitempty"`
	Ports []string       `yaml:"ports,omitempty" json:"ports,omitempty"`
}

// StringList accepts either a single scalar or a sequence of scalars.
type StringList []string

func (l *StringList) UnmarshalYAML(value *yaml.Node) error {
	switch value.Kind {
	case yaml.ScalarNode:
		*l = StringList{value.Value}
		return nil
	case yaml.SequenceNode:
		var items []string
		if err := value.Decode(&items); err != nil {
			return err
		}
		*l = items
		return nil
	default:
		return fmt.Errorf("line %d: expected a string or a list of strings", value.Line)
	}
}

// SecretsBinding is the `secrets:` value of a call job: either `inherit` or
// an explicit mapping.
type SecretsBinding struct {
	Inherit bool              `json:"inherit,omitempty"`
	Values  map[string]string `json:"values,omitempty"`
}

func (s *SecretsBinding) UnmarshalYAML(value *yaml.Node) error {
	if value.Kind == yaml.ScalarNode {
		if value.Value != "inherit" {
			return fmt.Errorf("line %d: secrets must be 'inherit' or a mapping", value.Line)
		}
		s.Inherit = true
		return nil
	}
	return value.Decode(&s.Values)
}

func firstLine(s string) string {
	for i, r := range s {
		if r == '\n' {
			return s[:i]
		}
	}
	return s
}
