package config

import (
	"fmt"
	"io/fs"
	"os"
	"path"
	"strings"

	"github.com/spachava753/matrixci/internal/models"
	"gopkg.in/yaml.v3"
)

type rawWorkflow struct {
	Name string         `yaml:"name"`
	On   yaml.Node      `yaml:"on"`
	Env  map[string]any `yaml:"env"`
	Jobs yaml.Node      `yaml:"jobs"`
}

// LoadWorkflow loads and parses a workflow YAML file from disk.
func LoadWorkflow(p string) (models.Workflow, error) {
	data, err := os.ReadFile(p)
	if err != nil {
		return models.Workflow{}, fmt.Errorf("reading workflow: %w", err)
	}
	return ParseWorkflow(p, data)
}

// LoadWorkflowFS loads and parses a workflow YAML file from the given filesystem.
func LoadWorkflowFS(fsys fs.FS, name string) (models.Workflow, error) {
	data, err := fs.ReadFile(fsys, name)
	if err != nil {
		return models.Workflow{}, fmt.Errorf("reading workflow: %w", err)
	}
	return ParseWorkflow(name, data)
}

// ParseWorkflow parses workflow YAML. p is recorded as the workflow path and
// supplies the default name.
func ParseWorkflow(p string, data []byte) (models.Workflow, error) {
	wf := models.Workflow{Path: p}

	var raw rawWorkflow
	if err := yaml.Unmarshal(data, &raw); err != nil {
		return wf, fmt.Errorf("parsing workflow %s: %w", p, err)
	}

	wf.Name = raw.Name
	if wf.Name == "" {
		base := path.Base(strings.ReplaceAll(p, "\\", "/"))
		wf.Name = strings.TrimSuffix(base, path.Ext(base))
	}
	wf.Env = raw.Env

	on, err := parseTriggers(&raw.On)
	if err != nil {
		return wf, fmt.Errorf("parsing workflow %s: on: %w", p, err)
	}
	wf.On = on

	if raw.Jobs.Kind != yaml.MappingNode || len(raw.Jobs.Content) == 0 {
		return wf, fmt.Errorf("parsing workflow %s: jobs must be a non-empty mapping", p)
	}
	wf.Jobs = make(map[string]models.Job, len(raw.Jobs.Content)/2)
	for i := 0; i+1 < len(raw.Jobs.Content); i += 2 {
		key := raw.Jobs.Content[i].Value
		if _, dup := wf.Jobs[key]; dup {
			return wf, fmt.Errorf("parsing workflow %s: duplicate job %q", p, key)
		}
		var job models.Job
		if err := raw.Jobs.Content[i+1].Decode(&job); err != nil {
			return wf, fmt.Errorf("parsing workflow %s: job %q: %w", p, key, err)
		}
		wf.Jobs[key] = job
		wf.JobOrder = append(wf.JobOrder, key)
	}

	return wf, nil
}

func parseTriggers(n *yaml.Node) (models.Triggers, error) {
	var t models.Triggers
	switch n.Kind {
	case 0:
		return t, fmt.Errorf("missing trigger")
	case yaml.ScalarNode:
		return t, setTrigger(&t, n.Value, nil)
	case yaml.SequenceNode:
		for _, item := range n.Content {
			if item.Kind != yaml.ScalarNode {
				return t, fmt.Errorf("line %d: trigger list entries must be event names", item.Line)
			}
			if err := setTrigger(&t, item.Value, nil); err != nil {
				return t, err
			}
		}
		return t, nil
	case yaml.MappingNode:
		for i := 0; i+1 < len(n.Content); i += 2 {
			if err := setTrigger(&t, n.Content[i].Value, n.Content[i+1]); err != nil {
				return t, err
			}
		}
		return t, nil
	default:
		return t, fmt.Errorf("line %d: unsupported trigger syntax", n.Line)
	}
}

func setTrigger(t *models.Triggers, event string, body *yaml.Node) error {
	empty := body == nil || body.Tag == "!!null"
	switch event {
	case models.EventPush, models.EventPullRequest:
		filter := &models.BranchFilter{}
		if !empty {
			if err := body.Decode(filter); err != nil {
				return fmt.Errorf("%s: %w", event, err)
			}
		}
		if event == models.EventPush {
			t.Push = filter
		} else {
			t.PullRequest = filter
		}
	case models.EventWorkflowDispatch:
		dispatch := &models.WorkflowDispatch{}
		if !empty {
			if err := body.Decode(dispatch); err != nil {
				return fmt.Errorf("workflow_dispatch: %w", err)
			}
		}
		for name, in := range dispatch.Inputs {
			if in.Type == "" {
				in.Type = "string"
				dispatch.Inputs[name] = in
			}
			switch in.Type {
			case "string", "number", "boolean", "environment":
			case "choice":
				if len(in.Options) == 0 {
					return fmt.Errorf("workflow_dispatch: choice input %q has no options", name)
				}
			default:
				return fmt.Errorf("workflow_dispatch: input %q has unsupported type %q", name, in.Type)
			}
		}
		t.WorkflowDispatch = dispatch
	case "workflow_call":
		call := &models.WorkflowCall{}
		if !empty {
			if err := body.Decode(call); err != nil {
				return fmt.Errorf("workflow_call: %w", err)
			}
		}
		for name, in := range call.Inputs {
			if in.Type == "" {
				in.Type = "string"
				call.Inputs[name] = in
			}
			switch in.Type {
			case "string", "number", "boolean":
			default:
				return fmt.Errorf("workflow_call: input %q has unsupported type %q", name, in.Type)
			}
		}
		t.WorkflowCall = call
	default:
		// Other events (schedule, release, ...) are accepted but never matched.
	}
	return nil
}
