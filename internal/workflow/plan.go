package workflow

import (
	"fmt"
	"path"
	"strings"

	"github.com/spachava753/matrixci/internal/expr"
	"github.com/spachava753/matrixci/internal/graph"
	"github.com/spachava753/matrixci/internal/models"
)

// MaxCallDepth limits nesting of reusable workflow calls.
const MaxCallDepth = 4

// Plan is a workflow bound to an event: the job graph after call expansion
// and the matrix cells of every node.
type Plan struct {
	Workflow models.Workflow          `json:"-"`
	Event    models.Event             `json:"event"`
	Graph    *graph.Graph             `json:"-"`
	Nodes    map[string]models.Node   `json:"nodes"`
	Cells    map[string][]models.Cell `json:"cells"`
	Order    []string                 `json:"order"`
	Levels   [][]string               `json:"levels"`
}

// Stem returns the workflow file name without its extension, used as the
// first segment of node IDs.
func Stem(wf models.Workflow) string {
	base := path.Base(strings.ReplaceAll(wf.Path, "\\", "/"))
	if base == "." || base == "/" {
		return wf.Name
	}
	return strings.TrimSuffix(base, path.Ext(base))
}

// GithubContext returns the github.* expression context for an event.
func GithubContext(wf models.Workflow, ev models.Event) map[string]any {
	return map[string]any{
		"event_name": ev.Name,
		"ref":        "refs/heads/" + ev.Branch,
		"ref_name":   ev.Branch,
		"sha":        ev.SHA,
		"repository": ev.Repository,
		"workflow":   wf.Name,
	}
}

type planner struct {
	set     Set
	root    models.Workflow
	event   models.Event
	graph   *graph.Graph
	nodes   map[string]models.Node
	pending [][2][]string // (dependencies, dependents) node groups to connect
}

// BuildPlan expands wf for ev. Call jobs are replaced by the jobs of the
// called workflow, with inputs and secrets bound. The resulting graph must be
// acyclic.
func BuildPlan(set Set, wf models.Workflow, ev models.Event, secrets map[string]string) (*Plan, error) {
	p := &planner{
		set:   set,
		root:  wf,
		event: ev,
		graph: graph.New(),
		nodes: make(map[string]models.Node),
	}

	inputs, err := EventInputs(wf, ev)
	if err != nil {
		return nil, fmt.Errorf("workflow %s: %w", wf.Path, err)
	}
	if _, err := p.expandWorkflow(Stem(wf), "", wf, inputs, secrets, []string{wf.Path}, nil); err != nil {
		return nil, err
	}
	for _, edge := range p.pending {
		for _, from := range edge[0] {
			for _, to := range edge[1] {
				if err := p.graph.AddEdge(from, to); err != nil {
					return nil, fmt.Errorf("workflow %s: %w", wf.Path, err)
				}
			}
		}
	}

	order, err := p.graph.TopologicalOrder()
	if err != nil {
		return nil, fmt.Errorf("workflow %s: %w", wf.Path, err)
	}
	levels, err := p.graph.Levels()
	if err != nil {
		return nil, fmt.Errorf("workflow %s: %w", wf.Path, err)
	}

	plan := &Plan{
		Workflow: wf,
		Event:    ev,
		Graph:    p.graph,
		Nodes:    p.nodes,
		Cells:    make(map[string][]models.Cell, len(p.nodes)),
		Order:    order,
		Levels:   levels,
	}

	for _, id := range order {
		cells, err := plan.expandCells(p.nodes[id])
		if err != nil {
			return nil, fmt.Errorf("job %s: %w", id, err)
		}
		plan.Cells[id] = cells
	}
	return plan, nil
}

// expandWorkflow adds the jobs of wf under prefix and returns the node IDs
// created for each job key. calls holds the call jobs enclosing wf.
func (p *planner) expandWorkflow(prefix, caller string, wf models.Workflow, inputs map[string]any, secrets map[string]string, stack []string, calls []models.CallGuard) (map[string][]string, error) {
	created := make(map[string][]string, len(wf.Jobs))

	for _, key := range wf.JobOrder {
		job := wf.Jobs[key]
		id := prefix + "/" + key

		if !job.IsCall() {
			if len(job.Steps) == 0 {
				return nil, fmt.Errorf("workflow %s: job %q has neither steps nor uses", wf.Path, key)
			}
			p.graph.AddNode(id)
			p.nodes[id] = models.Node{
				ID:       id,
				Workflow: wf.Path,
				JobKey:   key,
				Job:      job,
				Caller:   caller,
				Inputs:   inputs,
				Secrets:  secrets,
				Env:      wf.Env,
				Calls:    calls,
			}
			created[key] = []string{id}
			continue
		}

		if len(job.Steps) > 0 {
			return nil, fmt.Errorf("workflow %s: job %q has both steps and uses", wf.Path, key)
		}
		if len(stack) > MaxCallDepth {
			return nil, fmt.Errorf("workflow %s: job %q: reusable workflows nested deeper than %d", wf.Path, key, MaxCallDepth)
		}
		callee, err := p.set.Resolve(job.Uses)
		if err != nil {
			return nil, fmt.Errorf("workflow %s: job %q: %w", wf.Path, key, err)
		}
		for _, s := range stack {
			if s == callee.Path {
				return nil, fmt.Errorf("workflow %s: job %q: %w: %s", wf.Path, key, graph.ErrCycle, strings.Join(append(stack, callee.Path), " -> "))
			}
		}

		ctx := expr.Context{
			Inputs:  inputs,
			Secrets: expr.StringMap(secrets),
			Github:  GithubContext(p.root, p.event),
			Env:     wf.Env,
		}
		calleeSecrets, err := BindSecrets(callee, job.Secrets, secrets)
		if err != nil {
			return nil, fmt.Errorf("workflow %s: job %q: %w", wf.Path, key, err)
		}

		// a matrix on a call job runs the called workflow once per combination
		combos, err := ExpandMatrix(job.Strategy, ctx)
		if err != nil {
			return nil, fmt.Errorf("workflow %s: job %q: %w", wf.Path, key, err)
		}
		created[key] = []string{}
		seen := make(map[string]int)
		for _, combo := range combos {
			callID := CellID(id, callInstanceValues(combo))
			if c := seen[callID]; c > 0 {
				seen[callID]++
				callID = fmt.Sprintf("%s#%d", callID, c+1)
			} else {
				seen[callID] = 1
			}

			ctx.Matrix = combo
			calleeInputs, err := BindInputs(callee, job.With, ctx)
			if err != nil {
				return nil, fmt.Errorf("workflow %s: job %q: %w", wf.Path, key, err)
			}

			guard := models.CallGuard{
				ID:      callID,
				If:      job.If,
				Inputs:  inputs,
				Secrets: secrets,
				Env:     wf.Env,
			}
			inner, err := p.expandWorkflow(callID, key, callee, calleeInputs, calleeSecrets,
				append(stack[:len(stack):len(stack)], callee.Path), append(calls[:len(calls):len(calls)], guard))
			if err != nil {
				return nil, err
			}
			for _, ids := range inner {
				created[key] = append(created[key], ids...)
			}
		}
	}

	// needs edges are connected once every job of this workflow exists
	for _, key := range wf.JobOrder {
		for _, need := range wf.Jobs[key].Needs {
			deps, ok := created[need]
			if !ok {
				return nil, fmt.Errorf("workflow %s: job %q needs unknown job %q", wf.Path, key, need)
			}
			p.pending = append(p.pending, [2][]string{deps, created[key]})
		}
	}
	return created, nil
}

// callInstanceValues renders a call job's matrix combination for use in a
// node ID, where "/" separates workflow levels.
func callInstanceValues(combo map[string]any) map[string]string {
	out := MatrixStrings(combo)
	for k, v := range out {
		out[k] = strings.ReplaceAll(v, "/", "-")
	}
	return out
}

func (pl *Plan) expandCells(n models.Node) ([]models.Cell, error) {
	ctx := expr.Context{
		Inputs: n.Inputs,
		Github: GithubContext(pl.Workflow, pl.Event),
		Env:    n.Env,
	}
	combos, err := ExpandMatrix(n.Job.Strategy, ctx)
	if err != nil {
		return nil, err
	}

	cells := make([]models.Cell, 0, len(combos))
	seen := make(map[string]int)
	for i, combo := range combos {
		matrix := MatrixStrings(combo)
		id := CellID(n.ID, matrix)
		if c := seen[id]; c > 0 {
			id = fmt.Sprintf("%s#%d", id, c+1)
		}
		seen[CellID(n.ID, matrix)]++
		cells = append(cells, models.Cell{
			ID:     id,
			NodeID: n.ID,
			Matrix: matrix,
			Values: combo,
			Index:  i,
		})
	}
	return cells, nil
}

// TotalCells returns the number of cells across all nodes.
func (pl *Plan) TotalCells() int {
	n := 0
	for _, cells := range pl.Cells {
		n += len(cells)
	}
	return n
}

// Needs returns the IDs of the nodes id depends on.
func (pl *Plan) Needs(id string) []string {
	deps, _ := pl.Graph.Dependencies(id)
	return deps
}
