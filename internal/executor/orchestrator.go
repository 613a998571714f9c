package executor

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"strconv"
	"strings"
	"sync"
	"sync/atomic"
	"time"

	"github.com/google/uuid"
	"golang.org/x/sync/errgroup"
	"golang.org/x/sync/semaphore"

	"github.com/spachava753/matrixci/internal/artifact"
	"github.com/spachava753/matrixci/internal/coverage"
	"github.com/spachava753/matrixci/internal/environment"
	"github.com/spachava753/matrixci/internal/expr"
	"github.com/spachava753/matrixci/internal/metrics"
	"github.com/spachava753/matrixci/internal/models"
	"github.com/spachava753/matrixci/internal/pgservice"
	"github.com/spachava753/matrixci/internal/workflow"
)

// CellRun is one matrix cell together with everything the scheduler resolved
// for it.
type CellRun struct {
	Node     models.Node
	Cell     models.Cell
	Label    string // runs-on label after interpolation
	Runner   models.RunnerConfig
	Needs    map[string]any // needs.<job> expression context
	Event    models.Event
	Workflow models.Workflow
	Total    int // number of cells in the node
}

// CellExecutor executes a single cell and returns the result.
type CellExecutor interface {
	Execute(ctx context.Context, run CellRun, provider environment.Provider) (*models.CellResult, error)
}

// Deps are the run-scoped services shared by every cell executor.
type Deps struct {
	Config    models.RunConfig
	RunID     string
	RunDir    string
	Workspace string
	Postgres  *pgservice.Manager
	Artifacts artifact.Store
	Coverage  *coverage.Uploader
}

// NewCellExecutorFunc creates a CellExecutor for one worker.
type NewCellExecutorFunc func(deps Deps) CellExecutor

// Options configures a single run.
type Options struct {
	// Name is the run directory name. A UUID is used when empty.
	Name string
	// Workspace is the host directory actions/checkout copies into each
	// environment.
	Workspace string
}

// Orchestrator runs the nodes of a plan in dependency order.
type Orchestrator struct {
	cfg         models.RunConfig
	plan        *workflow.Plan
	opts        Options
	newExecutor NewCellExecutorFunc
	providers   *providerCache
	recorder    *metrics.Recorder
}

// NewOrchestrator creates an orchestrator for plan.
func NewOrchestrator(cfg models.RunConfig, plan *workflow.Plan, opts Options, executorFactory NewCellExecutorFunc) *Orchestrator {
	return &Orchestrator{
		cfg:         cfg,
		plan:        plan,
		opts:        opts,
		newExecutor: executorFactory,
		providers:   newProviderCache(cfg, nil),
		recorder:    metrics.NewRecorder(),
	}
}

// Run executes every node of the plan and writes results below the runs
// directory.
func (o *Orchestrator) Run(ctx context.Context) (*models.RunResult, error) {
	startTime := time.Now()

	runID := o.opts.Name
	if runID == "" {
		runID = uuid.NewString()
	}
	runDir := filepath.Join(o.cfg.RunsDir, runID)

	if _, err := os.Stat(runDir); err == nil {
		return nil, fmt.Errorf("run directory already exists: %s (will not overwrite existing results)", runDir)
	}
	if err := os.MkdirAll(runDir, 0755); err != nil {
		return nil, fmt.Errorf("creating run directory: %w", err)
	}

	planJSON, _ := json.MarshalIndent(o.plan, "", "  ")
	os.WriteFile(filepath.Join(runDir, "plan.json"), planJSON, 0644)

	deps, closeDeps, err := o.deps(ctx, runID, runDir)
	if err != nil {
		return nil, err
	}
	defer closeDeps()

	slog.Info("starting run",
		"run_id", runID,
		"workflow", o.plan.Workflow.Path,
		"nodes", len(o.plan.Order),
		"cells", o.plan.TotalCells())

	nodes := o.schedule(ctx, runDir, deps)

	runResult := o.aggregateResults(runID, nodes, startTime)
	runResult.Cancelled = ctx.Err() != nil
	if runResult.Cancelled {
		runResult.Status = models.StatusCancelled
	}
	o.recorder.ObserveRun(*runResult)

	runResultJSON, _ := json.MarshalIndent(runResult, "", "  ")
	os.WriteFile(filepath.Join(runDir, "result.json"), runResultJSON, 0644)
	if err := o.recorder.WriteTextfile(filepath.Join(runDir, "metrics.prom")); err != nil {
		slog.Warn("writing metrics", "error", err)
	}

	return runResult, nil
}

func (o *Orchestrator) deps(ctx context.Context, runID, runDir string) (Deps, func(), error) {
	store, err := artifact.NewStore(ctx, o.cfg.Artifacts, runDir)
	if err != nil {
		return Deps{}, nil, fmt.Errorf("creating artifact store: %w", err)
	}

	lockDir := filepath.Join(os.TempDir(), "matrixci-ports")
	if err := os.MkdirAll(lockDir, 0755); err != nil {
		return Deps{}, nil, fmt.Errorf("creating port lock directory: %w", err)
	}
	pg := pgservice.NewManager(ctx, o.cfg.Postgres, lockDir)

	var uploader *coverage.Uploader
	if !o.cfg.Coverage.Disable {
		uploader = coverage.NewUploader(o.cfg.Coverage, os.Getenv(o.cfg.Coverage.TokenEnv))
	}

	deps := Deps{
		Config:    o.cfg,
		RunID:     runID,
		RunDir:    runDir,
		Workspace: o.opts.Workspace,
		Postgres:  pg,
		Artifacts: store,
		Coverage:  uploader,
	}
	return deps, func() {
		if err := pg.Close(context.Background()); err != nil {
			slog.Warn("stopping postgresql services", "error", err)
		}
	}, nil
}

// schedule starts every node once all of its dependencies have finished.
// At most max_parallel_jobs nodes run at a time.
func (o *Orchestrator) schedule(ctx context.Context, runDir string, deps Deps) []models.NodeResult {
	limit := o.cfg.MaxParallelJobs
	if limit <= 0 {
		limit = 1
	}
	sem := semaphore.NewWeighted(int64(limit))

	done := make(map[string]chan struct{}, len(o.plan.Order))
	for _, id := range o.plan.Order {
		done[id] = make(chan struct{})
	}

	var mu sync.Mutex
	results := make(map[string]models.NodeResult, len(o.plan.Order))

	var g errgroup.Group
	for _, id := range o.plan.Order {
		g.Go(func() error {
			defer close(done[id])

			depResults := make(map[string]models.NodeResult)
			for _, dep := range o.plan.Needs(id) {
				<-done[dep]
				mu.Lock()
				depResults[dep] = results[dep]
				mu.Unlock()
			}

			res := o.runNode(ctx, sem, runDir, deps, id, depResults)
			for _, c := range res.Cells {
				o.recorder.ObserveCell(c)
			}
			o.recorder.ObserveNode(res)

			nodeDir := filepath.Join(runDir, filepath.FromSlash(id))
			os.MkdirAll(nodeDir, 0755)
			resJSON, _ := json.MarshalIndent(res, "", "  ")
			os.WriteFile(filepath.Join(nodeDir, "result.json"), resJSON, 0644)

			slog.Info("job finished", "node", id, "status", res.Status, "cells", len(res.Cells))

			mu.Lock()
			results[id] = res
			mu.Unlock()
			return nil
		})
	}
	g.Wait()

	out := make([]models.NodeResult, 0, len(o.plan.Order))
	for _, id := range o.plan.Order {
		out = append(out, results[id])
	}
	return out
}

func (o *Orchestrator) runNode(ctx context.Context, sem *semaphore.Weighted, runDir string, deps Deps, id string, depResults map[string]models.NodeResult) models.NodeResult {
	node := o.plan.Nodes[id]
	cells := o.plan.Cells[id]
	for i := range cells {
		cells[i].OutputDir = filepath.Join(runDir, filepath.FromSlash(id), cellDirName(cells[i]))
	}

	res := models.NodeResult{
		NodeID:          id,
		Name:            node.DisplayName(),
		ContinueOnError: node.Job.ContinueOnError,
		StartedAt:       time.Now(),
	}
	finish := func(status models.Status, errType models.ErrorType, msg string) models.NodeResult {
		res.Status = status
		if errType != "" {
			res.Error = &models.CellError{Type: errType, Message: msg}
		}
		res.Cells = notRun(cells, status, res.Error)
		res.EndedAt = time.Now()
		return res
	}

	if ctx.Err() != nil {
		return finish(models.StatusCancelled, models.ErrCancelled, "run cancelled before the job started")
	}

	// enclosing call jobs are evaluated outermost first, then the job's own
	// if:, each against the dependencies declared at its own level
	conds := make([]condition, 0, len(node.Calls)+1)
	for _, c := range node.Calls {
		conds = append(conds, condition{
			cond: c.If, scope: nodePrefix(c.ID), exclude: c.ID,
			inputs: c.Inputs, secrets: c.Secrets, env: c.Env,
		})
	}
	conds = append(conds, condition{
		cond: node.Job.If, scope: nodePrefix(id),
		inputs: node.Inputs, secrets: node.Secrets, env: node.Env,
	})

	var needs map[string]any
	for _, c := range conds {
		scoped := scopeDeps(depResults, c.scope, c.exclude)
		status, blockedBy := depStatus(scoped)
		needs = needsContext(scoped, c.scope)
		run, err := expr.EvaluateCondition(c.cond, expr.Context{
			Inputs:  c.inputs,
			Secrets: expr.StringMap(c.secrets),
			Github:  workflow.GithubContext(o.plan.Workflow, o.plan.Event),
			Env:     c.env,
			Needs:   needs,
			Status:  status,
		})
		if err != nil {
			return finish(models.StatusFailure, models.ErrExpressionInvalid, err.Error())
		}
		if !run {
			if len(blockedBy) > 0 {
				return finish(models.StatusSkipped, models.ErrDependencyFailed,
					fmt.Sprintf("dependency did not succeed: %s", strings.Join(sortedStrings(blockedBy), ", ")))
			}
			return finish(models.StatusSkipped, "", "")
		}
	}

	if err := sem.Acquire(ctx, 1); err != nil {
		return finish(models.StatusCancelled, models.ErrCancelled, "run cancelled before the job started")
	}
	defer sem.Release(1)

	slog.Info("starting job", "node", id, "cells", len(cells))
	res.Cells = o.runCells(ctx, deps, node, cells, needs)
	res.Status = nodeStatus(res.Cells)
	res.EndedAt = time.Now()
	return res
}

// runCells executes the cells of a node with a bounded worker pool fed by an
// unbuffered channel. With fail-fast, a failed cell stops the feeder and any
// cell not yet started is cancelled.
func (o *Orchestrator) runCells(ctx context.Context, deps Deps, node models.Node, cells []models.Cell, needs map[string]any) []models.CellResult {
	if len(cells) == 0 {
		return nil
	}

	nWorkers := node.Job.Strategy.MaxParallel
	if nWorkers <= 0 {
		nWorkers = o.cfg.MaxParallelCells
	}
	if nWorkers <= 0 {
		nWorkers = 1
	}
	if nWorkers > len(cells) {
		nWorkers = len(cells)
	}

	failFast := node.Job.Strategy.IsFailFast() && !node.Job.ContinueOnError
	var stopped atomic.Bool

	cellChan := make(chan models.Cell) // unbuffered
	resultChan := make(chan models.CellResult, len(cells))

	var wg sync.WaitGroup
	for range nWorkers {
		wg.Go(func() {
			executor := o.newExecutor(deps)

			for cell := range cellChan {
				os.MkdirAll(cell.OutputDir, 0755)

				var result *models.CellResult
				switch {
				case ctx.Err() != nil:
					result = cancelledCell(cell, "run cancelled")
				case stopped.Load():
					result = cancelledCell(cell, "cancelled by fail-fast after another cell failed")
				default:
					result = o.runCell(ctx, executor, node, cell, needs, len(cells))
				}
				writeCellResult(cell, result)

				if result.Status == models.StatusFailure && failFast {
					stopped.Store(true)
				}
				resultChan <- *result
			}
		})
	}

	// Feeder goroutine: stops on cancellation or once fail-fast triggers
	go func() {
		defer close(cellChan)
		for _, cell := range cells {
			if stopped.Load() {
				return
			}
			select {
			case <-ctx.Done():
				return
			case cellChan <- cell:
			}
		}
	}()

	go func() {
		wg.Wait()
		close(resultChan)
	}()

	byID := make(map[string]models.CellResult, len(cells))
	for result := range resultChan {
		byID[result.CellID] = result
	}

	results := make([]models.CellResult, 0, len(cells))
	for _, cell := range cells {
		if r, ok := byID[cell.ID]; ok {
			results = append(results, r)
			continue
		}
		msg := "cancelled by fail-fast after another cell failed"
		if ctx.Err() != nil {
			msg = "run cancelled"
		}
		r := cancelledCell(cell, msg)
		os.MkdirAll(cell.OutputDir, 0755)
		writeCellResult(cell, r)
		results = append(results, *r)
	}
	return results
}

func (o *Orchestrator) runCell(ctx context.Context, executor CellExecutor, node models.Node, cell models.Cell, needs map[string]any, total int) *models.CellResult {
	label := node.Job.RunnerLabel()
	if expr.HasExpression(label) {
		var err error
		label, err = expr.Interpolate(label, expr.Context{
			Inputs: node.Inputs,
			Matrix: cell.Values,
			Github: workflow.GithubContext(o.plan.Workflow, o.plan.Event),
		})
		if err != nil {
			return failedCell(cell, models.ErrExpressionInvalid, fmt.Sprintf("runs-on: %s", err))
		}
	}

	runner, provider, err := o.providers.get(label)
	if err != nil {
		return failedCell(cell, models.ErrEnvironmentCreateFailed, err.Error())
	}

	slog.Debug("starting cell", "cell", cell.ID, "runner", label, "provider", provider.Name())
	result, err := executor.Execute(ctx, CellRun{
		Node:     node,
		Cell:     cell,
		Label:    label,
		Runner:   runner,
		Needs:    needs,
		Event:    o.plan.Event,
		Workflow: o.plan.Workflow,
		Total:    total,
	}, provider)
	if err != nil {
		return failedCell(cell, models.ErrInternalError, err.Error())
	}
	slog.Info("cell finished", "cell", cell.ID, "status", result.Status)
	return result
}

func (o *Orchestrator) aggregateResults(runID string, nodes []models.NodeResult, startTime time.Time) *models.RunResult {
	rr := &models.RunResult{
		RunID:      runID,
		Workflow:   o.plan.Workflow.Path,
		Event:      o.plan.Event,
		Status:     models.StatusSuccess,
		TotalNodes: len(nodes),
		StartedAt:  startTime,
		EndedAt:    time.Now(),
		Nodes:      nodes,
	}
	rr.DurationSec = rr.EndedAt.Sub(rr.StartedAt).Seconds()

	for _, n := range nodes {
		switch n.Status {
		case models.StatusSuccess:
			rr.SucceededNodes++
		case models.StatusFailure:
			rr.FailedNodes++
			if !n.ContinueOnError {
				rr.Status = models.StatusFailure
			}
		case models.StatusSkipped, models.StatusCancelled:
			rr.SkippedNodes++
		}

		for _, c := range n.Cells {
			rr.TotalCells++
			switch c.Status {
			case models.StatusSuccess:
				rr.PassedCells++
			case models.StatusFailure:
				rr.FailedCells++
			case models.StatusCancelled:
				rr.CancelledCells++
			case models.StatusSkipped:
				rr.SkippedCells++
			}
		}
	}
	return rr
}

// nodeStatus folds cell outcomes: any failure fails the node, otherwise any
// cancellation cancels it.
func nodeStatus(cells []models.CellResult) models.Status {
	status := models.StatusSuccess
	for _, c := range cells {
		switch c.Status {
		case models.StatusFailure:
			return models.StatusFailure
		case models.StatusCancelled:
			status = models.StatusCancelled
		}
	}
	return status
}

// condition is one `if:` guarding a node, with the expression context of the
// workflow level it was declared at.
type condition struct {
	cond    string
	scope   string // node ID prefix of the declaring workflow instance
	exclude string // nested call instance whose nodes are not dependencies at this level
	inputs  map[string]any
	secrets map[string]string
	env     map[string]any
}

// nodePrefix returns the ID prefix of the workflow instance that declares id.
func nodePrefix(id string) string {
	i := strings.LastIndex(id, "/")
	if i < 0 {
		return ""
	}
	return id[:i]
}

// scopeDeps keeps the dependencies declared inside the workflow instance at
// prefix, leaving out those inside the nested instance exclude.
func scopeDeps(deps map[string]models.NodeResult, prefix, exclude string) map[string]models.NodeResult {
	out := make(map[string]models.NodeResult, len(deps))
	for id, res := range deps {
		if !strings.HasPrefix(id, prefix+"/") {
			continue
		}
		if exclude != "" && strings.HasPrefix(id, exclude+"/") {
			continue
		}
		out[id] = res
	}
	return out
}

// depStatus derives the status seen by an if: from its dependencies and
// lists the ones that did not succeed.
func depStatus(deps map[string]models.NodeResult) (models.Status, []string) {
	status := models.StatusSuccess
	var blockedBy []string
	for depID, dep := range deps {
		if !dep.Blocks() {
			continue
		}
		blockedBy = append(blockedBy, depID)
		if dep.Status == models.StatusCancelled && status != models.StatusFailure {
			status = models.StatusCancelled
		} else {
			status = models.StatusFailure
		}
	}
	return status, blockedBy
}

// needsContext builds needs.<job>.result for dependencies declared in the
// workflow instance at prefix. Nodes expanded from a reusable workflow call
// are reported under the call job's key, with the worst result of its nodes.
func needsContext(deps map[string]models.NodeResult, prefix string) map[string]any {
	rank := map[models.Status]int{
		models.StatusSuccess:   0,
		models.StatusSkipped:   1,
		models.StatusCancelled: 2,
		models.StatusFailure:   3,
	}
	worst := make(map[string]models.Status)
	for depID, res := range deps {
		key := needsKey(strings.TrimPrefix(depID, prefix+"/"))
		status := res.Status
		if status == models.StatusFailure && res.ContinueOnError {
			status = models.StatusSuccess
		}
		if cur, ok := worst[key]; !ok || rank[status] > rank[cur] {
			worst[key] = status
		}
	}

	out := make(map[string]any, len(worst))
	for key, status := range worst {
		out[key] = map[string]any{
			"result":  string(status),
			"outputs": map[string]any{},
		}
	}
	return out
}

// needsKey returns the job key of a node ID relative to its declaring
// workflow: the first segment, without a call job's matrix values.
func needsKey(rel string) string {
	key, _, _ := strings.Cut(rel, "/")
	if i := strings.IndexAny(key, "(#"); i >= 0 {
		key = key[:i]
	}
	return key
}

func failedCell(cell models.Cell, errType models.ErrorType, msg string) *models.CellResult {
	now := time.Now()
	return &models.CellResult{
		NodeID: cell.NodeID,
		CellID: cell.ID,
		Matrix: cell.Matrix,
		Status: models.StatusFailure,
		Error:  &models.CellError{Type: errType, Message: msg},
		Timestamps: models.Timestamps{
			StartedAt: now,
			EndedAt:   now,
		},
	}
}

func cancelledCell(cell models.Cell, msg string) *models.CellResult {
	r := failedCell(cell, models.ErrCancelled, msg)
	r.Status = models.StatusCancelled
	return r
}

// notRun reports cells of a node that never started.
func notRun(cells []models.Cell, status models.Status, cause *models.CellError) []models.CellResult {
	out := make([]models.CellResult, 0, len(cells))
	for _, cell := range cells {
		out = append(out, models.CellResult{
			NodeID: cell.NodeID,
			CellID: cell.ID,
			Matrix: cell.Matrix,
			Status: status,
			Error:  cause,
		})
	}
	return out
}

func writeCellResult(cell models.Cell, result *models.CellResult) {
	if cell.OutputDir == "" {
		return
	}
	resultJSON, _ := json.MarshalIndent(result, "", "  ")
	os.WriteFile(filepath.Join(cell.OutputDir, "result.json"), resultJSON, 0644)
	if result.Error != nil {
		os.WriteFile(filepath.Join(cell.OutputDir, "error.txt"), []byte(result.Error.Message), 0644)
	}
}

// cellDirName names a cell's output directory: its index followed by its
// matrix values, or "cell" for a node without a matrix.
func cellDirName(cell models.Cell) string {
	if len(cell.Matrix) == 0 {
		return "cell"
	}
	keys := sortedStrings(mapKeys(cell.Matrix))
	parts := []string{strconv.Itoa(cell.Index)}
	for _, k := range keys {
		if v := pathSafe(cell.Matrix[k]); v != "" {
			parts = append(parts, v)
		}
	}
	return strings.Join(parts, "-")
}

func pathSafe(s string) string {
	var b strings.Builder
	for _, r := range s {
		switch {
		case r >= 'a' && r <= 'z', r >= 'A' && r <= 'Z', r >= '0' && r <= '9', r == '.', r == '_', r == '-':
			b.WriteRune(r)
		default:
			b.WriteByte('_')
		}
	}
	out := strings.Trim(b.String(), "._")
	if len(out) > 40 {
		out = out[:40]
	}
	return out
}
