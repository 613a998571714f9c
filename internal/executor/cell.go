package executor

import (
	"context"
	"errors"
	"fmt"
	"hash/fnv"
	"log/slog"
	"os"
	"path"
	"sort"
	"strconv"
	"strings"
	"time"

	"github.com/spachava753/matrixci/internal/artifact"
	"github.com/spachava753/matrixci/internal/environment"
	"github.com/spachava753/matrixci/internal/expr"
	"github.com/spachava753/matrixci/internal/models"
	"github.com/spachava753/matrixci/internal/pgservice"
	"github.com/spachava753/matrixci/internal/workflow"
)

// DefaultPostgresVersion is provisioned when a job asks for PostgreSQL
// without naming a version.
const DefaultPostgresVersion = "17"

const maxAppNameLength = 63

// DefaultCellExecutor runs a single cell through all phases.
type DefaultCellExecutor struct {
	Deps
}

// NewCellExecutor creates a new cell executor.
func NewCellExecutor(deps Deps) *DefaultCellExecutor {
	return &DefaultCellExecutor{Deps: deps}
}

// DefaultCellExecutorFunc creates a default cell executor.
func DefaultCellExecutorFunc(deps Deps) CellExecutor {
	return NewCellExecutor(deps)
}

// cellState is what the steps of one cell share.
type cellState struct {
	run     CellRun
	env     environment.Environment
	exprCtx expr.Context
	baseEnv map[string]string
	steps   map[string]any
	pgEnv   map[string]string
	secrets []string
}

// Execute runs the cell and returns the result.
func (e *DefaultCellExecutor) Execute(ctx context.Context, run CellRun, provider environment.Provider) (*models.CellResult, error) {
	cell := run.Cell
	job := run.Node.Job

	result := &models.CellResult{
		NodeID: cell.NodeID,
		CellID: cell.ID,
		Matrix: cell.Matrix,
		Timestamps: models.Timestamps{
			StartedAt: time.Now(),
		},
	}

	defer func() {
		result.Timestamps.EndedAt = time.Now()
		result.Durations.TotalSec = result.Timestamps.EndedAt.Sub(result.Timestamps.StartedAt).Seconds()
		if result.Status == "" {
			result.Status = models.StatusSuccess
			if result.Error != nil {
				result.Status = models.StatusFailure
			}
		}
	}()

	var teardown []func(context.Context)
	defer func() {
		if len(teardown) == 0 {
			return
		}
		start := time.Now()
		for i := len(teardown) - 1; i >= 0; i-- {
			teardown[i](context.Background())
		}
		dur := time.Since(start).Seconds()
		result.Durations.TeardownSec = &dur
	}()

	if job.TimeoutMinutes > 0 {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, minutes(job.TimeoutMinutes))
		defer cancel()
	}

	st, err := e.newCellState(run)
	if err != nil {
		result.Error = &models.CellError{Type: models.ErrExpressionInvalid, Message: err.Error()}
		return result, nil
	}

	// Phase 1: Service Setup
	version, needed, err := postgresVersion(run, st.exprCtx)
	if err != nil {
		result.Error = &models.CellError{Type: models.ErrExpressionInvalid, Message: err.Error()}
		return result, nil
	}
	if needed {
		start := time.Now()
		result.Timestamps.ServiceSetupStartedAt = &start
		inst, cleanup, err := e.provisionPostgres(ctx, version)
		end := time.Now()
		result.Timestamps.ServiceSetupEndedAt = &end
		setupDur := end.Sub(start).Seconds()
		result.Durations.ServiceSetupSec = &setupDur

		if err != nil {
			errType := models.ErrServiceStartFailed
			if errors.Is(err, pgservice.ErrDatabaseSetup) {
				errType = models.ErrDatabaseSetupFailed
			}
			result.Error = &models.CellError{Type: errType, Message: err.Error()}
			return result, nil
		}
		teardown = append(teardown, func(ctx context.Context) {
			if err := cleanup(ctx); err != nil {
				slog.Warn("dropping cell database", "cell", cell.ID, "database", inst.DBName, "error", err)
			}
		})
		st.pgEnv = inst.Env()
		for k, v := range st.pgEnv {
			st.baseEnv[k] = v
		}
	}

	// Phase 2: Environment Setup
	result.Timestamps.EnvironmentSetupStartedAt = time.Now()
	env, errType, err := e.setupEnvironment(ctx, st, provider)
	result.Timestamps.EnvironmentSetupEndedAt = time.Now()
	setupDur := result.Timestamps.EnvironmentSetupEndedAt.Sub(result.Timestamps.EnvironmentSetupStartedAt).Seconds()
	result.Durations.EnvironmentSetupSec = &setupDur

	if err != nil {
		result.Error = &models.CellError{Type: errType, Message: err.Error()}
		return result, nil
	}
	st.env = env
	teardown = append(teardown, func(ctx context.Context) {
		if err := env.Destroy(ctx); err != nil {
			slog.Warn("destroying environment", "cell", cell.ID, "env", env.ID(), "error", err)
		}
	})

	// Phase 3: Steps
	result.Timestamps.StepsStartedAt = time.Now()
	e.runSteps(ctx, st, result)
	result.Timestamps.StepsEndedAt = time.Now()
	stepsDur := result.Timestamps.StepsEndedAt.Sub(result.Timestamps.StepsStartedAt).Seconds()
	result.Durations.StepsSec = &stepsDur

	// Phase 4: Collect logs of failed cells
	if result.Error != nil {
		if loc, err := e.uploadLogs(ctx, cell); err != nil {
			slog.Warn("archiving step logs", "cell", cell.ID, "error", err)
		} else if loc != "" {
			result.Artifacts = append(result.Artifacts, loc)
		}
	}

	return result, nil
}

func (e *DefaultCellExecutor) newCellState(run CellRun) (*cellState, error) {
	node := run.Node
	secrets := make([]string, 0, len(node.Secrets))
	for _, v := range node.Secrets {
		if v != "" {
			secrets = append(secrets, v)
		}
	}

	st := &cellState{
		run:     run,
		steps:   make(map[string]any),
		secrets: secrets,
		exprCtx: expr.Context{
			Inputs:  node.Inputs,
			Matrix:  run.Cell.Values,
			Secrets: expr.StringMap(node.Secrets),
			Github:  workflow.GithubContext(run.Workflow, run.Event),
			Needs:   run.Needs,
			Runner: map[string]any{
				"name": run.Label,
				"os":   "Linux",
				"temp": os.TempDir(),
			},
			Strategy: map[string]any{
				"fail-fast":    node.Job.Strategy.IsFailFast(),
				"max-parallel": node.Job.Strategy.MaxParallel,
				"job-index":    run.Cell.Index,
				"job-total":    run.Total,
			},
			Job:    map[string]any{"status": string(models.StatusSuccess)},
			Status: models.StatusSuccess,
		},
	}
	st.exprCtx.Steps = st.steps

	// workflow env, then job env, each able to read the layers before it
	envCtx := make(map[string]any)
	st.exprCtx.Env = envCtx
	for _, layer := range []map[string]any{node.Env, node.Job.Env} {
		values, err := interpolateEnv(layer, st.exprCtx)
		if err != nil {
			return nil, err
		}
		for k, v := range values {
			envCtx[k] = v
		}
	}

	st.baseEnv = map[string]string{
		"CI":                "true",
		"MATRIXCI":          "true",
		"MATRIXCI_RUN_ID":   e.RunID,
		"MATRIXCI_JOB":      node.ID,
		"MATRIXCI_CELL":     run.Cell.ID,
		"GITHUB_ACTIONS":    "false",
		"GITHUB_EVENT_NAME": run.Event.Name,
		"GITHUB_REF_NAME":   run.Event.Branch,
		"GITHUB_SHA":        run.Event.SHA,
		"GITHUB_JOB":        node.JobKey,
	}
	for k, v := range run.Cell.Matrix {
		st.baseEnv["MATRIXCI_MATRIX_"+envName(k)] = v
	}
	for k, v := range envCtx {
		st.baseEnv[k] = v.(string)
	}
	return st, nil
}

func (e *DefaultCellExecutor) provisionPostgres(ctx context.Context, version string) (pgservice.Instance, func(context.Context) error, error) {
	if e.Postgres == nil {
		return pgservice.Instance{}, nil, errors.New("no postgresql service manager configured")
	}
	return e.Postgres.Provision(ctx, version)
}

func (e *DefaultCellExecutor) setupEnvironment(ctx context.Context, st *cellState, provider environment.Provider) (environment.Environment, models.ErrorType, error) {
	runner := st.run.Runner

	image, err := expr.Interpolate(runner.Image, st.exprCtx)
	if err != nil {
		return nil, models.ErrExpressionInvalid, fmt.Errorf("runner image: %w", err)
	}
	if image != "" {
		if err := provider.PullImage(ctx, image); err != nil {
			return nil, models.ErrEnvironmentImagePullFailed, fmt.Errorf("pulling image: %w", err)
		}
	}

	env, err := provider.CreateEnvironment(ctx, environment.CreateEnvironmentOptions{
		Name:        e.environmentName(st.run.Cell),
		ImageRef:    image,
		CPUs:        runner.CPUs,
		MemoryMB:    runner.MemoryMB,
		Env:         st.baseEnv,
		HostNetwork: st.pgEnv != nil,
	})
	if err != nil {
		return nil, models.ErrEnvironmentCreateFailed, fmt.Errorf("creating environment: %w", err)
	}

	st.baseEnv["GITHUB_WORKSPACE"] = env.Workdir()
	st.exprCtx.Runner["workspace"] = env.Workdir()
	return env, "", nil
}

// uploadLogs archives the step logs of a cell into the artifact store.
func (e *DefaultCellExecutor) uploadLogs(ctx context.Context, cell models.Cell) (string, error) {
	if e.Artifacts == nil || cell.OutputDir == "" {
		return "", nil
	}
	files, err := artifact.Collect(cell.OutputDir, []string{"steps"})
	if err != nil || len(files) == 0 {
		return "", err
	}
	buf, err := artifact.Archive(cell.OutputDir, files)
	if err != nil {
		return "", err
	}
	return e.Artifacts.Put(ctx, e.artifactKey(cell, "logs"), buf, int64(buf.Len()))
}

func (e *DefaultCellExecutor) artifactKey(cell models.Cell, name string) string {
	return path.Join(e.RunID, cell.NodeID, cellDirName(cell), pathSafe(name)+".tar.gz")
}

// postgresVersion reports whether the job needs PostgreSQL and which
// version. A postgres service image decides first, then the version given
// to a setup-postgres step, then a postgresql matrix value or input.
func postgresVersion(run CellRun, ctx expr.Context) (string, bool, error) {
	job := run.Node.Job

	names := make([]string, 0, len(job.Services))
	for name := range job.Services {
		names = append(names, name)
	}
	sort.Strings(names)
	for _, name := range names {
		image, err := expr.Interpolate(job.Services[name].Image, ctx)
		if err != nil {
			return "", false, fmt.Errorf("services.%s.image: %w", name, err)
		}
		repo, tag, _ := strings.Cut(image, ":")
		if path.Base(repo) != "postgres" {
			continue
		}
		tag, _, _ = strings.Cut(tag, "-")
		if tag == "" || tag == "latest" {
			return fallbackPostgresVersion(run), true, nil
		}
		return tag, true, nil
	}

	for i, step := range job.Steps {
		if !workflow.IsPostgresAction(step.Uses) {
			continue
		}
		if v, ok := step.With["postgres-version"]; ok {
			s, err := expr.Interpolate(expr.Stringify(v), ctx)
			if err != nil {
				return "", false, fmt.Errorf("steps[%d].with.postgres-version: %w", i, err)
			}
			if s != "" {
				return s, true, nil
			}
		}
		return fallbackPostgresVersion(run), true, nil
	}
	return "", false, nil
}

func fallbackPostgresVersion(run CellRun) string {
	if v, ok := run.Cell.Matrix["postgresql"]; ok && v != "" {
		return v
	}
	if v, ok := run.Node.Inputs["postgresql"]; ok {
		if s := expr.Stringify(v); s != "" {
			return s
		}
	}
	return DefaultPostgresVersion
}

func interpolateEnv(m map[string]any, ctx expr.Context) (map[string]string, error) {
	out := make(map[string]string, len(m))
	for k, v := range m {
		s, ok := v.(string)
		if !ok {
			out[k] = expr.Stringify(v)
			continue
		}
		val, err := expr.Interpolate(s, ctx)
		if err != nil {
			return nil, fmt.Errorf("env.%s: %w", k, err)
		}
		out[k] = val
	}
	return out, nil
}

func minutes(m float64) time.Duration {
	return time.Duration(m * float64(time.Minute))
}

// envName upper-cases a matrix key for use in a variable name.
func envName(s string) string {
	return strings.ToUpper(strings.NewReplacer("-", "_", ".", "_").Replace(s))
}

// sanitizeEnvName turns a cell name into an environment name made of lower
// case letters, digits and single hyphens, at most maxAppNameLength long.
func sanitizeEnvName(name string) string {
	var b strings.Builder
	lastHyphen := true
	for _, r := range strings.ToLower(name) {
		if (r >= 'a' && r <= 'z') || (r >= '0' && r <= '9') {
			b.WriteRune(r)
			lastHyphen = false
			continue
		}
		if !lastHyphen {
			b.WriteByte('-')
			lastHyphen = true
		}
	}
	out := strings.TrimRight(b.String(), "-")
	if len(out) > maxAppNameLength {
		out = strings.TrimRight(out[:maxAppNameLength], "-")
	}
	return out
}

// environmentName names a cell's environment. The readable prefix is
// truncated first so the suffix, unique per run and cell, always survives.
func (e *DefaultCellExecutor) environmentName(cell models.Cell) string {
	h := fnv.New32a()
	h.Write([]byte(e.RunID + "/" + cell.ID))
	suffix := fmt.Sprintf("%08x-%s", h.Sum32(), strconv.FormatInt(time.Now().Unix(), 36))
	return uniqueEnvName("matrixci-"+cell.ID, suffix)
}

func uniqueEnvName(prefix, suffix string) string {
	suffix = sanitizeEnvName(suffix)
	room := maxAppNameLength - len(suffix) - 1
	p := sanitizeEnvName(prefix)
	if len(p) > room {
		p = strings.TrimRight(p[:max(room, 0)], "-")
	}
	if p == "" {
		return suffix
	}
	return p + "-" + suffix
}

func mapKeys[V any](m map[string]V) []string {
	keys := make([]string, 0, len(m))
	for k := range m {
		keys = append(keys, k)
	}
	return keys
}

func sortedStrings(s []string) []string {
	sort.Strings(s)
	return s
}
