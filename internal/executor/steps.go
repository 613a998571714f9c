package executor

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"os"
	"path/filepath"
	"regexp"
	"strconv"
	"strings"
	"time"

	"github.com/Masterminds/semver/v3"

	"github.com/spachava753/matrixci/internal/artifact"
	"github.com/spachava753/matrixci/internal/coverage"
	"github.com/spachava753/matrixci/internal/environment"
	"github.com/spachava753/matrixci/internal/expr"
	"github.com/spachava753/matrixci/internal/models"
	"github.com/spachava753/matrixci/internal/workflow"
)

// runSteps executes the job's steps in order and records a StepResult for
// each. The first failing step without continue-on-error becomes the cell
// error; later steps only run when their if: allows it.
func (e *DefaultCellExecutor) runSteps(ctx context.Context, st *cellState, result *models.CellResult) {
	status := models.StatusSuccess

	for i, step := range st.run.Node.Job.Steps {
		sr := models.StepResult{Index: i, Name: step.DisplayName()}

		if ctx.Err() != nil && status == models.StatusSuccess {
			status = models.StatusCancelled
		}
		st.exprCtx.Status = status
		st.exprCtx.Job["status"] = string(status)

		run, err := expr.EvaluateCondition(step.If, st.exprCtx)
		var stepErr *models.CellError
		switch {
		case err != nil:
			stepErr = &models.CellError{Type: models.ErrExpressionInvalid, Message: fmt.Sprintf("step %d if: %s", i, err)}
			sr.ExitCode = -1
		case !run:
			sr.Status = models.StatusSkipped
			sr.Outcome = models.StatusSkipped
			e.recordStep(st, step, sr)
			result.Steps = append(result.Steps, sr)
			continue
		default:
			start := time.Now()
			sr.ExitCode, stepErr = e.runStep(ctx, st, result, i, step)
			sr.DurationSec = time.Since(start).Seconds()
		}

		if stepErr == nil {
			sr.Status = models.StatusSuccess
			sr.Outcome = models.StatusSuccess
		} else {
			sr.Outcome = models.StatusFailure
			sr.Error = stepErr
			if step.ContinueOnError {
				sr.Status = models.StatusSuccess
				slog.Info("step failed, continuing", "cell", st.run.Cell.ID, "step", sr.Name, "error", stepErr.Message)
			} else {
				sr.Status = models.StatusFailure
				if result.Error == nil {
					result.Error = stepErr
				}
				if stepErr.Type == models.ErrCancelled {
					status = models.StatusCancelled
				} else if status != models.StatusCancelled {
					status = models.StatusFailure
				}
			}
		}

		e.recordStep(st, step, sr)
		result.Steps = append(result.Steps, sr)
	}

	switch {
	case status == models.StatusCancelled:
		result.Status = models.StatusCancelled
	case result.Error != nil:
		result.Status = models.StatusFailure
	}
}

func (e *DefaultCellExecutor) recordStep(st *cellState, step models.Step, sr models.StepResult) {
	if step.ID == "" {
		return
	}
	st.steps[step.ID] = map[string]any{
		"outcome":    string(sr.Outcome),
		"conclusion": string(sr.Status),
		"outputs":    map[string]any{},
	}
}

// runStep executes a run: script or a built-in action. It returns the exit
// code and, on failure, the error to record.
func (e *DefaultCellExecutor) runStep(ctx context.Context, st *cellState, result *models.CellResult, index int, step models.Step) (int, *models.CellError) {
	stepEnv, err := interpolateEnv(step.Env, st.exprCtx)
	if err != nil {
		return -1, &models.CellError{Type: models.ErrExpressionInvalid, Message: err.Error()}
	}
	env := make(map[string]string, len(st.baseEnv)+len(stepEnv))
	for k, v := range st.baseEnv {
		env[k] = v
	}
	for k, v := range stepEnv {
		env[k] = v
	}

	if step.Uses != "" {
		return e.runAction(ctx, st, result, index, step, env)
	}

	script, err := expr.Interpolate(step.Run, st.exprCtx)
	if err != nil {
		return -1, &models.CellError{Type: models.ErrExpressionInvalid, Message: fmt.Sprintf("step %d run: %s", index, err)}
	}
	workdir, err := expr.Interpolate(step.WorkingDirectory, st.exprCtx)
	if err != nil {
		return -1, &models.CellError{Type: models.ErrExpressionInvalid, Message: fmt.Sprintf("step %d working-directory: %s", index, err)}
	}
	shell := step.Shell
	if shell == "" {
		shell = st.run.Runner.Shell
	}

	stdout, stderr, closeLogs := e.stepLogs(st, index)
	defer closeLogs()

	exitCode, err := st.env.Exec(ctx, script, stdout, stderr, environment.ExecOptions{
		Env:     env,
		Timeout: minutes(step.TimeoutMinutes),
		WorkDir: workdir,
		Shell:   shell,
	})
	if err != nil {
		return -1, execError(ctx, err)
	}
	if exitCode != 0 {
		return exitCode, &models.CellError{
			Type:    models.ErrStepFailed,
			Message: fmt.Sprintf("step %q exited with code %d", step.DisplayName(), exitCode),
		}
	}
	return 0, nil
}

// execError classifies an Exec error: the step's own timeout, the job's
// timeout, cancellation or a plain failure.
func execError(ctx context.Context, err error) *models.CellError {
	switch {
	case errors.Is(err, environment.ErrExecTimeout) && ctx.Err() == nil:
		return &models.CellError{Type: models.ErrStepTimeout, Message: err.Error()}
	case errors.Is(ctx.Err(), context.DeadlineExceeded):
		return &models.CellError{Type: models.ErrJobTimeout, Message: "job exceeded timeout-minutes"}
	case errors.Is(ctx.Err(), context.Canceled):
		return &models.CellError{Type: models.ErrCancelled, Message: "run cancelled"}
	default:
		return &models.CellError{Type: models.ErrStepFailed, Message: err.Error()}
	}
}

// stepLogs opens steps/<n>/stdout.txt and stderr.txt in the cell output
// directory. Secret values are masked.
func (e *DefaultCellExecutor) stepLogs(st *cellState, index int) (io.Writer, io.Writer, func()) {
	dir := st.run.Cell.OutputDir
	if dir == "" {
		return io.Discard, io.Discard, func() {}
	}
	stepDir := filepath.Join(dir, "steps", strconv.Itoa(index))
	if err := os.MkdirAll(stepDir, 0755); err != nil {
		slog.Warn("creating step log directory", "error", err)
		return io.Discard, io.Discard, func() {}
	}
	open := func(name string) (io.Writer, func()) {
		f, err := os.Create(filepath.Join(stepDir, name))
		if err != nil {
			slog.Warn("creating step log", "error", err)
			return io.Discard, func() {}
		}
		mw := newMaskWriter(f, st.secrets)
		return mw, func() {
			if err := mw.Flush(); err != nil {
				slog.Warn("writing step log", "error", err)
			}
			f.Close()
		}
	}
	stdout, closeOut := open("stdout.txt")
	stderr, closeErr := open("stderr.txt")
	return stdout, stderr, func() {
		closeOut()
		closeErr()
	}
}

// maskWriter replaces secret values with *** before writing. Output that may
// be the start of a secret is held back until the next write or Flush, so a
// secret split across writes is still masked.
type maskWriter struct {
	w        io.Writer
	secrets  [][]byte
	replacer *strings.Replacer
	hold     int // longest secret length minus one
	buf      []byte
}

func newMaskWriter(w io.Writer, secrets []string) *maskWriter {
	m := &maskWriter{w: w}
	pairs := make([]string, 0, 2*len(secrets))
	for _, s := range secrets {
		if s == "" {
			continue
		}
		pairs = append(pairs, s, "***")
		m.secrets = append(m.secrets, []byte(s))
		m.hold = max(m.hold, len(s)-1)
	}
	if len(pairs) > 0 {
		m.replacer = strings.NewReplacer(pairs...)
	}
	return m
}

func (m *maskWriter) Write(p []byte) (int, error) {
	if m.replacer == nil {
		return m.w.Write(p)
	}
	m.buf = append(m.buf, p...)
	cut := m.safeCut(len(m.buf) - m.hold)
	if cut <= 0 {
		return len(p), nil
	}
	if _, err := io.WriteString(m.w, m.replacer.Replace(string(m.buf[:cut]))); err != nil {
		return 0, err
	}
	m.buf = append(m.buf[:0], m.buf[cut:]...)
	return len(p), nil
}

// safeCut moves cut back until no secret occurrence straddles it.
func (m *maskWriter) safeCut(cut int) int {
	for moved := true; moved && cut > 0; {
		moved = false
		for _, s := range m.secrets {
			for start := max(0, cut-len(s)+1); start < cut; start++ {
				if bytes.HasPrefix(m.buf[start:], s) {
					cut = start
					moved = true
					break
				}
			}
		}
	}
	return cut
}

// Flush writes any held-back output.
func (m *maskWriter) Flush() error {
	if len(m.buf) == 0 {
		return nil
	}
	_, err := io.WriteString(m.w, m.replacer.Replace(string(m.buf)))
	m.buf = m.buf[:0]
	return err
}

// runAction emulates the built-in actions.
func (e *DefaultCellExecutor) runAction(ctx context.Context, st *cellState, result *models.CellResult, index int, step models.Step, env map[string]string) (int, *models.CellError) {
	with := make(map[string]string, len(step.With))
	for k, v := range step.With {
		s, err := expr.Interpolate(expr.Stringify(v), st.exprCtx)
		if err != nil {
			return -1, &models.CellError{Type: models.ErrExpressionInvalid, Message: fmt.Sprintf("step %d with.%s: %s", index, k, err)}
		}
		with[k] = s
	}

	name := workflow.ActionName(step.Uses)
	switch {
	case name == workflow.ActionCheckout:
		return e.checkout(ctx, st, with)
	case name == workflow.ActionSetupPython:
		return e.setupPython(ctx, st, index, with, env)
	case workflow.IsPostgresAction(step.Uses):
		if st.pgEnv == nil {
			return -1, &models.CellError{Type: models.ErrServiceStartFailed, Message: "postgresql was not provisioned"}
		}
		return 0, nil
	case name == workflow.ActionUploadArtifact:
		return e.uploadArtifact(ctx, st, result, with)
	case name == workflow.ActionCodecov:
		return e.uploadCoverage(ctx, st, result, with)
	default:
		return -1, &models.CellError{Type: models.ErrStepUnsupported, Message: fmt.Sprintf("action %s is not supported", step.Uses)}
	}
}

func (e *DefaultCellExecutor) checkout(ctx context.Context, st *cellState, with map[string]string) (int, *models.CellError) {
	if e.Workspace == "" {
		return -1, &models.CellError{Type: models.ErrStepFailed, Message: "no workspace to check out"}
	}
	dst := with["path"]
	if dst == "" {
		dst = "."
	}
	if err := st.env.CopyTo(ctx, e.Workspace, dst); err != nil {
		return -1, &models.CellError{Type: models.ErrStepFailed, Message: fmt.Sprintf("checking out workspace: %s", err)}
	}
	return 0, nil
}

var pythonVersionRe = regexp.MustCompile(`Python (\d+\.\d+(?:\.\d+)?)`)

func (e *DefaultCellExecutor) setupPython(ctx context.Context, st *cellState, index int, with, env map[string]string) (int, *models.CellError) {
	stdout, stderr, closeLogs := e.stepLogs(st, index)
	defer closeLogs()

	var out bytes.Buffer
	code, err := st.env.Exec(ctx, "python3 --version 2>&1 || python --version 2>&1", io.MultiWriter(&out, stdout), stderr, environment.ExecOptions{
		Env:   env,
		Shell: "sh",
	})
	if err != nil {
		return -1, execError(ctx, err)
	}
	if code != 0 {
		return code, &models.CellError{Type: models.ErrStepFailed, Message: "python is not installed in the environment"}
	}

	requested := with["python-version"]
	if requested == "" {
		return 0, nil
	}
	m := pythonVersionRe.FindStringSubmatch(out.String())
	if m == nil {
		return -1, &models.CellError{Type: models.ErrStepFailed, Message: fmt.Sprintf("unrecognised python version output %q", strings.TrimSpace(out.String()))}
	}
	ok, err := pythonMatches(requested, m[1])
	if err != nil {
		return -1, &models.CellError{Type: models.ErrStepFailed, Message: err.Error()}
	}
	if !ok {
		return -1, &models.CellError{Type: models.ErrStepFailed, Message: fmt.Sprintf("python %s found, %s requested", m[1], requested)}
	}
	return 0, nil
}

// pythonMatches reports whether the installed version satisfies requested.
// A plain version matches on the components it names, so 3.12 accepts any
// 3.12.x; anything else is read as a semver constraint.
func pythonMatches(requested, installed string) (bool, error) {
	have, err := semver.NewVersion(installed)
	if err != nil {
		return false, fmt.Errorf("parsing installed python version: %w", err)
	}
	requested = strings.TrimSpace(requested)

	if want, err := semver.NewVersion(requested); err == nil && !strings.ContainsAny(requested, "xX*") {
		switch strings.Count(requested, ".") {
		case 0:
			return have.Major() == want.Major(), nil
		case 1:
			return have.Major() == want.Major() && have.Minor() == want.Minor(), nil
		default:
			return have.Equal(want), nil
		}
	}

	c, err := semver.NewConstraint(requested)
	if err != nil {
		return false, fmt.Errorf("invalid python-version %q: %w", requested, err)
	}
	return c.Check(have), nil
}

// snapshot copies the environment's working directory to a host temp
// directory for collecting files.
func (e *DefaultCellExecutor) snapshot(ctx context.Context, st *cellState) (string, func(), error) {
	dir, err := os.MkdirTemp("", "matrixci-snapshot-")
	if err != nil {
		return "", nil, err
	}
	cleanup := func() { os.RemoveAll(dir) }
	dst := filepath.Join(dir, "workspace")
	if err := st.env.CopyFrom(ctx, st.env.Workdir(), dst); err != nil {
		cleanup()
		return "", nil, fmt.Errorf("copying workspace out of environment: %w", err)
	}
	return dst, cleanup, nil
}

func (e *DefaultCellExecutor) uploadArtifact(ctx context.Context, st *cellState, result *models.CellResult, with map[string]string) (int, *models.CellError) {
	fail := func(format string, args ...any) (int, *models.CellError) {
		return -1, &models.CellError{Type: models.ErrArtifactUploadFailed, Message: fmt.Sprintf(format, args...)}
	}
	if e.Artifacts == nil {
		return fail("no artifact store configured")
	}
	name := with["name"]
	if name == "" {
		name = "artifact"
	}
	patterns := splitList(with["path"], "\n")
	if len(patterns) == 0 {
		return fail("upload-artifact requires a path")
	}

	root, cleanup, err := e.snapshot(ctx, st)
	if err != nil {
		return fail("%s", err)
	}
	defer cleanup()

	files, err := artifact.Collect(root, patterns)
	if err != nil {
		return fail("%s", err)
	}
	if len(files) == 0 {
		switch with["if-no-files-found"] {
		case "error":
			return fail("no files found for %s", strings.Join(patterns, ", "))
		case "ignore":
		default:
			slog.Warn("no files found for artifact", "cell", st.run.Cell.ID, "artifact", name)
		}
		return 0, nil
	}

	buf, err := artifact.Archive(root, files)
	if err != nil {
		return fail("%s", err)
	}
	loc, err := e.Artifacts.Put(ctx, e.artifactKey(st.run.Cell, name), buf, int64(buf.Len()))
	if err != nil {
		return fail("%s", err)
	}
	result.Artifacts = append(result.Artifacts, loc)
	slog.Debug("artifact stored", "cell", st.run.Cell.ID, "artifact", name, "files", len(files), "location", loc)
	return 0, nil
}

func (e *DefaultCellExecutor) uploadCoverage(ctx context.Context, st *cellState, result *models.CellResult, with map[string]string) (int, *models.CellError) {
	if e.Coverage == nil {
		slog.Info("coverage upload disabled", "cell", st.run.Cell.ID)
		return 0, nil
	}
	// failures only fail the step when the workflow asks for it
	failOnError, _ := strconv.ParseBool(with["fail_ci_if_error"])
	fail := func(err error) (int, *models.CellError) {
		if !failOnError {
			slog.Warn("coverage upload failed", "cell", st.run.Cell.ID, "error", err)
			return 0, nil
		}
		return -1, &models.CellError{Type: models.ErrCoverageUploadFailed, Message: err.Error()}
	}

	root, cleanup, err := e.snapshot(ctx, st)
	if err != nil {
		return fail(err)
	}
	defer cleanup()

	patterns := splitList(with["files"], ",")
	if f := with["file"]; f != "" {
		patterns = append(patterns, f)
	}
	files, err := coverage.Find(root, patterns)
	if err != nil {
		return fail(err)
	}

	uploader := *e.Coverage
	if token := with["token"]; token != "" {
		uploader.Token = token
	}
	name := with["name"]
	if name == "" {
		name = st.run.Cell.ID
	}
	err = uploader.Upload(ctx, coverage.Report{
		Root:   root,
		Files:  files,
		Flags:  splitList(with["flags"], ","),
		Name:   name,
		Commit: st.run.Event.SHA,
		Branch: st.run.Event.Branch,
	})
	if err != nil {
		return fail(err)
	}
	result.CoverageUploaded = true
	return 0, nil
}

func splitList(s, sep string) []string {
	var out []string
	for _, item := range strings.Split(s, sep) {
		if item = strings.TrimSpace(item); item != "" {
			out = append(out, item)
		}
	}
	return out
}
