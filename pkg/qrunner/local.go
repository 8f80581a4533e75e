package qrunner

import (
	"context"
	"errors"
	"fmt"
	"io"
	"os"
	"os/exec"
	"path/filepath"
	"sort"
	"syscall"
	"time"

	"github.com/google/uuid"
	"github.com/quatton/rvcsync/pkg/qerr"
	"github.com/quatton/rvcsync/pkg/qlog"
)

// EnvRunID is exported to the workload so it can tag its own artifacts.
const EnvRunID = "RVCSYNC_RUN_ID"

// LocalRunner runs the workload as a child process of the orchestrator.
type LocalRunner struct {
	output      io.Writer
	log         *qlog.Logger
	gracePeriod time.Duration
}

// LocalRunnerOption configures a LocalRunner
type LocalRunnerOption func(*LocalRunner)

// WithOutput sets where the live copy of the workload output goes (default os.Stdout).
func WithOutput(w io.Writer) LocalRunnerOption {
	return func(r *LocalRunner) {
		r.output = w
	}
}

// WithLogger sets the orchestrator logger.
func WithLogger(log *qlog.Logger) LocalRunnerOption {
	return func(r *LocalRunner) {
		r.log = log
	}
}

// WithGracePeriod sets how long a cancelled workload has between SIGTERM and SIGKILL.
func WithGracePeriod(d time.Duration) LocalRunnerOption {
	return func(r *LocalRunner) {
		r.gracePeriod = d
	}
}

func NewLocalRunner(opts ...LocalRunnerOption) *LocalRunner {
	r := &LocalRunner{
		output:      os.Stdout,
		log:         qlog.Discard(),
		gracePeriod: 10 * time.Second,
	}
	for _, opt := range opts {
		opt(r)
	}
	return r
}

func (r *LocalRunner) Run(ctx context.Context, spec JobSpec) (*Run, error) {
	runID := spec.ID
	if runID == "" {
		uuidV7, err := uuid.NewV7()
		if err != nil {
			return nil, fmt.Errorf("failed to generate UUID: %w", err)
		}
		runID = uuidV7.String()
	}

	run := &Run{
		ID:         runID,
		Command:    spec.Command,
		Args:       spec.Args,
		WorkingDir: spec.WorkingDir,
		LogPath:    spec.LogPath,
		StartedAt:  time.Now(),
		Metadata:   make(map[string]string),
	}

	tee := newTee(r.log)
	tee.add("stdout", r.output)

	if spec.LogPath != "" {
		if err := os.MkdirAll(filepath.Dir(spec.LogPath), 0o755); err != nil {
			return r.notStarted(run, nil, qerr.New(qerr.CodeWorkspace, fmt.Errorf("failed to create log directory: %w", err)))
		}
		logFile, err := os.Create(spec.LogPath)
		if err != nil {
			return r.notStarted(run, nil, qerr.New(qerr.CodeWorkspace, fmt.Errorf("failed to create log file: %w", err)))
		}
		defer logFile.Close()
		tee.add("log file", logFile)
	}

	cmd := exec.CommandContext(ctx, spec.Command, spec.Args...)
	cmd.Dir = spec.WorkingDir
	cmd.Env = buildEnv(spec.Env, runID)
	// One writer for both streams: exec copies through a single pipe and the
	// file keeps the interleaving the workload produced.
	cmd.Stdout = tee
	cmd.Stderr = tee
	cmd.Cancel = func() error {
		return cmd.Process.Signal(syscall.SIGTERM)
	}
	cmd.WaitDelay = r.gracePeriod

	r.log.Info("starting workload", "run_id", runID, "command", spec.Command, "args", len(spec.Args))

	err := cmd.Start()
	if err != nil {
		return r.notStarted(run, tee, qerr.New(qerr.CodeExecution, fmt.Errorf("could not start %s: %w", spec.Command, err)))
	}

	err = cmd.Wait()
	run.FinishedAt = time.Now()

	// The exit status comes from the process handle. Output copying failures
	// surface from Wait as non-ExitError values and are ignored here.
	if cmd.ProcessState != nil {
		run.ExitCode, run.Signal = exitStatus(cmd.ProcessState)
	} else if err != nil {
		run.ExitCode = qerr.ExitNotStarted
		run.Error = err.Error()
	}

	switch {
	case ctx.Err() != nil:
		run.Status = RunStatusCancelled
	case run.ExitCode == 0:
		run.Status = RunStatusSucceeded
	default:
		run.Status = RunStatusFailed
	}

	if dropped := tee.dropped(); len(dropped) > 0 {
		run.Metadata["dropped_sinks"] = fmt.Sprint(dropped)
	}
	var exitErr *exec.ExitError
	if err != nil && !errors.As(err, &exitErr) {
		r.log.Warn("workload output was not fully copied", "error", err)
	}

	r.log.Info("workload finished", "run_id", runID, "status", run.Status, "exit_code", run.ExitCode,
		"took", run.Duration().Round(time.Millisecond))
	return run, nil
}

func (r *LocalRunner) notStarted(run *Run, tee *teeWriter, err error) (*Run, error) {
	run.FinishedAt = time.Now()
	run.Status = RunStatusNotStarted
	run.ExitCode = qerr.ExitNotStarted
	if qerr.CodeOf(err) == qerr.CodeWorkspace {
		run.ExitCode = qerr.ExitCode(err)
	}
	run.Error = err.Error()
	if tee != nil {
		fmt.Fprintf(tee, "rvcsync: %v\n", err)
	}
	return run, err
}

func buildEnv(extra map[string]string, runID string) []string {
	env := os.Environ()
	keys := make([]string, 0, len(extra))
	for k := range extra {
		keys = append(keys, k)
	}
	sort.Strings(keys)
	for _, k := range keys {
		env = append(env, k+"="+extra[k])
	}
	return append(env, EnvRunID+"="+runID)
}

// exitStatus maps a finished process to a shell-style exit code: the
// process's own code, or 128+N when it was killed by signal N.
func exitStatus(ps *os.ProcessState) (int, string) {
	if ws, ok := ps.Sys().(syscall.WaitStatus); ok && ws.Signaled() {
		return 128 + int(ws.Signal()), ws.Signal().String()
	}
	return ps.ExitCode(), ""
}
