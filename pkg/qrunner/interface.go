package qrunner

import (
	"context"
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"time"
)

// RunStatus represents the final state of a workload run
type RunStatus string

const (
	RunStatusSucceeded  RunStatus = "succeeded"
	RunStatusFailed     RunStatus = "failed"
	RunStatusCancelled  RunStatus = "cancelled"
	RunStatusNotStarted RunStatus = "not_started"
)

// JobSpec defines the workload to run
type JobSpec struct {
	ID         string            // Optional: if empty, a new ID will be generated
	Command    string            // Executable
	Args       []string          // Forwarded verbatim
	Env        map[string]string // Added on top of the inherited environment
	WorkingDir string            // Defaults to the current directory
	LogPath    string            // Combined stdout+stderr artifact, truncated per run
}

// Run is the record of one workload execution. It is also the on-disk run
// manifest (run.json) uploaded next to the log.
type Run struct {
	ID         string            `json:"id"`
	Status     RunStatus         `json:"status"`
	Command    string            `json:"command"`
	Args       []string          `json:"args,omitempty"`
	WorkingDir string            `json:"working_dir,omitempty"`
	LogPath    string            `json:"log_path"`
	StartedAt  time.Time         `json:"started_at"`
	FinishedAt time.Time         `json:"finished_at"`
	ExitCode   int               `json:"exit_code"`
	Signal     string            `json:"signal,omitempty"`
	Error      string            `json:"error,omitempty"`
	Metadata   map[string]string `json:"metadata,omitempty"`
}

// Duration is how long the workload ran.
func (r *Run) Duration() time.Duration {
	return r.FinishedAt.Sub(r.StartedAt)
}

// Runner executes a workload to completion.
//
// The returned Run is never nil. A workload that starts and exits non-zero is
// not an error: its code is in Run.ExitCode. err is non-nil only when the
// workload could not be started, in which case Run.ExitCode is 127.
type Runner interface {
	Run(ctx context.Context, spec JobSpec) (*Run, error)
}

// Save writes the run manifest to path atomically.
func (r *Run) Save(path string) error {
	data, err := json.MarshalIndent(r, "", "  ")
	if err != nil {
		return fmt.Errorf("failed to marshal run state: %w", err)
	}

	tmp, err := os.CreateTemp(filepath.Dir(path), ".run-*.json")
	if err != nil {
		return fmt.Errorf("failed to write run state: %w", err)
	}
	defer os.Remove(tmp.Name())

	if _, err := tmp.Write(append(data, '\n')); err != nil {
		tmp.Close()
		return fmt.Errorf("failed to write run state: %w", err)
	}
	if err := tmp.Close(); err != nil {
		return fmt.Errorf("failed to write run state: %w", err)
	}
	if err := os.Chmod(tmp.Name(), 0o644); err != nil {
		return fmt.Errorf("failed to write run state: %w", err)
	}
	return os.Rename(tmp.Name(), path)
}

// LoadRun reads a manifest written by Save.
func LoadRun(path string) (*Run, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("failed to read run state: %w", err)
	}
	var run Run
	if err := json.Unmarshal(data, &run); err != nil {
		return nil, fmt.Errorf("failed to parse run state: %w", err)
	}
	return &run, nil
}
