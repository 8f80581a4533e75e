// Package orchestrator runs one sync-and-execute cycle: resolve identity,
// provision the workspace, pull models and input, run the workload, push
// outputs and logs, and report the workload's exit code.
package orchestrator

import (
	"context"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"time"

	"github.com/google/uuid"
	"github.com/quatton/rvcsync/pkg/identity"
	"github.com/quatton/rvcsync/pkg/kv"
	"github.com/quatton/rvcsync/pkg/qart"
	"github.com/quatton/rvcsync/pkg/qconfig"
	"github.com/quatton/rvcsync/pkg/qerr"
	"github.com/quatton/rvcsync/pkg/qlog"
	"github.com/quatton/rvcsync/pkg/qrunner"
	"github.com/quatton/rvcsync/pkg/qsync"
	"github.com/quatton/rvcsync/pkg/workspace"
)

const (
	leaseKeyPrefix = "rvcsync/lease/"
	manifestName   = "run.json"
	retryInterval  = 2 * time.Second
	releaseTimeout = 10 * time.Second
)

type Orchestrator struct {
	env    *qconfig.EnvConfig
	layout *qconfig.Layout
	store  qart.Store
	leases kv.Store
	runner qrunner.Runner
	output io.Writer
	log    *qlog.Logger
}

type Option func(*Orchestrator)

// WithStore uses store instead of building an S3 client from the environment.
func WithStore(store qart.Store) Option {
	return func(o *Orchestrator) {
		o.store = store
	}
}

// WithLeaseStore enables the identity lease on store regardless of LEASE_REDIS_ADDR.
func WithLeaseStore(store kv.Store) Option {
	return func(o *Orchestrator) {
		o.leases = store
	}
}

// WithRunner replaces the local child-process runner.
func WithRunner(r qrunner.Runner) Option {
	return func(o *Orchestrator) {
		o.runner = r
	}
}

// WithOutput sets where the live workload output is echoed (default os.Stdout).
func WithOutput(w io.Writer) Option {
	return func(o *Orchestrator) {
		o.output = w
	}
}

func WithLogger(log *qlog.Logger) Option {
	return func(o *Orchestrator) {
		o.log = log
	}
}

func New(env *qconfig.EnvConfig, layout *qconfig.Layout, opts ...Option) *Orchestrator {
	o := &Orchestrator{
		env:    env,
		layout: layout,
		output: os.Stdout,
		log:    qlog.NewDefault(),
	}
	for _, opt := range opts {
		opt(o)
	}
	if o.runner == nil {
		o.runner = qrunner.NewLocalRunner(qrunner.WithOutput(o.output), qrunner.WithLogger(o.log))
	}
	return o
}

// Run executes one cycle with the raw invocation arguments and returns the
// process exit code: the workload's own code once it has run, or the code of
// the pre-workload failure.
func (o *Orchestrator) Run(ctx context.Context, args []string) int {
	code, err := o.run(ctx, args)
	if err != nil {
		o.log.Error(err.Error(), "exit_code", code)
	}
	return code
}

func (o *Orchestrator) run(ctx context.Context, args []string) (int, error) {
	inv, err := identity.Parse(args)
	if err != nil {
		return qerr.ExitCode(err), err
	}
	id := inv.Identity
	log := o.log.With("user", id.User, "model", id.Model)

	if err := o.env.Validate(); err != nil {
		return qerr.ExitCode(err), err
	}
	if err := inv.RequireInput(o.env.SyncEnabled, o.env.InputKey); err != nil {
		return qerr.ExitCode(err), err
	}

	var store qart.Store
	if o.env.SyncEnabled {
		if store, err = o.objectStore(); err != nil {
			return qerr.ExitCode(err), err
		}
	} else {
		log.Info("sync disabled, using the local workspace as-is")
	}

	ws, err := workspace.New(o.layout.Root, workspace.Paths{
		Models:      o.layout.Local.Models,
		Input:       o.layout.LocalInputDir(),
		Output:      o.layout.Local.Output,
		Logs:        o.layout.Local.Logs,
		InputAlias:  o.layout.InputAlias,
		OutputAlias: o.layout.OutputAlias,
	}, id)
	if err == nil {
		err = ws.Ensure()
	}
	if err != nil {
		return qerr.ExitCode(err), err
	}
	log.Debug("workspace ready", "root", ws.Root, "models", ws.ModelsDir, "input", ws.InputDir)

	release, err := o.acquireLease(ctx, id)
	if err != nil {
		return qerr.ExitCode(err), err
	}
	defer release()

	runUUID, err := uuid.NewV7()
	if err != nil {
		err = fmt.Errorf("failed to generate run id: %w", err)
		return qerr.ExitCode(err), err
	}
	runID := runUUID.String()
	log = log.With("run_id", runID)

	var engine *qsync.Engine
	var inputKey string
	if store != nil {
		engine = qsync.NewEngine(store,
			qsync.WithLogger(log),
			qsync.WithRetries(o.env.SyncRetries, retryInterval),
			qsync.WithMetadata(map[string]string{"run-id": runID, "user": id.User, "model": id.Model}),
		)

		resolver := qsync.NewResolver(store, id.Expand(o.layout.RemoteInputPrefix()), o.layout.Extensions)
		ref, err := resolver.Resolve(ctx, inv.RequestedInput, o.env.InputKey)
		if err != nil {
			return qerr.ExitCode(err), err
		}
		inputKey = ref.ResolvedKey
		log.Info("input resolved", "requested", ref.RequestedName, "key", ref.ResolvedKey, "probed", len(ref.Probed))

		err = engine.Download(ctx, []qsync.Directive{
			qsync.ModelsDownload(id.Expand(o.layout.Remote.Models), ws.ModelsDir),
			qsync.InputDownload(ref.ResolvedKey, ws.InputDir),
		})
		if err != nil {
			return qerr.ExitCode(err), err
		}
	}

	if err := qrunner.CheckArtifact(ws.ModelsDir, o.layout.ModelFile, log); err != nil {
		return qerr.ExitCode(err), err
	}

	logPath := ws.LogPath(o.layout.LogFile)
	run, runErr := o.runner.Run(ctx, qrunner.JobSpec{
		ID:         runID,
		Command:    o.layout.Command[0],
		Args:       append(append([]string(nil), o.layout.Command[1:]...), inv.Args...),
		WorkingDir: ws.Root,
		LogPath:    logPath,
	})
	if run == nil {
		return qerr.ExitCode(runErr), runErr
	}
	if runErr != nil {
		log.Error("workload did not start", "error", runErr)
	}

	if run.Metadata == nil {
		run.Metadata = make(map[string]string)
	}
	run.Metadata["user"] = id.User
	run.Metadata["model"] = id.Model
	if inv.RequestedInput != "" {
		run.Metadata["requested_input"] = inv.RequestedInput
	}
	if inputKey != "" {
		run.Metadata["input_key"] = inputKey
	}
	if err := run.Save(filepath.Join(ws.LogDir, manifestName)); err != nil {
		log.Warn("failed to write run manifest", "error", err)
	}

	if engine != nil {
		// Push even after a shutdown signal so the log of an interrupted run survives.
		upCtx := context.WithoutCancel(ctx)
		logsPrefix := id.Expand(o.layout.Remote.Logs)
		err := engine.Upload(upCtx, []qsync.Directive{
			qsync.OutputUpload(ws.OutputDir, id.Expand(o.layout.Remote.Output)),
			qsync.LogsUpload(ws.LogDir, logsPrefix),
			qsync.LogFileUpload(logPath, logsPrefix+"history/"+runID+"/"+o.layout.LogFile),
		})
		if err != nil {
			log.Warn("upload incomplete; the workload exit code is still reported", "error", err)
		}
	}

	log.Info("run complete", "status", run.Status, "exit_code", run.ExitCode)
	return run.ExitCode, nil
}

func (o *Orchestrator) objectStore() (qart.Store, error) {
	if o.store != nil {
		return o.store, nil
	}
	host, secure, err := o.env.S3Endpoint()
	if err != nil {
		return nil, err
	}
	store, err := qart.NewS3Store(qart.S3Config{
		Endpoint:  host,
		AccessKey: o.env.AccessKeyID,
		SecretKey: o.env.SecretAccessKey,
		Bucket:    o.env.Bucket,
		Region:    o.env.Region,
		UseSSL:    secure,
	})
	if err != nil {
		return nil, qerr.New(qerr.CodeConfiguration, fmt.Errorf("creating object store client: %w", err))
	}
	return store, nil
}

// acquireLease takes the per-identity lease when one is configured and
// returns the function that gives it back.
func (o *Orchestrator) acquireLease(ctx context.Context, id identity.WorkerIdentity) (func(), error) {
	leases := o.leases
	owned := false
	if leases == nil {
		if !o.env.LeaseEnabled() {
			return func() {}, nil
		}
		vs, err := kv.NewValkeyStore(ctx, kv.ValkeyConfig{Addr: o.env.LeaseRedisAddr, Password: o.env.LeaseRedisPassword})
		if err != nil {
			return nil, qerr.New(qerr.CodeLease, fmt.Errorf("connecting to lease store %s: %w", o.env.LeaseRedisAddr, err))
		}
		leases, owned = vs, true
	}

	lease, err := kv.Acquire(ctx, leases, leaseKeyPrefix+id.String(), o.env.LeaseTTL)
	if err != nil {
		if owned {
			o.closeLeases(leases)
		}
		return nil, qerr.New(qerr.CodeLease, fmt.Errorf("%w; another run for %s is in progress, retry once it finishes", err, id))
	}
	o.log.Debug("lease acquired", "key", lease.Key())

	return func() {
		ctx, cancel := context.WithTimeout(context.WithoutCancel(ctx), releaseTimeout)
		defer cancel()
		if err := lease.Release(ctx); err != nil {
			o.log.Warn("failed to release lease", "error", err)
		}
		if owned {
			o.closeLeases(leases)
		}
	}, nil
}

func (o *Orchestrator) closeLeases(leases kv.Store) {
	if err := leases.Close(); err != nil {
		o.log.Debug("failed to close lease store", "error", err)
	}
}
