package cmd

import (
	"context"
	"fmt"
	"io"
	"log/slog"
	"os"
	"os/signal"
	"runtime/debug"
	"strings"
	"syscall"

	"github.com/quatton/rvcsync/pkg/orchestrator"
	"github.com/quatton/rvcsync/pkg/qconfig"
	"github.com/quatton/rvcsync/pkg/qerr"
	"github.com/quatton/rvcsync/pkg/qlog"
	"github.com/spf13/cobra"
)

const (
	flagConfig  = "--sync-config"
	flagVerbose = "--sync-verbose"
)

var exitCode int

var rootCmd = &cobra.Command{
	Use:   "rvcsync --user <user> --model_name <model> [--input <name>] [workload args...]",
	Short: "Sync models and input from object storage, run the voice-conversion workload, push results back",
	Long: `rvcsync is the entrypoint of an ephemeral GPU worker. It reads the worker
identity from --user and --model_name, mirrors the model directory and the
requested input from an S3-compatible bucket (Backblaze B2) into a local
workspace, runs the workload with every argument forwarded untouched, and then
uploads outputs and the run log additively. The process exits with the
workload's exit code.

rvcsync's own flags are prefixed so they never collide with workload flags:
  --sync-config <file>   layout file (default: rvcsync.yaml if present)
  --sync-verbose         debug logging`,
	DisableFlagParsing: true,
	SilenceUsage:       true,
	SilenceErrors:      true,
	RunE: func(cmd *cobra.Command, args []string) error {
		if len(args) == 1 && (args[0] == "-h" || args[0] == "--help") {
			return cmd.Help()
		}

		cfgFile, verbose, rest := peelFlags(args)

		env, err := qconfig.LoadEnv()
		if err != nil {
			return err
		}
		layout, err := qconfig.LoadLayout(cfgFile)
		if err != nil {
			return err
		}

		level := qlog.ParseLevel(env.LogLevel)
		if verbose {
			level = slog.LevelDebug
		}
		logger := qlog.NewLogger(level, os.Stderr)
		if used := layout.ConfigFileUsed(); used != "" {
			logger.Debug("layout loaded", "file", used)
		}
		if level <= slog.LevelDebug {
			env.Print(func(format string, a ...any) {
				logger.Debug(strings.TrimSpace(fmt.Sprintf(format, a...)))
			})
		}

		ctx, stop := signal.NotifyContext(cmd.Context(), os.Interrupt, syscall.SIGTERM)
		defer stop()

		exitCode = orchestrator.New(env, layout,
			orchestrator.WithLogger(logger),
			orchestrator.WithOutput(os.Stdout),
		).Run(ctx, rest)
		return nil
	},
}

// peelFlags removes rvcsync's own flags; everything else is forwarded.
func peelFlags(args []string) (cfgFile string, verbose bool, rest []string) {
	rest = make([]string, 0, len(args))
	for i := 0; i < len(args); i++ {
		arg := args[i]
		switch {
		case arg == flagVerbose:
			verbose = true
		case arg == flagConfig && i+1 < len(args):
			cfgFile = args[i+1]
			i++
		case strings.HasPrefix(arg, flagConfig+"="):
			cfgFile = strings.TrimPrefix(arg, flagConfig+"=")
		default:
			rest = append(rest, arg)
		}
	}
	return cfgFile, verbose, rest
}

// Execute runs the root command and returns the process exit code.
func Execute() int {
	return guard(os.Stderr, func() int {
		exitCode = 0
		if err := rootCmd.ExecuteContext(context.Background()); err != nil {
			qlog.NewDefault().Error(err.Error())
			return qerr.ExitCode(err)
		}
		return exitCode
	})
}

// guard turns a panic in run into exit code 1 with the stack on w.
func guard(w io.Writer, run func() int) (code int) {
	defer func() {
		if r := recover(); r != nil {
			fmt.Fprintf(w, "rvcsync crashed: %v\n%s", r, debug.Stack())
			code = 1
		}
	}()
	return run()
}
