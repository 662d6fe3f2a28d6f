package main

import (
	"fmt"
	"os"

	"github.com/spf13/cobra"
)

func main() {
	root := buildRoot()
	if err := root.Execute(); err != nil {
		_, _ = fmt.Fprintln(os.Stderr, err)
		os.Exit(1)
	}
}

// buildRoot creates the root command and every subcommand.
func buildRoot() *cobra.Command {
	globalFlags := &GlobalFlags{}
	c := command{global: globalFlags}

	root := &cobra.Command{
		Use:   "prereq",
		Short: "Keep development prerequisites current and supervise local services",
		Long: `prereq re-runs installation steps only when their inputs changed and
supervises background services, tearing their process groups down on exit.

Examples:
  prereq fingerprint --files 'requirements/*.txt'
  prereq when-changed --files package.json --dirs node_modules -- npm install
  prereq run                          # every [[steps]] entry from the config
  prereq singleton -- mongod --quiet  # start unless already running
  prereq serve --config prereq.toml   # steps, services and HTTP API`,
		SilenceUsage: true,
	}
	root.PersistentFlags().StringVar(&globalFlags.ConfigPath, "config", "", "path to TOML config file (optional)")
	root.PersistentFlags().StringVar(&globalFlags.CacheDir, "cache-dir", "", "fingerprint cache directory (overrides config)")
	root.PersistentFlags().StringVar(&globalFlags.LogLevel, "log-level", "", "log level: debug, info, warn, error")

	root.AddCommand(
		createFingerprintCommand(c),
		createWhenChangedCommand(c),
		createRunCommand(c),
		createForgetCommand(c),
		createSpawnCommand(c, false),
		createSpawnCommand(c, true),
		createServeCommand(c),
		createWatchCommand(c),
		createWhichCommand(c),
		createEnvsCommand(c),
		createTestCommand(c),
	)
	return root
}

func createFingerprintCommand(c command) *cobra.Command {
	f := &FingerprintFlags{}
	cmd := &cobra.Command{
		Use:   "fingerprint [pattern...]",
		Short: "Print the MD5 fingerprint of files and directory listings",
		Long: `Print the digest of the contents of every file matching the patterns
(in glob order) followed by the entry listing of each directory.

Examples:
  prereq fingerprint 'requirements/edx/*.txt'
  prereq fingerprint --files package.json --dirs node_modules`,
		RunE: func(cmd *cobra.Command, args []string) error {
			return c.Fingerprint(cmd.OutOrStdout(), append(f.Files, args...), f.Dirs)
		},
	}
	cmd.Flags().StringSliceVar(&f.Files, "files", nil, "file glob patterns (supports **)")
	cmd.Flags().StringSliceVar(&f.Dirs, "dirs", nil, "directories whose listing is included")
	return cmd
}

func createWhenChangedCommand(c command) *cobra.Command {
	f := &WhenChangedFlags{}
	cmd := &cobra.Command{
		Use:   "when-changed --files PATTERN [--dirs DIR] -- command [args...]",
		Short: "Run a command only if its inputs changed since the last successful run",
		Args:  cobra.MinimumNArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			return c.WhenChanged(cmd.Context(), cmd.OutOrStdout(), *f, args)
		},
	}
	cmd.Flags().StringSliceVar(&f.Files, "files", nil, "file glob patterns (required)")
	cmd.Flags().StringSliceVar(&f.Dirs, "dirs", nil, "directories whose listing is included")
	cmd.Flags().StringVar(&f.Message, "message", "", "logged when the command is skipped")
	if err := cmd.MarkFlagRequired("files"); err != nil {
		panic(err)
	}
	return cmd
}

func createRunCommand(c command) *cobra.Command {
	return &cobra.Command{
		Use:   "run [step...]",
		Short: "Run configured steps whose inputs changed",
		RunE: func(cmd *cobra.Command, args []string) error {
			return c.Run(cmd.Context(), args)
		},
	}
}

func createForgetCommand(c command) *cobra.Command {
	f := &FingerprintFlags{}
	cmd := &cobra.Command{
		Use:   "forget [step...]",
		Short: "Drop cached fingerprints so the next run executes",
		RunE: func(cmd *cobra.Command, args []string) error {
			return c.Forget(args, f.Files)
		},
	}
	cmd.Flags().StringSliceVar(&f.Files, "files", nil, "file patterns identifying an ad-hoc cache entry")
	return cmd
}

func createSpawnCommand(c command, singleton bool) *cobra.Command {
	f := &SpawnFlags{Singleton: singleton}
	use, short := "spawn", "Start a command in its own process group and stop it on exit"
	if singleton {
		use, short = "singleton", "Like spawn, but skip if the same command line is already running"
	}
	cmd := &cobra.Command{
		Use:   use + " [flags] -- command [args...]",
		Short: short,
		Long: short + `.

The command runs until it exits or prereq receives SIGINT/SIGTERM. On exit its
process group is sent SIGINT, then SIGTERM, then SIGKILL, waiting --timeout
between the first two steps.`,
		Args: cobra.MinimumNArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			return c.Spawn(cmd.Context(), cmd.OutOrStdout(), *f, args)
		},
	}
	cmd.Flags().StringVar(&f.Name, "name", "", "service name used in logs (default: command basename)")
	cmd.Flags().StringVar(&f.WorkDir, "work-dir", "", "working directory")
	cmd.Flags().StringSliceVar(&f.Env, "env", nil, "extra KEY=VALUE environment entries")
	cmd.Flags().StringVar(&f.LogDir, "log-dir", "", "write stdout/stderr to rotating files in this directory")
	cmd.Flags().DurationVar(&f.Timeout, "timeout", 0, "wait per shutdown phase (default from config, 5s)")
	return cmd
}

func createServeCommand(c command) *cobra.Command {
	f := &ServeFlags{}
	cmd := &cobra.Command{
		Use:   "serve",
		Short: "Run steps, start services and serve the HTTP API until interrupted",
		Long: `Run every configured step, start every configured service and, when
[server] or [metrics] are enabled, serve the HTTP API and Prometheus metrics.
On SIGINT/SIGTERM all services are shut down.

Examples:
  prereq serve --config prereq.toml
  prereq serve --config prereq.toml --no-steps`,
		RunE: func(cmd *cobra.Command, args []string) error {
			return c.Serve(cmd.Context(), *f)
		},
	}
	cmd.Flags().BoolVar(&f.NoServices, "no-services", false, "do not start configured services")
	cmd.Flags().BoolVar(&f.NoSteps, "no-steps", false, "do not run configured steps first")
	return cmd
}

func createWatchCommand(c command) *cobra.Command {
	f := &WatchFlags{}
	cmd := &cobra.Command{
		Use:   "watch",
		Short: "Re-run configured steps whenever their inputs change",
		RunE: func(cmd *cobra.Command, args []string) error {
			return c.Watch(cmd.Context(), *f)
		},
	}
	cmd.Flags().DurationVar(&f.Debounce, "debounce", 0, "quiet period before re-running (default 300ms)")
	return cmd
}

func createWhichCommand(c command) *cobra.Command {
	f := &WhichFlags{}
	cmd := &cobra.Command{
		Use:   "which candidate [candidate...]",
		Short: "Print the first candidate executable found on PATH",
		Long: `Print the path of the first candidate found on PATH. With --env, a
non-empty value of that environment variable wins.

Examples:
  prereq which --env DJANGO_ADMIN_PATH django-admin django-admin.py`,
		Args: cobra.MinimumNArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			return c.Which(cmd.OutOrStdout(), *f, args)
		},
	}
	cmd.Flags().StringVar(&f.EnvVar, "env", "", "environment variable overriding the lookup")
	return cmd
}

func createEnvsCommand(c command) *cobra.Command {
	f := &EnvsFlags{}
	cmd := &cobra.Command{
		Use:   "envs system",
		Short: "List settings modules under <system>/envs as dotted names",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			return c.Envs(cmd.OutOrStdout(), *f, args[0])
		},
	}
	cmd.Flags().StringVar(&f.Root, "root", ".", "repository root")
	return cmd
}

func createTestCommand(c command) *cobra.Command {
	f := &TestFlags{}
	cmd := &cobra.Command{
		Use:   "test [--script CMD]... [-- command [args...]]",
		Short: "Run test commands and fail at the end if any failed",
		Long: `Run each --script through the shell, then the trailing command if given.
Failures are counted and reported together unless --fail-fast (or
TESTS_FAIL_FAST=true) stops at the first one.

Examples:
  prereq test --script 'pytest common' --script 'pytest lms'
  TESTS_FAIL_FAST=true prereq test -- go test ./...`,
		RunE: func(cmd *cobra.Command, args []string) error {
			return c.Test(cmd.Context(), cmd.Flags().Changed("fail-fast"), *f, args)
		},
	}
	cmd.Flags().StringArrayVar(&f.Scripts, "script", nil, "shell command to run (repeatable)")
	cmd.Flags().BoolVar(&f.FailFast, "fail-fast", false, "stop at the first failing command")
	cmd.Flags().StringVar(&f.Dir, "dir", "", "working directory for test commands")
	cmd.Flags().StringVar(&f.Report, "report", "", "create <report_dir>/<name> and export it as REPORT_DIR")
	return cmd
}
