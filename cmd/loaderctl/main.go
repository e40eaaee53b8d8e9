package main

import (
	"context"
	"fmt"
	"os"
	"os/exec"
	"os/signal"
	"syscall"

	"github.com/spf13/cobra"

	"github.com/drphrozen/snowplow-rdb-loader/internal/config"
	"github.com/drphrozen/snowplow-rdb-loader/internal/loaderr"
	"github.com/drphrozen/snowplow-rdb-loader/internal/manifest"
	"github.com/drphrozen/snowplow-rdb-loader/internal/statement"
	"github.com/drphrozen/snowplow-rdb-loader/internal/target"
	"github.com/drphrozen/snowplow-rdb-loader/internal/txn"
)

var composeFile string

func main() {
	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	rootCmd := newRootCommand()
	if err := rootCmd.ExecuteContext(ctx); err != nil {
		fmt.Fprintf(os.Stderr, "loaderctl: %v\n", err)
		os.Exit(1)
	}
}

func newRootCommand() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "loaderctl",
		Short: "Loader development CLI",
		Long: `loaderctl orchestrates common development workflows for the loader daemon:
building the local Docker stack (Postgres/Redis/MinIO plus the loader itself),
starting or stopping it, running tests, and launching the binary directly.`,
		SilenceUsage: true,
	}
	cmd.PersistentFlags().StringVarP(&composeFile, "compose-file", "f", "docker-compose.yml", "Compose file to use for stack commands")
	cmd.AddCommand(
		newBuildCmd(),
		newUpCmd(),
		newDownCmd(),
		newLogsCmd(),
		newTestCmd(),
		newRunCmd(),
		newValidateConfigCmd(),
		newMigrateCmd(),
	)
	return cmd
}

func newBuildCmd() *cobra.Command {
	var noCache bool
	cmd := &cobra.Command{
		Use:   "build [service...]",
		Short: "Build Docker images via docker compose",
		RunE: func(cmd *cobra.Command, args []string) error {
			ctx := cmd.Context()
			composeArgs := []string{"compose", "-f", composeFile, "build"}
			if noCache {
				composeArgs = append(composeArgs, "--no-cache")
			}
			composeArgs = append(composeArgs, args...)
			return runCommand(ctx, "docker", composeArgs...)
		},
	}
	cmd.Flags().BoolVar(&noCache, "no-cache", false, "Disable Docker build cache")
	return cmd
}

func newUpCmd() *cobra.Command {
	var detach bool
	var skipBuild bool
	cmd := &cobra.Command{
		Use:   "up [service...]",
		Short: "Start the full docker-compose stack",
		RunE: func(cmd *cobra.Command, args []string) error {
			ctx := cmd.Context()
			composeArgs := []string{"compose", "-f", composeFile, "up"}
			if !skipBuild {
				composeArgs = append(composeArgs, "--build")
			}
			if detach {
				composeArgs = append(composeArgs, "-d")
			}
			composeArgs = append(composeArgs, args...)
			return runCommand(ctx, "docker", composeArgs...)
		},
	}
	cmd.Flags().BoolVarP(&detach, "detached", "d", true, "Run docker compose in detached mode")
	cmd.Flags().BoolVar(&skipBuild, "skip-build", false, "Skip rebuilding images before starting")
	return cmd
}

func newDownCmd() *cobra.Command {
	var removeVolumes bool
	cmd := &cobra.Command{
		Use:   "down",
		Short: "Stop docker-compose stack",
		RunE: func(cmd *cobra.Command, args []string) error {
			ctx := cmd.Context()
			composeArgs := []string{"compose", "-f", composeFile, "down"}
			if removeVolumes {
				composeArgs = append(composeArgs, "-v")
			}
			return runCommand(ctx, "docker", composeArgs...)
		},
	}
	cmd.Flags().BoolVarP(&removeVolumes, "volumes", "v", false, "Remove stack volumes")
	return cmd
}

func newLogsCmd() *cobra.Command {
	var follow bool
	cmd := &cobra.Command{
		Use:   "logs [service...]",
		Short: "Tail logs from docker-compose services",
		RunE: func(cmd *cobra.Command, args []string) error {
			ctx := cmd.Context()
			composeArgs := []string{"compose", "-f", composeFile, "logs"}
			if follow {
				composeArgs = append(composeArgs, "-f")
			}
			composeArgs = append(composeArgs, args...)
			return runCommand(ctx, "docker", composeArgs...)
		},
	}
	cmd.Flags().BoolVarP(&follow, "follow", "f", false, "Stream logs continuously")
	return cmd
}

func newTestCmd() *cobra.Command {
	var race bool
	var cover bool
	cmd := &cobra.Command{
		Use:   "test [packages]",
		Short: "Run Go tests (defaults to ./...)",
		RunE: func(cmd *cobra.Command, args []string) error {
			ctx := cmd.Context()
			pkgs := args
			if len(pkgs) == 0 {
				pkgs = []string{"./..."}
			}
			goArgs := []string{"test"}
			if race {
				goArgs = append(goArgs, "-race")
			}
			if cover {
				goArgs = append(goArgs, "-cover")
			}
			goArgs = append(goArgs, pkgs...)
			return runCommand(ctx, "go", goArgs...)
		},
	}
	cmd.Flags().BoolVar(&race, "race", false, "Enable Go race detector")
	cmd.Flags().BoolVar(&cover, "cover", false, "Collect coverage data")
	return cmd
}

func newRunCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "run",
		Short: "Run the loader binary directly",
	}
	cmd.AddCommand(
		newServiceRunner("loader", "./cmd/loader"),
	)
	return cmd
}

func newServiceRunner(name, path string) *cobra.Command {
	return &cobra.Command{
		Use:   name,
		Short: fmt.Sprintf("go run %s", path),
		RunE: func(cmd *cobra.Command, args []string) error {
			ctx := cmd.Context()
			goArgs := []string{"run", path}
			goArgs = append(goArgs, args...)
			return runCommand(ctx, "go", goArgs...)
		},
	}
}

// newValidateConfigCmd parses and validates a loader config file (and its
// paired Iglu resolver file) without connecting to anything, so a bad
// config surfaces before a deploy rather than two minutes into one.
func newValidateConfigCmd() *cobra.Command {
	var configPath, igluConfigPath string
	cmd := &cobra.Command{
		Use:   "validate-config",
		Short: "Validate a loader config file and its Iglu resolver file",
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, err := config.Load(configPath)
			if err != nil {
				return err
			}
			if _, err := config.LoadIglu(igluConfigPath); err != nil {
				return err
			}
			fmt.Fprintf(cmd.OutOrStdout(), "config ok: target=%s queue=%s shredderOutput=%s\n", cfg.Target.Type, cfg.Queue.Type, cfg.Storage.ShredderOutput)
			return nil
		},
	}
	cmd.Flags().StringVar(&configPath, "config", "", "path to the loader config file (required)")
	cmd.Flags().StringVar(&igluConfigPath, "iglu-config", "", "path to the Iglu resolver config file (required)")
	cmd.MarkFlagRequired("config")
	cmd.MarkFlagRequired("iglu-config")
	return cmd
}

// newMigrateCmd connects to the configured target and ensures the
// manifest table exists (spec.md §4.2's initialize, idempotent) without
// starting the daemon's queue consumer — the dev-workflow equivalent of a
// migrate-up step, run ahead of the first deploy against a fresh database.
func newMigrateCmd() *cobra.Command {
	var configPath string
	cmd := &cobra.Command{
		Use:   "migrate",
		Short: "Create the manifest table against the configured target",
		RunE: func(cmd *cobra.Command, args []string) error {
			ctx := cmd.Context()
			cfg, err := config.Load(configPath)
			if err != nil {
				return err
			}
			tgt, err := buildTarget(cfg.Target)
			if err != nil {
				return err
			}
			txr, err := txn.Connect(ctx, cfg.Target.DSN)
			if err != nil {
				return fmt.Errorf("connect target: %w", err)
			}
			defer txr.Close()
			if err := txr.Run(ctx, func(ctx context.Context, conn txn.Conn) error {
				return manifest.Initialize(ctx, conn, tgt)
			}); err != nil {
				return fmt.Errorf("initialize manifest: %w", err)
			}
			fmt.Fprintln(cmd.OutOrStdout(), "manifest table ready")
			return nil
		},
	}
	cmd.Flags().StringVar(&configPath, "config", "", "path to the loader config file (required)")
	cmd.MarkFlagRequired("config")
	return cmd
}

// buildTarget mirrors cmd/loader's own target construction so migrate
// initializes the manifest table against the same dialect the daemon
// will run against.
func buildTarget(t config.Target) (statement.Target, error) {
	switch t.Type {
	case config.TargetRedshift:
		return target.New(t.Schema, t.EventsTable, t.ManifestTable, t.UseTransitTable), nil
	case config.TargetSnowflake:
		return target.NewSnowflake(t.Schema, t.Warehouse, t.EventsTable, t.Stage), nil
	case config.TargetDatabricks:
		return target.NewDatabricks(t.Catalog, t.Schema, t.EventsTable), nil
	default:
		return nil, loaderr.New(loaderr.Configuration, fmt.Sprintf("unknown target type %q", t.Type))
	}
}

func runCommand(ctx context.Context, name string, args ...string) error {
	execCmd := exec.CommandContext(ctx, name, args...)
	execCmd.Stdout = os.Stdout
	execCmd.Stderr = os.Stderr
	execCmd.Stdin = os.Stdin
	return execCmd.Run()
}
