package main

import (
	"context"
	"errors"
	"fmt"
	"io"
	"os"

	"github.com/spf13/cobra"
	"github.com/stacksnap/stacksnap/internal/backup"
	"github.com/stacksnap/stacksnap/internal/compress"
	"github.com/stacksnap/stacksnap/internal/config"
	"github.com/stacksnap/stacksnap/internal/docker"
	"github.com/stacksnap/stacksnap/internal/dump"
	"github.com/stacksnap/stacksnap/internal/logger"
	"github.com/stacksnap/stacksnap/internal/platform"
	"github.com/stacksnap/stacksnap/internal/restore"
	"github.com/stacksnap/stacksnap/internal/volume"
	"github.com/stacksnap/stacksnap/pkg/version"
	"golang.org/x/term"
)

// Global variables for CLI flags
var (
	cfgFile     string
	projectRoot string
	verbose     bool
	quiet       bool
	assumeYes   bool
)

// env bundles the wiring every command needs. The Docker client is connected
// per command: backup degrades without a daemon, restore requires one.
type env struct {
	cfg *config.Config
	log *logger.Logger
}

func newEnv() (*env, error) {
	cfg, err := config.Load(cfgFile, projectRoot)
	if err != nil {
		return nil, err
	}

	level := cfg.Log.Level
	if verbose {
		level = "debug"
	}
	log, err := logger.New(level, cfg.Log.File)
	if err != nil {
		return nil, err
	}

	return &env{cfg: cfg, log: log}, nil
}

// daemonUnavailable stands in for the Docker-backed captures when no daemon
// is reachable. Every capture reports the same unavailability, which the
// builder records per artifact while the host-side captures proceed.
type daemonUnavailable struct {
	err error
}

func (d daemonUnavailable) Dump(ctx context.Context, w io.Writer) error { return d.err }

func (d daemonUnavailable) Export(ctx context.Context, w io.Writer, format platform.Format) error {
	return d.err
}

func main() {
	var rootCmd = &cobra.Command{
		Use:     "stacksnap",
		Short:   "Backup and restore tool for the self-hosted data platform",
		Long:    "stacksnap captures point-in-time snapshots of the platform's database, config volume, storage directory, and environment file, and restores them deterministically",
		Version: version.Version,
		// Errors are reported once, in main, so a declined restore can
		// exit cleanly without a usage dump.
		SilenceErrors: true,
		SilenceUsage:  true,
	}

	rootCmd.PersistentFlags().StringVar(&cfgFile, "config", "", "Path to config file (default: stacksnap.yaml at the project root)")
	rootCmd.PersistentFlags().StringVar(&projectRoot, "project-root", "", "Platform project root (default: discovered from the working directory)")
	rootCmd.PersistentFlags().BoolVarP(&verbose, "verbose", "v", false, "Verbose output")
	rootCmd.PersistentFlags().BoolVarP(&quiet, "quiet", "q", false, "Quiet output (no progress bars)")

	rootCmd.AddCommand(createBackupCommand())
	rootCmd.AddCommand(createRestoreCommand())
	rootCmd.AddCommand(createVersionCommand())

	if err := rootCmd.Execute(); err != nil {
		if errors.Is(err, platform.ErrOperatorDeclined) {
			fmt.Println("Restore cancelled")
			return
		}
		fmt.Fprintf(os.Stderr, "Error: %v\n", err)
		os.Exit(1)
	}
}

func createBackupCommand() *cobra.Command {
	return &cobra.Command{
		Use:   "backup",
		Short: "Create a backup set of the platform",
		Long:  "Capture the database, config volume, storage directory, and environment file into a timestamped directory under backups/",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			ctx := context.Background()

			e, err := newEnv()
			if err != nil {
				return err
			}
			defer e.log.Close()

			var db backup.DatabaseDumper
			var vol backup.VolumeExporter
			if dockerClient, err := docker.NewClient(ctx); err != nil {
				unavailable := &platform.CollaboratorUnavailableError{Collaborator: "docker daemon", Err: err}
				e.log.Warnf("%v; capturing host-side artifacts only", unavailable)
				db = daemonUnavailable{err: unavailable}
				vol = daemonUnavailable{err: unavailable}
			} else {
				db = dump.NewPostgres(dockerClient, e.cfg.Database, e.log.SugaredLogger)
				vol = volume.NewArchiver(dockerClient, e.cfg.ConfigVolume, e.cfg.Database.Container, e.log.SugaredLogger)
			}

			strategy := compress.Detect(ctx, e.log.SugaredLogger)
			builder := backup.NewBuilder(e.cfg, e.log.SugaredLogger, strategy, db, vol, quiet)
			_, err = builder.Run(ctx)
			return err
		},
	}
}

func createRestoreCommand() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "restore <backup-directory>",
		Short: "Restore a backup set against the live platform",
		Long:  "Replay the artifacts of a backup set: database dump, config volume, storage directory, and optionally the environment file. Destructive; gated on confirmation",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			ctx := context.Background()

			e, err := newEnv()
			if err != nil {
				return err
			}
			defer e.log.Close()

			// The database step is fatal on restore, so a missing daemon
			// fails fast here.
			dockerClient, err := docker.NewClient(ctx)
			if err != nil {
				return &platform.CollaboratorUnavailableError{Collaborator: "docker daemon", Err: err}
			}

			if !assumeYes && !term.IsTerminal(int(os.Stdin.Fd())) {
				e.log.Warnf("stdin is not a terminal; confirmation is read from piped input (use --yes to skip the prompt)")
			}

			db := dump.NewPostgres(dockerClient, e.cfg.Database, e.log.SugaredLogger)
			vol := volume.NewArchiver(dockerClient, e.cfg.ConfigVolume, e.cfg.Database.Container, e.log.SugaredLogger)

			coordinator := restore.NewCoordinator(e.cfg, e.log.SugaredLogger, db, vol, os.Stdin, assumeYes)
			return coordinator.Run(ctx, args[0])
		},
	}

	cmd.Flags().BoolVarP(&assumeYes, "yes", "y", false, "Skip confirmation prompts")

	return cmd
}

func createVersionCommand() *cobra.Command {
	return &cobra.Command{
		Use:   "version",
		Short: "Show version information",
		Args:  cobra.NoArgs,
		Run: func(cmd *cobra.Command, args []string) {
			fmt.Println(version.Info())
		},
	}
}
