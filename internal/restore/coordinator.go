// Package restore replays a backup set against the live platform. The
// database import is foundational: its failure aborts the whole restore,
// while config-volume and storage failures are reported and skipped.
package restore

import (
	"bufio"
	"context"
	"fmt"
	"io"
	"os"

	"github.com/stacksnap/stacksnap/internal/archive"
	"github.com/stacksnap/stacksnap/internal/compress"
	"github.com/stacksnap/stacksnap/internal/config"
	"github.com/stacksnap/stacksnap/internal/platform"
	"go.uber.org/zap"
)

// State is the coordinator's position in the restore sequence.
type State string

const (
	StateValidating            State = "validating"
	StateConfirming            State = "confirming"
	StateRestoringDatabase     State = "restoring-database"
	StateRestoringConfigVolume State = "restoring-config-volume"
	StateRestoringStorage      State = "restoring-storage"
	StateRestoringEnvironment  State = "restoring-environment"
	StateDone                  State = "done"
	StateCancelled             State = "cancelled"
	StateFailed                State = "failed"
)

// DatabaseRestorer replays a SQL stream against the live database service.
type DatabaseRestorer interface {
	EnsureReady(ctx context.Context) error
	Restore(ctx context.Context, r io.Reader) error
}

// VolumeImporter extracts an artifact file into the config volume.
type VolumeImporter interface {
	Import(ctx context.Context, artifactPath string, format platform.Format) error
}

// Coordinator drives the restore state machine.
type Coordinator struct {
	cfg   *config.Config
	log   *zap.SugaredLogger
	db    DatabaseRestorer
	vol   VolumeImporter
	input *bufio.Scanner
	// assumeYes skips the confirmation gates for non-interactive use.
	assumeYes bool
	state     State
}

func NewCoordinator(cfg *config.Config, log *zap.SugaredLogger, db DatabaseRestorer, vol VolumeImporter, input io.Reader, assumeYes bool) *Coordinator {
	if input == nil {
		input = os.Stdin
	}
	return &Coordinator{
		cfg:       cfg,
		log:       log,
		db:        db,
		vol:       vol,
		input:     bufio.NewScanner(input),
		assumeYes: assumeYes,
		state:     StateValidating,
	}
}

// State returns the coordinator's current state.
func (c *Coordinator) State() State { return c.state }

// Run restores the backup set at path. It returns platform.ErrOperatorDeclined
// for a clean cancellation; any other error is a failed restore.
func (c *Coordinator) Run(ctx context.Context, path string) error {
	c.state = StateValidating
	set, err := platform.OpenBackupSet(path)
	if err != nil {
		c.state = StateFailed
		return err
	}

	c.state = StateConfirming
	fmt.Printf("This will overwrite the live database, config volume, and storage directory\n")
	fmt.Printf("with the contents of %s.\n", set.Dir)
	if !c.confirm("Continue? (y/N): ") {
		c.state = StateCancelled
		c.log.Infof("restore cancelled by operator")
		return platform.ErrOperatorDeclined
	}

	c.state = StateRestoringDatabase
	if err := c.restoreDatabase(ctx, set); err != nil {
		c.state = StateFailed
		return fmt.Errorf("database restore failed, aborting: %w", err)
	}

	c.state = StateRestoringConfigVolume
	if err := c.restoreConfigVolume(ctx, set); err != nil {
		c.log.Errorf("%v", &platform.PartialArtifactError{Artifact: platform.ArtifactConfigVolume, Err: err})
	}

	c.state = StateRestoringStorage
	if err := c.restoreStorage(ctx, set); err != nil {
		c.log.Errorf("%v", &platform.PartialArtifactError{Artifact: platform.ArtifactStorage, Err: err})
	}

	c.restoreEnvironment(set)

	c.state = StateDone
	c.log.Infof("restore finished")
	return nil
}

// confirm reads one line and accepts exactly y or Y. Anything else, including
// padded input and EOF on a non-interactive stdin, declines. The scanner
// strips only the trailing newline.
func (c *Coordinator) confirm(prompt string) bool {
	if c.assumeYes {
		return true
	}
	fmt.Print(prompt)
	if !c.input.Scan() {
		return false
	}
	answer := c.input.Text()
	return answer == "y" || answer == "Y"
}

// restoreDatabase decompresses the dump and feeds it straight into psql as a
// single pipeline; the plaintext SQL never touches disk.
func (c *Coordinator) restoreDatabase(ctx context.Context, set *platform.BackupSet) error {
	path, format, ok := set.Find(platform.ArtifactDatabase)
	if !ok {
		c.log.Warnf("no database dump in backup set, skipping database restore")
		return nil
	}
	c.log.Infof("restoring database from %s", path)

	if err := c.db.EnsureReady(ctx); err != nil {
		return err
	}

	f, err := os.Open(path) // #nosec G304 - path inside the validated backup set
	if err != nil {
		return err
	}
	defer func() { _ = f.Close() }()

	var sql io.Reader = f
	if format != platform.FormatNone {
		dec, err := compress.ForFormat(format).NewReader(ctx, f)
		if err != nil {
			return err
		}
		defer func() { _ = dec.Close() }()
		if sql, err = archive.FindFile(dec, platform.DumpFileName); err != nil {
			return err
		}
	}

	return c.db.Restore(ctx, sql)
}

func (c *Coordinator) restoreConfigVolume(ctx context.Context, set *platform.BackupSet) error {
	path, format, ok := set.Find(platform.ArtifactConfigVolume)
	if !ok {
		c.log.Warnf("no config volume artifact in backup set, skipping")
		return nil
	}
	c.log.Infof("restoring config volume from %s", path)
	return c.vol.Import(ctx, path, format)
}

func (c *Coordinator) restoreStorage(ctx context.Context, set *platform.BackupSet) error {
	path, format, ok := set.Find(platform.ArtifactStorage)
	if !ok {
		c.log.Warnf("no storage artifact in backup set, skipping")
		return nil
	}
	c.log.Infof("restoring storage directory from %s", path)

	f, err := os.Open(path) // #nosec G304 - path inside the validated backup set
	if err != nil {
		return err
	}
	defer func() { _ = f.Close() }()

	dec, err := compress.ForFormat(format).NewReader(ctx, f)
	if err != nil {
		return err
	}
	defer func() { _ = dec.Close() }()

	return archive.UntarDirectory(dec, c.cfg.StorageDir)
}

// restoreEnvironment replaces the live environment file only when the
// artifact exists and the operator opts in through a second confirmation.
// Declining leaves the current environment untouched and is not an error.
func (c *Coordinator) restoreEnvironment(set *platform.BackupSet) {
	path, _, ok := set.Find(platform.ArtifactEnvFile)
	if !ok {
		return
	}

	c.state = StateRestoringEnvironment
	fmt.Printf("The backup set contains an environment file with generated secrets.\n")
	if !c.confirm(fmt.Sprintf("Overwrite %s with it? (y/N): ", c.cfg.EnvFile)) {
		c.log.Infof("keeping current environment file")
		return
	}

	if err := copyFile(path, c.cfg.EnvFile); err != nil {
		c.log.Errorf("%v", &platform.PartialArtifactError{Artifact: platform.ArtifactEnvFile, Err: err})
		return
	}
	c.log.Infof("restored environment file %s", c.cfg.EnvFile)
}

func copyFile(src, dst string) error {
	in, err := os.Open(src) // #nosec G304 - path inside the validated backup set
	if err != nil {
		return err
	}
	defer func() { _ = in.Close() }()

	out, err := os.OpenFile(dst, os.O_WRONLY|os.O_CREATE|os.O_TRUNC, 0600) // #nosec G304 - configured environment file path
	if err != nil {
		return err
	}
	if _, err := io.Copy(out, in); err != nil {
		_ = out.Close()
		return err
	}
	return out.Close()
}
