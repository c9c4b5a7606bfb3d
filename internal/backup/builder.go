// Package backup assembles one timestamped backup set from the four platform
// artifact captures. Each capture is best-effort: a failing artifact is
// logged and removed, and the remaining captures still run, so callers must
// inspect which artifacts exist rather than rely on an overall success flag.
package backup

import (
	"context"
	"errors"
	"io"
	"os"
	"time"

	"github.com/stacksnap/stacksnap/internal/archive"
	"github.com/stacksnap/stacksnap/internal/compress"
	"github.com/stacksnap/stacksnap/internal/config"
	"github.com/stacksnap/stacksnap/internal/owner"
	"github.com/stacksnap/stacksnap/internal/platform"
	"go.uber.org/zap"
)

// DatabaseDumper produces a full logical dump of the database as a SQL stream.
type DatabaseDumper interface {
	Dump(ctx context.Context, w io.Writer) error
}

// VolumeExporter streams a compressed archive of the config volume.
type VolumeExporter interface {
	Export(ctx context.Context, w io.Writer, format platform.Format) error
}

// Builder orchestrates the artifact captures of one backup run.
type Builder struct {
	cfg      *config.Config
	log      *zap.SugaredLogger
	strategy compress.Strategy
	db       DatabaseDumper
	vol      VolumeExporter
	quiet    bool
	now      func() time.Time
}

func NewBuilder(cfg *config.Config, log *zap.SugaredLogger, strategy compress.Strategy, db DatabaseDumper, vol VolumeExporter, quiet bool) *Builder {
	return &Builder{
		cfg:      cfg,
		log:      log,
		strategy: strategy,
		db:       db,
		vol:      vol,
		quiet:    quiet,
		now:      time.Now,
	}
}

// Run captures all four artifacts into a new backup set and hands ownership
// of the set to the repository owner. Only the inability to create the set
// itself is fatal.
func (b *Builder) Run(ctx context.Context) (*platform.BackupSet, error) {
	set, err := platform.CreateBackupSet(b.cfg.BackupsDir, b.now())
	if err != nil {
		return nil, err
	}
	b.log.Infof("created backup set %s", set.Dir)

	steps := []struct {
		kind platform.ArtifactKind
		fn   func(context.Context, *platform.BackupSet) error
	}{
		{platform.ArtifactDatabase, b.captureDatabase},
		{platform.ArtifactConfigVolume, b.captureConfigVolume},
		{platform.ArtifactStorage, b.captureStorage},
		{platform.ArtifactEnvFile, b.captureEnvFile},
	}

	for _, step := range steps {
		if err := step.fn(ctx, set); err != nil {
			var notFound *platform.ServiceContainerNotFoundError
			if errors.As(err, &notFound) {
				b.log.Warnf("skipping %s: %v", step.kind, err)
				continue
			}
			b.log.Errorf("%v", &platform.PartialArtifactError{Artifact: step.kind, Err: err})
		}
	}

	b.finalizeOwnership(set)
	b.summarize(set)

	return set, nil
}

func (b *Builder) captureDatabase(ctx context.Context, set *platform.BackupSet) error {
	b.log.Infof("dumping database cluster from container %s", b.cfg.Database.Container)

	sqlPath := set.Path(platform.DumpFileName)
	f, err := os.Create(sqlPath) // #nosec G304 - path inside the backup set
	if err != nil {
		return err
	}
	if err := b.db.Dump(ctx, f); err != nil {
		_ = f.Close()
		_ = os.Remove(sqlPath)
		return err
	}
	if err := f.Close(); err != nil {
		_ = os.Remove(sqlPath)
		return err
	}

	if err := b.compressDump(ctx, set, sqlPath); err != nil {
		_ = os.Remove(sqlPath)
		return err
	}
	// The plain-text dump never outlives the run.
	if err := os.Remove(sqlPath); err != nil {
		b.log.Warnf("failed to remove intermediate dump %s: %v", sqlPath, err)
	}
	return nil
}

func (b *Builder) compressDump(ctx context.Context, set *platform.BackupSet, sqlPath string) error {
	in, err := os.Open(sqlPath) // #nosec G304 - path inside the backup set
	if err != nil {
		return err
	}
	defer func() { _ = in.Close() }()

	stat, err := in.Stat()
	if err != nil {
		return err
	}

	var src io.Reader = in
	if !b.quiet {
		pr := NewProgressReader(in, stat.Size(), "compressing database dump")
		defer func() { _ = pr.Close() }()
		src = pr
	}

	outPath := set.ArtifactPath(platform.ArtifactDatabase, b.strategy.Format())
	return b.writeCompressed(ctx, outPath, func(w io.Writer) error {
		return archive.TarFile(platform.DumpFileName, stat.Size(), src, w)
	})
}

func (b *Builder) captureConfigVolume(ctx context.Context, set *platform.BackupSet) error {
	b.log.Infof("archiving config volume through helper container")

	var spinner *Spinner
	if !b.quiet {
		spinner = NewSpinner("exporting config volume")
		defer spinner.Stop()
	}

	outPath := set.ArtifactPath(platform.ArtifactConfigVolume, b.strategy.Format())
	out, err := os.Create(outPath) // #nosec G304 - path inside the backup set
	if err != nil {
		return err
	}
	if err := b.vol.Export(ctx, out, b.strategy.Format()); err != nil {
		_ = out.Close()
		_ = os.Remove(outPath)
		return err
	}
	return out.Close()
}

func (b *Builder) captureStorage(ctx context.Context, set *platform.BackupSet) error {
	info, err := os.Stat(b.cfg.StorageDir)
	if os.IsNotExist(err) || (err == nil && !info.IsDir()) {
		b.log.Warnf("storage directory %s not found, skipping", b.cfg.StorageDir)
		return nil
	}
	if err != nil {
		return err
	}

	b.log.Infof("archiving storage directory %s", b.cfg.StorageDir)

	var spinner *Spinner
	if !b.quiet {
		spinner = NewSpinner("archiving storage")
		defer spinner.Stop()
	}

	outPath := set.ArtifactPath(platform.ArtifactStorage, b.strategy.Format())
	return b.writeCompressed(ctx, outPath, func(w io.Writer) error {
		return archive.TarDirectory(b.cfg.StorageDir, w)
	})
}

// writeCompressed runs produce against a compressing writer on outPath and
// removes the partially-written file on any failure so the set never holds a
// truncated artifact.
func (b *Builder) writeCompressed(ctx context.Context, outPath string, produce func(io.Writer) error) error {
	out, err := os.Create(outPath) // #nosec G304 - path inside the backup set
	if err != nil {
		return err
	}

	fail := func(err error) error {
		_ = out.Close()
		_ = os.Remove(outPath)
		return err
	}

	cw, err := b.strategy.NewWriter(ctx, out)
	if err != nil {
		return fail(err)
	}
	if err := produce(cw); err != nil {
		_ = cw.Close()
		return fail(err)
	}
	if err := cw.Close(); err != nil {
		return fail(err)
	}
	if err := out.Close(); err != nil {
		_ = os.Remove(outPath)
		return err
	}
	return nil
}

func (b *Builder) captureEnvFile(ctx context.Context, set *platform.BackupSet) error {
	in, err := os.Open(b.cfg.EnvFile) // #nosec G304 - configured environment file path
	if os.IsNotExist(err) {
		b.log.Infof("environment file %s not present, skipping", b.cfg.EnvFile)
		return nil
	}
	if err != nil {
		return err
	}
	defer func() { _ = in.Close() }()

	outPath := set.ArtifactPath(platform.ArtifactEnvFile, platform.FormatNone)
	out, err := os.OpenFile(outPath, os.O_WRONLY|os.O_CREATE|os.O_TRUNC, 0600) // #nosec G304 - path inside the backup set
	if err != nil {
		return err
	}
	if _, err := io.Copy(out, in); err != nil {
		_ = out.Close()
		_ = os.Remove(outPath)
		return err
	}
	return out.Close()
}

// finalizeOwnership hands the finished set back to the repository owner. The
// capture itself runs with elevated privilege to reach root-owned volumes.
func (b *Builder) finalizeOwnership(set *platform.BackupSet) {
	if !owner.IsRoot() {
		b.log.Debugf("not running as root, leaving backup set ownership unchanged")
		return
	}
	id, err := owner.Resolve(b.cfg.ProjectRoot)
	if err != nil {
		b.log.Errorf("failed to resolve repository owner: %v", err)
		return
	}
	if err := owner.ChownTree(set.Dir, id); err != nil {
		b.log.Errorf("failed to reassign backup set ownership: %v", err)
	}
}

// summarize reports which artifacts actually landed in the set.
func (b *Builder) summarize(set *platform.BackupSet) {
	kinds := []platform.ArtifactKind{
		platform.ArtifactDatabase,
		platform.ArtifactConfigVolume,
		platform.ArtifactStorage,
		platform.ArtifactEnvFile,
	}
	for _, kind := range kinds {
		if path, _, ok := set.Find(kind); ok {
			b.log.Infof("captured %s -> %s", kind, path)
		} else {
			b.log.Warnf("artifact %s missing from backup set", kind)
		}
	}
}
