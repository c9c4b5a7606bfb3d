package volume

import (
	"context"
	"errors"
	"io"
	"strings"
	"testing"

	"github.com/docker/docker/api/types"
	dcontainer "github.com/docker/docker/api/types/container"
	"github.com/stacksnap/stacksnap/internal/config"
	"github.com/stacksnap/stacksnap/internal/docker"
	"github.com/stacksnap/stacksnap/internal/platform"
	"go.uber.org/zap"
)

type fakeHelper struct {
	serviceFound bool
	mounts       []docker.Mount

	ensuredVolume string
	streamPayload string
	exitCode      int64

	lastConfig *dcontainer.Config
	lastHost   *dcontainer.HostConfig
}

func (f *fakeHelper) FindContainer(ctx context.Context, name string) (*types.Container, error) {
	if !f.serviceFound {
		return nil, errors.New("container not found")
	}
	return &types.Container{ID: "svc123"}, nil
}

func (f *fakeHelper) ContainerMounts(ctx context.Context, id string) ([]docker.Mount, error) {
	return f.mounts, nil
}

func (f *fakeHelper) EnsureVolume(ctx context.Context, name string) (string, error) {
	f.ensuredVolume = name
	return name, nil
}

func (f *fakeHelper) RunStreaming(ctx context.Context, cfg *dcontainer.Config, host *dcontainer.HostConfig, out io.Writer) (*docker.RunResult, error) {
	f.lastConfig, f.lastHost = cfg, host
	if _, err := io.WriteString(out, f.streamPayload); err != nil {
		return nil, err
	}
	return &docker.RunResult{ExitCode: f.exitCode}, nil
}

func (f *fakeHelper) RunAndWait(ctx context.Context, cfg *dcontainer.Config, host *dcontainer.HostConfig) (*docker.RunResult, error) {
	f.lastConfig, f.lastHost = cfg, host
	return &docker.RunResult{ExitCode: f.exitCode, Stderr: "tar: short read"}, nil
}

func testArchiver(f *fakeHelper) *Archiver {
	cfg := config.ConfigVolumeConfig{
		Name:        "db-config",
		MountPath:   "/etc/platform/config",
		HelperImage: "alpine:3.20",
	}
	return NewArchiver(f, cfg, "platform-db", zap.NewNop().Sugar())
}

func TestExportStreamsThroughHelper(t *testing.T) {
	f := &fakeHelper{
		serviceFound:  true,
		mounts:        []docker.Mount{{Volume: "proj_db-config", Destination: "/etc/platform/config"}},
		streamPayload: "archive-bytes",
	}
	a := testArchiver(f)

	var out strings.Builder
	if err := a.Export(context.Background(), &out, platform.FormatGzip); err != nil {
		t.Fatalf("Export: %v", err)
	}
	if out.String() != "archive-bytes" {
		t.Errorf("exported %q", out.String())
	}
	// The helper mounts the service's volume read-only.
	if len(f.lastHost.Binds) != 1 || f.lastHost.Binds[0] != "proj_db-config:/data:ro" {
		t.Errorf("binds = %v", f.lastHost.Binds)
	}
	if f.lastConfig.Image != "alpine:3.20" {
		t.Errorf("image = %q", f.lastConfig.Image)
	}
}

func TestExportServiceMissing(t *testing.T) {
	a := testArchiver(&fakeHelper{serviceFound: false})

	err := a.Export(context.Background(), io.Discard, platform.FormatGzip)
	var notFound *platform.ServiceContainerNotFoundError
	if !errors.As(err, &notFound) {
		t.Fatalf("expected ServiceContainerNotFoundError, got %v", err)
	}
}

func TestExportHelperFailure(t *testing.T) {
	f := &fakeHelper{
		serviceFound: true,
		mounts:       []docker.Mount{{Volume: "proj_db-config", Destination: "/etc/platform/config"}},
		exitCode:     2,
	}
	a := testArchiver(f)

	err := a.Export(context.Background(), io.Discard, platform.FormatGzip)
	var helperErr *platform.HelperExecutionError
	if !errors.As(err, &helperErr) {
		t.Fatalf("expected HelperExecutionError, got %v", err)
	}
	if helperErr.ExitCode != 2 {
		t.Errorf("exit code = %d", helperErr.ExitCode)
	}
}

func TestImportFallsBackToNamedVolume(t *testing.T) {
	f := &fakeHelper{serviceFound: false}
	a := testArchiver(f)

	if err := a.Import(context.Background(), "/backups/backup_x/db-config.tar.gz", platform.FormatGzip); err != nil {
		t.Fatalf("Import: %v", err)
	}
	if f.ensuredVolume != "db-config" {
		t.Errorf("ensured volume = %q", f.ensuredVolume)
	}
	// Artifact is mounted read-only into the helper.
	found := false
	for _, bind := range f.lastHost.Binds {
		if strings.HasSuffix(bind, ":ro") && strings.Contains(bind, "db-config.tar.gz") {
			found = true
		}
	}
	if !found {
		t.Errorf("artifact bind missing, binds = %v", f.lastHost.Binds)
	}
}

func TestImportHelperFailureIsFatalForArtifact(t *testing.T) {
	f := &fakeHelper{
		serviceFound: true,
		mounts:       []docker.Mount{{Volume: "proj_db-config", Destination: "/etc/platform/config"}},
		exitCode:     1,
	}
	a := testArchiver(f)

	err := a.Import(context.Background(), "/backups/backup_x/db-config.tar.gz", platform.FormatGzip)
	var helperErr *platform.HelperExecutionError
	if !errors.As(err, &helperErr) {
		t.Fatalf("expected HelperExecutionError, got %v", err)
	}
}

func TestScriptsMatchFormat(t *testing.T) {
	if got := exportScript(platform.FormatGzip); got != "tar -C /data -czf - ." {
		t.Errorf("gzip export script = %q", got)
	}
	if got := exportScript(platform.FormatZstd); !strings.Contains(got, "zstd -q -c") || !strings.Contains(got, "apk add") {
		t.Errorf("zstd export script = %q", got)
	}
	if got := importScript("/backup/db-config.tar.gz", platform.FormatGzip); !strings.Contains(got, "tar -C /data -xzf /backup/db-config.tar.gz") {
		t.Errorf("gzip import script = %q", got)
	}
	if got := importScript("/backup/db-config.tar.zst", platform.FormatZstd); !strings.Contains(got, "zstd -q -d -c /backup/db-config.tar.zst | tar -C /data -xf -") {
		t.Errorf("zstd import script = %q", got)
	}
}
