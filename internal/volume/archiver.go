// Package volume captures and restores the root-owned config volume through
// an ephemeral helper container. The helper is the capability broker: it
// mounts the same volume the service container uses and trades exactly one
// archive stream in or out of it per invocation.
package volume

import (
	"context"
	"errors"
	"fmt"
	"io"
	"path/filepath"

	"github.com/docker/docker/api/types"
	dcontainer "github.com/docker/docker/api/types/container"
	"github.com/stacksnap/stacksnap/internal/config"
	"github.com/stacksnap/stacksnap/internal/docker"
	"github.com/stacksnap/stacksnap/internal/platform"
	"go.uber.org/zap"
)

// helperClient is the slice of the Docker wrapper the archiver needs.
type helperClient interface {
	FindContainer(ctx context.Context, name string) (*types.Container, error)
	ContainerMounts(ctx context.Context, containerID string) ([]docker.Mount, error)
	EnsureVolume(ctx context.Context, name string) (string, error)
	RunStreaming(ctx context.Context, config *dcontainer.Config, host *dcontainer.HostConfig, out io.Writer) (*docker.RunResult, error)
	RunAndWait(ctx context.Context, config *dcontainer.Config, host *dcontainer.HostConfig) (*docker.RunResult, error)
}

// Archiver exports and imports the config volume.
type Archiver struct {
	docker  helperClient
	cfg     config.ConfigVolumeConfig
	service string
	log     *zap.SugaredLogger
}

func NewArchiver(client helperClient, cfg config.ConfigVolumeConfig, serviceContainer string, log *zap.SugaredLogger) *Archiver {
	return &Archiver{docker: client, cfg: cfg, service: serviceContainer, log: log}
}

// resolveVolume finds the config volume through the service container's
// attachments so backup and restore always touch the volume the live service
// actually uses.
func (a *Archiver) resolveVolume(ctx context.Context) (string, error) {
	ctr, err := a.docker.FindContainer(ctx, a.service)
	if err != nil {
		return "", &platform.ServiceContainerNotFoundError{Name: a.service}
	}
	mounts, err := a.docker.ContainerMounts(ctx, ctr.ID)
	if err != nil {
		return "", fmt.Errorf("failed to inspect service container mounts: %w", err)
	}
	for _, m := range mounts {
		if m.Destination == a.cfg.MountPath || m.Volume == a.cfg.Name {
			return m.Volume, nil
		}
	}
	return "", fmt.Errorf("service container %s does not mount the config volume", a.service)
}

// exportScript archives /data to stdout in the requested format. The helper
// image carries gzip in busybox tar; zstd is provisioned on demand.
func exportScript(format platform.Format) string {
	if format == platform.FormatZstd {
		return "command -v zstd >/dev/null 2>&1 || apk add --no-cache zstd >/dev/null 2>&1 && " +
			"tar -C /data -cf - . | zstd -q -c"
	}
	return "tar -C /data -czf - ."
}

// importScript wipes /data and extracts the artifact mounted at src into it.
func importScript(src string, format platform.Format) string {
	wipe := "rm -rf /data/* /data/.[!.]* 2>/dev/null; "
	if format == platform.FormatZstd {
		return wipe + "command -v zstd >/dev/null 2>&1 || apk add --no-cache zstd >/dev/null 2>&1 && " +
			fmt.Sprintf("zstd -q -d -c %s | tar -C /data -xf -", src)
	}
	return wipe + fmt.Sprintf("tar -C /data -xzf %s", src)
}

// Export streams a compressed archive of the config volume into w.
func (a *Archiver) Export(ctx context.Context, w io.Writer, format platform.Format) error {
	volumeName, err := a.resolveVolume(ctx)
	if err != nil {
		return err
	}

	res, err := a.docker.RunStreaming(ctx,
		&dcontainer.Config{
			Image: a.cfg.HelperImage,
			Cmd:   []string{"sh", "-c", exportScript(format)},
		},
		&dcontainer.HostConfig{
			Binds: []string{fmt.Sprintf("%s:/data:ro", volumeName)},
		},
		w,
	)
	if err != nil {
		return fmt.Errorf("config volume export failed: %w", err)
	}
	if res.ExitCode != 0 {
		return &platform.HelperExecutionError{ExitCode: res.ExitCode, Output: res.Stderr}
	}
	return nil
}

// Import extracts the artifact at artifactPath into the config volume,
// replacing its contents. When no service container exists the configured
// volume name is used and created on demand so the attachment is in place
// before the service next starts.
func (a *Archiver) Import(ctx context.Context, artifactPath string, format platform.Format) error {
	volumeName, err := a.resolveVolume(ctx)
	if err != nil {
		var notFound *platform.ServiceContainerNotFoundError
		if !errors.As(err, &notFound) {
			return err
		}
		a.log.Warnf("service container %s not found, restoring into volume %s directly", a.service, a.cfg.Name)
		volumeName, err = a.docker.EnsureVolume(ctx, a.cfg.Name)
		if err != nil {
			return fmt.Errorf("failed to prepare config volume: %w", err)
		}
	}

	abs, err := filepath.Abs(artifactPath)
	if err != nil {
		return fmt.Errorf("failed to resolve artifact path: %w", err)
	}
	internal := "/backup/" + filepath.Base(abs)

	res, err := a.docker.RunAndWait(ctx,
		&dcontainer.Config{
			Image: a.cfg.HelperImage,
			Cmd:   []string{"sh", "-c", importScript(internal, format)},
		},
		&dcontainer.HostConfig{
			Binds: []string{
				fmt.Sprintf("%s:/data", volumeName),
				fmt.Sprintf("%s:%s:ro", abs, internal),
			},
		},
	)
	if err != nil {
		return fmt.Errorf("config volume import failed: %w", err)
	}
	if res.ExitCode != 0 {
		return &platform.HelperExecutionError{ExitCode: res.ExitCode, Output: res.Stderr}
	}
	return nil
}
