// Package dump captures and replays full logical dumps of the platform
// database by invoking the client tools inside the running service container.
// Dump and restore traffic is streamed over the exec boundary; no SQL ever
// lands in a file inside the container.
package dump

import (
	"context"
	"fmt"
	"io"
	"time"

	"github.com/docker/docker/api/types"
	"github.com/stacksnap/stacksnap/internal/config"
	"github.com/stacksnap/stacksnap/internal/platform"
	"go.uber.org/zap"
)

// execClient is the slice of the Docker wrapper the adapter needs.
type execClient interface {
	FindContainer(ctx context.Context, name string) (*types.Container, error)
	IsContainerRunning(ctx context.Context, containerID string) (bool, error)
	StartContainer(ctx context.Context, containerID string) error
	Exec(ctx context.Context, containerID string, cmd []string, stdin io.Reader, stdout io.Writer) error
}

// Postgres dumps and restores the database cluster through the service
// container.
type Postgres struct {
	docker execClient
	cfg    config.DatabaseConfig
	log    *zap.SugaredLogger
}

func NewPostgres(docker execClient, cfg config.DatabaseConfig, log *zap.SugaredLogger) *Postgres {
	return &Postgres{docker: docker, cfg: cfg, log: log}
}

// dumpArgs builds the full-cluster dump invocation. The dump must be
// self-sufficient: it recreates roles and databases in one pass and drops
// conflicting objects first.
func dumpArgs(user string) []string {
	return []string{"pg_dumpall", "-U", user, "--clean", "--if-exists"}
}

// restoreArgs builds the interactive replay invocation fed from stdin.
func restoreArgs(user string) []string {
	return []string{"psql", "-U", user, "-d", "postgres"}
}

func readyArgs(user string) []string {
	return []string{"pg_isready", "-U", user}
}

// Dump streams a full-cluster logical dump into w.
func (p *Postgres) Dump(ctx context.Context, w io.Writer) error {
	ctr, err := p.docker.FindContainer(ctx, p.cfg.Container)
	if err != nil {
		return &platform.CollaboratorUnavailableError{Collaborator: "database service", Err: err}
	}
	running, err := p.docker.IsContainerRunning(ctx, ctr.ID)
	if err != nil {
		return &platform.CollaboratorUnavailableError{Collaborator: "database service", Err: err}
	}
	if !running {
		return &platform.CollaboratorUnavailableError{
			Collaborator: "database service",
			Err:          fmt.Errorf("container %s is not running", p.cfg.Container),
		}
	}

	if err := p.docker.Exec(ctx, ctr.ID, dumpArgs(p.cfg.User), nil, w); err != nil {
		return fmt.Errorf("database dump failed: %w", err)
	}
	return nil
}

// Restore feeds a SQL stream into the database via psql. EnsureReady must
// have succeeded first.
func (p *Postgres) Restore(ctx context.Context, r io.Reader) error {
	ctr, err := p.docker.FindContainer(ctx, p.cfg.Container)
	if err != nil {
		return &platform.CollaboratorUnavailableError{Collaborator: "database service", Err: err}
	}
	if err := p.docker.Exec(ctx, ctr.ID, restoreArgs(p.cfg.User), r, io.Discard); err != nil {
		return fmt.Errorf("database import failed: %w", err)
	}
	return nil
}

// EnsureReady starts the database service if needed and polls pg_isready
// until the server accepts connections or the configured timeout elapses.
func (p *Postgres) EnsureReady(ctx context.Context) error {
	ctr, err := p.docker.FindContainer(ctx, p.cfg.Container)
	if err != nil {
		return &platform.CollaboratorUnavailableError{Collaborator: "database service", Err: err}
	}

	running, err := p.docker.IsContainerRunning(ctx, ctr.ID)
	if err != nil {
		return &platform.CollaboratorUnavailableError{Collaborator: "database service", Err: err}
	}
	if !running {
		p.log.Infof("starting database service container %s", p.cfg.Container)
		if err := p.docker.StartContainer(ctx, ctr.ID); err != nil {
			return &platform.CollaboratorUnavailableError{Collaborator: "database service", Err: err}
		}
	}

	deadline := time.Now().Add(p.cfg.ReadyTimeout)
	var lastErr error
	for time.Now().Before(deadline) {
		if err := p.docker.Exec(ctx, ctr.ID, readyArgs(p.cfg.User), nil, io.Discard); err == nil {
			return nil
		} else {
			lastErr = err
		}

		select {
		case <-ctx.Done():
			return &platform.CollaboratorUnavailableError{Collaborator: "database service", Err: ctx.Err()}
		case <-time.After(p.cfg.ReadyInterval):
		}
	}

	return &platform.CollaboratorUnavailableError{
		Collaborator: "database service",
		Err:          fmt.Errorf("not ready after %s: %w", p.cfg.ReadyTimeout, lastErr),
	}
}
