package dump

import (
	"bytes"
	"context"
	"errors"
	"io"
	"strings"
	"testing"
	"time"

	"github.com/docker/docker/api/types"
	"github.com/stacksnap/stacksnap/internal/config"
	"github.com/stacksnap/stacksnap/internal/platform"
	"go.uber.org/zap"
)

type fakeDocker struct {
	containerID string
	findErr     error
	running     bool
	started     bool

	dumpOutput   string
	failuresLeft int
	execCmds     [][]string
	received     bytes.Buffer
}

func (f *fakeDocker) FindContainer(ctx context.Context, name string) (*types.Container, error) {
	if f.findErr != nil {
		return nil, f.findErr
	}
	return &types.Container{ID: f.containerID}, nil
}

func (f *fakeDocker) IsContainerRunning(ctx context.Context, id string) (bool, error) {
	return f.running, nil
}

func (f *fakeDocker) StartContainer(ctx context.Context, id string) error {
	f.started = true
	f.running = true
	return nil
}

func (f *fakeDocker) Exec(ctx context.Context, id string, cmd []string, stdin io.Reader, stdout io.Writer) error {
	f.execCmds = append(f.execCmds, cmd)
	switch cmd[0] {
	case "pg_isready":
		if f.failuresLeft > 0 {
			f.failuresLeft--
			return errors.New("no response")
		}
		return nil
	case "pg_dumpall":
		_, err := io.WriteString(stdout, f.dumpOutput)
		return err
	case "psql":
		_, err := f.received.ReadFrom(stdin)
		return err
	}
	return errors.New("unexpected command")
}

func testConfig() config.DatabaseConfig {
	return config.DatabaseConfig{
		Container:     "platform-db",
		User:          "postgres",
		ReadyTimeout:  500 * time.Millisecond,
		ReadyInterval: time.Millisecond,
	}
}

func TestDumpArgsSelfSufficientCluster(t *testing.T) {
	args := strings.Join(dumpArgs("postgres"), " ")
	for _, want := range []string{"pg_dumpall", "--clean", "--if-exists", "-U postgres"} {
		if !strings.Contains(args, want) {
			t.Errorf("dump args %q missing %q", args, want)
		}
	}
}

func TestDumpStreamsClusterDump(t *testing.T) {
	docker := &fakeDocker{containerID: "abc123", running: true, dumpOutput: "CREATE TABLE t (id int);\n"}
	p := NewPostgres(docker, testConfig(), zap.NewNop().Sugar())

	var out bytes.Buffer
	if err := p.Dump(context.Background(), &out); err != nil {
		t.Fatalf("Dump: %v", err)
	}
	if out.String() != docker.dumpOutput {
		t.Errorf("dump output = %q", out.String())
	}
}

func TestDumpFailsWhenServiceMissing(t *testing.T) {
	docker := &fakeDocker{findErr: errors.New("container 'platform-db' not found")}
	p := NewPostgres(docker, testConfig(), zap.NewNop().Sugar())

	err := p.Dump(context.Background(), io.Discard)
	var unavailable *platform.CollaboratorUnavailableError
	if !errors.As(err, &unavailable) {
		t.Fatalf("expected CollaboratorUnavailableError, got %v", err)
	}
}

func TestDumpFailsWhenServiceStopped(t *testing.T) {
	docker := &fakeDocker{containerID: "abc123", running: false}
	p := NewPostgres(docker, testConfig(), zap.NewNop().Sugar())

	err := p.Dump(context.Background(), io.Discard)
	var unavailable *platform.CollaboratorUnavailableError
	if !errors.As(err, &unavailable) {
		t.Fatalf("expected CollaboratorUnavailableError, got %v", err)
	}
}

func TestRestoreFeedsStdin(t *testing.T) {
	docker := &fakeDocker{containerID: "abc123", running: true}
	p := NewPostgres(docker, testConfig(), zap.NewNop().Sugar())

	sql := "DROP DATABASE IF EXISTS appdb;\n"
	if err := p.Restore(context.Background(), strings.NewReader(sql)); err != nil {
		t.Fatalf("Restore: %v", err)
	}
	if docker.received.String() != sql {
		t.Errorf("psql received %q", docker.received.String())
	}
}

func TestEnsureReadyStartsStoppedService(t *testing.T) {
	docker := &fakeDocker{containerID: "abc123", running: false, failuresLeft: 2}
	p := NewPostgres(docker, testConfig(), zap.NewNop().Sugar())

	if err := p.EnsureReady(context.Background()); err != nil {
		t.Fatalf("EnsureReady: %v", err)
	}
	if !docker.started {
		t.Error("expected service container to be started")
	}
	// Two failed probes, then success.
	probes := 0
	for _, cmd := range docker.execCmds {
		if cmd[0] == "pg_isready" {
			probes++
		}
	}
	if probes != 3 {
		t.Errorf("expected 3 readiness probes, got %d", probes)
	}
}

func TestEnsureReadyTimesOut(t *testing.T) {
	cfg := testConfig()
	cfg.ReadyTimeout = 10 * time.Millisecond
	docker := &fakeDocker{containerID: "abc123", running: true, failuresLeft: 1 << 30}
	p := NewPostgres(docker, cfg, zap.NewNop().Sugar())

	err := p.EnsureReady(context.Background())
	var unavailable *platform.CollaboratorUnavailableError
	if !errors.As(err, &unavailable) {
		t.Fatalf("expected CollaboratorUnavailableError, got %v", err)
	}
}
