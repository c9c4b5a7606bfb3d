// Package compress selects and applies the compression strategy for a backup
// run. The preferred format is zstd via the host binary used as a filter
// process; when no working zstd is present the run falls back to in-process
// gzip. The choice is made once per invocation and shared by every artifact.
package compress

import (
	"compress/gzip"
	"context"
	"fmt"
	"io"
	"os/exec"

	"github.com/stacksnap/stacksnap/internal/platform"
	"go.uber.org/zap"
)

// Stubbed in tests.
var (
	lookPath = exec.LookPath
	runCheck = func(ctx context.Context, bin string) error {
		return exec.CommandContext(ctx, bin, "--version").Run()
	}
)

// Strategy is the compression family chosen for one run.
type Strategy struct {
	format platform.Format
}

// Detect resolves the host's compression capability. Absence of zstd is not an
// error, only a quality degradation.
func Detect(ctx context.Context, log *zap.SugaredLogger) Strategy {
	if bin, err := lookPath("zstd"); err == nil {
		if err := runCheck(ctx, bin); err == nil {
			return Strategy{format: platform.FormatZstd}
		}
		log.Warnf("zstd binary found but not working, falling back to gzip")
		return Strategy{format: platform.FormatGzip}
	}
	log.Warnf("zstd not available on this host, falling back to gzip compression")
	return Strategy{format: platform.FormatGzip}
}

// ForFormat returns the strategy matching an artifact format detected on the
// restore side.
func ForFormat(f platform.Format) Strategy {
	return Strategy{format: f}
}

// Format returns the compression family of the strategy.
func (s Strategy) Format() platform.Format { return s.format }

// Extension returns the artifact file extension produced by the strategy.
func (s Strategy) Extension() string { return s.format.Ext() }

// NewWriter returns a WriteCloser that compresses into w. Close must be called
// to flush the stream and, for zstd, reap the filter process.
func (s Strategy) NewWriter(ctx context.Context, w io.Writer) (io.WriteCloser, error) {
	switch s.format {
	case platform.FormatZstd:
		cmd := exec.CommandContext(ctx, "zstd", "-q", "-c")
		cmd.Stdout = w
		stdin, err := cmd.StdinPipe()
		if err != nil {
			return nil, fmt.Errorf("failed to open zstd stdin: %w", err)
		}
		if err := cmd.Start(); err != nil {
			return nil, fmt.Errorf("failed to start zstd: %w", err)
		}
		return &filterWriter{cmd: cmd, stdin: stdin}, nil
	case platform.FormatGzip:
		return gzip.NewWriterLevel(w, gzip.BestCompression)
	default:
		return nil, fmt.Errorf("format %s has no compressor", s.format)
	}
}

// NewReader returns a ReadCloser that decompresses from r.
func (s Strategy) NewReader(ctx context.Context, r io.Reader) (io.ReadCloser, error) {
	switch s.format {
	case platform.FormatZstd:
		cmd := exec.CommandContext(ctx, "zstd", "-q", "-d", "-c")
		cmd.Stdin = r
		stdout, err := cmd.StdoutPipe()
		if err != nil {
			return nil, fmt.Errorf("failed to open zstd stdout: %w", err)
		}
		if err := cmd.Start(); err != nil {
			return nil, fmt.Errorf("failed to start zstd: %w", err)
		}
		return &filterReader{cmd: cmd, stdout: stdout}, nil
	case platform.FormatGzip:
		return gzip.NewReader(r)
	default:
		return nil, fmt.Errorf("format %s has no decompressor", s.format)
	}
}

// filterWriter pipes writes through an external compressor process.
type filterWriter struct {
	cmd   *exec.Cmd
	stdin io.WriteCloser
}

func (f *filterWriter) Write(p []byte) (int, error) {
	return f.stdin.Write(p)
}

func (f *filterWriter) Close() error {
	if err := f.stdin.Close(); err != nil {
		_ = f.cmd.Wait()
		return err
	}
	if err := f.cmd.Wait(); err != nil {
		return fmt.Errorf("zstd failed: %w", err)
	}
	return nil
}

// filterReader pipes reads through an external decompressor process.
type filterReader struct {
	cmd    *exec.Cmd
	stdout io.ReadCloser
}

func (f *filterReader) Read(p []byte) (int, error) {
	return f.stdout.Read(p)
}

func (f *filterReader) Close() error {
	if _, err := io.Copy(io.Discard, f.stdout); err != nil {
		_ = f.cmd.Wait()
		return err
	}
	if err := f.cmd.Wait(); err != nil {
		return fmt.Errorf("zstd failed: %w", err)
	}
	return nil
}
