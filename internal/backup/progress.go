package backup

import (
	"fmt"
	"io"
	"time"

	"github.com/cheggaaa/pb/v3"
)

// ProgressReader wraps an io.Reader with a byte progress bar.
type ProgressReader struct {
	reader io.Reader
	bar    *pb.ProgressBar
}

// NewProgressReader creates a progress reader for a stream of known size.
func NewProgressReader(r io.Reader, size int64, description string) *ProgressReader {
	tmpl := fmt.Sprintf(`{{ "%s" }} {{ bar . "[" "=" ">" " " "]"}} {{speed . }} {{percent . }}`, description)

	bar := pb.New64(size)
	bar.Set(pb.SIBytesPrefix, true)
	bar.SetTemplateString(tmpl)
	bar.SetRefreshRate(100 * time.Millisecond)
	bar.Start()

	return &ProgressReader{
		reader: bar.NewProxyReader(r),
		bar:    bar,
	}
}

// Read implements io.Reader.
func (pr *ProgressReader) Read(p []byte) (n int, err error) {
	return pr.reader.Read(p)
}

// Close finishes the progress bar.
func (pr *ProgressReader) Close() error {
	pr.bar.Finish()
	return nil
}

// Spinner shows an indeterminate indicator for transfers without a known
// size, such as helper container streams.
type Spinner struct {
	bar *pb.ProgressBar
}

// NewSpinner starts an indeterminate progress indicator.
func NewSpinner(description string) *Spinner {
	tmpl := fmt.Sprintf(`{{ "%s" }} {{ cycle . "⠋" "⠙" "⠹" "⠸" "⠼" "⠴" "⠦" "⠧" "⠇" "⠏" }}`, description)

	bar := pb.New(0)
	bar.SetTemplateString(tmpl)
	bar.SetRefreshRate(100 * time.Millisecond)
	bar.Start()

	return &Spinner{bar: bar}
}

// Stop stops the spinner.
func (s *Spinner) Stop() {
	s.bar.Finish()
}
