package compress

import (
	"bytes"
	"context"
	"errors"
	"io"
	"testing"

	. "github.com/smartystreets/goconvey/convey"
	"github.com/stacksnap/stacksnap/internal/platform"
	"go.uber.org/zap"
)

func stubCapability(t *testing.T, found bool, working bool) {
	t.Helper()
	origLook, origCheck := lookPath, runCheck
	t.Cleanup(func() {
		lookPath, runCheck = origLook, origCheck
	})
	lookPath = func(string) (string, error) {
		if !found {
			return "", errors.New("executable file not found in $PATH")
		}
		return "/usr/bin/zstd", nil
	}
	runCheck = func(context.Context, string) error {
		if !working {
			return errors.New("exit status 127")
		}
		return nil
	}
}

func TestDetect(t *testing.T) {
	log := zap.NewNop().Sugar()

	Convey("Given a host with a working zstd binary", t, func() {
		stubCapability(t, true, true)

		Convey("It should choose zstd for the whole run", func() {
			s := Detect(context.Background(), log)
			So(s.Format(), ShouldEqual, platform.FormatZstd)
			So(s.Extension(), ShouldEqual, ".tar.zst")
		})
	})

	Convey("Given a host without zstd", t, func() {
		stubCapability(t, false, false)

		Convey("It should fall back to gzip", func() {
			s := Detect(context.Background(), log)
			So(s.Format(), ShouldEqual, platform.FormatGzip)
			So(s.Extension(), ShouldEqual, ".tar.gz")
		})
	})

	Convey("Given a zstd binary that fails its version check", t, func() {
		stubCapability(t, true, false)

		Convey("It should fall back to gzip", func() {
			s := Detect(context.Background(), log)
			So(s.Format(), ShouldEqual, platform.FormatGzip)
		})
	})
}

func TestGzipRoundTrip(t *testing.T) {
	Convey("Given the gzip strategy", t, func() {
		s := ForFormat(platform.FormatGzip)
		payload := bytes.Repeat([]byte("backup payload "), 1024)

		Convey("Compressing then decompressing yields the original bytes", func() {
			var compressed bytes.Buffer
			w, err := s.NewWriter(context.Background(), &compressed)
			So(err, ShouldBeNil)
			_, err = w.Write(payload)
			So(err, ShouldBeNil)
			So(w.Close(), ShouldBeNil)
			So(compressed.Len(), ShouldBeLessThan, len(payload))

			r, err := s.NewReader(context.Background(), &compressed)
			So(err, ShouldBeNil)
			out, err := io.ReadAll(r)
			So(err, ShouldBeNil)
			So(r.Close(), ShouldBeNil)
			So(out, ShouldResemble, payload)
		})
	})
}

func TestRawFormatHasNoCodec(t *testing.T) {
	Convey("Given the raw format", t, func() {
		s := ForFormat(platform.FormatNone)

		Convey("Writer and reader construction should fail", func() {
			_, err := s.NewWriter(context.Background(), &bytes.Buffer{})
			So(err, ShouldNotBeNil)
			_, err = s.NewReader(context.Background(), bytes.NewReader(nil))
			So(err, ShouldNotBeNil)
		})
	})
}
