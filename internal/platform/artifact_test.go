package platform

import (
	"errors"
	"os"
	"path/filepath"
	"testing"
	"time"
)

func touch(t *testing.T, path string) {
	t.Helper()
	if err := os.WriteFile(path, []byte("x"), 0600); err != nil {
		t.Fatal(err)
	}
}

func TestCreateBackupSetNaming(t *testing.T) {
	base := t.TempDir()
	ts := time.Date(2026, 8, 25, 14, 30, 45, 0, time.UTC)

	set, err := CreateBackupSet(base, ts)
	if err != nil {
		t.Fatalf("CreateBackupSet: %v", err)
	}

	want := filepath.Join(base, "backup_20260825_143045")
	if set.Dir != want {
		t.Errorf("set dir = %q, want %q", set.Dir, want)
	}
	info, err := os.Stat(set.Dir)
	if err != nil || !info.IsDir() {
		t.Errorf("expected backup set directory to exist")
	}
}

func TestOpenBackupSetMissingPath(t *testing.T) {
	_, err := OpenBackupSet(filepath.Join(t.TempDir(), "nope"))
	var structural *StructuralError
	if !errors.As(err, &structural) {
		t.Fatalf("expected StructuralError, got %v", err)
	}
}

func TestOpenBackupSetNotADirectory(t *testing.T) {
	file := filepath.Join(t.TempDir(), "plain")
	touch(t, file)

	_, err := OpenBackupSet(file)
	var structural *StructuralError
	if !errors.As(err, &structural) {
		t.Fatalf("expected StructuralError, got %v", err)
	}
}

func TestFindPrefersZstdOverGzipOverRaw(t *testing.T) {
	dir := t.TempDir()
	set := &BackupSet{Dir: dir}

	touch(t, filepath.Join(dir, "db_dump.sql"))
	if path, format, ok := set.Find(ArtifactDatabase); !ok || format != FormatNone || filepath.Base(path) != "db_dump.sql" {
		t.Errorf("raw only: got %q %q %v", path, format, ok)
	}

	touch(t, filepath.Join(dir, "db_dump.tar.gz"))
	if _, format, ok := set.Find(ArtifactDatabase); !ok || format != FormatGzip {
		t.Errorf("gzip should beat raw, got %q", format)
	}

	touch(t, filepath.Join(dir, "db_dump.tar.zst"))
	if _, format, ok := set.Find(ArtifactDatabase); !ok || format != FormatZstd {
		t.Errorf("zstd should beat gzip, got %q", format)
	}
}

func TestFindRawFallbackOnlyForDatabase(t *testing.T) {
	dir := t.TempDir()
	set := &BackupSet{Dir: dir}

	if _, _, ok := set.Find(ArtifactConfigVolume); ok {
		t.Error("empty set should have no config volume artifact")
	}

	touch(t, filepath.Join(dir, "db-config.tar.gz"))
	if _, format, ok := set.Find(ArtifactConfigVolume); !ok || format != FormatGzip {
		t.Errorf("expected gzip config artifact, got %q ok=%v", format, ok)
	}
}

func TestFindEnvFile(t *testing.T) {
	dir := t.TempDir()
	set := &BackupSet{Dir: dir}

	if _, _, ok := set.Find(ArtifactEnvFile); ok {
		t.Error("env artifact should be absent")
	}
	touch(t, filepath.Join(dir, ".env"))
	if path, _, ok := set.Find(ArtifactEnvFile); !ok || filepath.Base(path) != ".env" {
		t.Errorf("expected env artifact, got %q ok=%v", path, ok)
	}
}

func TestFormatExt(t *testing.T) {
	cases := []struct {
		format Format
		want   string
	}{
		{FormatZstd, ".tar.zst"},
		{FormatGzip, ".tar.gz"},
		{FormatNone, ".sql"},
	}
	for _, tc := range cases {
		if got := tc.format.Ext(); got != tc.want {
			t.Errorf("Ext(%s) = %q, want %q", tc.format, got, tc.want)
		}
	}
}
