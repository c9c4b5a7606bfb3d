package platform

import (
	"fmt"
	"os"
	"path/filepath"
	"time"
)

// ArtifactKind identifies one captured unit of platform state within a backup set.
type ArtifactKind string

const (
	ArtifactDatabase     ArtifactKind = "db_dump"
	ArtifactConfigVolume ArtifactKind = "db-config"
	ArtifactStorage      ArtifactKind = "storage"
	ArtifactEnvFile      ArtifactKind = ".env"
)

// Format is the compression family of an artifact.
type Format string

const (
	FormatZstd Format = "zstd"
	FormatGzip Format = "gzip"
	// FormatNone marks a raw, uncompressed database dump (.sql). It only
	// appears on the restore side as a last-resort fallback.
	FormatNone Format = "none"
)

// Ext returns the artifact file extension for the format.
func (f Format) Ext() string {
	switch f {
	case FormatZstd:
		return ".tar.zst"
	case FormatGzip:
		return ".tar.gz"
	default:
		return ".sql"
	}
}

// DumpFileName is the name of the SQL file inside the database artifact.
const DumpFileName = "db_dump.sql"

const setPrefix = "backup_"
const setTimeLayout = "20060102_150405"

// BackupSet is one timestamped directory holding the artifacts of a single run.
type BackupSet struct {
	Dir string
}

// CreateBackupSet creates a new timestamped backup set directory under baseDir.
func CreateBackupSet(baseDir string, now time.Time) (*BackupSet, error) {
	dir := filepath.Join(baseDir, setPrefix+now.Format(setTimeLayout))
	if err := os.MkdirAll(dir, 0750); err != nil {
		return nil, &StructuralError{Op: "create backup set", Err: err}
	}
	return &BackupSet{Dir: dir}, nil
}

// OpenBackupSet validates an existing backup set path for restore.
func OpenBackupSet(path string) (*BackupSet, error) {
	info, err := os.Stat(path)
	if err != nil {
		return nil, &StructuralError{Op: "open backup set", Err: err}
	}
	if !info.IsDir() {
		return nil, &StructuralError{Op: "open backup set", Err: fmt.Errorf("%s is not a directory", path)}
	}
	return &BackupSet{Dir: path}, nil
}

// Path returns the path of a file inside the set.
func (s *BackupSet) Path(name string) string {
	return filepath.Join(s.Dir, name)
}

// ArtifactPath returns the path an artifact of the given kind and format
// would have inside the set.
func (s *BackupSet) ArtifactPath(kind ArtifactKind, format Format) string {
	if kind == ArtifactEnvFile {
		return s.Path(string(kind))
	}
	return s.Path(string(kind) + format.Ext())
}

// Find locates the most capable representation of an artifact kind present in
// the set, preferring zstd over gzip over a raw SQL dump.
func (s *BackupSet) Find(kind ArtifactKind) (path string, format Format, ok bool) {
	if kind == ArtifactEnvFile {
		p := s.Path(string(kind))
		if fileExists(p) {
			return p, FormatNone, true
		}
		return "", FormatNone, false
	}
	for _, f := range []Format{FormatZstd, FormatGzip} {
		p := s.ArtifactPath(kind, f)
		if fileExists(p) {
			return p, f, true
		}
	}
	if kind == ArtifactDatabase {
		p := s.Path(DumpFileName)
		if fileExists(p) {
			return p, FormatNone, true
		}
	}
	return "", FormatNone, false
}

func fileExists(path string) bool {
	info, err := os.Stat(path)
	return err == nil && !info.IsDir()
}
