// Package archive implements streaming tar packing and unpacking for backup
// artifacts. Archives are rooted at the semantic root of the artifact: entries
// are stored relative to the archived directory.
package archive

import (
	"archive/tar"
	"fmt"
	"io"
	"io/fs"
	"os"
	"path/filepath"
	"strings"
)

// MaxEntrySize limits extraction to prevent decompression bombs (100GB).
const MaxEntrySize = 100 * 1024 * 1024 * 1024

// TarDirectory writes the contents of dir as a tar stream to w. Entries are
// relative to dir so extraction lands at the target's root.
func TarDirectory(dir string, w io.Writer) error {
	tw := tar.NewWriter(w)

	err := filepath.WalkDir(dir, func(path string, d fs.DirEntry, err error) error {
		if err != nil {
			return err
		}
		rel, err := filepath.Rel(dir, path)
		if err != nil {
			return err
		}
		if rel == "." {
			return nil
		}

		info, err := d.Info()
		if err != nil {
			return err
		}

		var link string
		if info.Mode()&fs.ModeSymlink != 0 {
			if link, err = os.Readlink(path); err != nil {
				return err
			}
		}

		header, err := tar.FileInfoHeader(info, link)
		if err != nil {
			return err
		}
		header.Name = filepath.ToSlash(rel)

		if err := tw.WriteHeader(header); err != nil {
			return err
		}
		if !info.Mode().IsRegular() {
			return nil
		}

		f, err := os.Open(path) // #nosec G304 - path comes from walking the archived directory
		if err != nil {
			return err
		}
		_, err = io.Copy(tw, f)
		if closeErr := f.Close(); err == nil {
			err = closeErr
		}
		return err
	})
	if err != nil {
		return fmt.Errorf("failed to archive %s: %w", dir, err)
	}

	return tw.Close()
}

// UntarDirectory extracts a tar stream into dir, overwriting conflicting
// paths. Entries escaping dir are rejected.
func UntarDirectory(r io.Reader, dir string) error {
	if err := os.MkdirAll(dir, 0750); err != nil {
		return fmt.Errorf("failed to create target directory: %w", err)
	}

	tr := tar.NewReader(r)
	for {
		header, err := tr.Next()
		if err == io.EOF {
			return nil
		}
		if err != nil {
			return fmt.Errorf("failed to read tar stream: %w", err)
		}

		name := filepath.FromSlash(header.Name)
		if !filepath.IsLocal(name) {
			return fmt.Errorf("tar entry %q escapes target directory", header.Name)
		}
		target := filepath.Join(dir, name)

		switch header.Typeflag {
		case tar.TypeDir:
			if err := os.MkdirAll(target, header.FileInfo().Mode().Perm()); err != nil {
				return fmt.Errorf("failed to create directory %s: %w", target, err)
			}
		case tar.TypeSymlink:
			if err := os.MkdirAll(filepath.Dir(target), 0750); err != nil {
				return err
			}
			// Replace whatever is there; restore is an unconditional overwrite.
			if err := os.Remove(target); err != nil && !os.IsNotExist(err) {
				return err
			}
			if err := os.Symlink(header.Linkname, target); err != nil {
				return fmt.Errorf("failed to create symlink %s: %w", target, err)
			}
		case tar.TypeReg:
			if err := os.MkdirAll(filepath.Dir(target), 0750); err != nil {
				return err
			}
			if err := writeFile(target, tr, header.FileInfo().Mode().Perm()); err != nil {
				return err
			}
		default:
			// Other entry types (fifos, devices) have no place in artifact
			// archives and are skipped.
		}
	}
}

func writeFile(target string, r io.Reader, perm os.FileMode) error {
	// Remove first so an existing symlink cannot redirect the write.
	if err := os.Remove(target); err != nil && !os.IsNotExist(err) {
		return err
	}
	f, err := os.OpenFile(target, os.O_WRONLY|os.O_CREATE|os.O_TRUNC, perm) // #nosec G304 - target validated against traversal above
	if err != nil {
		return fmt.Errorf("failed to create %s: %w", target, err)
	}
	_, err = io.CopyN(f, r, MaxEntrySize)
	if err == io.EOF {
		err = nil
	}
	if closeErr := f.Close(); err == nil {
		err = closeErr
	}
	if err != nil {
		return fmt.Errorf("failed to write %s: %w", target, err)
	}
	return nil
}

// TarFile writes a tar stream to w containing a single regular file entry.
func TarFile(name string, size int64, r io.Reader, w io.Writer) error {
	tw := tar.NewWriter(w)
	header := &tar.Header{
		Name: name,
		Mode: 0600,
		Size: size,
	}
	if err := tw.WriteHeader(header); err != nil {
		return err
	}
	if _, err := io.Copy(tw, r); err != nil {
		return err
	}
	return tw.Close()
}

// FindFile advances a tar stream to the entry with the given base name and
// returns a reader positioned at its contents.
func FindFile(r io.Reader, name string) (io.Reader, error) {
	tr := tar.NewReader(r)
	for {
		header, err := tr.Next()
		if err == io.EOF {
			return nil, fmt.Errorf("%s not found in archive", name)
		}
		if err != nil {
			return nil, fmt.Errorf("failed to read tar stream: %w", err)
		}
		if header.Name == name || strings.HasSuffix(header.Name, "/"+name) {
			return tr, nil
		}
	}
}
