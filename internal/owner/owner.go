// Package owner resolves the non-privileged repository owner and reassigns
// backup artifacts to them. Captures run with elevated privilege to reach
// root-owned volumes, so finished backup sets must be handed back.
package owner

import (
	"fmt"
	"io/fs"
	"os"
	"path/filepath"
	"strconv"
	"syscall"
)

// Identity is the uid/gid pair that should own finished backup sets.
type Identity struct {
	UID int
	GID int
}

// IsRoot reports whether the process runs with root privileges.
func IsRoot() bool {
	return os.Geteuid() == 0
}

// Resolve determines the repository owner. Under sudo the invoking user wins;
// otherwise ownership of the project root decides.
func Resolve(projectRoot string) (Identity, error) {
	if uidStr, gidStr := os.Getenv("SUDO_UID"), os.Getenv("SUDO_GID"); uidStr != "" && gidStr != "" {
		uid, err := strconv.Atoi(uidStr)
		if err != nil {
			return Identity{}, fmt.Errorf("invalid SUDO_UID %q: %w", uidStr, err)
		}
		gid, err := strconv.Atoi(gidStr)
		if err != nil {
			return Identity{}, fmt.Errorf("invalid SUDO_GID %q: %w", gidStr, err)
		}
		return Identity{UID: uid, GID: gid}, nil
	}

	info, err := os.Stat(projectRoot)
	if err != nil {
		return Identity{}, fmt.Errorf("failed to stat project root: %w", err)
	}
	if stat, ok := info.Sys().(*syscall.Stat_t); ok {
		return Identity{UID: int(stat.Uid), GID: int(stat.Gid)}, nil
	}

	return Identity{UID: os.Getuid(), GID: os.Getgid()}, nil
}

// ChownTree recursively reassigns ownership of path to id. Symlinks are
// re-owned without following them.
func ChownTree(path string, id Identity) error {
	return filepath.WalkDir(path, func(p string, d fs.DirEntry, err error) error {
		if err != nil {
			return err
		}
		if err := os.Lchown(p, id.UID, id.GID); err != nil {
			return fmt.Errorf("failed to chown %s: %w", p, err)
		}
		return nil
	})
}
