//go:build unix

package device

import (
	"errors"
	"fmt"
	"path/filepath"

	"golang.org/x/sys/unix"
)

// Resolve returns the device id and mount point for path. A watch may be set
// up before its target is created, so a missing final component is resolved
// against the parent directory instead.
func (Resolver) Resolve(path string) (Target, error) {
	if path == "" {
		return Target{}, fmt.Errorf("resolving empty path: %w", ErrPathNotFound)
	}
	abs, err := filepath.Abs(path)
	if err != nil {
		return Target{}, fmt.Errorf("resolving %s: %w", path, err)
	}
	abs = filepath.Clean(abs)

	resolved := abs
	var st unix.Stat_t
	if err := unix.Stat(resolved, &st); err != nil {
		if !isNotExist(err) {
			return Target{}, fmt.Errorf("stat %s: %w", resolved, err)
		}
		resolved = filepath.Dir(abs)
		if err := unix.Stat(resolved, &st); err != nil {
			if isNotExist(err) {
				return Target{}, fmt.Errorf("resolving %s: %w", abs, ErrPathNotFound)
			}
			return Target{}, fmt.Errorf("stat %s: %w", resolved, err)
		}
	}

	dev := uint64(st.Dev)
	return Target{
		Path:       abs,
		Resolved:   resolved,
		DeviceID:   dev,
		MountPoint: mountPointOf(resolved, dev),
	}, nil
}

// mountPointOf walks up from dir while the parent is still on dev.
func mountPointOf(dir string, dev uint64) string {
	mount := dir
	for {
		parent := filepath.Dir(mount)
		if parent == mount {
			return mount
		}
		var st unix.Stat_t
		if err := unix.Stat(parent, &st); err != nil || uint64(st.Dev) != dev {
			return mount
		}
		mount = parent
	}
}

func isNotExist(err error) bool {
	return errors.Is(err, unix.ENOENT) || errors.Is(err, unix.ENOTDIR)
}
