//go:build linux

package storage

import (
	"fmt"
	"syscall"
)

// detectFilesystemType maps the statfs f_type magic to the canonical name
// in remoteFilesystems. Unknown magics come back as hex; they never match
// the refusal list, so local filesystems need no entries.
func detectFilesystemType(path string) (string, error) {
	var stat syscall.Statfs_t
	if err := syscall.Statfs(path, &stat); err != nil {
		return "", fmt.Errorf("statfs %q: %w", path, err)
	}

	magic := uint64(stat.Type)
	for _, fs := range remoteFilesystems {
		if fs.magic != 0 && fs.magic == magic {
			return fs.name, nil
		}
	}
	return fmt.Sprintf("0x%x", magic), nil
}
