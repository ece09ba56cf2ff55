package storage

import (
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strings"
)

// remoteFilesystems are the filesystem types the store refuses to live on.
// magic is the Linux statfs f_type; platforms that report names directly
// (darwin) match on name alone, so magic stays zero where Linux has no
// distinct constant for the type.
var remoteFilesystems = []struct {
	name  string
	magic uint64
}{
	{name: "afpfs"},
	{name: "cifs", magic: 0xff534d42},
	{name: "nfs", magic: 0x6969},
	{name: "smb2", magic: 0xfe534d42},
	{name: "smbfs", magic: 0x517b},
	{name: "webdav"},
}

// validateLogFilesystem ensures the frame log path is on a local filesystem.
func validateLogFilesystem(path string) error {
	return validateLogFilesystemWithDetector(path, detectFilesystemType)
}

func validateLogFilesystemWithDetector(path string, detector func(string) (string, error)) error {
	if path == "" {
		return fmt.Errorf("log path is empty")
	}

	inspectPath, err := nearestExistingPath(path)
	if err != nil {
		return fmt.Errorf("resolve log path %q: %w", path, err)
	}

	fsType, err := detector(inspectPath)
	if err != nil {
		// Detection failures are not fatal; the open itself will surface
		// real problems.
		return nil
	}

	if isNetworkFilesystem(fsType) {
		return fmt.Errorf(
			"log path %q is on network filesystem %q; SQLite requires a local filesystem for reliable locking. Point store.path (or --db) at local disk",
			path,
			fsType,
		)
	}

	return nil
}

func nearestExistingPath(path string) (string, error) {
	absPath, err := filepath.Abs(path)
	if err != nil {
		return "", fmt.Errorf("absolute path: %w", err)
	}

	candidate := absPath
	for {
		_, err := os.Stat(candidate)
		if err == nil {
			return candidate, nil
		}
		if !errors.Is(err, os.ErrNotExist) {
			return "", fmt.Errorf("stat %q: %w", candidate, err)
		}

		parent := filepath.Dir(candidate)
		if parent == candidate {
			return "", fmt.Errorf("no existing parent for %q", absPath)
		}
		candidate = parent
	}
}

func isNetworkFilesystem(fsType string) bool {
	normalized := strings.TrimSpace(strings.ToLower(fsType))
	for _, fs := range remoteFilesystems {
		if fs.name == normalized {
			return true
		}
	}
	return false
}
