//go:build !darwin && !linux

package storage

import "errors"

func detectFilesystemType(path string) (string, error) {
	return "", errors.New("filesystem type detection is not implemented for this platform")
}
