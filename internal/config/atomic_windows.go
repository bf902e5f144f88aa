//go:build windows

package config

import (
	"os"
)

// atomicWriteFile writes data to a file atomically.
// renameio does not support Windows, so this writes a sibling temp file and
// renames it over the target.
func atomicWriteFile(path string, data []byte, perm os.FileMode) error {
	tempFile := path + ".tmp"
	if err := os.WriteFile(tempFile, data, perm); err != nil {
		return err
	}
	if err := os.Rename(tempFile, path); err != nil {
		_ = os.Remove(tempFile)
		return err
	}
	return nil
}
