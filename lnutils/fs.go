package lnutils

import (
	"errors"
	"fmt"
	"os"
)

// CreateDir creates a directory along with any missing parents. A symlink
// pointing at a missing target, typically an unmounted volume, is reported
// with a hint instead of the bare path error.
func CreateDir(dir string, perm os.FileMode) error {
	err := os.MkdirAll(dir, perm)
	if err == nil {
		return nil
	}

	var pathErr *os.PathError
	if errors.As(err, &pathErr) && os.IsExist(err) {
		link, lerr := os.Readlink(pathErr.Path)
		if lerr == nil {
			err = fmt.Errorf("is symlink %s -> %s mounted?",
				pathErr.Path, link)
		}
	}

	return fmt.Errorf("failed to create directory '%s': %w", dir, err)
}
