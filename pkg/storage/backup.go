package storage

import (
	"errors"
	"fmt"
	"os"
)

// ArchiveSuffix is appended to a backup path to name the archived copy
const ArchiveSuffix = ".old"

// minBackupSize is the size below which an existing backup is assumed
// empty or truncated and not worth archiving
const minBackupSize = 4096

// RotateBackup clears the way for a new backup at path. A previous backup
// larger than 4 KiB is renamed to path+ArchiveSuffix; a smaller one is removed.
func RotateBackup(path string) error {
	info, err := os.Stat(path)
	if errors.Is(err, os.ErrNotExist) {
		return nil
	}
	if err != nil {
		return fmt.Errorf("failed to inspect previous backup: %w", err)
	}

	if info.Size() > minBackupSize {
		if err := os.Rename(path, path+ArchiveSuffix); err != nil {
			return fmt.Errorf("failed to archive previous backup: %w", err)
		}
		return nil
	}
	if err := os.Remove(path); err != nil {
		return fmt.Errorf("failed to remove previous backup: %w", err)
	}
	return nil
}
