package storage

import (
	"fmt"
	"path/filepath"
)

// Open returns the store selected by driver ("file" or "sqlite") rooted at dataDir.
func Open(driver, dataDir string, quotaBytes int64) (KeyValueStore, error) {
	switch driver {
	case "", "file":
		return NewFileStorage(filepath.Join(dataDir, "kv"), quotaBytes)
	case "sqlite":
		return OpenSQLite(filepath.Join(dataDir, "storyloom.db"), quotaBytes)
	default:
		return nil, fmt.Errorf("unknown storage driver %q", driver)
	}
}
