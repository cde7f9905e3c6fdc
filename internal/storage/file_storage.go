// internal/storage/file_storage.go
package storage

import (
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"regexp"
	"sync"
)

var (
	// ErrNotFound is returned by Get when the key has never been written.
	ErrNotFound = errors.New("storage: key not found")
	// ErrQuotaExceeded is returned by Set when the value does not fit the configured quota.
	ErrQuotaExceeded = errors.New("storage: quota exceeded")
)

// KeyValueStore is the narrow persistence capability the story cache depends on.
type KeyValueStore interface {
	Get(key string) ([]byte, error)
	Set(key string, value []byte) error
	Close() error
}

var unsafeKeyChars = regexp.MustCompile(`[^a-zA-Z0-9._-]`)

// FileStorage keeps one file per key under BaseDir.
type FileStorage struct {
	BaseDir    string
	QuotaBytes int64 // 0 disables the quota

	fileLocks sync.Map // path -> *sync.RWMutex
}

// NewFileStorage creates the base directory and returns the store.
func NewFileStorage(baseDir string, quotaBytes int64) (*FileStorage, error) {
	if err := os.MkdirAll(baseDir, 0755); err != nil {
		return nil, fmt.Errorf("create storage directory: %w", err)
	}
	return &FileStorage{BaseDir: baseDir, QuotaBytes: quotaBytes}, nil
}

func (fs *FileStorage) getFileLock(fullPath string) *sync.RWMutex {
	value, _ := fs.fileLocks.LoadOrStore(fullPath, &sync.RWMutex{})
	return value.(*sync.RWMutex)
}

func (fs *FileStorage) pathFor(key string) string {
	return filepath.Join(fs.BaseDir, unsafeKeyChars.ReplaceAllString(key, "_")+".json")
}

// Get reads the value stored under key.
func (fs *FileStorage) Get(key string) ([]byte, error) {
	fullPath := fs.pathFor(key)

	lock := fs.getFileLock(fullPath)
	lock.RLock()
	defer lock.RUnlock()

	content, err := os.ReadFile(fullPath)
	if err != nil {
		if os.IsNotExist(err) {
			return nil, ErrNotFound
		}
		return nil, fmt.Errorf("read %s: %w", key, err)
	}
	return content, nil
}

// Set writes value atomically (temp file + rename).
func (fs *FileStorage) Set(key string, value []byte) error {
	if fs.QuotaBytes > 0 && int64(len(value)) > fs.QuotaBytes {
		return fmt.Errorf("%w: %d bytes over a %d byte quota", ErrQuotaExceeded, len(value), fs.QuotaBytes)
	}

	fullPath := fs.pathFor(key)

	lock := fs.getFileLock(fullPath)
	lock.Lock()
	defer lock.Unlock()

	tempPath := fullPath + ".tmp"
	if err := os.WriteFile(tempPath, value, 0644); err != nil {
		return fmt.Errorf("write temp file: %w", err)
	}

	if err := os.Rename(tempPath, fullPath); err != nil {
		_ = os.Remove(tempPath)
		return fmt.Errorf("replace %s: %w", key, err)
	}
	return nil
}

// Close is a no-op for the file store.
func (fs *FileStorage) Close() error { return nil }
