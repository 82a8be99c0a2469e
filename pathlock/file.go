package pathlock

import (
	"fmt"
	"path/filepath"

	"github.com/gofrs/flock"
)

// FileLocker serializes access to files by absolute path. With
// CrossProcess set it also takes an advisory lock on "<path>.lock" so that
// separate processes sharing the directory are serialized too.
type FileLocker struct {
	locks        *Manager[string]
	CrossProcess bool
}

// NewFileLocker returns a FileLocker with its own lock table.
func NewFileLocker(crossProcess bool) *FileLocker {
	return &FileLocker{locks: New[string](), CrossProcess: crossProcess}
}

// WithLock runs fn while holding the lock for path.
func (l *FileLocker) WithLock(path string, fn func() error) error {
	abs, err := filepath.Abs(path)
	if err != nil {
		return fmt.Errorf("lock %s: %w", path, err)
	}

	l.locks.Lock(abs)
	defer l.locks.Unlock(abs)

	if !l.CrossProcess {
		return fn()
	}

	fl := flock.New(abs + ".lock")
	if err := fl.Lock(); err != nil {
		return fmt.Errorf("lock %s: %w", abs, err)
	}
	defer func() { _ = fl.Unlock() }()

	return fn()
}

// Held returns the number of paths currently locked or awaited.
func (l *FileLocker) Held() int {
	return l.locks.Len()
}
