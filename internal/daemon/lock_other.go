//go:build !unix

package daemon

import (
	"fmt"
	"os"
)

// Lock is a best-effort single-instance lock on platforms without flock:
// the lock file is created exclusively and removed on release.
type Lock struct {
	path string
}

// AcquireLock creates path exclusively. It fails with ErrLocked when the
// file already exists.
func AcquireLock(path string) (*Lock, error) {
	f, err := os.OpenFile(path, os.O_CREATE|os.O_EXCL|os.O_WRONLY, 0644)
	if err != nil {
		if os.IsExist(err) {
			return nil, fmt.Errorf("%w: %s", ErrLocked, path)
		}
		return nil, fmt.Errorf("failed to create lock file: %w", err)
	}
	_, _ = fmt.Fprintf(f, "%d\n", os.Getpid())
	_ = f.Close()
	return &Lock{path: path}, nil
}

// Release drops the lock.
func (l *Lock) Release() error {
	if l == nil || l.path == "" {
		return nil
	}
	err := os.Remove(l.path)
	l.path = ""
	return err
}
