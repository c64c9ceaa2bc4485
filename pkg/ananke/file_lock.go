package ananke

import (
	"context"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"sync"
	"time"

	"github.com/tartarus-sandbox/styx/pkg/domain"
	"golang.org/x/sys/unix"
)

// FileLocker takes an advisory flock(2) on <Dir>/<identity>.lock. The kernel
// drops the lock if the process dies, so a crashed run never wedges the host.
type FileLocker struct {
	Dir string
}

func NewFileLocker(dir string) *FileLocker {
	return &FileLocker{Dir: dir}
}

func (l *FileLocker) Path(id domain.Identity) string {
	return filepath.Join(l.Dir, id.String()+".lock")
}

func (l *FileLocker) Acquire(ctx context.Context, id domain.Identity, timeout time.Duration) (Release, error) {
	if err := os.MkdirAll(l.Dir, 0o755); err != nil {
		return nil, fmt.Errorf("failed to create lock dir %s: %w", l.Dir, err)
	}
	path := l.Path(id)
	f, err := os.OpenFile(path, os.O_CREATE|os.O_RDWR, 0o644)
	if err != nil {
		return nil, fmt.Errorf("failed to open lock file %s: %w", path, err)
	}

	err = poll(ctx, timeout, func() (bool, error) {
		err := unix.Flock(int(f.Fd()), unix.LOCK_EX|unix.LOCK_NB)
		if errors.Is(err, unix.EWOULDBLOCK) {
			return false, nil
		}
		if err != nil {
			return false, fmt.Errorf("flock %s: %w", path, err)
		}
		return true, nil
	})
	if err != nil {
		f.Close()
		if errors.Is(err, ErrLockTimeout) {
			return nil, fmt.Errorf("%w: %s", ErrLockTimeout, id)
		}
		return nil, err
	}

	var once sync.Once
	return func() {
		once.Do(func() {
			_ = unix.Flock(int(f.Fd()), unix.LOCK_UN)
			f.Close()
		})
	}, nil
}
