package config

import (
	"fmt"
	"os"
	"syscall"
)

// InstanceLock is a POSIX advisory file lock that keeps a second process
// of the same role and environment from starting.
type InstanceLock struct {
	path string
	file *os.File
}

// AcquireInstanceLock takes the lock for the given role and environment.
// It fails immediately when another process holds it.
func AcquireInstanceLock(role, env string) (*InstanceLock, error) {
	path := fmt.Sprintf("/tmp/exchanger-%s-%s.lock", role, env)

	f, err := os.OpenFile(path, os.O_CREATE|os.O_RDWR, 0o644)
	if err != nil {
		return nil, fmt.Errorf("open lock file: %w", err)
	}

	if err := syscall.Flock(int(f.Fd()), syscall.LOCK_EX|syscall.LOCK_NB); err != nil {
		f.Close()
		return nil, fmt.Errorf("another %s instance is already running for env %s: %w", role, env, err)
	}

	// Record the owner pid for operators; the lock itself is the flock.
	_ = f.Truncate(0)
	_, _ = fmt.Fprintf(f, "%d\n", os.Getpid())

	return &InstanceLock{path: path, file: f}, nil
}

// Release drops the lock and removes the lock file.
func (l *InstanceLock) Release() error {
	if l == nil || l.file == nil {
		return nil
	}
	err := syscall.Flock(int(l.file.Fd()), syscall.LOCK_UN)
	closeErr := l.file.Close()
	l.file = nil
	_ = os.Remove(l.path)
	if err != nil {
		return fmt.Errorf("unlock: %w", err)
	}
	return closeErr
}

// Path returns the lock file location.
func (l *InstanceLock) Path() string {
	return l.path
}
