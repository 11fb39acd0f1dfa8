// Package lock provides a flock-based pid file so only one controller
// manages a worker at a time.
package lock

import (
	"fmt"
	"os"
	"syscall"
)

// PIDLock holds an exclusive advisory lock on a pid file for the lifetime
// of the process that acquired it.
type PIDLock struct {
	path string
	file *os.File
}

// Acquire takes an exclusive lock on path and writes the current pid into
// it. It fails without blocking when another process holds the lock.
func Acquire(path string) (*PIDLock, error) {
	f, err := os.OpenFile(path, os.O_CREATE|os.O_RDWR, 0o644)
	if err != nil {
		return nil, fmt.Errorf("open pid file %s: %w", path, err)
	}

	if err := syscall.Flock(int(f.Fd()), syscall.LOCK_EX|syscall.LOCK_NB); err != nil {
		f.Close()
		if err == syscall.EWOULDBLOCK {
			return nil, fmt.Errorf("another instance holds %s", path)
		}
		return nil, fmt.Errorf("lock pid file %s: %w", path, err)
	}

	if err := f.Truncate(0); err != nil {
		f.Close()
		return nil, fmt.Errorf("truncate pid file: %w", err)
	}
	if _, err := f.Seek(0, 0); err != nil {
		f.Close()
		return nil, fmt.Errorf("rewind pid file: %w", err)
	}
	if _, err := fmt.Fprintf(f, "%d\n", os.Getpid()); err != nil {
		f.Close()
		return nil, fmt.Errorf("write pid: %w", err)
	}
	if err := f.Sync(); err != nil {
		f.Close()
		return nil, fmt.Errorf("sync pid file: %w", err)
	}

	return &PIDLock{path: path, file: f}, nil
}

// Release drops the lock and removes the pid file.
func (l *PIDLock) Release() error {
	if l == nil || l.file == nil {
		return nil
	}
	if err := syscall.Flock(int(l.file.Fd()), syscall.LOCK_UN); err != nil {
		return fmt.Errorf("unlock pid file: %w", err)
	}
	if err := l.file.Close(); err != nil {
		return fmt.Errorf("close pid file: %w", err)
	}
	l.file = nil
	os.Remove(l.path)
	return nil
}

// Path returns the pid file location.
func (l *PIDLock) Path() string {
	return l.path
}
