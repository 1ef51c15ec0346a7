package shmtx

import (
	"fmt"
	"os"

	"golang.org/x/sys/unix"
)

// FileLock is an advisory flock on a lock file. flock locks belong to the open
// file description, so each process must open the path itself rather than
// inherit the descriptor.
type FileLock struct {
	f *os.File
}

func OpenFileLock(path string) (*FileLock, error) {
	f, err := os.OpenFile(path, os.O_RDWR|os.O_CREATE, 0o600)
	if err != nil {
		return nil, fmt.Errorf("open lock file: %w", err)
	}
	return &FileLock{f: f}, nil
}

func (l *FileLock) TryLock() bool {
	return unix.Flock(int(l.f.Fd()), unix.LOCK_EX|unix.LOCK_NB) == nil
}

func (l *FileLock) Lock() {
	for unix.Flock(int(l.f.Fd()), unix.LOCK_EX) == unix.EINTR {
	}
}

func (l *FileLock) Unlock() {
	for unix.Flock(int(l.f.Fd()), unix.LOCK_UN) == unix.EINTR {
	}
}

func (l *FileLock) Close() error {
	return l.f.Close()
}
