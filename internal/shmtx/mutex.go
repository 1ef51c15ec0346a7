package shmtx

import "errors"

// DefaultSpin is the pause budget Lock spends before it sleeps.
const DefaultSpin = 2048

// ErrSegmentTooSmall is returned when a segment cannot hold a lock.
var ErrSegmentTooSmall = errors.New("shmtx: segment too small")

// Mutex is a lock shared between processes.
type Mutex interface {
	TryLock() bool
	Lock()
	Unlock()
}
