// Package shmtx provides the mutex worker processes use to take turns
// accepting connections. Workers share no address space, so the lock lives
// either in a shared memory segment or in a lock file.
package shmtx
