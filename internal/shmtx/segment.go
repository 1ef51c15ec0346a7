package shmtx

import (
	"fmt"
	"os"

	"golang.org/x/sys/unix"
)

// Segment is a shared memory mapping.
type Segment struct {
	Data []byte
	f    *os.File
}

// NewAnonymous maps an anonymous shared region. Only processes forked after
// the call see it.
func NewAnonymous(size int) (*Segment, error) {
	data, err := unix.Mmap(-1, 0, size, unix.PROT_READ|unix.PROT_WRITE, unix.MAP_SHARED|unix.MAP_ANON)
	if err != nil {
		return nil, fmt.Errorf("mmap anonymous: %w", err)
	}
	return &Segment{Data: data}, nil
}

// NewMemfd creates a memory file of size bytes and maps it. The file can be
// passed to child processes, which map it with Open.
func NewMemfd(name string, size int) (*Segment, error) {
	fd, err := unix.MemfdCreate(name, unix.MFD_CLOEXEC)
	if err != nil {
		return nil, fmt.Errorf("memfd_create: %w", err)
	}
	if err := unix.Ftruncate(fd, int64(size)); err != nil {
		unix.Close(fd)
		return nil, fmt.Errorf("ftruncate memfd: %w", err)
	}
	return Open(os.NewFile(uintptr(fd), name), size)
}

// Open maps size bytes of an inherited memory file.
func Open(f *os.File, size int) (*Segment, error) {
	data, err := unix.Mmap(int(f.Fd()), 0, size, unix.PROT_READ|unix.PROT_WRITE, unix.MAP_SHARED)
	if err != nil {
		f.Close()
		return nil, fmt.Errorf("mmap %s: %w", f.Name(), err)
	}
	return &Segment{Data: data, f: f}, nil
}

// File returns the backing memory file, or nil for anonymous segments.
func (s *Segment) File() *os.File {
	return s.f
}

func (s *Segment) Close() error {
	err := unix.Munmap(s.Data)
	s.Data = nil
	if s.f != nil {
		if cerr := s.f.Close(); err == nil {
			err = cerr
		}
	}
	return err
}
