//go:build unix

package stopwatch

import (
	"golang.org/x/sys/unix"
)

// allocScratch maps anonymous memory for the scratch buffer, rounded up to
// whole pages.
func allocScratch(size int) ([]byte, func() error, error) {
	pageSize := unix.Getpagesize()
	mapped := (size + pageSize - 1) &^ (pageSize - 1)

	mem, err := unix.Mmap(-1, 0, mapped, unix.PROT_READ|unix.PROT_WRITE, unix.MAP_ANON|unix.MAP_PRIVATE)
	if err != nil {
		return nil, nil, err
	}
	return mem[:size], func() error { return unix.Munmap(mem) }, nil
}
