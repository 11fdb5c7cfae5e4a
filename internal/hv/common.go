package hv

import (
	"errors"
	"fmt"
)

var (
	// ErrDeviceHalted is returned by a device that stopped serving after a
	// fatal error. Only a reset brings it back.
	ErrDeviceHalted = errors.New("device halted")
	ErrNoHandler    = errors.New("no handler for address")
)

type Device interface {
	Init() error
}

type MMIORegion struct {
	Address uint64
	Size    uint64
}

// Contains reports whether an access of size bytes at addr fits entirely
// within the region.
func (r MMIORegion) Contains(addr uint64, size uint64) bool {
	end := addr + size
	if end < addr {
		return false
	}
	return addr >= r.Address && end <= r.Address+r.Size
}

// Offset translates an absolute address into a region-relative offset.
func (r MMIORegion) Offset(addr uint64) (uint64, error) {
	if addr < r.Address || addr >= r.Address+r.Size {
		return 0, fmt.Errorf("address 0x%x outside region 0x%x-0x%x", addr, r.Address, r.Address+r.Size-1)
	}
	return addr - r.Address, nil
}

func (r MMIORegion) String() string {
	return fmt.Sprintf("[0x%x-0x%x)", r.Address, r.Address+r.Size)
}
