package hv

import (
	"fmt"
	"sync"
)

// MMIOAllocationRequest describes a window a device wants on the bus.
type MMIOAllocationRequest struct {
	Name      string
	Size      uint64
	Alignment uint64
}

// MMIOAllocation is a window handed out by an AddressSpace.
type MMIOAllocation struct {
	Name string
	Base uint64
	Size uint64
}

// Region returns the allocation as an MMIORegion.
func (a MMIOAllocation) Region() MMIORegion {
	return MMIORegion{Address: a.Base, Size: a.Size}
}

// AddressSpace manages physical address allocation for a board.
// It tracks the RAM region and allocates MMIO windows above RAM so that
// device regions stay at stable addresses for the lifetime of the board.
type AddressSpace struct {
	mu sync.Mutex

	ramBase uint64
	ramSize uint64

	// nextMMIO is the next available address for MMIO allocation (above RAM)
	nextMMIO uint64

	allocations  []MMIOAllocation
	fixedRegions []MMIOAllocation
}

// NewAddressSpace creates a new physical address allocator.
// MMIO allocations will start above ramBase+ramSize.
func NewAddressSpace(ramBase, ramSize uint64) *AddressSpace {
	return &AddressSpace{
		ramBase:  ramBase,
		ramSize:  ramSize,
		nextMMIO: alignUp(ramBase+ramSize, 0x1000),
	}
}

// Allocate allocates an MMIO region with the specified requirements.
// The region is placed above RAM, past any fixed region, and aligned to the
// requested alignment.
func (a *AddressSpace) Allocate(req MMIOAllocationRequest) (MMIOAllocation, error) {
	a.mu.Lock()
	defer a.mu.Unlock()

	if req.Size == 0 {
		return MMIOAllocation{}, fmt.Errorf("address_space: cannot allocate zero-size region for %s", req.Name)
	}

	alignment := req.Alignment
	if alignment == 0 {
		alignment = 0x1000
	}
	if alignment&(alignment-1) != 0 {
		return MMIOAllocation{}, fmt.Errorf("address_space: alignment 0x%x is not a power of 2 for %s", alignment, req.Name)
	}

	base := alignUp(a.nextMMIO, alignment)
	size := alignUp(req.Size, alignment)

	// Skip past fixed regions that would collide with this window.
	for moved := true; moved; {
		moved = false
		for _, fixed := range a.fixedRegions {
			if overlaps(base, size, fixed.Base, fixed.Size) {
				base = alignUp(fixed.Base+fixed.Size, alignment)
				moved = true
			}
		}
	}
	if base+size < base {
		return MMIOAllocation{}, fmt.Errorf("address_space: no room for %s (0x%x bytes)", req.Name, req.Size)
	}

	alloc := MMIOAllocation{
		Name: req.Name,
		Base: base,
		Size: size,
	}

	a.allocations = append(a.allocations, alloc)
	a.nextMMIO = base + size

	return alloc, nil
}

// RegisterFixed registers a pre-determined MMIO region.
// Returns error if the region overlaps with RAM or any other region.
func (a *AddressSpace) RegisterFixed(name string, base, size uint64) error {
	a.mu.Lock()
	defer a.mu.Unlock()

	if size == 0 {
		return fmt.Errorf("address_space: cannot register zero-size fixed region %s", name)
	}
	if base+size < base {
		return fmt.Errorf("address_space: fixed region %s at 0x%x with size 0x%x overflows", name, base, size)
	}

	if overlaps(base, size, a.ramBase, a.ramSize) {
		return fmt.Errorf("address_space: fixed region %s [0x%x-0x%x) overlaps RAM [0x%x-0x%x)",
			name, base, base+size, a.ramBase, a.ramBase+a.ramSize)
	}
	for _, existing := range append(a.fixedRegions, a.allocations...) {
		if overlaps(base, size, existing.Base, existing.Size) {
			return fmt.Errorf("address_space: fixed region %s [0x%x-0x%x) overlaps %s [0x%x-0x%x)",
				name, base, base+size, existing.Name, existing.Base, existing.Base+existing.Size)
		}
	}

	a.fixedRegions = append(a.fixedRegions, MMIOAllocation{
		Name: name,
		Base: base,
		Size: size,
	})

	return nil
}

// Allocations returns a copy of all dynamically allocated MMIO regions.
func (a *AddressSpace) Allocations() []MMIOAllocation {
	a.mu.Lock()
	defer a.mu.Unlock()

	result := make([]MMIOAllocation, len(a.allocations))
	copy(result, a.allocations)
	return result
}

// FixedRegions returns a copy of all fixed MMIO regions.
func (a *AddressSpace) FixedRegions() []MMIOAllocation {
	a.mu.Lock()
	defer a.mu.Unlock()

	result := make([]MMIOAllocation, len(a.fixedRegions))
	copy(result, a.fixedRegions)
	return result
}

// RAMEnd returns the first address after RAM.
func (a *AddressSpace) RAMEnd() uint64 {
	return a.ramBase + a.ramSize
}

func overlaps(baseA, sizeA, baseB, sizeB uint64) bool {
	if sizeA == 0 || sizeB == 0 {
		return false
	}
	return baseA < baseB+sizeB && baseB < baseA+sizeA
}

// alignUp aligns value up to the specified alignment.
func alignUp(value, align uint64) uint64 {
	if align == 0 {
		return value
	}
	mask := align - 1
	return (value + mask) &^ mask
}
