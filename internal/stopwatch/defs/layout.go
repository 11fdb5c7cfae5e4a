package defs

import "fmt"

// Layout places the two device windows in a bus address space.
type Layout struct {
	RegsBase uint64
	MemBase  uint64
}

// Command returns the bus address of the command register.
func (l Layout) Command() uint64 { return l.RegsBase + RegCommand }

// Status returns the bus address of the status register.
func (l Layout) Status() uint64 { return l.RegsBase + RegStatus }

// Text returns the bus address of the text field.
func (l Layout) Text() uint64 { return l.MemBase + MemText }

// LengthField returns the bus address of the dual-role length field.
func (l Layout) LengthField() uint64 { return l.MemBase + MemLengthField }

// ValidateLayout reports whether both windows are naturally aligned for
// 64-bit access and do not overlap.
func ValidateLayout(l Layout) error {
	if l.RegsBase%RegWidth != 0 {
		return fmt.Errorf("register base 0x%x not %d-byte aligned", l.RegsBase, RegWidth)
	}
	if l.MemBase%RegWidth != 0 {
		return fmt.Errorf("scratch base 0x%x not %d-byte aligned", l.MemBase, RegWidth)
	}
	if l.RegsBase+RegsSize < l.RegsBase || l.MemBase+MemSize < l.MemBase {
		return fmt.Errorf("layout wraps the address space")
	}
	if l.RegsBase < l.MemBase+MemSize && l.MemBase < l.RegsBase+RegsSize {
		return fmt.Errorf("register window 0x%x overlaps scratch window 0x%x", l.RegsBase, l.MemBase)
	}
	return nil
}
