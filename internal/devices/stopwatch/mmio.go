package stopwatch

import (
	"fmt"

	"github.com/tinyrange/stopwatch/internal/hv"
	"github.com/tinyrange/stopwatch/internal/stopwatch/defs"
)

// ReadMMIO implements chipset.MmioHandler.
func (d *Device) ReadMMIO(addr uint64, data []byte) error {
	size := uint64(len(data))
	switch {
	case d.mem.Contains(addr, size):
		d.mu.Lock()
		defer d.mu.Unlock()
		if err := d.usableLocked(); err != nil {
			return err
		}
		copy(data, d.scratch[addr-d.mem.Address:])
		return nil

	case d.regs.Contains(addr, size):
		return d.readRegister(addr-d.regs.Address, data)

	case regionsOverlap(hv.MMIORegion{Address: addr, Size: size}, d.regs):
		return d.registerViolation("READ", addr, len(data))

	default:
		return fmt.Errorf("stopwatch: read at 0x%x (%d bytes) outside device regions", addr, len(data))
	}
}

// WriteMMIO implements chipset.MmioHandler.
func (d *Device) WriteMMIO(addr uint64, data []byte) error {
	size := uint64(len(data))
	switch {
	case d.mem.Contains(addr, size):
		d.mu.Lock()
		defer d.mu.Unlock()
		if err := d.usableLocked(); err != nil {
			return err
		}
		copy(d.scratch[addr-d.mem.Address:], data)
		return nil

	case d.regs.Contains(addr, size):
		return d.writeRegister(addr-d.regs.Address, data)

	case regionsOverlap(hv.MMIORegion{Address: addr, Size: size}, d.regs):
		return d.registerViolation("WRITE", addr, len(data))

	default:
		return fmt.Errorf("stopwatch: write at 0x%x (%d bytes) outside device regions", addr, len(data))
	}
}

func (d *Device) readRegister(offset uint64, data []byte) error {
	d.mu.Lock()
	if err := d.usableLocked(); err != nil {
		d.mu.Unlock()
		return err
	}
	if offset != defs.RegStatus || len(data) != defs.RegWidth {
		err := d.violateLocked(defs.Violation("READ", d.status,
			"invalid read at offset 0x%x width %d", offset, len(data)))
		d.mu.Unlock()
		d.reportViolation(err)
		return err
	}
	defs.ByteOrder.PutUint64(data, uint64(d.status))
	d.mu.Unlock()
	return nil
}

func (d *Device) writeRegister(offset uint64, data []byte) error {
	if offset == defs.RegCommand && len(data) == defs.RegWidth {
		return d.Apply(defs.DecodeU64(data))
	}

	d.mu.Lock()
	if err := d.usableLocked(); err != nil {
		d.mu.Unlock()
		return err
	}
	err := d.violateLocked(defs.Violation("WRITE", d.status,
		"invalid write at offset 0x%x width %d", offset, len(data)))
	d.mu.Unlock()
	d.reportViolation(err)
	return err
}

// registerViolation halts the device for an access that runs off the
// register window.
func (d *Device) registerViolation(op string, addr uint64, width int) error {
	d.mu.Lock()
	if err := d.usableLocked(); err != nil {
		d.mu.Unlock()
		return err
	}
	err := d.violateLocked(defs.Violation(op, d.status,
		"access at 0x%x width %d crosses the register window %s", addr, width, d.regs))
	d.mu.Unlock()
	d.reportViolation(err)
	return err
}
