package config

import (
	"fmt"

	"github.com/tinyrange/stopwatch/internal/stopwatch/defs"
)

// Validate checks configuration correctness. It does not mutate cfg.
func Validate(cfg *Config) error {
	if cfg == nil {
		return fmt.Errorf("config is nil")
	}

	b := cfg.Board
	if b.RAMSize == 0 {
		return fmt.Errorf("board.ram_size must be non-zero")
	}
	if b.RAMBase+b.RAMSize < b.RAMBase {
		return fmt.Errorf("board: RAM 0x%x+0x%x wraps the address space", b.RAMBase, b.RAMSize)
	}
	if b.IRQ == 0 {
		return fmt.Errorf("board.irq must be non-zero")
	}

	switch cfg.Log.Level {
	case "", "debug", "info", "warn", "error":
	default:
		return fmt.Errorf("log.level %q is not one of debug, info, warn, error", cfg.Log.Level)
	}

	d := cfg.Device
	if (d.RegsBase == nil) != (d.MemBase == nil) {
		return fmt.Errorf("device.regs_base and device.mem_base must be set together")
	}
	if d.RegsBase != nil {
		layout := defs.Layout{RegsBase: *d.RegsBase, MemBase: *d.MemBase}
		if err := defs.ValidateLayout(layout); err != nil {
			return fmt.Errorf("device: %w", err)
		}
		ramEnd := b.RAMBase + b.RAMSize
		for _, w := range []struct {
			name       string
			base, size uint64
		}{
			{"regs_base", layout.RegsBase, defs.RegsSize},
			{"mem_base", layout.MemBase, defs.MemSize},
		} {
			if w.base < ramEnd && b.RAMBase < w.base+w.size {
				return fmt.Errorf("device.%s 0x%x overlaps RAM 0x%x-0x%x", w.name, w.base, b.RAMBase, ramEnd-1)
			}
		}
	}
	return nil
}
