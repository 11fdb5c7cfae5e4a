package platform

import (
	"fmt"
	"math"

	"github.com/tinyrange/stopwatch/internal/devices/stopwatch"
	"github.com/tinyrange/stopwatch/internal/fdt"
	"github.com/tinyrange/stopwatch/internal/stopwatch/defs"
)

// GIC interrupt specifier fields.
const (
	gicSPI         = 0
	irqTypeLevelHi = 4
)

// DeviceTreeNodes describes the stopwatch for a guest device tree.
func (b *Board) DeviceTreeNodes() ([]fdt.Node, error) {
	l := b.layout
	for _, v := range []uint64{l.MemBase, l.RegsBase} {
		if v > math.MaxUint32 {
			return nil, fmt.Errorf("platform: window at 0x%x does not fit one address cell", v)
		}
	}
	node := fdt.Node{
		Name: fmt.Sprintf("%s@%x", stopwatch.CompatibleString, l.MemBase),
		Properties: map[string]fdt.Property{
			"compatible": {Strings: []string{stopwatch.CompatibleString}},
			"reg": {U32: []uint32{
				uint32(l.MemBase), defs.MemSize,
				uint32(l.RegsBase), defs.RegsSize,
			}},
			"interrupts": {U32: []uint32{gicSPI, uint32(b.irq), irqTypeLevelHi}},
		},
	}
	return []fdt.Node{node}, nil
}

// DeviceTree returns a blob with a memory node for RAM and the stopwatch.
func (b *Board) DeviceTree() ([]byte, error) {
	ram := b.cfg.Board
	if ram.RAMBase > math.MaxUint32 || ram.RAMSize > math.MaxUint32 {
		return nil, fmt.Errorf("platform: RAM 0x%x+0x%x does not fit one address cell", ram.RAMBase, ram.RAMSize)
	}
	nodes, err := b.DeviceTreeNodes()
	if err != nil {
		return nil, err
	}
	memory := fdt.Node{
		Name: fmt.Sprintf("memory@%x", ram.RAMBase),
		Properties: map[string]fdt.Property{
			"device_type": {Strings: []string{"memory"}},
			"reg":         {U32: []uint32{uint32(ram.RAMBase), uint32(ram.RAMSize)}},
		},
	}
	blob, err := fdt.Build(fdt.Root(append([]fdt.Node{memory}, nodes...)...))
	if err != nil {
		return nil, fmt.Errorf("platform: %w", err)
	}
	return blob, nil
}
