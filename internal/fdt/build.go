package fdt

import (
	"bytes"
	"encoding/binary"
	"fmt"
	"sort"
)

const (
	headerSize     = 0x28
	version        = 17
	lastCompatible = 16
	magic          = 0xd00dfeed

	tokenBeginNode = 0x1
	tokenEndNode   = 0x2
	tokenProp      = 0x3
	tokenNop       = 0x4
	tokenEnd       = 0x9
)

// Build serializes root into an FDT blob. Properties are emitted in name
// order so the output is deterministic.
func Build(root Node) ([]byte, error) {
	e := &encoder{offsets: make(map[string]uint32)}
	if err := e.node(root); err != nil {
		return nil, err
	}
	e.u32(tokenEnd)
	return e.blob(), nil
}

type encoder struct {
	structure bytes.Buffer
	strings   bytes.Buffer
	offsets   map[string]uint32
}

func (e *encoder) node(n Node) error {
	e.u32(tokenBeginNode)
	e.structure.WriteString(n.Name)
	e.structure.WriteByte(0)
	e.align()

	names := make([]string, 0, len(n.Properties))
	for name := range n.Properties {
		names = append(names, name)
	}
	sort.Strings(names)
	for _, name := range names {
		value, err := encodeValue(name, n.Properties[name])
		if err != nil {
			return fmt.Errorf("fdt: node %q: %w", n.Name, err)
		}
		e.u32(tokenProp)
		e.u32(uint32(len(value)))
		e.u32(e.stringOffset(name))
		e.structure.Write(value)
		e.align()
	}

	for _, child := range n.Children {
		if err := e.node(child); err != nil {
			return err
		}
	}
	e.u32(tokenEndNode)
	return nil
}

func encodeValue(name string, p Property) ([]byte, error) {
	if err := p.validate(name); err != nil {
		return nil, err
	}
	switch {
	case len(p.Strings) > 0:
		var buf bytes.Buffer
		for _, s := range p.Strings {
			buf.WriteString(s)
			buf.WriteByte(0)
		}
		return buf.Bytes(), nil
	case len(p.U32) > 0:
		out := make([]byte, 4*len(p.U32))
		for i, v := range p.U32 {
			binary.BigEndian.PutUint32(out[4*i:], v)
		}
		return out, nil
	case len(p.U64) > 0:
		out := make([]byte, 8*len(p.U64))
		for i, v := range p.U64 {
			binary.BigEndian.PutUint64(out[8*i:], v)
		}
		return out, nil
	case len(p.Bytes) > 0:
		return append([]byte(nil), p.Bytes...), nil
	default:
		return nil, nil
	}
}

func (e *encoder) stringOffset(name string) uint32 {
	if off, ok := e.offsets[name]; ok {
		return off
	}
	off := uint32(e.strings.Len())
	e.strings.WriteString(name)
	e.strings.WriteByte(0)
	e.offsets[name] = off
	return off
}

func (e *encoder) u32(v uint32) {
	var tmp [4]byte
	binary.BigEndian.PutUint32(tmp[:], v)
	e.structure.Write(tmp[:])
}

func (e *encoder) align() {
	for e.structure.Len()%4 != 0 {
		e.structure.WriteByte(0)
	}
}

// blob lays out header, an empty reservation map, the structure block and
// the strings block.
func (e *encoder) blob() []byte {
	const reserveSize = 16

	structure := e.structure.Bytes()
	strings := e.strings.Bytes()

	offReserve := headerSize
	offStruct := offReserve + reserveSize
	offStrings := offStruct + len(structure)
	total := offStrings + len(strings)

	out := make([]byte, total)
	fields := []uint32{
		magic,
		uint32(total),
		uint32(offStruct),
		uint32(offStrings),
		uint32(offReserve),
		version,
		lastCompatible,
		0, // boot cpu
		uint32(len(strings)),
		uint32(len(structure)),
	}
	for i, v := range fields {
		binary.BigEndian.PutUint32(out[4*i:], v)
	}
	copy(out[offStruct:], structure)
	copy(out[offStrings:], strings)
	return out
}
