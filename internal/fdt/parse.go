package fdt

import (
	"bytes"
	"encoding/binary"
	"fmt"
	"io"
	"sort"
	"strings"
)

// Parse decodes an FDT blob. Property values come back raw in Bytes, or as
// Flag for empty properties; use AsStrings and AsCells to interpret them.
func Parse(blob []byte) (Node, error) {
	if len(blob) < headerSize {
		return Node{}, fmt.Errorf("fdt: blob too short (%d bytes)", len(blob))
	}
	be := binary.BigEndian
	if m := be.Uint32(blob[0:]); m != magic {
		return Node{}, fmt.Errorf("fdt: bad magic 0x%x", m)
	}
	total := be.Uint32(blob[4:])
	offStruct := be.Uint32(blob[8:])
	offStrings := be.Uint32(blob[12:])
	sizeStrings := be.Uint32(blob[32:])
	sizeStruct := be.Uint32(blob[36:])
	if uint64(total) > uint64(len(blob)) ||
		uint64(offStruct)+uint64(sizeStruct) > uint64(total) ||
		uint64(offStrings)+uint64(sizeStrings) > uint64(total) {
		return Node{}, fmt.Errorf("fdt: header describes blocks outside the blob")
	}

	d := &decoder{
		structure: blob[offStruct : offStruct+sizeStruct],
		strings:   blob[offStrings : offStrings+sizeStrings],
	}
	tok, err := d.token()
	if err != nil {
		return Node{}, err
	}
	if tok != tokenBeginNode {
		return Node{}, fmt.Errorf("fdt: structure does not start with a node (token 0x%x)", tok)
	}
	root, err := d.node()
	if err != nil {
		return Node{}, err
	}
	if tok, err = d.token(); err != nil {
		return Node{}, err
	}
	if tok != tokenEnd {
		return Node{}, fmt.Errorf("fdt: trailing token 0x%x after root", tok)
	}
	return root, nil
}

type decoder struct {
	structure []byte
	strings   []byte
	off       int
}

// token returns the next token, skipping NOPs.
func (d *decoder) token() (uint32, error) {
	for {
		v, err := d.u32()
		if err != nil {
			return 0, err
		}
		if v != tokenNop {
			return v, nil
		}
	}
}

func (d *decoder) u32() (uint32, error) {
	if d.off+4 > len(d.structure) {
		return 0, fmt.Errorf("fdt: structure block truncated at 0x%x", d.off)
	}
	v := binary.BigEndian.Uint32(d.structure[d.off:])
	d.off += 4
	return v, nil
}

// node decodes a node whose BEGIN_NODE token has been consumed.
func (d *decoder) node() (Node, error) {
	end := bytes.IndexByte(d.structure[d.off:], 0)
	if end < 0 {
		return Node{}, fmt.Errorf("fdt: unterminated node name at 0x%x", d.off)
	}
	n := Node{Name: string(d.structure[d.off : d.off+end])}
	d.off = alignUp(d.off + end + 1)

	for {
		tok, err := d.token()
		if err != nil {
			return Node{}, err
		}
		switch tok {
		case tokenProp:
			name, prop, err := d.property()
			if err != nil {
				return Node{}, fmt.Errorf("fdt: node %q: %w", n.Name, err)
			}
			if n.Properties == nil {
				n.Properties = make(map[string]Property)
			}
			n.Properties[name] = prop
		case tokenBeginNode:
			child, err := d.node()
			if err != nil {
				return Node{}, err
			}
			n.Children = append(n.Children, child)
		case tokenEndNode:
			return n, nil
		default:
			return Node{}, fmt.Errorf("fdt: unexpected token 0x%x in node %q", tok, n.Name)
		}
	}
}

func (d *decoder) property() (string, Property, error) {
	length, err := d.u32()
	if err != nil {
		return "", Property{}, err
	}
	nameOff, err := d.u32()
	if err != nil {
		return "", Property{}, err
	}
	if int(nameOff) >= len(d.strings) {
		return "", Property{}, fmt.Errorf("property name offset 0x%x outside strings block", nameOff)
	}
	nameEnd := bytes.IndexByte(d.strings[nameOff:], 0)
	if nameEnd < 0 {
		return "", Property{}, fmt.Errorf("unterminated property name at 0x%x", nameOff)
	}
	name := string(d.strings[nameOff : int(nameOff)+nameEnd])

	if d.off+int(length) > len(d.structure) {
		return "", Property{}, fmt.Errorf("property %q value truncated", name)
	}
	value := d.structure[d.off : d.off+int(length)]
	d.off = alignUp(d.off + int(length))

	if length == 0 {
		return name, Property{Flag: true}, nil
	}
	return name, Property{Bytes: append([]byte(nil), value...)}, nil
}

func alignUp(off int) int {
	return (off + 3) &^ 3
}

// AsStrings interprets a property as a NUL-separated string list.
func (p Property) AsStrings() ([]string, bool) {
	if len(p.Strings) > 0 {
		return p.Strings, true
	}
	raw := p.Bytes
	if len(raw) == 0 || raw[len(raw)-1] != 0 {
		return nil, false
	}
	parts := strings.Split(string(raw[:len(raw)-1]), "\x00")
	for _, s := range parts {
		if s == "" {
			return nil, false
		}
		for _, r := range s {
			if r < 0x20 || r > 0x7e {
				return nil, false
			}
		}
	}
	return parts, true
}

// AsCells interprets a property as big-endian 32-bit cells.
func (p Property) AsCells() ([]uint32, bool) {
	if len(p.U32) > 0 {
		return p.U32, true
	}
	if len(p.Bytes) == 0 || len(p.Bytes)%4 != 0 {
		return nil, false
	}
	cells := make([]uint32, len(p.Bytes)/4)
	for i := range cells {
		cells[i] = binary.BigEndian.Uint32(p.Bytes[4*i:])
	}
	return cells, true
}

// Format writes n in device-tree source syntax.
func Format(w io.Writer, n Node) error {
	return format(w, n, 0)
}

func format(w io.Writer, n Node, depth int) error {
	indent := strings.Repeat("\t", depth)
	name := n.Name
	if name == "" {
		name = "/"
	}
	if _, err := fmt.Fprintf(w, "%s%s {\n", indent, name); err != nil {
		return err
	}

	names := make([]string, 0, len(n.Properties))
	for k := range n.Properties {
		names = append(names, k)
	}
	sort.Strings(names)
	for _, k := range names {
		if _, err := fmt.Fprintf(w, "%s\t%s;\n", indent, formatProperty(k, n.Properties[k])); err != nil {
			return err
		}
	}
	for _, c := range n.Children {
		if err := format(w, c, depth+1); err != nil {
			return err
		}
	}
	_, err := fmt.Fprintf(w, "%s};\n", indent)
	return err
}

func formatProperty(name string, p Property) string {
	if p.Flag {
		return name
	}
	if s, ok := p.AsStrings(); ok {
		quoted := make([]string, len(s))
		for i, v := range s {
			quoted[i] = fmt.Sprintf("%q", v)
		}
		return fmt.Sprintf("%s = %s", name, strings.Join(quoted, ", "))
	}
	if cells, ok := p.AsCells(); ok {
		parts := make([]string, len(cells))
		for i, c := range cells {
			parts[i] = fmt.Sprintf("0x%x", c)
		}
		return fmt.Sprintf("%s = <%s>", name, strings.Join(parts, " "))
	}
	if len(p.U64) > 0 {
		parts := make([]string, len(p.U64))
		for i, v := range p.U64 {
			parts[i] = fmt.Sprintf("0x%x", v)
		}
		return fmt.Sprintf("%s = /bits/ 64 <%s>", name, strings.Join(parts, " "))
	}
	return fmt.Sprintf("%s = [% x]", name, p.Bytes)
}
