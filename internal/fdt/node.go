// Package fdt encodes and decodes flattened device tree blobs.
package fdt

import "fmt"

// Property holds the value of one device-tree property. Exactly one of the
// typed fields should be set.
type Property struct {
	Strings []string
	U32     []uint32
	U64     []uint64
	Bytes   []byte
	Flag    bool
}

// Kind names the populated field, or returns "" when none is set.
func (p Property) Kind() string {
	switch {
	case len(p.Strings) > 0:
		return "strings"
	case len(p.U32) > 0:
		return "u32"
	case len(p.U64) > 0:
		return "u64"
	case len(p.Bytes) > 0:
		return "bytes"
	case p.Flag:
		return "flag"
	default:
		return ""
	}
}

func (p Property) validate(name string) error {
	set := 0
	for _, ok := range []bool{len(p.Strings) > 0, len(p.U32) > 0, len(p.U64) > 0, len(p.Bytes) > 0, p.Flag} {
		if ok {
			set++
		}
	}
	switch set {
	case 0:
		return fmt.Errorf("fdt: property %q has no value", name)
	case 1:
		return nil
	default:
		return fmt.Errorf("fdt: property %q has %d value kinds", name, set)
	}
}

// Node is one device-tree node.
type Node struct {
	Name       string
	Properties map[string]Property
	Children   []Node
}

// Child returns the direct child with the given name.
func (n Node) Child(name string) (Node, bool) {
	for _, c := range n.Children {
		if c.Name == name {
			return c, true
		}
	}
	return Node{}, false
}

// Root returns the conventional root node with the given children and
// address/size cell counts of one 32-bit cell each.
func Root(children ...Node) Node {
	return Node{
		Properties: map[string]Property{
			"#address-cells": {U32: []uint32{1}},
			"#size-cells":    {U32: []uint32{1}},
		},
		Children: children,
	}
}
