// Package fdt builds and parses flattened device trees.
package fdt

import (
	"bytes"
	"encoding/binary"
	"fmt"
	"strings"
)

// Property is a single device-tree property. Exactly one of the typed
// fields is populated. Properties read back from a blob carry their raw
// value in Bytes (or Flag when empty); the accessors decode either form.
type Property struct {
	Strings []string `json:"strings,omitempty" yaml:"strings,omitempty"`
	U32     []uint32 `json:"u32,omitempty" yaml:"u32,omitempty"`
	U64     []uint64 `json:"u64,omitempty" yaml:"u64,omitempty"`
	Bytes   []byte   `json:"bytes,omitempty" yaml:"bytes,omitempty"`
	Flag    bool     `json:"flag,omitempty" yaml:"flag,omitempty"`
}

// Kind returns the name of the populated field or an empty string if none are set.
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

func (p Property) definedCount() int {
	n := 0
	for _, set := range []bool{len(p.Strings) > 0, len(p.U32) > 0, len(p.U64) > 0, len(p.Bytes) > 0, p.Flag} {
		if set {
			n++
		}
	}
	return n
}

// encode returns the big-endian wire value of p.
func (p Property) encode() ([]byte, error) {
	switch p.definedCount() {
	case 0:
		return nil, fmt.Errorf("no values")
	case 1:
	default:
		return nil, fmt.Errorf("multiple value kinds")
	}
	switch p.Kind() {
	case "strings":
		var buf bytes.Buffer
		for _, s := range p.Strings {
			buf.WriteString(s)
			buf.WriteByte(0)
		}
		return buf.Bytes(), nil
	case "u32":
		out := make([]byte, 4*len(p.U32))
		for i, v := range p.U32 {
			binary.BigEndian.PutUint32(out[4*i:], v)
		}
		return out, nil
	case "u64":
		out := make([]byte, 8*len(p.U64))
		for i, v := range p.U64 {
			binary.BigEndian.PutUint64(out[8*i:], v)
		}
		return out, nil
	case "bytes":
		return append([]byte(nil), p.Bytes...), nil
	default:
		return nil, nil
	}
}

// Uint32s decodes the property as a list of cells.
func (p Property) Uint32s() ([]uint32, error) {
	if len(p.U32) > 0 {
		return p.U32, nil
	}
	raw, err := p.encode()
	if err != nil {
		return nil, err
	}
	if len(raw)%4 != 0 {
		return nil, fmt.Errorf("%d bytes is not a cell list", len(raw))
	}
	out := make([]uint32, len(raw)/4)
	for i := range out {
		out[i] = binary.BigEndian.Uint32(raw[4*i:])
	}
	return out, nil
}

// Uint32 decodes a single-cell property.
func (p Property) Uint32() (uint32, error) {
	cells, err := p.Uint32s()
	if err != nil {
		return 0, err
	}
	if len(cells) != 1 {
		return 0, fmt.Errorf("%d cells, want 1", len(cells))
	}
	return cells[0], nil
}

// StringList decodes the property as a NUL-separated string list.
func (p Property) StringList() ([]string, error) {
	if len(p.Strings) > 0 {
		return p.Strings, nil
	}
	if len(p.Bytes) == 0 || p.Bytes[len(p.Bytes)-1] != 0 {
		return nil, fmt.Errorf("not a string list")
	}
	return strings.Split(string(p.Bytes[:len(p.Bytes)-1]), "\x00"), nil
}

// Node is a device-tree node.
type Node struct {
	Name       string              `json:"name" yaml:"name"`
	Properties map[string]Property `json:"properties,omitempty" yaml:"properties,omitempty"`
	Children   []Node              `json:"children,omitempty" yaml:"children,omitempty"`
}

// Child returns the direct child called name.
func (n *Node) Child(name string) (*Node, bool) {
	for i := range n.Children {
		if n.Children[i].Name == name {
			return &n.Children[i], true
		}
	}
	return nil, false
}

// Has reports whether the node carries the named property.
func (n *Node) Has(name string) bool {
	_, ok := n.Properties[name]
	return ok
}

// Cell reads a single-cell property.
func (n *Node) Cell(name string) (uint32, error) {
	p, ok := n.Properties[name]
	if !ok {
		return 0, fmt.Errorf("fdt: %s: missing %q", n.Name, name)
	}
	v, err := p.Uint32()
	if err != nil {
		return 0, fmt.Errorf("fdt: %s: %q: %w", n.Name, name, err)
	}
	return v, nil
}

// Cells reads a cell-list property.
func (n *Node) Cells(name string) ([]uint32, error) {
	p, ok := n.Properties[name]
	if !ok {
		return nil, fmt.Errorf("fdt: %s: missing %q", n.Name, name)
	}
	v, err := p.Uint32s()
	if err != nil {
		return nil, fmt.Errorf("fdt: %s: %q: %w", n.Name, name, err)
	}
	return v, nil
}

// String reads the first string of a string-list property.
func (n *Node) String(name string) (string, error) {
	p, ok := n.Properties[name]
	if !ok {
		return "", fmt.Errorf("fdt: %s: missing %q", n.Name, name)
	}
	list, err := p.StringList()
	if err != nil {
		return "", fmt.Errorf("fdt: %s: %q: %w", n.Name, name, err)
	}
	return list[0], nil
}

// Walk visits n and every descendant depth first. path is the slash
// separated node path, "/" for the root.
func (n *Node) Walk(fn func(path string, node *Node) error) error {
	return n.walk("", fn)
}

func (n *Node) walk(parent string, fn func(string, *Node) error) error {
	path := "/"
	if parent != "" {
		path = strings.TrimSuffix(parent, "/") + "/" + n.Name
	}
	if err := fn(path, n); err != nil {
		return err
	}
	for i := range n.Children {
		if err := n.Children[i].walk(path, fn); err != nil {
			return err
		}
	}
	return nil
}
