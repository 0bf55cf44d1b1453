package fdt

import (
	"bytes"
	"encoding/binary"
	"fmt"
	"sort"
)

const (
	headerSize  = 0x28
	version     = 17
	lastCompVer = 16
	magic       = 0xd00dfeed

	tokenBeginNode = 0x1
	tokenEndNode   = 0x2
	tokenProp      = 0x3
	tokenNop       = 0x4
	tokenEnd       = 0x9
)

// Build serializes the node tree into an FDT blob. Properties are emitted
// in name order so equal trees produce identical blobs.
func Build(root Node) ([]byte, error) {
	e := &encoder{stringsOff: make(map[string]uint32)}
	if err := e.node(root); err != nil {
		return nil, err
	}
	e.token(tokenEnd)
	return e.finish(), nil
}

type encoder struct {
	structs    bytes.Buffer
	strings    bytes.Buffer
	stringsOff map[string]uint32
}

func (e *encoder) node(n Node) error {
	e.token(tokenBeginNode)
	e.structs.WriteString(n.Name)
	e.structs.WriteByte(0)
	e.pad()

	names := make([]string, 0, len(n.Properties))
	for name := range n.Properties {
		names = append(names, name)
	}
	sort.Strings(names)
	for _, name := range names {
		value, err := n.Properties[name].encode()
		if err != nil {
			return fmt.Errorf("fdt: %s: property %q: %w", n.Name, name, err)
		}
		e.token(tokenProp)
		e.u32(uint32(len(value)))
		e.u32(e.stringOffset(name))
		e.structs.Write(value)
		e.pad()
	}

	for _, child := range n.Children {
		if err := e.node(child); err != nil {
			return err
		}
	}
	e.token(tokenEndNode)
	return nil
}

func (e *encoder) finish() []byte {
	structs := e.structs.Bytes()
	strs := e.strings.Bytes()

	// One empty memory reservation entry terminates the map.
	offRsv := headerSize
	offStruct := offRsv + 16
	offStrings := offStruct + len(structs)
	total := offStrings + len(strs)

	blob := make([]byte, total)
	fields := []uint32{
		magic,
		uint32(total),
		uint32(offStruct),
		uint32(offStrings),
		uint32(offRsv),
		version,
		lastCompVer,
		0, // boot cpu
		uint32(len(strs)),
		uint32(len(structs)),
	}
	for i, v := range fields {
		binary.BigEndian.PutUint32(blob[4*i:], v)
	}
	copy(blob[offStruct:], structs)
	copy(blob[offStrings:], strs)
	return blob
}

func (e *encoder) stringOffset(name string) uint32 {
	if off, ok := e.stringsOff[name]; ok {
		return off
	}
	off := uint32(e.strings.Len())
	e.strings.WriteString(name)
	e.strings.WriteByte(0)
	e.stringsOff[name] = off
	return off
}

func (e *encoder) token(t uint32) { e.u32(t) }

func (e *encoder) u32(v uint32) {
	var tmp [4]byte
	binary.BigEndian.PutUint32(tmp[:], v)
	e.structs.Write(tmp[:])
}

func (e *encoder) pad() {
	for e.structs.Len()%4 != 0 {
		e.structs.WriteByte(0)
	}
}
