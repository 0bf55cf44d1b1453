package fdt

import (
	"bytes"
	"encoding/binary"
	"errors"
	"fmt"
)

// ErrMalformed is returned for blobs that do not decode as a device tree.
var ErrMalformed = errors.New("fdt: malformed blob")

// Parse decodes an FDT blob into a node tree. Property values come back
// untyped, in Property.Bytes, or as Flag when empty.
func Parse(blob []byte) (Node, error) {
	if len(blob) < headerSize {
		return Node{}, fmt.Errorf("%w: %d bytes is shorter than the header", ErrMalformed, len(blob))
	}
	hdr := func(i int) uint32 { return binary.BigEndian.Uint32(blob[4*i:]) }
	if hdr(0) != magic {
		return Node{}, fmt.Errorf("%w: magic 0x%08x", ErrMalformed, hdr(0))
	}
	total := hdr(1)
	if uint64(total) > uint64(len(blob)) {
		return Node{}, fmt.Errorf("%w: total size %d exceeds %d", ErrMalformed, total, len(blob))
	}
	if hdr(6) > version {
		return Node{}, fmt.Errorf("%w: last compatible version %d", ErrMalformed, hdr(6))
	}
	offStruct, offStrings := hdr(2), hdr(3)
	sizeStrings, sizeStruct := hdr(8), hdr(9)
	if uint64(offStruct)+uint64(sizeStruct) > uint64(total) ||
		uint64(offStrings)+uint64(sizeStrings) > uint64(total) {
		return Node{}, fmt.Errorf("%w: block outside blob", ErrMalformed)
	}

	d := &decoder{
		structs: blob[offStruct : offStruct+sizeStruct],
		strings: blob[offStrings : offStrings+sizeStrings],
	}
	tok, err := d.nextToken()
	if err != nil {
		return Node{}, err
	}
	if tok != tokenBeginNode {
		return Node{}, fmt.Errorf("%w: tree starts with token %d", ErrMalformed, tok)
	}
	root, err := d.node()
	if err != nil {
		return Node{}, err
	}
	if tok, err := d.nextToken(); err != nil || tok != tokenEnd {
		return Node{}, fmt.Errorf("%w: missing end token", ErrMalformed)
	}
	return root, nil
}

type decoder struct {
	structs []byte
	strings []byte
	pos     int
}

func (d *decoder) u32() (uint32, error) {
	if d.pos+4 > len(d.structs) {
		return 0, fmt.Errorf("%w: truncated structure block", ErrMalformed)
	}
	v := binary.BigEndian.Uint32(d.structs[d.pos:])
	d.pos += 4
	return v, nil
}

func (d *decoder) nextToken() (uint32, error) {
	for {
		tok, err := d.u32()
		if err != nil {
			return 0, err
		}
		if tok != tokenNop {
			return tok, nil
		}
	}
}

func (d *decoder) align() {
	d.pos = (d.pos + 3) &^ 3
}

// node decodes the body of a node whose begin token was just consumed.
func (d *decoder) node() (Node, error) {
	end := bytes.IndexByte(d.structs[d.pos:], 0)
	if end < 0 {
		return Node{}, fmt.Errorf("%w: unterminated node name", ErrMalformed)
	}
	n := Node{Name: string(d.structs[d.pos : d.pos+end])}
	d.pos += end + 1
	d.align()

	for {
		tok, err := d.nextToken()
		if err != nil {
			return Node{}, err
		}
		switch tok {
		case tokenProp:
			name, prop, err := d.property()
			if err != nil {
				return Node{}, fmt.Errorf("%s: %w", n.Name, err)
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
			return Node{}, fmt.Errorf("%w: unexpected token %d in %s", ErrMalformed, tok, n.Name)
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
	if uint64(d.pos)+uint64(length) > uint64(len(d.structs)) {
		return "", Property{}, fmt.Errorf("%w: property value overruns block", ErrMalformed)
	}
	if int(nameOff) >= len(d.strings) {
		return "", Property{}, fmt.Errorf("%w: name offset %d", ErrMalformed, nameOff)
	}
	end := bytes.IndexByte(d.strings[nameOff:], 0)
	if end < 0 {
		return "", Property{}, fmt.Errorf("%w: unterminated property name", ErrMalformed)
	}
	name := string(d.strings[nameOff : int(nameOff)+end])

	var prop Property
	if length == 0 {
		prop.Flag = true
	} else {
		prop.Bytes = append([]byte(nil), d.structs[d.pos:d.pos+int(length)]...)
	}
	d.pos += int(length)
	d.align()
	return name, prop, nil
}
