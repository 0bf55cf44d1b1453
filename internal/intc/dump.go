package intc

import "fmt"

// Register is one named register value in a snapshot.
type Register struct {
	Name   string
	Offset uint32
	Value  uint32
}

func (r Register) String() string {
	return fmt.Sprintf("%-16s 0x%04x = 0x%08x", r.Name, r.Offset, r.Value)
}

// Dumper is implemented by controllers that can snapshot their registers.
type Dumper interface {
	Registers() []Register
}

func (c *core) read(name string, off uint32) Register {
	return Register{Name: name, Offset: off, Value: c.bank.Read32(off)}
}

func (c *core) bankRegisters() []Register {
	out := []Register{
		c.read("revision", RegRevision),
		c.read("feature", RegFeature),
	}
	for line := uint32(0); line < c.lines; line += 32 {
		b := line / 32
		out = append(out,
			c.read(fmt.Sprintf("bank%d.src", b), c.reg(line, RegSource)),
			c.read(fmt.Sprintf("bank%d.en", b), c.reg(line, RegEnable)),
			c.read(fmt.Sprintf("bank%d.pending", b), c.reg(line, RegClear)),
			c.read(fmt.Sprintf("bank%d.mode", b), c.reg(line, RegMode)),
			c.read(fmt.Sprintf("bank%d.level", b), c.reg(line, RegLevel)),
			c.read(fmt.Sprintf("bank%d.status", b), c.reg(line, RegStatus)),
		)
	}
	return out
}
