// Package synth catalogs simple gadgets in a code region and builds
// syscall chains out of them.
package synth

import (
	"fmt"
	"sort"
	"strings"

	"golang.org/x/arch/x86/x86asm"

	"github.com/zjy-dev/ropsynth/internal/disasm"
)

// maxGadgetInsts bounds the instructions before the terminating ret.
const maxGadgetInsts = 8

// Memory is the code region to catalog.
type Memory interface {
	Base() uint64
	Code() []byte
}

// Move is a register-to-register copy.
type Move struct {
	Dst, Src x86asm.Reg
}

// Gadget is an instruction run ending in ret that only pops, moves
// registers or issues a syscall.
type Gadget struct {
	Addr        uint64
	StackChange int          // Bytes of stack consumed, return address included
	Pops        []x86asm.Reg // In pop order
	Moves       []Move
	Syscall     bool
	Insts       []string
}

// String renders the gadget as "pop rdi; ret".
func (g *Gadget) String() string {
	return strings.Join(g.Insts, "; ")
}

// pops reports whether g pops r.
func (g *Gadget) pops(r x86asm.Reg) bool {
	for _, p := range g.Pops {
		if p == r {
			return true
		}
	}
	return false
}

// Catalog is the set of gadgets found in one code region.
type Catalog struct {
	gadgets []*Gadget
	byAddr  map[uint64]*Gadget
}

// Scan decodes from every offset of mem and keeps each run that reaches
// a plain ret within maxGadgetInsts instructions.
func Scan(mem Memory, dec *disasm.Decoder) (*Catalog, error) {
	code := mem.Code()
	if len(code) == 0 {
		return nil, fmt.Errorf("empty code region")
	}

	c := &Catalog{byAddr: make(map[uint64]*Gadget)}
	for off := range code {
		if g := scanAt(code, mem.Base(), off, dec); g != nil {
			c.gadgets = append(c.gadgets, g)
			c.byAddr[g.Addr] = g
		}
	}
	return c, nil
}

func scanAt(code []byte, base uint64, off int, dec *disasm.Decoder) *Gadget {
	g := &Gadget{Addr: base + uint64(off), StackChange: 8}
	for i := 0; i <= maxGadgetInsts && off < len(code); i++ {
		inst, err := dec.DecodeAt(code[off:], base+uint64(off))
		if err != nil {
			return nil
		}
		g.Insts = append(g.Insts, strings.ToLower(inst.Op.String()))
		off += inst.Len

		switch inst.Op.Op {
		case x86asm.RET:
			if inst.Op.Args[0] != nil {
				return nil
			}
			return g
		case x86asm.NOP:
		case x86asm.POP:
			r, ok := reg64(inst.Op.Args[0])
			if !ok {
				return nil
			}
			g.Pops = append(g.Pops, r)
			g.StackChange += 8
		case x86asm.MOV:
			dst, ok1 := reg64(inst.Op.Args[0])
			src, ok2 := reg64(inst.Op.Args[1])
			if !ok1 || !ok2 {
				return nil
			}
			g.Moves = append(g.Moves, Move{Dst: dst, Src: src})
		case x86asm.SYSCALL:
			g.Syscall = true
		default:
			return nil
		}
	}
	return nil
}

// reg64 accepts 64-bit general purpose registers other than rsp.
func reg64(arg x86asm.Arg) (x86asm.Reg, bool) {
	r, ok := arg.(x86asm.Reg)
	if !ok || r < x86asm.RAX || r > x86asm.R15 || r == x86asm.RSP {
		return 0, false
	}
	return r, true
}

// Gadgets returns every gadget sorted by address.
func (c *Catalog) Gadgets() []*Gadget {
	out := append([]*Gadget(nil), c.gadgets...)
	sort.Slice(out, func(i, j int) bool { return out[i].Addr < out[j].Addr })
	return out
}

// Len returns the number of gadgets.
func (c *Catalog) Len() int {
	return len(c.gadgets)
}

// Lookup returns the gadget at addr.
func (c *Catalog) Lookup(addr uint64) (*Gadget, bool) {
	g, ok := c.byAddr[addr]
	return g, ok
}
