package synth

import (
	"encoding/binary"
	"errors"
	"fmt"

	"golang.org/x/arch/x86/x86asm"

	"github.com/zjy-dev/ropsynth/internal/logger"
)

// ErrNoGadget is returned when the catalog lacks a gadget a chain needs.
var ErrNoGadget = errors.New("no suitable gadget")

// syscallRegs holds the syscall number register followed by the
// argument registers of the x86-64 Linux ABI.
var syscallRegs = []x86asm.Reg{x86asm.RAX, x86asm.RDI, x86asm.RSI, x86asm.RDX, x86asm.R10, x86asm.R8, x86asm.R9}

// Range is an inclusive memory range the chain may clobber.
type Range struct {
	Start, End uint64
}

// RawChain is a gadget sequence and the stack bytes that drive it,
// before any guard bytes are interleaved. Payload holds each gadget's
// address followed by its popped values, so len(Payload) is the sum of
// the gadgets' stack changes.
type RawChain struct {
	Gadgets []*Gadget
	Payload []byte
	Scratch Range
}

// StackChange returns the bytes the chain consumes.
func (c *RawChain) StackChange() int {
	total := 0
	for _, g := range c.Gadgets {
		total += g.StackChange
	}
	return total
}

// DoSyscall builds a chain that loads num into rax and args into the
// argument registers, then runs a syscall gadget. Registers are set
// greedily by pop gadgets covering the most unset registers; a gadget
// that would pop an already set register is never used. Incidental pops
// are filled with the start of scratch.
func (c *Catalog) DoSyscall(num uint64, args []uint64, scratch Range) (*RawChain, error) {
	if len(args) > len(syscallRegs)-1 {
		return nil, fmt.Errorf("too many syscall arguments: %d", len(args))
	}
	if scratch.Start > scratch.End {
		return nil, fmt.Errorf("scratch range [%#x, %#x] is empty", scratch.Start, scratch.End)
	}

	want := map[x86asm.Reg]uint64{x86asm.RAX: num}
	for i, a := range args {
		want[syscallRegs[i+1]] = a
	}

	set := make(map[x86asm.Reg]bool)
	chain := &RawChain{Scratch: scratch}
	for len(set) < len(want) {
		g := c.bestPopGadget(want, set)
		if g == nil {
			return nil, fmt.Errorf("%w: cannot set %v", ErrNoGadget, missing(want, set))
		}
		for _, r := range g.Pops {
			if _, ok := want[r]; ok {
				set[r] = true
			}
		}
		chain.Gadgets = append(chain.Gadgets, g)
	}

	sys := c.syscallGadget()
	if sys == nil {
		return nil, fmt.Errorf("%w: syscall", ErrNoGadget)
	}
	chain.Gadgets = append(chain.Gadgets, sys)

	for _, g := range chain.Gadgets {
		chain.Payload = binary.LittleEndian.AppendUint64(chain.Payload, g.Addr)
		for _, r := range g.Pops {
			v, ok := want[r]
			if !ok {
				v = scratch.Start
			}
			chain.Payload = binary.LittleEndian.AppendUint64(chain.Payload, v)
		}
	}

	logger.Debug("syscall %d chain: %d gadgets, %d bytes", num, len(chain.Gadgets), len(chain.Payload))
	return chain, nil
}

func (c *Catalog) bestPopGadget(want map[x86asm.Reg]uint64, set map[x86asm.Reg]bool) *Gadget {
	var best *Gadget
	bestCover := 0
	for _, g := range c.gadgets {
		if len(g.Pops) == 0 || len(g.Moves) > 0 || g.Syscall || !distinct(g.Pops) {
			continue
		}
		cover := 0
		reuses := false
		for _, r := range g.Pops {
			if set[r] {
				reuses = true
				break
			}
			if _, ok := want[r]; ok {
				cover++
			}
		}
		if reuses || cover == 0 {
			continue
		}
		if best == nil || cover > bestCover ||
			(cover == bestCover && g.StackChange < best.StackChange) ||
			(cover == bestCover && g.StackChange == best.StackChange && g.Addr < best.Addr) {
			best, bestCover = g, cover
		}
	}
	return best
}

func (c *Catalog) syscallGadget() *Gadget {
	var best *Gadget
	for _, g := range c.gadgets {
		if !g.Syscall || len(g.Pops) > 0 || len(g.Moves) > 0 {
			continue
		}
		if best == nil || g.Addr < best.Addr {
			best = g
		}
	}
	return best
}

// FindRegMove returns a pop-free gadget whose only effect is to copy
// from into to.
func (c *Catalog) FindRegMove(from, to x86asm.Reg) (*Gadget, bool) {
	var best *Gadget
	for _, g := range c.gadgets {
		if len(g.Pops) > 0 || g.Syscall || len(g.Moves) != 1 {
			continue
		}
		if g.Moves[0] != (Move{Dst: to, Src: from}) {
			continue
		}
		if best == nil || g.Addr < best.Addr {
			best = g
		}
	}
	return best, best != nil
}

// MoveChain wraps a single gadget as a chain.
func MoveChain(g *Gadget) *RawChain {
	return &RawChain{
		Gadgets: []*Gadget{g},
		Payload: binary.LittleEndian.AppendUint64(nil, g.Addr),
	}
}

func distinct(regs []x86asm.Reg) bool {
	seen := make(map[x86asm.Reg]bool, len(regs))
	for _, r := range regs {
		if seen[r] {
			return false
		}
		seen[r] = true
	}
	return true
}

func missing(want map[x86asm.Reg]uint64, set map[x86asm.Reg]bool) []x86asm.Reg {
	var out []x86asm.Reg
	for _, r := range syscallRegs {
		if _, ok := want[r]; ok && !set[r] {
			out = append(out, r)
		}
	}
	return out
}
