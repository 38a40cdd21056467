// Package cfg recovers gadget functions and their basic blocks from the
// code page of a gadget image.
package cfg

import (
	"fmt"
	"sort"

	"golang.org/x/arch/x86/x86asm"

	"github.com/zjy-dev/ropsynth/internal/disasm"
)

// Memory is the code region the recovery walks.
type Memory interface {
	Base() uint64
	Code() []byte
}

// BasicBlock is a straight-line run of instructions.
type BasicBlock struct {
	Addr       uint64        // Address of the first instruction
	Insts      []disasm.Inst // Instructions in program order
	Successors []uint64      // Addresses of successor blocks
}

// End returns the address one past the last instruction.
func (b *BasicBlock) End() uint64 {
	if len(b.Insts) == 0 {
		return b.Addr
	}
	return b.Insts[len(b.Insts)-1].End()
}

// Function is one gadget: the code between two padding runs, split into
// blocks reachable from its entry.
type Function struct {
	Entry  uint64        // First instruction
	Limit  uint64        // One past the last byte of the function's region
	Blocks []*BasicBlock // Sorted by address
}

// Block returns the block starting at addr, or nil.
func (f *Function) Block(addr uint64) *BasicBlock {
	for _, b := range f.Blocks {
		if b.Addr == addr {
			return b
		}
	}
	return nil
}

// Recover splits the code region into functions and builds the block
// graph of each. A new function starts after every run of trap bytes
// that follows a ret.
func Recover(mem Memory, dec *disasm.Decoder) ([]*Function, error) {
	code := mem.Code()
	base := mem.Base()
	if len(code) == 0 {
		return nil, fmt.Errorf("empty code region")
	}

	starts := findStarts(code, base, dec)

	functions := make([]*Function, 0, len(starts))
	for i, start := range starts {
		limit := base + uint64(len(code))
		if i+1 < len(starts) {
			limit = starts[i+1]
		}
		fn, err := recoverFunction(code, base, start, limit, dec)
		if err != nil {
			return nil, fmt.Errorf("function at %#x: %w", start, err)
		}
		functions = append(functions, fn)
	}
	return functions, nil
}

func findStarts(code []byte, base uint64, dec *disasm.Decoder) []uint64 {
	starts := []uint64{base}
	afterRet, inPad := false, false

	for off := 0; off < len(code); {
		inst, err := dec.DecodeAt(code[off:], base+uint64(off))
		if err != nil {
			// Undecodable bytes between gadgets count as padding.
			if afterRet {
				inPad = true
			}
			off++
			continue
		}

		switch {
		case disasm.IsTrap(inst) && (afterRet || inPad):
			inPad = true
		case inPad:
			starts = append(starts, inst.Addr)
			inPad = false
			afterRet = disasm.IsReturn(inst)
		default:
			afterRet = disasm.IsReturn(inst)
		}
		off += inst.Len
	}
	return starts
}

func recoverFunction(code []byte, base, entry, limit uint64, dec *disasm.Decoder) (*Function, error) {
	insts := make(map[uint64]disasm.Inst)
	leaders := map[uint64]bool{entry: true}
	inRange := func(addr uint64) bool { return addr >= entry && addr < limit }

	work := []uint64{entry}
	for len(work) > 0 {
		addr := work[len(work)-1]
		work = work[:len(work)-1]

		for inRange(addr) {
			if _, seen := insts[addr]; seen {
				break
			}
			inst, err := dec.DecodeAt(code[addr-base:limit-base], addr)
			if err != nil {
				// Treat an undecodable byte as the end of the path.
				break
			}
			insts[addr] = inst

			if disasm.IsConditionalJump(inst) || inst.Op.Op == x86asm.JMP {
				if target, ok := disasm.BranchTarget(inst); ok && inRange(target) {
					leaders[target] = true
					work = append(work, target)
				}
				if inst.Op.Op == x86asm.JMP {
					break
				}
				leaders[inst.End()] = true
				work = append(work, inst.End())
				break
			}
			if disasm.IsTerminator(inst) {
				break
			}
			addr = inst.End()
		}
	}

	sorted := make([]uint64, 0, len(leaders))
	for addr := range leaders {
		if _, ok := insts[addr]; ok {
			sorted = append(sorted, addr)
		}
	}
	sort.Slice(sorted, func(i, j int) bool { return sorted[i] < sorted[j] })

	fn := &Function{Entry: entry, Limit: limit}
	for _, start := range sorted {
		block := &BasicBlock{Addr: start}
		addr := start
		for {
			inst, ok := insts[addr]
			if !ok {
				break
			}
			block.Insts = append(block.Insts, inst)
			if disasm.IsTerminator(inst) {
				block.Successors = successors(inst, inRange)
				break
			}
			addr = inst.End()
			if leaders[addr] {
				block.Successors = []uint64{addr}
				break
			}
		}
		fn.Blocks = append(fn.Blocks, block)
	}
	return fn, nil
}

func successors(inst disasm.Inst, inRange func(uint64) bool) []uint64 {
	var succs []uint64
	if disasm.IsConditionalJump(inst) || inst.Op.Op == x86asm.JMP {
		if target, ok := disasm.BranchTarget(inst); ok && inRange(target) {
			succs = append(succs, target)
		}
		if disasm.IsConditionalJump(inst) && inRange(inst.End()) {
			succs = append(succs, inst.End())
		}
	}
	return succs
}
