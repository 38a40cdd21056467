// Package disasm decodes x86-64 machine code for the analysis passes.
package disasm

import (
	"fmt"

	"golang.org/x/arch/x86/x86asm"
)

const (
	SkipSyntax  Syntax = ""
	ATTSyntax   Syntax = "att"
	GoSyntax    Syntax = "go"
	IntelSyntax Syntax = "intel"
)

// Syntax selects how decoded instructions are rendered in Inst.Dis.
type Syntax string

// Inst is one decoded instruction at a known address.
type Inst struct {
	Addr uint64
	Len  int
	Raw  []byte
	Hex  string
	Dis  string
	Op   x86asm.Inst
}

// End returns the address of the following instruction.
func (i Inst) End() uint64 {
	return i.Addr + uint64(i.Len)
}

// Decoder decodes 64-bit x86 instructions.
type Decoder struct {
	disassemblyFn func(inst x86asm.Inst, pc uint64) string
}

// NewDecoder returns a decoder rendering disassembly in the given syntax.
func NewDecoder(syntax Syntax) (*Decoder, error) {
	var disassemblyFn func(inst x86asm.Inst, pc uint64) string
	switch syntax {
	case SkipSyntax:
		// Do nothing.
	case ATTSyntax:
		disassemblyFn = func(inst x86asm.Inst, pc uint64) string {
			return x86asm.GNUSyntax(inst, pc, nil)
		}
	case GoSyntax:
		disassemblyFn = func(inst x86asm.Inst, pc uint64) string {
			return x86asm.GoSyntax(inst, pc, nil)
		}
	case IntelSyntax:
		disassemblyFn = func(inst x86asm.Inst, pc uint64) string {
			return x86asm.IntelSyntax(inst, pc, nil)
		}
	default:
		return nil, fmt.Errorf("unsupported syntax type for x86: %s", syntax)
	}

	return &Decoder{disassemblyFn: disassemblyFn}, nil
}

// DecodeAt decodes the first instruction of code, which lives at addr.
func (d *Decoder) DecodeAt(code []byte, addr uint64) (Inst, error) {
	if len(code) == 0 {
		return Inst{}, fmt.Errorf("no bytes to decode at %#x", addr)
	}

	x86Inst, err := x86asm.Decode(code, 64)
	if err != nil {
		return Inst{}, fmt.Errorf("failed to decode instruction at %#x - %w", addr, err)
	}

	inst := Inst{
		Addr: addr,
		Len:  x86Inst.Len,
		Raw:  code[:x86Inst.Len],
		Hex:  fmt.Sprintf("0x%x", code[:x86Inst.Len]),
		Op:   x86Inst,
	}
	if d.disassemblyFn != nil {
		inst.Dis = d.disassemblyFn(x86Inst, addr)
	}
	return inst, nil
}

// DecodeAll decodes code linearly, calling onDecodeFn for each
// instruction. It stops at the first undecodable byte.
func (d *Decoder) DecodeAll(code []byte, base uint64, onDecodeFn func(Inst)) error {
	index := 0
	for index < len(code) {
		inst, err := d.DecodeAt(code[index:], base+uint64(index))
		if err != nil {
			return err
		}

		onDecodeFn(inst)

		index += inst.Len
	}
	return nil
}

// IsTrap reports whether the instruction stops execution (hlt, int3, int n).
func IsTrap(inst Inst) bool {
	switch inst.Op.Op {
	case x86asm.HLT, x86asm.INT:
		return true
	}
	return len(inst.Raw) > 0 && inst.Raw[0] == 0xcc
}

// IsReturn reports whether the instruction is a near return.
func IsReturn(inst Inst) bool {
	return inst.Op.Op == x86asm.RET
}

// IsConditionalJump reports whether the instruction is a jcc.
func IsConditionalJump(inst Inst) bool {
	switch inst.Op.Op {
	case x86asm.JA, x86asm.JAE, x86asm.JB, x86asm.JBE,
		x86asm.JE, x86asm.JG, x86asm.JGE, x86asm.JL, x86asm.JLE,
		x86asm.JNE, x86asm.JNO, x86asm.JNP, x86asm.JNS, x86asm.JO,
		x86asm.JP, x86asm.JS, x86asm.JCXZ, x86asm.JECXZ:
		return true
	}
	return false
}

// IsTerminator reports whether the instruction ends a basic block.
func IsTerminator(inst Inst) bool {
	return IsReturn(inst) || IsTrap(inst) || IsConditionalJump(inst) ||
		inst.Op.Op == x86asm.JMP || inst.Op.Op == x86asm.LRET
}

// BranchTarget returns the destination of a relative jmp/jcc/call.
func BranchTarget(inst Inst) (uint64, bool) {
	for _, arg := range inst.Op.Args {
		if arg == nil {
			break
		}
		if rel, ok := arg.(x86asm.Rel); ok {
			return uint64(int64(inst.End()) + int64(rel)), true
		}
	}
	return 0, false
}

// Canonical maps a 32- or 64-bit general purpose register to its 64-bit
// name and reports the operand width. Narrower registers are rejected.
func Canonical(r x86asm.Reg) (x86asm.Reg, int, bool) {
	switch {
	case r >= x86asm.RAX && r <= x86asm.R15:
		return r, 64, true
	case r >= x86asm.EAX && r <= x86asm.R15L:
		return x86asm.RAX + (r - x86asm.EAX), 32, true
	}
	return 0, 0, false
}
