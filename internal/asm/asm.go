// Package asm is a tiny x86-64 assembler for the instruction forms the
// challenge gadgets are made of.
package asm

import (
	"encoding/binary"
	"errors"
	"fmt"

	"golang.org/x/arch/x86/x86asm"
)

// ErrNoKeystone is returned by Text in builds without keystone.
var ErrNoKeystone = errors.New("keystone not available - rebuild with '-tags keystone' to enable")

// Assembler accumulates machine code and resolves short jumps to labels.
type Assembler struct {
	buf    []byte
	labels map[string]int
	fixups []fixup
}

type fixup struct {
	at    int // offset of the rel8 byte
	label string
}

// New returns an empty assembler.
func New() *Assembler {
	return &Assembler{labels: make(map[string]int)}
}

// Len returns the number of bytes emitted so far.
func (a *Assembler) Len() int {
	return len(a.buf)
}

// Label binds name to the current offset.
func (a *Assembler) Label(name string) *Assembler {
	a.labels[name] = len(a.buf)
	return a
}

// Raw appends bytes verbatim.
func (a *Assembler) Raw(b ...byte) *Assembler {
	a.buf = append(a.buf, b...)
	return a
}

// Pop emits "pop r64".
func (a *Assembler) Pop(r x86asm.Reg) *Assembler {
	idx := index(r)
	if idx >= 8 {
		a.buf = append(a.buf, 0x41)
	}
	return a.Raw(0x58 + byte(idx&7))
}

// Push emits "push r64".
func (a *Assembler) Push(r x86asm.Reg) *Assembler {
	idx := index(r)
	if idx >= 8 {
		a.buf = append(a.buf, 0x41)
	}
	return a.Raw(0x50 + byte(idx&7))
}

// MovImm emits "movabs r64, imm64".
func (a *Assembler) MovImm(r x86asm.Reg, v uint64) *Assembler {
	idx := index(r)
	rex := byte(0x48)
	if idx >= 8 {
		rex |= 0x01
	}
	a.Raw(rex, 0xb8+byte(idx&7))
	a.buf = binary.LittleEndian.AppendUint64(a.buf, v)
	return a
}

// Mov emits "mov dst, src" on 64-bit registers.
func (a *Assembler) Mov(dst, src x86asm.Reg) *Assembler { return a.regReg(0x89, dst, src) }

// Add emits "add dst, src".
func (a *Assembler) Add(dst, src x86asm.Reg) *Assembler { return a.regReg(0x01, dst, src) }

// Sub emits "sub dst, src".
func (a *Assembler) Sub(dst, src x86asm.Reg) *Assembler { return a.regReg(0x29, dst, src) }

// Xor emits "xor dst, src".
func (a *Assembler) Xor(dst, src x86asm.Reg) *Assembler { return a.regReg(0x31, dst, src) }

// Cmp emits "cmp dst, src".
func (a *Assembler) Cmp(dst, src x86asm.Reg) *Assembler { return a.regReg(0x39, dst, src) }

// Test emits "test dst, src".
func (a *Assembler) Test(dst, src x86asm.Reg) *Assembler { return a.regReg(0x85, dst, src) }

// Jne emits a short "jne label".
func (a *Assembler) Jne(label string) *Assembler { return a.jump(0x75, label) }

// Je emits a short "je label".
func (a *Assembler) Je(label string) *Assembler { return a.jump(0x74, label) }

// Jmp emits a short "jmp label".
func (a *Assembler) Jmp(label string) *Assembler { return a.jump(0xeb, label) }

// Ret emits "ret".
func (a *Assembler) Ret() *Assembler { return a.Raw(0xc3) }

// Hlt emits "hlt".
func (a *Assembler) Hlt() *Assembler { return a.Raw(0xf4) }

// Int3 emits "int3".
func (a *Assembler) Int3() *Assembler { return a.Raw(0xcc) }

// Nop emits "nop".
func (a *Assembler) Nop() *Assembler { return a.Raw(0x90) }

// Syscall emits "syscall".
func (a *Assembler) Syscall() *Assembler { return a.Raw(0x0f, 0x05) }

// Bytes resolves pending jumps and returns the machine code.
func (a *Assembler) Bytes() ([]byte, error) {
	out := make([]byte, len(a.buf))
	copy(out, a.buf)
	for _, f := range a.fixups {
		target, ok := a.labels[f.label]
		if !ok {
			return nil, fmt.Errorf("undefined label %q", f.label)
		}
		rel := target - (f.at + 1)
		if rel < -128 || rel > 127 {
			return nil, fmt.Errorf("jump to %q out of rel8 range (%d)", f.label, rel)
		}
		out[f.at] = byte(int8(rel))
	}
	return out, nil
}

// MustBytes is Bytes for statically known code.
func (a *Assembler) MustBytes() []byte {
	b, err := a.Bytes()
	if err != nil {
		panic(err)
	}
	return b
}

func (a *Assembler) regReg(opcode byte, dst, src x86asm.Reg) *Assembler {
	d, s := index(dst), index(src)
	rex := byte(0x48)
	if s >= 8 {
		rex |= 0x04
	}
	if d >= 8 {
		rex |= 0x01
	}
	return a.Raw(rex, opcode, 0xc0|byte(s&7)<<3|byte(d&7))
}

func (a *Assembler) jump(opcode byte, label string) *Assembler {
	a.Raw(opcode, 0)
	a.fixups = append(a.fixups, fixup{at: len(a.buf) - 1, label: label})
	return a
}

func index(r x86asm.Reg) int {
	if r < x86asm.RAX || r > x86asm.R15 {
		panic(fmt.Sprintf("asm: %v is not a 64-bit general purpose register", r))
	}
	return int(r - x86asm.RAX)
}
