// Package challenge is a local stand-in for the remote service: it
// generates guarded gadget blobs, emulates submitted chains and speaks
// the same protocol.
package challenge

import (
	"fmt"
	"math/rand"
	"strings"

	"golang.org/x/arch/x86/x86asm"

	"github.com/zjy-dev/ropsynth/internal/asm"
)

// GuardOp is the transform a guard applies to its stack word before
// comparing it with the key.
type GuardOp int

const (
	GuardPlain GuardOp = iota
	GuardXor
	GuardAdd
	GuardSub
)

func (o GuardOp) String() string {
	switch o {
	case GuardXor:
		return "xor"
	case GuardAdd:
		return "add"
	case GuardSub:
		return "sub"
	}
	return "plain"
}

// GuardSpec is one generated check: op(word, Mask) == Key.
type GuardSpec struct {
	Op   GuardOp
	Mask uint64
	Key  uint64
}

// Word returns the stack word that passes the check.
func (g GuardSpec) Word() uint64 {
	switch g.Op {
	case GuardXor:
		return g.Key ^ g.Mask
	case GuardAdd:
		return g.Key - g.Mask
	case GuardSub:
		return g.Key + g.Mask
	}
	return g.Key
}

// GadgetSpec describes one generated gadget function.
type GadgetSpec struct {
	Name   string
	Offset int // from the start of the blob
	Guards []GuardSpec
}

// Blob is a generated gadget page and what it contains.
type Blob struct {
	Code    []byte
	Gadgets []GadgetSpec
}

type body func(a *asm.Assembler)

type gadgetKind struct {
	name string
	emit body
}

func popKind(r x86asm.Reg) gadgetKind {
	return gadgetKind{
		name: "pop " + regName(r),
		emit: func(a *asm.Assembler) { a.Pop(r) },
	}
}

// required are the gadgets an open/read/write chain needs.
var required = []gadgetKind{
	popKind(x86asm.RAX),
	popKind(x86asm.RDI),
	popKind(x86asm.RSI),
	popKind(x86asm.RDX),
	{name: "syscall", emit: func(a *asm.Assembler) { a.Syscall() }},
	{name: "mov rdx, rax", emit: func(a *asm.Assembler) { a.Mov(x86asm.RDX, x86asm.RAX) }},
}

var decoys = []gadgetKind{
	popKind(x86asm.RBX),
	popKind(x86asm.RCX),
	popKind(x86asm.RBP),
	popKind(x86asm.R8),
	popKind(x86asm.R9),
	popKind(x86asm.R12),
	{name: "mov rax, rdi", emit: func(a *asm.Assembler) { a.Mov(x86asm.RAX, x86asm.RDI) }},
	{name: "mov rsi, rdx", emit: func(a *asm.Assembler) { a.Mov(x86asm.RSI, x86asm.RDX) }},
	{name: "pop rdi; pop rsi", emit: func(a *asm.Assembler) { a.Pop(x86asm.RDI).Pop(x86asm.RSI) }},
	{name: "nop; pop rbx", emit: func(a *asm.Assembler) { a.Nop().Pop(x86asm.RBX) }},
}

// Generator produces random gadget blobs. It is not safe for concurrent
// use.
type Generator struct {
	rng    *rand.Rand
	decoys int
}

// NewGenerator returns a generator seeded with seed that adds up to
// decoys unrelated gadgets to every blob.
func NewGenerator(seed int64, decoys int) *Generator {
	return &Generator{rng: rand.New(rand.NewSource(seed)), decoys: decoys}
}

// Generate returns a shuffled blob holding every required gadget plus
// decoys, each followed by one to three guards, a ret and hlt padding.
func (g *Generator) Generate() (*Blob, error) {
	kinds := append([]gadgetKind(nil), required...)
	n := g.decoys
	if n > len(decoys) {
		n = len(decoys)
	}
	for _, i := range g.rng.Perm(len(decoys))[:n] {
		kinds = append(kinds, decoys[i])
	}
	g.rng.Shuffle(len(kinds), func(i, j int) { kinds[i], kinds[j] = kinds[j], kinds[i] })

	blob := &Blob{}
	for i, k := range kinds {
		code, info, err := g.gadget(k, i)
		if err != nil {
			return nil, err
		}
		info.Offset = len(blob.Code)
		blob.Code = append(blob.Code, code...)
		blob.Gadgets = append(blob.Gadgets, info)
	}
	return blob, nil
}

func (g *Generator) gadget(k gadgetKind, idx int) ([]byte, GadgetSpec, error) {
	info := GadgetSpec{Name: k.name}
	fail := fmt.Sprintf("fail%d", idx)

	a := asm.New()
	k.emit(a)
	guards := 1 + g.rng.Intn(3)
	for i := 0; i < guards; i++ {
		gs := GuardSpec{Op: GuardOp(g.rng.Intn(4)), Key: g.imm()}
		a.Pop(x86asm.R11)
		if gs.Op != GuardPlain {
			gs.Mask = g.imm()
			a.MovImm(x86asm.R10, gs.Mask)
			switch gs.Op {
			case GuardXor:
				a.Xor(x86asm.R11, x86asm.R10)
			case GuardAdd:
				a.Add(x86asm.R11, x86asm.R10)
			case GuardSub:
				a.Sub(x86asm.R11, x86asm.R10)
			}
		}
		a.MovImm(x86asm.R10, gs.Key).
			Cmp(x86asm.R11, x86asm.R10).
			Jne(fail)
		info.Guards = append(info.Guards, gs)
	}
	a.Ret().Label(fail).Hlt()
	padding := 1 + g.rng.Intn(8)
	for i := 0; i < padding; i++ {
		a.Hlt()
	}

	code, err := a.Bytes()
	if err != nil {
		return nil, info, fmt.Errorf("assembling %s: %w", k.name, err)
	}
	return code, info, nil
}

// imm returns a random 64-bit immediate free of ret, int3 and hlt bytes
// so that padding detection and gadget scanning never see them.
func (g *Generator) imm() uint64 {
	var v uint64
	for i := 0; i < 8; i++ {
		b := byte(g.rng.Intn(256))
		for b == 0xc3 || b == 0xcc || b == 0xf4 {
			b = byte(g.rng.Intn(256))
		}
		v |= uint64(b) << (8 * i)
	}
	return v
}

func regName(r x86asm.Reg) string {
	return strings.ToLower(r.String())
}
