package synth

import (
	"encoding/binary"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"golang.org/x/arch/x86/x86asm"

	"github.com/zjy-dev/ropsynth/internal/asm"
	"github.com/zjy-dev/ropsynth/internal/disasm"
)

const base = 0x401000

type rawMemory []byte

func (m rawMemory) Base() uint64 { return base }
func (m rawMemory) Code() []byte { return m }

// gadgets lays out named gadgets separated by int3 bytes.
func gadgets(t *testing.T, parts ...func(*asm.Assembler)) *asm.Assembler {
	t.Helper()
	a := asm.New()
	for _, p := range parts {
		p(a)
		a.Int3().Int3()
	}
	return a
}

func scan(t *testing.T, code []byte) *Catalog {
	t.Helper()
	dec, err := disasm.NewDecoder(disasm.SkipSyntax)
	require.NoError(t, err)
	c, err := Scan(rawMemory(code), dec)
	require.NoError(t, err)
	return c
}

func standardCatalog(t *testing.T) (*Catalog, map[string]uint64) {
	t.Helper()
	offsets := make(map[string]uint64)
	mark := func(name string) func(*asm.Assembler) {
		return func(a *asm.Assembler) { offsets[name] = base + uint64(a.Len()) }
	}
	code := gadgets(t,
		func(a *asm.Assembler) { mark("rax")(a); a.Pop(x86asm.RAX).Ret() },
		func(a *asm.Assembler) { mark("rdi_rsi")(a); a.Pop(x86asm.RDI).Pop(x86asm.RSI).Ret() },
		func(a *asm.Assembler) { mark("rdx_rcx")(a); a.Pop(x86asm.RDX).Pop(x86asm.RCX).Ret() },
		func(a *asm.Assembler) { mark("syscall")(a); a.Syscall().Ret() },
		func(a *asm.Assembler) { mark("move")(a); a.Mov(x86asm.RDX, x86asm.RAX).Ret() },
		func(a *asm.Assembler) { mark("decoy")(a); a.Mov(x86asm.RDX, x86asm.RAX).Pop(x86asm.RBX).Ret() },
	).MustBytes()
	return scan(t, code), offsets
}

func TestScan(t *testing.T) {
	c, off := standardCatalog(t)

	g, ok := c.Lookup(off["rdi_rsi"])
	require.True(t, ok)
	assert.Equal(t, []x86asm.Reg{x86asm.RDI, x86asm.RSI}, g.Pops)
	assert.Equal(t, 24, g.StackChange)
	assert.Equal(t, "pop rdi; pop rsi; ret", g.String())

	suffix, ok := c.Lookup(off["rdi_rsi"] + 1)
	require.True(t, ok, "suffixes are gadgets too")
	assert.Equal(t, []x86asm.Reg{x86asm.RSI}, suffix.Pops)

	sys, ok := c.Lookup(off["syscall"])
	require.True(t, ok)
	assert.True(t, sys.Syscall)
	assert.Equal(t, 8, sys.StackChange)

	mv, ok := c.Lookup(off["move"])
	require.True(t, ok)
	assert.Equal(t, []Move{{Dst: x86asm.RDX, Src: x86asm.RAX}}, mv.Moves)

	_, ok = c.Lookup(off["rax"] - 1)
	assert.False(t, ok)

	all := c.Gadgets()
	assert.Equal(t, c.Len(), len(all))
	for i := 1; i < len(all); i++ {
		assert.Less(t, all[i-1].Addr, all[i].Addr)
	}
}

func TestScan_RejectsOtherInstructions(t *testing.T) {
	code := asm.New().
		Pop(x86asm.R11).
		Cmp(x86asm.R11, x86asm.R10).
		Ret().
		Raw(0xc2, 0x08, 0x00). // ret 8
		MustBytes()
	c := scan(t, code)

	_, ok := c.Lookup(base)
	assert.False(t, ok)
	_, ok = c.Lookup(base + 2)
	assert.False(t, ok)
	_, ok = c.Lookup(base + uint64(len(code)) - 3)
	assert.False(t, ok)
}

func TestDoSyscall(t *testing.T) {
	c, off := standardCatalog(t)
	scratch := Range{Start: 0xa00100, End: 0xa00f00}

	chain, err := c.DoSyscall(2, []uint64{0xa00000, 0, 0}, scratch)
	require.NoError(t, err)

	var addrs []uint64
	for _, g := range chain.Gadgets {
		addrs = append(addrs, g.Addr)
	}
	assert.Equal(t, []uint64{off["rdi_rsi"], off["rax"], off["rdx_rcx"], off["syscall"]}, addrs)

	assert.Equal(t, chain.StackChange(), len(chain.Payload))
	assert.Equal(t, scratch, chain.Scratch)

	words := make([]uint64, len(chain.Payload)/8)
	for i := range words {
		words[i] = binary.LittleEndian.Uint64(chain.Payload[8*i:])
	}
	assert.Equal(t, []uint64{
		off["rdi_rsi"], 0xa00000, 0,
		off["rax"], 2,
		off["rdx_rcx"], 0, scratch.Start,
		off["syscall"],
	}, words)
}

func TestDoSyscall_NeverRepopsSetRegister(t *testing.T) {
	offsets := make(map[string]uint64)
	mark := func(name string, a *asm.Assembler) { offsets[name] = base + uint64(a.Len()) }
	code := gadgets(t,
		func(a *asm.Assembler) { mark("rax", a); a.Pop(x86asm.RAX).Ret() },
		func(a *asm.Assembler) { mark("rdi_rsi", a); a.Pop(x86asm.RDI).Pop(x86asm.RSI).Ret() },
		func(a *asm.Assembler) { mark("rsi_rdx", a); a.Pop(x86asm.RSI).Pop(x86asm.RDX).Ret() },
		func(a *asm.Assembler) { mark("syscall", a); a.Syscall().Ret() },
	).MustBytes()
	c := scan(t, code)

	chain, err := c.DoSyscall(1, []uint64{1, 0xa00000, 64}, Range{Start: 0xa00100, End: 0xa00f00})
	require.NoError(t, err)

	popped := make(map[x86asm.Reg]int)
	for _, g := range chain.Gadgets {
		for _, r := range g.Pops {
			popped[r]++
		}
	}
	for r, n := range popped {
		assert.Equal(t, 1, n, "%v popped more than once", r)
	}
	last := chain.Gadgets[len(chain.Gadgets)-1]
	assert.Equal(t, offsets["syscall"], last.Addr)
	// pop rdx; ret is the suffix of the rsi/rdx gadget.
	assert.Contains(t, chainAddrs(chain), offsets["rsi_rdx"]+1)
}

func chainAddrs(c *RawChain) []uint64 {
	var out []uint64
	for _, g := range c.Gadgets {
		out = append(out, g.Addr)
	}
	return out
}

func TestDoSyscall_Errors(t *testing.T) {
	c := scan(t, asm.New().Pop(x86asm.RAX).Ret().MustBytes())

	_, err := c.DoSyscall(0, []uint64{1}, Range{Start: 1, End: 2})
	assert.ErrorIs(t, err, ErrNoGadget)

	_, err = c.DoSyscall(0, nil, Range{Start: 1, End: 2})
	assert.ErrorIs(t, err, ErrNoGadget, "no syscall gadget")

	_, err = c.DoSyscall(0, nil, Range{Start: 2, End: 1})
	assert.Error(t, err)

	_, err = c.DoSyscall(0, make([]uint64, 7), Range{Start: 1, End: 2})
	assert.Error(t, err)
}

func TestFindRegMove(t *testing.T) {
	c, off := standardCatalog(t)

	g, ok := c.FindRegMove(x86asm.RAX, x86asm.RDX)
	require.True(t, ok)
	assert.Equal(t, off["move"], g.Addr)

	_, ok = c.FindRegMove(x86asm.RDX, x86asm.RAX)
	assert.False(t, ok)

	chain := MoveChain(g)
	assert.Equal(t, g.StackChange, len(chain.Payload))
	assert.Equal(t, off["move"], binary.LittleEndian.Uint64(chain.Payload))
}
