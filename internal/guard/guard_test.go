package guard

import (
	"context"
	"encoding/binary"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"golang.org/x/arch/x86/x86asm"

	"github.com/zjy-dev/ropsynth/internal/asm"
	"github.com/zjy-dev/ropsynth/internal/cfg"
	"github.com/zjy-dev/ropsynth/internal/disasm"
	"github.com/zjy-dev/ropsynth/internal/image"
	"github.com/zjy-dev/ropsynth/internal/stitch"
	"github.com/zjy-dev/ropsynth/internal/symex"
	"github.com/zjy-dev/ropsynth/internal/synth"
)

const (
	firstGuard  = 0x1122334455667788
	secondGuard = 0xAABBCCDDEEFF0011
)

type fixture struct {
	img       *image.Image
	engine    *symex.Engine
	recoverer *Recoverer
	functions []*cfg.Function
}

func newFixture(t *testing.T, blob []byte) *fixture {
	t.Helper()
	b, err := image.NewBuilder("", 0x400000, image.DefaultPageSize)
	require.NoError(t, err)
	img, err := b.Build(blob)
	require.NoError(t, err)

	engine, err := symex.NewEngine(img, symex.NewInvertSolver())
	require.NoError(t, err)

	dec, err := disasm.NewDecoder(disasm.SkipSyntax)
	require.NoError(t, err)
	functions, err := cfg.Recover(img, dec)
	require.NoError(t, err)

	return &fixture{
		img:    img,
		engine: engine,
		recoverer: NewRecoverer(engine, symex.Options{
			StackWords: 20,
			StepBound:  200,
			MaxActive:  256,
		}),
		functions: functions,
	}
}

func pad(a *asm.Assembler) {
	for i := 0; i < 8; i++ {
		a.Hlt()
	}
}

// twoGadgets builds "pop rdi; ret" guarded by one word and "pop rsi; ret"
// guarded by two words, the second transformed by xor.
func twoGadgets() []byte {
	a := asm.New()
	a.Pop(x86asm.RDI).
		Pop(x86asm.R11).
		MovImm(x86asm.R10, firstGuard).
		Cmp(x86asm.R11, x86asm.R10).
		Jne("fail1").
		Ret().
		Label("fail1").Hlt()
	pad(a)

	a.Pop(x86asm.RSI).
		Pop(x86asm.R11).
		MovImm(x86asm.R10, secondGuard).
		Cmp(x86asm.R11, x86asm.R10).
		Jne("fail2").
		Pop(x86asm.R11).
		MovImm(x86asm.R10, 0x0101010101010101).
		Xor(x86asm.R11, x86asm.R10).
		MovImm(x86asm.R10, firstGuard).
		Cmp(x86asm.R11, x86asm.R10).
		Jne("fail2").
		Ret().
		Label("fail2").Hlt()
	pad(a)
	return a.MustBytes()
}

func le(vals ...uint64) []byte {
	var out []byte
	for _, v := range vals {
		out = binary.LittleEndian.AppendUint64(out, v)
	}
	return out
}

func TestRecover_EndToEnd(t *testing.T) {
	f := newFixture(t, twoGadgets())
	require.Len(t, f.functions, 2)

	t.Run("single guard word", func(t *testing.T) {
		fn := f.functions[0]
		g, err := f.recoverer.Recover(context.Background(), fn)
		require.NoError(t, err)

		assert.Equal(t, fn.Entry, g.Entry)
		assert.Equal(t, fn.Entry+1, g.Boundary)
		require.Len(t, g.Vars, 1)
		assert.Equal(t, 1, g.Vars[0].ID)
		assert.Equal(t, le(firstGuard), g.Solution)
		assert.False(t, g.Unconditional())
	})

	t.Run("two guard words", func(t *testing.T) {
		fn := f.functions[1]
		g, err := f.recoverer.Recover(context.Background(), fn)
		require.NoError(t, err)

		assert.Equal(t, fn.Entry+1, g.Boundary)
		require.Len(t, g.Vars, 2)
		assert.Equal(t, 1, g.Vars[0].ID)
		assert.Equal(t, 2, g.Vars[1].ID)
		assert.Equal(t, le(secondGuard, firstGuard^0x0101010101010101), g.Solution)
	})

	t.Run("boundary stays inside the function", func(t *testing.T) {
		for _, fn := range f.functions {
			g, err := f.recoverer.Recover(context.Background(), fn)
			require.NoError(t, err)
			assert.GreaterOrEqual(t, g.Boundary, fn.Entry)
			assert.Less(t, g.Boundary, fn.Limit)
		}
	})

	t.Run("recovery does not patch the image", func(t *testing.T) {
		before := append([]byte(nil), f.img.Code()...)
		_, err := f.recoverer.Recover(context.Background(), f.functions[0])
		require.NoError(t, err)
		assert.Equal(t, before, f.img.Code())
	})
}

func TestRecover_Malformed(t *testing.T) {
	a := asm.New().Pop(x86asm.RDI).Ret()
	pad(a)
	f := newFixture(t, a.MustBytes())
	require.Len(t, f.functions, 1)

	_, err := f.recoverer.Recover(context.Background(), f.functions[0])
	assert.ErrorIs(t, err, ErrMalformedGadget)
}

func TestRecover_Inconsistent(t *testing.T) {
	// The guard tests a register, not a stack word.
	a := asm.New().
		MovImm(x86asm.R10, firstGuard).
		Cmp(x86asm.RAX, x86asm.R10).
		Jne("fail").
		Ret().
		Label("fail").Hlt()
	pad(a)
	f := newFixture(t, a.MustBytes())

	_, err := f.recoverer.Recover(context.Background(), f.functions[0])
	assert.ErrorIs(t, err, ErrRecoveryInconsistency)
}

func TestRecover_NoUnconstrainedPath(t *testing.T) {
	a := asm.New().
		Pop(x86asm.R11).
		MovImm(x86asm.R10, firstGuard).
		Cmp(x86asm.R11, x86asm.R10).
		Jne("fail").
		Hlt().
		Label("fail").Hlt()
	pad(a)
	f := newFixture(t, a.MustBytes())

	_, err := f.recoverer.Recover(context.Background(), f.functions[0])
	assert.ErrorIs(t, err, ErrNoUnconstrainedPath)
}

func TestRecover_MultiVariableConstraint(t *testing.T) {
	a := asm.New().
		Pop(x86asm.R11).
		Pop(x86asm.R10).
		Cmp(x86asm.R11, x86asm.R10).
		Jne("fail").
		Ret().
		Label("fail").Hlt()
	pad(a)
	f := newFixture(t, a.MustBytes())

	_, err := f.recoverer.Recover(context.Background(), f.functions[0])
	assert.ErrorIs(t, err, symex.ErrUnsupportedConstraint)
}

func TestRecover_BranchesWithoutGuard(t *testing.T) {
	// The only branch compares two constants.
	a := asm.New().
		Pop(x86asm.RDI).
		MovImm(x86asm.R10, 1).
		Cmp(x86asm.R10, x86asm.R10).
		Jne("fail").
		Ret().
		Label("fail").Hlt()
	pad(a)
	f := newFixture(t, a.MustBytes())
	require.Len(t, f.functions, 1)
	fn := f.functions[0]
	require.Greater(t, len(fn.Blocks), 1)

	g, err := f.recoverer.Recover(context.Background(), fn)
	require.NoError(t, err)
	assert.True(t, g.Unconditional())
	assert.Equal(t, fn.Entry, g.Boundary)
	assert.Empty(t, g.Solution)

	sols := NewSolutions()
	sols.Record(g)
	got, ok := sols.Lookup(fn.Entry)
	require.True(t, ok)
	assert.Empty(t, got)
}

// guardedPair emits the gadget body followed by a check of two stack words
// against firstGuard and secondGuard.
func guardedPair(a *asm.Assembler, fail string) {
	a.Pop(x86asm.R11).
		MovImm(x86asm.R10, firstGuard).
		Cmp(x86asm.R11, x86asm.R10).
		Jne(fail).
		Pop(x86asm.R11).
		MovImm(x86asm.R10, secondGuard).
		Cmp(x86asm.R11, x86asm.R10).
		Jne(fail).
		Ret().
		Label(fail).Hlt()
	pad(a)
}

func TestRecover_StitchesRecoveredGuards(t *testing.T) {
	a := asm.New()
	a.Pop(x86asm.RDI)
	guardedPair(a, "fail1")
	a.Pop(x86asm.RSI).Pop(x86asm.RDX)
	guardedPair(a, "fail2")
	a.MovImm(x86asm.R10, 1).
		Cmp(x86asm.R10, x86asm.R10).
		Jne("fail3").
		Ret().
		Label("fail3").Hlt()
	pad(a)

	f := newFixture(t, a.MustBytes())
	require.Len(t, f.functions, 3)

	sols := NewSolutions()
	want := le(firstGuard, secondGuard)
	for i, fn := range f.functions {
		g, err := f.recoverer.Recover(context.Background(), fn)
		require.NoError(t, err)
		if i < 2 {
			assert.Equal(t, want, g.Solution, "function %d", i)
		} else {
			assert.True(t, g.Unconditional())
		}
		sols.Record(g)
	}

	chain := &synth.RawChain{}
	for i, sc := range []int{16, 24, 8} {
		gad := &synth.Gadget{Addr: f.functions[i].Entry, StackChange: sc}
		chain.Gadgets = append(chain.Gadgets, gad)
		chain.Payload = append(chain.Payload, le(gad.Addr)...)
		for j := 0; j < sc/8-1; j++ {
			chain.Payload = append(chain.Payload, le(uint64(0x4141414141414141+j))...)
		}
	}

	out, err := stitch.Stitch(chain, sols)
	require.NoError(t, err)
	assert.Len(t, out, len(chain.Payload)+32)
	assert.Equal(t, want, out[16:32])
	assert.Equal(t, want, out[56:72])

	back, err := stitch.Unstitch(out, chain, sols)
	require.NoError(t, err)
	assert.Equal(t, chain.Payload, back)
}

func TestSolutions(t *testing.T) {
	sols := NewSolutions()
	sol := le(firstGuard)
	sols.Record(&Guard{
		Entry:    0x401000,
		Boundary: 0x401003,
		Vars:     []*symex.Var{{ID: 1, Name: "w1"}},
		Solution: sol,
	})

	for addr := uint64(0x401000); addr < 0x401003; addr++ {
		got, ok := sols.Lookup(addr)
		require.True(t, ok, "addr %#x", addr)
		assert.Equal(t, sol, got)
	}
	assert.False(t, sols.Has(0x401003))
	assert.False(t, sols.Has(0x400fff))
	assert.Equal(t, 3, sols.Len())

	sols.Record(&Guard{Entry: 0x402000, Boundary: 0x402000})
	got, ok := sols.Lookup(0x402000)
	require.True(t, ok)
	assert.Empty(t, got)

	assert.Zero(t, NewSolutions().Len(), "tables are independent")
}

type countingCache struct {
	clears int
}

func (c *countingCache) ClearCache() { c.clears++ }

func TestNeutralize(t *testing.T) {
	f := newFixture(t, twoGadgets())
	g, err := f.recoverer.Recover(context.Background(), f.functions[0])
	require.NoError(t, err)

	cache := &countingCache{}
	n := NewNeutralizer(f.img, cache)
	require.NoError(t, n.Neutralize(g.Boundary))
	once := append([]byte(nil), f.img.Code()...)
	require.NoError(t, n.Neutralize(g.Boundary))

	assert.Equal(t, once, f.img.Code())
	b, err := f.img.ReadAt(g.Boundary, 1)
	require.NoError(t, err)
	assert.Equal(t, []byte{0xc3}, b)
	assert.Equal(t, 2, cache.clears)

	assert.Error(t, n.Neutralize(0x10))
}

func TestNeutralize_ExposesGadget(t *testing.T) {
	f := newFixture(t, twoGadgets())
	fn := f.functions[0]
	g, err := f.recoverer.Recover(context.Background(), fn)
	require.NoError(t, err)

	require.NoError(t, NewNeutralizer(f.img, f.engine).Neutralize(g.Boundary))

	ex, err := f.engine.Explore(context.Background(), fn.Entry, symex.Options{StackWords: 4, StepBound: 10})
	require.NoError(t, err)
	require.Len(t, ex.Unconstrained, 1)
	assert.Empty(t, ex.Unconstrained[0].Guards())
	assert.Equal(t, "w1", ex.Unconstrained[0].Next.String())
}
