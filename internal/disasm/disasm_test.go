package disasm

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"golang.org/x/arch/x86/x86asm"
)

func TestDecoder_DecodeAt(t *testing.T) {
	dec, err := NewDecoder(IntelSyntax)
	require.NoError(t, err)

	inst, err := dec.DecodeAt([]byte{0x48, 0x89, 0xc2, 0xc3}, 0x401000)
	require.NoError(t, err)
	assert.Equal(t, 3, inst.Len)
	assert.Equal(t, uint64(0x401003), inst.End())
	assert.Equal(t, x86asm.MOV, inst.Op.Op)
	assert.Equal(t, x86asm.RDX, inst.Op.Args[0])
	assert.Equal(t, x86asm.RAX, inst.Op.Args[1])
	assert.Equal(t, "0x4889c2", inst.Hex)
	assert.Contains(t, inst.Dis, "mov")

	_, err = dec.DecodeAt(nil, 0x401000)
	assert.Error(t, err)
}

func TestNewDecoder_UnknownSyntax(t *testing.T) {
	_, err := NewDecoder("pdp11")
	assert.Error(t, err)
}

func TestDecoder_DecodeAll(t *testing.T) {
	dec, err := NewDecoder(SkipSyntax)
	require.NoError(t, err)

	var addrs []uint64
	err = dec.DecodeAll([]byte{0x5f, 0x0f, 0x05, 0xc3}, 0x1000, func(i Inst) {
		addrs = append(addrs, i.Addr)
		assert.Empty(t, i.Dis)
	})
	require.NoError(t, err)
	assert.Equal(t, []uint64{0x1000, 0x1001, 0x1003}, addrs)
}

func TestClassification(t *testing.T) {
	dec, err := NewDecoder(SkipSyntax)
	require.NoError(t, err)
	decode := func(b ...byte) Inst {
		inst, err := dec.DecodeAt(b, 0x1000)
		require.NoError(t, err)
		return inst
	}

	assert.True(t, IsTrap(decode(0xcc)))
	assert.True(t, IsTrap(decode(0xf4)))
	assert.False(t, IsTrap(decode(0x90)))

	assert.True(t, IsReturn(decode(0xc3)))
	assert.True(t, IsTerminator(decode(0xc3)))
	assert.False(t, IsTerminator(decode(0x5f)))

	jne := decode(0x75, 0xfd)
	assert.True(t, IsConditionalJump(jne))
	assert.True(t, IsTerminator(jne))
	target, ok := BranchTarget(jne)
	require.True(t, ok)
	assert.Equal(t, uint64(0xfff), target)

	_, ok = BranchTarget(decode(0xc3))
	assert.False(t, ok)
}

func TestCanonical(t *testing.T) {
	r, bits, ok := Canonical(x86asm.EAX)
	require.True(t, ok)
	assert.Equal(t, x86asm.RAX, r)
	assert.Equal(t, 32, bits)

	r, bits, ok = Canonical(x86asm.R10)
	require.True(t, ok)
	assert.Equal(t, x86asm.R10, r)
	assert.Equal(t, 64, bits)

	r, _, ok = Canonical(x86asm.R9L)
	require.True(t, ok)
	assert.Equal(t, x86asm.R9, r)

	_, _, ok = Canonical(x86asm.AL)
	assert.False(t, ok)
}
