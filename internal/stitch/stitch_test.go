package stitch

import (
	"bytes"
	"encoding/binary"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/zjy-dev/ropsynth/internal/synth"
)

type table map[uint64][]byte

func (t table) Lookup(addr uint64) ([]byte, bool) {
	b, ok := t[addr]
	return b, ok
}

func word(v uint64) []byte {
	return binary.LittleEndian.AppendUint64(nil, v)
}

// rawChain lays out gadgets with the given stack changes at 0x1000,
// 0x2000, ... and fills popped values with 0xAA.., 0xAB.., ...
func rawChain(changes ...int) *synth.RawChain {
	c := &synth.RawChain{}
	for i, sc := range changes {
		g := &synth.Gadget{Addr: uint64(0x1000 * (i + 1)), StackChange: sc}
		c.Gadgets = append(c.Gadgets, g)
		c.Payload = append(c.Payload, word(g.Addr)...)
		for j := 0; j < sc/8-1; j++ {
			c.Payload = append(c.Payload, bytes.Repeat([]byte{byte(0xa0 + i)}, 8)...)
		}
	}
	return c
}

func TestStitch_Layout(t *testing.T) {
	chain := rawChain(16, 24, 8)
	sols := table{
		0x1000: bytes.Repeat([]byte{0x11}, 8),
		0x2000: bytes.Repeat([]byte{0x22}, 16),
		0x3000: bytes.Repeat([]byte{0x33}, 8),
	}

	out, err := Stitch(chain, sols)
	require.NoError(t, err)
	assert.Len(t, out, 48+32)

	var want []byte
	want = append(want, word(0x1000)...)
	want = append(want, bytes.Repeat([]byte{0xa0}, 8)...)
	want = append(want, sols[0x1000]...)
	want = append(want, word(0x2000)...)
	want = append(want, bytes.Repeat([]byte{0xa1}, 16)...)
	want = append(want, sols[0x2000]...)
	want = append(want, word(0x3000)...)
	want = append(want, sols[0x3000]...)
	assert.Equal(t, want, out)
}

func TestStitch_LengthInvariant(t *testing.T) {
	for _, changes := range [][]int{{8}, {16}, {8, 8}, {24, 8, 16, 8}, {40, 16}} {
		chain := rawChain(changes...)
		sols := table{}
		guard := 0
		for i, g := range chain.Gadgets {
			sols[g.Addr] = bytes.Repeat([]byte{0xee}, 8*(i%3))
			guard += 8 * (i % 3)
		}

		out, err := Stitch(chain, sols)
		require.NoError(t, err)
		assert.Equal(t, chain.StackChange()+guard, len(out), "changes %v", changes)

		n, err := GuardLength(chain, sols)
		require.NoError(t, err)
		assert.Equal(t, guard, n)

		raw, err := Unstitch(out, chain, sols)
		require.NoError(t, err)
		assert.Equal(t, chain.Payload, raw)
	}
}

func TestStitch_Errors(t *testing.T) {
	t.Run("missing solution", func(t *testing.T) {
		chain := rawChain(16, 8)
		_, err := Stitch(chain, table{0x1000: word(1)})
		assert.ErrorIs(t, err, ErrUnrecognizedGadget)

		_, err = GuardLength(chain, table{})
		assert.ErrorIs(t, err, ErrUnrecognizedGadget)
	})

	t.Run("payload too long", func(t *testing.T) {
		chain := rawChain(16, 8)
		chain.Payload = append(chain.Payload, word(0)...)
		_, err := Stitch(chain, table{0x1000: nil, 0x2000: nil})
		assert.ErrorIs(t, err, ErrPayloadLengthMismatch)
	})

	t.Run("payload too short", func(t *testing.T) {
		chain := rawChain(24, 8)
		chain.Payload = chain.Payload[:len(chain.Payload)-8]
		_, err := Stitch(chain, table{0x1000: nil, 0x2000: nil})
		assert.ErrorIs(t, err, ErrPayloadLengthMismatch)
	})

	t.Run("empty chain", func(t *testing.T) {
		_, err := Stitch(&synth.RawChain{}, table{})
		assert.ErrorIs(t, err, ErrPayloadLengthMismatch)
	})

	t.Run("stack change below eight", func(t *testing.T) {
		chain := &synth.RawChain{
			Gadgets: []*synth.Gadget{{Addr: 0x1000, StackChange: 0}},
			Payload: word(0x1000),
		}
		sols := table{0x1000: nil}
		_, err := Stitch(chain, sols)
		assert.ErrorIs(t, err, ErrPayloadLengthMismatch)

		_, err = Unstitch(word(0x1000), chain, sols)
		assert.ErrorIs(t, err, ErrPayloadLengthMismatch)
	})
}

func TestStitch_TwoGuardedGadgets(t *testing.T) {
	chain := rawChain(16, 24, 8)
	require.Len(t, chain.Payload, 48)

	guards := append(word(0x1122334455667788), word(0xAABBCCDDEEFF0011)...)
	sols := table{0x1000: guards, 0x2000: guards, 0x3000: {}}

	out, err := Stitch(chain, sols)
	require.NoError(t, err)
	assert.Len(t, out, len(chain.Payload)+32)

	var want []byte
	want = append(want, word(0x1000)...)
	want = append(want, bytes.Repeat([]byte{0xa0}, 8)...)
	want = append(want, guards...)
	want = append(want, word(0x2000)...)
	want = append(want, bytes.Repeat([]byte{0xa1}, 16)...)
	want = append(want, guards...)
	want = append(want, word(0x3000)...)
	assert.Equal(t, want, out)

	n, err := GuardLength(chain, sols)
	require.NoError(t, err)
	assert.Equal(t, 32, n)

	back, err := Unstitch(out, chain, sols)
	require.NoError(t, err)
	assert.Equal(t, chain.Payload, back)
}

func TestUnstitch_RejectsForeignGuardBytes(t *testing.T) {
	chain := rawChain(16)
	sols := table{0x1000: word(0x1122334455667788)}
	out, err := Stitch(chain, sols)
	require.NoError(t, err)

	out[len(out)-1] ^= 0xff
	_, err = Unstitch(out, chain, sols)
	assert.Error(t, err)

	_, err = Unstitch(out[:12], chain, sols)
	assert.ErrorIs(t, err, ErrPayloadLengthMismatch)
}
