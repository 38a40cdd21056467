// Package stitch interleaves guard solutions into a raw ROP chain so that
// each gadget's guard words sit right after the stack words the gadget
// itself consumes.
package stitch

import (
	"bytes"
	"errors"
	"fmt"

	"github.com/zjy-dev/ropsynth/internal/synth"
)

var (
	// ErrUnrecognizedGadget is returned for a chain gadget with no
	// recorded guard solution.
	ErrUnrecognizedGadget = errors.New("unrecognized gadget")
	// ErrPayloadLengthMismatch is returned when the raw payload does not
	// match the gadgets' stack changes.
	ErrPayloadLengthMismatch = errors.New("payload length mismatch")
)

// Lookup resolves a gadget address to its guard bytes.
type Lookup interface {
	Lookup(addr uint64) ([]byte, bool)
}

// Stitch returns the chain payload with every gadget's guard solution
// inserted after its stack-consumed region. The final gadget's
// continuation is left to whatever follows the chain.
func Stitch(chain *synth.RawChain, sols Lookup) ([]byte, error) {
	raw := chain.Payload
	if len(chain.Gadgets) == 0 {
		return nil, fmt.Errorf("%w: chain has no gadgets", ErrPayloadLengthMismatch)
	}
	if len(raw) < 8 {
		return nil, fmt.Errorf("%w: payload is %d bytes", ErrPayloadLengthMismatch, len(raw))
	}

	out := make([]byte, 0, len(raw)+8*len(chain.Gadgets))
	out = append(out, raw[:8]...)
	cur := 8

	for i, g := range chain.Gadgets {
		sol, ok := sols.Lookup(g.Addr)
		if !ok {
			return nil, fmt.Errorf("%w: %#x (%s)", ErrUnrecognizedGadget, g.Addr, g)
		}

		n := g.StackChange - 8
		if n < 0 {
			return nil, fmt.Errorf("%w: gadget %#x stack change %d is below 8", ErrPayloadLengthMismatch, g.Addr, g.StackChange)
		}
		if cur+n > len(raw) {
			return nil, fmt.Errorf("%w: gadget %#x needs %d bytes at offset %d of %d",
				ErrPayloadLengthMismatch, g.Addr, n, cur, len(raw))
		}
		out = append(out, raw[cur:cur+n]...)
		cur += n
		out = append(out, sol...)

		if i+1 < len(chain.Gadgets) {
			if cur+8 > len(raw) {
				return nil, fmt.Errorf("%w: missing address of gadget %d", ErrPayloadLengthMismatch, i+1)
			}
			out = append(out, raw[cur:cur+8]...)
			cur += 8
		}
	}

	if cur != len(raw) {
		return nil, fmt.Errorf("%w: consumed %d of %d bytes", ErrPayloadLengthMismatch, cur, len(raw))
	}
	return out, nil
}

// Unstitch removes the guard solutions from a stitched payload and
// returns the raw chain payload.
func Unstitch(stitched []byte, chain *synth.RawChain, sols Lookup) ([]byte, error) {
	if len(chain.Gadgets) == 0 || len(stitched) < 8 {
		return nil, fmt.Errorf("%w: nothing to unstitch", ErrPayloadLengthMismatch)
	}

	out := append([]byte(nil), stitched[:8]...)
	cur := 8
	take := func(n int) ([]byte, error) {
		if n < 0 {
			return nil, fmt.Errorf("%w: negative span of %d bytes", ErrPayloadLengthMismatch, n)
		}
		if cur+n > len(stitched) {
			return nil, fmt.Errorf("%w: stitched payload ends at %d, need %d more", ErrPayloadLengthMismatch, len(stitched), cur+n-len(stitched))
		}
		b := stitched[cur : cur+n]
		cur += n
		return b, nil
	}

	for i, g := range chain.Gadgets {
		sol, ok := sols.Lookup(g.Addr)
		if !ok {
			return nil, fmt.Errorf("%w: %#x", ErrUnrecognizedGadget, g.Addr)
		}
		own, err := take(g.StackChange - 8)
		if err != nil {
			return nil, err
		}
		out = append(out, own...)

		guard, err := take(len(sol))
		if err != nil {
			return nil, err
		}
		if !bytes.Equal(guard, sol) {
			return nil, fmt.Errorf("guard bytes of gadget %#x do not match its solution", g.Addr)
		}

		if i+1 < len(chain.Gadgets) {
			next, err := take(8)
			if err != nil {
				return nil, err
			}
			out = append(out, next...)
		}
	}

	if cur != len(stitched) {
		return nil, fmt.Errorf("%w: %d trailing bytes", ErrPayloadLengthMismatch, len(stitched)-cur)
	}
	return out, nil
}

// GuardLength returns the number of guard bytes Stitch adds to chain.
func GuardLength(chain *synth.RawChain, sols Lookup) (int, error) {
	total := 0
	for _, g := range chain.Gadgets {
		sol, ok := sols.Lookup(g.Addr)
		if !ok {
			return 0, fmt.Errorf("%w: %#x", ErrUnrecognizedGadget, g.Addr)
		}
		total += len(sol)
	}
	return total, nil
}
