// Package guard recovers the hidden checks that follow each gadget and
// the stack words that satisfy them.
package guard

import (
	"context"
	"errors"
	"fmt"

	"github.com/zjy-dev/ropsynth/internal/cfg"
	"github.com/zjy-dev/ropsynth/internal/logger"
	"github.com/zjy-dev/ropsynth/internal/symex"
)

var (
	// ErrMalformedGadget marks a function too small to hold a guard.
	// Callers skip such functions.
	ErrMalformedGadget = errors.New("malformed gadget")
	// ErrRecoveryInconsistency means the good path branches on symbols
	// that no memory read ever produced.
	ErrRecoveryInconsistency = errors.New("guard variables never read from memory")
	// ErrNoUnconstrainedPath means no path reached a return to a
	// controlled address.
	ErrNoUnconstrainedPath = errors.New("no unconstrained path")
)

// Guard is the recovered check of one gadget function.
type Guard struct {
	Entry uint64
	// Boundary is the first instruction reading a guard variable. Bytes
	// in [Entry, Boundary) are the gadget proper.
	Boundary   uint64
	Vars       []*symex.Var // Guard variables, ordered by stack position
	Conditions []symex.Expr // Branch conditions along the good path
	Solution   []byte       // Little-endian values of Vars, concatenated
}

// Unconditional reports whether the gadget carries no guard.
func (g *Guard) Unconditional() bool {
	return len(g.Vars) == 0
}

// Recoverer runs guard recovery for gadget functions.
type Recoverer struct {
	explorer symex.Explorer
	opts     symex.Options
}

// NewRecoverer returns a recoverer exploring with opts. Memory actions
// are always tracked and syscalls bypassed.
func NewRecoverer(explorer symex.Explorer, opts symex.Options) *Recoverer {
	opts.TrackActions = true
	opts.SyscallHook = nil
	return &Recoverer{explorer: explorer, opts: opts}
}

// Recover explores fn from its entry and extracts its guard. It does not
// modify the image.
func (r *Recoverer) Recover(ctx context.Context, fn *cfg.Function) (*Guard, error) {
	if len(fn.Blocks) <= 1 {
		return nil, fmt.Errorf("%w: function at %#x has %d block(s)", ErrMalformedGadget, fn.Entry, len(fn.Blocks))
	}

	ex, err := r.explorer.Explore(ctx, fn.Entry, r.opts)
	if err != nil {
		return nil, fmt.Errorf("exploring %#x: %w", fn.Entry, err)
	}
	if len(ex.Unconstrained) == 0 {
		return nil, fmt.Errorf("%w: function at %#x (%d deadended, %d errored, %d active after %d steps)",
			ErrNoUnconstrainedPath, fn.Entry, len(ex.Deadended), len(ex.Errored), len(ex.Active), ex.Steps)
	}

	good := ex.Unconstrained[0]
	g := &Guard{
		Entry:      fn.Entry,
		Boundary:   fn.Entry,
		Vars:       guardVars(good.Guards()),
		Conditions: good.Guards(),
	}
	if g.Unconditional() {
		logger.Debug("gadget %#x has no guard", fn.Entry)
		return g, nil
	}

	boundary, ok := boundary(good.Actions(), g.Vars)
	if !ok {
		return nil, fmt.Errorf("%w: function at %#x", ErrRecoveryInconsistency, fn.Entry)
	}
	g.Boundary = boundary

	g.Solution, err = good.SolveBytes(g.Vars)
	if err != nil {
		return nil, fmt.Errorf("solving guard of %#x: %w", fn.Entry, err)
	}

	logger.Debug("gadget %#x: boundary %#x, %d guard word(s)", g.Entry, g.Boundary, len(g.Vars))
	return g, nil
}

// guardVars takes the first symbolic leaf of each symbolic condition,
// deduplicated and sorted by ID.
func guardVars(conds []symex.Expr) []*symex.Var {
	seen := make(map[int]bool)
	var vars []*symex.Var
	for _, c := range conds {
		if !symex.Symbolic(c) {
			continue
		}
		v := symex.Leaves(c)[0]
		if seen[v.ID] {
			continue
		}
		seen[v.ID] = true
		vars = append(vars, v)
	}
	symex.SortVars(vars)
	return vars
}

// boundary returns the lowest address of an instruction whose memory
// read produced a guard variable.
func boundary(actions []symex.Action, vars []*symex.Var) (uint64, bool) {
	ids := make(map[int]bool, len(vars))
	for _, v := range vars {
		ids[v.ID] = true
	}

	var min uint64
	found := false
	for _, a := range actions {
		if a.Kind != symex.ActionRead || !symex.Mentions(a.Data, ids) {
			continue
		}
		if !found || a.InsAddr < min {
			min = a.InsAddr
			found = true
		}
	}
	return min, found
}
