package symex

import (
	"errors"
	"fmt"
)

func init() {
	RegisterSolver("invert", func(map[string]interface{}) (Solver, error) {
		return NewInvertSolver(), nil
	})
}

// InvertSolver solves conditions that compare a chain of invertible
// operations on one symbol (add, sub, xor with constants, not, neg)
// against a constant. Equalities are solved by running the chain
// backwards; symbols bound only by inequalities are found by search.
type InvertSolver struct{}

// NewInvertSolver returns the default solver.
func NewInvertSolver() *InvertSolver {
	return &InvertSolver{}
}

// Name implements Solver.
func (*InvertSolver) Name() string { return "invert" }

// Satisfiable implements Solver.
func (s *InvertSolver) Satisfiable(constraints []Expr) (bool, error) {
	_, err := s.Solve(constraints, nil)
	switch {
	case err == nil:
		return true, nil
	case errors.Is(err, ErrUnsat):
		return false, nil
	}
	return false, err
}

// Solve implements Solver.
func (s *InvertSolver) Solve(constraints []Expr, vars []*Var) ([]uint64, error) {
	assign := make(map[int]uint64)
	excluded := make(map[int][]*Cond)
	var order []int

	for _, e := range constraints {
		c, ok := e.(*Cond)
		if !ok {
			if v, ok := Concrete(e); ok && v != 0 {
				continue
			}
			return nil, fmt.Errorf("%w: %s", ErrUnsupportedConstraint, e)
		}

		ids := Vars(c)
		switch len(ids) {
		case 0:
			if v, _ := Eval(c, nil); v == 0 {
				return nil, fmt.Errorf("%w: %s", ErrUnsat, c)
			}
			continue
		case 1:
		default:
			return nil, fmt.Errorf("%w: %s relates %d symbols", ErrUnsupportedConstraint, c, len(ids))
		}

		v := ids[0]
		sym, k, err := split(c)
		if err != nil {
			return nil, err
		}
		val, err := invert(sym, k)
		if err != nil {
			return nil, err
		}
		if c.Op == CmpNe {
			if _, seen := excluded[v.ID]; !seen {
				order = append(order, v.ID)
			}
			excluded[v.ID] = append(excluded[v.ID], c)
			continue
		}

		if prev, ok := assign[v.ID]; ok && prev != val {
			return nil, fmt.Errorf("%w: %s needs both %#x and %#x", ErrUnsat, v.Name, prev, val)
		}
		assign[v.ID] = val
	}

	for _, id := range order {
		if _, ok := assign[id]; ok {
			continue
		}
		// Every inequality on an invertible chain excludes one value, so
		// len+1 candidates always contain a model.
		conds := excluded[id]
		found := false
		for cand := uint64(0); cand <= uint64(len(conds)); cand++ {
			assign[id] = cand
			if check(asExprs(conds), assign) == nil {
				found = true
				break
			}
		}
		if !found {
			return nil, fmt.Errorf("%w: no value satisfies the inequalities", ErrUnsat)
		}
	}

	if err := check(constraints, assign); err != nil {
		return nil, err
	}

	out := make([]uint64, len(vars))
	for i, v := range vars {
		out[i] = assign[v.ID]
	}
	return out, nil
}

// split returns the symbolic side of c and the value of the other side.
func split(c *Cond) (Expr, uint64, error) {
	if k, ok := Concrete(c.Y); ok {
		return c.X, k, nil
	}
	if k, ok := Concrete(c.X); ok {
		return c.Y, k, nil
	}
	return nil, 0, fmt.Errorf("%w: symbol on both sides of %s", ErrUnsupportedConstraint, c)
}

// invert solves e == k for the single symbol in e.
func invert(e Expr, k uint64) (uint64, error) {
	for {
		switch t := e.(type) {
		case *Var:
			return k, nil
		case *Unary:
			if t.Op == OpNot {
				k = ^k
			} else {
				k = -k
			}
			e = t.X
		case *BinOp:
			sym, c, symLeft, err := operands(t)
			if err != nil {
				return 0, err
			}
			switch t.Op {
			case OpAdd:
				k -= c
			case OpXor:
				k ^= c
			case OpSub:
				if symLeft {
					k += c // sym - c == k
				} else {
					k = c - k // c - sym == k
				}
			default:
				return 0, fmt.Errorf("%w: cannot invert %s", ErrUnsupportedConstraint, t)
			}
			e = sym
		default:
			return 0, fmt.Errorf("%w: cannot invert %s", ErrUnsupportedConstraint, e)
		}
	}
}

func operands(b *BinOp) (Expr, uint64, bool, error) {
	if c, ok := Concrete(b.Y); ok {
		return b.X, c, true, nil
	}
	if c, ok := Concrete(b.X); ok {
		return b.Y, c, false, nil
	}
	return nil, 0, false, fmt.Errorf("%w: %s", ErrUnsupportedConstraint, b)
}

func asExprs(conds []*Cond) []Expr {
	out := make([]Expr, len(conds))
	for i, c := range conds {
		out[i] = c
	}
	return out
}
