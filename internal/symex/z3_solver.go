//go:build z3

package symex

import (
	"errors"
	"fmt"

	z3 "github.com/mitchellh/go-z3"
)

func init() {
	RegisterSolver("z3", func(map[string]interface{}) (Solver, error) {
		return NewZ3Solver(), nil
	})
}

// z3Limit bounds symbols and constants so that integer arithmetic agrees
// with 64-bit wraparound for the add/sub chains this backend accepts.
const z3Limit = 1 << 62

// Z3Solver translates add/sub comparisons into Z3 integer constraints.
// Models are checked against 64-bit semantics before being returned.
type Z3Solver struct{}

// NewZ3Solver returns a Z3 backed solver.
func NewZ3Solver() *Z3Solver {
	return &Z3Solver{}
}

// Name implements Solver.
func (*Z3Solver) Name() string { return "z3" }

// Satisfiable implements Solver.
func (s *Z3Solver) Satisfiable(constraints []Expr) (bool, error) {
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
func (s *Z3Solver) Solve(constraints []Expr, vars []*Var) ([]uint64, error) {
	config := z3.NewConfig()
	ctx := z3.NewContext(config)
	config.Close()
	defer ctx.Close()

	solver := ctx.NewSolver()
	defer solver.Close()

	tr := &z3Translator{ctx: ctx, solver: solver, syms: make(map[int]*z3.AST)}
	for _, c := range constraints {
		ast, err := tr.translate(c)
		if err != nil {
			return nil, err
		}
		solver.Assert(ast)
	}
	for _, v := range vars {
		tr.symbol(v)
	}

	switch solver.Check() {
	case z3.False:
		return nil, ErrUnsat
	case z3.Undef:
		return nil, fmt.Errorf("%w: z3 returned unknown", ErrUnsupportedConstraint)
	}

	model := solver.Model()
	defer model.Close()
	values := model.Assignments()

	assign := make(map[int]uint64)
	for id := range tr.syms {
		if ast, ok := values[symbolName(id)]; ok {
			assign[id] = uint64(ast.Int())
		} else {
			assign[id] = 0
		}
	}
	if err := check(constraints, assign); err != nil {
		return nil, fmt.Errorf("%w: z3 model violates 64-bit semantics", ErrUnsupportedConstraint)
	}

	out := make([]uint64, len(vars))
	for i, v := range vars {
		out[i] = assign[v.ID]
	}
	return out, nil
}

type z3Translator struct {
	ctx    *z3.Context
	solver *z3.Solver
	syms   map[int]*z3.AST
}

func symbolName(id int) string {
	return fmt.Sprintf("v%d", id)
}

// symbol returns the Z3 constant for v, asserting its range on first use.
func (t *z3Translator) symbol(v *Var) *z3.AST {
	if ast, ok := t.syms[v.ID]; ok {
		return ast
	}
	ast := t.ctx.Const(t.ctx.Symbol(symbolName(v.ID)), t.ctx.IntSort())
	t.solver.Assert(ast.Ge(t.ctx.Int(0, t.ctx.IntSort())))
	t.solver.Assert(ast.Lt(t.ctx.Int(z3Limit, t.ctx.IntSort())))
	t.syms[v.ID] = ast
	return ast
}

func (t *z3Translator) translate(e Expr) (*z3.AST, error) {
	switch n := e.(type) {
	case *Const:
		if n.Value >= z3Limit {
			return nil, fmt.Errorf("%w: constant %#x exceeds z3 range", ErrUnsupportedConstraint, n.Value)
		}
		return t.ctx.Int(int(n.Value), t.ctx.IntSort()), nil
	case *Var:
		return t.symbol(n), nil
	case *BinOp:
		x, err := t.translate(n.X)
		if err != nil {
			return nil, err
		}
		y, err := t.translate(n.Y)
		if err != nil {
			return nil, err
		}
		switch n.Op {
		case OpAdd:
			return x.Add(y), nil
		case OpSub:
			return x.Sub(y), nil
		}
	case *Cond:
		x, err := t.translate(n.X)
		if err != nil {
			return nil, err
		}
		y, err := t.translate(n.Y)
		if err != nil {
			return nil, err
		}
		if n.Op == CmpEq {
			return x.Eq(y), nil
		}
		return x.Eq(y).Not(), nil
	}
	return nil, fmt.Errorf("%w: z3 backend cannot express %s", ErrUnsupportedConstraint, e)
}
