package symex

import (
	"fmt"
	"sort"
)

// Expr is a 64-bit bit-vector expression, or a boolean condition (Cond).
type Expr interface {
	String() string
	isExpr()
}

// Const is a concrete 64-bit value.
type Const struct {
	Value uint64
}

// Var is an unconstrained 64-bit symbol. ID is the stable ordering key:
// stack words get their word index, later symbols get increasing IDs.
type Var struct {
	ID   int
	Name string
}

// Op is a binary bit-vector operator.
type Op int

const (
	OpAdd Op = iota
	OpSub
	OpXor
	OpAnd
	OpOr
)

var opNames = map[Op]string{OpAdd: "+", OpSub: "-", OpXor: "^", OpAnd: "&", OpOr: "|"}

// BinOp applies Op to X and Y modulo 2^64.
type BinOp struct {
	Op   Op
	X, Y Expr
}

// UnaryOp is a unary bit-vector operator.
type UnaryOp int

const (
	OpNot UnaryOp = iota
	OpNeg
)

// Unary applies a UnaryOp to X.
type Unary struct {
	Op UnaryOp
	X  Expr
}

// CmpOp is a comparison operator.
type CmpOp int

const (
	CmpEq CmpOp = iota
	CmpNe
)

// Cond is a boolean comparison between two bit-vector expressions.
type Cond struct {
	Op   CmpOp
	X, Y Expr
}

func (*Const) isExpr() {}
func (*Var) isExpr()   {}
func (*BinOp) isExpr() {}
func (*Unary) isExpr() {}
func (*Cond) isExpr()  {}

func (c *Const) String() string { return fmt.Sprintf("%#x", c.Value) }
func (v *Var) String() string   { return v.Name }
func (b *BinOp) String() string { return fmt.Sprintf("(%s %s %s)", b.X, opNames[b.Op], b.Y) }

func (u *Unary) String() string {
	if u.Op == OpNot {
		return fmt.Sprintf("~%s", u.X)
	}
	return fmt.Sprintf("-%s", u.X)
}

func (c *Cond) String() string {
	if c.Op == CmpEq {
		return fmt.Sprintf("%s == %s", c.X, c.Y)
	}
	return fmt.Sprintf("%s != %s", c.X, c.Y)
}

// NewConst returns a constant expression.
func NewConst(v uint64) *Const {
	return &Const{Value: v}
}

// NewBinOp builds x op y, folding constants and trivial identities.
func NewBinOp(op Op, x, y Expr) Expr {
	cx, xok := x.(*Const)
	cy, yok := y.(*Const)
	if xok && yok {
		return NewConst(applyOp(op, cx.Value, cy.Value))
	}
	if Equal(x, y) {
		switch op {
		case OpXor, OpSub:
			return NewConst(0)
		case OpAnd, OpOr:
			return x
		}
	}
	if yok && cy.Value == 0 {
		switch op {
		case OpAdd, OpSub, OpXor, OpOr:
			return x
		case OpAnd:
			return NewConst(0)
		}
	}
	if xok && cx.Value == 0 {
		switch op {
		case OpAdd, OpXor, OpOr:
			return y
		case OpAnd:
			return NewConst(0)
		}
	}
	if yok && op == OpAnd && cy.Value == ^uint64(0) {
		return x
	}
	return &BinOp{Op: op, X: x, Y: y}
}

// Equal reports whether two expressions are structurally identical.
func Equal(x, y Expr) bool {
	switch a := x.(type) {
	case *Const:
		b, ok := y.(*Const)
		return ok && a.Value == b.Value
	case *Var:
		b, ok := y.(*Var)
		return ok && a.ID == b.ID
	case *BinOp:
		b, ok := y.(*BinOp)
		return ok && a.Op == b.Op && Equal(a.X, b.X) && Equal(a.Y, b.Y)
	case *Unary:
		b, ok := y.(*Unary)
		return ok && a.Op == b.Op && Equal(a.X, b.X)
	case *Cond:
		b, ok := y.(*Cond)
		return ok && a.Op == b.Op && Equal(a.X, b.X) && Equal(a.Y, b.Y)
	}
	return false
}

// NewUnary builds op x, folding constants.
func NewUnary(op UnaryOp, x Expr) Expr {
	if c, ok := x.(*Const); ok {
		if op == OpNot {
			return NewConst(^c.Value)
		}
		return NewConst(-c.Value)
	}
	return &Unary{Op: op, X: x}
}

// NewCond builds a comparison.
func NewCond(op CmpOp, x, y Expr) *Cond {
	return &Cond{Op: op, X: x, Y: y}
}

// Negate returns the opposite comparison.
func Negate(c *Cond) *Cond {
	if c.Op == CmpEq {
		return NewCond(CmpNe, c.X, c.Y)
	}
	return NewCond(CmpEq, c.X, c.Y)
}

// Concrete returns the value of an expression that mentions no symbols.
// Conditions evaluate to 1 or 0.
func Concrete(e Expr) (uint64, bool) {
	if Symbolic(e) {
		return 0, false
	}
	v, err := Eval(e, nil)
	if err != nil {
		return 0, false
	}
	return v, true
}

// Symbolic reports whether e mentions any Var.
func Symbolic(e Expr) bool {
	switch t := e.(type) {
	case *Const:
		return false
	case *Var:
		return true
	case *BinOp:
		return Symbolic(t.X) || Symbolic(t.Y)
	case *Unary:
		return Symbolic(t.X)
	case *Cond:
		return Symbolic(t.X) || Symbolic(t.Y)
	}
	return false
}

// Leaves returns the symbols of e in left-to-right order, repeats included.
func Leaves(e Expr) []*Var {
	var out []*Var
	var walk func(Expr)
	walk = func(e Expr) {
		switch t := e.(type) {
		case *Var:
			out = append(out, t)
		case *BinOp:
			walk(t.X)
			walk(t.Y)
		case *Unary:
			walk(t.X)
		case *Cond:
			walk(t.X)
			walk(t.Y)
		}
	}
	walk(e)
	return out
}

// Vars returns the distinct symbols of e sorted by ID.
func Vars(e Expr) []*Var {
	seen := make(map[int]*Var)
	for _, v := range Leaves(e) {
		seen[v.ID] = v
	}
	out := make([]*Var, 0, len(seen))
	for _, v := range seen {
		out = append(out, v)
	}
	SortVars(out)
	return out
}

// SortVars orders symbols by their stable ID.
func SortVars(vars []*Var) {
	sort.Slice(vars, func(i, j int) bool { return vars[i].ID < vars[j].ID })
}

// Mentions reports whether e uses any symbol whose ID is in ids.
func Mentions(e Expr, ids map[int]bool) bool {
	for _, v := range Leaves(e) {
		if ids[v.ID] {
			return true
		}
	}
	return false
}

// Eval computes e under the assignment. Every symbol of e must be assigned.
func Eval(e Expr, assign map[int]uint64) (uint64, error) {
	switch t := e.(type) {
	case *Const:
		return t.Value, nil
	case *Var:
		v, ok := assign[t.ID]
		if !ok {
			return 0, fmt.Errorf("symbol %s is unassigned", t.Name)
		}
		return v, nil
	case *BinOp:
		x, err := Eval(t.X, assign)
		if err != nil {
			return 0, err
		}
		y, err := Eval(t.Y, assign)
		if err != nil {
			return 0, err
		}
		return applyOp(t.Op, x, y), nil
	case *Unary:
		x, err := Eval(t.X, assign)
		if err != nil {
			return 0, err
		}
		if t.Op == OpNot {
			return ^x, nil
		}
		return -x, nil
	case *Cond:
		x, err := Eval(t.X, assign)
		if err != nil {
			return 0, err
		}
		y, err := Eval(t.Y, assign)
		if err != nil {
			return 0, err
		}
		if (x == y) == (t.Op == CmpEq) {
			return 1, nil
		}
		return 0, nil
	}
	return 0, fmt.Errorf("unknown expression %T", e)
}

func applyOp(op Op, x, y uint64) uint64 {
	switch op {
	case OpAdd:
		return x + y
	case OpSub:
		return x - y
	case OpXor:
		return x ^ y
	case OpAnd:
		return x & y
	case OpOr:
		return x | y
	}
	panic(fmt.Sprintf("symex: unknown op %d", op))
}
