package symex

import (
	"errors"
	"fmt"
	"sort"
)

var (
	// ErrUnsat is returned when the constraints have no model.
	ErrUnsat = errors.New("constraints are unsatisfiable")
	// ErrUnsupportedConstraint is returned for constraints a solver cannot
	// decide, such as comparisons relating several symbols.
	ErrUnsupportedConstraint = errors.New("unsupported constraint")
)

// Solver decides conjunctions of conditions over 64-bit symbols.
type Solver interface {
	Name() string
	// Satisfiable reports whether all constraints can hold at once.
	Satisfiable(constraints []Expr) (bool, error)
	// Solve returns one value per var, in order, satisfying constraints.
	// Vars the constraints do not mention get zero.
	Solve(constraints []Expr, vars []*Var) ([]uint64, error)
}

// SolverFactory creates a Solver from free-form options.
type SolverFactory func(options map[string]interface{}) (Solver, error)

var (
	registry = make(map[string]SolverFactory)
)

// RegisterSolver adds a solver factory to the registry.
func RegisterSolver(name string, factory SolverFactory) {
	registry[name] = factory
}

// NewSolver creates a solver instance by name.
func NewSolver(name string, options map[string]interface{}) (Solver, error) {
	factory, ok := registry[name]
	if !ok {
		return nil, fmt.Errorf("solver not found: %s", name)
	}
	return factory(options)
}

// Solvers lists the registered solver names.
func Solvers() []string {
	names := make([]string, 0, len(registry))
	for name := range registry {
		names = append(names, name)
	}
	sort.Strings(names)
	return names
}

// check evaluates every constraint under assign.
func check(constraints []Expr, assign map[int]uint64) error {
	for _, c := range constraints {
		v, err := Eval(c, assign)
		if err != nil {
			return err
		}
		if v == 0 {
			return fmt.Errorf("%w: %s does not hold", ErrUnsat, c)
		}
	}
	return nil
}
