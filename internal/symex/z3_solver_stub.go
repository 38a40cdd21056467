//go:build !z3

package symex

import "errors"

func init() {
	RegisterSolver("z3", func(map[string]interface{}) (Solver, error) {
		return nil, errors.New("z3 solver not available - rebuild with '-tags z3' to enable")
	})
}
