//go:build keystone

package asm

import (
	"fmt"

	ks "github.com/keystone-engine/keystone/bindings/go/keystone"
)

// Text assembles Intel-syntax src as if placed at addr.
func Text(src string, addr uint64) ([]byte, error) {
	engine, err := ks.New(ks.ARCH_X86, ks.MODE_64)
	if err != nil {
		return nil, fmt.Errorf("keystone: %w", err)
	}
	defer engine.Close()

	code, _, ok := engine.Assemble(src, addr)
	if !ok {
		return nil, fmt.Errorf("keystone: cannot assemble %q: %v", src, engine.LastError())
	}
	return code, nil
}
