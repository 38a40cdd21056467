//go:build !keystone

package asm

// Text assembles Intel-syntax src as if placed at addr.
func Text(src string, addr uint64) ([]byte, error) {
	return nil, ErrNoKeystone
}
