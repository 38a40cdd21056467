package guard

// Solutions maps every valid gadget address to the guard bytes that must
// follow the gadget's own stack words. A Solutions value belongs to one
// round.
type Solutions map[uint64][]byte

// NewSolutions returns an empty table.
func NewSolutions() Solutions {
	return make(Solutions)
}

// Record registers g. Every address in [Entry, Boundary) enters the
// gadget before its guard, so all of them share the solution. An
// unconditional gadget is registered at its entry with no guard bytes.
func (s Solutions) Record(g *Guard) {
	if g.Unconditional() {
		s[g.Entry] = []byte{}
		return
	}
	for addr := g.Entry; addr < g.Boundary; addr++ {
		s[addr] = g.Solution
	}
}

// Lookup returns the guard bytes for a gadget address.
func (s Solutions) Lookup(addr uint64) ([]byte, bool) {
	sol, ok := s[addr]
	return sol, ok
}

// Has reports whether addr is a recognized gadget address.
func (s Solutions) Has(addr uint64) bool {
	_, ok := s[addr]
	return ok
}

// Len returns the number of recognized addresses.
func (s Solutions) Len() int {
	return len(s)
}
