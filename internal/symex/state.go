package symex

import (
	"encoding/binary"
	"errors"
	"fmt"
	"strings"

	"golang.org/x/arch/x86/x86asm"
)

// ErrUnsupported is returned for instructions and memory accesses the
// engine does not model.
var ErrUnsupported = errors.New("unsupported by symbolic engine")

// Status is the lifecycle stage of a State.
type Status int

const (
	// Active states are stepped further.
	Active Status = iota
	// Unconstrained states returned to a symbolic address.
	Unconstrained
	// Deadended states halted (hlt, int3, hook request).
	Deadended
	// Errored states hit an unsupported instruction or bad access.
	Errored
)

func (s Status) String() string {
	switch s {
	case Active:
		return "active"
	case Unconstrained:
		return "unconstrained"
	case Deadended:
		return "deadended"
	case Errored:
		return "errored"
	}
	return fmt.Sprintf("Status(%d)", int(s))
}

// ActionKind distinguishes memory reads from writes.
type ActionKind int

const (
	ActionRead ActionKind = iota
	ActionWrite
)

// Action is one tracked memory access.
type Action struct {
	InsAddr uint64 // Address of the instruction performing the access
	Kind    ActionKind
	Addr    uint64
	Size    int
	Data    Expr
}

// symbols hands out IDs shared by a state and all of its forks.
type symbols struct {
	next int
}

// State is one execution path.
type State struct {
	Addr   uint64 // Next instruction
	Status Status
	Err    error // Set when Status is Errored
	Next   Expr  // Symbolic return target when Unconstrained

	regs    map[x86asm.Reg]Expr
	mem     map[uint64]Expr // 8-byte aligned words
	guards  []Expr
	actions []Action
	history []uint64
	flags   *flagPair
	inst    uint64 // instruction being executed, for action tracking

	img    Memory
	solver Solver
	syms   *symbols
	track  bool
}

// flagPair records the operands of the last flag-setting instruction;
// ZF is set iff X == Y.
type flagPair struct {
	X, Y Expr
}

// Guards returns the path constraints collected so far.
func (s *State) Guards() []Expr { return s.guards }

// Actions returns tracked memory accesses in execution order.
func (s *State) Actions() []Action { return s.actions }

// History returns the addresses of executed blocks.
func (s *State) History() []uint64 { return s.history }

// AddGuard appends a path constraint.
func (s *State) AddGuard(c Expr) { s.guards = append(s.guards, c) }

// NewVar creates a fresh symbol.
func (s *State) NewVar(prefix string) *Var {
	id := s.syms.next
	s.syms.next++
	return &Var{ID: id, Name: fmt.Sprintf("%s_%d", prefix, id)}
}

// Reg returns the 64-bit value of r, creating a symbol on first use.
func (s *State) Reg(r x86asm.Reg) Expr {
	if v, ok := s.regs[r]; ok {
		return v
	}
	v := s.NewVar("reg_" + regName(r))
	s.regs[r] = v
	return v
}

// SetReg assigns a 64-bit register.
func (s *State) SetReg(r x86asm.Reg, v Expr) { s.regs[r] = v }

// ConcreteReg returns a register value that must be concrete.
func (s *State) ConcreteReg(r x86asm.Reg) (uint64, error) {
	v, ok := Concrete(s.Reg(r))
	if !ok {
		return 0, fmt.Errorf("%w: symbolic %s", ErrUnsupported, regName(r))
	}
	return v, nil
}

// Halt stops the state as deadended.
func (s *State) Halt() { s.Status = Deadended }

func (s *State) fail(err error) {
	s.Status = Errored
	s.Err = err
}

// LoadWord reads the 8-byte word at addr without recording an action.
func (s *State) LoadWord(addr uint64) (Expr, error) {
	if addr%8 == 0 {
		return s.loadAligned(addr), nil
	}
	lo, hi := addr&^7, (addr&^7)+8
	a, aok := Concrete(s.loadAligned(lo))
	b, bok := Concrete(s.loadAligned(hi))
	if !aok || !bok {
		return nil, fmt.Errorf("%w: unaligned symbolic read at %#x", ErrUnsupported, addr)
	}
	shift := (addr - lo) * 8
	return NewConst(a>>shift | b<<(64-shift)), nil
}

// StoreWord writes an 8-byte word without recording an action.
func (s *State) StoreWord(addr uint64, v Expr) error {
	if addr%8 == 0 {
		s.mem[addr] = v
		return nil
	}
	c, ok := Concrete(v)
	if !ok {
		return fmt.Errorf("%w: unaligned symbolic write at %#x", ErrUnsupported, addr)
	}
	var buf [8]byte
	binary.LittleEndian.PutUint64(buf[:], c)
	return s.WriteBytes(addr, buf[:])
}

func (s *State) loadAligned(addr uint64) Expr {
	if v, ok := s.mem[addr]; ok {
		return v
	}
	if s.img != nil && s.img.Contains(addr) && s.img.Contains(addr+7) {
		if b, err := s.img.ReadAt(addr, 8); err == nil {
			return NewConst(binary.LittleEndian.Uint64(b))
		}
	}
	v := s.NewVar(fmt.Sprintf("mem_%x", addr))
	s.mem[addr] = v
	return v
}

// ReadBytes returns n concrete bytes at addr. Unwritten memory outside
// the image reads as zero.
func (s *State) ReadBytes(addr uint64, n int) ([]byte, error) {
	out := make([]byte, 0, n)
	for cur := addr; cur < addr+uint64(n); {
		word := cur &^ 7
		val, err := s.concreteWord(word)
		if err != nil {
			return nil, err
		}
		var buf [8]byte
		binary.LittleEndian.PutUint64(buf[:], val)
		for i := cur - word; i < 8 && cur < addr+uint64(n); i++ {
			out = append(out, buf[i])
			cur++
		}
	}
	return out, nil
}

// WriteBytes stores concrete bytes at addr.
func (s *State) WriteBytes(addr uint64, b []byte) error {
	for i := 0; i < len(b); {
		cur := addr + uint64(i)
		word := cur &^ 7
		val, err := s.concreteWord(word)
		if err != nil {
			return err
		}
		var buf [8]byte
		binary.LittleEndian.PutUint64(buf[:], val)
		for j := cur - word; j < 8 && i < len(b); j++ {
			buf[j] = b[i]
			i++
		}
		s.mem[word] = NewConst(binary.LittleEndian.Uint64(buf[:]))
	}
	return nil
}

func (s *State) concreteWord(addr uint64) (uint64, error) {
	e, ok := s.mem[addr]
	if !ok {
		if s.img != nil && s.img.Contains(addr) {
			e = s.loadAligned(addr)
		} else {
			return 0, nil
		}
	}
	v, ok := Concrete(e)
	if !ok {
		return 0, fmt.Errorf("%w: symbolic memory at %#x", ErrUnsupported, addr)
	}
	return v, nil
}

// Push decrements rsp and stores v.
func (s *State) Push(v Expr) error {
	sp, err := s.ConcreteReg(x86asm.RSP)
	if err != nil {
		return err
	}
	sp -= 8
	s.SetReg(x86asm.RSP, NewConst(sp))
	return s.write(sp, v)
}

// Pop loads the word at rsp and increments rsp.
func (s *State) Pop() (Expr, error) {
	sp, err := s.ConcreteReg(x86asm.RSP)
	if err != nil {
		return nil, err
	}
	v, err := s.read(sp)
	if err != nil {
		return nil, err
	}
	s.SetReg(x86asm.RSP, NewConst(sp+8))
	return v, nil
}

func (s *State) read(addr uint64) (Expr, error) {
	v, err := s.LoadWord(addr)
	if err != nil {
		return nil, err
	}
	if s.track {
		s.actions = append(s.actions, Action{InsAddr: s.inst, Kind: ActionRead, Addr: addr, Size: 8, Data: v})
	}
	return v, nil
}

func (s *State) write(addr uint64, v Expr) error {
	if err := s.StoreWord(addr, v); err != nil {
		return err
	}
	if s.track {
		s.actions = append(s.actions, Action{InsAddr: s.inst, Kind: ActionWrite, Addr: addr, Size: 8, Data: v})
	}
	return nil
}

// Satisfiable reports whether the path constraints plus extra can hold.
// Constraints the solver cannot decide are assumed satisfiable.
func (s *State) Satisfiable(extra ...Expr) bool {
	cs := make([]Expr, 0, len(s.guards)+len(extra))
	cs = append(cs, s.guards...)
	cs = append(cs, extra...)
	ok, err := s.solver.Satisfiable(cs)
	if err != nil {
		return true
	}
	return ok
}

// Solve returns values for vars under the path constraints.
func (s *State) Solve(vars []*Var) ([]uint64, error) {
	return s.solver.Solve(s.guards, vars)
}

// SolveBytes is Solve with every value encoded as 8 little-endian bytes.
func (s *State) SolveBytes(vars []*Var) ([]byte, error) {
	vals, err := s.Solve(vars)
	if err != nil {
		return nil, err
	}
	out := make([]byte, 0, 8*len(vals))
	for _, v := range vals {
		out = binary.LittleEndian.AppendUint64(out, v)
	}
	return out, nil
}

func (s *State) clone() *State {
	c := *s
	c.regs = make(map[x86asm.Reg]Expr, len(s.regs))
	for k, v := range s.regs {
		c.regs[k] = v
	}
	c.mem = make(map[uint64]Expr, len(s.mem))
	for k, v := range s.mem {
		c.mem[k] = v
	}
	c.guards = append([]Expr(nil), s.guards...)
	c.actions = append([]Action(nil), s.actions...)
	c.history = append([]uint64(nil), s.history...)
	return &c
}

func regName(r x86asm.Reg) string {
	return strings.ToLower(r.String())
}
