// Package symex is a small symbolic executor for x86-64 gadget code.
// Registers and memory hold expressions over 64-bit symbols; conditional
// jumps on symbolic flags fork the state and record the branch condition.
package symex

import (
	"context"
	"fmt"

	"golang.org/x/arch/x86/x86asm"

	"github.com/zjy-dev/ropsynth/internal/disasm"
	"github.com/zjy-dev/ropsynth/internal/logger"
)

// DefaultStackPointer is the initial rsp of a blank state.
const DefaultStackPointer = 0x7ffffffde000

// firstFreshID keeps fresh symbols ordered after the stack words.
const firstFreshID = 1000

const maxBlockInsts = 256

// Memory is the code image the engine executes.
type Memory interface {
	Contains(addr uint64) bool
	Fetch(addr uint64, max int) ([]byte, error)
	ReadAt(addr uint64, n int) ([]byte, error)
}

// SyscallHook emulates a syscall on s. It may halt the state.
type SyscallHook func(s *State) error

// Options bound and configure an exploration.
type Options struct {
	StackWords   int    // Symbolic words w0..wN-1 placed at rsp
	StepBound    int    // Maximum number of steps
	MaxActive    int    // Active states kept per step, 0 for no limit
	StackPointer uint64 // Initial rsp, DefaultStackPointer when zero
	TrackActions bool   // Record memory actions
	// SyscallHook handles syscall instructions. When nil, syscalls are
	// bypassed and rax becomes a fresh symbol.
	SyscallHook SyscallHook
}

// Exploration holds the states sorted by how their paths ended.
type Exploration struct {
	Unconstrained []*State
	Deadended     []*State
	Errored       []*State
	Active        []*State // Still running when the step bound was hit
	Steps         int
}

// Explorer runs a symbolic exploration from an entry address.
type Explorer interface {
	Explore(ctx context.Context, entry uint64, opts Options) (*Exploration, error)
}

// Engine executes code from a Memory image.
type Engine struct {
	mem    Memory
	dec    *disasm.Decoder
	solver Solver
	cache  map[uint64]disasm.Inst
}

// NewEngine creates an engine over mem using solver for path pruning.
func NewEngine(mem Memory, solver Solver) (*Engine, error) {
	if mem == nil || solver == nil {
		return nil, fmt.Errorf("memory and solver are required")
	}
	dec, err := disasm.NewDecoder(disasm.IntelSyntax)
	if err != nil {
		return nil, err
	}
	return &Engine{
		mem:    mem,
		dec:    dec,
		solver: solver,
		cache:  make(map[uint64]disasm.Inst),
	}, nil
}

// Solver returns the engine's constraint solver.
func (e *Engine) Solver() Solver { return e.solver }

// ClearCache drops every decoded instruction. Call it after patching
// the image.
func (e *Engine) ClearCache() {
	e.cache = make(map[uint64]disasm.Inst)
}

// NewState returns a blank state at entry with opts.StackWords symbolic
// words stored from rsp upward.
func (e *Engine) NewState(entry uint64, opts Options) *State {
	first := firstFreshID
	if opts.StackWords > first {
		first = opts.StackWords
	}
	s := &State{
		Addr:   entry,
		regs:   make(map[x86asm.Reg]Expr),
		mem:    make(map[uint64]Expr),
		img:    e.mem,
		solver: e.solver,
		syms:   &symbols{next: first},
		track:  opts.TrackActions,
	}
	sp := opts.StackPointer
	if sp == 0 {
		sp = DefaultStackPointer
	}
	s.SetReg(x86asm.RSP, NewConst(sp))
	for i := 0; i < opts.StackWords; i++ {
		s.mem[sp+uint64(8*i)] = &Var{ID: i, Name: fmt.Sprintf("w%d", i)}
	}
	return s
}

// Explore runs a blank state from entry.
func (e *Engine) Explore(ctx context.Context, entry uint64, opts Options) (*Exploration, error) {
	return e.ExploreFrom(ctx, e.NewState(entry, opts), opts)
}

// ExploreFrom steps st and its forks one basic block at a time until no
// state is active or the step bound is reached.
func (e *Engine) ExploreFrom(ctx context.Context, st *State, opts Options) (*Exploration, error) {
	ex := &Exploration{}
	active := []*State{st}

	for ex.Steps < opts.StepBound && len(active) > 0 {
		if err := ctx.Err(); err != nil {
			return nil, err
		}
		ex.Steps++

		var next []*State
		for _, s := range active {
			for _, succ := range e.stepBlock(s, opts) {
				switch succ.Status {
				case Active:
					next = append(next, succ)
				case Unconstrained:
					ex.Unconstrained = append(ex.Unconstrained, succ)
				case Deadended:
					ex.Deadended = append(ex.Deadended, succ)
				case Errored:
					logger.Debug("state at %#x errored: %v", succ.Addr, succ.Err)
					ex.Errored = append(ex.Errored, succ)
				}
			}
		}
		if opts.MaxActive > 0 && len(next) > opts.MaxActive {
			logger.Debug("dropping %d active states over limit %d", len(next)-opts.MaxActive, opts.MaxActive)
			next = next[:opts.MaxActive]
		}
		active = next
	}
	ex.Active = active
	return ex, nil
}

func (e *Engine) decode(addr uint64) (disasm.Inst, error) {
	if inst, ok := e.cache[addr]; ok {
		return inst, nil
	}
	code, err := e.mem.Fetch(addr, 15)
	if err != nil {
		return disasm.Inst{}, err
	}
	inst, err := e.dec.DecodeAt(code, addr)
	if err != nil {
		return disasm.Inst{}, err
	}
	e.cache[addr] = inst
	return inst, nil
}

// stepBlock executes s up to the end of its current basic block.
func (e *Engine) stepBlock(s *State, opts Options) []*State {
	s.history = append(s.history, s.Addr)
	for i := 0; i < maxBlockInsts; i++ {
		inst, err := e.decode(s.Addr)
		if err != nil {
			s.fail(err)
			return []*State{s}
		}
		s.inst = inst.Addr
		if succs, done := e.execute(s, inst, opts); done {
			return succs
		}
	}
	s.fail(fmt.Errorf("block at %#x exceeds %d instructions", s.history[len(s.history)-1], maxBlockInsts))
	return []*State{s}
}

// execute runs one instruction. It returns the successor states and true
// when the instruction ends the block.
func (e *Engine) execute(s *State, inst disasm.Inst, opts Options) ([]*State, bool) {
	op := inst.Op
	var err error

	switch op.Op {
	case x86asm.NOP:
	case x86asm.PUSH:
		var v Expr
		if v, err = s.operand(inst, op.Args[0]); err == nil {
			err = s.Push(v)
		}
	case x86asm.POP:
		var v Expr
		if v, err = s.Pop(); err == nil {
			err = s.setOperand(inst, op.Args[0], v)
		}
	case x86asm.MOV:
		var v Expr
		if v, err = s.operand(inst, op.Args[1]); err == nil {
			err = s.setOperand(inst, op.Args[0], v)
		}
	case x86asm.ADD, x86asm.SUB, x86asm.XOR, x86asm.AND, x86asm.OR:
		err = s.arith(inst)
	case x86asm.CMP, x86asm.TEST:
		var x, y Expr
		if x, err = s.operand(inst, op.Args[0]); err != nil {
			break
		}
		if y, err = s.operand(inst, op.Args[1]); err != nil {
			break
		}
		if op.Op == x86asm.CMP {
			s.flags = &flagPair{X: x, Y: y}
		} else {
			s.flags = &flagPair{X: NewBinOp(OpAnd, x, y), Y: NewConst(0)}
		}
	case x86asm.JE, x86asm.JNE:
		return e.branch(s, inst), true
	case x86asm.JMP:
		var target Expr
		if rel, ok := disasm.BranchTarget(inst); ok {
			target = NewConst(rel)
		} else if target, err = s.operand(inst, op.Args[0]); err != nil {
			break
		}
		e.jump(s, target)
		return []*State{s}, true
	case x86asm.RET:
		var target Expr
		if target, err = s.Pop(); err != nil {
			break
		}
		if imm, ok := op.Args[0].(x86asm.Imm); ok {
			sp, _ := s.ConcreteReg(x86asm.RSP)
			s.SetReg(x86asm.RSP, NewConst(sp+uint64(imm)))
		}
		e.jump(s, target)
		return []*State{s}, true
	case x86asm.SYSCALL:
		s.Addr = inst.End()
		if opts.SyscallHook != nil {
			err = opts.SyscallHook(s)
		} else {
			s.SetReg(x86asm.RAX, s.NewVar("syscall_ret"))
		}
		// The kernel clobbers rcx and r11.
		s.SetReg(x86asm.RCX, NewConst(inst.End()))
		s.SetReg(x86asm.R11, NewConst(0x246))
		if err == nil && s.Status != Active {
			return []*State{s}, true
		}
	case x86asm.HLT, x86asm.INT:
		s.Halt()
		return []*State{s}, true
	default:
		err = fmt.Errorf("%w: %s at %#x", ErrUnsupported, inst.Dis, inst.Addr)
	}

	if err != nil {
		s.fail(err)
		return []*State{s}, true
	}
	s.Addr = inst.End()
	return nil, false
}

func (e *Engine) jump(s *State, target Expr) {
	addr, ok := Concrete(target)
	if !ok {
		s.Status = Unconstrained
		s.Next = target
		return
	}
	if !e.mem.Contains(addr) {
		s.fail(fmt.Errorf("jump to %#x outside image", addr))
		return
	}
	s.Addr = addr
}

// branch resolves a je/jne, forking when the condition is symbolic.
func (e *Engine) branch(s *State, inst disasm.Inst) []*State {
	if s.flags == nil {
		s.fail(fmt.Errorf("%w: conditional jump without flags at %#x", ErrUnsupported, inst.Addr))
		return []*State{s}
	}
	target, ok := disasm.BranchTarget(inst)
	if !ok {
		s.fail(fmt.Errorf("%w: indirect conditional jump at %#x", ErrUnsupported, inst.Addr))
		return []*State{s}
	}

	op := CmpEq
	if inst.Op.Op == x86asm.JNE {
		op = CmpNe
	}
	taken := NewCond(op, s.flags.X, s.flags.Y)

	if v, ok := Concrete(taken); ok {
		if v != 0 {
			e.jump(s, NewConst(target))
		} else {
			s.Addr = inst.End()
		}
		return []*State{s}
	}

	fall := Negate(taken)
	var out []*State
	if s.Satisfiable(taken) {
		t := s.clone()
		t.AddGuard(taken)
		e.jump(t, NewConst(target))
		out = append(out, t)
	}
	if s.Satisfiable(fall) {
		f := s.clone()
		f.AddGuard(fall)
		f.Addr = inst.End()
		out = append(out, f)
	}
	return out
}

// operand reads a register, immediate or memory argument as 64 bits.
func (s *State) operand(inst disasm.Inst, arg x86asm.Arg) (Expr, error) {
	switch a := arg.(type) {
	case x86asm.Reg:
		r, bits, ok := disasm.Canonical(a)
		if !ok {
			return nil, fmt.Errorf("%w: register %v", ErrUnsupported, a)
		}
		if bits == 32 {
			return NewBinOp(OpAnd, s.Reg(r), NewConst(0xffffffff)), nil
		}
		return s.Reg(r), nil
	case x86asm.Imm:
		v := uint64(int64(a))
		if inst.Op.DataSize == 32 {
			v &= 0xffffffff
		}
		return NewConst(v), nil
	case x86asm.Mem:
		addr, err := s.address(inst, a)
		if err != nil {
			return nil, err
		}
		if inst.Op.MemBytes != 8 {
			return nil, fmt.Errorf("%w: %d-byte memory operand", ErrUnsupported, inst.Op.MemBytes)
		}
		return s.read(addr)
	}
	return nil, fmt.Errorf("%w: operand %v", ErrUnsupported, arg)
}

// setOperand writes a register or memory argument. 32-bit register
// writes zero-extend.
func (s *State) setOperand(inst disasm.Inst, arg x86asm.Arg, v Expr) error {
	switch a := arg.(type) {
	case x86asm.Reg:
		r, bits, ok := disasm.Canonical(a)
		if !ok {
			return fmt.Errorf("%w: register %v", ErrUnsupported, a)
		}
		if bits == 32 {
			v = NewBinOp(OpAnd, v, NewConst(0xffffffff))
		}
		s.SetReg(r, v)
		return nil
	case x86asm.Mem:
		addr, err := s.address(inst, a)
		if err != nil {
			return err
		}
		if inst.Op.MemBytes != 8 {
			return fmt.Errorf("%w: %d-byte memory operand", ErrUnsupported, inst.Op.MemBytes)
		}
		return s.write(addr, v)
	}
	return fmt.Errorf("%w: destination %v", ErrUnsupported, arg)
}

func (s *State) address(inst disasm.Inst, m x86asm.Mem) (uint64, error) {
	if m.Segment != 0 {
		return 0, fmt.Errorf("%w: segment override", ErrUnsupported)
	}
	addr := uint64(m.Disp)
	switch {
	case m.Base == x86asm.RIP:
		addr += inst.End()
	case m.Base != 0:
		r, bits, ok := disasm.Canonical(m.Base)
		if !ok || bits != 64 {
			return 0, fmt.Errorf("%w: base register %v", ErrUnsupported, m.Base)
		}
		v, err := s.ConcreteReg(r)
		if err != nil {
			return 0, err
		}
		addr += v
	}
	if m.Index != 0 {
		r, _, ok := disasm.Canonical(m.Index)
		if !ok {
			return 0, fmt.Errorf("%w: index register %v", ErrUnsupported, m.Index)
		}
		v, err := s.ConcreteReg(r)
		if err != nil {
			return 0, err
		}
		addr += v * uint64(m.Scale)
	}
	return addr, nil
}

func (s *State) arith(inst disasm.Inst) error {
	args := inst.Op.Args
	x, err := s.operand(inst, args[0])
	if err != nil {
		return err
	}
	y, err := s.operand(inst, args[1])
	if err != nil {
		return err
	}

	var r Expr
	switch inst.Op.Op {
	case x86asm.ADD:
		r = NewBinOp(OpAdd, x, y)
	case x86asm.SUB:
		r = NewBinOp(OpSub, x, y)
	case x86asm.XOR:
		r = NewBinOp(OpXor, x, y)
	case x86asm.AND:
		r = NewBinOp(OpAnd, x, y)
	case x86asm.OR:
		r = NewBinOp(OpOr, x, y)
	}
	if inst.Op.DataSize == 32 {
		r = NewBinOp(OpAnd, r, NewConst(0xffffffff))
	}
	if inst.Op.Op == x86asm.SUB {
		s.flags = &flagPair{X: x, Y: y}
	} else {
		s.flags = &flagPair{X: r, Y: NewConst(0)}
	}
	return s.setOperand(inst, args[0], r)
}
