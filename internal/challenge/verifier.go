package challenge

import (
	"bytes"
	"context"
	"fmt"

	"golang.org/x/arch/x86/x86asm"

	"github.com/zjy-dev/ropsynth/internal/image"
	"github.com/zjy-dev/ropsynth/internal/logger"
	"github.com/zjy-dev/ropsynth/internal/symex"
)

const (
	sysRead  = 0
	sysWrite = 1
	sysOpen  = 2
	sysExit  = 60

	firstFD     = 3
	maxPathLen  = 256
	maxWriteLen = 1 << 16

	errENOENT = ^uint64(1) // -2
	errEBADF  = ^uint64(8) // -9
)

// SecretPath is the file name the service stores at the path address.
const SecretPath = "secret"

// Verdict is the outcome of running a payload.
type Verdict struct {
	OK     bool
	Output []byte // Bytes written to stdout
	Steps  int
	Reason string
}

// Verifier runs a payload against a blob in concrete mode.
type Verifier struct {
	builder  *image.Builder
	pathAddr uint64
	secret   []byte
	maxStep  int
}

// NewVerifier returns a verifier that stores SecretPath at pathAddr and
// serves secret as its contents.
func NewVerifier(builder *image.Builder, pathAddr uint64, secret []byte, maxStep int) *Verifier {
	return &Verifier{builder: builder, pathAddr: pathAddr, secret: secret, maxStep: maxStep}
}

// Verify executes payload as the stack of a ret into the gadget page
// and reports whether the secret was written to stdout.
func (v *Verifier) Verify(ctx context.Context, blob, payload []byte) (*Verdict, error) {
	img, err := v.builder.Build(blob)
	if err != nil {
		return nil, err
	}
	engine, err := symex.NewEngine(img, symex.NewInvertSolver())
	if err != nil {
		return nil, err
	}

	sys := &kernel{pathAddr: v.pathAddr, secret: v.secret, nextFD: firstFD, files: map[uint64]int{}}
	opts := symex.Options{StepBound: v.maxStep, SyscallHook: sys.handle}

	st := engine.NewState(0, opts)
	if err := st.WriteBytes(symex.DefaultStackPointer, payload); err != nil {
		return nil, err
	}
	if err := st.WriteBytes(v.pathAddr, append([]byte(SecretPath), 0)); err != nil {
		return nil, err
	}

	first, err := st.Pop()
	if err != nil {
		return nil, err
	}
	entry, ok := symex.Concrete(first)
	if !ok || !img.Contains(entry) {
		return &Verdict{Reason: fmt.Sprintf("first return address %v outside gadget page", first)}, nil
	}
	st.Addr = entry

	ex, err := engine.ExploreFrom(ctx, st, opts)
	if err != nil {
		return nil, err
	}

	verdict := &Verdict{Output: sys.stdout.Bytes(), Steps: ex.Steps}
	switch {
	case len(ex.Errored) > 0:
		verdict.Reason = ex.Errored[0].Err.Error()
	case len(ex.Active) > 0:
		verdict.Reason = fmt.Sprintf("still running after %d steps", ex.Steps)
	case len(ex.Deadended) > 0 && !sys.exited:
		verdict.Reason = fmt.Sprintf("halted at %#x", ex.Deadended[0].Addr)
	}
	verdict.OK = bytes.Equal(verdict.Output, v.secret)
	if !verdict.OK && verdict.Reason == "" {
		verdict.Reason = "secret not written"
	}
	logger.Debug("verify: ok=%v steps=%d output=%d bytes %s", verdict.OK, verdict.Steps, len(verdict.Output), verdict.Reason)
	return verdict, nil
}

// kernel emulates the handful of syscalls a chain needs.
type kernel struct {
	pathAddr uint64
	secret   []byte
	nextFD   uint64
	files    map[uint64]int // fd to read offset
	stdout   bytes.Buffer
	exited   bool
}

func (k *kernel) handle(s *symex.State) error {
	nr, err := s.ConcreteReg(x86asm.RAX)
	if err != nil {
		return err
	}
	arg := func(r x86asm.Reg) (uint64, error) { return s.ConcreteReg(r) }

	switch nr {
	case sysOpen:
		addr, err := arg(x86asm.RDI)
		if err != nil {
			return err
		}
		name, err := s.ReadBytes(addr, maxPathLen)
		if err != nil {
			return err
		}
		if i := bytes.IndexByte(name, 0); i >= 0 {
			name = name[:i]
		}
		if string(name) != SecretPath {
			s.SetReg(x86asm.RAX, symex.NewConst(errENOENT))
			return nil
		}
		fd := k.nextFD
		k.nextFD++
		k.files[fd] = 0
		s.SetReg(x86asm.RAX, symex.NewConst(fd))
	case sysRead:
		fd, err := arg(x86asm.RDI)
		if err != nil {
			return err
		}
		buf, err := arg(x86asm.RSI)
		if err != nil {
			return err
		}
		n, err := arg(x86asm.RDX)
		if err != nil {
			return err
		}
		off, ok := k.files[fd]
		if !ok {
			s.SetReg(x86asm.RAX, symex.NewConst(errEBADF))
			return nil
		}
		data := k.secret[off:]
		if uint64(len(data)) > n {
			data = data[:n]
		}
		if err := s.WriteBytes(buf, data); err != nil {
			return err
		}
		k.files[fd] = off + len(data)
		s.SetReg(x86asm.RAX, symex.NewConst(uint64(len(data))))
	case sysWrite:
		fd, err := arg(x86asm.RDI)
		if err != nil {
			return err
		}
		buf, err := arg(x86asm.RSI)
		if err != nil {
			return err
		}
		n, err := arg(x86asm.RDX)
		if err != nil {
			return err
		}
		if fd != 1 {
			s.SetReg(x86asm.RAX, symex.NewConst(errEBADF))
			return nil
		}
		if n > maxWriteLen {
			return fmt.Errorf("write of %d bytes exceeds %d", n, maxWriteLen)
		}
		data, err := s.ReadBytes(buf, int(n))
		if err != nil {
			return err
		}
		k.stdout.Write(data)
		s.SetReg(x86asm.RAX, symex.NewConst(n))
	case sysExit:
		k.exited = true
		s.Halt()
	default:
		return fmt.Errorf("unsupported syscall %d", nr)
	}
	return nil
}
