package app

import (
	"context"
	"fmt"
	"os"
	"os/signal"
	"syscall"

	"github.com/spf13/cobra"

	"github.com/zjy-dev/ropsynth/internal/config"
	"github.com/zjy-dev/ropsynth/internal/logger"
	"github.com/zjy-dev/ropsynth/internal/report"
	"github.com/zjy-dev/ropsynth/internal/round"
	"github.com/zjy-dev/ropsynth/internal/state"
	"github.com/zjy-dev/ropsynth/internal/transport"
)

// NewSolveCommand creates the "solve" subcommand.
func NewSolveCommand() *cobra.Command {
	var (
		mode      string
		address   string
		command   string
		args      []string
		rounds    int
		solver    string
		reportDir string
		stateDir  string
	)

	cmd := &cobra.Command{
		Use:   "solve",
		Short: "Solve every round against the challenge service.",
		Long: `Connect to the challenge service, solve every round and print the proof.

Each round:
  1. Receives the gadget blob and builds an image from it
  2. Recovers the guard of every gadget and patches it out
  3. Synthesizes open, read and write chains plus a mov rdx, rax link
  4. Interleaves the guard words and submits the payload

Configuration:
  Default values are loaded from configs/config.yaml under 'config'.
  Command line flags override the config file values.

Examples:
  # Run the challenge binary locally
  ropsynth solve --mode process --command ./ropsynth.py

  # Talk to a remote service
  ropsynth solve --mode tcp --address ropsynth.pwn.seccon.jp:10000

  # Keep markdown reports of every round
  ropsynth solve --report-dir reports`,
		RunE: func(cmd *cobra.Command, _ []string) error {
			cfg, err := loadConfig(cmd)
			if err != nil {
				return err
			}

			if cmd.Flags().Changed("mode") {
				cfg.Transport.Mode = mode
			}
			if cmd.Flags().Changed("address") {
				cfg.Transport.Address = address
			}
			if cmd.Flags().Changed("command") {
				cfg.Transport.Command = command
			}
			if cmd.Flags().Changed("arg") {
				cfg.Transport.Args = args
			}
			if cmd.Flags().Changed("rounds") {
				cfg.Rounds = rounds
			}
			if cmd.Flags().Changed("solver") {
				cfg.Recovery.Solver = solver
			}
			if cmd.Flags().Changed("report-dir") {
				cfg.ReportDir = reportDir
			}
			if err := cfg.Validate(); err != nil {
				return err
			}

			return runSolve(cmd.Context(), cfg, stateDir)
		},
	}

	// Placeholder defaults, actual defaults come from config.
	cmd.Flags().StringVar(&mode, "mode", "process", "Transport: process or tcp")
	cmd.Flags().StringVar(&address, "address", "", "Service address for tcp mode")
	cmd.Flags().StringVar(&command, "command", "", "Service command for process mode")
	cmd.Flags().StringArrayVar(&args, "arg", nil, "Argument of the service command (repeatable)")
	cmd.Flags().IntVar(&rounds, "rounds", 5, "Number of rounds")
	cmd.Flags().StringVar(&solver, "solver", "invert", "Constraint solver (invert or z3)")
	cmd.Flags().StringVar(&reportDir, "report-dir", "", "Directory for markdown round reports")
	cmd.Flags().StringVar(&stateDir, "state-dir", "", "Directory for the run state file")

	return cmd
}

func runSolve(parent context.Context, cfg *config.Config, stateDir string) error {
	if parent == nil {
		parent = context.Background()
	}
	ctx, stop := signal.NotifyContext(parent, os.Interrupt, syscall.SIGTERM)
	defer stop()

	var reporter report.Reporter
	if cfg.ReportDir != "" {
		reporter = report.NewMarkdownReporter(cfg.ReportDir)
	}
	if stateDir != "" {
		if prev, ok := previousRun(stateDir); ok {
			logger.Info("Previous run: %s", prev)
		}
	}
	machine := state.NewMachine(stateDir)

	runner, err := round.NewRunner(cfg, machine, reporter)
	if err != nil {
		return err
	}

	sess, err := transport.Dial(ctx, cfg.Transport)
	if err != nil {
		return err
	}
	defer sess.Close()

	proof, err := runner.Run(ctx, sess)
	if err != nil {
		if path := machine.GetFilePath(); path != "" {
			logger.Info("Run state saved to %s", path)
		}
		return err
	}

	fmt.Println(proof)
	return nil
}

// previousRun describes the state file left in dir by an earlier run.
func previousRun(dir string) (string, bool) {
	st, err := state.Load(dir)
	if err != nil {
		return "", false
	}
	desc := fmt.Sprintf("phase %s, %d round(s) completed", st.Phase, st.Completed)
	if st.LastError != "" {
		desc += fmt.Sprintf(", last error %q", st.LastError)
	}
	return desc, true
}
