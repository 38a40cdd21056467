package app

import (
	"context"
	"os"
	"os/signal"
	"syscall"

	"github.com/spf13/cobra"

	"github.com/zjy-dev/ropsynth/internal/challenge"
	"github.com/zjy-dev/ropsynth/internal/logger"
)

type stdio struct{}

func (stdio) Read(p []byte) (int, error)  { return os.Stdin.Read(p) }
func (stdio) Write(p []byte) (int, error) { return os.Stdout.Write(p) }

// NewServeCommand creates the "serve" subcommand.
func NewServeCommand() *cobra.Command {
	var (
		listen   string
		useStdio bool
		seed     int64
		decoys   int
		flag     string
	)

	cmd := &cobra.Command{
		Use:   "serve",
		Short: "Run a local challenge service.",
		Long: `Run a local stand-in for the challenge service. Every round sends a
fresh blob of guarded gadgets and emulates the submitted chain; the flag is
sent after the last round.

Examples:
  # Listen on TCP
  ropsynth serve --listen 127.0.0.1:10000

  # Serve a single session on stdin/stdout, for process mode
  ropsynth solve --mode process --command ropsynth --arg serve --arg --stdio`,
		RunE: func(cmd *cobra.Command, _ []string) error {
			cfg, err := loadConfig(cmd)
			if err != nil {
				return err
			}
			if cmd.Flags().Changed("listen") {
				cfg.Challenge.Listen = listen
			}
			if cmd.Flags().Changed("seed") {
				cfg.Challenge.Seed = seed
			}
			if cmd.Flags().Changed("decoys") {
				cfg.Challenge.Decoys = decoys
			}
			if cmd.Flags().Changed("flag") {
				cfg.Challenge.Flag = flag
			}

			srv, err := challenge.NewServer(cfg)
			if err != nil {
				return err
			}

			parent := cmd.Context()
			if parent == nil {
				parent = context.Background()
			}
			ctx, stop := signal.NotifyContext(parent, os.Interrupt, syscall.SIGTERM)
			defer stop()

			if useStdio {
				// Logs go to stderr, stdout carries the protocol.
				logger.SetColorEnable(false)
				return srv.Serve(ctx, stdio{})
			}
			return srv.ListenAndServe(ctx, cfg.Challenge.Listen)
		},
	}

	cmd.Flags().StringVar(&listen, "listen", "127.0.0.1:10000", "TCP address to listen on")
	cmd.Flags().BoolVar(&useStdio, "stdio", false, "Serve one session on stdin/stdout")
	cmd.Flags().Int64Var(&seed, "seed", 0, "Generator seed (0 picks one from the clock)")
	cmd.Flags().IntVar(&decoys, "decoys", 6, "Decoy gadgets per blob")
	cmd.Flags().StringVar(&flag, "flag", "", "Proof sent after the last round")

	return cmd
}
