package app

import (
	"bytes"
	"context"
	"encoding/base64"
	"encoding/hex"
	"fmt"
	"io"
	"os"

	"github.com/spf13/cobra"
	"gopkg.in/yaml.v3"

	"github.com/zjy-dev/ropsynth/internal/round"
	"github.com/zjy-dev/ropsynth/internal/stitch"
)

type guardView struct {
	Entry    string   `yaml:"entry"`
	Boundary string   `yaml:"boundary"`
	Words    []string `yaml:"words,omitempty"`
	Solution string   `yaml:"solution,omitempty"`
}

type chainView struct {
	Name     string   `yaml:"name"`
	Gadgets  []string `yaml:"gadgets"`
	Raw      int      `yaml:"raw_bytes"`
	Stitched int      `yaml:"stitched_bytes"`
	Guards   int      `yaml:"guard_bytes"`
}

type inspectView struct {
	Functions int         `yaml:"functions"`
	Guards    []guardView `yaml:"guards"`
	Skipped   []string    `yaml:"skipped,omitempty"`
	Chains    []chainView `yaml:"chains,omitempty"`
	Payload   string      `yaml:"payload,omitempty"` // base64, as submitted
}

// NewInspectCommand creates the "inspect" subcommand.
func NewInspectCommand() *cobra.Command {
	var (
		encoded bool
		chains  bool
	)

	cmd := &cobra.Command{
		Use:   "inspect [file]",
		Short: "Recover the guards of a gadget blob and print them as YAML.",
		Long: `Recover the guard of every gadget in a blob without contacting the service.

The blob is read from the file argument, or stdin when absent. With
--base64 the input is the line the service sends after the stage header.

Examples:
  # Show guards and their solutions
  ropsynth inspect gadgets.bin

  # Also synthesize and stitch the chains
  ropsynth inspect --base64 --chains stage1.txt`,
		Args: cobra.MaximumNArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, err := loadConfig(cmd)
			if err != nil {
				return err
			}

			var in io.Reader = cmd.InOrStdin()
			if len(args) == 1 {
				f, err := os.Open(args[0])
				if err != nil {
					return err
				}
				defer f.Close()
				in = f
			}
			blob, err := io.ReadAll(in)
			if err != nil {
				return fmt.Errorf("failed to read blob: %w", err)
			}
			if encoded {
				if blob, err = base64.StdEncoding.DecodeString(string(bytes.TrimSpace(blob))); err != nil {
					return fmt.Errorf("failed to decode blob: %w", err)
				}
			}

			runner, err := round.NewRunner(cfg, nil, nil)
			if err != nil {
				return err
			}
			var res *round.Result
			if chains {
				res, err = runner.Round(context.Background(), "-", blob)
			} else {
				res, err = runner.Analyze(context.Background(), blob)
			}
			if err != nil {
				return err
			}
			if err := checkChains(res); err != nil {
				return err
			}

			enc := yaml.NewEncoder(cmd.OutOrStdout())
			enc.SetIndent(2)
			defer enc.Close()
			return enc.Encode(view(res))
		},
	}

	cmd.Flags().BoolVar(&encoded, "base64", false, "Input is base64 encoded")
	cmd.Flags().BoolVar(&chains, "chains", false, "Synthesize and stitch chains too")

	return cmd
}

func view(res *round.Result) inspectView {
	v := inspectView{Functions: res.Functions}
	for _, g := range res.Guards {
		gv := guardView{
			Entry:    fmt.Sprintf("%#x", g.Entry),
			Boundary: fmt.Sprintf("%#x", g.Boundary),
			Solution: hex.EncodeToString(g.Solution),
		}
		for _, w := range g.Vars {
			gv.Words = append(gv.Words, w.Name)
		}
		v.Guards = append(v.Guards, gv)
	}
	for _, addr := range res.Skipped {
		v.Skipped = append(v.Skipped, fmt.Sprintf("%#x", addr))
	}
	for _, c := range round.Summary(0, res).Chains {
		v.Chains = append(v.Chains, chainView{
			Name:     c.Name,
			Gadgets:  c.Gadgets,
			Raw:      len(c.Raw),
			Stitched: len(c.Stitched),
			Guards:   len(c.Stitched) - len(c.Raw),
		})
	}
	if len(res.Payload) > 0 {
		v.Payload = base64.StdEncoding.EncodeToString(res.Payload)
	}
	return v
}

// checkChains strips the guard words back out of every stitched chain and
// compares the result with the raw chain.
func checkChains(res *round.Result) error {
	for _, c := range res.Chains {
		raw, err := stitch.Unstitch(c.Stitched, c.Raw, res.Solutions)
		if err != nil {
			return fmt.Errorf("chain %s: %w", c.Name, err)
		}
		if !bytes.Equal(raw, c.Raw.Payload) {
			return fmt.Errorf("chain %s: stitched payload does not reduce to the raw chain", c.Name)
		}
	}
	return nil
}
