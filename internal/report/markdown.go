package report

import (
	"encoding/hex"
	"fmt"
	"os"
	"path/filepath"
	"strings"
)

// MarkdownReporter implements the Reporter interface by saving reports as markdown files.
type MarkdownReporter struct {
	outputDir string
}

// NewMarkdownReporter creates a new MarkdownReporter.
func NewMarkdownReporter(outputDir string) *MarkdownReporter {
	return &MarkdownReporter{
		outputDir: outputDir,
	}
}

// Path returns the file a summary of round is saved to.
func (r *MarkdownReporter) Path(round int) string {
	return filepath.Join(r.outputDir, fmt.Sprintf("round_%02d.md", round))
}

// Save saves the summary of a round to a markdown file.
func (r *MarkdownReporter) Save(s *RoundSummary) error {
	if err := os.MkdirAll(r.outputDir, 0755); err != nil {
		return fmt.Errorf("failed to create report directory: %w", err)
	}

	var b strings.Builder
	fmt.Fprintf(&b, "# Round %d (stage %s)\n\n", s.Round, s.Stage)
	fmt.Fprintf(&b, "**Functions:** %d, **guards recovered:** %d, **skipped:** %d\n\n",
		s.Functions, len(s.Guards), len(s.Skipped))

	b.WriteString("## Guards\n\n")
	b.WriteString("| entry | boundary | words | solution |\n")
	b.WriteString("|---|---|---|---|\n")
	for _, g := range s.Guards {
		fmt.Fprintf(&b, "| %#x | %#x | %d | `%s` |\n", g.Entry, g.Boundary, len(g.Vars), hex.EncodeToString(g.Solution))
	}
	if len(s.Skipped) > 0 {
		b.WriteString("\nSkipped functions:")
		for _, addr := range s.Skipped {
			fmt.Fprintf(&b, " %#x", addr)
		}
		b.WriteString("\n")
	}

	b.WriteString("\n## Chains\n\n")
	for _, c := range s.Chains {
		fmt.Fprintf(&b, "### %s\n\n", c.Name)
		for _, g := range c.Gadgets {
			fmt.Fprintf(&b, "- `%s`\n", g)
		}
		fmt.Fprintf(&b, "\nRaw: %d bytes, stitched: %d bytes\n\n", len(c.Raw), len(c.Stitched))
	}

	fmt.Fprintf(&b, "## Payload (%d bytes)\n\n```\n%s```\n", len(s.Payload), hex.Dump(s.Payload))

	return os.WriteFile(r.Path(s.Round), []byte(b.String()), 0644)
}
