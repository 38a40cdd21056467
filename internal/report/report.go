// Package report writes a human readable record of each solved round.
package report

import "github.com/zjy-dev/ropsynth/internal/guard"

// Reporter defines the interface for saving round reports.
type Reporter interface {
	// Save writes the summary of one round.
	Save(summary *RoundSummary) error
}

// ChainSummary is one synthesized chain of a round.
type ChainSummary struct {
	Name     string
	Gadgets  []string // "0x401000: pop rdi; ret"
	Raw      []byte
	Stitched []byte
}

// RoundSummary is what a round produced.
type RoundSummary struct {
	Round     int
	Stage     string
	Functions int
	Guards    []*guard.Guard
	Skipped   []uint64 // Entries of functions too small to be gadgets
	Chains    []ChainSummary
	Payload   []byte
}
