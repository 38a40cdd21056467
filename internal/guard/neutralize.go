package guard

import "fmt"

const opRet = 0xc3

// Patcher writes bytes into the loaded image.
type Patcher interface {
	WriteAt(addr uint64, b []byte) error
}

// CacheClearer drops decoded instructions that a patch invalidates.
type CacheClearer interface {
	ClearCache()
}

// Neutralizer turns a guard boundary into a plain ret so that later
// analyses see the gadget without its check.
type Neutralizer struct {
	img   Patcher
	cache CacheClearer
}

// NewNeutralizer returns a neutralizer patching img and clearing cache.
func NewNeutralizer(img Patcher, cache CacheClearer) *Neutralizer {
	return &Neutralizer{img: img, cache: cache}
}

// Neutralize writes a ret at addr. Applying it twice is harmless.
func (n *Neutralizer) Neutralize(addr uint64) error {
	if err := n.img.WriteAt(addr, []byte{opRet}); err != nil {
		return fmt.Errorf("neutralizing guard at %#x: %w", addr, err)
	}
	n.cache.ClearCache()
	return nil
}
