// Package image turns received gadget bytes into a loadable ELF image and
// exposes its code page to the analysis passes.
package image

import (
	"bytes"
	"fmt"
	"os"

	"github.com/saferwall/elf"
)

// DefaultPageSize is the size of the gadget page embedded into the template.
const DefaultPageSize = 4096

const (
	opHlt  = 0xf4
	opInt3 = 0xcc
	opRet  = 0xc3
	opNop  = 0x90
)

// Sanitize rewrites hlt runs into int3 runs of the same length. Runs of
// 2 to 19 hlt bytes and a hlt directly after a ret are padding, which the
// CFG recovery would otherwise decode as reachable code.
func Sanitize(raw []byte) []byte {
	out := make([]byte, len(raw))
	copy(out, raw)
	for i := 19; i >= 2; i-- {
		out = bytes.ReplaceAll(out, bytes.Repeat([]byte{opHlt}, i), bytes.Repeat([]byte{opInt3}, i))
	}
	return bytes.ReplaceAll(out, []byte{opRet, opHlt}, []byte{opRet, opInt3})
}

// Image is an ELF file held in memory together with the location of the
// code region the gadgets live in. Writes to the code region patch the
// ELF bytes in place.
type Image struct {
	raw  []byte
	base uint64 // virtual address of the code region
	off  int    // file offset of the code region
	size int
}

// segment is an executable PT_LOAD program header.
type segment struct {
	off, vaddr, filesz uint64
}

// execSegments parses raw and returns its executable PT_LOAD segments.
// Only 64-bit images are supported.
func execSegments(raw []byte) ([]segment, error) {
	p, err := elf.NewBytes(raw)
	if err != nil {
		return nil, fmt.Errorf("failed to parse ELF image: %w", err)
	}
	defer p.CloseFile()
	if err := p.Parse(); err != nil {
		return nil, fmt.Errorf("failed to parse ELF image: %w", err)
	}

	var segs []segment
	for _, h := range p.F.ELFBin64.ProgramHeaders64 {
		if h.Type != uint32(elf.PT_LOAD) || h.Flags&uint32(elf.PF_X) == 0 {
			continue
		}
		segs = append(segs, segment{off: h.Off, vaddr: h.Vaddr, filesz: h.Filesz})
	}
	return segs, nil
}

// Load parses an ELF image and uses its first executable PT_LOAD segment
// as the code region.
func Load(raw []byte) (*Image, error) {
	segs, err := execSegments(raw)
	if err != nil {
		return nil, err
	}
	for _, seg := range segs {
		if seg.filesz == 0 {
			continue
		}
		if seg.off+seg.filesz > uint64(len(raw)) {
			return nil, fmt.Errorf("executable segment exceeds file size")
		}
		return &Image{raw: raw, base: seg.vaddr, off: int(seg.off), size: int(seg.filesz)}, nil
	}
	return nil, fmt.Errorf("no executable PT_LOAD segment in image")
}

// loadPage parses raw and narrows the code region to the page at file
// offset off, which must lie inside an executable segment.
func loadPage(raw []byte, off, size int) (*Image, error) {
	segs, err := execSegments(raw)
	if err != nil {
		return nil, err
	}
	for _, seg := range segs {
		if uint64(off) < seg.off || uint64(off+size) > seg.off+seg.filesz {
			continue
		}
		return &Image{
			raw:  raw,
			base: seg.vaddr + uint64(off) - seg.off,
			off:  off,
			size: size,
		}, nil
	}
	return nil, fmt.Errorf("gadget page at file offset %#x is not inside an executable segment", off)
}

// Base returns the virtual address of the first code byte.
func (img *Image) Base() uint64 { return img.base }

// End returns the virtual address one past the last code byte.
func (img *Image) End() uint64 { return img.base + uint64(img.size) }

// Size returns the size of the code region in bytes.
func (img *Image) Size() int { return img.size }

// Code returns the code region. The slice aliases the image.
func (img *Image) Code() []byte { return img.raw[img.off : img.off+img.size] }

// Bytes returns the whole ELF file.
func (img *Image) Bytes() []byte { return img.raw }

// Contains reports whether addr lies in the code region.
func (img *Image) Contains(addr uint64) bool {
	return addr >= img.base && addr < img.End()
}

// Fetch returns up to max bytes starting at addr, clipped to the end of
// the code region.
func (img *Image) Fetch(addr uint64, max int) ([]byte, error) {
	if !img.Contains(addr) {
		return nil, fmt.Errorf("address %#x outside image [%#x, %#x)", addr, img.base, img.End())
	}
	start := int(addr - img.base)
	end := start + max
	if end > img.size {
		end = img.size
	}
	return img.Code()[start:end], nil
}

// ReadAt returns exactly n bytes at addr.
func (img *Image) ReadAt(addr uint64, n int) ([]byte, error) {
	if !img.Contains(addr) || addr+uint64(n) > img.End() {
		return nil, fmt.Errorf("read of %d bytes at %#x outside image", n, addr)
	}
	start := int(addr - img.base)
	out := make([]byte, n)
	copy(out, img.Code()[start:start+n])
	return out, nil
}

// WriteAt patches the code region at addr.
func (img *Image) WriteAt(addr uint64, b []byte) error {
	if !img.Contains(addr) || addr+uint64(len(b)) > img.End() {
		return fmt.Errorf("write of %d bytes at %#x outside image", len(b), addr)
	}
	copy(img.Code()[addr-img.base:], b)
	return nil
}

// WriteFile saves the ELF file to path.
func (img *Image) WriteFile(path string) error {
	return os.WriteFile(path, img.raw, 0755)
}
