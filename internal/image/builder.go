package image

import (
	"bytes"
	"debug/elf"
	"encoding/binary"
	"fmt"
	"os"
)

const (
	elfHeaderSize  = 64
	progHeaderSize = 56
)

// Builder embeds gadget bytes into a template ELF.
type Builder struct {
	template []byte
	pageSize int
}

// NewBuilder creates a builder. An empty templatePath selects a generated
// minimal ELF whose code page is mapped at base+pageSize.
func NewBuilder(templatePath string, base uint64, pageSize int) (*Builder, error) {
	if pageSize <= 0 {
		pageSize = DefaultPageSize
	}

	if templatePath == "" {
		return &Builder{template: NewTemplate(base, pageSize), pageSize: pageSize}, nil
	}

	tpl, err := os.ReadFile(templatePath)
	if err != nil {
		return nil, fmt.Errorf("failed to read template %s: %w", templatePath, err)
	}
	if !bytes.Contains(tpl, bytes.Repeat([]byte{opNop}, pageSize)) {
		return nil, fmt.Errorf("template %s has no %d-byte nop page", templatePath, pageSize)
	}
	return &Builder{template: tpl, pageSize: pageSize}, nil
}

// Build sanitizes raw gadget bytes, pads them to a full page of int3 and
// substitutes them for the template's nop page.
func (b *Builder) Build(raw []byte) (*Image, error) {
	code := Sanitize(raw)
	if len(code) > b.pageSize {
		return nil, fmt.Errorf("gadgets are %d bytes, larger than the %d-byte page", len(code), b.pageSize)
	}
	page := make([]byte, b.pageSize)
	copy(page, code)
	for i := len(code); i < len(page); i++ {
		page[i] = opInt3
	}

	out := make([]byte, len(b.template))
	copy(out, b.template)
	off := bytes.Index(out, bytes.Repeat([]byte{opNop}, b.pageSize))
	if off < 0 {
		return nil, fmt.Errorf("template has no nop page")
	}
	copy(out[off:], page)

	return loadPage(out, off, b.pageSize)
}

// NewTemplate generates a static ELF64 executable with a single R+X
// segment: headers in the first page, a page of nops in the second.
func NewTemplate(base uint64, pageSize int) []byte {
	ps := uint64(pageSize)
	codeAddr := base + ps

	hdr := elf.Header64{
		Type:      uint16(elf.ET_EXEC),
		Machine:   uint16(elf.EM_X86_64),
		Version:   uint32(elf.EV_CURRENT),
		Entry:     codeAddr,
		Phoff:     elfHeaderSize,
		Ehsize:    elfHeaderSize,
		Phentsize: progHeaderSize,
		Phnum:     1,
	}
	copy(hdr.Ident[:], elf.ELFMAG)
	hdr.Ident[elf.EI_CLASS] = byte(elf.ELFCLASS64)
	hdr.Ident[elf.EI_DATA] = byte(elf.ELFDATA2LSB)
	hdr.Ident[elf.EI_VERSION] = byte(elf.EV_CURRENT)
	hdr.Ident[elf.EI_OSABI] = byte(elf.ELFOSABI_NONE)

	prog := elf.Prog64{
		Type:   uint32(elf.PT_LOAD),
		Flags:  uint32(elf.PF_R | elf.PF_X),
		Off:    0,
		Vaddr:  base,
		Paddr:  base,
		Filesz: 2 * ps,
		Memsz:  2 * ps,
		Align:  ps,
	}

	var buf bytes.Buffer
	// Writes to a bytes.Buffer cannot fail.
	_ = binary.Write(&buf, binary.LittleEndian, &hdr)
	_ = binary.Write(&buf, binary.LittleEndian, &prog)

	out := make([]byte, 2*pageSize)
	copy(out, buf.Bytes())
	for i := pageSize; i < len(out); i++ {
		out[i] = opNop
	}
	return out
}
