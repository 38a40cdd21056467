package asm

import (
	"errors"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"golang.org/x/arch/x86/x86asm"
)

func TestAssembler_Encodings(t *testing.T) {
	tests := []struct {
		name string
		a    *Assembler
		want []byte
	}{
		{"pop rdi", New().Pop(x86asm.RDI), []byte{0x5f}},
		{"pop r11", New().Pop(x86asm.R11), []byte{0x41, 0x5b}},
		{"push rax", New().Push(x86asm.RAX), []byte{0x50}},
		{"mov rdx, rax", New().Mov(x86asm.RDX, x86asm.RAX), []byte{0x48, 0x89, 0xc2}},
		{"cmp r11, r10", New().Cmp(x86asm.R11, x86asm.R10), []byte{0x4d, 0x39, 0xd3}},
		{"xor r11, r10", New().Xor(x86asm.R11, x86asm.R10), []byte{0x4d, 0x31, 0xd3}},
		{"syscall; ret", New().Syscall().Ret(), []byte{0x0f, 0x05, 0xc3}},
		{
			"movabs r10, imm",
			New().MovImm(x86asm.R10, 0x1122334455667788),
			[]byte{0x49, 0xba, 0x88, 0x77, 0x66, 0x55, 0x44, 0x33, 0x22, 0x11},
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			got, err := tt.a.Bytes()
			require.NoError(t, err)
			assert.Equal(t, tt.want, got)
		})
	}
}

func TestAssembler_MatchesKeystone(t *testing.T) {
	if _, err := Text("nop", 0); errors.Is(err, ErrNoKeystone) {
		t.Skip("built without keystone")
	}

	tests := []struct {
		src string
		a   *Assembler
	}{
		{"pop rdi", New().Pop(x86asm.RDI)},
		{"pop r11", New().Pop(x86asm.R11)},
		{"push rax", New().Push(x86asm.RAX)},
		{"mov rdx, rax", New().Mov(x86asm.RDX, x86asm.RAX)},
		{"add r11, r10", New().Add(x86asm.R11, x86asm.R10)},
		{"sub r11, r10", New().Sub(x86asm.R11, x86asm.R10)},
		{"xor r11, r10", New().Xor(x86asm.R11, x86asm.R10)},
		{"cmp r11, r10", New().Cmp(x86asm.R11, x86asm.R10)},
		{"movabs r10, 0x1122334455667788", New().MovImm(x86asm.R10, 0x1122334455667788)},
		{"syscall; ret", New().Syscall().Ret()},
	}

	for _, tt := range tests {
		t.Run(tt.src, func(t *testing.T) {
			want, err := Text(tt.src, 0x401000)
			require.NoError(t, err)
			got, err := tt.a.Bytes()
			require.NoError(t, err)
			assert.Equal(t, want, got)
		})
	}
}

func TestAssembler_Labels(t *testing.T) {
	t.Run("backward jump", func(t *testing.T) {
		code := New().Label("top").Nop().Jne("top").MustBytes()
		assert.Equal(t, []byte{0x90, 0x75, 0xfd}, code)
	})

	t.Run("forward jump", func(t *testing.T) {
		code := New().Jne("fail").Ret().Label("fail").Hlt().MustBytes()
		assert.Equal(t, []byte{0x75, 0x01, 0xc3, 0xf4}, code)
	})

	t.Run("undefined label", func(t *testing.T) {
		_, err := New().Jmp("nowhere").Bytes()
		require.Error(t, err)
		assert.Contains(t, err.Error(), "nowhere")
	})

	t.Run("out of range", func(t *testing.T) {
		a := New().Jmp("far")
		for i := 0; i < 200; i++ {
			a.Nop()
		}
		_, err := a.Label("far").Bytes()
		assert.Error(t, err)
	})
}

func TestAssembler_RejectsNarrowRegisters(t *testing.T) {
	assert.Panics(t, func() { New().Pop(x86asm.EAX) })
}
