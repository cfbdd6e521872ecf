package binctx_test

import (
	"testing"

	"github.com/stretchr/testify/assert"

	"github.com/maxgio92/binctx"
)

// newPaddedFunction lays out an 8-byte function at 0x1000 followed by
// padding, with 0x10 bytes available in total.
func newPaddedFunction(t *testing.T, arch binctx.Arch, padding []byte, opts ...binctx.Option) (*binctx.Context, *binctx.BinaryFunction) {
	t.Helper()
	code := make([]byte, 0x40)
	copy(code, []byte{0x31, 0xc0, 0xc3, 0x90, 0x90, 0x90, 0x90, 0x90})
	copy(code[0x08:], padding)

	c := newContext(t, arch, opts...)
	text := addSection(t, c, ".text", 0x1000, 0x40, textFlags, code)
	fn := addFunction(t, c, "f", text, 0x1000, 0x8)
	fn.SetMaxSize(0x10)
	return c, fn
}

func TestHasValidCodePadding(t *testing.T) {
	tests := []struct {
		name    string
		padding []byte
		want    bool
	}{
		{name: "breakpoints", padding: []byte{0xcc, 0xcc, 0xcc, 0xcc, 0xcc, 0xcc, 0xcc, 0xcc}, want: true},
		{name: "nops", padding: []byte{0x90, 0x90, 0x90, 0x90, 0x90, 0x90, 0x90, 0x90}, want: true},
		{name: "multi-byte nop", padding: []byte{0x0f, 0x1f, 0x40, 0x00, 0x90, 0x90, 0x90, 0x90}, want: true},
		{name: "zeros", padding: nil, want: true},
		{name: "nops then zeros", padding: []byte{0x90, 0x90}, want: true},
		// jmp +2 over two nops
		{name: "forward jump", padding: []byte{0xeb, 0x02, 0x90, 0x90}, want: true},
		// jmp -16
		{name: "backward jump", padding: []byte{0xeb, 0xf0}, want: false},
		// mov eax, 1
		{name: "code", padding: []byte{0xb8, 0x01, 0x00, 0x00, 0x00}, want: false},
		{name: "code after nops", padding: []byte{0x90, 0x90, 0xb8, 0x01, 0x00, 0x00, 0x00}, want: false},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			c, fn := newPaddedFunction(t, binctx.ArchAMD64, tt.padding)
			assert.Equal(t, tt.want, c.HasValidCodePadding(fn))
		})
	}
}

func TestHasValidCodePadding_NoPadding(t *testing.T) {
	c, fn := newPaddedFunction(t, binctx.ArchAMD64, []byte{0xb8, 0x01, 0x00, 0x00, 0x00})
	fn.SetMaxSize(fn.Size())
	assert.True(t, c.HasValidCodePadding(fn))
}

func TestHasValidCodePadding_ARM64(t *testing.T) {
	// Only x86 padding is checked.
	c, fn := newPaddedFunction(t, binctx.ArchARM64, []byte{0xb8, 0x01, 0x00, 0x00, 0x00})
	assert.True(t, c.HasValidCodePadding(fn))
}

func TestAdjustCodePadding(t *testing.T) {
	code := []byte{0xb8, 0x01, 0x00, 0x00, 0x00}

	t.Run("without relocations", func(t *testing.T) {
		c, fn := newPaddedFunction(t, binctx.ArchAMD64, code)
		c.AdjustCodePadding()
		assert.Equal(t, fn.Size(), fn.MaxSize())
		assert.False(t, fn.IsIgnored())
		assert.True(t, fn.IsSimple())
	})

	t.Run("with relocations", func(t *testing.T) {
		c, fn := newPaddedFunction(t, binctx.ArchAMD64, code, binctx.WithRelocations(true))
		c.AdjustCodePadding()
		assert.Equal(t, uint64(0x10), fn.MaxSize())
		assert.True(t, fn.IsIgnored())
		assert.False(t, fn.IsSimple())
	})

	t.Run("valid padding", func(t *testing.T) {
		c, fn := newPaddedFunction(t, binctx.ArchAMD64, nil, binctx.WithRelocations(true))
		c.AdjustCodePadding()
		assert.Equal(t, uint64(0x10), fn.MaxSize())
		assert.False(t, fn.IsIgnored())
	})
}
