package binctx_test

import (
	"debug/elf"
	"encoding/binary"
	"testing"

	"github.com/stretchr/testify/require"

	"github.com/maxgio92/binctx"
)

const (
	textFlags = elf.SHF_ALLOC | elf.SHF_EXECINSTR
	roFlags   = elf.SHF_ALLOC
)

// newContext returns an empty context for arch.
func newContext(t *testing.T, arch binctx.Arch, opts ...binctx.Option) *binctx.Context {
	t.Helper()
	c, err := binctx.NewContext(arch, opts...)
	require.NoError(t, err)
	return c
}

// addSection registers a PROGBITS section backed by contents, or a zeroed
// buffer of size bytes when contents is nil.
func addSection(t *testing.T, c *binctx.Context, name string, address, size uint64, flags elf.SectionFlag, contents []byte) *binctx.Section {
	t.Helper()
	if contents == nil {
		contents = make([]byte, size)
	}
	s, err := c.RegisterSection(binctx.NewSection(name, address, size, 16, elf.SHT_PROGBITS, flags, contents))
	require.NoError(t, err)
	return s
}

// addFunction creates a function covering [address, address+size).
func addFunction(t *testing.T, c *binctx.Context, name string, s *binctx.Section, address, size uint64) *binctx.BinaryFunction {
	t.Helper()
	fn, err := c.CreateFunction(name, s, address, size, 0, 1)
	require.NoError(t, err)
	return fn
}

// encodeCallRel32 writes an AMD64 CALL rel32 instruction at code[offset:].
func encodeCallRel32(code []byte, offset int, baseAddr, target uint64) {
	source := baseAddr + uint64(offset)
	rel := int32(int64(target) - int64(source+5))
	code[offset] = 0xE8
	binary.LittleEndian.PutUint32(code[offset+1:], uint32(rel))
}

// encodeJmpRel32 writes an AMD64 JMP rel32 instruction at code[offset:].
func encodeJmpRel32(code []byte, offset int, baseAddr, target uint64) {
	source := baseAddr + uint64(offset)
	rel := int32(int64(target) - int64(source+5))
	code[offset] = 0xE9
	binary.LittleEndian.PutUint32(code[offset+1:], uint32(rel))
}

// encodeLeaRIP writes lea rax, [rip+disp32] at code[offset:] so that it
// references target.
func encodeLeaRIP(code []byte, offset int, baseAddr, target uint64) {
	source := baseAddr + uint64(offset)
	copy(code[offset:], []byte{0x48, 0x8d, 0x05})
	rel := int32(int64(target) - int64(source+7))
	binary.LittleEndian.PutUint32(code[offset+3:], uint32(rel))
}

// encodeJmpTable writes jmp [disp32 + rax*8] at code[offset:].
func encodeJmpTable(code []byte, offset int, table uint32) {
	copy(code[offset:], []byte{0xff, 0x24, 0xc5})
	binary.LittleEndian.PutUint32(code[offset+3:], table)
}

// arm64Insn encodes one ARM64 instruction word in little-endian order.
func arm64Insn(words ...uint32) []byte {
	out := make([]byte, 4*len(words))
	for i, w := range words {
		binary.LittleEndian.PutUint32(out[4*i:], w)
	}
	return out
}

// arm64BranchInsn encodes an ARM64 BL or B instruction word.
// opBase is 0x94000000 for BL or 0x14000000 for B.
func arm64BranchInsn(opBase uint32, source, target uint64) uint32 {
	off := int64(target) - int64(source)
	imm26 := uint32(off/4) & 0x03FFFFFF
	return opBase | imm26
}

// arm64Adrp encodes adrp xd, page(target) at source.
func arm64Adrp(rd uint32, source, target uint64) uint32 {
	pages := int64(target>>12) - int64(source>>12)
	imm := uint32(pages) & 0x1fffff
	return 0x90000000 | (imm&0x3)<<29 | (imm>>2)<<5 | rd
}

// arm64AddImm encodes add xd, xn, #imm.
func arm64AddImm(rd, rn, imm uint32) uint32 {
	return 0x91000000 | (imm&0xfff)<<10 | rn<<5 | rd
}

// arm64Br encodes br xn.
func arm64Br(rn uint32) uint32 {
	return 0xd61f0000 | rn<<5
}

// putUint32s writes little-endian 32-bit values at data[offset:].
func putUint32s(data []byte, offset int, values ...uint32) {
	for i, v := range values {
		binary.LittleEndian.PutUint32(data[offset+4*i:], v)
	}
}

// putUint64s writes little-endian 64-bit values at data[offset:].
func putUint64s(data []byte, offset int, values ...uint64) {
	for i, v := range values {
		binary.LittleEndian.PutUint64(data[offset+8*i:], v)
	}
}
