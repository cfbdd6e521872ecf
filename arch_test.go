package binctx_test

import (
	"debug/elf"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/maxgio92/binctx"
)

func TestNewArchInfo(t *testing.T) {
	tests := []struct {
		name                string
		machine             elf.Machine
		want                binctx.Arch
		wantIslands         bool
		wantJumpTables      bool
		wantMaxSizeContains bool
	}{
		{name: "x86-64", machine: elf.EM_X86_64, want: binctx.ArchAMD64, wantJumpTables: true},
		{name: "aarch64", machine: elf.EM_AARCH64, want: binctx.ArchARM64, wantIslands: true, wantMaxSizeContains: true},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			arch, err := binctx.ArchFromELF(tt.machine)
			require.NoError(t, err)
			assert.Equal(t, tt.want, arch)

			info, err := binctx.NewArchInfo(arch)
			require.NoError(t, err)
			assert.Equal(t, tt.want, info.Arch())
			assert.Equal(t, 8, info.PointerSize())
			assert.Equal(t, tt.wantIslands, info.HasConstantIslands())
			assert.Equal(t, tt.wantJumpTables, info.AnalyzesJumpTables())
			assert.Equal(t, tt.wantMaxSizeContains, info.UseMaxSizeForContainment())
		})
	}

	_, err := binctx.NewArchInfo("riscv64")
	assert.Error(t, err)
	_, err = binctx.ArchFromELF(elf.EM_RISCV)
	assert.Error(t, err)
}

func TestDecode(t *testing.T) {
	tests := []struct {
		name     string
		arch     binctx.Arch
		code     []byte
		wantSize int
		wantErr  bool
	}{
		{name: "x86 ret", arch: binctx.ArchAMD64, code: []byte{0xc3}, wantSize: 1},
		{name: "x86 call", arch: binctx.ArchAMD64, code: []byte{0xe8, 0x00, 0x00, 0x00, 0x00}, wantSize: 5},
		{name: "x86 truncated call", arch: binctx.ArchAMD64, code: []byte{0xe8, 0x00}, wantErr: true},
		{name: "x86 lone prefix", arch: binctx.ArchAMD64, code: []byte{0x66}, wantErr: true},
		{name: "x86 empty", arch: binctx.ArchAMD64, code: nil, wantErr: true},
		{name: "arm64 ret", arch: binctx.ArchARM64, code: arm64Insn(0xd65f03c0), wantSize: 4},
		{name: "arm64 zero word", arch: binctx.ArchARM64, code: arm64Insn(0), wantErr: true},
		{name: "arm64 truncated", arch: binctx.ArchARM64, code: []byte{0xc0, 0x03}, wantErr: true},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			info, err := binctx.NewArchInfo(tt.arch)
			require.NoError(t, err)

			inst, err := info.Decode(tt.code, 0x1000)
			if tt.wantErr {
				assert.Error(t, err)
				return
			}
			require.NoError(t, err)
			assert.Equal(t, tt.wantSize, inst.Size)
			assert.Equal(t, uint64(0x1000), inst.Address)
		})
	}
}
