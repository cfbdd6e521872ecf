package binctx_test

import (
	"bytes"
	"debug/elf"
	"testing"

	"github.com/pkg/errors"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/maxgio92/binctx"
)

func TestRegisterSection(t *testing.T) {
	c := newContext(t, binctx.ArchAMD64)
	s := binctx.NewSection(".text", 0x1000, 0x100, 16, elf.SHT_PROGBITS, textFlags, make([]byte, 0x100))

	got, err := c.RegisterSection(s)
	require.NoError(t, err)
	assert.Same(t, s, got)

	_, err = c.RegisterSection(s)
	require.Error(t, err)
	assert.True(t, binctx.IsFatal(err))

	// Sections without an address are not addressable.
	note := binctx.NewSection(".note", 0, 0x20, 4, elf.SHT_NOTE, 0, nil)
	_, err = c.RegisterSection(note)
	require.NoError(t, err)
	assert.Equal(t, []*binctx.Section{s}, c.AllocatableSections())
	assert.Equal(t, []*binctx.Section{s, note}, c.Sections())
}

func TestSectionForAddress(t *testing.T) {
	c := newContext(t, binctx.ArchAMD64)
	text := addSection(t, c, ".text", 0x1000, 0x100, textFlags, nil)
	rodata := addSection(t, c, ".rodata", 0x2000, 0x80, roFlags, nil)
	marker := addSection(t, c, ".marker", 0x3000, 0, roFlags, []byte{})

	tests := []struct {
		name    string
		address uint64
		want    *binctx.Section
	}{
		{name: "start", address: 0x1000, want: text},
		{name: "last byte", address: 0x10FF, want: text},
		{name: "end", address: 0x1100, want: nil},
		{name: "between", address: 0x1800, want: nil},
		{name: "second", address: 0x2040, want: rodata},
		{name: "zero size", address: 0x3000, want: marker},
		{name: "past zero size", address: 0x3001, want: nil},
		{name: "before all", address: 0x10, want: nil},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			s, err := c.SectionForAddress(tt.address)
			if tt.want == nil {
				require.Error(t, err)
				assert.True(t, errors.Is(err, binctx.ErrNoSection))
				return
			}
			require.NoError(t, err)
			assert.Same(t, tt.want, s)
		})
	}
}

func TestDeregisterSection(t *testing.T) {
	c := newContext(t, binctx.ArchAMD64)
	text := addSection(t, c, ".text", 0x1000, 0x100, textFlags, nil)

	assert.True(t, c.DeregisterSection(text))
	assert.False(t, c.DeregisterSection(text))
	_, err := c.SectionForAddress(0x1000)
	assert.Error(t, err)
	assert.Empty(t, c.SectionByName(".text"))
}

func TestRenameSection(t *testing.T) {
	c := newContext(t, binctx.ArchAMD64)
	text := addSection(t, c, ".text", 0x1000, 0x100, textFlags, nil)

	require.NoError(t, c.RenameSection(text, ".bolt.org.text"))
	assert.Empty(t, c.SectionByName(".text"))
	got, err := c.UniqueSectionByName(".bolt.org.text")
	require.NoError(t, err)
	assert.Same(t, text, got)

	stray := binctx.NewSection(".stray", 0, 0, 1, elf.SHT_PROGBITS, 0, nil)
	assert.True(t, binctx.IsFatal(c.RenameSection(stray, ".x")))
}

func TestRegisterOrUpdateSection(t *testing.T) {
	c := newContext(t, binctx.ArchAMD64)

	s, err := c.RegisterOrUpdateSection(".note.gen", elf.SHT_NOTE, 0, []byte{1, 2}, 2, 4)
	require.NoError(t, err)

	updated, err := c.RegisterOrUpdateSection(".note.gen", elf.SHT_NOTE, 0, []byte{1, 2, 3, 4}, 4, 4)
	require.NoError(t, err)
	assert.Same(t, s, updated)
	assert.Equal(t, uint64(4), s.Size())
	assert.Equal(t, []byte{1, 2, 3, 4}, s.Contents())

	_, err = c.RegisterOrUpdateSection(".note.gen", elf.SHT_PROGBITS, elf.SHF_ALLOC, nil, 4, 4)
	assert.True(t, binctx.IsFatal(err), "allocation status is fixed")

	addSection(t, c, ".dup", 0x1000, 0x10, roFlags, nil)
	addSection(t, c, ".dup", 0x2000, 0x10, roFlags, nil)
	_, err = c.RegisterOrUpdateSection(".dup", elf.SHT_PROGBITS, roFlags, nil, 0x10, 1)
	assert.True(t, binctx.IsFatal(err), "only unique sections are updated")
}

func TestDeregisterUnusedSections(t *testing.T) {
	c := newContext(t, binctx.ArchAMD64)
	used := addSection(t, c, ".text.new", 0x1000, 0x10, textFlags, nil)
	addSection(t, c, ".text.tmp", 0x2000, 0x10, textFlags, nil)
	used.SetOutputData([]byte{0xc3})
	abs := c.AbsoluteSection()

	c.DeregisterUnusedSections()
	assert.Equal(t, []*binctx.Section{used, abs}, c.Sections())
	_, err := c.SectionForAddress(0x2000)
	assert.Error(t, err)
}

func TestValueAt(t *testing.T) {
	data := make([]byte, 0x20)
	copy(data, []byte{0xfe, 0xff, 0xff, 0xff, 0x34, 0x12, 0x00, 0x00})
	c := newContext(t, binctx.ArchAMD64)
	addSection(t, c, ".rodata", 0x2000, 0x20, roFlags, data)
	_, err := c.RegisterSection(binctx.NewSection(".bss", 0x3000, 0x100, 16, elf.SHT_NOBITS, elf.SHF_ALLOC|elf.SHF_WRITE, nil))
	require.NoError(t, err)

	tests := []struct {
		name    string
		address uint64
		size    int
		wantU   uint64
		wantS   int64
		wantErr bool
	}{
		{name: "byte", address: 0x2000, size: 1, wantU: 0xfe, wantS: -2},
		{name: "half", address: 0x2004, size: 2, wantU: 0x1234, wantS: 0x1234},
		{name: "word", address: 0x2000, size: 4, wantU: 0xfffffffe, wantS: -2},
		{name: "quad", address: 0x2000, size: 8, wantU: 0x1234fffffffe, wantS: 0x1234fffffffe},
		{name: "virtual", address: 0x3010, size: 8, wantU: 0, wantS: 0},
		{name: "past end", address: 0x201C, size: 8, wantErr: true},
		{name: "odd size", address: 0x2000, size: 3, wantErr: true},
		{name: "unmapped", address: 0x5000, size: 4, wantErr: true},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			u, err := c.UnsignedValueAt(tt.address, tt.size)
			if tt.wantErr {
				assert.Error(t, err)
				return
			}
			require.NoError(t, err)
			assert.Equal(t, tt.wantU, u)

			s, err := c.SignedValueAt(tt.address, tt.size)
			require.NoError(t, err)
			assert.Equal(t, tt.wantS, s)
		})
	}

	p, err := c.PointerAt(0x2000)
	require.NoError(t, err)
	assert.Equal(t, uint64(0x1234fffffffe), p)
}

func TestRelocations(t *testing.T) {
	c := newContext(t, binctx.ArchAMD64)
	addSection(t, c, ".data", 0x2000, 0x40, roFlags, nil)
	sym := c.Names().Intern("target")

	require.NoError(t, c.AddRelocation(0x2008, sym, uint32(elf.R_X86_64_64), 0x10, 0))
	require.Error(t, c.AddRelocation(0x9000, sym, uint32(elf.R_X86_64_64), 0, 0))
	require.NoError(t, c.AddDynamicRelocation(0x2010, sym, uint32(elf.R_X86_64_RELATIVE), 0, 0))

	r, ok := c.RelocationAt(0x2008)
	require.True(t, ok)
	assert.Equal(t, uint64(8), r.Offset)
	assert.Same(t, sym, r.Symbol)
	assert.Equal(t, uint64(0x10), r.Addend)

	_, ok = c.RelocationAt(0x2010)
	assert.False(t, ok, "dynamic relocations are kept apart")
	_, ok = c.DynamicRelocationAt(0x2010)
	assert.True(t, ok)

	s, err := c.SectionForAddress(0x2000)
	require.NoError(t, err)
	assert.True(t, s.HasDynamicRelocationsIn(0x10, 8))
	assert.False(t, s.HasDynamicRelocationsIn(0x18, 8))

	assert.True(t, c.RemoveRelocationAt(0x2008))
	assert.False(t, c.RemoveRelocationAt(0x2008))
	assert.Empty(t, s.Relocations())
}

func TestPrintSections(t *testing.T) {
	c := newContext(t, binctx.ArchAMD64)
	addSection(t, c, ".text", 0x1000, 0x100, textFlags, nil)
	_, err := c.RegisterSection(binctx.NewSection(".bss", 0x3000, 0x100, 16, elf.SHT_NOBITS, elf.SHF_ALLOC|elf.SHF_WRITE, nil))
	require.NoError(t, err)

	var buf bytes.Buffer
	c.PrintSections(&buf)
	assert.Equal(t, ".text, 0x1000:0x1100, size=0x100, flags=AX, relocs=0\n"+
		".bss, 0x3000:0x3100, size=0x100, flags=AV, relocs=0\n", buf.String())
}
