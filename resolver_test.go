package binctx_test

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/maxgio92/binctx"
)

func TestHandleAddressRef(t *testing.T) {
	c := newContext(t, binctx.ArchAMD64)
	text := addSection(t, c, ".text", 0x1000, 0x100, textFlags, nil)
	addSection(t, c, ".data", 0x2000, 0x100, roFlags, nil)
	f := addFunction(t, c, "f", text, 0x1000, 0x40)
	addFunction(t, c, "g", text, 0x1040, 0x40)
	c.RegisterName("table", 0x2000, 0x20, 8)

	tests := []struct {
		name       string
		address    uint64
		wantName   string
		wantAddend uint64
	}{
		{name: "function start", address: 0x1000, wantName: "f"},
		{name: "inside another function", address: 0x1050, wantName: "g", wantAddend: 0x10},
		{name: "inside named object", address: 0x2008, wantName: "table", wantAddend: 8},
		{name: "unnamed data", address: 0x2080, wantName: "DATAat0x2080"},
		{name: "absolute", address: 0x9000, wantName: "DATAat0x9000"},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			sym, addend, err := c.HandleAddressRef(tt.address, f, false)
			require.NoError(t, err)
			assert.Equal(t, tt.wantName, sym.Name())
			assert.Equal(t, tt.wantAddend, addend)

			again, _, err := c.HandleAddressRef(tt.address, f, false)
			require.NoError(t, err)
			assert.Same(t, sym, again)
		})
	}

	assert.True(t, c.BinaryDataByName("DATAat0x9000").IsAbsolute())
	assert.False(t, f.IsMultiEntry())
}

func TestHandleAddressRef_EscapedLabel(t *testing.T) {
	c := newContext(t, binctx.ArchAMD64)
	text := addSection(t, c, ".text", 0x1000, 0x100, textFlags, nil)
	f := addFunction(t, c, "f", text, 0x1000, 0x40)

	sym, addend, err := c.HandleAddressRef(0x1010, f, true)
	require.NoError(t, err)
	assert.Equal(t, "__ENTRY_f@0x1010", sym.Name())
	assert.Zero(t, addend)

	again, _, err := c.HandleAddressRef(0x1010, f, true)
	require.NoError(t, err)
	assert.Same(t, sym, again)

	assert.True(t, f.IsMultiEntry())
	assert.True(t, f.HasInternalLabelReference())
	assert.Equal(t, []uint64{0x10}, f.EntryPoints())
}

func TestHandleAddressRef_PICJumpTable(t *testing.T) {
	fx := newJumpTableFixture(t, false, picEntries(0x2000, 0x1010, 0x1020), binctx.WithRelocations(true))
	fx.c.AddPCRelativeDataRelocation(0x2000)
	fx.c.AddPCRelativeDataRelocation(0x2004)

	sym, addend, err := fx.c.HandleAddressRef(0x2000, fx.f, true)
	require.NoError(t, err)
	assert.Zero(t, addend)
	assert.Equal(t, "JUMP_TABLE/f.0", sym.Name())
	require.Len(t, fx.f.JumpTables(), 1)

	// Without a PC-relative access the same address is plain data.
	other := newJumpTableFixture(t, false, picEntries(0x2000, 0x1010, 0x1020), binctx.WithRelocations(true))
	sym, _, err = other.c.HandleAddressRef(0x2000, other.f, false)
	require.NoError(t, err)
	assert.Equal(t, "DATAat0x2000", sym.Name())
	assert.Empty(t, other.f.JumpTables())
}

// newIslandContext lays out an arm64 function f at 0x10000 with a literal
// pool at offset 0x10 and code resuming at 0x18, and g at 0x10040.
func newIslandContext(t *testing.T) (*binctx.Context, *binctx.BinaryFunction, *binctx.BinaryFunction) {
	t.Helper()
	code := make([]byte, 0x100)
	putUint32s(code, 0,
		0x58000080, // ldr x0, #0x10010
		0xd65f03c0, // ret
		0xd503201f, // nop
		0xd503201f, // nop
	)
	putUint64s(code, 0x10, 0xdeadbeefcafef00d)
	putUint32s(code, 0x18, 0xd65f03c0, 0xd503201f)
	putUint32s(code, 0x40, 0xd65f03c0)

	c := newContext(t, binctx.ArchARM64)
	text := addSection(t, c, ".text", 0x10000, 0x100, textFlags, code)
	f := addFunction(t, c, "f", text, 0x10000, 0x20)
	g := addFunction(t, c, "g", text, 0x10040, 0x20)
	c.MarkDataInCode(f, 0x10)
	c.MarkCodeInCode(f, 0x18)
	return c, f, g
}

func TestConstantIslands(t *testing.T) {
	c, f, g := newIslandContext(t)

	assert.True(t, f.HasConstantIsland())
	assert.False(t, g.HasConstantIsland())
	assert.True(t, f.IsInConstantIsland(0x10010))
	assert.True(t, f.IsInConstantIsland(0x10017))
	assert.False(t, f.IsInConstantIsland(0x1000C))
	assert.False(t, f.IsInConstantIsland(0x10018))

	sym, addend, err := c.HandleAddressRef(0x10010, f, true)
	require.NoError(t, err)
	assert.Equal(t, "ISLANDat0x10010", sym.Name())
	assert.Zero(t, addend)
	assert.False(t, f.IsMultiEntry())

	// Code after the pool is an ordinary internal label.
	sym, _, err = c.HandleAddressRef(0x10018, f, true)
	require.NoError(t, err)
	assert.Equal(t, "__ENTRY_f@0x10018", sym.Name())
}

func TestConstantIslands_Proxy(t *testing.T) {
	c, f, g := newIslandContext(t)

	island, _, err := c.HandleAddressRef(0x10010, f, true)
	require.NoError(t, err)

	proxy, addend, err := c.HandleAddressRef(0x10010, g, true)
	require.NoError(t, err)
	assert.Zero(t, addend)
	assert.Equal(t, "ISLANDat0x10010.proxy.for.g", proxy.Name())
	assert.NotSame(t, island, proxy)
	assert.Equal(t, []binctx.FunctionID{f.ID()}, g.IslandDependencies())
	assert.Empty(t, f.IslandDependencies())

	again, _, err := c.HandleAddressRef(0x10010, g, true)
	require.NoError(t, err)
	assert.Same(t, proxy, again)
}
