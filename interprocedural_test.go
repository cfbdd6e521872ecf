package binctx_test

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/maxgio92/binctx"
)

func TestProcessInterproceduralReferences_EntryPoints(t *testing.T) {
	c := newContext(t, binctx.ArchAMD64)
	text := addSection(t, c, ".text", 0x1000, 0x100, textFlags, nil)
	addSection(t, c, ".data", 0x2000, 0x100, roFlags, nil)
	f := addFunction(t, c, "f", text, 0x1000, 0x40)
	g := addFunction(t, c, "g", text, 0x1040, 0x40)

	// Duplicates collapse, references to a function start add nothing.
	c.AddInterproceduralReference(f, 0x1050)
	c.AddInterproceduralReference(f, 0x1050)
	c.AddInterproceduralReference(f, 0x1040)
	c.AddInterproceduralReference(g, 0x1050)
	c.AddInterproceduralReference(f, 0x2010)

	require.NoError(t, c.ProcessInterproceduralReferences())
	assert.Equal(t, []uint64{0x10}, g.EntryPoints())
	sym, ok := g.EntryPointSymbol(0x10)
	require.True(t, ok)
	assert.Equal(t, "__ENTRY_g@0x1050", sym.Name())
	assert.False(t, f.IsMultiEntry())

	// The list is drained.
	require.NoError(t, c.ProcessInterproceduralReferences())
	assert.Equal(t, []uint64{0x10}, g.EntryPoints())
}

func TestProcessInterproceduralReferences_Ignored(t *testing.T) {
	c := newContext(t, binctx.ArchAMD64)
	text := addSection(t, c, ".text", 0x1000, 0x100, textFlags, nil)
	f := addFunction(t, c, "f", text, 0x1000, 0x40)
	g := addFunction(t, c, "g", text, 0x1040, 0x40)
	f.SetIgnored()

	c.AddInterproceduralReference(f, 0x1050)
	require.NoError(t, c.ProcessInterproceduralReferences())
	assert.False(t, g.IsMultiEntry())
}

func TestProcessInterproceduralReferences_UnmarkedObject(t *testing.T) {
	tests := []struct {
		name        string
		opts        []binctx.Option
		wantFatal   bool
		wantMaxSize uint64
	}{
		{name: "default", wantMaxSize: 0x20},
		{name: "process all", opts: []binctx.Option{binctx.WithProcessAllFunctions(true)}, wantFatal: true, wantMaxSize: 0x40},
		{name: "strict", opts: []binctx.Option{binctx.WithStrictMode(true)}, wantFatal: true, wantMaxSize: 0x40},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			c := newContext(t, binctx.ArchAMD64, tt.opts...)
			text := addSection(t, c, ".text", 0x1000, 0x100, textFlags, nil)
			f := addFunction(t, c, "f", text, 0x1000, 0x20)
			f.SetMaxSize(0x40)
			g := addFunction(t, c, "g", text, 0x1040, 0x20)

			// g reads an object hidden in the padding of f.
			c.AddInterproceduralReference(g, 0x1030)
			err := c.ProcessInterproceduralReferences()
			if tt.wantFatal {
				require.Error(t, err)
				assert.True(t, binctx.IsFatal(err))
			} else {
				require.NoError(t, err)
			}
			assert.Equal(t, tt.wantMaxSize, f.MaxSize())
		})
	}
}

// newVeneerContext lays out f calling a long-branch stub at 0x10040 that
// jumps to g at 0x10080.
func newVeneerContext(t *testing.T) (*binctx.Context, *binctx.BinaryFunction, *binctx.BinaryFunction) {
	t.Helper()
	code := make([]byte, 0x100)
	putUint32s(code, 0x00,
		arm64BranchInsn(0x94000000, 0x10000, 0x10040), // bl 0x10040
		0xd65f03c0, // ret
	)
	putUint32s(code, 0x40,
		arm64Adrp(16, 0x10040, 0x10080),
		arm64AddImm(16, 16, 0x80),
		arm64Br(16),
	)
	putUint32s(code, 0x80, 0xd65f03c0)

	c := newContext(t, binctx.ArchARM64)
	text := addSection(t, c, ".text", 0x10000, 0x100, textFlags, code)
	f := addFunction(t, c, "f", text, 0x10000, 0x10)
	g := addFunction(t, c, "g", text, 0x10080, 0x10)
	return c, f, g
}

func TestHandleVeneer(t *testing.T) {
	c, f, _ := newVeneerContext(t)

	ok, err := c.HandleVeneer(0x10040, true)
	require.NoError(t, err)
	assert.True(t, ok)
	assert.Nil(t, c.FunctionAt(0x10040), "match only creates nothing")

	// Not a stub.
	ok, err = c.HandleVeneer(0x10004, true)
	require.NoError(t, err)
	assert.False(t, ok, "inside f")
	ok, err = c.HandleVeneer(0x10084, true)
	require.NoError(t, err)
	assert.False(t, ok, "inside g")
	ok, err = c.HandleVeneer(0x100C0, true)
	require.NoError(t, err)
	assert.False(t, ok, "no branch")

	c.AddInterproceduralReference(f, 0x10040)
	require.NoError(t, c.ProcessInterproceduralReferences())

	veneer := c.FunctionAt(0x10040)
	require.NotNil(t, veneer)
	assert.Equal(t, "FUNCat0x10040", veneer.Name())
	assert.Equal(t, uint64(12), veneer.Size())
	assert.Equal(t, uint64(12), veneer.MaxSize())
	assert.Equal(t, binctx.StateDisassembled, veneer.State())

	insts := veneer.Instructions()
	require.Len(t, insts, 3)
	for i, inst := range insts {
		assert.True(t, inst.Veneer, "instruction %d", i)
		assert.Equal(t, uint64(0x10040+4*i), inst.Address)
	}
}

func TestHandleVeneer_TargetInsideFunction(t *testing.T) {
	code := make([]byte, 0x100)
	putUint32s(code, 0x40,
		arm64Adrp(16, 0x10040, 0x10088),
		arm64AddImm(16, 16, 0x88),
		arm64Br(16),
	)

	c := newContext(t, binctx.ArchARM64)
	text := addSection(t, c, ".text", 0x10000, 0x100, textFlags, code)
	g := addFunction(t, c, "g", text, 0x10080, 0x20)

	ok, err := c.HandleVeneer(0x10040, false)
	require.NoError(t, err)
	require.True(t, ok)
	assert.Equal(t, []uint64{0x8}, g.EntryPoints())
}
