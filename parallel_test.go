package binctx_test

import (
	"context"
	"fmt"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/maxgio92/binctx"
)

// newCloneContext lays out n copies of one function every 0x10 bytes,
// followed by a distinct one.
func newCloneContext(t *testing.T, n int) (*binctx.Context, []*binctx.BinaryFunction) {
	t.Helper()
	body := []byte{0x55, 0x48, 0x89, 0xe5, 0x5d, 0xc3, 0x90, 0x90}
	code := make([]byte, 0x10*(n+1))
	for i := 0; i < n; i++ {
		copy(code[0x10*i:], body)
	}
	copy(code[0x10*n:], []byte{0x31, 0xc0, 0xc3, 0x90, 0x90, 0x90, 0x90, 0x90})

	c := newContext(t, binctx.ArchAMD64)
	text := addSection(t, c, ".text", 0x1000, uint64(len(code)), textFlags, code)
	fns := make([]*binctx.BinaryFunction, 0, n+1)
	for i := 0; i <= n; i++ {
		fns = append(fns, addFunction(t, c, fmt.Sprintf("fn%d", i), text, 0x1000+uint64(0x10*i), 0x8))
	}
	return c, fns
}

func TestAnalyze(t *testing.T) {
	tests := []struct {
		name       string
		jobs       int
		fold       bool
		wantFolded int
	}{
		{name: "sequential", jobs: 1, fold: true, wantFolded: 7},
		{name: "parallel", jobs: 4, fold: true, wantFolded: 7},
		{name: "unbounded", jobs: 0, fold: true, wantFolded: 7},
		{name: "no folding", jobs: 4, fold: false, wantFolded: 0},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			c, fns := newCloneContext(t, 8)
			require.NoError(t, c.Analyze(context.Background(), tt.jobs, tt.fold))

			folded := 0
			for _, fn := range fns {
				assert.Equal(t, binctx.StateDisassembled, fn.State(), fn.Name())
				if fn.IsFolded() {
					folded++
					assert.Equal(t, fns[0].ID(), fn.FoldedInto())
				}
			}
			assert.Equal(t, tt.wantFolded, folded)
			assert.False(t, fns[0].IsFolded())
			assert.False(t, fns[len(fns)-1].IsFolded())
		})
	}
}

func TestDisassembleFunctions_Cancelled(t *testing.T) {
	c, fns := newCloneContext(t, 4)
	ctx, cancel := context.WithCancel(context.Background())
	cancel()

	err := c.DisassembleFunctions(ctx, 2)
	require.ErrorIs(t, err, context.Canceled)
	for _, fn := range fns {
		assert.Equal(t, binctx.StateEmpty, fn.State())
	}

	require.ErrorIs(t, c.Analyze(ctx, 2, true), context.Canceled)
}
