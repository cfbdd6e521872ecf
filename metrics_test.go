package binctx_test

import (
	"testing"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/testutil"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/maxgio92/binctx"
)

func TestMetrics_Disassembly(t *testing.T) {
	reg := prometheus.NewRegistry()
	m := binctx.NewMetrics(reg)
	c, f, _ := newSwitchContext(t, binctx.WithMetrics(m))

	s, err := c.SectionForAddress(0x2000)
	require.NoError(t, err)
	copy(s.Contents(), absEntries(0x1080, 0x1090, 0x10a0))

	require.NoError(t, c.DisassembleFunction(f))
	assert.Equal(t, float64(1), testutil.ToFloat64(m.DisassembledFunctions.WithLabelValues("ok")))
	assert.Equal(t, float64(1), testutil.ToFloat64(m.JumpTables.WithLabelValues("absolute", "unresolved")))
	assert.Equal(t, float64(1), testutil.ToFloat64(m.JumpTables.WithLabelValues("absolute", "rejected")))

	n, err := testutil.GatherAndCount(reg, "binctx_disassembled_functions_total")
	require.NoError(t, err)
	assert.Equal(t, 1, n)
}

func TestMetrics_NoData(t *testing.T) {
	m := binctx.NewMetrics(nil)
	c := newContext(t, binctx.ArchAMD64, binctx.WithMetrics(m))
	text := addSection(t, c, ".text", 0x1000, 0x10, textFlags, nil)
	f := addFunction(t, c, "f", text, 0x1008, 0x10)

	require.NoError(t, c.DisassembleFunction(f))
	assert.Equal(t, float64(1), testutil.ToFloat64(m.DisassembledFunctions.WithLabelValues("no-data")))
	assert.Zero(t, testutil.ToFloat64(m.DisassembledFunctions.WithLabelValues("ok")))
}

func TestNewMetrics_DoubleRegistration(t *testing.T) {
	reg := prometheus.NewRegistry()
	binctx.NewMetrics(reg)
	assert.Panics(t, func() { binctx.NewMetrics(reg) })
}
