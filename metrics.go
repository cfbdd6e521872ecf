package binctx

import "github.com/prometheus/client_golang/prometheus"

// Metrics holds the counters updated while loading and analyzing a binary.
type Metrics struct {
	JumpTables            *prometheus.CounterVec
	EscapedLabels         prometheus.Counter
	InterproceduralRefs   *prometheus.CounterVec
	Veneers               prometheus.Counter
	Holes                 prometheus.Counter
	HashCollisions        prometheus.Counter
	FoldedFunctions       prometheus.Counter
	SkippedFragments      prometheus.Counter
	DisassembledFunctions *prometheus.CounterVec
}

// NewMetrics creates the counters and registers them with reg when it is
// not nil. Registering twice on the same registry panics.
func NewMetrics(reg prometheus.Registerer) *Metrics {
	m := &Metrics{
		JumpTables: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "binctx_jump_tables_total",
			Help: "Total number of jump table candidates by type and outcome",
		}, []string{"type", "result"}),
		EscapedLabels: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "binctx_escaped_labels_total",
			Help: "Total number of internal addresses promoted to secondary entry points",
		}),
		InterproceduralRefs: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "binctx_interprocedural_refs_total",
			Help: "Total number of deferred interprocedural references by resolution",
		}, []string{"result"}),
		Veneers: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "binctx_veneers_total",
			Help: "Total number of linker veneers turned into functions",
		}),
		Holes: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "binctx_holes_total",
			Help: "Total number of gaps filled by hole synthesis",
		}),
		HashCollisions: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "binctx_hash_collisions_total",
			Help: "Total number of non-padding collisions while hashing anonymous objects",
		}),
		FoldedFunctions: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "binctx_folded_functions_total",
			Help: "Total number of functions folded into an identical one",
		}),
		SkippedFragments: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "binctx_skipped_fragments_total",
			Help: "Total number of fragments made non-simple because of split jump tables",
		}),
		DisassembledFunctions: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "binctx_disassembled_functions_total",
			Help: "Total number of functions processed by disassembly by outcome",
		}, []string{"result"}),
	}

	if reg != nil {
		reg.MustRegister(
			m.JumpTables,
			m.EscapedLabels,
			m.InterproceduralRefs,
			m.Veneers,
			m.Holes,
			m.HashCollisions,
			m.FoldedFunctions,
			m.SkippedFragments,
			m.DisassembledFunctions,
		)
	}

	return m
}
