package binctx

import (
	"strings"
	"sync/atomic"

	"github.com/puzpuzpuz/xsync/v3"
)

// Reserved name prefixes for symbols synthesized by the context.
const (
	PrefixSymbol = "SYMBOLat"
	PrefixData   = "DATAat"
	PrefixHole   = "HOLEat"
	PrefixFunc   = "FUNCat"
	PrefixAnon   = "ANONYMOUS"
	PrefixFolded = "__ICF_"
)

// Symbol is an interned name. Two symbols are the same name iff they are the
// same pointer.
type Symbol struct {
	name string
}

// Name returns the symbol name.
func (s *Symbol) Name() string {
	if s == nil {
		return ""
	}
	return s.name
}

func (s *Symbol) String() string { return s.Name() }

// IsInternalSymbolName reports whether name is a placeholder created for an
// unnamed object.
func IsInternalSymbolName(name string) bool {
	return strings.HasPrefix(name, PrefixSymbol) ||
		strings.HasPrefix(name, PrefixData) ||
		strings.HasPrefix(name, PrefixHole)
}

// NameContext interns symbol names. It is safe for concurrent use.
type NameContext struct {
	syms *xsync.MapOf[string, *Symbol]
	temp atomic.Uint64
}

// NewNameContext returns an empty NameContext.
func NewNameContext() *NameContext {
	return &NameContext{syms: xsync.NewMapOf[string, *Symbol]()}
}

// Intern returns the unique symbol for name, creating it on first use.
func (n *NameContext) Intern(name string) *Symbol {
	sym, _ := n.syms.LoadOrCompute(name, func() *Symbol {
		return &Symbol{name: name}
	})
	return sym
}

// Lookup returns the symbol for name if it was interned.
func (n *NameContext) Lookup(name string) (*Symbol, bool) {
	return n.syms.Load(name)
}

// CreateTemp interns a fresh name built from prefix and a counter.
func (n *NameContext) CreateTemp(prefix string) *Symbol {
	for {
		id := n.temp.Add(1)
		name := prefix + "." + formatHex(id)
		if _, loaded := n.syms.Load(name); loaded {
			continue
		}
		return n.Intern(name)
	}
}
