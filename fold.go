package binctx

import (
	"bytes"
	"cmp"
	"encoding/binary"
	"slices"

	"github.com/cespare/xxhash/v2"
	"github.com/go-kit/log/level"
	"github.com/samber/lo"
)

// FoldFunction merges child into parent, which has an identical body.
// child's names move to parent. With relocations child disappears and its
// profile is merged; otherwise child stays in place under a new
// __ICF_ name, since code may still branch to it.
func (c *Context) FoldFunction(child, parent *BinaryFunction) error {
	if child == parent {
		return NewFatalError("cannot fold %s into itself", child.Name())
	}
	if child.IsMultiEntry() || parent.IsMultiEntry() {
		return NewFatalError("cannot merge functions with multiple entry points: %s, %s", child.Name(), parent.Name())
	}
	childName := child.Name()

	c.symbolMapMu.Lock()
	for _, sym := range child.symbols {
		parent.symbols = append(parent.symbols, sym)
		c.symbolToFunction[sym] = parent
	}
	c.symbolMapMu.Unlock()
	child.symbols = nil

	parent.aliases = append(parent.aliases, child.aliases...)
	child.aliases = nil

	if c.HasRelocations() {
		parent.execCount += child.execCount

		c.functionsMu.Lock()
		fn, ok := c.functions.Get(functionKey(child.address))
		if !ok || fn != child {
			c.functionsMu.Unlock()
			return NewFatalError("function %s not found at 0x%x", childName, child.address)
		}
		child.clearDisasmState()
		c.functions.Delete(child)
		c.functionsMu.Unlock()
	} else {
		sym := c.names.Intern(PrefixFolded + childName)
		child.symbols = append(child.symbols, sym)
		c.setSymbolToFunction(sym, child)
		child.foldedInto = parent.id
	}
	parent.hasFunctionsFoldedInto = true

	c.metrics.FoldedFunctions.Inc()
	level.Debug(c.logger).Log("msg", "folded function", "function", childName, "into", parent.Name())
	return nil
}

// foldable reports whether fn can take part in identical code folding: its
// body must be fully known and must not reach outside itself PC-relatively,
// since such references resolve differently at another address.
func foldable(fn *BinaryFunction) bool {
	return fn.IsSimple() &&
		!fn.IsIgnored() &&
		!fn.IsFolded() &&
		!fn.IsMultiEntry() &&
		!fn.hasPCRelOutside &&
		fn.State() == StateDisassembled &&
		fn.size > 0 &&
		len(fn.JumpTables()) == 0
}

type foldKey struct {
	size uint64
	hash uint64
}

// bodyHash hashes the function bytes together with the relocations that
// patch them.
func bodyHash(fn *BinaryFunction, body []byte) uint64 {
	h := xxhash.New()
	_, _ = h.Write(body)
	var buf [8]byte
	start := fn.address - fn.section.Address()
	fn.section.relocations.inRange(start, start+fn.size, func(r Relocation) bool {
		binary.LittleEndian.PutUint64(buf[:], r.Offset-start)
		_, _ = h.Write(buf[:])
		binary.LittleEndian.PutUint64(buf[:], uint64(r.Type))
		_, _ = h.Write(buf[:])
		binary.LittleEndian.PutUint64(buf[:], r.Addend)
		_, _ = h.Write(buf[:])
		_, _ = h.WriteString(r.Symbol.Name())
		return true
	})
	return h.Sum64()
}

func sameRelocations(a, b *BinaryFunction) bool {
	collect := func(fn *BinaryFunction) []Relocation {
		var out []Relocation
		start := fn.address - fn.section.Address()
		fn.section.relocations.inRange(start, start+fn.size, func(r Relocation) bool {
			r.Offset -= start
			r.Value = 0
			out = append(out, r)
			return true
		})
		return out
	}
	return slices.Equal(collect(a), collect(b))
}

// FoldIdenticalFunctions folds every function whose body is byte-for-byte
// identical to a function at a lower address into that one. It returns the
// number of functions folded.
func (c *Context) FoldIdenticalFunctions() (int, error) {
	candidates := lo.Filter(c.Functions(), func(fn *BinaryFunction, _ int) bool {
		return foldable(fn)
	})
	bodies := make(map[FunctionID][]byte, len(candidates))
	candidates = lo.Filter(candidates, func(fn *BinaryFunction, _ int) bool {
		body, ok := fn.Bytes()
		bodies[fn.id] = body
		return ok
	})
	groups := lo.GroupBy(candidates, func(fn *BinaryFunction) foldKey {
		return foldKey{size: fn.size, hash: bodyHash(fn, bodies[fn.id])}
	})

	keys := lo.Keys(groups)
	slices.SortFunc(keys, func(a, b foldKey) int {
		return cmp.Compare(groups[a][0].address, groups[b][0].address)
	})

	folded := 0
	for _, key := range keys {
		group := groups[key]
		if len(group) < 2 {
			continue
		}
		// Candidates are in address order; the first one survives unless
		// the hash lied.
		for len(group) > 1 {
			parent := group[0]
			var rest []*BinaryFunction
			for _, fn := range group[1:] {
				if !bytes.Equal(bodies[fn.id], bodies[parent.id]) || !sameRelocations(fn, parent) {
					rest = append(rest, fn)
					continue
				}
				if err := c.FoldFunction(fn, parent); err != nil {
					return folded, err
				}
				folded++
			}
			group = rest
		}
	}
	if folded > 0 {
		level.Info(c.logger).Log("msg", "folded identical functions", "count", folded)
	}
	return folded, nil
}
