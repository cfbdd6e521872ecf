package binctx

import (
	"fmt"

	"github.com/go-kit/log/level"
)

// interproceduralRef is a text address referenced from fn outside its body,
// resolved once every function is known.
type interproceduralRef struct {
	fn      FunctionID
	address uint64
}

// HandleAddressRef turns an address seen while analyzing fn into a symbol
// and an addend. Calls with the same address from the same function return
// the same symbol. It is safe to call from concurrent workers, each one
// analyzing its own function.
func (c *Context) HandleAddressRef(address uint64, fn *BinaryFunction, isPCRel bool) (*Symbol, uint64, error) {
	if c.arch.HasConstantIslands() {
		if sym := c.islandAccess(fn, address); sym != nil {
			return sym, 0, nil
		}
		// Hand-written assembly may read literals of another function.
		if owner := c.islandOwner(address); owner != nil && owner != fn {
			if owner.hasDynamicRelocationAtIsland() {
				// Dynamic relocations are not cloned, so keep pointing at
				// the original island.
				if sym := c.islandAccess(owner, address); sym != nil {
					return sym, 0, nil
				}
			} else if sym := c.proxyIslandAccess(owner, address, fn); sym != nil {
				c.createIslandDependency(fn, owner)
				return sym, 0, nil
			}
		}
	}

	// The address may be absolute and outside every section.
	if s, err := c.SectionForAddress(address); err == nil && s.IsText() {
		if fn.ContainsAddress(address, c.arch.UseMaxSizeForContainment()) {
			if address != fn.Address() {
				sym, err := c.escapedLabel(fn, address)
				return sym, 0, err
			}
		} else {
			fn.pendingRefs = append(fn.pendingRefs, address)
		}
	}

	if c.HasRelocations() && isPCRel {
		if c.AnalyzeMemoryAt(address, fn) == MemoryPossiblePICJumpTable {
			sym, err := c.GetOrCreateJumpTable(fn, address, JumpTablePIC)
			return sym, 0, err
		}
	}

	if bd := c.BinaryDataContaining(address); bd != nil {
		return bd.Symbol(), address - bd.Address(), nil
	}
	sym := c.GetOrCreateGlobalSymbol(address, PrefixData, 0, 0)
	level.Debug(c.logger).Log("msg", "created data symbol", "symbol", sym.Name(), "function", fn.PrintName())
	return sym, 0, nil
}

// escapedLabel makes address, inside fn, a secondary entry point: its
// address leaves the function as data.
func (c *Context) escapedLabel(fn *BinaryFunction, address uint64) (*Symbol, error) {
	offset := address - fn.Address()
	_, known := fn.EntryPointSymbol(offset)
	sym, err := c.AddEntryPointAtOffset(fn, offset)
	if err != nil {
		return nil, err
	}
	fn.mu.Lock()
	fn.hasInternalLabelReference = true
	fn.mu.Unlock()
	if !known {
		c.metrics.EscapedLabels.Inc()
		level.Debug(c.logger).Log("msg", "internal address escapes as data",
			"function", fn.PrintName(), "addr", fmt.Sprintf("0x%x", address))
	}
	return sym, nil
}

// AddInterproceduralReference queues a text address referenced by fn for
// ProcessInterproceduralReferences.
func (c *Context) AddInterproceduralReference(fn *BinaryFunction, address uint64) {
	c.refsMu.Lock()
	c.interproceduralRefs = append(c.interproceduralRefs, interproceduralRef{fn: fn.id, address: address})
	c.refsMu.Unlock()
}

// CommitInterproceduralReferences moves the references buffered while
// analyzing fn to the shared list. Workers call it once at the end of each
// function.
func (c *Context) CommitInterproceduralReferences(fn *BinaryFunction) {
	if len(fn.pendingRefs) == 0 {
		return
	}
	c.refsMu.Lock()
	for _, a := range fn.pendingRefs {
		c.interproceduralRefs = append(c.interproceduralRefs, interproceduralRef{fn: fn.id, address: a})
	}
	c.refsMu.Unlock()
	fn.pendingRefs = nil
}
