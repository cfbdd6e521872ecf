package binctx

import (
	"fmt"
	"slices"

	"github.com/go-kit/log/level"
	"github.com/pkg/errors"
	"github.com/samber/lo"
)

func lessBinaryFunction(a, b *BinaryFunction) bool { return a.address < b.address }

func functionKey(address uint64) *BinaryFunction { return &BinaryFunction{address: address} }

// CreateFunction registers a function of the input. symbolSize, when set, is
// the size recorded for the function name in the address space. A second
// function at the same address is a fatal error.
func (c *Context) CreateFunction(name string, section *Section, address, size, symbolSize uint64, alignment uint16) (*BinaryFunction, error) {
	c.functionsMu.Lock()
	if _, ok := c.functions.Get(functionKey(address)); ok {
		c.functionsMu.Unlock()
		return nil, NewFatalError("duplicate function %s at 0x%x", name, address)
	}
	c.nextFunctionID++
	fn := newBinaryFunction(c.nextFunctionID, c.names.Intern(name), section, address, size)
	fn.alignment = alignment
	c.functions.ReplaceOrInsert(fn)
	c.functionArena[fn.id] = fn
	c.functionsMu.Unlock()

	if symbolSize == 0 {
		symbolSize = size
	}
	c.registerName(name, address, symbolSize, alignment, true)
	c.setSymbolToFunction(fn.Symbol(), fn)
	return fn, nil
}

// CreateInjectedFunction creates a function with no counterpart in the
// input, e.g. one synthesized by a later pass.
func (c *Context) CreateInjectedFunction(name string) *BinaryFunction {
	c.functionsMu.Lock()
	c.nextFunctionID++
	fn := newBinaryFunction(c.nextFunctionID, c.names.Intern(name), nil, 0, 0)
	fn.injected = true
	c.functionArena[fn.id] = fn
	c.injected = append(c.injected, fn)
	c.functionsMu.Unlock()

	c.setSymbolToFunction(fn.Symbol(), fn)
	return fn
}

func (c *Context) setSymbolToFunction(sym *Symbol, fn *BinaryFunction) {
	c.symbolMapMu.Lock()
	c.symbolToFunction[sym] = fn
	c.symbolMapMu.Unlock()
}

// Function resolves a handle.
func (c *Context) Function(id FunctionID) *BinaryFunction {
	c.functionsMu.RLock()
	defer c.functionsMu.RUnlock()
	return c.functionArena[id]
}

// FunctionContaining returns the function whose body holds address. With
// useMaxSize the padding after the body counts too; with checkPastEnd the
// address right past the end matches as well.
func (c *Context) FunctionContaining(address uint64, checkPastEnd, useMaxSize bool) *BinaryFunction {
	c.functionsMu.RLock()
	var fn *BinaryFunction
	c.functions.DescendLessOrEqual(functionKey(address), func(f *BinaryFunction) bool {
		fn = f
		return false
	})
	c.functionsMu.RUnlock()
	if fn == nil {
		return nil
	}

	used := fn.size
	if useMaxSize {
		used = fn.MaxSize()
	}
	limit := fn.address + used
	if checkPastEnd {
		limit++
	}
	if address >= limit {
		return nil
	}
	return fn
}

// FunctionAt returns the function starting at address. If it was folded
// away, the function holding its name is returned.
func (c *Context) FunctionAt(address uint64) *BinaryFunction {
	c.functionsMu.RLock()
	fn, ok := c.functions.Get(functionKey(address))
	c.functionsMu.RUnlock()
	if ok {
		return fn
	}
	if bd := c.BinaryDataAt(address); bd != nil {
		if fn, entry := c.FunctionForSymbol(bd.Symbol()); fn != nil && entry == 0 {
			return fn
		}
	}
	return nil
}

// FunctionForSymbol returns the function sym belongs to and the entry
// point it names: 0 for the main entry.
func (c *Context) FunctionForSymbol(sym *Symbol) (*BinaryFunction, uint64) {
	c.symbolMapMu.RLock()
	fn := c.symbolToFunction[sym]
	c.symbolMapMu.RUnlock()
	if fn == nil {
		return nil, 0
	}
	id, _ := fn.entryIDForSymbol(sym)
	return fn, id
}

// FunctionByName looks a function up by any of its names.
func (c *Context) FunctionByName(name string) *BinaryFunction {
	sym, ok := c.names.Lookup(name)
	if !ok {
		return nil
	}
	fn, _ := c.FunctionForSymbol(sym)
	return fn
}

// Functions returns the functions of the input in address order.
func (c *Context) Functions() []*BinaryFunction {
	c.functionsMu.RLock()
	defer c.functionsMu.RUnlock()

	out := make([]*BinaryFunction, 0, c.functions.Len())
	c.functions.Ascend(func(fn *BinaryFunction) bool {
		out = append(out, fn)
		return true
	})
	return out
}

// SortedFunctions returns the functions ordered by priority index, then by
// address.
func (c *Context) SortedFunctions() []*BinaryFunction {
	fns := c.Functions()
	slices.SortStableFunc(fns, func(a, b *BinaryFunction) int {
		switch {
		case a.index >= 0 && b.index >= 0:
			return a.index - b.index
		case a.index >= 0:
			return -1
		case b.index >= 0:
			return 1
		}
		return 0
	})
	return fns
}

// AllFunctions returns the input functions followed by injected ones.
func (c *Context) AllFunctions() []*BinaryFunction {
	fns := c.Functions()
	c.functionsMu.RLock()
	defer c.functionsMu.RUnlock()
	return append(fns, c.injected...)
}

// AddEntryPointAtOffset records a secondary entry point of fn and returns
// its symbol. Repeated calls return the same symbol.
func (c *Context) AddEntryPointAtOffset(fn *BinaryFunction, offset uint64) (*Symbol, error) {
	if offset == 0 {
		return nil, NewFatalError("cannot add primary entry point of %s", fn.Name())
	}
	if st := fn.State(); st != StateEmpty && st != StateDisassembled {
		return nil, NewFatalError("cannot add entry point to %s in state %s", fn.Name(), st)
	}
	if sym, ok := fn.EntryPointSymbol(offset); ok {
		return sym, nil
	}

	address := fn.address + offset
	var sym *Symbol
	if bd := c.BinaryDataAt(address); bd != nil {
		sym = bd.Symbol()
	} else {
		sym = c.GetOrCreateGlobalSymbol(address, "__ENTRY_"+fn.Name()+"@", 0, 1)
	}

	fn.mu.Lock()
	if prev, ok := fn.entryPoints[offset]; ok {
		fn.mu.Unlock()
		return prev, nil
	}
	fn.entryPoints[offset] = sym
	fn.mu.Unlock()

	c.setSymbolToFunction(sym, fn)
	level.Debug(c.logger).Log("msg", "added entry point", "function", fn.PrintName(), "offset", fmt.Sprintf("0x%x", offset))
	return sym, nil
}

// RegisterFragment records that target is a split part of owner. It
// reports false if the link already exists. Without relocations both
// functions become non-simple.
func (c *Context) RegisterFragment(target, owner *BinaryFunction) bool {
	c.fragmentsMu.Lock()
	defer c.fragmentsMu.Unlock()

	if target.IsChildOf(owner) {
		return false
	}
	target.mu.Lock()
	target.isFragment = true
	target.parentFragments = append(target.parentFragments, owner.id)
	target.mu.Unlock()

	owner.mu.Lock()
	owner.fragments = append(owner.fragments, target.id)
	owner.mu.Unlock()

	c.fragmentClasses.Union(target.id, owner.id)
	if !c.HasRelocations() {
		target.SetSimple(false)
		owner.SetSimple(false)
	}
	level.Debug(c.logger).Log("msg", "registered fragment", "fragment", target.PrintName(), "parent", owner.PrintName())
	return true
}

// AreRelatedFragments reports whether a and b are parts of one logical
// function.
func (c *Context) AreRelatedFragments(a, b *BinaryFunction) bool {
	c.fragmentsMu.Lock()
	defer c.fragmentsMu.Unlock()
	return c.fragmentClasses.SameGroup(a.id, b.id)
}

// AddFragmentsToSkip marks fn, and later all its relatives, as unsafe to
// rewrite.
func (c *Context) AddFragmentsToSkip(fn *BinaryFunction) {
	c.fragmentsMu.Lock()
	c.fragmentsToSkip[fn.id] = struct{}{}
	c.fragmentsMu.Unlock()
}

// SkipMarkedFragments extends the skip set to every fragment transitively
// related to a marked function and makes them all non-simple.
func (c *Context) SkipMarkedFragments() {
	c.fragmentsMu.Lock()
	queue := lo.Keys(c.fragmentsToSkip)
	c.fragmentsMu.Unlock()
	slices.Sort(queue)

	seen := lo.SliceToMap(queue, func(id FunctionID) (FunctionID, struct{}) { return id, struct{}{} })
	enqueue := func(id FunctionID) {
		if _, ok := seen[id]; ok {
			return
		}
		seen[id] = struct{}{}
		queue = append(queue, id)
	}
	for i := 0; i < len(queue); i++ {
		fn := c.Function(queue[i])
		if fn == nil {
			continue
		}
		level.Warn(c.logger).Log("msg", "ignoring function", "function", fn.PrintName())
		fn.SetSimple(false)
		fn.setHasIndirectTargetToSplitFragment()
		for _, id := range fn.Fragments() {
			enqueue(id)
		}
		for _, id := range fn.ParentFragments() {
			enqueue(id)
		}
	}

	c.fragmentsMu.Lock()
	for id := range seen {
		c.fragmentsToSkip[id] = struct{}{}
	}
	c.fragmentsMu.Unlock()

	if len(seen) > 0 {
		c.metrics.SkippedFragments.Add(float64(len(seen)))
		level.Warn(c.logger).Log("msg", "skipped functions due to cold fragments", "count", len(seen))
	}
}

// IsFragmentToSkip reports whether fn was excluded by SkipMarkedFragments.
func (c *Context) IsFragmentToSkip(fn *BinaryFunction) bool {
	c.fragmentsMu.Lock()
	defer c.fragmentsMu.Unlock()
	_, ok := c.fragmentsToSkip[fn.id]
	return ok
}

// CalculateEmittedSize measures fn as the emission backend would lay it
// out.
func (c *Context) CalculateEmittedSize(fn *BinaryFunction) (hot, cold uint64, err error) {
	if c.opts.emitter == nil {
		return 0, 0, errors.New("no emitter configured")
	}
	hot, cold = c.opts.emitter.CalculateEmittedSize(fn)
	return hot, cold, nil
}
