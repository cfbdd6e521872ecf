package binctx

import (
	"slices"
)

// islandEntry maps the start of a data run inside code to its function.
type islandEntry struct {
	address uint64
	fn      FunctionID
}

func lessIsland(a, b islandEntry) bool { return a.address < b.address }

// islandInfo describes the literal pools embedded in a function body.
type islandInfo struct {
	// Offsets where data starts and where code resumes, sorted.
	dataOffsets []uint64
	codeOffsets []uint64

	// Island labels by offset.
	offsets map[uint64]*Symbol
	// Per referring function: island label to proxy label.
	proxies map[FunctionID]map[*Symbol]*Symbol
	// Functions whose islands this function reaches through proxies.
	dependencies map[FunctionID]struct{}
}

func newIslandInfo() *islandInfo {
	return &islandInfo{
		offsets:      make(map[uint64]*Symbol),
		proxies:      make(map[FunctionID]map[*Symbol]*Symbol),
		dependencies: make(map[FunctionID]struct{}),
	}
}

func insertSorted(s []uint64, v uint64) []uint64 {
	i, found := slices.BinarySearch(s, v)
	if found {
		return s
	}
	return slices.Insert(s, i, v)
}

// MarkDataInCode records that fn holds data starting at offset, as told by
// a $d mapping symbol.
func (c *Context) MarkDataInCode(fn *BinaryFunction, offset uint64) {
	fn.mu.Lock()
	if fn.islands == nil {
		fn.islands = newIslandInfo()
	}
	fn.islands.dataOffsets = insertSorted(fn.islands.dataOffsets, offset)
	fn.mu.Unlock()

	c.islandsMu.Lock()
	c.islands.ReplaceOrInsert(islandEntry{address: fn.address + offset, fn: fn.id})
	c.islandsMu.Unlock()
}

// MarkCodeInCode records that code resumes in fn at offset, as told by a $x
// mapping symbol.
func (c *Context) MarkCodeInCode(fn *BinaryFunction, offset uint64) {
	fn.mu.Lock()
	if fn.islands == nil {
		fn.islands = newIslandInfo()
	}
	fn.islands.codeOffsets = insertSorted(fn.islands.codeOffsets, offset)
	fn.mu.Unlock()
}

// IsInConstantIsland reports whether address falls in a data run of fn.
func (fn *BinaryFunction) IsInConstantIsland(address uint64) bool {
	fn.mu.Lock()
	defer fn.mu.Unlock()
	return fn.isInConstantIslandLocked(address)
}

func (fn *BinaryFunction) isInConstantIslandLocked(address uint64) bool {
	if fn.islands == nil || address < fn.address {
		return false
	}
	offset := address - fn.address
	if offset >= fn.maxSize {
		return false
	}
	d := lastAtOrBelow(fn.islands.dataOffsets, offset)
	if d < 0 {
		return false
	}
	x := lastAtOrBelow(fn.islands.codeOffsets, offset)
	if x < 0 {
		return true
	}
	return fn.islands.codeOffsets[x] <= fn.islands.dataOffsets[d]
}

// lastAtOrBelow returns the index of the greatest element <= v, or -1.
func lastAtOrBelow(s []uint64, v uint64) int {
	i, found := slices.BinarySearch(s, v)
	if found {
		return i
	}
	return i - 1
}

// HasConstantIsland reports whether fn embeds data.
func (fn *BinaryFunction) HasConstantIsland() bool {
	fn.mu.Lock()
	defer fn.mu.Unlock()
	return fn.islands != nil && len(fn.islands.dataOffsets) > 0
}

// islandRanges returns the data runs of fn as [begin, end) offsets.
func (fn *BinaryFunction) islandRanges() [][2]uint64 {
	fn.mu.Lock()
	defer fn.mu.Unlock()
	if fn.islands == nil {
		return nil
	}
	var out [][2]uint64
	for _, d := range fn.islands.dataOffsets {
		end := fn.maxSize
		if i, _ := slices.BinarySearch(fn.islands.codeOffsets, d); i < len(fn.islands.codeOffsets) {
			end = min(end, fn.islands.codeOffsets[i])
		}
		if end > d {
			out = append(out, [2]uint64{d, end})
		}
	}
	return out
}

// hasDynamicRelocationAtIsland reports whether the loader patches any of
// fn's islands.
func (fn *BinaryFunction) hasDynamicRelocationAtIsland() bool {
	if fn.section == nil {
		return false
	}
	base := fn.address - fn.section.Address()
	for _, r := range fn.islandRanges() {
		if fn.section.HasDynamicRelocationsIn(base+r[0], r[1]-r[0]) {
			return true
		}
	}
	return false
}

// islandAccess returns the label of the island datum of fn at address, or
// nil if address is not island data.
func (c *Context) islandAccess(fn *BinaryFunction, address uint64) *Symbol {
	if !fn.IsInConstantIsland(address) {
		return nil
	}
	sym := c.GetOrCreateGlobalSymbol(address, "ISLANDat", 0, 1)

	fn.mu.Lock()
	defer fn.mu.Unlock()
	offset := address - fn.address
	if prev, ok := fn.islands.offsets[offset]; ok {
		return prev
	}
	fn.islands.offsets[offset] = sym
	return sym
}

// proxyIslandAccess returns a label that referrer uses to reach the island
// datum of owner at address.
func (c *Context) proxyIslandAccess(owner *BinaryFunction, address uint64, referrer *BinaryFunction) *Symbol {
	sym := c.islandAccess(owner, address)
	if sym == nil {
		return nil
	}

	owner.mu.Lock()
	defer owner.mu.Unlock()
	byRef := owner.islands.proxies[referrer.id]
	if byRef == nil {
		byRef = make(map[*Symbol]*Symbol)
		owner.islands.proxies[referrer.id] = byRef
	}
	if proxy, ok := byRef[sym]; ok {
		return proxy
	}
	proxy := c.names.Intern(sym.Name() + ".proxy.for." + referrer.PrintName())
	byRef[sym] = proxy
	byRef[proxy] = sym
	return proxy
}

// createIslandDependency records that fn reads island data of owner.
func (c *Context) createIslandDependency(fn, owner *BinaryFunction) {
	fn.mu.Lock()
	defer fn.mu.Unlock()
	if fn.islands == nil {
		fn.islands = newIslandInfo()
	}
	fn.islands.dependencies[owner.id] = struct{}{}
}

// IslandDependencies returns the functions whose islands fn reads.
func (fn *BinaryFunction) IslandDependencies() []FunctionID {
	fn.mu.Lock()
	defer fn.mu.Unlock()
	if fn.islands == nil {
		return nil
	}
	deps := make([]FunctionID, 0, len(fn.islands.dependencies))
	for id := range fn.islands.dependencies {
		deps = append(deps, id)
	}
	slices.Sort(deps)
	return deps
}

// islandOwner returns the function whose island data run starts at or
// before address.
func (c *Context) islandOwner(address uint64) *BinaryFunction {
	c.islandsMu.RLock()
	var found islandEntry
	c.islands.DescendLessOrEqual(islandEntry{address: address}, func(e islandEntry) bool {
		found = e
		return false
	})
	c.islandsMu.RUnlock()
	if found.fn == 0 {
		return nil
	}
	return c.Function(found.fn)
}
