package binctx

import (
	"fmt"
	"strconv"

	"github.com/go-kit/log/level"
	"github.com/samber/lo"
)

// MemoryContentsType classifies memory referenced from code.
type MemoryContentsType uint8

const (
	MemoryUnknown MemoryContentsType = iota
	MemoryPossibleJumpTable
	MemoryPossiblePICJumpTable
)

func (t MemoryContentsType) String() string {
	switch t {
	case MemoryPossibleJumpTable:
		return "possible-jump-table"
	case MemoryPossiblePICJumpTable:
		return "possible-pic-jump-table"
	default:
		return "unknown"
	}
}

// JumpTableScan is the outcome of AnalyzeJumpTable.
type JumpTableScan struct {
	OK bool
	// Entries are the decoded targets, trailing sentinels trimmed when they
	// collide with a function start.
	Entries []uint64
	// CrossesFragment is set when an entry targets a related fragment.
	CrossesFragment bool
}

// AnalyzeMemoryAt guesses what the data at address, referenced from fn, is.
// Only read-only data sections are considered; PIC tables are tried first
// since absolute tables have their high bits clear.
func (c *Context) AnalyzeMemoryAt(address uint64, fn *BinaryFunction) MemoryContentsType {
	if !c.arch.AnalyzesJumpTables() {
		return MemoryUnknown
	}
	s, err := c.SectionForAddress(address)
	if err != nil {
		// An absolute address. Code addresses never escape as data, so
		// this is a tail call at worst.
		level.Debug(c.logger).Log("msg", "no section for address referenced from function",
			"addr", fmt.Sprintf("0x%x", address), "function", fn.PrintName())
		return MemoryUnknown
	}
	if s.IsVirtual() || s.IsText() {
		return MemoryUnknown
	}
	if c.AnalyzeJumpTable(address, JumpTablePIC, fn, 0).OK {
		return MemoryPossiblePICJumpTable
	}
	if c.AnalyzeJumpTable(address, JumpTableAbsolute, fn, 0).OK {
		return MemoryPossibleJumpTable
	}
	return MemoryUnknown
}

func (c *Context) hasDataPCRelocation(address uint64) bool {
	c.jumpTablesMu.Lock()
	defer c.jumpTablesMu.Unlock()
	_, ok := c.dataPCRelocations[address]
	return ok
}

// hasEntryRelocation reports whether the table entry at address carries the
// relocation a real table of type typ would have.
func (c *Context) hasEntryRelocation(address uint64, typ JumpTableType) bool {
	if typ == JumpTablePIC {
		return c.hasDataPCRelocation(address)
	}
	_, ok := c.RelocationAt(address)
	return ok
}

// AnalyzeJumpTable scans entries of type typ starting at address and
// decides whether they form a jump table of fn. nextJTAddress, if non-zero,
// bounds the scan.
func (c *Context) AnalyzeJumpTable(address uint64, typ JumpTableType, fn *BinaryFunction, nextJTAddress uint64) JumpTableScan {
	var scan JumpTableScan

	s, err := c.SectionForAddress(address)
	if err != nil {
		return scan
	}
	upper := s.EndAddress()
	if bd := c.BinaryDataAt(address); bd != nil && bd.Size() > 0 {
		upper = min(upper, bd.EndAddress())
	} else if next := c.nextBinaryDataAfter(address); next != nil {
		upper = min(upper, next.Address())
	}
	if nextJTAddress != 0 {
		upper = min(upper, nextJTAddress)
	}

	entrySize := c.arch.JumpTableEntrySize(typ)
	var (
		hasUnreachable bool
		hasStart       bool
		realEntries    int
		trimmed        int
	)
	belongs := func(value uint64, target *BinaryFunction) bool {
		if fn.ContainsAddress(value, false) {
			return true
		}
		if target == nil {
			return false
		}
		return target.IsChildOf(fn) || fn.IsChildOf(target) || c.AreRelatedFragments(fn, target)
	}

	for entry := address; entry+uint64(entrySize) <= upper; entry += uint64(entrySize) {
		if c.HasRelocations() && !c.hasEntryRelocation(entry, typ) {
			break
		}

		var value uint64
		if typ == JumpTablePIC {
			off, err := c.SignedValueAt(entry, entrySize)
			if err != nil {
				break
			}
			value = address + uint64(off)
		} else {
			v, err := c.PointerAt(entry)
			if err != nil {
				break
			}
			value = v
		}

		// __builtin_unreachable lands right past the body.
		if value == fn.EndAddress() {
			scan.Entries = append(scan.Entries, value)
			hasUnreachable = true
			continue
		}
		// The function start may appear, but a table needs another real
		// entry to tell it apart from an array of function pointers.
		if value == fn.Address() {
			scan.Entries = append(scan.Entries, value)
			trimmed = len(scan.Entries)
			hasStart = true
			continue
		}

		target := c.FunctionContaining(value, false, false)
		if !belongs(value, target) {
			break
		}
		if target != nil && target.State() == StateDisassembled {
			if _, ok := target.InstructionAt(value - target.Address()); !ok {
				break
			}
		}
		realEntries++
		if target != nil && target != fn {
			scan.CrossesFragment = true
		}
		scan.Entries = append(scan.Entries, value)
		trimmed = len(scan.Entries)
	}

	if trimmed != len(scan.Entries) && c.FunctionAt(fn.EndAddress()) != nil {
		scan.Entries = scan.Entries[:trimmed]
	}

	scan.OK = realEntries+lo.Ternary(hasUnreachable || hasStart, 1, 0) >= 2
	c.metrics.JumpTables.WithLabelValues(typ.String(), lo.Ternary(scan.OK, "accepted", "rejected")).Inc()
	return scan
}

// nextBinaryDataAfter returns the first object starting after address.
func (c *Context) nextBinaryDataAfter(address uint64) *BinaryData {
	c.dataMu.RLock()
	defer c.dataMu.RUnlock()
	var next *BinaryData
	c.data.AscendGreaterOrEqual(dataKey(address+1), func(bd *BinaryData) bool {
		next = bd
		return false
	})
	return next
}

// JumpTableContaining returns the table whose entries cover address.
func (c *Context) JumpTableContaining(address uint64) *JumpTable {
	c.jumpTablesMu.Lock()
	defer c.jumpTablesMu.Unlock()
	return c.jumpTableContainingLocked(address)
}

func (c *Context) jumpTableContainingLocked(address uint64) *JumpTable {
	var found *JumpTable
	c.jumpTables.DescendLessOrEqual(&JumpTable{id: address}, func(jt *JumpTable) bool {
		found = jt
		return false
	})
	if found != nil && found.ContainsAddress(address) {
		return found
	}
	return nil
}

// JumpTableAt returns the table starting at address.
func (c *Context) JumpTableAt(address uint64) *JumpTable {
	c.jumpTablesMu.Lock()
	defer c.jumpTablesMu.Unlock()
	jt, _ := c.jumpTables.Get(&JumpTable{id: address})
	return jt
}

// JumpTables returns every table in id order. Duplicates, whose ids are
// inverted counters, come last.
func (c *Context) JumpTables() []*JumpTable {
	c.jumpTablesMu.Lock()
	defer c.jumpTablesMu.Unlock()
	out := make([]*JumpTable, 0, c.jumpTables.Len())
	c.jumpTables.Ascend(func(jt *JumpTable) bool {
		out = append(out, jt)
		return true
	})
	return out
}

// generateJumpTableName names the table of fn at address. The caller holds
// jumpTablesMu.
func (c *Context) generateJumpTableName(fn *BinaryFunction, address uint64) string {
	var (
		id     int
		offset uint64
	)
	if jt := fn.JumpTableContaining(address); jt != nil {
		offset = address - jt.address
		if sym, ok := jt.LabelAt(offset); ok {
			return sym.Name()
		}
		id = c.jumpTableIDs[jt.address]
	} else {
		id = len(fn.JumpTables())
		c.jumpTableIDs[address] = id
	}
	name := "JUMP_TABLE/" + fn.Name() + "." + strconv.Itoa(id)
	if offset != 0 {
		name += "." + strconv.FormatUint(offset, 10)
	}
	return name
}

// GetOrCreateJumpTable returns the label of the table of type typ at
// address used by fn, creating the table on first use. Fragments of one
// function may share a table; any other sharing is an error.
func (c *Context) GetOrCreateJumpTable(fn *BinaryFunction, address uint64, typ JumpTableType) (*Symbol, error) {
	c.jumpTablesMu.Lock()
	defer c.jumpTablesMu.Unlock()

	if jt := c.jumpTableContainingLocked(address); jt != nil {
		if jt.typ != typ {
			return nil, NewFatalError("jump table at 0x%x used as %s and %s", jt.address, jt.typ, typ)
		}
		if address != jt.address {
			return nil, NewFatalError("unexpected reference into jump table at 0x%x from 0x%x", jt.address, address)
		}
		if !lo.Contains(jt.parents, fn.id) {
			for _, id := range jt.parents {
				if p := c.Function(id); p == nil || !c.AreRelatedFragments(fn, p) {
					return nil, NewFatalError("cannot reuse jump table at 0x%x of a different function from %s", jt.address, fn.Name())
				}
			}
			jt.parents = append(jt.parents, fn.id)
			fn.mu.Lock()
			fn.jumpTables[address] = jt
			fn.mu.Unlock()
			for _, id := range jt.parents {
				c.Function(id).setHasIndirectTargetToSplitFragment()
			}
		}
		return jt.FirstLabel(), nil
	}

	var label *Symbol
	if bd := c.BinaryDataAt(address); bd != nil && !IsInternalSymbolName(bd.Name()) {
		label = bd.Symbol()
	}
	entrySize := c.arch.JumpTableEntrySize(typ)
	if label == nil {
		label = c.RegisterName(c.generateJumpTableName(fn, address), address, 0, uint16(entrySize))
	}
	c.dataMu.Lock()
	if bd, ok := c.data.Get(dataKey(address)); ok {
		bd.isJumpTable = true
	}
	c.dataMu.Unlock()

	section, _ := c.SectionForAddress(address)
	jt := &JumpTable{
		id:        address,
		address:   address,
		entrySize: entrySize,
		typ:       typ,
		labels:    []JumpTableLabel{{Offset: 0, Symbol: label}},
		section:   section,
		parents:   []FunctionID{fn.id},
	}
	c.jumpTables.ReplaceOrInsert(jt)
	fn.mu.Lock()
	fn.jumpTables[address] = jt
	fn.mu.Unlock()

	level.Debug(c.logger).Log("msg", "created jump table", "label", label.Name(),
		"addr", fmt.Sprintf("0x%x", address), "type", typ, "function", fn.PrintName())
	return label, nil
}

// DuplicateJumpTable gives fn a private copy of the logical table of jt
// labelled oldLabel. The copy gets an id that is the bitwise complement of
// a counter, which cannot collide with an address of the input.
func (c *Context) DuplicateJumpTable(fn *BinaryFunction, jt *JumpTable, oldLabel *Symbol) (uint64, *Symbol, error) {
	c.jumpTablesMu.Lock()
	defer c.jumpTablesMu.Unlock()

	label, ok := lo.Find(jt.labels, func(l JumpTableLabel) bool { return l.Symbol == oldLabel })
	if !ok {
		return 0, nil, NewFatalError("label %s not found in jump table at 0x%x", oldLabel.Name(), jt.address)
	}
	newLabel := c.names.CreateTemp("duplicatedJT")
	c.duplicatedJumpTables++
	id := ^c.duplicatedJumpTables

	dup := &JumpTable{
		id:               id,
		address:          jt.address,
		entrySize:        jt.entrySize,
		typ:              jt.typ,
		labels:           []JumpTableLabel{{Offset: label.Offset, Symbol: newLabel}},
		section:          jt.section,
		EntriesAsAddress: jt.EntriesAsAddress,
		parents:          jt.parents,
	}
	c.jumpTables.ReplaceOrInsert(dup)
	fn.mu.Lock()
	fn.jumpTables[id] = dup
	fn.mu.Unlock()
	return id, newLabel, nil
}

// DeleteJumpTable forgets the table at address, e.g. once it is proven
// spurious.
func (c *Context) DeleteJumpTable(address uint64) bool {
	c.jumpTablesMu.Lock()
	jt, ok := c.jumpTables.Delete(&JumpTable{id: address})
	c.jumpTablesMu.Unlock()
	if !ok {
		return false
	}
	for _, id := range jt.parents {
		if fn := c.Function(id); fn != nil {
			fn.mu.Lock()
			delete(fn.jumpTables, address)
			fn.mu.Unlock()
		}
	}
	c.dataMu.Lock()
	if bd, ok := c.data.Get(dataKey(address)); ok {
		bd.isJumpTable = false
	}
	c.dataMu.Unlock()
	return true
}

// PopulateJumpTables decodes the final entries of every table whose
// owners are all simple. It runs single-threaded after all functions are
// analyzed. A table that was accepted before and fails now is fatal; so
// is, in strict mode, a PC-relative data relocation no table accounts for.
func (c *Context) PopulateJumpTables() error {
	tables := lo.Filter(c.JumpTables(), func(jt *JumpTable, _ int) bool {
		return jt.id == jt.address
	})

	for i, jt := range tables {
		parents := lo.Map(jt.parents, func(id FunctionID, _ int) *BinaryFunction { return c.Function(id) })
		if len(parents) == 0 || lo.SomeBy(parents, func(fn *BinaryFunction) bool { return !fn.IsSimple() }) {
			continue
		}
		var next uint64
		if i+1 < len(tables) {
			next = tables[i+1].address
		}

		scan := c.AnalyzeJumpTable(jt.address, jt.typ, parents[0], next)
		if !scan.OK {
			return NewFatalError("jump table heuristic failure for table at 0x%x in %s", jt.address, parents[0].Name())
		}
		jt.EntriesAsAddress = scan.Entries
		jt.split = scan.CrossesFragment

		if !c.SetBinaryDataSize(jt.address, jt.Size()) {
			level.Debug(c.logger).Log("msg", "jump table does not fit its object", "addr", fmt.Sprintf("0x%x", jt.address))
		}

		for _, frag := range parents {
			if jt.split {
				frag.setHasIndirectTargetToSplitFragment()
			}
			for _, e := range jt.EntriesAsAddress {
				switch {
				case e == frag.EndAddress():
					frag.mu.Lock()
					frag.ignoredBranches = append(frag.ignoredBranches, IgnoredBranch{From: e - frag.address, To: frag.size})
					frag.mu.Unlock()
				case frag.ContainsAddress(e, false):
					frag.registerReferencedOffset(e - frag.address)
				}
			}
		}

		if c.IsStrict() && jt.typ == JumpTablePIC {
			c.jumpTablesMu.Lock()
			for a := jt.address; a < jt.address+jt.Size(); a += uint64(jt.entrySize) {
				delete(c.dataPCRelocations, a)
			}
			c.jumpTablesMu.Unlock()
		}

		for _, frag := range parents {
			if frag.HasIndirectTargetToSplitFragment() {
				c.AddFragmentsToSkip(frag)
			}
		}
	}

	if c.IsStrict() {
		c.jumpTablesMu.Lock()
		left := len(c.dataPCRelocations)
		c.jumpTablesMu.Unlock()
		if left > 0 {
			return NewFatalError("%d PC-relative data relocations not accounted for by jump tables", left)
		}
	}
	return nil
}
