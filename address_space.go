package binctx

import (
	"fmt"
	"io"
	"strings"

	"github.com/go-kit/log/level"
)

func lessBinaryData(a, b *BinaryData) bool { return a.address < b.address }

func dataKey(address uint64) *BinaryData { return &BinaryData{address: address} }

// dataByID resolves a handle. The caller holds dataMu.
func (c *Context) dataByID(id DataID) *BinaryData {
	if id == 0 || int(id) >= len(c.dataArena) {
		return nil
	}
	return c.dataArena[id]
}

// RegisterName names the object at address. If an object already starts
// there, name becomes one of its aliases and a zero size is replaced by size;
// registering a name the object already has is a no-op.
func (c *Context) RegisterName(name string, address, size uint64, alignment uint16) *Symbol {
	return c.registerName(name, address, size, alignment, false)
}

func (c *Context) registerName(name string, address, size uint64, alignment uint16, isFunction bool) *Symbol {
	sym := c.names.Intern(name)
	section, err := c.SectionForAddress(address)
	if err != nil {
		section = c.AbsoluteSection()
	}

	c.dataMu.Lock()
	defer c.dataMu.Unlock()

	if bd, ok := c.data.Get(dataKey(address)); ok {
		if isFunction {
			bd.isFunction = true
		}
		if bd.HasName(name) {
			return sym
		}
		bd.symbols = append(bd.symbols, sym)
		c.globalSymbols[name] = bd
		if bd.size == 0 && size != 0 {
			bd.size = size
			c.updateNestingLocked(bd)
		}
		return sym
	}

	if alignment == 0 {
		alignment = 1
	}
	if len(c.dataArena) == 0 {
		c.dataArena = append(c.dataArena, nil)
	}
	bd := &BinaryData{
		id:         DataID(len(c.dataArena)),
		symbols:    []*Symbol{sym},
		address:    address,
		size:       size,
		alignment:  alignment,
		section:    section,
		isFunction: isFunction,
		isMoveable: true,
	}
	c.dataArena = append(c.dataArena, bd)
	c.data.ReplaceOrInsert(bd)
	c.globalSymbols[name] = bd
	c.updateNestingLocked(bd)
	return sym
}

// updateNestingLocked places x under the innermost object of its section
// that contains it, then adopts the following siblings that x contains.
func (c *Context) updateNestingLocked(x *BinaryData) {
	var prev *BinaryData
	c.data.DescendLessOrEqual(x, func(bd *BinaryData) bool {
		if bd == x {
			return true
		}
		prev = bd
		return false
	})

	x.parent = 0
	for p := prev; p != nil; p = c.dataByID(p.parent) {
		if p.section == x.section && p.ContainsRange(x.address, x.size) {
			x.parent = p.id
			break
		}
	}

	if x.size == 0 {
		return
	}
	c.data.AscendRange(dataKey(x.address+1), dataKey(x.EndAddress()), func(y *BinaryData) bool {
		if y.section != x.section || y.parent != x.parent {
			return true
		}
		if y.EndAddress() > x.EndAddress() {
			level.Warn(c.logger).Log("msg", "partially overlapping objects",
				"object", x.Name(), "addr", fmt.Sprintf("0x%x", x.address),
				"overlaps", y.Name(), "overlaps_addr", fmt.Sprintf("0x%x", y.address))
			return true
		}
		y.parent = x.id
		return true
	})
}

// BinaryDataAt returns the object starting exactly at address.
func (c *Context) BinaryDataAt(address uint64) *BinaryData {
	c.dataMu.RLock()
	defer c.dataMu.RUnlock()
	bd, _ := c.data.Get(dataKey(address))
	return bd
}

// BinaryDataContaining returns the innermost object containing address.
func (c *Context) BinaryDataContaining(address uint64) *BinaryData {
	c.dataMu.RLock()
	defer c.dataMu.RUnlock()
	return c.binaryDataContainingLocked(address)
}

func (c *Context) binaryDataContainingLocked(address uint64) *BinaryData {
	var found *BinaryData
	c.data.DescendLessOrEqual(dataKey(address), func(bd *BinaryData) bool {
		found = bd
		return false
	})
	for bd := found; bd != nil; bd = c.dataByID(bd.parent) {
		if bd.ContainsAddress(address) {
			return bd
		}
	}
	return nil
}

// BinaryDataByName returns the object one of whose aliases is name.
func (c *Context) BinaryDataByName(name string) *BinaryData {
	c.dataMu.RLock()
	defer c.dataMu.RUnlock()
	return c.globalSymbols[name]
}

// Parent returns the object directly containing bd, or nil for a root.
func (c *Context) Parent(bd *BinaryData) *BinaryData {
	c.dataMu.RLock()
	defer c.dataMu.RUnlock()
	return c.dataByID(bd.parent)
}

// Children returns the objects directly nested in bd, in address order.
func (c *Context) Children(bd *BinaryData) []*BinaryData {
	c.dataMu.RLock()
	defer c.dataMu.RUnlock()

	var out []*BinaryData
	if bd.size == 0 {
		return out
	}
	c.data.AscendRange(dataKey(bd.address+1), dataKey(bd.EndAddress()), func(y *BinaryData) bool {
		if y.parent == bd.id {
			out = append(out, y)
		}
		return true
	})
	return out
}

// AtomicRoot returns the top-level object of bd's nest.
func (c *Context) AtomicRoot(bd *BinaryData) *BinaryData {
	c.dataMu.RLock()
	defer c.dataMu.RUnlock()
	return c.atomicRootLocked(bd)
}

func (c *Context) atomicRootLocked(bd *BinaryData) *BinaryData {
	for bd.parent != 0 {
		bd = c.dataByID(bd.parent)
	}
	return bd
}

// IsAncestorOf reports whether a transitively contains b.
func (c *Context) IsAncestorOf(a, b *BinaryData) bool {
	c.dataMu.RLock()
	defer c.dataMu.RUnlock()
	for p := c.dataByID(b.parent); p != nil; p = c.dataByID(p.parent) {
		if p == a {
			return true
		}
	}
	return false
}

// Roots returns the top-level objects of section s in address order.
func (c *Context) Roots(s *Section) []*BinaryData {
	c.dataMu.RLock()
	defer c.dataMu.RUnlock()

	var out []*BinaryData
	c.data.Ascend(func(bd *BinaryData) bool {
		if bd.section == s && bd.parent == 0 {
			out = append(out, bd)
		}
		return true
	})
	return out
}

// SetBinaryDataSize commits the size of the object at address. It fails if
// a different size was already committed. A jump table may shrink, in which
// case the children left outside are handed to the table's parent.
func (c *Context) SetBinaryDataSize(address, size uint64) bool {
	c.dataMu.Lock()
	defer c.dataMu.Unlock()
	return c.setBinaryDataSizeLocked(address, size)
}

func (c *Context) setBinaryDataSizeLocked(address, size uint64) bool {
	bd, ok := c.data.Get(dataKey(address))
	if !ok {
		return false
	}
	switch {
	case bd.size == size:
		return true
	case bd.size == 0:
		bd.size = size
		c.updateNestingLocked(bd)
		return true
	case bd.isJumpTable && size < bd.size:
		oldEnd := bd.EndAddress()
		bd.size = size
		c.data.AscendRange(dataKey(bd.address+1), dataKey(oldEnd), func(y *BinaryData) bool {
			if y.parent == bd.id && y.EndAddress() > bd.EndAddress() {
				y.parent = bd.parent
			}
			return true
		})
		return true
	}
	return false
}

// GetOrCreateGlobalSymbol returns the name of the object at address, naming
// it <prefix>0x<address> if it has none yet.
func (c *Context) GetOrCreateGlobalSymbol(address uint64, prefix string, size uint64, alignment uint16) *Symbol {
	if bd := c.BinaryDataAt(address); bd != nil {
		return bd.Symbol()
	}
	return c.RegisterName(prefix+"0x"+formatHex(address), address, size, alignment)
}

// BinaryDataOnBoundary returns the object starting at address or, if none
// does, the innermost one ending there.
func (c *Context) BinaryDataOnBoundary(address uint64) *BinaryData {
	if bd := c.BinaryDataAt(address); bd != nil {
		return bd
	}
	if address == 0 {
		return nil
	}
	if bd := c.BinaryDataContaining(address - 1); bd != nil && bd.EndAddress() == address {
		return bd
	}
	return nil
}

// MarkAmbiguousRelocations pins the nests on both sides of a boundary that a
// relocation at address points to exactly, since the reference may belong
// to either object.
func (c *Context) MarkAmbiguousRelocations(bd *BinaryData, address uint64) {
	c.dataMu.Lock()
	defer c.dataMu.Unlock()

	pin := func(bd *BinaryData) {
		root := c.atomicRootLocked(bd)
		level.Debug(c.logger).Log("msg", "setting object as not moveable", "object", root.Name())
		root.setMoveable(false)
	}
	if address == bd.address {
		pin(bd)
		if address > 0 {
			if prev := c.binaryDataContainingLocked(address - 1); prev != nil && prev.EndAddress() == bd.address {
				pin(prev)
			}
		}
	}
	if address == bd.EndAddress() {
		pin(bd)
		if next := c.binaryDataContainingLocked(bd.EndAddress()); next != nil && next.address == bd.EndAddress() {
			pin(next)
		}
	}
}

// PrintGlobalSymbols writes the object forest of every section, one object
// per line, indented by depth.
func (c *Context) PrintGlobalSymbols(w io.Writer) {
	sections := c.Sections()

	c.dataMu.RLock()
	defer c.dataMu.RUnlock()

	for _, s := range sections {
		first := true
		c.data.Ascend(func(bd *BinaryData) bool {
			if bd.section != s {
				return true
			}
			if first {
				fmt.Fprintf(w, "section %s\n", s.Name())
				first = false
			}
			depth := 0
			for p := c.dataByID(bd.parent); p != nil; p = c.dataByID(p.parent) {
				depth++
			}
			fmt.Fprintf(w, "%s%s\n", strings.Repeat("  ", depth+1), bd)
			return true
		})
	}
}
