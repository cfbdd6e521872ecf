package binctx

import (
	"bytes"
	"fmt"
	"slices"
	"strings"

	"github.com/go-kit/log/level"
)

// ValidateObjectNesting checks that the objects of every section form a
// laminar family and that each parent is the innermost containing object.
func (c *Context) ValidateObjectNesting() bool {
	c.dataMu.RLock()
	defer c.dataMu.RUnlock()

	valid := true
	var open []*BinaryData
	c.data.Ascend(func(y *BinaryData) bool {
		for len(open) > 0 {
			top := open[len(open)-1]
			if top.section == y.section && y.address < top.EndAddress() {
				break
			}
			open = open[:len(open)-1]
		}

		var want *BinaryData
		for i := len(open) - 1; i >= 0; i-- {
			if open[i].ContainsRange(y.address, y.size) {
				want = open[i]
				break
			}
			valid = false
			level.Warn(c.logger).Log("msg", "object partially overlaps its neighbour",
				"object", y.Name(), "neighbour", open[i].Name())
		}

		var wantID DataID
		if want != nil {
			wantID = want.id
		}
		if y.parent != wantID {
			valid = false
			level.Warn(c.logger).Log("msg", "object nesting incorrect",
				"object", y.String(), "parent", fmt.Sprint(c.dataByID(y.parent)), "expected", fmt.Sprint(want))
		}
		if y.size > 0 {
			open = append(open, y)
		}
		return true
	})
	return valid
}

// ValidateHoles checks that every relocation in an allocatable section lands
// in some object.
func (c *Context) ValidateHoles() bool {
	valid := true
	for _, s := range c.AllocatableSections() {
		for _, rel := range s.Relocations() {
			addr := s.Address() + rel.Offset
			if bd := c.BinaryDataContaining(addr); bd == nil {
				valid = false
				level.Warn(c.logger).Log("msg", "no object found for relocation",
					"addr", fmt.Sprintf("0x%x", addr), "relocation", rel.String())
			}
		}
	}
	return valid
}

// ValidateCoverage checks that the sized top-level objects of each
// allocatable section tile it with no gap and no overlap.
func (c *Context) ValidateCoverage() bool {
	valid := true
	for _, s := range c.AllocatableSections() {
		cursor := s.Address()
		for _, bd := range c.Roots(s) {
			if bd.Size() == 0 {
				continue
			}
			if bd.Address() != cursor {
				valid = false
				level.Warn(c.logger).Log("msg", "section not covered by objects",
					"section", s.Name(), "from", fmt.Sprintf("0x%x", cursor), "to", fmt.Sprintf("0x%x", bd.Address()))
			}
			cursor = max(cursor, bd.EndAddress())
		}
		if cursor != s.EndAddress() {
			valid = false
			level.Warn(c.logger).Log("msg", "section tail not covered by objects",
				"section", s.Name(), "from", fmt.Sprintf("0x%x", cursor), "to", fmt.Sprintf("0x%x", s.EndAddress()))
		}
	}
	return valid
}

// isHoleCandidate reports whether a top-level placeholder is too vague to
// delimit a gap.
func isHoleCandidate(bd *BinaryData) bool {
	if bd.parent != 0 || bd.size != 0 || !bd.IsObject() {
		return false
	}
	name := bd.Name()
	return strings.HasPrefix(name, PrefixSymbol+"0x") ||
		strings.HasPrefix(name, PrefixData+"0x") ||
		strings.HasPrefix(name, PrefixAnon)
}

type gap struct {
	address, size uint64
}

// FixBinaryDataHoles covers every byte of every allocatable section with a
// top-level object. A gap is absorbed by an unsized object that starts it,
// or gets a new HOLEat object.
func (c *Context) FixBinaryDataHoles() error {
	if !c.ValidateObjectNesting() {
		return NewFatalError("object nesting inconsistency detected before hole synthesis")
	}

	for _, s := range c.AllocatableSections() {
		var holes []gap
		end := s.Address()
		for _, bd := range c.Roots(s) {
			if isHoleCandidate(bd) {
				continue
			}
			if bd.Address() > end {
				holes = append(holes, gap{end, bd.Address() - end})
			}
			end = max(end, bd.EndAddress())
		}
		if end < s.EndAddress() {
			holes = append(holes, gap{end, s.EndAddress() - end})
		}

		for _, h := range holes {
			level.Debug(c.logger).Log("msg", "filling hole", "section", s.Name(),
				"addr", fmt.Sprintf("0x%x", h.address), "size", fmt.Sprintf("0x%x", h.size))
			if bd := c.BinaryDataAt(h.address); bd != nil {
				// Overlapping sections may put a foreign object here.
				if bd.Section() == s {
					c.SetBinaryDataSize(h.address, h.size)
				}
				continue
			}
			c.GetOrCreateGlobalSymbol(h.address, PrefixHole, h.size, 1)
			c.metrics.Holes.Inc()
		}
	}

	if !c.ValidateObjectNesting() {
		return NewFatalError("object nesting inconsistency detected after hole synthesis")
	}
	if !c.ValidateHoles() {
		return NewFatalError("top level hole detected in object map")
	}
	return nil
}

// isPadding reports whether the object looks like filler.
func isPadding(bd *BinaryData) bool {
	if bd.NameStartsWith(PrefixHole) {
		return true
	}
	if bd.section == nil {
		return false
	}
	data, ok := bd.section.Data(bd.address, bd.size)
	if !ok {
		return bd.section.IsVirtual()
	}
	return len(bytes.Trim(data, "\x00")) == 0
}

// GenerateSymbolHashes gives placeholder-named objects a name derived from
// their contents, so the same object gets the same name across builds. An
// object that also has a real name gets that name as primary instead.
func (c *Context) GenerateSymbolHashes() {
	c.dataMu.Lock()
	defer c.dataMu.Unlock()

	collisions := 0
	c.data.Ascend(func(bd *BinaryData) bool {
		name := bd.Name()
		if !IsInternalSymbolName(name) {
			return true
		}
		if i := slices.IndexFunc(bd.symbols, func(s *Symbol) bool {
			return !IsInternalSymbolName(s.Name())
		}); i > 0 {
			bd.symbols[0], bd.symbols[i] = bd.symbols[i], bd.symbols[0]
			return true
		}
		// Unsized objects would all collide.
		if bd.size == 0 || bd.section == nil {
			return true
		}
		idx := strings.Index(name, "0x")
		if idx < 0 {
			// Already hashed.
			return true
		}
		newName := name[:idx] + "_" + formatHex(bd.section.Hash(bd))
		if _, ok := c.globalSymbols[newName]; ok {
			if !isPadding(bd) {
				collisions++
				c.metrics.HashCollisions.Inc()
				level.Warn(c.logger).Log("msg", "collision hashing object", "object", name, "name", newName)
			}
			return true
		}
		bd.symbols = slices.Insert(bd.symbols, 0, c.names.Intern(newName))
		c.globalSymbols[newName] = bd
		return true
	})
	if collisions > 0 {
		level.Warn(c.logger).Log("msg", "hash collisions while naming anonymous objects", "count", collisions)
	}
}

// PostProcessSymbolTable finishes the address space once the whole symbol
// table is loaded: it fills holes, reports unsized placeholders and names
// anonymous objects by content.
func (c *Context) PostProcessSymbolTable() error {
	if err := c.FixBinaryDataHoles(); err != nil {
		return err
	}

	var unsized []string
	for _, s := range c.AllocatableSections() {
		for _, bd := range c.Roots(s) {
			if bd.Size() == 0 && (bd.NameStartsWith(PrefixSymbol+"0x") || bd.NameStartsWith(PrefixData+"0x")) {
				unsized = append(unsized, bd.String())
			}
		}
	}
	c.GenerateSymbolHashes()

	if !c.ValidateCoverage() {
		level.Warn(c.logger).Log("msg", "sections are not fully covered after hole synthesis")
	}
	if len(unsized) > 0 {
		return NewNonFatalError("zero-sized top level symbols: %s", strings.Join(unsized, "; "))
	}
	return nil
}
