package binctx

import (
	"fmt"
	"slices"
	"strings"
)

// DataID is a stable handle to a BinaryData record. The zero value means
// "no object".
type DataID uint32

// BinaryData is a named address range. All symbols in Symbols alias the
// same address; the first one is the primary name.
type BinaryData struct {
	id        DataID
	symbols   []*Symbol
	address   uint64
	size      uint64
	alignment uint16
	section   *Section
	parent    DataID

	isJumpTable bool
	isFunction  bool
	isMoveable  bool
}

func (bd *BinaryData) ID() DataID            { return bd.id }
func (bd *BinaryData) Address() uint64       { return bd.address }
func (bd *BinaryData) Size() uint64          { return bd.size }
func (bd *BinaryData) EndAddress() uint64    { return bd.address + bd.size }
func (bd *BinaryData) Alignment() uint16     { return bd.alignment }
func (bd *BinaryData) Section() *Section     { return bd.section }
func (bd *BinaryData) ParentID() DataID      { return bd.parent }
func (bd *BinaryData) IsJumpTable() bool     { return bd.isJumpTable }
func (bd *BinaryData) IsMoveable() bool      { return bd.isMoveable }
func (bd *BinaryData) Symbol() *Symbol       { return bd.symbols[0] }
func (bd *BinaryData) Name() string          { return bd.symbols[0].Name() }
func (bd *BinaryData) Symbols() []*Symbol    { return slices.Clone(bd.symbols) }
func (bd *BinaryData) setMoveable(ok bool)   { bd.isMoveable = ok }
func (bd *BinaryData) setSection(s *Section) { bd.section = s }

// IsObject reports whether the record describes data rather than a function
// entry.
func (bd *BinaryData) IsObject() bool { return !bd.isFunction }

// IsAbsolute reports whether the object lives outside any section.
func (bd *BinaryData) IsAbsolute() bool {
	return bd.section == nil || bd.section.Name() == absoluteSectionName
}

// Offset returns the object address relative to its section.
func (bd *BinaryData) Offset() uint64 {
	if bd.section == nil {
		return bd.address
	}
	return bd.address - bd.section.Address()
}

// HasName reports whether name is one of the object's symbols.
func (bd *BinaryData) HasName(name string) bool {
	for _, s := range bd.symbols {
		if s.Name() == name {
			return true
		}
	}
	return false
}

// NameStartsWith reports whether any symbol name has the given prefix.
func (bd *BinaryData) NameStartsWith(prefix string) bool {
	for _, s := range bd.symbols {
		if strings.HasPrefix(s.Name(), prefix) {
			return true
		}
	}
	return false
}

// ContainsAddress reports whether address is inside the object. A zero-size
// object contains only its own address.
func (bd *BinaryData) ContainsAddress(address uint64) bool {
	return (bd.address <= address && address < bd.EndAddress()) ||
		(bd.address == address && bd.size == 0)
}

// ContainsRange reports whether [address, address+size) is inside the
// object.
func (bd *BinaryData) ContainsRange(address, size uint64) bool {
	return bd.ContainsAddress(address) && address+size <= bd.EndAddress()
}

func (bd *BinaryData) String() string {
	var sec string
	if bd.section != nil {
		sec = bd.section.Name()
	}
	return fmt.Sprintf("%s at 0x%x, size 0x%x, align %d, section %s",
		strings.Join(symbolNames(bd.symbols), "/"), bd.address, bd.size, bd.alignment, sec)
}

func symbolNames(syms []*Symbol) []string {
	out := make([]string, len(syms))
	for i, s := range syms {
		out[i] = s.Name()
	}
	return out
}
