package binctx

import (
	"fmt"
	"slices"
	"strings"
)

// JumpTableType is the entry encoding of a jump table.
type JumpTableType uint8

const (
	// JumpTableAbsolute entries are code pointers.
	JumpTableAbsolute JumpTableType = iota
	// JumpTablePIC entries are signed offsets from the table start.
	JumpTablePIC
)

func (t JumpTableType) String() string {
	if t == JumpTablePIC {
		return "pic"
	}
	return "absolute"
}

// JumpTableLabel names a logical table starting at Offset bytes into the
// storage shared by deduplicated tables.
type JumpTableLabel struct {
	Offset uint64
	Symbol *Symbol
}

// JumpTable is an array of code addresses used by an indirect branch.
type JumpTable struct {
	id        uint64
	address   uint64
	entrySize int
	typ       JumpTableType
	labels    []JumpTableLabel
	section   *Section

	// EntriesAsAddress holds the decoded targets.
	EntriesAsAddress []uint64

	parents []FunctionID
	split   bool
}

func lessJumpTable(a, b *JumpTable) bool { return a.id < b.id }

func (jt *JumpTable) ID() uint64            { return jt.id }
func (jt *JumpTable) Address() uint64       { return jt.address }
func (jt *JumpTable) EntrySize() int        { return jt.entrySize }
func (jt *JumpTable) Type() JumpTableType   { return jt.typ }
func (jt *JumpTable) Section() *Section     { return jt.section }
func (jt *JumpTable) IsSplit() bool         { return jt.split }
func (jt *JumpTable) Parents() []FunctionID { return slices.Clone(jt.parents) }

// Size returns the size in bytes of the known entries.
func (jt *JumpTable) Size() uint64 {
	return uint64(len(jt.EntriesAsAddress) * jt.entrySize)
}

// ContainsAddress reports whether address lies in the table. An empty
// table contains only its start.
func (jt *JumpTable) ContainsAddress(address uint64) bool {
	if jt.Size() == 0 {
		return address == jt.address
	}
	return jt.address <= address && address < jt.address+jt.Size()
}

// FirstLabel returns the label of the table at offset zero, or the first one.
func (jt *JumpTable) FirstLabel() *Symbol {
	if len(jt.labels) == 0 {
		return nil
	}
	return jt.labels[0].Symbol
}

// Labels returns the labels ordered by offset.
func (jt *JumpTable) Labels() []JumpTableLabel { return slices.Clone(jt.labels) }

// LabelAt returns the label of the logical table starting at offset.
func (jt *JumpTable) LabelAt(offset uint64) (*Symbol, bool) {
	i, ok := slices.BinarySearchFunc(jt.labels, offset, func(l JumpTableLabel, off uint64) int {
		switch {
		case l.Offset < off:
			return -1
		case l.Offset > off:
			return 1
		}
		return 0
	})
	if !ok {
		return nil, false
	}
	return jt.labels[i].Symbol, true
}

func (jt *JumpTable) String() string {
	var b strings.Builder
	fmt.Fprintf(&b, "jump table %s, id 0x%x, address 0x%x, %s, entry size %d, %d entries",
		jt.FirstLabel().Name(), jt.id, jt.address, jt.typ, jt.entrySize, len(jt.EntriesAsAddress))
	for i, e := range jt.EntriesAsAddress {
		fmt.Fprintf(&b, "\n  [%d] 0x%x", i, e)
	}
	return b.String()
}
