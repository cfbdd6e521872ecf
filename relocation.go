package binctx

import (
	"debug/elf"
	"fmt"

	"github.com/google/btree"
)

// Relocation is a relocation record attached to a section at Offset.
type Relocation struct {
	Offset uint64
	Symbol *Symbol
	Type   uint32
	Addend uint64
	Value  uint64
}

func (r Relocation) String() string {
	return fmt.Sprintf("Relocation{0x%x, %s, type=%d, addend=0x%x, value=0x%x}",
		r.Offset, r.Symbol.Name(), r.Type, r.Addend, r.Value)
}

// IsPCRelative reports whether the relocation type computes a PC-relative
// value for the given architecture.
func (r Relocation) IsPCRelative(arch Arch) bool {
	switch arch {
	case ArchAMD64:
		switch elf.R_X86_64(r.Type) {
		case elf.R_X86_64_PC8, elf.R_X86_64_PC16, elf.R_X86_64_PC32,
			elf.R_X86_64_PC64, elf.R_X86_64_PLT32, elf.R_X86_64_GOTPCREL,
			elf.R_X86_64_GOTPCRELX, elf.R_X86_64_REX_GOTPCRELX:
			return true
		}
	case ArchARM64:
		switch elf.R_AARCH64(r.Type) {
		case elf.R_AARCH64_PREL16, elf.R_AARCH64_PREL32, elf.R_AARCH64_PREL64,
			elf.R_AARCH64_ADR_PREL_PG_HI21, elf.R_AARCH64_ADR_PREL_LO21,
			elf.R_AARCH64_CALL26, elf.R_AARCH64_JUMP26, elf.R_AARCH64_CONDBR19,
			elf.R_AARCH64_LD_PREL_LO19, elf.R_AARCH64_TSTBR14:
			return true
		}
	}
	return false
}

// relocationSet is an offset-ordered set of relocations, unique per offset.
type relocationSet struct {
	tree *btree.BTreeG[Relocation]
}

func newRelocationSet() relocationSet {
	return relocationSet{tree: btree.NewG(8, func(a, b Relocation) bool {
		return a.Offset < b.Offset
	})}
}

// add inserts rel unless a relocation already exists at its offset.
func (s relocationSet) add(rel Relocation) bool {
	if _, ok := s.tree.Get(Relocation{Offset: rel.Offset}); ok {
		return false
	}
	s.tree.ReplaceOrInsert(rel)
	return true
}

func (s relocationSet) at(offset uint64) (Relocation, bool) {
	return s.tree.Get(Relocation{Offset: offset})
}

func (s relocationSet) remove(offset uint64) bool {
	_, ok := s.tree.Delete(Relocation{Offset: offset})
	return ok
}

// inRange calls fn for every relocation with offset in [begin, end).
func (s relocationSet) inRange(begin, end uint64, fn func(Relocation) bool) {
	s.tree.AscendRange(Relocation{Offset: begin}, Relocation{Offset: end}, fn)
}

func (s relocationSet) all() []Relocation {
	out := make([]Relocation, 0, s.tree.Len())
	s.tree.Ascend(func(r Relocation) bool {
		out = append(out, r)
		return true
	})
	return out
}

func (s relocationSet) len() int { return s.tree.Len() }
