package binctx

import (
	"debug/elf"
	"encoding/binary"
	"fmt"
	"strconv"
	"strings"

	"github.com/cespare/xxhash/v2"
)

// Section is a named, addressed region of the input binary. It owns its
// contents (nil for virtual sections) and its relocations.
type Section struct {
	name      string
	address   uint64
	size      uint64
	alignment uint64
	elfType   elf.SectionType
	elfFlags  elf.SectionFlag
	contents  []byte
	original  bool

	// Output data set by the emission backend. Sections with neither an
	// input counterpart nor output data are dropped by
	// DeregisterUnusedSections.
	outputData []byte

	relocations        relocationSet
	dynamicRelocations relocationSet
}

// NewSection returns a section backed by contents. For SHT_NOBITS sections
// contents is ignored.
func NewSection(name string, address, size, alignment uint64, typ elf.SectionType, flags elf.SectionFlag, contents []byte) *Section {
	s := &Section{
		name:               name,
		address:            address,
		size:               size,
		alignment:          alignment,
		elfType:            typ,
		elfFlags:           flags,
		relocations:        newRelocationSet(),
		dynamicRelocations: newRelocationSet(),
	}
	if typ != elf.SHT_NOBITS {
		s.contents = contents
	}
	return s
}

func (s *Section) Name() string       { return s.name }
func (s *Section) Address() uint64    { return s.address }
func (s *Section) Size() uint64       { return s.size }
func (s *Section) EndAddress() uint64 { return s.address + s.size }
func (s *Section) Alignment() uint64  { return s.alignment }
func (s *Section) Contents() []byte   { return s.contents }

// IsAllocatable reports whether the section occupies memory at run time.
func (s *Section) IsAllocatable() bool { return s.elfFlags&elf.SHF_ALLOC != 0 }

// IsVirtual reports whether the section has no bytes on disk, e.g. .bss.
func (s *Section) IsVirtual() bool { return s.elfType == elf.SHT_NOBITS }

// IsText reports whether the section holds executable code.
func (s *Section) IsText() bool { return s.elfFlags&elf.SHF_EXECINSTR != 0 }

// IsOriginal reports whether the section comes from the input file.
func (s *Section) IsOriginal() bool { return s.original }

// ContainsAddress reports whether address is in [Address, EndAddress).
func (s *Section) ContainsAddress(address uint64) bool {
	return address >= s.address && address < s.EndAddress()
}

// ContainsRange reports whether [address, address+size) is inside the
// section.
func (s *Section) ContainsRange(address, size uint64) bool {
	return s.address <= address && address+size <= s.EndAddress()
}

// Data returns the bytes in [address, address+size), or false if the range
// is not backed by contents.
func (s *Section) Data(address, size uint64) ([]byte, bool) {
	if s.IsVirtual() || !s.ContainsRange(address, size) {
		return nil, false
	}
	off := address - s.address
	if off+size > uint64(len(s.contents)) {
		return nil, false
	}
	return s.contents[off : off+size], true
}

// Update replaces the section contents and size.
func (s *Section) Update(contents []byte, size, alignment uint64, typ elf.SectionType, flags elf.SectionFlag) {
	s.contents = contents
	s.size = size
	s.alignment = alignment
	s.elfType = typ
	s.elfFlags = flags
}

// SetOutputData records the bytes produced for the section by the emission
// backend.
func (s *Section) SetOutputData(data []byte) { s.outputData = data }

// AddRelocation attaches a static relocation at offset. It reports false if
// one already exists there.
func (s *Section) AddRelocation(offset uint64, sym *Symbol, typ uint32, addend, value uint64) bool {
	return s.relocations.add(Relocation{Offset: offset, Symbol: sym, Type: typ, Addend: addend, Value: value})
}

// AddDynamicRelocation attaches a dynamic relocation at offset.
func (s *Section) AddDynamicRelocation(offset uint64, sym *Symbol, typ uint32, addend, value uint64) bool {
	return s.dynamicRelocations.add(Relocation{Offset: offset, Symbol: sym, Type: typ, Addend: addend, Value: value})
}

// RemoveRelocationAt drops the static relocation at offset.
func (s *Section) RemoveRelocationAt(offset uint64) bool {
	return s.relocations.remove(offset)
}

// RelocationAt returns the static relocation at offset.
func (s *Section) RelocationAt(offset uint64) (Relocation, bool) {
	return s.relocations.at(offset)
}

// DynamicRelocationAt returns the dynamic relocation at offset.
func (s *Section) DynamicRelocationAt(offset uint64) (Relocation, bool) {
	return s.dynamicRelocations.at(offset)
}

// Relocations returns the static relocations in offset order.
func (s *Section) Relocations() []Relocation { return s.relocations.all() }

// HasDynamicRelocationsIn reports whether any dynamic relocation falls in
// [offset, offset+size).
func (s *Section) HasDynamicRelocationsIn(offset, size uint64) bool {
	found := false
	s.dynamicRelocations.inRange(offset, offset+size, func(Relocation) bool {
		found = true
		return false
	})
	return found
}

// Hash returns a content hash of the object bytes, including the
// relocations that patch them.
func (s *Section) Hash(bd *BinaryData) uint64 {
	h := xxhash.New()
	_, _ = h.WriteString(s.name)
	offset := bd.Address() - s.address
	if data, ok := s.Data(bd.Address(), bd.Size()); ok {
		_, _ = h.Write(data)
	}
	var buf [8]byte
	s.relocations.inRange(offset, offset+bd.Size(), func(r Relocation) bool {
		binary.LittleEndian.PutUint64(buf[:], r.Offset-offset)
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

func (s *Section) String() string {
	var flags string
	if s.IsAllocatable() {
		flags += "A"
	}
	if s.IsText() {
		flags += "X"
	}
	if s.IsVirtual() {
		flags += "V"
	}
	return fmt.Sprintf("%s, 0x%x:0x%x, size=0x%x, flags=%s, relocs=%d",
		s.name, s.address, s.EndAddress(), s.size, flags, s.relocations.len())
}

func formatHex(v uint64) string { return strings.ToUpper(strconv.FormatUint(v, 16)) }
