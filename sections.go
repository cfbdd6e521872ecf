package binctx

import (
	"debug/elf"
	"encoding/binary"
	"fmt"
	"io"
	"slices"

	"github.com/go-kit/log/level"
	"github.com/pkg/errors"
)

const absoluteSectionName = "<absolute>"

// RegisterSection adds s to the section table. Allocatable sections with a
// non-zero address become addressable through SectionForAddress.
func (c *Context) RegisterSection(s *Section) (*Section, error) {
	c.sectionsMu.Lock()
	defer c.sectionsMu.Unlock()
	return c.registerSectionLocked(s)
}

func (c *Context) registerSectionLocked(s *Section) (*Section, error) {
	if slices.Contains(c.sections, s) {
		return nil, NewFatalError("can't register the same section twice: %s", s.Name())
	}
	c.sections = append(c.sections, s)
	if s.IsAllocatable() && s.Address() != 0 {
		i, _ := slices.BinarySearchFunc(c.addrSections, s.Address(), func(e *Section, a uint64) int {
			switch {
			case e.Address() < a:
				return -1
			case e.Address() > a:
				return 1
			}
			return 0
		})
		// Keep registration order among sections sharing an address.
		for i < len(c.addrSections) && c.addrSections[i].Address() == s.Address() {
			i++
		}
		c.addrSections = slices.Insert(c.addrSections, i, s)
	}
	c.nameToSection[s.Name()] = append(c.nameToSection[s.Name()], s)
	level.Debug(c.logger).Log("msg", "registering section", "section", s.String())
	return s, nil
}

// RegisterOrUpdateSection updates the unique section called name, or
// registers a new one.
func (c *Context) RegisterOrUpdateSection(name string, typ elf.SectionType, flags elf.SectionFlag, data []byte, size, alignment uint64) (*Section, error) {
	c.sectionsMu.Lock()
	defer c.sectionsMu.Unlock()

	if named := c.nameToSection[name]; len(named) > 0 {
		if len(named) > 1 {
			return nil, NewFatalError("can only update unique sections: %s", name)
		}
		s := named[0]
		wasAlloc := s.IsAllocatable()
		s.Update(data, size, alignment, typ, flags)
		if wasAlloc != s.IsAllocatable() {
			return nil, NewFatalError("can't change section allocation status: %s", name)
		}
		return s, nil
	}
	return c.registerSectionLocked(NewSection(name, 0, size, alignment, typ, flags, data))
}

func (c *Context) deregisterSectionNameLocked(s *Section) {
	named := c.nameToSection[s.Name()]
	if i := slices.Index(named, s); i >= 0 {
		named = slices.Delete(named, i, i+1)
	}
	if len(named) == 0 {
		delete(c.nameToSection, s.Name())
		return
	}
	c.nameToSection[s.Name()] = named
}

// DeregisterSection removes s from every index. It reports false if s was
// not registered.
func (c *Context) DeregisterSection(s *Section) bool {
	c.sectionsMu.Lock()
	defer c.sectionsMu.Unlock()

	i := slices.Index(c.sections, s)
	if i < 0 {
		return false
	}
	if j := slices.Index(c.addrSections, s); j >= 0 {
		c.addrSections = slices.Delete(c.addrSections, j, j+1)
	}
	c.deregisterSectionNameLocked(s)
	c.sections = slices.Delete(c.sections, i, i+1)
	return true
}

// DeregisterUnusedSections drops sections that neither come from the input
// nor received output data.
func (c *Context) DeregisterUnusedSections() {
	c.sectionsMu.Lock()
	defer c.sectionsMu.Unlock()

	kept := c.sections[:0]
	for _, s := range c.sections {
		if s.IsOriginal() || s.outputData != nil || s.Name() == absoluteSectionName {
			kept = append(kept, s)
			continue
		}
		level.Debug(c.logger).Log("msg", "deregistering section", "section", s.Name())
		c.deregisterSectionNameLocked(s)
		if j := slices.Index(c.addrSections, s); j >= 0 {
			c.addrSections = slices.Delete(c.addrSections, j, j+1)
		}
	}
	clear(c.sections[len(kept):])
	c.sections = kept
}

// RenameSection changes the name of a registered section.
func (c *Context) RenameSection(s *Section, name string) error {
	c.sectionsMu.Lock()
	defer c.sectionsMu.Unlock()

	if !slices.Contains(c.sections, s) {
		return NewFatalError("section must exist to be renamed: %s", s.Name())
	}
	c.deregisterSectionNameLocked(s)
	s.name = name
	c.nameToSection[name] = append(c.nameToSection[name], s)
	return nil
}

// SectionForAddress returns the allocatable section containing address. A
// zero-size section matches its own address.
func (c *Context) SectionForAddress(address uint64) (*Section, error) {
	c.sectionsMu.RLock()
	defer c.sectionsMu.RUnlock()

	i, _ := slices.BinarySearchFunc(c.addrSections, address+1, func(e *Section, a uint64) int {
		if e.Address() < a {
			return -1
		}
		return 1
	})
	if i == 0 {
		return nil, errors.Wrapf(ErrNoSection, "0x%x", address)
	}
	s := c.addrSections[i-1]
	upper := s.EndAddress()
	if s.Size() == 0 {
		upper++
	}
	if upper > address {
		return s, nil
	}
	return nil, errors.Wrapf(ErrNoSection, "0x%x", address)
}

// SectionByName returns every section called name.
func (c *Context) SectionByName(name string) []*Section {
	c.sectionsMu.RLock()
	defer c.sectionsMu.RUnlock()
	return slices.Clone(c.nameToSection[name])
}

// UniqueSectionByName returns the section called name if exactly one
// exists.
func (c *Context) UniqueSectionByName(name string) (*Section, error) {
	named := c.SectionByName(name)
	if len(named) != 1 {
		return nil, fmt.Errorf("expected one section named %s, found %d", name, len(named))
	}
	return named[0], nil
}

// Sections returns all sections in registration order.
func (c *Context) Sections() []*Section {
	c.sectionsMu.RLock()
	defer c.sectionsMu.RUnlock()
	return slices.Clone(c.sections)
}

// AllocatableSections returns the addressable sections in address order.
func (c *Context) AllocatableSections() []*Section {
	c.sectionsMu.RLock()
	defer c.sectionsMu.RUnlock()
	return slices.Clone(c.addrSections)
}

// AbsoluteSection returns the pseudo-section holding absolute symbols.
func (c *Context) AbsoluteSection() *Section {
	if s, err := c.UniqueSectionByName(absoluteSectionName); err == nil {
		return s
	}
	s, _ := c.RegisterOrUpdateSection(absoluteSectionName, elf.SHT_NULL, 0, nil, 0, 1)
	return s
}

// PrintSections writes one line per section.
func (c *Context) PrintSections(w io.Writer) {
	for _, s := range c.Sections() {
		fmt.Fprintf(w, "%s\n", s)
	}
}

// UnsignedValueAt reads a little-endian unsigned value of size bytes.
// Virtual sections read as zero.
func (c *Context) UnsignedValueAt(address uint64, size int) (uint64, error) {
	s, err := c.SectionForAddress(address)
	if err != nil {
		return 0, err
	}
	if s.IsVirtual() {
		return 0, nil
	}
	data, ok := s.Data(address, uint64(size))
	if !ok {
		return 0, errors.Errorf("cannot read %d bytes at 0x%x in %s", size, address, s.Name())
	}
	switch size {
	case 1:
		return uint64(data[0]), nil
	case 2:
		return uint64(binary.LittleEndian.Uint16(data)), nil
	case 4:
		return uint64(binary.LittleEndian.Uint32(data)), nil
	case 8:
		return binary.LittleEndian.Uint64(data), nil
	}
	return 0, errors.Errorf("unsupported value size %d", size)
}

// SignedValueAt reads a little-endian signed value of size bytes.
func (c *Context) SignedValueAt(address uint64, size int) (int64, error) {
	v, err := c.UnsignedValueAt(address, size)
	if err != nil {
		return 0, err
	}
	return signExtend(v, uint(size*8)), nil
}

// PointerAt reads a code pointer at address.
func (c *Context) PointerAt(address uint64) (uint64, error) {
	return c.UnsignedValueAt(address, c.arch.PointerSize())
}

// AddRelocation attaches a static relocation at address.
func (c *Context) AddRelocation(address uint64, sym *Symbol, typ uint32, addend, value uint64) error {
	s, err := c.SectionForAddress(address)
	if err != nil {
		return errors.Wrap(err, "cannot find section for relocation")
	}
	s.AddRelocation(address-s.Address(), sym, typ, addend, value)
	return nil
}

// AddDynamicRelocation attaches a dynamic relocation at address.
func (c *Context) AddDynamicRelocation(address uint64, sym *Symbol, typ uint32, addend, value uint64) error {
	s, err := c.SectionForAddress(address)
	if err != nil {
		return errors.Wrap(err, "cannot find section for dynamic relocation")
	}
	s.AddDynamicRelocation(address-s.Address(), sym, typ, addend, value)
	return nil
}

// RemoveRelocationAt drops the static relocation at address.
func (c *Context) RemoveRelocationAt(address uint64) bool {
	s, err := c.SectionForAddress(address)
	if err != nil {
		return false
	}
	return s.RemoveRelocationAt(address - s.Address())
}

// RelocationAt returns the static relocation at address.
func (c *Context) RelocationAt(address uint64) (Relocation, bool) {
	s, err := c.SectionForAddress(address)
	if err != nil {
		return Relocation{}, false
	}
	return s.RelocationAt(address - s.Address())
}

// DynamicRelocationAt returns the dynamic relocation at address.
func (c *Context) DynamicRelocationAt(address uint64) (Relocation, bool) {
	s, err := c.SectionForAddress(address)
	if err != nil {
		return Relocation{}, false
	}
	return s.DynamicRelocationAt(address - s.Address())
}

// AddPCRelativeDataRelocation records a PC-relative relocation found in a
// data section. Such relocations are how PIC jump tables are recognised in
// relocation-driven mode.
func (c *Context) AddPCRelativeDataRelocation(address uint64) {
	c.jumpTablesMu.Lock()
	c.dataPCRelocations[address] = struct{}{}
	c.jumpTablesMu.Unlock()
}
