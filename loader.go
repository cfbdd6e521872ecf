package binctx

import (
	"cmp"
	"debug/elf"
	"io"
	"slices"
	"strconv"
	"strings"

	"github.com/go-kit/log/level"
	"github.com/pkg/errors"
)

// LoadELF builds a Context from the ELF executable or shared object read
// from r. Relocation-driven mode is switched on when the input carries
// static relocation sections, unless an option says otherwise.
func LoadELF(r io.ReaderAt, opts ...Option) (*Context, error) {
	f, err := elf.NewFile(r)
	if err != nil {
		return nil, errors.Wrap(err, "failed to parse ELF file")
	}
	defer f.Close()

	if f.Class != elf.ELFCLASS64 {
		return nil, errors.Errorf("unsupported ELF class: %s", f.Class)
	}
	arch, err := ArchFromELF(f.Machine)
	if err != nil {
		return nil, err
	}
	info, err := NewArchInfo(arch)
	if err != nil {
		return nil, err
	}

	o := defaultOptions()
	o.relocations = hasStaticRelocations(f)
	for _, opt := range opts {
		opt(&o)
	}
	c, err := newContext(info, o)
	if err != nil {
		return nil, err
	}

	l := &elfLoader{c: c, f: f, sections: make(map[int]*Section)}
	if err := l.loadSections(); err != nil {
		return nil, err
	}
	if err := l.loadSymbols(); err != nil {
		return nil, err
	}
	if err := l.loadRelocations(); err != nil {
		return nil, err
	}

	if o.discover {
		if _, err := c.DiscoverFunctions(); err != nil {
			return nil, err
		}
	}
	if err := c.PostProcessSymbolTable(); err != nil {
		if IsFatal(err) {
			return nil, err
		}
		level.Warn(c.logger).Log("msg", "incomplete symbol table", "err", err)
	}

	level.Info(c.logger).Log("msg", "loaded binary", "arch", arch,
		"sections", len(c.Sections()), "functions", len(c.Functions()),
		"relocations", c.HasRelocations())
	return c, nil
}

// hasStaticRelocations reports whether the linker kept the relocations
// (--emit-relocs). Those live in non-allocated SHT_RELA sections applied to
// an allocated one; dynamic relocation sections are allocated.
func hasStaticRelocations(f *elf.File) bool {
	for _, s := range f.Sections {
		if s.Type != elf.SHT_RELA || s.Flags&elf.SHF_ALLOC != 0 {
			continue
		}
		if int(s.Info) < len(f.Sections) && f.Sections[s.Info].Flags&elf.SHF_ALLOC != 0 {
			return true
		}
	}
	return false
}

type elfLoader struct {
	c        *Context
	f        *elf.File
	sections map[int]*Section
}

func (l *elfLoader) loadSections() error {
	for i, s := range l.f.Sections {
		if s.Type == elf.SHT_NULL {
			continue
		}
		var data []byte
		if s.Type != elf.SHT_NOBITS && s.Flags&elf.SHF_ALLOC != 0 {
			var err error
			if data, err = s.Data(); err != nil && err != io.EOF {
				return errors.Wrapf(err, "failed to read section %s", s.Name)
			}
		}
		sec := NewSection(s.Name, s.Addr, s.Size, s.Addralign, s.Type, s.Flags, data)
		sec.original = true
		if _, err := l.c.RegisterSection(sec); err != nil {
			return err
		}
		l.sections[i] = sec
	}
	return nil
}

func (l *elfLoader) loadSymbols() error {
	syms, err := l.f.Symbols()
	if err != nil && !errors.Is(err, elf.ErrNoSymbols) {
		return errors.Wrap(err, "failed to read symbol table")
	}
	// Lower addresses first, functions before other symbols at the same
	// address, global before local.
	slices.SortStableFunc(syms, func(a, b elf.Symbol) int {
		return cmp.Or(
			cmp.Compare(a.Value, b.Value),
			cmp.Compare(symbolRank(a), symbolRank(b)),
		)
	})

	var (
		mapping []elf.Symbol
		seen    = make(map[string]int)
	)
	for _, sym := range syms {
		typ := elf.ST_TYPE(sym.Info)
		if sym.Name == "" || sym.Section == elf.SHN_UNDEF || typ == elf.STT_SECTION || typ == elf.STT_FILE {
			continue
		}
		if isMappingSymbol(sym.Name) {
			mapping = append(mapping, sym)
			continue
		}

		name := sym.Name
		if n := seen[name]; n > 0 {
			if elf.ST_BIND(sym.Info) != elf.STB_LOCAL {
				level.Debug(l.c.logger).Log("msg", "duplicate global symbol", "symbol", name)
				continue
			}
			name += "/" + strconv.Itoa(n)
		}
		seen[sym.Name]++

		if sym.Section == elf.SHN_ABS {
			if _, err := l.c.SectionForAddress(sym.Value); err != nil {
				l.c.RegisterName(name, sym.Value, sym.Size, 1)
			}
			continue
		}
		sec, ok := l.sections[int(sym.Section)]
		if !ok || !sec.IsAllocatable() {
			continue
		}

		// STT_LOOS is STT_GNU_IFUNC.
		if typ == elf.STT_FUNC || typ == elf.STT_LOOS {
			if !sec.IsText() {
				continue
			}
			if err := l.addFunction(name, sec, sym); err != nil {
				return err
			}
			continue
		}
		// Local labels inside code describe nothing the model needs.
		if sec.IsText() {
			continue
		}
		l.c.RegisterName(name, sym.Value, sym.Size, 1)
	}

	l.computeMaxSizes()
	l.registerColdFragments()
	l.markIslands(mapping)
	return nil
}

func symbolRank(s elf.Symbol) int {
	rank := 2
	if elf.ST_TYPE(s.Info) == elf.STT_FUNC {
		rank = 0
	}
	if elf.ST_BIND(s.Info) == elf.STB_LOCAL {
		rank++
	}
	return rank
}

func isMappingSymbol(name string) bool {
	return name == "$d" || name == "$x" || strings.HasPrefix(name, "$d.") || strings.HasPrefix(name, "$x.")
}

func (l *elfLoader) addFunction(name string, sec *Section, sym elf.Symbol) error {
	c := l.c
	if fn := c.FunctionAt(sym.Value); fn != nil && fn.Address() == sym.Value {
		c.addFunctionAlias(fn, name)
		return nil
	}
	if fn := c.FunctionContaining(sym.Value, false, false); fn != nil {
		// A function symbol inside another one is a secondary entry.
		c.registerName(name, sym.Value, 0, 1, true)
		_, err := c.AddEntryPointAtOffset(fn, sym.Value-fn.Address())
		return err
	}
	_, err := c.CreateFunction(name, sec, sym.Value, sym.Size, 0, uint16(min(sec.Alignment(), 1<<15)))
	return err
}

// addFunctionAlias gives fn another name.
func (c *Context) addFunctionAlias(fn *BinaryFunction, name string) {
	sym := c.registerName(name, fn.address, fn.size, fn.alignment, true)
	fn.mu.Lock()
	if !slices.Contains(fn.symbols, sym) {
		fn.symbols = append(fn.symbols, sym)
	}
	fn.mu.Unlock()
	c.setSymbolToFunction(sym, fn)
}

// computeMaxSizes lets every function grow up to the next function or the
// end of its section. Functions without a size take all of it and cannot
// be rewritten.
func (l *elfLoader) computeMaxSizes() {
	fns := l.c.Functions()
	for i, fn := range fns {
		end := fn.section.EndAddress()
		if i+1 < len(fns) && fns[i+1].section == fn.section {
			end = min(end, fns[i+1].address)
		}
		if end <= fn.address {
			continue
		}
		maxSize := end - fn.address
		if fn.size == 0 {
			fn.size = maxSize
			l.c.SetBinaryDataSize(fn.address, maxSize)
			fn.SetSimple(false)
			level.Debug(l.c.logger).Log("msg", "function has no size", "function", fn.PrintName())
		}
		if maxSize > fn.size {
			fn.SetMaxSize(maxSize)
		}
	}
}

// registerColdFragments links foo.cold and foo.cold.N to foo.
func (l *elfLoader) registerColdFragments() {
	for _, fn := range l.c.Functions() {
		for _, sym := range fn.Symbols() {
			parentName, _, ok := strings.Cut(sym.Name(), ".cold")
			if !ok || parentName == "" {
				continue
			}
			parentName, _, _ = strings.Cut(parentName, "/")
			if parent := l.c.FunctionByName(parentName); parent != nil && parent != fn {
				l.c.RegisterFragment(fn, parent)
			}
		}
	}
}

// markIslands applies arm64 $d and $x mapping symbols.
func (l *elfLoader) markIslands(mapping []elf.Symbol) {
	if !l.c.arch.HasConstantIslands() {
		return
	}
	for _, sym := range mapping {
		fn := l.c.FunctionContaining(sym.Value, false, true)
		if fn == nil {
			continue
		}
		offset := sym.Value - fn.Address()
		if strings.HasPrefix(sym.Name, "$d") {
			l.c.MarkDataInCode(fn, offset)
		} else {
			l.c.MarkCodeInCode(fn, offset)
		}
	}
}

const rela64Size = 24

func (l *elfLoader) loadRelocations() error {
	for _, s := range l.f.Sections {
		if s.Type != elf.SHT_RELA {
			continue
		}
		dynamic := s.Flags&elf.SHF_ALLOC != 0
		if !dynamic && !l.c.HasRelocations() {
			continue
		}
		if err := l.loadRelocationSection(s, dynamic); err != nil {
			return err
		}
	}
	return nil
}

func (l *elfLoader) loadRelocationSection(s *elf.Section, dynamic bool) error {
	data, err := s.Data()
	if err != nil {
		return errors.Wrapf(err, "failed to read relocation section %s", s.Name)
	}
	syms, err := l.linkedSymbols(s)
	if err != nil {
		return err
	}

	for off := 0; off+rela64Size <= len(data); off += rela64Size {
		var (
			where  = l.f.ByteOrder.Uint64(data[off:])
			info   = l.f.ByteOrder.Uint64(data[off+8:])
			addend = l.f.ByteOrder.Uint64(data[off+16:])
			idx    = int(elf.R_SYM64(info))
			typ    = elf.R_TYPE64(info)
		)
		var (
			sym   *Symbol
			value = addend
		)
		if idx > 0 && idx <= len(syms) {
			es := syms[idx-1]
			value += es.Value
			if es.Name != "" && elf.ST_TYPE(es.Info) != elf.STT_SECTION {
				sym = l.c.names.Intern(es.Name)
			}
		}
		if sym == nil && !dynamic {
			if bd := l.c.BinaryDataContaining(value); bd != nil {
				sym = bd.Symbol()
			}
		}

		if dynamic {
			if err := l.c.AddDynamicRelocation(where, sym, typ, addend, value); err != nil {
				level.Debug(l.c.logger).Log("msg", "skipping dynamic relocation", "err", err)
			}
			continue
		}
		target, err := l.c.SectionForAddress(where)
		if err != nil {
			continue
		}
		target.AddRelocation(where-target.Address(), sym, typ, addend, value)
		// A value on an object boundary may refer to either neighbour.
		if bd := l.c.BinaryDataOnBoundary(value); bd != nil && bd.Section() != nil && !bd.Section().IsText() {
			l.c.MarkAmbiguousRelocations(bd, value)
		}
		rel := Relocation{Type: typ}
		if !target.IsText() && rel.IsPCRelative(l.c.arch.Arch()) {
			l.c.AddPCRelativeDataRelocation(where)
		}
	}
	return nil
}

// linkedSymbols returns the symbol table a relocation section refers to.
func (l *elfLoader) linkedSymbols(s *elf.Section) ([]elf.Symbol, error) {
	if int(s.Link) >= len(l.f.Sections) || s.Link == 0 {
		return nil, nil
	}
	var (
		syms []elf.Symbol
		err  error
	)
	if l.f.Sections[s.Link].Type == elf.SHT_DYNSYM {
		syms, err = l.f.DynamicSymbols()
	} else {
		syms, err = l.f.Symbols()
	}
	if err != nil && !errors.Is(err, elf.ErrNoSymbols) {
		return nil, errors.Wrapf(err, "failed to read symbols of %s", s.Name)
	}
	return syms, nil
}
