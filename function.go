package binctx

import (
	"fmt"
	"maps"
	"slices"
	"sync"
	"sync/atomic"

	"github.com/ianlancetaylor/demangle"
)

// FunctionID is a stable handle to a BinaryFunction. The zero value means
// "no function".
type FunctionID uint32

// State is the processing stage of a function.
type State uint32

// Function states, in the only order a function may go through them.
const (
	StateEmpty State = iota
	StateDisassembled
	StateCFG
	StateCFGFinalized
	StateEmitted
)

func (s State) String() string {
	switch s {
	case StateEmpty:
		return "empty"
	case StateDisassembled:
		return "disassembled"
	case StateCFG:
		return "cfg"
	case StateCFGFinalized:
		return "cfg-finalized"
	case StateEmitted:
		return "emitted"
	default:
		return fmt.Sprintf("state(%d)", uint32(s))
	}
}

// IgnoredBranch is a jump-table entry that cannot be followed, such as the
// unreachable sentinel at the function end.
type IgnoredBranch struct {
	From uint64
	To   uint64
}

// BinaryFunction is a function of the input binary.
//
// Fields are owned by the worker analyzing the function. Fields written by
// other workers or by post-passes go through mu.
type BinaryFunction struct {
	mu sync.Mutex

	id        FunctionID
	symbols   []*Symbol
	aliases   []string
	section   *Section
	address   uint64
	size      uint64
	maxSize   uint64
	alignment uint16
	state     atomic.Uint32

	foldedInto FunctionID
	simple     bool
	ignored    bool
	injected   bool
	isFragment bool
	index      int
	execCount  uint64

	entryPoints     map[uint64]*Symbol
	fragments       []FunctionID
	parentFragments []FunctionID
	jumpTables      map[uint64]*JumpTable

	instructions      map[uint64]Instruction
	referencedOffsets map[uint64]struct{}
	ignoredBranches   []IgnoredBranch
	islands           *islandInfo

	hasInternalLabelReference        bool
	hasIndirectTargetToSplitFragment bool
	hasFunctionsFoldedInto           bool
	hasPCRelOutside                  bool

	pendingRefs []uint64
	// Offset where trailing zero fill starts, applied by trimZeroPadding.
	zeroPaddingAt uint64
}

func newBinaryFunction(id FunctionID, sym *Symbol, section *Section, address, size uint64) *BinaryFunction {
	return &BinaryFunction{
		id:                id,
		symbols:           []*Symbol{sym},
		section:           section,
		address:           address,
		size:              size,
		maxSize:           size,
		simple:            true,
		index:             -1,
		entryPoints:       make(map[uint64]*Symbol),
		jumpTables:        make(map[uint64]*JumpTable),
		instructions:      make(map[uint64]Instruction),
		referencedOffsets: make(map[uint64]struct{}),
	}
}

func (fn *BinaryFunction) ID() FunctionID         { return fn.id }
func (fn *BinaryFunction) Address() uint64        { return fn.address }
func (fn *BinaryFunction) Size() uint64           { return fn.size }
func (fn *BinaryFunction) EndAddress() uint64     { return fn.address + fn.size }
func (fn *BinaryFunction) Section() *Section      { return fn.section }
func (fn *BinaryFunction) Alignment() uint16      { return fn.alignment }
func (fn *BinaryFunction) IsInjected() bool       { return fn.injected }
func (fn *BinaryFunction) Aliases() []string      { return slices.Clone(fn.aliases) }
func (fn *BinaryFunction) AddAlias(a string)      { fn.aliases = append(fn.aliases, a) }
func (fn *BinaryFunction) ExecutionCount() uint64 { return fn.execCount }

// State returns the processing stage.
func (fn *BinaryFunction) State() State { return State(fn.state.Load()) }

// UpdateState moves the function to s. States only move forward.
func (fn *BinaryFunction) UpdateState(s State) error {
	if cur := fn.State(); s < cur {
		return NewFatalError("function %s cannot move from state %s back to %s", fn.Name(), cur, s)
	}
	fn.state.Store(uint32(s))
	return nil
}

// Symbol returns the primary symbol. Functions folded in relocation mode
// have none.
func (fn *BinaryFunction) Symbol() *Symbol {
	if len(fn.symbols) == 0 {
		return nil
	}
	return fn.symbols[0]
}

// Name returns the primary name.
func (fn *BinaryFunction) Name() string { return fn.Symbol().Name() }

// Symbols returns every name the function is known under.
func (fn *BinaryFunction) Symbols() []*Symbol { return slices.Clone(fn.symbols) }

// HasName reports whether name is one of the function's symbols.
func (fn *BinaryFunction) HasName(name string) bool {
	return slices.ContainsFunc(fn.symbols, func(s *Symbol) bool { return s.Name() == name })
}

// PrintName returns the demangled primary name.
func (fn *BinaryFunction) PrintName() string {
	return demangle.Filter(fn.Name(), demangle.NoParams)
}

// MaxSize returns the room available before the next object.
func (fn *BinaryFunction) MaxSize() uint64 {
	fn.mu.Lock()
	defer fn.mu.Unlock()
	return fn.maxSize
}

// SetMaxSize sets the room available before the next object.
func (fn *BinaryFunction) SetMaxSize(size uint64) {
	fn.mu.Lock()
	fn.maxSize = size
	fn.mu.Unlock()
}

// IsSimple reports whether the function may be rewritten.
func (fn *BinaryFunction) IsSimple() bool {
	fn.mu.Lock()
	defer fn.mu.Unlock()
	return fn.simple
}

// SetSimple marks whether the function may be rewritten.
func (fn *BinaryFunction) SetSimple(ok bool) {
	fn.mu.Lock()
	fn.simple = ok
	fn.mu.Unlock()
}

// IsIgnored reports whether the function is excluded from rewriting.
func (fn *BinaryFunction) IsIgnored() bool {
	fn.mu.Lock()
	defer fn.mu.Unlock()
	return fn.ignored
}

// SetIgnored excludes the function from rewriting. It is emitted unchanged.
func (fn *BinaryFunction) SetIgnored() {
	fn.mu.Lock()
	fn.ignored = true
	fn.simple = false
	fn.mu.Unlock()
}

// IsFolded reports whether the function was folded into another one.
func (fn *BinaryFunction) IsFolded() bool { return fn.foldedInto != 0 }

// FoldedInto returns the function this one was folded into.
func (fn *BinaryFunction) FoldedInto() FunctionID { return fn.foldedInto }

// HasFunctionsFoldedInto reports whether other functions were folded into
// this one.
func (fn *BinaryFunction) HasFunctionsFoldedInto() bool { return fn.hasFunctionsFoldedInto }

// Index returns the externally assigned priority, or -1.
func (fn *BinaryFunction) Index() int { return fn.index }

// SetIndex sets the externally assigned priority.
func (fn *BinaryFunction) SetIndex(i int) { fn.index = i }

// SetExecutionCount records the profile count.
func (fn *BinaryFunction) SetExecutionCount(n uint64) { fn.execCount = n }

// IsFragment reports whether the function is a split part of another.
func (fn *BinaryFunction) IsFragment() bool {
	fn.mu.Lock()
	defer fn.mu.Unlock()
	return fn.isFragment
}

// Fragments returns the split parts owned by this function.
func (fn *BinaryFunction) Fragments() []FunctionID {
	fn.mu.Lock()
	defer fn.mu.Unlock()
	return slices.Clone(fn.fragments)
}

// ParentFragments returns the functions owning this fragment.
func (fn *BinaryFunction) ParentFragments() []FunctionID {
	fn.mu.Lock()
	defer fn.mu.Unlock()
	return slices.Clone(fn.parentFragments)
}

// IsChildOf reports whether fn is a fragment of other.
func (fn *BinaryFunction) IsChildOf(other *BinaryFunction) bool {
	fn.mu.Lock()
	defer fn.mu.Unlock()
	return slices.Contains(fn.parentFragments, other.id)
}

// ContainsAddress reports whether address is inside the function, using the
// maximum size as the bound when useMaxSize is set.
func (fn *BinaryFunction) ContainsAddress(address uint64, useMaxSize bool) bool {
	size := fn.size
	if useMaxSize {
		size = fn.MaxSize()
	}
	return fn.address <= address && address < fn.address+size
}

// IsMultiEntry reports whether the function has secondary entry points.
func (fn *BinaryFunction) IsMultiEntry() bool {
	fn.mu.Lock()
	defer fn.mu.Unlock()
	return len(fn.entryPoints) > 0
}

// EntryPoints returns the offsets of the secondary entry points in order.
func (fn *BinaryFunction) EntryPoints() []uint64 {
	fn.mu.Lock()
	defer fn.mu.Unlock()
	return slices.Sorted(maps.Keys(fn.entryPoints))
}

// EntryPointSymbol returns the symbol of the secondary entry at offset.
func (fn *BinaryFunction) EntryPointSymbol(offset uint64) (*Symbol, bool) {
	fn.mu.Lock()
	defer fn.mu.Unlock()
	sym, ok := fn.entryPoints[offset]
	return sym, ok
}

// entryIDForSymbol returns 0 for a primary name and the 1-based rank of
// a secondary entry point otherwise.
func (fn *BinaryFunction) entryIDForSymbol(sym *Symbol) (uint64, bool) {
	if slices.Contains(fn.symbols, sym) {
		return 0, true
	}
	for i, off := range fn.EntryPoints() {
		if s, _ := fn.EntryPointSymbol(off); s == sym {
			return uint64(i + 1), true
		}
	}
	return 0, false
}

// HasInternalLabelReference reports whether an address inside the body
// escaped as data.
func (fn *BinaryFunction) HasInternalLabelReference() bool {
	fn.mu.Lock()
	defer fn.mu.Unlock()
	return fn.hasInternalLabelReference
}

// HasIndirectTargetToSplitFragment reports whether a jump table of the
// function reaches into another fragment.
func (fn *BinaryFunction) HasIndirectTargetToSplitFragment() bool {
	fn.mu.Lock()
	defer fn.mu.Unlock()
	return fn.hasIndirectTargetToSplitFragment
}

func (fn *BinaryFunction) setHasIndirectTargetToSplitFragment() {
	fn.mu.Lock()
	fn.hasIndirectTargetToSplitFragment = true
	fn.mu.Unlock()
}

// JumpTables returns the jump tables used by the function keyed by id.
func (fn *BinaryFunction) JumpTables() map[uint64]*JumpTable {
	fn.mu.Lock()
	defer fn.mu.Unlock()
	return maps.Clone(fn.jumpTables)
}

// JumpTableContaining returns the function's jump table covering address.
func (fn *BinaryFunction) JumpTableContaining(address uint64) *JumpTable {
	fn.mu.Lock()
	defer fn.mu.Unlock()
	for _, jt := range fn.jumpTables {
		if jt.ContainsAddress(address) {
			return jt
		}
	}
	return nil
}

// InstructionAt returns the instruction decoded at offset. Only meaningful
// once the function is disassembled.
func (fn *BinaryFunction) InstructionAt(offset uint64) (Instruction, bool) {
	inst, ok := fn.instructions[offset]
	return inst, ok
}

// Instructions returns the decoded instructions in address order.
func (fn *BinaryFunction) Instructions() []Instruction {
	out := make([]Instruction, 0, len(fn.instructions))
	for _, off := range slices.Sorted(maps.Keys(fn.instructions)) {
		out = append(out, fn.instructions[off])
	}
	return out
}

func (fn *BinaryFunction) addInstruction(offset uint64, inst Instruction) {
	fn.instructions[offset] = inst
}

// ReferencedOffsets returns the body offsets that are reached indirectly.
func (fn *BinaryFunction) ReferencedOffsets() []uint64 {
	fn.mu.Lock()
	defer fn.mu.Unlock()
	return slices.Sorted(maps.Keys(fn.referencedOffsets))
}

func (fn *BinaryFunction) registerReferencedOffset(offset uint64) {
	fn.mu.Lock()
	fn.referencedOffsets[offset] = struct{}{}
	fn.mu.Unlock()
}

// IgnoredBranches returns the jump-table entries that are not followed.
func (fn *BinaryFunction) IgnoredBranches() []IgnoredBranch {
	fn.mu.Lock()
	defer fn.mu.Unlock()
	return slices.Clone(fn.ignoredBranches)
}

// Bytes returns the function body from the input.
func (fn *BinaryFunction) Bytes() ([]byte, bool) {
	if fn.section == nil {
		return nil, false
	}
	return fn.section.Data(fn.address, fn.size)
}

// clearDisasmState drops what disassembly produced.
func (fn *BinaryFunction) clearDisasmState() {
	clear(fn.instructions)
	fn.pendingRefs = nil
}

func (fn *BinaryFunction) String() string {
	return fmt.Sprintf("%s at 0x%x, size 0x%x, max size 0x%x, state %s",
		fn.PrintName(), fn.address, fn.size, fn.MaxSize(), fn.State())
}
