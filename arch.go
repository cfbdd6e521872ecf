package binctx

import (
	"debug/elf"
	"fmt"

	"github.com/pkg/errors"
)

var (
	errTruncated          = errors.New("truncated instruction")
	errInvalidInstruction = errors.New("invalid instruction")
)

// Arch represents a supported instruction set architecture.
type Arch string

// Supported architectures.
const (
	ArchAMD64 Arch = "amd64"
	ArchARM64 Arch = "arm64"
)

// ArchFromELF maps an ELF machine to an Arch.
func ArchFromELF(m elf.Machine) (Arch, error) {
	switch m {
	case elf.EM_X86_64:
		return ArchAMD64, nil
	case elf.EM_AARCH64:
		return ArchARM64, nil
	default:
		return "", fmt.Errorf("unsupported ELF machine: %s", m)
	}
}

// InstKind is a bit set classifying a decoded instruction.
type InstKind uint16

// Instruction classes.
const (
	KindBranch InstKind = 1 << iota
	KindCall
	KindReturn
	KindConditional
	KindIndirect
	KindNoop
	KindBreakpoint
)

// Instruction is a decoded machine instruction with the operand facts the
// address-space model cares about.
type Instruction struct {
	Address uint64
	Size    int
	Kind    InstKind
	Text    string

	// Direct branch or call destination.
	Target    uint64
	HasTarget bool

	// Address of a memory operand or materialized address.
	MemRef    uint64
	HasMemRef bool
	PCRel     bool

	// Indirect jump through a scaled index: jmp [disp + idx*scale].
	TableBase  uint64
	TableScale uint8

	// ARM64 address materialization: ADRP defines PageReg with Page, an
	// ADD/LDR consumes BaseReg adding LowBits and writes DestReg.
	Page       uint64
	PageReg    uint8
	IsPage     bool
	BaseReg    uint8
	DestReg    uint8
	LowBits    uint64
	HasLowBits bool
	BranchReg  uint8

	// Set on instructions that belong to a linker veneer.
	Veneer bool
}

// IsBranch reports whether the instruction transfers control without
// linking.
func (i Instruction) IsBranch() bool { return i.Kind&KindBranch != 0 }

// IsCall reports whether the instruction is a call.
func (i Instruction) IsCall() bool { return i.Kind&KindCall != 0 }

// IsReturn reports whether the instruction is a return.
func (i Instruction) IsReturn() bool { return i.Kind&KindReturn != 0 }

// IsUnconditionalBranch reports whether the instruction is a direct,
// unconditional branch.
func (i Instruction) IsUnconditionalBranch() bool {
	return i.IsBranch() && i.Kind&(KindConditional|KindIndirect) == 0
}

// IsIndirect reports whether the control transfer goes through a register
// or memory.
func (i Instruction) IsIndirect() bool { return i.Kind&KindIndirect != 0 }

// IsNoop reports whether the instruction has no effect.
func (i Instruction) IsNoop() bool { return i.Kind&KindNoop != 0 }

// IsBreakpoint reports whether the instruction traps.
func (i Instruction) IsBreakpoint() bool { return i.Kind&KindBreakpoint != 0 }

// EvaluateBranch returns the destination of a direct branch or call.
func (i Instruction) EvaluateBranch() (uint64, bool) {
	return i.Target, i.HasTarget
}

// ArchInfo is the architecture capability injected into a Context. It is
// selected once and hides every architecture-conditional decision.
type ArchInfo interface {
	Arch() Arch
	// Decode decodes one instruction at the start of code, which is located
	// at address.
	Decode(code []byte, address uint64) (Instruction, error)
	PointerSize() int
	JumpTableEntrySize(typ JumpTableType) int
	// HasConstantIslands reports whether literal pools live inside code.
	HasConstantIslands() bool
	// AnalyzesJumpTables reports whether memory referenced from code is
	// classified as jump tables.
	AnalyzesJumpTables() bool
	// ValidatesPadding reports whether trailing function padding is checked.
	ValidatesPadding() bool
	// UseMaxSizeForContainment reports whether address references are
	// matched against a function's maximum size instead of its size.
	UseMaxSizeForContainment() bool
	// MatchVeneer matches insts, a straight-line sequence ending with a
	// branch, against the known call-stub patterns. It returns the stub
	// destination and the number of trailing instructions that form the
	// stub, or zero.
	MatchVeneer(insts []Instruction) (target uint64, count int)
}

// NewArchInfo returns the capability for arch.
func NewArchInfo(arch Arch) (ArchInfo, error) {
	switch arch {
	case ArchAMD64:
		return amd64Info{}, nil
	case ArchARM64:
		return arm64Info{}, nil
	default:
		return nil, fmt.Errorf("unsupported architecture: %s", arch)
	}
}

// signExtend sign-extends the low bits of v.
func signExtend(v uint64, bits uint) int64 {
	shift := 64 - bits
	return int64(v<<shift) >> shift
}
