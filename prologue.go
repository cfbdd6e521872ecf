package binctx

import (
	"encoding/binary"
	"fmt"

	"golang.org/x/arch/x86/x86asm"
)

// PrologueType represents the type of function prologue.
type PrologueType string

// Recognized function prologue patterns.
const (
	PrologueClassic        PrologueType = "classic"
	PrologueNoFramePointer PrologueType = "no-frame-pointer"
	ProloguePushOnly       PrologueType = "push-only"
	PrologueLEABased       PrologueType = "lea-based"
	PrologueFrameRecord    PrologueType = "frame-record"
)

// Prologue represents a detected function prologue.
type Prologue struct {
	Address      uint64       `json:"address"`
	Type         PrologueType `json:"type"`
	Instructions string       `json:"instructions"`
}

// DetectPrologues analyzes raw machine code bytes and returns detected
// function prologues. baseAddr is the virtual address corresponding to the
// start of code.
func DetectPrologues(code []byte, baseAddr uint64, arch Arch) ([]Prologue, error) {
	switch arch {
	case ArchAMD64:
		return detectProloguesAMD64(code, baseAddr), nil
	case ArchARM64:
		return detectProloguesARM64(code, baseAddr), nil
	default:
		return nil, fmt.Errorf("unsupported architecture: %s", arch)
	}
}

func isEndbr(code []byte) bool {
	return len(code) >= 4 &&
		code[0] == 0xf3 && code[1] == 0x0f &&
		code[2] == 0x1e && (code[3] == 0xfa || code[3] == 0xfb)
}

func detectProloguesAMD64(code []byte, baseAddr uint64) []Prologue {
	var (
		result    []Prologue
		offset    int
		addr      = baseAddr
		prevInsn  *x86asm.Inst
		prevStart uint64
		// A function may start at the beginning of code and after a
		// return, a trap or padding.
		boundary = true
		// Entry of the current instruction: a preceding landing pad
		// belongs to it.
		start    = baseAddr
		hasEndbr bool
	)

	for offset < len(code) {
		if isEndbr(code[offset:]) {
			if !hasEndbr {
				start, hasEndbr = addr, true
			}
			offset += 4
			addr += 4
			continue
		}
		if !hasEndbr {
			start = addr
		}
		inst, err := x86asm.Decode(code[offset:], 64)
		if err != nil {
			offset++
			addr++
			prevInsn = nil
			boundary, hasEndbr = true, false
			continue
		}

		switch {
		// push rbp; mov rbp, rsp
		case prevInsn != nil &&
			prevInsn.Op == x86asm.PUSH && prevInsn.Args[0] == x86asm.RBP &&
			inst.Op == x86asm.MOV && inst.Args[0] == x86asm.RBP && inst.Args[1] == x86asm.RSP:
			result = append(result, Prologue{
				Address:      prevStart,
				Type:         PrologueClassic,
				Instructions: "push rbp; mov rbp, rsp",
			})
		case !boundary:
		case inst.Op == x86asm.SUB && inst.Args[0] == x86asm.RSP:
			if imm, ok := inst.Args[1].(x86asm.Imm); ok && imm > 0 {
				result = append(result, Prologue{
					Address:      start,
					Type:         PrologueNoFramePointer,
					Instructions: fmt.Sprintf("sub rsp, 0x%x", imm),
				})
			}
		case inst.Op == x86asm.PUSH && inst.Args[0] == x86asm.RBP:
			if !followedByFrameSetup(code[offset+inst.Len:]) {
				result = append(result, Prologue{
					Address:      start,
					Type:         ProloguePushOnly,
					Instructions: "push rbp",
				})
			}
		case inst.Op == x86asm.LEA && inst.Args[0] == x86asm.RSP:
			result = append(result, Prologue{
				Address:      start,
				Type:         PrologueLEABased,
				Instructions: "lea rsp, [rsp-offset]",
			})
		}

		prevInsn = &inst
		prevStart = start
		boundary = inst.Op == x86asm.RET || inst.Op == x86asm.INT || inst.Op == x86asm.NOP
		hasEndbr = false
		offset += inst.Len
		addr += uint64(inst.Len)
	}

	return result
}

// followedByFrameSetup reports whether code starts with mov rbp, rsp.
func followedByFrameSetup(code []byte) bool {
	inst, err := x86asm.Decode(code, 64)
	return err == nil && inst.Op == x86asm.MOV && inst.Args[0] == x86asm.RBP && inst.Args[1] == x86asm.RSP
}

// AArch64 encodings matched by the prologue scan.
const (
	arm64StpFramePre    = 0xa9807bfd // stp x29, x30, [sp, #imm]!
	arm64StpFrameMask   = 0xffc07fff
	arm64MovFP          = 0x910003fd // mov x29, sp
	arm64SubSP          = 0xd10003ff // sub sp, sp, #imm
	arm64SubSPMask      = 0xff8003ff
	arm64Paciasp        = 0xd503233f
	arm64BtiC           = 0xd503245f
	arm64Ret            = 0xd65f03c0
	arm64NopInsn        = 0xd503201f
	arm64UncondBranch   = 0x14000000
	arm64UncondBranchMk = 0xfc000000
)

func detectProloguesARM64(code []byte, baseAddr uint64) []Prologue {
	var result []Prologue

	boundary := true
	var (
		padAddr uint64
		hasPad  bool
	)
	entry := func(a uint64) uint64 {
		if hasPad {
			return padAddr
		}
		return a
	}

	for offset := 0; offset+arm64InsnLen <= len(code); offset += arm64InsnLen {
		addr := baseAddr + uint64(offset)
		w := binary.LittleEndian.Uint32(code[offset:])

		switch {
		case w == arm64Paciasp || w == arm64BtiC:
			if boundary && !hasPad {
				padAddr, hasPad = addr, true
			}
			continue
		case boundary && w&arm64StpFrameMask == arm64StpFramePre:
			p := Prologue{
				Address:      entry(addr),
				Type:         PrologueFrameRecord,
				Instructions: "stp x29, x30, [sp, #-offset]!",
			}
			if offset+2*arm64InsnLen <= len(code) && binary.LittleEndian.Uint32(code[offset+arm64InsnLen:]) == arm64MovFP {
				p.Type = PrologueClassic
				p.Instructions = "stp x29, x30, [sp, #-offset]!; mov x29, sp"
			}
			result = append(result, p)
		case boundary && w&arm64SubSPMask == arm64SubSP:
			result = append(result, Prologue{
				Address:      entry(addr),
				Type:         PrologueNoFramePointer,
				Instructions: fmt.Sprintf("sub sp, sp, #0x%x", (w>>10)&0xfff),
			})
		}

		boundary = w == arm64Ret || w == arm64NopInsn || w&arm64UncondBranchMk == arm64UncondBranch
		hasPad = false
	}

	return result
}
