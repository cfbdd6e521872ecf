package binctx

import (
	"encoding/binary"

	"golang.org/x/arch/arm64/arm64asm"
)

const arm64InsnLen = 4

type arm64Info struct{}

func (arm64Info) Arch() Arch                     { return ArchARM64 }
func (arm64Info) PointerSize() int               { return 8 }
func (arm64Info) HasConstantIslands() bool       { return true }
func (arm64Info) AnalyzesJumpTables() bool       { return false }
func (arm64Info) ValidatesPadding() bool         { return false }
func (arm64Info) UseMaxSizeForContainment() bool { return true }

func (arm64Info) JumpTableEntrySize(typ JumpTableType) int {
	if typ == JumpTablePIC {
		return 4
	}
	return 8
}

func (arm64Info) Decode(code []byte, address uint64) (Instruction, error) {
	if len(code) < arm64InsnLen {
		return Instruction{}, errTruncated
	}
	inst, err := arm64asm.Decode(code[:arm64InsnLen])
	if err != nil {
		return Instruction{}, err
	}
	w := binary.LittleEndian.Uint32(code)
	out := Instruction{
		Address: address,
		Size:    arm64InsnLen,
		Text:    arm64asm.GNUSyntax(inst),
	}

	switch inst.Op {
	case arm64asm.BL:
		out.Kind |= KindCall
		extractTargetARM64(&out, inst)
	case arm64asm.B:
		out.Kind |= KindBranch
		// B.cond carries a Cond argument.
		for _, arg := range inst.Args {
			if _, ok := arg.(arm64asm.Cond); ok {
				out.Kind |= KindConditional
				break
			}
		}
		extractTargetARM64(&out, inst)
	case arm64asm.CBZ, arm64asm.CBNZ, arm64asm.TBZ, arm64asm.TBNZ:
		out.Kind |= KindBranch | KindConditional
		extractTargetARM64(&out, inst)
	case arm64asm.BR:
		out.Kind |= KindBranch | KindIndirect
		out.BranchReg = uint8(w>>5) & 0x1f
	case arm64asm.BLR:
		out.Kind |= KindCall | KindIndirect
		out.BranchReg = uint8(w>>5) & 0x1f
	case arm64asm.RET:
		out.Kind |= KindReturn
	case arm64asm.NOP:
		out.Kind |= KindNoop
	case arm64asm.BRK, arm64asm.HLT:
		out.Kind |= KindBreakpoint
	case arm64asm.ADRP:
		imm := uint64(w>>29)&0x3 | (uint64(w>>5)&0x7ffff)<<2
		out.Page = (address &^ 0xfff) + uint64(signExtend(imm, 21)<<12)
		out.PageReg = uint8(w & 0x1f)
		out.IsPage = true
	case arm64asm.ADR:
		imm := uint64(w>>29)&0x3 | (uint64(w>>5)&0x7ffff)<<2
		out.MemRef = address + uint64(signExtend(imm, 21))
		out.HasMemRef = true
		out.PCRel = true
		out.DestReg = uint8(w & 0x1f)
	case arm64asm.ADD:
		// ADD Xd, Xn, #imm{, LSL #12}
		if w&0xff800000 == 0x91000000 {
			shift := (w >> 22) & 1 * 12
			out.LowBits = uint64((w>>10)&0xfff) << shift
			out.BaseReg = uint8(w>>5) & 0x1f
			out.DestReg = uint8(w & 0x1f)
			out.HasLowBits = true
		}
	case arm64asm.LDR:
		switch {
		case w&0xbf000000 == 0x18000000:
			// LDR (literal)
			out.MemRef = address + uint64(signExtend(uint64(w>>5)&0x7ffff, 19)*4)
			out.HasMemRef = true
			out.PCRel = true
			out.DestReg = uint8(w & 0x1f)
		case w&0xbfc00000 == 0xb9400000:
			// LDR Wt|Xt, [Xn, #imm]
			scale := uint64(4)
			if w&0x40000000 != 0 {
				scale = 8
			}
			out.LowBits = uint64((w>>10)&0xfff) * scale
			out.BaseReg = uint8(w>>5) & 0x1f
			out.DestReg = uint8(w & 0x1f)
			out.HasLowBits = true
		}
	}
	return out, nil
}

// extractTargetARM64 fills the PC-relative destination of a branch. The
// offset is the last PCRel argument (B/BL first, CBZ second, TBZ third).
func extractTargetARM64(out *Instruction, inst arm64asm.Inst) {
	for _, arg := range inst.Args {
		if arg == nil {
			break
		}
		if pcrel, ok := arg.(arm64asm.PCRel); ok {
			out.Target = out.Address + uint64(int64(pcrel))
			out.HasTarget = true
		}
	}
}

// MatchVeneer recognises the linker long-branch stub
//
//	adrp x16, page
//	add  x16, x16, #lo12
//	br   x16
func (arm64Info) MatchVeneer(insts []Instruction) (uint64, int) {
	if len(insts) < 3 {
		return 0, 0
	}
	br := insts[len(insts)-1]
	add := insts[len(insts)-2]
	adrp := insts[len(insts)-3]
	if !br.IsBranch() || !br.IsIndirect() || br.IsCall() {
		return 0, 0
	}
	if !add.HasLowBits || add.DestReg != br.BranchReg || add.BaseReg != br.BranchReg {
		return 0, 0
	}
	if !adrp.IsPage || adrp.PageReg != br.BranchReg {
		return 0, 0
	}
	return adrp.Page + add.LowBits, 3
}
