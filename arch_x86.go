package binctx

import (
	"github.com/pkg/errors"
	"golang.org/x/arch/x86/x86asm"
)

type amd64Info struct{}

func (amd64Info) Arch() Arch                     { return ArchAMD64 }
func (amd64Info) PointerSize() int               { return 8 }
func (amd64Info) HasConstantIslands() bool       { return false }
func (amd64Info) AnalyzesJumpTables() bool       { return true }
func (amd64Info) ValidatesPadding() bool         { return true }
func (amd64Info) UseMaxSizeForContainment() bool { return false }

func (amd64Info) JumpTableEntrySize(typ JumpTableType) int {
	if typ == JumpTablePIC {
		return 4
	}
	return 8
}

// MatchVeneer never matches: x86-64 linkers do not insert veneers.
func (amd64Info) MatchVeneer([]Instruction) (uint64, int) { return 0, 0 }

var amd64CondJumps = map[x86asm.Op]bool{
	x86asm.JA: true, x86asm.JAE: true, x86asm.JB: true, x86asm.JBE: true,
	x86asm.JCXZ: true, x86asm.JE: true, x86asm.JECXZ: true, x86asm.JG: true,
	x86asm.JGE: true, x86asm.JL: true, x86asm.JLE: true, x86asm.JNE: true,
	x86asm.JNO: true, x86asm.JNP: true, x86asm.JNS: true, x86asm.JO: true,
	x86asm.JP: true, x86asm.JRCXZ: true, x86asm.JS: true,
	x86asm.LOOP: true, x86asm.LOOPE: true, x86asm.LOOPNE: true,
}

func (amd64Info) Decode(code []byte, address uint64) (Instruction, error) {
	// Skip ENDBR64 (f3 0f 1e fa) and ENDBR32 (f3 0f 1e fb) which
	// golang.org/x/arch/x86/x86asm does not recognise. They appear at
	// function entries on binaries compiled with -fcf-protection.
	if len(code) >= 4 &&
		code[0] == 0xf3 && code[1] == 0x0f &&
		code[2] == 0x1e && (code[3] == 0xfa || code[3] == 0xfb) {
		return Instruction{Address: address, Size: 4, Kind: KindNoop, Text: "endbr64"}, nil
	}
	if len(code) >= 1 && code[0] == 0xcc {
		return Instruction{Address: address, Size: 1, Kind: KindBreakpoint, Text: "int3"}, nil
	}

	inst, err := x86asm.Decode(code, 64)
	if err != nil {
		return Instruction{}, err
	}
	// Lone prefixes and unknown opcodes decode without error.
	if inst.Op == 0 {
		return Instruction{}, errors.Wrapf(errInvalidInstruction, "0x%x", code[0])
	}
	out := Instruction{
		Address: address,
		Size:    inst.Len,
		Text:    x86asm.IntelSyntax(inst, address, nil),
	}

	switch {
	case inst.Op == x86asm.CALL:
		out.Kind |= KindCall
		extractTargetAMD64(&out, inst)
		return out, nil
	case inst.Op == x86asm.JMP:
		// x86asm uses distinct Op values for conditional jumps, so
		// Op == JMP is always unconditional.
		out.Kind |= KindBranch
		extractTargetAMD64(&out, inst)
		return out, nil
	case amd64CondJumps[inst.Op]:
		out.Kind |= KindBranch | KindConditional
		extractTargetAMD64(&out, inst)
		return out, nil
	case inst.Op == x86asm.RET:
		out.Kind |= KindReturn
		return out, nil
	case inst.Op == x86asm.NOP:
		out.Kind |= KindNoop
		return out, nil
	case inst.Op == x86asm.INT:
		if imm, ok := inst.Args[0].(x86asm.Imm); ok && imm == 3 {
			out.Kind |= KindBreakpoint
		}
		return out, nil
	}

	// Data references: RIP-relative or absolute memory operands.
	for _, arg := range inst.Args {
		mem, ok := arg.(x86asm.Mem)
		if !ok {
			continue
		}
		switch {
		case mem.Base == x86asm.RIP && mem.Index == 0:
			out.MemRef = address + uint64(inst.Len) + uint64(mem.Disp)
			out.HasMemRef = true
			out.PCRel = true
		case mem.Base == 0 && mem.Index == 0 && mem.Disp > 0:
			out.MemRef = uint64(mem.Disp)
			out.HasMemRef = true
		}
		break
	}
	return out, nil
}

// extractTargetAMD64 fills the destination of an x86-64 CALL or JMP. Direct
// (Rel) operands give a branch target; RIP-relative and absolute memory
// operands give the address of the pointer slot; scaled-index operands with
// no base register describe an absolute jump table.
func extractTargetAMD64(out *Instruction, inst x86asm.Inst) {
	switch arg := inst.Args[0].(type) {
	case x86asm.Rel:
		out.Target = out.Address + uint64(inst.Len) + uint64(int64(arg))
		out.HasTarget = true

	case x86asm.Mem:
		out.Kind |= KindIndirect
		switch {
		case arg.Base == x86asm.RIP && arg.Index == 0:
			// call/jmp [rip+disp32], the dominant form in PIE binaries
			// (PLT/GOT).
			out.MemRef = out.Address + uint64(inst.Len) + uint64(arg.Disp)
			out.HasMemRef = true
			out.PCRel = true
		case arg.Base == 0 && arg.Index == 0:
			out.MemRef = uint64(arg.Disp)
			out.HasMemRef = true
		case arg.Base == 0 && arg.Index != 0 && arg.Scale == 8:
			out.TableBase = uint64(arg.Disp)
			out.TableScale = arg.Scale
		}

	case x86asm.Reg:
		out.Kind |= KindIndirect
	}
}
