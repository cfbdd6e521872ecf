package binctx

import (
	"fmt"
)

// CallSiteType represents the type of call site instruction.
type CallSiteType string

// Recognized call site instruction types.
const (
	CallSiteCall CallSiteType = "call"
	CallSiteJump CallSiteType = "jump"
)

// AddressingMode represents how the target address is specified.
type AddressingMode string

// Recognized addressing modes for call site instructions.
const (
	AddressingModePCRelative       AddressingMode = "pc-relative"
	AddressingModeAbsolute         AddressingMode = "absolute"
	AddressingModeRegisterIndirect AddressingMode = "register-indirect"
)

// Confidence represents the reliability of a detection.
type Confidence string

// Confidence levels.
const (
	ConfidenceHigh   Confidence = "high"
	ConfidenceMedium Confidence = "medium"
	ConfidenceLow    Confidence = "low"
	ConfidenceNone   Confidence = "none"
)

// CallSiteEdge is a control transfer from SourceAddr to a possible function
// entry at TargetAddr.
type CallSiteEdge struct {
	SourceAddr  uint64         `json:"source_addr"`
	TargetAddr  uint64         `json:"target_addr"`
	Type        CallSiteType   `json:"type"`
	AddressMode AddressingMode `json:"address_mode"`
	Confidence  Confidence     `json:"confidence"`
}

// DetectCallSites decodes code, located at baseAddr, and returns its calls
// and unconditional or conditional jumps with their targets. Undecodable
// bytes are stepped over one at a time on variable-length encodings.
func DetectCallSites(code []byte, baseAddr uint64, arch Arch) ([]CallSiteEdge, error) {
	info, err := NewArchInfo(arch)
	if err != nil {
		return nil, err
	}
	return detectCallSites(info, code, baseAddr), nil
}

func detectCallSites(info ArchInfo, code []byte, baseAddr uint64) []CallSiteEdge {
	var result []CallSiteEdge
	step := 1
	if info.Arch() == ArchARM64 {
		step = arm64InsnLen
	}

	for offset := 0; offset < len(code); {
		addr := baseAddr + uint64(offset)
		inst, err := info.Decode(code[offset:], addr)
		if err != nil {
			offset += step
			continue
		}
		if edge, ok := callSiteEdge(inst); ok {
			result = append(result, edge)
		}
		offset += inst.Size
	}
	return result
}

// callSiteEdge classifies a call or branch. Direct calls are the strongest
// signal; unconditional jumps may be tail calls; conditional jumps almost
// always stay in their function. Memory slots referenced PC-relatively
// (GOT, PLT) are reported with their slot address.
func callSiteEdge(inst Instruction) (CallSiteEdge, bool) {
	edge := CallSiteEdge{SourceAddr: inst.Address}
	switch {
	case inst.IsCall():
		edge.Type = CallSiteCall
	case inst.IsBranch():
		edge.Type = CallSiteJump
	default:
		return edge, false
	}

	base := ConfidenceHigh
	if edge.Type == CallSiteJump {
		base = ConfidenceMedium
		if inst.Kind&KindConditional != 0 {
			base = ConfidenceLow
		}
	}

	switch {
	case inst.HasTarget:
		edge.TargetAddr = inst.Target
		edge.AddressMode = AddressingModePCRelative
		edge.Confidence = base
	case inst.HasMemRef && inst.PCRel:
		edge.TargetAddr = inst.MemRef
		edge.AddressMode = AddressingModePCRelative
		edge.Confidence = ConfidenceMedium
	case inst.HasMemRef:
		edge.TargetAddr = inst.MemRef
		edge.AddressMode = AddressingModeAbsolute
		edge.Confidence = base
	case inst.IsIndirect():
		edge.AddressMode = AddressingModeRegisterIndirect
		edge.Confidence = ConfidenceNone
	default:
		return edge, false
	}
	return edge, true
}

func (e CallSiteEdge) String() string {
	return fmt.Sprintf("0x%x -> 0x%x (%s, %s, %s)", e.SourceAddr, e.TargetAddr, e.Type, e.AddressMode, e.Confidence)
}
