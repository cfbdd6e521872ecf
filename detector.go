package binctx

import (
	"cmp"
	"fmt"
	"slices"

	"github.com/go-kit/log/level"
	"github.com/samber/lo"
)

// DetectionType represents how a function was detected.
type DetectionType string

// Recognized detection types.
const (
	DetectionPrologueOnly DetectionType = "prologue-only"
	DetectionCallTarget   DetectionType = "call-target"
	DetectionJumpTarget   DetectionType = "jump-target"
	DetectionBoth         DetectionType = "both" // Prologue + called/jumped to
)

// FunctionCandidate represents a potential function detected through
// one or more signals (prologue detection, call site analysis, or both).
type FunctionCandidate struct {
	Address       uint64        `json:"address"`
	DetectionType DetectionType `json:"detection_type"`
	PrologueType  PrologueType  `json:"prologue_type,omitempty"`
	CalledFrom    []uint64      `json:"called_from,omitempty"`
	JumpedFrom    []uint64      `json:"jumped_from,omitempty"`
	Confidence    Confidence    `json:"confidence"`
}

// DetectFunctions combines prologue detection and call site analysis to
// identify function entry points in code. Only targets inside code are
// considered. An address found by both methods, or called directly, gets
// high confidence.
func DetectFunctions(code []byte, baseAddr uint64, arch Arch) ([]FunctionCandidate, error) {
	info, err := NewArchInfo(arch)
	if err != nil {
		return nil, err
	}
	return detectFunctions(info, code, baseAddr)
}

func detectFunctions(info ArchInfo, code []byte, baseAddr uint64) ([]FunctionCandidate, error) {
	prologues, err := DetectPrologues(code, baseAddr, info.Arch())
	if err != nil {
		return nil, fmt.Errorf("failed to detect prologues: %w", err)
	}
	edges := detectCallSites(info, code, baseAddr)
	end := baseAddr + uint64(len(code))

	candidates := make(map[uint64]*FunctionCandidate)
	for _, p := range prologues {
		candidates[p.Address] = &FunctionCandidate{
			Address:       p.Address,
			DetectionType: DetectionPrologueOnly,
			PrologueType:  p.Type,
			Confidence:    ConfidenceMedium,
		}
	}

	for _, edge := range edges {
		if edge.Confidence != ConfidenceHigh && edge.Confidence != ConfidenceMedium {
			continue
		}
		if edge.TargetAddr < baseAddr || edge.TargetAddr >= end {
			continue
		}

		candidate, exists := candidates[edge.TargetAddr]
		if !exists {
			candidate = &FunctionCandidate{
				Address:       edge.TargetAddr,
				DetectionType: lo.Ternary(edge.Type == CallSiteCall, DetectionCallTarget, DetectionJumpTarget),
				Confidence:    ConfidenceMedium,
			}
			candidates[edge.TargetAddr] = candidate
		} else if candidate.PrologueType != "" {
			candidate.DetectionType = DetectionBoth
			candidate.Confidence = ConfidenceHigh
		}
		if edge.Type == CallSiteCall {
			candidate.CalledFrom = append(candidate.CalledFrom, edge.SourceAddr)
			// A direct call is evidence enough.
			if edge.Confidence == ConfidenceHigh {
				candidate.Confidence = ConfidenceHigh
			}
		} else {
			candidate.JumpedFrom = append(candidate.JumpedFrom, edge.SourceAddr)
		}
	}

	result := lo.MapToSlice(candidates, func(_ uint64, c *FunctionCandidate) FunctionCandidate { return *c })
	slices.SortFunc(result, func(a, b FunctionCandidate) int {
		return cmp.Compare(a.Address, b.Address)
	})
	return result, nil
}

// DiscoverFunctions creates a function for every high-confidence candidate
// found in code sections that no known function covers. Discovered
// functions extend up to the next function, candidate or section end, and
// are not rewritten. The function before one loses the padding up to it.
func (c *Context) DiscoverFunctions() (int, error) {
	created := 0
	for _, s := range c.AllocatableSections() {
		if !s.IsText() || s.IsVirtual() || isPLTSection(s.Name()) {
			continue
		}
		candidates, err := detectFunctions(c.arch, s.Contents(), s.Address())
		if err != nil {
			return created, err
		}
		accepted := lo.FilterMap(candidates, func(fc FunctionCandidate, _ int) (uint64, bool) {
			if fc.Confidence != ConfidenceHigh || c.FunctionContaining(fc.Address, false, false) != nil {
				return 0, false
			}
			if owner := c.FunctionContaining(fc.Address, false, true); owner != nil && owner.IsInConstantIsland(fc.Address) {
				return 0, false
			}
			return fc.Address, true
		})
		if len(accepted) == 0 {
			continue
		}

		starts := lo.FilterMap(c.Functions(), func(fn *BinaryFunction, _ int) (uint64, bool) {
			return fn.Address(), fn.Section() == s
		})
		starts = append(starts, accepted...)
		slices.Sort(starts)
		starts = slices.Compact(starts)

		for _, address := range accepted {
			end := s.EndAddress()
			if i, _ := slices.BinarySearch(starts, address+1); i < len(starts) {
				end = min(end, starts[i])
			}
			if prev := c.FunctionContaining(address, false, true); prev != nil {
				prev.SetMaxSize(address - prev.Address())
			}
			fn, err := c.CreateFunction(PrefixFunc+"0x"+formatHex(address), s, address, end-address, 0, 1)
			if err != nil {
				return created, err
			}
			fn.SetSimple(false)
			created++
			level.Debug(c.logger).Log("msg", "discovered function", "function", fn.Name(), "size", end-address)
		}
	}
	if created > 0 {
		level.Info(c.logger).Log("msg", "discovered functions missing from the symbol table", "count", created)
	}
	return created, nil
}

func isPLTSection(name string) bool {
	return name == ".plt" || name == ".plt.got" || name == ".plt.sec"
}
