package binctx

import (
	"cmp"
	"fmt"
	"slices"

	"github.com/go-kit/log/level"
)

// ProcessInterproceduralReferences resolves the text addresses functions
// referenced outside their own body. Targets inside another function become
// entry points there; targets inside no function are checked for veneers
// and for unmarked data in function padding. It must run single-threaded,
// after every function was analyzed.
func (c *Context) ProcessInterproceduralReferences() error {
	c.refsMu.Lock()
	refs := c.interproceduralRefs
	c.interproceduralRefs = nil
	c.refsMu.Unlock()

	// Workers commit in any order.
	slices.SortStableFunc(refs, func(a, b interproceduralRef) int {
		return cmp.Or(cmp.Compare(a.fn, b.fn), cmp.Compare(a.address, b.address))
	})
	refs = slices.Compact(refs)

	for _, ref := range refs {
		fn := c.Function(ref.fn)
		if fn == nil || ref.address == 0 {
			continue
		}
		// Ignored functions still report entry points for address
		// translation.
		if fn.IsIgnored() && !c.opts.batSection {
			c.metrics.InterproceduralRefs.WithLabelValues("skipped").Inc()
			continue
		}
		if err := c.processInterproceduralReference(fn, ref.address); err != nil {
			return err
		}
	}
	return nil
}

func (c *Context) processInterproceduralReference(fn *BinaryFunction, address uint64) error {
	target := c.FunctionContaining(address, false, false)
	if target == fn {
		return nil
	}
	if target != nil {
		if target.IsFragment() && !c.AreRelatedFragments(fn, target) {
			level.Warn(c.logger).Log("msg", "interprocedural reference between unrelated fragments",
				"from", fn.PrintName(), "to", target.PrintName())
		}
		if offset := address - target.Address(); offset != 0 {
			if _, err := c.AddEntryPointAtOffset(target, offset); err != nil {
				return err
			}
		}
		c.metrics.InterproceduralRefs.WithLabelValues("entry").Inc()
		return nil
	}

	s, err := c.SectionForAddress(address)
	if err != nil || !s.IsText() {
		c.metrics.InterproceduralRefs.WithLabelValues("ignored").Inc()
		return nil
	}
	// PLT entries are handled elsewhere.
	if isPLTSection(s.Name()) {
		c.metrics.InterproceduralRefs.WithLabelValues("ignored").Inc()
		return nil
	}
	if ok, err := c.HandleVeneer(address, false); err != nil {
		return err
	} else if ok {
		c.metrics.InterproceduralRefs.WithLabelValues("veneer").Inc()
		return nil
	}

	if c.opts.processAll || c.opts.strict {
		return NewFatalError("cannot process binaries with unmarked object in code at address 0x%x belonging to section %s in current mode",
			address, s.Name())
	}

	// Unmarked data in the padding of a function we would rewrite: keep
	// the padding as is.
	if padded := c.FunctionContaining(address, false, true); padded != nil && padded.IsSimple() {
		level.Warn(c.logger).Log("msg", "object detected in function padding",
			"function", padded.String(), "addr", fmt.Sprintf("0x%x", address))
		// Shrink, not grow: the referenced bytes must stay outside the body.
		padded.SetMaxSize(padded.Size())
		c.metrics.InterproceduralRefs.WithLabelValues("padding").Inc()
		return nil
	}
	c.metrics.InterproceduralRefs.WithLabelValues("ignored").Inc()
	return nil
}

// HandleVeneer checks whether a linker veneer starts at address, which no
// function covers. Unless matchOnly is set, a matched veneer becomes a
// FUNCat function holding exactly the stub instructions.
func (c *Context) HandleVeneer(address uint64, matchOnly bool) (bool, error) {
	if c.FunctionContaining(address, false, false) != nil {
		return false, nil
	}
	s, err := c.SectionForAddress(address)
	if err != nil || !s.IsText() {
		return false, nil
	}
	code := s.Contents()
	start := address - s.Address()
	if start >= uint64(len(code)) {
		return false, nil
	}
	code = code[start:]

	var (
		insts []Instruction
		total uint64
	)
	for off := uint64(0); off < uint64(len(code)); {
		inst, err := c.decode(code[off:], address+off)
		if err != nil {
			return false, nil
		}
		total += uint64(inst.Size)
		insts = append(insts, inst)
		if inst.IsBranch() || inst.IsCall() || inst.IsReturn() {
			break
		}
		off += uint64(inst.Size)
	}
	if len(insts) == 0 || !insts[len(insts)-1].IsBranch() {
		return false, nil
	}

	target, count := c.arch.MatchVeneer(insts)
	if count == 0 {
		return false, nil
	}
	if matchOnly {
		return true, nil
	}

	sym := c.GetOrCreateGlobalSymbol(address, PrefixFunc, 0, 0)
	veneer, err := c.CreateFunction(sym.Name(), s, address, total, 0, 0)
	if err != nil {
		return false, err
	}
	if _, _, err := c.HandleAddressRef(target, veneer, true); err != nil {
		return false, err
	}
	refs := veneer.pendingRefs
	veneer.pendingRefs = nil
	for _, a := range refs {
		if err := c.processInterproceduralReference(veneer, a); err != nil {
			return false, err
		}
	}
	for i, inst := range insts {
		if i >= len(insts)-count {
			inst.Veneer = true
		}
		veneer.addInstruction(inst.Address-address, inst)
	}
	veneer.SetMaxSize(total)
	if err := veneer.UpdateState(StateDisassembled); err != nil {
		return false, err
	}

	c.metrics.Veneers.Inc()
	level.Debug(c.logger).Log("msg", "handled veneer", "addr", fmt.Sprintf("0x%x", address),
		"target", fmt.Sprintf("0x%x", target))
	return true, nil
}
