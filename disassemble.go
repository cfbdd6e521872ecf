package binctx

import (
	"fmt"

	"github.com/go-kit/log/level"
)

// DisassembleFunction decodes the body of fn and turns every address it
// references into a symbol. Direct control transfers that leave the body
// are queued as interprocedural references. Bytes that do not decode make
// the function non-simple, unless only zero fill follows them.
//
// It only touches state owned by fn or guarded by the context, so distinct
// functions may be disassembled concurrently.
func (c *Context) DisassembleFunction(fn *BinaryFunction) error {
	if fn.IsIgnored() || fn.IsFolded() || fn.State() != StateEmpty {
		return nil
	}
	code, ok := fn.Bytes()
	if !ok {
		fn.SetSimple(false)
		c.metrics.DisassembledFunctions.WithLabelValues("no-data").Inc()
		return nil
	}

	var (
		islands = fn.islandRanges()
		// arm64 registers holding a page address from ADRP.
		pages = make(map[uint8]uint64)
	)
	for offset := uint64(0); offset < uint64(len(code)); {
		if end, ok := islandEnd(islands, offset); ok {
			offset = end
			clear(pages)
			continue
		}
		address := fn.address + offset
		inst, err := c.decode(code[offset:], address)
		if err != nil && offset > 0 && zeroRunEnd(code, offset, uint64(len(code))) == uint64(len(code)) {
			// Linkers fill the tail of a function symbol with zeros.
			fn.zeroPaddingAt = offset
			break
		}
		if err != nil {
			level.Warn(c.logger).Log("msg", "unable to disassemble instruction",
				"function", fn.PrintName(), "addr", fmt.Sprintf("0x%x", address), "err", err)
			c.CommitInterproceduralReferences(fn)
			fn.clearDisasmState()
			fn.SetSimple(false)
			c.metrics.DisassembledFunctions.WithLabelValues("invalid").Inc()
			return nil
		}
		fn.addInstruction(offset, inst)
		if err := c.analyzeInstruction(fn, inst, pages); err != nil {
			return err
		}
		offset += uint64(inst.Size)
	}

	if err := fn.UpdateState(StateDisassembled); err != nil {
		return err
	}
	c.CommitInterproceduralReferences(fn)
	c.metrics.DisassembledFunctions.WithLabelValues("ok").Inc()
	return nil
}

// analyzeInstruction resolves the addresses inst refers to.
func (c *Context) analyzeInstruction(fn *BinaryFunction, inst Instruction, pages map[uint8]uint64) error {
	if target, ok := inst.EvaluateBranch(); ok {
		if !fn.ContainsAddress(target, false) {
			fn.pendingRefs = append(fn.pendingRefs, target)
			fn.hasPCRelOutside = true
		}
	}

	if inst.HasMemRef {
		if err := c.handleMemoryReference(fn, inst.MemRef, inst.PCRel); err != nil {
			return err
		}
	}

	if inst.TableBase != 0 && inst.IsBranch() {
		if err := c.handleIndirectBranch(fn, inst); err != nil {
			return err
		}
	}

	switch {
	case inst.IsPage:
		pages[inst.PageReg] = inst.Page
	case inst.HasLowBits:
		if page, ok := pages[inst.BaseReg]; ok {
			if err := c.handleMemoryReference(fn, page+inst.LowBits, true); err != nil {
				return err
			}
			delete(pages, inst.BaseReg)
		}
		delete(pages, inst.DestReg)
	case inst.IsBranch() || inst.IsCall() || inst.IsReturn():
		clear(pages)
	}
	return nil
}

func (c *Context) handleMemoryReference(fn *BinaryFunction, address uint64, isPCRel bool) error {
	if _, _, err := c.HandleAddressRef(address, fn, isPCRel); err != nil {
		return err
	}
	if isPCRel && !fn.ContainsAddress(address, false) {
		fn.hasPCRelOutside = true
	}
	return nil
}

// handleIndirectBranch handles jmp [table + index*scale]. An address that
// does not hold a table of fn leaves the branch unresolved.
func (c *Context) handleIndirectBranch(fn *BinaryFunction, inst Instruction) error {
	if !c.arch.AnalyzesJumpTables() {
		fn.SetSimple(false)
		return nil
	}
	if !c.AnalyzeJumpTable(inst.TableBase, JumpTableAbsolute, fn, 0).OK {
		level.Debug(c.logger).Log("msg", "unresolved indirect branch",
			"function", fn.PrintName(), "addr", fmt.Sprintf("0x%x", inst.Address),
			"table", fmt.Sprintf("0x%x", inst.TableBase))
		c.metrics.JumpTables.WithLabelValues(JumpTableAbsolute.String(), "unresolved").Inc()
		fn.SetSimple(false)
		return nil
	}
	_, err := c.GetOrCreateJumpTable(fn, inst.TableBase, JumpTableAbsolute)
	return err
}

// islandEnd returns the end of the island covering offset.
func islandEnd(islands [][2]uint64, offset uint64) (uint64, bool) {
	for _, r := range islands {
		if offset >= r[0] && offset < r[1] {
			return r[1], true
		}
	}
	return 0, false
}
