package binctx

import (
	"fmt"

	"github.com/go-kit/log/level"
)

// HasValidCodePadding reports whether the bytes between the end of fn and
// its maximum size look like filler: all breakpoints, or any mix of nops,
// forward jumps that stay in the padding and zero bytes.
func (c *Context) HasValidCodePadding(fn *BinaryFunction) bool {
	if !c.arch.ValidatesPadding() {
		return true
	}
	maxSize := fn.MaxSize()
	if fn.size >= maxSize || fn.section == nil {
		return true
	}
	data, ok := fn.section.Data(fn.address, maxSize)
	if !ok {
		return false
	}

	offset := fn.size
	skip := func(pred func(Instruction) bool) bool {
		start := offset
		for offset < maxSize {
			inst, err := c.arch.Decode(data[offset:], fn.address+offset)
			if err != nil || !pred(inst) {
				break
			}
			offset += uint64(inst.Size)
		}
		return offset > start
	}
	skipZeros := func() bool {
		start := offset
		offset = zeroRunEnd(data, offset, maxSize)
		return offset > start
	}

	if skip(Instruction.IsBreakpoint) && offset == maxSize {
		return true
	}

	isSkipJump := func(inst Instruction) bool {
		if !inst.IsUnconditionalBranch() {
			return false
		}
		target, ok := inst.EvaluateBranch()
		return ok && target >= inst.Address+uint64(inst.Size) && target <= fn.address+maxSize
	}
	for skip(Instruction.IsNoop) || skip(isSkipJump) || skipZeros() {
	}
	if offset >= maxSize {
		return true
	}

	level.Debug(c.logger).Log("msg", "function has invalid padding",
		"function", fn.PrintName(), "offset", fmt.Sprintf("0x%x", offset))
	return false
}

// AdjustCodePadding handles functions whose padding is not filler. With
// relocations they are left untouched; otherwise their usable size stops
// at the end of the body.
func (c *Context) AdjustCodePadding() {
	for _, fn := range c.Functions() {
		if fn.IsIgnored() || fn.IsFolded() {
			continue
		}
		if c.HasValidCodePadding(fn) {
			continue
		}
		if c.HasRelocations() {
			level.Warn(c.logger).Log("msg", "ignoring function with invalid padding", "function", fn.PrintName())
			fn.SetIgnored()
			continue
		}
		fn.SetMaxSize(fn.size)
	}
}

// zeroRunEnd returns the offset of the first non-zero byte of data in
// [offset, end), or end.
func zeroRunEnd(data []byte, offset, end uint64) uint64 {
	for offset < end && data[offset] == 0 {
		offset++
	}
	return offset
}

// trimZeroPadding shrinks functions whose body ends in zero fill to the
// last decoded instruction. It must not run concurrently with analysis.
func (c *Context) trimZeroPadding() {
	for _, fn := range c.Functions() {
		fn.mu.Lock()
		if fn.zeroPaddingAt != 0 && fn.zeroPaddingAt < fn.size {
			level.Debug(c.logger).Log("msg", "trimmed zero padding", "function", fn.PrintName(),
				"size", fmt.Sprintf("0x%x", fn.zeroPaddingAt), "was", fmt.Sprintf("0x%x", fn.size))
			fn.size = fn.zeroPaddingAt
		}
		fn.zeroPaddingAt = 0
		fn.mu.Unlock()
	}
}
