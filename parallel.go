package binctx

import (
	"context"

	"golang.org/x/sync/errgroup"
)

// DisassembleFunctions disassembles every function with at most jobs
// concurrent workers. A non-positive jobs means no limit. The first error
// stops scheduling; cancellation of ctx is only observed between
// functions. Functions whose body ends in zero fill are then shrunk to
// their last instruction.
func (c *Context) DisassembleFunctions(ctx context.Context, jobs int) error {
	g, gctx := errgroup.WithContext(ctx)
	if jobs > 0 {
		g.SetLimit(jobs)
	}
	for _, fn := range c.Functions() {
		if gctx.Err() != nil {
			break
		}
		g.Go(func() error {
			if err := gctx.Err(); err != nil {
				return err
			}
			return c.DisassembleFunction(fn)
		})
	}
	if err := g.Wait(); err != nil {
		return err
	}
	if err := ctx.Err(); err != nil {
		return err
	}
	c.trimZeroPadding()
	return nil
}

// Analyze runs the whole analysis over the loaded functions: parallel
// disassembly followed by the single-threaded post-passes. Identical
// functions are folded when fold is set.
func (c *Context) Analyze(ctx context.Context, jobs int, fold bool) error {
	if err := c.DisassembleFunctions(ctx, jobs); err != nil {
		return err
	}
	if err := c.ProcessInterproceduralReferences(); err != nil {
		return err
	}
	if err := c.PopulateJumpTables(); err != nil {
		return err
	}
	c.SkipMarkedFragments()
	c.AdjustCodePadding()
	if !fold {
		return nil
	}
	_, err := c.FoldIdenticalFunctions()
	return err
}
