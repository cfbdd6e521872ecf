// Package binctx models the address space of a linked ELF binary for a
// post-link optimizer. It answers which named object or function owns an
// address, keeps the objects of each section in a laminar forest, and
// discovers jump tables referenced from code.
//
// # Address space
//
// Every named object is a [BinaryData] keyed by address. Objects nest: the
// parent of an object is the innermost object of the same section that
// strictly contains it. Gaps between top-level objects are filled with
// synthesized holes by [Context.PostProcessSymbolTable], and anonymous
// objects get content-hash names that survive relinking.
//
// # Functions
//
// A [BinaryFunction] is created per function symbol by [LoadELF] or
// [Context.CreateFunction]. Secondary entry points, cold fragments and
// identical-code folding are tracked by the [Context], which is safe for
// concurrent use by per-function workers ([Context.DisassembleFunctions]).
//
// # Jump tables
//
// Memory referenced from code is classified by [Context.AnalyzeMemoryAt].
// [Context.AnalyzeJumpTable] accepts a run of entries that target the
// referencing function, its fragments, or the unreachable sentinel at its
// end. Tables are created on first reference and populated once all
// functions are known by [Context.PopulateJumpTables].
//
// # Function discovery
//
// Functions missing from the symbol table can be discovered with two
// complementary signals: prologue patterns ([DetectPrologues]) and call
// site targets ([DetectCallSites]). [DetectFunctions] combines them with
// a confidence rating:
//   - High: prologue and called or jumped to, or a direct call target
//   - Medium: unconditional jump target or prologue only
//   - Low: conditional jump target
//   - None: register-indirect, cannot be statically resolved
//
// Enable [WithFunctionDiscovery] to have [LoadELF] add high-confidence
// candidates as functions.
package binctx
