// Package kv implements the KVCacheManager component (spec C2): it owns
// layer-wise K/V tensor storage and hands Sequences opaque handles into it.
// Two interchangeable variants are provided, grounded respectively on
// runner/llamarunner.InputCache (contiguous per-sequence slots) and
// kvcache.Causal's cell/refcount bookkeeping (paged, block-granular).
package kv

import "errors"

var (
	// ErrFull is returned by Allocate/Append when no capacity remains; the
	// caller (SchedulerPolicy) treats this as a preemption signal, never as
	// a hard error (spec.md §4.7, "KV-allocation failures are not errors").
	ErrFull = errors.New("kv: no cache capacity available")

	ErrUnknownSeq = errors.New("kv: unknown sequence id")
)

// Manager is the shared contract both KV-cache variants satisfy.
type Manager interface {
	// BlocksNeeded returns how many blocks a prompt of promptLen tokens
	// would require (0 for the contiguous variant, which has no blocks).
	BlocksNeeded(promptLen int) int

	// Allocate reserves cache capacity for a newly admitted sequence's
	// prompt. Returns ErrFull if capacity is unavailable.
	Allocate(seqID int, promptLen int) error

	// Append advances seqID's filled length by one position (decode) or by
	// n positions (prefill chunk). Returns ErrFull if a new block would be
	// required but none is free (paged mode only).
	Append(seqID int, n int) error

	// Fork produces a child sequence's cache state sharing all full blocks
	// with parentSeqID up to atPos, performing copy-on-write on the last
	// partial block. No-op (besides bookkeeping) in contiguous mode, which
	// has no block-level sharing.
	Fork(parentSeqID, childSeqID int, atPos int) error

	// Release frees seqID's reservation. The returned block ids (paged
	// mode only) are blocks whose refcount dropped to zero and were
	// returned to the free pool; the caller may offer them to PrefixCache
	// before they are reused.
	Release(seqID int) []int

	// BlockTable returns the ordered block ids backing seqID (paged mode),
	// or nil (contiguous mode, which has none).
	BlockTable(seqID int) []int

	// Truncate shrinks seqID's reservation down to newFilled positions,
	// releasing (paged mode: unreferencing, possibly freeing) whatever
	// trailing blocks are no longer covered. Used to retract speculative
	// positions a verification pass rejected (spec.md §4.4).
	Truncate(seqID int, newFilled int) error

	FreeBlocks() int
	TotalBlocks() int
	BlockSize() int

	// FilledPositions is the number of token positions currently reserved
	// for seqID, used to check the KV-length-consistency invariant
	// (spec.md §8 prop 2).
	FilledPositions(seqID int) int
}
