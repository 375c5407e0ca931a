// Package scheduler implements the SchedulerPolicy component (spec C5): at
// each engine step it partitions the live Population into the sequences
// that make up this step's batch, respecting capacity, fairness, and
// paged-block availability (spec.md §4.5).
//
// Structurally grounded on server/sched.go's processPending retry loop: the
// "try to fit, else pick a victim, else load" control flow reappears here
// one level down, as per-step sequence admission instead of per-request
// model loading, with victim selection by sort.Slice exactly as
// server/sched.go's ByDuration/findRunnerToUnload.
package scheduler

import (
	"sort"

	pq "github.com/emirpasic/gods/v2/queues/priorityqueue"

	"github.com/forgerun/forge/engine/kv"
	"github.com/forgerun/forge/engine/prefixcache"
	"github.com/forgerun/forge/engine/sequence"
)

// Config holds the capacity limits spec.md §4.5 schedules against.
type Config struct {
	MaxNumSeqs          int
	MaxNumBatchedTokens int
	MaxModelLen         int

	// FairnessThreshold is the number of consecutive steps a Waiting
	// sequence may be skipped before it is force-admitted (rule 5).
	FairnessThreshold int

	// MaxPreemptions is N_max: a sequence preempted this many times fails
	// with ResourceStarvation rather than being preempted again.
	MaxPreemptions int
}

// Batch is what NextBatch hands the Engine to run through the pipeline this
// step: the prefill sub-batch (sequences transitioning Waiting->Prefill, or
// continuing a chunked prefill) and the decode sub-batch (Running sequences
// contributing one token each).
type Batch struct {
	Prefills []*sequence.Sequence
	Decodes  []*sequence.Sequence
}

// Empty reports whether neither sub-batch has any work this step.
func (b Batch) Empty() bool { return len(b.Prefills) == 0 && len(b.Decodes) == 0 }

// PreemptionEvent records one victim chosen by rule 3, for Engine-side
// bookkeeping (metrics, logging) and error reporting.
type PreemptionEvent struct {
	Seq *sequence.Sequence
	// Failed is true when this event is a terminal ResourceStarvation
	// (MaxPreemptions exceeded, or prompt rejected at admission), rather
	// than an ordinary preemption back to Waiting.
	Failed bool
}

// prefixAllocator is implemented by kv.Manager variants that support
// sharing a PrefixCache hit's blocks as the leading entries of a new
// sequence's table (currently kv.PagedManager only).
type prefixAllocator interface {
	AllocateWithPrefix(seqID, promptLen int, sharedBlocks []int) error
}

// pinner is implemented by kv.Manager variants with block-level refcounting
// that PrefixCache eviction can release back to the free pool.
type pinner interface {
	Unpin(blocks []int) []int
}

// Policy implements the fixed five-rule algorithm of spec.md §4.5.
type Policy struct {
	cfg Config
}

func New(cfg Config) *Policy {
	return &Policy{cfg: cfg}
}

type waitingItem struct {
	seq *sequence.Sequence
}

// waitingComparator orders by ArrivalRank ascending (strict FIFO admission,
// spec.md §4.5: "Admit prefills greedily in FIFO order"), except a sequence
// that has crossed FairnessThreshold sorts first regardless of rank (rule
// 5), the same starvation-override-ahead-of-FIFO shape as server/sched.go's
// ByDuration/findRunnerToUnload victim ordering.
func (p *Policy) waitingComparator(a, b waitingItem) int {
	aStarved := p.cfg.FairnessThreshold > 0 && a.seq.WaitSteps >= p.cfg.FairnessThreshold
	bStarved := p.cfg.FairnessThreshold > 0 && b.seq.WaitSteps >= p.cfg.FairnessThreshold
	if aStarved != bStarved {
		if aStarved {
			return -1
		}
		return 1
	}
	switch {
	case a.seq.ArrivalRank < b.seq.ArrivalRank:
		return -1
	case a.seq.ArrivalRank > b.seq.ArrivalRank:
		return 1
	default:
		return 0
	}
}

// NextBatch implements the step algorithm. cache is consulted for prefill
// admission (rule 1) and may be nil to disable prefix-cache lookups
// entirely (spec.md §4.3's optional per-request disable). Contiguous mode
// (mgr.BlockSize() == 0) is the degenerate case of spec.md §4.5: preemption
// never fires and admission is capacity-only.
func (p *Policy) NextBatch(pop *sequence.Population, mgr kv.Manager, cache *prefixcache.Cache) (Batch, []PreemptionEvent) {
	paged := mgr.BlockSize() > 0

	// Rule 0: a sequence preempted on an earlier step re-enters the waiting
	// queue for re-prefill. Its KV reservation was already released back to
	// the free pool at preemption time (preempt, above); MaxPreemptions is
	// enforced on the NEXT preemption attempt, not here, so a sequence only
	// ever sits in Preempted state for the one step between losing its
	// blocks and being re-queued.
	for _, seq := range pop.ByState(sequence.Preempted) {
		seq.State = sequence.Waiting
		seq.WaitSteps = 0
	}

	running := pop.ByState(sequence.Prefill, sequence.Decoding)
	waiting := pop.ByState(sequence.Waiting)

	var batch Batch
	var events []PreemptionEvent

	// Rule 2: every Running sequence decodes one token. Chunked-prefill
	// sequences (still in Prefill state because their prompt exceeded one
	// step's token budget) continue as prefills instead.
	var decodesNeedingBlock int
	for _, seq := range running {
		if seq.State == sequence.Prefill {
			batch.Prefills = append(batch.Prefills, seq)
			continue
		}
		batch.Decodes = append(batch.Decodes, seq)
		if paged && needsNewBlock(mgr, seq) {
			decodesNeedingBlock++
		}
	}

	// Rule 3: preemption, disabled in contiguous mode.
	if paged && decodesNeedingBlock > mgr.FreeBlocks() {
		preempted := p.preempt(&batch, mgr, decodesNeedingBlock)
		events = append(events, preempted...)
	}

	// Rule 1: admit prefills greedily in FIFO (fairness-adjusted) order.
	queue := pq.NewWith(p.waitingComparator)
	for _, seq := range waiting {
		queue.Enqueue(waitingItem{seq: seq})
	}

	runningCount := len(running) - countFailed(events)
	var prefillTokenSum int
	for _, seq := range batch.Prefills {
		prefillTokenSum += seq.PromptLen()
	}

	for range waiting {
		item, ok := queue.Dequeue()
		if !ok {
			break
		}
		seq := item.seq
		if seq.State != sequence.Waiting {
			continue
		}

		if p.cfg.MaxModelLen > 0 && seq.PromptLen() > p.cfg.MaxModelLen {
			seq.State = sequence.Error
			events = append(events, PreemptionEvent{Seq: seq, Failed: true})
			continue
		}

		starved := p.cfg.FairnessThreshold > 0 && seq.WaitSteps >= p.cfg.FairnessThreshold

		if p.cfg.MaxNumSeqs > 0 && runningCount >= p.cfg.MaxNumSeqs {
			seq.WaitSteps++
			continue
		}
		if p.cfg.MaxNumBatchedTokens > 0 && prefillTokenSum+seq.PromptLen() > p.cfg.MaxNumBatchedTokens && !starved {
			seq.WaitSteps++
			continue
		}

		matched, cachedBlocks := 0, []int(nil)
		if cache != nil {
			matched, cachedBlocks = cache.Lookup(seq.Model, seq.AllTokens)
		}
		uncachedLen := seq.PromptLen() - matched
		needed := mgr.BlocksNeeded(uncachedLen)

		if needed > mgr.FreeBlocks() && !starved {
			seq.WaitSteps++
			continue
		}

		if !p.admit(mgr, cache, seq, uncachedLen, cachedBlocks, needed, starved) {
			seq.WaitSteps++
			continue
		}

		seq.PrefixCacheHitTokens = matched
		seq.PrefillFed = matched
		seq.State = sequence.Prefill
		seq.WaitSteps = 0
		batch.Prefills = append(batch.Prefills, seq)
		prefillTokenSum += seq.PromptLen()
		runningCount++
	}

	return batch, events
}

// admit performs the actual kv.Manager allocation for one prefill
// candidate, sharing cachedBlocks when the manager supports it and, for a
// starved (fairness-forced) admission that still doesn't fit, evicting
// PrefixCache entries rather than preempting Running sequences (rule 5's
// explicit carve-out).
func (p *Policy) admit(mgr kv.Manager, cache *prefixcache.Cache, seq *sequence.Sequence, uncachedLen int, cachedBlocks []int, needed int, starved bool) bool {
	alloc := func() error {
		if len(cachedBlocks) > 0 {
			if pa, ok := mgr.(prefixAllocator); ok {
				return pa.AllocateWithPrefix(seq.KVHandle, seq.PromptLen(), cachedBlocks)
			}
		}
		return mgr.Allocate(seq.KVHandle, uncachedLen)
	}

	if err := alloc(); err != nil {
		if !starved || cache == nil {
			return false
		}
		evictForRoom(cache, mgr, needed-mgr.FreeBlocks())
		if err := alloc(); err != nil {
			return false
		}
	}
	return true
}

// preempt implements rule 3: pick victims among the Running decode
// sub-batch, youngest (highest arrival_rank) first, until the remaining
// decodes (each victim removed drops the remaining demand by one, same as
// the blocks its release returns to supply) fit within free blocks. A
// sequence preempted MaxPreemptions times fails instead of being preempted
// again, to prevent the livelock spec.md §4.5 calls out.
func (p *Policy) preempt(batch *Batch, mgr kv.Manager, needingBlock int) (events []PreemptionEvent) {
	victims := append([]*sequence.Sequence(nil), batch.Decodes...)
	sort.Slice(victims, func(i, j int) bool {
		return victims[i].ArrivalRank > victims[j].ArrivalRank // youngest first
	})

	remaining := needingBlock
	victimSet := make(map[string]bool)
	for _, v := range victims {
		if remaining <= mgr.FreeBlocks() {
			break
		}
		if p.cfg.MaxPreemptions > 0 && v.PreemptionCount >= p.cfg.MaxPreemptions {
			v.State = sequence.Error
			events = append(events, PreemptionEvent{Seq: v, Failed: true})
			victimSet[v.RequestID] = true
			remaining--
			continue
		}
		mgr.Release(v.KVHandle)
		remaining--
		v.PreemptionCount++
		v.State = sequence.Preempted
		v.BlockIDs = nil
		events = append(events, PreemptionEvent{Seq: v})
		victimSet[v.RequestID] = true
	}

	if len(victimSet) > 0 {
		kept := batch.Decodes[:0]
		for _, d := range batch.Decodes {
			if !victimSet[d.RequestID] {
				kept = append(kept, d)
			}
		}
		batch.Decodes = kept
	}
	return events
}

func needsNewBlock(mgr kv.Manager, seq *sequence.Sequence) bool {
	bs := mgr.BlockSize()
	if bs <= 0 {
		return false
	}
	filled := mgr.FilledPositions(seq.KVHandle)
	return filled > 0 && filled%bs == 0
}

func countFailed(events []PreemptionEvent) int {
	n := 0
	for _, e := range events {
		if e.Failed {
			n++
		}
	}
	return n
}

// evictForRoom asks the prefix cache for its least-recently-used
// zero-refcount entries and unpins their blocks back to the KV manager's
// free pool, stopping once `need` additional blocks are available.
func evictForRoom(cache *prefixcache.Cache, mgr kv.Manager, need int) {
	if need <= 0 {
		return
	}
	unp, ok := mgr.(pinner)
	if !ok {
		return
	}
	for _, e := range cache.Evictable() {
		if mgr.FreeBlocks() >= need {
			return
		}
		cache.Remove(e.Key)
		unp.Unpin(e.Blocks)
	}
}
