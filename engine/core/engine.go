// Package core implements the Engine component (spec C7): the single
// controller loop that owns the request intake channel, the SchedulerPolicy,
// one KVCacheManager, one PrefixCache, one or more Pipelines, and the set of
// live Sequences. Grounded on runner/llamarunner.Server.run/processBatch,
// generalized from a fixed-size []*Sequence array guarded by sync.Cond to
// the dynamic sequence.Population the scheduler admits and preempts.
package core

import (
	"context"
	"errors"
	"log/slog"
	"math/rand/v2"
	"time"

	"golang.org/x/sync/errgroup"
	"golang.org/x/sync/semaphore"

	"github.com/forgerun/forge/engine"
	"github.com/forgerun/forge/engine/kv"
	"github.com/forgerun/forge/engine/pipeline"
	"github.com/forgerun/forge/engine/prefixcache"
	"github.com/forgerun/forge/engine/sampler"
	"github.com/forgerun/forge/engine/scheduler"
	"github.com/forgerun/forge/engine/sequence"
)

// ErrQueueFull is returned by Submit when the intake channel's buffer (the
// bounded MPSC of spec.md §4.7) has no room left.
var ErrQueueFull = errors.New("core: intake queue is full")

// Detokenizer incrementally converts a token id to its text piece, the role
// model.TokenToPiece/llama.Model.TokenToPiece plays for runner/llamarunner.
type Detokenizer func(token int32) string

// Config holds engine-wide tunables, mostly passed straight through to
// SchedulerPolicy and sampler.Config.
type Config struct {
	Scheduler scheduler.Config
	Sampler   sampler.Config

	// IntakeBurst bounds how many new requests are drained from the intake
	// channel in one step (spec.md §4.7 step 1).
	IntakeBurst int

	// IntakeQueueSize sizes the bounded intake channel.
	IntakeQueueSize int

	// MaxInFlight bounds total concurrently-live sequences (Waiting through
	// Preempted) via a semaphore.Weighted admission gate, replacing the
	// teacher's fixed seqsSem with a dynamic one sized independently of the
	// scheduler's own per-step MaxNumSeqs.
	MaxInFlight int64

	// EmptyStepYield is how long the loop sleeps when the batch is empty
	// only because of capacity, rather than because there is no work at
	// all (spec.md §4.7 step 4, "yield briefly").
	EmptyStepYield time.Duration

	// DefaultEOSTokens are the model's vocabulary-level end-of-sequence
	// token ids, used for every sequence that doesn't set
	// StopParams.EOSOverride.
	DefaultEOSTokens []int32

	// DraftPipelines maps a SpeculativeParams.DraftPipelineID to the small
	// model that proposes tokens for it (spec.md §4.4). Draft pipelines
	// never appear in the primary pipelines slice and never participate in
	// ordinary batched decoding: the Engine drives them one sequence at a
	// time, through their own dedicated KV reservation, only for requests
	// that set SamplingParams.Speculative.
	DraftPipelines map[string]pipeline.Pipeline
}

// Engine is the single-threaded cooperative control loop of spec.md §5: one
// goroutine runs Run; Submit/Cancel may be called concurrently from other
// goroutines and only ever touch the intake channel or a Request's own
// cancel flag, never Engine-owned state directly.
type Engine struct {
	cfg Config
	log *slog.Logger

	intake chan *engine.Request

	pop         *sequence.Population
	scheduler   *scheduler.Policy
	kv          kv.Manager
	prefixCache *prefixcache.Cache
	pipelines   []pipeline.Pipeline

	// draftKV is a dedicated KV reservation for draft-pipeline proposals,
	// entirely separate from kv (the target pipelines' manager) since a
	// draft model is a different model with its own cache geometry. Nil
	// when no DraftPipelines are configured.
	draftKV        kv.Manager
	draftAllocated map[int]bool

	detokenize Detokenizer

	sem     *semaphore.Weighted
	metrics Metrics

	handleCounter int
}

// pinner is implemented by kv.Manager variants with block-level refcounting
// PrefixCache can hold an extra reference against (currently
// kv.PagedManager only; mirrors engine/scheduler's identical local
// interface, duplicated here rather than exported to keep kv.Manager's
// core contract narrow).
type pinner interface {
	Pin(blocks []int)
}

// New constructs an Engine. pipelines must contain at least one entry; when
// it contains more than one, sequences are routed to a pipeline by
// KVHandle modulo len(pipelines) for the sequence's entire lifetime (a
// sticky, data-parallel replica assignment) and Forward calls fan out
// concurrently via errgroup (spec.md §5's "tensor-parallel/data-parallel
// pipelines" wiring of golang.org/x/sync).
func New(cfg Config, pipelines []pipeline.Pipeline, mgr kv.Manager, cache *prefixcache.Cache, detok Detokenizer, log *slog.Logger) *Engine {
	if log == nil {
		log = slog.Default()
	}
	maxInFlight := cfg.MaxInFlight
	if maxInFlight <= 0 {
		maxInFlight = int64(cfg.Scheduler.MaxNumSeqs)
	}
	if maxInFlight <= 0 {
		maxInFlight = 256
	}
	queueSize := cfg.IntakeQueueSize
	if queueSize <= 0 {
		queueSize = int(maxInFlight)
	}
	e := &Engine{
		cfg:         cfg,
		log:         log,
		intake:      make(chan *engine.Request, queueSize),
		pop:         sequence.NewPopulation(),
		scheduler:   scheduler.New(cfg.Scheduler),
		kv:          mgr,
		prefixCache: cache,
		pipelines:   pipelines,
		detokenize:  detok,
		sem:         semaphore.NewWeighted(maxInFlight),
	}
	if len(cfg.DraftPipelines) > 0 {
		e.draftKV = kv.NewContiguousManager(int(maxInFlight), cfg.Scheduler.MaxModelLen)
		e.draftAllocated = make(map[int]bool)
	}
	return e
}

// Submit admits req onto the intake queue, blocking on ctx until a slot
// under MaxInFlight frees up (the same acquire-then-enqueue shape as
// runner/llamarunner's completion/embedding handlers acquiring seqsSem
// before appending to s.seqs).
func (e *Engine) Submit(ctx context.Context, req *engine.Request) error {
	if req.ID == "" {
		req.ID = engine.NewRequestID()
	}
	if err := req.SamplingParams.Validate(); err != nil {
		return err
	}
	if err := e.sem.Acquire(ctx, 1); err != nil {
		return err
	}
	select {
	case e.intake <- req:
		return nil
	default:
		e.sem.Release(1)
		return ErrQueueFull
	}
}

// Metrics returns a point-in-time snapshot of the engine's atomic counters.
func (e *Engine) Metrics() MetricsSnapshot { return e.metrics.Snapshot() }

// Run drives the per-step procedure of spec.md §4.7 until ctx is cancelled.
func (e *Engine) Run(ctx context.Context) error {
	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		default:
		}

		didWork := e.step(ctx)
		if !didWork {
			if e.pop.Len() == 0 {
				select {
				case req := <-e.intake:
					e.admitOne(req)
				case <-ctx.Done():
					return ctx.Err()
				}
				continue
			}
			select {
			case <-time.After(e.emptyStepYield()):
			case <-ctx.Done():
				return ctx.Err()
			}
		}
	}
}

func (e *Engine) emptyStepYield() time.Duration {
	if e.cfg.EmptyStepYield > 0 {
		return e.cfg.EmptyStepYield
	}
	return time.Millisecond
}

// step runs exactly one iteration of the nine-step procedure, returning
// whether any sequence made forward progress (so Run can decide whether to
// yield rather than busy-loop).
func (e *Engine) step(ctx context.Context) bool {
	defer e.metrics.stepsTotal.Add(1)

	// 1. Drain intake.
	burst := e.cfg.IntakeBurst
	if burst <= 0 {
		burst = 32
	}
	for i := 0; i < burst; i++ {
		select {
		case req := <-e.intake:
			e.admitOne(req)
		default:
			i = burst
		}
	}

	// 2. Poll cancellation on every live (non-terminal) sequence.
	for _, seq := range e.pop.All() {
		if seq.Cancelled() && seq.State != sequence.Done && seq.State != sequence.Error {
			e.closeSeq(seq, engine.DoneReasonCancelled, engine.ErrorKindNone, nil)
		}
	}

	// 3. Ask the scheduler for a batch.
	batch, events := e.scheduler.NextBatch(e.pop, e.kv, e.prefixCache)
	for _, ev := range events {
		if ev.Failed {
			e.metrics.requestsFailed.Add(1)
			e.closeSeq(ev.Seq, engine.DoneReasonError, engine.ErrorKindResourceStarvation, engine.ErrResourceStarvation)
		} else {
			e.metrics.preemptions.Add(1)
		}
	}

	// Sequences configured for speculative decoding (spec.md §4.4) are
	// pulled out of the ordinary decode sub-batch and driven one at a time
	// through their own draft/target verify cycle (speculative.go), since
	// they need a second pipeline and a multi-token target forward pass
	// rather than the usual one-row-per-sequence shape.
	var speculative []*sequence.Sequence
	if len(e.cfg.DraftPipelines) > 0 {
		kept := batch.Decodes[:0]
		for _, seq := range batch.Decodes {
			if e.speculativeEnabled(seq) {
				speculative = append(speculative, seq)
			} else {
				kept = append(kept, seq)
			}
		}
		batch.Decodes = kept
	}

	// 4. Empty batch: report no-progress so Run can wait/yield.
	if batch.Empty() && len(speculative) == 0 {
		return false
	}

	for _, seq := range speculative {
		e.stepSpeculative(ctx, seq)
	}
	if batch.Empty() {
		return true
	}

	// 5. Forward.
	rows, rowOwners, err := e.forward(ctx, batch)
	if err != nil {
		e.log.Error("pipeline forward failed", "error", err)
		for _, seq := range batch.Prefills {
			e.metrics.requestsFailed.Add(1)
			e.closeSeq(seq, engine.DoneReasonError, engine.ErrorKindPipelineFailed, engine.ErrPipelineFailed)
		}
		for _, seq := range batch.Decodes {
			e.metrics.requestsFailed.Add(1)
			e.closeSeq(seq, engine.DoneReasonError, engine.ErrorKindPipelineFailed, engine.ErrPipelineFailed)
		}
		return true
	}

	// 6-8. Sample, append, detokenize/emit, close finished sequences.
	for i, row := range rows {
		seq := rowOwners[i]
		if seq == nil {
			continue
		}
		e.processOutputRow(seq, row)
	}

	return true
}

// admitOne tokenizes-already-done (Request.Tokens is populated upstream by
// the protocol layer's tokenizer, spec.md §4.7 step 1's "tokenize" happens
// before Submit) Requests into a Waiting Sequence, applying max_model_len
// truncation policy.
func (e *Engine) admitOne(req *engine.Request) {
	// Request carries ResponseFormat both at the top level and nested in
	// SamplingParams (the wire layer may populate either); SamplingParams'
	// copy is what sequence.New and the sampler read, so reconcile here.
	if req.SamplingParams.ResponseFormat == nil {
		req.SamplingParams.ResponseFormat = req.ResponseFormat
	}

	maxLen := e.cfg.Scheduler.MaxModelLen
	if maxLen > 0 && len(req.Tokens) > maxLen {
		switch req.TruncatePolicy {
		case engine.TruncateLeft:
			req.Tokens = req.Tokens[len(req.Tokens)-maxLen:]
		default:
			e.sem.Release(1)
			if req.Sink != nil {
				select {
				case req.Sink <- engine.Chunk{Kind: engine.ChunkError, ErrKind: engine.ErrorKindAdmission, ErrMsg: "prompt exceeds max_model_len"}:
				default:
				}
			}
			return
		}
	}

	rng := rand.New(rand.NewPCG(seedFor(req), seedFor(req)^0x9e3779b97f4a7c15))
	seq := sequence.New(req, 0, rng)
	seq.KVHandle = e.nextHandle()
	seq.SetCancel(req.CancelFlag)

	if rf := req.SamplingParams.ResponseFormat; rf != nil && e.cfg.Sampler.Constraint != nil {
		node, err := e.cfg.Sampler.Constraint.NewConstraintState(rf)
		if err != nil {
			e.sem.Release(1)
			if req.Sink != nil {
				select {
				case req.Sink <- engine.Chunk{Kind: engine.ChunkError, ErrKind: engine.ErrorKindAdmission, ErrMsg: err.Error()}:
				default:
				}
			}
			return
		}
		if node != nil {
			seq.ConstraintState = &sequence.ConstraintState{Node: node}
		}
	}

	e.pop.Admit(seq)
	e.metrics.requestsAdmitted.Add(1)
}

func seedFor(req *engine.Request) uint64 {
	if req.SamplingParams.Seed != nil {
		return *req.SamplingParams.Seed
	}
	return uint64(time.Now().UnixNano())
}

func (e *Engine) nextHandle() int {
	h := e.handleCounter
	e.handleCounter++
	return h
}

// closeSeq releases a sequence's KV blocks, offers them to the prefix
// cache, closes its sink with the given reason, and drops it from the
// population (spec.md §4.7 step 8).
func (e *Engine) closeSeq(seq *sequence.Sequence, reason engine.DoneReason, kind engine.ErrorKind, errv error) {
	// Release drops seq's own reservation. Blocks this sequence donated to
	// PrefixCache carry an extra Pin-held reference (taken in
	// processOutputRow at Insert time), so their refcount only reaches zero
	// here if the cache never actually held them; otherwise they stay live
	// until PrefixCache's own eviction sweep calls Unpin.
	e.kv.Release(seq.KVHandle)

	if e.draftKV != nil && e.draftAllocated[seq.KVHandle] {
		e.draftKV.Release(seq.KVHandle)
		delete(e.draftAllocated, seq.KVHandle)
	}

	msg := ""
	if errv != nil {
		msg = errv.Error()
	}
	usage := engine.Usage{
		PromptTokens:         seq.PromptLen(),
		CompletionTokens:     seq.NGenerated,
		PrefixCacheHitTokens: seq.PrefixCacheHitTokens,
	}
	seq.Close(reason, usage, kind, msg)
	e.pop.Remove(seq.RequestID)
	e.sem.Release(1)

	if kind == engine.ErrorKindNone {
		e.metrics.requestsCompleted.Add(1)
	}
}

func (e *Engine) pipelineFor(seq *sequence.Sequence) pipeline.Pipeline {
	if len(e.pipelines) == 1 {
		return e.pipelines[0]
	}
	idx := seq.KVHandle % len(e.pipelines)
	if idx < 0 {
		idx += len(e.pipelines)
	}
	return e.pipelines[idx]
}

// forward builds each sequence's device input, chunking prefills against
// the owning pipeline's batched-token budget, groups work by destination
// pipeline, and runs every pipeline's Forward concurrently via errgroup
// when more than one is configured.
func (e *Engine) forward(ctx context.Context, batch scheduler.Batch) (rows [][]float32, owners []*sequence.Sequence, err error) {
	type group struct {
		pl   pipeline.Pipeline
		seqs []pipeline.PipelineSeq
	}
	groups := make(map[pipeline.Pipeline]*group)
	order := make([]pipeline.Pipeline, 0, len(e.pipelines))

	groupFor := func(pl pipeline.Pipeline) *group {
		g, ok := groups[pl]
		if !ok {
			g = &group{pl: pl}
			groups[pl] = g
			order = append(order, pl)
		}
		return g
	}

	for _, seq := range batch.Decodes {
		pl := e.pipelineFor(seq)
		g := groupFor(pl)
		tok := seq.AllTokens[len(seq.AllTokens)-1]
		g.seqs = append(g.seqs, pipeline.PipelineSeq{
			SeqID:       seq.KVHandle,
			Tokens:      []int32{tok},
			StartPos:    len(seq.AllTokens) - 1,
			NeedsOutput: []bool{true},
		})
	}

	budgets := make(map[pipeline.Pipeline]int)
	for _, seq := range batch.Prefills {
		pl := e.pipelineFor(seq)
		g := groupFor(pl)

		budget, ok := budgets[pl]
		if !ok {
			budget = pl.Capabilities().MaxBatchedTokens
			budgets[pl] = budget
		}
		used := 0
		for _, ps := range g.seqs {
			used += len(ps.Tokens)
		}

		start := seq.PrefillFed
		end := seq.PromptLen()
		chunk := end - start
		if budget > 0 {
			if remaining := budget - used; chunk > remaining {
				chunk = remaining
			}
		}
		if chunk <= 0 {
			continue
		}

		tokens := seq.AllTokens[start : start+chunk]
		needs := make([]bool, len(tokens))
		if start+chunk == end {
			needs[len(needs)-1] = true
		}
		g.seqs = append(g.seqs, pipeline.PipelineSeq{
			SeqID:       seq.KVHandle,
			Tokens:      tokens,
			StartPos:    start,
			NeedsOutput: needs,
		})
		seq.PrefillFed = start + chunk
	}

	type result struct {
		logits pipeline.Logits
		owners []*sequence.Sequence
	}
	results := make([]result, len(order))

	ownerOf := func(seqID int) *sequence.Sequence {
		for _, seq := range batch.Prefills {
			if seq.KVHandle == seqID {
				return seq
			}
		}
		for _, seq := range batch.Decodes {
			if seq.KVHandle == seqID {
				return seq
			}
		}
		return nil
	}

	run := func(i int, runCtx context.Context) error {
		g := order[i]
		grp := groups[g]
		if len(grp.seqs) == 0 {
			return nil
		}
		in, perr := grp.pl.PrepareInputs(grp.seqs)
		if perr != nil {
			return perr
		}
		logits, ferr := grp.pl.Forward(runCtx, in)
		if ferr != nil {
			return ferr
		}
		owned := make([]*sequence.Sequence, len(in.OutputRows))
		for j, row := range in.OutputRows {
			if int(row) < 0 || int(row) >= len(in.Sequences) {
				continue
			}
			owned[j] = ownerOf(in.Sequences[row])
		}
		results[i] = result{logits: logits, owners: owned}
		return nil
	}

	if len(order) <= 1 {
		for i := range order {
			if ferr := run(i, ctx); ferr != nil {
				return nil, nil, ferr
			}
		}
	} else {
		g, gctx := errgroup.WithContext(ctx)
		for i := range order {
			i := i
			g.Go(func() error { return run(i, gctx) })
		}
		if ferr := g.Wait(); ferr != nil {
			return nil, nil, ferr
		}
	}

	for _, r := range results {
		rows = append(rows, r.logits.Rows...)
		owners = append(owners, r.owners...)
	}
	return rows, owners, nil
}

// processOutputRow implements step 6-7: sample a token, append it to KV and
// the sequence, check stop conditions, detokenize, and emit.
func (e *Engine) processOutputRow(seq *sequence.Sequence, logits []float32) {
	defer func() {
		if r := recover(); r != nil {
			e.log.Error("panic while processing output row", "request_id", seq.RequestID, "panic", r)
			e.metrics.requestsFailed.Add(1)
			e.closeSeq(seq, engine.DoneReasonError, engine.ErrorKindInternal, errors.New("internal: panic during step processing"))
		}
	}()

	wasPrefill := seq.State == sequence.Prefill
	st := &sampler.SeqSamplingState{
		RNG:           seq.SamplerState.RNG,
		RecentTokens:  seq.SamplerState.RecentTokens,
		Counts:        seq.SamplerState.Counts,
		PenaltyWindow: 64,
		SuppressEOS:   seq.EOSSuppress,
		EOSTokens:     e.eosTokensFor(seq),
	}
	if seq.ConstraintState != nil {
		st.ConstraintNode = seq.ConstraintState.Node
	}

	result, err := e.cfg.Sampler.Sample(logits, st, e.samplingParamsFor(seq))
	if err != nil {
		var constraintErr *engine.Error
		if errors.As(err, &constraintErr) && constraintErr.Kind == engine.ErrorKindConstraintDeadEnd {
			e.metrics.requestsFailed.Add(1)
			e.closeSeq(seq, engine.DoneReasonError, engine.ErrorKindConstraintDeadEnd, err)
			return
		}
		e.metrics.requestsFailed.Add(1)
		e.closeSeq(seq, engine.DoneReasonError, engine.ErrorKindInternal, err)
		return
	}

	if seq.ConstraintState != nil {
		seq.ConstraintState.Done = st.ConstraintAccepting
	}

	if wasPrefill && seq.PrefillFed >= seq.PromptLen() {
		e.metrics.tokensPrefilled.Add(uint64(seq.PromptLen() - seq.PrefixCacheHitTokens))
		e.metrics.prefixCacheHitToken.Add(uint64(seq.PrefixCacheHitTokens))
		seq.MarkPrefilled()

		if e.prefixCache != nil {
			seq.BlockIDs = e.kv.BlockTable(seq.KVHandle)
			if len(seq.BlockIDs) > 0 {
				if e.prefixCache.Insert(seq.Model, seq.AllTokens[:seq.PromptLen()], seq.BlockIDs) {
					if p, ok := e.kv.(pinner); ok {
						p.Pin(seq.BlockIDs)
					}
				}
			}
		}
	}

	if err := e.kv.Append(seq.KVHandle, 1); err != nil {
		e.metrics.requestsFailed.Add(1)
		e.closeSeq(seq, engine.DoneReasonError, engine.ErrorKindInternal, err)
		return
	}

	e.commitToken(seq, result.Token, result.Logprobs)
}

// commitToken appends a sampled (or speculatively verified) token to seq,
// advances its constraint FSM, checks stop conditions, and emits the
// resulting text delta or terminal chunk. Callers are responsible for any
// KV-cache bookkeeping the token requires; commitToken only ever touches
// seq and the sink.
func (e *Engine) commitToken(seq *sequence.Sequence, tok int32, logprobs []engine.Logprob) {
	seq.AppendToken(tok)
	if seq.ConstraintState != nil && e.cfg.Sampler.Constraint != nil {
		e.cfg.Sampler.Constraint.Accept(seq.ConstraintState.Node, tok)
	}
	e.metrics.tokensDecoded.Add(1)

	isEOS := e.isEOSToken(seq, tok)
	piece := ""
	if e.detokenize != nil {
		piece = e.detokenize(tok)
	}

	if reason, done := seq.StopReason(tok, isEOS, piece); done {
		if emitErr := seq.EmitDelta(piece, logprobs); emitErr != nil {
			e.closeSeq(seq, engine.DoneReasonError, engine.ErrorKindClientSlow, emitErr)
			return
		}
		e.closeSeq(seq, reason, engine.ErrorKindNone, nil)
		return
	}

	if err := seq.EmitDelta(piece, logprobs); err != nil {
		e.metrics.requestsFailed.Add(1)
		e.closeSeq(seq, engine.DoneReasonError, engine.ErrorKindClientSlow, err)
	}
}

func (e *Engine) isEOSToken(seq *sequence.Sequence, tok int32) bool {
	for _, eos := range e.eosTokensFor(seq) {
		if tok == eos {
			return true
		}
	}
	return false
}

// eosTokensFor resolves the set of token ids a sequence treats as
// end-of-sequence: a request-level override if given, else the model's
// default vocabulary-level EOS tokens.
func (e *Engine) eosTokensFor(seq *sequence.Sequence) []int32 {
	if seq.EOSOverride != nil {
		return []int32{*seq.EOSOverride}
	}
	return e.defaultEOSTokens()
}

func (e *Engine) defaultEOSTokens() []int32 { return e.cfg.DefaultEOSTokens }

// samplingParamsFor resolves the effective SamplingParams for a sequence.
func (e *Engine) samplingParamsFor(seq *sequence.Sequence) engine.SamplingParams {
	return seq.SamplingParams
}
