package core

import (
	"context"
	"errors"

	"github.com/forgerun/forge/engine"
	"github.com/forgerun/forge/engine/pipeline"
	"github.com/forgerun/forge/engine/sampler"
	"github.com/forgerun/forge/engine/scheduler"
	"github.com/forgerun/forge/engine/sequence"
)

// defaultSpeculativeK bounds how many tokens the draft model proposes per
// round when SamplingParams.Speculative.K is left unset.
const defaultSpeculativeK = 4

func (e *Engine) speculativeEnabled(seq *sequence.Sequence) bool {
	sp := seq.SamplingParams.Speculative
	if sp == nil || sp.DraftPipelineID == "" {
		return false
	}
	_, ok := e.cfg.DraftPipelines[sp.DraftPipelineID]
	return ok
}

// stepSpeculative drives one speculative-decoding round for seq (spec.md
// §4.4): the draft pipeline proposes up to K tokens autoregressively
// against its own dedicated KV reservation, the target pipeline verifies
// all of them in a single teacher-forced forward pass, and
// sampler.VerifyDraft decides how many to keep plus the one bonus token
// that always follows (accepted or resampled from the residual
// distribution). The net effect is indistinguishable from K+1 ordinary
// decode steps against the target model alone, at the cost of one target
// forward pass instead of up to K+1.
func (e *Engine) stepSpeculative(ctx context.Context, seq *sequence.Sequence) {
	defer func() {
		if r := recover(); r != nil {
			e.log.Error("panic during speculative decode", "request_id", seq.RequestID, "panic", r)
			e.metrics.requestsFailed.Add(1)
			e.closeSeq(seq, engine.DoneReasonError, engine.ErrorKindInternal, errors.New("internal: panic during speculative decode"))
		}
	}()

	sp := seq.SamplingParams.Speculative
	draftPl := e.cfg.DraftPipelines[sp.DraftPipelineID]
	k := int(sp.K)
	if k <= 0 {
		k = defaultSpeculativeK
	}

	if err := e.ensureDraftCaughtUp(ctx, draftPl, seq); err != nil {
		e.metrics.requestsFailed.Add(1)
		e.closeSeq(seq, engine.DoneReasonError, engine.ErrorKindPipelineFailed, err)
		return
	}

	params := e.samplingParamsFor(seq)
	draftState := &sampler.SeqSamplingState{
		RNG:           seq.SamplerState.RNG,
		RecentTokens:  append([]int32(nil), seq.SamplerState.RecentTokens...),
		Counts:        copyCounts(seq.SamplerState.Counts),
		PenaltyWindow: 64,
		SuppressEOS:   seq.EOSSuppress,
		EOSTokens:     e.eosTokensFor(seq),
	}

	entryFill := len(seq.AllTokens)
	cur := seq.AllTokens[entryFill-1]
	draftTokens := make([]int32, 0, k)
	draftRows := make([][]float32, 0, k)

	for i := 0; i < k; i++ {
		pos := entryFill - 1 + len(draftTokens)
		in, err := draftPl.PrepareInputs([]pipeline.PipelineSeq{{
			SeqID:       seq.KVHandle,
			Tokens:      []int32{cur},
			StartPos:    pos,
			NeedsOutput: []bool{true},
		}})
		if err != nil {
			break
		}
		logits, err := draftPl.Forward(ctx, in)
		if err != nil || len(logits.Rows) == 0 {
			break
		}
		if err := e.draftKV.Append(seq.KVHandle, 1); err != nil {
			break
		}
		result, err := e.cfg.Sampler.Sample(logits.Rows[0], draftState, params)
		if err != nil {
			break
		}
		draftRows = append(draftRows, logits.Rows[0])
		draftTokens = append(draftTokens, result.Token)
		draftState.RecentTokens = append(draftState.RecentTokens, result.Token)
		draftState.Counts[result.Token]++
		cur = result.Token
	}

	if len(draftTokens) == 0 {
		e.decodeOne(ctx, seq)
		return
	}

	targetPl := e.pipelineFor(seq)
	in, err := targetPl.PrepareInputs([]pipeline.PipelineSeq{{
		SeqID:       seq.KVHandle,
		Tokens:      append([]int32{seq.AllTokens[entryFill-1]}, draftTokens...),
		StartPos:    entryFill - 1,
		NeedsOutput: allTrue(len(draftTokens) + 1),
	}})
	if err != nil {
		e.metrics.requestsFailed.Add(1)
		e.closeSeq(seq, engine.DoneReasonError, engine.ErrorKindPipelineFailed, err)
		return
	}
	logits, err := targetPl.Forward(ctx, in)
	if err != nil || len(logits.Rows) != len(draftTokens)+1 {
		e.metrics.requestsFailed.Add(1)
		e.closeSeq(seq, engine.DoneReasonError, engine.ErrorKindPipelineFailed, engine.ErrPipelineFailed)
		return
	}

	if err := e.kv.Append(seq.KVHandle, len(draftTokens)); err != nil {
		e.metrics.requestsFailed.Add(1)
		e.closeSeq(seq, engine.DoneReasonError, engine.ErrorKindInternal, err)
		return
	}

	verifyState := &sampler.SeqSamplingState{
		RNG:           seq.SamplerState.RNG,
		RecentTokens:  seq.SamplerState.RecentTokens,
		Counts:        seq.SamplerState.Counts,
		PenaltyWindow: 64,
		SuppressEOS:   seq.EOSSuppress,
		EOSTokens:     e.eosTokensFor(seq),
	}
	accepted, bonus, err := sampler.VerifyDraft(logits.Rows, draftRows, draftTokens, verifyState, params)
	if err != nil {
		e.metrics.requestsFailed.Add(1)
		e.closeSeq(seq, engine.DoneReasonError, engine.ErrorKindInternal, err)
		return
	}

	keepFill := entryFill - 1 + len(accepted)
	if keepFill < e.kv.FilledPositions(seq.KVHandle) {
		if err := e.kv.Truncate(seq.KVHandle, keepFill); err != nil {
			e.metrics.requestsFailed.Add(1)
			e.closeSeq(seq, engine.DoneReasonError, engine.ErrorKindInternal, err)
			return
		}
	}
	if err := e.draftKV.Truncate(seq.KVHandle, entryFill-1+len(accepted)); err != nil {
		e.metrics.requestsFailed.Add(1)
		e.closeSeq(seq, engine.DoneReasonError, engine.ErrorKindInternal, err)
		return
	}
	if err := e.kv.Append(seq.KVHandle, 1); err != nil {
		e.metrics.requestsFailed.Add(1)
		e.closeSeq(seq, engine.DoneReasonError, engine.ErrorKindInternal, err)
		return
	}

	seq.SamplerState.DraftAccepted = len(accepted)
	for _, tok := range accepted {
		e.commitToken(seq, tok, nil)
		if seq.State == sequence.Done || seq.State == sequence.Error {
			return
		}
	}
	e.commitToken(seq, bonus, nil)
}

// ensureDraftCaughtUp feeds the draft pipeline whatever tokens of seq's
// context it hasn't seen yet, allocating its dedicated KV reservation on
// first use. Needed because a sequence only starts speculative decoding
// once it reaches Decoding state, well after its prompt (and any prior
// non-speculative decode tokens) already exist in seq.AllTokens.
func (e *Engine) ensureDraftCaughtUp(ctx context.Context, draftPl pipeline.Pipeline, seq *sequence.Sequence) error {
	if !e.draftAllocated[seq.KVHandle] {
		if err := e.draftKV.Allocate(seq.KVHandle, 0); err != nil {
			return err
		}
		e.draftAllocated[seq.KVHandle] = true
	}

	cur := e.draftKV.FilledPositions(seq.KVHandle)
	target := len(seq.AllTokens)
	if cur >= target {
		return nil
	}

	tokens := seq.AllTokens[cur:target]
	in, err := draftPl.PrepareInputs([]pipeline.PipelineSeq{{
		SeqID:       seq.KVHandle,
		Tokens:      tokens,
		StartPos:    cur,
		NeedsOutput: lastTrue(len(tokens)),
	}})
	if err != nil {
		return err
	}
	if _, err := draftPl.Forward(ctx, in); err != nil {
		return err
	}
	return e.draftKV.Append(seq.KVHandle, len(tokens))
}

// decodeOne runs a single ordinary one-token decode step against the
// target pipeline, the fallback when the draft pipeline fails to propose
// anything this round.
func (e *Engine) decodeOne(ctx context.Context, seq *sequence.Sequence) {
	rows, owners, err := e.forward(ctx, scheduler.Batch{Decodes: []*sequence.Sequence{seq}})
	if err != nil {
		e.metrics.requestsFailed.Add(1)
		e.closeSeq(seq, engine.DoneReasonError, engine.ErrorKindPipelineFailed, engine.ErrPipelineFailed)
		return
	}
	for i, row := range rows {
		if owners[i] == seq {
			e.processOutputRow(seq, row)
			return
		}
	}
}

func allTrue(n int) []bool {
	out := make([]bool, n)
	for i := range out {
		out[i] = true
	}
	return out
}

func lastTrue(n int) []bool {
	out := make([]bool, n)
	if n > 0 {
		out[n-1] = true
	}
	return out
}

func copyCounts(m map[int32]int) map[int32]int {
	out := make(map[int32]int, len(m))
	for k, v := range m {
		out[k] = v
	}
	return out
}
