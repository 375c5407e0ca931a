package sampler

import (
	"math/rand/v2"

	"github.com/forgerun/forge/engine"
)

// VerifyDraft implements the rejection-sampling identity of spec.md §4.4
// for speculative decoding. draftTokens are the K tokens a smaller draft
// model proposed, in order; draftRows holds the draft model's own logits
// at each proposal (the distribution draftTokens[i] was actually drawn
// from); targetRows holds the target model's logits from a single teacher-
// forced forward pass over the same K tokens, at positions [-1..K-1]
// relative to the first draft token (len(targetRows) == len(draftTokens)+1:
// one row to verify each draft token, plus one extra row — conditioned on
// every draft token having been accepted — to draw a bonus token from when
// the whole run survives verification).
//
// Each draftTokens[i] is accepted with probability min(1, p_target(x)/
// p_draft(x)); the first rejection stops the walk and resamples from the
// residual distribution max(0, p_target - p_draft) normalized, which
// together with the accept step reproduces exactly the target model's own
// marginal distribution (Leviathan et al.'s speculative sampling identity).
// If every draft token is accepted, one bonus token is drawn from the
// extra row instead. Either way the step advances the sequence by
// len(accepted)+1 tokens, mirroring a non-speculative step's +1 using a
// single target forward pass amortized over K+1 positions.
//
// Verification only reproduces stages 1, 3, 4, 5 and 6 of Sample's
// pipeline (bias, penalties, DRY, temperature, top-k/p/min-p); the
// constraint mask (stage 2) is not applied here, so combining a
// response_format with speculative decoding is not verified against the
// grammar during the draft/verify pass — see DESIGN.md.
func VerifyDraft(targetRows, draftRows [][]float32, draftTokens []int32, st *SeqSamplingState, params engine.SamplingParams) (accepted []int32, bonus int32, err error) {
	if len(draftTokens) == 0 {
		return nil, 0, engine.NewError(engine.ErrorKindInternal, errNoDraftTokens)
	}
	if len(targetRows) != len(draftTokens)+1 || len(draftRows) < len(draftTokens) {
		return nil, 0, engine.NewError(engine.ErrorKindInternal, errRowCountMismatch)
	}

	rng := st.RNG
	if rng == nil {
		rng = rand.New(rand.NewPCG(0, 0))
	}

	accepted = make([]int32, 0, len(draftTokens))
	for i, tok := range draftTokens {
		targetDist, derr := distribution(targetRows[i], st, params)
		if derr != nil {
			return accepted, 0, derr
		}
		draftDist, derr := distribution(draftRows[i], st, params)
		if derr != nil {
			return accepted, 0, derr
		}

		pTarget := probOf(targetDist, tok)
		pDraft := probOf(draftDist, tok)

		var acceptProb float32
		switch {
		case pDraft > 0:
			acceptProb = pTarget / pDraft
			if acceptProb > 1 {
				acceptProb = 1
			}
		case pTarget > 0:
			acceptProb = 1
		default:
			acceptProb = 0
		}

		if rng.Float32() < acceptProb {
			accepted = append(accepted, tok)
			st.RecentTokens = append(st.RecentTokens, tok)
			st.Counts[tok]++
			continue
		}

		residual := residualDistribution(targetDist, draftDist)
		tok, derr := drawCategorical(residual, rng)
		if derr != nil {
			return accepted, 0, derr
		}
		return accepted, tok, nil
	}

	finalDist, derr := distribution(targetRows[len(draftTokens)], st, params)
	if derr != nil {
		return accepted, 0, derr
	}
	tok, derr := drawCategorical(finalDist, rng)
	if derr != nil {
		return accepted, 0, derr
	}
	return accepted, tok, nil
}

var (
	errNoDraftTokens    = simpleErr("sampler: VerifyDraft called with no draft tokens")
	errRowCountMismatch = simpleErr("sampler: VerifyDraft target/draft row counts don't match draft token count")
)

// distribution reproduces Sample's bias/penalty/DRY/temperature/top-k/p/
// min-p stages over one logits row, returning the resulting per-token
// probability (zero for every token a top-k/p/min-p stage filtered out),
// the same categorical VerifyDraft's ratio test and residual distribution
// need to reason about the full vocabulary rather than a variable-length
// candidate subset.
func distribution(logits []float32, st *SeqSamplingState, params engine.SamplingParams) ([]candidate, error) {
	row := make([]float32, len(logits))
	copy(row, logits)

	for tok, bias := range params.LogitBias {
		if int(tok) >= 0 && int(tok) < len(row) {
			row[tok] += bias
		}
	}

	applyRepetitionPenalties(row, st, params)
	if params.Dry != nil {
		applyDRY(row, st, *params.Dry)
	}

	cands := make([]candidate, len(row))
	for i, v := range row {
		cands[i] = candidate{id: int32(i), logit: v}
	}

	if params.Temperature == 0 {
		best := argmax(cands)
		out := make([]candidate, len(row))
		for i := range out {
			out[i] = candidate{id: int32(i)}
		}
		out[best.id].prob = 1
		return out, nil
	}

	temperatureScale(cands, params.Temperature)
	softmax(cands)
	if params.TopK != nil && *params.TopK > 0 {
		cands = topK(cands, int(*params.TopK))
	}
	if params.TopP != nil {
		cands = topP(cands, *params.TopP)
	}
	if params.MinP != nil {
		cands = minP(cands, *params.MinP)
	}
	renormalize(cands)

	out := make([]candidate, len(row))
	for i := range out {
		out[i] = candidate{id: int32(i)}
	}
	for _, c := range cands {
		out[c.id].prob = c.prob
	}
	return out, nil
}

func probOf(dist []candidate, tok int32) float32 {
	if int(tok) < 0 || int(tok) >= len(dist) {
		return 0
	}
	return dist[tok].prob
}

// residualDistribution builds max(0, p_target - p_draft) normalized over
// the full vocabulary, the distribution a rejected draft token's bonus
// token is resampled from.
func residualDistribution(target, draft []candidate) []candidate {
	out := make([]candidate, len(target))
	var sum float32
	for i := range target {
		d := target[i].prob - draft[i].prob
		if d < 0 {
			d = 0
		}
		out[i] = candidate{id: int32(i), prob: d}
		sum += d
	}
	if sum <= 0 {
		return target
	}
	for i := range out {
		out[i].prob /= sum
	}
	return out
}
