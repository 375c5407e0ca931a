package sampler

import "github.com/forgerun/forge/engine"

// applyRepetitionPenalties implements spec.md §4.4 stage 3: frequency
// penalty subtracts alpha*count(t), presence penalty subtracts
// beta*[count(t)>0], both computed over the configured trailing window of
// generated tokens. Modeled on
// samcharles93-mantle/internal/logits/sampler.go's windowed penalty
// accounting.
func applyRepetitionPenalties(row []float32, st *SeqSamplingState, params engine.SamplingParams) {
	if params.FreqPenalty == 0 && params.PresencePenalty == 0 {
		return
	}

	window := st.RecentTokens
	if n := int(params.PenaltyWindow); n > 0 && len(window) > n {
		window = window[len(window)-n:]
	}

	counts := make(map[int32]int, len(window))
	for _, t := range window {
		counts[t]++
	}

	for tok, count := range counts {
		if int(tok) < 0 || int(tok) >= len(row) {
			continue
		}
		if params.FreqPenalty != 0 {
			row[tok] -= params.FreqPenalty * float32(count)
		}
		if params.PresencePenalty != 0 && count > 0 {
			row[tok] -= params.PresencePenalty
		}
	}
}
