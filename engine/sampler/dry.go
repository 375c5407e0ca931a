package sampler

import (
	"math"

	"github.com/forgerun/forge/engine"
)

// applyDRY implements spec.md §4.4 stage 4: detect repeated n-grams ending
// at the current generation position and penalize the token that would
// continue the longest such n-gram, scaled by base*multiplier^length.
// Tokens in sequence_breakers reset the matcher, bounding the window
// considered (spec.md §4.4: "The window is bounded by a configured
// sequence_breakers set").
func applyDRY(row []float32, st *SeqSamplingState, params engine.DryParams) {
	tokens := st.RecentTokens
	if len(tokens) < 2 {
		return
	}

	// Restrict to the suffix since the last sequence-breaker token.
	start := 0
	for i := len(tokens) - 1; i >= 0; i-- {
		if _, isBreaker := params.SequenceBreakers[tokens[i]]; isBreaker {
			start = i + 1
			break
		}
	}
	window := tokens[start:]
	if len(window) < 2 {
		return
	}

	last := len(window) - 1

	// For each earlier position i, measure how far the suffix ending at i
	// matches the suffix ending at `last` (excluding the continuation
	// itself), then the token right after position i is a candidate
	// continuation with that match length.
	best := make(map[int32]int)
	for i := 0; i < last; i++ {
		length := 0
		for length <= i && length <= last-1 {
			a := window[i-length]
			b := window[last-length]
			if a != b {
				break
			}
			length++
		}
		if length == 0 {
			continue
		}
		cont := window[i+1]
		if length > best[cont] {
			best[cont] = length
		}
	}

	allowed := int(params.AllowedLength)
	for tok, length := range best {
		if length < allowed {
			continue
		}
		if int(tok) < 0 || int(tok) >= len(row) {
			continue
		}
		penalty := params.Base * float32(math.Pow(float64(params.Multiplier), float64(length-allowed)))
		row[tok] -= penalty
	}
}
