package sampler

import "sort"

// topK keeps the k highest-logit candidates, mirroring sample.TopK's
// partial-sort approach (sample/transforms.go) but operating on this
// package's own candidate slice since sample.tokenInfo is unexported.
func topK(cands []candidate, k int) []candidate {
	if k <= 0 || k >= len(cands) {
		return cands
	}
	sorted := append([]candidate(nil), cands...)
	sort.Slice(sorted, func(i, j int) bool { return sorted[i].prob > sorted[j].prob })
	return sorted[:k]
}

// topP keeps the smallest prefix (sorted by descending probability) whose
// cumulative probability exceeds p, mirroring sample.TopP.
func topP(cands []candidate, p float32) []candidate {
	if p <= 0 || p >= 1 {
		return cands
	}
	sorted := append([]candidate(nil), cands...)
	sort.Slice(sorted, func(i, j int) bool { return sorted[i].prob > sorted[j].prob })

	out := make([]candidate, 0, len(sorted))
	var sum float32
	for _, c := range sorted {
		out = append(out, c)
		sum += c.prob
		if sum > p {
			break
		}
	}
	return out
}

// minP drops candidates whose probability is below p * max_prob, relative
// to the max-probability token after softmax, mirroring sample.MinP.
func minP(cands []candidate, p float32) []candidate {
	if p <= 0 {
		return cands
	}
	var maxProb float32
	for _, c := range cands {
		if c.prob > maxProb {
			maxProb = c.prob
		}
	}
	threshold := maxProb * p
	out := make([]candidate, 0, len(cands))
	for _, c := range cands {
		if c.prob >= threshold {
			out = append(out, c)
		}
	}
	if len(out) == 0 {
		return cands
	}
	return out
}
