// Package sampler implements the Sampler component (spec C4): the fixed
// seven-stage transformation from a logits row to a next-token decision.
// Grounded on sample/samplers.go and sample/transforms.go (Temperature,
// TopK, TopP, MinP already exist there) and extended with the
// bias/constraint/penalty/DRY stages spec.md §4.4 adds, plus the
// speculative-decoding verification of §4.4's rejection-sampling identity.
package sampler

import (
	"math"
	"math/rand/v2"
	"sort"

	"github.com/forgerun/forge/engine"
)

// candidate is one token under consideration during a sampling pass.
type candidate struct {
	id    int32
	logit float32
	prob  float32
}

// ConstraintMasker narrows the legal next-token set given the current FSM
// node of a grammar/JSON-schema constraint (engine/sequence.ConstraintState).
// Implemented by engine/sampler/constraint.go, wrapping sample.Grammar /
// sample's pushdown-automaton JSON sampler.
type ConstraintMasker interface {
	// Mask sets disallowed tokens' logits to -Inf in place. It reports false
	// only when masking could not be applied (e.g. a malformed node); the
	// grammar itself exposes no separate "done" signal, so whether the FSM
	// has reached an accepting state is inferred afterward from whether EOS
	// survived masking (see Config.Sample stage 2).
	Mask(logits []float32, node any) (ok bool)

	// NewConstraintState compiles a request's response_format into the
	// opaque per-sequence FSM node Mask/Accept operate on, called once at
	// admission. A nil ResponseFormat yields a nil node (no constraint).
	NewConstraintState(rf *engine.ResponseFormat) (any, error)

	// Accept commits a sampled token to the FSM, advancing its state. Called
	// once per generated token, after the token is appended to the sequence.
	Accept(node any, token int32)
}

// Config holds engine-wide sampler configuration that doesn't vary per call
// (e.g. which ConstraintMasker implementation to use).
type Config struct {
	Constraint ConstraintMasker
}

// Result is what one Sample call produces.
type Result struct {
	Token int32
	// Logprobs holds the requested top-N alternatives when ReturnLogprobs
	// was set, computed from the post-softmax distribution before final
	// sampling (spec.md §6, SamplingParams.return_logprobs).
	Logprobs []engine.Logprob
}

// Sample runs the fixed seven-stage pipeline of spec.md §4.4 over one
// logits row, reading and updating the owning sequence's SamplerState.
//
// Stage order (never reordered): logit bias -> constraint mask ->
// repetition penalties -> DRY -> temperature -> top-k/top-p/min-p ->
// sample.
func (c Config) Sample(logits []float32, st *SeqSamplingState, params engine.SamplingParams) (Result, error) {
	row := make([]float32, len(logits))
	copy(row, logits)

	// 1. Logit bias (includes EOS suppression before min_new_tokens).
	for tok, bias := range params.LogitBias {
		if int(tok) >= 0 && int(tok) < len(row) {
			row[tok] += bias
		}
	}
	if st.SuppressEOS {
		for _, eos := range st.EOSTokens {
			if int(eos) >= 0 && int(eos) < len(row) {
				row[eos] = float32(math.Inf(-1))
			}
		}
	}

	// 2. Constrained decoding mask. Acceptance is inferred rather than
	// reported by the masker: once every configured EOS token survives
	// masking, the FSM permits ending the turn here.
	if c.Constraint != nil && st.ConstraintNode != nil {
		if !c.Constraint.Mask(row, st.ConstraintNode) {
			return Result{}, engine.ErrConstraintDeadEnd
		}
		if allNegInf(row) {
			return Result{}, engine.ErrConstraintDeadEnd
		}
		st.ConstraintAccepting = eosSurvives(row, st.EOSTokens)
	}

	// 3. Repetition penalties (frequency + presence over a recent window).
	applyRepetitionPenalties(row, st, params)

	// 4. DRY penalty.
	if params.Dry != nil {
		applyDRY(row, st, *params.Dry)
	}

	cands := make([]candidate, len(row))
	for i, v := range row {
		cands[i] = candidate{id: int32(i), logit: v}
	}

	// 5. Temperature. T == 0 is greedy and skips stages 6-7.
	if params.Temperature == 0 {
		tok := argmax(cands)
		return Result{Token: tok.id}, nil
	}
	temperatureScale(cands, params.Temperature)
	softmax(cands)

	// 6. top-k -> top-p -> min-p, in that order, renormalizing as we go.
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

	// 7. Sample from the resulting categorical using the per-sequence RNG.
	rng := st.RNG
	if rng == nil {
		rng = rand.New(rand.NewPCG(0, 0))
	}
	tok, err := drawCategorical(cands, rng)
	if err != nil {
		return Result{}, err
	}

	result := Result{Token: tok}
	if params.ReturnLogprobs != nil {
		result.Logprobs = topLogprobs(cands, int(params.ReturnLogprobs.TopN))
	}
	return result, nil
}

// SeqSamplingState is the subset of engine/sequence.Sequence's per-sequence
// state the sampler reads/updates each call; kept separate from the
// sequence package to avoid an import cycle (engine/sequence has no
// knowledge of sampling internals, matching spec.md §3's ownership split).
type SeqSamplingState struct {
	RNG *rand.Rand

	RecentTokens  []int32
	Counts        map[int32]int
	PenaltyWindow int

	SuppressEOS bool
	EOSTokens   []int32

	ConstraintNode      any
	ConstraintAccepting bool

	// DRY matcher state, persisted across calls within one sequence.
	DryBreakers map[int32]struct{}
}

func eosSurvives(row []float32, eosTokens []int32) bool {
	for _, eos := range eosTokens {
		if int(eos) < 0 || int(eos) >= len(row) {
			continue
		}
		if !math.IsInf(float64(row[eos]), -1) {
			return true
		}
	}
	return false
}

func allNegInf(row []float32) bool {
	for _, v := range row {
		if !math.IsInf(float64(v), -1) {
			return false
		}
	}
	return true
}

func argmax(cands []candidate) candidate {
	best := cands[0]
	for _, c := range cands[1:] {
		// ties break toward the lowest token id (spec.md §4.4 numeric notes)
		if c.logit > best.logit || (c.logit == best.logit && c.id < best.id) {
			best = c
		}
	}
	return best
}

func temperatureScale(cands []candidate, temp float32) {
	if temp <= 0 {
		temp = 1e-7
	}
	for i := range cands {
		cands[i].logit /= temp
	}
}

// softmax is computed in f32 regardless of model dtype (spec.md §4.4).
func softmax(cands []candidate) {
	maxLogit := float32(math.Inf(-1))
	for _, c := range cands {
		if c.logit > maxLogit {
			maxLogit = c.logit
		}
	}
	var sum float32
	for i := range cands {
		p := float32(math.Exp(float64(cands[i].logit - maxLogit)))
		cands[i].prob = p
		sum += p
	}
	if sum > 0 {
		for i := range cands {
			cands[i].prob /= sum
		}
	}
}

func renormalize(cands []candidate) {
	var sum float32
	for _, c := range cands {
		sum += c.prob
	}
	if sum <= 0 {
		return
	}
	for i := range cands {
		cands[i].prob /= sum
	}
}

func drawCategorical(cands []candidate, rng *rand.Rand) (int32, error) {
	if len(cands) == 0 {
		return 0, engine.NewError(engine.ErrorKindInternal, errEmptyCandidateSet)
	}
	r := rng.Float32()
	var cum float32
	for _, c := range cands {
		cum += c.prob
		if r <= cum {
			return c.id, nil
		}
	}
	return cands[len(cands)-1].id, nil
}

var errEmptyCandidateSet = simpleErr("sampler: no candidate tokens remain after filtering")

type simpleErr string

func (e simpleErr) Error() string { return string(e) }

func topLogprobs(cands []candidate, n int) []engine.Logprob {
	if n <= 0 {
		return nil
	}
	sorted := append([]candidate(nil), cands...)
	sort.Slice(sorted, func(i, j int) bool { return sorted[i].prob > sorted[j].prob })
	if n > len(sorted) {
		n = len(sorted)
	}
	out := make([]engine.Logprob, n)
	for i := 0; i < n; i++ {
		out[i] = engine.Logprob{
			TokenID: sorted[i].id,
			Logprob: float32(math.Log(float64(sorted[i].prob) + 1e-12)),
		}
	}
	return out
}
