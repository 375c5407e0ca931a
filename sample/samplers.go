package sample

import (
	"errors"
	"math"
	"math/rand/v2"
	"slices"
	"sync"

	"github.com/forgerun/forge/llama"
	"github.com/forgerun/forge/model"
)

// token represents information about a single token during sampling
type token struct {
	id    int32   // The token's unique identifier
	value float32 // The raw logit or probability from the model
}

type Sampler struct {
	rng         *rand.Rand
	topK        int
	topP        float32
	minP        float32
	temperature float32
	grammar     *Grammar
}

func (s *Sampler) Sample(logits []float32) (int32, error) {
	if len(logits) == 0 {
		return -1, errors.New("sample: no logits provided to sample")
	}

	tokens := make([]token, len(logits))
	for i := range logits {
		tokens[i].id = int32(i)
		tokens[i].value = logits[i]
	}

	t, err := s.sample(tokens)
	if err != nil {
		return -1, err
	}

	if s.grammar != nil {
		// CGrammar (llama/grammar.go) masks a dense, full-vocab logits row,
		// so unlike a sparse token-data sampler there's no cheap way to
		// check just the greedy candidate first; mask the whole row and
		// resample.
		masked := make([]float32, len(logits))
		copy(masked, logits)
		if err := s.grammar.ApplyLogits(masked); err != nil {
			return -1, err
		}
		for i := range tokens {
			tokens[i].id = int32(i)
			tokens[i].value = masked[i]
		}
		t, err = s.sample(tokens)
		if err != nil {
			return -1, err
		}
		s.grammar.Accept(t.id)
	}

	return t.id, nil
}

// greedy returns the highest probability token from the tokens
func greedy(tokens []token) token {
	max := tokens[0]
	for i := 1; i < len(tokens); i++ {
		if tokens[i].value > max.value {
			max = tokens[i]
		}
	}

	return max
}

// sample returns the highest probability token from the tokens
// given sampler parameters. It also has side effects of modifying the tokens
func (s *Sampler) sample(tokens []token) (token, error) {
	if s.temperature == 0 {
		return greedy(tokens), nil
	}

	// topK also sorts the tokens in descending order of logits
	tokens = topK(tokens, s.topK)

	// scale and normalize the tokens in place
	temperature(tokens, s.temperature)
	softmax(tokens)

	tokens = topP(tokens, s.topP)
	tokens = minP(tokens, s.minP)

	var r float32
	if s.rng != nil {
		r = s.rng.Float32()
	} else {
		r = rand.Float32()
	}

	// Calculate cumulative sum of probabilities
	var sum float32
	for i := range tokens {
		sum += tokens[i].value
		tokens[i].value = sum
	}
	r *= tokens[len(tokens)-1].value

	idx, _ := slices.BinarySearchFunc(tokens, r, func(token token, target float32) int {
		if token.value < target {
			return -1
		}
		return 1
	})

	if math.IsNaN(float64(sum)) {
		return token{}, errors.New("sample: logits sum to NaN, check model output")
	}
	return tokens[idx], nil
}

// TODO(parthsareen): update sampler interface to use json unmarshal https://github.com/forgerun/forge/issues/9278
func NewSampler(temperature float32, topK int, topP float32, minP float32, seed int, grammar *Grammar) Sampler {
	var rng *rand.Rand
	if seed != -1 {
		// PCG requires two parameters: sequence and stream
		// Use original seed for sequence
		sequence := uint64(seed)
		// Use golden ratio hash to generate statistically independent seeds
		rng = rand.New(rand.NewPCG(sequence, sequence^0x9E3779B9))
	}
	if temperature < 0.0 {
		temperature = 0.0
	}

	if topP < 0.0 {
		topP = 0.0
	}
	if topP >= 1.0 {
		topP = 1.0
	}

	if minP < 0.0 {
		minP = 0.0
	}
	if minP >= 1.0 {
		minP = 1.0
	}

	return Sampler{
		rng:         rng,
		topK:        topK,
		topP:        topP,
		minP:        minP,
		temperature: temperature,
		grammar:     grammar,
	}
}

type Grammar struct {
	vocab   *Vocab
	grammar string
	cgram   llama.Grammar
}

func NewGrammar(vocab *Vocab, grammar string) (*Grammar, error) {
	tokens, err := vocab.Load()
	if err != nil {
		return nil, err
	}

	cgram, err := llama.NewGrammarWithTokens(grammar, "root", tokens)
	if err != nil {
		return nil, err
	}

	return &Grammar{
		vocab:   vocab,
		grammar: grammar,
		cgram:   cgram,
	}, nil
}

// ApplyLogits masks a plain logits row in place according to the grammar's
// current state, for callers (such as engine/sampler) that don't have
// access to this package's unexported token type.
func (g *Grammar) ApplyLogits(logits []float32) error {
	masked, err := g.cgram.Apply(logits)
	if err != nil {
		return err
	}
	copy(logits, masked)
	return nil
}

// Accept is a no-op placeholder: CGrammar (llama/grammar.go) advances its
// FSM state internally on grammar_apply_to_logits and does not expose a
// separate accept step. Kept so callers that track acceptance alongside
// sampling (sample.Sampler.Sample, engine/sampler.GrammarMasker) have a
// single call site to update if that changes.
func (g *Grammar) Accept(token int32) {}

// Close releases the underlying grammar's C resources.
func (g *Grammar) Close() error {
	return g.cgram.Close()
}

type Vocab struct {
	once   sync.Once
	tokens []string
	err    error
	vocab  *model.Vocabulary
}

func NewVocab(vocab *model.Vocabulary) *Vocab {
	return &Vocab{vocab: vocab}
}

// Load returns the lazily-built token list backing the grammar's vocabulary.
func (v *Vocab) Load() ([]string, error) {
	v.once.Do(func() {
		if v.vocab == nil {
			v.err = errors.New("sample: vocab not configured")
			return
		}
		v.tokens = v.vocab.Values
	})
	return v.tokens, v.err
}
