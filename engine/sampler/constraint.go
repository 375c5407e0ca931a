package sampler

import (
	"fmt"

	"github.com/forgerun/forge/engine"
	"github.com/forgerun/forge/grammar"
	"github.com/forgerun/forge/sample"
)

// GrammarMasker adapts sample.Grammar (sample/samplers.go, backed by
// llama's GBNF grammar sampler) to the ConstraintMasker contract. A JSON
// response_format is first translated to a GBNF grammar via
// grammar.FromSchema (grammar/grammar.go) so both response_format kinds
// share one masking path, the way sample/structured_outputs.go already
// layers JSON mode on top of the grammar sampler for whole-response JSON
// mode; here it runs per-token instead.
type GrammarMasker struct {
	vocab *sample.Vocab
}

func NewGrammarMasker(vocab *sample.Vocab) *GrammarMasker {
	return &GrammarMasker{vocab: vocab}
}

// NewConstraintState builds the per-sequence constraint node for a
// response_format, compiling a JSON schema to GBNF first if needed.
func (m *GrammarMasker) NewConstraintState(rf *engine.ResponseFormat) (any, error) {
	if rf == nil {
		return nil, nil
	}

	var grammarSrc string
	switch rf.Kind {
	case engine.ResponseFormatGrammar, engine.ResponseFormatRegex:
		grammarSrc = rf.Spec
	case engine.ResponseFormatJSON:
		compiled, err := grammar.FromSchema(nil, []byte(rf.Spec))
		if err != nil {
			return nil, fmt.Errorf("sampler: compile json schema to grammar: %w", err)
		}
		grammarSrc = string(compiled)
	default:
		return nil, nil
	}

	g, err := sample.NewGrammar(m.vocab, grammarSrc)
	if err != nil {
		return nil, fmt.Errorf("sampler: build grammar sampler: %w", err)
	}
	return g, nil
}

// Mask implements ConstraintMasker by delegating to the wrapped
// *sample.Grammar, masking disallowed tokens' logits to -Inf in place.
func (m *GrammarMasker) Mask(logits []float32, node any) bool {
	g, ok := node.(*sample.Grammar)
	if !ok || g == nil {
		return false
	}
	return g.ApplyLogits(logits) == nil
}

// Accept commits the sampled token to the grammar FSM, advancing its state;
// called by the Engine after a token is sampled (engine/core calls this
// alongside Sequence.AppendToken).
func (m *GrammarMasker) Accept(node any, token int32) {
	if g, ok := node.(*sample.Grammar); ok {
		g.Accept(token)
	}
}
