package pipeline

import (
	"context"
	"fmt"

	"github.com/forgerun/forge/kvcache"
	"github.com/forgerun/forge/ml"
	"github.com/forgerun/forge/model"
	"github.com/forgerun/forge/model/input"
)

// ModelPipeline wraps an in-process model.Model + kvcache.Cache pair,
// grounded on runner/llamarunner/runner.go's processBatch (the step that
// packs per-sequence pendingInputs into one ml.Context batch and calls
// model.Forward), generalized to the Pipeline interface. This is the role
// runner/ollamarunner would have played had its runner.go/cache.go
// survived in this pack; this adapter gives the Go-native ggml backend an
// equivalent home.
type ModelPipeline struct {
	model model.Model
	cache kvcache.Cache

	numLayers  int
	numKVHeads int
	headDim    int

	batchSize int
}

func NewModelPipeline(m model.Model, cache kvcache.Cache, numLayers, numKVHeads, headDim, batchSize int) *ModelPipeline {
	return &ModelPipeline{
		model:      m,
		cache:      cache,
		numLayers:  numLayers,
		numKVHeads: numKVHeads,
		headDim:    headDim,
		batchSize:  batchSize,
	}
}

func (p *ModelPipeline) Capabilities() Capabilities {
	return Capabilities{
		ContinuousBatching: true,
		MaxBatchedTokens:   p.batchSize,
	}
}

// PrepareInputs flattens each sequence's contributed tokens into one
// device batch, the way processBatch's loop over seqs builds batch.Inputs
// position-by-position.
func (p *ModelPipeline) PrepareInputs(seqs []PipelineSeq) (DeviceInputs, error) {
	in := packSeqs(seqs)
	if len(in.Tokens) == 0 {
		return DeviceInputs{}, fmt.Errorf("pipeline: empty batch")
	}
	return in, nil
}

// Forward runs the model's forward pass over one ml.Context, grounded on
// runner/llamarunner/runner.go's processBatch (the per-step
// pack-then-decode loop) and model/model.go's Model interface. It builds
// the input.Batch directly from this package's own DeviceInputs rather
// than through model.Forward's free helper, whose StartForward call no
// longer matches kvcache.Cache's signature (kvcache/cache.go).
func (p *ModelPipeline) Forward(ctx context.Context, in DeviceInputs) (Logits, error) {
	backend := p.model.Backend()
	mctx := backend.NewContext()
	defer mctx.Close()

	if p.cache != nil {
		if err := p.cache.StartForward(mctx, in.Positions, in.Sequences); err != nil {
			return Logits{}, fmt.Errorf("pipeline: start forward: %w", err)
		}
	}

	batch := input.Batch{
		Inputs:     in.Tokens,
		Positions:  in.Positions,
		Sequences:  in.Sequences,
		Outputs:    in.OutputRows,
		Multimodal: toModelMultimodal(in.Multimodal),
	}

	t, err := p.model.Forward(mctx, batch)
	if err != nil {
		return Logits{}, fmt.Errorf("pipeline: forward: %w", err)
	}
	out := mctx.Forward(t).Compute(t)

	return tensorToLogits(out, len(in.OutputRows))
}

func toModelMultimodal(chunks []MultimodalChunk) []input.MultimodalIndex {
	if len(chunks) == 0 {
		return nil
	}
	out := make([]input.MultimodalIndex, len(chunks))
	for i, c := range chunks {
		out[i] = input.MultimodalIndex{Index: c.TokenIndex, Multimodal: c.Data}
	}
	return out
}

func (p *ModelPipeline) KVCacheShape() CacheShape {
	return CacheShape{NumLayers: p.numLayers, NumKVHeads: p.numKVHeads, HeadDim: p.headDim}
}

func (p *ModelPipeline) DeviceSynchronize() error {
	return nil
}

func tensorToLogits(t ml.Tensor, rows int) (Logits, error) {
	flat := t.Floats()
	shape := t.Shape()
	if len(shape) == 0 {
		return Logits{}, fmt.Errorf("pipeline: logits tensor has no shape")
	}
	vocabLen := int(shape[len(shape)-1])
	if vocabLen == 0 {
		return Logits{}, fmt.Errorf("pipeline: zero vocab dimension")
	}
	if rows <= 0 {
		rows = len(flat) / vocabLen
	}
	out := make([][]float32, 0, rows)
	for i := 0; i < rows; i++ {
		start := i * vocabLen
		end := start + vocabLen
		if end > len(flat) {
			break
		}
		out = append(out, flat[start:end])
	}
	return Logits{Rows: out, VocabLen: vocabLen}, nil
}
