package pipeline

import (
	"context"
	"fmt"

	"github.com/forgerun/forge/llama"
)

// LlamaPipeline wraps an out-of-process llama.Context/llama.Model pair
// directly, grounded on runner/llamarunner/runner.go's processBatch: one
// persistent llama.Batch allocated up front and refilled (Clear, then Add
// per token) every step, decoded with Context.Decode, with logits pulled
// per requested row via Context.GetLogitsIth. This is the adapter for the
// cgo llama.cpp backend, as opposed to ModelPipeline's in-process Go graph.
type LlamaPipeline struct {
	ctx   *llama.Context
	model *llama.Model

	batch     llama.Batch
	batchSize int
	numLayers int
}

// NewLlamaPipeline builds a LlamaPipeline around an already-loaded context
// and model, allocating one reusable token batch sized for batchSize tokens
// across maxSeqs concurrent sequences (embd=0: text tokens only, mirroring
// runner.go's tokenBatch; image embeddings are ModelPipeline's concern).
func NewLlamaPipeline(ctx *llama.Context, model *llama.Model, batchSize, maxSeqs, numLayers int) *LlamaPipeline {
	return &LlamaPipeline{
		ctx:       ctx,
		model:     model,
		batch:     llama.NewBatch(batchSize, 0, maxSeqs),
		batchSize: batchSize,
		numLayers: numLayers,
	}
}

func (p *LlamaPipeline) Capabilities() Capabilities {
	return Capabilities{
		ContinuousBatching: true,
		MaxBatchedTokens:   p.batchSize,
	}
}

func (p *LlamaPipeline) PrepareInputs(seqs []PipelineSeq) (DeviceInputs, error) {
	in := packSeqs(seqs)
	if len(in.Tokens) == 0 {
		return DeviceInputs{}, fmt.Errorf("pipeline: empty batch")
	}
	if len(in.Tokens) > p.batchSize {
		return DeviceInputs{}, fmt.Errorf("pipeline: batch of %d tokens exceeds llama batch size %d", len(in.Tokens), p.batchSize)
	}
	return in, nil
}

// Forward refills the persistent batch and decodes it, following
// processBatch's add-then-decode shape. Requested output rows are read back
// by their position within this batch (DeviceInputs.OutputRows indexes into
// in.Tokens, which is exactly the token's position Add assigned it).
func (p *LlamaPipeline) Forward(ctx context.Context, in DeviceInputs) (Logits, error) {
	p.batch.Clear()

	needsOutput := make(map[int32]bool, len(in.OutputRows))
	for _, row := range in.OutputRows {
		needsOutput[row] = true
	}

	for i, tok := range in.Tokens {
		p.batch.Add(llama.Token(tok), llama.Pos(in.Positions[i]), []llama.SeqId{llama.SeqId(in.Sequences[i])}, needsOutput[int32(i)])
	}

	if err := p.ctx.Decode(p.batch); err != nil {
		return Logits{}, fmt.Errorf("pipeline: decode: %w", err)
	}

	vocabLen := p.model.NumVocab()
	rows := make([][]float32, len(in.OutputRows))
	for i, row := range in.OutputRows {
		rows[i] = p.ctx.GetLogitsIth(int(row))
	}

	return Logits{Rows: rows, VocabLen: vocabLen}, nil
}

func (p *LlamaPipeline) KVCacheShape() CacheShape {
	return CacheShape{NumLayers: p.numLayers}
}

// DeviceSynchronize is a no-op: Context.Decode's cgo call is synchronous,
// there is no outstanding async dispatch to wait on.
func (p *LlamaPipeline) DeviceSynchronize() error {
	return nil
}
