// Package pipeline implements the Pipeline component (spec C6): the
// device-side forward-pass boundary the Engine drives once per step.
// Grounded on the existing llm.LlamaServer interface (llm/llm.go) and
// ml.Backend/ml.Context (ml/backend.go), which already expose an
// equivalent capability/forward/synchronize surface for the teacher's C++
// backend; two concrete adapters live alongside this file.
package pipeline

import (
	"context"
)

// Capabilities describes what a Pipeline supports, so the Engine and
// SchedulerPolicy can adapt (e.g. the mix rule of spec.md §4.5 step 4).
type Capabilities struct {
	ContinuousBatching bool
	Multimodal         bool
	MaxBatchedTokens   int
}

// DeviceInputs is the prepared, device-ready form of one step's batch:
// token ids, per-token sequence assignment, absolute positions, and which
// output rows the Engine actually needs logits for (only the last row of
// each prefill, every row of a decode), mirroring model/input.Options'
// field shape (model/input/input.go) generalized from "one in-process
// model.Model" to "any Pipeline backend".
type DeviceInputs struct {
	Tokens     []int32
	Positions  []int32
	Sequences  []int
	OutputRows []int32
	Multimodal []MultimodalChunk
}

// MultimodalChunk carries a non-text input (e.g. an image) aligned to a
// token index in DeviceInputs.Tokens, mirroring
// model/input.MultimodalIndex.
type MultimodalChunk struct {
	TokenIndex int
	Data       any
}

// Logits is one step's forward-pass output: one row of vocabulary-sized
// scores per requested output row, in DeviceInputs.OutputRows order.
type Logits struct {
	Rows     [][]float32
	VocabLen int
}

// CacheShape describes the layer/head geometry a Pipeline's backing KV
// cache must match, so engine/kv can validate configuration at startup.
type CacheShape struct {
	NumLayers  int
	NumKVHeads int
	HeadDim    int
}

// Pipeline is the device-execution boundary: everything the Engine needs
// to turn a scheduler Batch into logits, without knowing whether the
// backend is the in-process Go model graph or an out-of-process llama.cpp
// server.
type Pipeline interface {
	Capabilities() Capabilities

	// PrepareInputs packs a scheduler batch's sequences into device-ready
	// input tensors' source data, computing positions from each
	// sequence's current KV fill length.
	PrepareInputs(seqs []PipelineSeq) (DeviceInputs, error)

	// Forward runs one forward pass and returns logits for the requested
	// output rows only (spec.md §4.6: only the last prefill token and
	// every decode token need a logits row).
	Forward(ctx context.Context, in DeviceInputs) (Logits, error)

	KVCacheShape() CacheShape

	// DeviceSynchronize blocks until all outstanding device work
	// (relevant to backends with asynchronous dispatch) has completed.
	DeviceSynchronize() error
}

// PipelineSeq is the minimal per-sequence view a Pipeline needs to build
// DeviceInputs: the Engine passes this instead of a full
// engine/sequence.Sequence to keep this package decoupled from sequence
// (avoiding an import cycle, matching engine/sampler.SeqSamplingState's
// same decoupling choice).
type PipelineSeq struct {
	SeqID       int
	Tokens      []int32 // the tokens this step contributes (prompt chunk or one decode token)
	StartPos    int     // absolute position of Tokens[0] in the sequence
	NeedsOutput []bool  // per-token: whether a logits row is needed for Tokens[i]
}

// packSeqs flattens a scheduler batch's per-sequence token contributions
// into one device-ready input, shared by both Pipeline adapters.
func packSeqs(seqs []PipelineSeq) DeviceInputs {
	var in DeviceInputs
	for _, s := range seqs {
		for i, tok := range s.Tokens {
			in.Tokens = append(in.Tokens, tok)
			in.Positions = append(in.Positions, int32(s.StartPos+i))
			in.Sequences = append(in.Sequences, s.SeqID)
			if i < len(s.NeedsOutput) && s.NeedsOutput[i] {
				in.OutputRows = append(in.OutputRows, int32(len(in.Tokens)-1))
			}
		}
	}
	return in
}
