// Package sequence implements the engine-internal Sequence record (spec
// component C1): per-request mutable state tracking one request from
// admission to completion. Grounded on runner/llamarunner.Sequence
// (runner/llamarunner/runner.go) and generalized from a single fixed-size
// slot to a Population the SchedulerPolicy admits/preempts dynamically.
package sequence

import (
	"math/rand/v2"
	"time"
	"unicode/utf8"

	"github.com/forgerun/forge/engine"
)

// State is one of the seven lifecycle states from spec.md §2/§3.
type State int

const (
	Waiting State = iota
	Prefill
	Decoding
	Preempted
	Finishing
	Done
	Error
)

func (s State) String() string {
	switch s {
	case Waiting:
		return "waiting"
	case Prefill:
		return "prefill"
	case Decoding:
		return "decoding"
	case Preempted:
		return "preempted"
	case Finishing:
		return "finishing"
	case Done:
		return "done"
	case Error:
		return "error"
	default:
		return "unknown"
	}
}

// ConstraintState tracks the current node of a grammar/JSON FSM, if the
// request carries a response_format.
type ConstraintState struct {
	// Node is an opaque pointer into the FSM implementation (engine/sampler);
	// the sequence package only carries it between steps.
	Node any
	Done bool
}

// SamplerState is the per-sequence mutable state the Sampler's pipeline
// stages read and update (spec.md §3: "Sampler is stateless except for
// per-sequence sampler_state ... stored in the Sequence itself").
type SamplerState struct {
	RNG *rand.Rand

	// RecentTokens is a bounded ring of the last PenaltyWindow generated
	// tokens, used by frequency/presence/DRY penalties.
	RecentTokens []int32
	Counts       map[int32]int

	// DraftAccepted is the count of speculative draft tokens accepted on
	// the most recent step, so the KV append can advance by exactly that
	// many positions (spec.md §4.4).
	DraftAccepted int
}

// Sequence is owned exclusively by the Engine for its entire lifetime.
type Sequence struct {
	RequestID   string
	ArrivalRank uint64
	Priority    int

	State State

	Model string

	AllTokens  []int32
	NGenerated int

	// KVHandle is an opaque id into the KVCacheManager; BlockIDs is
	// additionally populated in paged mode.
	KVHandle int
	BlockIDs []int

	SamplerState    SamplerState
	ConstraintState *ConstraintState

	StopStrings []string
	StopTokens  map[int32]struct{}
	EOSOverride *int32
	EOSSuppress bool

	MaxNewTokens uint32
	MinNewTokens uint32

	// SamplingParams is the request's full sampling configuration, read by
	// the Sampler each step (StopParams above duplicates the subset
	// StopReason needs without importing the sampler's request type).
	SamplingParams engine.SamplingParams

	PrefixCacheHitTokens int

	// PrefillFed is how many prompt tokens have already been sent through
	// Pipeline.Forward. It starts at PrefixCacheHitTokens (the reused
	// prefix's KV is already valid and never re-run) and advances by each
	// step's chunk size until it reaches PromptLen(), at which point the
	// sequence's first generated token comes out of that same forward pass.
	PrefillFed int

	CreatedAt       time.Time
	LastScheduledAt time.Time
	PreemptionCount int

	// WaitSteps counts consecutive engine steps spent in Waiting since last
	// admission, the fairness_threshold counter of spec.md §4.5 rule 5.
	WaitSteps int

	// pendingText buffers detokenized text until a full UTF-8 rune and any
	// partial stop-string suffix are resolved, never emitting speculatively
	// (spec.md §9, "Exception-based control flow" strategy).
	pendingText string

	sink            chan<- engine.Chunk
	backpressureHit int

	cancel *bool

	LogprobLog []engine.Logprob

	doneReason engine.DoneReason

	closed bool
}

// maxBackpressureRetries bounds how many consecutive non-blocking sink
// sends may fail before the sequence is closed with ClientSlow.
const maxBackpressureRetries = 8

// New constructs a Sequence in the Waiting state for an accepted Request.
func New(req *engine.Request, rank uint64, rng *rand.Rand) *Sequence {
	return &Sequence{
		RequestID:      req.ID,
		ArrivalRank:    rank,
		State:          Waiting,
		Model:          req.Model,
		AllTokens:      append([]int32(nil), req.Tokens...),
		StopStrings:    req.StopParams.StopStrings,
		StopTokens:     req.StopParams.StopTokens,
		EOSOverride:    req.StopParams.EOSOverride,
		EOSSuppress:    req.StopParams.EOSSuppress,
		MaxNewTokens:   req.StopParams.MaxNewTokens,
		MinNewTokens:   req.StopParams.MinNewTokens,
		SamplingParams: req.SamplingParams,
		CreatedAt:      time.Now(),
		sink:           req.Sink,
		SamplerState: SamplerState{
			RNG:    rng,
			Counts: make(map[int32]int),
		},
	}
}

// PromptLen is the number of prompt tokens (tokens before generation began).
func (s *Sequence) PromptLen() int {
	return len(s.AllTokens) - s.NGenerated
}

// AppendToken records a newly sampled token, advancing generation-side
// bookkeeping used by the repetition/DRY penalties and stop checks.
func (s *Sequence) AppendToken(t int32) {
	s.AllTokens = append(s.AllTokens, t)
	s.NGenerated++

	window := s.SamplerState.RecentTokens
	window = append(window, t)
	// PenaltyWindow bounding happens in the sampler pipeline, which owns the
	// configured window size; here we just keep an unbounded audit trail
	// capped defensively so a runaway generation can't leak memory.
	if len(window) > 1<<16 {
		window = window[len(window)-1<<15:]
	}
	s.SamplerState.RecentTokens = window
	s.SamplerState.Counts[t]++
}

// MarkPrefilled transitions a freshly admitted sequence from Prefill into
// Decoding once its prompt has been fully processed by the pipeline.
func (s *Sequence) MarkPrefilled() {
	if s.State == Prefill {
		s.State = Decoding
	}
}

// StopReason mirrors spec.md §4.1's should_stop: fires on max tokens, raw
// EOS, a matched stop string (on decoded text), an accepting constraint FSM,
// or cancellation. min_new_tokens suppresses all but cancellation until
// reached (open question #2 in SPEC_FULL.md §9).
func (s *Sequence) StopReason(lastToken int32, isEOS bool, decodedTail string) (engine.DoneReason, bool) {
	if s.cancel != nil && *s.cancel {
		return engine.DoneReasonCancelled, true
	}

	if s.NGenerated < int(s.MinNewTokens) {
		return engine.DoneReasonNone, false
	}

	if s.MaxNewTokens > 0 && uint32(s.NGenerated) >= s.MaxNewTokens {
		return engine.DoneReasonMaxTokens, true
	}

	if isEOS && !s.EOSSuppress {
		return engine.DoneReasonEosToken, true
	}

	if _, stopped := s.StopTokens[lastToken]; stopped && !s.EOSSuppress {
		return engine.DoneReasonEosToken, true
	}

	if longest := longestStopString(s.StopStrings); longest > 0 {
		tail := decodedTail
		if len(tail) > longest {
			tail = tail[len(tail)-longest:]
		}
		for _, stop := range s.StopStrings {
			if idx := indexOf(tail, stop); idx >= 0 {
				return engine.DoneReasonStopString, true
			}
		}
	}

	if s.ConstraintState != nil && s.ConstraintState.Done {
		return engine.DoneReasonConstraintDone, true
	}

	return engine.DoneReasonNone, false
}

func longestStopString(stops []string) int {
	longest := 0
	for _, s := range stops {
		if len(s) > longest {
			longest = len(s)
		}
	}
	return longest
}

func indexOf(haystack, needle string) int {
	if needle == "" {
		return -1
	}
	for i := 0; i+len(needle) <= len(haystack); i++ {
		if haystack[i:i+len(needle)] == needle {
			return i
		}
	}
	return -1
}

// SetCancel wires the Sequence to an observable cancel flag, checked once
// per step by the Engine before batch assembly (spec.md §5).
func (s *Sequence) SetCancel(flag *bool) { s.cancel = flag }

func (s *Sequence) Cancelled() bool { return s.cancel != nil && *s.cancel }

// EmitDelta appends decoded text to the pending buffer, flushing whatever
// prefix is a complete, stop-string-safe chunk. It never blocks: a
// non-blocking send that fails repeatedly closes the sequence with
// ClientSlow (spec.md §4.1), following the select-with-quit pattern of
// runner/llamarunner.flushPending.
func (s *Sequence) EmitDelta(text string, logprobs []engine.Logprob) error {
	s.pendingText += text
	s.LogprobLog = append(s.LogprobLog, logprobs...)

	flushable := s.pendingText
	for !utf8.ValidString(flushable) && len(flushable) > 0 {
		flushable = flushable[:len(flushable)-1]
	}

	// Hold back a suffix that could still grow into a stop string match.
	holdback := longestStopString(s.StopStrings)
	if holdback > 0 && len(flushable) > holdback {
		safe := flushable[:len(flushable)-holdback]
		flushable = safe
	} else if holdback > 0 {
		flushable = ""
	}

	if flushable == "" {
		return nil
	}

	if !s.send(engine.Chunk{Kind: engine.ChunkText, Text: flushable, Logprobs: logprobs}) {
		return engine.ErrClientSlow
	}

	s.pendingText = s.pendingText[len(flushable):]
	return nil
}

// send performs a bounded non-blocking sink send, counting consecutive
// failures toward the ClientSlow threshold.
func (s *Sequence) send(c engine.Chunk) bool {
	if s.sink == nil {
		return true
	}
	select {
	case s.sink <- c:
		s.backpressureHit = 0
		return true
	default:
		s.backpressureHit++
		return s.backpressureHit < maxBackpressureRetries
	}
}

// Close flushes any remaining buffered text, sends the terminal Done/Error
// chunk exactly once, and closes the sink.
func (s *Sequence) Close(reason engine.DoneReason, usage engine.Usage, errKind engine.ErrorKind, errMsg string) {
	if s.closed {
		return
	}
	s.closed = true

	if s.pendingText != "" {
		// final flush: force-strip any still-invalid trailing bytes, don't
		// hold back for stop strings any more, generation is ending anyway.
		joined := s.pendingText
		for !utf8.ValidString(joined) && len(joined) > 0 {
			joined = joined[:len(joined)-1]
		}
		if joined != "" {
			s.send(engine.Chunk{Kind: engine.ChunkText, Text: joined})
		}
		s.pendingText = ""
	}

	s.doneReason = reason
	if errKind != engine.ErrorKindNone {
		s.send(engine.Chunk{Kind: engine.ChunkError, ErrKind: errKind, ErrMsg: errMsg})
	} else {
		s.send(engine.Chunk{Kind: engine.ChunkDone, Done: reason, Usage: usage})
	}

	s.State = Done
	if errKind != engine.ErrorKindNone {
		s.State = Error
	}
}

func (s *Sequence) DoneReason() engine.DoneReason { return s.doneReason }
