package engine

import (
	"reflect"

	"github.com/google/uuid"
	"github.com/mitchellh/mapstructure"
)

// RequestKind classifies what a Request asks the engine to do.
type RequestKind int

const (
	KindChat RequestKind = iota
	KindCompletion
	KindEmbedding
	KindTooling
	KindRerank
)

// DryParams configures the DRY (Don't Repeat Yourself) repetition penalty,
// modeled on samcharles93-mantle/internal/logits/sampler.go's n-gram matcher.
type DryParams struct {
	Multiplier    float32 `mapstructure:"multiplier"`
	Base          float32 `mapstructure:"base"`
	AllowedLength uint32  `mapstructure:"allowed_length"`

	// SequenceBreakers arrives over the wire as a list of strings
	// (api/types.go-style option); it is tokenizer-dependent, so the
	// protocol layer populates it after DecodeSamplingParams runs, once the
	// breaker strings have been tokenized into ids.
	SequenceBreakers map[int32]struct{} `mapstructure:"-"`
}

// ResponseFormatKind selects the constrained-decoding strategy.
type ResponseFormatKind int

const (
	ResponseFormatNone ResponseFormatKind = iota
	ResponseFormatJSON
	ResponseFormatRegex
	ResponseFormatGrammar
)

type ResponseFormat struct {
	Kind ResponseFormatKind `mapstructure:"type"`
	Spec string             `mapstructure:"spec"`
}

type SpeculativeParams struct {
	DraftPipelineID string `mapstructure:"draft_pipeline_id"`
	K               uint32 `mapstructure:"k"`
}

type LogprobsParams struct {
	TopN uint8 `mapstructure:"top_n"`
}

// SamplingParams is the exhaustive set of per-request sampling options from
// spec.md §6, decoded from the wire's loosely-typed map via mapstructure the
// same way envconfig/api already decode free-form option maps.
type SamplingParams struct {
	Temperature float32  `mapstructure:"temperature"`
	TopK        *uint32  `mapstructure:"top_k"`
	TopP        *float32 `mapstructure:"top_p"`
	MinP        *float32 `mapstructure:"min_p"`

	FreqPenalty     float32 `mapstructure:"frequency_penalty"`
	PresencePenalty float32 `mapstructure:"presence_penalty"`
	PenaltyWindow   uint32  `mapstructure:"penalty_window"`

	Dry *DryParams `mapstructure:"dry"`

	MaxNewTokens uint32 `mapstructure:"max_new_tokens"`
	MinNewTokens uint32 `mapstructure:"min_new_tokens"`

	StopStrings []string           `mapstructure:"stop"`
	StopTokens  map[int32]struct{} `mapstructure:"-"`

	Seed *uint64 `mapstructure:"seed"`

	LogitBias map[int32]float32 `mapstructure:"logit_bias"`

	ResponseFormat *ResponseFormat    `mapstructure:"response_format"`
	Speculative    *SpeculativeParams `mapstructure:"speculative"`
	ReturnLogprobs *LogprobsParams    `mapstructure:"return_logprobs"`
}

// DecodeSamplingParams decodes a request's loosely-typed option map — the
// shape a JSON request body unmarshals into, or a chat completion's
// "options" field — into a typed SamplingParams, weakly converting JSON's
// float64 numbers into the uint32/uint8 fields above. This is the same
// map[string]any-to-struct role mapstructure already plays for envconfig's
// environment parsing and api's runtime option decoding, extended here with
// a decode hook for ResponseFormat.Kind's string-to-enum conversion
// ("json"/"regex"/"grammar" -> ResponseFormatKind).
func DecodeSamplingParams(raw map[string]any) (SamplingParams, error) {
	out := DefaultSamplingParams()
	dec, err := mapstructure.NewDecoder(&mapstructure.DecoderConfig{
		WeaklyTypedInput: true,
		DecodeHook:       decodeResponseFormatKind,
		Result:           &out,
	})
	if err != nil {
		return SamplingParams{}, err
	}
	if err := dec.Decode(raw); err != nil {
		return SamplingParams{}, err
	}
	return out, nil
}

func decodeResponseFormatKind(from, to reflect.Type, data any) (any, error) {
	if to != reflect.TypeOf(ResponseFormatNone) {
		return data, nil
	}
	s, ok := data.(string)
	if !ok {
		return data, nil
	}
	switch s {
	case "json", "json_schema", "json_object":
		return ResponseFormatJSON, nil
	case "regex":
		return ResponseFormatRegex, nil
	case "grammar":
		return ResponseFormatGrammar, nil
	default:
		return ResponseFormatNone, nil
	}
}

// DefaultSamplingParams mirrors api.DefaultOptions' role of supplying sane
// zero-value-safe defaults.
func DefaultSamplingParams() SamplingParams {
	return SamplingParams{
		Temperature:   0.8,
		PenaltyWindow: 64,
		MaxNewTokens:  512,
	}
}

// Validate returns an AdmissionError-kind error for parameter combinations
// the engine cannot legally admit (spec.md §7, AdmissionError).
func (p SamplingParams) Validate() error {
	if p.Temperature < 0 {
		return NewError(ErrorKindAdmission, errTempNegative)
	}
	if p.TopP != nil && (*p.TopP <= 0 || *p.TopP > 1) {
		return NewError(ErrorKindAdmission, errTopPRange)
	}
	if p.MinP != nil && (*p.MinP < 0 || *p.MinP > 1) {
		return NewError(ErrorKindAdmission, errMinPRange)
	}
	if p.MinNewTokens > p.MaxNewTokens && p.MaxNewTokens != 0 {
		return NewError(ErrorKindAdmission, errMinGreaterThanMax)
	}
	return nil
}

var (
	errTempNegative      = fmtErr("temperature must be >= 0")
	errTopPRange         = fmtErr("top_p must be in (0, 1]")
	errMinPRange         = fmtErr("min_p must be in [0, 1]")
	errMinGreaterThanMax = fmtErr("min_new_tokens must not exceed max_new_tokens")
)

type simpleErr string

func (e simpleErr) Error() string { return string(e) }

func fmtErr(s string) error { return simpleErr(s) }

// StopParams are the admission-time-fixed stop conditions for a Sequence.
type StopParams struct {
	MaxNewTokens uint32
	MinNewTokens uint32
	StopStrings  []string
	StopTokens   map[int32]struct{}
	EOSOverride  *int32
	EOSSuppress  bool
}

// Request is immutable once accepted by the Engine.
type Request struct {
	ID     string
	Kind   RequestKind
	Model  string
	Tokens []int32

	SamplingParams SamplingParams
	StopParams     StopParams

	Tools          []byte
	LogitBias      map[int32]float32
	ResponseFormat *ResponseFormat

	Sink chan<- Chunk

	TruncatePolicy TruncatePolicy

	// CancelFlag is owned by the caller/protocol layer: flipping it to true
	// asks the engine to stop this sequence at its next step boundary. The
	// engine only ever reads it, once per step, so no cancellation registry
	// or extra lock is needed on the hot path.
	CancelFlag *bool
}

// TruncatePolicy selects what happens when a prompt exceeds max_model_len.
type TruncatePolicy int

const (
	TruncateReject TruncatePolicy = iota
	TruncateLeft
)

// NewRequestID generates a unique id for a Request lacking a caller-supplied
// one, the same role uuid.New plays for model digests in api/types.go.
func NewRequestID() string {
	return uuid.NewString()
}
