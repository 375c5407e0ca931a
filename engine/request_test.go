package engine

import (
	"testing"

	"github.com/stretchr/testify/require"
)

func TestDecodeSamplingParamsConvertsWireTypes(t *testing.T) {
	raw := map[string]any{
		"temperature": 0.5,
		"top_k":       float64(40), // JSON numbers decode to float64
		"seed":        float64(7),
		"stop":        []any{"###"},
		"response_format": map[string]any{
			"type": "json_schema",
			"spec": `{"type":"object"}`,
		},
		"dry": map[string]any{
			"multiplier":     1.5,
			"allowed_length": float64(2),
		},
		"speculative": map[string]any{
			"draft_pipeline_id": "small",
			"k":                 float64(4),
		},
	}

	params, err := DecodeSamplingParams(raw)
	require.NoError(t, err)
	require.Equal(t, float32(0.5), params.Temperature)
	require.NotNil(t, params.TopK)
	require.Equal(t, uint32(40), *params.TopK)
	require.NotNil(t, params.Seed)
	require.Equal(t, uint64(7), *params.Seed)
	require.Equal(t, []string{"###"}, params.StopStrings)

	require.NotNil(t, params.ResponseFormat)
	require.Equal(t, ResponseFormatJSON, params.ResponseFormat.Kind)
	require.Equal(t, `{"type":"object"}`, params.ResponseFormat.Spec)

	require.NotNil(t, params.Dry)
	require.Equal(t, float32(1.5), params.Dry.Multiplier)
	require.Equal(t, uint32(2), params.Dry.AllowedLength)

	require.NotNil(t, params.Speculative)
	require.Equal(t, "small", params.Speculative.DraftPipelineID)
	require.Equal(t, uint32(4), params.Speculative.K)
}

func TestDecodeSamplingParamsDefaultsUnsetFields(t *testing.T) {
	params, err := DecodeSamplingParams(map[string]any{})
	require.NoError(t, err)
	require.Equal(t, DefaultSamplingParams(), params)
}
