package validator

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/jordigilh/imageeditagent/pkg/domain"
)

func TestParseValidationResponseRoundTripsScoreShapes(t *testing.T) {
	tests := []struct {
		name      string
		raw       string
		wantScore float64
		wantPass  bool
	}{
		{
			name:      "plain json integer score",
			raw:       `{"pass_fail": "PASS", "score": 9, "issues": []}`,
			wantScore: 9,
			wantPass:  true,
		},
		{
			name:      "plain json float score",
			raw:       `{"pass_fail": "PASS", "score": 9.5, "issues": []}`,
			wantScore: 9.5,
			wantPass:  true,
		},
		{
			name:      "fraction string score",
			raw:       `{"pass_fail": "PASS", "score": "10/10", "issues": []}`,
			wantScore: 10,
			wantPass:  true,
		},
		{
			name:      "markdown code fence wrapping",
			raw:       "```json\n{\"pass_fail\": \"FAIL\", \"score\": 4, \"issues\": [\"wrong color\"]}\n```",
			wantScore: 4,
			wantPass:  false,
		},
		{
			name:      "verdict disagrees with score, score wins",
			raw:       `{"pass_fail": "PASS", "score": 3, "issues": ["bad"]}`,
			wantScore: 3,
			wantPass:  false,
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			result, err := parseValidationResponse(tt.raw, 8)
			require.NoError(t, err)
			assert.Equal(t, tt.wantScore, result.Score)
			assert.Equal(t, tt.wantPass, result.Passed)
		})
	}
}

func TestParseValidationResponseNonJSONFallsBackToScoreRegex(t *testing.T) {
	result, err := parseValidationResponse(`the model said "score": 7 out of 10, looks good`, 8)
	require.NoError(t, err)
	assert.Equal(t, float64(7), result.Score)
	assert.False(t, result.Passed)
	assert.Contains(t, result.Issues, "validation response was not valid JSON")
}

func TestParseValidationResponseUnparsableReturnsErrorStatusNotGoError(t *testing.T) {
	result, err := parseValidationResponse("not json and no score anywhere in sight", 8)
	require.NoError(t, err, "a content-parse failure must never propagate as a Go error")
	assert.Equal(t, domain.ValidationStatusError, result.Status)
	assert.False(t, result.Passed)
	assert.Zero(t, result.Score)
	assert.NotEmpty(t, result.Issues)
}

func TestParseValidationResponseBadScoreTypeReturnsErrorStatusNotGoError(t *testing.T) {
	result, err := parseValidationResponse(`{"pass_fail": "PASS", "score": {}, "issues": []}`, 8)
	require.NoError(t, err)
	assert.Equal(t, domain.ValidationStatusError, result.Status)
	assert.False(t, result.Passed)
	assert.Zero(t, result.Score)
}

func TestNormalizeScore(t *testing.T) {
	tests := []struct {
		name    string
		raw     interface{}
		want    float64
		wantErr bool
	}{
		{"float", 7.5, 7.5, false},
		{"fraction string", "8/10", 8, false},
		{"plain number string", "6", 6, false},
		{"clamps above ten", 15.0, 10, false},
		{"clamps below zero", -2.0, 0, false},
		{"nil treated as zero", nil, 0, false},
		{"unparseable string", "not a number", 0, true},
		{"unsupported type", []int{1}, 0, true},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			got, err := normalizeScore(tt.raw)
			if tt.wantErr {
				assert.Error(t, err)
				return
			}
			require.NoError(t, err)
			assert.Equal(t, tt.want, got)
		})
	}
}

func TestDefaultRubricIncludesFontsGuideToken(t *testing.T) {
	assert.Contains(t, defaultRubric(domain.TaskTypeEdit), "{fonts_guide}")
	assert.Contains(t, defaultRubric(domain.TaskTypeCreative), "{fonts_guide}")
}
