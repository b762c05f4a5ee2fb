package ai

import (
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type testShare struct {
	Value      string `json:"value"`
	Percentage int    `json:"percentage"`
}

type testEstimate struct {
	Values []testShare `json:"values"`
}

func TestParse_DirectJSON(t *testing.T) {
	result := Parse[testEstimate](`{"values": [{"value": "Daily", "percentage": 100}]}`, "")
	require.True(t, result.Success, result.Error)
	assert.Equal(t, []testShare{{"Daily", 100}}, result.Data.Values)
}

func TestParse_EmptyInput(t *testing.T) {
	result := Parse[testEstimate]("   ", "")
	assert.False(t, result.Success)
	assert.Equal(t, "empty input", result.Error)
}

func TestParse_Tolerance(t *testing.T) {
	tests := []struct {
		name  string
		input string
	}{
		{"json fence", "```json\n{\"values\": [{\"value\": \"a\", \"percentage\": 60}]}\n```"},
		{"bare fence", "```{\"values\": [{\"value\": \"a\", \"percentage\": 60}]}```"},
		{"trailing comma", `{"values": [{"value": "a", "percentage": 60},],}`},
		{"unquoted keys", `{values: [{value: "a", percentage: 60}]}`},
		{"line comment", "{\n// estimate\n\"values\": [{\"value\": \"a\", \"percentage\": 60}]\n}"},
		{"block comment", `{/* estimate */ "values": [{"value": "a", "percentage": 60}]}`},
		{"mixed content", "Here is the estimate:\n{\"values\": [{\"value\": \"a\", \"percentage\": 60}]}\nHope that helps."},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			result := Parse[testEstimate](tt.input, "estimate")
			require.True(t, result.Success, result.Error)
			require.Len(t, result.Data.Values, 1)
			assert.Equal(t, testShare{"a", 60}, result.Data.Values[0])
		})
	}
}

func TestParse_KeepsURLsInValues(t *testing.T) {
	result := Parse[map[string]string](`{"source": "https://example.org/paper"}`, "")
	require.True(t, result.Success, result.Error)
	assert.Equal(t, "https://example.org/paper", result.Data["source"])
}

func TestParse_ArrayOfObjects(t *testing.T) {
	result := Parse[[]testShare](`[{"value": "a", "percentage": 50}, {"value": "b", "percentage": 50}]`, "")
	require.True(t, result.Success, result.Error)
	assert.Len(t, result.Data, 2)
}

func TestParse_Failure(t *testing.T) {
	result := Parse[testEstimate]("I cannot estimate this.", "estimate")
	assert.False(t, result.Success)
	assert.True(t, strings.HasPrefix(result.Error, "estimate: all JSON parsing strategies failed"))
	assert.Equal(t, "I cannot estimate this.", result.OriginalText)
}

func TestParse_SizeLimit(t *testing.T) {
	result := Parse[testEstimate](strings.Repeat("x", maxParseInput+1), "")
	assert.False(t, result.Success)
	assert.Contains(t, result.Error, "size limit")
}
