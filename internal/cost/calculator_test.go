package cost

import (
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/sells-group/studyforge/internal/model"
)

func testRates() Rates {
	return Rates{
		model.ProviderAnthropic: {
			"haiku":  {Input: 0.80, Output: 4.00},
			"sonnet": {Input: 3.00, Output: 15.00},
		},
		model.ProviderOpenAI: {
			"gpt-4o": {Input: 2.50, Output: 10.00},
		},
	}
}

func TestCost(t *testing.T) {
	t.Parallel()
	calc := NewCalculator(testRates())

	tests := []struct {
		name     string
		provider model.Provider
		model    string
		input    int64
		output   int64
		want     *float64
	}{
		{"haiku simple", model.ProviderAnthropic, "haiku", 1_000_000, 100_000, ptr(0.80 + 0.40)},
		{"sonnet", model.ProviderAnthropic, "sonnet", 500_000, 50_000, ptr(1.50 + 0.75)},
		{"openai", model.ProviderOpenAI, "gpt-4o", 2_000_000, 0, ptr(5.00)},
		{"zero tokens", model.ProviderAnthropic, "haiku", 0, 0, ptr(0)},
		{"unknown model", model.ProviderAnthropic, "gpt-4o", 1000, 1000, nil},
		{"unknown provider", model.Provider("mistral"), "haiku", 1000, 1000, nil},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			t.Parallel()
			got := calc.Cost(tt.provider, tt.model, tt.input, tt.output)
			if tt.want == nil {
				assert.Nil(t, got)
				return
			}
			require.NotNil(t, got)
			assert.InDelta(t, *tt.want, *got, 1e-9)
		})
	}
}

func TestRatesMerge(t *testing.T) {
	t.Parallel()

	merged := testRates().Merge(Rates{
		model.ProviderAnthropic: {"haiku": {Input: 1.0, Output: 5.0}},
	})
	rate, ok := NewCalculator(merged).Rate(model.ProviderAnthropic, "haiku")
	require.True(t, ok)
	assert.Equal(t, 1.0, rate.Input)

	_, ok = NewCalculator(merged).Rate(model.ProviderAnthropic, "sonnet")
	assert.True(t, ok, "merge keeps untouched models")
}

func TestLoadRatesFile(t *testing.T) {
	t.Parallel()

	path := filepath.Join(t.TempDir(), "pricing.yaml")
	require.NoError(t, os.WriteFile(path, []byte(`
anthropic:
  claude-sonnet-4-5-20250929: {input: 3.0, output: 15.0}
openai:
  gpt-4o-mini:
    input: 0.15
    output: 0.6
`), 0o600))

	rates, err := LoadRatesFile(path)
	require.NoError(t, err)
	assert.Equal(t, 15.0, rates[model.ProviderAnthropic]["claude-sonnet-4-5-20250929"].Output)
	assert.Equal(t, 0.6, rates[model.ProviderOpenAI]["gpt-4o-mini"].Output)
}

func TestLoadRatesFile_UnknownProvider(t *testing.T) {
	t.Parallel()

	path := filepath.Join(t.TempDir(), "pricing.yaml")
	require.NoError(t, os.WriteFile(path, []byte("mistral:\n  large: {input: 1, output: 2}\n"), 0o600))

	_, err := LoadRatesFile(path)
	require.Error(t, err)
	assert.Contains(t, err.Error(), "unknown provider")
}

func TestDefaultRates_CoverDefaultModels(t *testing.T) {
	t.Parallel()

	calc := NewCalculator(DefaultRates())
	assert.NotNil(t, calc.Cost(model.ProviderAnthropic, "claude-sonnet-4-5-20250929", 1, 1))
	assert.NotNil(t, calc.Cost(model.ProviderOpenAI, "gpt-4o", 1, 1))
}

func ptr(v float64) *float64 { return &v }
