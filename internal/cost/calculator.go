// Package cost prices AI calls from a (provider, model) rate table.
package cost

import (
	"os"

	"github.com/rotisserie/eris"
	"gopkg.in/yaml.v3"

	"github.com/sells-group/studyforge/internal/model"
)

// Rates maps provider → model → per-million-token pricing.
type Rates map[model.Provider]map[string]ModelRate

// ModelRate holds per-model token pricing (USD per million tokens).
type ModelRate struct {
	Input  float64 `yaml:"input" mapstructure:"input"`
	Output float64 `yaml:"output" mapstructure:"output"`
}

// Calculator computes costs for API usage.
type Calculator struct {
	rates Rates
}

// NewCalculator creates a Calculator with the given rates.
func NewCalculator(rates Rates) *Calculator {
	return &Calculator{rates: rates}
}

// Rate returns the rate for a (provider, model) pair.
func (c *Calculator) Rate(provider model.Provider, modelID string) (ModelRate, bool) {
	byModel, ok := c.rates[provider]
	if !ok {
		return ModelRate{}, false
	}
	rate, ok := byModel[modelID]
	return rate, ok
}

// Cost prices one call. It returns nil for an unknown (provider, model)
// pair; callers record the nil rather than a guessed number.
func (c *Calculator) Cost(provider model.Provider, modelID string, input, output int64) *float64 {
	rate, ok := c.Rate(provider, modelID)
	if !ok {
		return nil
	}
	v := (float64(input)/1e6)*rate.Input + (float64(output)/1e6)*rate.Output
	return &v
}

// Merge overlays o on top of r and returns the result.
func (r Rates) Merge(o Rates) Rates {
	out := make(Rates, len(r)+len(o))
	for _, src := range []Rates{r, o} {
		for p, models := range src {
			if out[p] == nil {
				out[p] = make(map[string]ModelRate, len(models))
			}
			for m, rate := range models {
				out[p][m] = rate
			}
		}
	}
	return out
}

// LoadRatesFile reads a YAML pricing file of the form
//
//	anthropic:
//	  claude-sonnet-4-5-20250929: {input: 3.0, output: 15.0}
//	openai:
//	  gpt-4o: {input: 2.5, output: 10.0}
//
// Unknown provider keys are rejected so a typo cannot silently unprice a
// provider.
func LoadRatesFile(path string) (Rates, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, eris.Wrapf(err, "cost: read pricing file %s", path)
	}
	var raw map[string]map[string]ModelRate
	if err := yaml.Unmarshal(data, &raw); err != nil {
		return nil, eris.Wrapf(err, "cost: parse pricing file %s", path)
	}
	out := make(Rates, len(raw))
	for p, models := range raw {
		provider := model.Provider(p)
		if !provider.Valid() {
			return nil, eris.Errorf("cost: pricing file %s: unknown provider %q", path, p)
		}
		out[provider] = models
	}
	return out, nil
}

// DefaultRates returns the built-in pricing rates.
func DefaultRates() Rates {
	return Rates{
		model.ProviderAnthropic: {
			"claude-haiku-4-5-20251001":  {Input: 1.00, Output: 5.00},
			"claude-sonnet-4-5-20250929": {Input: 3.00, Output: 15.00},
			"claude-opus-4-6":            {Input: 15.00, Output: 75.00},
		},
		model.ProviderOpenAI: {
			"gpt-4o":                 {Input: 2.50, Output: 10.00},
			"gpt-4o-mini":            {Input: 0.15, Output: 0.60},
			"text-embedding-3-small": {Input: 0.02, Output: 0},
		},
	}
}
