package ledger

import (
	"fmt"
	"math"
	"os"
	"sort"
	"strings"

	"gopkg.in/yaml.v3"
)

// RateTable maps model-id prefixes to a credits-per-token rate. The
// external ledger applies the same table server-side; the local copy is
// used for estimates, caps, and settlement sanity checks.
type RateTable struct {
	rules       []rateRule
	defaultRate float64
}

type rateRule struct {
	Prefix          string  `yaml:"prefix"`
	CreditsPerToken float64 `yaml:"credits_per_token"`
}

type ratesFile struct {
	Default float64    `yaml:"default"`
	Models  []rateRule `yaml:"models"`
}

// DefaultRateTable charges one credit per token for every model.
func DefaultRateTable() *RateTable {
	return &RateTable{defaultRate: 1.0}
}

// LoadRateTable reads a YAML rate file:
//
//	default: 1.0
//	models:
//	  - prefix: anthropic.
//	    credits_per_token: 2.0
func LoadRateTable(path string) (*RateTable, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("ledger: read rates: %w", err)
	}
	return ParseRateTable(data)
}

// ParseRateTable parses YAML rate rules.
func ParseRateTable(data []byte) (*RateTable, error) {
	var f ratesFile
	if err := yaml.Unmarshal(data, &f); err != nil {
		return nil, fmt.Errorf("ledger: parse rates: %w", err)
	}
	t := &RateTable{defaultRate: f.Default}
	if t.defaultRate <= 0 {
		t.defaultRate = 1.0
	}
	for _, r := range f.Models {
		prefix := strings.ToLower(strings.TrimSpace(r.Prefix))
		if prefix == "" {
			return nil, fmt.Errorf("ledger: rate rule with empty prefix")
		}
		if r.CreditsPerToken <= 0 {
			return nil, fmt.Errorf("ledger: rate rule %q must be positive", prefix)
		}
		t.rules = append(t.rules, rateRule{Prefix: prefix, CreditsPerToken: r.CreditsPerToken})
	}
	sort.SliceStable(t.rules, func(i, j int) bool {
		return len(t.rules[i].Prefix) > len(t.rules[j].Prefix)
	})
	return t, nil
}

// Rate returns the credits-per-token rate for a model.
func (t *RateTable) Rate(modelID string) float64 {
	model := strings.ToLower(strings.TrimSpace(modelID))
	for _, r := range t.rules {
		if strings.HasPrefix(model, r.Prefix) {
			return r.CreditsPerToken
		}
	}
	return t.defaultRate
}

// Allocate computes the credits held for an estimate:
// ceil(estimatedTokens x rate).
func (t *RateTable) Allocate(modelID string, estimatedTokens int64) int64 {
	if estimatedTokens <= 0 {
		return 0
	}
	return int64(math.Ceil(float64(estimatedTokens) * t.Rate(modelID)))
}

// Cost computes the credits charged for tokens actually produced, using
// the same ceil rule as Allocate so refund = allocated - cost is never
// negative when tokens <= estimate.
func (t *RateTable) Cost(modelID string, tokens int64) int64 {
	if tokens <= 0 {
		return 0
	}
	return int64(math.Ceil(float64(tokens) * t.Rate(modelID)))
}
