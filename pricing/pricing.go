// Package pricing maps (model, parameters) to an integer cost in stars.
// Estimation is pure and total: it never does I/O and never panics for user
// input; unknown models price to zero with ErrUnknownModel.
package pricing

import (
	_ "embed"
	"errors"
	"fmt"
	"strconv"
	"strings"

	"gopkg.in/yaml.v3"
)

//go:embed models.yaml
var rawTables []byte

// ErrUnknownModel signals that no pricing table exists for the model id.
// Callers get a zero-cost Quote alongside it and decide how to degrade.
var ErrUnknownModel = errors.New("pricing: unknown model")

type modelTable struct {
	ID             string           `yaml:"id"`
	TierBy         string           `yaml:"tier_by"`
	DefaultTier    string           `yaml:"default_tier"`
	BundledOutputs int              `yaml:"bundled_outputs"`
	Tiers          map[string]int64 `yaml:"tiers"`
}

type tableFile struct {
	Models []modelTable `yaml:"models"`
}

var tables map[string]modelTable

func init() {
	var f tableFile
	if err := yaml.Unmarshal(rawTables, &f); err != nil {
		panic(fmt.Sprintf("pricing: bad embedded tables: %v", err))
	}
	tables = make(map[string]modelTable, len(f.Models))
	for _, m := range f.Models {
		tables[m.ID] = m
	}
}

// Params are the priceable knobs of a request.
type Params struct {
	Resolution  string
	Quality     string
	DurationSec int
	Variants    int
}

// Quote is a priced SKU: the resolved tier and its integer star cost.
// BundleSize is how many outputs one charge buys, or 0 when the model prices
// per output; the UI uses it to caption bundled results.
type Quote struct {
	SKU        string
	UnitCost   int64
	TotalCost  int64
	BundleSize int
}

// Estimate resolves the pricing tier for a model and returns the total cost
// for the requested variant count. Bundled models charge one unit regardless
// of variants (one charge covers the whole bundle). Unknown models return a
// zero Quote and ErrUnknownModel.
func Estimate(modelID string, p Params) (Quote, error) {
	t, ok := tables[strings.TrimSpace(modelID)]
	if !ok {
		return Quote{}, fmt.Errorf("%w: %q", ErrUnknownModel, modelID)
	}

	tier := resolveTier(t, p)
	unit := t.Tiers[tier]

	variants := p.Variants
	if variants < 1 {
		variants = 1
	}
	total := unit * int64(variants)
	if t.BundledOutputs > 0 {
		total = unit
	}

	return Quote{
		SKU:        t.ID + ":" + tier,
		UnitCost:   unit,
		TotalCost:  total,
		BundleSize: t.BundledOutputs,
	}, nil
}

func resolveTier(t modelTable, p Params) string {
	var want string
	switch t.TierBy {
	case "quality":
		want = strings.TrimSpace(p.Quality)
	case "duration":
		if p.DurationSec > 0 {
			want = strconv.Itoa(p.DurationSec)
		}
	default: // resolution
		want = normalizeResolution(p.Resolution)
	}
	if want == "" {
		return t.DefaultTier
	}
	if _, ok := t.Tiers[want]; ok {
		return want
	}
	if near, ok := nearestTier(t.Tiers, want); ok {
		return near
	}
	return t.DefaultTier
}

// normalizeResolution reduces "1024x1024" style strings to their leading edge
// so they match tier keys.
func normalizeResolution(res string) string {
	res = strings.TrimSpace(res)
	if i := strings.IndexAny(res, "xX*"); i > 0 {
		res = res[:i]
	}
	return res
}

// nearestTier picks the numerically closest tier key when the requested one
// does not exist. Non-numeric requests fall through to the default tier.
func nearestTier(tiers map[string]int64, want string) (string, bool) {
	wantN, err := strconv.Atoi(want)
	if err != nil {
		return "", false
	}
	best := ""
	bestDiff := 0
	for k := range tiers {
		n, err := strconv.Atoi(k)
		if err != nil {
			continue
		}
		diff := n - wantN
		if diff < 0 {
			diff = -diff
		}
		if best == "" || diff < bestDiff {
			best, bestDiff = k, diff
		}
	}
	return best, best != ""
}
