// Package advisory contains the builtin processing units and portfolio
// sources. Units only read the profile view and the portfolio they are given.
package advisory

import (
	"cmp"
	"context"
	"fmt"
	"math"
	"slices"
	"strings"

	"github.com/ashureev/advisor/internal/capability"
	"github.com/ashureev/advisor/internal/domain"
)

// AllocationLine is one asset class share of a portfolio.
type AllocationLine struct {
	AssetClass string  `json:"asset_class"`
	Value      float64 `json:"value"`
	Weight     float64 `json:"weight"`
}

// Allocation groups holdings by asset class, largest first. Weights are
// percentages rounded to one decimal.
func Allocation(p *domain.Portfolio) []AllocationLine {
	total := p.Total()
	if total <= 0 {
		return nil
	}
	byClass := map[string]float64{}
	for _, h := range p.Holdings {
		byClass[normalizeClass(h.AssetClass)] += h.Value
	}
	lines := make([]AllocationLine, 0, len(byClass))
	for class, v := range byClass {
		lines = append(lines, AllocationLine{AssetClass: class, Value: v, Weight: round1(100 * v / total)})
	}
	slices.SortFunc(lines, func(a, b AllocationLine) int {
		if c := cmp.Compare(b.Value, a.Value); c != 0 {
			return c
		}
		return strings.Compare(a.AssetClass, b.AssetClass)
	})
	return lines
}

// PortfolioUnit answers questions about the user's current holdings.
type PortfolioUnit struct{}

var _ capability.Unit = PortfolioUnit{}

// Process summarizes the portfolio by asset class.
func (PortfolioUnit) Process(_ context.Context, req capability.UnitRequest) (*capability.UnitResult, error) {
	p := req.Portfolio
	if p == nil || len(p.Holdings) == 0 {
		return &capability.UnitResult{
			Text:    "I don't have any holdings on file for you yet.",
			Payload: map[string]any{"holdings": 0},
		}, nil
	}

	lines := Allocation(p)
	parts := make([]string, 0, len(lines))
	for _, l := range lines {
		parts = append(parts, fmt.Sprintf("%s %.1f%%", l.AssetClass, l.Weight))
	}
	text := fmt.Sprintf("Your portfolio is worth %s across %d holdings: %s.",
		money(p.Total(), p.Currency), len(p.Holdings), strings.Join(parts, ", "))

	return &capability.UnitResult{
		Text: text,
		Payload: map[string]any{
			"currency":   p.Currency,
			"total":      p.Total(),
			"holdings":   len(p.Holdings),
			"allocation": lines,
		},
	}, nil
}

func normalizeClass(class string) string {
	switch c := strings.ToLower(strings.TrimSpace(class)); c {
	case "equity", "equities", "stock", "stocks", "etf":
		return "stocks"
	case "bond", "bonds", "fixed income", "fixed_income":
		return "bonds"
	case "cash", "money market", "savings":
		return "cash"
	case "":
		return "other"
	default:
		return c
	}
}

func round1(f float64) float64 {
	return math.Round(f*10) / 10
}

func money(v float64, currency string) string {
	if currency == "" {
		currency = "USD"
	}
	return fmt.Sprintf("%s %.2f", currency, v)
}
