package advisory

import (
	"context"
	"fmt"
	"math"
	"strings"

	"github.com/ashureev/advisor/internal/capability"
	"github.com/ashureev/advisor/internal/domain"
)

// RequiredSlots are the profile slots a recommendation cannot be made without.
var RequiredSlots = []string{"risk_tolerance", "investment_period"}

// Target is a model allocation in percent.
type Target struct {
	Stocks float64 `json:"stocks"`
	Bonds  float64 `json:"bonds"`
	Cash   float64 `json:"cash"`
}

var baseTargets = map[string]Target{
	"conservative": {Stocks: 30, Bonds: 55, Cash: 15},
	"moderate":     {Stocks: 60, Bonds: 35, Cash: 5},
	"aggressive":   {Stocks: 85, Bonds: 13, Cash: 2},
}

// ModelAllocation returns the target mix for a risk tolerance and horizon.
// Short horizons move 20 points from stocks into cash; long horizons move up
// to 10 points from bonds into stocks.
func ModelAllocation(risk, period string) (Target, bool) {
	t, ok := baseTargets[risk]
	if !ok {
		return Target{}, false
	}
	switch period {
	case "short":
		shift := min(20, t.Stocks)
		t.Stocks -= shift
		t.Cash += shift
	case "long":
		shift := min(10, t.Bonds)
		t.Bonds -= shift
		t.Stocks += shift
	}
	return t, true
}

// RecommendationUnit proposes a model allocation from the validated profile
// and compares it with the current portfolio.
type RecommendationUnit struct{}

var _ capability.Unit = RecommendationUnit{}

// Process builds the recommendation. It fails when the profile lacks the risk
// or horizon slots; the router starts profiling before calling it.
func (RecommendationUnit) Process(_ context.Context, req capability.UnitRequest) (*capability.UnitResult, error) {
	risk := req.Profile.Text("risk_tolerance")
	period := req.Profile.Text("investment_period")
	target, ok := ModelAllocation(risk, period)
	if !ok {
		return nil, fmt.Errorf("recommendation needs %s", strings.Join(RequiredSlots, " and "))
	}

	var b strings.Builder
	fmt.Fprintf(&b, "For a %s investor with a %s-term horizon I'd aim for roughly %.0f%% stocks, %.0f%% bonds and %.0f%% cash.",
		risk, period, target.Stocks, target.Bonds, target.Cash)

	payload := map[string]any{"target": target}

	if current := currentMix(req.Portfolio); current != nil {
		drift := Target{
			Stocks: round1(current.Stocks - target.Stocks),
			Bonds:  round1(current.Bonds - target.Bonds),
			Cash:   round1(current.Cash - target.Cash),
		}
		payload["current"] = current
		payload["drift"] = drift
		if d := largestDrift(drift); d != "" {
			b.WriteString(" " + d)
		} else {
			b.WriteString(" Your current mix is already close to that.")
		}
	}

	if v, ok := req.Profile.Get("has_emergency_fund"); ok && !v.Bool {
		b.WriteString(" Before investing more, build an emergency fund of three to six months of expenses.")
		payload["emergency_fund_first"] = true
	}

	return &capability.UnitResult{Text: b.String(), Payload: payload}, nil
}

func currentMix(p *domain.Portfolio) *Target {
	if p == nil || p.Total() <= 0 {
		return nil
	}
	var t Target
	for _, l := range Allocation(p) {
		switch l.AssetClass {
		case "stocks":
			t.Stocks += l.Weight
		case "bonds":
			t.Bonds += l.Weight
		case "cash":
			t.Cash += l.Weight
		}
	}
	return &t
}

// largestDrift describes the biggest deviation of at least 5 points.
func largestDrift(d Target) string {
	name, worst := "", 0.0
	for _, c := range []struct {
		name string
		v    float64
	}{{"stocks", d.Stocks}, {"bonds", d.Bonds}, {"cash", d.Cash}} {
		if math.Abs(c.v) > math.Abs(worst) {
			name, worst = c.name, c.v
		}
	}
	if math.Abs(worst) < 5 {
		return ""
	}
	if worst > 0 {
		return fmt.Sprintf("You're about %.0f points overweight in %s.", worst, name)
	}
	return fmt.Sprintf("You're about %.0f points underweight in %s.", -worst, name)
}

// Units returns the builtin units keyed by the intent they serve.
func Units() map[domain.Intent]capability.Unit {
	return map[domain.Intent]capability.Unit{
		domain.IntentPortfolioQuery: PortfolioUnit{},
		domain.IntentRecommendation: RecommendationUnit{},
	}
}
