package advisory

import (
	"context"
	"os"
	"path/filepath"
	"testing"

	"github.com/ashureev/advisor/internal/capability"
	"github.com/ashureev/advisor/internal/domain"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func samplePortfolio() *domain.Portfolio {
	return &domain.Portfolio{
		Currency: "USD",
		Holdings: []domain.Holding{
			{Symbol: "VTI", AssetClass: "equity", Value: 6000},
			{Symbol: "BND", AssetClass: "bonds", Value: 3000},
			{Symbol: "CASH", AssetClass: "cash", Value: 1000},
		},
	}
}

func TestAllocation(t *testing.T) {
	lines := Allocation(samplePortfolio())
	require.Len(t, lines, 3)
	assert.Equal(t, AllocationLine{AssetClass: "stocks", Value: 6000, Weight: 60}, lines[0])
	assert.Equal(t, "bonds", lines[1].AssetClass)
	assert.Nil(t, Allocation(&domain.Portfolio{}))
}

func TestPortfolioUnit(t *testing.T) {
	res, err := PortfolioUnit{}.Process(context.Background(), capability.UnitRequest{Portfolio: samplePortfolio()})
	require.NoError(t, err)
	assert.Contains(t, res.Text, "USD 10000.00")
	assert.Contains(t, res.Text, "stocks 60.0%")
	assert.Equal(t, 3, res.Payload["holdings"])

	empty, err := PortfolioUnit{}.Process(context.Background(), capability.UnitRequest{})
	require.NoError(t, err)
	assert.Contains(t, empty.Text, "don't have any holdings")
}

func TestModelAllocation(t *testing.T) {
	tests := []struct {
		risk, period string
		want         Target
	}{
		{"conservative", "long", Target{Stocks: 40, Bonds: 45, Cash: 15}},
		{"moderate", "medium", Target{Stocks: 60, Bonds: 35, Cash: 5}},
		{"aggressive", "short", Target{Stocks: 65, Bonds: 13, Cash: 22}},
	}
	for _, tt := range tests {
		got, ok := ModelAllocation(tt.risk, tt.period)
		require.True(t, ok)
		assert.Equal(t, tt.want, got, "%s/%s", tt.risk, tt.period)
		assert.InDelta(t, 100, got.Stocks+got.Bonds+got.Cash, 1e-9)
	}
	_, ok := ModelAllocation("reckless", "long")
	assert.False(t, ok)
}

func TestRecommendationUnit(t *testing.T) {
	profile := domain.ProfileView{
		"risk_tolerance":     {Kind: domain.KindEnum, Text: "conservative"},
		"investment_period":  {Kind: domain.KindEnum, Text: "long"},
		"has_emergency_fund": {Kind: domain.KindBoolean, Bool: false},
	}
	res, err := RecommendationUnit{}.Process(context.Background(), capability.UnitRequest{
		Profile:   profile,
		Portfolio: samplePortfolio(),
	})
	require.NoError(t, err)
	assert.Contains(t, res.Text, "40% stocks")
	assert.Contains(t, res.Text, "overweight in stocks")
	assert.Contains(t, res.Text, "emergency fund")
	assert.Equal(t, Target{Stocks: 20, Bonds: -15, Cash: -5}, res.Payload["drift"])

	_, err = RecommendationUnit{}.Process(context.Background(), capability.UnitRequest{Profile: domain.ProfileView{}})
	assert.Error(t, err)
}

func TestFileSource(t *testing.T) {
	path := filepath.Join(t.TempDir(), "portfolios.yaml")
	doc := `default:
  currency: EUR
  holdings:
    - {symbol: IWDA, asset_class: equity, value: 100}
users:
  alice:
    holdings:
      - {symbol: AGG, asset_class: bonds, value: 50}
`
	require.NoError(t, os.WriteFile(path, []byte(doc), 0o600))

	src, err := LoadFileSource(path)
	require.NoError(t, err)

	alice, err := src.Portfolio(context.Background(), "alice")
	require.NoError(t, err)
	assert.Equal(t, "USD", alice.Currency)
	assert.Equal(t, "AGG", alice.Holdings[0].Symbol)

	bob, err := src.Portfolio(context.Background(), "bob")
	require.NoError(t, err)
	assert.Equal(t, "EUR", bob.Currency)

	bob.Holdings[0].Value = 0
	again, _ := src.Portfolio(context.Background(), "bob")
	assert.Equal(t, float64(100), again.Holdings[0].Value)

	none, err := EmptySource{}.Portfolio(context.Background(), "x")
	assert.NoError(t, err)
	assert.Nil(t, none)
}
