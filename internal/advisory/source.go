package advisory

import (
	"context"
	"fmt"
	"os"
	"slices"

	"github.com/ashureev/advisor/internal/capability"
	"github.com/ashureev/advisor/internal/domain"
	"gopkg.in/yaml.v3"
)

// EmptySource reports no holdings for every user.
type EmptySource struct{}

var _ capability.PortfolioSource = EmptySource{}

// Portfolio returns nil.
func (EmptySource) Portfolio(context.Context, string) (*domain.Portfolio, error) {
	return nil, nil
}

// FileSource serves portfolios from a YAML (or JSON) fixture:
//
//	default:
//	  currency: USD
//	  holdings: [...]
//	users:
//	  alice:
//	    holdings: [...]
type FileSource struct {
	Default *domain.Portfolio            `yaml:"default"`
	Users   map[string]*domain.Portfolio `yaml:"users"`
}

var _ capability.PortfolioSource = (*FileSource)(nil)

// LoadFileSource reads a portfolio fixture.
func LoadFileSource(path string) (*FileSource, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("read portfolio file: %w", err)
	}
	var src FileSource
	if err := yaml.Unmarshal(data, &src); err != nil {
		return nil, fmt.Errorf("decode portfolio file: %w", err)
	}
	for id, p := range src.Users {
		if p == nil {
			return nil, fmt.Errorf("decode portfolio file: user %q has no portfolio", id)
		}
	}
	return &src, nil
}

// Portfolio returns a copy of the user's portfolio, falling back to the default.
func (s *FileSource) Portfolio(_ context.Context, userID string) (*domain.Portfolio, error) {
	p, ok := s.Users[userID]
	if !ok {
		p = s.Default
	}
	if p == nil {
		return nil, nil
	}
	c := *p
	c.Holdings = slices.Clone(p.Holdings)
	if c.Currency == "" {
		c.Currency = "USD"
	}
	return &c, nil
}
