package domain

// Holding is one position in an externally supplied portfolio.
type Holding struct {
	Symbol     string  `json:"symbol" yaml:"symbol"`
	Name       string  `json:"name,omitempty" yaml:"name"`
	AssetClass string  `json:"asset_class" yaml:"asset_class"`
	Value      float64 `json:"value" yaml:"value"`
}

// Portfolio is read-only input for processing units. The core never mutates it.
type Portfolio struct {
	Currency string    `json:"currency" yaml:"currency"`
	Holdings []Holding `json:"holdings" yaml:"holdings"`
}

// Total returns the summed value of all holdings.
func (p *Portfolio) Total() float64 {
	if p == nil {
		return 0
	}
	var total float64
	for _, h := range p.Holdings {
		total += h.Value
	}
	return total
}
