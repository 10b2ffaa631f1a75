// Package rules provides the offline, deterministic capability provider:
// a keyword-weighted intent classifier, a schema-driven extractor and template
// questions. It needs no network and is the default provider.
package rules

import (
	"context"
	"regexp"
	"strings"

	"github.com/ashureev/advisor/internal/capability"
	"github.com/ashureev/advisor/internal/domain"
	"github.com/ashureev/advisor/internal/schema"
)

// minScore is the weighted score a category needs before it is reported.
const minScore = 2

// Classifier scores each intent by weighted keywords. Profile statements are
// additionally detected by running the extractor against the schema.
type Classifier struct {
	extractor *Extractor

	portfolioKeywords      map[string]int
	recommendationKeywords map[string]int
	profileKeywords        map[string]int
	questionPattern        *regexp.Regexp
}

var _ capability.Classifier = (*Classifier)(nil)

// NewClassifier creates a classifier for the given schema.
func NewClassifier(s *schema.Schema) *Classifier {
	return &Classifier{
		extractor: NewExtractor(s),
		// Core keywords weigh 2, supporting keywords 1.
		portfolioKeywords: map[string]int{
			"portfolio": 2, "holdings": 2, "my investments": 2, "allocation": 2, "positions": 2,
			"worth": 1, "balance": 1, "performance": 1, "doing": 1, "stocks": 1, "bonds": 1,
			"how much": 1, "breakdown": 1,
		},
		recommendationKeywords: map[string]int{
			"recommend": 3, "recommendation": 3, "suggest": 2, "advice": 2, "advise": 2,
			"should i": 2, "what should": 2, "rebalance": 2, "where to invest": 3,
			"best": 1, "plan": 1, "strategy": 1,
		},
		profileKeywords: map[string]int{
			"my profile": 3, "update my": 2, "change my": 2, "i'm": 1, "i am": 1,
			"risk": 1, "retire": 1, "income": 1, "salary": 1, "experience": 1,
		},
		questionPattern: regexp.MustCompile(`\?\s*$|^(how|what|which|where|when|can|could|should|is|are|do|does)\b`),
	}
}

// Classify returns the best scoring intent, or unrecognized with zero
// confidence when no category reaches the minimum score.
func (c *Classifier) Classify(ctx context.Context, req capability.ClassifyRequest) (capability.Classification, error) {
	lower := strings.ToLower(strings.TrimSpace(req.Text))
	if lower == "" {
		return capability.Classification{Intent: domain.IntentUnrecognized}, nil
	}

	portfolio := score(lower, c.portfolioKeywords)
	recommendation := score(lower, c.recommendationKeywords)
	profile := score(lower, c.profileKeywords)

	// Each slot the extractor can fill is strong evidence of a profile statement.
	res, err := c.extractor.Extract(ctx, capability.ExtractRequest{
		Text:    req.Text,
		Targets: c.extractor.schema.Descriptors(c.extractor.schema.Names()),
	})
	if err != nil {
		return capability.Classification{}, err
	}
	profile += 2 * len(res.Candidates)

	if c.questionPattern.MatchString(lower) {
		portfolio++
		recommendation++
	}

	best, bestScore := domain.IntentUnrecognized, 0
	// Ties resolve in this order: recommendation, portfolio, profile.
	for _, cand := range []struct {
		intent domain.Intent
		score  int
	}{
		{domain.IntentRecommendation, recommendation},
		{domain.IntentPortfolioQuery, portfolio},
		{domain.IntentProfileUpdate, profile},
	} {
		if cand.score > bestScore {
			best, bestScore = cand.intent, cand.score
		}
	}
	if bestScore < minScore {
		return capability.Classification{Intent: domain.IntentUnrecognized}, nil
	}
	return capability.Classification{Intent: best, Confidence: normalizeConfidence(bestScore, 6)}, nil
}

func score(input string, keywords map[string]int) int {
	total := 0
	for kw, weight := range keywords {
		if containsWord(input, kw) {
			total += weight
		}
	}
	return total
}

// containsWord matches kw on word boundaries so "plan" does not hit "planet".
func containsWord(input, kw string) bool {
	for i := 0; ; {
		j := strings.Index(input[i:], kw)
		if j < 0 {
			return false
		}
		start, end := i+j, i+j+len(kw)
		if (start == 0 || !isWordByte(input[start-1])) && (end == len(input) || !isWordByte(input[end])) {
			return true
		}
		i = start + 1
	}
}

func isWordByte(b byte) bool {
	return b == '_' || ('0' <= b && b <= '9') || ('a' <= b && b <= 'z')
}

func normalizeConfidence(score, maxScore int) float64 {
	if score >= maxScore {
		return 0.95
	}
	return 0.5 + 0.45*float64(score)/float64(maxScore)
}
