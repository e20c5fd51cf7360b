package coordinator

import (
	"time"

	"sommelier/pkg/circuit"
)

// Config tunes an orchestration run.
//
//nolint:govet // Logical field grouping preferred over memory alignment
type Config struct {
	// AgentTimeout bounds every request sent to a collaborator.
	AgentTimeout time.Duration `json:"agent_timeout"`

	// MaxRecommendationAttempts is the number of generate-recommendations rounds before the
	// emergency fallback is used.
	MaxRecommendationAttempts int `json:"max_recommendation_attempts"`

	// Quality gates for the recommendation loop: accept above AcceptQuality, refine once
	// above RefineQuality, otherwise retry.
	AcceptQuality float64 `json:"accept_quality"`
	RefineQuality float64 `json:"refine_quality"`

	// FallbackConfidenceThreshold is the minimum substitution confidence; below it the run
	// asks the user for clarification.
	FallbackConfidenceThreshold float64 `json:"fallback_confidence_threshold"`

	// RefinementOfferThreshold: results with lower confidence offer refinement.
	RefinementOfferThreshold float64 `json:"refinement_offer_threshold"`

	// EmergencyQuality is the quality assigned to emergency recommendations.
	EmergencyQuality float64 `json:"emergency_quality"`

	// Shopping fan-out.
	MaxShoppingItems     int     `json:"max_shopping_items"`
	PrimaryCandidates    int     `json:"primary_candidates"`
	SecondaryCandidates  int     `json:"secondary_candidates"`
	MaxAlternatives      int     `json:"max_alternatives"`
	ExpandedBudgetFactor float64 `json:"expanded_budget_factor"`

	// Breaker is applied to each monitored collaborator.
	Breaker circuit.Config `json:"breaker"`

	// IncludeDecisionLog copies the run's decision log into the result.
	IncludeDecisionLog bool `json:"include_decision_log"`
}

// DefaultConfig returns the thresholds the workflow is designed around.
func DefaultConfig() Config {
	return Config{
		AgentTimeout:                10 * time.Second,
		MaxRecommendationAttempts:   3,
		AcceptQuality:               0.8,
		RefineQuality:               0.6,
		FallbackConfidenceThreshold: 0.7,
		RefinementOfferThreshold:    0.9,
		EmergencyQuality:            0.3,
		MaxShoppingItems:            3,
		PrimaryCandidates:           5,
		SecondaryCandidates:         3,
		MaxAlternatives:             3,
		ExpandedBudgetFactor:        1.5,
		Breaker:                     circuit.DefaultConfig,
	}
}

// applyDefaults fills zero-valued fields from DefaultConfig.
func (c Config) applyDefaults() Config {
	def := DefaultConfig()
	if c.AgentTimeout <= 0 {
		c.AgentTimeout = def.AgentTimeout
	}
	if c.MaxRecommendationAttempts <= 0 {
		c.MaxRecommendationAttempts = def.MaxRecommendationAttempts
	}
	if c.AcceptQuality <= 0 {
		c.AcceptQuality = def.AcceptQuality
	}
	if c.RefineQuality <= 0 {
		c.RefineQuality = def.RefineQuality
	}
	if c.FallbackConfidenceThreshold <= 0 {
		c.FallbackConfidenceThreshold = def.FallbackConfidenceThreshold
	}
	if c.RefinementOfferThreshold <= 0 {
		c.RefinementOfferThreshold = def.RefinementOfferThreshold
	}
	if c.EmergencyQuality <= 0 {
		c.EmergencyQuality = def.EmergencyQuality
	}
	if c.MaxShoppingItems <= 0 {
		c.MaxShoppingItems = def.MaxShoppingItems
	}
	if c.PrimaryCandidates <= 0 {
		c.PrimaryCandidates = def.PrimaryCandidates
	}
	if c.SecondaryCandidates <= 0 {
		c.SecondaryCandidates = def.SecondaryCandidates
	}
	if c.MaxAlternatives <= 0 {
		c.MaxAlternatives = def.MaxAlternatives
	}
	if c.ExpandedBudgetFactor <= 1 {
		c.ExpandedBudgetFactor = def.ExpandedBudgetFactor
	}
	return c
}

// RunTimeout bounds a whole run: every sequential collaborator round trip of the worst
// case (gathering, substitution, budget, generate and refine per attempt, emergency,
// shopping, expanded search, explanation) at AgentTimeout each.
func (c Config) RunTimeout() time.Duration {
	c = c.applyDefaults()
	return c.AgentTimeout * time.Duration(2*c.MaxRecommendationAttempts+7)
}
