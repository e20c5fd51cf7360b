package coordinator

import (
	"strings"

	"sommelier/pkg/proto"
)

// QualityInput is what a QualityEvaluator sees of one recommendation reply.
type QualityInput struct {
	Ingredients   []string
	Preferences   proto.Preferences
	Budget        float64
	Wines         []proto.WineRecommendation
	ReportedScore float64
}

// QualityEvaluator scores a recommendation set between 0 and 1.
type QualityEvaluator interface {
	Evaluate(in *QualityInput) float64
}

// QualityFunc adapts a function to QualityEvaluator.
type QualityFunc func(in *QualityInput) float64

func (f QualityFunc) Evaluate(in *QualityInput) float64 { return f(in) }

// BudgetAssessment is the verdict of a BudgetAssessor.
type BudgetAssessment struct {
	Realistic bool
	Reason    string
}

// BudgetAssessor judges whether a budget is realistic for the request.
type BudgetAssessor interface {
	Assess(budget float64, ingredients []string, occasion string) BudgetAssessment
}

// BudgetFunc adapts a function to BudgetAssessor.
type BudgetFunc func(budget float64, ingredients []string, occasion string) BudgetAssessment

func (f BudgetFunc) Assess(budget float64, ingredients []string, occasion string) BudgetAssessment {
	return f(budget, ingredients, occasion)
}

// HeuristicQuality trusts a score reported by the recommender and otherwise rates the set
// by size, reasoning coverage and style diversity.
type HeuristicQuality struct{}

func (HeuristicQuality) Evaluate(in *QualityInput) float64 {
	if len(in.Wines) == 0 {
		return 0
	}
	if in.ReportedScore > 0 {
		return clamp01(in.ReportedScore)
	}

	score := 0.4
	count := len(in.Wines)
	if count > 3 {
		count = 3
	}
	score += 0.1 * float64(count)

	reasoned := 0
	styles := make(map[string]bool)
	for i := range in.Wines {
		if strings.TrimSpace(in.Wines[i].Reasoning) != "" {
			reasoned++
		}
		if in.Wines[i].Style != "" {
			styles[strings.ToLower(in.Wines[i].Style)] = true
		}
	}
	if reasoned == len(in.Wines) {
		score += 0.1
	}
	if len(styles) > 1 {
		score += 0.05
	}
	return clamp01(score)
}

// MinimumBudget flags budgets below a per-occasion floor.
type MinimumBudget struct {
	Floor         float64
	SpecialFloor  float64
	SpecialEvents []string
}

// DefaultBudgetAssessor returns the floors used when nothing else is configured.
func DefaultBudgetAssessor() MinimumBudget {
	return MinimumBudget{
		Floor:         10,
		SpecialFloor:  25,
		SpecialEvents: []string{"wedding", "anniversary", "celebration", "birthday", "gift"},
	}
}

func (m MinimumBudget) Assess(budget float64, ingredients []string, occasion string) BudgetAssessment {
	if budget <= 0 {
		return BudgetAssessment{Realistic: false, Reason: "no budget given"}
	}
	floor := m.Floor
	occ := strings.ToLower(occasion)
	for _, event := range m.SpecialEvents {
		if occ != "" && strings.Contains(occ, event) {
			floor = m.SpecialFloor
			break
		}
	}
	if budget < floor {
		return BudgetAssessment{Realistic: false, Reason: "budget below typical floor for this occasion"}
	}
	if len(ingredients) > 6 && budget < 2*floor {
		return BudgetAssessment{Realistic: false, Reason: "complex menu on a minimal budget"}
	}
	return BudgetAssessment{Realistic: true}
}

func clamp01(v float64) float64 {
	switch {
	case v < 0:
		return 0
	case v > 1:
		return 1
	default:
		return v
	}
}
