package coordinator

import (
	"testing"

	"github.com/stretchr/testify/assert"

	"sommelier/pkg/logx"
	"sommelier/pkg/proto"
)

func TestHeuristicQuality(t *testing.T) {
	q := HeuristicQuality{}

	tests := []struct {
		name string
		in   QualityInput
		want float64
	}{
		{"no wines", QualityInput{ReportedScore: 0.9}, 0},
		{"reported score wins", QualityInput{Wines: []proto.WineRecommendation{{Name: "a"}}, ReportedScore: 0.72}, 0.72},
		{"reported score clamped", QualityInput{Wines: []proto.WineRecommendation{{Name: "a"}}, ReportedScore: 3}, 1},
		{"single bare wine", QualityInput{Wines: []proto.WineRecommendation{{Name: "a"}}}, 0.5},
		{"three reasoned wines of two styles", QualityInput{Wines: []proto.WineRecommendation{
			{Name: "a", Style: "red", Reasoning: "tannin"},
			{Name: "b", Style: "White", Reasoning: "acid"},
			{Name: "c", Style: "white", Reasoning: "fruit"},
		}}, 0.85},
		{"size bonus capped at three", QualityInput{Wines: []proto.WineRecommendation{
			{Name: "a"}, {Name: "b"}, {Name: "c"}, {Name: "d"}, {Name: "e"},
		}}, 0.7},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			assert.InDelta(t, tt.want, q.Evaluate(&tt.in), 1e-9)
		})
	}
}

func TestMinimumBudget(t *testing.T) {
	m := DefaultBudgetAssessor()

	assert.False(t, m.Assess(0, []string{"salmon"}, "").Realistic)
	assert.False(t, m.Assess(8, []string{"salmon"}, "").Realistic)
	assert.True(t, m.Assess(12, []string{"salmon"}, "dinner").Realistic)
	assert.False(t, m.Assess(12, []string{"salmon"}, "Wedding reception").Realistic)
	assert.True(t, m.Assess(30, []string{"salmon"}, "wedding").Realistic)

	menu := []string{"a", "b", "c", "d", "e", "f", "g"}
	verdict := m.Assess(15, menu, "")
	assert.False(t, verdict.Realistic)
	assert.Contains(t, verdict.Reason, "complex menu")
}

func TestFuncAdapters(t *testing.T) {
	var q QualityEvaluator = QualityFunc(func(*QualityInput) float64 { return 0.42 })
	assert.InDelta(t, 0.42, q.Evaluate(&QualityInput{}), 1e-9)

	var b BudgetAssessor = BudgetFunc(func(budget float64, _ []string, _ string) BudgetAssessment {
		return BudgetAssessment{Realistic: budget > 100}
	})
	assert.False(t, b.Assess(50, nil, "").Realistic)
}

func TestConfigDefaults(t *testing.T) {
	cfg := Config{AcceptQuality: 0.95}.applyDefaults()
	def := DefaultConfig()

	assert.InDelta(t, 0.95, cfg.AcceptQuality, 1e-9)
	assert.Equal(t, def.AgentTimeout, cfg.AgentTimeout)
	assert.Equal(t, def.MaxRecommendationAttempts, cfg.MaxRecommendationAttempts)
	assert.InDelta(t, def.ExpandedBudgetFactor, cfg.ExpandedBudgetFactor, 1e-9)
}

func TestStateAdvanceIsMonotonic(t *testing.T) {
	st := newConversationState(&proto.RecommendationRequest{}, "c", "r", logx.NewLogger("coordinator"))
	st.advance(PhaseShoppingComplete)
	st.advance(PhaseValidationComplete)
	assert.Equal(t, PhaseShoppingComplete, st.Phase)
}

func TestStateScratchMerge(t *testing.T) {
	st := newConversationState(&proto.RecommendationRequest{Budget: 20}, "c", "r", logx.NewLogger("coordinator"))
	s := st.scratch()
	assert.InDelta(t, 20, s.Budget, 1e-9)

	s.decide("shopper", "x", "y")
	s.recordError(proto.NewAgentError(proto.ErrCodeTimeout, "slow", "shopper", "r"))
	s.recordError(nil)
	s.Degraded = true
	st.merge(s)

	assert.Len(t, st.Decisions, 1)
	assert.Len(t, st.Errors, 1)
	assert.True(t, st.Degraded)
}

func TestBestAttempt(t *testing.T) {
	st := newConversationState(&proto.RecommendationRequest{}, "c", "r", logx.NewLogger("coordinator"))
	_, ok := st.bestAttempt()
	assert.False(t, ok)

	st.Attempts = []Attempt{
		{Number: 1, Wines: []proto.WineRecommendation{{Name: "a"}}, Quality: 0.4},
		{Number: 2, Err: proto.NewAgentError(proto.ErrCodeTimeout, "slow", "", "")},
		{Number: 3, Wines: []proto.WineRecommendation{{Name: "b"}}, Quality: 0.55},
	}
	best, ok := st.bestAttempt()
	assert.True(t, ok)
	assert.Equal(t, 3, best.Number)
	assert.Equal(t, []string{"a", "b"}, st.recommendationNames())
}
