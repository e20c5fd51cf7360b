package coordinator

import (
	"time"

	"sommelier/pkg/logx"
	"sommelier/pkg/proto"
)

// Phase is the position of a run in the workflow. Phases only move forward.
type Phase string

const (
	PhaseInitialized          Phase = "INITIALIZED"
	PhaseValidationComplete   Phase = "VALIDATION_COMPLETE"
	PhaseRecommendationsReady Phase = "RECOMMENDATIONS_READY"
	PhaseShoppingComplete     Phase = "SHOPPING_COMPLETE"
	PhaseFinalized            Phase = "FINALIZED"
)

func (p Phase) order() int {
	switch p {
	case PhaseInitialized:
		return 0
	case PhaseValidationComplete:
		return 1
	case PhaseRecommendationsReady:
		return 2
	case PhaseShoppingComplete:
		return 3
	case PhaseFinalized:
		return 4
	default:
		return -1
	}
}

// Attempt records one round of the recommendation loop.
type Attempt struct {
	Number  int                        `json:"number"`
	Wines   []proto.WineRecommendation `json:"wines,omitempty"`
	Quality float64                    `json:"quality"`
	Err     *proto.AgentError          `json:"error,omitempty"`
}

// ConversationState is the working set of one orchestration run. It is created by
// Orchestrate and only touched by the goroutine executing that run.
//
//nolint:govet // Logical field grouping preferred over memory alignment
type ConversationState struct {
	ConversationID string
	CorrelationID  string
	UserID         string
	Phase          Phase
	StartedAt      time.Time

	Request     proto.RecommendationRequest
	Validation  *proto.ValidationReply
	Ingredients []string
	Preferences proto.Preferences

	Budget         float64
	BudgetStrategy string

	Recommendations []proto.WineRecommendation
	QualityScore    float64
	Attempts        []Attempt
	RefinementCount int
	UsedEmergency   bool

	Options []proto.WineOption

	Degraded  bool
	Decisions []proto.Decision
	Errors    []*proto.AgentError

	log *logx.Logger
}

func newConversationState(req *proto.RecommendationRequest, conversationID, correlationID string, log *logx.Logger) *ConversationState {
	return &ConversationState{
		ConversationID: conversationID,
		CorrelationID:  correlationID,
		UserID:         req.UserID,
		Phase:          PhaseInitialized,
		StartedAt:      time.Now().UTC(),
		Request:        *req,
		Ingredients:    append([]string(nil), req.Ingredients...),
		Preferences:    req.Preferences,
		Budget:         req.Budget,
		log:            log,
	}
}

// advance moves the run forward. Moving backwards is ignored.
func (s *ConversationState) advance(to Phase) {
	if to.order() > s.Phase.order() {
		s.Phase = to
	}
}

// decide appends an entry to the decision log.
func (s *ConversationState) decide(actor, decision, reasoning string) {
	s.Decisions = append(s.Decisions, proto.Decision{
		Timestamp: time.Now().UTC().Format(time.RFC3339Nano),
		Decision:  decision,
		Reasoning: reasoning,
		Actor:     actor,
		Phase:     string(s.Phase),
	})
}

func (s *ConversationState) recordError(err *proto.AgentError) {
	if err != nil {
		s.Errors = append(s.Errors, err)
	}
}

// recommendationNames lists every wine proposed so far, so retries can avoid repeats.
func (s *ConversationState) recommendationNames() []string {
	var names []string
	seen := make(map[string]bool)
	for i := range s.Attempts {
		for _, name := range proto.WineNames(s.Attempts[i].Wines) {
			if !seen[name] {
				seen[name] = true
				names = append(names, name)
			}
		}
	}
	return names
}

// bestAttempt returns the highest-quality attempt that produced wines.
func (s *ConversationState) bestAttempt() (Attempt, bool) {
	var (
		best  Attempt
		found bool
	)
	for i := range s.Attempts {
		a := s.Attempts[i]
		if len(a.Wines) == 0 {
			continue
		}
		if !found || a.Quality > best.Quality {
			best, found = a, true
		}
	}
	return best, found
}

// scratch returns a state sharing this run's identifiers and budget, used by one
// concurrent request so that only the run goroutine mutates the real state.
func (s *ConversationState) scratch() *ConversationState {
	return &ConversationState{
		ConversationID: s.ConversationID,
		CorrelationID:  s.CorrelationID,
		UserID:         s.UserID,
		Phase:          s.Phase,
		StartedAt:      s.StartedAt,
		Request:        s.Request,
		Budget:         s.Budget,
		log:            s.log,
	}
}

// merge folds the decisions, errors and degradation of a scratch state back in.
func (s *ConversationState) merge(other *ConversationState) {
	s.Decisions = append(s.Decisions, other.Decisions...)
	s.Errors = append(s.Errors, other.Errors...)
	s.Degraded = s.Degraded || other.Degraded
}
