package coordinator

import (
	"context"
	"fmt"
	"runtime/debug"
	"strings"
	"sync"

	"sommelier/pkg/bus"
	"sommelier/pkg/logx"
	"sommelier/pkg/proto"
)

// gatherContext validates the input and loads preferences concurrently. Either failure
// aborts the run.
func (c *Coordinator) gatherContext(ctx context.Context, st *ConversationState) *proto.AgentError {
	logx.DebugFlow(ctx, "coordinator", "gathering", "start")

	var (
		wg                 sync.WaitGroup
		validation, prefs  proto.Result
		validationRequest  = proto.ValidateInputRequest{Ingredients: st.Request.Ingredients, Dish: st.Request.Dish, Budget: st.Request.Budget, Occasion: st.Request.Occasion}
		preferencesRequest = proto.PreferencesRequest{UserID: st.UserID}
	)

	// Each goroutine gets its own scratch state so the run state is only mutated here.
	vst, pst := st.scratch(), st.scratch()
	wg.Add(2)
	go func() {
		defer wg.Done()
		defer containPanic(vst, proto.AgentInputValidator, func(err *proto.AgentError) { validation = proto.Fail(err) })
		validation = c.guarded(ctx, vst, c.validator, proto.MsgTypeValidateInput, validationRequest, proto.PriorityHigh)
	}()
	go func() {
		defer wg.Done()
		defer containPanic(pst, proto.AgentPreferences, func(err *proto.AgentError) { prefs = proto.Fail(err) })
		prefs = c.guarded(ctx, pst, c.preferences, proto.MsgTypeGetPreferences, preferencesRequest, proto.PriorityNormal)
	}()
	wg.Wait()
	st.merge(vst)
	st.merge(pst)

	if !validation.Success {
		return phaseError("input validation failed", validation.Error, st)
	}
	if !prefs.Success {
		return phaseError("preference lookup failed", prefs.Error, st)
	}

	reply, err := proto.DecodePayload[proto.ValidationReply](validation.Data)
	if err != nil {
		return proto.NewAgentError(proto.ErrCodeInvalidPayload, fmt.Sprintf("validation reply: %v", err), proto.AgentInputValidator, st.CorrelationID)
	}
	prefReply, err := proto.DecodePayload[proto.PreferencesReply](prefs.Data)
	if err != nil {
		return proto.NewAgentError(proto.ErrCodeInvalidPayload, fmt.Sprintf("preferences reply: %v", err), proto.AgentPreferences, st.CorrelationID)
	}

	st.Validation = &reply
	if len(reply.ValidIngredients) > 0 || reply.HasInvalidIngredients {
		st.Ingredients = append([]string(nil), reply.ValidIngredients...)
	}
	st.Preferences = mergePreferences(prefReply.Preferences, st.Request.Preferences)

	st.advance(PhaseValidationComplete)
	st.decide(proto.AgentCoordinator, "context-gathered",
		fmt.Sprintf("%d valid ingredients, %d invalid, %d preferences", len(reply.ValidIngredients), len(reply.InvalidIngredients), len(st.Preferences)))
	logx.DebugFlow(ctx, "coordinator", "gathering", "complete")
	return nil
}

// containPanic must be deferred directly by a fan-out goroutine. It turns a panic into an
// orchestration error handed to set, so the goroutine's result slot is still filled.
func containPanic(st *ConversationState, agentID string, set func(*proto.AgentError)) {
	r := recover()
	if r == nil {
		return
	}
	st.log.Error("Panic while calling %s: %v\n%s", agentID, r, debug.Stack())
	set(proto.NewAgentError(proto.ErrCodeOrchestration, fmt.Sprintf("unexpected failure calling %s: %v", agentID, r), agentID, st.CorrelationID))
}

// resolveConditions substitutes invalid ingredients and adjusts unrealistic budgets.
// A non-nil result means the run stops here.
func (c *Coordinator) resolveConditions(ctx context.Context, st *ConversationState) *proto.FinalRecommendation {
	if st.Validation != nil && (st.Validation.HasInvalidIngredients || len(st.Validation.InvalidIngredients) > 0) {
		if final := c.substituteIngredients(ctx, st); final != nil {
			return final
		}
	}

	verdict := c.budget.Assess(st.Budget, st.Ingredients, st.Request.Occasion)
	if !verdict.Realistic {
		c.adjustBudget(ctx, st, verdict.Reason)
	}
	return nil
}

func (c *Coordinator) substituteIngredients(ctx context.Context, st *ConversationState) *proto.FinalRecommendation {
	res := c.request(ctx, st, proto.AgentFallback, proto.MsgTypeFallbackRequest, proto.FallbackRequest{
		InvalidIngredients: st.Validation.InvalidIngredients,
		ValidIngredients:   st.Validation.ValidIngredients,
		Reason:             "unrecognized ingredients",
	}, proto.PriorityHigh)
	if !res.Success {
		return c.abort(st, phaseError("ingredient substitution failed", res.Error, st))
	}

	reply, err := proto.DecodePayload[proto.FallbackReply](res.Data)
	if err != nil {
		return c.abort(st, proto.NewAgentError(proto.ErrCodeInvalidPayload, fmt.Sprintf("fallback reply: %v", err), proto.AgentFallback, st.CorrelationID))
	}

	if reply.Confidence < c.cfg.FallbackConfidenceThreshold {
		cause := proto.NewAgentError(proto.ErrCodeLowConfidence,
			fmt.Sprintf("could not interpret %s; please clarify", strings.Join(st.Validation.InvalidIngredients, ", ")),
			proto.AgentCoordinator, st.CorrelationID).WithContext("confidence", reply.Confidence)
		final := c.abort(st, cause)
		final.RequiresClarification = true
		final.Suggestions = reply.Suggestions
		return final
	}

	st.Ingredients = appendUnique(st.Ingredients, substitutions(st.Validation.InvalidIngredients, &reply)...)
	st.decide(proto.AgentFallback, "ingredients-substituted",
		fmt.Sprintf("confidence %.2f, using %s", reply.Confidence, strings.Join(st.Ingredients, ", ")))
	return nil
}

func (c *Coordinator) adjustBudget(ctx context.Context, st *ConversationState, reason string) {
	res := c.request(ctx, st, proto.AgentShopper, proto.MsgTypeAdjustBudget, proto.BudgetAdjustmentRequest{
		Budget:      st.Budget,
		Ingredients: st.Ingredients,
		Occasion:    st.Request.Occasion,
	}, proto.PriorityNormal)
	if !res.Success {
		st.recordError(res.Error)
		st.decide(proto.AgentCoordinator, "budget-unchanged", "adjustment failed, keeping original budget: "+reason)
		return
	}

	reply, err := proto.DecodePayload[proto.BudgetAdjustmentReply](res.Data)
	if err != nil {
		st.recordError(proto.NewAgentError(proto.ErrCodeInvalidPayload, err.Error(), proto.AgentShopper, st.CorrelationID))
		return
	}
	st.BudgetStrategy = reply.Strategy
	if reply.AdjustedBudget > 0 {
		st.Budget = reply.AdjustedBudget
	}
	st.decide(proto.AgentShopper, "budget-adjusted:"+reply.Strategy,
		fmt.Sprintf("%s; working budget %.2f", firstNonEmpty(reply.Reasoning, reason), st.Budget))
}

// recommend runs the quality-gated loop. It always leaves some recommendation set on st,
// possibly empty.
func (c *Coordinator) recommend(ctx context.Context, st *ConversationState) {
	for attempt := 1; attempt <= c.cfg.MaxRecommendationAttempts; attempt++ {
		res := c.guarded(ctx, st, c.recommender, proto.MsgTypeGenerateRecommendations, proto.RecommendationsRequest{
			Ingredients:   st.Ingredients,
			Preferences:   st.Preferences,
			Budget:        st.Budget,
			Occasion:      st.Request.Occasion,
			Attempt:       attempt,
			PreviousWines: st.recommendationNames(),
		}, proto.PriorityNormal)

		if !res.Success {
			st.recordError(res.Error)
			st.Attempts = append(st.Attempts, Attempt{Number: attempt, Err: res.Error})
			continue
		}
		reply, err := proto.DecodePayload[proto.RecommendationsReply](res.Data)
		if err != nil {
			agentErr := proto.NewAgentError(proto.ErrCodeInvalidPayload, err.Error(), proto.AgentRecommender, st.CorrelationID)
			st.recordError(agentErr)
			st.Attempts = append(st.Attempts, Attempt{Number: attempt, Err: agentErr})
			continue
		}

		quality := c.evaluate(st, &reply)
		st.Attempts = append(st.Attempts, Attempt{Number: attempt, Wines: reply.Wines, Quality: quality})

		switch {
		case quality > c.cfg.AcceptQuality:
			c.accept(st, reply.Wines, quality, fmt.Sprintf("attempt %d scored %.2f", attempt, quality))
			return

		case quality > c.cfg.RefineQuality:
			c.refine(ctx, st, &reply, quality)
			return

		default:
			st.decide(proto.AgentCoordinator, "retry-recommendations",
				fmt.Sprintf("attempt %d scored %.2f, at or below %.2f", attempt, quality, c.cfg.RefineQuality))
		}
	}

	c.emergencyRecommendations(ctx, st)
}

func (c *Coordinator) evaluate(st *ConversationState, reply *proto.RecommendationsReply) float64 {
	return clamp01(c.quality.Evaluate(&QualityInput{
		Ingredients:   st.Ingredients,
		Preferences:   st.Preferences,
		Budget:        st.Budget,
		Wines:         reply.Wines,
		ReportedScore: reply.QualityScore,
	}))
}

// refine asks for one improvement pass and accepts whatever comes back.
func (c *Coordinator) refine(ctx context.Context, st *ConversationState, reply *proto.RecommendationsReply, quality float64) {
	st.RefinementCount++
	res := c.guarded(ctx, st, c.recommender, proto.MsgTypeRefineRecommendations, proto.RefineRequest{
		Wines:        reply.Wines,
		QualityScore: quality,
		Ingredients:  st.Ingredients,
		Preferences:  st.Preferences,
		Feedback:     fmt.Sprintf("quality %.2f below %.2f", quality, c.cfg.AcceptQuality),
	}, proto.PriorityNormal)

	if res.Success {
		refined, err := proto.DecodePayload[proto.RecommendationsReply](res.Data)
		if err == nil && len(refined.Wines) > 0 {
			refinedQuality := c.evaluate(st, &refined)
			c.accept(st, refined.Wines, refinedQuality, fmt.Sprintf("refined from %.2f to %.2f", quality, refinedQuality))
			return
		}
		if err != nil {
			st.recordError(proto.NewAgentError(proto.ErrCodeInvalidPayload, err.Error(), proto.AgentRecommender, st.CorrelationID))
		}
	} else {
		st.recordError(res.Error)
	}
	c.accept(st, reply.Wines, quality, fmt.Sprintf("refinement unavailable, keeping %.2f", quality))
}

func (c *Coordinator) accept(st *ConversationState, wines []proto.WineRecommendation, quality float64, reasoning string) {
	st.Recommendations = wines
	st.QualityScore = quality
	st.advance(PhaseRecommendationsReady)
	st.decide(proto.AgentRecommender, "recommendations-accepted", reasoning)
}

// emergencyRecommendations replaces an exhausted loop. If the fallback agent cannot help
// either, the best earlier attempt (or nothing) is used.
func (c *Coordinator) emergencyRecommendations(ctx context.Context, st *ConversationState) {
	st.UsedEmergency = true
	st.Degraded = true

	res := c.request(ctx, st, proto.AgentFallback, proto.MsgTypeEmergencyRecommendations, proto.EmergencyRequest{
		Ingredients: st.Ingredients,
		Budget:      st.Budget,
		Reason:      fmt.Sprintf("%d recommendation attempts below quality threshold", len(st.Attempts)),
	}, proto.PriorityHigh)

	if res.Success {
		reply, err := proto.DecodePayload[proto.RecommendationsReply](res.Data)
		if err == nil {
			c.accept(st, reply.Wines, c.cfg.EmergencyQuality, "emergency fallback recommendations")
			return
		}
		st.recordError(proto.NewAgentError(proto.ErrCodeInvalidPayload, err.Error(), proto.AgentFallback, st.CorrelationID))
	} else {
		st.recordError(res.Error)
	}

	if best, ok := st.bestAttempt(); ok {
		c.accept(st, best.Wines, best.Quality, fmt.Sprintf("emergency fallback failed, using attempt %d", best.Number))
		return
	}
	c.accept(st, nil, 0, "no recommendations could be produced")
}

type shoppingResult struct {
	wine    proto.WineRecommendation
	options []proto.WineOption
	err     *proto.AgentError
	scratch *ConversationState
}

// shop searches for purchasable options for each recommendation concurrently. Individual
// failures are recorded; an empty aggregate triggers one expanded search.
func (c *Coordinator) shop(ctx context.Context, st *ConversationState) {
	items := st.Recommendations
	if len(items) > c.cfg.MaxShoppingItems {
		items = items[:c.cfg.MaxShoppingItems]
	}

	results := make([]shoppingResult, len(items))
	var wg sync.WaitGroup
	for i := range items {
		maxResults, priority := c.cfg.SecondaryCandidates, proto.PriorityNormal
		if i == 0 {
			maxResults, priority = c.cfg.PrimaryCandidates, proto.PriorityHigh
		}
		results[i] = shoppingResult{wine: items[i], scratch: st.scratch()}

		wg.Add(1)
		go func(r *shoppingResult, maxResults int, priority proto.Priority) {
			defer wg.Done()
			defer containPanic(r.scratch, proto.AgentShopper, func(err *proto.AgentError) { r.options, r.err = nil, err })
			r.options, r.err = c.findWines(ctx, r.scratch, r.wine, maxResults, priority)
		}(&results[i], maxResults, priority)
	}
	wg.Wait()

	var options []proto.WineOption
	for i := range results {
		st.merge(results[i].scratch)
		if results[i].err != nil {
			st.recordError(results[i].err)
			st.decide(proto.AgentShopper, "search-failed:"+results[i].wine.Name, results[i].err.Message)
			continue
		}
		options = append(options, results[i].options...)
	}

	if len(options) == 0 {
		options = c.expandedSearch(ctx, st, items)
	}

	st.Options = options
	st.advance(PhaseShoppingComplete)
	st.decide(proto.AgentShopper, "shopping-complete", fmt.Sprintf("%d options for %d recommendations", len(options), len(items)))
}

func (c *Coordinator) findWines(ctx context.Context, st *ConversationState, wine proto.WineRecommendation, maxResults int, priority proto.Priority) ([]proto.WineOption, *proto.AgentError) {
	res := c.guarded(ctx, st, c.shopper, proto.MsgTypeFindWines, proto.FindWinesRequest{
		Wine:       wine,
		Budget:     st.Budget,
		MaxResults: maxResults,
	}, priority)
	if !res.Success {
		return nil, res.Error
	}
	reply, err := proto.DecodePayload[proto.FindWinesReply](res.Data)
	if err != nil {
		return nil, proto.NewAgentError(proto.ErrCodeInvalidPayload, err.Error(), proto.AgentShopper, st.CorrelationID)
	}
	for i := range reply.Wines {
		if reply.Wines[i].Recommendation == "" {
			reply.Wines[i].Recommendation = wine.Name
		}
	}
	return reply.Wines, nil
}

func (c *Coordinator) expandedSearch(ctx context.Context, st *ConversationState, wines []proto.WineRecommendation) []proto.WineOption {
	relaxed := st.Budget * c.cfg.ExpandedBudgetFactor
	st.decide(proto.AgentCoordinator, "expanded-search", fmt.Sprintf("no options found, relaxing budget to %.2f", relaxed))

	res := c.request(ctx, st, proto.AgentShopper, proto.MsgTypeExpandedSearch, proto.ExpandedSearchRequest{
		Wines:      wines,
		Budget:     relaxed,
		MaxResults: c.cfg.PrimaryCandidates,
	}, proto.PriorityHigh)
	if !res.Success {
		st.recordError(res.Error)
		return nil
	}
	reply, err := proto.DecodePayload[proto.FindWinesReply](res.Data)
	if err != nil {
		st.recordError(proto.NewAgentError(proto.ErrCodeInvalidPayload, err.Error(), proto.AgentShopper, st.CorrelationID))
		return nil
	}
	if len(reply.Wines) > 0 {
		st.Degraded = true
	}
	return reply.Wines
}

// finalize picks the primary and alternatives, obtains an explanation and notifies
// interested agents.
func (c *Coordinator) finalize(ctx context.Context, st *ConversationState) *proto.FinalRecommendation {
	var available []proto.WineOption
	for i := range st.Options {
		if st.Options[i].IsAvailable() {
			available = append(available, st.Options[i])
		}
	}

	var primary *proto.WineOption
	alternatives := []proto.WineOption{}
	if len(available) > 0 {
		p := available[0]
		primary = &p
		rest := available[1:]
		if len(rest) > c.cfg.MaxAlternatives {
			rest = rest[:c.cfg.MaxAlternatives]
		}
		alternatives = append(alternatives, rest...)
	}

	explanation := c.explain(ctx, st, primary, alternatives)
	confidence := c.confidence(st, primary)

	final := &proto.FinalRecommendation{
		Success:        true,
		Primary:        primary,
		Alternatives:   alternatives,
		Explanation:    explanation,
		Confidence:     confidence,
		ConversationID: st.ConversationID,
		CanRefine:      confidence < c.cfg.RefinementOfferThreshold,
		Degraded:       st.Degraded || primary == nil,
	}

	st.advance(PhaseFinalized)
	st.decide(proto.AgentCoordinator, "finalized", fmt.Sprintf("confidence %.2f, %d alternatives", confidence, len(alternatives)))
	if c.cfg.IncludeDecisionLog {
		final.Decisions = st.Decisions
	}

	if st.UserID != "" {
		c.notify(ctx, st, proto.AgentPreferences, proto.MsgTypeUpdateHistory, proto.HistoryUpdate{
			UserID:         st.UserID,
			ConversationID: st.ConversationID,
			Ingredients:    st.Ingredients,
			Primary:        primary,
			Alternatives:   alternatives,
			Confidence:     confidence,
			Occasion:       st.Request.Occasion,
		})
	}
	snapshot := *final
	c.notify(ctx, st, bus.Broadcast, proto.MsgTypeFinalRecommendation, &snapshot)
	return final
}

func (c *Coordinator) explain(ctx context.Context, st *ConversationState, primary *proto.WineOption, alternatives []proto.WineOption) string {
	res := c.guarded(ctx, st, c.explainer, proto.MsgTypeGenerateExplanation, proto.ExplanationRequest{
		Primary:      primary,
		Alternatives: alternatives,
		Ingredients:  st.Ingredients,
		Dish:         st.Request.Dish,
		Occasion:     st.Request.Occasion,
		Preferences:  st.Preferences,
	}, proto.PriorityLow)

	if res.Success {
		if reply, err := proto.DecodePayload[proto.ExplanationReply](res.Data); err == nil && strings.TrimSpace(reply.Explanation) != "" {
			return reply.Explanation
		}
	} else {
		st.recordError(res.Error)
	}
	return genericExplanation(st, primary)
}

// confidence derives the result confidence from the accepted quality score.
func (c *Coordinator) confidence(st *ConversationState, primary *proto.WineOption) float64 {
	if len(st.Recommendations) == 0 && len(st.Options) == 0 {
		return 0
	}
	conf := clamp01(st.QualityScore)
	if primary == nil {
		conf /= 2
	}
	return conf
}

func genericExplanation(st *ConversationState, primary *proto.WineOption) string {
	food := "your meal"
	if st.Request.Dish != "" {
		food = st.Request.Dish
	} else if len(st.Ingredients) > 0 {
		food = strings.Join(st.Ingredients, ", ")
	}
	if primary == nil {
		return fmt.Sprintf("We could not find a wine in stock for %s within your budget. Try widening the budget or adjusting the ingredients.", food)
	}
	return fmt.Sprintf("%s is a versatile match for %s.", primary.Name, food)
}

// phaseError wraps a collaborator failure as an orchestration failure.
func phaseError(what string, cause *proto.AgentError, st *ConversationState) *proto.AgentError {
	if cause == nil {
		return proto.NewAgentError(proto.ErrCodeOrchestration, what, proto.AgentCoordinator, st.CorrelationID)
	}
	st.recordError(cause)
	return proto.NewAgentError(proto.ErrCodeOrchestration, fmt.Sprintf("%s: %s", what, cause.Message), proto.AgentCoordinator, st.CorrelationID).
		WithContext("cause", string(cause.Code)).
		WithContext("agent", cause.AgentID)
}

func mergePreferences(stored, request proto.Preferences) proto.Preferences {
	merged := make(proto.Preferences, len(stored)+len(request))
	for k, v := range stored {
		merged[k] = v
	}
	for k, v := range request {
		merged[k] = v
	}
	return merged
}

func substitutions(invalid []string, reply *proto.FallbackReply) []string {
	var out []string
	for _, ing := range invalid {
		if sub, ok := reply.Substitutions[ing]; ok && sub != "" {
			out = append(out, sub)
		}
	}
	if len(out) == 0 {
		out = append(out, reply.Suggestions...)
	}
	return out
}

func appendUnique(base []string, extra ...string) []string {
	seen := make(map[string]bool, len(base))
	for _, s := range base {
		seen[strings.ToLower(s)] = true
	}
	for _, s := range extra {
		if key := strings.ToLower(s); !seen[key] {
			seen[key] = true
			base = append(base, s)
		}
	}
	return base
}
