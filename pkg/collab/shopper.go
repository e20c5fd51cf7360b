package collab

import (
	"context"
	"fmt"
	"math"
	"slices"
	"strings"

	"sommelier/pkg/bus"
	"sommelier/pkg/logx"
	"sommelier/pkg/proto"
)

const (
	defaultMaxResults = 3
	// Adjusted budgets are rounded up to this step.
	budgetStep = 5.0
)

// Budget strategies reported by adjust-budget.
const (
	StrategyValuePicks = "value-picks"
	StrategyStretch    = "stretch"
)

// Shopper finds purchasable bottles in a catalog.
type Shopper struct {
	catalog *Catalog
	logger  *logx.Logger
}

func NewShopper(catalog *Catalog) *Shopper {
	return &Shopper{catalog: catalog, logger: logx.NewLogger(proto.AgentShopper)}
}

func (s *Shopper) GetID() string { return proto.AgentShopper }

func (s *Shopper) Handlers() map[proto.MsgType]bus.Handler {
	return map[proto.MsgType]bus.Handler{
		proto.MsgTypeFindWines:      typed(s.GetID(), s.logger, s.find),
		proto.MsgTypeExpandedSearch: typed(s.GetID(), s.logger, s.expanded),
		proto.MsgTypeAdjustBudget:   typed(s.GetID(), s.logger, s.adjust),
	}
}

func (s *Shopper) find(ctx context.Context, req proto.FindWinesRequest, _ *proto.Envelope) (any, *proto.AgentError) {
	if req.Wine.Name == "" {
		return nil, proto.NewAgentError(proto.ErrCodeValidation, "wine name is required", s.GetID(), "")
	}
	if err := ctx.Err(); err != nil {
		return nil, proto.NewAgentError(proto.ErrCodeTimeout, err.Error(), s.GetID(), "")
	}

	options := s.catalog.Search(req.Budget, resultLimit(req.MaxResults), func(w *CatalogWine) bool {
		return w.matchesRecommendation(req.Wine.Name)
	})
	for i := range options {
		options[i].Recommendation = req.Wine.Name
	}
	s.logger.Debug("find %q under %.2f: %d options", req.Wine.Name, req.Budget, len(options))
	return proto.FindWinesReply{Wines: options}, nil
}

// expanded matches by style instead of name so that any bottle of the right kind counts.
func (s *Shopper) expanded(_ context.Context, req proto.ExpandedSearchRequest, _ *proto.Envelope) (any, *proto.AgentError) {
	styles := make(map[string]string)
	for _, w := range req.Wines {
		style := strings.ToLower(w.Style)
		if style == "" {
			if p := lookupPairing(w.Name); p != nil {
				style = p.Style
			}
		}
		if _, ok := styles[style]; !ok && style != "" {
			styles[style] = w.Name
		}
	}

	options := s.catalog.Search(req.Budget, resultLimit(req.MaxResults), func(w *CatalogWine) bool {
		if len(styles) == 0 {
			return true
		}
		_, ok := styles[strings.ToLower(w.Style)]
		return ok
	})
	for i := range options {
		options[i].Recommendation = styles[strings.ToLower(options[i].Style)]
	}
	s.logger.Info("Expanded search under %.2f across %d styles: %d options", req.Budget, len(styles), len(options))
	return proto.FindWinesReply{Wines: options}, nil
}

// adjust raises the budget to what the cheapest suitable bottle costs, or keeps it and
// advises value picks when the budget already covers something.
func (s *Shopper) adjust(_ context.Context, req proto.BudgetAdjustmentRequest, _ *proto.Envelope) (any, *proto.AgentError) {
	styles := stylesFor(req.Ingredients)
	suitable := func(w *CatalogWine) bool {
		return len(styles) == 0 || slices.Contains(styles, w.Style)
	}

	cheapest, ok := s.catalog.Cheapest(suitable)
	if !ok {
		cheapest, ok = s.catalog.Cheapest(anyWine)
	}
	if !ok {
		return nil, proto.NewAgentError(proto.ErrCodeValidation, "catalog is empty", s.GetID(), "")
	}

	if req.Budget >= cheapest {
		return proto.BudgetAdjustmentReply{
			Strategy:       StrategyValuePicks,
			AdjustedBudget: req.Budget,
			Reasoning:      fmt.Sprintf("budget covers bottles from %.2f; favouring value picks", cheapest),
		}, nil
	}
	adjusted := math.Ceil(cheapest/budgetStep) * budgetStep
	return proto.BudgetAdjustmentReply{
		Strategy:       StrategyStretch,
		AdjustedBudget: adjusted,
		Reasoning:      fmt.Sprintf("the cheapest suitable bottle costs %.2f", cheapest),
	}, nil
}

func stylesFor(ingredientNames []string) []string {
	var out []string
	for _, c := range categoriesOf(ingredientNames) {
		for _, p := range pairings[c] {
			if !slices.Contains(out, p.Style) {
				out = append(out, p.Style)
			}
		}
	}
	return out
}

func resultLimit(n int) int {
	if n <= 0 {
		return defaultMaxResults
	}
	return n
}
