package collab

import (
	"context"
	"fmt"
	"slices"
	"sort"
	"strings"

	"sommelier/pkg/bus"
	"sommelier/pkg/logx"
	"sommelier/pkg/proto"
)

// Preference keys understood by the recommender.
const (
	PrefSweetness = "sweetness"
	PrefStyle     = "style"
	PrefAvoid     = "avoid"
)

const (
	maxRecommendations = 3
	baseQuality        = 0.5
	coverageWeight     = 0.4
	preferenceBonus    = 0.1
)

// Recommender proposes wine styles from a pairing table keyed by ingredient category.
type Recommender struct {
	logger *logx.Logger
}

func NewRecommender() *Recommender {
	return &Recommender{logger: logx.NewLogger(proto.AgentRecommender)}
}

func (r *Recommender) GetID() string { return proto.AgentRecommender }

func (r *Recommender) Handlers() map[proto.MsgType]bus.Handler {
	return map[proto.MsgType]bus.Handler{
		proto.MsgTypeGenerateRecommendations: typed(r.GetID(), r.logger, r.generate),
		proto.MsgTypeRefineRecommendations:   typed(r.GetID(), r.logger, r.refine),
	}
}

type candidate struct {
	pairing
	score   float64
	matched map[Category]bool
}

func (r *Recommender) generate(_ context.Context, req proto.RecommendationsRequest, _ *proto.Envelope) (any, *proto.AgentError) {
	if len(req.Ingredients) == 0 {
		return nil, proto.NewAgentError(proto.ErrCodeValidation, "no ingredients to pair", r.GetID(), "")
	}

	categories := categoriesOf(req.Ingredients)
	candidates := rank(categories, req.Preferences, req.PreviousWines)
	if len(candidates) == 0 {
		for _, p := range crowdPleasers {
			if !slices.Contains(req.PreviousWines, p.Name) {
				candidates = append(candidates, candidate{pairing: p, matched: map[Category]bool{}})
			}
		}
	}
	if len(candidates) > maxRecommendations {
		candidates = candidates[:maxRecommendations]
	}

	reply := proto.RecommendationsReply{
		Wines:        toRecommendations(candidates),
		QualityScore: quality(candidates, categories, req.Preferences),
		Reasoning:    fmt.Sprintf("paired %d ingredient groups on attempt %d", len(categories), req.Attempt),
	}
	r.logger.Debug("Attempt %d: %v (quality %.2f)", req.Attempt, proto.WineNames(reply.Wines), reply.QualityScore)
	return reply, nil
}

// refine reorders the wines so the ones matching the user's preferences come first and
// drops any the user asked to avoid.
func (r *Recommender) refine(_ context.Context, req proto.RefineRequest, _ *proto.Envelope) (any, *proto.AgentError) {
	if len(req.Wines) == 0 {
		return nil, proto.NewAgentError(proto.ErrCodeValidation, "nothing to refine", r.GetID(), "")
	}

	avoid := avoidList(req.Preferences)
	wines := make([]proto.WineRecommendation, 0, len(req.Wines))
	for _, w := range req.Wines {
		if !avoid[strings.ToLower(w.Name)] {
			wines = append(wines, w)
		}
	}
	if len(wines) == 0 {
		wines = slices.Clone(req.Wines)
	}
	sort.SliceStable(wines, func(i, j int) bool {
		return honours(wines[i], req.Preferences) && !honours(wines[j], req.Preferences)
	})

	score := req.QualityScore + preferenceBonus
	if len(categoriesOf(req.Ingredients)) > 0 {
		score += preferenceBonus
	}
	return proto.RecommendationsReply{
		Wines:        wines,
		QualityScore: min(score, 1),
		Reasoning:    "reordered by stated preferences",
	}, nil
}

func categoriesOf(ingredientNames []string) []Category {
	var out []Category
	for _, name := range ingredientNames {
		if c, ok := categoryOf(name); ok && !slices.Contains(out, c) {
			out = append(out, c)
		}
	}
	return out
}

// rank scores every pairing reachable from categories. A wine scores once per category it
// suits, plus a bonus for honoured preferences.
func rank(categories []Category, prefs proto.Preferences, previous []string) []candidate {
	avoid := avoidList(prefs)
	byName := make(map[string]*candidate)
	var order []string
	for _, c := range categories {
		for i, p := range pairings[c] {
			if slices.Contains(previous, p.Name) || avoid[strings.ToLower(p.Name)] {
				continue
			}
			cand, ok := byName[p.Name]
			if !ok {
				cand = &candidate{pairing: p, matched: map[Category]bool{}}
				byName[p.Name] = cand
				order = append(order, p.Name)
			}
			cand.matched[c] = true
			// Earlier entries in a pairing list are the better match.
			cand.score += 1 - 0.1*float64(i)
		}
	}

	out := make([]candidate, 0, len(order))
	for _, name := range order {
		cand := byName[name]
		if honours(cand.recommendation(), prefs) {
			cand.score += 0.5
		}
		out = append(out, *cand)
	}
	sort.SliceStable(out, func(i, j int) bool { return out[i].score > out[j].score })
	return out
}

// quality is the share of ingredient categories covered by the picks, with a bonus when
// the top pick honours the user's preferences.
func quality(picks []candidate, categories []Category, prefs proto.Preferences) float64 {
	if len(picks) == 0 {
		return 0
	}
	if len(categories) == 0 {
		return baseQuality
	}
	covered := make(map[Category]bool)
	for _, p := range picks {
		for c := range p.matched {
			covered[c] = true
		}
	}
	score := baseQuality + coverageWeight*float64(len(covered))/float64(len(categories))
	if len(prefs) > 0 && honours(picks[0].recommendation(), prefs) {
		score += preferenceBonus
	}
	return min(score, 1)
}

func honours(w proto.WineRecommendation, prefs proto.Preferences) bool {
	if len(prefs) == 0 {
		return false
	}
	if style := prefs.String(PrefStyle); style != "" && !strings.EqualFold(style, w.Style) {
		return false
	}
	if sweet := prefs.String(PrefSweetness); sweet != "" {
		p := lookupPairing(w.Name)
		if p == nil || !strings.EqualFold(sweet, p.Sweetness) {
			return false
		}
	}
	return prefs.String(PrefStyle) != "" || prefs.String(PrefSweetness) != ""
}

func avoidList(prefs proto.Preferences) map[string]bool {
	out := make(map[string]bool)
	switch v := prefs[PrefAvoid].(type) {
	case string:
		for _, name := range strings.Split(v, ",") {
			out[strings.ToLower(strings.TrimSpace(name))] = true
		}
	case []string:
		for _, name := range v {
			out[strings.ToLower(name)] = true
		}
	case []any:
		for _, name := range v {
			if s, ok := name.(string); ok {
				out[strings.ToLower(s)] = true
			}
		}
	}
	return out
}

func lookupPairing(name string) *pairing {
	for _, list := range pairings {
		for i := range list {
			if list[i].Name == name {
				return &list[i]
			}
		}
	}
	for i := range crowdPleasers {
		if crowdPleasers[i].Name == name {
			return &crowdPleasers[i]
		}
	}
	return nil
}

func (c candidate) recommendation() proto.WineRecommendation {
	return proto.WineRecommendation{
		Name:      c.Name,
		Style:     c.Style,
		Region:    c.Region,
		Reasoning: c.Reasoning,
		Score:     c.score,
	}
}

func toRecommendations(cands []candidate) []proto.WineRecommendation {
	out := make([]proto.WineRecommendation, 0, len(cands))
	for _, c := range cands {
		out = append(out, c.recommendation())
	}
	return out
}
