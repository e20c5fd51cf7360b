package collab

import (
	"context"
	"fmt"
	"slices"

	"sommelier/pkg/bus"
	"sommelier/pkg/logx"
	"sommelier/pkg/proto"
)

// Substitution confidence by how far the closest known ingredient is from the input,
// measured as edit distance over the input length.
const (
	confidenceClose    = 0.9
	confidenceNear     = 0.75
	confidenceUnlikely = 0.4

	closeRatio = 0.25
	nearRatio  = 0.5

	suggestionsPerIngredient = 3
)

// FallbackAgent interprets unknown ingredients and supplies safe recommendations when
// the recommender cannot.
type FallbackAgent struct {
	logger *logx.Logger
}

func NewFallbackAgent() *FallbackAgent {
	return &FallbackAgent{logger: logx.NewLogger(proto.AgentFallback)}
}

func (f *FallbackAgent) GetID() string { return proto.AgentFallback }

func (f *FallbackAgent) Handlers() map[proto.MsgType]bus.Handler {
	return map[proto.MsgType]bus.Handler{
		proto.MsgTypeFallbackRequest:          typed(f.GetID(), f.logger, f.substitute),
		proto.MsgTypeEmergencyRecommendations: typed(f.GetID(), f.logger, f.emergency),
	}
}

// substitute maps every unknown ingredient to its closest known one. The reply confidence
// is that of the weakest substitution.
func (f *FallbackAgent) substitute(_ context.Context, req proto.FallbackRequest, _ *proto.Envelope) (any, *proto.AgentError) {
	if len(req.InvalidIngredients) == 0 {
		return proto.FallbackReply{Suggestions: []string{}, Confidence: 1}, nil
	}

	reply := proto.FallbackReply{
		Substitutions: make(map[string]string, len(req.InvalidIngredients)),
		Confidence:    1,
	}
	for _, raw := range req.InvalidIngredients {
		name := normalizeIngredient(raw)
		closest := closestIngredients(name, suggestionsPerIngredient)
		if len(closest) == 0 {
			reply.Confidence = 0
			continue
		}
		for _, c := range closest {
			if !slices.Contains(reply.Suggestions, c.name) {
				reply.Suggestions = append(reply.Suggestions, c.name)
			}
		}
		conf := substitutionConfidence(name, closest[0].distance)
		if conf >= confidenceNear {
			reply.Substitutions[raw] = closest[0].name
		}
		reply.Confidence = min(reply.Confidence, conf)
		f.logger.Debug("%q -> %q (distance %d, confidence %.2f)", raw, closest[0].name, closest[0].distance, conf)
	}
	return reply, nil
}

func substitutionConfidence(name string, distance int) float64 {
	length := len([]rune(name))
	if length == 0 {
		return 0
	}
	ratio := float64(distance) / float64(length)
	switch {
	case ratio <= closeRatio:
		return confidenceClose
	case ratio <= nearRatio:
		return confidenceNear
	default:
		return confidenceUnlikely
	}
}

// emergency returns crowd-pleasers, preferring ones that suit a known ingredient.
func (f *FallbackAgent) emergency(_ context.Context, req proto.EmergencyRequest, _ *proto.Envelope) (any, *proto.AgentError) {
	styles := stylesFor(req.Ingredients)
	wines := make([]proto.WineRecommendation, 0, len(crowdPleasers))
	var rest []proto.WineRecommendation
	for _, p := range crowdPleasers {
		rec := proto.WineRecommendation{Name: p.Name, Style: p.Style, Region: p.Region, Reasoning: p.Reasoning}
		if slices.Contains(styles, p.Style) {
			wines = append(wines, rec)
		} else {
			rest = append(rest, rec)
		}
	}
	wines = append(wines, rest...)

	f.logger.Warn("Emergency recommendations issued: %s", req.Reason)
	return proto.RecommendationsReply{
		Wines:     wines,
		Reasoning: fmt.Sprintf("safe choices for %d ingredients", len(req.Ingredients)),
	}, nil
}
