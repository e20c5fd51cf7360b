package collab

import (
	"context"
	"errors"

	"sommelier/pkg/bus"
	"sommelier/pkg/logx"
	"sommelier/pkg/persistence"
	"sommelier/pkg/proto"
)

// PrefRecentWines is the preference key carrying the user's recently recommended wines.
const PrefRecentWines = "recentWines"

const recentWinesLimit = 5

// PreferenceAgent serves stored taste preferences and records recommendation history.
type PreferenceAgent struct {
	store  *persistence.Store
	logger *logx.Logger
}

func NewPreferenceAgent(store *persistence.Store) *PreferenceAgent {
	return &PreferenceAgent{store: store, logger: logx.NewLogger(proto.AgentPreferences)}
}

func (p *PreferenceAgent) GetID() string { return proto.AgentPreferences }

func (p *PreferenceAgent) Handlers() map[proto.MsgType]bus.Handler {
	return map[proto.MsgType]bus.Handler{
		proto.MsgTypeGetPreferences: typed(p.GetID(), p.logger, p.get),
		proto.MsgTypeUpdateHistory:  typed(p.GetID(), p.logger, p.record),
	}
}

// Anonymous users get empty preferences rather than an error.
func (p *PreferenceAgent) get(ctx context.Context, req proto.PreferencesRequest, env *proto.Envelope) (any, *proto.AgentError) {
	userID := req.UserID
	if userID == "" {
		userID = env.UserID
	}
	if userID == "" {
		return proto.PreferencesReply{Preferences: proto.Preferences{}}, nil
	}

	prefs, err := p.store.GetPreferences(ctx, userID)
	if err != nil {
		return nil, proto.NewAgentError(proto.ErrCodeCommunication, err.Error(), p.GetID(), env.CorrelationID)
	}
	recent, err := p.store.RecentWines(ctx, userID, recentWinesLimit)
	if err != nil {
		p.logger.Warn("Could not load history for %s: %v", userID, err)
	} else if len(recent) > 0 {
		prefs[PrefRecentWines] = recent
	}
	return proto.PreferencesReply{Preferences: prefs}, nil
}

func (p *PreferenceAgent) record(ctx context.Context, req proto.HistoryUpdate, env *proto.Envelope) (any, *proto.AgentError) {
	if req.UserID == "" {
		req.UserID = env.UserID
	}
	if req.ConversationID == "" {
		req.ConversationID = env.ConversationID
	}
	if err := p.store.AppendHistory(ctx, &req, req.Occasion); err != nil {
		if errors.Is(err, persistence.ErrNoUser) {
			return nil, proto.NewAgentError(proto.ErrCodeValidation, err.Error(), p.GetID(), env.CorrelationID)
		}
		return nil, proto.NewAgentError(proto.ErrCodeCommunication, err.Error(), p.GetID(), env.CorrelationID)
	}
	p.logger.Info("Recorded recommendation for %s in %s", req.UserID, req.ConversationID)
	return map[string]any{"recorded": true}, nil
}
