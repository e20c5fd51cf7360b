package collab

import (
	"context"

	"sommelier/pkg/bus"
	"sommelier/pkg/logx"
	"sommelier/pkg/narrator"
	"sommelier/pkg/proto"
)

// Explainer writes the pairing explanation with a narrator, falling back to the built-in
// template when the narrator fails.
type Explainer struct {
	narrator narrator.Narrator
	template *narrator.TemplateNarrator
	logger   *logx.Logger
}

func NewExplainer(n narrator.Narrator) *Explainer {
	tmpl := narrator.NewTemplate()
	if n == nil {
		n = tmpl
	}
	return &Explainer{narrator: n, template: tmpl, logger: logx.NewLogger(proto.AgentExplainer)}
}

func (e *Explainer) GetID() string { return proto.AgentExplainer }

func (e *Explainer) Handlers() map[proto.MsgType]bus.Handler {
	return map[proto.MsgType]bus.Handler{
		proto.MsgTypeGenerateExplanation: typed(e.GetID(), e.logger, e.explain),
	}
}

func (e *Explainer) explain(ctx context.Context, req proto.ExplanationRequest, env *proto.Envelope) (any, *proto.AgentError) {
	nreq := narrator.FromExplanationRequest(&req)
	text, err := e.narrator.Narrate(ctx, nreq)
	if err == nil {
		return proto.ExplanationReply{Explanation: text}, nil
	}

	e.logger.Warn("%s failed, using template: %v", e.narrator.Name(), err)
	text, err = e.template.Narrate(ctx, nreq)
	if err != nil {
		return nil, proto.NewAgentError(proto.ErrCodeCommunication, err.Error(), e.GetID(), env.CorrelationID)
	}
	return proto.ExplanationReply{Explanation: text}, nil
}
