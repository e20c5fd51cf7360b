package collab

import (
	"context"
	"fmt"

	"sommelier/pkg/bus"
	"sommelier/pkg/logx"
	"sommelier/pkg/proto"
)

const (
	// Budgets below this are unlikely to buy anything from a real shop.
	lowBudgetHint = 10.0
	// Budgets above this are probably typos.
	highBudgetHint = 1000.0
)

// InputValidator normalizes ingredients and flags the ones the pairing table does not know.
type InputValidator struct {
	logger *logx.Logger
}

func NewInputValidator() *InputValidator {
	return &InputValidator{logger: logx.NewLogger(proto.AgentInputValidator)}
}

func (v *InputValidator) GetID() string { return proto.AgentInputValidator }

func (v *InputValidator) Handlers() map[proto.MsgType]bus.Handler {
	return map[proto.MsgType]bus.Handler{
		proto.MsgTypeValidateInput: typed(v.GetID(), v.logger, v.validate),
	}
}

func (v *InputValidator) validate(_ context.Context, req proto.ValidateInputRequest, _ *proto.Envelope) (any, *proto.AgentError) {
	seen := make(map[string]bool, len(req.Ingredients))
	reply := proto.ValidationReply{ValidIngredients: []string{}}
	for _, raw := range req.Ingredients {
		name := normalizeIngredient(raw)
		if name == "" || seen[name] {
			continue
		}
		seen[name] = true
		if _, ok := categoryOf(name); ok {
			reply.ValidIngredients = append(reply.ValidIngredients, name)
		} else {
			reply.InvalidIngredients = append(reply.InvalidIngredients, name)
		}
	}
	if len(seen) == 0 {
		return nil, proto.NewAgentError(proto.ErrCodeValidation, "at least one ingredient is required", v.GetID(), "")
	}
	reply.HasInvalidIngredients = len(reply.InvalidIngredients) > 0

	switch {
	case req.Budget <= 0:
		reply.Warnings = append(reply.Warnings, "no budget given")
	case req.Budget < lowBudgetHint:
		reply.Warnings = append(reply.Warnings, fmt.Sprintf("budget %.2f is very low", req.Budget))
	case req.Budget > highBudgetHint:
		reply.Warnings = append(reply.Warnings, fmt.Sprintf("budget %.2f is unusually high", req.Budget))
	}

	v.logger.Debug("Validated %d ingredients: %d known, %d unknown",
		len(seen), len(reply.ValidIngredients), len(reply.InvalidIngredients))
	return reply, nil
}
