// Package collab provides reference implementations of the collaborators the coordinator
// talks to: input validation, preferences, recommendation, shopping, fallback and
// explanation. Each implements bus.Agent and can be attached to a bus.
package collab

import (
	"context"

	"sommelier/pkg/bus"
	"sommelier/pkg/logx"
	"sommelier/pkg/proto"
)

// typed adapts fn to bus.Handler: it decodes the payload into Req and turns the returned
// value or error into a Result.
func typed[Req any](agentID string, logger *logx.Logger, fn func(context.Context, Req, *proto.Envelope) (any, *proto.AgentError)) bus.Handler {
	return func(ctx context.Context, env *proto.Envelope) proto.Result {
		req, err := proto.DecodePayload[Req](env.Payload)
		if err != nil {
			logger.Warn("Rejecting %s from %s: %v", env.Type, env.SourceAgent, err)
			return proto.Failf(proto.ErrCodeInvalidPayload, agentID, "%s: %v", env.Type, err)
		}
		data, agentErr := fn(ctx, req, env)
		if agentErr != nil {
			if agentErr.AgentID == "" {
				agentErr.AgentID = agentID
			}
			return proto.Fail(agentErr)
		}
		return proto.OK(data)
	}
}

// Attach registers every agent on b.
func Attach(b *bus.Bus, agents ...bus.Agent) error {
	for _, ag := range agents {
		if err := b.Attach(ag); err != nil {
			return err
		}
	}
	return nil
}
