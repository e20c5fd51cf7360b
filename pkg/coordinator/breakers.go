package coordinator

import (
	"context"
	"errors"

	"sommelier/pkg/circuit"
	"sommelier/pkg/proto"
)

// outcome is what a guarded call yields: the collaborator's result, or a fallback result
// when the breaker short-circuited.
type outcome struct {
	result         proto.Result
	shortCircuited bool
}

type guardedAgent struct {
	agentID string
	exec    *circuit.Executor[outcome]
}

// newGuardedAgent builds the breaker for one collaborator. fallback produces the degraded
// reply used while the breaker is open.
func (c *Coordinator) newGuardedAgent(agentID string, fallback func() proto.Result) *guardedAgent {
	b := circuit.New(agentID, c.cfg.Breaker,
		circuit.WithStateChangeHook(func(name string, from, to circuit.State) {
			c.logger.Warn("Circuit for %s changed %s -> %s", name, from, to)
			c.metrics.ObserveCircuitState(name, from.String(), to.String())
		}),
	)
	fb := func(context.Context, error) (outcome, error) {
		return outcome{result: fallback(), shortCircuited: true}, nil
	}
	return &guardedAgent{agentID: agentID, exec: circuit.NewExecutor(b, fb)}
}

// guarded sends one request to g's collaborator through its breaker. Short-circuits are
// recorded in the decision log and mark the run degraded. Only failures that say something
// about the collaborator's health count against the breaker; see tripsBreaker.
func (c *Coordinator) guarded(ctx context.Context, st *ConversationState, g *guardedAgent, msgType proto.MsgType, payload any, priority proto.Priority) proto.Result {
	out, err := g.exec.Execute(ctx, func(ctx context.Context) (outcome, error) {
		res := c.request(ctx, st, g.agentID, msgType, payload, priority)
		if !tripsBreaker(ctx, res) {
			return outcome{result: res}, nil
		}
		return outcome{result: res}, res.Err()
	})

	if out.shortCircuited {
		st.Degraded = true
		st.decide(proto.AgentCoordinator, "circuit-open:"+g.agentID,
			"breaker for "+g.agentID+" is open, using fallback reply for "+string(msgType))
		st.log.Warn("Circuit open for %s, fallback used for %s", g.agentID, msgType)
		return out.result
	}
	if err != nil && out.result.Success {
		// Executor-level failure without a collaborator result.
		return proto.Fail(agentErrorFrom(err, g.agentID, st.CorrelationID))
	}
	return out.result
}

// Breaker exposes the breaker protecting agentID, or nil if the agent is not monitored.
func (c *Coordinator) Breaker(agentID string) circuit.Breaker {
	for _, g := range c.guardedAgents() {
		if g.agentID == agentID {
			return g.exec.Breaker()
		}
	}
	return nil
}

// CircuitStates returns the current breaker state of every monitored collaborator.
func (c *Coordinator) CircuitStates() map[string]string {
	states := make(map[string]string)
	for _, g := range c.guardedAgents() {
		states[g.agentID] = g.exec.Breaker().GetState().String()
	}
	return states
}

func (c *Coordinator) guardedAgents() []*guardedAgent {
	return []*guardedAgent{c.validator, c.preferences, c.recommender, c.shopper, c.explainer}
}

// tripsBreaker reports whether a failed result is a health signal for the collaborator:
// routing failures and recoverable errors such as timeouts. Rejections of the caller's
// input, and failures after the caller's own context ended, are not.
func tripsBreaker(ctx context.Context, res proto.Result) bool {
	if res.Success {
		return false
	}
	if ctx.Err() != nil {
		return false
	}
	if res.Error == nil {
		return true
	}
	return res.Error.Recoverable || res.Error.Code.Kind() == proto.KindRouting
}

func agentErrorFrom(err error, agentID, correlationID string) *proto.AgentError {
	var agentErr *proto.AgentError
	if errors.As(err, &agentErr) {
		return agentErr
	}
	var cbErr *circuit.Error
	if errors.As(err, &cbErr) {
		return proto.NewAgentError(proto.ErrCodeCircuitOpen, cbErr.Error(), agentID, correlationID)
	}
	return proto.NewAgentError(proto.ErrCodeCommunication, err.Error(), agentID, correlationID)
}
