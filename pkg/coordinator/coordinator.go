// Package coordinator drives the wine recommendation workflow over the message bus.
//
// A run moves through five phases: parallel gathering of validation and preferences,
// conditional substitution and budget adjustment, a quality-gated recommendation loop,
// a fan-out shopping search and finalization. Failures in the first two phases abort the
// run; later failures degrade the result instead.
package coordinator

import (
	"context"
	"fmt"
	"runtime/debug"
	"time"

	"sommelier/pkg/bus"
	"sommelier/pkg/logx"
	"sommelier/pkg/metrics"
	"sommelier/pkg/proto"
)

// Messenger is the part of the bus the coordinator uses.
type Messenger interface {
	SendAndWait(ctx context.Context, target string, env *proto.Envelope, timeout time.Duration) proto.Result
	Publish(ctx context.Context, target string, env *proto.Envelope) error
	RegisterHandler(agentID string, msgType proto.MsgType, handler bus.Handler) error
}

// Option configures a Coordinator.
type Option func(*Coordinator)

// WithQualityEvaluator replaces the default HeuristicQuality.
func WithQualityEvaluator(q QualityEvaluator) Option {
	return func(c *Coordinator) { c.quality = q }
}

// WithBudgetAssessor replaces the default MinimumBudget.
func WithBudgetAssessor(b BudgetAssessor) Option {
	return func(c *Coordinator) { c.budget = b }
}

// WithMetrics sets the metrics recorder.
func WithMetrics(m metrics.Recorder) Option {
	return func(c *Coordinator) { c.metrics = m }
}

// WithLogger replaces the default "coordinator" logger.
func WithLogger(l *logx.Logger) Option {
	return func(c *Coordinator) { c.logger = l }
}

// Coordinator runs orchestrations. It is safe for concurrent use; each run owns its state.
type Coordinator struct {
	bus     Messenger
	cfg     Config
	logger  *logx.Logger
	metrics metrics.Recorder
	quality QualityEvaluator
	budget  BudgetAssessor

	validator   *guardedAgent
	preferences *guardedAgent
	recommender *guardedAgent
	shopper     *guardedAgent
	explainer   *guardedAgent
}

// New creates a coordinator with one breaker per monitored collaborator.
func New(messenger Messenger, cfg Config, opts ...Option) *Coordinator {
	c := &Coordinator{
		bus:     messenger,
		cfg:     cfg.applyDefaults(),
		logger:  logx.NewLogger("coordinator"),
		metrics: metrics.Nop(),
		quality: HeuristicQuality{},
		budget:  DefaultBudgetAssessor(),
	}
	for _, opt := range opts {
		opt(c)
	}

	c.validator = c.newGuardedAgent(proto.AgentInputValidator, func() proto.Result {
		// Accept the input as given; downstream phases still run.
		return proto.OK(proto.ValidationReply{Warnings: []string{"input validation unavailable"}})
	})
	c.preferences = c.newGuardedAgent(proto.AgentPreferences, func() proto.Result {
		return proto.OK(proto.PreferencesReply{Preferences: proto.Preferences{}})
	})
	c.recommender = c.newGuardedAgent(proto.AgentRecommender, func() proto.Result {
		return proto.OK(proto.RecommendationsReply{Reasoning: "recommender unavailable"})
	})
	c.shopper = c.newGuardedAgent(proto.AgentShopper, func() proto.Result {
		return proto.OK(proto.FindWinesReply{})
	})
	c.explainer = c.newGuardedAgent(proto.AgentExplainer, func() proto.Result {
		return proto.OK(proto.ExplanationReply{})
	})
	return c
}

// Config returns the effective configuration.
func (c *Coordinator) Config() Config {
	return c.cfg
}

// Register installs the coordinator as the orchestrate-request handler.
func (c *Coordinator) Register() error {
	if err := c.bus.RegisterHandler(proto.AgentCoordinator, proto.MsgTypeOrchestrateRequest, c.handleOrchestrate); err != nil {
		return fmt.Errorf("register coordinator: %w", err)
	}
	return nil
}

func (c *Coordinator) handleOrchestrate(ctx context.Context, env *proto.Envelope) proto.Result {
	req, err := proto.DecodePayload[proto.OrchestrateRequest](env.Payload)
	if err != nil {
		return proto.Failf(proto.ErrCodeInvalidPayload, proto.AgentCoordinator, "orchestrate-request: %v", err)
	}
	conversationID := firstNonEmpty(req.ConversationID, env.ConversationID)
	correlationID := firstNonEmpty(req.CorrelationID, env.CorrelationID)
	if req.UserInput.UserID == "" {
		req.UserInput.UserID = env.UserID
	}

	final := c.Orchestrate(ctx, &req.UserInput, conversationID, correlationID)
	if !final.Success {
		agentErr := final.Error
		if agentErr == nil {
			agentErr = proto.NewAgentError(proto.ErrCodeOrchestration, "orchestration failed", proto.AgentCoordinator, correlationID)
		}
		return proto.Fail(agentErr.WithContext("recommendation", final))
	}
	return proto.OK(final)
}

// Orchestrate runs the full workflow for one request. It never panics and never returns nil:
// aborted runs come back with Success=false and Error set, and unexpected failures come back
// as a degraded result with no primary recommendation and zero confidence.
func (c *Coordinator) Orchestrate(ctx context.Context, req *proto.RecommendationRequest, conversationID, correlationID string) (final *proto.FinalRecommendation) {
	start := time.Now()
	if conversationID == "" {
		conversationID = proto.NewID()
	}
	if correlationID == "" {
		correlationID = proto.NewID()
	}

	log := c.logger.ForConversation(conversationID)
	defer func() {
		if r := recover(); r != nil {
			log.Error("Orchestration panicked: %v\n%s", r, debug.Stack())
			final = &proto.FinalRecommendation{
				Success:        true,
				Explanation:    "We hit an unexpected problem while preparing your recommendation. Please try again.",
				ConversationID: conversationID,
				CanRefine:      true,
				Degraded:       true,
				Error: proto.NewAgentError(proto.ErrCodeOrchestration,
					fmt.Sprintf("unexpected failure: %v", r), proto.AgentCoordinator, correlationID),
			}
			c.metrics.ObserveWorkflow("panic", 0, time.Since(start))
		}
	}()

	if req == nil {
		req = &proto.RecommendationRequest{}
	}
	st := newConversationState(req, conversationID, correlationID, log)
	log.Info("Starting orchestration (%d ingredients, budget %.2f)", len(req.Ingredients), req.Budget)

	final = c.run(logx.WithConversation(ctx, conversationID), st)

	status := "success"
	switch {
	case !final.Success:
		status = "aborted"
	case final.Degraded:
		status = "degraded"
	}
	c.metrics.ObserveWorkflow(status, final.Confidence, time.Since(start))
	log.Info("Orchestration finished: %s, confidence %.2f, %d errors in %v",
		status, final.Confidence, len(st.Errors), time.Since(start))
	return final
}

func (c *Coordinator) run(ctx context.Context, st *ConversationState) *proto.FinalRecommendation {
	ctx = logx.WithComponent(ctx, proto.AgentCoordinator)

	if agentErr := c.gatherContext(ctx, st); agentErr != nil {
		c.metrics.ObservePhase("gathering", "failed")
		return c.abort(st, agentErr)
	}
	c.metrics.ObservePhase("gathering", "ok")

	if final := c.resolveConditions(ctx, st); final != nil {
		c.metrics.ObservePhase("branching", "failed")
		return final
	}
	c.metrics.ObservePhase("branching", "ok")

	c.recommend(ctx, st)
	c.metrics.ObservePhase("recommendation", phaseStatus(st.UsedEmergency))

	c.shop(ctx, st)
	c.metrics.ObservePhase("shopping", phaseStatus(len(st.Options) == 0))

	final := c.finalize(ctx, st)
	c.metrics.ObservePhase("finalization", phaseStatus(final.Primary == nil))
	return final
}

// abort turns a phase 1-2 failure into the structured failure returned to the caller.
func (c *Coordinator) abort(st *ConversationState, cause *proto.AgentError) *proto.FinalRecommendation {
	st.recordError(cause)
	st.decide(proto.AgentCoordinator, "abort", cause.Message)
	st.log.Warn("Aborting orchestration in phase %s: %s", st.Phase, cause)

	final := &proto.FinalRecommendation{
		Success:        false,
		ConversationID: st.ConversationID,
		Alternatives:   []proto.WineOption{},
		Explanation:    cause.Message,
		Error:          cause,
	}
	if c.cfg.IncludeDecisionLog {
		final.Decisions = st.Decisions
	}
	return final
}

// request sends one envelope to target and waits for the correlated reply.
func (c *Coordinator) request(ctx context.Context, st *ConversationState, target string, msgType proto.MsgType, payload any, priority proto.Priority) proto.Result {
	env, err := c.envelope(st, target, msgType, payload, priority)
	if err != nil {
		return proto.Fail(proto.NewAgentError(proto.ErrCodeOrchestration, err.Error(), proto.AgentCoordinator, st.CorrelationID))
	}
	logx.Debug(ctx, "coordinator", "Sending %s to %s (corr=%s)", msgType, target, env.CorrelationID)
	return c.bus.SendAndWait(ctx, target, env, c.cfg.AgentTimeout)
}

// notify publishes a fire-and-forget message.
func (c *Coordinator) notify(ctx context.Context, st *ConversationState, target string, msgType proto.MsgType, payload any) {
	env, err := c.envelope(st, target, msgType, payload, proto.PriorityLow)
	if err != nil {
		st.log.Warn("Failed to build %s notification: %v", msgType, err)
		return
	}
	if err := c.bus.Publish(ctx, target, env); err != nil {
		st.log.Warn("Failed to publish %s to %s: %v", msgType, target, err)
	}
}

func (c *Coordinator) envelope(st *ConversationState, target string, msgType proto.MsgType, payload any, priority proto.Priority) (*proto.Envelope, error) {
	return proto.NewEnvelope(proto.EnvelopeParams{
		Type:           msgType,
		Payload:        payload,
		SourceAgent:    proto.AgentCoordinator,
		TargetAgent:    target,
		ConversationID: st.ConversationID,
		CorrelationID:  proto.NewID(),
		UserID:         st.UserID,
		Priority:       priority,
		Metadata:       map[string]string{"parent_correlation_id": st.CorrelationID},
	})
}

func phaseStatus(degraded bool) string {
	if degraded {
		return "degraded"
	}
	return "ok"
}

func firstNonEmpty(values ...string) string {
	for _, v := range values {
		if v != "" {
			return v
		}
	}
	return ""
}
