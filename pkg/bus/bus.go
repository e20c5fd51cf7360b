// Package bus routes envelopes between in-process agents and correlates
// request/response pairs with timeouts.
package bus

import (
	"context"
	"errors"
	"fmt"
	"sort"
	"sync"
	"sync/atomic"
	"time"

	"sommelier/pkg/logx"
	"sommelier/pkg/metrics"
	"sommelier/pkg/proto"
)

// Broadcast as a target delivers to every agent with a handler for the message type.
const Broadcast = "*"

var (
	// ErrClosed is returned by Publish after Shutdown.
	ErrClosed = errors.New("bus is closed")
	// ErrNilEnvelope is returned by Publish for a nil envelope.
	ErrNilEnvelope = errors.New("nil envelope")
)

// Handler processes one envelope and returns the reply.
type Handler func(ctx context.Context, env *proto.Envelope) proto.Result

// Agent is a collaborator that exposes a set of handlers under one identifier.
type Agent interface {
	GetID() string
	Handlers() map[proto.MsgType]Handler
}

// Config holds bus timing settings.
type Config struct {
	// DefaultTimeout applies to SendAndWait calls made with a zero timeout.
	DefaultTimeout time.Duration
	// HandlerTimeout bounds handlers invoked by Publish when the caller's context has no deadline.
	HandlerTimeout time.Duration
}

// DefaultConfig returns the timing used when no configuration is supplied.
func DefaultConfig() Config {
	return Config{
		DefaultTimeout: 30 * time.Second,
		HandlerTimeout: 60 * time.Second,
	}
}

// Option configures a Bus.
type Option func(*Bus)

// WithLogger replaces the default "bus" logger.
func WithLogger(l *logx.Logger) Option {
	return func(b *Bus) { b.logger = l }
}

// WithMetrics sets the metrics recorder.
func WithMetrics(m metrics.Recorder) Option {
	return func(b *Bus) { b.metrics = m }
}

// Bus is an in-process message bus. All methods are safe for concurrent use.
type Bus struct {
	cfg     Config
	logger  *logx.Logger
	metrics metrics.Recorder

	mu       sync.RWMutex
	handlers map[string]map[proto.MsgType]Handler
	closed   bool

	pendingMu sync.Mutex
	pending   map[string]*pendingEntry

	wg       sync.WaitGroup
	inFlight atomic.Int64
}

// New creates a bus. Zero config fields take DefaultConfig values.
func New(cfg Config, opts ...Option) *Bus {
	def := DefaultConfig()
	if cfg.DefaultTimeout <= 0 {
		cfg.DefaultTimeout = def.DefaultTimeout
	}
	if cfg.HandlerTimeout <= 0 {
		cfg.HandlerTimeout = def.HandlerTimeout
	}

	b := &Bus{
		cfg:      cfg,
		logger:   logx.NewLogger("bus"),
		metrics:  metrics.Nop(),
		handlers: make(map[string]map[proto.MsgType]Handler),
		pending:  make(map[string]*pendingEntry),
	}
	for _, opt := range opts {
		opt(b)
	}
	return b
}

// RegisterHandler installs handler for (agentID, msgType), replacing any previous handler.
func (b *Bus) RegisterHandler(agentID string, msgType proto.MsgType, handler Handler) error {
	if agentID == "" || agentID == Broadcast {
		return fmt.Errorf("invalid agent id %q", agentID)
	}
	if msgType == "" {
		return fmt.Errorf("empty message type for agent %s", agentID)
	}
	if handler == nil {
		return fmt.Errorf("nil handler for %s/%s", agentID, msgType)
	}

	b.mu.Lock()
	defer b.mu.Unlock()

	byType, exists := b.handlers[agentID]
	if !exists {
		byType = make(map[proto.MsgType]Handler)
		b.handlers[agentID] = byType
	}

	// Storing the same function again leaves routing unchanged.
	if _, ok := byType[msgType]; ok {
		b.logger.Debug("Handler for %s/%s re-registered", agentID, msgType)
	} else {
		b.logger.Debug("Registered handler for %s/%s", agentID, msgType)
	}
	byType[msgType] = handler
	return nil
}

// Attach registers every handler exposed by ag.
func (b *Bus) Attach(ag Agent) error {
	agentID := ag.GetID()
	for msgType, h := range ag.Handlers() {
		if err := b.RegisterHandler(agentID, msgType, h); err != nil {
			return fmt.Errorf("attach %s: %w", agentID, err)
		}
	}
	b.logger.Info("Attached agent %s", agentID)
	return nil
}

// UnregisterAgent removes all handlers of agentID. Requests already in flight complete normally.
func (b *Bus) UnregisterAgent(agentID string) {
	b.mu.Lock()
	defer b.mu.Unlock()

	if _, exists := b.handlers[agentID]; exists {
		delete(b.handlers, agentID)
		b.logger.Info("Detached agent %s", agentID)
	}
}

// Publish delivers env to target without waiting for the reply. Routing failures and handler
// panics are turned into error envelopes and resolved against env's correlation id, so
// Publish itself only fails for a nil envelope or a closed bus.
func (b *Bus) Publish(ctx context.Context, target string, env *proto.Envelope) error {
	if env == nil {
		return ErrNilEnvelope
	}

	b.mu.RLock()
	if b.closed {
		b.mu.RUnlock()
		return ErrClosed
	}
	targets, routeErr := b.route(target, env)
	b.mu.RUnlock()

	b.metrics.ObservePublish(string(env.Type))
	logx.Debug(ctx, "bus", "Publishing %s to %s (%d handlers)", env, target, len(targets))

	if routeErr != nil {
		b.logger.Warn("Routing failed for %s: %s", env, routeErr.Message)
		b.resolveResponse(proto.NewReply(env, proto.AgentBus, proto.Fail(routeErr)))
		return nil
	}

	for _, t := range targets {
		b.deliver(ctx, t, env)
	}
	return nil
}

type routeTarget struct {
	agentID string
	handler Handler
}

// route resolves target into handlers. Caller holds mu.
func (b *Bus) route(target string, env *proto.Envelope) ([]routeTarget, *proto.AgentError) {
	if target == Broadcast {
		agentIDs := make([]string, 0, len(b.handlers))
		for agentID, byType := range b.handlers {
			if _, ok := byType[env.Type]; ok {
				agentIDs = append(agentIDs, agentID)
			}
		}
		sort.Strings(agentIDs)

		if len(agentIDs) == 0 {
			return nil, proto.NewAgentError(proto.ErrCodeNoTypeHandler,
				fmt.Sprintf("no agent handles %s", env.Type), proto.AgentBus, env.CorrelationID)
		}
		targets := make([]routeTarget, 0, len(agentIDs))
		for _, agentID := range agentIDs {
			targets = append(targets, routeTarget{agentID: agentID, handler: b.handlers[agentID][env.Type]})
		}
		return targets, nil
	}

	byType, exists := b.handlers[target]
	if !exists {
		return nil, proto.NewAgentError(proto.ErrCodeNoHandler,
			fmt.Sprintf("no handler registered for agent %s", target), proto.AgentBus, env.CorrelationID)
	}
	h, ok := byType[env.Type]
	if !ok {
		return nil, proto.NewAgentError(proto.ErrCodeNoTypeHandler,
			fmt.Sprintf("agent %s has no handler for %s", target, env.Type), proto.AgentBus, env.CorrelationID)
	}
	return []routeTarget{{agentID: target, handler: h}}, nil
}

// deliver runs the handler on its own goroutine and resolves its reply. The handler context
// keeps the caller's deadline but not its cancellation.
func (b *Bus) deliver(ctx context.Context, t routeTarget, env *proto.Envelope) {
	base := logx.WithComponent(context.WithoutCancel(ctx), t.agentID)
	var (
		hctx   context.Context
		cancel context.CancelFunc
	)
	if deadline, ok := ctx.Deadline(); ok {
		hctx, cancel = context.WithDeadline(base, deadline)
	} else {
		hctx, cancel = context.WithTimeout(base, b.cfg.HandlerTimeout)
	}

	b.wg.Add(1)
	b.inFlight.Add(1)
	go func() {
		defer b.wg.Done()
		defer b.inFlight.Add(-1)
		defer cancel()

		start := time.Now()
		result, status := b.invoke(hctx, t, env)
		b.metrics.ObserveDelivery(t.agentID, string(env.Type), status, time.Since(start))

		b.resolveResponse(proto.NewReply(env, t.agentID, result))
	}()
}

func (b *Bus) invoke(ctx context.Context, t routeTarget, env *proto.Envelope) (result proto.Result, status string) {
	defer func() {
		if r := recover(); r != nil {
			b.logger.Error("Handler %s/%s panicked: %v", t.agentID, env.Type, r)
			result = proto.Fail(proto.NewAgentError(proto.ErrCodeCommunication,
				fmt.Sprintf("handler panic: %v", r), t.agentID, env.CorrelationID))
			status = "panic"
		}
	}()

	result = t.handler(ctx, env)
	if !result.Success {
		return result, "error"
	}
	return result, "success"
}

// SendAndWait publishes env to target and waits for the reply correlated by
// env.CorrelationID. It returns the handler's result, a routing or communication failure
// produced by the bus, or TIMEOUT_ERROR when nothing arrives within timeout. A zero timeout
// uses the configured default.
func (b *Bus) SendAndWait(ctx context.Context, target string, env *proto.Envelope, timeout time.Duration) proto.Result {
	if env == nil {
		return proto.Failf(proto.ErrCodeInvalidPayload, proto.AgentBus, "nil envelope")
	}
	if timeout <= 0 {
		timeout = b.cfg.DefaultTimeout
	}

	entry, errResult := b.addPending(env, target, timeout)
	if errResult != nil {
		return *errResult
	}

	callCtx, cancel := context.WithTimeout(ctx, timeout)
	defer cancel()

	if err := b.Publish(callCtx, target, env); err != nil {
		if b.takePending(env.CorrelationID, entry) {
			entry.timer.Stop()
			return proto.Fail(proto.NewAgentError(proto.ErrCodeBusClosed, err.Error(), proto.AgentBus, env.CorrelationID))
		}
		return <-entry.ch
	}

	select {
	case res := <-entry.ch:
		return res
	case <-ctx.Done():
		if !b.takePending(env.CorrelationID, entry) {
			// A reply or the timer won the race; its result is on the way.
			return <-entry.ch
		}
		entry.timer.Stop()
		b.metrics.ObserveResolution(metrics.OutcomeCancelled)
		code := proto.ErrCodeCommunication
		if errors.Is(ctx.Err(), context.DeadlineExceeded) {
			code = proto.ErrCodeTimeout
		}
		return proto.Fail(proto.NewAgentError(code,
			fmt.Sprintf("request %s to %s abandoned: %v", env.Type, target, ctx.Err()), target, env.CorrelationID))
	}
}

// resolveResponse completes the pending request matching response's correlation id.
// Responses without a pending request are logged and dropped.
func (b *Bus) resolveResponse(response *proto.Envelope) {
	entry, ok := b.popPending(response.CorrelationID)
	if !ok {
		b.metrics.ObserveResolution(metrics.OutcomeDropped)
		b.logger.Debug("Dropping uncorrelated %s", response)
		return
	}
	entry.timer.Stop()
	b.metrics.ObserveResolution(metrics.OutcomeReply)
	entry.ch <- proto.ResultFromEnvelope(response)
}

// Stats is a point-in-time view of the bus.
type Stats struct {
	Agents   map[string][]string `json:"agents"`
	Pending  int                 `json:"pending"`
	InFlight int64               `json:"in_flight"`
	Closed   bool                `json:"closed"`
}

// Stats returns the registered agents with their message types and the number of
// outstanding requests and running handlers.
func (b *Bus) Stats() Stats {
	b.mu.RLock()
	agents := make(map[string][]string, len(b.handlers))
	for agentID, byType := range b.handlers {
		types := make([]string, 0, len(byType))
		for mt := range byType {
			types = append(types, string(mt))
		}
		sort.Strings(types)
		agents[agentID] = types
	}
	closed := b.closed
	b.mu.RUnlock()

	b.pendingMu.Lock()
	pending := len(b.pending)
	b.pendingMu.Unlock()

	return Stats{
		Agents:   agents,
		Pending:  pending,
		InFlight: b.inFlight.Load(),
		Closed:   closed,
	}
}

// Shutdown stops accepting messages, fails every outstanding request with BUS_CLOSED and
// waits for running handlers until ctx expires.
func (b *Bus) Shutdown(ctx context.Context) error {
	b.mu.Lock()
	if b.closed {
		b.mu.Unlock()
		return nil
	}
	b.closed = true
	b.mu.Unlock()

	b.logger.Info("Shutting down bus")
	failed := b.failAllPending()
	if failed > 0 {
		b.logger.Warn("Failed %d pending requests on shutdown", failed)
	}

	done := make(chan struct{})
	go func() {
		b.wg.Wait()
		close(done)
	}()

	select {
	case <-done:
		b.logger.Info("Bus stopped successfully")
		return nil
	case <-ctx.Done():
		b.logger.Warn("Bus shutdown timed out with %d handlers running", b.inFlight.Load())
		return ctx.Err()
	}
}
