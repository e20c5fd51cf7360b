package bus

import (
	"context"
	"fmt"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"sommelier/pkg/metrics"
	"sommelier/pkg/proto"
)

func newEnvelope(t *testing.T, msgType proto.MsgType, corrID string, payload any) *proto.Envelope {
	t.Helper()
	env, err := proto.NewEnvelope(proto.EnvelopeParams{
		Type:           msgType,
		Payload:        payload,
		SourceAgent:    proto.AgentCoordinator,
		ConversationID: "conv-test",
		CorrelationID:  corrID,
	})
	require.NoError(t, err)
	return env
}

func echo(_ context.Context, env *proto.Envelope) proto.Result {
	return proto.OK(env.Payload)
}

func TestSendAndWaitCorrelatesReply(t *testing.T) {
	b := New(Config{})
	require.NoError(t, b.RegisterHandler(proto.AgentInputValidator, proto.MsgTypeValidateInput,
		func(_ context.Context, env *proto.Envelope) proto.Result {
			return proto.OK(map[string]any{"validIngredients": []string{"salmon"}, "hasInvalidIngredients": false})
		}))

	res := b.SendAndWait(context.Background(), proto.AgentInputValidator,
		newEnvelope(t, proto.MsgTypeValidateInput, "c-1", proto.ValidateInputRequest{Ingredients: []string{"salmon"}}), time.Second)

	require.True(t, res.Success, "unexpected failure: %v", res.Err())
	reply, err := proto.DecodePayload[proto.ValidationReply](res.Data)
	require.NoError(t, err)
	assert.Equal(t, []string{"salmon"}, reply.ValidIngredients)
	assert.Equal(t, 0, b.Stats().Pending)
}

func TestHandlerFailurePropagates(t *testing.T) {
	b := New(Config{})
	require.NoError(t, b.RegisterHandler(proto.AgentShopper, proto.MsgTypeFindWines,
		func(context.Context, *proto.Envelope) proto.Result {
			return proto.Failf(proto.ErrCodeValidation, "", "budget must be positive")
		}))

	res := b.SendAndWait(context.Background(), proto.AgentShopper, newEnvelope(t, proto.MsgTypeFindWines, "c-f", "x"), time.Second)
	require.False(t, res.Success)
	assert.Equal(t, proto.ErrCodeValidation, res.Error.Code)
	assert.Equal(t, proto.AgentShopper, res.Error.AgentID)
	assert.Equal(t, "c-f", res.Error.CorrelationID)
}

func TestRoutingErrorsResolveBeforeTimeout(t *testing.T) {
	b := New(Config{})
	require.NoError(t, b.RegisterHandler(proto.AgentShopper, proto.MsgTypeFindWines, echo))

	tests := []struct {
		name   string
		target string
		code   proto.ErrorCode
	}{
		{"unknown agent", "nobody", proto.ErrCodeNoHandler},
		{"unknown type", proto.AgentShopper, proto.ErrCodeNoTypeHandler},
	}

	for i, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			start := time.Now()
			res := b.SendAndWait(context.Background(), tt.target,
				newEnvelope(t, proto.MsgTypeValidateInput, fmt.Sprintf("route-%d", i), "x"), 10*time.Second)

			require.False(t, res.Success)
			assert.Equal(t, tt.code, res.Error.Code)
			assert.Equal(t, proto.KindRouting, res.Error.Code.Kind())
			assert.Less(t, time.Since(start), time.Second, "routing errors must not wait for the timeout")
		})
	}
}

func TestTimeoutAndLateReplyDropped(t *testing.T) {
	rec := metrics.NewInternalRecorder()
	b := New(Config{}, WithMetrics(rec))
	release := make(chan struct{})
	require.NoError(t, b.RegisterHandler(proto.AgentRecommender, proto.MsgTypeGenerateRecommendations,
		func(context.Context, *proto.Envelope) proto.Result {
			<-release
			return proto.OK("late")
		}))

	res := b.SendAndWait(context.Background(), proto.AgentRecommender,
		newEnvelope(t, proto.MsgTypeGenerateRecommendations, "c-slow", "x"), 50*time.Millisecond)
	require.False(t, res.Success)
	assert.Equal(t, proto.ErrCodeTimeout, res.Error.Code)
	assert.True(t, res.Error.Recoverable)

	close(release)
	assert.Eventually(t, func() bool {
		return rec.Count("resolution/"+metrics.OutcomeDropped) == 1
	}, time.Second, 5*time.Millisecond)
	assert.Equal(t, int64(1), rec.Count("resolution/"+metrics.OutcomeTimeout))
	assert.Equal(t, int64(0), rec.Count("resolution/"+metrics.OutcomeReply))
}

func TestResolveUnknownCorrelationIsNoop(t *testing.T) {
	b := New(Config{})
	assert.NotPanics(t, func() {
		b.resolveResponse(newEnvelope(t, proto.MsgTypeResponse, "never-sent", "x"))
	})
}

func TestBroadcastOnlyMatchingAgents(t *testing.T) {
	b := New(Config{})
	var mu sync.Mutex
	received := map[string]int{}
	var wg sync.WaitGroup

	record := func(agentID string) Handler {
		return func(context.Context, *proto.Envelope) proto.Result {
			defer wg.Done()
			mu.Lock()
			received[agentID]++
			mu.Unlock()
			return proto.OK(nil)
		}
	}

	require.NoError(t, b.RegisterHandler("audit", proto.MsgTypeFinalRecommendation, record("audit")))
	require.NoError(t, b.RegisterHandler("analytics", proto.MsgTypeFinalRecommendation, record("analytics")))
	require.NoError(t, b.RegisterHandler(proto.AgentShopper, proto.MsgTypeFindWines, record(proto.AgentShopper)))

	wg.Add(2)
	require.NoError(t, b.Publish(context.Background(), Broadcast, newEnvelope(t, proto.MsgTypeFinalRecommendation, "bc-1", "done")))
	wg.Wait()

	mu.Lock()
	defer mu.Unlock()
	assert.Equal(t, map[string]int{"audit": 1, "analytics": 1}, received)
}

func TestBroadcastZeroMatchesDoesNotFail(t *testing.T) {
	b := New(Config{})
	require.NoError(t, b.RegisterHandler(proto.AgentShopper, proto.MsgTypeFindWines, echo))

	err := b.Publish(context.Background(), Broadcast, newEnvelope(t, proto.MsgTypeFinalRecommendation, "bc-0", "x"))
	assert.NoError(t, err)

	res := b.SendAndWait(context.Background(), Broadcast, newEnvelope(t, proto.MsgTypeFinalRecommendation, "bc-0b", "x"), time.Second)
	require.False(t, res.Success)
	assert.Equal(t, proto.KindRouting, res.Error.Code.Kind())
}

func TestHandlerPanicBecomesCommunicationError(t *testing.T) {
	rec := metrics.NewInternalRecorder()
	b := New(Config{}, WithMetrics(rec))
	require.NoError(t, b.RegisterHandler(proto.AgentExplainer, proto.MsgTypeGenerateExplanation,
		func(context.Context, *proto.Envelope) proto.Result {
			panic("template exploded")
		}))

	res := b.SendAndWait(context.Background(), proto.AgentExplainer,
		newEnvelope(t, proto.MsgTypeGenerateExplanation, "c-panic", "x"), time.Second)
	require.False(t, res.Success)
	assert.Equal(t, proto.ErrCodeCommunication, res.Error.Code)
	assert.Contains(t, res.Error.Message, "template exploded")
	assert.Equal(t, int64(1), rec.Count("delivery/explainer/generate-explanation/panic"))
}

func TestDuplicateCorrelationRejected(t *testing.T) {
	b := New(Config{})
	release := make(chan struct{})
	require.NoError(t, b.RegisterHandler(proto.AgentShopper, proto.MsgTypeFindWines,
		func(context.Context, *proto.Envelope) proto.Result {
			<-release
			return proto.OK("first")
		}))

	first := make(chan proto.Result, 1)
	go func() {
		first <- b.SendAndWait(context.Background(), proto.AgentShopper, newEnvelope(t, proto.MsgTypeFindWines, "dup", "a"), time.Second)
	}()
	require.Eventually(t, func() bool { return b.Stats().Pending == 1 }, time.Second, time.Millisecond)

	res := b.SendAndWait(context.Background(), proto.AgentShopper, newEnvelope(t, proto.MsgTypeFindWines, "dup", "b"), time.Second)
	require.False(t, res.Success)
	assert.Equal(t, proto.ErrCodeDuplicateCorrID, res.Error.Code)

	close(release)
	r := <-first
	require.True(t, r.Success)
	assert.Equal(t, "first", r.Data)
}

func TestConcurrentRequestsResolveByCorrelation(t *testing.T) {
	b := New(Config{})
	require.NoError(t, b.RegisterHandler(proto.AgentShopper, proto.MsgTypeFindWines,
		func(_ context.Context, env *proto.Envelope) proto.Result {
			delay, _ := env.Payload.(int)
			time.Sleep(time.Duration(delay) * time.Millisecond)
			return proto.OK(env.CorrelationID)
		}))

	const n = 20
	var wg sync.WaitGroup
	errs := make(chan string, n)
	for i := 0; i < n; i++ {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			corr := fmt.Sprintf("corr-%d", i)
			res := b.SendAndWait(context.Background(), proto.AgentShopper,
				newEnvelope(t, proto.MsgTypeFindWines, corr, (n-i)*2), 2*time.Second)
			if !res.Success || res.Data != corr {
				errs <- fmt.Sprintf("%s got %+v", corr, res)
			}
		}(i)
	}
	wg.Wait()
	close(errs)
	for e := range errs {
		t.Error(e)
	}
}

func TestNestedSendAndWait(t *testing.T) {
	b := New(Config{})
	require.NoError(t, b.RegisterHandler(proto.AgentShopper, proto.MsgTypeFindWines, echo))
	require.NoError(t, b.RegisterHandler(proto.AgentCoordinator, proto.MsgTypeOrchestrateRequest,
		func(ctx context.Context, env *proto.Envelope) proto.Result {
			inner, err := proto.NewEnvelope(proto.EnvelopeParams{
				Type: proto.MsgTypeFindWines, Payload: "inner", SourceAgent: proto.AgentCoordinator,
				ConversationID: env.ConversationID, CorrelationID: env.CorrelationID + "/inner",
			})
			if err != nil {
				return proto.Failf(proto.ErrCodeOrchestration, "", "%v", err)
			}
			return b.SendAndWait(ctx, proto.AgentShopper, inner, time.Second)
		}))

	res := b.SendAndWait(context.Background(), proto.AgentCoordinator,
		newEnvelope(t, proto.MsgTypeOrchestrateRequest, "outer", "x"), time.Second)
	require.True(t, res.Success)
	assert.Equal(t, "inner", res.Data)
}

func TestHandlerContextKeepsDeadline(t *testing.T) {
	b := New(Config{})
	var hadDeadline atomic.Bool
	require.NoError(t, b.RegisterHandler(proto.AgentShopper, proto.MsgTypeFindWines,
		func(ctx context.Context, _ *proto.Envelope) proto.Result {
			_, ok := ctx.Deadline()
			hadDeadline.Store(ok)
			return proto.OK(nil)
		}))

	res := b.SendAndWait(context.Background(), proto.AgentShopper, newEnvelope(t, proto.MsgTypeFindWines, "dl", "x"), time.Second)
	require.True(t, res.Success)
	assert.True(t, hadDeadline.Load())
}

func TestCallerCancellation(t *testing.T) {
	b := New(Config{})
	release := make(chan struct{})
	defer close(release)
	require.NoError(t, b.RegisterHandler(proto.AgentShopper, proto.MsgTypeFindWines,
		func(context.Context, *proto.Envelope) proto.Result {
			<-release
			return proto.OK(nil)
		}))

	ctx, cancel := context.WithCancel(context.Background())
	time.AfterFunc(20*time.Millisecond, cancel)

	res := b.SendAndWait(ctx, proto.AgentShopper, newEnvelope(t, proto.MsgTypeFindWines, "cancel", "x"), 5*time.Second)
	require.False(t, res.Success)
	assert.Equal(t, proto.ErrCodeCommunication, res.Error.Code)
	assert.Equal(t, 0, b.Stats().Pending)
}

func TestRegisterHandlerIdempotentAndReplace(t *testing.T) {
	b := New(Config{})
	require.NoError(t, b.RegisterHandler(proto.AgentShopper, proto.MsgTypeFindWines, echo))
	require.NoError(t, b.RegisterHandler(proto.AgentShopper, proto.MsgTypeFindWines, echo))
	assert.Equal(t, []string{"find-wines"}, b.Stats().Agents[proto.AgentShopper])

	require.NoError(t, b.RegisterHandler(proto.AgentShopper, proto.MsgTypeFindWines,
		func(context.Context, *proto.Envelope) proto.Result { return proto.OK("replaced") }))
	res := b.SendAndWait(context.Background(), proto.AgentShopper, newEnvelope(t, proto.MsgTypeFindWines, "r", "orig"), time.Second)
	require.True(t, res.Success)
	assert.Equal(t, "replaced", res.Data)

	assert.Error(t, b.RegisterHandler("", proto.MsgTypeFindWines, echo))
	assert.Error(t, b.RegisterHandler(Broadcast, proto.MsgTypeFindWines, echo))
	assert.Error(t, b.RegisterHandler(proto.AgentShopper, proto.MsgTypeFindWines, nil))
}

type stubAgent struct{}

func (stubAgent) GetID() string { return "stub" }

func (stubAgent) Handlers() map[proto.MsgType]Handler {
	return map[proto.MsgType]Handler{
		proto.MsgTypeFindWines:      echo,
		proto.MsgTypeExpandedSearch: echo,
	}
}

func TestAttachAndUnregister(t *testing.T) {
	b := New(Config{})
	require.NoError(t, b.Attach(stubAgent{}))
	assert.Equal(t, []string{"expanded-search", "find-wines"}, b.Stats().Agents["stub"])

	b.UnregisterAgent("stub")
	res := b.SendAndWait(context.Background(), "stub", newEnvelope(t, proto.MsgTypeFindWines, "gone", "x"), time.Second)
	require.False(t, res.Success)
	assert.Equal(t, proto.ErrCodeNoHandler, res.Error.Code)
}

func TestShutdownFailsPending(t *testing.T) {
	b := New(Config{})
	release := make(chan struct{})
	require.NoError(t, b.RegisterHandler(proto.AgentShopper, proto.MsgTypeFindWines,
		func(context.Context, *proto.Envelope) proto.Result {
			<-release
			return proto.OK(nil)
		}))

	out := make(chan proto.Result, 1)
	go func() {
		out <- b.SendAndWait(context.Background(), proto.AgentShopper, newEnvelope(t, proto.MsgTypeFindWines, "sd", "x"), 5*time.Second)
	}()
	require.Eventually(t, func() bool { return b.Stats().InFlight == 1 }, time.Second, time.Millisecond)

	go func() {
		time.Sleep(20 * time.Millisecond)
		close(release)
	}()
	ctx, cancel := context.WithTimeout(context.Background(), time.Second)
	defer cancel()
	require.NoError(t, b.Shutdown(ctx))

	res := <-out
	require.False(t, res.Success)
	assert.Equal(t, proto.ErrCodeBusClosed, res.Error.Code)
	assert.True(t, b.Stats().Closed)

	assert.ErrorIs(t, b.Publish(context.Background(), proto.AgentShopper, newEnvelope(t, proto.MsgTypeFindWines, "after", "x")), ErrClosed)
	after := b.SendAndWait(context.Background(), proto.AgentShopper, newEnvelope(t, proto.MsgTypeFindWines, "after2", "x"), time.Second)
	assert.Equal(t, proto.ErrCodeBusClosed, after.Error.Code)
	assert.NoError(t, b.Shutdown(ctx), "second shutdown is a no-op")
}

func TestPublishNilEnvelope(t *testing.T) {
	b := New(Config{})
	assert.ErrorIs(t, b.Publish(context.Background(), "x", nil), ErrNilEnvelope)
	assert.Equal(t, proto.ErrCodeInvalidPayload, b.SendAndWait(context.Background(), "x", nil, 0).Error.Code)
}
