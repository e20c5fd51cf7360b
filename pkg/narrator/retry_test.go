package narrator

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"sommelier/pkg/limiter"
	"sommelier/pkg/metrics"
)

// flakyCompleter fails with errs in order, then answers text.
type flakyCompleter struct {
	errs  []error
	text  string
	calls int
}

func (f *flakyCompleter) complete(context.Context, string, string, int) (string, error) {
	f.calls++
	if f.calls <= len(f.errs) {
		return "", f.errs[f.calls-1]
	}
	return f.text, nil
}

func TestRetryable(t *testing.T) {
	for _, err := range []error{
		errors.New("POST /v1/messages: 503 Service Unavailable"),
		errors.New("429 Too Many Requests"),
		errors.New("dial tcp: connection refused"),
		errors.New("anthropic: overloaded_error"),
	} {
		assert.True(t, Retryable(err), err.Error())
	}
	for _, err := range []error{
		nil,
		errors.New("401 Unauthorized"),
		errors.New("invalid model"),
		context.Canceled,
		context.DeadlineExceeded,
		ErrEmptyResponse,
	} {
		assert.False(t, Retryable(err), "%v", err)
	}
}

func TestRetryPolicyDelay(t *testing.T) {
	p := RetryPolicy{InitialDelay: 100 * time.Millisecond, MaxDelay: 300 * time.Millisecond, BackoffFactor: 2}
	assert.Zero(t, p.Delay(1))
	assert.Equal(t, 100*time.Millisecond, p.Delay(2))
	assert.Equal(t, 200*time.Millisecond, p.Delay(3))
	assert.Equal(t, 300*time.Millisecond, p.Delay(4))

	p.Jitter = true
	for i := 0; i < 20; i++ {
		d := p.Delay(2)
		assert.GreaterOrEqual(t, d, 90*time.Millisecond)
		assert.LessOrEqual(t, d, 110*time.Millisecond)
	}
}

func TestLLMRetriesTransientFailures(t *testing.T) {
	rec := metrics.NewInternalRecorder()
	flaky := &flakyCompleter{
		errs: []error{errors.New("503 Service Unavailable"), errors.New("connection reset")},
		text: "Malbec loves a charred crust.",
	}

	text, err := newLLM("fake", narratorConfig(), flaky, rec).Narrate(context.Background(), pairing())
	require.NoError(t, err)
	assert.Equal(t, "Malbec loves a charred crust.", text)
	assert.Equal(t, 3, flaky.calls)
	assert.Equal(t, int64(1), rec.Count("narration/fake/success"))
}

func TestLLMDoesNotRetryPermanentFailures(t *testing.T) {
	denied := errors.New("401 Unauthorized")
	flaky := &flakyCompleter{errs: []error{denied}, text: "never"}

	_, err := newLLM("fake", narratorConfig(), flaky, nil).Narrate(context.Background(), pairing())
	assert.ErrorIs(t, err, denied)
	assert.Equal(t, 1, flaky.calls)
}

func TestLLMGivesUpAfterMaxAttempts(t *testing.T) {
	cfg := narratorConfig()
	cfg.MaxAttempts = 2
	busy := errors.New("429 rate limited")
	flaky := &flakyCompleter{errs: []error{busy, busy, busy}}

	_, err := newLLM("fake", cfg, flaky, nil).Narrate(context.Background(), pairing())
	assert.ErrorIs(t, err, busy)
	assert.ErrorContains(t, err, "gave up after 2 attempts")
	assert.Equal(t, 2, flaky.calls)
}

func TestRetryStopsOnCancel(t *testing.T) {
	r := &retrying{
		next:   &flakyCompleter{errs: []error{errors.New("503"), errors.New("503")}},
		policy: RetryPolicy{MaxAttempts: 3, InitialDelay: time.Hour, BackoffFactor: 2},
	}
	ctx, cancel := context.WithCancel(context.Background())
	go func() {
		time.Sleep(10 * time.Millisecond)
		cancel()
	}()

	_, err := r.complete(ctx, "", "", 10)
	assert.ErrorContains(t, err, "retry cancelled after 1 attempts")
}

func TestLLMRespectsLimits(t *testing.T) {
	cfg := narratorConfig()
	cfg.MaxTokensPerMinute = 1
	fake := &fakeCompleter{text: "unused"}

	_, err := newLLM("fake", cfg, fake, nil).Narrate(context.Background(), pairing())
	assert.ErrorIs(t, err, limiter.ErrRateLimit)
	assert.Empty(t, fake.prompt, "the provider is not called when the bucket is empty")
}
