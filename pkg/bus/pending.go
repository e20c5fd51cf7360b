package bus

import (
	"fmt"
	"time"

	"sommelier/pkg/metrics"
	"sommelier/pkg/proto"
)

// pendingEntry is the continuation of one SendAndWait call. Whoever removes it from the
// pending map owns the single send on ch.
type pendingEntry struct {
	correlationID string
	target        string
	msgType       proto.MsgType
	created       time.Time
	timer         *time.Timer
	ch            chan proto.Result
}

// addPending registers the continuation and arms its timer. A second request with an
// outstanding correlation id is rejected.
func (b *Bus) addPending(env *proto.Envelope, target string, timeout time.Duration) (*pendingEntry, *proto.Result) {
	b.mu.RLock()
	closed := b.closed
	b.mu.RUnlock()
	if closed {
		res := proto.Fail(proto.NewAgentError(proto.ErrCodeBusClosed, ErrClosed.Error(), proto.AgentBus, env.CorrelationID))
		return nil, &res
	}

	entry := &pendingEntry{
		correlationID: env.CorrelationID,
		target:        target,
		msgType:       env.Type,
		created:       time.Now(),
		ch:            make(chan proto.Result, 1),
	}

	b.pendingMu.Lock()
	defer b.pendingMu.Unlock()

	if _, exists := b.pending[env.CorrelationID]; exists {
		res := proto.Fail(proto.NewAgentError(proto.ErrCodeDuplicateCorrID,
			fmt.Sprintf("correlation id %s already has a pending request", env.CorrelationID),
			proto.AgentBus, env.CorrelationID))
		return nil, &res
	}

	// The timer callback needs pendingMu, so it cannot run before the entry is in the map.
	entry.timer = time.AfterFunc(timeout, func() { b.expire(entry, timeout) })
	b.pending[env.CorrelationID] = entry
	return entry, nil
}

func (b *Bus) expire(entry *pendingEntry, timeout time.Duration) {
	if !b.takePending(entry.correlationID, entry) {
		return
	}
	b.metrics.ObserveResolution(metrics.OutcomeTimeout)
	b.logger.Warn("Request %s to %s timed out after %v (corr=%s)", entry.msgType, entry.target, timeout, entry.correlationID)
	entry.ch <- proto.Fail(proto.NewAgentError(proto.ErrCodeTimeout,
		fmt.Sprintf("no reply to %s from %s within %v", entry.msgType, entry.target, timeout),
		entry.target, entry.correlationID))
}

// takePending removes entry if it is still the pending request for correlationID.
func (b *Bus) takePending(correlationID string, entry *pendingEntry) bool {
	b.pendingMu.Lock()
	defer b.pendingMu.Unlock()

	if cur, ok := b.pending[correlationID]; ok && cur == entry {
		delete(b.pending, correlationID)
		return true
	}
	return false
}

// popPending removes and returns whatever entry is pending for correlationID.
func (b *Bus) popPending(correlationID string) (*pendingEntry, bool) {
	b.pendingMu.Lock()
	defer b.pendingMu.Unlock()

	entry, ok := b.pending[correlationID]
	if ok {
		delete(b.pending, correlationID)
	}
	return entry, ok
}

func (b *Bus) failAllPending() int {
	b.pendingMu.Lock()
	entries := make([]*pendingEntry, 0, len(b.pending))
	for corrID, entry := range b.pending {
		entries = append(entries, entry)
		delete(b.pending, corrID)
	}
	b.pendingMu.Unlock()

	for _, entry := range entries {
		entry.timer.Stop()
		b.metrics.ObserveResolution(metrics.OutcomeClosed)
		entry.ch <- proto.Fail(proto.NewAgentError(proto.ErrCodeBusClosed,
			"bus shut down before a reply arrived", proto.AgentBus, entry.correlationID))
	}
	return len(entries)
}
