package engine

import (
	"context"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/nhartman/parley/internal/store"
)

// summaryRecorder drains a typing updates channel and remembers the latest
// value, since the channel only retains the most recent summary.
type summaryRecorder struct {
	mu   sync.Mutex
	last string
	seen bool
}

func recordSummaries(ch <-chan string) *summaryRecorder {
	r := &summaryRecorder{}
	go func() {
		for s := range ch {
			r.mu.Lock()
			r.last = s
			r.seen = true
			r.mu.Unlock()
		}
	}()
	return r
}

func (r *summaryRecorder) latest() (string, bool) {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.last, r.seen
}

func newTestTyping(t *testing.T) (*Typing, *store.MemoryStore, *summaryRecorder) {
	t.Helper()
	st := store.NewMemoryStore()
	st.AddConversation(testConversation("alice", "bob", "carol"))

	ctx, cancel := context.WithCancel(context.Background())
	t.Cleanup(cancel)

	names := NewNameCache()
	names.Add("bob", "Bob")
	names.Add("carol", "Carol")

	ty, err := NewTyping(ctx, st, "conv-1", "alice", names, 50*time.Millisecond)
	require.NoError(t, err)
	return ty, st, recordSummaries(ty.Updates())
}

func TestTypingSummaryExcludesSelf(t *testing.T) {
	_, st, rec := newTestTyping(t)
	ctx := context.Background()

	// Only the current user's own entry: the indicator stays empty.
	require.NoError(t, st.PublishTyping(ctx, "conv-1", "alice", true))

	require.Eventually(t, func() bool {
		_, seen := rec.latest()
		return seen
	}, eventually, 5*time.Millisecond)
	time.Sleep(30 * time.Millisecond)

	last, _ := rec.latest()
	assert.Empty(t, last)
}

func TestTypingSummarySingleTyper(t *testing.T) {
	_, st, rec := newTestTyping(t)
	ctx := context.Background()

	require.NoError(t, st.PublishTyping(ctx, "conv-1", "bob", true))

	require.Eventually(t, func() bool {
		last, _ := rec.latest()
		return last == "Bob is typing…"
	}, eventually, 5*time.Millisecond)

	require.NoError(t, st.PublishTyping(ctx, "conv-1", "bob", false))
	require.Eventually(t, func() bool {
		last, _ := rec.latest()
		return last == ""
	}, eventually, 5*time.Millisecond)
}

func TestTypingSummaryMultipleTypers(t *testing.T) {
	_, st, rec := newTestTyping(t)
	ctx := context.Background()

	require.NoError(t, st.PublishTyping(ctx, "conv-1", "bob", true))
	require.NoError(t, st.PublishTyping(ctx, "conv-1", "carol", true))

	require.Eventually(t, func() bool {
		last, _ := rec.latest()
		return last == "Multiple people are typing…"
	}, eventually, 5*time.Millisecond)
}

func TestTypingPublishesAndAutoExpires(t *testing.T) {
	ty, st, _ := newTestTyping(t)
	ctx := context.Background()

	ty.ComposingChanged(ctx, "hel")
	assert.True(t, st.TypingState("conv-1")["alice"], "typing must publish immediately")

	// No further keystrokes: the expiry timer clears it.
	require.Eventually(t, func() bool {
		return !st.TypingState("conv-1")["alice"]
	}, eventually, 5*time.Millisecond)
}

func TestTypingClearedTextStopsPublishing(t *testing.T) {
	ty, st, _ := newTestTyping(t)
	ctx := context.Background()

	ty.ComposingChanged(ctx, "hello")
	require.True(t, st.TypingState("conv-1")["alice"])

	ty.ComposingChanged(ctx, "")
	assert.False(t, st.TypingState("conv-1")["alice"])
}

func TestTypingStopCancelsTimerAndClears(t *testing.T) {
	ty, st, _ := newTestTyping(t)
	ctx := context.Background()

	ty.ComposingChanged(ctx, "draft in progress")
	require.True(t, st.TypingState("conv-1")["alice"])

	ty.Stop(ctx)
	assert.False(t, st.TypingState("conv-1")["alice"])

	// Nothing resurrects the typing state after the stop.
	time.Sleep(80 * time.Millisecond)
	assert.False(t, st.TypingState("conv-1")["alice"])
}
