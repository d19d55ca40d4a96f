package engine

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/nhartman/parley/internal/models"
	"github.com/nhartman/parley/internal/store"
)

func TestSendAppearsOptimisticallyAndConfirms(t *testing.T) {
	tl, st, _ := newTestTimeline(t)
	ctx := context.Background()

	id, err := tl.Send(ctx, "hi", SendOptions{})
	require.NoError(t, err)
	require.NotEmpty(t, id)

	snap := waitForMessages(t, tl, func(msgs []*models.Message) bool {
		return len(msgs) == 1 && msgs[0].Status == models.StatusSent
	})
	assert.Equal(t, id, snap[0].ID)
	assert.Equal(t, "hi", snap[0].Content)
	assert.True(t, snap[0].IsFromUser("alice"))

	// Stored under the same id the optimistic entry used.
	stored := st.Messages("conv-1")
	require.Len(t, stored, 1)
	assert.Equal(t, id, stored[0].ID)
}

// Scenario: submit fails while offline, the entry turns failed, a retry with
// the same id succeeds. The sequence never holds two entries for the id.
func TestSendFailureAndRetry(t *testing.T) {
	tl, st, _ := newTestTimeline(t)
	ctx := context.Background()

	st.FailNextSubmit(store.Retryable(errors.New("network down")))

	id, err := tl.Send(ctx, "hi", SendOptions{})
	require.Error(t, err)
	assert.True(t, store.IsRetryable(err))

	snap := waitForMessages(t, tl, func(msgs []*models.Message) bool {
		return len(msgs) == 1 && msgs[0].Status == models.StatusFailed
	})
	assert.Equal(t, id, snap[0].ID)
	assert.Empty(t, st.Messages("conv-1"))

	retryID, err := tl.Retry(ctx, id)
	require.NoError(t, err)
	assert.Equal(t, id, retryID, "retry must reuse the original id")

	snap = waitForMessages(t, tl, func(msgs []*models.Message) bool {
		return len(msgs) == 1 && msgs[0].Status == models.StatusSent
	})
	assert.Equal(t, id, snap[0].ID)

	// Exactly one logical message reached the store.
	require.Len(t, st.Messages("conv-1"), 1)

	// And the feed's echo of the confirmed copy stays a no-op overwrite.
	time.Sleep(50 * time.Millisecond)
	assert.Len(t, tl.Snapshot(), 1)
}

func TestRetryRejectsNonFailedMessages(t *testing.T) {
	tl, _, _ := newTestTimeline(t)
	ctx := context.Background()

	id, err := tl.Send(ctx, "hi", SendOptions{})
	require.NoError(t, err)

	_, err = tl.Retry(ctx, id)
	assert.Error(t, err, "a successfully sent message is not retryable")

	_, err = tl.Retry(ctx, "unknown-id")
	assert.Error(t, err)
}

func TestSendSummaryFailureIsNonFatal(t *testing.T) {
	tl, st, _ := newTestTimeline(t)
	ctx := context.Background()

	st.FailNextSummaryUpdate(errors.New("summary write refused"))

	// The message send itself still succeeds.
	_, err := tl.Send(ctx, "hi", SendOptions{})
	require.NoError(t, err)

	waitForMessages(t, tl, func(msgs []*models.Message) bool {
		return len(msgs) == 1 && msgs[0].Status == models.StatusSent
	})
	require.Len(t, st.Messages("conv-1"), 1)
}

func TestSendUpdatesConversationSummary(t *testing.T) {
	st := store.NewMemoryStore()
	conv := testConversation("alice", "bob")
	st.AddConversation(conv)

	ctx, cancel := context.WithCancel(context.Background())
	t.Cleanup(cancel)

	receipts := NewBatcher(st, conv.ID, "alice", 20*time.Millisecond)
	tl, err := NewTimeline(ctx, st, conv, "alice", "alice", receipts, NewNameCache())
	require.NoError(t, err)

	list, err := NewConversationList(ctx, st, "alice", 20*time.Millisecond, 100*time.Millisecond)
	require.NoError(t, err)

	// Drain past the initial commit, then look for the summary update.
	_, err = tl.Send(ctx, "latest words", SendOptions{})
	require.NoError(t, err)

	require.Eventually(t, func() bool {
		select {
		case snap, ok := <-list.Updates():
			if !ok {
				return false
			}
			return len(snap) == 1 && snap[0].LastMessage == "latest words"
		default:
			return false
		}
	}, eventually, 5*time.Millisecond)
}

func TestSendMediaPreview(t *testing.T) {
	tl, st, _ := newTestTimeline(t)
	ctx := context.Background()

	_, err := tl.Send(ctx, "", SendOptions{MediaURL: "https://cdn.example/p.jpg", MediaType: "image/jpeg"})
	require.NoError(t, err)

	stored := st.Messages("conv-1")
	require.Len(t, stored, 1)
	assert.Equal(t, "https://cdn.example/p.jpg", stored[0].MediaURL)
	assert.Equal(t, "image/jpeg", stored[0].MediaType)
}
