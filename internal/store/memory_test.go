package store

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/nhartman/parley/internal/models"
)

func memMessage(id, sender string) *models.Message {
	return &models.Message{
		ID:        id,
		SenderID:  sender,
		Content:   "hello",
		Timestamp: time.Now().UTC(),
		Status:    models.StatusSent,
	}
}

func TestMemorySubmitIsIdempotentPerID(t *testing.T) {
	st := NewMemoryStore()
	ctx := context.Background()

	require.NoError(t, st.SubmitMessage(ctx, "c1", memMessage("m1", "alice")))
	require.NoError(t, st.SubmitMessage(ctx, "c1", memMessage("m1", "alice")))

	assert.Len(t, st.Messages("c1"), 1)
	assert.Equal(t, 2, st.SubmitCount())
}

func TestMemorySubscribeReplaysSnapshotThenStreams(t *testing.T) {
	st := NewMemoryStore()
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	require.NoError(t, st.SubmitMessage(ctx, "c1", memMessage("m1", "alice")))

	ch, err := st.SubscribeMessages(ctx, "c1")
	require.NoError(t, err)

	first := <-ch
	assert.Equal(t, ChangeAdded, first.Kind)
	assert.Equal(t, "m1", first.MessageID)

	require.NoError(t, st.SubmitMessage(ctx, "c1", memMessage("m2", "bob")))
	second := <-ch
	assert.Equal(t, ChangeAdded, second.Kind)
	assert.Equal(t, "m2", second.MessageID)
}

func TestMemoryBatchAddToSetIsAdditive(t *testing.T) {
	st := NewMemoryStore()
	ctx := context.Background()

	require.NoError(t, st.SubmitMessage(ctx, "c1", memMessage("m1", "alice")))
	require.NoError(t, st.SubmitMessage(ctx, "c1", memMessage("m2", "alice")))

	require.NoError(t, st.BatchAddToSet(ctx, "c1", []string{"m1", "m2"}, FieldReadBy, "bob"))
	require.NoError(t, st.BatchAddToSet(ctx, "c1", []string{"m1"}, FieldReadBy, "bob"))

	for _, msg := range st.Messages("c1") {
		assert.Equal(t, []string{"bob"}, msg.ReadBy, "repeat unions must not duplicate")
	}

	calls := st.BatchCalls()
	require.Len(t, calls, 2)
	assert.Equal(t, FieldReadBy, calls[0].Field)
}

func TestMemoryFaultInjectionIsSingleShot(t *testing.T) {
	st := NewMemoryStore()
	ctx := context.Background()

	boom := errors.New("boom")
	st.FailNextSubmit(boom)

	err := st.SubmitMessage(ctx, "c1", memMessage("m1", "alice"))
	assert.ErrorIs(t, err, boom)
	assert.Empty(t, st.Messages("c1"))

	// The very next call succeeds.
	require.NoError(t, st.SubmitMessage(ctx, "c1", memMessage("m1", "alice")))
	assert.Len(t, st.Messages("c1"), 1)
}

func TestMemoryTypingRoundTrip(t *testing.T) {
	st := NewMemoryStore()
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	ch, err := st.SubscribeTyping(ctx, "c1")
	require.NoError(t, err)

	initial := <-ch
	assert.Empty(t, initial)

	require.NoError(t, st.PublishTyping(ctx, "c1", "bob", true))
	state := <-ch
	assert.True(t, state["bob"])

	require.NoError(t, st.PublishTyping(ctx, "c1", "bob", false))
	state = <-ch
	assert.Empty(t, state)
}

func TestMemoryPresenceRoundTrip(t *testing.T) {
	st := NewMemoryStore()
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	require.NoError(t, st.PublishPresence(ctx, "alice", models.PresenceOnline))

	ch, err := st.SubscribePresence(ctx, "alice")
	require.NoError(t, err)

	doc := <-ch
	assert.Equal(t, models.PresenceOnline, doc.Status)
	assert.False(t, doc.LastSeen.IsZero())

	require.NoError(t, st.PublishPresence(ctx, "alice", models.PresenceOffline))
	doc = <-ch
	assert.Equal(t, models.PresenceOffline, doc.Status)
}

func TestRetryableClassification(t *testing.T) {
	base := errors.New("connection reset")
	assert.False(t, IsRetryable(base))
	assert.True(t, IsRetryable(Retryable(base)))
	assert.True(t, IsRetryable(Retryable(base)), "wrapping survives errors.As")
	assert.ErrorIs(t, Retryable(base), base)
}
