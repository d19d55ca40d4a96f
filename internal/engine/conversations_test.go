package engine

import (
	"context"
	"fmt"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/nhartman/parley/internal/models"
	"github.com/nhartman/parley/internal/store"
)

// listRecorder collects every snapshot the aggregator publishes.
type listRecorder struct {
	mu        sync.Mutex
	snapshots [][]*models.Conversation
}

func recordList(ch <-chan []*models.Conversation) *listRecorder {
	r := &listRecorder{}
	go func() {
		for snap := range ch {
			r.mu.Lock()
			r.snapshots = append(r.snapshots, snap)
			r.mu.Unlock()
		}
	}()
	return r
}

func (r *listRecorder) count() int {
	r.mu.Lock()
	defer r.mu.Unlock()
	return len(r.snapshots)
}

func (r *listRecorder) at(i int) []*models.Conversation {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.snapshots[i]
}

func seedConversation(id string, lastActivity time.Time, participants ...string) *models.Conversation {
	return &models.Conversation{
		ID:                   id,
		ParticipantIDs:       participants,
		LastMessageTimestamp: lastActivity,
		CreatedAt:            lastActivity,
		UpdatedAt:            lastActivity,
	}
}

// Scenario: a burst of historical conversations right after app start paints
// the list exactly once, fully sorted.
func TestConversationListInitialLoadCommitsOnce(t *testing.T) {
	st := store.NewMemoryStore()
	ctx, cancel := context.WithCancel(context.Background())
	t.Cleanup(cancel)

	list, err := NewConversationList(ctx, st, "alice", 300*time.Millisecond, 2*time.Second)
	require.NoError(t, err)
	rec := recordList(list.Updates())

	base := time.Now().UTC()
	for i := 0; i < 5; i++ {
		st.AddConversation(seedConversation(fmt.Sprintf("conv-%d", i), base.Add(time.Duration(i)*time.Minute), "alice", "bob"))
		time.Sleep(20 * time.Millisecond) // all well inside one debounce window
	}

	require.Eventually(t, func() bool {
		return rec.count() == 1
	}, eventually, 5*time.Millisecond)

	snap := rec.at(0)
	require.Len(t, snap, 5)
	for i := 0; i < len(snap)-1; i++ {
		assert.False(t, snap[i].SortKey().Before(snap[i+1].SortKey()), "list must be sorted newest first")
	}
	assert.Equal(t, "conv-4", snap[0].ID)

	// Nothing else arrives; no extra paints.
	time.Sleep(400 * time.Millisecond)
	assert.Equal(t, 1, rec.count())
}

func TestConversationListSafetyTimeoutEndsEmptyInitialLoad(t *testing.T) {
	st := store.NewMemoryStore()
	ctx, cancel := context.WithCancel(context.Background())
	t.Cleanup(cancel)

	// Debounce far larger than the safety timeout: the timeout must win even
	// for a user with zero conversations.
	list, err := NewConversationList(ctx, st, "alice", 10*time.Second, 150*time.Millisecond)
	require.NoError(t, err)
	rec := recordList(list.Updates())

	require.Eventually(t, func() bool {
		return rec.count() == 1
	}, eventually, 5*time.Millisecond)
	assert.Empty(t, rec.at(0))
}

func TestConversationListLiveUpsert(t *testing.T) {
	st := store.NewMemoryStore()
	base := time.Now().UTC()
	st.AddConversation(seedConversation("conv-a", base, "alice", "bob"))

	ctx, cancel := context.WithCancel(context.Background())
	t.Cleanup(cancel)

	list, err := NewConversationList(ctx, st, "alice", 50*time.Millisecond, time.Second)
	require.NoError(t, err)
	rec := recordList(list.Updates())

	require.Eventually(t, func() bool {
		return rec.count() == 1
	}, eventually, 5*time.Millisecond)

	// A new conversation lands at the front.
	st.AddConversation(seedConversation("conv-b", base.Add(time.Hour), "alice", "carol"))
	require.Eventually(t, func() bool {
		return rec.count() >= 2
	}, eventually, 5*time.Millisecond)
	snap := rec.at(rec.count() - 1)
	require.Len(t, snap, 2)
	assert.Equal(t, "conv-b", snap[0].ID)

	// Fresh activity in the older conversation re-sorts it to the front,
	// without duplicating the entry.
	require.NoError(t, st.UpdateConversationSummary(ctx, "conv-a", models.ConversationSummary{
		LastMessage:          "ping",
		LastMessageTimestamp: base.Add(2 * time.Hour),
		UpdatedAt:            base.Add(2 * time.Hour),
	}))
	require.Eventually(t, func() bool {
		if rec.count() == 0 {
			return false
		}
		snap := rec.at(rec.count() - 1)
		return len(snap) == 2 && snap[0].ID == "conv-a" && snap[0].LastMessage == "ping"
	}, eventually, 5*time.Millisecond)
}

func TestConversationListDeduplicatesById(t *testing.T) {
	st := store.NewMemoryStore()
	base := time.Now().UTC()

	ctx, cancel := context.WithCancel(context.Background())
	t.Cleanup(cancel)

	list, err := NewConversationList(ctx, st, "alice", 100*time.Millisecond, time.Second)
	require.NoError(t, err)
	rec := recordList(list.Updates())

	conv := seedConversation("conv-a", base, "alice", "bob")
	st.AddConversation(conv)
	st.AddConversation(conv) // duplicate event during initial load

	require.Eventually(t, func() bool {
		return rec.count() == 1
	}, eventually, 5*time.Millisecond)
	assert.Len(t, rec.at(0), 1)
}
