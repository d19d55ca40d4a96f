package engine

import (
	"context"
	"sync"
	"time"

	"github.com/nhartman/parley/internal/logger"
	"github.com/nhartman/parley/internal/store"
)

// DefaultReceiptWindow is how long the batcher waits for further
// acknowledgement events before issuing one batched write.
const DefaultReceiptWindow = time.Second

// Batcher coalesces individual read/delivery acknowledgements into one
// batched set-union write per kind per debounce window, instead of one write
// per message.
type Batcher struct {
	store          store.Store
	conversationID string
	userID         string
	window         time.Duration
	log            *logger.Logger

	mu      sync.Mutex
	pending map[store.AckField]map[string]struct{}
	timer   *time.Timer
	closed  bool
}

// NewBatcher creates a batcher for one conversation. A window of 0 uses
// DefaultReceiptWindow.
func NewBatcher(st store.Store, conversationID, userID string, window time.Duration) *Batcher {
	if window <= 0 {
		window = DefaultReceiptWindow
	}
	return &Batcher{
		store:          st,
		conversationID: conversationID,
		userID:         userID,
		window:         window,
		log:            logger.New("receipts"),
		pending:        make(map[store.AckField]map[string]struct{}),
	}
}

// MarkDelivered queues a delivery acknowledgement. Callers check the
// preconditions (not the user's own message, not already delivered).
func (b *Batcher) MarkDelivered(messageID string) {
	b.add(store.FieldDeliveredTo, messageID)
}

// MarkRead queues a read acknowledgement. Callers check the preconditions
// (message on screen, not already read by the user).
func (b *Batcher) MarkRead(messageID string) {
	b.add(store.FieldReadBy, messageID)
}

func (b *Batcher) add(field store.AckField, messageID string) {
	b.mu.Lock()
	defer b.mu.Unlock()
	if b.closed {
		return
	}
	ids := b.pending[field]
	if ids == nil {
		ids = make(map[string]struct{})
		b.pending[field] = ids
	}
	ids[messageID] = struct{}{}

	// Every new event restarts the window.
	if b.timer != nil {
		b.timer.Stop()
	}
	b.timer = time.AfterFunc(b.window, func() {
		ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		b.Flush(ctx)
	})
}

// Flush writes out everything pending immediately. Called by the timer, on
// send, and on navigation away. A failed write is dropped: the ids stay
// unacknowledged upstream, so the next visibility event re-queues them.
func (b *Batcher) Flush(ctx context.Context) {
	b.mu.Lock()
	if b.timer != nil {
		b.timer.Stop()
		b.timer = nil
	}
	batches := b.pending
	b.pending = make(map[store.AckField]map[string]struct{})
	b.mu.Unlock()

	for field, ids := range batches {
		if len(ids) == 0 {
			continue
		}
		messageIDs := make([]string, 0, len(ids))
		for id := range ids {
			messageIDs = append(messageIDs, id)
		}
		if err := b.store.BatchAddToSet(ctx, b.conversationID, messageIDs, field, b.userID); err != nil {
			b.log.Warn("Dropping %d %s acknowledgements for %s: %v", len(messageIDs), field, b.conversationID, err)
			continue
		}
		b.log.Debug("Acknowledged %d messages (%s) in %s", len(messageIDs), field, b.conversationID)
	}
}

// Close flushes any remaining acknowledgements and stops the batcher.
func (b *Batcher) Close(ctx context.Context) {
	b.mu.Lock()
	if b.closed {
		b.mu.Unlock()
		return
	}
	b.closed = true
	b.mu.Unlock()
	b.Flush(ctx)
}
