package engine

import (
	"context"
	"sort"

	"github.com/nhartman/parley/internal/logger"
	"github.com/nhartman/parley/internal/models"
	"github.com/nhartman/parley/internal/store"
)

// Timeline owns one conversation's ordered local message sequence. A single
// goroutine applies every mutation - remote merges, optimistic appends,
// status updates - so the optimistic path and the change feed can never race
// each other.
type Timeline struct {
	conversationID string
	userID         string
	userName       string
	participants   []string

	store    store.Store
	receipts *Batcher
	names    *NameCache
	log      *logger.Logger

	ops      chan func()
	updates  chan []*models.Message
	done     chan struct{}
	messages []*models.Message
}

// NewTimeline subscribes to the conversation's message feed and starts the
// owning goroutine. The feed and the goroutine stop when ctx is cancelled.
func NewTimeline(ctx context.Context, st store.Store, conv *models.Conversation, userID, userName string, receipts *Batcher, names *NameCache) (*Timeline, error) {
	events, err := st.SubscribeMessages(ctx, conv.ID)
	if err != nil {
		return nil, err
	}

	t := &Timeline{
		conversationID: conv.ID,
		userID:         userID,
		userName:       userName,
		participants:   append([]string(nil), conv.ParticipantIDs...),
		store:          st,
		receipts:       receipts,
		names:          names,
		log:            logger.New("timeline"),
		ops:            make(chan func()),
		updates:        make(chan []*models.Message, 1),
		done:           make(chan struct{}),
	}
	go t.run(ctx, events)
	return t, nil
}

// Updates carries a fresh snapshot of the sequence after every change. Only
// the latest snapshot is retained; slow consumers skip intermediate states.
func (t *Timeline) Updates() <-chan []*models.Message {
	return t.updates
}

// Snapshot returns a copy of the current sequence, oldest first.
func (t *Timeline) Snapshot() []*models.Message {
	var snap []*models.Message
	t.do(func() { snap = t.snapshotLocked() })
	return snap
}

// MarkVisible records that the given messages are on screen. Messages from
// other senders that the user has not yet read are queued for a batched read
// acknowledgement.
func (t *Timeline) MarkVisible(messageIDs ...string) {
	t.do(func() {
		for _, id := range messageIDs {
			msg := t.find(id)
			if msg == nil || msg.IsFromUser(t.userID) || msg.ReadByUser(t.userID) {
				continue
			}
			t.receipts.MarkRead(id)
		}
	})
}

func (t *Timeline) run(ctx context.Context, events <-chan store.MessageEvent) {
	defer close(t.done)
	defer close(t.updates)
	for {
		select {
		case <-ctx.Done():
			return
		case ev, ok := <-events:
			if !ok {
				return
			}
			t.handleEvent(ev)
			t.publish()
		case op := <-t.ops:
			op()
			t.publish()
		}
	}
}

// do runs fn on the owning goroutine and waits for it to finish. A no-op
// once the timeline has stopped.
func (t *Timeline) do(fn func()) {
	ran := make(chan struct{})
	select {
	case t.ops <- func() { fn(); close(ran) }:
		<-ran
	case <-t.done:
	}
}

func (t *Timeline) handleEvent(ev store.MessageEvent) {
	switch ev.Kind {
	case store.ChangeAdded, store.ChangeModified:
		if ev.Message == nil {
			t.log.Warn("Dropping %s event without a message in %s", ev.Kind, t.conversationID)
			return
		}
		t.upsert(ev.Message)
	case store.ChangeRemoved:
		// Upstream deletions are intentionally not applied: the original
		// client keeps deleted messages visible for the rest of the session.
		t.log.Debug("Ignoring removal of message %s in %s", ev.MessageID, t.conversationID)
	}
}

// upsert merges a message into the sequence: replace in place when the id is
// known, append otherwise. Sorting only happens when the affected timestamp
// actually changed the order, since it is the expensive step.
func (t *Timeline) upsert(incoming *models.Message) {
	in := incoming.Clone()

	if t.names != nil && in.SenderName != "" {
		t.names.Add(in.SenderID, in.SenderName)
	}

	idx := t.indexOf(in.ID)
	if idx >= 0 {
		prev := t.messages[idx]
		// A remote copy can carry a stale status field; never let a read
		// message repaint as sent.
		if in.IsFromUser(t.userID) && prev.Status.Rank() > in.Status.Rank() {
			in.Status = prev.Status
		}
		in.Status = ResolveStatus(in, t.participants, t.userID)
		t.messages[idx] = in
		if !prev.Timestamp.Equal(in.Timestamp) {
			t.sortByTimestamp()
		}
	} else {
		in.Status = ResolveStatus(in, t.participants, t.userID)
		t.messages = append(t.messages, in)
		if n := len(t.messages); n > 1 && in.Timestamp.Before(t.messages[n-2].Timestamp) {
			t.sortByTimestamp()
		}
	}

	if !in.IsFromUser(t.userID) && !in.DeliveredToUser(t.userID) {
		t.receipts.MarkDelivered(in.ID)
	}
}

// sortByTimestamp orders ascending by timestamp; stable, so equal timestamps
// keep their arrival order.
func (t *Timeline) sortByTimestamp() {
	sort.SliceStable(t.messages, func(i, j int) bool {
		return t.messages[i].Timestamp.Before(t.messages[j].Timestamp)
	})
}

func (t *Timeline) indexOf(id string) int {
	for i, msg := range t.messages {
		if msg.ID == id {
			return i
		}
	}
	return -1
}

func (t *Timeline) find(id string) *models.Message {
	if idx := t.indexOf(id); idx >= 0 {
		return t.messages[idx]
	}
	return nil
}

func (t *Timeline) snapshotLocked() []*models.Message {
	snap := make([]*models.Message, len(t.messages))
	for i, msg := range t.messages {
		snap[i] = msg.Clone()
	}
	return snap
}

// publish replaces the pending snapshot with the latest one.
func (t *Timeline) publish() {
	snap := t.snapshotLocked()
	for {
		select {
		case t.updates <- snap:
			return
		default:
			select {
			case <-t.updates:
			default:
			}
		}
	}
}
