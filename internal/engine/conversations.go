package engine

import (
	"context"
	"sort"
	"time"

	"github.com/nhartman/parley/internal/logger"
	"github.com/nhartman/parley/internal/models"
	"github.com/nhartman/parley/internal/store"
)

// Conversation list timing defaults. The debounce collapses the burst of
// historical events on app start into one paint; the safety timeout ends the
// initial load even for a user with zero conversations.
const (
	DefaultListDebounce = time.Second
	DefaultListTimeout  = 3 * time.Second
)

// ConversationList aggregates the user's conversation feed. During the
// initial load, events are buffered and committed in a single sorted
// snapshot; afterwards each event is upserted into the visible list directly.
type ConversationList struct {
	userID   string
	debounce time.Duration
	timeout  time.Duration
	log      *logger.Logger

	updates chan []*models.Conversation
}

// NewConversationList subscribes to the user's conversation feed and starts
// the aggregation loop. Zero durations use the defaults.
func NewConversationList(ctx context.Context, st store.Store, userID string, debounce, timeout time.Duration) (*ConversationList, error) {
	if debounce <= 0 {
		debounce = DefaultListDebounce
	}
	if timeout <= 0 {
		timeout = DefaultListTimeout
	}
	feed, err := st.SubscribeConversations(ctx, userID)
	if err != nil {
		return nil, err
	}

	l := &ConversationList{
		userID:   userID,
		debounce: debounce,
		timeout:  timeout,
		log:      logger.New("conversations"),
		updates:  make(chan []*models.Conversation, subscriberBuffer),
	}
	go l.run(ctx, feed)
	return l, nil
}

const subscriberBuffer = 64

// Updates carries the visible conversation list, newest activity first. The
// first element is the single committed initial snapshot.
func (l *ConversationList) Updates() <-chan []*models.Conversation {
	return l.updates
}

func (l *ConversationList) run(ctx context.Context, feed <-chan store.ConversationEvent) {
	defer close(l.updates)

	var list []*models.Conversation
	committed := false

	debounce := time.NewTimer(l.debounce)
	defer debounce.Stop()
	safety := time.NewTimer(l.timeout)
	defer safety.Stop()

	commit := func() {
		l.sortByActivity(list)
		l.publish(list)
		committed = true
		l.log.Debug("Initial conversation list committed with %d entries", len(list))
	}

	for {
		select {
		case <-ctx.Done():
			return
		case ev, ok := <-feed:
			if !ok {
				if !committed {
					commit()
				}
				return
			}
			changed := l.handleEvent(&list, ev)
			if !committed {
				// Still loading: keep buffering and push the quiet
				// period out again.
				resetTimer(debounce, l.debounce)
				continue
			}
			if changed {
				l.publish(list)
			}
		case <-debounce.C:
			if !committed {
				commit()
			}
		case <-safety.C:
			if !committed {
				commit()
			}
		}
	}
}

// handleEvent upserts the event into the list and reports whether the
// visible state changed. Re-sorting only happens when the sort key moved.
func (l *ConversationList) handleEvent(list *[]*models.Conversation, ev store.ConversationEvent) bool {
	switch ev.Kind {
	case store.ChangeAdded, store.ChangeModified:
		if ev.Conversation == nil {
			l.log.Warn("Dropping %s event without a conversation", ev.Kind)
			return false
		}
		in := ev.Conversation.Clone()
		for i, existing := range *list {
			if existing.ID == in.ID {
				(*list)[i] = in
				if !existing.SortKey().Equal(in.SortKey()) {
					l.sortByActivity(*list)
				}
				return true
			}
		}
		*list = append(*list, in)
		l.sortByActivity(*list)
		return true
	case store.ChangeRemoved:
		// Mirrors the message timeline: upstream removals are not applied.
		l.log.Debug("Ignoring removal of conversation %s", ev.ConversationID)
		return false
	}
	return false
}

// sortByActivity orders newest activity first, stable for equal keys.
func (l *ConversationList) sortByActivity(list []*models.Conversation) {
	sort.SliceStable(list, func(i, j int) bool {
		return list[i].SortKey().After(list[j].SortKey())
	})
}

func (l *ConversationList) publish(list []*models.Conversation) {
	snap := make([]*models.Conversation, len(list))
	for i, conv := range list {
		snap[i] = conv.Clone()
	}
	select {
	case l.updates <- snap:
	default:
		// Slow consumer: drop the oldest snapshot to make room.
		select {
		case <-l.updates:
		default:
		}
		select {
		case l.updates <- snap:
		default:
		}
	}
}

func resetTimer(t *time.Timer, d time.Duration) {
	if !t.Stop() {
		select {
		case <-t.C:
		default:
		}
	}
	t.Reset(d)
}
