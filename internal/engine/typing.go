package engine

import (
	"context"
	"sort"
	"sync"
	"time"

	"github.com/nhartman/parley/internal/logger"
	"github.com/nhartman/parley/internal/store"
)

// DefaultTypingExpiry is how long after the last keystroke the typing state
// auto-expires if the user just stops.
const DefaultTypingExpiry = 3 * time.Second

// Typing coordinates typing presence for one conversation: it publishes the
// local user's state with debounced auto-expiry and folds the remote typing
// map into a human-readable summary.
type Typing struct {
	store          store.Store
	conversationID string
	userID         string
	names          *NameCache
	expiry         time.Duration
	log            *logger.Logger

	mu    sync.Mutex
	timer *time.Timer

	updates chan string
}

// NewTyping subscribes to the conversation's typing feed and starts the
// summary loop. An expiry of 0 uses DefaultTypingExpiry.
func NewTyping(ctx context.Context, st store.Store, conversationID, userID string, names *NameCache, expiry time.Duration) (*Typing, error) {
	if expiry <= 0 {
		expiry = DefaultTypingExpiry
	}
	feed, err := st.SubscribeTyping(ctx, conversationID)
	if err != nil {
		return nil, err
	}

	t := &Typing{
		store:          st,
		conversationID: conversationID,
		userID:         userID,
		names:          names,
		expiry:         expiry,
		log:            logger.New("typing"),
		updates:        make(chan string, 1),
	}
	go t.run(ctx, feed)
	return t, nil
}

// Updates carries the current typing summary: empty when nobody (else) is
// typing, otherwise a display string. Latest value only.
func (t *Typing) Updates() <-chan string {
	return t.updates
}

// ComposingChanged publishes the local typing state for the current compose
// text and restarts the auto-expiry timer. Best-effort: publish failures are
// logged, never surfaced.
func (t *Typing) ComposingChanged(ctx context.Context, text string) {
	isTyping := text != ""
	t.publish(ctx, isTyping)

	t.mu.Lock()
	defer t.mu.Unlock()
	if t.timer != nil {
		t.timer.Stop()
		t.timer = nil
	}
	if isTyping {
		t.timer = time.AfterFunc(t.expiry, func() {
			ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
			defer cancel()
			t.publish(ctx, false)
		})
	}
}

// Stop publishes a stop-typing immediately and cancels the expiry timer.
// Called on send and when leaving the conversation.
func (t *Typing) Stop(ctx context.Context) {
	t.mu.Lock()
	if t.timer != nil {
		t.timer.Stop()
		t.timer = nil
	}
	t.mu.Unlock()
	t.publish(ctx, false)
}

func (t *Typing) publish(ctx context.Context, isTyping bool) {
	if err := t.store.PublishTyping(ctx, t.conversationID, t.userID, isTyping); err != nil {
		t.log.Debug("Typing publish for %s failed: %v", t.conversationID, err)
	}
}

func (t *Typing) run(ctx context.Context, feed <-chan map[string]bool) {
	defer close(t.updates)
	for {
		select {
		case <-ctx.Done():
			return
		case state, ok := <-feed:
			if !ok {
				return
			}
			t.push(t.summarize(state))
		}
	}
}

// summarize renders the typing map for display. The current user's own entry
// is always excluded.
func (t *Typing) summarize(state map[string]bool) string {
	var typers []string
	for userID, isTyping := range state {
		if isTyping && userID != t.userID {
			typers = append(typers, userID)
		}
	}

	switch len(typers) {
	case 0:
		return ""
	case 1:
		name := "Someone"
		if t.names != nil {
			if n, ok := t.names.Name(typers[0]); ok {
				name = n
			}
		}
		return name + " is typing…"
	default:
		sort.Strings(typers) // deterministic, though the text hides the names
		return "Multiple people are typing…"
	}
}

func (t *Typing) push(summary string) {
	for {
		select {
		case t.updates <- summary:
			return
		default:
			select {
			case <-t.updates:
			default:
			}
		}
	}
}
