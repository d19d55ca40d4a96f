package engine

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/nhartman/parley/internal/auth"
	"github.com/nhartman/parley/internal/logger"
	"github.com/nhartman/parley/internal/models"
	"github.com/nhartman/parley/internal/store"
)

// NameCache maps user ids to display names. Session-scoped and append-only:
// entries are backfilled best-effort from conversations and messages as they
// are observed and never overwritten.
type NameCache struct {
	mu    sync.RWMutex
	names map[string]string
}

func NewNameCache() *NameCache {
	return &NameCache{names: make(map[string]string)}
}

// Add records a display name unless one is already cached.
func (c *NameCache) Add(userID, name string) {
	if userID == "" || name == "" {
		return
	}
	c.mu.Lock()
	defer c.mu.Unlock()
	if _, ok := c.names[userID]; !ok {
		c.names[userID] = name
	}
}

// Name looks up a cached display name.
func (c *NameCache) Name(userID string) (string, bool) {
	c.mu.RLock()
	defer c.mu.RUnlock()
	name, ok := c.names[userID]
	return name, ok
}

// DraftStore keeps unsent compose text per conversation. Session-scoped,
// cleared on logout.
type DraftStore struct {
	mu     sync.Mutex
	drafts map[string]string
}

func NewDraftStore() *DraftStore {
	return &DraftStore{drafts: make(map[string]string)}
}

func (d *DraftStore) Set(conversationID, text string) {
	d.mu.Lock()
	defer d.mu.Unlock()
	if text == "" {
		delete(d.drafts, conversationID)
		return
	}
	d.drafts[conversationID] = text
}

func (d *DraftStore) Get(conversationID string) string {
	d.mu.Lock()
	defer d.mu.Unlock()
	return d.drafts[conversationID]
}

func (d *DraftStore) Clear(conversationID string) {
	d.mu.Lock()
	defer d.mu.Unlock()
	delete(d.drafts, conversationID)
}

func (d *DraftStore) Reset() {
	d.mu.Lock()
	defer d.mu.Unlock()
	d.drafts = make(map[string]string)
}

// SessionOptions tunes the engine's timers; zero values use the defaults.
// Tests shrink these so the debounce windows fire quickly.
type SessionOptions struct {
	ReceiptWindow time.Duration
	TypingExpiry  time.Duration
	ListDebounce  time.Duration
	ListTimeout   time.Duration
}

// Session is one signed-in user's sync engine instance. It owns the
// session-scoped caches and opens per-conversation views.
type Session struct {
	store  store.Store
	userID string
	name   string
	names  *NameCache
	drafts *DraftStore
	opts   SessionOptions
	log    *logger.Logger
}

// NewSession validates the session token, derives the current user from its
// claims, and announces the user as online (best-effort).
func NewSession(ctx context.Context, st store.Store, token string, opts SessionOptions) (*Session, error) {
	claims, err := auth.ValidateToken(token)
	if err != nil {
		return nil, fmt.Errorf("session token: %w", err)
	}

	s := &Session{
		store:  st,
		userID: claims.UserID,
		name:   claims.DisplayName,
		names:  NewNameCache(),
		drafts: NewDraftStore(),
		opts:   opts,
		log:    logger.New("session"),
	}
	s.names.Add(s.userID, s.name)

	if err := st.PublishPresence(ctx, s.userID, models.PresenceOnline); err != nil {
		s.log.Warn("Could not publish online presence: %v", err)
	}
	return s, nil
}

// UserID returns the authenticated user's id.
func (s *Session) UserID() string { return s.userID }

// Drafts exposes the session's draft store.
func (s *Session) Drafts() *DraftStore { return s.drafts }

// Names exposes the session's display-name cache.
func (s *Session) Names() *NameCache { return s.names }

// Conversations subscribes to the user's conversation list. The subscription
// lives until ctx is cancelled.
func (s *Session) Conversations(ctx context.Context) (*ConversationList, error) {
	return NewConversationList(ctx, s.store, s.userID, s.opts.ListDebounce, s.opts.ListTimeout)
}

// Watch subscribes to another user's presence document.
func (s *Session) Watch(ctx context.Context, userID string) (<-chan models.Presence, error) {
	return s.store.SubscribePresence(ctx, userID)
}

// OpenConversation starts the per-conversation units of work: the timeline
// actor, the receipt batcher and the typing coordinator. Closing the view
// cancels all of them.
func (s *Session) OpenConversation(ctx context.Context, conv *models.Conversation) (*ConversationView, error) {
	if !conv.HasParticipant(s.userID) {
		return nil, store.ErrPermissionDenied
	}
	for userID, name := range conv.ParticipantNames {
		s.names.Add(userID, name)
	}

	viewCtx, cancel := context.WithCancel(ctx)

	receipts := NewBatcher(s.store, conv.ID, s.userID, s.opts.ReceiptWindow)
	timeline, err := NewTimeline(viewCtx, s.store, conv, s.userID, s.name, receipts, s.names)
	if err != nil {
		cancel()
		return nil, err
	}
	typing, err := NewTyping(viewCtx, s.store, conv.ID, s.userID, s.names, s.opts.TypingExpiry)
	if err != nil {
		cancel()
		return nil, err
	}

	return &ConversationView{
		Timeline:       timeline,
		Typing:         typing,
		conversationID: conv.ID,
		receipts:       receipts,
		drafts:         s.drafts,
		cancel:         cancel,
	}, nil
}

// Close signs the session out: best-effort offline presence and cleared
// drafts. Per-conversation views are closed by their own owners.
func (s *Session) Close(ctx context.Context) {
	if err := s.store.PublishPresence(ctx, s.userID, models.PresenceOffline); err != nil {
		s.log.Warn("Could not publish offline presence: %v", err)
	}
	s.drafts.Reset()
}

// ConversationView is one open conversation screen: the timeline, typing
// coordinator and receipt batcher bound to it.
type ConversationView struct {
	Timeline *Timeline
	Typing   *Typing

	conversationID string
	receipts       *Batcher
	drafts         *DraftStore
	cancel         context.CancelFunc
}

// SetComposing records the compose text as a draft and publishes typing
// state. Call on every text change.
func (v *ConversationView) SetComposing(ctx context.Context, text string) {
	v.drafts.Set(v.conversationID, text)
	v.Typing.ComposingChanged(ctx, text)
}

// Draft returns the saved compose text for this conversation.
func (v *ConversationView) Draft() string {
	return v.drafts.Get(v.conversationID)
}

// Send clears the typing/draft state and runs the send pipeline. On failure
// the content goes back into the draft so the user can retry from where they
// left off.
func (v *ConversationView) Send(ctx context.Context, content string, opts SendOptions) (string, error) {
	v.Typing.Stop(ctx)
	v.drafts.Clear(v.conversationID)

	id, err := v.Timeline.Send(ctx, content, opts)
	if err != nil {
		v.drafts.Set(v.conversationID, content)
		return id, err
	}
	return id, nil
}

// Retry resubmits a failed message under its original id.
func (v *ConversationView) Retry(ctx context.Context, messageID string) (string, error) {
	return v.Timeline.Retry(ctx, messageID)
}

// MarkVisible forwards on-screen visibility to the timeline, which queues
// read acknowledgements for eligible messages.
func (v *ConversationView) MarkVisible(messageIDs ...string) {
	v.Timeline.MarkVisible(messageIDs...)
}

// Close leaves the conversation: stop typing, flush pending
// acknowledgements, cancel the subscriptions.
func (v *ConversationView) Close(ctx context.Context) {
	v.Typing.Stop(ctx)
	v.receipts.Close(ctx)
	v.cancel()
}
