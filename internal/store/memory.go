package store

import (
	"context"
	"sync"
	"time"

	"github.com/nhartman/parley/internal/models"
)

// BatchCall records one BatchAddToSet write, for assertions in tests.
type BatchCall struct {
	ConversationID string
	MessageIDs     []string
	Field          AckField
	UserID         string
}

// MemoryStore is an in-process Store. It backs the engine's tests and the
// harness's offline mode. Fault injection: each FailNext* error is returned
// by exactly one subsequent call of the matching method.
type MemoryStore struct {
	mu            sync.Mutex
	conversations map[string]*models.Conversation
	messages      map[string][]*models.Message // conversation id -> arrival order
	typing        map[string]map[string]bool
	presence      map[string]models.Presence

	msgSubs      map[string][]chan MessageEvent
	convSubs     map[string][]chan ConversationEvent
	typingSubs   map[string][]chan map[string]bool
	presenceSubs map[string][]chan models.Presence

	submitErr    error
	summaryErr   error
	batchErr     error
	subscribeErr error

	batchCalls  []BatchCall
	submitCount int
}

// NewMemoryStore returns an empty in-process store.
func NewMemoryStore() *MemoryStore {
	return &MemoryStore{
		conversations: make(map[string]*models.Conversation),
		messages:      make(map[string][]*models.Message),
		typing:        make(map[string]map[string]bool),
		presence:      make(map[string]models.Presence),
		msgSubs:       make(map[string][]chan MessageEvent),
		convSubs:      make(map[string][]chan ConversationEvent),
		typingSubs:    make(map[string][]chan map[string]bool),
		presenceSubs:  make(map[string][]chan models.Presence),
	}
}

// AddConversation seeds a conversation and notifies subscribed participants.
func (s *MemoryStore) AddConversation(conv *models.Conversation) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.conversations[conv.ID] = conv.Clone()
	s.broadcastConversation(ConversationEvent{Kind: ChangeAdded, ConversationID: conv.ID, Conversation: conv})
}

func (s *MemoryStore) SubmitMessage(ctx context.Context, conversationID string, msg *models.Message) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.submitCount++
	if s.submitErr != nil {
		err := s.submitErr
		s.submitErr = nil
		return err
	}

	doc := msg.Clone()
	doc.ConversationID = conversationID
	kind := ChangeAdded
	list := s.messages[conversationID]
	replaced := false
	for i, existing := range list {
		if existing.ID == doc.ID {
			// Same id resubmitted: overwrite, never a second logical message.
			list[i] = doc
			kind = ChangeModified
			replaced = true
			break
		}
	}
	if !replaced {
		s.messages[conversationID] = append(list, doc)
	}

	s.broadcastMessage(conversationID, MessageEvent{Kind: kind, MessageID: doc.ID, Message: doc})
	return nil
}

func (s *MemoryStore) UpdateConversationSummary(ctx context.Context, conversationID string, summary models.ConversationSummary) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.summaryErr != nil {
		err := s.summaryErr
		s.summaryErr = nil
		return err
	}

	conv, ok := s.conversations[conversationID]
	if !ok {
		return ErrConversationNotFound
	}
	conv.LastMessage = summary.LastMessage
	conv.LastMessageTimestamp = summary.LastMessageTimestamp
	conv.UpdatedAt = summary.UpdatedAt
	s.broadcastConversation(ConversationEvent{Kind: ChangeModified, ConversationID: conv.ID, Conversation: conv})
	return nil
}

func (s *MemoryStore) BatchAddToSet(ctx context.Context, conversationID string, messageIDs []string, field AckField, userID string) error {
	if len(messageIDs) == 0 {
		return nil
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.batchErr != nil {
		err := s.batchErr
		s.batchErr = nil
		return err
	}

	s.batchCalls = append(s.batchCalls, BatchCall{
		ConversationID: conversationID,
		MessageIDs:     append([]string(nil), messageIDs...),
		Field:          field,
		UserID:         userID,
	})

	wanted := make(map[string]bool, len(messageIDs))
	for _, id := range messageIDs {
		wanted[id] = true
	}
	for _, msg := range s.messages[conversationID] {
		if !wanted[msg.ID] {
			continue
		}
		switch field {
		case FieldReadBy:
			if !msg.ReadByUser(userID) {
				msg.ReadBy = append(msg.ReadBy, userID)
			}
		case FieldDeliveredTo:
			if !msg.DeliveredToUser(userID) {
				msg.DeliveredTo = append(msg.DeliveredTo, userID)
			}
		}
		s.broadcastMessage(conversationID, MessageEvent{Kind: ChangeModified, MessageID: msg.ID, Message: msg})
	}
	return nil
}

func (s *MemoryStore) SubscribeMessages(ctx context.Context, conversationID string) (<-chan MessageEvent, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.subscribeErr != nil {
		err := s.subscribeErr
		s.subscribeErr = nil
		return nil, err
	}

	existing := s.messages[conversationID]
	ch := make(chan MessageEvent, subscriptionBuffer+len(existing))
	for _, msg := range existing {
		ch <- MessageEvent{Kind: ChangeAdded, MessageID: msg.ID, Message: msg.Clone()}
	}
	s.msgSubs[conversationID] = append(s.msgSubs[conversationID], ch)
	go s.reapMessageSub(ctx, conversationID, ch)
	return ch, nil
}

func (s *MemoryStore) SubscribeConversations(ctx context.Context, userID string) (<-chan ConversationEvent, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.subscribeErr != nil {
		err := s.subscribeErr
		s.subscribeErr = nil
		return nil, err
	}

	ch := make(chan ConversationEvent, subscriptionBuffer)
	for _, conv := range s.conversations {
		if conv.HasParticipant(userID) {
			ch <- ConversationEvent{Kind: ChangeAdded, ConversationID: conv.ID, Conversation: conv.Clone()}
		}
	}
	s.convSubs[userID] = append(s.convSubs[userID], ch)
	go s.reapConversationSub(ctx, userID, ch)
	return ch, nil
}

func (s *MemoryStore) SubscribeTyping(ctx context.Context, conversationID string) (<-chan map[string]bool, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	ch := make(chan map[string]bool, subscriptionBuffer)
	ch <- cloneTyping(s.typing[conversationID])
	s.typingSubs[conversationID] = append(s.typingSubs[conversationID], ch)
	go s.reapTypingSub(ctx, conversationID, ch)
	return ch, nil
}

func (s *MemoryStore) PublishTyping(ctx context.Context, conversationID, userID string, isTyping bool) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	state := s.typing[conversationID]
	if state == nil {
		state = make(map[string]bool)
		s.typing[conversationID] = state
	}
	if isTyping {
		state[userID] = true
	} else {
		delete(state, userID)
	}
	for _, ch := range s.typingSubs[conversationID] {
		push(ch, cloneTyping(state))
	}
	return nil
}

func (s *MemoryStore) PublishPresence(ctx context.Context, userID string, status models.PresenceStatus) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	doc := models.Presence{UserID: userID, Status: status, LastSeen: time.Now().UTC()}
	s.presence[userID] = doc
	for _, ch := range s.presenceSubs[userID] {
		push(ch, doc)
	}
	return nil
}

func (s *MemoryStore) SubscribePresence(ctx context.Context, userID string) (<-chan models.Presence, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	ch := make(chan models.Presence, subscriptionBuffer)
	if doc, ok := s.presence[userID]; ok {
		ch <- doc
	}
	s.presenceSubs[userID] = append(s.presenceSubs[userID], ch)
	go s.reapPresenceSub(ctx, userID, ch)
	return ch, nil
}

func (s *MemoryStore) Close() error { return nil }

// Fault injection and inspection helpers.

func (s *MemoryStore) FailNextSubmit(err error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.submitErr = err
}

func (s *MemoryStore) FailNextSummaryUpdate(err error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.summaryErr = err
}

func (s *MemoryStore) FailNextBatch(err error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.batchErr = err
}

func (s *MemoryStore) FailNextSubscribe(err error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.subscribeErr = err
}

// BatchCalls returns every recorded BatchAddToSet write.
func (s *MemoryStore) BatchCalls() []BatchCall {
	s.mu.Lock()
	defer s.mu.Unlock()
	return append([]BatchCall(nil), s.batchCalls...)
}

// SubmitCount returns how many times SubmitMessage was invoked.
func (s *MemoryStore) SubmitCount() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.submitCount
}

// Messages returns the stored messages of a conversation in arrival order.
func (s *MemoryStore) Messages(conversationID string) []*models.Message {
	s.mu.Lock()
	defer s.mu.Unlock()
	out := make([]*models.Message, 0, len(s.messages[conversationID]))
	for _, msg := range s.messages[conversationID] {
		out = append(out, msg.Clone())
	}
	return out
}

// TypingState returns the conversation's current typing map.
func (s *MemoryStore) TypingState(conversationID string) map[string]bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	return cloneTyping(s.typing[conversationID])
}

// Presence returns the stored presence document for a user.
func (s *MemoryStore) Presence(userID string) (models.Presence, bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	doc, ok := s.presence[userID]
	return doc, ok
}

// Internals. Broadcasts run under s.mu; sends never block (slow subscribers
// drop events rather than stall the store).

func (s *MemoryStore) broadcastMessage(conversationID string, ev MessageEvent) {
	if ev.Message != nil {
		ev.Message = ev.Message.Clone()
	}
	for _, ch := range s.msgSubs[conversationID] {
		push(ch, ev)
	}
}

func (s *MemoryStore) broadcastConversation(ev ConversationEvent) {
	if ev.Conversation == nil {
		return
	}
	for userID, subs := range s.convSubs {
		if !ev.Conversation.HasParticipant(userID) {
			continue
		}
		for _, ch := range subs {
			push(ch, ConversationEvent{Kind: ev.Kind, ConversationID: ev.ConversationID, Conversation: ev.Conversation.Clone()})
		}
	}
}

func push[T any](ch chan T, v T) {
	select {
	case ch <- v:
	default:
	}
}

func (s *MemoryStore) reapMessageSub(ctx context.Context, conversationID string, ch chan MessageEvent) {
	<-ctx.Done()
	s.mu.Lock()
	defer s.mu.Unlock()
	s.msgSubs[conversationID] = removeChan(s.msgSubs[conversationID], ch)
	close(ch)
}

func (s *MemoryStore) reapConversationSub(ctx context.Context, userID string, ch chan ConversationEvent) {
	<-ctx.Done()
	s.mu.Lock()
	defer s.mu.Unlock()
	s.convSubs[userID] = removeChan(s.convSubs[userID], ch)
	close(ch)
}

func (s *MemoryStore) reapTypingSub(ctx context.Context, conversationID string, ch chan map[string]bool) {
	<-ctx.Done()
	s.mu.Lock()
	defer s.mu.Unlock()
	s.typingSubs[conversationID] = removeChan(s.typingSubs[conversationID], ch)
	close(ch)
}

func (s *MemoryStore) reapPresenceSub(ctx context.Context, userID string, ch chan models.Presence) {
	<-ctx.Done()
	s.mu.Lock()
	defer s.mu.Unlock()
	s.presenceSubs[userID] = removeChan(s.presenceSubs[userID], ch)
	close(ch)
}

func removeChan[T any](subs []chan T, target chan T) []chan T {
	out := subs[:0]
	for _, ch := range subs {
		if ch != target {
			out = append(out, ch)
		}
	}
	return out
}
