package store

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/redis/go-redis/v9"

	"github.com/nhartman/parley/internal/models"
)

// Typing and presence ride on Redis rather than the document store: they are
// ephemeral, fire-and-forget signals that would only churn the change feeds.

func typingKey(conversationID string) string {
	return "parley:typing:" + conversationID
}

func presenceKey(userID string) string {
	return "parley:presence:" + userID
}

type typingUpdate struct {
	UserID   string `json:"user_id"`
	IsTyping bool   `json:"is_typing"`
}

// PublishTyping updates the conversation's typing hash and notifies
// subscribers. Fire-and-forget for callers.
func (s *MongoStore) PublishTyping(ctx context.Context, conversationID, userID string, isTyping bool) error {
	key := typingKey(conversationID)
	if isTyping {
		if err := s.rdb.HSet(ctx, key, userID, "1").Err(); err != nil {
			return classifyRedis(fmt.Errorf("set typing in %s: %w", conversationID, err))
		}
	} else {
		if err := s.rdb.HDel(ctx, key, userID).Err(); err != nil {
			return classifyRedis(fmt.Errorf("clear typing in %s: %w", conversationID, err))
		}
	}

	payload, _ := json.Marshal(typingUpdate{UserID: userID, IsTyping: isTyping})
	return classifyRedis(s.rdb.Publish(ctx, key, payload).Err())
}

// SubscribeTyping streams the conversation's full typing map: current state
// first, then one map per update.
func (s *MongoStore) SubscribeTyping(ctx context.Context, conversationID string) (<-chan map[string]bool, error) {
	if err := s.authorize(ctx, conversationID); err != nil {
		return nil, err
	}

	key := typingKey(conversationID)
	sub := s.rdb.Subscribe(ctx, key)
	if _, err := sub.Receive(ctx); err != nil {
		_ = sub.Close()
		return nil, classifyRedis(fmt.Errorf("subscribe typing of %s: %w", conversationID, err))
	}

	current := make(map[string]bool)
	if state, err := s.rdb.HGetAll(ctx, key).Result(); err == nil {
		for userID := range state {
			current[userID] = true
		}
	} else {
		s.log.Warn("Could not load typing state of %s: %v", conversationID, err)
	}

	out := make(chan map[string]bool, subscriptionBuffer)
	go func() {
		defer close(out)
		defer func() { _ = sub.Close() }()

		send := func() bool {
			select {
			case out <- cloneTyping(current):
				return true
			case <-ctx.Done():
				return false
			}
		}
		if !send() {
			return
		}

		ch := sub.Channel()
		for {
			select {
			case msg, ok := <-ch:
				if !ok {
					return
				}
				var update typingUpdate
				if err := json.Unmarshal([]byte(msg.Payload), &update); err != nil {
					s.log.Warn("Skipping malformed typing update in %s: %v", conversationID, err)
					continue
				}
				if update.IsTyping {
					current[update.UserID] = true
				} else {
					delete(current, update.UserID)
				}
				if !send() {
					return
				}
			case <-ctx.Done():
				return
			}
		}
	}()
	return out, nil
}

func cloneTyping(m map[string]bool) map[string]bool {
	c := make(map[string]bool, len(m))
	for k, v := range m {
		c[k] = v
	}
	return c
}

// PublishPresence writes the caller's own presence document and notifies
// watchers. Clients only ever write their own document.
func (s *MongoStore) PublishPresence(ctx context.Context, userID string, status models.PresenceStatus) error {
	doc := models.Presence{
		UserID:   userID,
		Status:   status,
		LastSeen: time.Now().UTC(),
	}
	payload, _ := json.Marshal(doc)

	key := presenceKey(userID)
	if err := s.rdb.Set(ctx, key, payload, 0).Err(); err != nil {
		return classifyRedis(fmt.Errorf("set presence of %s: %w", userID, err))
	}
	return classifyRedis(s.rdb.Publish(ctx, key, payload).Err())
}

// SubscribePresence streams another user's presence document.
func (s *MongoStore) SubscribePresence(ctx context.Context, userID string) (<-chan models.Presence, error) {
	key := presenceKey(userID)
	sub := s.rdb.Subscribe(ctx, key)
	if _, err := sub.Receive(ctx); err != nil {
		_ = sub.Close()
		return nil, classifyRedis(fmt.Errorf("subscribe presence of %s: %w", userID, err))
	}

	out := make(chan models.Presence, subscriptionBuffer)
	go func() {
		defer close(out)
		defer func() { _ = sub.Close() }()

		if payload, err := s.rdb.Get(ctx, key).Result(); err == nil {
			var doc models.Presence
			if json.Unmarshal([]byte(payload), &doc) == nil {
				select {
				case out <- doc:
				case <-ctx.Done():
					return
				}
			}
		}

		ch := sub.Channel()
		for {
			select {
			case msg, ok := <-ch:
				if !ok {
					return
				}
				var doc models.Presence
				if err := json.Unmarshal([]byte(msg.Payload), &doc); err != nil {
					s.log.Warn("Skipping malformed presence update for %s: %v", userID, err)
					continue
				}
				select {
				case out <- doc:
				case <-ctx.Done():
					return
				}
			case <-ctx.Done():
				return
			}
		}
	}()
	return out, nil
}

func classifyRedis(err error) error {
	if err == nil {
		return nil
	}
	if errors.Is(err, redis.ErrClosed) || errors.Is(err, context.DeadlineExceeded) {
		return Retryable(err)
	}
	return err
}
