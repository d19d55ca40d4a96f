package engine

import (
	"context"
	"fmt"
	"time"

	"github.com/google/uuid"

	"github.com/nhartman/parley/internal/models"
)

// SendOptions carries the optional parts of a send.
type SendOptions struct {
	MediaURL  string
	MediaType string

	// MessageID pins the id for a retry. Leave empty for a fresh send.
	MessageID string
}

// Send runs the optimistic send pipeline: append a sending-status copy to the
// local sequence immediately, submit it to the store under the same id, then
// confirm or mark it failed. The returned id is the one to retry with.
//
// The conversation summary update after a successful submit is best-effort:
// the message is already durable, so its failure is only logged.
func (t *Timeline) Send(ctx context.Context, content string, opts SendOptions) (string, error) {
	id := opts.MessageID
	if id == "" {
		id = uuid.NewString()
	}

	msg := &models.Message{
		ID:             id,
		ConversationID: t.conversationID,
		SenderID:       t.userID,
		SenderName:     t.userName,
		Content:        content,
		Timestamp:      time.Now().UTC(),
		Status:         models.StatusSending,
		MediaURL:       opts.MediaURL,
		MediaType:      opts.MediaType,
	}

	// Optimistic append; a retry of a failed message replaces it in place.
	t.do(func() { t.upsert(msg) })

	// A send also closes out any acknowledgement window still accumulating.
	t.receipts.Flush(ctx)

	confirmed := msg.Clone()
	confirmed.Status = models.StatusSent
	if err := t.store.SubmitMessage(ctx, t.conversationID, confirmed); err != nil {
		t.do(func() { t.markFailed(id) })
		return id, fmt.Errorf("send message %s: %w", id, err)
	}

	// The change feed will deliver the same id; upsert makes that a no-op
	// overwrite rather than a duplicate. Confirm locally right away so the
	// status flips without waiting for the feed.
	t.do(func() { t.upsert(confirmed) })

	summary := models.ConversationSummary{
		LastMessage:          preview(content, opts),
		LastMessageTimestamp: msg.Timestamp,
		UpdatedAt:            time.Now().UTC(),
	}
	if err := t.store.UpdateConversationSummary(ctx, t.conversationID, summary); err != nil {
		t.log.Warn("Conversation %s summary update failed after send: %v", t.conversationID, err)
	}

	return id, nil
}

// Retry resubmits a failed message under its original id, so the store never
// sees a second logical message.
func (t *Timeline) Retry(ctx context.Context, messageID string) (string, error) {
	var failed *models.Message
	t.do(func() {
		if msg := t.find(messageID); msg != nil && msg.Status == models.StatusFailed {
			failed = msg.Clone()
		}
	})
	if failed == nil {
		return messageID, fmt.Errorf("message %s is not retryable", messageID)
	}
	return t.Send(ctx, failed.Content, SendOptions{
		MediaURL:  failed.MediaURL,
		MediaType: failed.MediaType,
		MessageID: failed.ID,
	})
}

func (t *Timeline) markFailed(id string) {
	if msg := t.find(id); msg != nil {
		msg.Status = models.StatusFailed
	}
}

func preview(content string, opts SendOptions) string {
	if content == "" && opts.MediaURL != "" {
		return "Photo"
	}
	return content
}
