package store

import (
	"context"
	"errors"
	"fmt"

	"github.com/nhartman/parley/internal/models"
)

var (
	// ErrPermissionDenied means the viewer is not a participant of the
	// conversation. Fatal to a subscription; never retried automatically.
	ErrPermissionDenied = errors.New("not a participant of this conversation")

	ErrConversationNotFound = errors.New("conversation not found")
)

// RetryableError marks a transient failure the caller may retry.
type RetryableError struct {
	Err error
}

func (e *RetryableError) Error() string {
	return fmt.Sprintf("transient store failure: %v", e.Err)
}

func (e *RetryableError) Unwrap() error { return e.Err }

// Retryable wraps err as transient.
func Retryable(err error) error {
	return &RetryableError{Err: err}
}

// IsRetryable reports whether err is a transient failure worth retrying.
func IsRetryable(err error) bool {
	var re *RetryableError
	return errors.As(err, &re)
}

// ChangeKind describes a change-feed event.
type ChangeKind string

const (
	ChangeAdded    ChangeKind = "added"
	ChangeModified ChangeKind = "modified"
	ChangeRemoved  ChangeKind = "removed"
)

// MessageEvent is one entry of a conversation's message change feed.
// Message is nil for removed events; MessageID is always set.
type MessageEvent struct {
	Kind      ChangeKind
	MessageID string
	Message   *models.Message
}

// ConversationEvent is one entry of a user's conversation change feed.
type ConversationEvent struct {
	Kind           ChangeKind
	ConversationID string
	Conversation   *models.Conversation
}

// AckField selects which receipt set a batched acknowledgement targets.
type AckField string

const (
	FieldReadBy      AckField = "read_by"
	FieldDeliveredTo AckField = "delivered_to"
)

// Store is the message store client the sync engine writes through and
// subscribes to. Implementations must be safe for concurrent use; all
// mutation methods are additive (insert-by-id or set-union), never
// read-modify-write.
//
// Subscription channels deliver an initial snapshot as added events, then
// live changes ordered by arrival (not necessarily by timestamp). They are
// closed when the subscription context is cancelled or the feed fails.
type Store interface {
	// SubmitMessage stores a message under its client-assigned id.
	// Resubmitting the same id must not create a second logical message.
	SubmitMessage(ctx context.Context, conversationID string, msg *models.Message) error

	// UpdateConversationSummary writes the denormalized last-message fields.
	UpdateConversationSummary(ctx context.Context, conversationID string, summary models.ConversationSummary) error

	// BatchAddToSet unions userID into the given receipt set of every listed
	// message in one write.
	BatchAddToSet(ctx context.Context, conversationID string, messageIDs []string, field AckField, userID string) error

	SubscribeMessages(ctx context.Context, conversationID string) (<-chan MessageEvent, error)
	SubscribeConversations(ctx context.Context, userID string) (<-chan ConversationEvent, error)

	// SubscribeTyping streams the conversation's full typing map on every
	// change, keyed by user id.
	SubscribeTyping(ctx context.Context, conversationID string) (<-chan map[string]bool, error)

	// PublishTyping is fire-and-forget; failures are logged by callers, not
	// surfaced to the user.
	PublishTyping(ctx context.Context, conversationID, userID string, isTyping bool) error

	PublishPresence(ctx context.Context, userID string, status models.PresenceStatus) error
	SubscribePresence(ctx context.Context, userID string) (<-chan models.Presence, error)

	Close() error
}
