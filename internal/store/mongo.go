package store

import (
	"context"
	"errors"
	"fmt"
	"sort"
	"time"

	"github.com/redis/go-redis/v9"
	"go.mongodb.org/mongo-driver/bson"
	"go.mongodb.org/mongo-driver/mongo"
	"go.mongodb.org/mongo-driver/mongo/options"

	"github.com/nhartman/parley/internal/logger"
	"github.com/nhartman/parley/internal/models"
)

const subscriptionBuffer = 64

// MongoOptions configures a MongoStore.
type MongoOptions struct {
	MongoURL      string
	Database      string
	RedisAddr     string
	RedisPassword string

	// ViewerID is the authenticated user the store acts for. Subscriptions
	// are refused when the viewer is not a participant.
	ViewerID string
}

// MongoStore implements Store on MongoDB change streams, with Redis pub/sub
// carrying the typing and presence halves.
type MongoStore struct {
	client *mongo.Client
	msgs   *mongo.Collection
	convs  *mongo.Collection
	rdb    *redis.Client
	viewer string
	log    *logger.Logger
}

// NewMongoStore connects to MongoDB and Redis and verifies both are reachable.
func NewMongoStore(ctx context.Context, opts MongoOptions) (*MongoStore, error) {
	client, err := mongo.Connect(ctx, options.Client().ApplyURI(opts.MongoURL))
	if err != nil {
		return nil, fmt.Errorf("connect mongo: %w", err)
	}
	if err := client.Ping(ctx, nil); err != nil {
		return nil, fmt.Errorf("ping mongo: %w", err)
	}

	rdb := redis.NewClient(&redis.Options{
		Addr:     opts.RedisAddr,
		Password: opts.RedisPassword,
	})
	if err := rdb.Ping(ctx).Err(); err != nil {
		_ = client.Disconnect(context.Background())
		return nil, fmt.Errorf("ping redis: %w", err)
	}

	db := client.Database(opts.Database)
	return &MongoStore{
		client: client,
		msgs:   db.Collection("messages"),
		convs:  db.Collection("conversations"),
		rdb:    rdb,
		viewer: opts.ViewerID,
		log:    logger.New("store"),
	}, nil
}

// SubmitMessage inserts the message under its client-assigned id. A
// duplicate-key error means a retry raced an earlier successful submit and is
// absorbed: the message is already durable.
func (s *MongoStore) SubmitMessage(ctx context.Context, conversationID string, msg *models.Message) error {
	doc := msg.Clone()
	doc.ConversationID = conversationID
	_, err := s.msgs.InsertOne(ctx, doc)
	if err != nil {
		if mongo.IsDuplicateKeyError(err) {
			s.log.Debug("Message %s already stored, treating resubmit as success", msg.ID)
			return nil
		}
		return classify(fmt.Errorf("submit message %s: %w", msg.ID, err))
	}
	return nil
}

// UpdateConversationSummary sets the denormalized last-message fields.
func (s *MongoStore) UpdateConversationSummary(ctx context.Context, conversationID string, summary models.ConversationSummary) error {
	res, err := s.convs.UpdateOne(ctx,
		bson.M{"_id": conversationID},
		bson.M{"$set": bson.M{
			"last_message":           summary.LastMessage,
			"last_message_timestamp": summary.LastMessageTimestamp,
			"updated_at":             summary.UpdatedAt,
		}},
	)
	if err != nil {
		return classify(fmt.Errorf("update conversation %s summary: %w", conversationID, err))
	}
	if res.MatchedCount == 0 {
		return ErrConversationNotFound
	}
	return nil
}

// BatchAddToSet unions userID into the receipt set of every listed message in
// a single write. $addToSet keeps the sets grow-only even when two clients
// acknowledge concurrently.
func (s *MongoStore) BatchAddToSet(ctx context.Context, conversationID string, messageIDs []string, field AckField, userID string) error {
	if len(messageIDs) == 0 {
		return nil
	}
	_, err := s.msgs.UpdateMany(ctx,
		bson.M{"conversation_id": conversationID, "_id": bson.M{"$in": messageIDs}},
		bson.M{"$addToSet": bson.M{string(field): userID}},
	)
	if err != nil {
		return classify(fmt.Errorf("batch %s ack in %s: %w", field, conversationID, err))
	}
	return nil
}

// SubscribeMessages streams the conversation's messages: current contents as
// added events, then live change-stream deltas.
func (s *MongoStore) SubscribeMessages(ctx context.Context, conversationID string) (<-chan MessageEvent, error) {
	if err := s.authorize(ctx, conversationID); err != nil {
		return nil, err
	}

	// Watch before the snapshot read so nothing falls between the two; the
	// engine's merge is idempotent, so the overlap is harmless.
	pipeline := mongo.Pipeline{bson.D{{Key: "$match", Value: bson.M{"$or": bson.A{
		bson.M{"fullDocument.conversation_id": conversationID},
		bson.M{"operationType": "delete"},
	}}}}}
	cs, err := s.msgs.Watch(ctx, pipeline, options.ChangeStream().SetFullDocument(options.UpdateLookup))
	if err != nil {
		return nil, classify(fmt.Errorf("watch messages of %s: %w", conversationID, err))
	}

	snapshot, err := s.messageSnapshot(ctx, conversationID)
	if err != nil {
		_ = cs.Close(ctx)
		return nil, err
	}

	out := make(chan MessageEvent, subscriptionBuffer)
	go func() {
		defer close(out)
		defer func() { _ = cs.Close(context.Background()) }()

		for _, msg := range snapshot {
			select {
			case out <- MessageEvent{Kind: ChangeAdded, MessageID: msg.ID, Message: msg}:
			case <-ctx.Done():
				return
			}
		}

		for cs.Next(ctx) {
			ev, ok := s.decodeMessageChange(cs)
			if !ok {
				continue // malformed event, keep the stream going
			}
			select {
			case out <- ev:
			case <-ctx.Done():
				return
			}
		}
		if err := cs.Err(); err != nil && ctx.Err() == nil {
			s.log.Error("Message stream for %s failed: %v", conversationID, err)
		}
	}()
	return out, nil
}

func (s *MongoStore) messageSnapshot(ctx context.Context, conversationID string) ([]*models.Message, error) {
	cursor, err := s.msgs.Find(ctx,
		bson.M{"conversation_id": conversationID},
		options.Find().SetSort(bson.D{{Key: "timestamp", Value: 1}}),
	)
	if err != nil {
		return nil, classify(fmt.Errorf("load messages of %s: %w", conversationID, err))
	}
	defer func() { _ = cursor.Close(ctx) }()

	var messages []*models.Message
	if err := cursor.All(ctx, &messages); err != nil {
		return nil, classify(fmt.Errorf("decode messages of %s: %w", conversationID, err))
	}
	return messages, nil
}

type messageChange struct {
	OperationType string          `bson:"operationType"`
	FullDocument  *models.Message `bson:"fullDocument"`
	DocumentKey   struct {
		ID string `bson:"_id"`
	} `bson:"documentKey"`
}

func (s *MongoStore) decodeMessageChange(cs *mongo.ChangeStream) (MessageEvent, bool) {
	var change messageChange
	if err := cs.Decode(&change); err != nil {
		s.log.Warn("Skipping malformed message change event: %v", err)
		return MessageEvent{}, false
	}

	switch change.OperationType {
	case "insert":
		if change.FullDocument == nil {
			return MessageEvent{}, false
		}
		return MessageEvent{Kind: ChangeAdded, MessageID: change.FullDocument.ID, Message: change.FullDocument}, true
	case "update", "replace":
		if change.FullDocument == nil {
			return MessageEvent{}, false
		}
		return MessageEvent{Kind: ChangeModified, MessageID: change.FullDocument.ID, Message: change.FullDocument}, true
	case "delete":
		return MessageEvent{Kind: ChangeRemoved, MessageID: change.DocumentKey.ID}, true
	default:
		return MessageEvent{}, false
	}
}

// SubscribeConversations streams the user's conversation summaries: current
// contents as added events, then live deltas.
func (s *MongoStore) SubscribeConversations(ctx context.Context, userID string) (<-chan ConversationEvent, error) {
	pipeline := mongo.Pipeline{bson.D{{Key: "$match", Value: bson.M{"$or": bson.A{
		bson.M{"fullDocument.participant_ids": userID},
		bson.M{"operationType": "delete"},
	}}}}}
	cs, err := s.convs.Watch(ctx, pipeline, options.ChangeStream().SetFullDocument(options.UpdateLookup))
	if err != nil {
		return nil, classify(fmt.Errorf("watch conversations of %s: %w", userID, err))
	}

	cursor, err := s.convs.Find(ctx, bson.M{"participant_ids": userID})
	if err != nil {
		_ = cs.Close(ctx)
		return nil, classify(fmt.Errorf("load conversations of %s: %w", userID, err))
	}
	var snapshot []*models.Conversation
	if err := cursor.All(ctx, &snapshot); err != nil {
		_ = cs.Close(ctx)
		return nil, classify(fmt.Errorf("decode conversations of %s: %w", userID, err))
	}
	sort.SliceStable(snapshot, func(i, j int) bool {
		return snapshot[i].SortKey().Before(snapshot[j].SortKey())
	})

	out := make(chan ConversationEvent, subscriptionBuffer)
	go func() {
		defer close(out)
		defer func() { _ = cs.Close(context.Background()) }()

		for _, conv := range snapshot {
			select {
			case out <- ConversationEvent{Kind: ChangeAdded, ConversationID: conv.ID, Conversation: conv}:
			case <-ctx.Done():
				return
			}
		}

		for cs.Next(ctx) {
			ev, ok := s.decodeConversationChange(cs)
			if !ok {
				continue
			}
			select {
			case out <- ev:
			case <-ctx.Done():
				return
			}
		}
		if err := cs.Err(); err != nil && ctx.Err() == nil {
			s.log.Error("Conversation stream for %s failed: %v", userID, err)
		}
	}()
	return out, nil
}

type conversationChange struct {
	OperationType string               `bson:"operationType"`
	FullDocument  *models.Conversation `bson:"fullDocument"`
	DocumentKey   struct {
		ID string `bson:"_id"`
	} `bson:"documentKey"`
}

func (s *MongoStore) decodeConversationChange(cs *mongo.ChangeStream) (ConversationEvent, bool) {
	var change conversationChange
	if err := cs.Decode(&change); err != nil {
		s.log.Warn("Skipping malformed conversation change event: %v", err)
		return ConversationEvent{}, false
	}

	switch change.OperationType {
	case "insert":
		if change.FullDocument == nil {
			return ConversationEvent{}, false
		}
		return ConversationEvent{Kind: ChangeAdded, ConversationID: change.FullDocument.ID, Conversation: change.FullDocument}, true
	case "update", "replace":
		if change.FullDocument == nil {
			return ConversationEvent{}, false
		}
		return ConversationEvent{Kind: ChangeModified, ConversationID: change.FullDocument.ID, Conversation: change.FullDocument}, true
	case "delete":
		return ConversationEvent{Kind: ChangeRemoved, ConversationID: change.DocumentKey.ID}, true
	default:
		return ConversationEvent{}, false
	}
}

// authorize refuses access when the viewer is not a participant.
func (s *MongoStore) authorize(ctx context.Context, conversationID string) error {
	err := s.convs.FindOne(ctx, bson.M{"_id": conversationID, "participant_ids": s.viewer}).Err()
	if err == nil {
		return nil
	}
	if !errors.Is(err, mongo.ErrNoDocuments) {
		return classify(fmt.Errorf("authorize %s: %w", conversationID, err))
	}
	if err := s.convs.FindOne(ctx, bson.M{"_id": conversationID}).Err(); errors.Is(err, mongo.ErrNoDocuments) {
		return ErrConversationNotFound
	}
	return ErrPermissionDenied
}

// Close releases both backing connections.
func (s *MongoStore) Close() error {
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	rerr := s.rdb.Close()
	if err := s.client.Disconnect(ctx); err != nil {
		return err
	}
	return rerr
}

// classify wraps transient mongo failures as retryable.
func classify(err error) error {
	if mongo.IsTimeout(err) || mongo.IsNetworkError(err) {
		return Retryable(err)
	}
	return err
}
