// Package mongo provides a MongoDB implementation of the relay store.
//
// Channels, subscriptions and messages live in three collections; the latter
// two reference their channel through channel_id.
package mongo

import (
	"context"
	"errors"
	"fmt"
	"time"

	"go.mongodb.org/mongo-driver/v2/bson"
	"go.mongodb.org/mongo-driver/v2/mongo"
	"go.mongodb.org/mongo-driver/v2/mongo/options"

	"github.com/bissquit/notify-relay/internal/domain"
	"github.com/bissquit/notify-relay/internal/relay"
)

// Collection names.
const (
	ChannelsCollection      = "channels"
	SubscriptionsCollection = "subscriptions"
	MessagesCollection      = "messages"
)

type channelDoc struct {
	ID           string    `bson:"_id"`
	Created      time.Time `bson:"created"`
	CreatedAgent string    `bson:"created_agent"`
	CreatedIP    string    `bson:"created_ip"`
}

type subscriptionDoc struct {
	ChannelID      string    `bson:"channel_id"`
	SubscriptionID string    `bson:"subscription_id"`
	Endpoint       string    `bson:"endpoint"`
	Auth           string    `bson:"auth"`
	P256dh         string    `bson:"p256dh"`
	CreatedAt      time.Time `bson:"created_at"`
}

type messageDoc struct {
	ID          string                  `bson:"_id"`
	ChannelID   string                  `bson:"channel_id"`
	Message     string                  `bson:"message"`
	SenderIP    string                  `bson:"sender_ip"`
	MessageTime time.Time               `bson:"message_time"`
	Result      []domain.DeliveryResult `bson:"result"`
}

// Store implements relay.Store on a MongoDB database.
type Store struct {
	db *mongo.Database
}

// NewStore creates a store over db.
func NewStore(db *mongo.Database) *Store {
	return &Store{db: db}
}

// Opener returns a relay.StoreOpener whose handles share db.
func Opener(db *mongo.Database) relay.StoreOpener {
	return func(context.Context) (relay.Store, error) {
		return NewStore(db), nil
	}
}

// EnsureIndexes creates the indexes the store relies on. It is idempotent.
func (s *Store) EnsureIndexes(ctx context.Context) error {
	_, err := s.db.Collection(SubscriptionsCollection).Indexes().CreateOne(ctx, mongo.IndexModel{
		Keys:    bson.D{{Key: "channel_id", Value: 1}, {Key: "subscription_id", Value: 1}},
		Options: options.Index().SetUnique(true),
	})
	if err != nil {
		return fmt.Errorf("create subscriptions index: %w", err)
	}

	_, err = s.db.Collection(MessagesCollection).Indexes().CreateOne(ctx, mongo.IndexModel{
		Keys: bson.D{{Key: "channel_id", Value: 1}, {Key: "message_time", Value: -1}},
	})
	if err != nil {
		return fmt.Errorf("create messages index: %w", err)
	}
	return nil
}

// CreateChannel inserts a channel under a new ObjectID.
func (s *Store) CreateChannel(ctx context.Context, channel *domain.Channel) error {
	doc := channelDoc{
		ID:           bson.NewObjectID().Hex(),
		Created:      channel.CreatedAt,
		CreatedAgent: channel.CreatedAgent,
		CreatedIP:    channel.CreatedIP,
	}
	if _, err := s.db.Collection(ChannelsCollection).InsertOne(ctx, doc); err != nil {
		return fmt.Errorf("insert channel: %w", err)
	}
	channel.ID = doc.ID
	return nil
}

// CreateChannelIfAbsent inserts a channel with a caller supplied id.
func (s *Store) CreateChannelIfAbsent(ctx context.Context, channel *domain.Channel) (bool, error) {
	doc := channelDoc{
		ID:           channel.ID,
		Created:      channel.CreatedAt,
		CreatedAgent: channel.CreatedAgent,
		CreatedIP:    channel.CreatedIP,
	}
	if _, err := s.db.Collection(ChannelsCollection).InsertOne(ctx, doc); err != nil {
		if mongo.IsDuplicateKeyError(err) {
			return false, nil
		}
		return false, fmt.Errorf("insert channel: %w", err)
	}
	return true, nil
}

// GetChannel retrieves a channel by ID.
func (s *Store) GetChannel(ctx context.Context, id string) (*domain.Channel, error) {
	var doc channelDoc
	err := s.db.Collection(ChannelsCollection).FindOne(ctx, bson.D{{Key: "_id", Value: id}}).Decode(&doc)
	if err != nil {
		if errors.Is(err, mongo.ErrNoDocuments) {
			return nil, relay.ErrChannelNotFound
		}
		return nil, fmt.Errorf("get channel: %w", err)
	}
	return &domain.Channel{
		ID:           doc.ID,
		CreatedAt:    doc.Created.UTC(),
		CreatedAgent: doc.CreatedAgent,
		CreatedIP:    doc.CreatedIP,
	}, nil
}

// CreateSubscriptionIfAbsent inserts a subscription unless its id is taken in the
// channel. Relies on the unique index from EnsureIndexes.
func (s *Store) CreateSubscriptionIfAbsent(ctx context.Context, sub *domain.Subscription) (bool, error) {
	doc := subscriptionDoc{
		ChannelID:      sub.ChannelID,
		SubscriptionID: sub.ID,
		Endpoint:       sub.Endpoint,
		Auth:           sub.Auth,
		P256dh:         sub.P256dh,
		CreatedAt:      sub.CreatedAt,
	}
	if _, err := s.db.Collection(SubscriptionsCollection).InsertOne(ctx, doc); err != nil {
		if mongo.IsDuplicateKeyError(err) {
			return false, nil
		}
		return false, fmt.Errorf("insert subscription: %w", err)
	}
	return true, nil
}

// GetSubscription retrieves a subscription by channel and ID.
func (s *Store) GetSubscription(ctx context.Context, channelID, id string) (*domain.Subscription, error) {
	filter := bson.D{{Key: "channel_id", Value: channelID}, {Key: "subscription_id", Value: id}}

	var doc subscriptionDoc
	err := s.db.Collection(SubscriptionsCollection).FindOne(ctx, filter).Decode(&doc)
	if err != nil {
		if errors.Is(err, mongo.ErrNoDocuments) {
			return nil, relay.ErrSubscriptionNotFound
		}
		return nil, fmt.Errorf("get subscription: %w", err)
	}
	sub := doc.toDomain()
	return &sub, nil
}

// ListSubscriptions returns at most limit subscriptions of a channel.
func (s *Store) ListSubscriptions(ctx context.Context, channelID string, limit int) ([]domain.Subscription, error) {
	opts := options.Find().
		SetSort(bson.D{{Key: "created_at", Value: 1}}).
		SetLimit(int64(limit))

	cursor, err := s.db.Collection(SubscriptionsCollection).Find(ctx, bson.D{{Key: "channel_id", Value: channelID}}, opts)
	if err != nil {
		return nil, fmt.Errorf("list subscriptions: %w", err)
	}

	var docs []subscriptionDoc
	if err := cursor.All(ctx, &docs); err != nil {
		return nil, fmt.Errorf("decode subscriptions: %w", err)
	}

	subs := make([]domain.Subscription, 0, len(docs))
	for _, doc := range docs {
		subs = append(subs, doc.toDomain())
	}
	return subs, nil
}

// CreateMessage inserts a message under a new ObjectID.
func (s *Store) CreateMessage(ctx context.Context, msg *domain.Message) error {
	results := msg.Results
	if results == nil {
		results = []domain.DeliveryResult{}
	}

	doc := messageDoc{
		ID:          bson.NewObjectID().Hex(),
		ChannelID:   msg.ChannelID,
		Message:     msg.Text,
		SenderIP:    msg.SenderIP,
		MessageTime: msg.MessageTime,
		Result:      results,
	}
	if _, err := s.db.Collection(MessagesCollection).InsertOne(ctx, doc); err != nil {
		return fmt.Errorf("insert message: %w", err)
	}
	msg.ID = doc.ID
	return nil
}

// ListRecentMessages returns the newest limit messages of a channel.
func (s *Store) ListRecentMessages(ctx context.Context, channelID string, limit int) ([]domain.Message, error) {
	opts := options.Find().
		SetSort(bson.D{{Key: "message_time", Value: -1}}).
		SetLimit(int64(limit))

	cursor, err := s.db.Collection(MessagesCollection).Find(ctx, bson.D{{Key: "channel_id", Value: channelID}}, opts)
	if err != nil {
		return nil, fmt.Errorf("list messages: %w", err)
	}

	var docs []messageDoc
	if err := cursor.All(ctx, &docs); err != nil {
		return nil, fmt.Errorf("decode messages: %w", err)
	}

	msgs := make([]domain.Message, 0, len(docs))
	for _, doc := range docs {
		msgs = append(msgs, domain.Message{
			ID:          doc.ID,
			ChannelID:   doc.ChannelID,
			Text:        doc.Message,
			SenderIP:    doc.SenderIP,
			MessageTime: doc.MessageTime.UTC(),
			Results:     doc.Result,
		})
	}
	return msgs, nil
}

// Ping checks database connectivity.
func (s *Store) Ping(ctx context.Context) error {
	return s.db.RunCommand(ctx, bson.D{{Key: "ping", Value: 1}}).Err()
}

func (d subscriptionDoc) toDomain() domain.Subscription {
	return domain.Subscription{
		ID:        d.SubscriptionID,
		ChannelID: d.ChannelID,
		Endpoint:  d.Endpoint,
		Auth:      d.Auth,
		P256dh:    d.P256dh,
		CreatedAt: d.CreatedAt.UTC(),
	}
}
