// Package relay implements channels, their subscriptions, and broadcast delivery.
package relay

import (
	"context"

	"github.com/bissquit/notify-relay/internal/domain"
)

// ChannelRepository persists channels.
type ChannelRepository interface {
	// CreateChannel stores a channel under a store-generated id and sets channel.ID.
	CreateChannel(ctx context.Context, channel *domain.Channel) error
	// CreateChannelIfAbsent stores a channel under channel.ID unless that id exists.
	CreateChannelIfAbsent(ctx context.Context, channel *domain.Channel) (created bool, err error)
	// GetChannel returns ErrChannelNotFound when the id is unknown.
	GetChannel(ctx context.Context, id string) (*domain.Channel, error)
}

// SubscriptionRepository persists the subscriptions of a channel.
type SubscriptionRepository interface {
	// CreateSubscriptionIfAbsent stores sub unless sub.ID already exists in its channel.
	CreateSubscriptionIfAbsent(ctx context.Context, sub *domain.Subscription) (created bool, err error)
	// GetSubscription returns ErrSubscriptionNotFound when the id is unknown.
	GetSubscription(ctx context.Context, channelID, id string) (*domain.Subscription, error)
	// ListSubscriptions returns at most limit subscriptions. Order is not guaranteed.
	ListSubscriptions(ctx context.Context, channelID string, limit int) ([]domain.Subscription, error)
}

// MessageRepository persists the append-only message history of a channel.
type MessageRepository interface {
	// CreateMessage stores msg under a store-generated id and sets msg.ID.
	CreateMessage(ctx context.Context, msg *domain.Message) error
	// ListRecentMessages returns at most limit messages, newest first.
	ListRecentMessages(ctx context.Context, channelID string, limit int) ([]domain.Message, error)
}

// Store is a handle to one backend holding every record type.
type Store interface {
	ChannelRepository
	SubscriptionRepository
	MessageRepository

	Ping(ctx context.Context) error
}
