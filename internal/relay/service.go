package relay

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/bissquit/notify-relay/internal/domain"
	"github.com/bissquit/notify-relay/internal/pkg/ctxlog"
)

// DefaultHistorySize is the number of recent messages returned with channel info.
const DefaultHistorySize = 10

// ChannelInfo is a channel with its most recent messages.
type ChannelInfo struct {
	Channel  *domain.Channel
	Messages []domain.Message
}

// Service provides channel registration and subscription management.
type Service struct {
	stores      *StorePool
	historySize int
	now         func() time.Time
}

// NewService creates a new relay service.
func NewService(stores *StorePool, historySize int) *Service {
	if historySize <= 0 {
		historySize = DefaultHistorySize
	}
	return &Service{
		stores:      stores,
		historySize: historySize,
		now:         time.Now,
	}
}

// RegisterChannel creates a new channel.
func (s *Service) RegisterChannel(ctx context.Context, agent, ip string) (*domain.Channel, error) {
	channel := &domain.Channel{
		CreatedAt:    s.now().UTC(),
		CreatedAgent: agent,
		CreatedIP:    ip,
	}

	err := withStore(ctx, s.stores, func(store Store) error {
		return store.CreateChannel(ctx, channel)
	})
	if err != nil {
		return nil, fmt.Errorf("create channel: %w", err)
	}

	ctxlog.FromContext(ctx).Info("channel created", "channel_id", channel.ID, "ip", ip)
	return channel, nil
}

// GetChannel returns ErrChannelNotFound for unknown ids.
func (s *Service) GetChannel(ctx context.Context, id string) (*domain.Channel, error) {
	var channel *domain.Channel
	err := withStore(ctx, s.stores, func(store Store) error {
		var err error
		channel, err = store.GetChannel(ctx, id)
		return err
	})
	return channel, err
}

// ChannelInfo returns a channel with its recent messages, newest first.
func (s *Service) ChannelInfo(ctx context.Context, id string) (*ChannelInfo, error) {
	info := &ChannelInfo{}
	err := withStore(ctx, s.stores, func(store Store) error {
		channel, err := store.GetChannel(ctx, id)
		if err != nil {
			return err
		}
		info.Channel = channel

		messages, err := store.ListRecentMessages(ctx, id, s.historySize)
		if err != nil {
			return fmt.Errorf("list messages: %w", err)
		}
		info.Messages = messages
		return nil
	})
	if err != nil {
		return nil, err
	}
	return info, nil
}

// Subscribe adds a subscription to an existing channel.
// Re-subscribing with identical endpoint and keys succeeds without changes;
// reusing an id for a different endpoint or keys fails with ErrSubscriptionConflict.
func (s *Service) Subscribe(ctx context.Context, sub domain.Subscription) error {
	return withStore(ctx, s.stores, func(store Store) error {
		if _, err := store.GetChannel(ctx, sub.ChannelID); err != nil {
			return err
		}

		sub.CreatedAt = s.now().UTC()
		created, err := store.CreateSubscriptionIfAbsent(ctx, &sub)
		if err != nil {
			return fmt.Errorf("create subscription: %w", err)
		}
		if created {
			ctxlog.FromContext(ctx).Info("subscription created")
			return nil
		}

		existing, err := store.GetSubscription(ctx, sub.ChannelID, sub.ID)
		if err != nil {
			if errors.Is(err, ErrSubscriptionNotFound) {
				// deleted between the two calls
				return ErrSubscriptionConflict
			}
			return fmt.Errorf("get subscription: %w", err)
		}
		if !existing.SameTarget(sub) {
			ctxlog.FromContext(ctx).Warn("subscription id conflict", "endpoint_domain", domain.EndpointDomain(sub.Endpoint))
			return ErrSubscriptionConflict
		}
		return nil
	})
}

// Ping checks that a store handle can reach its backend.
func (s *Service) Ping(ctx context.Context) error {
	return withStore(ctx, s.stores, func(store Store) error {
		return store.Ping(ctx)
	})
}
