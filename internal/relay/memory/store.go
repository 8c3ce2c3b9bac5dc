// Package memory provides a process-local relay store for local runs and tests.
package memory

import (
	"context"
	"sort"
	"strings"
	"sync"

	"github.com/google/uuid"

	"github.com/bissquit/notify-relay/internal/domain"
	"github.com/bissquit/notify-relay/internal/relay"
)

type channelRecord struct {
	channel       domain.Channel
	subscriptions []domain.Subscription
	messages      []domain.Message
}

// Store keeps every record in maps guarded by one mutex. All handles opened
// from the same Store share its data.
type Store struct {
	mu       sync.RWMutex
	channels map[string]*channelRecord
}

// NewStore creates an empty store.
func NewStore() *Store {
	return &Store{channels: make(map[string]*channelRecord)}
}

// Open returns the store itself as a pool handle.
func (s *Store) Open(context.Context) (relay.Store, error) {
	return s, nil
}

func newID() string {
	return strings.ReplaceAll(uuid.NewString(), "-", "")
}

// CreateChannel stores a channel under a new id.
func (s *Store) CreateChannel(_ context.Context, channel *domain.Channel) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	channel.ID = newID()
	s.channels[channel.ID] = &channelRecord{channel: *channel}
	return nil
}

// CreateChannelIfAbsent stores a channel under its own id unless that id exists.
func (s *Store) CreateChannelIfAbsent(_ context.Context, channel *domain.Channel) (bool, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	if _, ok := s.channels[channel.ID]; ok {
		return false, nil
	}
	s.channels[channel.ID] = &channelRecord{channel: *channel}
	return true, nil
}

// GetChannel returns relay.ErrChannelNotFound for unknown ids.
func (s *Store) GetChannel(_ context.Context, id string) (*domain.Channel, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	rec, ok := s.channels[id]
	if !ok {
		return nil, relay.ErrChannelNotFound
	}
	channel := rec.channel
	return &channel, nil
}

// CreateSubscriptionIfAbsent stores sub unless its id is taken in the channel.
func (s *Store) CreateSubscriptionIfAbsent(_ context.Context, sub *domain.Subscription) (bool, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	rec, ok := s.channels[sub.ChannelID]
	if !ok {
		return false, relay.ErrChannelNotFound
	}
	for _, existing := range rec.subscriptions {
		if existing.ID == sub.ID {
			return false, nil
		}
	}
	rec.subscriptions = append(rec.subscriptions, *sub)
	return true, nil
}

// GetSubscription returns relay.ErrSubscriptionNotFound for unknown ids.
func (s *Store) GetSubscription(_ context.Context, channelID, id string) (*domain.Subscription, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	if rec, ok := s.channels[channelID]; ok {
		for _, sub := range rec.subscriptions {
			if sub.ID == id {
				return &sub, nil
			}
		}
	}
	return nil, relay.ErrSubscriptionNotFound
}

// ListSubscriptions returns the first limit subscriptions in creation order.
func (s *Store) ListSubscriptions(_ context.Context, channelID string, limit int) ([]domain.Subscription, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	rec, ok := s.channels[channelID]
	if !ok {
		return []domain.Subscription{}, nil
	}
	n := min(limit, len(rec.subscriptions))
	out := make([]domain.Subscription, n)
	copy(out, rec.subscriptions[:n])
	return out, nil
}

// CreateMessage appends msg to its channel's history under a new id.
func (s *Store) CreateMessage(_ context.Context, msg *domain.Message) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	rec, ok := s.channels[msg.ChannelID]
	if !ok {
		return relay.ErrChannelNotFound
	}
	msg.ID = newID()

	stored := *msg
	stored.Results = append([]domain.DeliveryResult(nil), msg.Results...)
	rec.messages = append(rec.messages, stored)
	return nil
}

// ListRecentMessages returns at most limit messages, newest first.
func (s *Store) ListRecentMessages(_ context.Context, channelID string, limit int) ([]domain.Message, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	rec, ok := s.channels[channelID]
	if !ok {
		return []domain.Message{}, nil
	}

	out := append([]domain.Message(nil), rec.messages...)
	sort.SliceStable(out, func(i, j int) bool {
		return out[i].MessageTime.After(out[j].MessageTime)
	})
	if len(out) > limit {
		out = out[:limit]
	}
	return out, nil
}

// Ping always succeeds.
func (s *Store) Ping(context.Context) error {
	return nil
}
