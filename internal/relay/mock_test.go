package relay

import (
	"context"
	"errors"
	"fmt"
	"sort"
	"sync"
	"time"

	"github.com/bissquit/notify-relay/internal/domain"
	"github.com/bissquit/notify-relay/internal/pkg/pool"
)

// mockStore is an in-memory Store with error injection.
type mockStore struct {
	mu            sync.Mutex
	channels      map[string]domain.Channel
	subscriptions map[string][]domain.Subscription
	messages      map[string][]domain.Message
	nextID        int

	createMessageErr error
	listErr          error
	pingErr          error
}

func newMockStore() *mockStore {
	return &mockStore{
		channels:      make(map[string]domain.Channel),
		subscriptions: make(map[string][]domain.Subscription),
		messages:      make(map[string][]domain.Message),
	}
}

func (m *mockStore) pool() *StorePool {
	return NewStorePool(func(context.Context) (Store, error) { return m, nil }, pool.Config{MaxSize: 4, AcquireTimeout: time.Second})
}

func (m *mockStore) addChannel(id string) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.channels[id] = domain.Channel{ID: id, CreatedAt: time.Now().UTC()}
}

func (m *mockStore) addSubscription(channelID, id, endpoint string) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.subscriptions[channelID] = append(m.subscriptions[channelID], domain.Subscription{
		ID:        id,
		ChannelID: channelID,
		Endpoint:  endpoint,
		Auth:      "auth-" + id,
		P256dh:    "key-" + id,
	})
}

func (m *mockStore) storedMessages(channelID string) []domain.Message {
	m.mu.Lock()
	defer m.mu.Unlock()
	return append([]domain.Message(nil), m.messages[channelID]...)
}

func (m *mockStore) CreateChannel(_ context.Context, channel *domain.Channel) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.nextID++
	channel.ID = fmt.Sprintf("channel%04d", m.nextID)
	m.channels[channel.ID] = *channel
	return nil
}

func (m *mockStore) CreateChannelIfAbsent(_ context.Context, channel *domain.Channel) (bool, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if _, ok := m.channels[channel.ID]; ok {
		return false, nil
	}
	m.channels[channel.ID] = *channel
	return true, nil
}

func (m *mockStore) GetChannel(_ context.Context, id string) (*domain.Channel, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	channel, ok := m.channels[id]
	if !ok {
		return nil, ErrChannelNotFound
	}
	return &channel, nil
}

func (m *mockStore) CreateSubscriptionIfAbsent(_ context.Context, sub *domain.Subscription) (bool, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	for _, s := range m.subscriptions[sub.ChannelID] {
		if s.ID == sub.ID {
			return false, nil
		}
	}
	m.subscriptions[sub.ChannelID] = append(m.subscriptions[sub.ChannelID], *sub)
	return true, nil
}

func (m *mockStore) GetSubscription(_ context.Context, channelID, id string) (*domain.Subscription, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	for _, s := range m.subscriptions[channelID] {
		if s.ID == id {
			return &s, nil
		}
	}
	return nil, ErrSubscriptionNotFound
}

func (m *mockStore) ListSubscriptions(_ context.Context, channelID string, limit int) ([]domain.Subscription, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.listErr != nil {
		return nil, m.listErr
	}
	subs := m.subscriptions[channelID]
	if len(subs) > limit {
		subs = subs[:limit]
	}
	return append([]domain.Subscription(nil), subs...), nil
}

func (m *mockStore) CreateMessage(_ context.Context, msg *domain.Message) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.createMessageErr != nil {
		return m.createMessageErr
	}
	m.nextID++
	msg.ID = fmt.Sprintf("msg%04d", m.nextID)
	m.messages[msg.ChannelID] = append(m.messages[msg.ChannelID], *msg)
	return nil
}

func (m *mockStore) ListRecentMessages(_ context.Context, channelID string, limit int) ([]domain.Message, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	msgs := append([]domain.Message(nil), m.messages[channelID]...)
	sort.SliceStable(msgs, func(i, j int) bool {
		return msgs[i].MessageTime.After(msgs[j].MessageTime)
	})
	if len(msgs) > limit {
		msgs = msgs[:limit]
	}
	return msgs, nil
}

func (m *mockStore) Ping(context.Context) error {
	return m.pingErr
}

// mockSender delivers according to per-endpoint behaviors. Endpoints without a
// behavior are accepted.
type mockSender struct {
	mu        sync.Mutex
	behaviors map[string]func(ctx context.Context) error
	payloads  [][]byte
}

func newMockSender() *mockSender {
	return &mockSender{behaviors: make(map[string]func(ctx context.Context) error)}
}

func (s *mockSender) on(endpoint string, fn func(ctx context.Context) error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.behaviors[endpoint] = fn
}

func (s *mockSender) Send(ctx context.Context, sub domain.Subscription, payload []byte) error {
	s.mu.Lock()
	s.payloads = append(s.payloads, payload)
	fn := s.behaviors[sub.Endpoint]
	s.mu.Unlock()

	if fn == nil {
		return nil
	}
	return fn(ctx)
}

func (s *mockSender) sent() [][]byte {
	s.mu.Lock()
	defer s.mu.Unlock()
	return append([][]byte(nil), s.payloads...)
}

var errPushRejected = errors.New("push service responded with 410 Gone")
