//go:build integration

package postgres

import (
	"context"
	"fmt"
	"log"
	"os"
	"testing"
	"time"

	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/bissquit/notify-relay/internal/domain"
	pgutil "github.com/bissquit/notify-relay/internal/pkg/postgres"
	"github.com/bissquit/notify-relay/internal/relay"
	"github.com/bissquit/notify-relay/internal/testutil"
	"github.com/bissquit/notify-relay/migrations"
)

var testDB *pgxpool.Pool

func TestMain(m *testing.M) {
	ctx := context.Background()

	container, err := testutil.NewPostgresContainer(ctx)
	if err != nil {
		log.Fatalf("start postgres: %v", err)
	}

	if err := pgutil.Migrate(container.ConnectionString, migrations.FS); err != nil {
		log.Fatalf("run migrations: %v", err)
	}

	testDB, err = pgutil.Connect(ctx, pgutil.Config{URL: container.ConnectionString, MaxOpenConns: 5, ConnectAttempts: 3})
	if err != nil {
		log.Fatalf("connect: %v", err)
	}

	code := m.Run()

	testDB.Close()
	if err := container.Terminate(ctx); err != nil {
		log.Printf("terminate postgres: %v", err)
	}
	os.Exit(code)
}

var _ relay.Store = (*Repository)(nil)

func newChannel(t *testing.T, repo *Repository) string {
	t.Helper()
	channel := &domain.Channel{CreatedAt: time.Now().UTC(), CreatedAgent: "test", CreatedIP: "192.0.2.1"}
	require.NoError(t, repo.CreateChannel(context.Background(), channel))
	return channel.ID
}

func TestRepository_Channels(t *testing.T) {
	repo := NewRepository(testDB)
	ctx := context.Background()

	id := newChannel(t, repo)
	assert.Len(t, id, 32)

	got, err := repo.GetChannel(ctx, id)
	require.NoError(t, err)
	assert.Equal(t, "test", got.CreatedAgent)
	assert.Equal(t, "192.0.2.1", got.CreatedIP)

	_, err = repo.GetChannel(ctx, "missing")
	assert.ErrorIs(t, err, relay.ErrChannelNotFound)

	legacy := &domain.Channel{ID: fmt.Sprintf("legacy%d", time.Now().UnixNano()), CreatedAt: time.Now().UTC()}
	created, err := repo.CreateChannelIfAbsent(ctx, legacy)
	require.NoError(t, err)
	assert.True(t, created)

	created, err = repo.CreateChannelIfAbsent(ctx, legacy)
	require.NoError(t, err)
	assert.False(t, created)
}

func TestRepository_Subscriptions(t *testing.T) {
	repo := NewRepository(testDB)
	ctx := context.Background()
	id := newChannel(t, repo)

	first := &domain.Subscription{ID: "dev1", ChannelID: id, Endpoint: "https://push.example.com/1", Auth: "a1", P256dh: "k1", CreatedAt: time.Now().UTC()}
	created, err := repo.CreateSubscriptionIfAbsent(ctx, first)
	require.NoError(t, err)
	assert.True(t, created)

	dup := &domain.Subscription{ID: "dev1", ChannelID: id, Endpoint: "https://push.example.com/other", CreatedAt: time.Now().UTC()}
	created, err = repo.CreateSubscriptionIfAbsent(ctx, dup)
	require.NoError(t, err)
	assert.False(t, created)

	second := &domain.Subscription{ID: "dev2", ChannelID: id, Endpoint: "https://push.example.com/2", Auth: "a2", P256dh: "k2", CreatedAt: time.Now().UTC()}
	_, err = repo.CreateSubscriptionIfAbsent(ctx, second)
	require.NoError(t, err)

	got, err := repo.GetSubscription(ctx, id, "dev1")
	require.NoError(t, err)
	assert.True(t, got.SameTarget(*first))

	_, err = repo.GetSubscription(ctx, id, "nope")
	assert.ErrorIs(t, err, relay.ErrSubscriptionNotFound)

	subs, err := repo.ListSubscriptions(ctx, id, 10)
	require.NoError(t, err)
	assert.Len(t, subs, 2)

	subs, err = repo.ListSubscriptions(ctx, id, 1)
	require.NoError(t, err)
	assert.Len(t, subs, 1)

	_, err = repo.CreateSubscriptionIfAbsent(ctx, &domain.Subscription{ID: "x", ChannelID: "missing", CreatedAt: time.Now().UTC()})
	assert.ErrorIs(t, err, relay.ErrChannelNotFound)
}

func TestRepository_Messages(t *testing.T) {
	repo := NewRepository(testDB)
	ctx := context.Background()
	id := newChannel(t, repo)

	base := time.Now().UTC().Truncate(time.Microsecond)
	for i := 0; i < 12; i++ {
		msg := &domain.Message{
			ChannelID:   id,
			Text:        fmt.Sprintf("m%d", i),
			SenderIP:    "192.0.2.1",
			MessageTime: base.Add(time.Duration(i) * time.Second),
			Results: []domain.DeliveryResult{
				{EndpointDomain: "push.example.com", Status: domain.DeliveryStatusAccepted},
				{EndpointDomain: "slow.example.com", Status: domain.DeliveryStatusTimedOut},
			},
		}
		require.NoError(t, repo.CreateMessage(ctx, msg))
		assert.NotEmpty(t, msg.ID)
	}

	msgs, err := repo.ListRecentMessages(ctx, id, 10)
	require.NoError(t, err)
	require.Len(t, msgs, 10)
	assert.Equal(t, "m11", msgs[0].Text)
	assert.Equal(t, "m2", msgs[9].Text)
	assert.Equal(t, []domain.DeliveryResult{
		{EndpointDomain: "push.example.com", Status: domain.DeliveryStatusAccepted},
		{EndpointDomain: "slow.example.com", Status: domain.DeliveryStatusTimedOut},
	}, msgs[0].Results)

	empty := &domain.Message{ChannelID: id, Text: "nobody", MessageTime: base.Add(time.Hour)}
	require.NoError(t, repo.CreateMessage(ctx, empty))
	msgs, err = repo.ListRecentMessages(ctx, id, 1)
	require.NoError(t, err)
	require.Len(t, msgs, 1)
	assert.Empty(t, msgs[0].Results)

	err = repo.CreateMessage(ctx, &domain.Message{ChannelID: "missing", MessageTime: base})
	assert.ErrorIs(t, err, relay.ErrChannelNotFound)
}

func TestRepository_Ping(t *testing.T) {
	assert.NoError(t, NewRepository(testDB).Ping(context.Background()))
}
