// Package postgres provides PostgreSQL implementation of the relay store.
package postgres

import (
	"context"
	"errors"
	"fmt"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgconn"
	"github.com/jackc/pgx/v5/pgxpool"

	"github.com/bissquit/notify-relay/internal/domain"
	"github.com/bissquit/notify-relay/internal/relay"
)

// foreignKeyViolation is the SQLSTATE raised when a parent channel is missing.
const foreignKeyViolation = "23503"

// Repository implements relay.Store using PostgreSQL.
type Repository struct {
	db *pgxpool.Pool
}

// NewRepository creates a new PostgreSQL repository.
func NewRepository(db *pgxpool.Pool) *Repository {
	return &Repository{db: db}
}

// Opener returns a relay.StoreOpener whose handles share db.
func Opener(db *pgxpool.Pool) relay.StoreOpener {
	return func(context.Context) (relay.Store, error) {
		return NewRepository(db), nil
	}
}

// CreateChannel inserts a channel and lets the database generate its id.
func (r *Repository) CreateChannel(ctx context.Context, channel *domain.Channel) error {
	query := `
		INSERT INTO channels (created_at, created_agent, created_ip)
		VALUES ($1, $2, $3)
		RETURNING id
	`
	if err := r.db.QueryRow(ctx, query,
		channel.CreatedAt,
		channel.CreatedAgent,
		channel.CreatedIP,
	).Scan(&channel.ID); err != nil {
		return fmt.Errorf("insert channel: %w", err)
	}
	return nil
}

// CreateChannelIfAbsent inserts a channel with a caller supplied id.
func (r *Repository) CreateChannelIfAbsent(ctx context.Context, channel *domain.Channel) (bool, error) {
	query := `
		INSERT INTO channels (id, created_at, created_agent, created_ip)
		VALUES ($1, $2, $3, $4)
		ON CONFLICT (id) DO NOTHING
	`
	tag, err := r.db.Exec(ctx, query,
		channel.ID,
		channel.CreatedAt,
		channel.CreatedAgent,
		channel.CreatedIP,
	)
	if err != nil {
		return false, fmt.Errorf("insert channel: %w", err)
	}
	return tag.RowsAffected() == 1, nil
}

// GetChannel retrieves a channel by ID.
func (r *Repository) GetChannel(ctx context.Context, id string) (*domain.Channel, error) {
	query := `
		SELECT id, created_at, created_agent, created_ip
		FROM channels
		WHERE id = $1
	`
	var channel domain.Channel
	err := r.db.QueryRow(ctx, query, id).Scan(
		&channel.ID,
		&channel.CreatedAt,
		&channel.CreatedAgent,
		&channel.CreatedIP,
	)
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return nil, relay.ErrChannelNotFound
		}
		return nil, fmt.Errorf("get channel: %w", err)
	}
	return &channel, nil
}

// CreateSubscriptionIfAbsent inserts a subscription unless its id is taken in the channel.
func (r *Repository) CreateSubscriptionIfAbsent(ctx context.Context, sub *domain.Subscription) (bool, error) {
	query := `
		INSERT INTO subscriptions (channel_id, id, endpoint, auth, p256dh, created_at)
		VALUES ($1, $2, $3, $4, $5, $6)
		ON CONFLICT (channel_id, id) DO NOTHING
	`
	tag, err := r.db.Exec(ctx, query,
		sub.ChannelID,
		sub.ID,
		sub.Endpoint,
		sub.Auth,
		sub.P256dh,
		sub.CreatedAt,
	)
	if err != nil {
		if isForeignKeyViolation(err) {
			return false, relay.ErrChannelNotFound
		}
		return false, fmt.Errorf("insert subscription: %w", err)
	}
	return tag.RowsAffected() == 1, nil
}

// GetSubscription retrieves a subscription by channel and ID.
func (r *Repository) GetSubscription(ctx context.Context, channelID, id string) (*domain.Subscription, error) {
	query := `
		SELECT channel_id, id, endpoint, auth, p256dh, created_at
		FROM subscriptions
		WHERE channel_id = $1 AND id = $2
	`
	var sub domain.Subscription
	err := r.db.QueryRow(ctx, query, channelID, id).Scan(
		&sub.ChannelID,
		&sub.ID,
		&sub.Endpoint,
		&sub.Auth,
		&sub.P256dh,
		&sub.CreatedAt,
	)
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return nil, relay.ErrSubscriptionNotFound
		}
		return nil, fmt.Errorf("get subscription: %w", err)
	}
	return &sub, nil
}

// ListSubscriptions returns the oldest limit subscriptions of a channel.
func (r *Repository) ListSubscriptions(ctx context.Context, channelID string, limit int) ([]domain.Subscription, error) {
	query := `
		SELECT channel_id, id, endpoint, auth, p256dh, created_at
		FROM subscriptions
		WHERE channel_id = $1
		ORDER BY created_at, id
		LIMIT $2
	`
	rows, err := r.db.Query(ctx, query, channelID, limit)
	if err != nil {
		return nil, fmt.Errorf("list subscriptions: %w", err)
	}
	defer rows.Close()

	subs := make([]domain.Subscription, 0)
	for rows.Next() {
		var sub domain.Subscription
		if err := rows.Scan(
			&sub.ChannelID,
			&sub.ID,
			&sub.Endpoint,
			&sub.Auth,
			&sub.P256dh,
			&sub.CreatedAt,
		); err != nil {
			return nil, fmt.Errorf("scan subscription: %w", err)
		}
		subs = append(subs, sub)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterate subscriptions: %w", err)
	}

	return subs, nil
}

// CreateMessage inserts a message with its delivery results.
func (r *Repository) CreateMessage(ctx context.Context, msg *domain.Message) error {
	results := msg.Results
	if results == nil {
		results = []domain.DeliveryResult{}
	}

	query := `
		INSERT INTO messages (channel_id, message, sender_ip, message_time, results)
		VALUES ($1, $2, $3, $4, $5)
		RETURNING id
	`
	err := r.db.QueryRow(ctx, query,
		msg.ChannelID,
		msg.Text,
		msg.SenderIP,
		msg.MessageTime,
		results,
	).Scan(&msg.ID)
	if err != nil {
		if isForeignKeyViolation(err) {
			return relay.ErrChannelNotFound
		}
		return fmt.Errorf("insert message: %w", err)
	}
	return nil
}

// ListRecentMessages returns the newest limit messages of a channel.
func (r *Repository) ListRecentMessages(ctx context.Context, channelID string, limit int) ([]domain.Message, error) {
	query := `
		SELECT id, channel_id, message, sender_ip, message_time, results
		FROM messages
		WHERE channel_id = $1
		ORDER BY message_time DESC
		LIMIT $2
	`
	rows, err := r.db.Query(ctx, query, channelID, limit)
	if err != nil {
		return nil, fmt.Errorf("list messages: %w", err)
	}
	defer rows.Close()

	msgs := make([]domain.Message, 0)
	for rows.Next() {
		var msg domain.Message
		if err := rows.Scan(
			&msg.ID,
			&msg.ChannelID,
			&msg.Text,
			&msg.SenderIP,
			&msg.MessageTime,
			&msg.Results,
		); err != nil {
			return nil, fmt.Errorf("scan message: %w", err)
		}
		msgs = append(msgs, msg)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterate messages: %w", err)
	}

	return msgs, nil
}

// Ping checks database connectivity.
func (r *Repository) Ping(ctx context.Context) error {
	return r.db.Ping(ctx)
}

func isForeignKeyViolation(err error) bool {
	var pgErr *pgconn.PgError
	return errors.As(err, &pgErr) && pgErr.Code == foreignKeyViolation
}
