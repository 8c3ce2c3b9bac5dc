// Package mongo provides MongoDB connection utilities.
package mongo

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"go.mongodb.org/mongo-driver/v2/mongo"
	"go.mongodb.org/mongo-driver/v2/mongo/options"
	"go.mongodb.org/mongo-driver/v2/mongo/readpref"
)

// ErrMissingURL is returned when no connection URL is configured.
var ErrMissingURL = errors.New("mongo connection url is required")

// Config contains MongoDB connection configuration.
type Config struct {
	URL             string
	ConnectTimeout  time.Duration
	MaxPoolSize     uint64
	ConnectAttempts int
}

// Connect creates a client and waits until the primary answers a ping,
// retrying with exponential backoff.
func Connect(ctx context.Context, cfg Config) (*mongo.Client, error) {
	if cfg.URL == "" {
		return nil, ErrMissingURL
	}

	opts := options.Client().
		ApplyURI(cfg.URL).
		SetRetryWrites(true).
		SetRetryReads(true)
	if cfg.ConnectTimeout > 0 {
		opts.SetConnectTimeout(cfg.ConnectTimeout)
	}
	if cfg.MaxPoolSize > 0 {
		opts.SetMaxPoolSize(cfg.MaxPoolSize)
	}

	client, err := mongo.Connect(opts)
	if err != nil {
		return nil, fmt.Errorf("create mongo client: %w", err)
	}

	attempts := max(cfg.ConnectAttempts, 1)

	var lastErr error
	for attempt := 1; attempt <= attempts; attempt++ {
		if lastErr = client.Ping(ctx, readpref.Primary()); lastErr == nil {
			slog.Info("connected to mongo", "attempts", attempt)
			return client, nil
		}

		if attempt < attempts {
			backoff := calcBackoff(attempt)
			slog.Warn("mongo not reachable, retrying",
				"attempt", attempt,
				"max_attempts", attempts,
				"backoff", backoff,
				"error", lastErr,
			)
			select {
			case <-time.After(backoff):
			case <-ctx.Done():
				_ = client.Disconnect(context.Background())
				return nil, fmt.Errorf("connection cancelled: %w", ctx.Err())
			}
		}
	}

	_ = client.Disconnect(context.Background())
	return nil, fmt.Errorf("connect to mongo after %d attempts: %w", attempts, lastErr)
}

// calcBackoff returns exponential backoff duration capped at 16 seconds.
func calcBackoff(attempt int) time.Duration {
	return min(time.Duration(1<<(attempt-1))*time.Second, 16*time.Second)
}
