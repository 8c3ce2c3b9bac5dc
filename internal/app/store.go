package app

import (
	"context"
	"fmt"
	"log/slog"

	"github.com/jackc/pgx/v5/pgxpool"
	mongodriver "go.mongodb.org/mongo-driver/v2/mongo"

	"github.com/bissquit/notify-relay/internal/config"
	"github.com/bissquit/notify-relay/internal/pkg/mongo"
	"github.com/bissquit/notify-relay/internal/pkg/postgres"
	"github.com/bissquit/notify-relay/internal/relay"
	"github.com/bissquit/notify-relay/internal/relay/memory"
	relaymongo "github.com/bissquit/notify-relay/internal/relay/mongo"
	relaypostgres "github.com/bissquit/notify-relay/internal/relay/postgres"
	"github.com/bissquit/notify-relay/migrations"
)

// Backend is a connected store backend.
type Backend struct {
	Driver string
	Open   relay.StoreOpener

	db    *pgxpool.Pool
	mongo *mongodriver.Client
}

// OpenBackend connects to the configured store driver and prepares its schema.
func OpenBackend(ctx context.Context, cfg *config.Config, logger *slog.Logger) (*Backend, error) {
	switch cfg.Store.Driver {
	case config.DriverPostgres:
		return openPostgres(ctx, cfg, logger)
	case config.DriverMongo:
		return openMongo(ctx, cfg, logger)
	case config.DriverMemory:
		logger.Warn("using in-memory store: data is lost on restart")
		return &Backend{Driver: config.DriverMemory, Open: memory.NewStore().Open}, nil
	default:
		return nil, fmt.Errorf("unknown store driver %q", cfg.Store.Driver)
	}
}

func openPostgres(ctx context.Context, cfg *config.Config, logger *slog.Logger) (*Backend, error) {
	connectCtx, cancel := context.WithTimeout(ctx, cfg.Database.ConnectTimeout)
	defer cancel()

	db, err := postgres.Connect(connectCtx, postgres.Config{
		URL:             cfg.Database.URL,
		MaxOpenConns:    cfg.Database.MaxOpenConns,
		MaxIdleConns:    cfg.Database.MaxIdleConns,
		ConnMaxLifetime: cfg.Database.ConnMaxLifetime,
		ConnectAttempts: cfg.Database.ConnectAttempts,
	})
	if err != nil {
		return nil, fmt.Errorf("connect to database: %w", err)
	}

	if cfg.Database.Migrate {
		if err := postgres.Migrate(cfg.Database.URL, migrations.FS); err != nil {
			db.Close()
			return nil, fmt.Errorf("migrate database: %w", err)
		}
	}

	logger.Info("connected to postgres", "max_conns", cfg.Database.MaxOpenConns)
	return &Backend{Driver: config.DriverPostgres, Open: relaypostgres.Opener(db), db: db}, nil
}

func openMongo(ctx context.Context, cfg *config.Config, logger *slog.Logger) (*Backend, error) {
	client, err := mongo.Connect(ctx, mongo.Config{
		URL:             cfg.Mongo.URL,
		ConnectTimeout:  cfg.Mongo.ConnectTimeout,
		MaxPoolSize:     cfg.Mongo.MaxPoolSize,
		ConnectAttempts: cfg.Mongo.ConnectAttempts,
	})
	if err != nil {
		return nil, fmt.Errorf("connect to mongo: %w", err)
	}

	db := client.Database(cfg.Store.Project)
	if err := relaymongo.NewStore(db).EnsureIndexes(ctx); err != nil {
		_ = client.Disconnect(context.Background())
		return nil, fmt.Errorf("ensure mongo indexes: %w", err)
	}

	logger.Info("connected to mongo", "database", cfg.Store.Project)
	return &Backend{Driver: config.DriverMongo, Open: relaymongo.Opener(db), mongo: client}, nil
}

// Close disconnects the backend.
func (b *Backend) Close(ctx context.Context) error {
	if b.db != nil {
		b.db.Close()
	}
	if b.mongo != nil {
		if err := b.mongo.Disconnect(ctx); err != nil {
			return fmt.Errorf("disconnect mongo: %w", err)
		}
	}
	return nil
}
