package metrics

import (
	"github.com/jackc/pgx/v5/pgxpool"

	"github.com/bissquit/notify-relay/internal/pkg/pool"
)

// RecordDBPoolMetrics updates database pool metrics.
func RecordDBPoolMetrics(db *pgxpool.Pool) {
	stats := db.Stat()

	DBPoolConnections.WithLabelValues("in_use").Set(float64(stats.AcquiredConns()))
	DBPoolConnections.WithLabelValues("idle").Set(float64(stats.IdleConns()))
	DBPoolConnections.WithLabelValues("max").Set(float64(stats.MaxConns()))
}

// RecordStorePoolMetrics updates store handle pool metrics.
func RecordStorePoolMetrics(stats pool.Stats) {
	StorePoolHandles.WithLabelValues("in_use").Set(float64(stats.InUse))
	StorePoolHandles.WithLabelValues("idle").Set(float64(stats.Idle))
	StorePoolHandles.WithLabelValues("max").Set(float64(stats.MaxSize))
}
