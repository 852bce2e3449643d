package bootstrap

import (
	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/redis/go-redis/v9"

	appconfig "github.com/wolfman30/city-services/internal/config"
	"github.com/wolfman30/city-services/internal/events"
	"github.com/wolfman30/city-services/internal/observability/metrics"
	"github.com/wolfman30/city-services/internal/queue"
	"github.com/wolfman30/city-services/pkg/logging"
)

// BuildQueueStore picks the Postgres store when a pool is available and the
// in-memory store otherwise. Outbox events are only recorded by Postgres.
func BuildQueueStore(cfg *appconfig.Config, pool *pgxpool.Pool, logger *logging.Logger) queue.Store {
	policy := queue.CounterPolicy{TotalCountsBookings: cfg.TotalCountsBookings}
	if cfg.UseMemoryStore || pool == nil {
		logger.Warn("using in-memory queue store; data is lost on restart")
		return queue.NewMemoryStore(policy)
	}
	return queue.NewPGStore(pool, policy, events.NewOutboxStore(pool), logger)
}

// BuildQueueService wires the optional Redis display cache and idempotency
// keys around store.
func BuildQueueService(cfg *appconfig.Config, store queue.Store, redisClient *redis.Client, m *metrics.QueueMetrics, logger *logging.Logger) *queue.Service {
	svc := queue.NewService(store, logger).
		WithLocation(cfg.Location()).
		WithMetrics(m)
	if redisClient != nil {
		svc.WithDisplay(queue.NewDisplayCache(redisClient, cfg.DisplayCacheTTL)).
			WithIdempotency(queue.NewIdempotencyStore(redisClient, cfg.IdempotencyTTL))
	} else {
		logger.Warn("redis disabled; display cache and booking idempotency are off")
	}
	return svc
}
