package bootstrap

import (
	"github.com/aws/aws-sdk-go-v2/service/sqs"
	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/redis/go-redis/v9"

	appconfig "github.com/wolfman30/city-services/internal/config"
	"github.com/wolfman30/city-services/internal/events"
	"github.com/wolfman30/city-services/pkg/logging"
)

// BuildEventHandlers lists the sinks queue events fan out to.
func BuildEventHandlers(cfg *appconfig.Config, redisClient *redis.Client, sqsClient *sqs.Client) events.Fanout {
	var handlers events.Fanout
	if redisClient != nil {
		handlers = append(handlers, events.NewRedisPublisher(redisClient))
	}
	if sqsClient != nil && cfg.QueueEventsURL != "" {
		handlers = append(handlers, events.NewSQSPublisher(sqsClient, cfg.QueueEventsURL))
	}
	return handlers
}

// BuildDeliverer returns the outbox relay, or nil when there is no database
// or nowhere to deliver to.
func BuildDeliverer(cfg *appconfig.Config, pool *pgxpool.Pool, handlers events.Fanout, logger *logging.Logger) *events.Deliverer {
	if pool == nil || cfg.UseMemoryStore {
		return nil
	}
	if len(handlers) == 0 {
		logger.Warn("no queue event sinks configured; outbox will accumulate")
		return nil
	}
	return events.NewDeliverer(events.NewOutboxStore(pool), handlers, logger).
		WithBatchSize(int32(cfg.OutboxBatchSize)).
		WithInterval(cfg.OutboxPollInterval)
}
