package queue

import (
	"context"
	"errors"
	"fmt"
	"strconv"
	"time"

	"github.com/google/uuid"
	"github.com/redis/go-redis/v9"
)

// DisplayCache mirrors the summary counters into Redis for waiting-room
// screens. It is a read-through copy; the store stays authoritative.
type DisplayCache struct {
	redis *redis.Client
	ttl   time.Duration
}

func NewDisplayCache(client *redis.Client, ttl time.Duration) *DisplayCache {
	if client == nil {
		return nil
	}
	if ttl <= 0 {
		ttl = 36 * time.Hour
	}
	return &DisplayCache{redis: client, ttl: ttl}
}

func displayKey(clinicID uuid.UUID, date time.Time) string {
	return fmt.Sprintf("queue:display:%s:%s", clinicID, DateKey(date))
}

// storeDisplayScript writes the summary only when it is newer than the
// cached one, so a slow writer cannot put an older snapshot back.
var storeDisplayScript = redis.NewScript(`
local cur = redis.call('HGET', KEYS[1], 'version')
if cur and tonumber(cur) >= tonumber(ARGV[1]) then
	return 0
end
redis.call('HSET', KEYS[1],
	'version', ARGV[1],
	'current_queue_number', ARGV[2],
	'current_serving_queue_number', ARGV[3],
	'total_patients_today', ARGV[4],
	'last_updated', ARGV[5])
redis.call('PEXPIRE', KEYS[1], ARGV[6])
return 1
`)

// Store caches s unless a summary with the same or a higher version is
// already there. It reports whether the cache changed.
func (c *DisplayCache) Store(ctx context.Context, s Summary) (bool, error) {
	if c == nil {
		return false, nil
	}
	written, err := storeDisplayScript.Run(ctx, c.redis, []string{displayKey(s.ClinicID, s.Date)},
		s.Version,
		s.CurrentQueueNumber,
		s.CurrentServingQueueNumber,
		s.TotalPatientsToday,
		s.LastUpdated.UTC().Format(time.RFC3339Nano),
		c.ttl.Milliseconds(),
	).Int()
	if err != nil {
		return false, fmt.Errorf("queue: store display: %w", err)
	}
	return written == 1, nil
}

// Load returns the cached summary, or ok=false when nothing is cached.
func (c *DisplayCache) Load(ctx context.Context, clinicID uuid.UUID, date time.Time) (*Summary, bool, error) {
	if c == nil {
		return nil, false, nil
	}
	fields, err := c.redis.HGetAll(ctx, displayKey(clinicID, date)).Result()
	if err != nil {
		return nil, false, fmt.Errorf("queue: load display: %w", err)
	}
	if len(fields) == 0 {
		return nil, false, nil
	}
	s := &Summary{ClinicID: clinicID, Date: date}
	if s.CurrentQueueNumber, err = strconv.Atoi(fields["current_queue_number"]); err != nil {
		return nil, false, fmt.Errorf("queue: decode display: %w", err)
	}
	if s.CurrentServingQueueNumber, err = strconv.Atoi(fields["current_serving_queue_number"]); err != nil {
		return nil, false, fmt.Errorf("queue: decode display: %w", err)
	}
	if s.TotalPatientsToday, err = strconv.Atoi(fields["total_patients_today"]); err != nil {
		return nil, false, fmt.Errorf("queue: decode display: %w", err)
	}
	if raw := fields["version"]; raw != "" {
		if s.Version, err = strconv.ParseInt(raw, 10, 64); err != nil {
			return nil, false, fmt.Errorf("queue: decode display: %w", err)
		}
	}
	if raw := fields["last_updated"]; raw != "" {
		if ts, err := time.Parse(time.RFC3339Nano, raw); err == nil {
			s.LastUpdated = ts
		}
	}
	return s, true, nil
}

const idempotencyPending = "pending"

// defaultPendingTTL bounds how long an unfinished reservation blocks retries
// when the booking request dies before resolving the key.
const defaultPendingTTL = 30 * time.Second

// IdempotencyStore remembers which appointment a booking key produced so a
// retried request gets the same ticket back.
type IdempotencyStore struct {
	redis      *redis.Client
	ttl        time.Duration
	pendingTTL time.Duration
}

func NewIdempotencyStore(client *redis.Client, ttl time.Duration) *IdempotencyStore {
	if client == nil {
		return nil
	}
	if ttl <= 0 {
		ttl = 24 * time.Hour
	}
	pending := defaultPendingTTL
	if pending > ttl {
		pending = ttl
	}
	return &IdempotencyStore{redis: client, ttl: ttl, pendingTTL: pending}
}

func idempotencyKey(clinicID uuid.UUID, key string) string {
	return fmt.Sprintf("queue:idem:%s:%s", clinicID, key)
}

// Reserve claims key for a new booking. When the key already resolved to an
// appointment its id is returned with reserved=false. A key claimed by a
// booking still in flight yields ErrBookingInFlight.
func (s *IdempotencyStore) Reserve(ctx context.Context, clinicID uuid.UUID, key string) (existing uuid.UUID, reserved bool, err error) {
	rk := idempotencyKey(clinicID, key)
	ok, err := s.redis.SetNX(ctx, rk, idempotencyPending, s.pendingTTL).Result()
	if err != nil {
		return uuid.Nil, false, fmt.Errorf("queue: reserve idempotency key: %w", err)
	}
	if ok {
		return uuid.Nil, true, nil
	}
	val, err := s.redis.Get(ctx, rk).Result()
	if errors.Is(err, redis.Nil) {
		// expired between SETNX and GET; treat as a fresh claim
		return s.Reserve(ctx, clinicID, key)
	}
	if err != nil {
		return uuid.Nil, false, fmt.Errorf("queue: read idempotency key: %w", err)
	}
	if val == idempotencyPending {
		return uuid.Nil, false, ErrBookingInFlight
	}
	id, err := uuid.Parse(val)
	if err != nil {
		return uuid.Nil, false, fmt.Errorf("queue: decode idempotency key: %w", err)
	}
	return id, false, nil
}

// Complete resolves key to appointmentID for the full replay window.
func (s *IdempotencyStore) Complete(ctx context.Context, clinicID uuid.UUID, key string, appointmentID uuid.UUID) error {
	if err := s.redis.Set(ctx, idempotencyKey(clinicID, key), appointmentID.String(), s.ttl).Err(); err != nil {
		return fmt.Errorf("queue: complete idempotency key: %w", err)
	}
	return nil
}

// Release drops a reservation after a failed booking so the client can retry.
func (s *IdempotencyStore) Release(ctx context.Context, clinicID uuid.UUID, key string) error {
	if err := s.redis.Del(ctx, idempotencyKey(clinicID, key)).Err(); err != nil {
		return fmt.Errorf("queue: release idempotency key: %w", err)
	}
	return nil
}
