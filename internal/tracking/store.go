package tracking

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/redis/go-redis/v9"

	"github.com/example/ride-dispatch/internal/models"
	"github.com/example/ride-dispatch/internal/shard"
)

// CustomerLocationStore keeps the latest customer sample per booking for a
// short time. Get returns nil when nothing is stored.
type CustomerLocationStore interface {
	Put(ctx context.Context, s models.LocationSample) error
	Get(ctx context.Context, bookingID string) (*models.LocationSample, error)
}

// MemoryLocationStore is the in-process store. Stale samples are hidden by
// Get and reclaimed by Sweep.
type MemoryLocationStore struct {
	samples *shard.Map[models.LocationSample]
	ttl     time.Duration
	now     func() time.Time
}

func NewMemoryLocationStore(ttl time.Duration, now func() time.Time) *MemoryLocationStore {
	if now == nil {
		now = time.Now
	}
	return &MemoryLocationStore{samples: shard.New[models.LocationSample](0), ttl: ttl, now: now}
}

func (m *MemoryLocationStore) Put(_ context.Context, s models.LocationSample) error {
	m.samples.Set(s.BookingID, s)
	return nil
}

func (m *MemoryLocationStore) Get(_ context.Context, bookingID string) (*models.LocationSample, error) {
	s, ok := m.samples.Get(bookingID)
	if !ok || !s.Fresh(m.now(), m.ttl) {
		return nil, nil
	}
	return &s, nil
}

// Sweep drops samples older than the TTL and reports how many went.
func (m *MemoryLocationStore) Sweep() int {
	now := m.now()
	return m.samples.DeleteFunc(func(_ string, s models.LocationSample) bool {
		return !s.Fresh(now, m.ttl)
	})
}

// LocationKV is the subset of redis commands the redis store needs.
type LocationKV interface {
	SetEX(ctx context.Context, key, value string, ttl time.Duration) error
	// Get returns ok=false for a missing key.
	Get(ctx context.Context, key string) (value string, ok bool, err error)
}

type redisKV struct{ c *redis.Client }

func (r redisKV) SetEX(ctx context.Context, key, value string, ttl time.Duration) error {
	return r.c.Set(ctx, key, value, ttl).Err()
}

func (r redisKV) Get(ctx context.Context, key string) (string, bool, error) {
	v, err := r.c.Get(ctx, key).Result()
	if errors.Is(err, redis.Nil) {
		return "", false, nil
	}
	if err != nil {
		return "", false, err
	}
	return v, true, nil
}

// RedisLocationStore shares customer samples across server replicas. Keys
// expire on their own after the TTL.
type RedisLocationStore struct {
	kv      LocationKV
	ttl     time.Duration
	timeout time.Duration
}

func NewRedisLocationStore(c *redis.Client, ttl time.Duration) *RedisLocationStore {
	return newRedisLocationStoreWith(redisKV{c: c}, ttl)
}

func newRedisLocationStoreWith(kv LocationKV, ttl time.Duration) *RedisLocationStore {
	return &RedisLocationStore{kv: kv, ttl: ttl, timeout: 500 * time.Millisecond}
}

func customerKey(bookingID string) string { return "customer_location:" + bookingID }

func (r *RedisLocationStore) Put(ctx context.Context, s models.LocationSample) error {
	b, err := json.Marshal(s)
	if err != nil {
		return err
	}
	ctx, cancel := context.WithTimeout(ctx, r.timeout)
	defer cancel()
	if err := r.kv.SetEX(ctx, customerKey(s.BookingID), string(b), r.ttl); err != nil {
		return fmt.Errorf("set %s: %w", customerKey(s.BookingID), err)
	}
	return nil
}

func (r *RedisLocationStore) Get(ctx context.Context, bookingID string) (*models.LocationSample, error) {
	ctx, cancel := context.WithTimeout(ctx, r.timeout)
	defer cancel()
	v, ok, err := r.kv.Get(ctx, customerKey(bookingID))
	if err != nil {
		return nil, fmt.Errorf("get %s: %w", customerKey(bookingID), err)
	}
	if !ok {
		return nil, nil
	}
	var s models.LocationSample
	if err := json.Unmarshal([]byte(v), &s); err != nil {
		return nil, fmt.Errorf("decode %s: %w", customerKey(bookingID), err)
	}
	return &s, nil
}
