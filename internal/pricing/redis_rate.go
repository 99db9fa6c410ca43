package pricing

import (
	"context"
	"fmt"
	"strconv"
	"time"

	"github.com/redis/go-redis/v9"
)

// RateHashKey holds the admin-editable tariff.
const RateHashKey = "pricing:rate"

// RateReader is the subset of redis commands the rate source needs.
type RateReader interface {
	HGetAll(ctx context.Context, key string) (map[string]string, error)
}

type redisRateAdapter struct{ c *redis.Client }

func (r *redisRateAdapter) HGetAll(ctx context.Context, key string) (map[string]string, error) {
	return r.c.HGetAll(ctx, key).Result()
}

// RedisRateSource reads the tariff from a redis hash on every call.
type RedisRateSource struct {
	r       RateReader
	key     string
	timeout time.Duration
}

func NewRedisRateSource(c *redis.Client) *RedisRateSource {
	return &RedisRateSource{r: &redisRateAdapter{c: c}, key: RateHashKey, timeout: 500 * time.Millisecond}
}

func newRedisRateSourceWith(r RateReader) *RedisRateSource {
	return &RedisRateSource{r: r, key: RateHashKey, timeout: 500 * time.Millisecond}
}

func (s *RedisRateSource) Rate(ctx context.Context) (Rate, error) {
	ctx, cancel := context.WithTimeout(ctx, s.timeout)
	defer cancel()
	m, err := s.r.HGetAll(ctx, s.key)
	if err != nil {
		return Rate{}, fmt.Errorf("read %s: %w", s.key, err)
	}
	if len(m) == 0 {
		return Rate{}, fmt.Errorf("%s is empty", s.key)
	}
	var r Rate
	if r.DriverPerKm, err = strconv.ParseFloat(m["driver_per_km"], 64); err != nil {
		return Rate{}, fmt.Errorf("driver_per_km: %w", err)
	}
	if r.PlatformFeePercent, err = strconv.ParseFloat(m["platform_fee_percent"], 64); err != nil {
		return Rate{}, fmt.Errorf("platform_fee_percent: %w", err)
	}
	r.Currency = m["currency"]
	return r, nil
}
