package eta

import (
	"fmt"
	"time"

	"github.com/example/ride-dispatch/internal/geo"
	"github.com/example/ride-dispatch/internal/models"
	"github.com/example/ride-dispatch/internal/shard"
)

// Client is a routing backend that can price a drive in seconds.
type Client interface {
	EstimateSeconds(from, to models.Point) (float64, error)
}

// Cache remembers route durations per pickup pair for a short while. Keys
// are rounded so repeat lookups from a slightly moved driver still hit.
type Cache struct {
	entries *shard.Map[cacheEntry]
	ttl     time.Duration
	now     func() time.Time
}

type cacheEntry struct {
	seconds float64
	at      time.Time
}

func NewCache(ttl time.Duration) *Cache {
	return &Cache{entries: shard.New[cacheEntry](0), ttl: ttl, now: time.Now}
}

func keyFor(a, b models.Point) string {
	return fmtCoord(a) + "->" + fmtCoord(b)
}

// ~11m resolution
func fmtCoord(c models.Point) string {
	return fmt.Sprintf("%.4f,%.4f", c.Lat, c.Lng)
}

func (c *Cache) Get(a, b models.Point) (float64, bool) {
	k := keyFor(a, b)
	e, ok := c.entries.Get(k)
	if !ok {
		return 0, false
	}
	if c.expired(e, c.now()) {
		c.entries.DeleteIf(k, func(cur cacheEntry) bool { return cur.at.Equal(e.at) })
		return 0, false
	}
	return e.seconds, true
}

func (c *Cache) Set(a, b models.Point, seconds float64) {
	c.entries.Set(keyFor(a, b), cacheEntry{seconds: seconds, at: c.now()})
}

// Sweep drops expired entries and reports how many went.
func (c *Cache) Sweep() int {
	now := c.now()
	return c.entries.DeleteFunc(func(_ string, e cacheEntry) bool { return c.expired(e, now) })
}

func (c *Cache) Len() int { return c.entries.Len() }

func (c *Cache) expired(e cacheEntry, now time.Time) bool {
	return now.Sub(e.at) > c.ttl
}

// EstimateSeconds is the straight line fallback: distance over speed.
func EstimateSeconds(from, to models.Point, speedMps float64) float64 {
	if speedMps <= 0 {
		speedMps = 8.0 // ~28.8 km/h default city speed
	}
	return geo.HaversineMeters(from, to) / speedMps
}

// Estimator prefers the routing client, falls back to the naive model, and
// caches whatever it computed.
type Estimator struct {
	Client   Client
	Cache    *Cache
	SpeedMps float64
}

func (e *Estimator) Estimate(from, to models.Point) float64 {
	if e == nil {
		return EstimateSeconds(from, to, 0)
	}
	if e.Cache != nil {
		if v, ok := e.Cache.Get(from, to); ok {
			return v
		}
	}
	var secs float64
	if e.Client != nil {
		if v, err := e.Client.EstimateSeconds(from, to); err == nil {
			secs = v
		}
	}
	if secs == 0 {
		secs = EstimateSeconds(from, to, e.SpeedMps)
	}
	if e.Cache != nil {
		e.Cache.Set(from, to, secs)
	}
	return secs
}
