package config

import (
	"errors"
	"fmt"
	"io/fs"
	"os"
	"strconv"
	"strings"
	"time"

	"github.com/joho/godotenv"
)

// ServerConfig holds every knob of the dispatch process. Defaults let the
// binary run with no backing services at all.
type ServerConfig struct {
	HTTPAddr        string
	ReadTimeout     time.Duration
	WriteTimeout    time.Duration
	IdleTimeout     time.Duration
	ShutdownTimeout time.Duration

	RedisAddr     string
	RedisPassword string
	RedisDB       int

	KafkaBrokers       []string
	KafkaEventsTopic   string
	KafkaLocationTopic string
	KafkaGroup         string

	PGDSN         string
	RunMigrations bool

	DispatchRadiusMeters  float64
	DispatchMaxCandidates int
	DefaultSpeedMps       float64
	OSRMEndpoint          string
	ETACacheTTL           time.Duration

	LocationPersistInterval       time.Duration
	LocationPersistDistanceMeters float64
	DriverFreshness               time.Duration
	CustomerFreshness             time.Duration
	RequestPendingTTL             time.Duration
	RequestTTL                    time.Duration

	RateDriverPerKm        float64
	RatePlatformFeePercent float64
	RateCurrency           string

	StripeAPIKey string
	PushEndpoint string
	PushKey      string

	LogLevel string
}

func defaultServerConfig() ServerConfig {
	return ServerConfig{
		HTTPAddr:        ":8080",
		ReadTimeout:     5 * time.Second,
		WriteTimeout:    10 * time.Second,
		IdleTimeout:     120 * time.Second,
		ShutdownTimeout: 15 * time.Second,

		KafkaEventsTopic:   "dispatch-events",
		KafkaLocationTopic: "driver-locations",
		KafkaGroup:         "ride-dispatch",

		DispatchRadiusMeters:  3000,
		DispatchMaxCandidates: 10,
		DefaultSpeedMps:       8,
		ETACacheTTL:           30 * time.Second,

		LocationPersistInterval:       30 * time.Second,
		LocationPersistDistanceMeters: 100,
		DriverFreshness:               2 * time.Minute,
		CustomerFreshness:             5 * time.Minute,
		RequestPendingTTL:             15 * time.Minute,
		RequestTTL:                    30 * time.Minute,

		RateDriverPerKm:        1,
		RatePlatformFeePercent: 3,
		RateCurrency:           "EUR",

		LogLevel: "info",
	}
}

// LoadServerConfig reads an optional .env file, then the environment.
// Variables already set in the environment win over the file.
func LoadServerConfig() (ServerConfig, error) {
	if err := godotenv.Load(); err != nil && !errors.Is(err, fs.ErrNotExist) {
		return ServerConfig{}, fmt.Errorf("load .env: %w", err)
	}
	return loadFromEnv()
}

func loadFromEnv() (ServerConfig, error) {
	cfg := defaultServerConfig()
	e := &env{}

	e.str(&cfg.HTTPAddr, "HTTP_ADDR")
	e.duration(&cfg.ReadTimeout, "HTTP_READ_TIMEOUT")
	e.duration(&cfg.WriteTimeout, "HTTP_WRITE_TIMEOUT")
	e.duration(&cfg.IdleTimeout, "HTTP_IDLE_TIMEOUT")
	e.duration(&cfg.ShutdownTimeout, "HTTP_SHUTDOWN_TIMEOUT")

	e.str(&cfg.RedisAddr, "REDIS_ADDR")
	cfg.RedisPassword = os.Getenv("REDIS_PASSWORD")
	e.integer(&cfg.RedisDB, "REDIS_DB")

	e.list(&cfg.KafkaBrokers, "KAFKA_BROKERS")
	e.str(&cfg.KafkaEventsTopic, "KAFKA_EVENTS_TOPIC")
	e.str(&cfg.KafkaLocationTopic, "KAFKA_LOCATION_TOPIC")
	e.str(&cfg.KafkaGroup, "KAFKA_GROUP")

	cfg.PGDSN = os.Getenv("PG_DSN")
	cfg.RunMigrations = strings.EqualFold(os.Getenv("MIGRATE"), "true")

	e.float(&cfg.DispatchRadiusMeters, "DISPATCH_RADIUS_M")
	e.integer(&cfg.DispatchMaxCandidates, "DISPATCH_MAX_CANDIDATES")
	e.float(&cfg.DefaultSpeedMps, "DEFAULT_SPEED_MPS")
	e.str(&cfg.OSRMEndpoint, "OSRM_ENDPOINT")
	e.duration(&cfg.ETACacheTTL, "ETA_CACHE_TTL")

	e.duration(&cfg.LocationPersistInterval, "LOCATION_PERSIST_INTERVAL")
	e.float(&cfg.LocationPersistDistanceMeters, "LOCATION_PERSIST_DISTANCE_M")
	e.duration(&cfg.DriverFreshness, "DRIVER_FRESHNESS")
	e.duration(&cfg.CustomerFreshness, "CUSTOMER_FRESHNESS")
	e.duration(&cfg.RequestPendingTTL, "REQUEST_PENDING_TTL")
	e.duration(&cfg.RequestTTL, "REQUEST_TTL")

	e.float(&cfg.RateDriverPerKm, "RATE_DRIVER_PER_KM")
	e.float(&cfg.RatePlatformFeePercent, "RATE_PLATFORM_FEE_PERCENT")
	e.str(&cfg.RateCurrency, "RATE_CURRENCY")

	e.str(&cfg.StripeAPIKey, "STRIPE_API_KEY")
	e.str(&cfg.PushEndpoint, "PUSH_ENDPOINT")
	cfg.PushKey = os.Getenv("PUSH_KEY")

	if e.str(&cfg.LogLevel, "LOG_LEVEL") {
		cfg.LogLevel = strings.ToLower(cfg.LogLevel)
	}

	e.check(cfg.DispatchMaxCandidates > 0, "DISPATCH_MAX_CANDIDATES must be > 0")
	e.check(cfg.DispatchRadiusMeters > 0, "DISPATCH_RADIUS_M must be > 0")
	e.check(cfg.DefaultSpeedMps > 0, "DEFAULT_SPEED_MPS must be > 0")
	e.check(cfg.RateDriverPerKm > 0, "RATE_DRIVER_PER_KM must be > 0")
	e.check(cfg.RatePlatformFeePercent >= 0, "RATE_PLATFORM_FEE_PERCENT must be >= 0")
	e.check(cfg.RequestPendingTTL > 0, "REQUEST_PENDING_TTL must be > 0")
	e.check(cfg.RequestTTL > 0, "REQUEST_TTL must be > 0")

	return cfg, errors.Join(e.errs...)
}

// env reads typed values from the process environment and collects every
// parse failure so they can be reported together.
type env struct {
	errs []error
}

func (e *env) lookup(key string) (string, bool) {
	v := strings.TrimSpace(os.Getenv(key))
	return v, v != ""
}

func (e *env) fail(key string, err error) {
	e.errs = append(e.errs, fmt.Errorf("invalid %s: %w", key, err))
}

func (e *env) str(target *string, key string) bool {
	v, ok := e.lookup(key)
	if ok {
		*target = v
	}
	return ok
}

func (e *env) duration(target *time.Duration, key string) {
	if v, ok := e.lookup(key); ok {
		d, err := time.ParseDuration(v)
		if err != nil {
			e.fail(key, err)
			return
		}
		*target = d
	}
}

func (e *env) float(target *float64, key string) {
	if v, ok := e.lookup(key); ok {
		f, err := strconv.ParseFloat(v, 64)
		if err != nil {
			e.fail(key, err)
			return
		}
		*target = f
	}
}

func (e *env) integer(target *int, key string) {
	if v, ok := e.lookup(key); ok {
		i, err := strconv.Atoi(v)
		if err != nil {
			e.fail(key, err)
			return
		}
		*target = i
	}
}

// list splits a comma separated value, dropping empty items.
func (e *env) list(target *[]string, key string) {
	v, ok := e.lookup(key)
	if !ok {
		return
	}
	var out []string
	for _, item := range strings.Split(v, ",") {
		if item = strings.TrimSpace(item); item != "" {
			out = append(out, item)
		}
	}
	*target = out
}

func (e *env) check(ok bool, msg string) {
	if !ok {
		e.errs = append(e.errs, errors.New(msg))
	}
}
