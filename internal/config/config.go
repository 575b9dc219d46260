package config

import (
	"errors"
	"fmt"
	"os"
	"strconv"
	"strings"
	"time"
)

// ServerConfig captures all tunable parameters for the dispatch server.
// Values are loaded from environment variables with defaults that let the
// binary run locally against the in-memory store.
type ServerConfig struct {
	HTTPAddr        string
	ReadTimeout     time.Duration
	WriteTimeout    time.Duration
	IdleTimeout     time.Duration
	ShutdownTimeout time.Duration

	RedisAddr     string
	RedisPassword string
	RedisGeoKey   string

	KafkaBrokers       []string
	KafkaLocationTopic string
	KafkaRideTopic     string

	PGDSN         string
	RunMigrations bool
	SeedUsersFile string

	HeartbeatInterval time.Duration
	HeartbeatTimeout  time.Duration
	AuthGrace         time.Duration
	HandlerTimeout    time.Duration
	WSWriteTimeout    time.Duration
	WSPingInterval    time.Duration
	WSMaxMessageBytes int64

	MatcherRadiusMeters float64
	MatcherTopN         int
	MatcherFallback     string

	FrameRateLimit float64
	FrameRateBurst int

	PushEndpoint string

	// OSRMEndpoint enables routed pickup estimates; empty means straight-line.
	OSRMEndpoint string
	ETASpeedMps  float64
	ETACacheTTL  time.Duration

	LogLevel  string
	LogFormat string
}

func defaultServerConfig() ServerConfig {
	return ServerConfig{
		HTTPAddr:            ":8080",
		ReadTimeout:         5 * time.Second,
		WriteTimeout:        10 * time.Second,
		IdleTimeout:         120 * time.Second,
		ShutdownTimeout:     15 * time.Second,
		RedisGeoKey:         "drivers_geo",
		KafkaLocationTopic:  "driver-locations",
		KafkaRideTopic:      "ride-events",
		HeartbeatInterval:   30 * time.Second,
		HeartbeatTimeout:    60 * time.Second,
		AuthGrace:           30 * time.Second,
		HandlerTimeout:      10 * time.Second,
		WSWriteTimeout:      5 * time.Second,
		WSMaxMessageBytes:   64 << 10,
		MatcherRadiusMeters: 10000,
		MatcherTopN:         50,
		MatcherFallback:     "all_drivers",
		FrameRateLimit:      20,
		FrameRateBurst:      40,
		ETASpeedMps:         8,
		ETACacheTTL:         5 * time.Minute,
		LogLevel:            "info",
		LogFormat:           "json",
	}
}

func LoadServerConfig() (ServerConfig, error) {
	cfg := defaultServerConfig()
	var errs []error

	setStringFromEnv(&cfg.HTTPAddr, "HTTP_ADDR")
	setDurationFromEnv(&cfg.ReadTimeout, "HTTP_READ_TIMEOUT", &errs)
	setDurationFromEnv(&cfg.WriteTimeout, "HTTP_WRITE_TIMEOUT", &errs)
	setDurationFromEnv(&cfg.IdleTimeout, "HTTP_IDLE_TIMEOUT", &errs)
	setDurationFromEnv(&cfg.ShutdownTimeout, "HTTP_SHUTDOWN_TIMEOUT", &errs)

	cfg.RedisAddr = strings.TrimSpace(os.Getenv("REDIS_ADDR"))
	cfg.RedisPassword = os.Getenv("REDIS_PASSWORD")
	setStringFromEnv(&cfg.RedisGeoKey, "REDIS_GEO_KEY")

	if brokers := os.Getenv("KAFKA_BROKERS"); brokers != "" {
		cfg.KafkaBrokers = splitAndTrim(brokers)
	}
	setStringFromEnv(&cfg.KafkaLocationTopic, "KAFKA_LOCATION_TOPIC")
	setStringFromEnv(&cfg.KafkaRideTopic, "KAFKA_RIDE_TOPIC")

	cfg.PGDSN = os.Getenv("PG_DSN")
	cfg.RunMigrations = strings.EqualFold(os.Getenv("MIGRATE"), "true")
	cfg.SeedUsersFile = strings.TrimSpace(os.Getenv("SEED_USERS_FILE"))

	setDurationFromEnv(&cfg.HeartbeatInterval, "HEARTBEAT_INTERVAL", &errs)
	setDurationFromEnv(&cfg.HeartbeatTimeout, "HEARTBEAT_TIMEOUT", &errs)
	setDurationFromEnv(&cfg.AuthGrace, "AUTH_GRACE", &errs)
	setDurationFromEnv(&cfg.HandlerTimeout, "HANDLER_TIMEOUT", &errs)
	setDurationFromEnv(&cfg.WSWriteTimeout, "WS_WRITE_TIMEOUT", &errs)
	setDurationFromEnv(&cfg.WSPingInterval, "WS_PING_INTERVAL", &errs)
	setInt64FromEnv(&cfg.WSMaxMessageBytes, "WS_MAX_MESSAGE_BYTES", &errs)

	setFloatFromEnv(&cfg.MatcherRadiusMeters, "MATCHER_RADIUS_METERS", &errs)
	setIntFromEnv(&cfg.MatcherTopN, "MATCHER_TOP_N", &errs)
	if v := os.Getenv("MATCHER_FALLBACK"); v != "" {
		cfg.MatcherFallback = strings.ToLower(strings.TrimSpace(v))
	}

	setFloatFromEnv(&cfg.FrameRateLimit, "FRAME_RATE_LIMIT", &errs)
	setIntFromEnv(&cfg.FrameRateBurst, "FRAME_RATE_BURST", &errs)

	cfg.PushEndpoint = strings.TrimSpace(os.Getenv("PUSH_ENDPOINT"))
	cfg.OSRMEndpoint = strings.TrimRight(strings.TrimSpace(os.Getenv("OSRM_ENDPOINT")), "/")
	setFloatFromEnv(&cfg.ETASpeedMps, "ETA_SPEED_MPS", &errs)
	setDurationFromEnv(&cfg.ETACacheTTL, "ETA_CACHE_TTL", &errs)

	if v := os.Getenv("LOG_LEVEL"); v != "" {
		cfg.LogLevel = strings.ToLower(v)
	}
	if v := os.Getenv("LOG_FORMAT"); v != "" {
		cfg.LogFormat = strings.ToLower(v)
	}

	if cfg.MatcherTopN <= 0 {
		errs = append(errs, fmt.Errorf("MATCHER_TOP_N must be > 0"))
	}
	if cfg.MatcherRadiusMeters <= 0 {
		errs = append(errs, fmt.Errorf("MATCHER_RADIUS_METERS must be > 0"))
	}
	if cfg.MatcherFallback != "all_drivers" && cfg.MatcherFallback != "none" {
		errs = append(errs, fmt.Errorf("MATCHER_FALLBACK must be all_drivers or none, got %q", cfg.MatcherFallback))
	}
	if cfg.HeartbeatInterval <= 0 || cfg.HeartbeatTimeout <= 0 {
		errs = append(errs, fmt.Errorf("HEARTBEAT_INTERVAL and HEARTBEAT_TIMEOUT must be > 0"))
	}
	if cfg.HeartbeatTimeout < cfg.HeartbeatInterval {
		errs = append(errs, fmt.Errorf("HEARTBEAT_TIMEOUT (%s) must not be shorter than HEARTBEAT_INTERVAL (%s)", cfg.HeartbeatTimeout, cfg.HeartbeatInterval))
	}
	if cfg.FrameRateLimit < 0 || cfg.FrameRateBurst < 0 {
		errs = append(errs, fmt.Errorf("FRAME_RATE_LIMIT and FRAME_RATE_BURST must not be negative"))
	}
	if cfg.LogFormat != "json" && cfg.LogFormat != "text" {
		errs = append(errs, fmt.Errorf("LOG_FORMAT must be json or text, got %q", cfg.LogFormat))
	}

	return cfg, errors.Join(errs...)
}

// ConsumerConfig configures the location consumer that keeps the Redis GEO
// index in sync with driver availability.
type ConsumerConfig struct {
	KafkaBrokers []string
	Topic        string
	GroupID      string

	RedisAddr     string
	RedisPassword string
	RedisGeoKey   string

	MetricsAddr string
	LogLevel    string
	LogFormat   string
}

func LoadConsumerConfig() (ConsumerConfig, error) {
	cfg := ConsumerConfig{
		KafkaBrokers: []string{"localhost:9092"},
		Topic:        "driver-locations",
		GroupID:      "ride-dispatch-geo",
		RedisAddr:    "localhost:6379",
		RedisGeoKey:  "drivers_geo",
		MetricsAddr:  ":2112",
		LogLevel:     "info",
		LogFormat:    "json",
	}
	var errs []error

	if brokers := os.Getenv("KAFKA_BROKERS"); brokers != "" {
		cfg.KafkaBrokers = splitAndTrim(brokers)
	}
	setStringFromEnv(&cfg.Topic, "KAFKA_LOCATION_TOPIC")
	setStringFromEnv(&cfg.GroupID, "KAFKA_GROUP")
	setStringFromEnv(&cfg.RedisAddr, "REDIS_ADDR")
	cfg.RedisPassword = os.Getenv("REDIS_PASSWORD")
	setStringFromEnv(&cfg.RedisGeoKey, "REDIS_GEO_KEY")
	setStringFromEnv(&cfg.MetricsAddr, "METRICS_ADDR")
	if v := os.Getenv("LOG_LEVEL"); v != "" {
		cfg.LogLevel = strings.ToLower(v)
	}
	if v := os.Getenv("LOG_FORMAT"); v != "" {
		cfg.LogFormat = strings.ToLower(v)
	}

	if len(cfg.KafkaBrokers) == 0 {
		errs = append(errs, fmt.Errorf("KAFKA_BROKERS must list at least one broker"))
	}
	return cfg, errors.Join(errs...)
}

func setDurationFromEnv(target *time.Duration, key string, errs *[]error) {
	if v := os.Getenv(key); v != "" {
		d, err := time.ParseDuration(v)
		if err != nil {
			*errs = append(*errs, fmt.Errorf("invalid %s: %w", key, err))
			return
		}
		*target = d
	}
}

func setFloatFromEnv(target *float64, key string, errs *[]error) {
	if v := os.Getenv(key); v != "" {
		f, err := strconv.ParseFloat(v, 64)
		if err != nil {
			*errs = append(*errs, fmt.Errorf("invalid %s: %w", key, err))
			return
		}
		*target = f
	}
}

func setIntFromEnv(target *int, key string, errs *[]error) {
	if v := os.Getenv(key); v != "" {
		i, err := strconv.Atoi(v)
		if err != nil {
			*errs = append(*errs, fmt.Errorf("invalid %s: %w", key, err))
			return
		}
		*target = i
	}
}

func setInt64FromEnv(target *int64, key string, errs *[]error) {
	if v := os.Getenv(key); v != "" {
		i, err := strconv.ParseInt(v, 10, 64)
		if err != nil {
			*errs = append(*errs, fmt.Errorf("invalid %s: %w", key, err))
			return
		}
		*target = i
	}
}

func setStringFromEnv(target *string, key string) {
	if v := strings.TrimSpace(os.Getenv(key)); v != "" {
		*target = v
	}
}

func splitAndTrim(v string) []string {
	raw := strings.Split(v, ",")
	out := make([]string, 0, len(raw))
	for _, r := range raw {
		r = strings.TrimSpace(r)
		if r == "" {
			continue
		}
		out = append(out, r)
	}
	return out
}
