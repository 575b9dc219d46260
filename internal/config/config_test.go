package config

import (
	"strings"
	"testing"
	"time"
)

func TestLoadServerConfigDefaults(t *testing.T) {
	cfg, err := LoadServerConfig()
	if err != nil {
		t.Fatalf("defaults must load: %v", err)
	}
	if cfg.HeartbeatInterval != 30*time.Second || cfg.HeartbeatTimeout != 60*time.Second {
		t.Fatalf("unexpected heartbeat defaults %s/%s", cfg.HeartbeatInterval, cfg.HeartbeatTimeout)
	}
	if cfg.AuthGrace != 30*time.Second || cfg.MatcherRadiusMeters != 10000 {
		t.Fatalf("unexpected defaults %+v", cfg)
	}
	if cfg.MatcherFallback != "all_drivers" || cfg.LogFormat != "json" {
		t.Fatalf("unexpected defaults %+v", cfg)
	}
}

func TestLoadServerConfigFromEnv(t *testing.T) {
	t.Setenv("HTTP_ADDR", ":9090")
	t.Setenv("KAFKA_BROKERS", "k1:9092, k2:9092,")
	t.Setenv("HEARTBEAT_INTERVAL", "10s")
	t.Setenv("HEARTBEAT_TIMEOUT", "25s")
	t.Setenv("MATCHER_FALLBACK", "NONE")
	t.Setenv("MIGRATE", "TRUE")
	t.Setenv("LOG_FORMAT", "text")
	t.Setenv("SEED_USERS_FILE", " /etc/dispatch/users.json ")

	cfg, err := LoadServerConfig()
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if cfg.HTTPAddr != ":9090" || !cfg.RunMigrations || cfg.LogFormat != "text" || cfg.SeedUsersFile != "/etc/dispatch/users.json" {
		t.Fatalf("env not applied: %+v", cfg)
	}
	if len(cfg.KafkaBrokers) != 2 || cfg.KafkaBrokers[1] != "k2:9092" {
		t.Fatalf("unexpected brokers %v", cfg.KafkaBrokers)
	}
	if cfg.HeartbeatInterval != 10*time.Second || cfg.MatcherFallback != "none" {
		t.Fatalf("unexpected values %+v", cfg)
	}
}

func TestLoadServerConfigAggregatesErrors(t *testing.T) {
	t.Setenv("HTTP_READ_TIMEOUT", "soon")
	t.Setenv("MATCHER_TOP_N", "0")
	t.Setenv("MATCHER_FALLBACK", "nearest_city")
	t.Setenv("HEARTBEAT_INTERVAL", "2m")

	_, err := LoadServerConfig()
	if err == nil {
		t.Fatal("expected validation errors")
	}
	for _, want := range []string{"HTTP_READ_TIMEOUT", "MATCHER_TOP_N", "MATCHER_FALLBACK", "HEARTBEAT_TIMEOUT"} {
		if !strings.Contains(err.Error(), want) {
			t.Errorf("error %q does not mention %s", err, want)
		}
	}
}

func TestLoadConsumerConfig(t *testing.T) {
	t.Setenv("KAFKA_LOCATION_TOPIC", "locs")
	t.Setenv("REDIS_GEO_KEY", "geo:drivers")
	cfg, err := LoadConsumerConfig()
	if err != nil {
		t.Fatal(err)
	}
	if cfg.Topic != "locs" || cfg.RedisGeoKey != "geo:drivers" || cfg.GroupID == "" {
		t.Fatalf("unexpected consumer config %+v", cfg)
	}
}
