package config

import (
	"fmt"
	"os"
	"strings"
	"time"

	"github.com/joho/godotenv"
	"github.com/rs/zerolog/log"
)

// Defaults for optional settings.
const (
	DefaultPollInterval = 5 * time.Minute
	DefaultLookback     = 60 * time.Minute
	DefaultMaxLookback  = 360 * time.Minute
	DefaultDataDir      = "/var/lib/argus"
	DefaultRulesDir     = "rules"
)

// Config is the environment-driven engine configuration. Required values
// are validated at load; the engine does not start without them.
type Config struct {
	// Identity platform credentials for the managing (MSP) tenant.
	TenantID     string
	ClientID     string
	ClientSecret string // empty means a federated client assertion is used
	AssertionFile string

	// Log-ingestion sink.
	SinkEndpoint string
	SinkRuleID   string
	SinkStream   string

	// Local storage and rule catalog.
	DataDir    string
	RulesDir   string
	RuleFilter string // optional wildcard over rule ids

	// Scheduling.
	PollInterval time.Duration
	Lookback     time.Duration
	MaxLookback  time.Duration
	TickTimeout  time.Duration // 0 disables the tick-wide deadline

	// Observability.
	MetricsAddr string // empty disables the metrics listener
	LogLevel    string
	LogFormat   string
}

// Load reads configuration from the environment, consulting a .env file
// first when present. Missing required values fail fast with a single
// aggregated error.
func Load() (*Config, error) {
	if err := godotenv.Load(); err == nil {
		log.Debug().Msg("Loaded environment from .env file")
	}

	cfg := &Config{
		TenantID:      os.Getenv("ARGUS_TENANT_ID"),
		ClientID:      os.Getenv("ARGUS_CLIENT_ID"),
		ClientSecret:  os.Getenv("ARGUS_CLIENT_SECRET"),
		AssertionFile: os.Getenv("ARGUS_CLIENT_ASSERTION_FILE"),
		SinkEndpoint:  os.Getenv("ARGUS_SINK_ENDPOINT"),
		SinkRuleID:    os.Getenv("ARGUS_SINK_RULE_ID"),
		SinkStream:    os.Getenv("ARGUS_SINK_STREAM"),
		DataDir:       envOrDefault("ARGUS_DATA_DIR", DefaultDataDir),
		RulesDir:      envOrDefault("ARGUS_RULES_DIR", DefaultRulesDir),
		RuleFilter:    os.Getenv("ARGUS_RULE_FILTER"),
		PollInterval:  envDuration("ARGUS_POLL_INTERVAL", DefaultPollInterval),
		Lookback:      envDuration("ARGUS_LOOKBACK", DefaultLookback),
		MaxLookback:   envDuration("ARGUS_MAX_LOOKBACK", DefaultMaxLookback),
		TickTimeout:   envDuration("ARGUS_TICK_TIMEOUT", 0),
		MetricsAddr:   os.Getenv("ARGUS_METRICS_ADDR"),
		LogLevel:      envOrDefault("LOG_LEVEL", "info"),
		LogFormat:     envOrDefault("LOG_FORMAT", "auto"),
	}

	var missing []string
	for _, required := range []struct {
		name, value string
	}{
		{"ARGUS_TENANT_ID", cfg.TenantID},
		{"ARGUS_CLIENT_ID", cfg.ClientID},
		{"ARGUS_SINK_ENDPOINT", cfg.SinkEndpoint},
		{"ARGUS_SINK_RULE_ID", cfg.SinkRuleID},
		{"ARGUS_SINK_STREAM", cfg.SinkStream},
	} {
		if strings.TrimSpace(required.value) == "" {
			missing = append(missing, required.name)
		}
	}
	if len(missing) > 0 {
		return nil, fmt.Errorf("missing required environment variables: %s", strings.Join(missing, ", "))
	}

	if cfg.MaxLookback < cfg.Lookback {
		cfg.MaxLookback = cfg.Lookback
	}

	return cfg, nil
}

func envOrDefault(key, fallback string) string {
	if v := strings.TrimSpace(os.Getenv(key)); v != "" {
		return v
	}
	return fallback
}

func envDuration(key string, fallback time.Duration) time.Duration {
	v := strings.TrimSpace(os.Getenv(key))
	if v == "" {
		return fallback
	}
	d, err := time.ParseDuration(v)
	if err != nil {
		log.Warn().Str("var", key).Str("value", v).Msg("Invalid duration, using default")
		return fallback
	}
	return d
}
