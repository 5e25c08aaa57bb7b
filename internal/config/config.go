package config

import (
	"os"
	"strconv"
	"strings"
	"time"

	"github.com/cockroachdb/errors"
	"github.com/joho/godotenv"
)

const (
	BackendCRDB   = "crdb"
	BackendMemory = "memory"
)

type Config struct {
	HTTPAddr     string
	StoreBackend string
	CRDBDSN      string
	MongoURI     string
	MongoDB      string
	RedisAddr    string
	RabbitURL    string
	KafkaBrokers []string
	KafkaTopic   string
	PaymentURL   string
	CatalogFile  string
	OTLPEndpoint string
	LogLevel     string

	PaymentTimeout       time.Duration
	HoldTTL              time.Duration
	SweepInterval        time.Duration
	SweepBatch           int
	SweepParallelism     int
	AvailabilityCacheTTL time.Duration
	IdempotencyTTL       time.Duration
	RateLimitPerMinute   int
	TraceSampleRatio     float64
	EmbeddedSweeper      bool

	// CapacityOverrides maps facility code to unit capacity and wins over the catalog value.
	CapacityOverrides map[string]int
}

func Load() (*Config, error) {
	_ = godotenv.Load()

	cfg := &Config{
		HTTPAddr:     getEnv("HTTP_ADDR", ":8080"),
		StoreBackend: getEnv("STORE_BACKEND", BackendCRDB),
		CRDBDSN:      os.Getenv("CRDB_DSN"),
		MongoURI:     os.Getenv("MONGO_URI"),
		MongoDB:      getEnv("MONGO_DB", "fbk"),
		RedisAddr:    os.Getenv("REDIS_ADDR"),
		RabbitURL:    os.Getenv("RABBIT_URL"),
		KafkaBrokers: splitList(os.Getenv("KAFKA_BROKERS")),
		KafkaTopic:   getEnv("KAFKA_TOPIC", "booking-transitions"),
		PaymentURL:   os.Getenv("PAYMENT_URL"),
		CatalogFile:  os.Getenv("CATALOG_FILE"),
		OTLPEndpoint: os.Getenv("OTEL_EXPORTER_OTLP_ENDPOINT"),
		LogLevel:     getEnv("LOG_LEVEL", "info"),
	}

	var err error
	durations := []struct {
		key string
		dst *time.Duration
		def time.Duration
	}{
		{"PAYMENT_TIMEOUT", &cfg.PaymentTimeout, 5 * time.Second},
		{"HOLD_TTL", &cfg.HoldTTL, 5 * time.Minute},
		{"SWEEP_INTERVAL", &cfg.SweepInterval, 30 * time.Second},
		{"AVAILABILITY_CACHE_TTL", &cfg.AvailabilityCacheTTL, 2 * time.Second},
		{"IDEMPOTENCY_TTL", &cfg.IdempotencyTTL, time.Hour},
	}
	for _, d := range durations {
		if *d.dst, err = getDuration(d.key, d.def); err != nil {
			return nil, err
		}
	}

	ints := []struct {
		key string
		dst *int
		def int
	}{
		{"SWEEP_BATCH", &cfg.SweepBatch, 100},
		{"SWEEP_PARALLELISM", &cfg.SweepParallelism, 8},
		{"RATE_LIMIT_PER_MINUTE", &cfg.RateLimitPerMinute, 60},
	}
	for _, i := range ints {
		if *i.dst, err = getInt(i.key, i.def); err != nil {
			return nil, err
		}
	}

	if cfg.TraceSampleRatio, err = getFloat("OTEL_TRACE_SAMPLE_RATIO", 1); err != nil {
		return nil, err
	}
	if cfg.EmbeddedSweeper, err = getBool("EMBEDDED_SWEEPER", cfg.StoreBackend == BackendMemory); err != nil {
		return nil, err
	}
	if cfg.CapacityOverrides, err = ParseCapacityOverrides(os.Getenv("FACILITY_CAPACITY")); err != nil {
		return nil, err
	}

	return cfg, cfg.Validate()
}

func (c *Config) Validate() error {
	switch c.StoreBackend {
	case BackendCRDB:
		if c.CRDBDSN == "" {
			return errors.New("CRDB_DSN is required for the crdb backend")
		}
	case BackendMemory:
	default:
		return errors.Newf("unknown STORE_BACKEND %q", c.StoreBackend)
	}
	if c.SweepInterval <= 0 {
		return errors.New("SWEEP_INTERVAL must be positive")
	}
	if c.TraceSampleRatio < 0 || c.TraceSampleRatio > 1 {
		return errors.New("OTEL_TRACE_SAMPLE_RATIO must be within [0, 1]")
	}
	if c.SweepBatch <= 0 || c.SweepParallelism <= 0 {
		return errors.New("SWEEP_BATCH and SWEEP_PARALLELISM must be positive")
	}
	return nil
}

// ParseCapacityOverrides parses "CODE=N,CODE=N".
func ParseCapacityOverrides(v string) (map[string]int, error) {
	out := make(map[string]int)
	for _, pair := range splitList(v) {
		code, n, ok := strings.Cut(pair, "=")
		if !ok || strings.TrimSpace(code) == "" {
			return nil, errors.Newf("FACILITY_CAPACITY: malformed entry %q", pair)
		}
		capacity, err := strconv.Atoi(strings.TrimSpace(n))
		if err != nil || capacity < 0 {
			return nil, errors.Newf("FACILITY_CAPACITY: bad capacity for %q", code)
		}
		out[strings.TrimSpace(code)] = capacity
	}
	return out, nil
}

func getEnv(key, def string) string {
	if v := os.Getenv(key); v != "" {
		return v
	}
	return def
}

func getDuration(key string, def time.Duration) (time.Duration, error) {
	v := os.Getenv(key)
	if v == "" {
		return def, nil
	}
	d, err := time.ParseDuration(v)
	if err != nil {
		return 0, errors.Wrapf(err, "%s", key)
	}
	return d, nil
}

func getInt(key string, def int) (int, error) {
	v := os.Getenv(key)
	if v == "" {
		return def, nil
	}
	i, err := strconv.Atoi(v)
	if err != nil {
		return 0, errors.Wrapf(err, "%s", key)
	}
	return i, nil
}

func getFloat(key string, def float64) (float64, error) {
	v := os.Getenv(key)
	if v == "" {
		return def, nil
	}
	f, err := strconv.ParseFloat(v, 64)
	if err != nil {
		return 0, errors.Wrapf(err, "%s", key)
	}
	return f, nil
}

func getBool(key string, def bool) (bool, error) {
	v := os.Getenv(key)
	if v == "" {
		return def, nil
	}
	b, err := strconv.ParseBool(v)
	if err != nil {
		return false, errors.Wrapf(err, "%s", key)
	}
	return b, nil
}

func splitList(v string) []string {
	var out []string
	for _, s := range strings.Split(v, ",") {
		if s = strings.TrimSpace(s); s != "" {
			out = append(out, s)
		}
	}
	return out
}
