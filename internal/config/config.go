package config

import (
	"errors"
	"fmt"
	"os"
	"strconv"
	"strings"
	"time"

	sharedcfg "github.com/couchcryptid/storm-data-shared/config"
)

// Config holds all service settings, populated from environment variables.
type Config struct {
	HTTPAddr        string
	LogLevel        string
	LogFormat       string
	ShutdownTimeout time.Duration

	PresentYear int

	// Result cache configuration.
	CachePolicy       string
	CachePollInterval time.Duration
	CacheLockTTL      time.Duration
	CacheMaxWait      time.Duration
	CacheDir          string

	DatabaseURL string

	// Object store payloads; used instead of CacheDir when S3Endpoint is set.
	S3Endpoint  string
	S3AccessKey string
	S3SecretKey string
	S3Bucket    string
	S3Region    string
	S3UseSSL    bool

	WorkerConcurrency int
	JobTimeout        time.Duration
	JobFirstPollDelay time.Duration
	JobStaleAfter     time.Duration
	JobSweepInterval  time.Duration

	ImpactAPIURL     string
	ImpactAPITimeout time.Duration

	// Mapbox geocoding configuration.
	MapboxToken     string
	MapboxEnabled   bool
	MapboxTimeout   time.Duration
	MapboxCacheSize int

	KafkaEnabled     bool
	KafkaBrokers     []string
	KafkaSourceTopic string
	KafkaSinkTopic   string
	KafkaGroupID     string

	BatchSize          int
	BatchFlushInterval time.Duration

	CatalogFile string
}

var cachePolicies = []string{"off", "read", "create", "update", "fail-missing"}

// Load reads configuration from environment variables, applying defaults where unset.
func Load() (*Config, error) {
	shutdownTimeout, err := sharedcfg.ParseShutdownTimeout()
	if err != nil {
		return nil, err
	}

	batchSize, err := sharedcfg.ParseBatchSize()
	if err != nil {
		return nil, err
	}

	flushInterval, err := sharedcfg.ParseBatchFlushInterval()
	if err != nil {
		return nil, err
	}

	cfg := &Config{
		HTTPAddr:        sharedcfg.EnvOrDefault("HTTP_ADDR", ":8080"),
		LogLevel:        sharedcfg.EnvOrDefault("LOG_LEVEL", "info"),
		LogFormat:       sharedcfg.EnvOrDefault("LOG_FORMAT", "json"),
		ShutdownTimeout: shutdownTimeout,

		CachePolicy: strings.ToLower(sharedcfg.EnvOrDefault("CACHE_POLICY", "create")),
		CacheDir:    sharedcfg.EnvOrDefault("CACHE_DIR", "filecache"),
		DatabaseURL: os.Getenv("DATABASE_URL"),

		S3Endpoint:  os.Getenv("S3_ENDPOINT"),
		S3AccessKey: os.Getenv("S3_ACCESS_KEY"),
		S3SecretKey: os.Getenv("S3_SECRET_KEY"),
		S3Bucket:    os.Getenv("S3_BUCKET"),
		S3Region:    sharedcfg.EnvOrDefault("S3_REGION", "us-east-1"),
		S3UseSSL:    os.Getenv("S3_USE_SSL") == "true",

		ImpactAPIURL: sharedcfg.EnvOrDefault("IMPACT_API_URL", "http://localhost:8081"),

		MapboxToken:     os.Getenv("MAPBOX_TOKEN"),
		MapboxCacheSize: parsePositiveInt("MAPBOX_CACHE_SIZE", 1000),

		KafkaEnabled:     os.Getenv("KAFKA_ENABLED") == "true",
		KafkaBrokers:     sharedcfg.ParseBrokers(sharedcfg.EnvOrDefault("KAFKA_BROKERS", "localhost:9092")),
		KafkaSourceTopic: sharedcfg.EnvOrDefault("KAFKA_SOURCE_TOPIC", "scenario-requests"),
		KafkaSinkTopic:   sharedcfg.EnvOrDefault("KAFKA_SINK_TOPIC", "job-results"),
		KafkaGroupID:     sharedcfg.EnvOrDefault("KAFKA_GROUP_ID", "risk-attribution"),

		BatchSize:          batchSize,
		BatchFlushInterval: flushInterval,

		CatalogFile: os.Getenv("CATALOG_FILE"),
	}

	durations := []struct {
		name, def string
		dst       *time.Duration
	}{
		{"CACHE_POLL_INTERVAL", "1s", &cfg.CachePollInterval},
		{"CACHE_LOCK_TTL", "5m", &cfg.CacheLockTTL},
		{"JOB_TIMEOUT", "24h", &cfg.JobTimeout},
		{"JOB_FIRST_POLL_DELAY", "1s", &cfg.JobFirstPollDelay},
		{"JOB_STALE_AFTER", "1h", &cfg.JobStaleAfter},
		{"JOB_SWEEP_INTERVAL", "10m", &cfg.JobSweepInterval},
		{"IMPACT_API_TIMEOUT", "10m", &cfg.ImpactAPITimeout},
		{"MAPBOX_TIMEOUT", "5s", &cfg.MapboxTimeout},
	}
	for _, d := range durations {
		v, err := parsePositiveDuration(d.name, d.def)
		if err != nil {
			return nil, err
		}
		*d.dst = v
	}

	maxWait, err := time.ParseDuration(sharedcfg.EnvOrDefault("CACHE_MAX_WAIT", "0s"))
	if err != nil || maxWait < 0 {
		return nil, errors.New("invalid CACHE_MAX_WAIT")
	}
	cfg.CacheMaxWait = maxWait

	cfg.PresentYear, err = strconv.Atoi(sharedcfg.EnvOrDefault("PRESENT_YEAR", "2020"))
	if err != nil || cfg.PresentYear < 1900 || cfg.PresentYear > 2200 {
		return nil, errors.New("invalid PRESENT_YEAR: must be a year between 1900 and 2200")
	}

	cfg.WorkerConcurrency, err = strconv.Atoi(sharedcfg.EnvOrDefault("WORKER_CONCURRENCY", "8"))
	if err != nil || cfg.WorkerConcurrency <= 0 {
		return nil, errors.New("invalid WORKER_CONCURRENCY: must be a positive integer")
	}

	cfg.MapboxEnabled = cfg.MapboxToken != ""
	if v := os.Getenv("MAPBOX_ENABLED"); v != "" {
		cfg.MapboxEnabled = v == "true"
	}

	if err := cfg.validate(); err != nil {
		return nil, err
	}
	return cfg, nil
}

func (c *Config) validate() error {
	if !validPolicy(c.CachePolicy) {
		return fmt.Errorf("invalid CACHE_POLICY %q: must be one of %s", c.CachePolicy, strings.Join(cachePolicies, ", "))
	}
	if c.MapboxEnabled && c.MapboxToken == "" {
		return errors.New("MAPBOX_ENABLED is true but MAPBOX_TOKEN is not set")
	}
	if c.KafkaEnabled {
		if len(c.KafkaBrokers) == 0 {
			return errors.New("KAFKA_BROKERS is required")
		}
		if c.KafkaSourceTopic == "" {
			return errors.New("KAFKA_SOURCE_TOPIC is required")
		}
		if c.KafkaSinkTopic == "" {
			return errors.New("KAFKA_SINK_TOPIC is required")
		}
	}
	if c.S3Endpoint != "" && (c.S3AccessKey == "" || c.S3SecretKey == "" || c.S3Bucket == "") {
		return errors.New("S3_ENDPOINT is set but S3_ACCESS_KEY, S3_SECRET_KEY and S3_BUCKET are not all set")
	}
	return nil
}

func validPolicy(p string) bool {
	for _, v := range cachePolicies {
		if v == p {
			return true
		}
	}
	return false
}

func parsePositiveDuration(name, def string) (time.Duration, error) {
	d, err := time.ParseDuration(sharedcfg.EnvOrDefault(name, def))
	if err != nil || d <= 0 {
		return 0, fmt.Errorf("invalid %s", name)
	}
	return d, nil
}

func parsePositiveInt(name string, def int) int {
	if s := os.Getenv(name); s != "" {
		if n, err := strconv.Atoi(s); err == nil && n > 0 {
			return n
		}
	}
	return def
}
