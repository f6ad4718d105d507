package config

import (
	"fmt"
	"os"
	"strconv"
	"strings"
	"time"
)

// Store backends.
const (
	StoreMemory   = "memory"
	StoreSQLite   = "sqlite"
	StorePostgres = "postgres"
	StoreFile     = "file"
)

// Config holds process configuration.
type Config struct {
	LogLevel  string
	LogFormat string

	Store       string
	DatabaseURL string
	StoreDir    string
	ArchiveURL  string

	RulesFile string

	RedisAddr     string
	MaxEvidence   int
	AdmissionExpr string
	RatePerSec    float64
	RateBurst     int
	DailyQuota    int

	Seed           uint64
	RedTeamTimeout time.Duration

	OTLPEndpoint string
}

// Load loads configuration from TRUSTSIM_* environment variables.
func Load() (*Config, error) {
	cfg := &Config{
		LogLevel:      env("TRUSTSIM_LOG_LEVEL", "INFO"),
		LogFormat:     env("TRUSTSIM_LOG_FORMAT", "text"),
		Store:         strings.ToLower(env("TRUSTSIM_STORE", StoreMemory)),
		DatabaseURL:   os.Getenv("TRUSTSIM_DATABASE_URL"),
		StoreDir:      env("TRUSTSIM_STORE_DIR", "trustsim-data"),
		ArchiveURL:    os.Getenv("TRUSTSIM_ARCHIVE_URL"),
		RulesFile:     os.Getenv("TRUSTSIM_RULES_FILE"),
		RedisAddr:     os.Getenv("TRUSTSIM_REDIS_ADDR"),
		AdmissionExpr: os.Getenv("TRUSTSIM_ADMISSION_EXPR"),
		OTLPEndpoint:  os.Getenv("TRUSTSIM_OTLP_ENDPOINT"),
	}

	var err error
	if cfg.MaxEvidence, err = envInt("TRUSTSIM_MAX_EVIDENCE", 0); err != nil {
		return nil, err
	}
	if cfg.RatePerSec, err = envFloat("TRUSTSIM_RATE_PER_SEC", 0); err != nil {
		return nil, err
	}
	if cfg.RateBurst, err = envInt("TRUSTSIM_RATE_BURST", 10); err != nil {
		return nil, err
	}
	if cfg.DailyQuota, err = envInt("TRUSTSIM_DAILY_QUOTA", 0); err != nil {
		return nil, err
	}
	seed, err := envInt("TRUSTSIM_SEED", 1)
	if err != nil {
		return nil, err
	}
	cfg.Seed = uint64(seed)
	if cfg.RedTeamTimeout, err = envDuration("TRUSTSIM_REDTEAM_TIMEOUT", 30*time.Second); err != nil {
		return nil, err
	}

	switch cfg.Store {
	case StoreMemory, StoreFile:
	case StoreSQLite:
		if cfg.DatabaseURL == "" {
			cfg.DatabaseURL = "file:trustsim.db?_pragma=busy_timeout(5000)"
		}
	case StorePostgres:
		if cfg.DatabaseURL == "" {
			// Default to local generic postgres
			cfg.DatabaseURL = "postgres://trustsim@localhost:5432/trustsim?sslmode=disable"
		}
	default:
		return nil, fmt.Errorf("TRUSTSIM_STORE: unknown store %q", cfg.Store)
	}
	if cfg.MaxEvidence < 0 || cfg.RatePerSec < 0 || cfg.RateBurst < 0 || cfg.DailyQuota < 0 {
		return nil, fmt.Errorf("admission limits must not be negative")
	}
	if seed < 0 {
		return nil, fmt.Errorf("TRUSTSIM_SEED must not be negative")
	}
	return cfg, nil
}

func env(key, def string) string {
	if v := os.Getenv(key); v != "" {
		return v
	}
	return def
}

func envInt(key string, def int) (int, error) {
	v := os.Getenv(key)
	if v == "" {
		return def, nil
	}
	n, err := strconv.Atoi(v)
	if err != nil {
		return 0, fmt.Errorf("%s: %w", key, err)
	}
	return n, nil
}

func envFloat(key string, def float64) (float64, error) {
	v := os.Getenv(key)
	if v == "" {
		return def, nil
	}
	f, err := strconv.ParseFloat(v, 64)
	if err != nil {
		return 0, fmt.Errorf("%s: %w", key, err)
	}
	return f, nil
}

func envDuration(key string, def time.Duration) (time.Duration, error) {
	v := os.Getenv(key)
	if v == "" {
		return def, nil
	}
	d, err := time.ParseDuration(v)
	if err != nil {
		return 0, fmt.Errorf("%s: %w", key, err)
	}
	return d, nil
}
