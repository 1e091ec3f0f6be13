package config

import (
	"fmt"
	"os"
	"strconv"
	"strings"
	"time"

	sharedcfg "github.com/couchcryptid/storm-data-shared/config"
)

// Archiver implementations.
const (
	ArchiverSevenZip = "7zz"
	ArchiverNative   = "native"
)

// Config holds all tool settings, populated from environment variables.
type Config struct {
	HTTPAddr        string
	LogLevel        string
	LogFormat       string
	ShutdownTimeout time.Duration

	// Worker pool sizing. Workers == 0 sizes the pool to CPU count minus
	// WorkerReserve.
	Workers       int
	WorkerReserve int

	// External transcoding tool.
	CDOBin           string
	CDOOptions       []string
	CacheDir         string
	TmpDir           string
	TranscodeTimeout time.Duration

	// Store and archive.
	Archiver    string
	SevenZipBin string
	ZstdLevel   int
	Resume      bool

	// Store events. Publishing is disabled when KafkaBrokers is empty.
	KafkaBrokers []string
	KafkaTopic   string
}

// Load reads configuration from environment variables, applying defaults where unset.
func Load() (*Config, error) {
	shutdownTimeout, err := sharedcfg.ParseShutdownTimeout()
	if err != nil {
		return nil, err
	}

	workers, err := parseNonNegativeInt("WORKERS", 0)
	if err != nil {
		return nil, err
	}
	reserve, err := parseNonNegativeInt("WORKER_RESERVE", 2)
	if err != nil {
		return nil, err
	}
	level, err := parseNonNegativeInt("ZARR_ZSTD_LEVEL", 3)
	if err != nil {
		return nil, err
	}
	if level < 1 || level > 22 {
		return nil, fmt.Errorf("invalid ZARR_ZSTD_LEVEL: %d is outside 1..22", level)
	}

	timeout, err := time.ParseDuration(sharedcfg.EnvOrDefault("TRANSCODE_TIMEOUT", "0s"))
	if err != nil || timeout < 0 {
		return nil, fmt.Errorf("invalid TRANSCODE_TIMEOUT: %q", os.Getenv("TRANSCODE_TIMEOUT"))
	}

	resume, err := strconv.ParseBool(sharedcfg.EnvOrDefault("RESUME", "false"))
	if err != nil {
		return nil, fmt.Errorf("invalid RESUME: %q", os.Getenv("RESUME"))
	}

	var brokers []string
	if raw := strings.TrimSpace(os.Getenv("KAFKA_BROKERS")); raw != "" {
		brokers = sharedcfg.ParseBrokers(raw)
	}

	cfg := &Config{
		HTTPAddr:        os.Getenv("HTTP_ADDR"),
		LogLevel:        sharedcfg.EnvOrDefault("LOG_LEVEL", "info"),
		LogFormat:       sharedcfg.EnvOrDefault("LOG_FORMAT", "json"),
		ShutdownTimeout: shutdownTimeout,

		Workers:       workers,
		WorkerReserve: reserve,

		CDOBin:           sharedcfg.EnvOrDefault("CDO_BIN", "cdo"),
		CDOOptions:       strings.Fields(os.Getenv("CDO_OPTIONS")),
		CacheDir:         sharedcfg.EnvOrDefault("CACHE_DIR", "cdo_cache"),
		TmpDir:           sharedcfg.EnvOrDefault("TMP_DIR", "tmp"),
		TranscodeTimeout: timeout,

		Archiver:    sharedcfg.EnvOrDefault("ARCHIVER", ArchiverSevenZip),
		SevenZipBin: sharedcfg.EnvOrDefault("SEVENZIP_BIN", "7zz"),
		ZstdLevel:   level,
		Resume:      resume,

		KafkaBrokers: brokers,
		KafkaTopic:   sharedcfg.EnvOrDefault("KAFKA_TOPIC", "seasonal-store-events"),
	}

	switch cfg.Archiver {
	case ArchiverSevenZip, ArchiverNative:
	default:
		return nil, fmt.Errorf("invalid ARCHIVER: %q (want %s or %s)", cfg.Archiver, ArchiverSevenZip, ArchiverNative)
	}
	if cfg.CacheDir == "" {
		return nil, fmt.Errorf("CACHE_DIR is required")
	}
	if len(cfg.KafkaBrokers) > 0 && cfg.KafkaTopic == "" {
		return nil, fmt.Errorf("KAFKA_TOPIC is required when KAFKA_BROKERS is set")
	}

	return cfg, nil
}

// EventsEnabled reports whether store events are published.
func (c *Config) EventsEnabled() bool { return len(c.KafkaBrokers) > 0 }

func parseNonNegativeInt(key string, def int) (int, error) {
	s := os.Getenv(key)
	if s == "" {
		return def, nil
	}
	n, err := strconv.Atoi(s)
	if err != nil || n < 0 {
		return 0, fmt.Errorf("invalid %s: %q", key, s)
	}
	return n, nil
}
