// Package config loads the daemon's YAML configuration file and
// reconciles precision/eps overrides, with environment variables
// taking precedence over the YAML file.
package config

import (
	"math"
	"os"
	"strconv"

	"github.com/pkg/errors"
	"gopkg.in/yaml.v3"

	"github.com/authbox-lib/sliding/internal/shll"
)

// Config holds the daemon's tunable parameters: default set
// precision/error, persistence location and mode, sliding window
// granularity, and the TCP bind address.
type Config struct {
	DefaultPrecision uint8  `yaml:"default_precision"`
	DefaultEps       float64 `yaml:"default_eps"`
	InMemory         bool   `yaml:"in_memory"`
	SlidingPeriod    int64  `yaml:"sliding_period"`
	SlidingPrecision int64  `yaml:"sliding_precision"`
	DataDir          string `yaml:"data_dir"`
	MemtableMemory   int64  `yaml:"memtable_memory"`
	BindAddr         string `yaml:"bind_addr"`
}

// defaults mirror the common operational posture: moderate precision,
// an hour-long window, second-grained sliding, on-disk persistence.
func defaults() Config {
	return Config{
		DefaultPrecision: 14,
		DefaultEps:       epsForPrecision(14),
		InMemory:         false,
		SlidingPeriod:    3600,
		SlidingPrecision: 1,
		DataDir:          "./data",
		MemtableMemory:   64 << 20,
		BindAddr:         ":7878",
	}
}

// Load reads path (if non-empty and present) as YAML over the
// defaults, then applies SLIDINGD_-prefixed environment overrides,
// then reconciles precision/eps so one always derives from the other.
func Load(path string) (Config, error) {
	cfg := defaults()

	if path != "" {
		data, err := os.ReadFile(path)
		if err != nil {
			if !os.IsNotExist(err) {
				return Config{}, errors.Wrap(err, "read config file")
			}
		} else if err := yaml.Unmarshal(data, &cfg); err != nil {
			return Config{}, errors.Wrap(err, "parse config file")
		}
	}

	applyEnvOverrides(&cfg)

	cfg.DefaultPrecision = reconcilePrecision(cfg.DefaultPrecision, cfg.DefaultEps)
	cfg.DefaultEps = epsForPrecision(cfg.DefaultPrecision)

	if err := (shll.Config{Precision: cfg.DefaultPrecision}).Validate(); err != nil {
		return Config{}, errors.Wrap(err, "reconciled precision out of range")
	}

	return cfg, nil
}

func applyEnvOverrides(cfg *Config) {
	if v, ok := os.LookupEnv("SLIDINGD_DEFAULT_PRECISION"); ok {
		if n, err := strconv.ParseUint(v, 10, 8); err == nil {
			cfg.DefaultPrecision = uint8(n)
		}
	}
	if v, ok := os.LookupEnv("SLIDINGD_DEFAULT_EPS"); ok {
		if f, err := strconv.ParseFloat(v, 64); err == nil {
			cfg.DefaultEps = f
		}
	}
	if v, ok := os.LookupEnv("SLIDINGD_IN_MEMORY"); ok {
		cfg.InMemory = v == "1" || v == "true"
	}
	if v, ok := os.LookupEnv("SLIDINGD_SLIDING_PERIOD"); ok {
		if n, err := strconv.ParseInt(v, 10, 64); err == nil {
			cfg.SlidingPeriod = n
		}
	}
	if v, ok := os.LookupEnv("SLIDINGD_SLIDING_PRECISION"); ok {
		if n, err := strconv.ParseInt(v, 10, 64); err == nil {
			cfg.SlidingPrecision = n
		}
	}
	if v, ok := os.LookupEnv("SLIDINGD_DATA_DIR"); ok {
		cfg.DataDir = v
	}
	if v, ok := os.LookupEnv("SLIDINGD_MEMTABLE_MEMORY"); ok {
		if n, err := strconv.ParseInt(v, 10, 64); err == nil {
			cfg.MemtableMemory = n
		}
	}
	if v, ok := os.LookupEnv("SLIDINGD_BIND_ADDR"); ok {
		cfg.BindAddr = v
	}
}

// epsForPrecision returns the standard HLL relative-error estimate
// 1.04/sqrt(m) for a given precision.
func epsForPrecision(precision uint8) float64 {
	m := float64(uint64(1) << precision)
	return 1.04 / math.Sqrt(m)
}

// precisionForEps inverts epsForPrecision, returning the smallest
// precision achieving at most the requested error.
func precisionForEps(eps float64) uint8 {
	if eps <= 0 {
		return shll.MaxPrecision
	}
	m := math.Pow(1.04/eps, 2)
	p := uint8(math.Ceil(math.Log2(m)))
	if p < shll.MinPrecision {
		p = shll.MinPrecision
	}
	if p > shll.MaxPrecision {
		p = shll.MaxPrecision
	}
	return p
}

// reconcilePrecision picks the authoritative precision: an explicit,
// in-range precision wins; otherwise it is derived from the requested
// relative error.
func reconcilePrecision(precision uint8, eps float64) uint8 {
	if precision >= shll.MinPrecision && precision <= shll.MaxPrecision {
		return precision
	}
	return precisionForEps(eps)
}
