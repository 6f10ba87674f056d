package config

import (
	"fmt"
	"os"
	"strconv"
	"time"

	"github.com/joho/godotenv"
)

// Config is the full runtime surface of the server. Everything here is
// settable through the environment (optionally via a .env file) so deploys
// never require a rebuild.
type Config struct {
	HTTPPort  int
	OSCPort   int
	OSCPrefix string

	StaticDir string
	Verbose   bool

	TickRateHz  int
	TickEnabled bool

	SlotPoolSize int

	BridgeTimeout     time.Duration
	BridgeMaxRestarts int

	EvictGrace     time.Duration
	DoctorInterval time.Duration

	DatabaseURL string
}

func Load() (*Config, error) {
	// .env is optional; real env vars win either way.
	_ = godotenv.Load()

	cfg := &Config{
		HTTPPort:          8080,
		OSCPort:           9000,
		OSCPrefix:         "pulsar",
		StaticDir:         "./web",
		TickRateHz:        15,
		SlotPoolSize:      240,
		BridgeTimeout:     4 * time.Second,
		BridgeMaxRestarts: 3,
		EvictGrace:        6 * time.Second,
		DoctorInterval:    2 * time.Second,
	}

	var err error
	if cfg.HTTPPort, err = intVar("HTTP_PORT", cfg.HTTPPort); err != nil {
		return nil, err
	}
	if cfg.OSCPort, err = intVar("OSC_PORT", cfg.OSCPort); err != nil {
		return nil, err
	}
	if v := os.Getenv("OSC_PREFIX"); v != "" {
		cfg.OSCPrefix = v
	}
	if v := os.Getenv("STATIC_DIR"); v != "" {
		cfg.StaticDir = v
	}
	if cfg.Verbose, err = boolVar("VERBOSE", false); err != nil {
		return nil, err
	}
	if cfg.TickRateHz, err = intVar("TICK_RATE_HZ", cfg.TickRateHz); err != nil {
		return nil, err
	}
	if cfg.TickEnabled, err = boolVar("TICK_ENABLED", false); err != nil {
		return nil, err
	}
	if cfg.SlotPoolSize, err = intVar("SLOT_POOL_SIZE", cfg.SlotPoolSize); err != nil {
		return nil, err
	}
	if cfg.BridgeTimeout, err = durVar("BRIDGE_TIMEOUT", cfg.BridgeTimeout); err != nil {
		return nil, err
	}
	if cfg.BridgeMaxRestarts, err = intVar("BRIDGE_MAX_RESTARTS", cfg.BridgeMaxRestarts); err != nil {
		return nil, err
	}
	if cfg.EvictGrace, err = durVar("EVICT_GRACE", cfg.EvictGrace); err != nil {
		return nil, err
	}
	if cfg.DoctorInterval, err = durVar("DOCTOR_INTERVAL", cfg.DoctorInterval); err != nil {
		return nil, err
	}
	cfg.DatabaseURL = os.Getenv("DATABASE_URL")

	if cfg.TickRateHz <= 0 {
		return nil, fmt.Errorf("TICK_RATE_HZ must be positive, got %d", cfg.TickRateHz)
	}
	if cfg.SlotPoolSize <= 0 {
		return nil, fmt.Errorf("SLOT_POOL_SIZE must be positive, got %d", cfg.SlotPoolSize)
	}
	return cfg, nil
}

// TickInterval converts the configured rate into a ticker period.
func (c *Config) TickInterval() time.Duration {
	return time.Second / time.Duration(c.TickRateHz)
}

func intVar(name string, def int) (int, error) {
	v := os.Getenv(name)
	if v == "" {
		return def, nil
	}
	n, err := strconv.Atoi(v)
	if err != nil {
		return 0, fmt.Errorf("%s: %w", name, err)
	}
	return n, nil
}

func boolVar(name string, def bool) (bool, error) {
	v := os.Getenv(name)
	if v == "" {
		return def, nil
	}
	b, err := strconv.ParseBool(v)
	if err != nil {
		return false, fmt.Errorf("%s: %w", name, err)
	}
	return b, nil
}

func durVar(name string, def time.Duration) (time.Duration, error) {
	v := os.Getenv(name)
	if v == "" {
		return def, nil
	}
	d, err := time.ParseDuration(v)
	if err != nil {
		return 0, fmt.Errorf("%s: %w", name, err)
	}
	return d, nil
}
