// Package publish assembles configuration and wiring for the publisher
// binary; the loop itself lives in internal/publish/service.
package publish

import (
	"time"

	"beatbridge/internal/platform/config"
)

// Config is the one authoritative configuration struct (§6 table, §9
// "config sprawl"). Legacy/overlapping env var names are resolved into this
// struct at Load time rather than read ad hoc downstream.
type Config struct {
	SchemaTag     string
	StateDir      string
	SafetyFactor  float64
	Aggressive    bool
	DryRun        bool
	BatchSize     int
	BatchDelayMs  int
	MaxAttempts   int
	TimeoutMs     int
	CacheTTL      time.Duration
	ControlAddr   string // empty disables the control-plane server
}

// Load builds a Config from the environment, applying the documented
// precedence for deprecated aliases: the non-deprecated name wins whenever
// both are set (§9 "config sprawl").
func Load() Config {
	c := config.New().Prefix("BEATBRIDGE_")

	safety := c.MayFloat64("SAFETY_FACTOR", 0.75)
	if legacy := c.MayFloat64("SAFETY", -1); legacy >= 0 {
		if c.MayFloat64("SAFETY_FACTOR", -1) < 0 {
			safety = legacy
		}
	}

	aggressive := c.MayBool("AGGRESSIVE", false)
	if aggressive {
		safety = 0.85
	}

	return Config{
		SchemaTag:    c.MayString("SCHEMA_TAG", "app.scrobble.play"),
		StateDir:     c.MayString("STATE_DIR", defaultStateDir()),
		SafetyFactor: safety,
		Aggressive:   aggressive,
		DryRun:       c.MayBool("DRY_RUN", false),
		BatchSize:    c.MayInt("BATCH_SIZE", 0),
		BatchDelayMs: c.MayInt("BATCH_DELAY_MS", 0),
		MaxAttempts:  c.MayInt("MAX_ATTEMPTS", 3),
		TimeoutMs:    c.MayInt("TIMEOUT_MS", 30000),
		CacheTTL:     c.MayDuration("CACHE_TTL", 24*time.Hour),
		ControlAddr:  c.MayString("CONTROL_ADDR", ""),
	}
}

func defaultStateDir() string {
	return "." + "beatbridge"
}
