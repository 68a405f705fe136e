// Package ratelimit tracks server-advertised request quotas and gates the
// publisher's outbound batches against them.
package ratelimit

import (
	"context"
	"net/http"
	"strconv"
	"strings"
	"sync"
	"time"

	perr "beatbridge/internal/platform/errors"
	"beatbridge/internal/platform/logger"
	"beatbridge/internal/platform/statedir"

	"golang.org/x/time/rate"
)

// CostPerCreate is the unit cost of a single create-operation (§4.B "Cost model").
const CostPerCreate = 3

// speedupThreshold is the count of consecutive successful pacing-mode
// batches after which the inter-batch delay is halved.
const speedupThreshold = 5

const (
	defaultPacingFloor = 100 * time.Millisecond
	maxPacingDelay     = 60 * time.Second
)

const schemaVersion = 1

// State is the persisted QuotaState (§3).
type State struct {
	Limit             int       `json:"limit"`
	Remaining         int       `json:"remaining"`
	ResetEpochSeconds int64     `json:"resetEpochSeconds"`
	WindowSeconds     int64     `json:"windowSeconds"`
	Policy            string    `json:"policy"`
	ObservedAt        time.Time `json:"observedAt"`
	SchemaVersion     int       `json:"schemaVersion"`

	// PacingDelayMs and PacingStreak are only meaningful when the server never
	// advertises limit/remaining headers (§4.B "Cost model" pacing mode).
	PacingDelayMs int `json:"pacingDelayMs"`
	PacingStreak  int `json:"pacingStreak"`
}

// Governor gates outbound batches against the tracked quota. The zero value
// is not usable; construct with New.
type Governor struct {
	mu sync.Mutex

	path         string
	safetyFactor float64
	now          func() time.Time
	sleep        func(context.Context, time.Duration) error
	log          *logger.Logger

	state       State
	headersSeen bool // true once a real ratelimit-* header has ever been observed
	pacer       *rate.Limiter
}

// Option configures a Governor at construction.
type Option func(*Governor)

// WithNowFunc overrides the time source, for deterministic tests.
func WithNowFunc(now func() time.Time) Option {
	return func(g *Governor) { g.now = now }
}

// WithSleepFunc overrides the sleep primitive, letting tests fast-forward
// through waits instead of actually blocking.
func WithSleepFunc(sleep func(context.Context, time.Duration) error) Option {
	return func(g *Governor) { g.sleep = sleep }
}

// New constructs a Governor backed by state persisted under dir. safetyFactor
// is the §4.B step-2 multiplier; a value outside (0,1] is replaced by 0.75.
func New(dir statedir.Provider, safetyFactor float64, opts ...Option) (*Governor, error) {
	if safetyFactor <= 0 || safetyFactor > 1 {
		safetyFactor = 0.75
	}
	path, err := statedir.StatePath(dir, "rate-limit.json")
	if err != nil {
		return nil, perr.Wrapf(err, perr.ErrorCodeUnavailable, "ratelimit: resolve state path")
	}
	g := &Governor{
		path:         path,
		safetyFactor: safetyFactor,
		now:          time.Now,
		sleep:        ctxSleep,
		log:          logger.Named("governor"),
	}
	for _, o := range opts {
		o(g)
	}

	g.state = g.load()
	g.pacer = rate.NewLimiter(rate.Every(g.pacingDelay()), 1)
	return g, nil
}

func ctxSleep(ctx context.Context, d time.Duration) error {
	t := time.NewTimer(d)
	defer t.Stop()
	select {
	case <-t.C:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}

func (g *Governor) load() State {
	var st State
	err := statedir.ReadJSON(g.path, &st)
	if err == nil && st.SchemaVersion == schemaVersion {
		return st
	}
	if err != nil {
		g.log.Debug().Msg("ratelimit: no prior quota state, starting fresh")
	} else {
		g.log.Warn().Int("found_version", st.SchemaVersion).Msg("ratelimit: schema version mismatch, reinitializing")
	}
	return State{
		SchemaVersion: schemaVersion,
		PacingDelayMs: int(defaultPacingFloor / time.Millisecond),
	}
}

func (g *Governor) persist() error {
	return statedir.WriteJSONAtomic(g.path, g.state)
}

func (g *Governor) pacingDelay() time.Duration {
	if g.state.PacingDelayMs <= 0 {
		return defaultPacingFloor
	}
	return time.Duration(g.state.PacingDelayMs) * time.Millisecond
}

// Acquire blocks until cost units can be deducted from the current window
// without violating the safety factor (§4.B "Permit algorithm").
func (g *Governor) Acquire(ctx context.Context, cost int) error {
	for {
		wait, granted, err := g.tryAcquire(cost)
		if err != nil {
			return err
		}
		if granted {
			return nil
		}
		if err := g.sleep(ctx, wait); err != nil {
			return perr.Wrapf(err, perr.ErrorCodeCancelled, "ratelimit: acquire interrupted")
		}
	}
}

// tryAcquire applies one pass of the permit algorithm. Returns (wait, true,
// nil) when granted, or (wait, false, nil) with the duration the caller
// should sleep before retrying.
func (g *Governor) tryAcquire(cost int) (time.Duration, bool, error) {
	g.mu.Lock()
	defer g.mu.Unlock()

	now := g.now()

	if !g.headersSeen {
		// Pacing mode: no server-advertised quota yet observed, so gate on
		// the inter-batch token bucket instead of a limit/remaining window.
		if g.pacer.Allow() {
			return 0, true, nil
		}
		return g.pacingDelay(), false, nil
	}

	nowEpoch := now.Unix()
	if nowEpoch >= g.state.ResetEpochSeconds {
		g.state.Remaining = g.state.Limit
		g.state.ResetEpochSeconds = nowEpoch + g.state.WindowSeconds
	}

	effectiveRemaining := int(float64(g.state.Remaining) * g.safetyFactor)
	if cost <= effectiveRemaining {
		g.state.Remaining -= cost
		if err := g.persist(); err != nil {
			g.log.Error().Err(err).Msg("ratelimit: failed to persist quota state; continuing in-memory")
		}
		return 0, true, nil
	}

	wait := time.Duration(g.state.ResetEpochSeconds-nowEpoch)*time.Second + 2*time.Second
	if wait < 0 {
		wait = 2 * time.Second
	}
	return wait, false, nil
}

// ObserveResponse updates quota state from response headers and the HTTP
// status code (§4.B "Contract" / "429 response"). On a 429 it returns the
// duration the caller should wait before retrying the whole batch; the
// caller is responsible for actually sleeping (so it can remain cancellable).
func (g *Governor) ObserveResponse(header http.Header, status int) (retryAfter time.Duration, is429 bool) {
	g.mu.Lock()
	defer g.mu.Unlock()

	now := g.now()
	limit, hasLimit := headerInt(header, "limit")
	remaining, hasRemaining := headerInt(header, "remaining")
	resetAt, hasReset := headerInt64(header, "reset")
	policy, hasPolicy := headerString(header, "policy")

	if hasLimit || hasRemaining || hasReset {
		g.headersSeen = true
	}
	if hasLimit {
		g.state.Limit = limit
	}
	if hasRemaining {
		g.state.Remaining = remaining
	}
	if hasReset {
		g.state.ResetEpochSeconds = resetAt
	}
	if hasPolicy {
		g.state.Policy = policy
		if w, ok := parsePolicyWindow(policy); ok {
			g.state.WindowSeconds = w
		}
	}
	g.state.ObservedAt = now

	if status == http.StatusTooManyRequests {
		if hasReset {
			wait := time.Duration(resetAt-now.Unix())*time.Second + 2*time.Second
			if wait < 0 {
				wait = 2 * time.Second
			}
			g.bumpPacingOn429()
			if err := g.persist(); err != nil {
				g.log.Error().Err(err).Msg("ratelimit: failed to persist quota state after 429")
			}
			return wait, true
		}
		g.bumpPacingOn429()
		if err := g.persist(); err != nil {
			g.log.Error().Err(err).Msg("ratelimit: failed to persist quota state after 429")
		}
		return 60 * time.Second, true
	}

	if !g.headersSeen {
		if status >= 200 && status < 300 {
			g.state.PacingStreak++
			if g.state.PacingStreak >= speedupThreshold {
				g.halvePacingDelay()
				g.state.PacingStreak = 0
			}
		}
	}

	if err := g.persist(); err != nil {
		g.log.Error().Err(err).Msg("ratelimit: failed to persist quota state")
	}
	return 0, false
}

func (g *Governor) bumpPacingOn429() {
	d := g.pacingDelay() * 2
	if d > maxPacingDelay {
		d = maxPacingDelay
	}
	g.state.PacingDelayMs = int(d / time.Millisecond)
	g.state.PacingStreak = 0
	g.pacer = rate.NewLimiter(rate.Every(d), 1)
}

func (g *Governor) halvePacingDelay() {
	d := g.pacingDelay() / 2
	if d < defaultPacingFloor {
		d = defaultPacingFloor
	}
	g.state.PacingDelayMs = int(d / time.Millisecond)
	g.pacer = rate.NewLimiter(rate.Every(d), 1)
}

func parsePolicyWindow(policy string) (int64, bool) {
	_, rest, ok := strings.Cut(policy, ";w=")
	if !ok {
		return 0, false
	}
	rest = strings.TrimSpace(rest)
	if idx := strings.IndexByte(rest, ';'); idx >= 0 {
		rest = rest[:idx]
	}
	v, err := strconv.ParseInt(rest, 10, 64)
	if err != nil {
		return 0, false
	}
	return v, true
}

func headerInt(h http.Header, suffix string) (int, bool) {
	s, ok := headerString(h, suffix)
	if !ok {
		return 0, false
	}
	v, err := strconv.Atoi(strings.TrimSpace(s))
	if err != nil {
		return 0, false
	}
	return v, true
}

func headerInt64(h http.Header, suffix string) (int64, bool) {
	s, ok := headerString(h, suffix)
	if !ok {
		return 0, false
	}
	v, err := strconv.ParseInt(strings.TrimSpace(s), 10, 64)
	if err != nil {
		return 0, false
	}
	return v, true
}

// headerString looks up "ratelimit-<suffix>" then "x-ratelimit-<suffix>",
// case-insensitively (http.Header.Get already canonicalizes the key).
func headerString(h http.Header, suffix string) (string, bool) {
	for _, prefix := range []string{"Ratelimit-", "X-Ratelimit-"} {
		if v := h.Get(prefix + suffix); v != "" {
			return v, true
		}
	}
	return "", false
}

// Snapshot returns a copy of the current quota state, for the control-plane
// status endpoint and tests.
func (g *Governor) Snapshot() State {
	g.mu.Lock()
	defer g.mu.Unlock()
	return g.state
}
