// Package tid generates strictly monotonic 13-character base-32 record
// identifiers from timestamps, surviving process restarts and
// out-of-order input.
package tid

import (
	"errors"
	"io/fs"
	"strings"
	"sync"
	"time"

	perr "beatbridge/internal/platform/errors"
	"beatbridge/internal/platform/logger"
	"beatbridge/internal/platform/statedir"
)

// alphabet is the 32-symbol base-32 encoding used by the wire identifier.
const alphabet = "234567abcdefghijklmnopqrstuvwxyz"

// Length is the fixed identifier length in characters.
const Length = 13

// reserveBatch is how many microseconds of headroom get committed to disk
// ahead of emission, so persistence can be debounced without risking a
// non-monotonic identifier after a crash (§4.A "Concurrency").
const reserveBatch = 16

// State is the persisted clock state (§3 ClockState).
type State struct {
	LastMicros    uint64 `json:"lastMicros"`
	ClockID       uint16 `json:"clockId"`
	SchemaVersion uint32 `json:"schemaVersion"`
}

const schemaVersion = 1

// Clock emits monotonically increasing TIDs. Zero value is not usable;
// construct with New.
type Clock struct {
	mu sync.Mutex

	path       string
	state      State
	reserved   uint64 // lastMicros already committed to disk, safe upper bound
	now        func() time.Time
	log        *logger.Logger
	persistErr error // most recent persistence error, for observability only
}

// Option configures a Clock at construction.
type Option func(*Clock)

// WithNowFunc overrides the time source, for deterministic tests.
func WithNowFunc(now func() time.Time) Option {
	return func(c *Clock) { c.now = now }
}

// New constructs a Clock backed by state persisted under dir's state/
// directory. deterministic selects clockId=0 (reproducible/dry-run mode,
// §4.A); otherwise a random 10-bit id is chosen and persisted so later runs
// reuse it (§9 open question: resolved in favor of persisting, with this
// deterministic flag as the test-facing reset).
func New(dir statedir.Provider, deterministic bool, opts ...Option) (*Clock, error) {
	path, err := statedir.StatePath(dir, "tid-clock.json")
	if err != nil {
		return nil, perr.Wrapf(err, perr.ErrorCodeUnavailable, "tid: resolve state path")
	}
	c := &Clock{
		path: path,
		now:  time.Now,
		log:  logger.Named("tid-clock"),
	}
	for _, o := range opts {
		o(c)
	}

	c.state = c.load(deterministic)
	c.reserved = c.state.LastMicros
	return c, nil
}

func (c *Clock) load(deterministic bool) State {
	var st State
	err := statedir.ReadJSON(c.path, &st)
	lastMicros := uint64(c.now().UnixMicro())
	switch {
	case err == nil && st.SchemaVersion == schemaVersion:
		if deterministic {
			st.ClockID = 0
		}
		return st
	case err == nil:
		c.log.Warn().Uint32("found_version", st.SchemaVersion).Msg("tid: schema version mismatch, reinitializing")
	case isNotExist(err):
		// First run: nothing has been emitted yet, so any timestamp is
		// strictly later than every prior emission.
		lastMicros = 0
	default:
		c.log.Warn().Err(err).Msg("tid: corrupt state file, reinitializing")
	}

	clockID := uint16(0)
	if !deterministic {
		clockID = randomClockID(c.now())
	}
	return State{
		LastMicros:    lastMicros,
		ClockID:       clockID,
		SchemaVersion: schemaVersion,
	}
}

func isNotExist(err error) bool {
	return errors.Is(err, fs.ErrNotExist)
}

// randomClockID seeds a 10-bit clock id from the current time; collisions
// across concurrently-starting processes are tolerated since the TID space
// is still monotonic per-process and cross-process ordering is not
// guaranteed by this spec.
func randomClockID(now time.Time) uint16 {
	return uint16(now.UnixNano()) & 0x3FF
}

// NextNow is nextFromTime(currentTime) (§4.A).
func (c *Clock) NextNow() string {
	return c.NextFromTime(c.now())
}

// NextFromTime returns a TID encoding t if t is strictly later (in
// microseconds) than the last emission; otherwise it returns a TID encoding
// lastMicros+1, preserving strict monotonicity across restarts and
// out-of-order input (§4.A).
func (c *Clock) NextFromTime(t time.Time) string {
	c.mu.Lock()
	defer c.mu.Unlock()

	micros := uint64(t.UnixMicro())
	if micros <= c.state.LastMicros {
		micros = c.state.LastMicros + 1
	}
	c.state.LastMicros = micros

	if micros > c.reserved {
		reserveTo := micros + reserveBatch
		if err := c.persist(State{LastMicros: reserveTo, ClockID: c.state.ClockID, SchemaVersion: schemaVersion}); err != nil {
			c.persistErr = err
			c.log.Error().Err(err).Msg("tid: failed to persist reserved state; continuing in-memory")
		} else {
			c.reserved = reserveTo
		}
	}

	return encode(micros, c.state.ClockID)
}

func (c *Clock) persist(st State) error {
	return statedir.WriteJSONAtomic(c.path, st)
}

// encode renders a 64-bit (micros<<10 | clockID) value as 13 base-32
// characters, most-significant-first (§4.A "Encoding").
func encode(micros uint64, clockID uint16) string {
	v := (micros << 10) | uint64(clockID&0x3FF)
	var b [Length]byte
	for i := 0; i < Length; i++ {
		shift := uint(60 - 5*i)
		b[i] = alphabet[(v>>shift)&0x1F]
	}
	return string(b[:])
}

// DecodeMicros extracts the microsecond component from a TID without
// validating it; callers that need validation should call Valid first.
func DecodeMicros(s string) uint64 {
	v := decodeValue(s)
	return v >> 10
}

// ClockIDOf extracts the 10-bit clock id component from a TID.
func ClockIDOf(s string) uint16 {
	return uint16(decodeValue(s) & 0x3FF)
}

func decodeValue(s string) uint64 {
	var v uint64
	for i := 0; i < len(s) && i < Length; i++ {
		idx := strings.IndexByte(alphabet, s[i])
		if idx < 0 {
			continue
		}
		v = (v << 5) | uint64(idx)
	}
	return v
}

// Valid reports whether s is a well-formed TID: exactly 13 characters, all
// from the alphabet, with the high bit of the encoded value reserved
// (§4.A "Encoding" validation rule — the first character's symbol index
// must be < 16).
func Valid(s string) bool {
	if len(s) != Length {
		return false
	}
	for i, r := range s {
		idx := strings.IndexRune(alphabet, r)
		if idx < 0 {
			return false
		}
		if i == 0 && idx >= 16 {
			return false
		}
	}
	return true
}
