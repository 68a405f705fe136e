// Package cache persists the set of already-published records per account,
// enabling the publisher to resume without re-enumerating the remote
// repository.
package cache

import (
	"time"

	perr "beatbridge/internal/platform/errors"
	"beatbridge/internal/platform/logger"
	"beatbridge/internal/platform/statedir"
)

const schemaVersion = 1

// DefaultTTL is the cache validity window (§4.E "Contract", §6 cacheTtlHours default).
const DefaultTTL = 24 * time.Hour

// RemoteHandle identifies an already-published record on the remote
// repository (§3 CacheFile).
type RemoteHandle struct {
	URI   string `json:"uri"`
	CID   string `json:"cid"`
	Value any    `json:"value,omitempty"`
}

// file is the on-disk CacheFile shape (§3).
type file struct {
	Version       int                     `json:"version"`
	AccountID     string                  `json:"accountId"`
	WrittenAt     time.Time               `json:"writtenAt"`
	Records       map[string]RemoteHandle `json:"records"`
	SchemaVersion int                     `json:"schemaVersion"`
}

// Cache loads/saves per-account RemoteHandle maps keyed by RecordKey.
type Cache struct {
	dir statedir.Provider
	ttl time.Duration
	now func() time.Time
	log *logger.Logger
}

// Option configures a Cache at construction.
type Option func(*Cache)

// WithTTL overrides the cache validity window.
func WithTTL(ttl time.Duration) Option {
	return func(c *Cache) { c.ttl = ttl }
}

// WithNowFunc overrides the time source, for deterministic tests.
func WithNowFunc(now func() time.Time) Option {
	return func(c *Cache) { c.now = now }
}

// New constructs a Cache rooted at dir.
func New(dir statedir.Provider, opts ...Option) *Cache {
	c := &Cache{dir: dir, ttl: DefaultTTL, now: time.Now, log: logger.Named("cache")}
	for _, o := range opts {
		o(c)
	}
	return c
}

func (c *Cache) pathFor(accountID string) (string, error) {
	name := statedir.SanitizeFilename(accountID) + ".json"
	return statedir.CachePath(c.dir, name)
}

// Load returns the cached RecordKey -> RemoteHandle map for accountID, or
// (nil, false) if the file is missing, version-mismatched,
// account-mismatched, or older than the TTL (§4.E "Contract").
func (c *Cache) Load(accountID string) (map[string]RemoteHandle, bool) {
	path, err := c.pathFor(accountID)
	if err != nil {
		c.log.Warn().Err(err).Msg("cache: failed to resolve cache path")
		return nil, false
	}

	var f file
	if err := statedir.ReadJSON(path, &f); err != nil {
		return nil, false
	}
	if f.SchemaVersion != schemaVersion || f.Version != schemaVersion {
		c.log.Debug().Str("account", accountID).Msg("cache: version mismatch, treating as miss")
		return nil, false
	}
	if f.AccountID != accountID {
		c.log.Debug().Str("account", accountID).Msg("cache: account mismatch, treating as miss")
		return nil, false
	}
	if c.now().Sub(f.WrittenAt) > c.ttl {
		c.log.Debug().Str("account", accountID).Msg("cache: expired, treating as miss")
		return nil, false
	}
	if f.Records == nil {
		return map[string]RemoteHandle{}, true
	}
	return f.Records, true
}

// Save atomically persists records for accountID (§4.E "Contract").
func (c *Cache) Save(accountID string, records map[string]RemoteHandle) error {
	path, err := c.pathFor(accountID)
	if err != nil {
		return perr.Wrapf(err, perr.ErrorCodeUnavailable, "cache: resolve cache path")
	}
	f := file{
		Version:       schemaVersion,
		AccountID:     accountID,
		WrittenAt:     c.now(),
		Records:       records,
		SchemaVersion: schemaVersion,
	}
	if err := statedir.WriteJSONAtomic(path, f); err != nil {
		return perr.Wrapf(err, perr.ErrorCodeUnavailable, "cache: persist cache file")
	}
	return nil
}

// Invalidate deletes the cache file for accountID, if present.
func (c *Cache) Invalidate(accountID string) error {
	path, err := c.pathFor(accountID)
	if err != nil {
		return perr.Wrapf(err, perr.ErrorCodeUnavailable, "cache: resolve cache path")
	}
	return removeIfExists(path)
}
