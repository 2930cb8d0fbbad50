// Package cache provides the time-bounded presence cache shared by every controller in a process.
package cache

import (
	"context"
	"errors"
	"io"
	"time"

	"github.com/illmade-knight/go-presencesync/pkg/types"
	"github.com/rs/zerolog"
)

// DefaultTTL is the validity window of a cache entry.
const DefaultTTL = 5 * time.Minute

// ErrNotFound is returned by a PresenceStore when a key holds no value.
var ErrNotFound = errors.New("not found in presence store")

// PresenceStore defines the contract for holding ephemeral presence state. It requires
// explicit Set and Delete operations, as this data has no source of truth to fall back on.
type PresenceStore[K comparable, V any] interface {
	// Set explicitly stores a value for a key.
	Set(ctx context.Context, key K, value V) error
	// Fetch retrieves a value by its key. A miss wraps ErrNotFound.
	Fetch(ctx context.Context, key K) (V, error)
	// Delete explicitly removes a key.
	Delete(ctx context.Context, key K) error
	// Closer is included for implementations that manage network connections.
	io.Closer
}

// Entry is a presence record together with the time it entered the cache.
type Entry struct {
	Record     types.PresenceRecord `json:"record" firestore:"record"`
	InsertedAt time.Time            `json:"insertedAt" firestore:"insertedAt"`
}

// PresenceCache maps a subject to its last known presence. Entries are valid for a fixed
// window after insertion; expiry is checked at read time only and an expired entry is
// dropped by the read that finds it.
type PresenceCache struct {
	store  PresenceStore[string, Entry]
	ttl    time.Duration
	now    func() time.Time
	logger zerolog.Logger
}

// Option configures a PresenceCache.
type Option func(*PresenceCache)

// WithClock replaces the wall clock used to stamp and validate entries.
func WithClock(now func() time.Time) Option {
	return func(c *PresenceCache) {
		c.now = now
	}
}

// NewPresenceCache creates a cache over the given store. A nil store falls back to
// an in-memory one and a non-positive ttl to DefaultTTL.
func NewPresenceCache(store PresenceStore[string, Entry], ttl time.Duration, logger zerolog.Logger, opts ...Option) *PresenceCache {
	if store == nil {
		store = NewInMemoryPresenceStore[string, Entry]()
	}
	if ttl <= 0 {
		ttl = DefaultTTL
	}
	c := &PresenceCache{
		store:  store,
		ttl:    ttl,
		now:    time.Now,
		logger: logger.With().Str("component", "PresenceCache").Logger(),
	}
	for _, opt := range opts {
		opt(c)
	}
	return c
}

// TTL returns the validity window.
func (c *PresenceCache) TTL() time.Duration {
	return c.ttl
}

// Get returns the entry for a subject if one exists and is still valid.
// Store failures are logged and read as a miss.
func (c *PresenceCache) Get(ctx context.Context, subjectID string) (Entry, bool) {
	entry, err := c.store.Fetch(ctx, subjectID)
	if err != nil {
		if !errors.Is(err, ErrNotFound) {
			c.logger.Error().Err(err).Str("subject_id", subjectID).Msg("Presence store fetch failed, treating as miss.")
		}
		return Entry{}, false
	}
	if !c.IsValid(entry, c.now()) {
		c.logger.Debug().Str("subject_id", subjectID).Time("inserted_at", entry.InsertedAt).Msg("Cache entry expired.")
		// Expired entries are dropped when read; nothing sweeps the store in the background.
		if err := c.store.Delete(ctx, subjectID); err != nil {
			c.logger.Warn().Err(err).Str("subject_id", subjectID).Msg("Failed to drop expired presence entry.")
		}
		return Entry{}, false
	}
	return entry, true
}

// Put overwrites the entry for a subject, stamping it with the current time.
// Store failures are logged and dropped.
func (c *PresenceCache) Put(ctx context.Context, subjectID string, record types.PresenceRecord) {
	entry := Entry{Record: record, InsertedAt: c.now()}
	if err := c.store.Set(ctx, subjectID, entry); err != nil {
		c.logger.Error().Err(err).Str("subject_id", subjectID).Msg("Failed to write presence to store.")
		return
	}
	c.logger.Debug().Str("subject_id", subjectID).Str("status", string(record.Status)).Msg("Presence cached.")
}

// IsValid reports whether the entry is inside its validity window at now.
// The window is half-open: an entry exactly ttl old is invalid.
func (c *PresenceCache) IsValid(entry Entry, now time.Time) bool {
	return IsValid(entry, now, c.ttl)
}

// IsValid is the pure validity predicate behind PresenceCache.IsValid.
func IsValid(entry Entry, now time.Time, ttl time.Duration) bool {
	if entry.InsertedAt.IsZero() {
		return false
	}
	return now.Sub(entry.InsertedAt) < ttl
}

// Close releases the underlying store.
func (c *PresenceCache) Close() error {
	return c.store.Close()
}
