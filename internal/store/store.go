// Package store holds the latest reading of every live device in memory.
package store

import (
	"errors"
	"sync"
	"time"

	"github.com/couchcryptid/eews-aggregator/internal/domain"
	"github.com/jonboulle/clockwork"
)

// ErrEmptyDeviceID is returned by Upsert when no device id is given.
var ErrEmptyDeviceID = errors.New("empty device id")

// Store maps device ids to their most recent reading. A single mutex guards
// the whole map; every operation is O(1) or a single pass and never blocks
// on I/O while holding it.
type Store struct {
	mu       sync.RWMutex
	readings map[string]domain.Reading
	clock    clockwork.Clock
}

// New creates an empty store. A nil clock uses real time.
func New(clock clockwork.Clock) *Store {
	return &Store{
		readings: make(map[string]domain.Reading),
		clock:    domain.ClockOrReal(clock),
	}
}

// Upsert records r as the latest reading for deviceID, replacing any prior
// one, and stamps its server timestamp. It returns the stored copy.
func (s *Store) Upsert(deviceID string, r domain.Reading) (domain.Reading, error) {
	if deviceID == "" {
		return domain.Reading{}, ErrEmptyDeviceID
	}
	r = r.Clone()
	r.DeviceID = deviceID

	s.mu.Lock()
	r.ServerTimestamp = s.clock.Now()
	s.readings[deviceID] = r
	s.mu.Unlock()

	return r.Clone(), nil
}

// Snapshot returns a point-in-time deep copy of every entry.
func (s *Store) Snapshot() map[string]domain.Reading {
	s.mu.RLock()
	defer s.mu.RUnlock()

	out := make(map[string]domain.Reading, len(s.readings))
	for id, r := range s.readings {
		out[id] = r.Clone()
	}
	return out
}

// Evict removes the entry for deviceID if it is still the reading stamped
// at receivedAt, and reports whether it removed anything. A reading that
// replaced it since is left alone.
func (s *Store) Evict(deviceID string, receivedAt time.Time) bool {
	s.mu.Lock()
	defer s.mu.Unlock()

	r, ok := s.readings[deviceID]
	if !ok || !r.ServerTimestamp.Equal(receivedAt) {
		return false
	}
	delete(s.readings, deviceID)
	return true
}

// EvictExpired removes every entry received more than ttl before now, plus
// any entry without a server timestamp. It returns the evicted ids.
func (s *Store) EvictExpired(now time.Time, ttl time.Duration) []string {
	s.mu.Lock()
	defer s.mu.Unlock()

	var evicted []string
	for id, r := range s.readings {
		if Expired(r, now, ttl) {
			delete(s.readings, id)
			evicted = append(evicted, id)
		}
	}
	return evicted
}

// Expired reports whether r was received more than ttl before now or
// carries no server timestamp.
func Expired(r domain.Reading, now time.Time, ttl time.Duration) bool {
	return r.ServerTimestamp.IsZero() || now.Sub(r.ServerTimestamp) > ttl
}

// Len returns the number of live entries.
func (s *Store) Len() int {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return len(s.readings)
}

// Now returns the store's current time, for callers that sweep with the
// same clock that stamps readings.
func (s *Store) Now() time.Time {
	return s.clock.Now()
}

// put inserts r verbatim, bypassing timestamp stamping. Test-only seam for
// entries whose server timestamp is missing.
func (s *Store) put(r domain.Reading) {
	s.mu.Lock()
	s.readings[r.DeviceID] = r
	s.mu.Unlock()
}
