// Package freshness decides whether a timestamped cache entry is still usable.
package freshness

import "time"

// DefaultAuxiliaryTTL bounds the age of auxiliary lookup caches (users, buckets).
const DefaultAuxiliaryTTL = time.Hour

// IsFresh reports whether lastFetched is younger than ttl at now. A zero lastFetched
// means the entry was never fetched.
func IsFresh(lastFetched time.Time, ttl time.Duration, now time.Time) bool {
	if lastFetched.IsZero() {
		return false
	}
	return now.Sub(lastFetched) < ttl
}

// Policy binds a TTL to a clock.
type Policy struct {
	TTL   time.Duration
	Clock func() time.Time
}

// NewPolicy returns a policy using ttl, falling back to DefaultAuxiliaryTTL and time.Now.
func NewPolicy(ttl time.Duration, clock func() time.Time) Policy {
	if ttl <= 0 {
		ttl = DefaultAuxiliaryTTL
	}
	if clock == nil {
		clock = time.Now
	}
	return Policy{TTL: ttl, Clock: clock}
}

// Fresh applies IsFresh with the policy's clock.
func (p Policy) Fresh(lastFetched time.Time) bool {
	clock := p.Clock
	if clock == nil {
		clock = time.Now
	}
	return IsFresh(lastFetched, p.TTL, clock())
}
