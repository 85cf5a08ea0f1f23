package cachemanager

import "time"

// LazyTTLPolicy checks an entry's expiry on read instead of arming a
// proactive timer, for deployments running with Config.LazyExpiration set
// (cheaper for workloads with huge numbers of rarely-read keys, at the cost
// of stale entries lingering in Arc until next accessed or naturally
// replaced). Generalizes the teacher's TTLPolicy (originally checked against
// L1Cache's CacheEntry.ExpiresAt) to the new CacheEntry's expiresAt field;
// LRUPolicy/CombinedPolicy/PolicyEngine are dropped because replacement is
// now intrinsic to Arc's T1/T2/B1/B2 bookkeeping rather than a pluggable
// per-entry predicate.
type LazyTTLPolicy struct{}

// NewLazyTTLPolicy builds the lazy-expiration checker.
func NewLazyTTLPolicy() *LazyTTLPolicy {
	return &LazyTTLPolicy{}
}

// IsExpired reports whether entry's armed expiry (if any) has passed.
func (p *LazyTTLPolicy) IsExpired(entry *CacheEntry, now time.Time) bool {
	entry.lock.Lock()
	defer entry.lock.Unlock()
	return !entry.expiresAt.IsZero() && now.After(entry.expiresAt)
}
