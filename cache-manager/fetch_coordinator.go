package cachemanager

import (
	"errors"
	"sync/atomic"
	"time"

	"golang.org/x/sync/singleflight"
)

// FetchOutcome classifies how a Fetch call was satisfied, for metrics.
// Matches spec's FetchOutcome ∈ {Resident, DropAfterRead, NotFound, Error}:
// OutcomeLocalHit is Resident served from Arc, OutcomeRemoteHit/
// OutcomeLocalStorage are Resident served from a miss path, and
// OutcomeDropAfterRead is a remote fetch that was delivered to the caller but
// not retained (failed the 1-in-10 admission sample).
type FetchOutcome int

const (
	OutcomeLocalHit FetchOutcome = iota
	OutcomeRemoteHit
	OutcomeLocalStorage
	OutcomeDropAfterRead
	OutcomeNotFound
	OutcomeError
)

// Counters tracks the fetch-path statistics arc_ops.c increments inline
// (cache_misses, and the branch each miss resolves through).
type Counters struct {
	Misses       int64
	RemoteFetch  int64
	LocalFetch   int64
	NotFound     int64
	Errors       int64
	AdmissionDrop int64
}

// FetchCoordinator implements spec.md §4.2: resolve a miss for entry by
// checking ownership, delegating to a peer (with migration-aware retry) or
// falling back to local volatile/persistent storage, notifying listeners,
// and arming expiration — all coalesced per-key via singleflight so
// concurrent misses for the same key only do the work once. Grounded on
// arc_ops_fetch in arc_ops.c.
type FetchCoordinator struct {
	group singleflight.Group

	router    *ClientRouter
	volatile  VolatileStore
	storage   Storage
	expirer   Expirer
	admission *AdmissionPolicy

	expireTime     time.Duration
	lazyExpiration bool
	lazyTTL        *LazyTTLPolicy

	counters Counters
}

// NewFetchCoordinator wires a coordinator over the router and local storage
// layers. expireTime is the default TTL armed after a successful fetch,
// unless lazyExpiration is set (in which case expiration is checked
// on-read instead of proactively scheduled, matching
// `cache->expire_time > 0 && !evicted && !cache->lazy_expiration` in arc_ops.c).
func NewFetchCoordinator(router *ClientRouter, volatile VolatileStore, storage Storage, expirer Expirer, admission *AdmissionPolicy, expireTime time.Duration, lazyExpiration bool) *FetchCoordinator {
	return &FetchCoordinator{
		router:         router,
		volatile:       volatile,
		storage:        storage,
		expirer:        expirer,
		admission:      admission,
		expireTime:     expireTime,
		lazyExpiration: lazyExpiration,
		lazyTTL:        NewLazyTTLPolicy(),
	}
}

// Fetch resolves entry's value, populating entry.data and notifying any
// registered listeners exactly once. It's safe to call concurrently for the
// same entry; only the first caller does the actual work, the rest block on
// singleflight and observe the same result.
func (c *FetchCoordinator) Fetch(entry *CacheEntry) (int, FetchOutcome, error) {
	key := entry.key
	atomic.AddInt64(&c.counters.Misses, 1)

	if c.lazyExpiration && c.lazyTTL.IsExpired(entry, time.Now()) {
		entry.arc.Remove(entry.key)
	}

	entry.lock.Lock()
	if entry.flags.has(flagCOMPLETE) {
		n := len(entry.data)
		entry.lock.Unlock()
		return n, OutcomeLocalHit, nil
	}
	if entry.flags.has(flagFETCHING) {
		entry.lock.Unlock()
		// Another caller is already populating this entry; singleflight
		// below will make us wait on the same in-flight call.
	} else {
		entry.flags &^= flagEVICTED
		entry.flags |= flagFETCHING
		entry.lock.Unlock()
	}

	v, err, _ := c.group.Do(string(key), func() (interface{}, error) {
		return c.resolve(entry)
	})

	entry.lock.Lock()
	entry.flags &^= flagFETCHING
	entry.lock.Unlock()

	if err != nil {
		if errors.Is(err, ErrNotFound) {
			return 0, OutcomeNotFound, err
		}
		atomic.AddInt64(&c.counters.Errors, 1)
		return 0, OutcomeError, err
	}
	res := v.(fetchResult)
	return res.size, res.outcome, nil
}

type fetchResult struct {
	size    int
	outcome FetchOutcome
}

// resolve runs the branch structure of arc_ops_fetch: try the owning peer
// (retrying via the migration ring if ownership moved), else read locally
// from volatile storage then persistent storage.
func (c *FetchCoordinator) resolve(entry *CacheEntry) (fetchResult, error) {
	key := entry.key

	if !c.router.IsLocal(key) {
		res, err := c.fetchRemote(entry)
		if err == nil {
			return res, nil
		}
		if migOwner, migrating := c.router.MigrationOwner(key); migrating && migOwner != c.router.self {
			res, mErr := c.fetchRemoteFrom(entry, migOwner)
			if mErr == nil {
				return res, nil
			}
		}
		// Per spec.md §9 open question 1: an unresolved owner on a
		// non-local, non-migration-owned key is a hard failure, not a
		// silent fallthrough to local storage.
		if migOwner, migrating := c.router.MigrationOwner(key); !migrating || migOwner != c.router.self {
			return fetchResult{}, err
		}
	}

	return c.fetchLocal(entry)
}

func (c *FetchCoordinator) fetchRemote(entry *CacheEntry) (fetchResult, error) {
	owner := c.router.Owner(entry.key)
	return c.fetchRemoteFrom(entry, owner)
}

func (c *FetchCoordinator) fetchRemoteFrom(entry *CacheEntry, node string) (fetchResult, error) {
	if entry.isAsync() {
		return c.fetchRemoteAsync(entry)
	}

	data, err := c.router.Get(entry.key)
	if err != nil {
		return fetchResult{}, err
	}
	atomic.AddInt64(&c.counters.RemoteFetch, 1)

	admit := c.admission.Admit()
	if !admit {
		atomic.AddInt64(&c.counters.AdmissionDrop, 1)
	}

	c.completeEntry(entry, data, admit)
	outcome := OutcomeRemoteHit
	if !admit {
		outcome = OutcomeDropAfterRead
	}
	return fetchResult{size: len(data), outcome: outcome}, nil
}

// fetchRemoteAsync drives the streaming path for an ASYNC entry: the peer
// connection is handed to the shared IoMux (PeerFetchDriver.FetchAsync) so
// response chunks are delivered straight to entry's registered listeners as
// they arrive, rather than blocking this goroutine for the whole response.
// Fetch still returns synchronously once the stream completes, since
// singleflight.Group.Do requires a function that returns a result — the
// "async" part is that listeners observe chunks before this call returns.
func (c *FetchCoordinator) fetchRemoteAsync(entry *CacheEntry) (fetchResult, error) {
	done := make(chan error, 1)
	if err := c.router.FetchAsync(entry, func(err error) { done <- err }); err != nil {
		return fetchResult{}, err
	}
	if err := <-done; err != nil {
		return fetchResult{}, err
	}

	entry.lock.Lock()
	data := entry.data
	entry.lock.Unlock()

	atomic.AddInt64(&c.counters.RemoteFetch, 1)
	admit := c.admission.Admit()
	if !admit {
		atomic.AddInt64(&c.counters.AdmissionDrop, 1)
	}

	// The driver already streamed chunks and notified completion to entry's
	// listeners (asyncFetchState.onData); only the admission/expiry tail of
	// completeEntry is still needed here.
	if !admit {
		entry.lock.Lock()
		entry.flags |= flagDROP
		entry.lock.Unlock()
	}
	c.finishAdmission(entry, data, admit)

	outcome := OutcomeRemoteHit
	if !admit {
		outcome = OutcomeDropAfterRead
	}
	return fetchResult{size: len(data), outcome: outcome}, nil
}

// fetchLocal checks the volatile store, then falls back to persistent
// Storage, mirroring the ht_get_deep_copy -> cache->storage.fetch order in
// arc_ops_fetch.
func (c *FetchCoordinator) fetchLocal(entry *CacheEntry) (fetchResult, error) {
	if v, ok := c.volatile.Fetch(entry.key); ok {
		c.completeEntry(entry, v, true)
		atomic.AddInt64(&c.counters.LocalFetch, 1)
		return fetchResult{size: len(v), outcome: OutcomeLocalStorage}, nil
	}

	v, err := c.storage.Fetch(entry.key)
	if err != nil {
		if errors.Is(err, ErrNotFound) {
			atomic.AddInt64(&c.counters.NotFound, 1)
			c.completeEmpty(entry)
			return fetchResult{}, ErrNotFound
		}
		// A genuine storage failure (ErrStorageFailed or otherwise) is
		// distinct from "key not found": surface it as an error instead of
		// silently reporting a miss.
		atomic.AddInt64(&c.counters.Errors, 1)
		return fetchResult{}, err
	}

	atomic.AddInt64(&c.counters.LocalFetch, 1)
	c.completeEntry(entry, v, true)
	return fetchResult{size: len(v), outcome: OutcomeLocalStorage}, nil
}

// completeEntry stores data into entry, marks it complete, notifies any
// listeners, and applies the admission/expiry tail of arc_ops_fetch — the
// synchronous-fetch counterpart of fetchRemoteAsync, which relies on
// PeerFetchDriver's own streaming notification instead. admit governs
// whether the value is retained at all (1-in-10 admission policy); when
// false the data is still delivered to waiting listeners once (the fetch
// succeeded) but the entry is evicted from Arc immediately afterward so it
// isn't retained.
func (c *FetchCoordinator) completeEntry(entry *CacheEntry, data []byte, admit bool) {
	entry.lock.Lock()
	entry.data = data
	entry.ts = time.Now()
	entry.flags |= flagCOMPLETE
	if !admit {
		entry.flags |= flagDROP
	}
	wasAsync := entry.flags.has(flagASYNC)
	if wasAsync {
		entry.notifyChunk(data)
		entry.notifyComplete()
	}
	entry.lock.Unlock()

	c.finishAdmission(entry, data, admit)
}

// finishAdmission applies the 1-in-10 admission outcome once an entry's data
// and listeners have already been settled: a dropped fetch is explicitly
// removed from Arc (DropAfterRead) instead of relying on UpdateSize simply
// never having been called; an admitted fetch is sized into Arc and has its
// TTL armed.
func (c *FetchCoordinator) finishAdmission(entry *CacheEntry, data []byte, admit bool) {
	if !admit {
		if entry.arc != nil {
			entry.arc.Remove(entry.key)
		}
		return
	}

	if entry.arc != nil {
		entry.arc.UpdateSize(entry, len(data))
	}
	if c.expireTime > 0 {
		entry.lock.Lock()
		entry.expiresAt = time.Now().Add(c.expireTime)
		entry.lock.Unlock()
		if !c.lazyExpiration && c.expirer != nil {
			c.expirer.Schedule(string(entry.key), c.expireTime, func(key string) {
				entry.arc.Remove([]byte(key))
			})
		}
	}
}

// completeEmpty handles the not-found branch: per spec.md §4.2 step 4,
// listeners are notified of completion with zero length (a NotFound signal
// carried through the normal OnComplete callback), not OnError — there is no
// failure here, just an empty result, matching arc_ops_fetch's handling of
// an empty result from storage.
func (c *FetchCoordinator) completeEmpty(entry *CacheEntry) {
	entry.lock.Lock()
	entry.flags &^= flagFETCHING
	entry.data = nil
	if entry.flags.has(flagASYNC) {
		entry.notifyComplete()
	}
	entry.lock.Unlock()
}
