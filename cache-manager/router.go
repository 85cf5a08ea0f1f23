package cachemanager

import (
	"fmt"
	"math/rand"
	"sort"
	"sync"
	"time"

	"github.com/cespare/xxhash/v2"
)

// ReplicaCount is the number of virtual nodes placed per physical node on the
// ring, matching shardcache_client.c's `chash_create(..., 200)`.
const ReplicaCount = 200

// ringEntry is one virtual-node point on the consistent hash ring.
type ringEntry struct {
	hash uint64
	node string
}

// hashRing is a sorted-slice consistent hash ring using xxhash, the domain
// hashing choice confirmed elsewhere in the pack
// (manifests/IvanBrykalov-shardcache go.mod), at 200 replicas per node per
// spec.md/shardcache_client.c.
type hashRing struct {
	entries []ringEntry
	nodes   map[string]bool
}

func newHashRing() *hashRing {
	return &hashRing{nodes: make(map[string]bool)}
}

func (r *hashRing) addNode(node string) {
	if r.nodes[node] {
		return
	}
	r.nodes[node] = true
	for i := 0; i < ReplicaCount; i++ {
		h := xxhash.Sum64String(fmt.Sprintf("%s#%d", node, i))
		r.entries = append(r.entries, ringEntry{hash: h, node: node})
	}
	sort.Slice(r.entries, func(i, j int) bool { return r.entries[i].hash < r.entries[j].hash })
}

func (r *hashRing) removeNode(node string) {
	if !r.nodes[node] {
		return
	}
	delete(r.nodes, node)
	kept := r.entries[:0]
	for _, e := range r.entries {
		if e.node != node {
			kept = append(kept, e)
		}
	}
	r.entries = kept
}

func (r *hashRing) lookup(key []byte) string {
	if len(r.entries) == 0 {
		return ""
	}
	h := xxhash.Sum64(key)
	idx := sort.Search(len(r.entries), func(i int) bool { return r.entries[i].hash >= h })
	if idx == len(r.entries) {
		idx = 0
	}
	return r.entries[idx].node
}

// ClientRouter owns the consistent hash ring over peer nodes, an optional
// second ring for live migration, and the pinned-random failover and
// multi-key batch machinery from shardcache_client.c.
type ClientRouter struct {
	mu sync.RWMutex

	ring    *hashRing
	mignRing *hashRing // non-nil only during an active migration

	self string

	useRandomNode bool

	driver *PeerFetchDriver
	addrOf func(node string) string // node name -> dial address
}

// NewClientRouter builds a router over the given node set. self identifies
// this process's own node name (used by ownership checks elsewhere).
func NewClientRouter(self string, nodes []string, addrOf func(string) string, driver *PeerFetchDriver) *ClientRouter {
	r := &ClientRouter{ring: newHashRing(), self: self, addrOf: addrOf, driver: driver}
	for _, n := range nodes {
		r.ring.addNode(n)
	}
	return r
}

// UseRandomNode toggles whether a failed owner lookup falls back to a
// different random node rather than failing immediately, mirroring
// shardcache_client_use_random_node.
func (r *ClientRouter) UseRandomNode(use bool) {
	r.mu.Lock()
	r.useRandomNode = use
	r.mu.Unlock()
}

// Owner returns the node responsible for key under the stable ring.
func (r *ClientRouter) Owner(key []byte) string {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return r.ring.lookup(key)
}

// IsLocal reports whether key is owned by this node on the stable ring.
func (r *ClientRouter) IsLocal(key []byte) bool {
	return r.Owner(key) == r.self
}

// MigrationOwner returns the node responsible for key under the migration
// ring, or "" if no migration is in progress. Grounded on
// shardcache_test_migration_ownership in arc_ops.c.
func (r *ClientRouter) MigrationOwner(key []byte) (node string, migrating bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	if r.mignRing == nil {
		return "", false
	}
	return r.mignRing.lookup(key), true
}

// MigrationBegin starts a migration to the new node set, building a second
// ring that ownership checks fall back to while both rings are in play.
// Mirrors shardcache_client_migration_begin's shard-notification loop, scoped
// to this process's own ring state.
func (r *ClientRouter) MigrationBegin(nodes []string) {
	nr := newHashRing()
	for _, n := range nodes {
		nr.addNode(n)
	}
	r.mu.Lock()
	r.mignRing = nr
	r.mu.Unlock()
}

// MigrationAbort cancels an in-progress migration, reverting to the stable
// ring only. Mirrors shardcache_client_migration_abort.
func (r *ClientRouter) MigrationAbort() {
	r.mu.Lock()
	r.mignRing = nil
	r.mu.Unlock()
}

// MigrationComplete promotes the migration ring to the stable ring, the
// terminal step once all keys have been moved.
func (r *ClientRouter) MigrationComplete() {
	r.mu.Lock()
	if r.mignRing != nil {
		r.ring = r.mignRing
		r.mignRing = nil
	}
	r.mu.Unlock()
}

// selectNode implements shardcache_client.c's select_node: try the owner
// node; if its dial address can't be resolved (addrOf returns ""), and
// useRandomNode is set and more than one node exists, retry up to 3 times
// against a different randomly chosen node. No connection is attempted here,
// so a node whose address resolves but refuses connections is still selected.
func (r *ClientRouter) selectNode(key []byte) (node string, addr string, err error) {
	r.mu.RLock()
	owner := r.ring.lookup(key)
	useRandom := r.useRandomNode
	all := make([]string, 0, len(r.ring.nodes))
	for n := range r.ring.nodes {
		all = append(all, n)
	}
	r.mu.RUnlock()

	if owner == "" {
		return "", "", ErrArgumentInvalid
	}

	candidate := owner
	const retries = 3
	for attempt := 0; attempt <= retries; attempt++ {
		addr := r.addrOf(candidate)
		if addr != "" {
			return candidate, addr, nil
		}
		if !useRandom || len(all) <= 1 {
			break
		}
		candidate = pickDifferent(all, candidate)
	}
	return "", "", ErrNetworkUnavailable
}

func pickDifferent(nodes []string, exclude string) string {
	if len(nodes) <= 1 {
		return exclude
	}
	for {
		n := nodes[rand.Intn(len(nodes))]
		if n != exclude {
			return n
		}
	}
}

// Get fetches key from its owning peer, applying the pinned-random failover.
func (r *ClientRouter) Get(key []byte) ([]byte, error) {
	_, addr, err := r.selectNode(key)
	if err != nil {
		return nil, err
	}
	return r.driver.FetchSync(addr, key)
}

// FetchAsync dispatches a non-blocking fetch for entry to its owning peer,
// applying the same pinned-random failover as Get, and streams the response
// straight to entry's registered listeners via PeerFetchDriver/IoMux instead
// of blocking for the whole response. done is invoked exactly once, when the
// fetch completes or fails.
func (r *ClientRouter) FetchAsync(entry *CacheEntry, done func(error)) error {
	_, addr, err := r.selectNode(entry.key)
	if err != nil {
		return err
	}
	return r.driver.FetchAsync(addr, entry.key, entry, done)
}

// ItemResult is the per-item outcome of a multi-key batch operation, per the
// spec.md §9 open-question decision: batch calls return both a slice of
// per-item results and a single error that is non-nil iff any item failed.
type ItemResult struct {
	Key   []byte
	Value []byte
	Err   error
}

// GetMulti groups keys by owner node and serves the owners concurrently, one
// goroutine per owner issuing one synchronous GET per key; a key whose GET
// has not started within 1 second of its owner's first fails with
// ErrNetworkUnavailable. Results come back in the order of keys. Grounded on
// shardcache_client.c's shc_split_buckets + shardcache_client_multi.
func (r *ClientRouter) GetMulti(keys [][]byte) ([]ItemResult, error) {
	buckets := r.splitBuckets(keys)
	results := make([]ItemResult, 0, len(keys))
	var mu sync.Mutex
	var wg sync.WaitGroup
	var anyErr bool

	for owner, ks := range buckets {
		owner, ks := owner, ks
		wg.Add(1)
		go func() {
			defer wg.Done()
			addr := r.addrOf(owner)
			if addr == "" {
				mu.Lock()
				for _, k := range ks {
					results = append(results, ItemResult{Key: k, Err: ErrNetworkUnavailable})
				}
				anyErr = true
				mu.Unlock()
				return
			}
			deadline := time.Now().Add(1 * time.Second)
			for _, k := range ks {
				var v []byte
				var err error
				if time.Now().Before(deadline) {
					v, err = r.driver.FetchSync(addr, k)
				} else {
					err = ErrNetworkUnavailable
				}
				mu.Lock()
				results = append(results, ItemResult{Key: k, Value: v, Err: err})
				if err != nil {
					anyErr = true
				}
				mu.Unlock()
			}
		}()
	}
	wg.Wait()

	// Restore request order: results were appended as each owner finished.
	pos := make(map[string][]int, len(keys))
	for i, k := range keys {
		pos[string(k)] = append(pos[string(k)], i)
	}
	ordered := make([]ItemResult, len(keys))
	for _, res := range results {
		p := pos[string(res.Key)]
		ordered[p[0]] = res
		pos[string(res.Key)] = p[1:]
	}

	var batchErr error
	if anyErr {
		batchErr = fmt.Errorf("cachemanager: %w: one or more items failed", ErrPeerRefused)
	}
	return ordered, batchErr
}

// splitBuckets groups keys by their ring owner, mirroring
// shc_split_buckets's chash_lookup grouping pass.
func (r *ClientRouter) splitBuckets(keys [][]byte) map[string][][]byte {
	r.mu.RLock()
	defer r.mu.RUnlock()
	buckets := make(map[string][][]byte)
	for _, k := range keys {
		owner := r.ring.lookup(k)
		buckets[owner] = append(buckets[owner], k)
	}
	return buckets
}

// SetMulti is GetMulti's write-path counterpart: one SET per key to each
// owner, with the same bucketing, 1-second deadline and result order.
func (r *ClientRouter) SetMulti(items []ItemResult) ([]ItemResult, error) {
	keys := make([][]byte, len(items))
	values := make(map[string][]byte, len(items))
	for i, it := range items {
		keys[i] = it.Key
		values[string(it.Key)] = it.Value
	}
	buckets := r.splitBuckets(keys)

	results := make([]ItemResult, 0, len(items))
	var mu sync.Mutex
	var wg sync.WaitGroup
	var anyErr bool

	for owner, ks := range buckets {
		owner, ks := owner, ks
		wg.Add(1)
		go func() {
			defer wg.Done()
			addr := r.addrOf(owner)
			deadline := time.Now().Add(1 * time.Second)
			for _, k := range ks {
				var err error
				if addr == "" || !time.Now().Before(deadline) {
					err = ErrNetworkUnavailable
				} else {
					err = r.driver.SetSync(addr, k, values[string(k)])
				}
				mu.Lock()
				results = append(results, ItemResult{Key: k, Value: values[string(k)], Err: err})
				if err != nil {
					anyErr = true
				}
				mu.Unlock()
			}
		}()
	}
	wg.Wait()

	// Restore request order: results were appended as each owner finished.
	pos := make(map[string][]int, len(keys))
	for i, k := range keys {
		pos[string(k)] = append(pos[string(k)], i)
	}
	ordered := make([]ItemResult, len(keys))
	for _, res := range results {
		p := pos[string(res.Key)]
		ordered[p[0]] = res
		pos[string(res.Key)] = p[1:]
	}

	var batchErr error
	if anyErr {
		batchErr = fmt.Errorf("cachemanager: %w: one or more items failed", ErrPeerRefused)
	}
	return ordered, batchErr
}
