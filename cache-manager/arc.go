package cachemanager

import (
	"container/list"
	"sync"
)

// EntryResource pins a CacheEntry against concurrent eviction while a fetch
// or peer callback is in flight. Arc won't physically reclaim an entry while
// its refcount is above zero; it still may be removed from T1/T2 (logically
// evicted) but destroy() is deferred until the last resource is released.
type EntryResource struct {
	mu    sync.Mutex
	count int
	entry *CacheEntry
}

func newEntryResource(e *CacheEntry) *EntryResource {
	return &EntryResource{entry: e}
}

func (r *EntryResource) retain() {
	r.mu.Lock()
	r.count++
	r.mu.Unlock()
}

// release drops the refcount and returns true if this was the last reference
// and the entry was already logically evicted, meaning the caller should run
// entry.destroy().
func (r *EntryResource) release() bool {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.count--
	if r.count < 0 {
		r.count = 0
	}
	return r.count == 0 && r.entry.flags.has(flagEVICT)
}

// arcNode is the list element payload for all four ARC lists.
type arcNode struct {
	key   string
	entry *CacheEntry // nil for ghost entries (B1/B2) which track key only
	size  int
}

// Arc is a concrete Adaptive Replacement Cache: two resident lists (T1 recent,
// T2 frequent) and two ghost lists (B1, B2) that record recently evicted keys
// without their data, used to adapt the target T1 size p. This generalizes the
// teacher's plain LRU (cache-manager/cache.go L1Cache) to ARC per spec.md §4.6;
// the teacher's O(1) move-to-front technique (container/list + map) carries
// over directly to all four lists.
type Arc struct {
	mu sync.Mutex

	capacity int // total byte budget across T1+T2
	p        int // target size for T1, adaptive

	t1 *list.List
	t2 *list.List
	b1 *list.List
	b2 *list.List

	index map[string]*list.Element // key -> element, across all four lists

	size int // current T1+T2 byte usage

	expirer  Expirer
	onEvict  func(key string)
}

// NewArc constructs an empty Arc with the given total byte capacity.
func NewArc(capacity int) *Arc {
	return &Arc{
		capacity: capacity,
		t1:       list.New(),
		t2:       list.New(),
		b1:       list.New(),
		b2:       list.New(),
		index:    make(map[string]*list.Element),
	}
}

// SetExpirer wires the per-key expiration scheduler. Optional; if unset,
// entries never expire on their own (TTL enforcement happens elsewhere, e.g.
// lazy check-on-read).
func (a *Arc) SetExpirer(e Expirer) { a.expirer = e }

// SetEvictCallback registers a hook invoked (outside the Arc lock) whenever a
// key is physically evicted from T1 or T2, so subscribers (e.g. invalidation
// propagation) can react. Mirrors the teacher's evictLRUUnsafe call sites.
func (a *Arc) SetEvictCallback(fn func(key string)) { a.onEvict = fn }

// GetOrCreate returns the existing entry for key if resident in T1/T2 (moving
// it to T2's MRU end — a hit promotes recency-to-frequency, the core ARC
// behavior), or allocates a fresh entry via FetchCoordinator-driven population
// if absent. created reports whether a new entry was allocated.
func (a *Arc) GetOrCreate(key []byte, async bool) (entry *CacheEntry, created bool) {
	k := string(key)
	a.mu.Lock()
	if el, ok := a.index[k]; ok {
		n := el.Value.(*arcNode)
		if n.entry != nil {
			// resident hit: move to T2 MRU
			if elIsIn(a.t1, el) {
				a.t1.Remove(el)
			} else {
				a.t2.Remove(el)
			}
			a.index[k] = a.t2.PushFront(n)
			a.mu.Unlock()
			return n.entry, false
		}
		// ghost hit (B1 or B2): adapt p, the entry must be refetched.
		a.adaptOnGhostHit(el)
		a.removeGhost(el, k)
	}
	e := NewCacheEntry(key, async, a)
	e.resource = newEntryResource(e)
	// Index the placeholder immediately, at size 0, the same moment the
	// underlying ARC library's arc_lookup would insert a freshly created
	// object into its table. Without this, two concurrent GetOrCreate calls
	// for the same missing key would each allocate their own CacheEntry and
	// only one of them would ever have its listeners notified by the
	// FetchCoordinator call that actually resolves the miss. UpdateSize
	// later finds this same node by key and fills in its real size.
	node := &arcNode{key: k, entry: e, size: 0}
	a.index[k] = a.t1.PushFront(node)
	a.mu.Unlock()
	return e, true
}

func elIsIn(l *list.List, el *list.Element) bool {
	for e := l.Front(); e != nil; e = e.Next() {
		if e == el {
			return true
		}
	}
	return false
}

// adaptOnGhostHit implements the standard ARC adaptation rule: a hit in B1
// grows p (favor recency), a hit in B2 shrinks p (favor frequency).
func (a *Arc) adaptOnGhostHit(el *list.Element) {
	inB1 := elIsIn(a.b1, el)
	if inB1 {
		delta := 1
		if a.b1.Len() > 0 && a.b2.Len() > a.b1.Len() {
			delta = a.b2.Len() / a.b1.Len()
		}
		a.p += delta
	} else {
		delta := 1
		if a.b2.Len() > 0 && a.b1.Len() > a.b2.Len() {
			delta = a.b1.Len() / a.b2.Len()
		}
		a.p -= delta
	}
	if a.p < 0 {
		a.p = 0
	}
	if a.p > a.capacity {
		a.p = a.capacity
	}
}

func (a *Arc) removeGhost(el *list.Element, key string) {
	if elIsIn(a.b1, el) {
		a.b1.Remove(el)
	} else {
		a.b2.Remove(el)
	}
	delete(a.index, key)
}

// UpdateSize records that entry's data now occupies n bytes (called after a
// successful fetch completes and the entry is inserted into T1), evicting
// from B1/B2/T1/T2 as needed to respect capacity, per the ARC replace()
// procedure.
func (a *Arc) UpdateSize(entry *CacheEntry, n int) {
	k := string(entry.key)
	a.mu.Lock()
	defer a.mu.Unlock()

	if el, ok := a.index[k]; ok && el.Value.(*arcNode).entry != nil {
		node := el.Value.(*arcNode)
		a.size += n - node.size
		node.size = n
		a.enforceCapacityLocked(k)
		return
	}

	node := &arcNode{key: k, entry: entry, size: n}
	a.index[k] = a.t1.PushFront(node)
	a.size += n
	a.enforceCapacityLocked(k)
}

// enforceCapacityLocked runs ARC's replace() step until size fits capacity,
// moving the victim from T1 or T2 to the matching ghost list. Caller holds mu.
func (a *Arc) enforceCapacityLocked(justInsertedKey string) {
	for a.size > a.capacity && (a.t1.Len()+a.t2.Len()) > 0 {
		a.replaceLocked(justInsertedKey)
	}
	// ARC bounds ghost lists to capacity entries each, trimming LRU end.
	for a.b1.Len() > a.capacity {
		a.b1.Remove(a.b1.Back())
	}
	for a.b2.Len() > a.capacity {
		a.b2.Remove(a.b2.Back())
	}
}

func (a *Arc) replaceLocked(justInsertedKey string) {
	// Standard ARC replace(): prefer evicting from T1 once it has grown past
	// the adaptive target p, otherwise evict from T2.
	var victimList, ghostList *list.List
	if a.t1.Len() > 0 && a.t1.Len() > a.p {
		victimList, ghostList = a.t1, a.b1
	} else if a.t2.Len() > 0 {
		victimList, ghostList = a.t2, a.b2
	} else if a.t1.Len() > 0 {
		victimList, ghostList = a.t1, a.b1
	} else {
		return
	}
	_ = justInsertedKey

	back := victimList.Back()
	node := back.Value.(*arcNode)
	victimList.Remove(back)
	a.size -= node.size

	entry := node.entry
	ghostNode := &arcNode{key: node.key}
	a.index[node.key] = ghostList.PushFront(ghostNode)

	if a.expirer != nil {
		a.expirer.Unschedule(node.key)
	}

	if entry != nil {
		entry.lock.Lock()
		freed := entry.evictLocked()
		res := entry.resource
		entry.lock.Unlock()
		_ = freed
		if res != nil && res.release() {
			entry.destroy()
		}
	}

	if a.onEvict != nil {
		key := node.key
		go a.onEvict(key)
	}
}

// Remove drops key from every list unconditionally (used by invalidation:
// spec.md's invalidate(key) must win regardless of ARC bookkeeping).
func (a *Arc) Remove(key []byte) {
	k := string(key)
	a.mu.Lock()
	el, ok := a.index[k]
	if !ok {
		a.mu.Unlock()
		return
	}
	node := el.Value.(*arcNode)
	for _, l := range []*list.List{a.t1, a.t2, a.b1, a.b2} {
		if elIsIn(l, el) {
			if l == a.t1 || l == a.t2 {
				a.size -= node.size
			}
			l.Remove(el)
			break
		}
	}
	delete(a.index, k)
	entry := node.entry
	if a.expirer != nil {
		a.expirer.Unschedule(k)
	}
	a.mu.Unlock()

	if entry != nil {
		entry.lock.Lock()
		entry.evictLocked()
		res := entry.resource
		entry.lock.Unlock()
		if res != nil && res.release() {
			entry.destroy()
		}
	}
}

// RemovePattern removes every resident key matching pred, returning the count
// removed. Used by pattern-based invalidation (pkg/utils.MatchPattern).
func (a *Arc) RemovePattern(pred func(key string) bool) int {
	a.mu.Lock()
	var victims [][]byte
	for k, el := range a.index {
		node := el.Value.(*arcNode)
		if node.entry != nil && pred(k) {
			victims = append(victims, []byte(k))
		}
	}
	a.mu.Unlock()
	for _, k := range victims {
		a.Remove(k)
	}
	return len(victims)
}

// Lookup returns the resident entry for key without promoting it, or nil.
// Used by read paths that must not disturb recency ordering (e.g. stats).
func (a *Arc) Lookup(key []byte) *CacheEntry {
	k := string(key)
	a.mu.Lock()
	defer a.mu.Unlock()
	if el, ok := a.index[k]; ok {
		if n := el.Value.(*arcNode); n.entry != nil {
			return n.entry
		}
	}
	return nil
}

// Len returns the number of resident (T1+T2) entries.
func (a *Arc) Len() int {
	a.mu.Lock()
	defer a.mu.Unlock()
	return a.t1.Len() + a.t2.Len()
}

// Size returns total resident byte usage.
func (a *Arc) Size() int {
	a.mu.Lock()
	defer a.mu.Unlock()
	return a.size
}

// Clear empties all four lists, releasing every resident entry's resource.
func (a *Arc) Clear() {
	a.mu.Lock()
	var entries []*CacheEntry
	for _, el := range a.index {
		if n := el.Value.(*arcNode); n.entry != nil {
			entries = append(entries, n.entry)
		}
	}
	a.t1.Init()
	a.t2.Init()
	a.b1.Init()
	a.b2.Init()
	a.index = make(map[string]*list.Element)
	a.size = 0
	a.p = 0
	a.mu.Unlock()

	for _, e := range entries {
		e.lock.Lock()
		e.evictLocked()
		res := e.resource
		e.lock.Unlock()
		if res != nil && res.release() {
			e.destroy()
		}
	}
}
