package cachemanager

import (
	"math/rand"
	"sync"
)

// AdmissionPolicy decides whether a value fetched from a remote peer is worth
// keeping in the local Arc. Grounded on arc_ops.c's admission check applied
// after both the sync and async peer-fetch paths:
//
//	if (!cache->force_caching && rand() % 10 != 0)
//	        COBJ_SET_FLAG(obj, COBJ_FLAG_DROP);
//
// i.e. a 1-in-10 keep rate for remote values, the same heuristic groupcache
// applies to avoid every node in the ring caching every hot key identically.
type AdmissionPolicy struct {
	mu           sync.Mutex
	rnd          *rand.Rand
	forceCaching bool
}

// NewAdmissionPolicy builds a policy with its own rand source (avoids lock
// contention on the shared global source under concurrent fetches).
func NewAdmissionPolicy(seed int64) *AdmissionPolicy {
	return &AdmissionPolicy{rnd: rand.New(rand.NewSource(seed))}
}

// SetForceCaching toggles whether every remote fetch is admitted
// unconditionally, bypassing the 1-in-10 sampling. Mirrors
// shardcache.force_caching.
func (p *AdmissionPolicy) SetForceCaching(force bool) {
	p.mu.Lock()
	p.forceCaching = force
	p.mu.Unlock()
}

func (p *AdmissionPolicy) ForceCaching() bool {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.forceCaching
}

// Admit reports whether a value just fetched from a peer should be kept
// locally. Local fetches (data already owned by this node) never go through
// Admit — only values that crossed the network are sampled.
func (p *AdmissionPolicy) Admit() bool {
	p.mu.Lock()
	defer p.mu.Unlock()
	if p.forceCaching {
		return true
	}
	return p.rnd.Intn(10) == 0
}
