package cachemanager

import (
	"sync"
	"time"
)

// Expirer arms and disarms per-key expiration timers. Generalizes the
// teacher's periodic sweep (cache-manager/service.go runTTLCleanup +
// CleanupExpired) to the per-key schedule/unschedule contract spec.md §4.6
// names, matching shardcache_schedule_expiration/_unschedule_expiration in
// arc_ops.c more directly than a ticker would.
type Expirer interface {
	Schedule(key string, ttl time.Duration, onExpire func(key string))
	Unschedule(key string)
}

// timerExpirer is the default Expirer, one time.AfterFunc per key.
type timerExpirer struct {
	mu     sync.Mutex
	timers map[string]*time.Timer
}

// NewTimerExpirer builds the default time.AfterFunc-backed Expirer.
func NewTimerExpirer() Expirer {
	return &timerExpirer{timers: make(map[string]*time.Timer)}
}

func (e *timerExpirer) Schedule(key string, ttl time.Duration, onExpire func(key string)) {
	if ttl <= 0 {
		return
	}
	e.mu.Lock()
	defer e.mu.Unlock()
	if t, ok := e.timers[key]; ok {
		t.Stop()
	}
	e.timers[key] = time.AfterFunc(ttl, func() {
		e.mu.Lock()
		delete(e.timers, key)
		e.mu.Unlock()
		onExpire(key)
	})
}

func (e *timerExpirer) Unschedule(key string) {
	e.mu.Lock()
	defer e.mu.Unlock()
	if t, ok := e.timers[key]; ok {
		t.Stop()
		delete(e.timers, key)
	}
}
