package cachemanager

import (
	"testing"
	"time"
)

func TestCacheEntry_RegisterListener_NotifyComplete(t *testing.T) {
	e := NewCacheEntry([]byte("key1"), true, nil)

	var chunks [][]byte
	var completed bool
	var size int

	err := e.RegisterListener(FuncListener{
		Chunk: func(data []byte) { chunks = append(chunks, data) },
		Complete: func(n int, ts time.Time) {
			completed = true
			size = n
		},
	})
	if err != nil {
		t.Fatalf("RegisterListener: %v", err)
	}

	e.lock.Lock()
	e.data = []byte("hello")
	e.notifyChunk([]byte("hello"))
	e.notifyComplete()
	e.lock.Unlock()

	if len(chunks) != 1 || string(chunks[0]) != "hello" {
		t.Errorf("expected one chunk 'hello', got %v", chunks)
	}
	if !completed || size != 5 {
		t.Errorf("expected completion with size 5, got completed=%v size=%d", completed, size)
	}
}

func TestCacheEntry_NotifyError(t *testing.T) {
	e := NewCacheEntry([]byte("key1"), true, nil)
	var errored bool
	e.RegisterListener(FuncListener{Error: func() { errored = true }})

	e.lock.Lock()
	e.notifyError()
	e.lock.Unlock()

	if !errored {
		t.Error("expected OnError to be invoked")
	}
	if len(e.listeners) != 0 {
		t.Error("listeners should be cleared after notifyError")
	}
}

func TestCacheEntry_RegisterListener_AfterEvicted(t *testing.T) {
	e := NewCacheEntry([]byte("key1"), true, nil)
	e.lock.Lock()
	e.evictLocked()
	e.lock.Unlock()

	err := e.RegisterListener(FuncListener{})
	if err != ErrEvicted {
		t.Errorf("expected ErrEvicted, got %v", err)
	}
}

func TestCacheEntry_Evict_DefersWhenListenersPresent(t *testing.T) {
	e := NewCacheEntry([]byte("key1"), true, nil)
	e.RegisterListener(FuncListener{})

	e.lock.Lock()
	freed := e.evictLocked()
	deferred := e.flags.has(flagEVICT)
	e.lock.Unlock()

	if freed {
		t.Error("evict should not free data while listeners remain")
	}
	if !deferred {
		t.Error("EVICT flag should be set when listeners are still registered")
	}
}

func TestCacheEntry_PanickingListenerDoesNotBlockOthers(t *testing.T) {
	e := NewCacheEntry([]byte("key1"), true, nil)
	var secondCalled bool
	e.RegisterListener(FuncListener{Complete: func(int, time.Time) { panic("boom") }})
	e.RegisterListener(FuncListener{Complete: func(int, time.Time) { secondCalled = true }})

	e.lock.Lock()
	e.notifyComplete()
	e.lock.Unlock()

	if !secondCalled {
		t.Error("second listener should still be notified after first panics")
	}
}
