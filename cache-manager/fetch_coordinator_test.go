package cachemanager

import (
	"sync"
	"testing"
	"time"
)

// fakeStorage is a minimal Storage for coordinator tests.
type fakeStorage struct {
	mu   sync.Mutex
	data map[string][]byte
}

func newFakeStorage() *fakeStorage { return &fakeStorage{data: make(map[string][]byte)} }

func (f *fakeStorage) Fetch(key []byte) ([]byte, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	v, ok := f.data[string(key)]
	if !ok {
		return nil, ErrNotFound
	}
	return v, nil
}
func (f *fakeStorage) Store(key, value []byte) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.data[string(key)] = value
	return nil
}
func (f *fakeStorage) Remove(key []byte) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	delete(f.data, string(key))
	return nil
}

func newLocalCoordinator(t *testing.T, storage Storage) (*FetchCoordinator, *Arc) {
	t.Helper()
	router := NewClientRouter("local", []string{"local"}, func(string) string { return "" }, nil)
	volatile := NewMemVolatileStore()
	expirer := NewTimerExpirer()
	admission := NewAdmissionPolicy(1)
	admission.SetForceCaching(true)
	coord := NewFetchCoordinator(router, volatile, storage, expirer, admission, time.Hour, false)
	arc := NewArc(1 << 20)
	arc.SetExpirer(expirer)
	return coord, arc
}

func TestFetchCoordinator_LocalStorageHit(t *testing.T) {
	storage := newFakeStorage()
	storage.Store([]byte("k1"), []byte("v1"))
	coord, arc := newLocalCoordinator(t, storage)

	entry, _ := arc.GetOrCreate([]byte("k1"), false)
	n, outcome, err := coord.Fetch(entry)
	if err != nil {
		t.Fatalf("Fetch: %v", err)
	}
	if n != 2 || outcome != OutcomeLocalStorage {
		t.Errorf("expected local storage hit of size 2, got n=%d outcome=%v", n, outcome)
	}
}

func TestFetchCoordinator_NotFound(t *testing.T) {
	coord, arc := newLocalCoordinator(t, newFakeStorage())
	entry, _ := arc.GetOrCreate([]byte("missing"), false)

	_, _, err := coord.Fetch(entry)
	if err != ErrNotFound {
		t.Errorf("expected ErrNotFound, got %v", err)
	}
}

func TestFetchCoordinator_SecondFetchIsLocalHit(t *testing.T) {
	storage := newFakeStorage()
	storage.Store([]byte("k1"), []byte("v1"))
	coord, arc := newLocalCoordinator(t, storage)

	entry, _ := arc.GetOrCreate([]byte("k1"), false)
	coord.Fetch(entry)

	_, outcome, err := coord.Fetch(entry)
	if err != nil {
		t.Fatalf("Fetch: %v", err)
	}
	if outcome != OutcomeLocalHit {
		t.Errorf("expected local hit on second fetch, got %v", outcome)
	}
}

func TestFetchCoordinator_ConcurrentMissesCoalesce(t *testing.T) {
	storage := newFakeStorage()
	storage.Store([]byte("k1"), []byte("v1"))
	coord, arc := newLocalCoordinator(t, storage)
	entry, _ := arc.GetOrCreate([]byte("k1"), false)

	var wg sync.WaitGroup
	errs := make(chan error, 20)
	for i := 0; i < 20; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			_, _, err := coord.Fetch(entry)
			if err != nil {
				errs <- err
			}
		}()
	}
	wg.Wait()
	close(errs)
	for err := range errs {
		t.Errorf("unexpected error: %v", err)
	}
}
