// Package cachemanager implements a distributed, sharded in-memory cache:
// an Adaptive Replacement Cache (ARC) per node, a consistent-hash
// ClientRouter over peer nodes with live-migration support, single-flight
// miss coalescing, and a probabilistic admission policy for values fetched
// across the network. Event-driven coordination (invalidation, migration
// control) runs over Pub/Sub, same as the rest of this codebase.
//
// Design choices:
//   - Arc uses container/list + a mutex for its four lists (T1/T2 resident,
//     B1/B2 ghost), the same data-structure choice the original L1Cache made
//     for its LRU list, generalized to ARC's adaptive target size.
//   - Cross-node fetch coalescing runs on golang.org/x/sync/singleflight so a
//     thundering herd of local misses for the same key only crosses the wire
//     once.
//   - The wire protocol (cachemanager/peerproto) carries an optional SipHash
//     signature header so peers in a shared deployment can authenticate each
//     other without a full TLS handshake.
//
// Production optimization notes:
//   - For very large node counts, GetMulti/SetMulti's per-owner goroutine
//     fan-out bounds parallelism to len(buckets); a worker-pool cap could be
//     added if cluster size grows past what's comfortable for the default
//     unbounded fan-out.
//   - Outstanding async fetches are not bounded; Config has no queue-depth
//     setting.
package cachemanager

import (
	"context"
	"errors"
	"sync"
	"time"

	"encore.app/cache-manager/peerproto"
	"encore.app/monitoring"
	"encore.app/pkg/utils"
)

// Service implements the distributed cache with ARC storage and
// consistent-hash peer routing.
//encore:service
type Service struct {
	arc       *Arc
	router    *ClientRouter
	coord     *FetchCoordinator
	admission *AdmissionPolicy
	expirer   Expirer
	pool      *ConnPool
	mux       *IoMux
	driver    *PeerFetchDriver

	metrics  *Metrics
	config   Config
	stopChan chan struct{}
	wg       sync.WaitGroup
}

// Config holds runtime configuration for the cache manager.
type Config struct {
	SelfNode             string        // this node's name on the ring
	Peers                []string      // all node names, including SelfNode
	PeerAddr             map[string]string
	CacheCapacityBytes   int           // Arc's total T1+T2 byte budget
	ExpireTime           time.Duration // default TTL armed after a fetch completes
	LazyExpiration       bool          // if true, expiration is checked on read instead of scheduled
	ForceCaching         bool          // bypass the 1-in-10 remote admission sampling
	UsePersistentStorage bool          // not read: Storage is consulted on every local miss
	TCPTimeout           time.Duration
	UseRandomNode        bool // fail over to a random node when the owner's address does not resolve
	AuthSecret           [16]byte
}

// DefaultConfig returns a single-node configuration with no peers, suitable
// for local development and unit tests.
func DefaultConfig() Config {
	return Config{
		SelfNode:           "local",
		Peers:              []string{"local"},
		PeerAddr:           map[string]string{},
		CacheCapacityBytes: 64 << 20,
		ExpireTime:         1 * time.Hour,
		LazyExpiration:     false,
		ForceCaching:       false,
		TCPTimeout:         5 * time.Second,
		UseRandomNode:      false,
	}
}

// Storage/VolatileStore injection, mirroring the teacher's
// SetL2Cache/SetOriginFetcher pattern (cache-manager/service.go before
// adaptation) generalized to Storage/VolatileStore.

// SetStorage installs the persistent backing store consulted on a local
// miss once the volatile store has nothing. Defaults to a no-op store that
// always misses.
func (s *Service) SetStorage(storage Storage) {
	s.coord.storage = storage
}

// SetVolatileStore installs the fast local-path store consulted before
// Storage. Defaults to an in-memory map.
func (s *Service) SetVolatileStore(v VolatileStore) {
	s.coord.volatile = v
}

// Router exposes this node's ClientRouter, for callers (e.g. the client
// package, or a warming job on the same node) that need to issue requests
// against the same topology the service itself routes against.
func (s *Service) Router() *ClientRouter { return s.router }

// Arc exposes this node's Arc, the handle needed to construct ASYNC
// CacheEntry values for a streaming client.
func (s *Service) Arc() *Arc { return s.arc }

// Coordinator exposes this node's FetchCoordinator, so a client built with
// client.NewWithStreaming can drive the real single-flight/streaming fetch
// path instead of a synchronous-only Get.
func (s *Service) Coordinator() *FetchCoordinator { return s.coord }

// Metrics tracks cache performance counters, extended from the teacher's
// Hits/Misses/Sets/Deletes/Evictions with the fetch-path breakdown
// FetchCoordinator.Counters tracks internally.
type Metrics struct {
	mu sync.Mutex
	hits, sets, deletes, evictions int64
}

func (m *Metrics) addHit()       { m.mu.Lock(); m.hits++; m.mu.Unlock() }
func (m *Metrics) addSet()       { m.mu.Lock(); m.sets++; m.mu.Unlock() }
func (m *Metrics) addDelete(n int) { m.mu.Lock(); m.deletes += int64(n); m.mu.Unlock() }
func (m *Metrics) addEviction(n int) { m.mu.Lock(); m.evictions += int64(n); m.mu.Unlock() }

func (m *Metrics) snapshot() (hits, sets, deletes, evictions int64) {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.hits, m.sets, m.deletes, m.evictions
}

// Request/response types for API endpoints.

type GetResponse struct {
	Value     []byte `json:"value"`
	Hit       bool   `json:"hit"`
	Source    string `json:"source"` // "local", "remote", "storage"
}

type SetRequest struct {
	Value []byte `json:"value"`
	TTL   int    `json:"ttl"` // seconds, 0 means default
}

type SetResponse struct {
	Success bool `json:"success"`
}

type EvictRequest struct {
	Keys    []string `json:"keys,omitempty"`
	Pattern string   `json:"pattern,omitempty"`
}

type EvictResponse struct {
	Evicted int  `json:"evicted"`
	Success bool `json:"success"`
}

type MigrateRequest struct {
	Nodes []string `json:"nodes"`
}

type MigrateResponse struct {
	Success bool `json:"success"`
}

type MetricsResponse struct {
	Hits      int64 `json:"hits"`
	Misses    int64 `json:"misses"`
	Sets      int64 `json:"sets"`
	Deletes   int64 `json:"deletes"`
	Evictions int64 `json:"evictions"`
	Size      int   `json:"size"`
	RemoteFetch int64 `json:"remote_fetch"`
	LocalFetch  int64 `json:"local_fetch"`
	NotFound    int64 `json:"not_found"`
	Errors      int64 `json:"errors"`
	AdmissionDrop int64 `json:"admission_drop"`
}

var (
	svc  *Service
	once sync.Once
)

// initService initializes the cache manager with default single-node
// configuration. Called automatically by Encore at startup.
func initService() (*Service, error) {
	var err error
	once.Do(func() {
		svc, err = newService(DefaultConfig())
		if err != nil {
			return
		}
	})
	return svc, err
}

func newService(config Config) (*Service, error) {
	if config.SelfNode == "" {
		return nil, errors.New("cachemanager: SelfNode must be set")
	}

	pool := NewConnPool(8, config.TCPTimeout)
	mux := NewIoMux()

	arc := NewArc(config.CacheCapacityBytes)
	expirer := NewTimerExpirer()
	arc.SetExpirer(expirer)

	var signer *peerproto.Signer
	sigMode := peerproto.SigModeNone
	if config.AuthSecret != ([16]byte{}) {
		signer = peerproto.NewSigner(config.AuthSecret)
		sigMode = peerproto.SigModeSip
	}

	addrOf := func(node string) string { return config.PeerAddr[node] }
	driver := NewPeerFetchDriver(pool, mux, signer, sigMode)
	router := NewClientRouter(config.SelfNode, config.Peers, addrOf, driver)
	router.UseRandomNode(config.UseRandomNode)

	admission := NewAdmissionPolicy(time.Now().UnixNano())
	admission.SetForceCaching(config.ForceCaching)

	var storage Storage = NewNoopStorage()
	volatile := NewMemVolatileStore()

	coord := NewFetchCoordinator(router, volatile, storage, expirer, admission, config.ExpireTime, config.LazyExpiration)

	s := &Service{
		arc:       arc,
		router:    router,
		coord:     coord,
		admission: admission,
		expirer:   expirer,
		pool:      pool,
		mux:       mux,
		driver:    driver,
		metrics:   &Metrics{},
		config:    config,
		stopChan:  make(chan struct{}),
	}

	arc.SetEvictCallback(func(key string) {
		s.metrics.addEviction(1)
	})

	s.wg.Add(1)
	go func() {
		defer s.wg.Done()
		s.mux.Run(s.stopChan)
	}()

	return s, nil
}

// Get retrieves a value, checking Arc first and falling back to
// FetchCoordinator on a miss (local storage or remote peer, per ownership).
//encore:api public method=GET path=/api/cache/:key
func Get(ctx context.Context, key string) (*GetResponse, error) {
	if svc == nil {
		return nil, errors.New("service not initialized")
	}
	return svc.Get(ctx, key)
}

func (s *Service) Get(ctx context.Context, key string) (*GetResponse, error) {
	if key == "" {
		return nil, ErrArgumentInvalid
	}
	kb := []byte(key)
	start := time.Now()

	if entry := s.arc.Lookup(kb); entry != nil {
		if s.config.LazyExpiration && s.coord.lazyTTL.IsExpired(entry, time.Now()) {
			s.arc.Remove(kb)
		} else {
			entry.lock.Lock()
			complete := entry.flags.has(flagCOMPLETE)
			data := entry.data
			entry.lock.Unlock()
			if complete {
				s.metrics.addHit()
				s.publishCacheMetric("get", key, true, time.Since(start), len(data))
				return &GetResponse{Value: data, Hit: true, Source: "local"}, nil
			}
		}
	}

	entry, _ := s.arc.GetOrCreate(kb, false)
	n, outcome, err := s.coord.Fetch(entry)
	if err != nil {
		if errors.Is(err, ErrNotFound) {
			s.publishCacheMetric("get", key, false, time.Since(start), 0)
			return &GetResponse{Hit: false}, nil
		}
		return nil, err
	}

	entry.lock.Lock()
	data := entry.data[:n]
	entry.lock.Unlock()

	source := "storage"
	if outcome == OutcomeRemoteHit || outcome == OutcomeDropAfterRead {
		source = "remote"
	}
	s.publishCacheMetric("get", key, true, time.Since(start), len(data))
	return &GetResponse{Value: data, Hit: true, Source: source}, nil
}

// Set stores a value, writing through to the owning peer if this node isn't
// the owner.
//encore:api public method=PUT path=/api/cache/:key
func Set(ctx context.Context, key string, req *SetRequest) (*SetResponse, error) {
	if svc == nil {
		return nil, errors.New("service not initialized")
	}
	return svc.Set(ctx, key, req)
}

func (s *Service) Set(ctx context.Context, key string, req *SetRequest) (*SetResponse, error) {
	if key == "" {
		return nil, ErrArgumentInvalid
	}
	kb := []byte(key)
	start := time.Now()

	if !s.router.IsLocal(kb) {
		owner := s.router.Owner(kb)
		if err := s.driver.SetSync(s.config.PeerAddr[owner], kb, req.Value); err != nil {
			return nil, err
		}
		s.metrics.addSet()
		s.publishCacheMetric("set", key, true, time.Since(start), len(req.Value))
		return &SetResponse{Success: true}, nil
	}

	ttl := s.config.ExpireTime
	if req.TTL > 0 {
		ttl = time.Duration(req.TTL) * time.Second
	}

	entry, _ := s.arc.GetOrCreate(kb, false)
	entry.lock.Lock()
	entry.data = req.Value
	entry.ts = time.Now()
	entry.flags |= flagCOMPLETE
	if ttl > 0 {
		entry.expiresAt = time.Now().Add(ttl)
	}
	entry.lock.Unlock()
	s.arc.UpdateSize(entry, len(req.Value))

	if ttl > 0 && !s.config.LazyExpiration {
		s.expirer.Schedule(key, ttl, func(k string) {
			s.arc.Remove([]byte(k))
		})
	}

	s.metrics.addSet()
	s.publishCacheMetric("set", key, true, time.Since(start), len(req.Value))
	return &SetResponse{Success: true}, nil
}

// publishCacheMetric reports a cache operation to monitoring so the
// aggregator and alert manager see live traffic from this node. Publishing
// happens off the request path: a slow or unavailable monitoring broker
// should never add latency to a cache hit.
func (s *Service) publishCacheMetric(operation, key string, hit bool, latency time.Duration, size int) {
	event := &monitoring.CacheMetricEvent{
		Operation: operation,
		Key:       key,
		Hit:       hit,
		Latency:   float64(latency.Microseconds()) / 1000.0,
		Size:      size,
		Timestamp: time.Now(),
		Instance:  s.config.SelfNode,
	}
	go func() {
		_, _ = monitoring.CacheMetricsTopic.Publish(context.Background(), event)
	}()
}

// Evict removes keys (or a glob pattern of keys) from the local Arc and
// publishes an invalidation event so peers drop their copies too.
//encore:api public method=POST path=/api/cache/evict
func Evict(ctx context.Context, req *EvictRequest) (*EvictResponse, error) {
	if svc == nil {
		return nil, errors.New("service not initialized")
	}
	return svc.Evict(ctx, req)
}

func (s *Service) Evict(ctx context.Context, req *EvictRequest) (*EvictResponse, error) {
	count := 0
	for _, key := range req.Keys {
		s.arc.Remove([]byte(key))
		count++
	}
	if req.Pattern != "" {
		count += s.arc.RemovePattern(func(key string) bool {
			ok, err := utils.MatchPattern(req.Pattern, key)
			return err == nil && ok
		})
	}
	s.metrics.addDelete(count)

	if count > 0 {
		_ = s.PublishInvalidation(ctx, req.Keys, req.Pattern)
	}

	return &EvictResponse{Evicted: count, Success: true}, nil
}

// MigrateBegin starts a live migration to a new node set.
//encore:api public method=POST path=/api/cache/migrate/begin
func MigrateBegin(ctx context.Context, req *MigrateRequest) (*MigrateResponse, error) {
	if svc == nil {
		return nil, errors.New("service not initialized")
	}
	svc.router.MigrationBegin(req.Nodes)
	_, _ = MigrationTopic.Publish(ctx, &MigrationEvent{Action: "begin", Nodes: req.Nodes, Timestamp: time.Now()})
	return &MigrateResponse{Success: true}, nil
}

// MigrateAbort cancels an in-progress migration.
//encore:api public method=POST path=/api/cache/migrate/abort
func MigrateAbort(ctx context.Context) (*MigrateResponse, error) {
	if svc == nil {
		return nil, errors.New("service not initialized")
	}
	svc.router.MigrationAbort()
	_, _ = MigrationTopic.Publish(ctx, &MigrationEvent{Action: "abort", Timestamp: time.Now()})
	return &MigrateResponse{Success: true}, nil
}

// GetMetrics returns current cache performance metrics.
//encore:api public method=GET path=/api/cache/metrics
func GetMetrics(ctx context.Context) (*MetricsResponse, error) {
	if svc == nil {
		return nil, errors.New("service not initialized")
	}
	return svc.GetMetrics(ctx)
}

func (s *Service) GetMetrics(ctx context.Context) (*MetricsResponse, error) {
	hits, sets, deletes, evictions := s.metrics.snapshot()
	return &MetricsResponse{
		Hits:          hits,
		Misses:        s.coord.counters.Misses,
		Sets:          sets,
		Deletes:       deletes,
		Evictions:     evictions,
		Size:          s.arc.Len(),
		RemoteFetch:   s.coord.counters.RemoteFetch,
		LocalFetch:    s.coord.counters.LocalFetch,
		NotFound:      s.coord.counters.NotFound,
		Errors:        s.coord.counters.Errors,
		AdmissionDrop: s.coord.counters.AdmissionDrop,
	}, nil
}

// Shutdown gracefully stops the service, closing peer connections.
func (s *Service) Shutdown() {
	close(s.stopChan)
	s.mux.Close()
	s.pool.CloseAll()
	s.wg.Wait()
}
