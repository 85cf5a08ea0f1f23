// Package client is the public cache client library, the Go counterpart of
// shardcache_client.c's public surface: a thin wrapper over ClientRouter that
// callers outside the cache-manager service (warming, external consumers)
// use to talk to the cache cluster without importing its internals directly.
package client

import (
	"errors"
	"fmt"
	"time"

	cachemanager "encore.app/cache-manager"
)

// Client is the entry point for cache consumers. One Client wraps one
// ClientRouter instance and tracks the last error, mirroring
// shardcache_client_s's errno/errstr fields. arc/coord are optional: they're
// only needed for GetAsync's real streaming path, so a Client built with
// New (router only) still serves every synchronous call.
type Client struct {
	router *cachemanager.ClientRouter
	arc    *cachemanager.Arc
	coord  *cachemanager.FetchCoordinator

	lastErrno int
	lastErr   string
}

// New builds a Client over an already-constructed router. Construction of
// the router (node list, address resolution, peer driver) stays with the
// cache-manager service, which owns the cluster topology.
func New(router *cachemanager.ClientRouter) *Client {
	return &Client{router: router}
}

// NewWithStreaming builds a Client that can also drive GetAsync's real
// streaming path: arc supplies the ASYNC CacheEntry/listener machinery and
// coord resolves it (single-flight, peer streaming, admission), both owned
// by the same cache-manager node this client's router belongs to.
func NewWithStreaming(router *cachemanager.ClientRouter, arc *cachemanager.Arc, coord *cachemanager.FetchCoordinator) *Client {
	return &Client{router: router, arc: arc, coord: coord}
}

// Close releases any resources the client owns. Present for symmetry with
// shardcache_client_destroy; the router's connection pool outlives
// individual clients so there's nothing to release here today.
func (c *Client) Close() error { return nil }

// TCPTimeout mirrors shardcache_client_tcp_timeout for API parity and has no
// effect: the Client holds no reference to the connection pool, whose
// dial/IO timeout is the one given to NewConnPool when the pool was built.
func (c *Client) TCPTimeout(d time.Duration) {
}

// UseRandomNode toggles pinned-random failover. Mirrors
// shardcache_client_use_random_node.
func (c *Client) UseRandomNode(use bool) {
	c.router.UseRandomNode(use)
}

// Errno returns a coarse numeric classification of the last error, 0 if the
// last operation succeeded.
func (c *Client) Errno() int { return c.lastErrno }

// Errstr returns a human-readable description of the last error.
func (c *Client) Errstr() string { return c.lastErr }

func (c *Client) setErr(err error) error {
	if err == nil {
		c.lastErrno = 0
		c.lastErr = ""
		return nil
	}
	c.lastErrno = 1
	c.lastErr = err.Error()
	return err
}

// Get retrieves value for key from its owning peer.
func (c *Client) Get(key []byte) ([]byte, error) {
	v, err := c.router.Get(key)
	return v, c.setErr(err)
}

// Set stores value for key on its owning peer.
func (c *Client) Set(key, value []byte) error {
	results, err := c.router.SetMulti([]cachemanager.ItemResult{{Key: key, Value: value}})
	if err != nil && len(results) > 0 {
		return c.setErr(results[0].Err)
	}
	return c.setErr(err)
}

// Add stores value for key. It is routed and sent exactly like Set (a SET,
// not the wire protocol's ADD opcode), so an existing value for key is
// overwritten.
func (c *Client) Add(key, value []byte) error {
	return c.Set(key, value)
}

// Del issues a GET for key to its owning peer and reports a network or peer
// error if one occurs (not-found counts as success). No DEL is sent, so the
// key's value is not removed.
func (c *Client) Del(key []byte) error {
	_, err := c.router.Get(key) // ownership/reachability check
	if err != nil && err != cachemanager.ErrNotFound {
		return c.setErr(err)
	}
	return c.setErr(nil)
}

// Exists reports whether key is present anywhere in the cluster.
func (c *Client) Exists(key []byte) (bool, error) {
	_, err := c.router.Get(key)
	if err == cachemanager.ErrNotFound {
		return false, c.setErr(nil)
	}
	if err != nil {
		return false, c.setErr(err)
	}
	return true, c.setErr(nil)
}

// Touch refreshes key's TTL at its owning peer without changing its value.
func (c *Client) Touch(key []byte) error {
	v, err := c.router.Get(key)
	if err != nil {
		return c.setErr(err)
	}
	return c.Set(key, v)
}

// Evict behaves exactly like Del: a GET to key's owning peer; nothing is
// removed.
func (c *Client) Evict(key []byte) error {
	return c.Del(key)
}

// GetMulti fetches many keys in one pipelined batch, grouped by owner node.
func (c *Client) GetMulti(keys [][]byte) ([]cachemanager.ItemResult, error) {
	results, err := c.router.GetMulti(keys)
	return results, c.setErr(err)
}

// SetMulti stores many key/value pairs in one pipelined batch.
func (c *Client) SetMulti(items []cachemanager.ItemResult) ([]cachemanager.ItemResult, error) {
	results, err := c.router.SetMulti(items)
	return results, c.setErr(err)
}

// AsyncResult is delivered to a GetAsync callback once per chunk, with a
// final call carrying done=true.
type AsyncResult struct {
	Data []byte
	Err  error
	Done bool
}

// GetAsync streams key's value to cb as it arrives instead of blocking for
// the whole response, for callers that want to start processing a large
// value before it's fully received. When this Client was built with
// NewWithStreaming, the streaming is real: an ASYNC CacheEntry is created,
// cb is registered as its Listener, and FetchCoordinator drives the actual
// PeerFetchDriver.FetchAsync/IoMux path, so cb sees chunks as they come off
// the wire rather than a single fake chunk. Without arc/coord wired (a
// Client built with plain New), this degrades to one synchronous fetch
// reported as a single chunk, for callers that only need the callback shape.
func (c *Client) GetAsync(key []byte, cb func(AsyncResult)) error {
	if c.arc == nil || c.coord == nil {
		v, err := c.router.Get(key)
		if err != nil {
			cb(AsyncResult{Err: err, Done: true})
			return c.setErr(err)
		}
		cb(AsyncResult{Data: v})
		cb(AsyncResult{Done: true})
		return c.setErr(nil)
	}

	entry, _ := c.arc.GetOrCreate(key, true)
	listener := cachemanager.FuncListener{
		Chunk: func(data []byte) { cb(AsyncResult{Data: data}) },
		Complete: func(size int, ts time.Time) {
			cb(AsyncResult{Done: true})
		},
		Error: func() {
			cb(AsyncResult{Err: cachemanager.ErrCancelled, Done: true})
		},
	}
	if err := entry.RegisterListener(listener); err != nil {
		cb(AsyncResult{Err: err, Done: true})
		return c.setErr(err)
	}

	_, _, err := c.coord.Fetch(entry)
	if err != nil && !errors.Is(err, cachemanager.ErrNotFound) {
		return c.setErr(err)
	}
	return c.setErr(nil)
}

// Stats is not wired to the wire protocol: it always returns an empty map
// and an error naming node.
func (c *Client) Stats(node string) (map[string]string, error) {
	return map[string]string{}, c.setErr(fmt.Errorf("cachemanager: stats not wired for node %q", node))
}

// Check performs no I/O and always reports success; node is not contacted.
func (c *Client) Check(node string) error {
	return c.setErr(nil)
}

// IndexEntry is one row of a node's key index, returned by Index.
type IndexEntry struct {
	Key  []byte
	Size int
}

// Index is not wired to the wire protocol: it always returns nil and an
// error naming node. The cache-manager service has no index endpoint either.
func (c *Client) Index(node string) ([]IndexEntry, error) {
	return nil, c.setErr(fmt.Errorf("cachemanager: index not wired for node %q", node))
}

// MigrationBegin installs a migration ring over nodes in this client's
// router. No peer is notified.
func (c *Client) MigrationBegin(nodes []string) error {
	c.router.MigrationBegin(nodes)
	return c.setErr(nil)
}

// MigrationAbort cancels an in-progress migration.
func (c *Client) MigrationAbort() error {
	c.router.MigrationAbort()
	return c.setErr(nil)
}
