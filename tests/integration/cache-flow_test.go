package integration

import (
	"fmt"
	"net/http"
	"sync"
	"testing"
)

type cacheSetResponse struct {
	Success bool `json:"success"`
}

type cacheGetResponse struct {
	Value  []byte `json:"value"`
	Hit    bool   `json:"hit"`
	Source string `json:"source"` // "local", "remote", "storage"
}

type cacheEvictResponse struct {
	Evicted int  `json:"evicted"`
	Success bool `json:"success"`
}

type cacheMigrateResponse struct {
	Success bool `json:"success"`
}

type cacheMetricsResponse struct {
	Hits          int64 `json:"hits"`
	Misses        int64 `json:"misses"`
	Sets          int64 `json:"sets"`
	Deletes       int64 `json:"deletes"`
	Evictions     int64 `json:"evictions"`
	Size          int   `json:"size"`
	RemoteFetch   int64 `json:"remote_fetch"`
	LocalFetch    int64 `json:"local_fetch"`
	NotFound      int64 `json:"not_found"`
	Errors        int64 `json:"errors"`
	AdmissionDrop int64 `json:"admission_drop"`
}

func TestCacheManagerEndpoints(t *testing.T) {
	requireService(t)

	t.Run("PUT /api/cache/:key then GET", func(t *testing.T) {
		status, body := doJSON(t, http.MethodPut, "/api/cache/test:user:123", map[string]any{
			"value": []byte(`{"name":"John Doe","age":30}`),
			"ttl":   60,
		})
		assertStatusIn(t, status, 200)

		var setResp cacheSetResponse
		mustUnmarshalJSON(t, body, &setResp)
		if !setResp.Success {
			t.Fatalf("expected success=true")
		}

		status, body = doJSON(t, http.MethodGet, "/api/cache/test:user:123", nil)
		assertStatusIn(t, status, 200)

		var getResp cacheGetResponse
		mustUnmarshalJSON(t, body, &getResp)
		if !getResp.Hit {
			t.Fatalf("expected hit=true")
		}
		if getResp.Source != "local" {
			t.Fatalf("expected source=local for a key just written on this node, got %q", getResp.Source)
		}
		if len(getResp.Value) == 0 {
			t.Fatalf("expected value to be present")
		}
	})

	t.Run("GET miss on an unpopulated key is a 200 with hit=false", func(t *testing.T) {
		status, body := doJSON(t, http.MethodGet, "/api/cache/test:missing:key", nil)
		assertStatusIn(t, status, 200)

		var resp cacheGetResponse
		mustUnmarshalJSON(t, body, &resp)
		if resp.Hit {
			t.Fatalf("expected hit=false for a key with no storage/peer backing")
		}
	})

	t.Run("POST /api/cache/evict by exact key", func(t *testing.T) {
		status, _ := doJSON(t, http.MethodPut, "/api/cache/test:evict:1", map[string]any{"value": []byte("x")})
		assertStatusIn(t, status, 200)

		status, body := doJSON(t, http.MethodPost, "/api/cache/evict", map[string]any{
			"keys": []string{"test:evict:1"},
		})
		assertStatusIn(t, status, 200)

		var resp cacheEvictResponse
		mustUnmarshalJSON(t, body, &resp)
		if !resp.Success {
			t.Fatalf("expected success=true")
		}
		if resp.Evicted != 1 {
			t.Fatalf("expected evicted=1, got %d", resp.Evicted)
		}

		status, body = doJSON(t, http.MethodGet, "/api/cache/test:evict:1", nil)
		assertStatusIn(t, status, 200)
		var getResp cacheGetResponse
		mustUnmarshalJSON(t, body, &getResp)
		if getResp.Hit {
			t.Fatalf("expected evicted key to miss")
		}
	})

	t.Run("POST /api/cache/evict by pattern", func(t *testing.T) {
		for i := 0; i < 3; i++ {
			status, _ := doJSON(t, http.MethodPut, fmt.Sprintf("/api/cache/test:pattern:%d", i), map[string]any{"value": []byte("x")})
			assertStatusIn(t, status, 200)
		}

		status, body := doJSON(t, http.MethodPost, "/api/cache/evict", map[string]any{
			"pattern": "test:pattern:*",
		})
		assertStatusIn(t, status, 200)

		var resp cacheEvictResponse
		mustUnmarshalJSON(t, body, &resp)
		if !resp.Success {
			t.Fatalf("expected success=true")
		}
		if resp.Evicted < 3 {
			t.Fatalf("expected at least 3 keys evicted by pattern, got %d", resp.Evicted)
		}
	})

	// Exercises the FetchCoordinator single-flight path: many concurrent GETs
	// for the same unresident key must all observe a consistent result rather
	// than each triggering its own independent fetch.
	t.Run("concurrent GET on the same miss coalesces", func(t *testing.T) {
		const n = 20
		key := "test:singleflight:shared"

		var wg sync.WaitGroup
		results := make([]cacheGetResponse, n)
		statuses := make([]int, n)
		for i := 0; i < n; i++ {
			i := i
			wg.Add(1)
			go func() {
				defer wg.Done()
				status, body := doJSON(t, http.MethodGet, "/api/cache/"+key, nil)
				statuses[i] = status
				mustUnmarshalJSON(t, body, &results[i])
			}()
		}
		wg.Wait()

		for i, status := range statuses {
			assertStatusIn(t, status, 200)
			if results[i].Hit {
				t.Fatalf("caller %d: expected hit=false for a key with no storage/peer backing", i)
			}
		}
	})

	t.Run("GET /api/cache/metrics", func(t *testing.T) {
		status, body := doJSON(t, http.MethodGet, "/api/cache/metrics", nil)
		assertStatusIn(t, status, 200)

		var resp cacheMetricsResponse
		mustUnmarshalJSON(t, body, &resp)
		if resp.Hits < 0 || resp.Misses < 0 || resp.Sets < 0 {
			t.Fatalf("expected non-negative counters, got %+v", resp)
		}
		if resp.Size < 0 {
			t.Fatalf("expected non-negative size")
		}
	})
}

// TestCacheManagerMigration exercises the migration begin/abort endpoints
// backing ClientRouter's consistent-hash rebalancing (spec.md §5).
func TestCacheManagerMigration(t *testing.T) {
	requireService(t)

	status, _ := doJSON(t, http.MethodPut, "/api/cache/test:migrate:1", map[string]any{"value": []byte("x")})
	assertStatusIn(t, status, 200)

	t.Run("POST /api/cache/migrate/begin", func(t *testing.T) {
		status, body := doJSON(t, http.MethodPost, "/api/cache/migrate/begin", map[string]any{
			"nodes": []string{"node-a", "node-b"},
		})
		assertStatusIn(t, status, 200)

		var resp cacheMigrateResponse
		mustUnmarshalJSON(t, body, &resp)
		if !resp.Success {
			t.Fatalf("expected success=true")
		}
	})

	// A read during migration must still succeed, whether served from this
	// node's bucket or the new owner's.
	t.Run("GET during migration still resolves", func(t *testing.T) {
		status, _ := doJSON(t, http.MethodGet, "/api/cache/test:migrate:1", nil)
		assertStatusIn(t, status, 200)
	})

	t.Run("POST /api/cache/migrate/abort", func(t *testing.T) {
		status, body := doJSON(t, http.MethodPost, "/api/cache/migrate/abort", nil)
		assertStatusIn(t, status, 200)

		var resp cacheMigrateResponse
		mustUnmarshalJSON(t, body, &resp)
		if !resp.Success {
			t.Fatalf("expected success=true")
		}
	})
}
