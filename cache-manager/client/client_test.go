package client

import (
	"net"
	"sync"
	"testing"
	"time"

	cachemanager "encore.app/cache-manager"
	"encore.app/cache-manager/peerproto"
)

// fakePeer is a minimal GET-only peer server standing in for a real
// cache-manager node, enough to drive NewWithStreaming's real FetchAsync path
// end to end without spinning up a second full Service.
type fakePeer struct {
	ln net.Listener

	mu       sync.Mutex
	requests int
}

func newFakePeer(t *testing.T, body []byte, delay time.Duration) *fakePeer {
	t.Helper()
	ln, err := net.Listen("tcp", "127.0.0.1:0")
	if err != nil {
		t.Fatalf("listen: %v", err)
	}
	p := &fakePeer{ln: ln}
	go func() {
		for {
			conn, err := ln.Accept()
			if err != nil {
				return
			}
			go p.handle(conn, body, delay)
		}
	}()
	return p
}

func (p *fakePeer) handle(conn net.Conn, body []byte, delay time.Duration) {
	defer conn.Close()
	if _, err := peerproto.ReadMessage(conn, nil); err != nil {
		return
	}
	p.mu.Lock()
	p.requests++
	p.mu.Unlock()
	if delay > 0 {
		time.Sleep(delay)
	}
	peerproto.WriteMessage(conn, nil, peerproto.SigModeNone, peerproto.OpResponseOK, []peerproto.Record{{Data: body}})
}

func (p *fakePeer) addr() string { return p.ln.Addr().String() }

func (p *fakePeer) count() int {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.requests
}

func (p *fakePeer) close() { p.ln.Close() }

// newStreamingClient wires a Client against a single remote node at addr,
// the same set of pieces cache-manager's own newService assembles, so
// GetAsync exercises FetchCoordinator/PeerFetchDriver/IoMux for real instead
// of the router.Get fallback used when arc/coord aren't supplied.
func newStreamingClient(t *testing.T, addr string) (*Client, func()) {
	t.Helper()
	pool := cachemanager.NewConnPool(8, 2*time.Second)
	mux := cachemanager.NewIoMux()
	stop := make(chan struct{})
	go mux.Run(stop)

	driver := cachemanager.NewPeerFetchDriver(pool, mux, nil, peerproto.SigModeNone)
	router := cachemanager.NewClientRouter("local", []string{"peer"}, func(string) string { return addr }, driver)

	admission := cachemanager.NewAdmissionPolicy(1)
	admission.SetForceCaching(true)
	expirer := cachemanager.NewTimerExpirer()
	arc := cachemanager.NewArc(1 << 20)
	arc.SetExpirer(expirer)
	coord := cachemanager.NewFetchCoordinator(router, cachemanager.NewMemVolatileStore(), cachemanager.NewNoopStorage(), expirer, admission, time.Hour, false)

	return NewWithStreaming(router, arc, coord), func() { close(stop) }
}

func TestClient_GetAsync_StreamsRealData(t *testing.T) {
	peer := newFakePeer(t, []byte("streamed-value"), 0)
	defer peer.close()

	c, stop := newStreamingClient(t, peer.addr())
	defer stop()

	var mu sync.Mutex
	var got []byte
	done := make(chan error, 1)
	err := c.GetAsync([]byte("k1"), func(r AsyncResult) {
		if r.Done {
			done <- r.Err
			return
		}
		mu.Lock()
		got = append(got, r.Data...)
		mu.Unlock()
	})
	if err != nil {
		t.Fatalf("GetAsync: %v", err)
	}

	select {
	case err := <-done:
		if err != nil {
			t.Fatalf("async callback reported error: %v", err)
		}
	case <-time.After(2 * time.Second):
		t.Fatal("timed out waiting for GetAsync completion")
	}

	mu.Lock()
	defer mu.Unlock()
	if string(got) != "streamed-value" {
		t.Errorf("expected streamed value %q, got %q", "streamed-value", got)
	}
}

// TestClient_GetAsync_SingleFlight is spec.md §8 E2E scenario 1 driven
// through the public client API: many concurrent GetAsync calls for the same
// unresident key must coalesce into exactly one outbound peer request, with
// every caller's callback observing the complete stream.
func TestClient_GetAsync_SingleFlight(t *testing.T) {
	const n = 50
	payload := []byte("fan-out-payload")
	peer := newFakePeer(t, payload, 30*time.Millisecond)
	defer peer.close()

	c, stop := newStreamingClient(t, peer.addr())
	defer stop()

	var wg sync.WaitGroup
	results := make([][]byte, n)
	errs := make([]error, n)
	for i := 0; i < n; i++ {
		i := i
		wg.Add(1)
		go func() {
			defer wg.Done()
			done := make(chan struct{})
			var buf []byte
			err := c.GetAsync([]byte("shared"), func(r AsyncResult) {
				if r.Done {
					errs[i] = r.Err
					close(done)
					return
				}
				buf = append(buf, r.Data...)
			})
			if err != nil {
				errs[i] = err
				close(done)
				return
			}
			<-done
			results[i] = buf
		}()
	}
	wg.Wait()

	if got := peer.count(); got != 1 {
		t.Errorf("expected exactly one outbound peer request, got %d", got)
	}
	for i := 0; i < n; i++ {
		if errs[i] != nil {
			t.Errorf("caller %d got error: %v", i, errs[i])
		}
		if string(results[i]) != string(payload) {
			t.Errorf("caller %d saw %q, want %q", i, results[i], payload)
		}
	}
}

func TestClient_GetAsync_NotFound(t *testing.T) {
	ln, err := net.Listen("tcp", "127.0.0.1:0")
	if err != nil {
		t.Fatalf("listen: %v", err)
	}
	defer ln.Close()
	go func() {
		conn, err := ln.Accept()
		if err != nil {
			return
		}
		defer conn.Close()
		peerproto.ReadMessage(conn, nil)
		peerproto.WriteMessage(conn, nil, peerproto.SigModeNone, peerproto.OpResponseNotFound, nil)
	}()

	c, stop := newStreamingClient(t, ln.Addr().String())
	defer stop()

	done := make(chan AsyncResult, 1)
	err = c.GetAsync([]byte("missing"), func(r AsyncResult) {
		if r.Done {
			done <- r
		}
	})
	if err != nil {
		t.Fatalf("GetAsync: %v", err)
	}

	select {
	case r := <-done:
		if r.Err != nil {
			t.Errorf("expected a zero-length completion, not an error callback: %v", r.Err)
		}
	case <-time.After(2 * time.Second):
		t.Fatal("timed out waiting for GetAsync completion")
	}
}

// TestClient_GetAsync_WithoutStreaming_Fallback pins the documented
// degraded behavior for a Client built with plain New: GetAsync still works,
// reporting one synchronous fetch as a single chunk.
func TestClient_GetAsync_WithoutStreaming_Fallback(t *testing.T) {
	peer := newFakePeer(t, []byte("fallback-value"), 0)
	defer peer.close()

	pool := cachemanager.NewConnPool(4, 2*time.Second)
	driver := cachemanager.NewPeerFetchDriver(pool, cachemanager.NewIoMux(), nil, peerproto.SigModeNone)
	router := cachemanager.NewClientRouter("local", []string{"peer"}, func(string) string { return peer.addr() }, driver)

	c := New(router)

	var chunks [][]byte
	doneCount := 0
	err := c.GetAsync([]byte("k1"), func(r AsyncResult) {
		if r.Done {
			doneCount++
			return
		}
		chunks = append(chunks, r.Data)
	})
	if err != nil {
		t.Fatalf("GetAsync: %v", err)
	}
	if doneCount != 1 || len(chunks) != 1 || string(chunks[0]) != "fallback-value" {
		t.Errorf("expected a single fake chunk + single done, got chunks=%v done=%d", chunks, doneCount)
	}
}
