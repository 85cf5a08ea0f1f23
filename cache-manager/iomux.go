package cachemanager

import (
	"net"
	"sync"
	"time"
)

// IoMux fans read-ready events from many connections through a single
// dispatch goroutine, so callback invocation is serialized the same way the
// C iomux_loop's single-threaded event loop serializes shc_multi_fetch_response
// and shc_multi_send_command callbacks. Each registered connection gets its
// own reader goroutine that blocks on Read and forwards chunks to the
// dispatcher; callbacks themselves all run on the dispatcher goroutine.
type IoMux struct {
	mu      sync.Mutex
	entries map[net.Conn]*ioMuxEntry
	events  chan ioMuxEvent
	done    chan struct{}
	once    sync.Once
}

type ioMuxEntry struct {
	conn    net.Conn
	onData  func(conn net.Conn, data []byte) bool // return false to stop reading
	onError func(conn net.Conn, err error)
	stop    chan struct{}
}

type ioMuxEvent struct {
	conn net.Conn
	data []byte
	err  error
}

// NewIoMux creates an empty multiplexer. Call Loop to start dispatching, and
// Close when done.
func NewIoMux() *IoMux {
	return &IoMux{
		entries: make(map[net.Conn]*ioMuxEntry),
		events:  make(chan ioMuxEvent, 64),
		done:    make(chan struct{}),
	}
}

// Add registers conn for reading. onData is invoked on the dispatcher
// goroutine for every chunk read; returning false from onData causes the
// connection to be removed from the mux (but not closed — ownership of the
// fd stays with the caller, matching the C comment that iomux_remove must
// precede returning the connection to the pool). onError fires once, after
// which the entry is automatically removed.
func (m *IoMux) Add(conn net.Conn, onData func(net.Conn, []byte) bool, onError func(net.Conn, error)) {
	e := &ioMuxEntry{conn: conn, onData: onData, onError: onError, stop: make(chan struct{})}
	m.mu.Lock()
	m.entries[conn] = e
	m.mu.Unlock()

	go m.readLoop(e)
}

func (m *IoMux) readLoop(e *ioMuxEntry) {
	buf := make([]byte, 4096)
	for {
		select {
		case <-e.stop:
			return
		default:
		}
		n, err := e.conn.Read(buf)
		if n > 0 {
			chunk := make([]byte, n)
			copy(chunk, buf[:n])
			select {
			case m.events <- ioMuxEvent{conn: e.conn, data: chunk}:
			case <-e.stop:
				return
			case <-m.done:
				return
			}
		}
		if err != nil {
			select {
			case m.events <- ioMuxEvent{conn: e.conn, err: err}:
			case <-e.stop:
			case <-m.done:
			}
			return
		}
	}
}

// Remove detaches conn from the mux without closing it. Must be called
// before the connection is returned to a ConnPool.
func (m *IoMux) Remove(conn net.Conn) {
	m.mu.Lock()
	e, ok := m.entries[conn]
	if ok {
		delete(m.entries, conn)
	}
	m.mu.Unlock()
	if ok {
		close(e.stop)
	}
}

// IsEmpty reports whether any connections remain registered.
func (m *IoMux) IsEmpty() bool {
	m.mu.Lock()
	defer m.mu.Unlock()
	return len(m.entries) == 0
}

// Loop dispatches events until every registered connection has been removed
// or timeout elapses, mirroring shardcache_client_multi's
// `struct timeval tv = {1, 0}; iomux_loop(iomux, &tv);`.
func (m *IoMux) Loop(timeout time.Duration) {
	deadline := time.After(timeout)
	for {
		if m.IsEmpty() {
			return
		}
		select {
		case ev := <-m.events:
			m.dispatch(ev)
		case <-deadline:
			return
		case <-m.done:
			return
		}
	}
}

func (m *IoMux) dispatch(ev ioMuxEvent) {
	m.mu.Lock()
	e, ok := m.entries[ev.conn]
	m.mu.Unlock()
	if !ok {
		return
	}
	if ev.err != nil {
		m.Remove(ev.conn)
		if e.onError != nil {
			e.onError(ev.conn, ev.err)
		}
		return
	}
	if !e.onData(ev.conn, ev.data) {
		m.Remove(ev.conn)
	}
}

// Run dispatches events until stop is closed or Close is called, the
// long-lived counterpart to Loop's one-shot batch use: arc_ops.c keeps a
// single cache->async_mux alive for the process's lifetime, serviced by a
// background worker, so that FetchAsync callbacks registered at any point
// are eventually delivered without every caller needing its own drive loop.
func (m *IoMux) Run(stop <-chan struct{}) {
	for {
		select {
		case ev := <-m.events:
			m.dispatch(ev)
		case <-stop:
			return
		case <-m.done:
			return
		}
	}
}

// Close stops the multiplexer and detaches all remaining connections.
func (m *IoMux) Close() {
	m.once.Do(func() {
		close(m.done)
	})
	m.mu.Lock()
	conns := make([]net.Conn, 0, len(m.entries))
	for c := range m.entries {
		conns = append(conns, c)
	}
	m.mu.Unlock()
	for _, c := range conns {
		m.Remove(c)
	}
}
