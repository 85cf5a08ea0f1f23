package cachemanager

import (
	"bufio"
	"io"
	"net"
	"time"

	"encore.app/cache-manager/peerproto"
)

// PeerFetchDriver performs the actual network exchange with a peer node on
// behalf of FetchCoordinator, in either synchronous (block for the whole
// response) or asynchronous (stream chunks to the entry's listeners) mode.
// Grounded on arc_ops.c's arc_ops_fetch_from_peer / arc_ops_fetch_from_peer_async_cb.
type PeerFetchDriver struct {
	pool   *ConnPool
	mux    *IoMux
	signer *peerproto.Signer
	sigMode peerproto.SigMode
}

// NewPeerFetchDriver wires a driver over the given connection pool and
// multiplexer, with an optional signer for the wire signature header.
func NewPeerFetchDriver(pool *ConnPool, mux *IoMux, signer *peerproto.Signer, sigMode peerproto.SigMode) *PeerFetchDriver {
	return &PeerFetchDriver{pool: pool, mux: mux, signer: signer, sigMode: sigMode}
}

// FetchSync borrows a connection to addr, sends a GET for key, and blocks
// for the complete response. On success, and on a not-found or error
// response from the peer, the connection goes back to the pool; on a dial,
// write or read failure it is discarded.
func (d *PeerFetchDriver) FetchSync(addr string, key []byte) ([]byte, error) {
	conn, err := d.pool.Get(addr)
	if err != nil {
		return nil, ErrNetworkUnavailable
	}

	if err := peerproto.WriteMessage(conn, d.signer, d.sigMode, peerproto.OpGet, []peerproto.Record{{Data: key}}); err != nil {
		d.pool.Discard(conn)
		return nil, ErrNetworkUnavailable
	}

	msg, err := peerproto.ReadMessage(conn, d.signer)
	if err != nil {
		d.pool.Discard(conn)
		if err == io.EOF {
			return nil, ErrNetworkUnavailable
		}
		return nil, ErrNetworkUnavailable
	}

	switch msg.Op {
	case peerproto.OpResponseNotFound:
		d.pool.Put(addr, conn)
		return nil, ErrNotFound
	case peerproto.OpResponseError:
		d.pool.Put(addr, conn)
		return nil, ErrPeerRefused
	}

	d.pool.Put(addr, conn)
	var out []byte
	for _, r := range msg.Records {
		out = append(out, r.Data...)
	}
	return out, nil
}

// SetSync borrows a connection to addr and sends a SET for key/value,
// blocking for the peer's acknowledgement.
func (d *PeerFetchDriver) SetSync(addr string, key, value []byte) error {
	conn, err := d.pool.Get(addr)
	if err != nil {
		return ErrNetworkUnavailable
	}

	records := []peerproto.Record{{Data: key}, {Data: value}}
	if err := peerproto.WriteMessage(conn, d.signer, d.sigMode, peerproto.OpSet, records); err != nil {
		d.pool.Discard(conn)
		return ErrNetworkUnavailable
	}

	msg, err := peerproto.ReadMessage(conn, d.signer)
	if err != nil {
		d.pool.Discard(conn)
		return ErrNetworkUnavailable
	}

	d.pool.Put(addr, conn)
	if msg.Op == peerproto.OpResponseError {
		return ErrPeerRefused
	}
	return nil
}

// FetchAsync registers conn with the shared IoMux so response chunks stream
// to entry's listeners as they arrive, instead of blocking the caller. The
// critical ordering, transcribed from the C comment in
// arc_ops_fetch_from_peer_async_cb, is that the connection must be detached
// from the multiplexer (IoMux.Remove) BEFORE it's returned to the pool —
// returning it first would let another goroutine re-borrow and write to a
// socket the multiplexer is still reading from.
func (d *PeerFetchDriver) FetchAsync(addr string, key []byte, entry *CacheEntry, done func(err error)) error {
	conn, err := d.pool.Get(addr)
	if err != nil {
		return ErrNetworkUnavailable
	}

	if err := peerproto.WriteMessage(conn, d.signer, d.sigMode, peerproto.OpGet, []peerproto.Record{{Data: key}}); err != nil {
		d.pool.Discard(conn)
		return ErrNetworkUnavailable
	}

	state := &asyncFetchState{driver: d, addr: addr, entry: entry, done: done}
	d.mux.Add(conn, state.onData, state.onError)
	return nil
}

// asyncFetchState accumulates the framing for one in-flight async response
// across however many TCP reads it takes to arrive.
type asyncFetchState struct {
	driver *PeerFetchDriver
	addr   string
	entry  *CacheEntry
	done   func(err error)

	buf []byte
}

func (s *asyncFetchState) onData(conn net.Conn, data []byte) bool {
	s.buf = append(s.buf, data...)
	msg, rest, ok := tryDecode(s.buf)
	if !ok {
		return true // need more data
	}
	s.buf = rest

	s.driver.mux.Remove(conn) // detach from mux first
	s.driver.pool.Put(s.addr, conn)

	switch msg.Op {
	case peerproto.OpResponseNotFound:
		// Not found is a zero-length completion, not a listener error — see
		// FetchCoordinator.completeEmpty for the same rule on the local path.
		s.entry.lock.Lock()
		s.entry.data = nil
		s.entry.notifyComplete()
		s.entry.lock.Unlock()
		s.done(ErrNotFound)
	case peerproto.OpResponseError:
		s.entry.lock.Lock()
		s.entry.notifyError()
		s.entry.lock.Unlock()
		s.done(ErrPeerRefused)
	default:
		s.entry.lock.Lock()
		s.entry.ts = time.Now()
		for _, r := range msg.Records {
			s.entry.data = append(s.entry.data, r.Data...)
			s.entry.notifyChunk(r.Data)
		}
		s.entry.flags |= flagCOMPLETE
		s.entry.notifyComplete()
		s.entry.lock.Unlock()
		s.done(nil)
	}
	return false
}

func (s *asyncFetchState) onError(conn net.Conn, err error) {
	s.driver.mux.Remove(conn) // detach before discarding, same ordering rule
	s.driver.pool.Discard(conn)
	s.entry.lock.Lock()
	s.entry.notifyError()
	s.entry.lock.Unlock()
	s.done(ErrNetworkUnavailable)
}

// tryDecode attempts to parse one complete peerproto message out of buf,
// returning the message, the unconsumed remainder, and whether a full
// message was present. A partial message (incomplete read) reports ok=false.
// Assumes one message per TCP segment sequence with no pipelining on a given
// async connection, which holds for the GET-only async fetch path driven here.
func tryDecode(buf []byte) (*peerproto.Message, []byte, bool) {
	r := &countingReader{data: buf}
	br := bufio.NewReader(r) // ReadMessage reuses br instead of wrapping it again
	msg, err := peerproto.ReadMessage(br, nil)
	if err != nil {
		return nil, buf, false
	}
	// br may have read past the end of the message; what it still buffers
	// was not consumed.
	return msg, buf[r.pos-br.Buffered():], true
}

// countingReader records how many bytes were pulled from buf, so tryDecode
// can work out how many ReadMessage actually consumed and leftover bytes
// (the start of the next message) aren't lost.
type countingReader struct {
	data []byte
	pos  int
}

func (r *countingReader) Read(p []byte) (int, error) {
	if r.pos >= len(r.data) {
		return 0, io.EOF
	}
	n := copy(p, r.data[r.pos:])
	r.pos += n
	return n, nil
}

// DialTimeout exposes the pool's configured timeout for callers (e.g. router
// failover logic) that need to reason about connect latency budget.
func (d *PeerFetchDriver) DialTimeout() time.Duration {
	return d.pool.Timeout()
}
