// Package h3test provides an in-process fake Transport so the connection
// engine can be exercised without a real QUIC stack, the way net/http's
// own tests stand up an in-process client and server pair.
package h3test

import (
	"sort"
	"sync"

	"github.com/quic-go/h3/http3"
)

type streamBuf struct {
	data      []byte
	fin       bool
	reset     bool
	resetCode http3.ErrorCode
}

// FakeTransport implements http3.Transport over an in-memory byte pipe.
// Two FakeTransports are linked with NewPair: a StreamSend on one side
// appends to the peer's per-stream buffer, mirroring how a real QUIC
// implementation delivers bytes to the other endpoint.
type FakeTransport struct {
	mu sync.Mutex

	server bool
	peer   *FakeTransport

	incoming map[uint64]*streamBuf
	readable map[uint64]bool

	grease         bool
	dgram          bool
	maxStreamsBidi uint64
	collected      map[uint64]bool
	closed         bool
	closeCode      uint64
	closeReason    string
}

// NewPair returns a linked (client, server) FakeTransport pair.
func NewPair(dgram bool) (client, server *FakeTransport) {
	a := &FakeTransport{
		incoming:       make(map[uint64]*streamBuf),
		readable:       make(map[uint64]bool),
		collected:      make(map[uint64]bool),
		grease:         true,
		dgram:          dgram,
		maxStreamsBidi: 100,
	}
	b := &FakeTransport{
		incoming:       make(map[uint64]*streamBuf),
		readable:       make(map[uint64]bool),
		collected:      make(map[uint64]bool),
		grease:         true,
		dgram:          dgram,
		maxStreamsBidi: 100,
		server:         true,
	}
	a.peer = b
	b.peer = a
	return a, b
}

func (f *FakeTransport) IsServer() bool      { return f.server }
func (f *FakeTransport) IsEstablished() bool { return true }
func (f *FakeTransport) IsInEarlyData() bool { return false }
func (f *FakeTransport) DgramEnabled() bool  { return f.dgram }
func (f *FakeTransport) DgramMaxWritableLen() (uint64, bool) {
	return 1200, f.dgram
}
func (f *FakeTransport) Grease() bool { return f.grease }

// SetGrease lets a test disable GREASE emission to keep wire traffic
// deterministic.
func (f *FakeTransport) SetGrease(on bool) { f.grease = on }

func (f *FakeTransport) StreamSend(id uint64, p []byte, fin bool) (int, error) {
	if f.closed {
		return 0, http3.ErrDone
	}
	f.peer.mu.Lock()
	defer f.peer.mu.Unlock()
	buf := f.peer.incoming[id]
	if buf == nil {
		buf = &streamBuf{}
		f.peer.incoming[id] = buf
	}
	buf.data = append(buf.data, p...)
	if fin {
		buf.fin = true
	}
	f.peer.readable[id] = true
	return len(p), nil
}

func (f *FakeTransport) StreamSendZC(id uint64, buf []byte, fin bool) (int, http3.ZeroCopyBuf, error) {
	n, err := f.StreamSend(id, buf, fin)
	return n, nil, err
}

func (f *FakeTransport) StreamRecv(id uint64, out []byte) (int, bool, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	buf := f.incoming[id]
	if buf == nil {
		return 0, false, http3.ErrDone
	}
	if buf.reset {
		return 0, false, &http3.StreamResetError{Code: buf.resetCode}
	}
	if len(buf.data) == 0 {
		if buf.fin {
			delete(f.readable, id)
			return 0, true, nil
		}
		return 0, false, http3.ErrDone
	}
	n := copy(out, buf.data)
	buf.data = buf.data[n:]
	fin := buf.fin && len(buf.data) == 0
	if len(buf.data) == 0 {
		delete(f.readable, id)
	}
	return n, fin, nil
}

func (f *FakeTransport) StreamCapacity(id uint64) (uint64, error) { return 1 << 16, nil }

func (f *FakeTransport) StreamWritable(id uint64, atLeast uint64) (bool, error) {
	return true, nil
}

func (f *FakeTransport) StreamFinished(id uint64) bool {
	f.mu.Lock()
	defer f.mu.Unlock()
	buf := f.incoming[id]
	return buf != nil && buf.fin && len(buf.data) == 0
}

func (f *FakeTransport) StreamShutdown(id uint64, dir http3.Direction, code http3.ErrorCode) error {
	return nil
}

func (f *FakeTransport) StreamPriority(id uint64, urgency uint8, incremental bool) error {
	return nil
}

func (f *FakeTransport) Readable() []uint64 {
	f.mu.Lock()
	defer f.mu.Unlock()
	ids := make([]uint64, 0, len(f.readable))
	for id, ok := range f.readable {
		if ok {
			ids = append(ids, id)
		}
	}
	sort.Slice(ids, func(i, j int) bool { return ids[i] < ids[j] })
	return ids
}

func (f *FakeTransport) Close(appClose bool, code uint64, reason []byte) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.closed = true
	f.closeCode = code
	f.closeReason = string(reason)
	return nil
}

func (f *FakeTransport) MaxStreamsBidi() uint64 { return f.maxStreamsBidi }

func (f *FakeTransport) IsCollected(id uint64) bool {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.collected[id]
}

// MarkCollected simulates the transport having already reclaimed a
// request stream's state, exercising the "ignore silently" path for a
// PRIORITY_UPDATE that references a collected stream.
func (f *FakeTransport) MarkCollected(id uint64) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.collected[id] = true
}

// ResetStream simulates f resetting the stream it sends on: the peer's
// next StreamRecv for id observes a StreamResetError.
func (f *FakeTransport) ResetStream(id uint64, code http3.ErrorCode) {
	f.peer.mu.Lock()
	defer f.peer.mu.Unlock()
	buf := f.peer.incoming[id]
	if buf == nil {
		buf = &streamBuf{}
		f.peer.incoming[id] = buf
	}
	buf.reset = true
	buf.resetCode = code
	f.peer.readable[id] = true
}

// Closed reports whether Close was called on this transport, and with
// what code/reason, for assertions.
func (f *FakeTransport) Closed() (closed bool, code uint64, reason string) {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.closed, f.closeCode, f.closeReason
}

// PeekIncoming returns a copy of the bytes buffered (but not necessarily
// yet consumed) for stream id on this transport, without draining them,
// so tests can assert on exact wire bytes.
func (f *FakeTransport) PeekIncoming(id uint64) []byte {
	f.mu.Lock()
	defer f.mu.Unlock()
	buf := f.incoming[id]
	if buf == nil {
		return nil
	}
	out := make([]byte, len(buf.data))
	copy(out, buf.data)
	return out
}
