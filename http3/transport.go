package http3

// Direction selects which half of a bidirectional stream
// Transport.StreamShutdown applies to.
type Direction int

const (
	DirectionRead Direction = iota
	DirectionWrite
)

// ZeroCopyBuf is returned by Transport.StreamSendZC when the transport
// takes ownership of (part of) the caller's buffer rather than copying it,
// so the caller knows not to reuse those bytes. A nil ZeroCopyBuf means
// the transport copied everything and the caller's buffer is immediately
// reusable.
type ZeroCopyBuf interface {
	// Release returns the buffer to its pool, if any. Safe to call on a
	// nil ZeroCopyBuf.
	Release()
}

// Transport is the narrow interface the core consumes from a QUIC
// implementation. Packet coding, loss recovery, congestion control and
// TLS all live on the other side of this boundary; the core never
// reaches past it.
type Transport interface {
	IsServer() bool
	IsEstablished() bool
	IsInEarlyData() bool

	DgramEnabled() bool
	DgramMaxWritableLen() (uint64, bool)

	// Grease reports whether the transport wants the core to emit
	// GREASE frames/streams/settings. Distinct from Config.SetGrease:
	// the transport can veto GREASE even when the application asked
	// for it (e.g. a fuzzing harness that wants deterministic output).
	Grease() bool

	// StreamSend writes bytes to stream id, optionally closing the send
	// half. It returns the number of bytes actually written; a short
	// write is not an error by itself — callers compare n against
	// len(p) to detect backpressure.
	StreamSend(id uint64, p []byte, fin bool) (n int, err error)

	// StreamSendZC is the zero-copy variant used by the DATA fast path:
	// buf already has the DATA frame header written at its front by the
	// caller. On partial acceptance the returned ZeroCopyBuf (if
	// non-nil) retains the unaccepted remainder.
	StreamSendZC(id uint64, buf []byte, fin bool) (n int, zc ZeroCopyBuf, err error)

	StreamRecv(id uint64, out []byte) (n int, fin bool, err error)
	StreamCapacity(id uint64) (uint64, error)
	StreamWritable(id uint64, atLeast uint64) (bool, error)
	StreamFinished(id uint64) bool
	StreamShutdown(id uint64, dir Direction, code ErrorCode) error
	StreamPriority(id uint64, urgency uint8, incremental bool) error

	// Readable returns the ids of streams with unread bytes available
	// since the last call; edge-triggered.
	Readable() []uint64

	Close(appClose bool, code uint64, reason []byte) error

	MaxStreamsBidi() uint64
	IsCollected(id uint64) bool
}

// StreamResetError is what a Transport implementation wraps (or returns
// directly) from StreamRecv when the peer reset the stream, distinguishing
// it from an ordinary transport failure so the core can surface a Reset
// event instead of closing the connection.
type StreamResetError struct {
	Code ErrorCode
}

func (e *StreamResetError) Error() string {
	return "h3: stream reset: " + e.Code.String()
}
