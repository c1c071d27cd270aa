package http3

import "fmt"

// StreamType classifies a QUIC stream once its first varint (for
// unidirectional streams) has been read, or immediately for bidirectional
// streams, which are always Request.
type StreamType int

const (
	StreamRequest StreamType = iota
	StreamControl
	StreamPush
	StreamQpackEncoder
	StreamQpackDecoder
	StreamUnknown
)

func (t StreamType) String() string {
	switch t {
	case StreamRequest:
		return "request"
	case StreamControl:
		return "control"
	case StreamPush:
		return "push"
	case StreamQpackEncoder:
		return "qpack-encoder"
	case StreamQpackDecoder:
		return "qpack-decoder"
	default:
		return "unknown"
	}
}

// Wire unidirectional stream type ids.
const (
	uniStreamTypeControl      uint64 = 0x0
	uniStreamTypePush         uint64 = 0x1
	uniStreamTypeQpackEncoder uint64 = 0x2
	uniStreamTypeQpackDecoder uint64 = 0x3
)

// frameState is the inner, re-entrant frame-level state.
type frameState int

const (
	stateStreamType frameState = iota
	statePushID
	stateFrameType
	stateFramePayloadLen
	stateFramePayload
	stateData
	stateQpackInstruction
	stateUnknownStream
	stateDrain
	stateFinished
)

// parseBufferCap bounds the stream's rolling parse buffer. GREASE/unknown
// frame payloads or HEADERS blocks that would need more than this many
// bytes buffered at once fail with ExcessiveLoad.
const parseBufferCap = 16 * 1024

// recvChunk is the size of each StreamRecv call the stream issues while
// draining a readable transport stream.
const recvChunk = 4096

// Stream is the per-QUIC-stream parser/encoder context.
type Stream struct {
	id      uint64
	isLocal bool

	ty        StreamType
	typeKnown bool // unidirectional streams learn ty from their first varint

	state frameState
	pend  []byte // bytes read from the transport, not yet consumed

	curFrameType FrameType
	curFrameLen  uint64

	pushID uint64

	localInitialized bool
	trailersSent     bool
	headersRecvCount int

	lastPriorityUpdate   string
	priorityUpdatePend   bool // armed: new update since last take
	dataArmed            bool // armed: a Data event has fired for the current DATA frame
	sawFirstControlFrame bool // control stream: has its first frame arrived?

	readFin   bool // transport signalled FIN
	finished  bool // Finished event already surfaced
	resetSeen bool // Reset event already surfaced
	queued    bool // present in Connection.pendingStreams
}

func newRequestStream(id uint64, isLocal bool) *Stream {
	return &Stream{id: id, isLocal: isLocal, ty: StreamRequest, typeKnown: true, state: stateFrameType}
}

func newUniStream(id uint64, isLocal bool) *Stream {
	return &Stream{id: id, isLocal: isLocal, state: stateStreamType}
}

// isRequestStreamID reports whether id is client-initiated bidirectional,
// the only kind of stream HTTP/3 uses for requests.
func isRequestStreamID(id uint64) bool { return id%4 == 0 }

// fill reads as many bytes as the transport currently offers into the
// stream's pending buffer, without blocking. A Done from the transport
// means "no more bytes right now" and is returned as nil; any other
// transport error is returned wrapped as KindTransportError.
func (s *Stream) fill(t Transport) error {
	for {
		var buf [recvChunk]byte
		n, fin, err := t.StreamRecv(s.id, buf[:])
		if err != nil {
			if isKind(err, KindDone) {
				return nil
			}
			return wrapErr(KindTransportError, err, "stream_recv(%d)", s.id)
		}
		if n > 0 {
			s.pend = append(s.pend, buf[:n]...)
		}
		if fin {
			s.readFin = true
		}
		if n == 0 {
			return nil
		}
	}
}

// takeN removes and returns the first n bytes of pend, or ok=false if
// fewer than n are buffered.
func (s *Stream) takeN(n int) (b []byte, ok bool) {
	if len(s.pend) < n {
		return nil, false
	}
	b = s.pend[:n]
	s.pend = s.pend[n:]
	return b, true
}

// peekVarint reports whether a complete varint sits at the front of pend
// and, if so, its value and wire length.
func peekVarint(b []byte) (v uint64, n int, ok bool) {
	if len(b) == 0 {
		return 0, 0, false
	}
	n = varintPrefixLen(b[0])
	if len(b) < n {
		return 0, 0, false
	}
	v, err := readVarint(&byteSliceReader{b})
	if err != nil {
		return 0, 0, false
	}
	return v, n, true
}

// process drains pend through as much of the state machine as possible,
// dispatching frames to conn as they complete, and returns at most one
// Event. It returns (nil, nil) when starved for bytes (the outer poll
// loop will call fill again on the next transport read).
func (s *Stream) process(conn *Connection) (*Event, error) {
	for {
		switch s.state {
		case stateStreamType:
			v, n, ok := peekVarint(s.pend)
			if !ok {
				if s.readFin {
					return nil, newErr(KindClosedCriticalStream, "unidirectional stream %d closed before type byte", s.id)
				}
				return nil, nil
			}
			s.pend = s.pend[n:]
			if err := conn.classifyUniStream(s, v); err != nil {
				return nil, err
			}
			switch s.ty {
			case StreamPush:
				s.state = statePushID
			case StreamControl:
				s.state = stateFrameType
			case StreamQpackEncoder, StreamQpackDecoder:
				s.state = stateQpackInstruction
			default:
				s.state = stateUnknownStream
			}

		case statePushID:
			v, n, ok := peekVarint(s.pend)
			if !ok {
				if s.readFin {
					// An abandoned push that closes before its push id even
					// arrived isn't a critical stream; discard it rather
					// than tearing down the connection.
					s.state = stateFinished
					continue
				}
				return nil, nil
			}
			s.pend = s.pend[n:]
			s.pushID = v
			s.state = stateFrameType

		case stateFrameType:
			if s.ty == StreamControl && !s.isLocal && s.readFin && len(s.pend) == 0 {
				return nil, newErr(KindClosedCriticalStream, "control stream %d closed", s.id)
			}
			v, n, ok := peekVarint(s.pend)
			if !ok {
				if s.readFin {
					if s.ty == StreamControl || s.ty == StreamQpackEncoder || s.ty == StreamQpackDecoder {
						return nil, newErr(KindClosedCriticalStream, "critical stream %d closed mid-frame", s.id)
					}
					if isRequestStreamID(s.id) {
						s.state = stateFinished
						continue
					}
				}
				return nil, nil
			}
			s.pend = s.pend[n:]
			ft := FrameType(v)
			if err := conn.validateFrameOnStream(s, ft); err != nil {
				return nil, err
			}
			s.curFrameType = ft
			s.state = stateFramePayloadLen

		case stateFramePayloadLen:
			v, n, ok := peekVarint(s.pend)
			if !ok {
				return nil, nil
			}
			s.pend = s.pend[n:]
			s.curFrameLen = v
			if s.curFrameType == FrameTypeData {
				if v == 0 {
					s.state = stateFrameType
					continue
				}
				s.state = stateData
				s.dataArmed = true
				return &Event{Kind: EventData, StreamID: s.id}, nil
			}
			if v > parseBufferCap {
				return nil, newErr(KindExcessiveLoad, "%s frame on stream %d exceeds parse buffer (%d > %d)", s.curFrameType, s.id, v, parseBufferCap)
			}
			if v == 0 {
				ev, err := conn.dispatchFrame(s, s.curFrameType, nil)
				s.state = stateFrameType
				if err != nil || ev != nil {
					return ev, err
				}
				continue
			}
			s.state = stateFramePayload

		case stateFramePayload:
			payload, ok := s.takeN(int(s.curFrameLen))
			if !ok {
				if uint64(len(s.pend)) > parseBufferCap {
					return nil, newErr(KindExcessiveLoad, "stream %d parse buffer overflow", s.id)
				}
				return nil, nil
			}
			ev, err := conn.dispatchFrame(s, s.curFrameType, payload)
			s.state = stateFrameType
			if err != nil || ev != nil {
				return ev, err
			}

		case stateData:
			if len(s.pend) > 0 && !s.dataArmed {
				s.dataArmed = true
				return &Event{Kind: EventData, StreamID: s.id}, nil
			}
			return nil, nil

		case stateQpackInstruction:
			if len(s.pend) > 0 {
				n := len(s.pend)
				conn.accountQpackInstructionBytes(s, n)
				s.pend = nil
				return nil, nil
			}
			if s.readFin {
				return nil, newErr(KindClosedCriticalStream, "qpack instruction stream %d closed", s.id)
			}
			return nil, nil

		case stateUnknownStream:
			// An unrecognised (including GREASE) unidirectional stream
			// carries no meaning the engine interprets; its bytes are
			// simply discarded and its closure is ordinary, unlike the
			// control/QPACK streams above.
			if len(s.pend) > 0 {
				s.pend = nil
				return nil, nil
			}
			if s.readFin {
				s.state = stateFinished
				continue
			}
			return nil, nil

		case stateDrain:
			s.pend = nil
			return nil, nil

		case stateFinished:
			return nil, nil

		default:
			return nil, newErr(KindInternalError, "unreachable stream state %d", s.state)
		}
	}
}

// drain transitions the stream to Drain: the application half-closed its
// read interest, so further bytes are discarded and the read half is shut
// down with code NoError (0x100).
func (s *Stream) drain(t Transport) {
	s.state = stateDrain
	_ = t.StreamShutdown(s.id, DirectionRead, ErrNoError)
}

func (s *Stream) String() string {
	return fmt.Sprintf("stream{id=%d ty=%s state=%d}", s.id, s.ty, s.state)
}
