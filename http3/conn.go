package http3

import (
	"errors"
	"fmt"
)

// Role identifies which side of the connection this endpoint is playing,
// determining stream-id allocation parity.
type Role int

const (
	RoleClient Role = iota
	RoleServer
)

// priorityUrgencyOffset is added to the clamped [0,7] urgency before it is
// passed to Transport.StreamPriority.
const priorityUrgencyOffset = 124

// Connection is the per-endpoint HTTP/3 protocol engine. It owns the
// stream table, settings, control/QPACK streams, GOAWAY and
// PRIORITY_UPDATE state, and is driven exclusively through its exported
// methods from a single goroutine: no method blocks, and Poll and
// RecvBody are the only methods that read bytes from the peer.
type Connection struct {
	t   Transport
	cfg *Config

	role Role

	nextRequestStreamID uint64
	nextUniStreamID     uint64

	controlStreamID        uint64
	peerControlStreamID    uint64
	peerControlStreamKnown bool

	qpack                     *qpackCodec
	localQpackEncoderStreamID uint64
	localQpackDecoderStreamID uint64
	peerQpackEncoderStream    *qpackStreamState
	peerQpackDecoderStream    *qpackStreamState

	peerSettings *Settings

	maxPushID uint64

	finishedStreams []uint64
	pendingStreams  []uint64
	framesGreased   bool

	localGoAwayID *uint64
	peerGoAwayID  *uint64

	streams map[uint64]*Stream

	stats  Stats
	closed bool
}

// WithTransport wires the core up to an already-established QUIC
// transport: it opens the local control stream and writes the initial
// SETTINGS frame, then opens the two local QPACK instruction streams
// before returning.
func WithTransport(t Transport, cfg *Config) (*Connection, error) {
	if cfg == nil {
		cfg = NewConfig()
	}
	role := RoleClient
	if t.IsServer() {
		role = RoleServer
	}
	c := &Connection{
		t:       t,
		cfg:     cfg,
		role:    role,
		streams: make(map[uint64]*Stream),
	}
	if role == RoleClient {
		c.nextUniStreamID = 2
	} else {
		c.nextUniStreamID = 3
	}
	c.qpack = newQpackCodec(cfg.effectiveMaxFieldSectionSize())

	if err := c.openControlStream(); err != nil {
		return nil, err
	}
	if err := c.openQpackStreams(); err != nil {
		return nil, err
	}
	return c, nil
}

func (c *Connection) writeFull(id uint64, p []byte, fin bool) error {
	n, err := c.t.StreamSend(id, p, fin)
	if err != nil {
		if isKind(err, KindDone) {
			return ErrStreamBlocked
		}
		return wrapErr(KindTransportError, err, "stream_send(%d)", id)
	}
	if n < len(p) {
		return ErrStreamBlocked
	}
	return nil
}

func (c *Connection) openControlStream() error {
	id := c.nextUniStreamID
	payload := appendVarint(nil, uniStreamTypeControl)
	payload = append(payload, c.cfg.localSettingsFrame()...)
	if err := c.writeFull(id, payload, false); err != nil {
		return err
	}
	c.nextUniStreamID += 4
	c.controlStreamID = id
	return nil
}

func (c *Connection) openQpackStreams() error {
	encID := c.nextUniStreamID
	if err := c.writeFull(encID, appendVarint(nil, uniStreamTypeQpackEncoder), false); err != nil {
		return err
	}
	c.nextUniStreamID += 4
	c.localQpackEncoderStreamID = encID

	decID := c.nextUniStreamID
	if err := c.writeFull(decID, appendVarint(nil, uniStreamTypeQpackDecoder), false); err != nil {
		return err
	}
	c.nextUniStreamID += 4
	c.localQpackDecoderStreamID = decID
	return nil
}

// --- receive path -------------------------------------------------------

// Poll is edge-triggered: it returns the next available (streamID, Event)
// pair, or ErrDone if there is no work right now.
func (c *Connection) Poll() (uint64, *Event, error) {
	if c.closed {
		return 0, nil, ErrDone
	}

	if c.peerControlStreamKnown {
		if ev, err := c.pollStream(c.peerControlStreamID); err != nil {
			return c.peerControlStreamID, nil, c.fail(err)
		} else if ev != nil {
			return c.peerControlStreamID, ev, nil
		}
	}

	if c.peerQpackEncoderStream != nil {
		id := c.peerQpackEncoderStream.streamID
		if ev, err := c.pollStream(id); err != nil {
			return id, nil, c.fail(err)
		} else if ev != nil {
			return id, ev, nil
		}
	}
	if c.peerQpackDecoderStream != nil {
		id := c.peerQpackDecoderStream.streamID
		if ev, err := c.pollStream(id); err != nil {
			return id, nil, c.fail(err)
		} else if ev != nil {
			return id, ev, nil
		}
	}

	if len(c.pendingStreams) > 0 {
		id := c.pendingStreams[0]
		c.pendingStreams = c.pendingStreams[1:]
		if s := c.streams[id]; s != nil {
			s.queued = false
		}
		ev, err := c.pollStream(id)
		if err != nil {
			return id, nil, c.fail(err)
		}
		if ev != nil {
			return id, ev, nil
		}
		// pollStream found no more work for id on this pass; fall
		// through to finishedStreams/Readable so Poll still makes
		// progress instead of returning Done with pending streams left.
	}

	if len(c.finishedStreams) > 0 {
		id := c.finishedStreams[0]
		c.finishedStreams = c.finishedStreams[1:]
		if readableContains(c.t.Readable(), id) {
			var probe [0]byte
			_, _, err := c.t.StreamRecv(id, probe[:])
			var rst *StreamResetError
			if errors.As(err, &rst) {
				if s := c.streams[id]; s == nil || !s.resetSeen {
					if s != nil {
						s.resetSeen = true
					}
					c.stats.StreamsReset++
					return id, &Event{Kind: EventReset, StreamID: id, ErrorCode: rst.Code}, nil
				}
			}
		}
		return id, &Event{Kind: EventFinished, StreamID: id}, nil
	}

	for _, id := range c.t.Readable() {
		if c.peerControlStreamKnown && id == c.peerControlStreamID {
			continue
		}
		if c.peerQpackEncoderStream != nil && id == c.peerQpackEncoderStream.streamID {
			continue
		}
		if c.peerQpackDecoderStream != nil && id == c.peerQpackDecoderStream.streamID {
			continue
		}
		s := c.getOrCreateStream(id)
		if s.resetSeen {
			continue
		}
		ev, err := c.pollStream(id)
		if err != nil {
			return id, nil, c.fail(err)
		}
		if ev != nil {
			return id, ev, nil
		}
	}

	return 0, nil, ErrDone
}

func readableContains(ids []uint64, id uint64) bool {
	for _, x := range ids {
		if x == id {
			return true
		}
	}
	return false
}

func (c *Connection) getOrCreateStream(id uint64) *Stream {
	if s, ok := c.streams[id]; ok {
		return s
	}
	var s *Stream
	if isRequestStreamID(id) {
		s = newRequestStream(id, false)
	} else {
		s = newUniStream(id, false)
	}
	c.streams[id] = s
	return s
}

// isCriticalStreamType reports whether ty is one of the streams that must
// never close for the life of the connection: the local and peer control
// streams and the local and peer QPACK instruction streams. Push and
// Unknown (including GREASE) unidirectional streams are ordinary and may
// close at any time.
func isCriticalStreamType(ty StreamType) bool {
	return ty == StreamControl || ty == StreamQpackEncoder || ty == StreamQpackDecoder
}

func (c *Connection) pollStream(id uint64) (*Event, error) {
	s := c.streams[id]
	if s == nil {
		return nil, nil
	}
	if err := s.fill(c.t); err != nil {
		var rst *StreamResetError
		if errors.As(err, &rst) {
			// A reset on a request stream, or on a unidirectional stream
			// already known to be Push/Unknown, is an ordinary Reset
			// event. A reset on a not-yet-classified unidirectional
			// stream is treated the same as the FIN-before-type-byte
			// case in Stream.process: it might have been the control or
			// QPACK stream, so it closes the connection.
			if !isRequestStreamID(id) && (!s.typeKnown || isCriticalStreamType(s.ty)) {
				return nil, newErr(KindClosedCriticalStream, "critical stream %d reset by peer", id)
			}
			if s.resetSeen {
				return nil, nil
			}
			s.resetSeen = true
			c.stats.StreamsReset++
			return &Event{Kind: EventReset, StreamID: id, ErrorCode: rst.Code}, nil
		}
		return nil, err
	}
	ev, err := s.process(c)
	if err != nil {
		return nil, err
	}
	c.settleStream(s)
	return ev, nil
}

// fail closes the transport when err demands it, before returning the
// error to the caller, and marks the connection closed so subsequent
// Poll calls short-circuit to Done.
func (c *Connection) fail(err error) error {
	var e *Error
	if errors.As(err, &e) {
		if closeForKind(c.t, e.Kind, e.Msg) {
			c.closed = true
			c.cfg.logger().WithError(err).Error("h3: closing connection")
		}
	}
	return err
}

// markFinished enqueues id's Finished event exactly once, preserving
// arrival order across streams.
func (c *Connection) markFinished(s *Stream) {
	if s.finished {
		return
	}
	s.finished = true
	c.finishedStreams = append(c.finishedStreams, s.id)
	if isRequestStreamID(s.id) {
		c.stats.RequestsFinished++
	}
}

// enqueuePending schedules s for another pollStream pass on a future Poll
// call even though the transport has nothing new to offer: s.pend already
// holds bytes (e.g. a DATA frame header parsed out from behind a HEADERS
// frame delivered in the same read) that Readable() will never report
// again once drained from the transport.
func (c *Connection) enqueuePending(s *Stream) {
	if s.queued {
		return
	}
	s.queued = true
	c.pendingStreams = append(c.pendingStreams, s.id)
}

// settleStream runs after every pollStream/RecvBody call that might leave a
// stream idle: it either surfaces the stream's Finished event (no more
// frames will ever arrive) or re-arms it for another pass when bytes are
// already buffered for the next frame. Both cases exist because the
// transport's Readable() is edge-triggered on its own reads, not on bytes
// the core is still sitting on in Stream.pend.
func (c *Connection) settleStream(s *Stream) {
	if s.state != stateFrameType {
		return
	}
	if isCriticalStreamType(s.ty) {
		// Control/QPACK streams are unconditionally repolled at the top
		// of every Poll call regardless of Readable(), so they never
		// need the pendingStreams queue.
		return
	}
	if len(s.pend) == 0 {
		if s.readFin && isRequestStreamID(s.id) {
			c.markFinished(s)
		}
		return
	}
	c.enqueuePending(s)
}

// classifyUniStream interprets the first varint of a peer-initiated
// unidirectional stream, assigning it one of the well-known stream types
// or StreamUnknown.
func (c *Connection) classifyUniStream(s *Stream, v uint64) error {
	switch v {
	case uniStreamTypeControl:
		if c.peerControlStreamKnown {
			return newErr(KindStreamCreationError, "second control stream %d", s.id)
		}
		s.ty, s.typeKnown = StreamControl, true
		c.peerControlStreamKnown = true
		c.peerControlStreamID = s.id

	case uniStreamTypePush:
		s.ty, s.typeKnown = StreamPush, true
		if c.role == RoleServer {
			return newErr(KindStreamCreationError, "push stream %d opened by client", s.id)
		}

	case uniStreamTypeQpackEncoder:
		if c.peerQpackEncoderStream != nil {
			return newErr(KindStreamCreationError, "second QPACK encoder stream %d", s.id)
		}
		s.ty, s.typeKnown = StreamQpackEncoder, true
		c.peerQpackEncoderStream = &qpackStreamState{streamID: s.id}

	case uniStreamTypeQpackDecoder:
		if c.peerQpackDecoderStream != nil {
			return newErr(KindStreamCreationError, "second QPACK decoder stream %d", s.id)
		}
		s.ty, s.typeKnown = StreamQpackDecoder, true
		c.peerQpackDecoderStream = &qpackStreamState{streamID: s.id}

	default:
		s.ty, s.typeKnown = StreamUnknown, true
	}
	return nil
}

// validateFrameOnStream enforces which frame types are legal on which
// stream types before a frame's payload is even buffered.
func (c *Connection) validateFrameOnStream(s *Stream, ft FrameType) error {
	switch s.ty {
	case StreamControl:
		if !s.sawFirstControlFrame {
			if ft != FrameTypeSettings {
				return newErr(KindMissingSettings, "first frame on control stream %d was %s", s.id, ft)
			}
			s.sawFirstControlFrame = true
			return nil
		}
		switch ft {
		case FrameTypeSettings:
			return newErr(KindFrameUnexpected, "duplicate SETTINGS on control stream %d", s.id)
		case FrameTypeHeaders, FrameTypeData, FrameTypePushPromise:
			return newErr(KindFrameUnexpected, "%s forbidden on control stream %d", ft, s.id)
		default:
			return nil
		}

	case StreamRequest, StreamPush:
		switch ft {
		case FrameTypeSettings, FrameTypeGoAway, FrameTypeMaxPushID,
			FrameTypeCancelPush, FrameTypePriorityRequest, FrameTypePriorityPush:
			return newErr(KindFrameUnexpected, "%s forbidden on %s stream %d", ft, s.ty, s.id)
		case FrameTypePushPromise:
			if c.role == RoleServer {
				return newErr(KindFrameUnexpected, "PUSH_PROMISE forbidden server-side")
			}
			return nil
		case FrameTypeData:
			if s.headersRecvCount == 0 {
				return newErr(KindFrameUnexpected, "DATA before initial HEADERS on stream %d", s.id)
			}
			return nil
		case FrameTypeHeaders:
			if c.role == RoleServer && s.headersRecvCount >= 2 {
				return newErr(KindFrameUnexpected, "third HEADERS on stream %d", s.id)
			}
			return nil
		default:
			return nil
		}

	default:
		return nil
	}
}

// dispatchFrame runs once a frame's payload (possibly zero-length) is
// fully buffered, mutating connection state and optionally producing an
// Event (only HEADERS, GOAWAY and PRIORITY_UPDATE can).
func (c *Connection) dispatchFrame(s *Stream, ft FrameType, payload []byte) (*Event, error) {
	switch ft {
	case FrameTypeSettings:
		pairs, err := decodeSettingsPayload(payload)
		if err != nil {
			return nil, err
		}
		st, err := parsePeerSettings(pairs, c.t.DgramEnabled(), c.peerSettings)
		if err != nil {
			return nil, err
		}
		c.peerSettings = &st
		return nil, nil

	case FrameTypeGoAway:
		id, _, err := takeVarint(payload)
		if err != nil {
			return nil, newErr(KindFrameError, "malformed GOAWAY on stream %d", s.id)
		}
		if c.role == RoleClient && id%4 != 0 {
			return nil, newErr(KindIDError, "GOAWAY id %d not a multiple of 4", id)
		}
		if c.peerGoAwayID != nil && id > *c.peerGoAwayID {
			return nil, newErr(KindIDError, "GOAWAY id increased from %d to %d", *c.peerGoAwayID, id)
		}
		c.peerGoAwayID = &id
		return &Event{Kind: EventGoAway, StreamID: s.id, GoAwayID: id}, nil

	case FrameTypeMaxPushID:
		if c.role != RoleServer {
			return nil, newErr(KindFrameUnexpected, "MAX_PUSH_ID received by client")
		}
		v, _, err := takeVarint(payload)
		if err != nil {
			return nil, newErr(KindFrameError, "malformed MAX_PUSH_ID")
		}
		if v < c.maxPushID {
			return nil, newErr(KindIDError, "MAX_PUSH_ID decreased from %d to %d", c.maxPushID, v)
		}
		c.maxPushID = v
		return nil, nil

	case FrameTypeCancelPush:
		if _, _, err := takeVarint(payload); err != nil {
			return nil, newErr(KindFrameError, "malformed CANCEL_PUSH")
		}
		return nil, nil

	case FrameTypePriorityRequest:
		if c.role != RoleServer {
			return nil, newErr(KindFrameUnexpected, "PRIORITY_UPDATE(Request) received by client")
		}
		elementID, n, err := takeVarint(payload)
		if err != nil {
			return nil, newErr(KindFrameError, "malformed PRIORITY_UPDATE")
		}
		if elementID%4 != 0 {
			return nil, newErr(KindIDError, "PRIORITY_UPDATE request id %d not a multiple of 4", elementID)
		}
		if elementID > 4*c.t.MaxStreamsBidi() {
			return nil, newErr(KindIDError, "PRIORITY_UPDATE request id %d exceeds max_streams_bidi", elementID)
		}
		if c.t.IsCollected(elementID) {
			return nil, nil
		}
		return c.recordPriorityUpdate(elementID, string(payload[n:])), nil

	case FrameTypePriorityPush:
		if c.role != RoleServer {
			return nil, newErr(KindFrameUnexpected, "PRIORITY_UPDATE(Push) received by client")
		}
		pushID, _, err := takeVarint(payload)
		if err != nil {
			return nil, newErr(KindFrameError, "malformed PRIORITY_UPDATE(Push)")
		}
		if pushID%3 != 0 {
			return nil, newErr(KindIDError, "PRIORITY_UPDATE push id %d not a multiple of 3", pushID)
		}
		return nil, nil

	case FrameTypeHeaders:
		fields, err := c.qpack.decode(payload)
		if err != nil {
			return nil, err
		}
		s.headersRecvCount++
		c.stats.HeadersReceived++
		more := !(s.readFin && len(s.pend) == 0)
		return &Event{Kind: EventHeaders, StreamID: s.id, Headers: fields, MoreFrames: more}, nil

	case FrameTypePushPromise:
		if _, _, err := takeVarint(payload); err != nil {
			return nil, newErr(KindFrameError, "malformed PUSH_PROMISE")
		}
		// Header block discarded: server-push processing beyond
		// validation is not implemented.
		return nil, nil

	default:
		// Unknown/GREASE: payload already buffered and is discarded here.
		return nil, nil
	}
}

// recordPriorityUpdate implements the edge-triggering rule for
// PriorityUpdate: an event fires only on the transition from un-armed to
// armed; a later update before the application drains it just refreshes
// the stored field value.
func (c *Connection) recordPriorityUpdate(elementID uint64, fieldValue string) *Event {
	target, ok := c.streams[elementID]
	if !ok {
		target = newRequestStream(elementID, false)
		c.streams[elementID] = target
	}
	target.lastPriorityUpdate = fieldValue
	c.stats.PriorityUpdatesRecv++
	if target.priorityUpdatePend {
		return nil
	}
	target.priorityUpdatePend = true
	return &Event{Kind: EventPriorityUpdate, StreamID: elementID, PrioritizedElementID: elementID}
}

func (c *Connection) accountQpackInstructionBytes(s *Stream, n int) {
	switch s.ty {
	case StreamQpackEncoder:
		c.stats.QpackEncoderBytesRecv += uint64(n)
		if c.peerQpackEncoderStream != nil {
			c.peerQpackEncoderStream.bytesRead += uint64(n)
		}
	case StreamQpackDecoder:
		c.stats.QpackDecoderBytesRecv += uint64(n)
		if c.peerQpackDecoderStream != nil {
			c.peerQpackDecoderStream.bytesRead += uint64(n)
		}
	}
}

// RecvBody copies up to len(p) bytes of the current DATA frame's body into
// p. The bytes come from the stream's parse buffer, which holds everything
// the last transport read delivered (possibly the rest of the body and
// later frames); the transport is read again only when that buffer is
// empty. It returns (0, ErrDone) when the stream isn't mid-DATA-frame or
// no bytes are available yet.
func (c *Connection) RecvBody(streamID uint64, p []byte) (int, error) {
	s, ok := c.streams[streamID]
	if !ok {
		return 0, newErr(KindInternalError, "unknown stream %d", streamID)
	}
	if s.state != stateData {
		return 0, ErrDone
	}
	if len(s.pend) == 0 {
		if err := s.fill(c.t); err != nil {
			return 0, err
		}
	}
	if len(s.pend) == 0 {
		return 0, ErrDone
	}
	n := len(p)
	if uint64(n) > s.curFrameLen {
		n = int(s.curFrameLen)
	}
	if n > len(s.pend) {
		n = len(s.pend)
	}
	copy(p, s.pend[:n])
	s.pend = s.pend[n:]
	s.curFrameLen -= uint64(n)
	c.stats.DataBytesRecv += uint64(n)
	if len(s.pend) == 0 {
		s.dataArmed = false
	}
	if s.curFrameLen == 0 {
		s.state = stateFrameType
		c.stats.DataFramesRecv++
		c.settleStream(s)
	}
	return n, nil
}

// --- send path ------------------------------------------------------

func (c *Connection) writeHeadersFrame(id uint64, block []byte, fin bool) error {
	overhead := frameOverhead(FrameTypeHeaders, len(block))
	writable, err := c.t.StreamWritable(id, uint64(overhead+len(block)))
	if err != nil {
		return wrapErr(KindTransportError, err, "stream_writable(%d)", id)
	}
	if !writable {
		return ErrStreamBlocked
	}
	header := appendVarint(nil, uint64(FrameTypeHeaders))
	header = appendVarint(header, uint64(len(block)))
	if _, err := c.t.StreamSend(id, header, false); err != nil {
		return wrapErr(KindTransportError, err, "stream_send(%d) headers prefix", id)
	}
	if _, err := c.t.StreamSend(id, block, fin); err != nil {
		return wrapErr(KindTransportError, err, "stream_send(%d) headers block", id)
	}
	return nil
}

// SendRequest opens the next client request stream and writes its initial
// HEADERS. It fails FrameUnexpected once a peer GOAWAY has been observed.
func (c *Connection) SendRequest(headers []HeaderField, fin bool) (uint64, error) {
	if c.role != RoleClient {
		return 0, newErr(KindInternalError, "SendRequest is client-only")
	}
	if c.peerGoAwayID != nil {
		return 0, newErr(KindFrameUnexpected, "SendRequest after peer GOAWAY")
	}
	id := c.nextRequestStreamID
	if _, err := c.t.StreamSend(id, nil, false); err != nil {
		if isKind(err, KindDone) {
			return 0, ErrStreamBlocked
		}
		return 0, wrapErr(KindTransportError, err, "stream_send(%d)", id)
	}
	block, err := c.qpack.encode(headers)
	if err != nil {
		return 0, err
	}
	if err := c.writeHeadersFrame(id, block, fin); err != nil {
		return 0, err
	}
	c.nextRequestStreamID += 4
	s := newRequestStream(id, true)
	s.localInitialized = true
	c.streams[id] = s
	c.stats.HeadersSent++
	c.stats.RequestsSent++
	c.maybeGrease(id)
	return id, nil
}

type priorityHint struct {
	urgency     uint8
	incremental bool
}

func clampUrgency(u uint8) uint8 {
	if u > 7 {
		return 7
	}
	return u
}

func (c *Connection) sendResponse(id uint64, headers []HeaderField, fin bool, pri *priorityHint) error {
	if c.role != RoleServer {
		return newErr(KindInternalError, "SendResponse is server-only")
	}
	s := c.streams[id]
	if s == nil {
		return newErr(KindFrameUnexpected, "unknown stream %d", id)
	}
	if s.localInitialized {
		return newErr(KindFrameUnexpected, "initial HEADERS already sent on stream %d", id)
	}
	if pri != nil {
		_ = c.t.StreamPriority(id, clampUrgency(pri.urgency)+priorityUrgencyOffset, pri.incremental)
	}
	block, err := c.qpack.encode(headers)
	if err != nil {
		return err
	}
	if err := c.writeHeadersFrame(id, block, fin); err != nil {
		return err
	}
	s.localInitialized = true
	c.stats.HeadersSent++
	c.maybeGrease(id)
	return nil
}

// SendResponse writes the initial response HEADERS for a server request
// stream.
func (c *Connection) SendResponse(id uint64, headers []HeaderField, fin bool) error {
	return c.sendResponse(id, headers, fin, nil)
}

// SendResponseWithPriority is SendResponse plus a transport priority hint:
// urgency is clamped to [0,7] and offset by priorityUrgencyOffset.
func (c *Connection) SendResponseWithPriority(id uint64, headers []HeaderField, fin bool, urgency uint8, incremental bool) error {
	return c.sendResponse(id, headers, fin, &priorityHint{urgency: urgency, incremental: incremental})
}

func (c *Connection) sendAdditionalHeaders(id uint64, headers []HeaderField, isTrailerSection, fin bool, pri *priorityHint) error {
	s := c.streams[id]
	if s == nil {
		return newErr(KindFrameUnexpected, "unknown stream %d", id)
	}
	if !s.localInitialized {
		return newErr(KindFrameUnexpected, "initial HEADERS not sent yet on stream %d", id)
	}
	if s.trailersSent {
		return newErr(KindFrameUnexpected, "trailers already sent on stream %d", id)
	}
	if c.role == RoleClient && !isTrailerSection {
		return newErr(KindFrameUnexpected, "client may only send trailers as additional headers")
	}
	if pri != nil {
		_ = c.t.StreamPriority(id, clampUrgency(pri.urgency)+priorityUrgencyOffset, pri.incremental)
	}
	block, err := c.qpack.encode(headers)
	if err != nil {
		return err
	}
	if err := c.writeHeadersFrame(id, block, fin); err != nil {
		return err
	}
	if isTrailerSection {
		s.trailersSent = true
	}
	c.stats.HeadersSent++
	return nil
}

// SendAdditionalHeaders writes a second (or later) HEADERS frame — e.g.
// trailers, or a server's interim-then-final response headers.
func (c *Connection) SendAdditionalHeaders(id uint64, headers []HeaderField, isTrailerSection, fin bool) error {
	return c.sendAdditionalHeaders(id, headers, isTrailerSection, fin, nil)
}

// SendAdditionalHeadersWithPriority is SendAdditionalHeaders plus a
// transport priority hint, server-side only in practice since clients may
// only send trailers.
func (c *Connection) SendAdditionalHeadersWithPriority(id uint64, headers []HeaderField, isTrailerSection, fin bool, urgency uint8, incremental bool) error {
	return c.sendAdditionalHeaders(id, headers, isTrailerSection, fin, &priorityHint{urgency: urgency, incremental: incremental})
}

// SendBody frames and writes as much of p as the transport currently has
// capacity for: it never blocks, clamps a partial write to keep fin
// false, and never emits a zero-length DATA frame unless also closing
// the stream.
func (c *Connection) SendBody(id uint64, p []byte, fin bool) (int, error) {
	s := c.streams[id]
	if id%4 != 0 || s == nil || !s.localInitialized || s.trailersSent {
		return 0, newErr(KindFrameUnexpected, "stream %d is not eligible for body data", id)
	}
	overhead := frameOverhead(FrameTypeData, len(p))
	capacity, err := c.t.StreamCapacity(id)
	if err != nil {
		return 0, wrapErr(KindTransportError, err, "stream_capacity(%d)", id)
	}
	if capacity < uint64(overhead) {
		_, _ = c.t.StreamWritable(id, uint64(overhead+1))
		return 0, ErrDone
	}
	bodyLen := len(p)
	if uint64(bodyLen) > capacity-uint64(overhead) {
		bodyLen = int(capacity - uint64(overhead))
		fin = false
	}
	if bodyLen == 0 && !fin {
		return 0, ErrDone
	}
	header := appendVarint(nil, uint64(FrameTypeData))
	header = appendVarint(header, uint64(bodyLen))
	if _, err := c.t.StreamSend(id, header, false); err != nil {
		return 0, wrapErr(KindTransportError, err, "stream_send(%d) data prefix", id)
	}
	n, err := c.t.StreamSend(id, p[:bodyLen], fin)
	if err != nil {
		return 0, wrapErr(KindTransportError, err, "stream_send(%d) data body", id)
	}
	c.stats.DataFramesSent++
	c.stats.DataBytesSent += uint64(n)
	if n < bodyLen {
		_, _ = c.t.StreamWritable(id, uint64(overhead+1))
	}
	return n, nil
}

// SendBodyZC is SendBody's zero-copy variant: buf already has DATA-frame
// header room reserved at its front (headerRoom bytes); the core writes
// the type+length prefix into that room in place and hands buf to the
// transport by reference.
func (c *Connection) SendBodyZC(id uint64, buf []byte, headerRoom int, fin bool) (int, ZeroCopyBuf, error) {
	s := c.streams[id]
	if id%4 != 0 || s == nil || !s.localInitialized || s.trailersSent {
		return 0, nil, newErr(KindFrameUnexpected, "stream %d is not eligible for body data", id)
	}
	bodyLen := len(buf) - headerRoom
	if bodyLen < 0 {
		return 0, nil, newErr(KindInternalError, "headerRoom %d exceeds buffer length %d", headerRoom, len(buf))
	}
	overhead := frameOverhead(FrameTypeData, bodyLen)
	if overhead > headerRoom {
		return 0, nil, newErr(KindInternalError, "insufficient header room (%d) for DATA prefix (%d)", headerRoom, overhead)
	}
	start := headerRoom - overhead
	prefix := appendVarint(nil, uint64(FrameTypeData))
	prefix = appendVarint(prefix, uint64(bodyLen))
	copy(buf[start:headerRoom], prefix)
	n, zc, err := c.t.StreamSendZC(id, buf[start:], fin)
	if err != nil {
		return 0, nil, wrapErr(KindTransportError, err, "stream_send_zc(%d)", id)
	}
	c.stats.DataFramesSent++
	c.stats.DataBytesSent += uint64(n)
	return n, zc, nil
}

// SendPriorityUpdateForRequest sends a PRIORITY_UPDATE(Request) frame on
// the local control stream; client-only.
func (c *Connection) SendPriorityUpdateForRequest(id uint64, urgency uint8, incremental bool) error {
	if c.role != RoleClient {
		return newErr(KindInternalError, "SendPriorityUpdateForRequest is client-only")
	}
	if id%4 != 0 {
		return newErr(KindIDError, "stream %d is not a request stream", id)
	}
	fieldValue := fmt.Sprintf("u=%d", clampUrgency(urgency))
	if incremental {
		fieldValue += ",i"
	}
	frame := encodePriorityUpdate(FrameTypePriorityRequest, id, fieldValue)
	writable, err := c.t.StreamWritable(c.controlStreamID, uint64(len(frame)))
	if err != nil {
		return wrapErr(KindTransportError, err, "stream_writable(%d)", c.controlStreamID)
	}
	if !writable {
		return ErrStreamBlocked
	}
	if _, err := c.t.StreamSend(c.controlStreamID, frame, false); err != nil {
		return wrapErr(KindTransportError, err, "stream_send(%d)", c.controlStreamID)
	}
	c.stats.PriorityUpdatesSent++
	return nil
}

// TakeLastPriorityUpdate consumes the most recently received
// PRIORITY_UPDATE field value for id, re-arming the PriorityUpdate event
// for the next update the peer sends.
func (c *Connection) TakeLastPriorityUpdate(id uint64) (string, bool) {
	s := c.streams[id]
	if s == nil || s.lastPriorityUpdate == "" {
		return "", false
	}
	v := s.lastPriorityUpdate
	s.lastPriorityUpdate = ""
	s.priorityUpdatePend = false
	return v, true
}

// SendGoAway sends a GOAWAY on the local control stream. Clients always
// send id=0; servers must send a multiple of 4, and the value must never
// exceed a previously sent local GOAWAY id.
func (c *Connection) SendGoAway(id uint64) error {
	if c.role == RoleClient && id != 0 {
		return newErr(KindInternalError, "client GOAWAY id must be 0")
	}
	if c.role == RoleServer && id%4 != 0 {
		return newErr(KindInternalError, "server GOAWAY id must be a multiple of 4")
	}
	if c.localGoAwayID != nil && id > *c.localGoAwayID {
		return newErr(KindInternalError, "GOAWAY id must not increase (was %d, got %d)", *c.localGoAwayID, id)
	}
	frame := encodeVarintFrame(FrameTypeGoAway, id)
	writable, err := c.t.StreamWritable(c.controlStreamID, uint64(len(frame)))
	if err != nil {
		return wrapErr(KindTransportError, err, "stream_writable(%d)", c.controlStreamID)
	}
	if !writable {
		return ErrStreamBlocked
	}
	if _, err := c.t.StreamSend(c.controlStreamID, frame, false); err != nil {
		return wrapErr(KindTransportError, err, "stream_send(%d)", c.controlStreamID)
	}
	c.localGoAwayID = &id
	return nil
}

// maybeGrease emits the one-shot GREASE frame pair on the first request
// stream plus a GREASE unidirectional stream. Any failure is swallowed:
// GREASE is advisory.
func (c *Connection) maybeGrease(streamID uint64) {
	if c.framesGreased || !c.cfg.grease || !c.t.Grease() {
		return
	}
	c.framesGreased = true

	frame := encodeSimpleFrame(greaseFrameType(), appendVarint(nil, greaseValue()))
	if _, err := c.t.StreamSend(streamID, frame, false); err == nil {
		c.stats.GreaseFramesSent++
	}

	id := c.nextUniStreamID
	payload := appendVarint(nil, greaseStreamType())
	payload = append(payload, 0x42)
	if n, err := c.t.StreamSend(id, payload, true); err == nil && n == len(payload) {
		c.nextUniStreamID += 4
		c.stats.GreaseStreamsSent++
	}
}

// PeerSettingsRaw returns every (id, value) pair of the peer's SETTINGS
// frame as received, in wire order.
func (c *Connection) PeerSettingsRaw() []AdditionalSetting {
	if c.peerSettings == nil {
		return nil
	}
	return c.peerSettings.Raw
}

// DgramEnabledByPeer reports whether the peer advertised H3_DATAGRAM=1.
func (c *Connection) DgramEnabledByPeer() bool {
	return c.peerSettings != nil && c.peerSettings.H3Datagram
}

// ExtendedConnectEnabledByPeer reports whether the peer advertised
// ENABLE_CONNECT_PROTOCOL=1.
func (c *Connection) ExtendedConnectEnabledByPeer() bool {
	return c.peerSettings != nil && c.peerSettings.ConnectProtocolEnable
}

// Stats returns a snapshot of the connection's activity counters.
func (c *Connection) Stats() Stats { return c.stats }

// Role reports whether this connection is playing the client or server.
func (c *Connection) Role() Role { return c.role }
