package http3

import "fmt"

// FrameType is the wire identifier of an HTTP/3 frame, carried as a varint
// preceding every frame's length.
type FrameType uint64

const (
	FrameTypeData            FrameType = 0x0
	FrameTypeHeaders         FrameType = 0x1
	FrameTypeCancelPush      FrameType = 0x3
	FrameTypeSettings        FrameType = 0x4
	FrameTypePushPromise     FrameType = 0x5
	FrameTypeGoAway          FrameType = 0x7
	FrameTypeMaxPushID       FrameType = 0xd
	FrameTypePriorityRequest FrameType = 0xf0700
	FrameTypePriorityPush    FrameType = 0xf0701
)

func (t FrameType) String() string {
	switch t {
	case FrameTypeData:
		return "DATA"
	case FrameTypeHeaders:
		return "HEADERS"
	case FrameTypeCancelPush:
		return "CANCEL_PUSH"
	case FrameTypeSettings:
		return "SETTINGS"
	case FrameTypePushPromise:
		return "PUSH_PROMISE"
	case FrameTypeGoAway:
		return "GOAWAY"
	case FrameTypeMaxPushID:
		return "MAX_PUSH_ID"
	case FrameTypePriorityRequest:
		return "PRIORITY_UPDATE(Request)"
	case FrameTypePriorityPush:
		return "PRIORITY_UPDATE(Push)"
	default:
		return fmt.Sprintf("Unknown(%#x)", uint64(t))
	}
}

// settingPair is one (id, value) entry of a SETTINGS frame.
type settingPair struct {
	ID    uint64
	Value uint64
}

// Reserved HTTP/2 setting identifiers, illegal in HTTP/3 SETTINGS per
// RFC 9114 §7.2.4.
var reservedH2SettingIDs = map[uint64]bool{0x2: true, 0x3: true, 0x4: true, 0x5: true}

// encodeSettings serialises a SETTINGS frame payload (type+length prefix
// included) from an ordered list of (id, value) pairs. Duplicate detection
// and reserved-id rejection are the caller's responsibility (see
// validateSettingsPairs) so that encode and decode share one policy.
func encodeSettings(pairs []settingPair) []byte {
	var payload []byte
	for _, p := range pairs {
		payload = appendVarint(payload, p.ID)
		payload = appendVarint(payload, p.Value)
	}
	out := appendVarint(nil, uint64(FrameTypeSettings))
	out = appendVarint(out, uint64(len(payload)))
	return append(out, payload...)
}

// decodeSettingsPayload parses the body of a SETTINGS frame (length bytes
// already isolated) into pairs, preserving wire order.
func decodeSettingsPayload(b []byte) ([]settingPair, error) {
	var pairs []settingPair
	for len(b) > 0 {
		id, n, err := takeVarint(b)
		if err != nil {
			return nil, &Error{Kind: KindFrameError, Msg: "truncated SETTINGS id"}
		}
		b = b[n:]
		val, n, err := takeVarint(b)
		if err != nil {
			return nil, &Error{Kind: KindFrameError, Msg: "truncated SETTINGS value"}
		}
		b = b[n:]
		pairs = append(pairs, settingPair{ID: id, Value: val})
	}
	return pairs, nil
}

// validateSettingsPairs enforces that reserved H2 ids and duplicate ids
// are illegal in a SETTINGS payload.
func validateSettingsPairs(pairs []settingPair) error {
	seen := make(map[uint64]bool, len(pairs))
	for _, p := range pairs {
		if reservedH2SettingIDs[p.ID] {
			return &Error{Kind: KindSettingsError, Msg: fmt.Sprintf("reserved HTTP/2 setting id %#x", p.ID)}
		}
		if seen[p.ID] {
			return &Error{Kind: KindSettingsError, Msg: fmt.Sprintf("duplicate setting id %#x", p.ID)}
		}
		seen[p.ID] = true
	}
	return nil
}

// takeVarint reads one varint from the front of b and returns its value,
// the number of bytes consumed, and an error if b is too short.
func takeVarint(b []byte) (uint64, int, error) {
	if len(b) == 0 {
		return 0, 0, errShortBuffer
	}
	n := varintPrefixLen(b[0])
	if len(b) < n {
		return 0, 0, errShortBuffer
	}
	v, err := readVarint(&byteSliceReader{b})
	if err != nil {
		return 0, 0, err
	}
	return v, n, nil
}

var errShortBuffer = fmt.Errorf("h3: buffer too short for varint")

// byteSliceReader adapts a []byte to io.ByteReader without an allocation
// for the common small-frame decode path.
type byteSliceReader struct{ b []byte }

func (r *byteSliceReader) ReadByte() (byte, error) {
	if len(r.b) == 0 {
		return 0, errShortBuffer
	}
	c := r.b[0]
	r.b = r.b[1:]
	return c, nil
}

// encodeSimpleFrame wraps payload with a type+length prefix. Used for
// CANCEL_PUSH, GOAWAY, MAX_PUSH_ID (single varint bodies) and the
// PRIORITY_UPDATE frames (prioritized-element-id + opaque field value).
func encodeSimpleFrame(t FrameType, payload []byte) []byte {
	out := appendVarint(nil, uint64(t))
	out = appendVarint(out, uint64(len(payload)))
	return append(out, payload...)
}

func encodeVarintFrame(t FrameType, v uint64) []byte {
	return encodeSimpleFrame(t, appendVarint(nil, v))
}

// encodePriorityUpdate builds a PRIORITY_UPDATE(Request|Push) frame body:
// prioritized_element_id followed by the RFC 8941-subset field value.
func encodePriorityUpdate(t FrameType, elementID uint64, fieldValue string) []byte {
	payload := appendVarint(nil, elementID)
	payload = append(payload, []byte(fieldValue)...)
	return encodeSimpleFrame(t, payload)
}

// headerFrame wraps a pre-encoded QPACK header block in a frame of type t
// (normally HEADERS).
func headerFrame(t FrameType, headerBlock []byte) []byte {
	return encodeSimpleFrame(t, headerBlock)
}

// frameOverhead returns the number of bytes the type+length prefix will
// occupy for a payload of the given length, without allocating the frame.
func frameOverhead(t FrameType, payloadLen int) int {
	return varintLen(uint64(t)) + varintLen(uint64(payloadLen))
}
