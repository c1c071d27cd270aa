package http3

import (
	"bytes"

	"github.com/quic-go/qpack"
)

// HeaderField is a single name/value pair, matching qpack.HeaderField so
// the façade can hand the application's header list straight through to
// the codec without copying.
type HeaderField = qpack.HeaderField

// qpackCodec is a black-box header codec: it knows how to turn a header
// list into an encoded block and back, honouring a maximum decompressed
// size, but never touches the dynamic table — this implementation only
// ever emits and expects static, self-contained header blocks.
//
// The encoder/decoder themselves come from github.com/quic-go/qpack; this
// type only adds the max-size enforcement on top. Bookkeeping for the
// peer's QPACK instruction streams lives in qpackStreamState.
type qpackCodec struct {
	maxFieldSectionSize uint64
}

func newQpackCodec(maxFieldSectionSize uint64) *qpackCodec {
	return &qpackCodec{maxFieldSectionSize: maxFieldSectionSize}
}

// encode serialises headers into a QPACK header block. Since dynamic
// table features aren't implemented, every block is static-only and self
// contained: one encoder instance per call is deliberate, not an
// optimisation opportunity, because there is no shared dynamic state to
// amortise across calls.
func (c *qpackCodec) encode(headers []HeaderField) ([]byte, error) {
	var buf bytes.Buffer
	enc := qpack.NewEncoder(&buf)
	for _, f := range headers {
		if err := enc.WriteField(f); err != nil {
			return nil, wrapErr(KindInternalError, err, "qpack encode")
		}
	}
	if err := enc.Close(); err != nil {
		return nil, wrapErr(KindInternalError, err, "qpack encoder close")
	}
	return buf.Bytes(), nil
}

// decode parses a header block into a header list. As fields are decoded,
// their name+value lengths plus 32 bytes of per-field overhead are summed;
// once that total exceeds maxFieldSectionSize the block fails with
// KindExcessiveLoad. Any decoder error
// (malformed instruction, reference to an unsupported dynamic entry) is
// reported as KindQpackDecompressionFailed.
func (c *qpackCodec) decode(block []byte) ([]HeaderField, error) {
	var fields []HeaderField
	var sectionSize uint64
	var sizeErr error
	dec := qpack.NewDecoder(func(f HeaderField) {
		sectionSize += uint64(len(f.Name)) + uint64(len(f.Value)) + 32 // RFC 9204 §4.5.1 per-field overhead
		if c.maxFieldSectionSize > 0 && sectionSize > c.maxFieldSectionSize && sizeErr == nil {
			sizeErr = newErr(KindExcessiveLoad, "field section exceeds max_field_section_size (%d)", c.maxFieldSectionSize)
			return
		}
		fields = append(fields, f)
	})
	if _, err := dec.Write(block); err != nil {
		return nil, wrapErr(KindQpackDecompressionFailed, err, "qpack decode")
	}
	if err := dec.Close(); err != nil {
		return nil, wrapErr(KindQpackDecompressionFailed, err, "qpack decoder close")
	}
	if sizeErr != nil {
		return nil, sizeErr
	}
	return fields, nil
}

// qpackStreamState tracks one peer-initiated QPACK instruction stream
// (encoder or decoder). The core drains and discards instructions — no
// dynamic table — but counts bytes for Stats.
type qpackStreamState struct {
	streamID  uint64
	bytesRead uint64
}
