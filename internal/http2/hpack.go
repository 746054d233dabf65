package http2

import (
	"bytes"
	"fmt"

	"golang.org/x/net/http2/hpack"
)

// HeaderField is one decoded header name/value pair. It aliases the HPACK
// collaborator's type so callers can pass header lists straight through.
type HeaderField = hpack.HeaderField

// headerCodec delegates header-block compression to golang.org/x/net's HPACK
// implementation. The engine supplies dynamic-table bounds from negotiated
// SETTINGS but does not implement the tables itself. Both directions share
// the connection's serialized dispatch/write paths, so no locking here.
type headerCodec struct {
	enc     *hpack.Encoder
	encBuf  bytes.Buffer
	dec     *hpack.Decoder
	decoded []hpack.HeaderField
}

func newHeaderCodec(maxTableSize uint32) *headerCodec {
	c := &headerCodec{}
	c.enc = hpack.NewEncoder(&c.encBuf)
	c.enc.SetMaxDynamicTableSize(maxTableSize)
	c.dec = hpack.NewDecoder(maxTableSize, func(hf hpack.HeaderField) {
		c.decoded = append(c.decoded, hf)
	})
	return c
}

// setEncoderTableSize bounds the encoder's dynamic table. Called when the
// peer's SETTINGS_HEADER_TABLE_SIZE changes; the encoder must not exceed the
// peer's decoder capacity.
func (c *headerCodec) setEncoderTableSize(size uint32) {
	c.enc.SetMaxDynamicTableSize(size)
}

// setDecoderTableSize bounds the decoder's dynamic table, matching the
// SETTINGS_HEADER_TABLE_SIZE we advertise.
func (c *headerCodec) setDecoderTableSize(size uint32) {
	c.dec.SetMaxDynamicTableSize(size)
}

// encode compresses a header list into a single header block.
func (c *headerCodec) encode(fields []HeaderField) ([]byte, error) {
	c.encBuf.Reset()
	for _, hf := range fields {
		if hf.Name == "" {
			return nil, fmt.Errorf("hpack: empty header field name (value %q)", hf.Value)
		}
		if err := c.enc.WriteField(hf); err != nil {
			return nil, fmt.Errorf("hpack: encoding field %q: %w", hf.Name, err)
		}
	}
	out := make([]byte, c.encBuf.Len())
	copy(out, c.encBuf.Bytes())
	return out, nil
}

// decode decompresses a complete header block. A failure here poisons the
// connection's compression state and is therefore a connection-level
// COMPRESSION_ERROR, never a stream error.
func (c *headerCodec) decode(block []byte) ([]HeaderField, error) {
	c.decoded = nil
	if _, err := c.dec.Write(block); err != nil {
		return nil, NewConnectionErrorWithCause(ErrCodeCompressionError, "header block decode failed", err)
	}
	if err := c.dec.Close(); err != nil {
		return nil, NewConnectionErrorWithCause(ErrCodeCompressionError, "header block truncated or malformed", err)
	}
	fields := c.decoded
	c.decoded = nil
	return fields, nil
}

// headerAssembler reassembles a header block from a HEADERS or PUSH_PROMISE
// frame plus any CONTINUATION frames that follow it. RFC 7540, 4.3: a header
// block is a contiguous sequence of frames; any other frame arriving before
// END_HEADERS is a connection error. Only one block may be in progress per
// connection at a time.
type headerAssembler struct {
	active     bool
	streamID   uint32
	frameType  FrameType // HEADERS or PUSH_PROMISE
	promisedID uint32    // set when frameType is PUSH_PROMISE
	endStream  bool
	fragments  [][]byte
	size       uint32
	maxSize    uint32 // cap on accumulated fragment bytes, 0 = unlimited
}

// begin starts assembly from the block's opening frame.
func (a *headerAssembler) begin(streamID uint32, ft FrameType, fragment []byte, endStream bool, promisedID uint32) error {
	if a.active {
		return NewConnectionError(ErrCodeProtocolError,
			fmt.Sprintf("%s on stream %d while header block on stream %d is incomplete", ft, streamID, a.streamID))
	}
	a.active = true
	a.streamID = streamID
	a.frameType = ft
	a.promisedID = promisedID
	a.endStream = endStream
	a.fragments = [][]byte{fragment}
	a.size = uint32(len(fragment))
	return a.checkSize()
}

// addContinuation appends a CONTINUATION fragment to the block in progress.
func (a *headerAssembler) addContinuation(f *ContinuationFrame) error {
	if !a.active {
		return NewConnectionError(ErrCodeProtocolError,
			fmt.Sprintf("CONTINUATION on stream %d without a preceding HEADERS", f.StreamID))
	}
	if f.StreamID != a.streamID {
		return NewConnectionError(ErrCodeProtocolError,
			fmt.Sprintf("CONTINUATION on stream %d interrupts header block on stream %d", f.StreamID, a.streamID))
	}
	a.fragments = append(a.fragments, f.HeaderBlockFragment)
	a.size += uint32(len(f.HeaderBlockFragment))
	return a.checkSize()
}

// interruptedBy reports whether a frame of type ft would illegally
// interleave with the block in progress. Any frame other than CONTINUATION
// qualifies, even on the same stream.
func (a *headerAssembler) interruptedBy(ft FrameType) bool {
	return a.active && ft != FrameContinuation
}

// complete returns the assembled block and resets the assembler.
func (a *headerAssembler) complete() []byte {
	block := make([]byte, 0, a.size)
	for _, frag := range a.fragments {
		block = append(block, frag...)
	}
	a.reset()
	return block
}

func (a *headerAssembler) reset() {
	*a = headerAssembler{maxSize: a.maxSize}
}

func (a *headerAssembler) checkSize() error {
	if a.maxSize > 0 && a.size > a.maxSize {
		// Compressed block already past our advertised header list bound.
		return NewConnectionError(ErrCodeEnhanceYourCalm,
			fmt.Sprintf("header block on stream %d exceeds %d bytes", a.streamID, a.maxSize))
	}
	return nil
}

// splitHeaderBlock packages an encoded header block into a HEADERS frame and
// as many CONTINUATION frames as needed so that no frame payload exceeds
// maxFrameSize.
func splitHeaderBlock(streamID uint32, block []byte, maxFrameSize uint32, endStream bool) []Frame {
	if maxFrameSize == 0 {
		maxFrameSize = DefaultMaxFrameSize
	}
	first := block
	var rest []byte
	if uint32(len(first)) > maxFrameSize {
		first, rest = block[:maxFrameSize], block[maxFrameSize:]
	}

	hf := &HeadersFrame{
		FrameHeader:         FrameHeader{Type: FrameHeaders, StreamID: streamID},
		HeaderBlockFragment: first,
	}
	if endStream {
		hf.Flags |= FlagHeadersEndStream
	}
	if len(rest) == 0 {
		hf.Flags |= FlagHeadersEndHeaders
		return []Frame{hf}
	}

	frames := []Frame{hf}
	for len(rest) > 0 {
		frag := rest
		if uint32(len(frag)) > maxFrameSize {
			frag = rest[:maxFrameSize]
		}
		rest = rest[len(frag):]
		cf := &ContinuationFrame{
			FrameHeader:         FrameHeader{Type: FrameContinuation, StreamID: streamID},
			HeaderBlockFragment: frag,
		}
		if len(rest) == 0 {
			cf.Flags |= FlagContinuationEndHeaders
		}
		frames = append(frames, cf)
	}
	return frames
}
