package http2

import (
	"encoding/binary"
	"fmt"
	"io"
)

// FrameType identifies an HTTP/2 frame type (RFC 7540 Section 6).
type FrameType uint8

const (
	FrameData         FrameType = 0x0
	FrameHeaders      FrameType = 0x1
	FramePriority     FrameType = 0x2
	FrameRSTStream    FrameType = 0x3
	FrameSettings     FrameType = 0x4
	FramePushPromise  FrameType = 0x5
	FramePing         FrameType = 0x6
	FrameGoAway       FrameType = 0x7
	FrameWindowUpdate FrameType = 0x8
	FrameContinuation FrameType = 0x9
)

// String returns the RFC name of the frame type.
func (t FrameType) String() string {
	switch t {
	case FrameData:
		return "DATA"
	case FrameHeaders:
		return "HEADERS"
	case FramePriority:
		return "PRIORITY"
	case FrameRSTStream:
		return "RST_STREAM"
	case FrameSettings:
		return "SETTINGS"
	case FramePushPromise:
		return "PUSH_PROMISE"
	case FramePing:
		return "PING"
	case FrameGoAway:
		return "GOAWAY"
	case FrameWindowUpdate:
		return "WINDOW_UPDATE"
	case FrameContinuation:
		return "CONTINUATION"
	default:
		return fmt.Sprintf("UNKNOWN_FRAME_TYPE_%d", uint8(t))
	}
}

// Flags holds the 8-bit flags field of a frame header. Flags not defined for
// a frame type are ignored on receipt.
type Flags uint8

const (
	FlagDataEndStream Flags = 0x1
	FlagDataPadded    Flags = 0x8

	FlagHeadersEndStream  Flags = 0x1
	FlagHeadersEndHeaders Flags = 0x4
	FlagHeadersPadded     Flags = 0x8
	FlagHeadersPriority   Flags = 0x20

	FlagSettingsAck Flags = 0x1

	FlagPushPromiseEndHeaders Flags = 0x4
	FlagPushPromisePadded     Flags = 0x8

	FlagPingAck Flags = 0x1

	FlagContinuationEndHeaders Flags = 0x4
)

// Has reports whether all bits in f2 are set.
func (f Flags) Has(f2 Flags) bool { return f&f2 == f2 }

// FrameHeaderLen is the length of the fixed HTTP/2 frame header.
const FrameHeaderLen = 9

// FrameHeader is the 9-octet header common to all frames. The reserved bit of
// the stream-id field is masked out on read and zeroed on write.
type FrameHeader struct {
	Length   uint32 // 24 bits
	Type     FrameType
	Flags    Flags
	StreamID uint32 // 31 bits
}

// ReadFrameHeader reads and decodes a frame header from r.
func ReadFrameHeader(r io.Reader) (FrameHeader, error) {
	var buf [FrameHeaderLen]byte
	if _, err := io.ReadFull(r, buf[:]); err != nil {
		return FrameHeader{}, err
	}
	return FrameHeader{
		Length:   uint32(buf[0])<<16 | uint32(buf[1])<<8 | uint32(buf[2]),
		Type:     FrameType(buf[3]),
		Flags:    Flags(buf[4]),
		StreamID: binary.BigEndian.Uint32(buf[5:]) & 0x7fffffff,
	}, nil
}

// WriteTo serializes the frame header to w.
func (fh FrameHeader) WriteTo(w io.Writer) (int64, error) {
	var buf [FrameHeaderLen]byte
	buf[0] = byte(fh.Length >> 16)
	buf[1] = byte(fh.Length >> 8)
	buf[2] = byte(fh.Length)
	buf[3] = byte(fh.Type)
	buf[4] = byte(fh.Flags)
	binary.BigEndian.PutUint32(buf[5:], fh.StreamID&0x7fffffff)
	n, err := w.Write(buf[:])
	return int64(n), err
}

// Frame is the interface implemented by every HTTP/2 frame variant. A frame's
// stream id, flags and length are validated by ParsePayload before the frame
// is allowed to affect any connection or stream state.
type Frame interface {
	Header() *FrameHeader
	ParsePayload(r io.Reader) error
	WritePayload(w io.Writer) (int64, error)
	PayloadLen() uint32
}

// readPadLength consumes the 1-byte Pad Length field and validates it against
// the remaining payload, returning the number of trailing padding octets.
func readPadLength(r io.Reader, remaining uint32, fh FrameHeader) (uint8, error) {
	if remaining == 0 {
		return 0, NewConnectionError(ErrCodeProtocolError,
			fmt.Sprintf("padded %s frame on stream %d has no room for Pad Length field", fh.Type, fh.StreamID))
	}
	var b [1]byte
	if _, err := io.ReadFull(r, b[:]); err != nil {
		return 0, fmt.Errorf("reading pad length: %w", err)
	}
	if uint32(b[0]) > remaining-1 {
		// RFC 7540, 6.1: padding that exceeds the remaining payload is a
		// connection error of type PROTOCOL_ERROR.
		return 0, NewConnectionError(ErrCodeProtocolError,
			fmt.Sprintf("%s frame on stream %d declares %d padding octets with only %d payload octets left", fh.Type, fh.StreamID, b[0], remaining-1))
	}
	return b[0], nil
}

// discardPadding consumes and drops n padding octets.
func discardPadding(r io.Reader, n uint8) error {
	if n == 0 {
		return nil
	}
	if _, err := io.CopyN(io.Discard, r, int64(n)); err != nil {
		return fmt.Errorf("reading padding: %w", err)
	}
	return nil
}

// writePadding writes the Pad Length field and n zero padding octets.
func writePadding(w io.Writer, n uint8) (int64, error) {
	buf := make([]byte, 1+int(n))
	buf[0] = n
	written, err := w.Write(buf)
	return int64(written), err
}

// DataFrame carries a stream's payload bytes (RFC 7540 Section 6.1). Padding
// is accounted for on the wire but discarded on receipt.
type DataFrame struct {
	FrameHeader
	PadLength uint8
	Data      []byte
}

func (f *DataFrame) Header() *FrameHeader { return &f.FrameHeader }

func (f *DataFrame) ParsePayload(r io.Reader) error {
	if f.StreamID == 0 {
		return NewConnectionError(ErrCodeProtocolError, "received DATA on stream 0")
	}
	dataLen := f.Length
	if f.Flags.Has(FlagDataPadded) {
		pad, err := readPadLength(r, f.Length, f.FrameHeader)
		if err != nil {
			return err
		}
		f.PadLength = pad
		dataLen = f.Length - 1 - uint32(pad)
	}
	f.Data = make([]byte, dataLen)
	if _, err := io.ReadFull(r, f.Data); err != nil {
		return fmt.Errorf("reading DATA payload: %w", err)
	}
	if f.Flags.Has(FlagDataPadded) {
		return discardPadding(r, f.PadLength)
	}
	return nil
}

func (f *DataFrame) WritePayload(w io.Writer) (int64, error) {
	var total int64
	if f.Flags.Has(FlagDataPadded) {
		n, err := w.Write([]byte{f.PadLength})
		total += int64(n)
		if err != nil {
			return total, err
		}
	}
	n, err := w.Write(f.Data)
	total += int64(n)
	if err != nil {
		return total, err
	}
	if f.Flags.Has(FlagDataPadded) && f.PadLength > 0 {
		n, err := w.Write(make([]byte, f.PadLength))
		total += int64(n)
		if err != nil {
			return total, err
		}
	}
	return total, nil
}

func (f *DataFrame) PayloadLen() uint32 {
	n := uint32(len(f.Data))
	if f.Flags.Has(FlagDataPadded) {
		n += 1 + uint32(f.PadLength)
	}
	return n
}

// HeadersFrame opens or continues a header block on a stream (RFC 7540
// Section 6.2). Priority fields are decoded for wire compatibility but carry
// no scheduling semantics in this engine.
type HeadersFrame struct {
	FrameHeader
	PadLength           uint8
	Exclusive           bool
	StreamDependency    uint32
	Weight              uint8
	HeaderBlockFragment []byte
}

func (f *HeadersFrame) Header() *FrameHeader { return &f.FrameHeader }

func (f *HeadersFrame) ParsePayload(r io.Reader) error {
	if f.StreamID == 0 {
		return NewConnectionError(ErrCodeProtocolError, "received HEADERS on stream 0")
	}
	remaining := f.Length
	if f.Flags.Has(FlagHeadersPadded) {
		pad, err := readPadLength(r, remaining, f.FrameHeader)
		if err != nil {
			return err
		}
		f.PadLength = pad
		remaining -= 1 + uint32(pad)
	}
	if f.Flags.Has(FlagHeadersPriority) {
		if remaining < 5 {
			return NewConnectionError(ErrCodeFrameSizeError,
				fmt.Sprintf("HEADERS frame on stream %d too short for priority fields", f.StreamID))
		}
		var prio [5]byte
		if _, err := io.ReadFull(r, prio[:]); err != nil {
			return fmt.Errorf("reading priority fields: %w", err)
		}
		dep := binary.BigEndian.Uint32(prio[0:4])
		f.Exclusive = dep>>31 == 1
		f.StreamDependency = dep & 0x7fffffff
		f.Weight = prio[4]
		remaining -= 5
	}
	f.HeaderBlockFragment = make([]byte, remaining)
	if _, err := io.ReadFull(r, f.HeaderBlockFragment); err != nil {
		return fmt.Errorf("reading header block fragment: %w", err)
	}
	if f.Flags.Has(FlagHeadersPadded) {
		return discardPadding(r, f.PadLength)
	}
	return nil
}

func (f *HeadersFrame) WritePayload(w io.Writer) (int64, error) {
	var total int64
	if f.Flags.Has(FlagHeadersPadded) {
		n, err := w.Write([]byte{f.PadLength})
		total += int64(n)
		if err != nil {
			return total, err
		}
	}
	if f.Flags.Has(FlagHeadersPriority) {
		var prio [5]byte
		dep := f.StreamDependency
		if f.Exclusive {
			dep |= 1 << 31
		}
		binary.BigEndian.PutUint32(prio[0:4], dep)
		prio[4] = f.Weight
		n, err := w.Write(prio[:])
		total += int64(n)
		if err != nil {
			return total, err
		}
	}
	n, err := w.Write(f.HeaderBlockFragment)
	total += int64(n)
	if err != nil {
		return total, err
	}
	if f.Flags.Has(FlagHeadersPadded) && f.PadLength > 0 {
		n, err := w.Write(make([]byte, f.PadLength))
		total += int64(n)
		if err != nil {
			return total, err
		}
	}
	return total, nil
}

func (f *HeadersFrame) PayloadLen() uint32 {
	n := uint32(len(f.HeaderBlockFragment))
	if f.Flags.Has(FlagHeadersPadded) {
		n += 1 + uint32(f.PadLength)
	}
	if f.Flags.Has(FlagHeadersPriority) {
		n += 5
	}
	return n
}

// PriorityFrame carries stream priority advice (RFC 7540 Section 6.3).
// Decoded and tolerated; this engine keeps no dependency tree.
type PriorityFrame struct {
	FrameHeader
	Exclusive        bool
	StreamDependency uint32
	Weight           uint8
}

func (f *PriorityFrame) Header() *FrameHeader { return &f.FrameHeader }

func (f *PriorityFrame) ParsePayload(r io.Reader) error {
	if f.StreamID == 0 {
		return NewConnectionError(ErrCodeProtocolError, "received PRIORITY on stream 0")
	}
	if f.Length != 5 {
		// RFC 7540, 6.3: a PRIORITY frame with a length other than 5 octets
		// is a stream error of type FRAME_SIZE_ERROR. Drain the payload so
		// the reader stays on a frame boundary.
		if _, err := io.CopyN(io.Discard, r, int64(f.Length)); err != nil {
			return fmt.Errorf("discarding malformed PRIORITY payload: %w", err)
		}
		return NewStreamError(f.StreamID, ErrCodeFrameSizeError,
			fmt.Sprintf("PRIORITY frame payload must be 5 bytes, got %d", f.Length))
	}
	var buf [5]byte
	if _, err := io.ReadFull(r, buf[:]); err != nil {
		return fmt.Errorf("reading PRIORITY payload: %w", err)
	}
	dep := binary.BigEndian.Uint32(buf[0:4])
	f.Exclusive = dep>>31 == 1
	f.StreamDependency = dep & 0x7fffffff
	f.Weight = buf[4]
	return nil
}

func (f *PriorityFrame) WritePayload(w io.Writer) (int64, error) {
	var buf [5]byte
	dep := f.StreamDependency
	if f.Exclusive {
		dep |= 1 << 31
	}
	binary.BigEndian.PutUint32(buf[0:4], dep)
	buf[4] = f.Weight
	n, err := w.Write(buf[:])
	return int64(n), err
}

func (f *PriorityFrame) PayloadLen() uint32 { return 5 }

// RSTStreamFrame abruptly terminates a stream (RFC 7540 Section 6.4).
type RSTStreamFrame struct {
	FrameHeader
	ErrorCode ErrorCode
}

func (f *RSTStreamFrame) Header() *FrameHeader { return &f.FrameHeader }

func (f *RSTStreamFrame) ParsePayload(r io.Reader) error {
	if f.StreamID == 0 {
		return NewConnectionError(ErrCodeProtocolError, "received RST_STREAM on stream 0")
	}
	if f.Length != 4 {
		return NewConnectionError(ErrCodeFrameSizeError,
			fmt.Sprintf("RST_STREAM frame payload must be 4 bytes, got %d", f.Length))
	}
	var buf [4]byte
	if _, err := io.ReadFull(r, buf[:]); err != nil {
		return fmt.Errorf("reading RST_STREAM error code: %w", err)
	}
	f.ErrorCode = ErrorCode(binary.BigEndian.Uint32(buf[:]))
	return nil
}

func (f *RSTStreamFrame) WritePayload(w io.Writer) (int64, error) {
	var buf [4]byte
	binary.BigEndian.PutUint32(buf[:], uint32(f.ErrorCode))
	n, err := w.Write(buf[:])
	return int64(n), err
}

func (f *RSTStreamFrame) PayloadLen() uint32 { return 4 }

const settingEntrySize = 6

// SettingsFrame exchanges connection parameters (RFC 7540 Section 6.5).
type SettingsFrame struct {
	FrameHeader
	Settings []Setting
}

func (f *SettingsFrame) Header() *FrameHeader { return &f.FrameHeader }

// IsAck reports whether this frame acknowledges the peer's SETTINGS.
func (f *SettingsFrame) IsAck() bool { return f.Flags.Has(FlagSettingsAck) }

func (f *SettingsFrame) ParsePayload(r io.Reader) error {
	if f.StreamID != 0 {
		return NewConnectionError(ErrCodeProtocolError,
			fmt.Sprintf("received SETTINGS on stream %d", f.StreamID))
	}
	if f.IsAck() && f.Length != 0 {
		return NewConnectionError(ErrCodeFrameSizeError,
			fmt.Sprintf("SETTINGS ACK frame must have empty payload, got %d bytes", f.Length))
	}
	if f.Length%settingEntrySize != 0 {
		return NewConnectionError(ErrCodeFrameSizeError,
			fmt.Sprintf("SETTINGS frame payload length %d is not a multiple of %d", f.Length, settingEntrySize))
	}
	buf := make([]byte, f.Length)
	if _, err := io.ReadFull(r, buf); err != nil {
		return fmt.Errorf("reading SETTINGS payload: %w", err)
	}
	f.Settings = make([]Setting, 0, f.Length/settingEntrySize)
	for off := 0; off < len(buf); off += settingEntrySize {
		f.Settings = append(f.Settings, Setting{
			ID:    SettingID(binary.BigEndian.Uint16(buf[off : off+2])),
			Value: binary.BigEndian.Uint32(buf[off+2 : off+6]),
		})
	}
	return nil
}

func (f *SettingsFrame) WritePayload(w io.Writer) (int64, error) {
	if f.IsAck() {
		return 0, nil
	}
	var total int64
	var buf [settingEntrySize]byte
	for _, s := range f.Settings {
		binary.BigEndian.PutUint16(buf[0:2], uint16(s.ID))
		binary.BigEndian.PutUint32(buf[2:6], s.Value)
		n, err := w.Write(buf[:])
		total += int64(n)
		if err != nil {
			return total, err
		}
	}
	return total, nil
}

func (f *SettingsFrame) PayloadLen() uint32 {
	if f.IsAck() {
		return 0
	}
	return uint32(len(f.Settings) * settingEntrySize)
}

// PushPromiseFrame reserves a server-initiated stream (RFC 7540 Section 6.6).
// The codec exposes the type to callers; this engine never emits pushes.
type PushPromiseFrame struct {
	FrameHeader
	PadLength           uint8
	PromisedStreamID    uint32
	HeaderBlockFragment []byte
}

func (f *PushPromiseFrame) Header() *FrameHeader { return &f.FrameHeader }

func (f *PushPromiseFrame) ParsePayload(r io.Reader) error {
	if f.StreamID == 0 {
		return NewConnectionError(ErrCodeProtocolError, "received PUSH_PROMISE on stream 0")
	}
	remaining := f.Length
	if f.Flags.Has(FlagPushPromisePadded) {
		pad, err := readPadLength(r, remaining, f.FrameHeader)
		if err != nil {
			return err
		}
		f.PadLength = pad
		remaining -= 1 + uint32(pad)
	}
	if remaining < 4 {
		return NewConnectionError(ErrCodeFrameSizeError,
			fmt.Sprintf("PUSH_PROMISE frame on stream %d too short for promised stream id", f.StreamID))
	}
	var idBuf [4]byte
	if _, err := io.ReadFull(r, idBuf[:]); err != nil {
		return fmt.Errorf("reading promised stream id: %w", err)
	}
	f.PromisedStreamID = binary.BigEndian.Uint32(idBuf[:]) & 0x7fffffff
	remaining -= 4
	f.HeaderBlockFragment = make([]byte, remaining)
	if _, err := io.ReadFull(r, f.HeaderBlockFragment); err != nil {
		return fmt.Errorf("reading header block fragment: %w", err)
	}
	if f.Flags.Has(FlagPushPromisePadded) {
		return discardPadding(r, f.PadLength)
	}
	return nil
}

func (f *PushPromiseFrame) WritePayload(w io.Writer) (int64, error) {
	var total int64
	if f.Flags.Has(FlagPushPromisePadded) {
		n, err := w.Write([]byte{f.PadLength})
		total += int64(n)
		if err != nil {
			return total, err
		}
	}
	var idBuf [4]byte
	binary.BigEndian.PutUint32(idBuf[:], f.PromisedStreamID&0x7fffffff)
	n, err := w.Write(idBuf[:])
	total += int64(n)
	if err != nil {
		return total, err
	}
	n, err = w.Write(f.HeaderBlockFragment)
	total += int64(n)
	if err != nil {
		return total, err
	}
	if f.Flags.Has(FlagPushPromisePadded) && f.PadLength > 0 {
		n, err := w.Write(make([]byte, f.PadLength))
		total += int64(n)
		if err != nil {
			return total, err
		}
	}
	return total, nil
}

func (f *PushPromiseFrame) PayloadLen() uint32 {
	n := 4 + uint32(len(f.HeaderBlockFragment))
	if f.Flags.Has(FlagPushPromisePadded) {
		n += 1 + uint32(f.PadLength)
	}
	return n
}

// PingFrame measures round trips and checks liveness (RFC 7540 Section 6.7).
type PingFrame struct {
	FrameHeader
	OpaqueData [8]byte
}

func (f *PingFrame) Header() *FrameHeader { return &f.FrameHeader }

// IsAck reports whether this frame is a PING response.
func (f *PingFrame) IsAck() bool { return f.Flags.Has(FlagPingAck) }

func (f *PingFrame) ParsePayload(r io.Reader) error {
	if f.StreamID != 0 {
		return NewConnectionError(ErrCodeProtocolError,
			fmt.Sprintf("received PING on stream %d", f.StreamID))
	}
	if f.Length != 8 {
		return NewConnectionError(ErrCodeFrameSizeError,
			fmt.Sprintf("PING frame payload must be 8 bytes, got %d", f.Length))
	}
	if _, err := io.ReadFull(r, f.OpaqueData[:]); err != nil {
		return fmt.Errorf("reading PING opaque data: %w", err)
	}
	return nil
}

func (f *PingFrame) WritePayload(w io.Writer) (int64, error) {
	n, err := w.Write(f.OpaqueData[:])
	return int64(n), err
}

func (f *PingFrame) PayloadLen() uint32 { return 8 }

// GoAwayFrame announces connection shutdown and the last stream id the sender
// will process (RFC 7540 Section 6.8).
type GoAwayFrame struct {
	FrameHeader
	LastStreamID uint32
	ErrorCode    ErrorCode
	DebugData    []byte
}

func (f *GoAwayFrame) Header() *FrameHeader { return &f.FrameHeader }

func (f *GoAwayFrame) ParsePayload(r io.Reader) error {
	if f.StreamID != 0 {
		return NewConnectionError(ErrCodeProtocolError,
			fmt.Sprintf("received GOAWAY on stream %d", f.StreamID))
	}
	if f.Length < 8 {
		return NewConnectionError(ErrCodeFrameSizeError,
			fmt.Sprintf("GOAWAY frame payload must be at least 8 bytes, got %d", f.Length))
	}
	var fixed [8]byte
	if _, err := io.ReadFull(r, fixed[:]); err != nil {
		return fmt.Errorf("reading GOAWAY fixed fields: %w", err)
	}
	f.LastStreamID = binary.BigEndian.Uint32(fixed[0:4]) & 0x7fffffff
	f.ErrorCode = ErrorCode(binary.BigEndian.Uint32(fixed[4:8]))
	f.DebugData = make([]byte, f.Length-8)
	if _, err := io.ReadFull(r, f.DebugData); err != nil {
		return fmt.Errorf("reading GOAWAY debug data: %w", err)
	}
	return nil
}

func (f *GoAwayFrame) WritePayload(w io.Writer) (int64, error) {
	var fixed [8]byte
	binary.BigEndian.PutUint32(fixed[0:4], f.LastStreamID&0x7fffffff)
	binary.BigEndian.PutUint32(fixed[4:8], uint32(f.ErrorCode))
	n, err := w.Write(fixed[:])
	total := int64(n)
	if err != nil {
		return total, err
	}
	if len(f.DebugData) > 0 {
		n, err = w.Write(f.DebugData)
		total += int64(n)
	}
	return total, err
}

func (f *GoAwayFrame) PayloadLen() uint32 { return 8 + uint32(len(f.DebugData)) }

// WindowUpdateFrame grants flow-control credit for a stream, or for the whole
// connection when StreamID is 0 (RFC 7540 Section 6.9).
type WindowUpdateFrame struct {
	FrameHeader
	Increment uint32 // 31 bits
}

func (f *WindowUpdateFrame) Header() *FrameHeader { return &f.FrameHeader }

func (f *WindowUpdateFrame) ParsePayload(r io.Reader) error {
	if f.Length != 4 {
		return NewConnectionError(ErrCodeFrameSizeError,
			fmt.Sprintf("WINDOW_UPDATE frame payload must be 4 bytes, got %d", f.Length))
	}
	var buf [4]byte
	if _, err := io.ReadFull(r, buf[:]); err != nil {
		return fmt.Errorf("reading WINDOW_UPDATE increment: %w", err)
	}
	// A zero increment is structurally valid; flow-control logic rejects it.
	f.Increment = binary.BigEndian.Uint32(buf[:]) & 0x7fffffff
	return nil
}

func (f *WindowUpdateFrame) WritePayload(w io.Writer) (int64, error) {
	var buf [4]byte
	binary.BigEndian.PutUint32(buf[:], f.Increment&0x7fffffff)
	n, err := w.Write(buf[:])
	return int64(n), err
}

func (f *WindowUpdateFrame) PayloadLen() uint32 { return 4 }

// ContinuationFrame carries further fragments of a header block (RFC 7540
// Section 6.10).
type ContinuationFrame struct {
	FrameHeader
	HeaderBlockFragment []byte
}

func (f *ContinuationFrame) Header() *FrameHeader { return &f.FrameHeader }

func (f *ContinuationFrame) ParsePayload(r io.Reader) error {
	if f.StreamID == 0 {
		return NewConnectionError(ErrCodeProtocolError, "received CONTINUATION on stream 0")
	}
	f.HeaderBlockFragment = make([]byte, f.Length)
	if _, err := io.ReadFull(r, f.HeaderBlockFragment); err != nil {
		return fmt.Errorf("reading CONTINUATION header block fragment: %w", err)
	}
	return nil
}

func (f *ContinuationFrame) WritePayload(w io.Writer) (int64, error) {
	n, err := w.Write(f.HeaderBlockFragment)
	return int64(n), err
}

func (f *ContinuationFrame) PayloadLen() uint32 { return uint32(len(f.HeaderBlockFragment)) }

// UnknownFrame holds a frame of unrecognized type. RFC 7540, 4.1: unknown
// frame types must be ignored and discarded, not treated as errors.
type UnknownFrame struct {
	FrameHeader
	Payload []byte
}

func (f *UnknownFrame) Header() *FrameHeader { return &f.FrameHeader }

func (f *UnknownFrame) ParsePayload(r io.Reader) error {
	f.Payload = make([]byte, f.Length)
	if _, err := io.ReadFull(r, f.Payload); err != nil {
		return fmt.Errorf("reading unknown frame payload: %w", err)
	}
	return nil
}

func (f *UnknownFrame) WritePayload(w io.Writer) (int64, error) {
	n, err := w.Write(f.Payload)
	return int64(n), err
}

func (f *UnknownFrame) PayloadLen() uint32 { return uint32(len(f.Payload)) }

// newFrame returns an empty frame value for the given header.
func newFrame(fh FrameHeader) Frame {
	var f Frame
	switch fh.Type {
	case FrameData:
		f = &DataFrame{FrameHeader: fh}
	case FrameHeaders:
		f = &HeadersFrame{FrameHeader: fh}
	case FramePriority:
		f = &PriorityFrame{FrameHeader: fh}
	case FrameRSTStream:
		f = &RSTStreamFrame{FrameHeader: fh}
	case FrameSettings:
		f = &SettingsFrame{FrameHeader: fh}
	case FramePushPromise:
		f = &PushPromiseFrame{FrameHeader: fh}
	case FramePing:
		f = &PingFrame{FrameHeader: fh}
	case FrameGoAway:
		f = &GoAwayFrame{FrameHeader: fh}
	case FrameWindowUpdate:
		f = &WindowUpdateFrame{FrameHeader: fh}
	case FrameContinuation:
		f = &ContinuationFrame{FrameHeader: fh}
	default:
		f = &UnknownFrame{FrameHeader: fh}
	}
	return f
}

// ReadFrame reads one complete frame from r. Frames longer than maxFrameSize
// are rejected with a FRAME_SIZE_ERROR connection error before the payload is
// parsed. Bytes that cannot be parsed as a frame header propagate the raw
// read error, which callers treat as fatal.
func ReadFrame(r io.Reader, maxFrameSize uint32) (Frame, error) {
	fh, err := ReadFrameHeader(r)
	if err != nil {
		return nil, err
	}
	if fh.Length > maxFrameSize {
		return nil, NewConnectionError(ErrCodeFrameSizeError,
			fmt.Sprintf("%s frame of %d bytes exceeds SETTINGS_MAX_FRAME_SIZE %d", fh.Type, fh.Length, maxFrameSize))
	}
	f := newFrame(fh)
	if err := f.ParsePayload(r); err != nil {
		switch err.(type) {
		case *StreamError, *ConnectionError:
			return nil, err
		}
		return nil, fmt.Errorf("parsing %s payload: %w", fh.Type, err)
	}
	return f, nil
}

// WriteFrame serializes one complete frame to w. The header's Length field is
// recomputed from the payload before writing.
func WriteFrame(w io.Writer, f Frame) error {
	fh := f.Header()
	fh.Length = f.PayloadLen()
	if _, err := fh.WriteTo(w); err != nil {
		return fmt.Errorf("writing %s frame header: %w", fh.Type, err)
	}
	n, err := f.WritePayload(w)
	if err != nil {
		return fmt.Errorf("writing %s payload: %w", fh.Type, err)
	}
	if uint32(n) != fh.Length {
		return fmt.Errorf("internal: %s payload wrote %d bytes, declared %d", fh.Type, n, fh.Length)
	}
	return nil
}
