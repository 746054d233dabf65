// Package http2 implements an HTTP/2 (RFC 7540) protocol engine: frame
// codec, stream state machine, flow control, settings negotiation and
// error/reset handling. Header compression is delegated to
// golang.org/x/net/http2/hpack; TLS and ALPN belong to the transport the
// caller hands in.
package http2

import (
	"bufio"
	"context"
	"crypto/rand"
	"errors"
	"fmt"
	"io"
	"net"
	"sync"
	"time"

	"example.com/h2engine/internal/logger"
)

// ClientPreface is the fixed octet sequence every client connection starts
// with (RFC 7540 Section 3.5).
const ClientPreface = "PRI * HTTP/2.0\r\n\r\nSM\r\n\r\n"

// ErrGoAwayReceived is returned by OpenStream after the peer announced
// shutdown; streams at or below the peer's last-stream-id continue.
var ErrGoAwayReceived = errors.New("http2: peer sent GOAWAY, no new streams")

// ErrConnectionClosed is returned for operations on a closed connection.
var ErrConnectionClosed = errors.New("http2: connection closed")

// shutdownFlushTimeout bounds how long teardown waits for the writer to
// flush a final GOAWAY before the transport is closed under it. A peer that
// stopped reading must not be able to pin the connection's goroutines.
const shutdownFlushTimeout = time.Second

// Options configures a Connection.
type Options struct {
	// Settings overrides individual values advertised in the initial
	// SETTINGS frame. Nil keeps the defaults.
	Settings map[SettingID]uint32
	// Handler is invoked on its own goroutine for every peer-initiated
	// stream, after the opening header block has been decoded. Required for
	// servers; clients may leave it nil (push is disabled).
	Handler func(*Stream)
	// Logger defaults to a no-op logger.
	Logger *logger.Logger
}

// Connection multiplexes streams over one transport connection. A single
// reader goroutine decodes and dispatches inbound frames; a single writer
// goroutine serializes outbound frames, so wire order equals emit order. All
// shared protocol state is mutated from the dispatch path or behind the
// connection's locks; stream handles never touch it directly.
type Connection struct {
	nc       net.Conn
	br       *bufio.Reader
	bw       *bufio.Writer
	log      *logger.Logger
	isClient bool
	handler  func(*Stream)

	// lifecycle
	shutdown   chan struct{}
	readerDone chan struct{}
	writerDone chan struct{}
	closeOnce  sync.Once
	errMu      sync.Mutex
	connErr    error

	readyOnce sync.Once
	readyCh   chan struct{} // closed after the first peer SETTINGS applied

	// stream table; ids are monotonically increasing and never reused
	streamsMu       sync.Mutex
	streams         map[uint32]*Stream
	nextLocalID     uint32 // next id we may allocate (odd client / even server)
	highestPeerID   uint32 // highest peer-initiated id seen
	localStreams    int    // live streams we initiated
	peerStreams     int    // live streams the peer initiated
	goAwaySent      bool
	goAwayRecv      bool
	peerLastStream  uint32 // from the peer's GOAWAY
	sentLastStream  uint32 // what we promised in our GOAWAY
	resetStreamsLog map[uint32]struct{}

	// settings; local = what we advertise, peer = what they advertised
	settingsMu    sync.RWMutex
	localSettings map[SettingID]uint32
	peerSettings  map[SettingID]uint32

	// connection-scoped flow control (independent of SETTINGS_INITIAL_WINDOW_SIZE)
	sendWindow *flowControlWindow
	recvWindow *receiveWindow

	// header compression; encMu serializes HPACK encoding with frame
	// emission so encoder state and wire order stay consistent, and keeps
	// stream-id allocation monotonic on the wire
	encMu     sync.Mutex
	hpack     *headerCodec
	assembler headerAssembler

	writerChan chan []Frame

	pingMu      sync.Mutex
	activePings map[[8]byte]chan struct{}
}

// NewConnection wraps an established transport (already past TLS/ALPN for
// encrypted connections). Call Start to perform the preface and settings
// exchange and begin frame processing.
func NewConnection(nc net.Conn, isClient bool, opts Options) *Connection {
	lg := opts.Logger
	if lg == nil {
		lg = logger.NewNop()
	}
	c := &Connection{
		nc:              nc,
		br:              bufio.NewReader(nc),
		bw:              bufio.NewWriter(nc),
		log:             lg,
		isClient:        isClient,
		handler:         opts.Handler,
		shutdown:        make(chan struct{}),
		readerDone:      make(chan struct{}),
		writerDone:      make(chan struct{}),
		readyCh:         make(chan struct{}),
		streams:         make(map[uint32]*Stream),
		localSettings:   defaultLocalSettings(isClient),
		peerSettings:    defaultPeerSettings(),
		sendWindow:      newFlowControlWindow(DefaultInitialWindowSize, 0),
		recvWindow:      newReceiveWindow(DefaultInitialWindowSize, 0),
		writerChan:      make(chan []Frame, 64),
		activePings:     make(map[[8]byte]chan struct{}),
		resetStreamsLog: make(map[uint32]struct{}),
	}
	if isClient {
		c.nextLocalID = 1
	} else {
		c.nextLocalID = 2
	}
	for id, v := range opts.Settings {
		c.localSettings[id] = v
	}
	c.hpack = newHeaderCodec(c.localSettings[SettingHeaderTableSize])
	c.assembler.maxSize = c.localSettings[SettingMaxHeaderListSize]
	return c
}

// Start performs the connection preface (client magic plus initial SETTINGS)
// and launches the read and write loops.
func (c *Connection) Start() error {
	if c.isClient {
		if _, err := c.bw.WriteString(ClientPreface); err != nil {
			return fmt.Errorf("writing client preface: %w", err)
		}
	} else {
		magic := make([]byte, len(ClientPreface))
		if _, err := io.ReadFull(c.br, magic); err != nil {
			return fmt.Errorf("reading client preface: %w", err)
		}
		if string(magic) != ClientPreface {
			return NewConnectionError(ErrCodeProtocolError, "invalid client connection preface")
		}
	}
	if err := WriteFrame(c.bw, c.initialSettingsFrame()); err != nil {
		return fmt.Errorf("writing initial SETTINGS: %w", err)
	}
	if err := c.bw.Flush(); err != nil {
		return fmt.Errorf("flushing preface: %w", err)
	}
	go c.readLoop()
	go c.writeLoop()
	c.log.Debug("connection started", logger.LogFields{"client": c.isClient, "remote": c.nc.RemoteAddr().String()})
	return nil
}

func (c *Connection) initialSettingsFrame() *SettingsFrame {
	c.settingsMu.RLock()
	defer c.settingsMu.RUnlock()
	f := &SettingsFrame{FrameHeader: FrameHeader{Type: FrameSettings}}
	for _, id := range []SettingID{
		SettingHeaderTableSize, SettingEnablePush, SettingMaxConcurrentStreams,
		SettingInitialWindowSize, SettingMaxFrameSize, SettingMaxHeaderListSize,
	} {
		if v, ok := c.localSettings[id]; ok {
			f.Settings = append(f.Settings, Setting{ID: id, Value: v})
		}
	}
	return f
}

// Ready blocks until the first settings exchange with the peer completes.
func (c *Connection) Ready(ctx context.Context) error {
	select {
	case <-c.readyCh:
		return nil
	case <-c.shutdown:
		return c.Err()
	case <-ctx.Done():
		return ctx.Err()
	}
}

// Done is closed once the connection has fully shut down.
func (c *Connection) Done() <-chan struct{} { return c.readerDone }

// Err returns the error that terminated the connection, nil while it is
// still live or after a clean shutdown.
func (c *Connection) Err() error {
	c.errMu.Lock()
	defer c.errMu.Unlock()
	return c.connErr
}

func (c *Connection) localMaxFrameSize() uint32 {
	c.settingsMu.RLock()
	defer c.settingsMu.RUnlock()
	return c.localSettings[SettingMaxFrameSize]
}

func (c *Connection) peerMaxFrameSize() uint32 {
	c.settingsMu.RLock()
	defer c.settingsMu.RUnlock()
	return c.peerSettings[SettingMaxFrameSize]
}

func (c *Connection) peerInitialWindow() uint32 {
	c.settingsMu.RLock()
	defer c.settingsMu.RUnlock()
	return c.peerSettings[SettingInitialWindowSize]
}

func (c *Connection) localInitialWindow() uint32 {
	c.settingsMu.RLock()
	defer c.settingsMu.RUnlock()
	return c.localSettings[SettingInitialWindowSize]
}

// peerInitiatedID reports whether id belongs to the peer's allocation
// parity: odd ids are client-initiated, even ids server-initiated.
func (c *Connection) peerInitiatedID(id uint32) bool {
	if c.isClient {
		return id%2 == 0
	}
	return id%2 == 1
}

// queueFrames hands frames to the writer goroutine as one contiguous batch.
// Batching is what keeps a header block's HEADERS+CONTINUATION sequence
// uninterrupted on the wire.
func (c *Connection) queueFrames(frames ...Frame) error {
	select {
	case c.writerChan <- frames:
		return nil
	case <-c.shutdown:
		return ErrConnectionClosed
	}
}

func (c *Connection) writeLoop() {
	defer close(c.writerDone)
	flushAndSend := func(batch []Frame) bool {
		for _, f := range batch {
			c.log.Trace("frame sent", logger.LogFields{
				"frame_type": f.Header().Type.String(),
				"stream_id":  f.Header().StreamID,
				"length":     f.PayloadLen(),
			})
			if err := WriteFrame(c.bw, f); err != nil {
				c.teardown(fmt.Errorf("writing frame: %w", err))
				return false
			}
		}
		if err := c.bw.Flush(); err != nil {
			c.teardown(fmt.Errorf("flushing frames: %w", err))
			return false
		}
		return true
	}
	for {
		select {
		case batch := <-c.writerChan:
			if !flushAndSend(batch) {
				return
			}
		case <-c.shutdown:
			// Drain whatever was queued before shutdown so a final GOAWAY
			// still reaches the peer.
			for {
				select {
				case batch := <-c.writerChan:
					if !flushAndSend(batch) {
						return
					}
				default:
					return
				}
			}
		}
	}
}

func (c *Connection) readLoop() {
	defer close(c.readerDone)
	for {
		f, err := ReadFrame(c.br, c.localMaxFrameSize())
		if err != nil {
			// A stream-scoped parse error leaves the reader on a frame
			// boundary; reset the stream and keep going.
			var se *StreamError
			if errors.As(err, &se) {
				if rstErr := c.resetStream(se.StreamID, se.Code); rstErr != nil {
					c.teardown(rstErr)
					return
				}
				continue
			}
			c.handleReadError(err)
			return
		}
		fh := f.Header()
		c.log.Trace("frame received", logger.LogFields{
			"frame_type": fh.Type.String(),
			"stream_id":  fh.StreamID,
			"length":     fh.Length,
		})
		if err := c.dispatch(f); err != nil {
			var se *StreamError
			var ce *ConnectionError
			switch {
			case errors.As(err, &se):
				c.log.Warn("stream error", logger.LogFields{"stream_id": se.StreamID, "err_code": se.Code.String(), "err": se.Msg})
				if rstErr := c.resetStream(se.StreamID, se.Code); rstErr != nil {
					c.fatal(NewConnectionErrorWithCause(ErrCodeInternalError, "failed to reset stream", rstErr))
					return
				}
			case errors.As(err, &ce):
				c.fatal(ce)
				return
			default:
				c.fatal(NewConnectionErrorWithCause(ErrCodeInternalError, "frame dispatch failed", err))
				return
			}
		}
	}
}

func (c *Connection) handleReadError(err error) {
	var ce *ConnectionError
	switch {
	case errors.As(err, &ce):
		c.fatal(ce)
	case errors.Is(err, io.EOF), errors.Is(err, io.ErrUnexpectedEOF),
		errors.Is(err, io.ErrClosedPipe), errors.Is(err, net.ErrClosed):
		c.teardown(nil)
	default:
		// Bytes that cannot be parsed as a frame are always fatal.
		c.fatal(NewConnectionErrorWithCause(ErrCodeProtocolError, "malformed frame", err))
	}
}

// dispatch routes one decoded frame. It runs only on the reader goroutine;
// this is the single point that mutates stream lifecycle state.
func (c *Connection) dispatch(f Frame) error {
	fh := f.Header()
	// RFC 7540, 4.3: a header block in progress admits only CONTINUATION
	// frames for the same stream.
	if c.assembler.interruptedBy(fh.Type) {
		return NewConnectionError(ErrCodeProtocolError,
			fmt.Sprintf("%s frame interrupts header block on stream %d", fh.Type, c.assembler.streamID))
	}
	switch f := f.(type) {
	case *SettingsFrame:
		return c.handleSettings(f)
	case *PingFrame:
		return c.handlePing(f)
	case *GoAwayFrame:
		return c.handleGoAway(f)
	case *WindowUpdateFrame:
		return c.handleWindowUpdate(f)
	case *HeadersFrame:
		return c.handleHeaders(f)
	case *ContinuationFrame:
		return c.handleContinuation(f)
	case *DataFrame:
		return c.handleData(f)
	case *RSTStreamFrame:
		return c.handleRSTStream(f)
	case *PushPromiseFrame:
		return c.handlePushPromise(f)
	case *PriorityFrame:
		// Decoded for wire compatibility; no priority tree is kept.
		return nil
	case *UnknownFrame:
		// RFC 7540, 4.1: unknown frame types are ignored and discarded.
		c.log.Debug("ignoring unknown frame type", logger.LogFields{"type": uint8(f.Type), "stream_id": f.StreamID})
		return nil
	default:
		return NewConnectionError(ErrCodeInternalError, fmt.Sprintf("unhandled frame type %s", fh.Type))
	}
}

// handleSettings applies a peer SETTINGS frame atomically and queues the
// mandatory ACK. Unknown setting ids are ignored.
func (c *Connection) handleSettings(f *SettingsFrame) error {
	if f.IsAck() {
		c.log.Debug("SETTINGS acknowledged by peer", nil)
		return nil
	}
	for _, s := range f.Settings {
		if err := verifySetting(s); err != nil {
			return err
		}
	}

	c.settingsMu.Lock()
	oldInitialWindow := c.peerSettings[SettingInitialWindowSize]
	oldTableSize := c.peerSettings[SettingHeaderTableSize]
	for _, s := range f.Settings {
		switch s.ID {
		case SettingHeaderTableSize, SettingEnablePush, SettingMaxConcurrentStreams,
			SettingInitialWindowSize, SettingMaxFrameSize, SettingMaxHeaderListSize:
			c.peerSettings[s.ID] = s.Value
		default:
			c.log.Debug("ignoring unknown setting", logger.LogFields{"id": uint16(s.ID), "value": s.Value})
		}
	}
	newInitialWindow := c.peerSettings[SettingInitialWindowSize]
	newTableSize := c.peerSettings[SettingHeaderTableSize]
	c.settingsMu.Unlock()

	// RFC 7540, 6.9.2: an INITIAL_WINDOW_SIZE change retroactively adjusts
	// every stream send window by the delta; it may go negative.
	if newInitialWindow != oldInitialWindow {
		for _, s := range c.snapshotStreams() {
			if err := s.sendWindow.setInitial(newInitialWindow); err != nil {
				return err
			}
		}
	}
	if newTableSize != oldTableSize {
		c.encMu.Lock()
		c.hpack.setEncoderTableSize(newTableSize)
		c.encMu.Unlock()
	}

	ack := &SettingsFrame{FrameHeader: FrameHeader{Type: FrameSettings, Flags: FlagSettingsAck}}
	if err := c.queueFrames(ack); err != nil {
		return err
	}
	c.readyOnce.Do(func() { close(c.readyCh) })
	return nil
}

func (c *Connection) handlePing(f *PingFrame) error {
	if f.IsAck() {
		c.pingMu.Lock()
		if ch, ok := c.activePings[f.OpaqueData]; ok {
			delete(c.activePings, f.OpaqueData)
			close(ch)
		}
		c.pingMu.Unlock()
		return nil
	}
	// Echo the opaque data verbatim.
	echo := &PingFrame{
		FrameHeader: FrameHeader{Type: FramePing, Flags: FlagPingAck},
		OpaqueData:  f.OpaqueData,
	}
	return c.queueFrames(echo)
}

func (c *Connection) handleGoAway(f *GoAwayFrame) error {
	c.log.Info("GOAWAY received", logger.LogFields{
		"err_code":       f.ErrorCode.String(),
		"last_stream_id": f.LastStreamID,
		"debug":          string(f.DebugData),
	})
	c.streamsMu.Lock()
	c.goAwayRecv = true
	c.peerLastStream = f.LastStreamID
	var abandoned []*Stream
	for id, s := range c.streams {
		if !c.peerInitiatedID(id) && id > f.LastStreamID {
			abandoned = append(abandoned, s)
		}
	}
	c.streamsMu.Unlock()
	// Streams above the peer's last-stream-id will never be processed;
	// in-flight streams at or below it run to completion.
	for _, s := range abandoned {
		s.closeWithError(NewStreamError(s.id, ErrCodeRefusedStream, "abandoned by peer GOAWAY"))
	}
	if f.ErrorCode != ErrCodeNoError {
		c.teardown(NewConnectionError(f.ErrorCode, fmt.Sprintf("peer terminated connection: %s", string(f.DebugData))))
	}
	return nil
}

func (c *Connection) handleWindowUpdate(f *WindowUpdateFrame) error {
	if f.StreamID == 0 {
		return c.sendWindow.increase(f.Increment)
	}
	s := c.lookupStream(f.StreamID)
	if s == nil {
		if c.isIdleStreamID(f.StreamID) {
			return NewConnectionError(ErrCodeProtocolError,
				fmt.Sprintf("WINDOW_UPDATE on idle stream %d", f.StreamID))
		}
		// Recently-closed stream: credit for it is meaningless, ignore.
		return nil
	}
	return s.processWindowUpdate(f.Increment)
}

func (c *Connection) handleHeaders(f *HeadersFrame) error {
	if err := c.assembler.begin(f.StreamID, FrameHeaders, f.HeaderBlockFragment, f.Flags.Has(FlagHeadersEndStream), 0); err != nil {
		return err
	}
	if f.Flags.Has(FlagHeadersEndHeaders) {
		return c.completeHeaderBlock()
	}
	return nil
}

func (c *Connection) handleContinuation(f *ContinuationFrame) error {
	if err := c.assembler.addContinuation(f); err != nil {
		return err
	}
	if f.Flags.Has(FlagContinuationEndHeaders) {
		return c.completeHeaderBlock()
	}
	return nil
}

func (c *Connection) handlePushPromise(f *PushPromiseFrame) error {
	// Clients advertise ENABLE_PUSH=0 and servers never receive pushes, so
	// an incoming PUSH_PROMISE is always a protocol violation here.
	if !c.isClient {
		return NewConnectionError(ErrCodeProtocolError, "PUSH_PROMISE received by server")
	}
	c.settingsMu.RLock()
	pushEnabled := c.localSettings[SettingEnablePush] == 1
	c.settingsMu.RUnlock()
	if !pushEnabled {
		return NewConnectionError(ErrCodeProtocolError, "PUSH_PROMISE received with push disabled")
	}
	return c.assembler.begin(f.StreamID, FramePushPromise, f.HeaderBlockFragment, false, f.PromisedStreamID)
}

// completeHeaderBlock decodes the assembled block and routes it to its
// stream, creating the stream first for peer-initiated ids.
func (c *Connection) completeHeaderBlock() error {
	streamID := c.assembler.streamID
	frameType := c.assembler.frameType
	endStream := c.assembler.endStream
	promisedID := c.assembler.promisedID
	block := c.assembler.complete()

	fields, err := c.hpack.decode(block)
	if err != nil {
		return err
	}

	if frameType == FramePushPromise {
		return c.acceptPushedStream(streamID, promisedID, fields)
	}

	s := c.lookupStream(streamID)
	if s == nil {
		if !c.peerInitiatedID(streamID) {
			// Our own allocation parity. An id we never allocated is the
			// peer speaking for the wrong party; a lower id is just a
			// finished stream.
			if c.isIdleStreamID(streamID) {
				return NewConnectionError(ErrCodeProtocolError,
					fmt.Sprintf("HEADERS on stream %d, which this endpoint never opened", streamID))
			}
			return NewStreamError(streamID, ErrCodeStreamClosed, "HEADERS on closed stream")
		}
		var err error
		s, err = c.acceptPeerStream(streamID)
		if err != nil || s == nil {
			return err
		}
	}
	if err := s.processHeaders(fields, endStream); err != nil {
		return err
	}
	return nil
}

// acceptPeerStream creates the stream for a peer-initiated HEADERS, applying
// id-ordering and concurrency rules. Returns (nil, nil) when the frame must
// be ignored because of our own GOAWAY.
func (c *Connection) acceptPeerStream(id uint32) (*Stream, error) {
	c.streamsMu.Lock()
	if id <= c.highestPeerID {
		c.streamsMu.Unlock()
		// Ids are never reused; anything at or below the high-water mark is
		// a closed stream.
		return nil, NewStreamError(id, ErrCodeStreamClosed, "HEADERS on closed stream")
	}
	if c.goAwaySent && id > c.sentLastStream {
		c.streamsMu.Unlock()
		return nil, nil
	}
	c.settingsMu.RLock()
	limit := c.localSettings[SettingMaxConcurrentStreams]
	c.settingsMu.RUnlock()
	if uint32(c.peerStreams) >= limit {
		c.streamsMu.Unlock()
		// RFC 7540, 5.1.2: exceeding the advertised limit refuses the
		// stream, not the connection.
		return nil, NewStreamError(id, ErrCodeRefusedStream,
			fmt.Sprintf("peer exceeded SETTINGS_MAX_CONCURRENT_STREAMS %d", limit))
	}
	c.highestPeerID = id
	s := newStream(c, id, false, c.peerInitialWindow(), c.localInitialWindow())
	c.streams[id] = s
	c.peerStreams++
	c.streamsMu.Unlock()

	if c.handler != nil {
		go c.handler(s)
	}
	return s, nil
}

// acceptPushedStream records a PUSH_PROMISE reservation. Reaching this
// requires the caller to have explicitly enabled push in Options.
func (c *Connection) acceptPushedStream(assocID, promisedID uint32, fields []HeaderField) error {
	if !c.peerInitiatedID(promisedID) {
		return NewConnectionError(ErrCodeProtocolError,
			fmt.Sprintf("PUSH_PROMISE promised stream %d with wrong parity", promisedID))
	}
	c.streamsMu.Lock()
	if promisedID <= c.highestPeerID {
		c.streamsMu.Unlock()
		return NewConnectionError(ErrCodeProtocolError,
			fmt.Sprintf("PUSH_PROMISE reuses stream id %d", promisedID))
	}
	c.highestPeerID = promisedID
	s := newStream(c, promisedID, false, c.peerInitialWindow(), c.localInitialWindow())
	s.state = StreamStateReservedRemote
	s.headers = fields
	s.hdrDone = true
	close(s.hdrReady)
	c.streams[promisedID] = s
	c.peerStreams++
	c.streamsMu.Unlock()

	c.log.Debug("push promise accepted", logger.LogFields{
		"stream_id":   assocID,
		"promised_id": promisedID,
	})
	if c.handler != nil {
		go c.handler(s)
	}
	return nil
}

func (c *Connection) handleData(f *DataFrame) error {
	length := f.PayloadLen()
	// Padding counts against flow control even when the stream is gone.
	if err := c.recvWindow.take(length); err != nil {
		return err
	}
	s := c.lookupStream(f.StreamID)
	if s == nil {
		// Return the credit: nothing will consume these bytes.
		if grant := c.recvWindow.consumed(length); grant > 0 {
			if err := c.queueFrames(&WindowUpdateFrame{
				FrameHeader: FrameHeader{Type: FrameWindowUpdate},
				Increment:   grant,
			}); err != nil {
				return err
			}
		}
		if c.isIdleStreamID(f.StreamID) {
			return NewConnectionError(ErrCodeProtocolError,
				fmt.Sprintf("DATA on idle stream %d", f.StreamID))
		}
		return NewStreamError(f.StreamID, ErrCodeStreamClosed, "DATA on closed stream")
	}
	err := s.processData(f.Data, f.Flags.Has(FlagDataEndStream), length)
	if err != nil {
		// The data was dropped, so hand its connection-level credit back.
		if grant := c.recvWindow.consumed(length); grant > 0 {
			_ = c.queueFrames(&WindowUpdateFrame{
				FrameHeader: FrameHeader{Type: FrameWindowUpdate},
				Increment:   grant,
			})
		}
		return err
	}
	// Padding was debited from both windows but never reaches the
	// application, so credit it back immediately.
	if pad := length - uint32(len(f.Data)); pad > 0 {
		c.noteConsumed(s, pad)
	}
	return nil
}

func (c *Connection) handleRSTStream(f *RSTStreamFrame) error {
	s := c.lookupStream(f.StreamID)
	if s == nil {
		if c.isIdleStreamID(f.StreamID) {
			// RFC 7540, 6.4: RST_STREAM on an idle stream is a connection
			// error of type PROTOCOL_ERROR.
			return NewConnectionError(ErrCodeProtocolError,
				fmt.Sprintf("RST_STREAM on idle stream %d", f.StreamID))
		}
		// Duplicate reset for an already-closed stream: no-op.
		return nil
	}
	c.log.Debug("stream reset by peer", logger.LogFields{"stream_id": f.StreamID, "err_code": f.ErrorCode.String()})
	s.processRSTStream(f.ErrorCode)
	return nil
}

// isIdleStreamID reports whether id has never been used by either party.
func (c *Connection) isIdleStreamID(id uint32) bool {
	c.streamsMu.Lock()
	defer c.streamsMu.Unlock()
	if c.peerInitiatedID(id) {
		return id > c.highestPeerID
	}
	return id >= c.nextLocalID
}

func (c *Connection) lookupStream(id uint32) *Stream {
	c.streamsMu.Lock()
	defer c.streamsMu.Unlock()
	return c.streams[id]
}

func (c *Connection) snapshotStreams() []*Stream {
	c.streamsMu.Lock()
	defer c.streamsMu.Unlock()
	out := make([]*Stream, 0, len(c.streams))
	for _, s := range c.streams {
		out = append(out, s)
	}
	return out
}

// OpenStream allocates a new locally-initiated stream and sends its opening
// header block. endStream marks the request as having no body.
func (c *Connection) OpenStream(fields []HeaderField, endStream bool) (*Stream, error) {
	select {
	case <-c.shutdown:
		return nil, ErrConnectionClosed
	default:
	}
	c.settingsMu.RLock()
	limit := c.peerSettings[SettingMaxConcurrentStreams]
	c.settingsMu.RUnlock()

	// Id allocation and HEADERS emission happen under encMu so stream ids
	// appear on the wire in increasing order.
	c.encMu.Lock()
	defer c.encMu.Unlock()

	c.streamsMu.Lock()
	if c.goAwayRecv {
		c.streamsMu.Unlock()
		return nil, ErrGoAwayReceived
	}
	if uint32(c.localStreams) >= limit {
		c.streamsMu.Unlock()
		return nil, NewStreamError(0, ErrCodeRefusedStream,
			fmt.Sprintf("would exceed peer's SETTINGS_MAX_CONCURRENT_STREAMS %d", limit))
	}
	id := c.nextLocalID
	c.nextLocalID += 2
	s := newStream(c, id, true, c.peerInitialWindow(), c.localInitialWindow())
	c.streams[id] = s
	c.localStreams++
	c.streamsMu.Unlock()

	if err := c.writeHeadersLocked(s, fields, endStream); err != nil {
		s.closeWithError(err)
		return nil, err
	}
	s.mu.Lock()
	s.headersSent = true
	s.state = StreamStateOpen
	if endStream {
		s.endStreamSent = true
		s.state = StreamStateHalfClosedLocal
	}
	s.mu.Unlock()
	return s, nil
}

// writeHeaders encodes and queues a header block for s.
func (c *Connection) writeHeaders(s *Stream, fields []HeaderField, endStream bool) error {
	c.encMu.Lock()
	defer c.encMu.Unlock()
	return c.writeHeadersLocked(s, fields, endStream)
}

func (c *Connection) writeHeadersLocked(s *Stream, fields []HeaderField, endStream bool) error {
	block, err := c.hpack.encode(fields)
	if err != nil {
		return NewStreamErrorWithCause(s.id, ErrCodeInternalError, "header encoding failed", err)
	}
	frames := splitHeaderBlock(s.id, block, c.peerMaxFrameSize(), endStream)
	return c.queueFrames(frames...)
}

// resetStream sends RST_STREAM with the given code and tears down local
// stream state. Safe to call for streams that no longer exist.
func (c *Connection) resetStream(id uint32, code ErrorCode) error {
	if id == 0 {
		return NewConnectionError(ErrCodeInternalError, "cannot reset stream 0")
	}
	c.streamsMu.Lock()
	if _, dup := c.resetStreamsLog[id]; dup {
		c.streamsMu.Unlock()
		return nil
	}
	c.resetStreamsLog[id] = struct{}{}
	c.streamsMu.Unlock()

	if err := c.queueFrames(rstStreamFrame(id, code)); err != nil {
		return err
	}
	if s := c.lookupStream(id); s != nil {
		s.closeWithError(NewStreamError(id, code, "stream reset locally"))
	}
	return nil
}

// removeStream retires a closed stream from the table once both directions
// are done or it was reset.
func (c *Connection) removeStream(s *Stream) {
	c.streamsMu.Lock()
	if _, ok := c.streams[s.id]; ok {
		delete(c.streams, s.id)
		if s.localInitiated {
			c.localStreams--
		} else {
			c.peerStreams--
		}
	}
	c.streamsMu.Unlock()
}

// noteConsumed returns consumed receive credit to the peer, batching small
// reads into WINDOW_UPDATE frames per stream and for the connection.
func (c *Connection) noteConsumed(s *Stream, n uint32) {
	if grant := s.recvWindow.consumed(n); grant > 0 {
		_ = c.queueFrames(&WindowUpdateFrame{
			FrameHeader: FrameHeader{Type: FrameWindowUpdate, StreamID: s.id},
			Increment:   grant,
		})
	}
	if grant := c.recvWindow.consumed(n); grant > 0 {
		_ = c.queueFrames(&WindowUpdateFrame{
			FrameHeader: FrameHeader{Type: FrameWindowUpdate},
			Increment:   grant,
		})
	}
}

// Ping sends a PING with random opaque data and waits for the matching ACK.
// Deciding when an unanswered ping should kill the connection is the
// caller's policy, via ctx.
func (c *Connection) Ping(ctx context.Context) error {
	var data [8]byte
	if _, err := rand.Read(data[:]); err != nil {
		return fmt.Errorf("generating ping payload: %w", err)
	}
	ch := make(chan struct{})
	c.pingMu.Lock()
	c.activePings[data] = ch
	c.pingMu.Unlock()
	defer func() {
		c.pingMu.Lock()
		delete(c.activePings, data)
		c.pingMu.Unlock()
	}()

	f := &PingFrame{FrameHeader: FrameHeader{Type: FramePing}, OpaqueData: data}
	if err := c.queueFrames(f); err != nil {
		return err
	}
	select {
	case <-ch:
		return nil
	case <-c.shutdown:
		return ErrConnectionClosed
	case <-ctx.Done():
		return ctx.Err()
	}
}

// GoAway announces a graceful shutdown: the peer may finish streams at or
// below our current high-water mark but must not open new ones. The
// transport stays open until Close.
func (c *Connection) GoAway(code ErrorCode) error {
	c.streamsMu.Lock()
	if c.goAwaySent {
		c.streamsMu.Unlock()
		return nil
	}
	c.goAwaySent = true
	c.sentLastStream = c.highestPeerID
	last := c.sentLastStream
	c.streamsMu.Unlock()
	c.log.Info("sending GOAWAY", logger.LogFields{"err_code": code.String(), "last_stream_id": last})
	return c.queueFrames(goAwayFrame(last, code, nil))
}

// fatal terminates the connection for a protocol violation: GOAWAY with the
// error's code is emitted and the transport is closed.
func (c *Connection) fatal(ce *ConnectionError) {
	c.log.Error("fatal connection error", logger.LogFields{"err_code": ce.Code.String(), "err": ce.Msg})
	c.streamsMu.Lock()
	alreadySent := c.goAwaySent
	c.goAwaySent = true
	c.sentLastStream = c.highestPeerID
	last := c.sentLastStream
	c.streamsMu.Unlock()
	if !alreadySent {
		// Best effort only: a full writer queue must not stall teardown.
		select {
		case c.writerChan <- []Frame{goAwayFrame(last, ce.Code, ce)}:
		default:
		}
	}
	c.teardown(ce)
}

// Close shuts the connection down, failing all live streams. A nil
// terminating error means clean shutdown.
func (c *Connection) Close() error {
	c.teardown(nil)
	<-c.writerDone
	return nil
}

func (c *Connection) teardown(err error) {
	c.closeOnce.Do(func() {
		c.errMu.Lock()
		c.connErr = err
		c.errMu.Unlock()
		close(c.shutdown)

		streamErr := err
		if streamErr == nil {
			streamErr = ErrConnectionClosed
		}
		for _, s := range c.snapshotStreams() {
			s.closeWithError(streamErr)
		}
		c.sendWindow.close(streamErr)

		// Give the writer a bounded chance to drain the final GOAWAY, then
		// close the transport, which unblocks both the reader and a writer
		// stuck flushing to a peer that stopped reading.
		go func() {
			select {
			case <-c.writerDone:
			case <-time.After(shutdownFlushTimeout):
			}
			_ = c.nc.Close()
		}()
		c.log.Info("connection closed", logger.LogFields{"err": fmt.Sprint(err)})
	})
}
