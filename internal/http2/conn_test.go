package http2

import (
	"bufio"
	"context"
	"io"
	"net"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"example.com/h2engine/internal/logger"
)

// testPeer drives the far end of a net.Pipe by hand, frame by frame, so
// tests control exactly what arrives and observe exactly what was sent.
type testPeer struct {
	t     *testing.T
	nc    net.Conn
	br    *bufio.Reader
	bw    *bufio.Writer
	codec *headerCodec
}

func newTestPeer(t *testing.T, nc net.Conn) *testPeer {
	return &testPeer{
		t:     t,
		nc:    nc,
		br:    bufio.NewReader(nc),
		bw:    bufio.NewWriter(nc),
		codec: newHeaderCodec(DefaultHeaderTableSize),
	}
}

func (p *testPeer) readFrame() Frame {
	p.t.Helper()
	require.NoError(p.t, p.nc.SetReadDeadline(time.Now().Add(2*time.Second)))
	f, err := ReadFrame(p.br, MaxAllowedFrameSize)
	require.NoError(p.t, err)
	return f
}

func (p *testPeer) expectFrame(ft FrameType) Frame {
	p.t.Helper()
	f := p.readFrame()
	require.Equal(p.t, ft, f.Header().Type, "unexpected frame type")
	return f
}

// expectNoFrame asserts that nothing arrives within d.
func (p *testPeer) expectNoFrame(d time.Duration) {
	p.t.Helper()
	require.NoError(p.t, p.nc.SetReadDeadline(time.Now().Add(d)))
	_, err := p.br.Peek(1)
	require.Error(p.t, err, "expected silence on the wire")
}

func (p *testPeer) writeFrame(f Frame) {
	p.t.Helper()
	require.NoError(p.t, p.nc.SetWriteDeadline(time.Now().Add(2*time.Second)))
	require.NoError(p.t, WriteFrame(p.bw, f))
	require.NoError(p.t, p.bw.Flush())
}

func (p *testPeer) expectPreface() {
	p.t.Helper()
	require.NoError(p.t, p.nc.SetReadDeadline(time.Now().Add(2*time.Second)))
	magic := make([]byte, len(ClientPreface))
	_, err := io.ReadFull(p.br, magic)
	require.NoError(p.t, err)
	require.Equal(p.t, ClientPreface, string(magic))
}

// handshake completes the settings exchange from the peer's side.
func (p *testPeer) handshake(settings ...Setting) {
	p.t.Helper()
	p.writeFrame(&SettingsFrame{FrameHeader: FrameHeader{Type: FrameSettings}, Settings: settings})
	ack := p.expectFrame(FrameSettings).(*SettingsFrame)
	require.True(p.t, ack.IsAck(), "expected SETTINGS ACK")
}

func (p *testPeer) sendHeaders(streamID uint32, fields []HeaderField, endStream bool) {
	p.t.Helper()
	block, err := p.codec.encode(fields)
	require.NoError(p.t, err)
	f := &HeadersFrame{
		FrameHeader:         FrameHeader{Type: FrameHeaders, StreamID: streamID, Flags: FlagHeadersEndHeaders},
		HeaderBlockFragment: block,
	}
	if endStream {
		f.Flags |= FlagHeadersEndStream
	}
	p.writeFrame(f)
}

func (p *testPeer) decodeHeaders(f *HeadersFrame) []HeaderField {
	p.t.Helper()
	require.True(p.t, f.Flags.Has(FlagHeadersEndHeaders), "fragmented blocks need CONTINUATION handling")
	fields, err := p.codec.decode(f.HeaderBlockFragment)
	require.NoError(p.t, err)
	return fields
}

// newClientConn returns a started client connection plus the fake peer on
// the other end of the pipe. The peer has consumed the preface and initial
// SETTINGS but not yet responded.
func newClientConn(t *testing.T, opts Options) (*Connection, *testPeer) {
	t.Helper()
	c1, c2 := net.Pipe()
	if opts.Logger == nil {
		opts.Logger = logger.NewNop()
	}
	conn := NewConnection(c1, true, opts)
	startErr := make(chan error, 1)
	go func() { startErr <- conn.Start() }()

	peer := newTestPeer(t, c2)
	peer.expectPreface()
	peer.expectFrame(FrameSettings)
	require.NoError(t, <-startErr)

	t.Cleanup(func() {
		_ = conn.Close()
		_ = c2.Close()
	})
	return conn, peer
}

func testRequestFields() []HeaderField {
	return []HeaderField{
		{Name: ":method", Value: "GET"},
		{Name: ":scheme", Value: "https"},
		{Name: ":authority", Value: "example.com"},
		{Name: ":path", Value: "/"},
	}
}

func TestConnectionHandshake(t *testing.T) {
	conn, peer := newClientConn(t, Options{})
	peer.handshake()

	ctx, cancel := context.WithTimeout(context.Background(), time.Second)
	defer cancel()
	require.NoError(t, conn.Ready(ctx))
}

func TestConnectionReadyBlocksBeforeSettings(t *testing.T) {
	conn, _ := newClientConn(t, Options{})
	ctx, cancel := context.WithTimeout(context.Background(), 50*time.Millisecond)
	defer cancel()
	assert.ErrorIs(t, conn.Ready(ctx), context.DeadlineExceeded)
}

func TestPingEchoedToPeer(t *testing.T) {
	_, peer := newClientConn(t, Options{})
	peer.handshake()

	data := [8]byte{9, 8, 7, 6, 5, 4, 3, 2}
	peer.writeFrame(&PingFrame{FrameHeader: FrameHeader{Type: FramePing}, OpaqueData: data})
	ack := peer.expectFrame(FramePing).(*PingFrame)
	assert.True(t, ack.IsAck())
	assert.Equal(t, data, ack.OpaqueData)
}

func TestPingRoundTrip(t *testing.T) {
	conn, peer := newClientConn(t, Options{})
	peer.handshake()

	done := make(chan error, 1)
	go func() {
		ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
		defer cancel()
		done <- conn.Ping(ctx)
	}()

	pf := peer.expectFrame(FramePing).(*PingFrame)
	require.False(t, pf.IsAck())
	peer.writeFrame(&PingFrame{
		FrameHeader: FrameHeader{Type: FramePing, Flags: FlagPingAck},
		OpaqueData:  pf.OpaqueData,
	})
	require.NoError(t, <-done)
}

func TestRequestResponseExchange(t *testing.T) {
	conn, peer := newClientConn(t, Options{})
	peer.handshake()

	s, err := conn.OpenStream(testRequestFields(), true)
	require.NoError(t, err)
	assert.Equal(t, uint32(1), s.ID())
	assert.Equal(t, StreamStateHalfClosedLocal, s.State())

	hf := peer.expectFrame(FrameHeaders).(*HeadersFrame)
	assert.True(t, hf.Flags.Has(FlagHeadersEndStream))
	fields := peer.decodeHeaders(hf)
	assert.Equal(t, testRequestFields(), fields)

	peer.sendHeaders(1, []HeaderField{
		{Name: ":status", Value: "200"},
		{Name: "content-type", Value: "text/plain"},
	}, false)
	peer.writeFrame(&DataFrame{
		FrameHeader: FrameHeader{Type: FrameData, StreamID: 1, Flags: FlagDataEndStream},
		Data:        []byte("hello world"),
	})

	ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
	defer cancel()
	hdrs, err := s.WaitHeaders(ctx)
	require.NoError(t, err)
	assert.Equal(t, "200", hdrs[0].Value)

	body, err := io.ReadAll(readerFunc(s.Read))
	require.NoError(t, err)
	assert.Equal(t, "hello world", string(body))

	select {
	case <-s.Done():
	case <-time.After(time.Second):
		t.Fatal("stream did not close after both half-closes")
	}
	assert.Equal(t, StreamStateClosed, s.State())
}

func TestTrailersAfterBody(t *testing.T) {
	conn, peer := newClientConn(t, Options{})
	peer.handshake()

	s, err := conn.OpenStream(testRequestFields(), true)
	require.NoError(t, err)
	peer.expectFrame(FrameHeaders)

	peer.sendHeaders(1, []HeaderField{{Name: ":status", Value: "200"}}, false)
	peer.writeFrame(&DataFrame{
		FrameHeader: FrameHeader{Type: FrameData, StreamID: 1},
		Data:        []byte("partial"),
	})
	peer.sendHeaders(1, []HeaderField{{Name: "grpc-status", Value: "0"}}, true)

	body, err := io.ReadAll(readerFunc(s.Read))
	require.NoError(t, err)
	assert.Equal(t, "partial", string(body))

	trailers := s.Trailers()
	require.Len(t, trailers, 1)
	assert.Equal(t, "grpc-status", trailers[0].Name)
}

func TestFlowControlWindowAccounting(t *testing.T) {
	conn, peer := newClientConn(t, Options{})
	peer.handshake()

	s, err := conn.OpenStream(testRequestFields(), false)
	require.NoError(t, err)
	peer.expectFrame(FrameHeaders)

	payload := make([]byte, 100)
	n, err := s.WriteData(payload, false)
	require.NoError(t, err)
	assert.Equal(t, 100, n)

	df := peer.expectFrame(FrameData).(*DataFrame)
	assert.Len(t, df.Data, 100)

	want := int64(DefaultInitialWindowSize) - 100
	assert.Equal(t, want, conn.sendWindow.availableBytes())
	assert.Equal(t, want, s.sendWindow.availableBytes())
}

func TestZeroInitialWindowBlocksData(t *testing.T) {
	conn, peer := newClientConn(t, Options{})
	peer.handshake(Setting{ID: SettingInitialWindowSize, Value: 0})

	ctx, cancel := context.WithTimeout(context.Background(), time.Second)
	defer cancel()
	require.NoError(t, conn.Ready(ctx))

	s, err := conn.OpenStream(testRequestFields(), false)
	require.NoError(t, err)
	peer.expectFrame(FrameHeaders)

	wrote := make(chan int, 1)
	go func() {
		n, _ := s.WriteData([]byte("hello"), false)
		wrote <- n
	}()

	// No stream credit: the write must stall without emitting DATA.
	peer.expectNoFrame(100 * time.Millisecond)

	peer.writeFrame(&WindowUpdateFrame{
		FrameHeader: FrameHeader{Type: FrameWindowUpdate, StreamID: 1},
		Increment:   5,
	})
	df := peer.expectFrame(FrameData).(*DataFrame)
	assert.Equal(t, []byte("hello"), df.Data)
	assert.Equal(t, 5, <-wrote)
}

func TestSettingsInitialWindowDeltaAppliesToOpenStreams(t *testing.T) {
	conn, peer := newClientConn(t, Options{})
	peer.handshake()

	s, err := conn.OpenStream(testRequestFields(), false)
	require.NoError(t, err)
	peer.expectFrame(FrameHeaders)

	_, err = s.WriteData(make([]byte, 100), false)
	require.NoError(t, err)
	peer.expectFrame(FrameData)

	// Shrink the initial window to 50: the open stream's window becomes
	// 50 - 100 = -50. The connection window is not affected.
	peer.handshake(Setting{ID: SettingInitialWindowSize, Value: 50})
	assert.Equal(t, int64(-50), s.sendWindow.availableBytes())
	assert.Equal(t, int64(DefaultInitialWindowSize)-100, conn.sendWindow.availableBytes())
}

func TestHeadersOnStreamThisEndpointNeverOpened(t *testing.T) {
	conn, peer := newClientConn(t, Options{})
	peer.handshake()

	_, err := conn.OpenStream(testRequestFields(), true)
	require.NoError(t, err)
	peer.expectFrame(FrameHeaders)

	// Stream 5 has client parity but was never allocated here.
	peer.sendHeaders(5, []HeaderField{{Name: ":status", Value: "200"}}, true)

	gf := peer.expectFrame(FrameGoAway).(*GoAwayFrame)
	assert.Equal(t, ErrCodeProtocolError, gf.ErrorCode)

	select {
	case <-conn.Done():
	case <-time.After(2 * time.Second):
		t.Fatal("connection did not terminate")
	}
	var ce *ConnectionError
	require.ErrorAs(t, conn.Err(), &ce)
	assert.Equal(t, ErrCodeProtocolError, ce.Code)
}

func TestContinuationInterleavingFatal(t *testing.T) {
	conn, peer := newClientConn(t, Options{})
	peer.handshake()

	_, err := conn.OpenStream(testRequestFields(), true)
	require.NoError(t, err)
	peer.expectFrame(FrameHeaders)

	// Response headers split across CONTINUATION, with a PING wedged in.
	block, err := peer.codec.encode([]HeaderField{{Name: ":status", Value: "200"}})
	require.NoError(t, err)
	peer.writeFrame(&HeadersFrame{
		FrameHeader:         FrameHeader{Type: FrameHeaders, StreamID: 1},
		HeaderBlockFragment: block[:1],
	})
	peer.writeFrame(&PingFrame{FrameHeader: FrameHeader{Type: FramePing}})

	gf := peer.expectFrame(FrameGoAway).(*GoAwayFrame)
	assert.Equal(t, ErrCodeProtocolError, gf.ErrorCode)
}

func TestWindowUpdateZeroIncrementOnConnection(t *testing.T) {
	_, peer := newClientConn(t, Options{})
	peer.handshake()

	peer.writeFrame(&WindowUpdateFrame{FrameHeader: FrameHeader{Type: FrameWindowUpdate}})
	gf := peer.expectFrame(FrameGoAway).(*GoAwayFrame)
	assert.Equal(t, ErrCodeProtocolError, gf.ErrorCode)
}

func TestWindowUpdateOverflowOnStream(t *testing.T) {
	conn, peer := newClientConn(t, Options{})
	peer.handshake()

	s, err := conn.OpenStream(testRequestFields(), false)
	require.NoError(t, err)
	peer.expectFrame(FrameHeaders)

	peer.writeFrame(&WindowUpdateFrame{
		FrameHeader: FrameHeader{Type: FrameWindowUpdate, StreamID: 1},
		Increment:   MaxWindowSize,
	})
	rst := peer.expectFrame(FrameRSTStream).(*RSTStreamFrame)
	assert.Equal(t, uint32(1), rst.StreamID)
	assert.Equal(t, ErrCodeFlowControlError, rst.ErrorCode)

	select {
	case <-s.Done():
	case <-time.After(time.Second):
		t.Fatal("stream did not close after reset")
	}
}

func TestPeerResetsStream(t *testing.T) {
	conn, peer := newClientConn(t, Options{})
	peer.handshake()

	s, err := conn.OpenStream(testRequestFields(), true)
	require.NoError(t, err)
	peer.expectFrame(FrameHeaders)

	peer.writeFrame(&RSTStreamFrame{
		FrameHeader: FrameHeader{Type: FrameRSTStream, StreamID: 1},
		ErrorCode:   ErrCodeCancel,
	})

	select {
	case <-s.Done():
	case <-time.After(time.Second):
		t.Fatal("stream did not observe the reset")
	}
	_, err = s.Read(make([]byte, 1))
	var se *StreamError
	require.ErrorAs(t, err, &se)
	assert.Equal(t, ErrCodeCancel, se.Code)

	// The connection survives.
	peer.writeFrame(&PingFrame{FrameHeader: FrameHeader{Type: FramePing}})
	peer.expectFrame(FramePing)
	select {
	case <-conn.Done():
		t.Fatal("connection terminated on a stream error")
	default:
	}
}

func TestRSTStreamOnIdleStreamFatal(t *testing.T) {
	_, peer := newClientConn(t, Options{})
	peer.handshake()

	peer.writeFrame(&RSTStreamFrame{
		FrameHeader: FrameHeader{Type: FrameRSTStream, StreamID: 9},
		ErrorCode:   ErrCodeCancel,
	})
	gf := peer.expectFrame(FrameGoAway).(*GoAwayFrame)
	assert.Equal(t, ErrCodeProtocolError, gf.ErrorCode)
}

func TestDataOnClosedStreamResets(t *testing.T) {
	conn, peer := newClientConn(t, Options{})
	peer.handshake()

	s, err := conn.OpenStream(testRequestFields(), true)
	require.NoError(t, err)
	peer.expectFrame(FrameHeaders)
	peer.sendHeaders(1, []HeaderField{{Name: ":status", Value: "204"}}, true)

	select {
	case <-s.Done():
	case <-time.After(time.Second):
		t.Fatal("stream did not close")
	}

	peer.writeFrame(&DataFrame{
		FrameHeader: FrameHeader{Type: FrameData, StreamID: 1},
		Data:        []byte("late"),
	})
	rst := peer.expectFrame(FrameRSTStream).(*RSTStreamFrame)
	assert.Equal(t, uint32(1), rst.StreamID)
	assert.Equal(t, ErrCodeStreamClosed, rst.ErrorCode)
}

func TestGoAwayStopsNewStreams(t *testing.T) {
	conn, peer := newClientConn(t, Options{})
	peer.handshake()

	peer.writeFrame(&GoAwayFrame{FrameHeader: FrameHeader{Type: FrameGoAway}, ErrorCode: ErrCodeNoError})
	// A PING round trip guarantees the GOAWAY has been dispatched.
	peer.writeFrame(&PingFrame{FrameHeader: FrameHeader{Type: FramePing}})
	peer.expectFrame(FramePing)

	_, err := conn.OpenStream(testRequestFields(), true)
	assert.ErrorIs(t, err, ErrGoAwayReceived)
}

func TestGoAwayWithErrorTerminates(t *testing.T) {
	conn, peer := newClientConn(t, Options{})
	peer.handshake()

	peer.writeFrame(&GoAwayFrame{
		FrameHeader: FrameHeader{Type: FrameGoAway},
		ErrorCode:   ErrCodeEnhanceYourCalm,
		DebugData:   []byte("too many pings"),
	})
	select {
	case <-conn.Done():
	case <-time.After(2 * time.Second):
		t.Fatal("connection did not terminate")
	}
	var ce *ConnectionError
	require.ErrorAs(t, conn.Err(), &ce)
	assert.Equal(t, ErrCodeEnhanceYourCalm, ce.Code)
}

func TestMaxConcurrentStreamsRefusesLocally(t *testing.T) {
	conn, peer := newClientConn(t, Options{})
	peer.handshake(Setting{ID: SettingMaxConcurrentStreams, Value: 1})

	ctx, cancel := context.WithTimeout(context.Background(), time.Second)
	defer cancel()
	require.NoError(t, conn.Ready(ctx))

	_, err := conn.OpenStream(testRequestFields(), false)
	require.NoError(t, err)
	peer.expectFrame(FrameHeaders)

	_, err = conn.OpenStream(testRequestFields(), false)
	var se *StreamError
	require.ErrorAs(t, err, &se)
	assert.Equal(t, ErrCodeRefusedStream, se.Code)
}

func TestPushPromiseRejectedWhenPushDisabled(t *testing.T) {
	_, peer := newClientConn(t, Options{})
	peer.handshake()

	block, err := peer.codec.encode(testRequestFields())
	require.NoError(t, err)
	peer.writeFrame(&PushPromiseFrame{
		FrameHeader:         FrameHeader{Type: FramePushPromise, StreamID: 1, Flags: FlagPushPromiseEndHeaders},
		PromisedStreamID:    2,
		HeaderBlockFragment: block,
	})
	gf := peer.expectFrame(FrameGoAway).(*GoAwayFrame)
	assert.Equal(t, ErrCodeProtocolError, gf.ErrorCode)
}

func TestGracefulGoAwaySent(t *testing.T) {
	conn, peer := newClientConn(t, Options{})
	peer.handshake()

	require.NoError(t, conn.GoAway(ErrCodeNoError))
	gf := peer.expectFrame(FrameGoAway).(*GoAwayFrame)
	assert.Equal(t, ErrCodeNoError, gf.ErrorCode)
	assert.Equal(t, uint32(0), gf.LastStreamID)

	// Existing traffic still flows after a graceful GOAWAY.
	peer.writeFrame(&PingFrame{FrameHeader: FrameHeader{Type: FramePing}})
	peer.expectFrame(FramePing)
	select {
	case <-conn.Done():
		t.Fatal("graceful GOAWAY must not close the transport")
	default:
	}
}

func TestServerHandlesRequest(t *testing.T) {
	c1, c2 := net.Pipe()
	handler := func(s *Stream) {
		ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
		defer cancel()
		fields, err := s.WaitHeaders(ctx)
		if err != nil {
			return
		}
		var path string
		for _, hf := range fields {
			if hf.Name == ":path" {
				path = hf.Value
			}
		}
		_ = s.SendHeaders([]HeaderField{{Name: ":status", Value: "200"}}, false)
		_, _ = s.WriteData([]byte("served "+path), true)
	}
	conn := NewConnection(c1, false, Options{Handler: handler, Logger: logger.NewNop()})
	startErr := make(chan error, 1)
	go func() { startErr <- conn.Start() }()
	t.Cleanup(func() {
		_ = conn.Close()
		_ = c2.Close()
	})

	peer := newTestPeer(t, c2)
	require.NoError(t, peer.nc.SetWriteDeadline(time.Now().Add(2*time.Second)))
	_, err := peer.bw.WriteString(ClientPreface)
	require.NoError(t, err)
	require.NoError(t, WriteFrame(peer.bw, &SettingsFrame{FrameHeader: FrameHeader{Type: FrameSettings}}))
	require.NoError(t, peer.bw.Flush())

	peer.expectFrame(FrameSettings)
	require.NoError(t, <-startErr)
	ack := peer.expectFrame(FrameSettings).(*SettingsFrame)
	require.True(t, ack.IsAck())

	peer.sendHeaders(1, testRequestFields(), true)

	hf := peer.expectFrame(FrameHeaders).(*HeadersFrame)
	fields := peer.decodeHeaders(hf)
	assert.Equal(t, ":status", fields[0].Name)
	assert.Equal(t, "200", fields[0].Value)

	df := peer.expectFrame(FrameData).(*DataFrame)
	assert.Equal(t, "served /", string(df.Data))
	assert.True(t, df.Flags.Has(FlagDataEndStream))
}

func TestServerRejectsBadPreface(t *testing.T) {
	c1, c2 := net.Pipe()
	conn := NewConnection(c1, false, Options{Logger: logger.NewNop()})
	startErr := make(chan error, 1)
	go func() { startErr <- conn.Start() }()
	t.Cleanup(func() { _ = c1.Close(); _ = c2.Close() })

	_ = c2.SetWriteDeadline(time.Now().Add(2 * time.Second))
	_, err := c2.Write([]byte("GET / HTTP/1.1\r\nHost: example\r\n\r\npadpadpad"))
	require.NoError(t, err)

	select {
	case err := <-startErr:
		var ce *ConnectionError
		require.ErrorAs(t, err, &ce)
		assert.Equal(t, ErrCodeProtocolError, ce.Code)
	case <-time.After(2 * time.Second):
		t.Fatal("Start did not fail on a bad preface")
	}
}

func TestWindowUpdateAfterStreamCompletes(t *testing.T) {
	conn, peer := newClientConn(t, Options{})
	peer.handshake()

	s, err := conn.OpenStream(testRequestFields(), true)
	require.NoError(t, err)
	peer.expectFrame(FrameHeaders)
	peer.sendHeaders(1, []HeaderField{{Name: ":status", Value: "204"}}, true)

	select {
	case <-s.Done():
	case <-time.After(time.Second):
		t.Fatal("stream did not close")
	}

	// Credit for a stream the peer has not yet seen close must be ignored,
	// not escalated to a connection error.
	peer.writeFrame(&WindowUpdateFrame{
		FrameHeader: FrameHeader{Type: FrameWindowUpdate, StreamID: 1},
		Increment:   10,
	})
	peer.writeFrame(&PingFrame{FrameHeader: FrameHeader{Type: FramePing}})
	peer.expectFrame(FramePing)

	select {
	case <-conn.Done():
		t.Fatalf("connection terminated on late WINDOW_UPDATE: %v", conn.Err())
	default:
	}
}

func TestCloseReturnsWithStalledPeer(t *testing.T) {
	conn, peer := newClientConn(t, Options{})
	peer.handshake()

	// The peer stops reading from here on. The GOAWAY wedges the writer
	// mid-flush on the unbuffered pipe; Close must still return.
	require.NoError(t, conn.GoAway(ErrCodeNoError))

	closed := make(chan struct{})
	go func() {
		_ = conn.Close()
		close(closed)
	}()
	select {
	case <-closed:
	case <-time.After(5 * time.Second):
		t.Fatal("Close did not return with a stalled peer")
	}
	_ = peer.nc.Close()
}

func TestDataPaddingCreditReturned(t *testing.T) {
	conn, peer := newClientConn(t, Options{})
	peer.handshake()

	s, err := conn.OpenStream(testRequestFields(), true)
	require.NoError(t, err)
	peer.expectFrame(FrameHeaders)

	peer.sendHeaders(1, []HeaderField{{Name: ":status", Value: "200"}}, false)
	peer.writeFrame(&DataFrame{
		FrameHeader: FrameHeader{Type: FrameData, StreamID: 1, Flags: FlagDataPadded},
		PadLength:   200,
		Data:        []byte("abc"),
	})
	// A PING round trip guarantees the DATA frame has been dispatched.
	peer.writeFrame(&PingFrame{FrameHeader: FrameHeader{Type: FramePing}})
	peer.expectFrame(FramePing)

	buf := make([]byte, 16)
	n, err := s.Read(buf)
	require.NoError(t, err)
	require.Equal(t, 3, n)

	// The whole frame (pad length octet + data + padding) was debited; the
	// 201 padding bytes plus the 3 consumed body bytes must all be pending
	// credit, with nothing leaked.
	const frameLen = 1 + 3 + 200
	check := func(name string, w *receiveWindow) {
		w.mu.Lock()
		defer w.mu.Unlock()
		assert.Equal(t, uint32(frameLen), w.pending, "%s pending", name)
		assert.Equal(t, int64(w.initial)-frameLen, w.credit, "%s credit", name)
	}
	check("stream", s.recvWindow)
	check("connection", conn.recvWindow)
}

// readerFunc adapts Stream.Read for io.ReadAll.
type readerFunc func([]byte) (int, error)

func (f readerFunc) Read(p []byte) (int, error) { return f(p) }
