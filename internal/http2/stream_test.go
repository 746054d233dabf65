package http2

import (
	"net"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"example.com/h2engine/internal/logger"
)

// newStreamConn returns a connection that never touches the wire: queued
// frames pile up in writerChan, where tests can inspect them directly.
func newStreamConn(t *testing.T) *Connection {
	t.Helper()
	c1, c2 := net.Pipe()
	conn := NewConnection(c1, true, Options{Logger: logger.NewNop()})
	t.Cleanup(func() {
		_ = c1.Close()
		_ = c2.Close()
	})
	return conn
}

func newTestStream(t *testing.T, conn *Connection, id uint32, localInitiated bool) *Stream {
	t.Helper()
	s := newStream(conn, id, localInitiated, DefaultInitialWindowSize, DefaultInitialWindowSize)
	conn.streamsMu.Lock()
	conn.streams[id] = s
	if localInitiated {
		conn.localStreams++
		if id >= conn.nextLocalID {
			conn.nextLocalID = id + 2
		}
	} else {
		conn.peerStreams++
		if id > conn.highestPeerID {
			conn.highestPeerID = id
		}
	}
	conn.streamsMu.Unlock()
	return s
}

func setStreamState(s *Stream, st StreamState) {
	s.mu.Lock()
	s.state = st
	s.mu.Unlock()
}

// queuedFrames pops everything currently sitting in the writer queue.
func queuedFrames(conn *Connection) []Frame {
	var out []Frame
	for {
		select {
		case batch := <-conn.writerChan:
			out = append(out, batch...)
		default:
			return out
		}
	}
}

func waitStreamClosed(t *testing.T, s *Stream) {
	t.Helper()
	select {
	case <-s.Done():
	case <-time.After(time.Second):
		t.Fatalf("stream %d did not reach the closed state", s.id)
	}
	assert.Equal(t, StreamStateClosed, s.State())
}

func TestStreamLifecycleSendSideFirst(t *testing.T) {
	conn := newStreamConn(t)
	s := newTestStream(t, conn, 1, true)
	require.Equal(t, StreamStateIdle, s.State())

	require.NoError(t, s.SendHeaders(testRequestFields(), false))
	assert.Equal(t, StreamStateOpen, s.State())

	_, err := s.WriteData([]byte("request body"), true)
	require.NoError(t, err)
	assert.Equal(t, StreamStateHalfClosedLocal, s.State())

	require.NoError(t, s.processHeaders([]HeaderField{{Name: ":status", Value: "200"}}, true))
	waitStreamClosed(t, s)
}

func TestStreamLifecycleReceiveSideFirst(t *testing.T) {
	conn := newStreamConn(t)
	s := newTestStream(t, conn, 1, true)

	require.NoError(t, s.SendHeaders(testRequestFields(), false))
	require.NoError(t, s.processHeaders([]HeaderField{{Name: ":status", Value: "200"}}, true))
	assert.Equal(t, StreamStateHalfClosedRemote, s.State())

	require.NoError(t, s.CloseLocal())
	waitStreamClosed(t, s)

	// The half-close went out as an empty DATA frame with END_STREAM.
	frames := queuedFrames(conn)
	require.NotEmpty(t, frames)
	last := frames[len(frames)-1]
	df, ok := last.(*DataFrame)
	require.True(t, ok, "expected trailing DATA frame, got %T", last)
	assert.Empty(t, df.Data)
	assert.True(t, df.Flags.Has(FlagDataEndStream))
}

func TestStreamReservedRemoteTransitions(t *testing.T) {
	conn := newStreamConn(t)
	s := newTestStream(t, conn, 2, false)
	setStreamState(s, StreamStateReservedRemote)

	// The pushed response's HEADERS move the stream to half-closed (local):
	// only the peer may still send.
	require.NoError(t, s.processHeaders([]HeaderField{{Name: ":status", Value: "200"}}, false))
	assert.Equal(t, StreamStateHalfClosedLocal, s.State())

	require.NoError(t, s.processData([]byte("pushed"), true, 6))
	waitStreamClosed(t, s)
}

func TestStreamReservedLocalTransitions(t *testing.T) {
	conn := newStreamConn(t)
	s := newTestStream(t, conn, 2, true)
	setStreamState(s, StreamStateReservedLocal)

	// Sending the promised response's HEADERS half-closes the remote side;
	// this endpoint keeps sending.
	require.NoError(t, s.SendHeaders([]HeaderField{{Name: ":status", Value: "200"}}, false))
	assert.Equal(t, StreamStateHalfClosedRemote, s.State())

	_, err := s.WriteData([]byte("pushed body"), true)
	require.NoError(t, err)
	waitStreamClosed(t, s)
}

func TestStreamDataInIdleStateFatal(t *testing.T) {
	conn := newStreamConn(t)
	s := newTestStream(t, conn, 1, true)

	err := s.processData([]byte("early"), false, 5)
	var ce *ConnectionError
	require.ErrorAs(t, err, &ce)
	assert.Equal(t, ErrCodeProtocolError, ce.Code)
}

func TestStreamHeadersAfterRemoteHalfClose(t *testing.T) {
	conn := newStreamConn(t)
	s := newTestStream(t, conn, 1, true)

	require.NoError(t, s.SendHeaders(testRequestFields(), false))
	require.NoError(t, s.processHeaders([]HeaderField{{Name: ":status", Value: "200"}}, true))
	require.Equal(t, StreamStateHalfClosedRemote, s.State())

	err := s.processHeaders([]HeaderField{{Name: "x-late", Value: "1"}}, true)
	var se *StreamError
	require.ErrorAs(t, err, &se)
	assert.Equal(t, ErrCodeStreamClosed, se.Code)
}

func TestStreamDuplicateResetKeepsFirstError(t *testing.T) {
	conn := newStreamConn(t)
	s := newTestStream(t, conn, 1, true)
	require.NoError(t, s.SendHeaders(testRequestFields(), false))

	s.processRSTStream(ErrCodeCancel)
	waitStreamClosed(t, s)
	s.processRSTStream(ErrCodeProtocolError)

	_, err := s.Read(make([]byte, 1))
	var se *StreamError
	require.ErrorAs(t, err, &se)
	assert.Equal(t, ErrCodeCancel, se.Code)
}

func TestStreamWindowUpdateAfterCleanCloseIgnored(t *testing.T) {
	conn := newStreamConn(t)
	s := newTestStream(t, conn, 1, true)
	require.NoError(t, s.SendHeaders(testRequestFields(), true))
	require.NoError(t, s.processHeaders([]HeaderField{{Name: ":status", Value: "204"}}, true))
	waitStreamClosed(t, s)

	// Late credit for a cleanly finished stream must not surface an error.
	assert.NoError(t, s.processWindowUpdate(10))
}

func TestStreamWindowUpdateOrderCommutative(t *testing.T) {
	takeFirst := newFlowControlWindow(DefaultInitialWindowSize, 1)
	n, err := takeFirst.acquire(100)
	require.NoError(t, err)
	require.Equal(t, uint32(100), n)
	require.NoError(t, takeFirst.increase(50))

	creditFirst := newFlowControlWindow(DefaultInitialWindowSize, 1)
	require.NoError(t, creditFirst.increase(50))
	n, err = creditFirst.acquire(100)
	require.NoError(t, err)
	require.Equal(t, uint32(100), n)

	assert.Equal(t, takeFirst.availableBytes(), creditFirst.availableBytes())
}
